package apperror

import (
	"encoding/json"
	"fmt"
	"time"
)

// RetryDirective is the canonical retry decision carried on the wire.
type RetryDirective struct {
	Retry   bool  `json:"retry" bson:"retry"`
	DelayMs int64 `json:"delayMs,omitempty" bson:"delay_ms,omitempty"`
}

// Envelope is the serializable form of an Error. It is what crosses the
// worker channel and what gets attached to a failed task.
type Envelope struct {
	Origin  Origin                 `json:"origin" bson:"origin"`
	Class   Class                  `json:"class" bson:"class"`
	Code    string                 `json:"code" bson:"code"`
	Message string                 `json:"message" bson:"message"`
	Details map[string]interface{} `json:"details,omitempty" bson:"details,omitempty"`
	Stack   string                 `json:"stack,omitempty" bson:"stack,omitempty"`
	Cause   *Envelope              `json:"cause,omitempty" bson:"cause,omitempty"`
	Retry   RetryDirective         `json:"retry" bson:"retry"`
}

// ToEnvelope converts e (and its cause chain) into the wire form.
func (e *Error) ToEnvelope() *Envelope {
	if e == nil {
		return nil
	}
	env := &Envelope{
		Origin:  e.Origin,
		Class:   e.Class,
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
		Stack:   e.Stack,
		Cause:   e.Cause.ToEnvelope(),
		Retry:   RetryDirective{Retry: e.Retry},
	}
	if e.Retry && e.RetryDelay > 0 {
		env.Retry.DelayMs = e.RetryDelay.Milliseconds()
	}
	return env
}

// FromEnvelope rebuilds an Error from its wire form. Unknown origin or class
// values are normalized to internal and permanent.
func FromEnvelope(env *Envelope) *Error {
	if env == nil {
		return nil
	}
	e := &Error{
		Origin:  env.Origin,
		Class:   env.Class,
		Code:    env.Code,
		Message: env.Message,
		Details: env.Details,
		Stack:   env.Stack,
		Cause:   FromEnvelope(env.Cause),
		Retry:   env.Retry.Retry,
	}
	if e.Origin != OriginApp {
		e.Origin = OriginInternal
	}
	if e.Class != ClassTransient {
		e.Class = ClassPermanent
	}
	if e.Code == "" {
		e.Code = CodeUnknown
	}
	if env.Retry.Retry && env.Retry.DelayMs > 0 {
		e.RetryDelay = time.Duration(env.Retry.DelayMs) * time.Millisecond
	}
	return e
}

// Validate checks the shape of an envelope received from an untrusted peer.
func (env *Envelope) Validate() error {
	depth := 0
	for cur := env; cur != nil; cur = cur.Cause {
		if cur.Origin != OriginInternal && cur.Origin != OriginApp {
			return fmt.Errorf("error envelope at depth %d: invalid origin %q", depth, cur.Origin)
		}
		if cur.Class != ClassTransient && cur.Class != ClassPermanent {
			return fmt.Errorf("error envelope at depth %d: invalid class %q", depth, cur.Class)
		}
		if cur.Code == "" {
			return fmt.Errorf("error envelope at depth %d: missing code", depth)
		}
		if cur.Retry.DelayMs < 0 {
			return fmt.Errorf("error envelope at depth %d: negative retry delay", depth)
		}
		depth++
	}
	return nil
}

// MarshalJSON encodes the Error as its Envelope.
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.ToEnvelope())
}

// UnmarshalJSON decodes an Envelope into e.
func (e *Error) UnmarshalJSON(data []byte) error {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	*e = *FromEnvelope(&env)
	return nil
}

// PublicError is the view of a failure shown to non-operator callers.
type PublicError struct {
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// Public strips stack and details. App-origin failures surface the app's own
// message since that is what the caller can act on.
func (env *Envelope) Public() PublicError {
	if env == nil {
		return PublicError{}
	}
	if app := FindAppCause(FromEnvelope(env)); app != nil && app.Code != env.Code {
		return PublicError{ErrorCode: env.Code, ErrorMessage: app.Message}
	}
	return PublicError{ErrorCode: env.Code, ErrorMessage: env.Message}
}
