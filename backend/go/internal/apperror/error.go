// Package apperror defines the error envelope shared by every component of the
// orchestration core and by the worker processes it talks to.
package apperror

import (
	"fmt"
	"strings"
	"time"
)

// Origin tells who is at fault for a failure.
type Origin string

const (
	// OriginInternal marks failures raised by trusted platform code.
	OriginInternal Origin = "internal"
	// OriginApp marks failures raised by worker or extension code.
	OriginApp Origin = "app"
)

// Class is the coarse retry signal of a failure.
type Class string

const (
	ClassTransient Class = "transient"
	ClassPermanent Class = "permanent"
)

// Error is an immutable, chainable failure value. The With* helpers return a
// modified copy and never mutate the receiver.
type Error struct {
	Origin     Origin
	Class      Class
	Code       string
	Message    string
	Details    map[string]interface{}
	Stack      string
	Cause      *Error
	Retry      bool
	RetryDelay time.Duration
}

// New builds an Error. Transient failures default to retry=true.
func New(origin Origin, class Class, code, message string) *Error {
	return &Error{
		Origin:  origin,
		Class:   class,
		Code:    code,
		Message: message,
		Retry:   class == ClassTransient,
	}
}

// Transient is shorthand for an internal, retryable failure.
func Transient(code, message string) *Error {
	return New(OriginInternal, ClassTransient, code, message)
}

// Permanent is shorthand for an internal, non-retryable failure.
func Permanent(code, message string) *Error {
	return New(OriginInternal, ClassPermanent, code, message)
}

// App builds an application-origin failure.
func App(class Class, code, message string) *Error {
	return New(OriginApp, class, code, message)
}

func (e *Error) clone() *Error {
	c := *e
	if e.Details != nil {
		c.Details = make(map[string]interface{}, len(e.Details))
		for k, v := range e.Details {
			c.Details[k] = v
		}
	}
	return &c
}

// WithDetails merges the given details into a copy of e.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	c := e.clone()
	if c.Details == nil {
		c.Details = make(map[string]interface{}, len(details))
	}
	for k, v := range details {
		c.Details[k] = v
	}
	return c
}

// WithDetail sets a single detail key.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	return e.WithDetails(map[string]interface{}{key: value})
}

// WithCause attaches cause, coercing it into an Error first.
func (e *Error) WithCause(cause interface{}) *Error {
	c := e.clone()
	c.Cause = From(cause)
	return c
}

// WithRetry overrides the retry directive independently of the class.
func (e *Error) WithRetry(retry bool, delay time.Duration) *Error {
	c := e.clone()
	c.Retry = retry
	if retry {
		c.RetryDelay = delay
	} else {
		c.RetryDelay = 0
	}
	return c
}

// WithStack records the caller's stack.
func (e *Error) WithStack() *Error {
	c := e.clone()
	c.Stack = captureStack(3)
	return c
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Code)
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Cause != nil {
		b.WriteString(" <- ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap exposes the cause chain to errors.Is and errors.As.
func (e *Error) Unwrap() error {
	if e.Cause == nil {
		return nil
	}
	return e.Cause
}

// Is matches on code so sentinel-style comparisons work across the wire.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

// IsTransient reports whether the class is transient.
func (e *Error) IsTransient() bool { return e.Class == ClassTransient }

// Depth returns the length of the cause chain including e.
func (e *Error) Depth() int {
	n := 0
	for cur := e; cur != nil; cur = cur.Cause {
		n++
	}
	return n
}

// FindAppCause returns the highest-level app-origin error in the chain
// starting at e, or nil when every link is internal.
func FindAppCause(e *Error) *Error {
	for cur := e; cur != nil; cur = cur.Cause {
		if cur.Origin == OriginApp {
			return cur
		}
	}
	return nil
}

// Blame returns the origin a failure should be attributed to.
func Blame(e *Error) Origin {
	if FindAppCause(e) != nil {
		return OriginApp
	}
	return OriginInternal
}

// String is used by %v and in logs.
func (e *Error) String() string {
	return fmt.Sprintf("[%s/%s] %s", e.Origin, e.Class, e.Error())
}
