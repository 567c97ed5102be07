package apperror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	cases := []*Error{
		Transient(CodeServerlessWorkerUnavailable, "pool not ready"),
		Permanent(CodeDockerCreateContainer, "create failed").
			WithDetails(map[string]interface{}{"status": 500, "body": "boom"}),
		App(ClassPermanent, "INVOICE_MISSING", "no invoice").
			WithRetry(true, 1500*time.Millisecond),
		Permanent(CodeWorkerDispatchFailed, "dispatch failed").
			WithCause(App(ClassTransient, "UPSTREAM", "upstream flaked").
				WithCause(Transient(CodeChannelTimeout, "timed out"))),
	}

	for _, e := range cases {
		t.Run(e.Code, func(t *testing.T) {
			got := FromEnvelope(e.ToEnvelope())
			assert.Equal(t, e, got)
		})
	}
}

func TestEnvelopeJSONRoundTrip(t *testing.T) {
	e := App(ClassTransient, "RATE_LIMITED", "slow down").
		WithRetry(true, 2*time.Second).
		WithCause(Permanent(CodeUnknown, "inner"))

	b, err := json.Marshal(e)
	require.NoError(t, err)

	var decoded Error
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, e.Code, decoded.Code)
	assert.Equal(t, e.Origin, decoded.Origin)
	assert.Equal(t, e.Class, decoded.Class)
	assert.True(t, decoded.Retry)
	assert.Equal(t, 2*time.Second, decoded.RetryDelay)
	require.NotNil(t, decoded.Cause)
	assert.Equal(t, "inner", decoded.Cause.Message)
}

func TestRetryCanDivergeFromClass(t *testing.T) {
	e := Permanent("X", "looks permanent").WithRetry(true, time.Second)
	assert.Equal(t, ClassPermanent, e.Class)
	assert.True(t, e.Retry)

	env := e.ToEnvelope()
	assert.Equal(t, int64(1000), env.Retry.DelayMs)

	noRetry := Transient("Y", "flaky").WithRetry(false, time.Minute)
	assert.False(t, noRetry.Retry)
	assert.Zero(t, noRetry.RetryDelay)
}

func TestWithHelpersDoNotMutate(t *testing.T) {
	base := Permanent("BASE", "base").WithDetail("a", 1)
	_ = base.WithDetail("b", 2)
	_ = base.WithCause(errors.New("x"))
	assert.Len(t, base.Details, 1)
	assert.Nil(t, base.Cause)
}

func TestFindAppCause(t *testing.T) {
	appOuter := App(ClassPermanent, "APP_OUTER", "outer app")
	chain := Permanent(CodeWorkerDispatchFailed, "wrapper").
		WithCause(appOuter.WithCause(App(ClassTransient, "APP_INNER", "inner app")))

	found := FindAppCause(chain)
	require.NotNil(t, found)
	assert.Equal(t, "APP_OUTER", found.Code)
	assert.Equal(t, OriginApp, Blame(chain))

	internalOnly := Transient("A", "a").WithCause(Permanent("B", "b"))
	assert.Nil(t, FindAppCause(internalOnly))
	assert.Equal(t, OriginInternal, Blame(internalOnly))
}

type badStringer struct{}

func (badStringer) String() string { panic("nope") }

func TestFromNeverPanics(t *testing.T) {
	cases := []interface{}{
		"plain string",
		errors.New("plain error"),
		fmt.Errorf("wrapped: %w", Transient("INNER", "inner")),
		map[string]interface{}{"k": "v"},
		make(chan int),
		func() {},
		badStringer{},
		42,
	}
	for _, c := range cases {
		assert.NotPanics(t, func() {
			e := From(c)
			require.NotNil(t, e)
			assert.NotEmpty(t, e.Code)
		})
	}

	assert.Nil(t, From(nil))
	wrapped := From(fmt.Errorf("ctx: %w", Transient("INNER", "inner")))
	assert.Equal(t, "INNER", wrapped.Code)
	assert.Equal(t, `{"k":"v"}`, From(map[string]interface{}{"k": "v"}).Message)
}

func TestFromContextErrors(t *testing.T) {
	e := From(fmt.Errorf("call: %w", context.DeadlineExceeded))
	assert.Equal(t, CodeTimeout, e.Code)
	assert.Equal(t, ClassTransient, e.Class)
	assert.Equal(t, OriginInternal, e.Origin)
}

func TestFromPanic(t *testing.T) {
	var e *Error
	func() {
		defer func() { e = FromPanic(recover()) }()
		panic("kaboom")
	}()
	require.NotNil(t, e)
	assert.Equal(t, CodePanic, e.Code)
	assert.NotEmpty(t, e.Stack)
	assert.Equal(t, "kaboom", e.Cause.Message)
}

func TestErrorsIsAndAs(t *testing.T) {
	inner := Transient(CodeChannelTimeout, "timeout")
	outer := fmt.Errorf("dispatch: %w", Permanent(CodeWorkerDispatchFailed, "failed").WithCause(inner))

	assert.True(t, errors.Is(outer, &Error{Code: CodeChannelTimeout}))
	var ae *Error
	require.True(t, errors.As(outer, &ae))
	assert.Equal(t, CodeWorkerDispatchFailed, ae.Code)
	assert.Equal(t, 2, ae.Depth())
}

func TestValidate(t *testing.T) {
	good := Permanent("OK", "ok").WithCause(App(ClassTransient, "APP", "app")).ToEnvelope()
	assert.NoError(t, good.Validate())

	bad := good
	bad.Cause.Origin = "martian"
	assert.Error(t, bad.Validate())

	assert.Error(t, (&Envelope{Origin: OriginApp, Class: ClassPermanent}).Validate())
}

func TestPublicView(t *testing.T) {
	env := Permanent(CodeWorkerDispatchFailed, "dispatch failed").
		WithStack().
		WithCause(App(ClassPermanent, "BAD_INPUT", "invoice id missing")).
		ToEnvelope()
	pub := env.Public()
	assert.Equal(t, CodeWorkerDispatchFailed, pub.ErrorCode)
	assert.Equal(t, "invoice id missing", pub.ErrorMessage)

	b, err := json.Marshal(pub)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "stack")
}
