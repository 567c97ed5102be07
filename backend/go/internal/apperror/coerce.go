package apperror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// From coerces any value into an Error. It never panics: values that cannot
// be serialized degrade to their fmt representation.
func From(v interface{}) *Error {
	switch val := v.(type) {
	case nil:
		return nil
	case *Error:
		return val
	case *Envelope:
		return FromEnvelope(val)
	case error:
		var ae *Error
		if errors.As(val, &ae) {
			return ae
		}
		if errors.Is(val, context.DeadlineExceeded) {
			return Transient(CodeTimeout, val.Error())
		}
		if errors.Is(val, context.Canceled) {
			return Transient(CodeTimeout, val.Error()).WithRetry(false, 0)
		}
		return Permanent(CodeUnknown, val.Error())
	case string:
		return Permanent(CodeUnknown, val)
	case fmt.Stringer:
		return Permanent(CodeUnknown, safeString(val))
	default:
		return Permanent(CodeUnknown, describe(val))
	}
}

// FromPanic converts a recovered panic value and records the stack.
func FromPanic(r interface{}) *Error {
	inner := From(r)
	e := Permanent(CodePanic, "panic: "+inner.Message).WithCause(inner)
	e.Stack = captureStack(3)
	return e
}

// describe renders v as JSON, falling back to %v when encoding fails or
// panics.
func describe(v interface{}) (out string) {
	defer func() {
		if r := recover(); r != nil {
			out = fmt.Sprintf("%v", v)
		}
	}()
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func safeString(s fmt.Stringer) (out string) {
	defer func() {
		if r := recover(); r != nil {
			out = fmt.Sprintf("%T", s)
		}
	}()
	return s.String()
}

func captureStack(skip int) string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	var b strings.Builder
	for {
		f, more := frames.Next()
		fmt.Fprintf(&b, "%s\n\t%s:%d\n", f.Function, f.File, f.Line)
		if !more {
			break
		}
	}
	return b.String()
}
