package unit

import (
	"errors"
	"fmt"
	"testing"
)

func TestUnitErrorMessage(t *testing.T) {
	e := NewDomainError("sched", ErrCodeUnknownModel, "model missing")
	if got := e.Error(); got != "[00100] model missing" {
		t.Errorf("Error() = %q", got)
	}

	wrapped := WrapDomainError(errors.New("disk full"), "backend", ErrCodeBackendLoadFailed, "load failed")
	if got := wrapped.Error(); got != "[00200] load failed: disk full" {
		t.Errorf("Error() = %q", got)
	}
}

func TestErrorsIsMatchesOnCode(t *testing.T) {
	err := NewDomainError("sched", ErrCodeAdmissionRefused, "declined")
	if !errors.Is(err, NewError(ErrCodeAdmissionRefused, "other message")) {
		t.Error("same code should match regardless of message")
	}
	if errors.Is(err, NewError(ErrCodeCapacityExhausted, "declined")) {
		t.Error("different code must not match")
	}
}

func TestUnwrapChain(t *testing.T) {
	root := errors.New("connection refused")
	mid := WrapDomainError(root, "backend", ErrCodeBackendNotReachable, "engine down")
	top := WrapDomainError(mid, "backend", ErrCodeBackendInferFailed, "inference failed")

	if !errors.Is(top, root) {
		t.Error("root cause lost through wrapping")
	}

	// AsUnitError surfaces the outermost coded error.
	ue, ok := AsUnitError(top)
	if !ok || ue.Code != ErrCodeBackendInferFailed {
		t.Errorf("AsUnitError = %+v, %v", ue, ok)
	}

	// A UnitError behind a plain fmt wrapper is still found.
	plain := fmt.Errorf("handler: %w", mid)
	ue, ok = AsUnitError(plain)
	if !ok || ue.Code != ErrCodeBackendNotReachable {
		t.Errorf("AsUnitError through fmt wrap = %+v, %v", ue, ok)
	}

	if _, ok := AsUnitError(nil); ok {
		t.Error("nil is not a UnitError")
	}
	if _, ok := AsUnitError(errors.New("plain")); ok {
		t.Error("plain error is not a UnitError")
	}
}

func TestWithDetails(t *testing.T) {
	e := NewError(ErrCodeInvalidInput, "bad").
		WithDetails("field", "priority").
		WithDetails("value", -3)
	if e.Details["field"] != "priority" || e.Details["value"] != -3 {
		t.Errorf("details = %v", e.Details)
	}
}

func TestClassifiers(t *testing.T) {
	cases := []struct {
		name string
		err  error
		fn   func(error) bool
		want bool
	}{
		{"refused", NewDomainError("sched", ErrCodeAdmissionRefused, "x"), IsAdmissionRefused, true},
		{"refused wrapped", fmt.Errorf("op: %w", NewDomainError("sched", ErrCodeAdmissionRefused, "x")), IsAdmissionRefused, true},
		{"not refused", NewError(ErrCodeTimeout, "x"), IsAdmissionRefused, false},
		{"capacity", NewDomainError("sched", ErrCodeCapacityExhausted, "x"), IsCapacityExhausted, true},
		{"cold start is timeout", NewDomainError("sched", ErrCodeColdStartTimeout, "x"), IsTimeout, true},
		{"generic timeout", NewError(ErrCodeTimeout, "x"), IsTimeout, true},
		{"unknown model is not found", NewDomainError("sched", ErrCodeUnknownModel, "x"), IsNotFound, true},
		{"backend load", NewDomainError("backend", ErrCodeBackendLoadFailed, "x"), IsBackendFailure, true},
		{"backend infer", NewDomainError("backend", ErrCodeBackendInferFailed, "x"), IsBackendFailure, true},
		{"sched is not backend", NewDomainError("sched", ErrCodeUnknownModel, "x"), IsBackendFailure, false},
		{"plain error", errors.New("x"), IsBackendFailure, false},
	}
	for _, tc := range cases {
		if got := tc.fn(tc.err); got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}
