package gpu

import (
	"context"
	"errors"
	"testing"
)

func TestNopProbe(t *testing.T) {
	_, err := NopProbe{}.UsedGB(context.Background(), 0)
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestSMIProbeMissingBinary(t *testing.T) {
	p := &SMIProbe{Binary: "/nonexistent/nvidia-smi"}
	if p.Available() {
		t.Error("probe with a bogus binary should not be available")
	}
	if _, err := p.UsedGB(context.Background(), 0); err == nil {
		t.Error("query against a bogus binary should fail")
	}
}
