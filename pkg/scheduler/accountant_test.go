package scheduler

import (
	"testing"

	"github.com/jguan/gpusched/pkg/unit"
)

func TestAccountantClaimRelease(t *testing.T) {
	a := NewAccountant(80, 0.8)

	if a.TotalGB() != 80 || a.ThresholdGB() != 64 {
		t.Fatalf("total=%v threshold=%v", a.TotalGB(), a.ThresholdGB())
	}
	if !a.CanFit(64) {
		t.Error("threshold itself should fit")
	}
	if a.CanFit(64.1) {
		t.Error("above threshold should not fit")
	}

	if err := a.Claim(40); err != nil {
		t.Fatal(err)
	}
	if err := a.Claim(30); !unit.IsCapacityExhausted(err) {
		t.Errorf("over-claim returned %v", err)
	}
	if got := a.UsedGB(); got != 40 {
		t.Errorf("used = %v, want 40", got)
	}
	if got := a.AvailableGB(); got != 24 {
		t.Errorf("available = %v, want 24", got)
	}
	if got := a.UtilizationPercent(); got != 50 {
		t.Errorf("utilization = %v, want 50", got)
	}

	a.Release(15)
	if got := a.UsedGB(); got != 25 {
		t.Errorf("used = %v, want 25", got)
	}
	// Over-release clamps at zero.
	a.Release(100)
	if got := a.UsedGB(); got != 0 {
		t.Errorf("used = %v, want 0", got)
	}
}

func TestAccountantMeasuredOverride(t *testing.T) {
	a := NewAccountant(80, 0.8)
	_ = a.Claim(10)

	a.SetMeasuredUsed(33)
	if got := a.UsedGB(); got != 33 {
		t.Errorf("used = %v, want the measured 33", got)
	}
	a.SetMeasuredUsed(-5)
	if got := a.UsedGB(); got != 0 {
		t.Errorf("used = %v, negative measurements clamp to 0", got)
	}
}

func TestAccountantBadThresholdFallsBack(t *testing.T) {
	for _, frac := range []float64{0, -1, 1.5} {
		a := NewAccountant(100, frac)
		if got := a.ThresholdGB(); got != 90 {
			t.Errorf("fraction %v: threshold = %v, want the 0.9 fallback", frac, got)
		}
	}
}
