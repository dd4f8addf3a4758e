package scheduler

import (
	"fmt"
	"sync"

	"github.com/jguan/gpusched/pkg/unit"
)

// Accountant tracks committed GPU memory against a single accelerator's
// capacity. All admission checks and claims go through it so the sum of
// resident model memory never exceeds the configured threshold. The
// threshold leaves headroom below physical capacity for fragmentation and
// runtime overhead.
type Accountant struct {
	mu          sync.Mutex
	totalGB     float64
	thresholdGB float64
	usedGB      float64
}

// NewAccountant creates an accountant for totalGB of memory with the usable
// fraction capped at thresholdFraction (e.g. 0.9).
func NewAccountant(totalGB, thresholdFraction float64) *Accountant {
	if thresholdFraction <= 0 || thresholdFraction > 1 {
		thresholdFraction = 0.9
	}
	return &Accountant{
		totalGB:     totalGB,
		thresholdGB: totalGB * thresholdFraction,
	}
}

// TotalGB returns the accelerator's physical capacity.
func (a *Accountant) TotalGB() float64 {
	return a.totalGB
}

// ThresholdGB returns the usable capacity ceiling.
func (a *Accountant) ThresholdGB() float64 {
	return a.thresholdGB
}

// UsedGB returns memory currently committed.
func (a *Accountant) UsedGB() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usedGB
}

// AvailableGB returns headroom below the threshold.
func (a *Accountant) AvailableGB() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.thresholdGB - a.usedGB
}

// UtilizationPercent returns committed memory as a fraction of physical
// capacity, in percent.
func (a *Accountant) UtilizationPercent() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.totalGB == 0 {
		return 0
	}
	return a.usedGB / a.totalGB * 100
}

// CanFit reports whether gb more can be committed without crossing the
// threshold.
func (a *Accountant) CanFit(gb float64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usedGB+gb <= a.thresholdGB
}

// Claim commits gb of memory, failing if it would cross the threshold.
func (a *Accountant) Claim(gb float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.usedGB+gb > a.thresholdGB {
		return unit.NewDomainError("sched", unit.ErrCodeCapacityExhausted,
			fmt.Sprintf("claim of %.1fGB exceeds threshold (%.1f/%.1fGB used)", gb, a.usedGB, a.thresholdGB))
	}
	a.usedGB += gb
	return nil
}

// Release returns gb of committed memory. Over-release clamps to zero
// rather than going negative.
func (a *Accountant) Release(gb float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.usedGB -= gb
	if a.usedGB < 0 {
		a.usedGB = 0
	}
}

// SetMeasuredUsed replaces the derived figure with a host/driver
// measurement. The memory monitor calls this so drift between estimates and
// reality is corrected every cycle.
func (a *Accountant) SetMeasuredUsed(gb float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if gb < 0 {
		gb = 0
	}
	a.usedGB = gb
}
