package gpu

import (
	"context"

	"golang.org/x/sys/unix"
)

// HostProbe reads host RAM usage via sysinfo(2). It stands in for a GPU
// probe on machines without an accelerator, where models are held in system
// memory (CPU inference or simulation runs).
type HostProbe struct{}

// NewHostProbe returns a probe backed by sysinfo(2).
func NewHostProbe() *HostProbe {
	return &HostProbe{}
}

// UsedGB reports host memory in use. The gpuID is ignored; there is one
// figure per host.
func (HostProbe) UsedGB(_ context.Context, _ int) (float64, error) {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return 0, err
	}
	unit := uint64(si.Unit)
	if unit == 0 {
		unit = 1
	}
	used := (uint64(si.Totalram) - uint64(si.Freeram) - uint64(si.Bufferram)) * unit
	return float64(used) / (1 << 30), nil
}
