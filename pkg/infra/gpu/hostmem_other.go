//go:build !linux

package gpu

import "context"

// HostProbe reads host RAM usage. Only the linux build has a real
// implementation; elsewhere it reports ErrUnavailable so callers fall back
// to derived accounting.
type HostProbe struct{}

// NewHostProbe returns a probe backed by the host's memory counters.
func NewHostProbe() *HostProbe {
	return &HostProbe{}
}

func (HostProbe) UsedGB(context.Context, int) (float64, error) {
	return 0, ErrUnavailable
}
