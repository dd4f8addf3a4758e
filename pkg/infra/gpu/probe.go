// Package gpu measures accelerator memory usage on the host. The scheduler
// treats a probe as advisory: when one is available its readings override the
// accountant's derived figure, when none is the derived figure stands.
package gpu

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ErrUnavailable means no measurement source exists on this host. Callers
// fall back to derived accounting.
var ErrUnavailable = errors.New("gpu: no memory measurement available")

// Probe reports memory used on one accelerator, in GB.
type Probe interface {
	UsedGB(ctx context.Context, gpuID int) (float64, error)
}

// SMIProbe shells out to nvidia-smi. It is the probe of choice on hosts with
// the NVIDIA driver stack installed.
type SMIProbe struct {
	// Binary overrides the nvidia-smi path. Empty means $PATH lookup.
	Binary string
}

// NewSMIProbe returns a probe that queries nvidia-smi.
func NewSMIProbe() *SMIProbe {
	return &SMIProbe{}
}

// Available reports whether nvidia-smi can be found on this host.
func (p *SMIProbe) Available() bool {
	bin := p.Binary
	if bin == "" {
		bin = "nvidia-smi"
	}
	_, err := exec.LookPath(bin)
	return err == nil
}

// UsedGB queries memory.used for the given GPU index.
func (p *SMIProbe) UsedGB(ctx context.Context, gpuID int) (float64, error) {
	bin := p.Binary
	if bin == "" {
		bin = "nvidia-smi"
	}
	cmd := exec.CommandContext(ctx, bin,
		"--query-gpu=memory.used",
		"--format=csv,noheader,nounits",
		"-i", strconv.Itoa(gpuID),
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("nvidia-smi query failed: %w", err)
	}
	line := strings.TrimSpace(string(out))
	mib, err := strconv.ParseFloat(line, 64)
	if err != nil {
		return 0, fmt.Errorf("parse nvidia-smi output %q: %w", line, err)
	}
	return mib / 1024, nil
}

// NopProbe always reports ErrUnavailable so the accountant keeps its derived
// figure.
type NopProbe struct{}

func (NopProbe) UsedGB(context.Context, int) (float64, error) {
	return 0, ErrUnavailable
}
