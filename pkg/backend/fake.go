package backend

import (
	"context"
	"sync"
	"time"

	"github.com/jguan/gpusched/pkg/unit"
	"github.com/jguan/gpusched/pkg/unit/sched"
)

// Fake is an in-process backend for tests and the simulation mode of the
// serve command. Latencies and failures are configurable per call site.
type Fake struct {
	mu sync.Mutex

	// MemoryGB is the measured memory reported by Load. Defaults to the
	// framework estimate when zero.
	MemoryGB float64
	// LoadDelay, WarmupDelay and InferDelay are slept (honoring ctx) before
	// each call returns. Zero means immediate.
	LoadDelay   time.Duration
	WarmupDelay time.Duration
	InferDelay  time.Duration

	// FailLoad, FailWarmup, FailInfer, FailEvict force the next matching
	// call to fail when non-nil.
	FailLoad   error
	FailWarmup error
	FailInfer  error
	FailEvict  error

	loads   int
	warmups int
	infers  int
	evicts  int

	resident map[string]bool
}

// NewFake creates a fake backend with no delays and no failures.
func NewFake() *Fake {
	return &Fake{resident: make(map[string]bool)}
}

func (f *Fake) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (f *Fake) Load(ctx context.Context, ref sched.BackendRef) (float64, error) {
	f.mu.Lock()
	f.loads++
	delay, failErr, mem := f.LoadDelay, f.FailLoad, f.MemoryGB
	f.mu.Unlock()

	if err := f.sleep(ctx, delay); err != nil {
		return 0, err
	}
	if failErr != nil {
		return 0, unit.WrapDomainError(failErr, "backend", unit.ErrCodeBackendLoadFailed, "load failed")
	}
	if mem == 0 {
		mem = EstimateMemoryGB(ref.Framework)
	}
	f.mu.Lock()
	f.resident[ref.Path] = true
	f.mu.Unlock()
	return mem, nil
}

func (f *Fake) WarmUp(ctx context.Context, ref sched.BackendRef) error {
	f.mu.Lock()
	f.warmups++
	delay, failErr := f.WarmupDelay, f.FailWarmup
	f.mu.Unlock()

	if err := f.sleep(ctx, delay); err != nil {
		return err
	}
	if failErr != nil {
		return unit.WrapDomainError(failErr, "backend", unit.ErrCodeBackendWarmupFailed, "warmup failed")
	}
	return nil
}

func (f *Fake) Infer(ctx context.Context, ref sched.BackendRef, req sched.InferRequest) (sched.InferResponse, error) {
	f.mu.Lock()
	f.infers++
	delay, failErr := f.InferDelay, f.FailInfer
	f.mu.Unlock()

	if err := f.sleep(ctx, delay); err != nil {
		return sched.InferResponse{}, err
	}
	if failErr != nil {
		return sched.InferResponse{}, unit.WrapDomainError(failErr, "backend", unit.ErrCodeBackendInferFailed, "inference failed")
	}
	return sched.InferResponse{Output: "ok: " + req.Prompt}, nil
}

func (f *Fake) Evict(ctx context.Context, ref sched.BackendRef) error {
	f.mu.Lock()
	f.evicts++
	failErr := f.FailEvict
	f.mu.Unlock()

	if failErr != nil {
		return unit.WrapDomainError(failErr, "backend", unit.ErrCodeBackendEvictFailed, "evict failed")
	}
	f.mu.Lock()
	delete(f.resident, ref.Path)
	f.mu.Unlock()
	return nil
}

// Loads returns how many Load calls the fake has seen.
func (f *Fake) Loads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads
}

// Infers returns how many Infer calls the fake has seen.
func (f *Fake) Infers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.infers
}

// Evicts returns how many Evict calls the fake has seen.
func (f *Fake) Evicts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.evicts
}

// Resident reports whether a model path is currently loaded in the fake.
func (f *Fake) Resident(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resident[path]
}
