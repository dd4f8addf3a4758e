// Package backend defines the contract a framework adapter implements so the
// scheduler core never depends on framework-specific types. One adapter
// exists per engine (vllm, docker-run engines, fakes for tests); the
// orchestrator selects one at registration time by framework tag.
package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/jguan/gpusched/pkg/unit"
	"github.com/jguan/gpusched/pkg/unit/sched"
)

// Backend is the four-method capability the orchestrator drives. All calls
// may take seconds; the orchestrator owns timeouts via ctx.
type Backend interface {
	// Load makes the model resident and returns its measured memory in GB.
	Load(ctx context.Context, ref sched.BackendRef) (float64, error)
	// WarmUp primes kernels/caches so the first request is not a cold one.
	WarmUp(ctx context.Context, ref sched.BackendRef) error
	// Infer runs one request against the resident model.
	Infer(ctx context.Context, ref sched.BackendRef, req sched.InferRequest) (sched.InferResponse, error)
	// Evict releases the model's memory.
	Evict(ctx context.Context, ref sched.BackendRef) error
}

// Registry maps framework tags to adapters.
type Registry struct {
	mu       sync.RWMutex
	backends map[sched.Framework]Backend
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[sched.Framework]Backend)}
}

// Register installs an adapter for a framework, replacing any previous one.
func (r *Registry) Register(fw sched.Framework, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[fw] = b
}

// Lookup returns the adapter for a framework.
func (r *Registry) Lookup(fw sched.Framework) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[fw]
	if !ok {
		return nil, unit.NewDomainError("backend", unit.ErrCodeUnsupportedFramework,
			fmt.Sprintf("no backend registered for framework %q", fw))
	}
	return b, nil
}

// Frameworks lists registered framework tags.
func (r *Registry) Frameworks() []sched.Framework {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]sched.Framework, 0, len(r.backends))
	for fw := range r.backends {
		out = append(out, fw)
	}
	return out
}

// EstimateMemoryGB is the pre-load memory estimate used for admission when a
// model has never been measured. Rough per-framework heuristics.
func EstimateMemoryGB(fw sched.Framework) float64 {
	switch fw {
	case sched.FrameworkVLLM:
		return 15.0
	case sched.FrameworkSGLang:
		return 12.0
	default:
		return 10.0
	}
}
