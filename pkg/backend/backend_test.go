package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jguan/gpusched/pkg/unit"
	"github.com/jguan/gpusched/pkg/unit/sched"
)

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	fake := NewFake()
	r.Register(sched.FrameworkVLLM, fake)

	b, err := r.Lookup(sched.FrameworkVLLM)
	if err != nil {
		t.Fatal(err)
	}
	if b != Backend(fake) {
		t.Error("lookup returned a different backend")
	}

	_, err = r.Lookup("tgi")
	ue, ok := unit.AsUnitError(err)
	if !ok || ue.Code != unit.ErrCodeUnsupportedFramework {
		t.Errorf("unknown framework err = %v", err)
	}

	if got := r.Frameworks(); len(got) != 1 || got[0] != sched.FrameworkVLLM {
		t.Errorf("frameworks = %v", got)
	}
}

func TestEstimateMemoryGB(t *testing.T) {
	cases := map[sched.Framework]float64{
		sched.FrameworkVLLM:    15,
		sched.FrameworkSGLang:  12,
		sched.FrameworkPyTorch: 10,
		"unknown":              10,
	}
	for fw, want := range cases {
		if got := EstimateMemoryGB(fw); got != want {
			t.Errorf("EstimateMemoryGB(%s) = %v, want %v", fw, got, want)
		}
	}
}

func TestFakeLifecycle(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	ref := sched.BackendRef{Path: "/models/m", Framework: sched.FrameworkVLLM}

	mem, err := f.Load(ctx, ref)
	if err != nil {
		t.Fatal(err)
	}
	if mem != 15 {
		t.Errorf("memory = %v, want the vllm estimate", mem)
	}
	if !f.Resident("/models/m") {
		t.Error("model should be resident after load")
	}

	if err := f.WarmUp(ctx, ref); err != nil {
		t.Fatal(err)
	}
	resp, err := f.Infer(ctx, ref, sched.InferRequest{Prompt: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Output != "ok: hello" {
		t.Errorf("output = %q", resp.Output)
	}

	if err := f.Evict(ctx, ref); err != nil {
		t.Fatal(err)
	}
	if f.Resident("/models/m") {
		t.Error("model should not be resident after evict")
	}
	if f.Loads() != 1 || f.Infers() != 1 || f.Evicts() != 1 {
		t.Errorf("counters: loads=%d infers=%d evicts=%d", f.Loads(), f.Infers(), f.Evicts())
	}
}

func TestFakeConfiguredMemory(t *testing.T) {
	f := NewFake()
	f.MemoryGB = 33
	mem, err := f.Load(context.Background(), sched.BackendRef{Path: "/m"})
	if err != nil {
		t.Fatal(err)
	}
	if mem != 33 {
		t.Errorf("memory = %v, want 33", mem)
	}
}

func TestFakeFailureInjection(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	ref := sched.BackendRef{Path: "/m", Framework: sched.FrameworkPyTorch}

	f.FailLoad = errors.New("oom")
	if _, err := f.Load(ctx, ref); err == nil {
		t.Error("expected load failure")
	} else if ue, _ := unit.AsUnitError(err); ue.Code != unit.ErrCodeBackendLoadFailed {
		t.Errorf("load err = %v", err)
	}
	if f.Resident("/m") {
		t.Error("failed load must not leave the model resident")
	}

	f.FailWarmup = errors.New("probe failed")
	if err := f.WarmUp(ctx, ref); err == nil {
		t.Error("expected warmup failure")
	}
	f.FailInfer = errors.New("crash")
	if _, err := f.Infer(ctx, ref, sched.InferRequest{}); err == nil {
		t.Error("expected infer failure")
	}
	f.FailEvict = errors.New("stuck")
	if err := f.Evict(ctx, ref); err == nil {
		t.Error("expected evict failure")
	}
}

func TestFakeHonorsContext(t *testing.T) {
	f := NewFake()
	f.LoadDelay = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := f.Load(ctx, sched.BackendRef{Path: "/m"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("load ignored cancellation, took %v", elapsed)
	}
}
