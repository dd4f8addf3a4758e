package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jguan/gpusched/pkg/backend"
	"github.com/jguan/gpusched/pkg/costscaler"
	"github.com/jguan/gpusched/pkg/infra/store"
	"github.com/jguan/gpusched/pkg/unit"
	"github.com/jguan/gpusched/pkg/unit/sched"
	"github.com/jguan/gpusched/pkg/warmpool"
)

// clock is a mutable test clock wired into the orchestrator's now func.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(t time.Time) *clock { return &clock{t: t} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// captureBus records published events for assertions.
type captureBus struct {
	mu     sync.Mutex
	events []unit.Event
}

func (b *captureBus) Publish(ev unit.Event) error {
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
	return nil
}

func (b *captureBus) byType(t string) []unit.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []unit.Event
	for _, ev := range b.events {
		if ev.Type() == t {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	orch *Orchestrator
	fake *backend.Fake
	sink *store.MemorySink
	bus  *captureBus
	clk  *clock
}

// newFixture builds an orchestrator around a fake backend with permissive
// advisory gates (priority_based warming, latency_critical cost with a huge
// budget) so admission tests opt in to stricter gates explicitly.
func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()

	cfg := DefaultConfig()
	cfg.TotalMemoryGB = 100
	cfg.ThresholdFraction = 0.8
	cfg.ColdStartTimeout = 2 * time.Second
	cfg.MinWarmModels = 0 // floor tests opt in
	if mutate != nil {
		mutate(&cfg)
	}

	fake := backend.NewFake()
	fake.MemoryGB = 10
	reg := backend.NewRegistry()
	for _, fw := range []sched.Framework{sched.FrameworkPyTorch, sched.FrameworkVLLM, sched.FrameworkSGLang} {
		reg.Register(fw, fake)
	}

	wpCfg := warmpool.DefaultConfig()
	wpCfg.Strategy = warmpool.StrategyPriorityBased
	wpCfg.MinWarmModels = 0
	wpCfg.EnablePredictiveWarming = false
	pool := warmpool.NewManager(wpCfg, warmpool.NewLedger(), quietLogger())

	costCfg := costscaler.DefaultConfig()
	costCfg.Strategy = costscaler.StrategyLatencyCritical
	costCfg.HourlyBudgetUSD = 1000
	cost := costscaler.NewScaler(costCfg, costscaler.NewLedger(), pool, quietLogger())

	sink := store.NewMemorySink()
	bus := &captureBus{}
	o := New(cfg, Deps{
		Backends:   reg,
		WarmPool:   pool,
		CostScaler: cost,
		Bus:        bus,
		Sink:       sink,
		Log:        quietLogger(),
	})
	clk := newClock(time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC))
	o.now = clk.Now

	return &fixture{orch: o, fake: fake, sink: sink, bus: bus, clk: clk}
}

func (f *fixture) register(t *testing.T, id string, priority int) {
	t.Helper()
	ref := sched.BackendRef{Path: "/models/" + id, Framework: sched.FrameworkPyTorch}
	if _, err := f.orch.Register(id, ref, priority, nil); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func (f *fixture) warm(t *testing.T, id string) {
	t.Helper()
	if err := f.orch.EnsureLoaded(context.Background(), id, true); err != nil {
		t.Fatalf("load %s: %v", id, err)
	}
}

func errCode(t *testing.T, err error) unit.ErrorCode {
	t.Helper()
	ue, ok := unit.AsUnitError(err)
	if !ok {
		t.Fatalf("expected UnitError, got %T: %v", err, err)
	}
	return ue.Code
}

func TestRegister(t *testing.T) {
	f := newFixture(t, nil)

	f.register(t, "llama", 5)

	if _, err := f.orch.Register("llama", sched.BackendRef{Path: "/x", Framework: sched.FrameworkPyTorch}, 0, nil); errCode(t, err) != unit.ErrCodeModelRegistered {
		t.Errorf("duplicate register returned %v", err)
	}
	if _, err := f.orch.Register("", sched.BackendRef{Framework: sched.FrameworkPyTorch}, 0, nil); errCode(t, err) != unit.ErrCodeInvalidInput {
		t.Errorf("empty id register returned %v", err)
	}
	if _, err := f.orch.Register("m2", sched.BackendRef{Framework: "tgi"}, 0, nil); errCode(t, err) != unit.ErrCodeUnsupportedFramework {
		t.Errorf("unknown framework register returned %v", err)
	}

	inst, err := f.orch.Model("llama")
	if err != nil {
		t.Fatal(err)
	}
	if inst.State != sched.StateCold || inst.Priority != 5 {
		t.Errorf("instance = %+v", inst)
	}

	recs, _ := f.sink.ListModels(context.Background())
	if len(recs) != 1 || recs[0].ID != "llama" {
		t.Errorf("persisted records = %v", recs)
	}
	if got := len(f.bus.byType(sched.EventTypeRegistered)); got != 1 {
		t.Errorf("registered events = %d", got)
	}
}

func TestEnsureLoadedRespectsThreshold(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.TotalMemoryGB = 25 // threshold 20GB, fits two 10GB models
	})
	for _, id := range []string{"a", "b", "c"} {
		f.register(t, id, 5)
	}

	f.warm(t, "a")
	f.warm(t, "b")

	// All peers, nothing to evict. The third load must fail rather than
	// cross the threshold.
	err := f.orch.EnsureLoaded(context.Background(), "c", true)
	if !unit.IsCapacityExhausted(err) {
		t.Fatalf("expected capacity exhausted, got %v", err)
	}

	acct := f.orch.Accountant()
	if acct.UsedGB() > acct.ThresholdGB() {
		t.Errorf("used %.1fGB exceeds threshold %.1fGB", acct.UsedGB(), acct.ThresholdGB())
	}
	if !f.fake.Resident("/models/a") || !f.fake.Resident("/models/b") {
		t.Error("resident models lost")
	}
}

func TestEnsureLoadedIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "m", 5)

	f.warm(t, "m")
	f.warm(t, "m")

	if got := f.fake.Loads(); got != 1 {
		t.Errorf("loads = %d, want 1", got)
	}
}

func TestSingleFlightColdStart(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "m", 5)
	f.fake.LoadDelay = 30 * time.Millisecond

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.orch.HandleRequest(context.Background(), "m", sched.InferRequest{Prompt: "hi"})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("request %d failed: %v", i, err)
		}
	}
	if got := f.fake.Loads(); got != 1 {
		t.Errorf("loads = %d, want 1 (concurrent requests must share one cold start)", got)
	}
	if got := f.fake.Infers(); got != n {
		t.Errorf("infers = %d, want %d", got, n)
	}
}

func TestHandleRequestColdThenWarm(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "m", 5)

	res, err := f.orch.HandleRequest(context.Background(), "m", sched.InferRequest{Prompt: "first"})
	if err != nil {
		t.Fatal(err)
	}
	if res.WasWarm {
		t.Error("first request should be a cold start")
	}
	if res.Response.Output != "ok: first" {
		t.Errorf("output = %q", res.Response.Output)
	}

	res, err = f.orch.HandleRequest(context.Background(), "m", sched.InferRequest{Prompt: "second"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.WasWarm {
		t.Error("second request should hit the warm model")
	}
	if got := f.fake.Loads(); got != 1 {
		t.Errorf("loads = %d, want 1", got)
	}

	inst, _ := f.orch.Model("m")
	if inst.Metrics.RequestsPerHour <= 0 {
		t.Errorf("requests per hour = %v, want > 0", inst.Metrics.RequestsPerHour)
	}
	if !inst.LastAccessed.Equal(f.clk.Now()) {
		t.Errorf("last accessed = %v", inst.LastAccessed)
	}
}

func TestWarmHitCreditsSavings(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "m", 5)
	f.warm(t, "m")

	// Two warm hits: each one avoided reloading 10GB of weights and paying
	// one cold-start penalty.
	for i := 0; i < 2; i++ {
		if _, err := f.orch.HandleRequest(context.Background(), "m", sched.InferRequest{}); err != nil {
			t.Fatal(err)
		}
	}

	st := f.orch.pool.Status()
	if st.MemorySavedGB != 20 {
		t.Errorf("MemorySavedGB = %v, want 20", st.MemorySavedGB)
	}
	if want := 2 * f.orch.cost.ColdStartPenalty(); st.CostSavedUSD < want-1e-9 || st.CostSavedUSD > want+1e-9 {
		t.Errorf("CostSavedUSD = %v, want %v", st.CostSavedUSD, want)
	}

	// A cold start saves nothing.
	f.register(t, "other", 5)
	if _, err := f.orch.HandleRequest(context.Background(), "other", sched.InferRequest{}); err != nil {
		t.Fatal(err)
	}
	if got := f.orch.pool.Status().MemorySavedGB; got != 20 {
		t.Errorf("MemorySavedGB = %v after a cold start, want unchanged", got)
	}
}

func TestHandleRequestInferFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "m", 5)
	f.warm(t, "m")
	f.fake.FailInfer = errors.New("engine crashed")

	_, err := f.orch.HandleRequest(context.Background(), "m", sched.InferRequest{})
	if errCode(t, err) != unit.ErrCodeBackendInferFailed {
		t.Fatalf("err = %v", err)
	}

	inst, _ := f.orch.Model("m")
	if inst.Metrics.ErrorRate <= 0 {
		t.Error("error rate should rise after a failed inference")
	}
	if inst.State != sched.StateWarm {
		t.Errorf("state = %s, want warm (inference failure is not a residency failure)", inst.State)
	}
}

func TestAdmissionRefusedWithoutTraffic(t *testing.T) {
	f := newFixture(t, nil)
	// Priority below every priority_based rule: the pool declines warming.
	f.register(t, "m", 1)

	err := f.orch.EnsureLoaded(context.Background(), "m", false)
	if !unit.IsAdmissionRefused(err) {
		t.Fatalf("expected admission refusal, got %v", err)
	}
	if sched.RefusalReason(err) == "" {
		t.Error("refusal must carry a reason")
	}
	if got := f.fake.Loads(); got != 0 {
		t.Errorf("loads = %d, refused model must not touch the backend", got)
	}
	inst, _ := f.orch.Model("m")
	if inst.State != sched.StateCold {
		t.Errorf("state = %s, want cold", inst.State)
	}
	if got := len(f.bus.byType(sched.EventTypeAdmissionRefused)); got != 1 {
		t.Errorf("refusal events = %d, want 1", got)
	}

	// force bypasses the advisory gates.
	if err := f.orch.EnsureLoaded(context.Background(), "m", true); err != nil {
		t.Fatalf("forced load failed: %v", err)
	}
}

func TestMakeRoomEvictsByPriorityThenAge(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.TotalMemoryGB = 25 // threshold 20GB
	})
	f.register(t, "low", 1)
	f.register(t, "mid", 2)
	f.register(t, "high", 5)

	f.warm(t, "low")
	f.clk.Advance(time.Minute)
	f.warm(t, "mid")

	// Loading high needs 10GB; evicting the lowest-priority victim frees it.
	f.warm(t, "high")

	wantStates := map[string]sched.State{
		"low":  sched.StateCold,
		"mid":  sched.StateWarm,
		"high": sched.StateWarm,
	}
	for id, want := range wantStates {
		inst, _ := f.orch.Model(id)
		if inst.State != want {
			t.Errorf("%s state = %s, want %s", id, inst.State, want)
		}
	}
}

func TestMakeRoomBreaksTiesByLastAccessed(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.TotalMemoryGB = 25
	})
	f.register(t, "older", 1)
	f.register(t, "newer", 1)
	f.register(t, "high", 5)

	f.warm(t, "older")
	f.clk.Advance(time.Minute)
	f.warm(t, "newer")
	f.clk.Advance(time.Minute)

	f.warm(t, "high")

	older, _ := f.orch.Model("older")
	newer, _ := f.orch.Model("newer")
	if older.State != sched.StateCold {
		t.Errorf("older state = %s, want cold (least recently accessed goes first)", older.State)
	}
	if newer.State != sched.StateWarm {
		t.Errorf("newer state = %s, want warm", newer.State)
	}
}

func TestMakeRoomNeverEvictsEqualOrHigherPriority(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.TotalMemoryGB = 25
	})
	f.register(t, "a", 5)
	f.register(t, "b", 5)
	f.register(t, "c", 5)

	f.warm(t, "a")
	f.warm(t, "b")

	err := f.orch.EnsureLoaded(context.Background(), "c", true)
	if !unit.IsCapacityExhausted(err) {
		t.Fatalf("expected capacity exhausted, got %v", err)
	}
	for _, id := range []string{"a", "b"} {
		inst, _ := f.orch.Model(id)
		if inst.State != sched.StateWarm {
			t.Errorf("%s state = %s, peers must not be evicted", id, inst.State)
		}
	}
}

func TestColdStartTimeout(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.ColdStartTimeout = 20 * time.Millisecond
	})
	f.register(t, "m", 5)
	f.fake.LoadDelay = 200 * time.Millisecond

	err := f.orch.EnsureLoaded(context.Background(), "m", true)
	if errCode(t, err) != unit.ErrCodeColdStartTimeout {
		t.Fatalf("err = %v", err)
	}
	if !unit.IsTimeout(err) {
		t.Error("cold start timeout should match IsTimeout")
	}

	inst, _ := f.orch.Model("m")
	if inst.State != sched.StateError {
		t.Errorf("state = %s, want error", inst.State)
	}
	if got := len(f.bus.byType(sched.EventTypeError)); got != 1 {
		t.Errorf("error events = %d, want 1", got)
	}
}

func TestWarmupFailureEvictsAndErrors(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "m", 5)
	f.fake.FailWarmup = errors.New("probe request failed")

	err := f.orch.EnsureLoaded(context.Background(), "m", true)
	if errCode(t, err) != unit.ErrCodeBackendWarmupFailed {
		t.Fatalf("err = %v", err)
	}
	if got := f.fake.Evicts(); got != 1 {
		t.Errorf("evicts = %d, a failed warm-up must release the backend", got)
	}
	inst, _ := f.orch.Model("m")
	if inst.State != sched.StateError {
		t.Errorf("state = %s, want error", inst.State)
	}
	if got := f.orch.Accountant().UsedGB(); got != 0 {
		t.Errorf("used = %.1fGB, want 0", got)
	}
}

func TestOversizedMeasurementRollsBack(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.TotalMemoryGB = 25 // threshold 20GB
	})
	f.register(t, "m", 5)
	// Estimate (10GB) passes admission; the measured footprint does not fit.
	f.fake.MemoryGB = 30

	err := f.orch.EnsureLoaded(context.Background(), "m", true)
	if !unit.IsCapacityExhausted(err) {
		t.Fatalf("expected capacity exhausted, got %v", err)
	}
	if got := f.fake.Evicts(); got != 1 {
		t.Errorf("evicts = %d, oversized model must be rolled back", got)
	}
	inst, _ := f.orch.Model("m")
	if inst.State != sched.StateCold {
		t.Errorf("state = %s, want cold", inst.State)
	}
	if got := f.orch.Accountant().UsedGB(); got != 0 {
		t.Errorf("used = %.1fGB, want 0", got)
	}

	// The measurement survives the rollback: the retry is refused up front
	// instead of loading the full weights again.
	err = f.orch.EnsureLoaded(context.Background(), "m", true)
	if !unit.IsCapacityExhausted(err) {
		t.Fatalf("retry: expected capacity exhausted, got %v", err)
	}
	if got := f.fake.Loads(); got != 1 {
		t.Errorf("loads = %d, retry must be refused on the measured footprint", got)
	}
}

func TestEvictIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "m", 5)
	f.warm(t, "m")

	if err := f.orch.Evict(context.Background(), "m"); err != nil {
		t.Fatal(err)
	}
	if got := f.orch.Accountant().UsedGB(); got != 0 {
		t.Errorf("used = %.1fGB after evict, want 0", got)
	}

	// Evicting a cold model is a no-op, not an error.
	if err := f.orch.Evict(context.Background(), "m"); err != nil {
		t.Fatalf("second evict: %v", err)
	}
	if got := f.fake.Evicts(); got != 1 {
		t.Errorf("backend evicts = %d, want 1", got)
	}
	if got := len(f.bus.byType(sched.EventTypeEvicted)); got != 1 {
		t.Errorf("evicted events = %d, want 1", got)
	}
}

func TestRetryOnlyFromError(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.ColdStartTimeout = 20 * time.Millisecond
	})
	f.register(t, "m", 5)

	if err := f.orch.Retry(context.Background(), "m"); errCode(t, err) != unit.ErrCodeModelNotRetryable {
		t.Errorf("retry of cold model returned %v", err)
	}

	f.fake.LoadDelay = 200 * time.Millisecond
	if err := f.orch.EnsureLoaded(context.Background(), "m", true); err == nil {
		t.Fatal("expected load to time out")
	}

	f.fake.LoadDelay = 0
	if err := f.orch.Retry(context.Background(), "m"); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	inst, _ := f.orch.Model("m")
	if inst.State != sched.StateWarm {
		t.Errorf("state = %s, want warm after retry", inst.State)
	}
}

func TestMeasuredMemoryImprovesEstimate(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "m", 5)
	f.fake.MemoryGB = 17.5

	f.warm(t, "m")
	if err := f.orch.Evict(context.Background(), "m"); err != nil {
		t.Fatal(err)
	}

	inst, _ := f.orch.get("m")
	if got := f.orch.estimateMemory(inst); got != 17.5 {
		t.Errorf("estimate = %.1f, want the measured 17.5", got)
	}
}

func TestDeregister(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "m", 5)
	f.warm(t, "m")

	// A load in flight blocks deregistration.
	f.orch.setState("m", sched.StateWarming)
	if err := f.orch.Deregister(context.Background(), "m"); errCode(t, err) != unit.ErrCodeOperationInFlight {
		t.Errorf("busy deregister returned %v", err)
	}
	f.orch.setState("m", sched.StateWarm)

	if err := f.orch.Deregister(context.Background(), "m"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.orch.Model("m"); errCode(t, err) != unit.ErrCodeUnknownModel {
		t.Errorf("lookup after deregister returned %v", err)
	}
	if got := f.fake.Evicts(); got != 1 {
		t.Errorf("evicts = %d, resident model must be evicted on deregister", got)
	}
	recs, _ := f.sink.ListModels(context.Background())
	if len(recs) != 0 {
		t.Errorf("persisted records = %v, want none", recs)
	}
}

func TestUnknownModelOperations(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.orch.HandleRequest(ctx, "ghost", sched.InferRequest{}); errCode(t, err) != unit.ErrCodeUnknownModel {
		t.Errorf("HandleRequest = %v", err)
	}
	if err := f.orch.EnsureLoaded(ctx, "ghost", true); errCode(t, err) != unit.ErrCodeUnknownModel {
		t.Errorf("EnsureLoaded = %v", err)
	}
	if err := f.orch.Evict(ctx, "ghost"); errCode(t, err) != unit.ErrCodeUnknownModel {
		t.Errorf("Evict = %v", err)
	}
	if err := f.orch.Deregister(ctx, "ghost"); errCode(t, err) != unit.ErrCodeUnknownModel {
		t.Errorf("Deregister = %v", err)
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "warm1", 5)
	f.register(t, "cold1", 5)
	f.warm(t, "warm1")

	st := f.orch.Status()
	if st.TotalModels != 2 {
		t.Errorf("total models = %d", st.TotalModels)
	}
	if st.CountsByState["warm"] != 1 || st.CountsByState["cold"] != 1 {
		t.Errorf("counts = %v", st.CountsByState)
	}
	if st.UsedMemoryGB != 10 {
		t.Errorf("used = %.1fGB, want 10", st.UsedMemoryGB)
	}
	if st.WarmPool.WarmModels != 1 {
		t.Errorf("warm pool models = %d", st.WarmPool.WarmModels)
	}
	if st.Cost.ActiveModels != 1 {
		t.Errorf("cost active models = %d", st.Cost.ActiveModels)
	}

	detail, err := f.orch.ModelDetail("warm1")
	if err != nil {
		t.Fatal(err)
	}
	if detail.WarmPool == nil || !detail.WarmPool.IsWarm {
		t.Error("detail should include warm pool view")
	}
	if detail.Cost == nil || detail.Cost.MemoryGB != 10 {
		t.Errorf("detail cost = %+v", detail.Cost)
	}

	models := f.orch.Models()
	if len(models) != 2 || models[0].ID != "cold1" || models[1].ID != "warm1" {
		t.Errorf("models = %v", models)
	}
}
