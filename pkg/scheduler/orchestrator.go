// Package scheduler contains the orchestrator that owns the model registry
// and drives the per-model residency state machine. It is the only component
// that mutates state: the warm pool manager and cost scaler advise, backends
// execute, and the orchestrator decides.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jguan/gpusched/pkg/backend"
	"github.com/jguan/gpusched/pkg/costscaler"
	"github.com/jguan/gpusched/pkg/infra/gpu"
	"github.com/jguan/gpusched/pkg/infra/store"
	"github.com/jguan/gpusched/pkg/unit"
	"github.com/jguan/gpusched/pkg/unit/sched"
	"github.com/jguan/gpusched/pkg/warmpool"
)

// Config tunes the orchestrator and its background loops.
type Config struct {
	GPUID             int
	TotalMemoryGB     float64
	ThresholdFraction float64

	Policy             sched.ScalingPolicy
	IdleEviction       time.Duration
	LatencyTopN        int
	HybridIdle         time.Duration
	HybridTrafficFloor float64
	ColdStartTimeout   time.Duration
	MaxWarmModels      int
	// MinWarmModels is the pool floor: policy evictions never shrink the
	// warm set below it.
	MinWarmModels int

	MemoryMonitorInterval time.Duration
	WarmingInterval       time.Duration
	PolicyInterval        time.Duration
	PersistInterval       time.Duration
}

// DefaultConfig returns the stock orchestrator configuration for an 80GB
// accelerator.
func DefaultConfig() Config {
	return Config{
		GPUID:                 0,
		TotalMemoryGB:         80,
		ThresholdFraction:     0.8,
		Policy:                sched.PolicyHybrid,
		IdleEviction:          15 * time.Minute,
		LatencyTopN:           10,
		HybridIdle:            5 * time.Minute,
		HybridTrafficFloor:    10.0,
		ColdStartTimeout:      300 * time.Second,
		MaxWarmModels:         10,
		MinWarmModels:         3,
		MemoryMonitorInterval: 10 * time.Second,
		WarmingInterval:       30 * time.Second,
		PolicyInterval:        60 * time.Second,
		PersistInterval:       5 * time.Minute,
	}
}

// Deps are the orchestrator's collaborators. Backends, WarmPool and
// CostScaler are required; Bus, Probe and Sink may be nil.
type Deps struct {
	Backends   *backend.Registry
	WarmPool   *warmpool.Manager
	CostScaler *costscaler.Scaler
	Bus        unit.EventPublisher
	Probe      gpu.Probe
	Sink       store.Sink
	Log        *slog.Logger
}

// Orchestrator owns one accelerator's model registry and memory budget.
type Orchestrator struct {
	cfg  Config
	log  *slog.Logger
	bus  unit.EventPublisher
	acct *Accountant

	backends *backend.Registry
	pool     *warmpool.Manager
	cost     *costscaler.Scaler
	probe    gpu.Probe
	sink     store.Sink

	mu       sync.RWMutex
	models   map[string]*sched.Instance
	locks    map[string]*sync.Mutex
	inflight map[string]int
	// lastMemory remembers a model's measured footprint across evictions so
	// admission estimates improve after the first load.
	lastMemory map[string]float64
	// evictCandidates holds models the warming reconciler flagged as no
	// longer deserving warmth, with the time of flagging. The policy
	// reconciler acts on them after a settle delay so advice flapping does
	// not translate into load/evict churn.
	evictCandidates map[string]time.Time
	closed          bool

	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time
}

// New creates an orchestrator. It restores the cost history from the sink
// when one is wired.
func New(cfg Config, deps Deps) *Orchestrator {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	bus := deps.Bus
	if bus == nil {
		bus = &unit.NoopEventPublisher{}
	}
	o := &Orchestrator{
		cfg:             cfg,
		log:             log,
		bus:             bus,
		acct:            NewAccountant(cfg.TotalMemoryGB, cfg.ThresholdFraction),
		backends:        deps.Backends,
		pool:            deps.WarmPool,
		cost:            deps.CostScaler,
		probe:           deps.Probe,
		sink:            deps.Sink,
		models:          make(map[string]*sched.Instance),
		locks:           make(map[string]*sync.Mutex),
		inflight:        make(map[string]int),
		lastMemory:      make(map[string]float64),
		evictCandidates: make(map[string]time.Time),
		now:             time.Now,
	}
	o.restoreCostHistory()
	return o
}

// Accountant exposes the memory accountant for status reporting.
func (o *Orchestrator) Accountant() *Accountant { return o.acct }

func (o *Orchestrator) restoreCostHistory() {
	if o.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	samples, err := o.sink.LoadCostSamples(ctx, o.now().Add(-costscaler.HistoryWindow))
	if err != nil {
		o.log.Warn("cost history restore failed", "error", err)
		return
	}
	points := make([]costscaler.CostPoint, 0, len(samples))
	for _, s := range samples {
		points = append(points, costscaler.CostPoint{At: s.At, CostUSD: s.CostUSD})
	}
	o.cost.Ledger().RestoreHistory(points)
}

// Register adds a model to the registry in the cold state. Metrics and
// traffic history are restored from the sink when present.
func (o *Orchestrator) Register(id string, ref sched.BackendRef, priority int, tags []string) (*sched.Instance, error) {
	if id == "" {
		return nil, unit.NewError(unit.ErrCodeInvalidInput, "model id must not be empty")
	}
	if _, err := o.backends.Lookup(ref.Framework); err != nil {
		return nil, err
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, sched.ErrClosed
	}
	if _, exists := o.models[id]; exists {
		o.mu.Unlock()
		return nil, unit.NewDomainError("sched", unit.ErrCodeModelRegistered,
			fmt.Sprintf("model %q already registered", id))
	}
	inst := &sched.Instance{
		ID:        id,
		Ref:       ref,
		State:     sched.StateCold,
		Priority:  priority,
		Tags:      append([]string(nil), tags...),
		CreatedAt: o.now(),
	}
	o.models[id] = inst
	o.locks[id] = &sync.Mutex{}
	o.mu.Unlock()

	o.pool.RegisterModel(id, priority)
	o.restoreModelHistory(id)
	o.saveModelRecord(inst)

	o.log.Info("model registered", "model", id, "framework", ref.Framework, "priority", priority)
	o.publish(sched.NewRegisteredEvent(inst.Clone()))
	return inst.Clone(), nil
}

func (o *Orchestrator) restoreModelHistory(id string) {
	if o.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if rec, ok, err := o.sink.LoadModelMetrics(ctx, id); err != nil {
		o.log.Warn("metrics restore failed", "model", id, "error", err)
	} else if ok {
		o.mu.Lock()
		if inst, exists := o.models[id]; exists {
			inst.Metrics = rec.Metrics
		}
		o.mu.Unlock()
	}

	since := o.now().Add(-warmpool.RetentionWindow)
	if ts, err := o.sink.LoadTrafficSnapshot(ctx, id, since); err != nil {
		o.log.Warn("traffic restore failed", "model", id, "error", err)
	} else if len(ts) > 0 {
		o.pool.Ledger().Restore(map[string][]time.Time{id: ts})
	}
}

func (o *Orchestrator) saveModelRecord(inst *sched.Instance) {
	if o.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec := store.ModelRecord{
		ID:           inst.ID,
		Path:         inst.Ref.Path,
		Framework:    inst.Ref.Framework,
		Priority:     inst.Priority,
		Tags:         append([]string(nil), inst.Tags...),
		RegisteredAt: inst.CreatedAt,
	}
	if err := o.sink.SaveModel(ctx, rec); err != nil {
		o.log.Warn("model record persist failed", "model", inst.ID, "error", err)
	}
}

// Deregister evicts the model if resident and removes it from the registry.
// It fails while a load or request is in flight.
func (o *Orchestrator) Deregister(ctx context.Context, id string) error {
	inst, err := o.get(id)
	if err != nil {
		return err
	}

	o.mu.RLock()
	busy := inst.State == sched.StateWarming || o.inflight[id] > 0
	o.mu.RUnlock()
	if busy {
		return unit.NewDomainError("sched", unit.ErrCodeOperationInFlight,
			fmt.Sprintf("model %q has an operation in flight", id))
	}

	if err := o.Evict(ctx, id); err != nil {
		return err
	}

	o.mu.Lock()
	delete(o.models, id)
	delete(o.locks, id)
	delete(o.inflight, id)
	delete(o.lastMemory, id)
	delete(o.evictCandidates, id)
	o.mu.Unlock()

	o.pool.DeregisterModel(id)
	if o.sink != nil {
		delCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := o.sink.DeleteModel(delCtx, id); err != nil {
			o.log.Warn("model record delete failed", "model", id, "error", err)
		}
		cancel()
	}
	o.log.Info("model deregistered", "model", id)
	o.publish(sched.NewDeregisteredEvent(id))
	return nil
}

// HandleRequest serves one inference request, loading the model first if it
// is cold. The caller blocks for the duration of a cold start.
func (o *Orchestrator) HandleRequest(ctx context.Context, id string, req sched.InferRequest) (*sched.RequestResult, error) {
	inst, err := o.get(id)
	if err != nil {
		return nil, err
	}

	wasWarm := o.isResident(id)
	if !wasWarm {
		if err := o.EnsureLoaded(ctx, id, false); err != nil {
			return nil, err
		}
	}

	// The model can be evicted between EnsureLoaded returning and serving
	// starting. One reload attempt covers that window.
	for attempt := 0; ; attempt++ {
		if o.beginServing(id) {
			break
		}
		if attempt >= 1 {
			return nil, unit.NewDomainError("sched", unit.ErrCodeInternalError,
				fmt.Sprintf("model %q lost residency before serving", id))
		}
		if err := o.EnsureLoaded(ctx, id, false); err != nil {
			return nil, err
		}
	}
	defer o.endServing(id)

	b, err := o.backends.Lookup(inst.Ref.Framework)
	if err != nil {
		return nil, err
	}

	start := o.now()
	resp, err := b.Infer(ctx, inst.Ref, req)
	latencyMS := float64(o.now().Sub(start)) / float64(time.Millisecond)

	if err != nil {
		o.recordInferFailure(id)
		return nil, unit.WrapDomainError(err, "backend", unit.ErrCodeBackendInferFailed,
			fmt.Sprintf("inference failed for model %q", id))
	}

	o.recordInferSuccess(id, latencyMS, wasWarm)
	return &sched.RequestResult{Response: resp, LatencyMS: latencyMS, WasWarm: wasWarm}, nil
}

// EnsureLoaded drives the model from cold (or error) to warm. With force
// false the warm pool and cost gates apply; force bypasses them but never
// the memory threshold. Concurrent calls for the same id collapse into one
// load.
func (o *Orchestrator) EnsureLoaded(ctx context.Context, id string, force bool) error {
	return o.ensureLoaded(ctx, id, force, false)
}

// ensureLoaded implements EnsureLoaded. predicted marks a load driven by
// predictive pre-warming: the forecast satisfies the warm pool gate, which
// would otherwise refuse a model with no recent traffic. The cost gate and
// the memory threshold still apply.
func (o *Orchestrator) ensureLoaded(ctx context.Context, id string, force, predicted bool) error {
	inst, err := o.get(id)
	if err != nil {
		return err
	}
	lk, err := o.modelLock(id)
	if err != nil {
		return err
	}
	lk.Lock()
	defer lk.Unlock()

	switch o.state(id) {
	case sched.StateWarming, sched.StateWarm, sched.StateServing:
		return nil
	}

	est := o.estimateMemory(inst)
	if !force {
		if !predicted && !o.pool.ShouldWarm(id) {
			reason := "warm pool strategy declined warming"
			o.refuse(id, reason)
			return sched.AdmissionRefusal(reason)
		}
		affordable, reason := o.cost.ShouldLoad(id, est)
		if !affordable {
			o.refuse(id, reason)
			return sched.AdmissionRefusal(reason)
		}
	}

	if !o.acct.CanFit(est) {
		o.makeRoom(ctx, inst, est)
		if !o.acct.CanFit(est) {
			return unit.NewDomainError("sched", unit.ErrCodeCapacityExhausted,
				fmt.Sprintf("cannot free %.1fGB for model %q", est, id)).
				WithDetails("needed_gb", est).
				WithDetails("available_gb", o.acct.AvailableGB())
		}
	}

	return o.load(ctx, inst)
}

// load runs the Load + WarmUp sequence. Caller holds the per-id lock.
func (o *Orchestrator) load(ctx context.Context, inst *sched.Instance) error {
	id := inst.ID
	b, err := o.backends.Lookup(inst.Ref.Framework)
	if err != nil {
		return err
	}

	o.setState(id, sched.StateWarming)
	o.pool.MarkWarming(id)
	o.log.Info("loading model", "model", id, "framework", inst.Ref.Framework)

	loadCtx, cancel := context.WithTimeout(ctx, o.cfg.ColdStartTimeout)
	defer cancel()

	loadStart := o.now()
	memGB, err := b.Load(loadCtx, inst.Ref)
	if err != nil {
		return o.failLoad(id, "load", loadCtx, err)
	}
	loadTime := o.now().Sub(loadStart).Seconds()

	warmStart := o.now()
	if err := b.WarmUp(loadCtx, inst.Ref); err != nil {
		evictCtx, evictCancel := context.WithTimeout(context.Background(), 30*time.Second)
		_ = b.Evict(evictCtx, inst.Ref)
		evictCancel()
		return o.failLoad(id, "warmup", loadCtx, err)
	}
	warmupTime := o.now().Sub(warmStart).Seconds()

	if err := o.acct.Claim(memGB); err != nil {
		// Measured footprint exceeded the estimate and the headroom. The
		// model cannot stay resident without breaking the threshold. Keep
		// the measurement so the next admission works with the real figure
		// instead of repeating the load-and-roll-back cycle.
		evictCtx, evictCancel := context.WithTimeout(context.Background(), 30*time.Second)
		_ = b.Evict(evictCtx, inst.Ref)
		evictCancel()
		o.mu.Lock()
		o.lastMemory[id] = memGB
		o.mu.Unlock()
		o.setState(id, sched.StateCold)
		o.pool.MarkEvicted(id)
		return err
	}

	now := o.now()
	o.mu.Lock()
	inst.State = sched.StateWarm
	inst.MemoryGB = memGB
	inst.Metrics.LoadTimeS = loadTime
	inst.Metrics.WarmupTimeS = warmupTime
	inst.LastAccessed = now
	o.lastMemory[id] = memGB
	delete(o.evictCandidates, id)
	o.mu.Unlock()

	o.cost.RegisterLoad(id, memGB)
	o.pool.MarkWarm(id, loadTime)
	o.log.Info("model warm", "model", id, "memory_gb", memGB, "load_time_s", loadTime)
	o.publish(sched.NewWarmedEvent(id, memGB, loadTime))
	return nil
}

func (o *Orchestrator) failLoad(id, op string, loadCtx context.Context, err error) error {
	o.setState(id, sched.StateError)
	o.pool.MarkEvicted(id)
	o.log.Error("model load failed", "model", id, "op", op, "error", err)
	o.publish(sched.NewErrorEvent(id, op, err))

	if errors.Is(loadCtx.Err(), context.DeadlineExceeded) {
		return unit.WrapDomainError(err, "sched", unit.ErrCodeColdStartTimeout,
			fmt.Sprintf("cold start for model %q exceeded %s", id, o.cfg.ColdStartTimeout))
	}
	code := unit.ErrCodeBackendLoadFailed
	if op == "warmup" {
		code = unit.ErrCodeBackendWarmupFailed
	}
	return unit.WrapDomainError(err, "backend", code,
		fmt.Sprintf("%s failed for model %q", op, id))
}

// makeRoom evicts lower-priority warm models, least valuable first, until
// neededGB fits or candidates run out. Caller holds the target's per-id
// lock; candidate locks are taken one at a time inside Evict.
func (o *Orchestrator) makeRoom(ctx context.Context, target *sched.Instance, neededGB float64) {
	o.mu.RLock()
	type cand struct {
		id           string
		priority     int
		lastAccessed time.Time
	}
	var cands []cand
	for id, inst := range o.models {
		if inst.State == sched.StateWarm && inst.Priority < target.Priority {
			cands = append(cands, cand{id, inst.Priority, inst.LastAccessed})
		}
	}
	o.mu.RUnlock()

	sort.Slice(cands, func(i, j int) bool {
		if cands[i].priority != cands[j].priority {
			return cands[i].priority < cands[j].priority
		}
		return cands[i].lastAccessed.Before(cands[j].lastAccessed)
	})

	for _, c := range cands {
		if o.acct.CanFit(neededGB) {
			return
		}
		o.log.Info("evicting to make room", "victim", c.id, "for", target.ID, "needed_gb", neededGB)
		if err := o.Evict(ctx, c.id); err != nil {
			o.log.Warn("make-room eviction failed", "model", c.id, "error", err)
		}
	}
}

// Evict removes a warm model from memory. A model that is not warm is left
// alone: evicting a cold model is a no-op.
func (o *Orchestrator) Evict(ctx context.Context, id string) error {
	inst, err := o.get(id)
	if err != nil {
		return err
	}
	lk, err := o.modelLock(id)
	if err != nil {
		return err
	}
	lk.Lock()
	defer lk.Unlock()

	if o.state(id) != sched.StateWarm {
		return nil
	}

	b, err := o.backends.Lookup(inst.Ref.Framework)
	if err != nil {
		return err
	}

	o.setState(id, sched.StateEvicting)
	if err := b.Evict(ctx, inst.Ref); err != nil {
		o.setState(id, sched.StateError)
		o.log.Error("eviction failed", "model", id, "error", err)
		o.publish(sched.NewErrorEvent(id, "evict", err))
		return unit.WrapDomainError(err, "backend", unit.ErrCodeBackendEvictFailed,
			fmt.Sprintf("evict failed for model %q", id))
	}

	o.mu.Lock()
	freed := inst.MemoryGB
	inst.State = sched.StateCold
	inst.MemoryGB = 0
	delete(o.evictCandidates, id)
	o.mu.Unlock()

	o.acct.Release(freed)
	o.cost.RegisterEviction(id)
	o.pool.MarkEvicted(id)
	o.log.Info("model evicted", "model", id, "freed_gb", freed)
	o.publish(sched.NewEvictedEvent(id, freed))
	return nil
}

// Retry re-attempts a load for a model stuck in the error state. The
// advisory gates are bypassed; the memory threshold still applies.
func (o *Orchestrator) Retry(ctx context.Context, id string) error {
	if _, err := o.get(id); err != nil {
		return err
	}
	if o.state(id) != sched.StateError {
		return unit.NewDomainError("sched", unit.ErrCodeModelNotRetryable,
			fmt.Sprintf("model %q is not in error state", id))
	}
	return o.EnsureLoaded(ctx, id, true)
}

// --- registry helpers ---

func (o *Orchestrator) get(id string) (*sched.Instance, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	inst, ok := o.models[id]
	if !ok {
		return nil, unit.NewDomainError("sched", unit.ErrCodeUnknownModel,
			fmt.Sprintf("model %q is not registered", id))
	}
	return inst, nil
}

func (o *Orchestrator) modelLock(id string) (*sync.Mutex, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	lk, ok := o.locks[id]
	if !ok {
		return nil, unit.NewDomainError("sched", unit.ErrCodeUnknownModel,
			fmt.Sprintf("model %q is not registered", id))
	}
	return lk, nil
}

func (o *Orchestrator) state(id string) sched.State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if inst, ok := o.models[id]; ok {
		return inst.State
	}
	return sched.StateCold
}

func (o *Orchestrator) setState(id string, s sched.State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if inst, ok := o.models[id]; ok {
		inst.State = s
	}
}

func (o *Orchestrator) isResident(id string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if inst, ok := o.models[id]; ok {
		return inst.State == sched.StateWarm || inst.State == sched.StateServing
	}
	return false
}

func (o *Orchestrator) estimateMemory(inst *sched.Instance) float64 {
	o.mu.RLock()
	last := o.lastMemory[inst.ID]
	o.mu.RUnlock()
	if last > 0 {
		return last
	}
	return backend.EstimateMemoryGB(inst.Ref.Framework)
}

// beginServing moves the model into the serving state if it is resident.
func (o *Orchestrator) beginServing(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	inst, ok := o.models[id]
	if !ok {
		return false
	}
	if inst.State != sched.StateWarm && inst.State != sched.StateServing {
		return false
	}
	o.inflight[id]++
	inst.State = sched.StateServing
	return true
}

func (o *Orchestrator) endServing(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	inst, ok := o.models[id]
	if !ok {
		return
	}
	if o.inflight[id] > 0 {
		o.inflight[id]--
	}
	if o.inflight[id] == 0 && inst.State == sched.StateServing {
		inst.State = sched.StateWarm
	}
}

func (o *Orchestrator) recordInferSuccess(id string, latencyMS float64, wasWarm bool) {
	o.pool.RecordRequest(id, latencyMS, wasWarm)
	rph := o.pool.Ledger().RequestsPerHour(id)

	var memGB float64
	o.mu.Lock()
	if inst, ok := o.models[id]; ok {
		inst.LastAccessed = o.now()
		inst.Metrics.RequestsPerHour = rph
		if inst.Metrics.AvgLatencyMS == 0 {
			inst.Metrics.AvgLatencyMS = latencyMS
		} else {
			inst.Metrics.AvgLatencyMS = inst.Metrics.AvgLatencyMS*0.9 + latencyMS*0.1
		}
		inst.Metrics.ErrorRate *= 0.9
		memGB = inst.MemoryGB
	}
	o.mu.Unlock()

	if wasWarm {
		o.pool.RecordAvoidedColdStart(memGB, o.cost.ColdStartPenalty())
	}
}

func (o *Orchestrator) recordInferFailure(id string) {
	o.mu.Lock()
	if inst, ok := o.models[id]; ok {
		inst.Metrics.ErrorRate = inst.Metrics.ErrorRate*0.9 + 0.1
	}
	o.mu.Unlock()
}

func (o *Orchestrator) refuse(id, reason string) {
	o.log.Info("admission refused", "model", id, "reason", reason)
	o.publish(sched.NewAdmissionRefusedEvent(id, reason))
}

func (o *Orchestrator) publish(ev unit.Event) {
	if err := o.bus.Publish(ev); err != nil {
		o.log.Debug("event publish failed", "type", ev.Type(), "error", err)
	}
}
