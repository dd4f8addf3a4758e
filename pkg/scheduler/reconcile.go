package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/jguan/gpusched/pkg/infra/store"
	"github.com/jguan/gpusched/pkg/unit"
	"github.com/jguan/gpusched/pkg/unit/sched"
)

// Start launches the background loops: memory monitor, warming reconciler,
// policy reconciler, and metrics persister. Stop cancels and waits for them.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return sched.ErrClosed
	}
	if o.cancel != nil {
		o.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.mu.Unlock()

	o.spawnLoop(runCtx, o.cfg.MemoryMonitorInterval, o.refreshMemory)
	o.spawnLoop(runCtx, o.cfg.WarmingInterval, o.reconcileWarming)
	o.spawnLoop(runCtx, o.cfg.PolicyInterval, o.reconcilePolicy)
	if o.sink != nil {
		o.spawnLoop(runCtx, o.cfg.PersistInterval, o.persistMetrics)
	}

	o.log.Info("orchestrator started",
		"policy", o.cfg.Policy,
		"total_gb", o.cfg.TotalMemoryGB,
		"threshold_gb", o.acct.ThresholdGB())
	return nil
}

func (o *Orchestrator) spawnLoop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

// Stop halts the loops and evicts everything resident so the accelerator is
// left clean. Registered models survive as cold entries but the orchestrator
// accepts no further work.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	cancel := o.cancel
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	o.wg.Wait()

	ctx, cancelEvict := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelEvict()
	for _, id := range o.warmModelIDs() {
		if err := o.Evict(ctx, id); err != nil {
			o.log.Warn("shutdown eviction failed", "model", id, "error", err)
		}
	}
	o.log.Info("orchestrator stopped")
}

// refreshMemory replaces the accountant's derived figure with a measurement
// when a probe is wired and responsive; otherwise it recomputes the figure
// from the registry so release bugs cannot accumulate drift.
func (o *Orchestrator) refreshMemory(ctx context.Context) {
	if o.probe != nil {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		used, err := o.probe.UsedGB(probeCtx, o.cfg.GPUID)
		cancel()
		if err == nil {
			o.acct.SetMeasuredUsed(used)
			return
		}
		o.log.Debug("memory probe unavailable", "error", err)
	}

	o.mu.RLock()
	var sum float64
	for _, inst := range o.models {
		if inst.State.Resident() {
			sum += inst.MemoryGB
		}
	}
	o.mu.RUnlock()
	o.acct.SetMeasuredUsed(sum)
}

// reconcileWarming diffs the warm pool's advice against reality: models that
// deserve warmth get loaded (capacity permitting, best first), models that
// no longer do get flagged for the policy reconciler. When predictive
// warming is enabled, models with predicted traffic are treated as
// deserving.
func (o *Orchestrator) reconcileWarming(ctx context.Context) {
	type entry struct {
		id       string
		state    sched.State
		priority int
	}
	o.mu.RLock()
	entries := make([]entry, 0, len(o.models))
	for id, inst := range o.models {
		entries = append(entries, entry{id, inst.State, inst.Priority})
	}
	o.mu.RUnlock()

	predicted := make(map[string]bool)
	for _, c := range o.pool.GetPredictiveCandidates(1) {
		predicted[c.ModelID] = true
	}

	warmCount := 0
	var toWarm []entry
	now := o.now()
	for _, e := range entries {
		if e.state == sched.StateError {
			continue
		}
		if e.state.Resident() || e.state == sched.StateWarming {
			warmCount++
		}
		deserves := o.pool.DeservesWarm(e.id) || predicted[e.id]
		switch {
		case deserves && e.state == sched.StateCold:
			toWarm = append(toWarm, e)
			o.clearEvictCandidate(e.id)
		case deserves:
			o.clearEvictCandidate(e.id)
		case !deserves && e.state == sched.StateWarm:
			o.markEvictCandidate(e.id, now)
		}
	}

	sort.Slice(toWarm, func(i, j int) bool {
		if toWarm[i].priority != toWarm[j].priority {
			return toWarm[i].priority > toWarm[j].priority
		}
		return o.pool.Ledger().RequestsPerHour(toWarm[i].id) > o.pool.Ledger().RequestsPerHour(toWarm[j].id)
	})

	for _, e := range toWarm {
		if ctx.Err() != nil {
			return
		}
		if o.cfg.MaxWarmModels > 0 && warmCount >= o.cfg.MaxWarmModels {
			return
		}
		err := o.ensureLoaded(ctx, e.id, false, predicted[e.id])
		switch {
		case err == nil:
			warmCount++
		case unit.IsAdmissionRefused(err) || unit.IsCapacityExhausted(err):
			o.log.Debug("reconciler warming skipped", "model", e.id, "reason", sched.RefusalReason(err))
		default:
			o.log.Warn("reconciler warming failed", "model", e.id, "error", err)
		}
	}
}

func (o *Orchestrator) markEvictCandidate(id string, at time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.evictCandidates[id]; !ok {
		o.evictCandidates[id] = at
	}
}

func (o *Orchestrator) clearEvictCandidate(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.evictCandidates, id)
}

// reconcilePolicy applies the configured eviction policy to warm models.
// Models in the error state and models currently serving are never touched.
func (o *Orchestrator) reconcilePolicy(ctx context.Context) {
	type entry struct {
		id           string
		priority     int
		lastAccessed time.Time
		rph          float64
		flaggedAt    time.Time
		flagged      bool
	}
	now := o.now()

	o.mu.RLock()
	var warm []entry
	for id, inst := range o.models {
		if inst.State != sched.StateWarm {
			continue
		}
		flaggedAt, flagged := o.evictCandidates[id]
		warm = append(warm, entry{
			id:           id,
			priority:     inst.Priority,
			lastAccessed: inst.LastAccessed,
			rph:          inst.Metrics.RequestsPerHour,
			flaggedAt:    flaggedAt,
			flagged:      flagged,
		})
	}
	o.mu.RUnlock()

	evict := make(map[string]bool)

	switch o.cfg.Policy {
	case sched.PolicyBillingOptimized:
		for _, e := range warm {
			if now.Sub(e.lastAccessed) > o.cfg.IdleEviction {
				evict[e.id] = true
			}
		}
	case sched.PolicyLatencyOptimized:
		ranked := append([]entry(nil), warm...)
		sort.Slice(ranked, func(i, j int) bool { return ranked[i].rph > ranked[j].rph })
		for i, e := range ranked {
			if i >= o.cfg.LatencyTopN {
				evict[e.id] = true
			}
		}
	default: // hybrid
		for _, e := range warm {
			if e.rph < o.cfg.HybridTrafficFloor && now.Sub(e.lastAccessed) > o.cfg.HybridIdle {
				evict[e.id] = true
			}
		}
	}

	// Flagged candidates that survived a full policy cycle without the warm
	// pool changing its mind go too.
	for _, e := range warm {
		if e.flagged && now.Sub(e.flaggedAt) > o.cfg.PolicyInterval {
			evict[e.id] = true
		}
	}

	// Never shrink the pool below the floor. When the policy wants more
	// evictions than the floor allows, only the lowest-priority victims go.
	if floor := o.cfg.MinWarmModels; floor > 0 && len(warm)-len(evict) < floor {
		allowed := len(warm) - floor
		if allowed < 0 {
			allowed = 0
		}
		victims := make([]entry, 0, len(evict))
		for _, e := range warm {
			if evict[e.id] {
				victims = append(victims, e)
			}
		}
		sort.Slice(victims, func(i, j int) bool {
			if victims[i].priority != victims[j].priority {
				return victims[i].priority < victims[j].priority
			}
			return victims[i].lastAccessed.Before(victims[j].lastAccessed)
		})
		evict = make(map[string]bool, allowed)
		for _, e := range victims[:allowed] {
			evict[e.id] = true
		}
	}

	for id := range evict {
		if ctx.Err() != nil {
			return
		}
		o.log.Info("policy eviction", "model", id, "policy", o.cfg.Policy)
		if err := o.Evict(ctx, id); err != nil {
			o.log.Warn("policy eviction failed", "model", id, "error", err)
		}
	}
}

// persistMetrics flushes model metrics, the hourly cost sample, and traffic
// snapshots to the sink. Failures are logged and swallowed: persistence must
// never block scheduling.
func (o *Orchestrator) persistMetrics(ctx context.Context) {
	o.mu.RLock()
	recs := make([]store.ModelMetricsRecord, 0, len(o.models))
	for id, inst := range o.models {
		recs = append(recs, store.ModelMetricsRecord{
			ModelID:    id,
			Metrics:    inst.Metrics,
			Priority:   inst.Priority,
			RecordedAt: o.now(),
		})
	}
	o.mu.RUnlock()

	for _, rec := range recs {
		if err := o.sink.PersistModelMetrics(ctx, rec); err != nil {
			o.log.Warn("metrics persist failed", "model", rec.ModelID, "error", err)
		}
		ts := o.pool.Ledger().Snapshot(rec.ModelID)
		if err := o.sink.PersistTrafficSnapshot(ctx, rec.ModelID, ts); err != nil {
			o.log.Warn("traffic persist failed", "model", rec.ModelID, "error", err)
		}
	}

	at, cost := o.cost.SnapshotCost()
	if err := o.sink.PersistCostSample(ctx, store.CostSample{At: at, CostUSD: cost}); err != nil {
		o.log.Warn("cost persist failed", "error", err)
	}
}

func (o *Orchestrator) warmModelIDs() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var ids []string
	for id, inst := range o.models {
		if inst.State == sched.StateWarm {
			ids = append(ids, id)
		}
	}
	return ids
}
