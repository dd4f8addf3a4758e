package warmpool

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Strategy selects how the manager decides which models deserve warmth.
type Strategy string

const (
	// StrategyTrafficBased warms models whose recent request rate clears the
	// configured threshold. The default.
	StrategyTrafficBased Strategy = "traffic_based"
	// StrategyTimeBased warms models with any recent traffic during peak hours.
	StrategyTimeBased Strategy = "time_based"
	// StrategyPriorityBased always warms high-priority models.
	StrategyPriorityBased Strategy = "priority_based"
	// StrategyCostOptimized is traffic-based with double the threshold.
	StrategyCostOptimized Strategy = "cost_optimized"
	// StrategyLatencyOptimized warms on any traffic within three hours.
	StrategyLatencyOptimized Strategy = "latency_optimized"
)

// Valid reports whether s is a recognized strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyTrafficBased, StrategyTimeBased, StrategyPriorityBased,
		StrategyCostOptimized, StrategyLatencyOptimized:
		return true
	}
	return false
}

// Config tunes the warm pool manager.
type Config struct {
	MaxWarmModels           int
	MinWarmModels           int
	WarmThresholdRPH        float64
	PeakHours               []int
	Strategy                Strategy
	EnablePredictiveWarming bool
}

// DefaultConfig returns the stock warm pool configuration.
func DefaultConfig() Config {
	return Config{
		MaxWarmModels:           10,
		MinWarmModels:           3,
		WarmThresholdRPH:        5.0,
		PeakHours:               []int{9, 10, 11, 14, 15, 16, 17, 18},
		Strategy:                StrategyTrafficBased,
		EnablePredictiveWarming: true,
	}
}

// Candidate is a model ranked for predictive pre-warming.
type Candidate struct {
	ModelID          string  `json:"model_id"`
	PredictedTraffic float64 `json:"predicted_traffic"`
}

// Status is the manager's observable state.
type Status struct {
	WarmModels       int     `json:"warm_models"`
	WarmingModels    int     `json:"warming_models"`
	TotalModels      int     `json:"total_models"`
	Strategy         string  `json:"strategy"`
	CacheHitRate     float64 `json:"cache_hit_rate"`
	TotalRequests    int64   `json:"total_requests"`
	ColdStarts       int64   `json:"cold_starts"`
	AvgWarmLatencyMS float64 `json:"avg_warm_latency_ms"`
	AvgColdLatencyMS float64 `json:"avg_cold_latency_ms"`
	MemorySavedGB    float64 `json:"memory_saved_gb"`
	CostSavedUSD     float64 `json:"cost_saved_usd"`
}

// ModelDetail is the per-model view exposed to the status query.
type ModelDetail struct {
	ModelID            string  `json:"model_id"`
	Priority           int     `json:"priority"`
	IsWarm             bool    `json:"is_warm"`
	IsWarming          bool    `json:"is_warming"`
	RequestsPerHour    float64 `json:"requests_per_hour"`
	TotalRequests      int     `json:"total_requests"`
	LoadTimeS          float64 `json:"load_time_s"`
	PredictedTraffic1H float64 `json:"predicted_traffic_1h"`
	PredictedTraffic2H float64 `json:"predicted_traffic_2h"`
}

// Manager decides which models deserve to be warm. It is purely advisory:
// ShouldWarm never mutates scheduler state, and capacity ceilings are the
// orchestrator's job (except priority_based's use of the min pool size).
type Manager struct {
	cfg    Config
	ledger *Ledger
	log    *slog.Logger

	mu         sync.RWMutex
	priorities map[string]int
	warm       map[string]struct{}
	warming    map[string]struct{}
	loadTimes  map[string]float64

	hits           int64
	misses         int64
	coldStarts     int64
	avgWarmLatency float64
	avgColdLatency float64
	memorySaved    float64
	costSaved      float64

	now func() time.Time
}

// NewManager creates a warm pool manager reading traffic from ledger.
func NewManager(cfg Config, ledger *Ledger, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:        cfg,
		ledger:     ledger,
		log:        log,
		priorities: make(map[string]int),
		warm:       make(map[string]struct{}),
		warming:    make(map[string]struct{}),
		loadTimes:  make(map[string]float64),
		now:        time.Now,
	}
}

// Ledger exposes the traffic ledger for components that share it.
func (m *Manager) Ledger() *Ledger { return m.ledger }

// RegisterModel makes the model known with its eviction priority.
func (m *Manager) RegisterModel(modelID string, priority int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.priorities[modelID] = priority
}

// DeregisterModel forgets the model entirely.
func (m *Manager) DeregisterModel(modelID string) {
	m.mu.Lock()
	delete(m.priorities, modelID)
	delete(m.warm, modelID)
	delete(m.warming, modelID)
	delete(m.loadTimes, modelID)
	m.mu.Unlock()
	m.ledger.Forget(modelID)
}

// ShouldWarm reports whether the model deserves to be resident under the
// configured strategy.
func (m *Manager) ShouldWarm(modelID string) bool {
	m.mu.RLock()
	_, isWarm := m.warm[modelID]
	_, isWarming := m.warming[modelID]
	m.mu.RUnlock()

	if isWarm || isWarming {
		return true
	}
	return m.DeservesWarm(modelID)
}

// DeservesWarm evaluates the strategy alone, ignoring current residency. The
// warming reconciler uses it to notice warm models whose traffic no longer
// justifies the memory; ShouldWarm short-circuits for resident models and
// would hide them.
func (m *Manager) DeservesWarm(modelID string) bool {
	switch m.cfg.Strategy {
	case StrategyTimeBased:
		return m.shouldWarmTimeBased(modelID)
	case StrategyPriorityBased:
		return m.shouldWarmPriorityBased(modelID)
	case StrategyCostOptimized:
		return m.ledger.RequestsPerHour(modelID) >= m.cfg.WarmThresholdRPH*2
	case StrategyLatencyOptimized:
		return m.ledger.RequestsInWindow(modelID, 3*time.Hour) > 0
	default: // traffic_based
		return m.ledger.RequestsPerHour(modelID) >= m.cfg.WarmThresholdRPH
	}
}

func (m *Manager) shouldWarmTimeBased(modelID string) bool {
	if !m.isPeakHour() {
		return false
	}
	return m.ledger.RequestsInWindow(modelID, 2*time.Hour) > 0
}

func (m *Manager) shouldWarmPriorityBased(modelID string) bool {
	m.mu.RLock()
	priority := m.priorities[modelID]
	warmCount := len(m.warm)
	m.mu.RUnlock()

	if priority >= 5 {
		return true
	}
	if warmCount < m.cfg.MinWarmModels {
		return priority >= 3
	}
	return false
}

func (m *Manager) isPeakHour() bool {
	hour := m.now().Hour()
	for _, h := range m.cfg.PeakHours {
		if h == hour {
			return true
		}
	}
	return false
}

// RecordRequest feeds the ledger and the hit/miss latency counters. wasWarm
// means the request found the model resident (a cache hit).
func (m *Manager) RecordRequest(modelID string, latencyMS float64, wasWarm bool) {
	m.ledger.Record(modelID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if wasWarm {
		m.hits++
		m.avgWarmLatency += (latencyMS - m.avgWarmLatency) / float64(m.hits)
	} else {
		m.misses++
		m.coldStarts++
		m.avgColdLatency += (latencyMS - m.avgColdLatency) / float64(m.coldStarts)
	}
}

// MarkWarming records that a load is in flight for the model.
func (m *Manager) MarkWarming(modelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warming[modelID] = struct{}{}
}

// MarkWarm records a completed load with its duration.
func (m *Manager) MarkWarm(modelID string, loadTimeS float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.warming, modelID)
	m.warm[modelID] = struct{}{}
	m.loadTimes[modelID] = loadTimeS
}

// MarkEvicted records that the model left memory (or a load failed).
func (m *Manager) MarkEvicted(modelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.warm, modelID)
	delete(m.warming, modelID)
}

// GetPredictiveCandidates ranks registered models by predicted traffic for
// hoursAhead, keeping those above the warm threshold. Empty when predictive
// warming is disabled.
func (m *Manager) GetPredictiveCandidates(hoursAhead int) []Candidate {
	if !m.cfg.EnablePredictiveWarming {
		return nil
	}

	m.mu.RLock()
	ids := make([]string, 0, len(m.priorities))
	for id := range m.priorities {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var candidates []Candidate
	for _, id := range ids {
		predicted := m.ledger.PredictTraffic(id, hoursAhead)
		if predicted >= m.cfg.WarmThresholdRPH {
			candidates = append(candidates, Candidate{ModelID: id, PredictedTraffic: predicted})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].PredictedTraffic > candidates[j].PredictedTraffic
	})
	return candidates
}

// Priority returns the registered priority for a model.
func (m *Manager) Priority(modelID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.priorities[modelID]
}

// TrafficScore maps the model's recent request rate to [0,1] against double
// the warm threshold, for cost-policy decisions.
func (m *Manager) TrafficScore(modelID string) float64 {
	rph := m.ledger.RequestsPerHour(modelID)
	limit := m.cfg.WarmThresholdRPH * 2
	if limit <= 0 {
		return 0
	}
	score := rph / limit
	if score > 1 {
		return 1
	}
	return score
}

// HasRecentTraffic reports whether the model saw any request in the window.
func (m *Manager) HasRecentTraffic(modelID string, window time.Duration) bool {
	return m.ledger.RequestsInWindow(modelID, window) > 0
}

// Status returns the observable warm pool state. The hit rate is
// hits/(hits+misses); zero when no requests were seen.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := m.hits + m.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(m.hits) / float64(total)
	}

	return Status{
		WarmModels:       len(m.warm),
		WarmingModels:    len(m.warming),
		TotalModels:      len(m.priorities),
		Strategy:         string(m.cfg.Strategy),
		CacheHitRate:     hitRate,
		TotalRequests:    total,
		ColdStarts:       m.coldStarts,
		AvgWarmLatencyMS: m.avgWarmLatency,
		AvgColdLatencyMS: m.avgColdLatency,
		MemorySavedGB:    m.memorySaved,
		CostSavedUSD:     m.costSaved,
	}
}

// RecordAvoidedColdStart credits a warm hit with the reload it avoided: the
// model's resident footprint and the cold-start penalty that never accrued.
func (m *Manager) RecordAvoidedColdStart(memoryGB, costUSD float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memorySaved += memoryGB
	m.costSaved += costUSD
}

// Detail returns the per-model view, or false if the model is unknown.
func (m *Manager) Detail(modelID string) (ModelDetail, bool) {
	m.mu.RLock()
	priority, ok := m.priorities[modelID]
	_, isWarm := m.warm[modelID]
	_, isWarming := m.warming[modelID]
	loadTime := m.loadTimes[modelID]
	m.mu.RUnlock()

	if !ok {
		return ModelDetail{}, false
	}

	return ModelDetail{
		ModelID:            modelID,
		Priority:           priority,
		IsWarm:             isWarm,
		IsWarming:          isWarming,
		RequestsPerHour:    m.ledger.RequestsPerHour(modelID),
		TotalRequests:      m.ledger.RequestsInWindow(modelID, RetentionWindow),
		LoadTimeS:          loadTime,
		PredictedTraffic1H: m.ledger.PredictTraffic(modelID, 1),
		PredictedTraffic2H: m.ledger.PredictTraffic(modelID, 2),
	}, true
}
