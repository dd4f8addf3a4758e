package costscaler

import (
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Strategy selects how budget pressure translates into admission decisions.
type Strategy string

const (
	// StrategyMinimizeCost only admits cheap loads backed by real traffic.
	StrategyMinimizeCost Strategy = "minimize_cost"
	// StrategyBalanceCostLatency relaxes thresholds during peak hours. The
	// default.
	StrategyBalanceCostLatency Strategy = "balance_cost_latency"
	// StrategyLatencyCritical refuses only at double the budget.
	StrategyLatencyCritical Strategy = "latency_critical"
	// StrategyBudgetConstrained enforces the budget as a hard ceiling.
	StrategyBudgetConstrained Strategy = "budget_constrained"
)

// Valid reports whether s is a recognized strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyMinimizeCost, StrategyBalanceCostLatency,
		StrategyLatencyCritical, StrategyBudgetConstrained:
		return true
	}
	return false
}

// Config tunes the cost scaler.
type Config struct {
	HourlyBudgetUSD         float64
	CostPerGBHourUSD        float64
	ColdStartPenaltyUSD     float64
	PenaltyGrace            time.Duration
	PeakHourMultiplier      float64
	PeakHours               []int
	Strategy                Strategy
	EnableCostPrediction    bool
	CostThresholdForWarming float64
}

// DefaultConfig returns the stock cost configuration.
func DefaultConfig() Config {
	return Config{
		HourlyBudgetUSD:         10.0,
		CostPerGBHourUSD:        0.10,
		ColdStartPenaltyUSD:     0.05,
		PenaltyGrace:            5 * time.Minute,
		PeakHourMultiplier:      1.5,
		PeakHours:               []int{9, 10, 11, 14, 15, 16, 17, 18},
		Strategy:                StrategyBalanceCostLatency,
		EnableCostPrediction:    true,
		CostThresholdForWarming: 0.5,
	}
}

// TrafficReader is the slice of traffic knowledge the scaler needs. The warm
// pool manager satisfies it.
type TrafficReader interface {
	HasRecentTraffic(modelID string, window time.Duration) bool
	TrafficScore(modelID string) float64
}

// noTraffic is used when no reader is wired; it behaves like a model with no
// history, which is the conservative choice for cost gating.
type noTraffic struct{}

func (noTraffic) HasRecentTraffic(string, time.Duration) bool { return false }
func (noTraffic) TrafficScore(string) float64                 { return 0 }

// Status is the scaler's observable state.
type Status struct {
	CurrentHourlyCostUSD     float64 `json:"current_hourly_cost_usd"`
	BudgetUtilizationPercent float64 `json:"budget_utilization_percent"`
	MemoryCostUSD            float64 `json:"memory_cost_usd"`
	ColdStartPenaltyUSD      float64 `json:"cold_start_penalty_usd"`
	ResidentMemoryGB         float64 `json:"resident_memory_gb"`
	ActiveModels             int     `json:"active_models"`
	Strategy                 string  `json:"strategy"`
	IsPeakHour               bool    `json:"is_peak_hour"`
	PredictedCost1H          float64 `json:"predicted_cost_1h"`
	PredictedCost2H          float64 `json:"predicted_cost_2h"`
}

// ModelCost is the per-model cost breakdown.
type ModelCost struct {
	ModelID       string  `json:"model_id"`
	MemoryGB      float64 `json:"memory_gb"`
	HourlyCostUSD float64 `json:"hourly_cost_usd"`
	PenaltyUSD    float64 `json:"penalty_usd"`
	CostRank      int     `json:"cost_rank"`
}

// Recommendation is a cost-optimization hint surfaced in the status report.
type Recommendation struct {
	Type             string `json:"type"`
	Priority         string `json:"priority"`
	Message          string `json:"message"`
	Action           string `json:"action"`
	PotentialSavings string `json:"potential_savings"`
}

// Scaler gates model admission on budget. Decisions always carry a reason
// string so refusals are observable and testable.
type Scaler struct {
	cfg     Config
	ledger  *Ledger
	traffic TrafficReader
	log     *slog.Logger
	now     func() time.Time
}

// NewScaler creates a cost scaler. traffic may be nil, in which case every
// model is treated as having no recent traffic.
func NewScaler(cfg Config, ledger *Ledger, traffic TrafficReader, log *slog.Logger) *Scaler {
	if traffic == nil {
		traffic = noTraffic{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scaler{
		cfg:     cfg,
		ledger:  ledger,
		traffic: traffic,
		log:     log,
		now:     time.Now,
	}
}

// Ledger exposes the cost ledger for persistence wiring.
func (s *Scaler) Ledger() *Ledger { return s.ledger }

// ColdStartPenalty returns the configured per-load penalty in USD.
func (s *Scaler) ColdStartPenalty() float64 { return s.cfg.ColdStartPenaltyUSD }

// MemoryCost prices memoryGB for one hour at the configured rate, with the
// peak multiplier applied during peak hours.
func (s *Scaler) MemoryCost(memoryGB float64) float64 {
	cost := memoryGB * s.cfg.CostPerGBHourUSD
	if s.isPeakHour() {
		cost *= s.cfg.PeakHourMultiplier
	}
	return cost
}

// GetCurrentHourlyCost is resident memory cost plus unexpired cold-start
// penalties.
func (s *Scaler) GetCurrentHourlyCost() float64 {
	return s.MemoryCost(s.ledger.ResidentMemoryGB()) + s.ledger.UnexpiredPenalties(s.cfg.PenaltyGrace)
}

// BudgetUtilization is current cost as a percentage of the hourly budget.
func (s *Scaler) BudgetUtilization() float64 {
	if s.cfg.HourlyBudgetUSD <= 0 {
		return 0
	}
	return s.GetCurrentHourlyCost() / s.cfg.HourlyBudgetUSD * 100
}

func (s *Scaler) isPeakHour() bool {
	hour := s.now().Hour()
	for _, h := range s.cfg.PeakHours {
		if h == hour {
			return true
		}
	}
	return false
}

// ShouldLoad decides whether admitting estimatedMemoryGB for modelID is
// affordable. The returned reason explains the decision either way.
func (s *Scaler) ShouldLoad(modelID string, estimatedMemoryGB float64) (bool, string) {
	current := s.GetCurrentHourlyCost()
	newTotal := current + s.MemoryCost(estimatedMemoryGB)

	switch s.cfg.Strategy {
	case StrategyMinimizeCost:
		return s.shouldLoadMinimizeCost(modelID, newTotal)
	case StrategyLatencyCritical:
		return s.shouldLoadLatencyCritical(newTotal)
	case StrategyBudgetConstrained:
		return s.shouldLoadBudgetConstrained(current, newTotal)
	default:
		return s.shouldLoadBalanced(modelID, newTotal)
	}
}

func (s *Scaler) shouldLoadMinimizeCost(modelID string, newTotal float64) (bool, string) {
	if newTotal > s.cfg.CostThresholdForWarming {
		return false, fmt.Sprintf("Cost too high: $%.2f > $%.2f", newTotal, s.cfg.CostThresholdForWarming)
	}
	if !s.traffic.HasRecentTraffic(modelID, time.Hour) {
		return false, "No recent traffic to justify cost"
	}
	return true, "Cost within threshold and has traffic"
}

func (s *Scaler) shouldLoadBalanced(modelID string, newTotal float64) (bool, string) {
	threshold := s.cfg.CostThresholdForWarming
	if s.isPeakHour() {
		threshold *= 1.5
	}
	if newTotal > threshold {
		return false, fmt.Sprintf("Cost exceeds adjusted threshold: $%.2f > $%.2f", newTotal, threshold)
	}
	score := s.traffic.TrafficScore(modelID)
	if score < 0.3 {
		return false, fmt.Sprintf("Low traffic score: %.2f", score)
	}
	return true, "Cost and latency balanced"
}

func (s *Scaler) shouldLoadLatencyCritical(newTotal float64) (bool, string) {
	ceiling := s.cfg.HourlyBudgetUSD * 2
	if newTotal > ceiling {
		return false, fmt.Sprintf("Severely over budget: $%.2f > $%.2f", newTotal, ceiling)
	}
	return true, "Latency critical: prioritize performance"
}

func (s *Scaler) shouldLoadBudgetConstrained(current, newTotal float64) (bool, string) {
	if newTotal > s.cfg.HourlyBudgetUSD {
		return false, fmt.Sprintf("Exceeds budget: $%.2f > $%.2f", newTotal, s.cfg.HourlyBudgetUSD)
	}
	if s.cfg.HourlyBudgetUSD > 0 && current/s.cfg.HourlyBudgetUSD*100 > 80 {
		return false, fmt.Sprintf("Budget utilization too high: %.1f%%", current/s.cfg.HourlyBudgetUSD*100)
	}
	return true, "Within budget constraints"
}

// RegisterLoad opens the ledger entry for a completed load. Must be called
// exactly once per load, inside the orchestrator's per-model critical
// section.
func (s *Scaler) RegisterLoad(modelID string, memoryGB float64) {
	s.ledger.Open(modelID, memoryGB, s.cfg.ColdStartPenaltyUSD, s.now())
	s.log.Info("cost ledger opened",
		"model_id", modelID,
		"memory_gb", memoryGB,
		"penalty_usd", s.cfg.ColdStartPenaltyUSD)
}

// RegisterEviction closes the ledger entry. Must pair 1:1 with RegisterLoad.
func (s *Scaler) RegisterEviction(modelID string) {
	if e, ok := s.ledger.Close(modelID); ok {
		s.log.Info("cost ledger closed", "model_id", modelID, "freed_gb", e.MemoryGB)
	}
}

// PredictHourlyCost estimates the cost hoursAhead from now using same-hour
// history, falling back to current cost adjusted for peak hours.
func (s *Scaler) PredictHourlyCost(hoursAhead int) float64 {
	if !s.cfg.EnableCostPrediction {
		return s.GetCurrentHourlyCost()
	}

	targetHour := s.now().Add(time.Duration(hoursAhead) * time.Hour).Hour()
	samples := s.ledger.SamplesForHour(targetHour)
	if len(samples) == 0 {
		current := s.GetCurrentHourlyCost()
		for _, h := range s.cfg.PeakHours {
			if h == targetHour {
				return current * s.cfg.PeakHourMultiplier
			}
		}
		return current
	}

	sum := 0.0
	for _, c := range samples {
		sum += c
	}
	return sum / float64(len(samples))
}

// SnapshotCost records the current hourly cost into the prediction history
// and returns it. Driven by the orchestrator's metrics timer.
func (s *Scaler) SnapshotCost() (time.Time, float64) {
	now := s.now()
	cost := s.GetCurrentHourlyCost()
	s.ledger.RecordSample(now, cost)
	return now, cost
}

// Status returns the scaler's observable state.
func (s *Scaler) Status() Status {
	memCost := s.MemoryCost(s.ledger.ResidentMemoryGB())
	penalties := s.ledger.UnexpiredPenalties(s.cfg.PenaltyGrace)
	total := memCost + penalties

	util := 0.0
	if s.cfg.HourlyBudgetUSD > 0 {
		util = total / s.cfg.HourlyBudgetUSD * 100
	}

	return Status{
		CurrentHourlyCostUSD:     total,
		BudgetUtilizationPercent: util,
		MemoryCostUSD:            memCost,
		ColdStartPenaltyUSD:      penalties,
		ResidentMemoryGB:         s.ledger.ResidentMemoryGB(),
		ActiveModels:             s.ledger.ActiveModels(),
		Strategy:                 string(s.cfg.Strategy),
		IsPeakHour:               s.isPeakHour(),
		PredictedCost1H:          s.PredictHourlyCost(1),
		PredictedCost2H:          s.PredictHourlyCost(2),
	}
}

// ModelCost returns the cost breakdown for one resident model.
func (s *Scaler) ModelCost(modelID string) (ModelCost, bool) {
	e, ok := s.ledger.Entry(modelID)
	if !ok {
		return ModelCost{}, false
	}
	return ModelCost{
		ModelID:       modelID,
		MemoryGB:      e.MemoryGB,
		HourlyCostUSD: s.MemoryCost(e.MemoryGB),
		PenaltyUSD:    e.PenaltyUSD,
		CostRank:      s.costRank(modelID),
	}, true
}

// costRank places the model by hourly cost among resident models; 1 is the
// most expensive.
func (s *Scaler) costRank(modelID string) int {
	entries := s.ledger.Entries()
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].MemoryGB > entries[j].MemoryGB
	})
	for rank, e := range entries {
		if e.ModelID == modelID {
			return rank + 1
		}
	}
	return len(entries) + 1
}

// Recommendations surfaces cost-optimization hints based on current state.
func (s *Scaler) Recommendations(totalMemoryGB float64) []Recommendation {
	var recs []Recommendation
	current := s.GetCurrentHourlyCost()
	util := s.BudgetUtilization()

	if util > 90 {
		recs = append(recs, Recommendation{
			Type:             "budget",
			Priority:         "high",
			Message:          fmt.Sprintf("Budget utilization at %.1f%%", util),
			Action:           "Consider evicting low-priority models",
			PotentialSavings: fmt.Sprintf("$%.2f/hour", current*0.3),
		})
	}

	resident := s.ledger.ResidentMemoryGB()
	if totalMemoryGB > 0 && resident > totalMemoryGB*0.75 {
		recs = append(recs, Recommendation{
			Type:             "memory",
			Priority:         "medium",
			Message:          fmt.Sprintf("High memory usage: %.1fGB", resident),
			Action:           "Enable aggressive eviction policy",
			PotentialSavings: fmt.Sprintf("$%.2f/hour", s.MemoryCost(10)),
		})
	}

	if s.isPeakHour() && current > s.cfg.HourlyBudgetUSD*0.8 {
		recs = append(recs, Recommendation{
			Type:             "peak_hour",
			Priority:         "medium",
			Message:          "High cost during peak hours",
			Action:           "Switch to cost-optimized scaling during peaks",
			PotentialSavings: fmt.Sprintf("$%.2f/hour", current*0.2),
		})
	}

	return recs
}
