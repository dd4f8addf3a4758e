package costscaler

import (
	"sync"
	"time"
)

// HistoryWindow is how far back hourly cost samples are kept for prediction.
const HistoryWindow = 24 * time.Hour

// Entry is one resident model's footprint in the cost ledger. Entries are
// opened on load and closed out on eviction.
type Entry struct {
	ModelID    string    `json:"model_id"`
	MemoryGB   float64   `json:"memory_gb"`
	PenaltyUSD float64   `json:"penalty_usd"`
	LoadedAt   time.Time `json:"loaded_at"`
}

// CostPoint is one hourly-cost sample.
type CostPoint struct {
	At      time.Time `json:"at"`
	CostUSD float64   `json:"cost_usd"`
}

// Ledger tracks resident-model memory, cold-start penalties, and a rolling
// history of hourly cost samples. Pure bookkeeping, no policy.
type Ledger struct {
	mu      sync.RWMutex
	entries map[string]Entry
	history []CostPoint
	now     func() time.Time
}

// NewLedger creates an empty cost ledger.
func NewLedger() *Ledger {
	return &Ledger{
		entries: make(map[string]Entry),
		now:     time.Now,
	}
}

// Open records a model load. Opening an id twice overwrites the stale entry;
// the orchestrator's per-model lock makes that unreachable in practice.
func (l *Ledger) Open(modelID string, memoryGB, penaltyUSD float64, loadedAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[modelID] = Entry{
		ModelID:    modelID,
		MemoryGB:   memoryGB,
		PenaltyUSD: penaltyUSD,
		LoadedAt:   loadedAt,
	}
}

// Close removes the model's entry, returning it for logging.
func (l *Ledger) Close(modelID string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[modelID]
	if ok {
		delete(l.entries, modelID)
	}
	return e, ok
}

// Entry returns the open entry for a model.
func (l *Ledger) Entry(modelID string) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[modelID]
	return e, ok
}

// ResidentMemoryGB sums memory across open entries.
func (l *Ledger) ResidentMemoryGB() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := 0.0
	for _, e := range l.entries {
		total += e.MemoryGB
	}
	return total
}

// ActiveModels counts open entries.
func (l *Ledger) ActiveModels() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Entries returns a copy of all open entries.
func (l *Ledger) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e)
	}
	return out
}

// UnexpiredPenalties sums cold-start penalties younger than grace. A penalty
// stops counting toward current cost once the grace window passes, but the
// entry stays open for memory accounting.
func (l *Ledger) UnexpiredPenalties(grace time.Duration) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	cutoff := l.now().Add(-grace)
	total := 0.0
	for _, e := range l.entries {
		if e.LoadedAt.After(cutoff) {
			total += e.PenaltyUSD
		}
	}
	return total
}

// RecordSample appends an hourly-cost sample and prunes beyond the history
// window.
func (l *Ledger) RecordSample(at time.Time, costUSD float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-HistoryWindow)
	kept := l.history[:0]
	for _, p := range l.history {
		if p.At.After(cutoff) {
			kept = append(kept, p)
		}
	}
	l.history = append(kept, CostPoint{At: at, CostUSD: costUSD})
}

// SamplesForHour returns recorded costs whose sample hour-of-day matches.
func (l *Ledger) SamplesForHour(hour int) []float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []float64
	for _, p := range l.history {
		if p.At.Hour() == hour {
			out = append(out, p.CostUSD)
		}
	}
	return out
}

// History returns a copy of the rolling cost samples.
func (l *Ledger) History() []CostPoint {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]CostPoint(nil), l.history...)
}

// RestoreHistory loads persisted samples, dropping expired ones. Called once
// at startup.
func (l *Ledger) RestoreHistory(points []CostPoint) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-HistoryWindow)
	for _, p := range points {
		if p.At.After(cutoff) {
			l.history = append(l.history, p)
		}
	}
}
