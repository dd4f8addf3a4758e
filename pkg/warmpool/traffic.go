package warmpool

import (
	"sync"
	"time"
)

// RetentionWindow is how long request timestamps are kept for rate
// calculation and prediction.
const RetentionWindow = 7 * 24 * time.Hour

// Ledger keeps a rolling window of per-model request timestamps. It is the
// single source of truth for "how busy is this model": requests-per-hour,
// idle time, and hour-of-day traffic prediction all read from it.
type Ledger struct {
	mu      sync.RWMutex
	traffic map[string][]time.Time
	now     func() time.Time
}

// NewLedger creates an empty traffic ledger.
func NewLedger() *Ledger {
	return &Ledger{
		traffic: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Record appends a request timestamp for the model and prunes entries older
// than the retention window.
func (l *Ledger) Record(modelID string) {
	l.RecordAt(modelID, l.now())
}

// RecordAt appends a request at an explicit time. Used by Record and by
// history restore.
func (l *Ledger) RecordAt(modelID string, t time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-RetentionWindow)
	kept := l.traffic[modelID][:0]
	for _, ts := range l.traffic[modelID] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	l.traffic[modelID] = append(kept, t)
}

// RequestsInWindow counts requests for the model within the trailing window.
func (l *Ledger) RequestsInWindow(modelID string, window time.Duration) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	cutoff := l.now().Add(-window)
	n := 0
	for _, ts := range l.traffic[modelID] {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}

// RequestsPerHour returns the request count over the last hour.
func (l *Ledger) RequestsPerHour(modelID string) float64 {
	return float64(l.RequestsInWindow(modelID, time.Hour))
}

// LastRequest returns the most recent request time for the model.
func (l *Ledger) LastRequest(modelID string) (time.Time, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entries := l.traffic[modelID]
	if len(entries) == 0 {
		return time.Time{}, false
	}
	last := entries[0]
	for _, ts := range entries[1:] {
		if ts.After(last) {
			last = ts
		}
	}
	return last, true
}

// PredictTraffic estimates the request count for the hour-of-day that is
// hoursAhead from now, averaging that hour's counts over the last 7 days.
func (l *Ledger) PredictTraffic(modelID string, hoursAhead int) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entries := l.traffic[modelID]
	if len(entries) == 0 {
		return 0
	}

	now := l.now()
	targetHour := now.Add(time.Duration(hoursAhead) * time.Hour).Hour()

	total := 0
	days := 7
	for daysAgo := 1; daysAgo <= days; daysAgo++ {
		day := now.AddDate(0, 0, -daysAgo)
		for _, ts := range entries {
			if ts.Year() == day.Year() && ts.YearDay() == day.YearDay() && ts.Hour() == targetHour {
				total++
			}
		}
	}

	return float64(total) / float64(days)
}

// Snapshot returns a copy of the model's timestamps for persistence.
func (l *Ledger) Snapshot(modelID string) []time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]time.Time(nil), l.traffic[modelID]...)
}

// ModelIDs lists every model with recorded traffic.
func (l *Ledger) ModelIDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := make([]string, 0, len(l.traffic))
	for id := range l.traffic {
		ids = append(ids, id)
	}
	return ids
}

// Restore loads persisted history, dropping anything past retention. Called
// once at startup before traffic flows.
func (l *Ledger) Restore(history map[string][]time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-RetentionWindow)
	for id, stamps := range history {
		kept := make([]time.Time, 0, len(stamps))
		for _, ts := range stamps {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		if len(kept) > 0 {
			l.traffic[id] = kept
		}
	}
}

// Forget drops all traffic for a model. Called on deregistration.
func (l *Ledger) Forget(modelID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.traffic, modelID)
}
