package warmpool

import (
	"testing"
	"time"
)

// fixedNow returns a ledger pinned to a deterministic clock.
func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestLedgerRequestsInWindow(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	l := NewLedger()
	l.now = fixedNow(now)

	l.RecordAt("m", now.Add(-30*time.Minute))
	l.RecordAt("m", now.Add(-45*time.Minute))
	l.RecordAt("m", now.Add(-2*time.Hour))

	if got := l.RequestsInWindow("m", time.Hour); got != 2 {
		t.Errorf("RequestsInWindow(1h) = %d, want 2", got)
	}
	if got := l.RequestsInWindow("m", 3*time.Hour); got != 3 {
		t.Errorf("RequestsInWindow(3h) = %d, want 3", got)
	}
	if got := l.RequestsPerHour("m"); got != 2 {
		t.Errorf("RequestsPerHour = %v, want 2", got)
	}
	if got := l.RequestsPerHour("unknown"); got != 0 {
		t.Errorf("RequestsPerHour(unknown) = %v, want 0", got)
	}
}

func TestLedgerPrunesRetentionWindow(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	l := NewLedger()
	l.now = fixedNow(now)

	l.RecordAt("m", now.Add(-8*24*time.Hour))
	l.RecordAt("m", now.Add(-time.Minute))

	// Pruning happens on the next write.
	l.RecordAt("m", now)

	if got := len(l.Snapshot("m")); got != 2 {
		t.Errorf("snapshot length = %d, want 2 after pruning", got)
	}
}

func TestLedgerLastRequest(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	l := NewLedger()
	l.now = fixedNow(now)

	if _, ok := l.LastRequest("m"); ok {
		t.Fatal("LastRequest on empty ledger should report false")
	}

	latest := now.Add(-time.Minute)
	l.RecordAt("m", now.Add(-time.Hour))
	l.RecordAt("m", latest)
	l.RecordAt("m", now.Add(-30*time.Minute))

	got, ok := l.LastRequest("m")
	if !ok || !got.Equal(latest) {
		t.Errorf("LastRequest = %v, %v; want %v, true", got, ok, latest)
	}
}

func TestLedgerPredictTraffic(t *testing.T) {
	now := time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC)
	l := NewLedger()
	l.now = fixedNow(now)

	// Two requests at 14:00 on each of the last 7 days.
	for daysAgo := 1; daysAgo <= 7; daysAgo++ {
		day := now.AddDate(0, 0, -daysAgo)
		at := time.Date(day.Year(), day.Month(), day.Day(), 14, 15, 0, 0, time.UTC)
		l.RecordAt("m", at)
		l.RecordAt("m", at.Add(10*time.Minute))
	}

	if got := l.PredictTraffic("m", 1); got != 2.0 {
		t.Errorf("PredictTraffic(+1h) = %v, want 2.0", got)
	}
	if got := l.PredictTraffic("m", 2); got != 0 {
		t.Errorf("PredictTraffic(+2h) = %v, want 0", got)
	}
	if got := l.PredictTraffic("unknown", 1); got != 0 {
		t.Errorf("PredictTraffic(unknown) = %v, want 0", got)
	}
}

func TestLedgerRestoreDropsStale(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	l := NewLedger()
	l.now = fixedNow(now)

	l.Restore(map[string][]time.Time{
		"fresh": {now.Add(-time.Hour), now.Add(-2 * time.Hour)},
		"stale": {now.Add(-10 * 24 * time.Hour)},
	})

	if got := len(l.Snapshot("fresh")); got != 2 {
		t.Errorf("restored fresh entries = %d, want 2", got)
	}
	if got := len(l.Snapshot("stale")); got != 0 {
		t.Errorf("restored stale entries = %d, want 0", got)
	}
	if got := len(l.ModelIDs()); got != 1 {
		t.Errorf("ModelIDs = %d, want 1", got)
	}
}

func TestLedgerForget(t *testing.T) {
	l := NewLedger()
	l.Record("m")
	l.Forget("m")

	if got := l.RequestsInWindow("m", RetentionWindow); got != 0 {
		t.Errorf("RequestsInWindow after Forget = %d, want 0", got)
	}
}
