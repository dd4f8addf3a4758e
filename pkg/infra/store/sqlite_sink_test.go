package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jguan/gpusched/pkg/unit/sched"
)

func testSink(t *testing.T) *SQLiteSink {
	t.Helper()
	s, err := NewSQLiteSink(filepath.Join(t.TempDir(), "gpusched.db"))
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteModelRoundTrip(t *testing.T) {
	s := testSink(t)
	ctx := context.Background()
	registered := time.Now().Truncate(time.Second)

	rec := ModelRecord{
		ID:           "llama",
		Path:         "/models/llama-3.1-8b",
		Framework:    sched.FrameworkVLLM,
		Priority:     5,
		Tags:         []string{"prod", "chat"},
		RegisteredAt: registered,
	}
	if err := s.SaveModel(ctx, rec); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListModels(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("models = %v", got)
	}
	if got[0].ID != "llama" || got[0].Framework != sched.FrameworkVLLM || got[0].Priority != 5 {
		t.Errorf("record = %+v", got[0])
	}
	if len(got[0].Tags) != 2 || got[0].Tags[0] != "prod" {
		t.Errorf("tags = %v", got[0].Tags)
	}
	if !got[0].RegisteredAt.Equal(registered) {
		t.Errorf("registered at = %v, want %v", got[0].RegisteredAt, registered)
	}
}

func TestSQLiteSaveModelUpsertKeepsRegisteredAt(t *testing.T) {
	s := testSink(t)
	ctx := context.Background()
	original := time.Now().Add(-time.Hour).Truncate(time.Second)

	rec := ModelRecord{ID: "m", Path: "/a", Framework: sched.FrameworkPyTorch, RegisteredAt: original}
	if err := s.SaveModel(ctx, rec); err != nil {
		t.Fatal(err)
	}

	rec.Path = "/b"
	rec.Priority = 7
	rec.RegisteredAt = time.Now()
	if err := s.SaveModel(ctx, rec); err != nil {
		t.Fatal(err)
	}

	got, _ := s.ListModels(ctx)
	if got[0].Path != "/b" || got[0].Priority != 7 {
		t.Errorf("upsert did not update fields: %+v", got[0])
	}
	if !got[0].RegisteredAt.Equal(original) {
		t.Errorf("registered at = %v, upsert must keep the original %v", got[0].RegisteredAt, original)
	}
}

func TestSQLiteMetricsRoundTrip(t *testing.T) {
	s := testSink(t)
	ctx := context.Background()

	rec := ModelMetricsRecord{
		ModelID: "m",
		Metrics: sched.Metrics{
			LoadTimeS:       42.5,
			WarmupTimeS:     3.1,
			RequestsPerHour: 18,
			AvgLatencyMS:    230.4,
			ErrorRate:       0.02,
		},
		Priority:   4,
		RecordedAt: time.Now().Truncate(time.Second),
	}
	if err := s.PersistModelMetrics(ctx, rec); err != nil {
		t.Fatal(err)
	}

	got, ok, err := s.LoadModelMetrics(ctx, "m")
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if got.Metrics != rec.Metrics || got.Priority != 4 {
		t.Errorf("got %+v, want %+v", got, rec)
	}

	// Upsert replaces the row.
	rec.Metrics.AvgLatencyMS = 99
	if err := s.PersistModelMetrics(ctx, rec); err != nil {
		t.Fatal(err)
	}
	got, _, _ = s.LoadModelMetrics(ctx, "m")
	if got.Metrics.AvgLatencyMS != 99 {
		t.Errorf("latency = %v after upsert", got.Metrics.AvgLatencyMS)
	}

	if _, ok, err := s.LoadModelMetrics(ctx, "ghost"); err != nil || ok {
		t.Errorf("missing row: ok=%v err=%v", ok, err)
	}
}

func TestSQLiteCostSamples(t *testing.T) {
	s := testSink(t)
	ctx := context.Background()
	base := time.Now().Truncate(time.Second)

	for i, cost := range []float64{1.5, 2.5, 3.5} {
		sample := CostSample{At: base.Add(time.Duration(i) * time.Hour), CostUSD: cost}
		if err := s.PersistCostSample(ctx, sample); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.LoadCostSamples(ctx, base.Add(30*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].CostUSD != 2.5 || got[1].CostUSD != 3.5 {
		t.Errorf("samples = %v", got)
	}
}

func TestSQLiteTrafficSnapshotReplaces(t *testing.T) {
	s := testSink(t)
	ctx := context.Background()
	base := time.Now().Truncate(time.Second)

	first := []time.Time{base.Add(-2 * time.Hour), base.Add(-time.Hour)}
	if err := s.PersistTrafficSnapshot(ctx, "m", first); err != nil {
		t.Fatal(err)
	}
	second := []time.Time{base}
	if err := s.PersistTrafficSnapshot(ctx, "m", second); err != nil {
		t.Fatal(err)
	}

	got, err := s.LoadTrafficSnapshot(ctx, "m", base.Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || !got[0].Equal(base) {
		t.Errorf("snapshot = %v, want only the replacement", got)
	}
}

func TestSQLiteDeleteModelCascades(t *testing.T) {
	s := testSink(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	_ = s.SaveModel(ctx, ModelRecord{ID: "m", Path: "/m", Framework: sched.FrameworkVLLM, RegisteredAt: now})
	_ = s.PersistModelMetrics(ctx, ModelMetricsRecord{ModelID: "m", RecordedAt: now})
	_ = s.PersistTrafficSnapshot(ctx, "m", []time.Time{now})

	if err := s.DeleteModel(ctx, "m"); err != nil {
		t.Fatal(err)
	}

	if models, _ := s.ListModels(ctx); len(models) != 0 {
		t.Errorf("models = %v", models)
	}
	if _, ok, _ := s.LoadModelMetrics(ctx, "m"); ok {
		t.Error("metrics survived delete")
	}
	if ts, _ := s.LoadTrafficSnapshot(ctx, "m", time.Time{}); len(ts) != 0 {
		t.Errorf("traffic survived delete: %v", ts)
	}

	// Deleting an absent model is a no-op.
	if err := s.DeleteModel(ctx, "ghost"); err != nil {
		t.Errorf("delete absent model: %v", err)
	}
}

func TestSQLiteReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gpusched.db")
	ctx := context.Background()

	s, err := NewSQLiteSink(path)
	if err != nil {
		t.Fatal(err)
	}
	_ = s.SaveModel(ctx, ModelRecord{ID: "m", Path: "/m", Framework: sched.FrameworkSGLang, RegisteredAt: time.Now()})
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := NewSQLiteSink(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	models, err := s2.ListModels(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(models) != 1 || models[0].ID != "m" {
		t.Errorf("models after reopen = %v", models)
	}
}
