// Package store persists scheduler observations across restarts: per-model
// performance metrics, hourly cost samples, and recent traffic history.
// Persistence is best-effort; the scheduler keeps running when a sink write
// fails.
package store

import (
	"context"
	"time"

	"github.com/jguan/gpusched/pkg/unit/sched"
)

// ModelRecord is one registered model, persisted so registrations survive
// daemon restarts and are visible to the CLI.
type ModelRecord struct {
	ID           string
	Path         string
	Framework    sched.Framework
	Priority     int
	Tags         []string
	RegisteredAt time.Time
}

// ModelMetricsRecord is one persisted per-model metrics row.
type ModelMetricsRecord struct {
	ModelID    string
	Metrics    sched.Metrics
	Priority   int
	RecordedAt time.Time
}

// CostSample is one persisted hourly cost observation.
type CostSample struct {
	At      time.Time
	CostUSD float64
}

// Sink receives periodic scheduler state and can return it after a restart.
type Sink interface {
	SaveModel(ctx context.Context, rec ModelRecord) error
	DeleteModel(ctx context.Context, modelID string) error
	ListModels(ctx context.Context) ([]ModelRecord, error)

	PersistModelMetrics(ctx context.Context, rec ModelMetricsRecord) error
	PersistCostSample(ctx context.Context, sample CostSample) error
	PersistTrafficSnapshot(ctx context.Context, modelID string, requests []time.Time) error

	LoadModelMetrics(ctx context.Context, modelID string) (ModelMetricsRecord, bool, error)
	LoadCostSamples(ctx context.Context, since time.Time) ([]CostSample, error)
	LoadTrafficSnapshot(ctx context.Context, modelID string, since time.Time) ([]time.Time, error)

	Close() error
}
