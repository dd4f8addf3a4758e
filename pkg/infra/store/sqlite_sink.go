package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jguan/gpusched/pkg/unit/sched"
)

// SQLiteSink implements Sink on a local SQLite database.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (or creates) the database at dbPath.
func NewSQLiteSink(dbPath string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &SQLiteSink{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteSink) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS models (
		model_id TEXT PRIMARY KEY,
		path TEXT NOT NULL,
		framework TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		tags TEXT NOT NULL DEFAULT '[]',
		registered_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS model_metrics (
		model_id TEXT PRIMARY KEY,
		load_time_s REAL NOT NULL DEFAULT 0,
		warmup_time_s REAL NOT NULL DEFAULT 0,
		requests_per_hour REAL NOT NULL DEFAULT 0,
		avg_latency_ms REAL NOT NULL DEFAULT 0,
		error_rate REAL NOT NULL DEFAULT 0,
		priority INTEGER NOT NULL DEFAULT 0,
		recorded_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS cost_samples (
		sampled_at INTEGER PRIMARY KEY,
		cost_usd REAL NOT NULL
	);
	CREATE TABLE IF NOT EXISTS traffic_events (
		model_id TEXT NOT NULL,
		requested_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_traffic_model ON traffic_events(model_id, requested_at);
	`
	_, err := s.db.Exec(query)
	return err
}

// SaveModel upserts a model registration.
func (s *SQLiteSink) SaveModel(ctx context.Context, rec ModelRecord) error {
	tags, err := json.Marshal(rec.Tags)
	if err != nil {
		return fmt.Errorf("marshal model tags: %w", err)
	}
	query := `
		INSERT INTO models (model_id, path, framework, priority, tags, registered_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(model_id) DO UPDATE SET
			path = excluded.path,
			framework = excluded.framework,
			priority = excluded.priority,
			tags = excluded.tags
	`
	_, err = s.db.ExecContext(ctx, query,
		rec.ID, rec.Path, string(rec.Framework), rec.Priority, string(tags), rec.RegisteredAt.Unix())
	if err != nil {
		return fmt.Errorf("upsert model: %w", err)
	}
	return nil
}

// DeleteModel removes a model registration and its metrics and traffic.
func (s *SQLiteSink) DeleteModel(ctx context.Context, modelID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin model delete: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM models WHERE model_id = ?`,
		`DELETE FROM model_metrics WHERE model_id = ?`,
		`DELETE FROM traffic_events WHERE model_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, modelID); err != nil {
			return fmt.Errorf("delete model rows: %w", err)
		}
	}
	return tx.Commit()
}

// ListModels returns all registered models ordered by id.
func (s *SQLiteSink) ListModels(ctx context.Context) ([]ModelRecord, error) {
	query := `SELECT model_id, path, framework, priority, tags, registered_at FROM models ORDER BY model_id ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query models: %w", err)
	}
	defer rows.Close()

	var out []ModelRecord
	for rows.Next() {
		var rec ModelRecord
		var fw, tags string
		var registeredAt int64
		if err := rows.Scan(&rec.ID, &rec.Path, &fw, &rec.Priority, &tags, &registeredAt); err != nil {
			return nil, fmt.Errorf("scan model: %w", err)
		}
		rec.Framework = sched.Framework(fw)
		rec.RegisteredAt = time.Unix(registeredAt, 0)
		if err := json.Unmarshal([]byte(tags), &rec.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal model tags: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PersistModelMetrics upserts the latest metrics row for a model.
func (s *SQLiteSink) PersistModelMetrics(ctx context.Context, rec ModelMetricsRecord) error {
	query := `
		INSERT INTO model_metrics (model_id, load_time_s, warmup_time_s, requests_per_hour, avg_latency_ms, error_rate, priority, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(model_id) DO UPDATE SET
			load_time_s = excluded.load_time_s,
			warmup_time_s = excluded.warmup_time_s,
			requests_per_hour = excluded.requests_per_hour,
			avg_latency_ms = excluded.avg_latency_ms,
			error_rate = excluded.error_rate,
			priority = excluded.priority,
			recorded_at = excluded.recorded_at
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.ModelID, rec.Metrics.LoadTimeS, rec.Metrics.WarmupTimeS,
		rec.Metrics.RequestsPerHour, rec.Metrics.AvgLatencyMS, rec.Metrics.ErrorRate,
		rec.Priority, rec.RecordedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert model metrics: %w", err)
	}
	return nil
}

// PersistCostSample records one hourly cost observation.
func (s *SQLiteSink) PersistCostSample(ctx context.Context, sample CostSample) error {
	query := `
		INSERT INTO cost_samples (sampled_at, cost_usd)
		VALUES (?, ?)
		ON CONFLICT(sampled_at) DO UPDATE SET cost_usd = excluded.cost_usd
	`
	if _, err := s.db.ExecContext(ctx, query, sample.At.Unix(), sample.CostUSD); err != nil {
		return fmt.Errorf("insert cost sample: %w", err)
	}
	return nil
}

// PersistTrafficSnapshot replaces the stored request history for a model.
// Snapshots are already pruned to the retention window by the ledger.
func (s *SQLiteSink) PersistTrafficSnapshot(ctx context.Context, modelID string, requests []time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin traffic snapshot: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM traffic_events WHERE model_id = ?`, modelID); err != nil {
		return fmt.Errorf("clear traffic events: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO traffic_events (model_id, requested_at) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare traffic insert: %w", err)
	}
	defer stmt.Close()
	for _, t := range requests {
		if _, err := stmt.ExecContext(ctx, modelID, t.Unix()); err != nil {
			return fmt.Errorf("insert traffic event: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit traffic snapshot: %w", err)
	}
	return nil
}

// LoadModelMetrics returns the stored metrics for a model if present.
func (s *SQLiteSink) LoadModelMetrics(ctx context.Context, modelID string) (ModelMetricsRecord, bool, error) {
	query := `
		SELECT model_id, load_time_s, warmup_time_s, requests_per_hour, avg_latency_ms, error_rate, priority, recorded_at
		FROM model_metrics WHERE model_id = ?
	`
	row := s.db.QueryRowContext(ctx, query, modelID)

	var rec ModelMetricsRecord
	var recordedAt int64
	err := row.Scan(
		&rec.ModelID, &rec.Metrics.LoadTimeS, &rec.Metrics.WarmupTimeS,
		&rec.Metrics.RequestsPerHour, &rec.Metrics.AvgLatencyMS, &rec.Metrics.ErrorRate,
		&rec.Priority, &recordedAt,
	)
	if err == sql.ErrNoRows {
		return ModelMetricsRecord{}, false, nil
	}
	if err != nil {
		return ModelMetricsRecord{}, false, fmt.Errorf("scan model metrics: %w", err)
	}
	rec.RecordedAt = time.Unix(recordedAt, 0)
	return rec, true, nil
}

// LoadCostSamples returns cost observations at or after since, oldest first.
func (s *SQLiteSink) LoadCostSamples(ctx context.Context, since time.Time) ([]CostSample, error) {
	query := `SELECT sampled_at, cost_usd FROM cost_samples WHERE sampled_at >= ? ORDER BY sampled_at ASC`
	rows, err := s.db.QueryContext(ctx, query, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("query cost samples: %w", err)
	}
	defer rows.Close()

	var out []CostSample
	for rows.Next() {
		var at int64
		var cost float64
		if err := rows.Scan(&at, &cost); err != nil {
			return nil, fmt.Errorf("scan cost sample: %w", err)
		}
		out = append(out, CostSample{At: time.Unix(at, 0), CostUSD: cost})
	}
	return out, rows.Err()
}

// LoadTrafficSnapshot returns request timestamps for a model at or after
// since, oldest first.
func (s *SQLiteSink) LoadTrafficSnapshot(ctx context.Context, modelID string, since time.Time) ([]time.Time, error) {
	query := `SELECT requested_at FROM traffic_events WHERE model_id = ? AND requested_at >= ? ORDER BY requested_at ASC`
	rows, err := s.db.QueryContext(ctx, query, modelID, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("query traffic events: %w", err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var at int64
		if err := rows.Scan(&at); err != nil {
			return nil, fmt.Errorf("scan traffic event: %w", err)
		}
		out = append(out, time.Unix(at, 0))
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *SQLiteSink) DB() *sql.DB {
	return s.db
}

var _ Sink = (*SQLiteSink)(nil)
