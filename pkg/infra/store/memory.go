package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemorySink is an in-process Sink for tests and ephemeral runs.
type MemorySink struct {
	mu      sync.RWMutex
	models  map[string]ModelRecord
	metrics map[string]ModelMetricsRecord
	costs   []CostSample
	traffic map[string][]time.Time
	closed  bool
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{
		models:  make(map[string]ModelRecord),
		metrics: make(map[string]ModelMetricsRecord),
		traffic: make(map[string][]time.Time),
	}
}

func (s *MemorySink) SaveModel(_ context.Context, rec ModelRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models[rec.ID] = rec
	return nil
}

func (s *MemorySink) DeleteModel(_ context.Context, modelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.models, modelID)
	delete(s.metrics, modelID)
	delete(s.traffic, modelID)
	return nil
}

func (s *MemorySink) ListModels(_ context.Context) ([]ModelRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ModelRecord, 0, len(s.models))
	for _, rec := range s.models {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemorySink) PersistModelMetrics(_ context.Context, rec ModelMetricsRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics[rec.ModelID] = rec
	return nil
}

func (s *MemorySink) PersistCostSample(_ context.Context, sample CostSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.costs = append(s.costs, sample)
	return nil
}

func (s *MemorySink) PersistTrafficSnapshot(_ context.Context, modelID string, requests []time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traffic[modelID] = append([]time.Time(nil), requests...)
	return nil
}

func (s *MemorySink) LoadModelMetrics(_ context.Context, modelID string) (ModelMetricsRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.metrics[modelID]
	return rec, ok, nil
}

func (s *MemorySink) LoadCostSamples(_ context.Context, since time.Time) ([]CostSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []CostSample
	for _, c := range s.costs {
		if !c.At.Before(since) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

func (s *MemorySink) LoadTrafficSnapshot(_ context.Context, modelID string, since time.Time) ([]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []time.Time
	for _, t := range s.traffic[modelID] {
		if !t.Before(since) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (s *MemorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (s *MemorySink) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

var _ Sink = (*MemorySink)(nil)
