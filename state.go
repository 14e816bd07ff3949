package main

import (
	"sort"
	"sync"

	"github.com/kwv/facealign/align"
	"go.uber.org/zap"
)

// ResultStore holds the latest outcome per mesh and the latest batch report
// for the HTTP endpoints.
type ResultStore struct {
	mu         sync.RWMutex
	outcomes   map[string]align.Outcome
	report     *align.BatchReport
	thresholds align.Thresholds
	cachePath  string // report file kept in sync; empty disables persistence
	logger     *zap.Logger
}

// NewResultStore creates an empty store.
func NewResultStore(th align.Thresholds, logger *zap.Logger) *ResultStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResultStore{
		outcomes:   make(map[string]align.Outcome),
		thresholds: th,
		logger:     logger.Named("store"),
	}
}

// NewResultStoreWithCache creates a store that is seeded from the report
// file at cachePath, if present, and rewrites it whenever results change.
func NewResultStoreWithCache(cachePath string, th align.Thresholds, logger *zap.Logger) *ResultStore {
	s := NewResultStore(th, logger)
	s.cachePath = cachePath
	if cachePath == "" {
		return s
	}
	res, err := align.LoadResult(cachePath)
	if err != nil {
		s.logger.Warn("ignoring unreadable report cache", zap.String("path", cachePath), zap.Error(err))
		return s
	}
	if res != nil {
		s.setResultLocked(*res)
		s.logger.Info("loaded report cache", zap.String("path", cachePath), zap.Int("meshes", len(res.Outcomes)))
	}
	return s
}

// Record stores a single outcome and recomputes the report from every
// stored outcome.
func (s *ResultStore) Record(o align.Outcome) {
	s.mu.Lock()
	s.outcomes[o.MeshID] = o
	r := align.Aggregate(s.sortedLocked(), s.thresholds)
	if s.report != nil {
		r.RunID = s.report.RunID
		r.StartedAt = s.report.StartedAt
	}
	s.report = &r
	s.mu.Unlock()

	s.persist()
}

// SetResult replaces the store contents with a batch result.
func (s *ResultStore) SetResult(res align.BatchResult) {
	s.mu.Lock()
	s.outcomes = make(map[string]align.Outcome, len(res.Outcomes))
	s.setResultLocked(res)
	s.mu.Unlock()

	s.persist()
}

func (s *ResultStore) setResultLocked(res align.BatchResult) {
	for _, o := range res.Outcomes {
		s.outcomes[o.MeshID] = o
	}
	r := res.Report
	s.report = &r
}

// Outcome returns the stored outcome for meshID.
func (s *ResultStore) Outcome(meshID string) (align.Outcome, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.outcomes[meshID]
	return o, ok
}

// Outcomes returns every stored outcome sorted by mesh ID.
func (s *ResultStore) Outcomes() []align.Outcome {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedLocked()
}

func (s *ResultStore) sortedLocked() []align.Outcome {
	out := make([]align.Outcome, 0, len(s.outcomes))
	for _, o := range s.outcomes {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MeshID < out[j].MeshID })
	return out
}

// Report returns the latest report.
func (s *ResultStore) Report() (align.BatchReport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.report == nil {
		return align.BatchReport{}, false
	}
	return *s.report, true
}

// HasResults reports whether any outcome is stored.
func (s *ResultStore) HasResults() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.outcomes) > 0
}

func (s *ResultStore) persist() {
	if s.cachePath == "" {
		return
	}
	s.mu.RLock()
	res := align.BatchResult{Outcomes: s.sortedLocked()}
	if s.report != nil {
		res.Report = *s.report
	}
	s.mu.RUnlock()

	if err := align.SaveResult(s.cachePath, &res); err != nil {
		s.logger.Warn("saving report cache", zap.String("path", s.cachePath), zap.Error(err))
	}
}
