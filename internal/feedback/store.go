package feedback

import (
	"context"
	"sync"
	"time"

	"github.com/jordanhubbard/nyx/pkg/models"
)

// Totals are the persisted, cross-session command statistics.
type Totals struct {
	TotalCommands  int64
	LastModule     string
	LastExecutedAt time.Time
}

// Store persists the feedback log, the weight table and command totals.
type Store interface {
	// AppendFeedback adds a record to the append-only log.
	AppendFeedback(ctx context.Context, rec *models.FeedbackRecord) error
	// ListFeedback returns records oldest first. A limit <= 0 returns all.
	ListFeedback(ctx context.Context, limit int) ([]*models.FeedbackRecord, error)
	LoadWeights(ctx context.Context) ([]models.ConfidenceWeight, error)
	SaveWeights(ctx context.Context, weights []models.ConfidenceWeight) error
	LoadTotals(ctx context.Context) (Totals, error)
	SaveTotals(ctx context.Context, totals Totals) error
	Ping(ctx context.Context) error
	Close() error
}

// MemoryStore is a Store that lives for the process lifetime.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*models.FeedbackRecord
	weights map[weightKey]models.ConfidenceWeight
	totals  Totals
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{weights: make(map[weightKey]models.ConfidenceWeight)}
}

func (s *MemoryStore) AppendFeedback(ctx context.Context, rec *models.FeedbackRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records = append(s.records, &cp)
	return nil
}

func (s *MemoryStore) ListFeedback(ctx context.Context, limit int) ([]*models.FeedbackRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := 0
	if limit > 0 && len(s.records) > limit {
		start = len(s.records) - limit
	}
	out := make([]*models.FeedbackRecord, 0, len(s.records)-start)
	for _, r := range s.records[start:] {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) LoadWeights(ctx context.Context) ([]models.ConfidenceWeight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ConfidenceWeight, 0, len(s.weights))
	for _, w := range s.weights {
		out = append(out, w)
	}
	return out, nil
}

func (s *MemoryStore) SaveWeights(ctx context.Context, weights []models.ConfidenceWeight) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range weights {
		s.weights[weightKey{module: w.ModuleName, pattern: w.PatternKey}] = w
	}
	return nil
}

func (s *MemoryStore) LoadTotals(ctx context.Context) (Totals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totals, nil
}

func (s *MemoryStore) SaveTotals(ctx context.Context, totals Totals) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totals = totals
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                   { return nil }
