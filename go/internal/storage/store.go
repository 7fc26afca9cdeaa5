package storage

import (
	"context"
	"sync"

	"github.com/mcdev12/arena/go/internal/models"
)

// OutcomeStore persists terminal session results. The engine only calls it
// at completion or abandonment; everything else about a session lives in
// memory.
type OutcomeStore interface {
	RecordSessionOutcome(ctx context.Context, outcome *models.Outcome) error
}

// MemoryStore keeps outcomes in memory. Used in tests and when no database
// is configured.
type MemoryStore struct {
	mu       sync.Mutex
	outcomes []*models.Outcome
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) RecordSessionOutcome(ctx context.Context, outcome *models.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, outcome)
	return nil
}

// Outcomes returns a snapshot of recorded outcomes.
func (s *MemoryStore) Outcomes() []*models.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Outcome, len(s.outcomes))
	copy(out, s.outcomes)
	return out
}
