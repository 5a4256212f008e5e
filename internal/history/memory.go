package history

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MemoryCapacity is the number of entries kept per match.
const MemoryCapacity = 200

// MemoryStore keeps the most recent entries of each match in memory.
type MemoryStore struct {
	logger *zap.Logger

	mu      sync.RWMutex
	matches map[uuid.UUID][]Entry
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		logger:  logger,
		matches: make(map[uuid.UUID][]Entry),
	}
}

// Record appends e, dropping the oldest entries past MemoryCapacity.
func (s *MemoryStore) Record(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := append(s.matches[e.MatchID], cloneEntry(e))
	if len(entries) > MemoryCapacity {
		entries = entries[len(entries)-MemoryCapacity:]
	}
	s.matches[e.MatchID] = entries

	s.logger.Debug("history recorded",
		zap.String("match_id", e.MatchID.String()),
		zap.Int("ply", e.Ply),
		zap.Stringer("color", e.Color),
		zap.Stringer("kind", e.Kind),
	)
	return nil
}

// Entries returns a copy of the recorded entries in ply order.
func (s *MemoryStore) Entries(_ context.Context, matchID uuid.UUID) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.matches[matchID]
	out := make([]Entry, len(src))
	for i, e := range src {
		out[i] = cloneEntry(e)
	}
	return out, nil
}

// Close drops everything.
func (s *MemoryStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.matches)
}

func cloneEntry(e Entry) Entry {
	e.Move.Captured = slices.Clone(e.Move.Captured)
	return e
}
