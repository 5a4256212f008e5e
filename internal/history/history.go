// Package history records the actions applied during a match.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/magefree/checkers-p2p/internal/game"
)

// Entry is one applied action, or a board replaced by a resync.
type Entry struct {
	MatchID uuid.UUID
	Ply     int
	Color   game.Color
	Kind    game.ActionKind
	// Move is set for ActionMovePiece, in the recording peer's orientation.
	Move game.Move
	// Resync marks a board taken from the host; Kind and Move are unused.
	Resync bool
	// Squares is the position after this ply.
	Squares       [game.BoardSize]game.Piece
	BoardChecksum string
	RecordedAt    time.Time
}

// Store persists entries.
type Store interface {
	Record(ctx context.Context, e Entry) error
	Entries(ctx context.Context, matchID uuid.UUID) ([]Entry, error)
	Close()
}

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// Open returns the store selected by driver.
func Open(ctx context.Context, driver, dsn string, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch driver {
	case "", DriverMemory:
		return NewMemoryStore(logger), nil
	case DriverPostgres:
		store, err := NewPostgresStore(ctx, dsn, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("history: unknown driver %q", driver)
	}
}
