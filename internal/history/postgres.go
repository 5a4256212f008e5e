package history

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/magefree/checkers-p2p/internal/game"
)

var schema = []string{`
CREATE TABLE IF NOT EXISTS match_moves (
	match_id       UUID        NOT NULL,
	ply            INTEGER     NOT NULL,
	color          SMALLINT    NOT NULL,
	kind           SMALLINT    NOT NULL,
	from_square    SMALLINT    NOT NULL,
	to_square      SMALLINT    NOT NULL,
	captured       INTEGER[]   NOT NULL DEFAULT '{}',
	promoted       BOOLEAN     NOT NULL DEFAULT FALSE,
	board_checksum TEXT        NOT NULL,
	recorded_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (match_id, ply)
)`,
	`ALTER TABLE match_moves ADD COLUMN IF NOT EXISTS resync BOOLEAN NOT NULL DEFAULT FALSE`,
	`ALTER TABLE match_moves ADD COLUMN IF NOT EXISTS squares BYTEA`,
}

// PostgresStore writes entries to the match_moves table.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore connects to dsn and makes sure the table exists.
func NewPostgresStore(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("history: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("history: ensure schema: %w", err)
		}
	}
	logger.Info("history store connected", zap.String("driver", DriverPostgres))
	return &PostgresStore{pool: pool, logger: logger}, nil
}

// Record inserts e. A second entry for the same ply replaces the first.
func (s *PostgresStore) Record(ctx context.Context, e Entry) error {
	captured := make([]int32, len(e.Move.Captured))
	for i, sq := range e.Move.Captured {
		captured[i] = int32(sq)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO match_moves (
			match_id, ply, color, kind, from_square, to_square,
			captured, promoted, board_checksum, recorded_at, resync, squares
		) VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (match_id, ply) DO UPDATE SET
			color = EXCLUDED.color,
			kind = EXCLUDED.kind,
			from_square = EXCLUDED.from_square,
			to_square = EXCLUDED.to_square,
			captured = EXCLUDED.captured,
			promoted = EXCLUDED.promoted,
			board_checksum = EXCLUDED.board_checksum,
			recorded_at = EXCLUDED.recorded_at,
			resync = EXCLUDED.resync,
			squares = EXCLUDED.squares
	`,
		e.MatchID.String(),
		e.Ply,
		int16(e.Color),
		int16(e.Kind),
		int16(e.Move.Index),
		int16(e.Move.End),
		captured,
		e.Move.Promoted,
		e.BoardChecksum,
		e.RecordedAt,
		e.Resync,
		packSquares(e.Squares),
	)
	if err != nil {
		s.logger.Warn("failed to record history",
			zap.String("match_id", e.MatchID.String()),
			zap.Int("ply", e.Ply),
			zap.Error(err),
		)
		return fmt.Errorf("history: record ply %d: %w", e.Ply, err)
	}
	return nil
}

// Entries loads a match in ply order.
func (s *PostgresStore) Entries(ctx context.Context, matchID uuid.UUID) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ply, color, kind, from_square, to_square, captured, promoted,
			board_checksum, recorded_at, resync, squares
		FROM match_moves
		WHERE match_id = $1::uuid
		ORDER BY ply
	`, matchID.String())
	if err != nil {
		return nil, fmt.Errorf("history: query %s: %w", matchID, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			color, kind, from, to int16
			captured              []int32
			squares               []byte
			e                     = Entry{MatchID: matchID}
			recordedAt            time.Time
		)
		if err := rows.Scan(&e.Ply, &color, &kind, &from, &to, &captured, &e.Move.Promoted,
			&e.BoardChecksum, &recordedAt, &e.Resync, &squares); err != nil {
			return nil, fmt.Errorf("history: scan %s: %w", matchID, err)
		}
		if e.Squares, err = unpackSquares(squares); err != nil {
			return nil, fmt.Errorf("history: ply %d of %s: %w", e.Ply, matchID, err)
		}
		e.Color = game.Color(color)
		e.Kind = game.ActionKind(kind)
		e.Move.Index = int(from)
		e.Move.End = int(to)
		if len(captured) > 0 {
			e.Move.Captured = make([]int, len(captured))
			for i, sq := range captured {
				e.Move.Captured[i] = int(sq)
			}
		}
		e.RecordedAt = recordedAt
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: read %s: %w", matchID, err)
	}
	return entries, nil
}

func packSquares(squares [game.BoardSize]game.Piece) []byte {
	out := make([]byte, game.BoardSize)
	for i, p := range squares {
		out[i] = p.Pack()
	}
	return out
}

// unpackSquares accepts NULL from rows written before the column existed.
func unpackSquares(b []byte) ([game.BoardSize]game.Piece, error) {
	var squares [game.BoardSize]game.Piece
	if b == nil {
		return squares, nil
	}
	if len(b) != game.BoardSize {
		return squares, fmt.Errorf("squares column holds %d bytes", len(b))
	}
	for i, v := range b {
		p, ok := game.UnpackPiece(v)
		if !ok {
			return squares, fmt.Errorf("square %d byte %#02x invalid", i, v)
		}
		squares[i] = p
	}
	return squares, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
