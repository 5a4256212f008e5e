// Package match keeps the authoritative board of one game and relays moves
// through a peer-to-peer node.
package match

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/magefree/checkers-p2p/internal/game"
	"github.com/magefree/checkers-p2p/internal/history"
	"github.com/magefree/checkers-p2p/internal/p2p"
	"github.com/magefree/checkers-p2p/internal/protocol"
)

var (
	ErrNotYourTurn  = errors.New("match: not your turn")
	ErrIllegalMove  = errors.New("match: illegal move")
	ErrMatchOver    = errors.New("match: game is over")
	ErrNotSupported = errors.New("match: not available for this color")
	ErrResynced     = errors.New("match: board replaced by resync")
)

// Transport is the part of *p2p.Node a match needs.
type Transport interface {
	SendGameActionWait(ctx context.Context, action game.Action) error
	NextGameAction(ctx context.Context) (game.Action, error)
	RequestResync(ctx context.Context) ([game.BoardSize]game.Piece, error)
	SetValidator(v p2p.Validator)
	SetSnapshotSource(f p2p.SnapshotFunc)
}

// Outcome extends the board outcome with agreed draws and surrenders.
type Outcome struct {
	Over   bool
	Winner game.Color // zero for a draw
	Reason string
}

// Match is one game seen from the local player's side. The host's match is
// the source of truth; the client follows it.
type Match struct {
	id        uuid.UUID
	color     game.Color
	transport Transport
	store     history.Store
	logger    *zap.Logger

	moveMu sync.Mutex // one local move in flight

	mu               sync.Mutex
	board            game.Board
	turn             game.Color
	ply              int
	outcome          Outcome
	offeredStalemate bool
	peerOffered      bool
	pending          *pendingMove
	observers        []func()
}

// pendingMove is a local move sent but not yet applied.
type pendingMove struct {
	mv      game.Move
	settled bool
	dropped bool
}

// NewMatch starts a match for the local color. Light hosts and installs the
// validator and snapshot hooks on the transport.
func NewMatch(transport Transport, color game.Color, store history.Store, logger *zap.Logger) *Match {
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		store = history.NewMemoryStore(logger)
	}
	m := &Match{
		id:        uuid.New(),
		color:     color,
		transport: transport,
		store:     store,
		board:     game.NewBoard(color),
		turn:      game.Light,
	}
	m.logger = logger.With(zap.String("match_id", m.id.String()), zap.Stringer("color", color))
	if color == game.Light {
		transport.SetValidator(m.Validate)
		transport.SetSnapshotSource(m.Snapshot)
	}
	m.logger.Info("match started")
	return m
}

// ID returns the match identifier used for history.
func (m *Match) ID() uuid.UUID { return m.id }

// Color returns the local player's color.
func (m *Match) Color() game.Color { return m.color }

// Board returns the current position.
func (m *Match) Board() game.Board {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.board
}

// Turn returns the color to move.
func (m *Match) Turn() game.Color {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.turn
}

// Outcome reports whether the match has ended.
func (m *Match) Outcome() Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcome
}

// PeerOfferedStalemate reports a pending draw offer from the opponent.
func (m *Match) PeerOfferedStalemate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peerOffered
}

// OnChange registers fn to run after every state change.
func (m *Match) OnChange(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// LegalMovesFor returns the moves of the piece on sq.
func (m *Match) LegalMovesFor(sq int) (moves []game.Move, forced bool, ok bool) {
	return m.Board().MovesFor(sq)
}

// LegalMoves returns every move available to the local player, or nil when it
// is not their turn.
func (m *Match) LegalMoves() []game.Move {
	m.mu.Lock()
	board, turn, over := m.board, m.turn, m.outcome.Over
	m.mu.Unlock()
	if over || turn != m.color {
		return nil
	}
	moves, _ := board.MovesForColor(m.color)
	return moves
}

// ApplyMove plays mv for the local player once the peer has acknowledged it.
// A reply from the opponent that only fits the board after mv settles it
// before the acknowledgement arrives.
func (m *Match) ApplyMove(ctx context.Context, mv game.Move) error {
	m.moveMu.Lock()
	defer m.moveMu.Unlock()

	m.mu.Lock()
	err := m.checkMoveLocked(m.color, mv)
	p := &pendingMove{mv: mv}
	if err == nil {
		m.pending = p
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}

	sendErr := m.transport.SendGameActionWait(ctx, game.MovePiece(mv))

	m.mu.Lock()
	if m.pending == p {
		m.pending = nil
	}
	switch {
	case p.settled:
		m.mu.Unlock()
		return nil
	case p.dropped:
		m.mu.Unlock()
		return fmt.Errorf("send move %s: %w", mv, ErrResynced)
	case sendErr != nil:
		m.mu.Unlock()
		var perr *p2p.ProtocolError
		if errors.As(sendErr, &perr) && perr.Kind == protocol.InvalidBoard && m.color != game.Light {
			// A move legal on the host's board was refused for turn order.
			rerr := m.resync(ctx, func(b game.Board, cur game.Color) game.Color {
				if b.IsLegal(m.color, mv) {
					return m.color.Opposite()
				}
				return cur
			})
			if rerr != nil {
				m.logger.Error("resync after refused move failed", zap.Error(rerr))
			}
		}
		return fmt.Errorf("send move %s: %w", mv, sendErr)
	}
	entry := m.applyLocked(m.color, game.MovePiece(mv))
	m.mu.Unlock()
	m.commit(ctx, entry)
	return nil
}

// Surrender concedes the match.
func (m *Match) Surrender(ctx context.Context) error {
	if m.Outcome().Over {
		return ErrMatchOver
	}
	if err := m.transport.SendGameActionWait(ctx, game.Action{Kind: game.ActionSurrender}); err != nil {
		return fmt.Errorf("send surrender: %w", err)
	}
	m.apply(ctx, m.color, game.Action{Kind: game.ActionSurrender})
	return nil
}

// OfferStalemate proposes a draw, or accepts the opponent's pending offer.
func (m *Match) OfferStalemate(ctx context.Context) error {
	if m.Outcome().Over {
		return ErrMatchOver
	}
	if err := m.transport.SendGameActionWait(ctx, game.Action{Kind: game.ActionStalemate}); err != nil {
		return fmt.Errorf("send stalemate offer: %w", err)
	}
	m.apply(ctx, m.color, game.Action{Kind: game.ActionStalemate})
	return nil
}

// Validate is the host's check for an action received from the client.
func (m *Match) Validate(a game.Action) bool {
	m.mu.Lock()
	settled, ok := m.settlePendingLocked(a)
	valid := !m.outcome.Over
	if a.Kind == game.ActionMovePiece {
		valid = m.checkMoveLocked(m.color.Opposite(), a.Move) == nil
	}
	m.mu.Unlock()

	if ok {
		m.commit(context.Background(), settled)
	}
	return valid
}

// Snapshot returns the squares sent in answer to a Resync request.
func (m *Match) Snapshot() [game.BoardSize]game.Piece {
	return m.Board().Squares
}

// Resync replaces the local board with the host's. Only the client resyncs.
// The turn is left as it was.
func (m *Match) Resync(ctx context.Context) error {
	return m.resync(ctx, nil)
}

// resync fetches the host's board. nextTurn, when set, picks the color to
// move on the new board from the current one.
func (m *Match) resync(ctx context.Context, nextTurn func(b game.Board, cur game.Color) game.Color) error {
	if m.color == game.Light {
		return ErrNotSupported
	}
	squares, err := m.transport.RequestResync(ctx)
	if err != nil {
		return fmt.Errorf("resync: %w", err)
	}
	host := game.Board{Squares: squares, Player: m.color.Opposite()}

	m.mu.Lock()
	m.board = host.Mirror(m.color)
	if nextTurn != nil {
		m.turn = nextTurn(m.board, m.turn)
	}
	if m.pending != nil {
		m.pending.dropped = true
		m.pending = nil
	}
	if !m.outcome.Over {
		if out := m.board.Outcome(m.turn); out.Over {
			m.outcome = Outcome{Over: true, Winner: out.Winner, Reason: "no moves"}
		}
	}
	m.ply++
	entry := history.Entry{
		MatchID:       m.id,
		Ply:           m.ply,
		Color:         m.color,
		Resync:        true,
		Squares:       m.board.Squares,
		BoardChecksum: m.board.Checksum(),
		RecordedAt:    time.Now().UTC(),
	}
	turn := m.turn
	m.mu.Unlock()

	m.logger.Info("board resynchronized",
		zap.String("checksum", entry.BoardChecksum),
		zap.Stringer("turn", turn),
	)
	m.commit(ctx, entry)
	return nil
}

// Replay rebuilds this match from its recorded history.
func (m *Match) Replay(ctx context.Context) (*history.Replay, error) {
	entries, err := m.store.Entries(ctx, m.id)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return history.NewReplay(m.color, entries)
}

// Run applies the opponent's actions until ctx ends.
func (m *Match) Run(ctx context.Context) error {
	for {
		a, err := m.transport.NextGameAction(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		m.receive(ctx, a)
	}
}

func (m *Match) receive(ctx context.Context, a game.Action) {
	peer := m.color.Opposite()

	m.mu.Lock()
	settled, ok := m.settlePendingLocked(a)
	var err error
	if a.Kind == game.ActionMovePiece {
		err = m.checkMoveLocked(peer, a.Move)
	}
	var entry history.Entry
	if err == nil {
		entry = m.applyLocked(peer, a)
	}
	m.mu.Unlock()

	if ok {
		m.commit(ctx, settled)
	}
	if err == nil {
		m.commit(ctx, entry)
		return
	}

	m.logger.Warn("opponent move rejected",
		zap.Stringer("move", a.Move),
		zap.Error(err),
	)
	if m.color != game.Light {
		// The host only sends moves it has applied, so it is our turn on its board.
		if rerr := m.resync(ctx, func(game.Board, game.Color) game.Color { return m.color }); rerr != nil {
			m.logger.Error("resync after rejected move failed", zap.Error(rerr))
		}
	}
}

// settlePendingLocked applies the local move in flight when a is a reply that
// is only legal after it. The peer cannot have seen the move otherwise.
func (m *Match) settlePendingLocked(a game.Action) (history.Entry, bool) {
	p := m.pending
	if p == nil || a.Kind != game.ActionMovePiece || m.outcome.Over || m.turn != m.color {
		return history.Entry{}, false
	}
	if !m.board.Apply(p.mv).IsLegal(m.color.Opposite(), a.Move) {
		return history.Entry{}, false
	}
	p.settled = true
	m.pending = nil
	return m.applyLocked(m.color, game.MovePiece(p.mv)), true
}

func (m *Match) checkMoveLocked(c game.Color, mv game.Move) error {
	if m.outcome.Over {
		return ErrMatchOver
	}
	if m.turn != c {
		return ErrNotYourTurn
	}
	if !m.board.IsLegal(c, mv) {
		return fmt.Errorf("%w: %s", ErrIllegalMove, mv)
	}
	return nil
}

// apply performs an action already accepted by both sides.
func (m *Match) apply(ctx context.Context, by game.Color, a game.Action) {
	m.mu.Lock()
	entry := m.applyLocked(by, a)
	m.mu.Unlock()
	m.commit(ctx, entry)
}

func (m *Match) applyLocked(by game.Color, a game.Action) history.Entry {
	switch a.Kind {
	case game.ActionMovePiece:
		m.board = m.board.Apply(a.Move)
		m.turn = m.turn.Opposite()
		if out := m.board.Outcome(m.turn); out.Over {
			m.outcome = Outcome{Over: true, Winner: out.Winner, Reason: "no moves"}
		}
	case game.ActionSurrender:
		m.outcome = Outcome{Over: true, Winner: by.Opposite(), Reason: "surrender"}
	case game.ActionStalemate:
		if by == m.color {
			m.offeredStalemate = true
		} else {
			m.peerOffered = true
		}
		if m.offeredStalemate && m.peerOffered {
			m.outcome = Outcome{Over: true, Reason: "stalemate agreed"}
		}
	}
	m.ply++
	return history.Entry{
		MatchID:       m.id,
		Ply:           m.ply,
		Color:         by,
		Kind:          a.Kind,
		Move:          a.Move,
		Squares:       m.board.Squares,
		BoardChecksum: m.board.Checksum(),
		RecordedAt:    time.Now().UTC(),
	}
}

// commit records entry and tells observers.
func (m *Match) commit(ctx context.Context, entry history.Entry) {
	if err := m.store.Record(ctx, entry); err != nil {
		m.logger.Warn("history not recorded", zap.Int("ply", entry.Ply), zap.Error(err))
	}
	if !entry.Resync {
		m.logger.Debug("action applied",
			zap.Int("ply", entry.Ply),
			zap.Stringer("by", entry.Color),
			zap.Stringer("kind", entry.Kind),
			zap.Stringer("move", entry.Move),
		)
	}
	if out := m.Outcome(); out.Over {
		m.logger.Info("match over",
			zap.Stringer("winner", out.Winner),
			zap.String("reason", out.Reason),
		)
	}
	m.notify()
}

func (m *Match) notify() {
	m.mu.Lock()
	observers := append([]func(){}, m.observers...)
	m.mu.Unlock()
	for _, fn := range observers {
		fn()
	}
}
