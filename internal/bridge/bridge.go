// Package bridge exposes a running match to a local UI over a websocket. The
// UI receives JSON state pushes and sends move commands back.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/magefree/checkers-p2p/internal/game"
	"github.com/magefree/checkers-p2p/internal/match"
	"github.com/magefree/checkers-p2p/internal/p2p"
)

// Game is the part of *match.Match the bridge drives.
type Game interface {
	ID() uuid.UUID
	Color() game.Color
	Board() game.Board
	Turn() game.Color
	Outcome() match.Outcome
	PeerOfferedStalemate() bool
	LegalMoves() []game.Move
	ApplyMove(ctx context.Context, mv game.Move) error
	Surrender(ctx context.Context) error
	OfferStalemate(ctx context.Context) error
	Resync(ctx context.Context) error
	OnChange(fn func())
}

// StatusFunc reports the current peer connection status.
type StatusFunc func() p2p.ConnectionStatus

// Message is pushed from the bridge to the UI.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Command is sent from the UI to the bridge.
type Command struct {
	Type   string    `json:"type"`
	Square int       `json:"square,omitempty"`
	Move   *MoveView `json:"move,omitempty"`
}

// Message and command types.
const (
	TypeState      = "state"
	TypeLegalMoves = "legal_moves"
	TypeError      = "error"

	CommandState     = "state"
	CommandLegal     = "legal"
	CommandMove      = "move"
	CommandSurrender = "surrender"
	CommandStalemate = "stalemate"
	CommandResync    = "resync"
)

// MoveView is a move as the UI sees it. Captured may be omitted when only one
// legal move joins Index and End.
type MoveView struct {
	Index    int   `json:"index"`
	End      int   `json:"end"`
	Captured []int `json:"captured,omitempty"`
	Promoted bool  `json:"promoted,omitempty"`
}

// SquareView is one board square.
type SquareView struct {
	Index int    `json:"index"`
	Color string `json:"color,omitempty"`
	King  bool   `json:"king,omitempty"`
}

// StateView is the full picture pushed after every change.
type StateView struct {
	MatchID              string       `json:"match_id"`
	Color                string       `json:"color"`
	Turn                 string       `json:"turn"`
	Status               string       `json:"status"`
	Board                []SquareView `json:"board"`
	Checksum             string       `json:"checksum"`
	Over                 bool         `json:"over"`
	Winner               string       `json:"winner,omitempty"`
	Reason               string       `json:"reason,omitempty"`
	PeerOfferedStalemate bool         `json:"peer_offered_stalemate"`
}

// LegalView answers a legal command.
type LegalView struct {
	Square int        `json:"square"`
	Moves  []MoveView `json:"moves"`
}

// ErrorView reports a failed command.
type ErrorView struct {
	Command string `json:"command,omitempty"`
	Message string `json:"message"`
}

const (
	commandTimeout = 15 * time.Second
	statusInterval = time.Second
)

var errAmbiguousMove = errors.New("more than one legal move matches")

// Server serves the websocket endpoint for one match.
type Server struct {
	game     Game
	status   StatusFunc
	hub      *hub
	upgrader websocket.Upgrader
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer wires the bridge to g. status may be nil.
func NewServer(g Game, status StatusFunc, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if status == nil {
		status = func() p2p.ConnectionStatus { return p2p.ConnectionStatus{} }
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		game:   g,
		status: status,
		hub:    newHub(logger),
		upgrader: websocket.Upgrader{
			// The bridge listens on a local address for a desktop UI.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	g.OnChange(s.pushState)
	return s
}

// Handler returns the HTTP routes: /ws for the websocket.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	return mux
}

// Run drives the hub and periodic status pushes until ctx ends.
func (s *Server) Run(ctx context.Context) {
	defer s.cancel()
	go s.hub.run(ctx)

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	last := s.status().String()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if cur := s.status().String(); cur != last {
				last = cur
				s.pushState()
			}
		}
	}
}

// ListenAndServe serves the bridge on addr until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bridge: listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go s.Run(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("bridge shutdown", zap.Error(err))
		}
	}()

	s.logger.Info("bridge listening", zap.String("address", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("bridge: serve: %w", err)
	}
	return nil
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("bridge upgrade failed", zap.Error(err))
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	if !s.hub.join(c) {
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump(s.hub, s.handle)
	s.hub.reply(c, Message{Type: TypeState, Data: s.State()})
}

func (s *Server) pushState() {
	s.hub.publish(Message{Type: TypeState, Data: s.State()})
}

// State builds the current view.
func (s *Server) State() StateView {
	board := s.game.Board()
	out := s.game.Outcome()
	view := StateView{
		MatchID:              s.game.ID().String(),
		Color:                colorName(s.game.Color()),
		Turn:                 colorName(s.game.Turn()),
		Status:               s.status().String(),
		Board:                make([]SquareView, 0, game.BoardSize),
		Checksum:             board.Checksum(),
		Over:                 out.Over,
		Reason:               out.Reason,
		PeerOfferedStalemate: s.game.PeerOfferedStalemate(),
	}
	if out.Over && out.Winner.Valid() {
		view.Winner = colorName(out.Winner)
	}
	for i, p := range board.Squares {
		sq := SquareView{Index: i}
		if p.Active {
			sq.Color = colorName(p.Color)
			sq.King = p.King
		}
		view.Board = append(view.Board, sq)
	}
	return view
}

func (s *Server) handle(c *client, cmd Command) {
	s.logger.Debug("bridge command", zap.String("type", cmd.Type))

	ctx, cancel := context.WithTimeout(s.ctx, commandTimeout)
	defer cancel()

	var err error
	switch cmd.Type {
	case CommandState:
		s.hub.reply(c, Message{Type: TypeState, Data: s.State()})
	case CommandLegal:
		if cmd.Square < 0 || cmd.Square >= game.BoardSize {
			err = fmt.Errorf("square %d out of range", cmd.Square)
			break
		}
		s.hub.reply(c, Message{Type: TypeLegalMoves, Data: s.legalFrom(cmd.Square)})
	case CommandMove:
		var mv game.Move
		if mv, err = s.resolveMove(cmd.Move); err == nil {
			err = s.game.ApplyMove(ctx, mv)
		}
	case CommandSurrender:
		err = s.game.Surrender(ctx)
	case CommandStalemate:
		err = s.game.OfferStalemate(ctx)
	case CommandResync:
		err = s.game.Resync(ctx)
	default:
		err = fmt.Errorf("unknown command %q", cmd.Type)
	}

	if err != nil {
		s.logger.Info("bridge command failed", zap.String("type", cmd.Type), zap.Error(err))
		s.hub.reply(c, errorMessage(cmd.Type, err.Error()))
	}
}

func (s *Server) legalFrom(sq int) LegalView {
	view := LegalView{Square: sq, Moves: []MoveView{}}
	for _, mv := range s.game.LegalMoves() {
		if mv.Index == sq {
			view.Moves = append(view.Moves, moveView(mv))
		}
	}
	return view
}

// resolveMove finds the legal move the UI asked for.
func (s *Server) resolveMove(req *MoveView) (game.Move, error) {
	if req == nil {
		return game.Move{}, errors.New("move missing")
	}
	var found []game.Move
	for _, mv := range s.game.LegalMoves() {
		if mv.Index != req.Index || mv.End != req.End {
			continue
		}
		if req.Captured != nil && !slices.Equal(mv.Captured, req.Captured) {
			continue
		}
		found = append(found, mv)
	}
	switch len(found) {
	case 0:
		return game.Move{}, fmt.Errorf("%w: %d->%d", match.ErrIllegalMove, req.Index, req.End)
	case 1:
		return found[0], nil
	default:
		return game.Move{}, fmt.Errorf("%w: %d->%d", errAmbiguousMove, req.Index, req.End)
	}
}

func moveView(mv game.Move) MoveView {
	return MoveView{
		Index:    mv.Index,
		End:      mv.End,
		Captured: mv.Captured,
		Promoted: mv.Promoted,
	}
}

func colorName(c game.Color) string {
	return strings.ToLower(c.String())
}

func errorMessage(command, msg string) Message {
	return Message{Type: TypeError, Data: ErrorView{Command: command, Message: msg}}
}
