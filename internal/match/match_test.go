package match

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/magefree/checkers-p2p/internal/game"
	"github.com/magefree/checkers-p2p/internal/history"
	"github.com/magefree/checkers-p2p/internal/p2p"
	"github.com/magefree/checkers-p2p/internal/protocol"
)

type fakeTransport struct {
	mu        sync.Mutex
	sent      []game.Action
	sendErr   error
	onSend    func(a game.Action) // runs before the ack resolves
	inbound   chan game.Action
	squares   [game.BoardSize]game.Piece
	validator p2p.Validator
	snapshot  p2p.SnapshotFunc
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbound: make(chan game.Action, 8)}
}

func (f *fakeTransport) SendGameActionWait(_ context.Context, a game.Action) error {
	if f.onSend != nil {
		f.onSend(a)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, a)
	return nil
}

func (f *fakeTransport) NextGameAction(ctx context.Context) (game.Action, error) {
	select {
	case a := <-f.inbound:
		return a, nil
	case <-ctx.Done():
		return game.Action{}, ctx.Err()
	}
}

func (f *fakeTransport) RequestResync(context.Context) ([game.BoardSize]game.Piece, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.squares, nil
}

func (f *fakeTransport) SetValidator(v p2p.Validator)       { f.validator = v }
func (f *fakeTransport) SetSnapshotSource(s p2p.SnapshotFunc) { f.snapshot = s }

func (f *fakeTransport) Sent() []game.Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]game.Action(nil), f.sent...)
}

func TestHostInstallsHooks(t *testing.T) {
	tr := newFakeTransport()
	m := NewMatch(tr, game.Light, nil, zaptest.NewLogger(t))

	require.NotNil(t, tr.validator)
	require.NotNil(t, tr.snapshot)
	assert.Equal(t, m.Board().Squares, tr.snapshot())

	client := newFakeTransport()
	NewMatch(client, game.Dark, nil, nil)
	assert.Nil(t, client.validator)
}

func TestApplyMoveSendsThenApplies(t *testing.T) {
	tr := newFakeTransport()
	store := history.NewMemoryStore(nil)
	m := NewMatch(tr, game.Light, store, zaptest.NewLogger(t))
	ctx := context.Background()

	changes := 0
	m.OnChange(func() { changes++ })

	mv := game.Move{Index: 22, End: 18}
	require.NoError(t, m.ApplyMove(ctx, mv))

	assert.Equal(t, []game.Action{game.MovePiece(mv)}, tr.Sent())
	assert.False(t, m.Board().At(22).Active)
	assert.True(t, m.Board().At(18).Active)
	assert.Equal(t, game.Dark, m.Turn())
	assert.Nil(t, m.LegalMoves(), "not our turn any more")
	assert.Equal(t, 1, changes)

	entries, err := store.Entries(ctx, m.ID())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].Ply)
	assert.Equal(t, game.Light, entries[0].Color)
	assert.Equal(t, m.Board().Checksum(), entries[0].BoardChecksum)

	assert.ErrorIs(t, m.ApplyMove(ctx, game.Move{Index: 21, End: 17}), ErrNotYourTurn)
}

func TestApplyMoveRejectsIllegalAndUnacknowledged(t *testing.T) {
	tr := newFakeTransport()
	m := NewMatch(tr, game.Light, nil, nil)
	ctx := context.Background()

	assert.ErrorIs(t, m.ApplyMove(ctx, game.Move{Index: 22, End: 14}), ErrIllegalMove)

	tr.sendErr = &p2p.ProtocolError{Kind: protocol.InvalidBoard}
	err := m.ApplyMove(ctx, game.Move{Index: 22, End: 18})
	var perr *p2p.ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, game.NewBoard(game.Light), m.Board(), "rejected move must not be applied")
	assert.Equal(t, game.Light, m.Turn())
}

func TestValidateChecksTurnAndLegality(t *testing.T) {
	tr := newFakeTransport()
	m := NewMatch(tr, game.Light, nil, nil)

	darkMove := game.Move{Index: 9, End: 13}
	assert.False(t, m.Validate(game.MovePiece(darkMove)), "light moves first")

	require.NoError(t, m.ApplyMove(context.Background(), game.Move{Index: 22, End: 18}))
	assert.True(t, m.Validate(game.MovePiece(darkMove)))
	assert.False(t, m.Validate(game.MovePiece(game.Move{Index: 9, End: 17})))
	assert.True(t, m.Validate(game.Action{Kind: game.ActionSurrender}))
}

func TestRunAppliesOpponentMoves(t *testing.T) {
	tr := newFakeTransport()
	m := NewMatch(tr, game.Dark, nil, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	// The host's 22->18 arrives mirrored into our orientation.
	tr.inbound <- game.MovePiece(game.Move{Index: 22, End: 18}.Mirror())
	require.Eventually(t, func() bool { return m.Turn() == game.Dark }, time.Second, 5*time.Millisecond)
	assert.True(t, m.Board().At(13).Active)
	assert.Len(t, m.LegalMoves(), 7)

	cancel()
	assert.NoError(t, <-done)
}

func TestClientResyncsAfterIllegalMove(t *testing.T) {
	tr := newFakeTransport()
	m := NewMatch(tr, game.Dark, nil, nil)

	host := game.NewBoard(game.Light).Apply(game.Move{Index: 22, End: 18})
	tr.squares = host.Squares

	ctx := context.Background()
	m.receive(ctx, game.MovePiece(game.Move{Index: 0, End: 31}))
	assert.Equal(t, host.Mirror(game.Dark), m.Board())
	assert.Equal(t, game.Dark, m.Turn(), "the host only sends moves it has made")

	r, err := m.Replay(ctx)
	require.NoError(t, err)
	e, ok := r.Entry(1)
	require.True(t, ok)
	assert.True(t, e.Resync)
	last, _ := r.At(1)
	assert.Equal(t, m.Board(), last)
}

func TestClientResyncsAfterRefusedMove(t *testing.T) {
	ctx := context.Background()
	opening := game.Move{Index: 22, End: 18}
	// The host already holds our 23->19, which we never saw acknowledged.
	lost := game.Move{Index: 23, End: 19}
	host := game.NewBoard(game.Light).Apply(opening).Apply(lost.Mirror())
	next := game.Move{Index: 21, End: 17}

	tests := []struct {
		name     string
		squares  [game.BoardSize]game.Piece
		wantTurn game.Color
	}{
		{"legal on host board hands the turn over", host.Squares, game.Light},
		{"illegal on host board keeps the turn", func() [game.BoardSize]game.Piece {
			sq := host.Squares
			sq[game.BoardSize-1-next.Index] = game.Empty
			return sq
		}(), game.Dark},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tr := newFakeTransport()
			m := NewMatch(tr, game.Dark, nil, zaptest.NewLogger(t))
			m.receive(ctx, game.MovePiece(opening.Mirror()))
			require.Equal(t, game.Dark, m.Turn())

			tr.squares = tc.squares
			tr.sendErr = &p2p.ProtocolError{Kind: protocol.InvalidBoard}
			err := m.ApplyMove(ctx, next)
			var perr *p2p.ProtocolError
			require.ErrorAs(t, err, &perr)

			want := game.Board{Squares: tc.squares, Player: game.Light}.Mirror(game.Dark)
			assert.Equal(t, want, m.Board())
			assert.Equal(t, tc.wantTurn, m.Turn())

			r, err := m.Replay(ctx)
			require.NoError(t, err)
			assert.Equal(t, 3, r.Size())
			e, _ := r.Entry(2)
			assert.True(t, e.Resync)
		})
	}
}

func TestHostSettlesMoveOnEarlyReply(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTransport()
	m := NewMatch(tr, game.Light, nil, zaptest.NewLogger(t))

	mv := game.Move{Index: 22, End: 18}
	reply := game.MovePiece(game.Move{Index: 9, End: 13})
	tr.onSend = func(game.Action) {
		assert.False(t, m.Validate(game.MovePiece(game.Move{Index: 9, End: 17})))
		assert.Equal(t, game.Light, m.Turn(), "an unrelated reply settles nothing")
		assert.True(t, m.Validate(reply), "reply that follows our move arrives before the ack")
	}
	// The ack itself is lost, yet the reply proves the move landed.
	tr.sendErr = p2p.ErrAckTimeout

	require.NoError(t, m.ApplyMove(ctx, mv))
	assert.Equal(t, game.Dark, m.Turn())
	assert.Equal(t, game.NewBoard(game.Light).Apply(mv), m.Board())

	m.receive(ctx, reply)
	assert.Equal(t, game.Light, m.Turn())

	r, err := m.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, r.Size())
	last, _ := r.At(2)
	assert.Equal(t, m.Board(), last)
}

func TestClientSettlesMoveOnEarlyReply(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTransport()
	m := NewMatch(tr, game.Dark, nil, zaptest.NewLogger(t))
	m.receive(ctx, game.MovePiece(game.Move{Index: 22, End: 18}.Mirror()))

	mv := game.Move{Index: 22, End: 18}
	after := m.Board().Apply(mv)
	replies, _ := after.MovesForColor(game.Light)
	require.NotEmpty(t, replies)
	reply := replies[0]
	require.True(t, reply.IsCapture(), "the host jumps the piece we just moved")
	require.False(t, m.Board().IsLegal(game.Light, reply))

	tr.onSend = func(game.Action) { m.receive(ctx, game.MovePiece(reply)) }
	require.NoError(t, m.ApplyMove(ctx, mv))

	assert.Equal(t, after.Apply(reply), m.Board())
	assert.Equal(t, game.Dark, m.Turn())

	r, err := m.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, r.Size())
}

func TestSurrenderAndStalemate(t *testing.T) {
	ctx := context.Background()

	tr := newFakeTransport()
	m := NewMatch(tr, game.Light, nil, nil)
	require.NoError(t, m.Surrender(ctx))
	assert.Equal(t, Outcome{Over: true, Winner: game.Dark, Reason: "surrender"}, m.Outcome())
	assert.ErrorIs(t, m.Surrender(ctx), ErrMatchOver)
	assert.ErrorIs(t, m.ApplyMove(ctx, game.Move{Index: 22, End: 18}), ErrMatchOver)

	tr = newFakeTransport()
	m = NewMatch(tr, game.Dark, nil, nil)
	m.receive(ctx, game.Action{Kind: game.ActionStalemate})
	assert.True(t, m.PeerOfferedStalemate())
	assert.False(t, m.Outcome().Over)
	require.NoError(t, m.OfferStalemate(ctx))
	assert.Equal(t, Outcome{Over: true, Reason: "stalemate agreed"}, m.Outcome())
}

func TestReplayMatchesLiveBoard(t *testing.T) {
	tr := newFakeTransport()
	m := NewMatch(tr, game.Light, nil, nil)
	ctx := context.Background()

	require.NoError(t, m.ApplyMove(ctx, game.Move{Index: 22, End: 18}))
	m.receive(ctx, game.MovePiece(game.Move{Index: 9, End: 13}))
	require.NoError(t, m.OfferStalemate(ctx))

	r, err := m.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, r.Size())
	last, ok := r.At(3)
	require.True(t, ok)
	assert.Equal(t, m.Board(), last)
}

func TestResyncOnlyForClient(t *testing.T) {
	m := NewMatch(newFakeTransport(), game.Light, nil, nil)
	assert.ErrorIs(t, m.Resync(context.Background()), ErrNotSupported)
}

func TestSendFailureKeepsBoard(t *testing.T) {
	tr := newFakeTransport()
	tr.sendErr = errors.New("network down")
	m := NewMatch(tr, game.Light, nil, nil)
	assert.Error(t, m.Surrender(context.Background()))
	assert.False(t, m.Outcome().Over)
}

func TestMatchOverRealNodes(t *testing.T) {
	loopback := netip.MustParseAddr("127.0.0.1")
	opts := p2p.DefaultOptions()
	opts.BindIP = loopback
	opts.AdvertiseIP = loopback
	opts.PortRangeStart = 0
	opts.RequestTimeout = 100 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hostNode := p2p.NewNode(opts, zaptest.NewLogger(t).Named("host"))
	defer hostNode.Close()
	code, err := hostNode.StartAsHost(ctx, "alice")
	require.NoError(t, err)
	hostMatch := NewMatch(hostNode, game.Light, nil, zaptest.NewLogger(t).Named("host"))

	clientNode := p2p.NewNode(opts, zaptest.NewLogger(t).Named("client"))
	defer clientNode.Close()
	joined, err := clientNode.StartAsClient(ctx, code, "bob")
	require.NoError(t, err)
	clientMatch := NewMatch(clientNode, joined.Color, nil, zaptest.NewLogger(t).Named("client"))

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go hostMatch.Run(runCtx)
	go clientMatch.Run(runCtx)

	require.NoError(t, hostMatch.ApplyMove(ctx, game.Move{Index: 22, End: 18}))
	require.Eventually(t, func() bool { return clientMatch.Turn() == game.Dark }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, hostMatch.Board().Mirror(game.Dark), clientMatch.Board())

	// Dark answers from its own side of the board.
	require.NoError(t, clientMatch.ApplyMove(ctx, game.Move{Index: 22, End: 18}))
	require.Eventually(t, func() bool { return hostMatch.Turn() == game.Light }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, clientMatch.Board().Mirror(game.Light), hostMatch.Board())

	// A move the host's board rejects never reaches the client board.
	err = clientMatch.ApplyMove(ctx, game.Move{Index: 21, End: 17})
	assert.ErrorIs(t, err, ErrNotYourTurn)

	require.NoError(t, clientMatch.Resync(ctx))
	assert.Equal(t, hostMatch.Board().Mirror(game.Dark), clientMatch.Board())
}
