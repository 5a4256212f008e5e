package history

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/magefree/checkers-p2p/internal/game"
)

func recordedGame(t *testing.T) []Entry {
	t.Helper()
	id := uuid.New()
	b0 := game.NewBoard(game.Light)
	b1 := b0.Apply(game.Move{Index: 22, End: 18})
	b2 := b1.Apply(game.Move{Index: 9, End: 13})
	return []Entry{
		{MatchID: id, Ply: 1, Color: game.Light, Kind: game.ActionMovePiece, Move: game.Move{Index: 22, End: 18}, BoardChecksum: b1.Checksum()},
		{MatchID: id, Ply: 2, Color: game.Dark, Kind: game.ActionMovePiece, Move: game.Move{Index: 9, End: 13}, BoardChecksum: b2.Checksum()},
		{MatchID: id, Ply: 3, Color: game.Dark, Kind: game.ActionSurrender, BoardChecksum: b2.Checksum()},
	}
}

func TestReplayStepsThroughPositions(t *testing.T) {
	entries := recordedGame(t)
	r, err := NewReplay(game.Light, entries)
	require.NoError(t, err)
	assert.Equal(t, 4, r.Size())

	start := r.Start()
	assert.Equal(t, game.NewBoard(game.Light), start)

	_, ok := r.Previous()
	assert.False(t, ok, "already at the opening")

	b, ok := r.Next()
	require.True(t, ok)
	assert.True(t, b.At(18).Active)
	assert.False(t, b.At(22).Active)

	b, ok = r.Skip(10)
	require.True(t, ok)
	assert.Equal(t, entries[2].BoardChecksum, b.Checksum())
	_, ok = r.Next()
	assert.False(t, ok, "already at the end")

	b, ok = r.Previous()
	require.True(t, ok)
	assert.Equal(t, entries[1].BoardChecksum, b.Checksum())

	e, ok := r.Entry(3)
	require.True(t, ok)
	assert.Equal(t, game.ActionSurrender, e.Kind)
	_, ok = r.Entry(0)
	assert.False(t, ok)
	_, ok = r.At(4)
	assert.False(t, ok)
}

func TestReplayRejectsTamperedHistory(t *testing.T) {
	entries := recordedGame(t)
	entries[1].BoardChecksum = "deadbeef"
	_, err := NewReplay(game.Light, entries)
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	entries = recordedGame(t)
	entries[1].Move = game.Move{Index: 9, End: 17}
	_, err = NewReplay(game.Light, entries)
	assert.ErrorContains(t, err, "illegal move")

	entries = recordedGame(t)
	entries = append(entries[:1], entries[2:]...)
	_, err = NewReplay(game.Light, entries)
	assert.ErrorContains(t, err, "ply 3 follows ply 1")
}

// longGame records n plies of kings shuffling between two squares each.
func longGame(t *testing.T, n int) []Entry {
	t.Helper()
	id := uuid.New()
	var board game.Board
	board.Player = game.Light
	board.Squares[29] = game.Piece{Active: true, Color: game.Light, King: true}
	board.Squares[2] = game.Piece{Active: true, Color: game.Dark, King: true}
	lightFwd, lightBack := game.Move{Index: 29, End: 25}, game.Move{Index: 25, End: 29}
	darkFwd, darkBack := game.Move{Index: 2, End: 6}, game.Move{Index: 6, End: 2}

	entries := make([]Entry, 0, n)
	for ply := 1; ply <= n; ply++ {
		var mv game.Move
		color := game.Light
		switch ply % 4 {
		case 1:
			mv = lightFwd
		case 2:
			mv, color = darkFwd, game.Dark
		case 3:
			mv = lightBack
		case 0:
			mv, color = darkBack, game.Dark
		}
		require.True(t, board.IsLegal(color, mv), "ply %d", ply)
		board = board.Apply(mv)
		entries = append(entries, Entry{
			MatchID: id, Ply: ply, Color: color, Kind: game.ActionMovePiece, Move: mv,
			BoardChecksum: board.Checksum(), Squares: board.Squares,
		})
	}
	return entries
}

func TestReplayStartsFromTruncatedHistory(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(zaptest.NewLogger(t))
	entries := longGame(t, MemoryCapacity+20)
	for _, e := range entries {
		require.NoError(t, store.Record(ctx, e))
	}
	kept, err := store.Entries(ctx, entries[0].MatchID)
	require.NoError(t, err)
	require.Len(t, kept, MemoryCapacity)
	require.Equal(t, 21, kept[0].Ply)

	r, err := NewReplay(game.Light, kept)
	require.NoError(t, err)
	assert.True(t, r.Truncated())
	assert.Equal(t, 21, r.FirstPly())
	assert.Equal(t, MemoryCapacity, r.Size())

	first, ok := r.Entry(0)
	require.True(t, ok)
	assert.Equal(t, 21, first.Ply)
	assert.Equal(t, kept[0].BoardChecksum, r.Start().Checksum())
	last, _ := r.At(r.Size() - 1)
	assert.Equal(t, entries[len(entries)-1].BoardChecksum, last.Checksum())

	kept[0].Squares[2] = game.Empty
	_, err = NewReplay(game.Light, kept)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestReplayAppliesResyncEntry(t *testing.T) {
	entries := recordedGame(t)
	snapshot := game.NewBoard(game.Light).Apply(game.Move{Index: 21, End: 17})
	resync := Entry{
		MatchID: entries[0].MatchID, Ply: 3, Color: game.Light, Resync: true,
		Squares: snapshot.Squares, BoardChecksum: snapshot.Checksum(),
	}
	next := snapshot.Apply(game.Move{Index: 17, End: 13})
	move := Entry{
		MatchID: entries[0].MatchID, Ply: 4, Color: game.Light, Kind: game.ActionMovePiece,
		Move: game.Move{Index: 17, End: 13}, BoardChecksum: next.Checksum(),
	}
	recorded := append(entries[:2:2], resync, move)

	r, err := NewReplay(game.Light, recorded)
	require.NoError(t, err)
	assert.False(t, r.Truncated())
	b, ok := r.At(3)
	require.True(t, ok)
	assert.Equal(t, snapshot, b)
	b, _ = r.At(4)
	assert.Equal(t, next, b)

	recorded[2].BoardChecksum = "deadbeef"
	_, err = NewReplay(game.Light, recorded)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestReplayFromDarkSide(t *testing.T) {
	light := recordedGame(t)
	dark := make([]Entry, len(light))
	board := game.NewBoard(game.Dark)
	for i, e := range light {
		if e.Kind == game.ActionMovePiece {
			e.Move = e.Move.Mirror()
			board = board.Apply(e.Move)
		}
		e.BoardChecksum = board.Checksum()
		dark[i] = e
	}

	r, err := NewReplay(game.Dark, dark)
	require.NoError(t, err)
	last, ok := r.At(3)
	require.True(t, ok)
	assert.Equal(t, board, last)
}
