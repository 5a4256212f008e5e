package game

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// emptyBoard returns a board with no pieces for a local Light player.
func emptyBoard() Board {
	return Board{Player: Light}
}

func place(b *Board, sq int, c Color, king bool) {
	b.Squares[sq] = Piece{Color: c, King: king, Active: true}
}

func TestOpeningMovesForLocalColor(t *testing.T) {
	b := NewBoard(Light)

	moves, ok := b.MovesForColor(Light)
	require.True(t, ok)
	require.Len(t, moves, 7)

	perPiece := map[int]int{}
	for _, m := range moves {
		assert.False(t, m.IsCapture(), "no captures in the opening: %s", m)
		assert.GreaterOrEqual(t, m.Index, 20)
		assert.LessOrEqual(t, m.Index, 23)
		assert.GreaterOrEqual(t, m.End, 16)
		assert.LessOrEqual(t, m.End, 19)
		assert.False(t, b.Squares[m.End].Active, "destination %d must be empty", m.End)
		perPiece[m.Index]++
	}
	assert.Equal(t, map[int]int{20: 2, 21: 2, 22: 2, 23: 1}, perPiece)
}

func TestOpeningMovesForOpponentColor(t *testing.T) {
	b := NewBoard(Light)

	moves, ok := b.MovesForColor(Dark)
	require.True(t, ok)
	require.Len(t, moves, 7)
	for _, m := range moves {
		assert.GreaterOrEqual(t, m.Index, 8)
		assert.LessOrEqual(t, m.Index, 11)
		assert.GreaterOrEqual(t, m.End, 12)
		assert.LessOrEqual(t, m.End, 15)
	}
}

func TestForcedCaptureAcrossPieces(t *testing.T) {
	b := emptyBoard()
	place(&b, 21, Light, false)
	place(&b, 17, Dark, false)
	place(&b, 30, Light, false)

	moves, ok := b.MovesForColor(Light)
	require.True(t, ok)
	require.Len(t, moves, 1)
	assert.True(t, moves[0].Equal(Move{Index: 21, End: 12, Captured: []int{17}}), "got %s", moves[0])

	pieceMoves, forced, ok := b.MovesFor(21)
	require.True(t, ok)
	assert.True(t, forced)
	assert.Len(t, pieceMoves, 1)

	idle, forced, ok := b.MovesFor(30)
	require.True(t, ok)
	assert.False(t, forced)
	assert.Len(t, idle, 2)
}

func TestMenNeverMoveBackwards(t *testing.T) {
	b := emptyBoard()
	place(&b, 13, Light, false)
	// Capturable only by moving backwards.
	place(&b, 17, Dark, false)

	moves, forced, ok := b.MovesFor(13)
	require.True(t, ok)
	assert.False(t, forced)
	require.Len(t, moves, 2)
	for _, m := range moves {
		assert.Less(t, m.End/4, m.Index/4, "light man moved backwards: %s", m)
	}

	dark, _, ok := b.MovesFor(17)
	require.True(t, ok)
	for _, m := range dark {
		assert.Greater(t, m.End/4, m.Index/4, "dark man moved backwards: %s", m)
	}
}

func TestOpeningMenOnlyAdvance(t *testing.T) {
	b := NewBoard(Dark)
	for sq := 0; sq < BoardSize; sq++ {
		moves, _, ok := b.MovesFor(sq)
		if !ok {
			continue
		}
		for _, m := range moves {
			if b.Squares[sq].Color == b.Player {
				assert.Less(t, m.End, m.Index)
			} else {
				assert.Greater(t, m.End, m.Index)
			}
		}
	}
}

func TestKingMultiCapture(t *testing.T) {
	b := emptyBoard()
	place(&b, 27, Light, true)
	place(&b, 22, Dark, false)
	place(&b, 13, Dark, false)

	moves, forced, ok := b.MovesFor(27)
	require.True(t, ok)
	assert.True(t, forced)
	require.Len(t, moves, 1)
	assert.Equal(t, 27, moves[0].Index)
	assert.Equal(t, 9, moves[0].End)
	assert.Equal(t, []int{22, 13}, moves[0].Captured)
	assert.False(t, moves[0].Promoted, "kings are never promoted again")
}

func TestKingCapturesAtDistance(t *testing.T) {
	b := emptyBoard()
	place(&b, 31, Light, true)
	place(&b, 18, Dark, false)

	moves, forced, ok := b.MovesFor(31)
	require.True(t, ok)
	assert.True(t, forced)
	require.Len(t, moves, 1)
	assert.True(t, moves[0].Equal(Move{Index: 31, End: 13, Captured: []int{18}}), "got %s", moves[0])
}

func TestPromotionMidChainContinuesAsKing(t *testing.T) {
	b := emptyBoard()
	place(&b, 9, Light, false)
	place(&b, 5, Dark, false)
	// Only reachable by moving backwards after the crown at square 2.
	place(&b, 6, Dark, false)

	moves, forced, ok := b.MovesFor(9)
	require.True(t, ok)
	assert.True(t, forced)
	require.Len(t, moves, 1)
	assert.Equal(t, 11, moves[0].End)
	assert.Equal(t, []int{5, 6}, moves[0].Captured)
	assert.True(t, moves[0].Promoted)

	after := b.Apply(moves[0])
	assert.True(t, after.Squares[11].King)
	assert.Equal(t, 0, after.Count(Dark))
}

func TestSimplePromotion(t *testing.T) {
	b := emptyBoard()
	place(&b, 5, Light, false)

	moves, _, ok := b.MovesFor(5)
	require.True(t, ok)
	require.Len(t, moves, 2)
	for _, m := range moves {
		assert.True(t, m.Promoted, "move %s reaches the far rank", m)
	}
}

func TestBlockedJumpIsNotACapture(t *testing.T) {
	b := emptyBoard()
	place(&b, 21, Light, false)
	place(&b, 17, Dark, false)
	place(&b, 12, Dark, false)

	moves, forced, ok := b.MovesFor(21)
	require.True(t, ok)
	assert.False(t, forced)
	require.Len(t, moves, 1)
	assert.Equal(t, 18, moves[0].End)
}

func TestMovesForEmptySquare(t *testing.T) {
	b := NewBoard(Light)
	moves, forced, ok := b.MovesFor(15)
	assert.False(t, ok)
	assert.False(t, forced)
	assert.Nil(t, moves)

	_, ok = emptyBoard().MovesForColor(Dark)
	assert.False(t, ok)
}

func TestOutOfRangeSquarePanics(t *testing.T) {
	b := NewBoard(Light)
	assert.Panics(t, func() { b.MovesFor(32) })
	assert.Panics(t, func() { b.MovesFor(-1) })
	assert.Panics(t, func() { b.Apply(Move{Index: 3, End: 40}) })
}

func TestIsLegal(t *testing.T) {
	b := NewBoard(Light)
	assert.True(t, b.IsLegal(Light, Move{Index: 22, End: 18}))
	assert.False(t, b.IsLegal(Light, Move{Index: 22, End: 14}))
	assert.False(t, b.IsLegal(Dark, Move{Index: 22, End: 18}))
}

func TestMoveMirror(t *testing.T) {
	m := Move{Index: 27, End: 9, Captured: []int{22, 13}}
	mirrored := m.Mirror()
	assert.Equal(t, Move{Index: 4, End: 22, Captured: []int{9, 18}}, mirrored)
	assert.True(t, mirrored.Mirror().Equal(m))

	simple := Move{Index: 21, End: 17}
	assert.Nil(t, simple.Mirror().Captured)
}

func TestMirroredMoveIsLegalForOpponent(t *testing.T) {
	host := NewBoard(Light)
	client := NewBoard(Dark)

	moves, _ := client.MovesForColor(Dark)
	for _, m := range moves {
		assert.True(t, host.IsLegal(Dark, m.Mirror()), "mirrored %s", m)
	}
}
