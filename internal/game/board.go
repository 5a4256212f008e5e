package game

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Board is a checkers position seen from the local player's side. The local
// player's pieces start on rows 5-7 and move towards index 0.
//
// Board is a value type; Apply returns a new board and never mutates the receiver.
type Board struct {
	Squares [BoardSize]Piece
	Player  Color
}

// NewBoard returns the opening position for a local player of the given color.
func NewBoard(player Color) Board {
	b := Board{Player: player}
	for i := 0; i < 12; i++ {
		b.Squares[i] = Piece{Color: player.Opposite(), Active: true}
	}
	for i := 20; i < BoardSize; i++ {
		b.Squares[i] = Piece{Color: player, Active: true}
	}
	return b
}

// At returns the piece on sq.
func (b Board) At(sq int) Piece {
	mustSquare(sq)
	return b.Squares[sq]
}

// movesUp reports whether pieces of color c advance towards index 0.
func (b Board) movesUp(c Color) bool {
	return c == b.Player
}

// promotes reports whether a man of color c reaching sq is crowned.
func (b Board) promotes(c Color, sq int) bool {
	if b.movesUp(c) {
		return sq < 4
	}
	return sq >= BoardSize-4
}

// Apply performs m and returns the resulting board.
func (b Board) Apply(m Move) Board {
	mustSquare(m.Index)
	mustSquare(m.End)
	next := b
	piece := next.Squares[m.Index]
	piece.King = piece.King || m.Promoted
	next.Squares[m.Index] = Empty
	for _, sq := range m.Captured {
		mustSquare(sq)
		next.Squares[sq] = Empty
	}
	next.Squares[m.End] = piece
	return next
}

// Count returns the number of active pieces of color c.
func (b Board) Count(c Color) int {
	n := 0
	for _, p := range b.Squares {
		if p.Active && p.Color == c {
			n++
		}
	}
	return n
}

// Mirror returns the same position seen from the other side of the table, with
// player as the new local color.
func (b Board) Mirror(player Color) Board {
	m := Board{Player: player}
	for i, p := range b.Squares {
		m.Squares[BoardSize-1-i] = p
	}
	return m
}

// Checksum returns a hex SHA-256 digest of the packed squares, used to compare
// positions held by the two peers.
func (b Board) Checksum() string {
	var buf [BoardSize]byte
	for i, p := range b.Squares {
		buf[i] = p.Pack()
	}
	sum := sha256.Sum256(buf[:])
	return hex.EncodeToString(sum[:])
}

// Outcome describes whether the game is over with toMove to play.
type Outcome struct {
	Over   bool
	Winner Color
}

// Outcome reports a loss for toMove when it has no pieces or no legal moves.
func (b Board) Outcome(toMove Color) Outcome {
	if moves, ok := b.MovesForColor(toMove); ok && len(moves) > 0 {
		return Outcome{}
	}
	return Outcome{Over: true, Winner: toMove.Opposite()}
}

// String renders the board as eight text rows, used in logs and tests.
func (b Board) String() string {
	var sb strings.Builder
	for row := 0; row < 8; row++ {
		for col := 0; col < 8; col++ {
			dark := (row%2 == 0 && col%2 == 0) || (row%2 == 1 && col%2 == 1)
			if !dark {
				sb.WriteByte(' ')
				continue
			}
			p := b.Squares[row*4+col/2]
			switch {
			case !p.Active:
				sb.WriteByte('.')
			case p.Color == Light && p.King:
				sb.WriteByte('L')
			case p.Color == Light:
				sb.WriteByte('l')
			case p.King:
				sb.WriteByte('D')
			default:
				sb.WriteByte('d')
			}
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
