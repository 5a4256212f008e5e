package game

import (
	"fmt"
	"slices"
)

// Move describes one turn for a single piece. Captured lists the jumped squares
// in the order they were taken; it is nil for a simple move.
type Move struct {
	Index    int
	End      int
	Captured []int
	Promoted bool
}

// IsCapture reports whether the move jumps at least one piece.
func (m Move) IsCapture() bool {
	return len(m.Captured) > 0
}

// Mirror converts a move between the two peers' board orientations.
func (m Move) Mirror() Move {
	out := Move{
		Index:    BoardSize - 1 - m.Index,
		End:      BoardSize - 1 - m.End,
		Promoted: m.Promoted,
	}
	if m.Captured != nil {
		out.Captured = make([]int, len(m.Captured))
		for i, sq := range m.Captured {
			out.Captured[i] = BoardSize - 1 - sq
		}
	}
	return out
}

// Equal compares two moves including the capture order.
func (m Move) Equal(o Move) bool {
	return m.Index == o.Index && m.End == o.End && m.Promoted == o.Promoted &&
		slices.Equal(m.Captured, o.Captured)
}

func (m Move) String() string {
	if m.IsCapture() {
		return fmt.Sprintf("%d->%d x%v promoted=%t", m.Index, m.End, m.Captured, m.Promoted)
	}
	return fmt.Sprintf("%d->%d promoted=%t", m.Index, m.End, m.Promoted)
}

// MovesFor returns the legal moves of the piece on sq. forced is true when the
// piece can capture, in which case only capturing moves are returned. ok is
// false when sq is empty.
func (b Board) MovesFor(sq int) (moves []Move, forced bool, ok bool) {
	mustSquare(sq)
	p := b.Squares[sq]
	if !p.Active {
		return nil, false, false
	}
	s := search{board: &b, start: sq, color: p.Color}
	for _, d := range directions {
		found, capturing := s.step(sq, d, p.King, 0, nil, false)
		if capturing && !forced {
			moves = moves[:0]
			forced = true
		}
		if capturing == forced {
			moves = append(moves, found...)
		}
	}
	return moves, forced, true
}

// MovesForColor returns every legal move for color c, applying the forced
// capture rule across all of its pieces. ok is false when c has no pieces.
func (b Board) MovesForColor(c Color) (moves []Move, ok bool) {
	forced := false
	for sq, p := range b.Squares {
		if !p.Active || p.Color != c {
			continue
		}
		ok = true
		found, capturing, _ := b.MovesFor(sq)
		if capturing && !forced {
			moves = moves[:0]
			forced = true
		}
		if capturing == forced {
			moves = append(moves, found...)
		}
	}
	return moves, ok
}

// IsLegal reports whether m is one of the legal moves for color c.
func (b Board) IsLegal(c Color, m Move) bool {
	moves, _ := b.MovesForColor(c)
	for _, legal := range moves {
		if legal.Equal(m) {
			return true
		}
	}
	return false
}

// search walks the board from a fixed start square. The start square counts as
// empty and squares in the captured mask count as already removed.
type search struct {
	board *Board
	start int
	color Color
}

func (s *search) occupant(sq int, captured uint32) (Piece, bool) {
	if sq == s.start || captured&(1<<uint(sq)) != 0 {
		return Empty, false
	}
	p := s.board.Squares[sq]
	return p, p.Active
}

func (s *search) allowed(d Direction, king bool) bool {
	return king || d.isUp() == s.board.movesUp(s.color)
}

// step explores one direction from pos. A non-empty chain means pos is the
// landing square of an earlier capture and only further captures count.
func (s *search) step(pos int, d Direction, king bool, captured uint32, chain []int, promoted bool) ([]Move, bool) {
	if !s.allowed(d, king) {
		return nil, false
	}
	next, ok := d.Step(pos)
	if !ok {
		return nil, false
	}
	if p, occupied := s.occupant(next, captured); occupied {
		if p.Color == s.color {
			return nil, false
		}
		return s.jump(next, d, king, captured, chain, promoted)
	}

	var moves []Move
	if king {
		more, capturing := s.step(next, d, king, captured, chain, promoted)
		if capturing {
			return more, true
		}
		moves = more
	}
	if len(chain) > 0 {
		return nil, false
	}
	crown := !king && s.board.promotes(s.color, next)
	return append(moves, Move{Index: s.start, End: next, Promoted: crown}), false
}

// jump captures the enemy piece on over when the square beyond it is free, then
// continues the chain from the landing square in every direction.
func (s *search) jump(over int, d Direction, king bool, captured uint32, chain []int, promoted bool) ([]Move, bool) {
	land, ok := d.Step(over)
	if !ok {
		return nil, false
	}
	if _, occupied := s.occupant(land, captured); occupied {
		return nil, false
	}

	captured |= 1 << uint(over)
	path := make([]int, len(chain)+1)
	copy(path, chain)
	path[len(chain)] = over

	crown := !king && s.board.promotes(s.color, land)
	king = king || crown
	promoted = promoted || crown

	var moves []Move
	for _, next := range directions {
		more, capturing := s.step(land, next, king, captured, path, promoted)
		if capturing {
			moves = append(moves, more...)
		}
	}
	if len(moves) == 0 {
		moves = []Move{{Index: s.start, End: land, Captured: path, Promoted: promoted}}
	}
	return moves, true
}
