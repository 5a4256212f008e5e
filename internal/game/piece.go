package game

import "fmt"

// BoardSize is the number of playable (dark) squares on a checkers board.
const BoardSize = 32

// Color identifies a side.
type Color uint8

const (
	// Light moves first; the hosting peer plays Light.
	Light Color = 1
	// Dark is assigned to the joining peer.
	Dark Color = 2
)

func (c Color) String() string {
	switch c {
	case Light:
		return "LIGHT"
	case Dark:
		return "DARK"
	default:
		return "UNKNOWN"
	}
}

// Opposite returns the other side.
func (c Color) Opposite() Color {
	if c == Light {
		return Dark
	}
	return Light
}

// Valid reports whether c is Light or Dark.
func (c Color) Valid() bool {
	return c == Light || c == Dark
}

// Piece is the content of one square. An inactive piece is an empty square.
type Piece struct {
	Color  Color
	King   bool
	Active bool
}

// Empty is the zero piece.
var Empty = Piece{}

func (p Piece) String() string {
	if !p.Active {
		return "."
	}
	if p.King {
		return fmt.Sprintf("%s-king", p.Color)
	}
	return p.Color.String()
}

const kingBit = 0b100

// Pack encodes p into a single byte: 0 for an empty square, otherwise the color
// value in bits 0-1 with bit 2 set for a king.
func (p Piece) Pack() byte {
	if !p.Active {
		return 0
	}
	v := byte(p.Color)
	if p.King {
		v |= kingBit
	}
	return v
}

// UnpackPiece reverses Pack. ok is false when b has bits outside the piece
// layout or does not name exactly one color.
func UnpackPiece(b byte) (p Piece, ok bool) {
	if b == 0 {
		return Empty, true
	}
	if b&^(kingBit|0b11) != 0 {
		return Empty, false
	}
	c := Color(b & 0b11)
	if !c.Valid() {
		return Empty, false
	}
	return Piece{Color: c, King: b&kingBit != 0, Active: true}, true
}

// mustSquare panics when sq is not a board index.
func mustSquare(sq int) {
	if sq < 0 || sq >= BoardSize {
		panic(fmt.Sprintf("game: square %d out of range [0,%d)", sq, BoardSize))
	}
}
