package game

// Direction is a diagonal unit step. The value is the index delta from an even
// row; odd rows add one because their squares sit one column further right.
type Direction int

const (
	UpLeft    Direction = -5
	UpRight   Direction = -4
	DownLeft  Direction = 3
	DownRight Direction = 4
)

// directions is the search order used by the move generator.
var directions = [4]Direction{UpRight, UpLeft, DownLeft, DownRight}

func (d Direction) String() string {
	switch d {
	case UpLeft:
		return "UP_LEFT"
	case UpRight:
		return "UP_RIGHT"
	case DownLeft:
		return "DOWN_LEFT"
	case DownRight:
		return "DOWN_RIGHT"
	default:
		return "UNKNOWN"
	}
}

func (d Direction) isLeft() bool { return d == UpLeft || d == DownLeft }
func (d Direction) isUp() bool   { return d == UpLeft || d == UpRight }

// oddRow reports whether sq lies on a row whose squares occupy columns 1,3,5,7.
func oddRow(sq int) bool {
	return sq%8 >= 4
}

// Step returns the square reached by moving one step from sq in direction d.
// ok is false when the step would leave the board.
func (d Direction) Step(sq int) (next int, ok bool) {
	mustSquare(sq)
	if d.isLeft() && !oddRow(sq) && sq%4 == 0 {
		return 0, false
	}
	if !d.isLeft() && oddRow(sq) && sq%4 == 3 {
		return 0, false
	}
	next = sq + int(d)
	if oddRow(sq) {
		next++
	}
	if next < 0 || next >= BoardSize {
		return 0, false
	}
	return next, true
}
