package history

import (
	"errors"
	"fmt"
	"sync"

	"github.com/magefree/checkers-p2p/internal/game"
)

var ErrChecksumMismatch = errors.New("history: board checksum mismatch")

// Replay steps through the positions of a recorded match. For a complete
// history position 0 is the opening board and position i follows ply i. A
// history whose oldest entries were dropped starts from the board stored with
// its first remaining entry.
type Replay struct {
	mu        sync.RWMutex
	boards    []game.Board
	entries   []Entry // entries[i] produced boards[i]; zero for the opening
	truncated bool
	cursor    int
}

// NewReplay rebuilds every position from entries recorded by the peer playing
// local, verifying each stored checksum along the way.
func NewReplay(local game.Color, entries []Entry) (*Replay, error) {
	r := &Replay{}
	board := game.NewBoard(local)
	rest := entries
	if len(entries) > 0 && entries[0].Ply != 1 {
		first := entries[0]
		board = game.Board{Squares: first.Squares, Player: local}
		if err := verify(board, first); err != nil {
			return nil, err
		}
		r.truncated = true
		rest = entries[1:]
		r.boards = append(r.boards, board)
		r.entries = append(r.entries, first)
	} else {
		r.boards = append(r.boards, board)
		r.entries = append(r.entries, Entry{})
	}

	prev := r.entries[0].Ply
	for _, e := range rest {
		if e.Ply != prev+1 {
			return nil, fmt.Errorf("history: ply %d follows ply %d", e.Ply, prev)
		}
		prev = e.Ply
		switch {
		case e.Resync:
			board = game.Board{Squares: e.Squares, Player: local}
		case e.Kind == game.ActionMovePiece:
			if !board.IsLegal(e.Color, e.Move) {
				return nil, fmt.Errorf("history: ply %d: illegal move %s", e.Ply, e.Move)
			}
			board = board.Apply(e.Move)
		}
		if err := verify(board, e); err != nil {
			return nil, err
		}
		r.boards = append(r.boards, board)
		r.entries = append(r.entries, e)
	}
	return r, nil
}

func verify(b game.Board, e Entry) error {
	if sum := b.Checksum(); sum != e.BoardChecksum {
		return fmt.Errorf("%w at ply %d: have %s, recorded %s", ErrChecksumMismatch, e.Ply, sum, e.BoardChecksum)
	}
	return nil
}

// Size returns the number of positions.
func (r *Replay) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.boards)
}

// Truncated reports whether the history started after the opening.
func (r *Replay) Truncated() bool {
	return r.truncated
}

// FirstPly returns the ply of position 0: zero for the opening.
func (r *Replay) FirstPly() int {
	return r.entries[0].Ply
}

// Start rewinds to position 0.
func (r *Replay) Start() game.Board {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cursor = 0
	return r.boards[0]
}

// Next advances one ply. ok is false at the final position.
func (r *Replay) Next() (b game.Board, ok bool) {
	return r.Skip(1)
}

// Previous steps back one ply. ok is false at position 0.
func (r *Replay) Previous() (b game.Board, ok bool) {
	return r.Skip(-1)
}

// Skip moves the cursor by n plies, clamped to the recorded range. ok is
// false when the cursor did not move.
func (r *Replay) Skip(n int) (b game.Board, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := min(max(r.cursor+n, 0), len(r.boards)-1)
	ok = next != r.cursor
	r.cursor = next
	return r.boards[r.cursor], ok
}

// At returns position i.
func (r *Replay) At(i int) (game.Board, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i < 0 || i >= len(r.boards) {
		return game.Board{}, false
	}
	return r.boards[i], true
}

// Entry returns the entry that produced position i. The opening has none.
func (r *Replay) Entry(i int) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i < 0 || i >= len(r.entries) || (i == 0 && !r.truncated) {
		return Entry{}, false
	}
	return r.entries[i], true
}
