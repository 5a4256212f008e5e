package p2p

import (
	"sync"

	"github.com/magefree/checkers-p2p/internal/game"
)

const recentWindow = 64

// recentIDs remembers the game actions delivered under the last few
// transaction ids. A retransmission carries the same id and the same action;
// it is acknowledged again without being handed to the application twice. An
// id reused for a different action is a new transaction.
type recentIDs struct {
	mu      sync.Mutex
	actions map[uint16]game.Action
	ring    [recentWindow]uint16
	next    int
	full    bool
}

func newRecentIDs() *recentIDs {
	return &recentIDs{actions: make(map[uint16]game.Action, recentWindow)}
}

// Add records a under id and reports whether it was new.
func (r *recentIDs) Add(id uint16, a game.Action) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.actions[id]; ok {
		if sameAction(prev, a) {
			return false
		}
		// Reused id: keep its ring slot, remember the new action.
		r.actions[id] = a
		return true
	}
	if r.full {
		delete(r.actions, r.ring[r.next])
	}
	r.ring[r.next] = id
	r.actions[id] = a
	r.next = (r.next + 1) % recentWindow
	if r.next == 0 {
		r.full = true
	}
	return true
}

// Seen reports whether a was already delivered under id.
func (r *recentIDs) Seen(id uint16, a game.Action) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.actions[id]
	return ok && sameAction(prev, a)
}

// Reset forgets every id.
func (r *recentIDs) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.actions)
	r.next = 0
	r.full = false
}

func sameAction(a, b game.Action) bool {
	return a.Kind == b.Kind && a.Move.Equal(b.Move)
}
