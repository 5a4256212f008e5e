package p2p

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"sync"

	"github.com/magefree/checkers-p2p/internal/protocol"
)

// ErrUnknownTransaction is returned when waiting on an id that is not open.
var ErrUnknownTransaction = errors.New("p2p: unknown transaction")

// Result is the outcome of one request: the peer's response or a local
// failure such as a send error.
type Result struct {
	Response *protocol.Response
	Err      error
}

// Callback receives the result of a request registered with one.
type Callback func(Result)

type pending struct {
	done     chan Result
	callback Callback
	resolved bool
}

// retiredWindow is how many closed ids stay out of circulation. It covers the
// peer's duplicate window.
const retiredWindow = 2 * recentWindow

// TransactionTable matches responses to the requests that are still open.
// Every entry resolves at most once; later responses for the same id are
// dropped.
type TransactionTable struct {
	mu      sync.Mutex
	entries map[uint16]*pending

	retired     map[uint16]struct{}
	retiredRing [retiredWindow]uint16
	retiredNext int
	retiredFull bool
}

// NewTransactionTable creates an empty table.
func NewTransactionTable() *TransactionTable {
	return &TransactionTable{
		entries: make(map[uint16]*pending),
		retired: make(map[uint16]struct{}, retiredWindow),
	}
}

// NewID draws a random id that is neither open nor recently closed.
func (t *TransactionTable) NewID() uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.freeIDLocked()
}

// Open allocates a fresh id and registers it in one step.
func (t *TransactionTable) Open(cb Callback) uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.freeIDLocked()
	t.entries[id] = &pending{done: make(chan Result, 1), callback: cb}
	return id
}

// Register opens id. A callback, when given, receives the result instead of
// Await. Registering an id that is already open replaces the entry.
func (t *TransactionTable) Register(id uint16, cb Callback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[id] = &pending{done: make(chan Result, 1), callback: cb}
}

// Record delivers resp to the transaction it answers. It reports whether the
// response was accepted.
func (t *TransactionTable) Record(id uint16, resp *protocol.Response) bool {
	return t.resolve(id, Result{Response: resp})
}

// Fail resolves id with err.
func (t *TransactionTable) Fail(id uint16, err error) bool {
	return t.resolve(id, Result{Err: err})
}

func (t *TransactionTable) resolve(id uint16, res Result) bool {
	t.mu.Lock()
	p, ok := t.entries[id]
	if !ok || p.resolved {
		t.mu.Unlock()
		return false
	}
	p.resolved = true
	if p.callback != nil {
		delete(t.entries, id)
		t.retireLocked(id)
		t.mu.Unlock()
		p.callback(res)
		return true
	}
	p.done <- res
	t.mu.Unlock()
	return true
}

// Await blocks until id resolves or ctx ends. A resolved entry is removed. When
// ctx ends first the entry stays open so the caller can retransmit and wait
// again, or Forget it.
func (t *TransactionTable) Await(ctx context.Context, id uint16) (*protocol.Response, error) {
	t.mu.Lock()
	p, ok := t.entries[id]
	t.mu.Unlock()
	if !ok {
		return nil, ErrUnknownTransaction
	}

	select {
	case res := <-p.done:
		t.remove(id, p)
		return res.Response, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Has returns the result for id if one has arrived, consuming it.
func (t *TransactionTable) Has(id uint16) (Result, bool) {
	t.mu.Lock()
	p, ok := t.entries[id]
	t.mu.Unlock()
	if !ok {
		return Result{}, false
	}
	select {
	case res := <-p.done:
		t.remove(id, p)
		return res, true
	default:
		return Result{}, false
	}
}

// IsOpen reports whether id is still registered.
func (t *TransactionTable) IsOpen(id uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[id]
	return ok
}

// Forget drops id without resolving it.
func (t *TransactionTable) Forget(id uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[id]; ok {
		delete(t.entries, id)
		t.retireLocked(id)
	}
}

// Len returns the number of open transactions.
func (t *TransactionTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *TransactionTable) remove(id uint16, p *pending) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entries[id] == p {
		delete(t.entries, id)
		t.retireLocked(id)
	}
}

// IsRetired reports whether id was closed recently and will not be reissued.
func (t *TransactionTable) IsRetired(id uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.retired[id]
	return ok
}

func (t *TransactionTable) retireLocked(id uint16) {
	if _, ok := t.retired[id]; ok {
		return
	}
	if t.retiredFull {
		delete(t.retired, t.retiredRing[t.retiredNext])
	}
	t.retiredRing[t.retiredNext] = id
	t.retired[id] = struct{}{}
	t.retiredNext = (t.retiredNext + 1) % retiredWindow
	if t.retiredNext == 0 {
		t.retiredFull = true
	}
}

func (t *TransactionTable) freeIDLocked() uint16 {
	for {
		id := randomUint16()
		if _, taken := t.entries[id]; taken {
			continue
		}
		if _, recent := t.retired[id]; recent {
			continue
		}
		return id
	}
}

func randomUint16() uint16 {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("p2p: crypto/rand unavailable: " + err.Error())
	}
	return binary.BigEndian.Uint16(b[:])
}
