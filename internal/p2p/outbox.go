package p2p

import (
	"net/netip"

	"github.com/magefree/checkers-p2p/internal/protocol"
)

// outgoing is a queued datagram. to overrides the bound peer when set.
type outgoing struct {
	packet protocol.Packet
	to     netip.AddrPort
}

// Outbox feeds the sender loop and opens a transaction for every request it
// queues.
type Outbox struct {
	queue *Queue[outgoing]
	table *TransactionTable
}

// NewOutbox creates an outbox backed by table.
func NewOutbox(table *TransactionTable) *Outbox {
	return &Outbox{queue: NewQueue[outgoing](), table: table}
}

// Enqueue queues p for the bound peer and returns its transaction id. A request
// gets a fresh id and a table entry whose result goes to cb, or to
// TransactionTable.Await when cb is nil. A response keeps the id it answers.
func (o *Outbox) Enqueue(p protocol.Packet, cb Callback) uint16 {
	if req, ok := p.(*protocol.Request); ok {
		req.TransactionID = o.table.Open(cb)
	}
	o.queue.Push(outgoing{packet: p})
	return p.Transaction()
}

// EnqueueTo queues p for an explicit address without opening a transaction.
func (o *Outbox) EnqueueTo(p protocol.Packet, to netip.AddrPort) {
	o.queue.Push(outgoing{packet: p, to: to})
}

// Resend queues an already open request again.
func (o *Outbox) Resend(req *protocol.Request) {
	o.queue.Push(outgoing{packet: req})
}

// Len returns the number of datagrams waiting to be sent.
func (o *Outbox) Len() int {
	return o.queue.Len()
}
