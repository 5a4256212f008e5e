package p2p

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/magefree/checkers-p2p/internal/protocol"
)

// State is the coarse connection state.
type State uint8

const (
	Disconnected State = iota
	PendingConnection
	Reconnecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case PendingConnection:
		return "PENDING_CONNECTION"
	case Reconnecting:
		return "RECONNECTING"
	case Connected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// ConnectionStatus is a snapshot of the link to the peer. Tries is set while
// Reconnecting and Ping while Connected.
type ConnectionStatus struct {
	State State
	Tries uint8
	Ping  time.Duration
}

func (s ConnectionStatus) String() string {
	switch s.State {
	case Reconnecting:
		return fmt.Sprintf("%s(tries=%d)", s.State, s.Tries)
	case Connected:
		return fmt.Sprintf("%s(ping=%s)", s.State, s.Ping)
	default:
		return s.State.String()
	}
}

// CanSend reports whether payload traffic may be queued.
func (s ConnectionStatus) CanSend() bool {
	return s.State != Disconnected
}

// Connection is the per-process record of the peer link. It is only mutated by
// the network loops; readers get copies.
type Connection struct {
	mu           sync.Mutex
	status       ConnectionStatus
	peer         netip.AddrPort
	sessionID    uint16
	joinCode     string
	peerUsername string
	lastSeen     time.Time
}

func newConnection() *Connection {
	return &Connection{sessionID: protocol.SentinelSessionID}
}

// Status returns the current status.
func (c *Connection) Status() ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// CanSend reports whether the current status allows sending.
func (c *Connection) CanSend() bool {
	return c.Status().CanSend()
}

// Peer returns the bound peer address; ok is false when none is bound.
func (c *Connection) Peer() (netip.AddrPort, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer, c.peer.IsValid()
}

// SessionID returns the current session id.
func (c *Connection) SessionID() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// JoinCode returns the code a client must present.
func (c *Connection) JoinCode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joinCode
}

// PeerUsername returns the name announced by the other side.
func (c *Connection) PeerUsername() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerUsername
}

func (c *Connection) setJoinCode(code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joinCode = code
}

// pending marks the start of a join attempt towards peer.
func (c *Connection) pending(peer netip.AddrPort) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peer = peer
	c.status = ConnectionStatus{State: PendingConnection}
}

// bind records an established session.
func (c *Connection) bind(peer netip.AddrPort, session uint16, username string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peer = peer
	c.sessionID = session
	c.peerUsername = username
	c.lastSeen = now
	c.status = ConnectionStatus{State: Connected}
}

// touch notes inbound traffic from the peer.
func (c *Connection) touch(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeen = now
}

// idleSince reports how long the bound peer has been silent. ok is false
// when no peer is bound.
func (c *Connection) idleSince(now time.Time) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.peer.IsValid() {
		return 0, false
	}
	return now.Sub(c.lastSeen), true
}

// PingSucceeded records a pong received after rtt.
func (c *Connection) PingSucceeded(rtt time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = ConnectionStatus{State: Connected, Ping: rtt}
}

// PingTimedOut records a missed pong. After budget consecutive misses the
// connection is dropped and the peer address cleared. It returns the new
// status.
func (c *Connection) PingTimedOut(budget uint8) ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.status.State {
	case Disconnected:
		return c.status
	case Reconnecting:
		c.status.Tries++
	default:
		c.status = ConnectionStatus{State: Reconnecting, Tries: 1}
	}
	if c.status.Tries >= budget {
		c.status = ConnectionStatus{State: Disconnected}
		c.peer = netip.AddrPort{}
	}
	return c.status
}

// Evict forgets the peer so that a new client can join.
func (c *Connection) Evict() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peer = netip.AddrPort{}
	c.sessionID = protocol.SentinelSessionID
	c.peerUsername = ""
	c.status = ConnectionStatus{State: Disconnected}
}

// disconnect gives up on the peer without touching the session id.
func (c *Connection) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peer = netip.AddrPort{}
	c.status = ConnectionStatus{State: Disconnected}
}
