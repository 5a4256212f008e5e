// Package p2p runs the host and client sides of a two-player session over UDP.
package p2p

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/magefree/checkers-p2p/internal/game"
	"github.com/magefree/checkers-p2p/internal/protocol"
)

// Options tunes the network loops.
type Options struct {
	// BindIP is the local address to listen on; the zero value binds all IPv4
	// interfaces.
	BindIP netip.Addr
	// AdvertiseIP goes into the host's join code; detected when zero.
	AdvertiseIP netip.Addr
	// PortRangeStart..PortRangeEnd is scanned for a free port. A zero start
	// picks an ephemeral port.
	PortRangeStart uint16
	PortRangeEnd   uint16

	PingsPerSecond  int
	RequestTimeout  time.Duration
	DisconnectAfter time.Duration
	ReconnectTries  uint8
	JoinAttempts    int
	ActionRetries   int
}

// DefaultOptions returns the settings used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		PortRangeStart:  6000,
		PortRangeEnd:    7000,
		PingsPerSecond:  10,
		RequestTimeout:  500 * time.Millisecond,
		DisconnectAfter: 5 * time.Second,
		ReconnectTries:  10,
		JoinAttempts:    10,
		ActionRetries:   5,
	}
}

// Role is the side a node plays.
type Role uint8

const (
	RoleNone Role = iota
	RoleHost
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "HOST"
	case RoleClient:
		return "CLIENT"
	default:
		return "NONE"
	}
}

// Validator decides whether the host accepts an inbound game action. The action
// is already in the host's orientation.
type Validator func(game.Action) bool

// SnapshotFunc returns the host's board for a Resync request.
type SnapshotFunc func() [game.BoardSize]game.Piece

// JoinResult describes the session a client joined.
type JoinResult struct {
	Color        game.Color
	HostUsername string
	SessionID    uint16
}

// Node is one peer. It is created idle and started exactly once as either host
// or client.
type Node struct {
	opts   Options
	logger *zap.Logger

	conn    *Connection
	table   *TransactionTable
	outbox  *Outbox
	inbound *Queue[game.Action]
	seen    *recentIDs

	mu        sync.Mutex
	role      Role
	username  string
	validator Validator
	snapshot  SnapshotFunc
	sock      *net.UDPConn
	cancel    context.CancelFunc
	group     *errgroup.Group
	closeOnce sync.Once
}

// NewNode creates an idle node.
func NewNode(opts Options, logger *zap.Logger) *Node {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultOptions()
	if opts.PingsPerSecond <= 0 {
		opts.PingsPerSecond = def.PingsPerSecond
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = def.RequestTimeout
	}
	if opts.DisconnectAfter <= 0 {
		opts.DisconnectAfter = def.DisconnectAfter
	}
	if opts.ReconnectTries == 0 {
		opts.ReconnectTries = def.ReconnectTries
	}
	if opts.JoinAttempts <= 0 {
		opts.JoinAttempts = def.JoinAttempts
	}
	if opts.ActionRetries < 0 {
		opts.ActionRetries = 0
	}
	table := NewTransactionTable()
	return &Node{
		opts:    opts,
		logger:  logger,
		conn:    newConnection(),
		table:   table,
		outbox:  NewOutbox(table),
		inbound: NewQueue[game.Action](),
		seen:    newRecentIDs(),
	}
}

// SetValidator installs the host's check for inbound game actions.
func (n *Node) SetValidator(v Validator) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.validator = v
}

// SetSnapshotSource installs the board source answering Resync requests.
func (n *Node) SetSnapshotSource(f SnapshotFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.snapshot = f
}

// Role returns the side this node plays.
func (n *Node) Role() Role {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role
}

// Status returns the connection status.
func (n *Node) Status() ConnectionStatus {
	return n.conn.Status()
}

// PeerUsername returns the other player's name once joined.
func (n *Node) PeerUsername() string {
	return n.conn.PeerUsername()
}

// LocalAddr returns the bound socket address.
func (n *Node) LocalAddr() netip.AddrPort {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sock == nil {
		return netip.AddrPort{}
	}
	return localAddrPort(n.sock)
}

func localAddrPort(sock *net.UDPConn) netip.AddrPort {
	addr := sock.LocalAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
}

// StartAsHost binds a socket, starts the host loops and returns the join code
// to share with the other player. The loops run until Close.
func (n *Node) StartAsHost(ctx context.Context, username string) (string, error) {
	if len(username) > protocol.MaxUsernameLen {
		return "", ErrUsernameTooLong
	}
	if err := n.claim(RoleHost, username); err != nil {
		return "", err
	}
	sock, err := n.bind()
	if err != nil {
		return "", err
	}

	local := localAddrPort(sock)
	advertise := n.advertiseIP(local.Addr())
	code, err := protocol.EncodeJoinCode(netip.AddrPortFrom(advertise, local.Port()))
	if err != nil {
		sock.Close()
		return "", err
	}
	n.conn.setJoinCode(code)

	n.start(ctx, sock, func(ctx context.Context, g *errgroup.Group) {
		g.Go(func() error { return n.sendLoop(ctx) })
		g.Go(func() error { return n.receiveLoop(ctx, n.handleAsHost, n.checkIdle) })
	})
	n.logger.Info("hosting game",
		zap.Stringer("local_addr", local),
		zap.String("join_code", code),
		zap.String("username", username),
	)
	return code, nil
}

// StartAsClient binds a socket, starts the client loops and joins the host
// named by joinCode. On failure the loops keep running until Close.
func (n *Node) StartAsClient(ctx context.Context, joinCode, username string) (JoinResult, error) {
	if len(username) > protocol.MaxUsernameLen {
		return JoinResult{}, ErrUsernameTooLong
	}
	peer, err := protocol.DecodeJoinCode(joinCode)
	if err != nil {
		return JoinResult{}, err
	}
	if err := n.claim(RoleClient, username); err != nil {
		return JoinResult{}, err
	}
	sock, err := n.bind()
	if err != nil {
		return JoinResult{}, err
	}
	n.conn.setJoinCode(joinCode)
	n.conn.pending(peer)

	n.start(ctx, sock, func(ctx context.Context, g *errgroup.Group) {
		g.Go(func() error { return n.pingLoop(ctx) })
		g.Go(func() error { return n.sendLoop(ctx) })
		g.Go(func() error { return n.receiveLoop(ctx, n.handleAsClient, nil) })
	})
	n.logger.Info("joining game",
		zap.Stringer("local_addr", sock.LocalAddr()),
		zap.Stringer("host_addr", peer),
		zap.String("username", username),
	)
	return n.join(ctx, peer, joinCode, username)
}

// SendGameAction queues action for the peer. onAck, when not nil, receives nil
// once the peer acknowledges, a *ProtocolError when it rejects the action, or
// the transport error when sending fails.
func (n *Node) SendGameAction(action game.Action, onAck func(error)) (uint16, error) {
	if n.Role() == RoleNone {
		return 0, ErrNotStarted
	}
	if !n.conn.CanSend() {
		return 0, ErrDisconnected
	}
	req := &protocol.Request{
		SessionID: n.conn.SessionID(),
		Payload:   protocol.GameActionRequest{Action: action},
	}
	id := n.outbox.Enqueue(req, func(res Result) {
		if onAck != nil {
			onAck(responseError(res))
		}
	})
	n.logger.Debug("game action queued",
		zap.Uint16("transaction_id", id),
		zap.Stringer("kind", action.Kind),
	)
	return id, nil
}

// SendGameActionWait sends action and waits for the acknowledgment,
// retransmitting the same transaction when the peer stays silent.
func (n *Node) SendGameActionWait(ctx context.Context, action game.Action) error {
	if n.Role() == RoleNone {
		return ErrNotStarted
	}
	if !n.conn.CanSend() {
		return ErrDisconnected
	}
	resp, err := n.roundTrip(ctx, protocol.GameActionRequest{Action: action}, 1+n.opts.ActionRetries)
	if err != nil {
		return err
	}
	return responseError(Result{Response: resp})
}

// RequestResync fetches the host's board. The squares are in the host's
// orientation.
func (n *Node) RequestResync(ctx context.Context) ([game.BoardSize]game.Piece, error) {
	var empty [game.BoardSize]game.Piece
	if n.Role() != RoleClient {
		return empty, ErrWrongRole
	}
	if !n.conn.CanSend() {
		return empty, ErrDisconnected
	}
	resp, err := n.roundTrip(ctx, protocol.ResyncRequest{}, 1+n.opts.ActionRetries)
	if err != nil {
		return empty, err
	}
	switch pl := resp.Payload.(type) {
	case protocol.ResyncResponse:
		return pl.Squares, nil
	case protocol.ErrorResponse:
		return empty, &ProtocolError{Kind: pl.Error}
	default:
		return empty, fmt.Errorf("p2p: unexpected %s response to resync", pl.Kind())
	}
}

// PollIncomingGameAction returns the oldest received action without blocking.
// Moves are already mirrored into the local orientation.
func (n *Node) PollIncomingGameAction() (game.Action, bool) {
	return n.inbound.TryPop()
}

// NextGameAction blocks until the peer sends an action or ctx ends.
func (n *Node) NextGameAction(ctx context.Context) (game.Action, error) {
	return n.inbound.Pop(ctx)
}

// Close stops the loops and releases the socket.
func (n *Node) Close() error {
	var err error
	n.closeOnce.Do(func() {
		n.mu.Lock()
		cancel, sock, group := n.cancel, n.sock, n.group
		n.mu.Unlock()
		if cancel == nil {
			return
		}
		cancel()
		sock.Close()
		if werr := group.Wait(); werr != nil && !errors.Is(werr, context.Canceled) {
			err = werr
		}
		n.logger.Info("node stopped", zap.Stringer("role", n.Role()))
	})
	return err
}

func (n *Node) claim(role Role, username string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != RoleNone {
		return ErrAlreadyStarted
	}
	n.role = role
	n.username = username
	return nil
}

func (n *Node) start(ctx context.Context, sock *net.UDPConn, tasks func(context.Context, *errgroup.Group)) {
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(loopCtx)
	n.mu.Lock()
	n.sock = sock
	n.cancel = cancel
	n.group = g
	n.mu.Unlock()
	tasks(gctx, g)
}

// bind opens a UDP socket on the first free port of the configured range.
func (n *Node) bind() (*net.UDPConn, error) {
	ip := n.opts.BindIP
	if !ip.IsValid() {
		ip = netip.IPv4Unspecified()
	}
	if n.opts.PortRangeStart == 0 {
		sock, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(netip.AddrPortFrom(ip, 0)))
		if err != nil {
			return nil, fmt.Errorf("p2p: bind %s: %w", ip, err)
		}
		return sock, nil
	}
	end := max(n.opts.PortRangeEnd, n.opts.PortRangeStart)
	for port := int(n.opts.PortRangeStart); port <= int(end); port++ {
		sock, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(netip.AddrPortFrom(ip, uint16(port))))
		if err == nil {
			return sock, nil
		}
		n.logger.Debug("port unavailable", zap.Int("port", port), zap.Error(err))
	}
	return nil, fmt.Errorf("%w: %d-%d", ErrNoPortsAvailable, n.opts.PortRangeStart, end)
}

// advertiseIP picks the address other players should use to reach this host.
func (n *Node) advertiseIP(bound netip.Addr) netip.Addr {
	if n.opts.AdvertiseIP.IsValid() {
		return n.opts.AdvertiseIP
	}
	if bound.IsValid() && !bound.IsUnspecified() {
		return bound.Unmap()
	}
	// Connecting a UDP socket sends nothing; it only selects the outbound
	// interface.
	conn, err := net.Dial("udp4", "192.0.2.1:9")
	if err != nil {
		n.logger.Warn("could not detect outbound address, advertising loopback", zap.Error(err))
		return netip.AddrFrom4([4]byte{127, 0, 0, 1})
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).AddrPort().Addr().Unmap()
}

// roundTrip sends one request and waits for its response, retransmitting the
// same transaction up to attempts times.
func (n *Node) roundTrip(ctx context.Context, payload protocol.RequestPayload, attempts int) (*protocol.Response, error) {
	req := &protocol.Request{SessionID: n.conn.SessionID(), Payload: payload}
	id := n.outbox.Enqueue(req, nil)
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			n.logger.Debug("retransmitting request",
				zap.Uint16("transaction_id", id),
				zap.Stringer("kind", payload.Kind()),
				zap.Int("attempt", attempt),
			)
			n.outbox.Resend(req)
		}
		attemptCtx, cancel := context.WithTimeout(ctx, n.opts.RequestTimeout)
		resp, err := n.table.Await(attemptCtx, id)
		cancel()
		switch {
		case err == nil:
			return resp, nil
		case ctx.Err() != nil:
			n.table.Forget(id)
			return nil, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			continue
		default:
			return nil, err
		}
	}
	n.table.Forget(id)
	return nil, ErrAckTimeout
}
