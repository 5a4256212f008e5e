package p2p

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/magefree/checkers-p2p/internal/game"
	"github.com/magefree/checkers-p2p/internal/protocol"
)

// sendLoop drains the outbox in FIFO order.
func (n *Node) sendLoop(ctx context.Context) error {
	for {
		item, err := n.outbox.queue.Pop(ctx)
		if err != nil {
			return nil
		}
		if err := n.transmit(item); errors.Is(err, net.ErrClosed) {
			return nil
		}
	}
}

func (n *Node) transmit(item outgoing) error {
	_, isRequest := item.packet.(*protocol.Request)
	id := item.packet.Transaction()
	fail := func(err error) {
		if isRequest {
			n.table.Fail(id, err)
		}
	}

	to := item.to
	if !to.IsValid() {
		peer, ok := n.conn.Peer()
		if !ok {
			n.logger.Debug("dropping datagram, no peer bound", zap.Uint16("transaction_id", id))
			fail(ErrNoPeer)
			return nil
		}
		to = peer
	}

	data, err := protocol.Encode(item.packet)
	if err != nil {
		n.logger.Error("failed to encode packet", zap.Uint16("transaction_id", id), zap.Error(err))
		fail(err)
		return nil
	}
	if _, err := n.sock.WriteToUDPAddrPort(data, to); err != nil {
		n.logger.Warn("send failed",
			zap.Stringer("peer", to),
			zap.Uint16("transaction_id", id),
			zap.Error(err),
		)
		fail(err)
		return err
	}
	return nil
}

// receiveLoop reads datagrams until the socket closes. The read deadline wakes
// the loop every RequestTimeout so tick can run without traffic.
func (n *Node) receiveLoop(ctx context.Context, handle func(netip.AddrPort, protocol.Packet), tick func(time.Time)) error {
	buf := make([]byte, protocol.MaxFrameSize)
	for ctx.Err() == nil {
		if err := n.sock.SetReadDeadline(time.Now().Add(n.opts.RequestTimeout)); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			n.logger.Warn("failed to set read deadline", zap.Error(err))
		}
		size, from, err := n.sock.ReadFromUDPAddrPort(buf)
		if tick != nil {
			tick(time.Now())
		}
		if err != nil {
			switch {
			case errors.Is(err, net.ErrClosed):
				return nil
			case errors.Is(err, os.ErrDeadlineExceeded):
			default:
				n.logger.Warn("receive failed", zap.Error(err))
			}
			continue
		}

		pkt, err := protocol.Decode(buf[:size])
		if err != nil {
			n.logger.Debug("dropping undecodable datagram",
				zap.Stringer("from", from),
				zap.Int("size", size),
				zap.Error(err),
			)
			continue
		}
		handle(netip.AddrPortFrom(from.Addr().Unmap(), from.Port()), pkt)
	}
	return nil
}

func (n *Node) reply(req *protocol.Request, payload protocol.ResponsePayload, to netip.AddrPort) {
	n.outbox.EnqueueTo(req.Reply(payload), to)
}

func (n *Node) replyError(req *protocol.Request, kind protocol.ErrorKind, to netip.AddrPort) {
	n.logger.Debug("rejecting request",
		zap.Stringer("from", to),
		zap.Stringer("kind", req.Payload.Kind()),
		zap.Uint16("transaction_id", req.TransactionID),
		zap.Stringer("error", kind),
	)
	n.reply(req, protocol.ErrorResponse{Error: kind}, to)
}

// acceptAction queues a game action for the application unless the same
// action was already delivered under this transaction id, and acknowledges it
// either way.
func (n *Node) acceptAction(req *protocol.Request, pl protocol.GameActionRequest, from netip.AddrPort) {
	if n.seen.Add(req.TransactionID, pl.Action) {
		n.inbound.Push(pl.Action.Mirror())
		n.logger.Debug("game action received",
			zap.Uint16("transaction_id", req.TransactionID),
			zap.Stringer("kind", pl.Action.Kind),
		)
	} else {
		n.logger.Debug("duplicate game action acknowledged again", zap.Uint16("transaction_id", req.TransactionID))
	}
	n.reply(req, protocol.AckResponse{}, from)
}

// handleAsHost dispatches one datagram on the hosting side.
func (n *Node) handleAsHost(from netip.AddrPort, pkt protocol.Packet) {
	if req, ok := pkt.(*protocol.Request); ok {
		if c, isConnect := req.Payload.(protocol.ConnectRequest); isConnect {
			n.hostConnect(from, req, c)
			return
		}
	}

	peer, bound := n.conn.Peer()
	if !bound || from != peer {
		n.logger.Debug("dropping datagram from unknown peer", zap.Stringer("from", from))
		return
	}
	n.conn.touch(time.Now())

	switch p := pkt.(type) {
	case *protocol.Response:
		n.table.Record(p.TransactionID, p)
	case *protocol.Request:
		if p.SessionID != n.conn.SessionID() {
			n.replyError(p, protocol.InvalidSessionID, from)
			return
		}
		switch pl := p.Payload.(type) {
		case protocol.PingRequest:
			n.reply(p, protocol.PongResponse{}, from)
		case protocol.ResyncRequest:
			n.mu.Lock()
			snapshot := n.snapshot
			n.mu.Unlock()
			var resp protocol.ResyncResponse
			if snapshot != nil {
				resp.Squares = snapshot()
			}
			n.reply(p, resp, from)
		case protocol.GameActionRequest:
			n.hostGameAction(from, p, pl)
		}
	}
}

func (n *Node) hostConnect(from netip.AddrPort, req *protocol.Request, c protocol.ConnectRequest) {
	peer, bound := n.conn.Peer()
	if bound && from != peer {
		n.replyError(req, protocol.FullGameSession, from)
		return
	}
	if c.JoinCode != n.conn.JoinCode() {
		n.replyError(req, protocol.InvalidJoinCode, from)
		return
	}

	n.mu.Lock()
	hostName := n.username
	n.mu.Unlock()
	accept := protocol.ConnectResponse{Color: game.Dark, HostUsername: hostName}

	if bound {
		// The client missed our reply and asked again.
		n.conn.touch(time.Now())
		resp := req.Reply(accept)
		resp.SessionID = n.conn.SessionID()
		n.outbox.EnqueueTo(resp, from)
		return
	}
	if req.SessionID != protocol.SentinelSessionID {
		n.replyError(req, protocol.InvalidSessionID, from)
		return
	}

	session := randomUint16()
	for session == protocol.SentinelSessionID {
		session = randomUint16()
	}
	n.seen.Reset()
	n.conn.bind(from, session, c.Username, time.Now())
	resp := req.Reply(accept)
	resp.SessionID = session
	n.outbox.EnqueueTo(resp, from)
	n.logger.Info("player joined",
		zap.Stringer("peer", from),
		zap.String("username", c.Username),
		zap.Uint16("session_id", session),
	)
}

func (n *Node) hostGameAction(from netip.AddrPort, req *protocol.Request, pl protocol.GameActionRequest) {
	if !n.seen.Seen(req.TransactionID, pl.Action) {
		n.mu.Lock()
		validate := n.validator
		n.mu.Unlock()
		if validate != nil && !validate(pl.Action.Mirror()) {
			n.replyError(req, protocol.InvalidBoard, from)
			return
		}
	}
	n.acceptAction(req, pl, from)
}

// checkIdle evicts a peer that has been silent for DisconnectAfter.
func (n *Node) checkIdle(now time.Time) {
	idle, bound := n.conn.idleSince(now)
	if !bound || idle < n.opts.DisconnectAfter {
		return
	}
	peer, _ := n.conn.Peer()
	n.conn.Evict()
	n.seen.Reset()
	n.logger.Warn("peer timed out, session closed",
		zap.Stringer("peer", peer),
		zap.Duration("idle", idle),
	)
}

// handleAsClient dispatches one datagram on the joining side.
func (n *Node) handleAsClient(from netip.AddrPort, pkt protocol.Packet) {
	peer, ok := n.conn.Peer()
	if !ok || from != peer {
		n.logger.Debug("dropping datagram from unknown peer", zap.Stringer("from", from))
		return
	}

	switch p := pkt.(type) {
	case *protocol.Response:
		n.table.Record(p.TransactionID, p)
	case *protocol.Request:
		if p.SessionID != n.conn.SessionID() {
			n.replyError(p, protocol.InvalidSessionID, from)
			return
		}
		switch pl := p.Payload.(type) {
		case protocol.PingRequest:
			n.reply(p, protocol.PongResponse{}, from)
		case protocol.GameActionRequest:
			n.acceptAction(p, pl, from)
		default:
			n.replyError(p, protocol.WrongDirection, from)
		}
	}
}

// pingLoop keeps the client's view of the link current.
func (n *Node) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Second / time.Duration(n.opts.PingsPerSecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		switch n.conn.Status().State {
		case Connected, Reconnecting:
		default:
			continue
		}
		n.ping(ctx)
	}
}

func (n *Node) ping(ctx context.Context) {
	req := &protocol.Request{SessionID: n.conn.SessionID(), Payload: protocol.PingRequest{}}
	id := n.outbox.Enqueue(req, nil)
	sent := time.Now()

	waitCtx, cancel := context.WithTimeout(ctx, n.opts.RequestTimeout)
	resp, err := n.table.Await(waitCtx, id)
	cancel()
	if ctx.Err() != nil {
		n.table.Forget(id)
		return
	}
	if err == nil {
		if _, ok := resp.Payload.(protocol.PongResponse); ok {
			n.conn.PingSucceeded(time.Since(sent))
			return
		}
	}
	n.table.Forget(id)

	status := n.conn.PingTimedOut(n.opts.ReconnectTries)
	if status.State == Disconnected {
		n.logger.Warn("host unreachable, giving up", zap.Uint8("tries", n.opts.ReconnectTries))
		return
	}
	n.logger.Debug("ping missed", zap.Stringer("status", status), zap.Error(err))
}

// join runs the Connect handshake.
func (n *Node) join(ctx context.Context, peer netip.AddrPort, joinCode, username string) (JoinResult, error) {
	resp, err := n.roundTrip(ctx, protocol.ConnectRequest{JoinCode: joinCode, Username: username}, n.opts.JoinAttempts)
	if err != nil {
		n.conn.disconnect()
		if errors.Is(err, ErrAckTimeout) {
			return JoinResult{}, ErrJoinTimeout
		}
		return JoinResult{}, err
	}

	switch pl := resp.Payload.(type) {
	case protocol.ConnectResponse:
		n.conn.bind(peer, resp.SessionID, pl.HostUsername, time.Now())
		n.logger.Info("joined game",
			zap.Stringer("host", peer),
			zap.String("host_username", pl.HostUsername),
			zap.Stringer("color", pl.Color),
			zap.Uint16("session_id", resp.SessionID),
		)
		return JoinResult{Color: pl.Color, HostUsername: pl.HostUsername, SessionID: resp.SessionID}, nil
	case protocol.ErrorResponse:
		n.conn.disconnect()
		return JoinResult{}, &ProtocolError{Kind: pl.Error}
	default:
		n.conn.disconnect()
		return JoinResult{}, &ProtocolError{Kind: protocol.WrongDirection}
	}
}
