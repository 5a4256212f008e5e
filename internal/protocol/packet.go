// Package protocol defines the datagrams exchanged between two checkers peers
// and their binary encoding.
package protocol

import (
	"fmt"

	"github.com/magefree/checkers-p2p/internal/game"
)

const (
	// SentinelSessionID marks a request from a peer that has not joined yet.
	SentinelSessionID uint16 = 0x15f4

	// MaxFrameSize is the largest datagram either peer reads or writes.
	MaxFrameSize = 1024

	// MaxUsernameLen caps usernames so every frame fits in MaxFrameSize.
	MaxUsernameLen = 64
)

// Frame discriminators.
const (
	frameRequest  byte = 0
	frameResponse byte = 1
)

// headerLen covers the frame discriminator, session id, transaction id and
// payload kind.
const headerLen = 6

// RequestKind identifies a request payload on the wire.
type RequestKind uint8

const (
	RequestPing       RequestKind = 1
	RequestConnect    RequestKind = 2
	RequestResync     RequestKind = 3
	RequestGameAction RequestKind = 4
)

func (k RequestKind) String() string {
	switch k {
	case RequestPing:
		return "PING"
	case RequestConnect:
		return "CONNECT"
	case RequestResync:
		return "RESYNC"
	case RequestGameAction:
		return "GAME_ACTION"
	default:
		return fmt.Sprintf("REQUEST(%d)", uint8(k))
	}
}

// ResponseKind identifies a response payload on the wire.
type ResponseKind uint8

const (
	ResponseError       ResponseKind = 0
	ResponsePong        ResponseKind = 1
	ResponseConnect     ResponseKind = 2
	ResponseResync      ResponseKind = 3
	ResponseAcknowledge ResponseKind = 4
)

func (k ResponseKind) String() string {
	switch k {
	case ResponseError:
		return "ERROR"
	case ResponsePong:
		return "PONG"
	case ResponseConnect:
		return "CONNECT"
	case ResponseResync:
		return "RESYNC"
	case ResponseAcknowledge:
		return "ACKNOWLEDGE"
	default:
		return fmt.Sprintf("RESPONSE(%d)", uint8(k))
	}
}

// ErrorKind is carried by an Error response.
type ErrorKind uint8

const (
	InvalidBoard ErrorKind = iota
	InvalidJoinCode
	InvalidSessionID
	FullGameSession
	WrongDirection
)

func (k ErrorKind) String() string {
	switch k {
	case InvalidBoard:
		return "INVALID_BOARD"
	case InvalidJoinCode:
		return "INVALID_JOIN_CODE"
	case InvalidSessionID:
		return "INVALID_SESSION_ID"
	case FullGameSession:
		return "FULL_GAME_SESSION"
	case WrongDirection:
		return "WRONG_DIRECTION"
	default:
		return fmt.Sprintf("ERROR_KIND(%d)", uint8(k))
	}
}

func (k ErrorKind) valid() bool {
	return k <= WrongDirection
}

// Packet is either a *Request or a *Response.
type Packet interface {
	Session() uint16
	Transaction() uint16
	isPacket()
}

// Request is a frame initiated by either peer.
type Request struct {
	SessionID     uint16
	TransactionID uint16
	Payload       RequestPayload
}

func (r *Request) Session() uint16     { return r.SessionID }
func (r *Request) Transaction() uint16 { return r.TransactionID }
func (*Request) isPacket()             {}

// Response answers the Request with the same transaction id.
type Response struct {
	SessionID     uint16
	TransactionID uint16
	Payload       ResponsePayload
}

func (r *Response) Session() uint16     { return r.SessionID }
func (r *Response) Transaction() uint16 { return r.TransactionID }
func (*Response) isPacket()             {}

// RequestPayload is implemented by every request body.
type RequestPayload interface {
	Kind() RequestKind
}

// ResponsePayload is implemented by every response body.
type ResponsePayload interface {
	Kind() ResponseKind
}

type PingRequest struct{}

func (PingRequest) Kind() RequestKind { return RequestPing }

// ConnectRequest asks the host to admit the sender into its session.
type ConnectRequest struct {
	JoinCode string
	Username string
}

func (ConnectRequest) Kind() RequestKind { return RequestConnect }

type ResyncRequest struct{}

func (ResyncRequest) Kind() RequestKind { return RequestResync }

// GameActionRequest relays one action in the sender's board orientation.
type GameActionRequest struct {
	Action game.Action
}

func (GameActionRequest) Kind() RequestKind { return RequestGameAction }

type ErrorResponse struct {
	Error ErrorKind
}

func (ErrorResponse) Kind() ResponseKind { return ResponseError }

type PongResponse struct{}

func (PongResponse) Kind() ResponseKind { return ResponsePong }

// ConnectResponse admits a client, telling it its color and the host's name.
type ConnectResponse struct {
	Color        game.Color
	HostUsername string
}

func (ConnectResponse) Kind() ResponseKind { return ResponseConnect }

// ResyncResponse carries the host's board, one packed piece per square.
type ResyncResponse struct {
	Squares [game.BoardSize]game.Piece
}

func (ResyncResponse) Kind() ResponseKind { return ResponseResync }

type AckResponse struct{}

func (AckResponse) Kind() ResponseKind { return ResponseAcknowledge }

// Reply builds a response to r carrying payload.
func (r *Request) Reply(payload ResponsePayload) *Response {
	return &Response{SessionID: r.SessionID, TransactionID: r.TransactionID, Payload: payload}
}
