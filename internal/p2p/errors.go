package p2p

import (
	"errors"
	"fmt"

	"github.com/magefree/checkers-p2p/internal/protocol"
)

var (
	ErrDisconnected     = errors.New("p2p: not connected to a peer")
	ErrJoinTimeout      = errors.New("p2p: host did not answer the join request")
	ErrAckTimeout       = errors.New("p2p: peer did not acknowledge the request")
	ErrNotStarted       = errors.New("p2p: node not started")
	ErrAlreadyStarted   = errors.New("p2p: node already started")
	ErrWrongRole        = errors.New("p2p: operation not available in this role")
	ErrNoPeer           = errors.New("p2p: no peer bound")
	ErrUsernameTooLong  = fmt.Errorf("p2p: username longer than %d bytes", protocol.MaxUsernameLen)
	ErrNoPortsAvailable = errors.New("p2p: no free port in range")
)

// ProtocolError is an Error response received from the peer.
type ProtocolError struct {
	Kind protocol.ErrorKind
}

func (e *ProtocolError) Error() string {
	return "p2p: peer replied " + e.Kind.String()
}

// responseError converts a request result into the error seen by callers: nil
// for a successful response, *ProtocolError for an Error response.
func responseError(res Result) error {
	if res.Err != nil {
		return res.Err
	}
	if res.Response == nil {
		return ErrAckTimeout
	}
	if e, ok := res.Response.Payload.(protocol.ErrorResponse); ok {
		return &ProtocolError{Kind: e.Error}
	}
	return nil
}
