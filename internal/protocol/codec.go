package protocol

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"github.com/magefree/checkers-p2p/internal/game"
)

// Encode serializes p into a single datagram. It fails for values Decode could
// not give back unchanged: unknown payloads, out-of-range squares, invalid
// colors or pieces, non-UTF-8 strings, join codes longer than 255 bytes and
// frames above MaxFrameSize.
func Encode(p Packet) ([]byte, error) {
	buf := make([]byte, headerLen, 64)
	binary.BigEndian.PutUint16(buf[1:3], p.Session())
	binary.BigEndian.PutUint16(buf[3:5], p.Transaction())

	var err error
	switch pkt := p.(type) {
	case *Request:
		buf[0] = frameRequest
		buf, err = encodeRequest(buf, pkt.Payload)
	case *Response:
		buf[0] = frameResponse
		buf, err = encodeResponse(buf, pkt.Payload)
	default:
		return nil, fmt.Errorf("encode %T: %w", p, ErrUnknownKind)
	}
	if err != nil {
		return nil, err
	}
	if len(buf) > MaxFrameSize {
		return nil, fmt.Errorf("encode: frame of %d bytes exceeds %d: %w", len(buf), MaxFrameSize, ErrMalformed)
	}
	return buf, nil
}

func encodeRequest(buf []byte, payload RequestPayload) ([]byte, error) {
	if payload == nil {
		return nil, fmt.Errorf("encode request: nil payload: %w", ErrUnknownKind)
	}
	buf[5] = byte(payload.Kind())
	switch pl := payload.(type) {
	case PingRequest, ResyncRequest:
		return buf, nil
	case ConnectRequest:
		if len(pl.JoinCode) > 0xff {
			return nil, fmt.Errorf("encode connect: join code of %d bytes: %w", len(pl.JoinCode), ErrMalformed)
		}
		if err := checkText("join code", pl.JoinCode); err != nil {
			return nil, err
		}
		if err := checkText("username", pl.Username); err != nil {
			return nil, err
		}
		buf = append(buf, byte(len(pl.JoinCode)))
		buf = append(buf, pl.JoinCode...)
		return append(buf, pl.Username...), nil
	case GameActionRequest:
		return encodeAction(buf, pl.Action)
	default:
		return nil, fmt.Errorf("encode request %T: %w", payload, ErrUnknownKind)
	}
}

func encodeResponse(buf []byte, payload ResponsePayload) ([]byte, error) {
	if payload == nil {
		return nil, fmt.Errorf("encode response: nil payload: %w", ErrUnknownKind)
	}
	buf[5] = byte(payload.Kind())
	switch pl := payload.(type) {
	case PongResponse, AckResponse:
		return buf, nil
	case ErrorResponse:
		if !pl.Error.valid() {
			return nil, fmt.Errorf("encode error response %s: %w", pl.Error, ErrUnknownKind)
		}
		return append(buf, byte(pl.Error)), nil
	case ConnectResponse:
		if !pl.Color.Valid() {
			return nil, fmt.Errorf("encode connect response: color %d: %w", pl.Color, ErrMalformed)
		}
		if err := checkText("host username", pl.HostUsername); err != nil {
			return nil, err
		}
		buf = append(buf, byte(pl.Color))
		return append(buf, pl.HostUsername...), nil
	case ResyncResponse:
		for i, piece := range pl.Squares {
			if piece != game.Empty && (!piece.Active || !piece.Color.Valid()) {
				return nil, fmt.Errorf("encode resync: square %d holds %+v: %w", i, piece, ErrMalformed)
			}
			buf = append(buf, piece.Pack())
		}
		return buf, nil
	default:
		return nil, fmt.Errorf("encode response %T: %w", payload, ErrUnknownKind)
	}
}

func encodeAction(buf []byte, a game.Action) ([]byte, error) {
	buf = append(buf, byte(a.Kind))
	switch a.Kind {
	case game.ActionStalemate, game.ActionSurrender:
		if !a.Move.Equal(game.Move{}) {
			return nil, fmt.Errorf("encode action %s: carries move %s: %w", a.Kind, a.Move, ErrMalformed)
		}
		return buf, nil
	case game.ActionMovePiece:
	default:
		return nil, fmt.Errorf("encode action %s: %w", a.Kind, ErrUnknownKind)
	}

	m := a.Move
	if err := checkSquare(m.Index); err != nil {
		return nil, err
	}
	if err := checkSquare(m.End); err != nil {
		return nil, err
	}
	buf = append(buf, byte(m.Index), byte(m.End), boolByte(m.Promoted))
	for _, sq := range m.Captured {
		if err := checkSquare(sq); err != nil {
			return nil, err
		}
		buf = append(buf, byte(sq))
	}
	return buf, nil
}

// Decode parses a datagram produced by Encode.
func Decode(data []byte) (Packet, error) {
	if len(data) < headerLen {
		return nil, fmt.Errorf("decode header: %d bytes: %w", len(data), ErrTooShort)
	}
	session := binary.BigEndian.Uint16(data[1:3])
	tx := binary.BigEndian.Uint16(data[3:5])
	kind, body := data[5], data[headerLen:]

	switch data[0] {
	case frameRequest:
		payload, err := decodeRequest(RequestKind(kind), body)
		if err != nil {
			return nil, err
		}
		return &Request{SessionID: session, TransactionID: tx, Payload: payload}, nil
	case frameResponse:
		payload, err := decodeResponse(ResponseKind(kind), body)
		if err != nil {
			return nil, err
		}
		return &Response{SessionID: session, TransactionID: tx, Payload: payload}, nil
	default:
		return nil, fmt.Errorf("decode frame discriminator %d: %w", data[0], ErrUnknownKind)
	}
}

func decodeRequest(kind RequestKind, body []byte) (RequestPayload, error) {
	switch kind {
	case RequestPing:
		return PingRequest{}, expectEmpty(kind, body)
	case RequestResync:
		return ResyncRequest{}, expectEmpty(kind, body)
	case RequestConnect:
		if len(body) < 1 {
			return nil, fmt.Errorf("decode %s: missing join code length: %w", kind, ErrTooShort)
		}
		n := int(body[0])
		if len(body) < 1+n {
			return nil, fmt.Errorf("decode %s: join code needs %d bytes, have %d: %w", kind, n, len(body)-1, ErrTooShort)
		}
		code, name := body[1:1+n], body[1+n:]
		if !utf8.Valid(code) || !utf8.Valid(name) {
			return nil, fmt.Errorf("decode %s: invalid utf-8: %w", kind, ErrMalformed)
		}
		return ConnectRequest{JoinCode: string(code), Username: string(name)}, nil
	case RequestGameAction:
		action, err := decodeAction(body)
		if err != nil {
			return nil, err
		}
		return GameActionRequest{Action: action}, nil
	default:
		return nil, fmt.Errorf("decode request kind %d: %w", uint8(kind), ErrUnknownKind)
	}
}

func decodeResponse(kind ResponseKind, body []byte) (ResponsePayload, error) {
	switch kind {
	case ResponsePong:
		return PongResponse{}, expectEmpty(kind, body)
	case ResponseAcknowledge:
		return AckResponse{}, expectEmpty(kind, body)
	case ResponseError:
		if len(body) < 1 {
			return nil, fmt.Errorf("decode %s: missing error kind: %w", kind, ErrTooShort)
		}
		ek := ErrorKind(body[0])
		if !ek.valid() {
			return nil, fmt.Errorf("decode %s: error kind %d: %w", kind, body[0], ErrUnknownKind)
		}
		if err := expectEmpty(kind, body[1:]); err != nil {
			return nil, err
		}
		return ErrorResponse{Error: ek}, nil
	case ResponseConnect:
		if len(body) < 1 {
			return nil, fmt.Errorf("decode %s: missing color: %w", kind, ErrTooShort)
		}
		c := game.Color(body[0])
		if !c.Valid() {
			return nil, fmt.Errorf("decode %s: color %d: %w", kind, body[0], ErrMalformed)
		}
		if !utf8.Valid(body[1:]) {
			return nil, fmt.Errorf("decode %s: invalid utf-8: %w", kind, ErrMalformed)
		}
		return ConnectResponse{Color: c, HostUsername: string(body[1:])}, nil
	case ResponseResync:
		if len(body) < game.BoardSize {
			return nil, fmt.Errorf("decode %s: %d squares: %w", kind, len(body), ErrTooShort)
		}
		if len(body) > game.BoardSize {
			return nil, fmt.Errorf("decode %s: %d squares: %w", kind, len(body), ErrMalformed)
		}
		var r ResyncResponse
		for i, b := range body {
			p, ok := game.UnpackPiece(b)
			if !ok {
				return nil, fmt.Errorf("decode %s: square %d byte %#02x: %w", kind, i, b, ErrMalformed)
			}
			r.Squares[i] = p
		}
		return r, nil
	default:
		return nil, fmt.Errorf("decode response kind %d: %w", uint8(kind), ErrUnknownKind)
	}
}

func decodeAction(body []byte) (game.Action, error) {
	if len(body) < 1 {
		return game.Action{}, fmt.Errorf("decode action: missing kind: %w", ErrTooShort)
	}
	kind := game.ActionKind(body[0])
	switch kind {
	case game.ActionStalemate, game.ActionSurrender:
		if len(body) > 1 {
			return game.Action{}, fmt.Errorf("decode action %s: %d trailing bytes: %w", kind, len(body)-1, ErrMalformed)
		}
		return game.Action{Kind: kind}, nil
	case game.ActionMovePiece:
	default:
		return game.Action{}, fmt.Errorf("decode action kind %d: %w", body[0], ErrUnknownKind)
	}

	if len(body) < 4 {
		return game.Action{}, fmt.Errorf("decode move: %d bytes: %w", len(body)-1, ErrTooShort)
	}
	m := game.Move{Index: int(body[1]), End: int(body[2])}
	switch body[3] {
	case 0:
	case 1:
		m.Promoted = true
	default:
		return game.Action{}, fmt.Errorf("decode move: promoted byte %d: %w", body[3], ErrMalformed)
	}
	if err := checkSquare(m.Index); err != nil {
		return game.Action{}, err
	}
	if err := checkSquare(m.End); err != nil {
		return game.Action{}, err
	}
	if rest := body[4:]; len(rest) > 0 {
		m.Captured = make([]int, len(rest))
		for i, b := range rest {
			if err := checkSquare(int(b)); err != nil {
				return game.Action{}, err
			}
			m.Captured[i] = int(b)
		}
	}
	return game.MovePiece(m), nil
}

func expectEmpty(kind fmt.Stringer, body []byte) error {
	if len(body) != 0 {
		return fmt.Errorf("decode %s: %d trailing bytes: %w", kind, len(body), ErrMalformed)
	}
	return nil
}

func checkText(field, s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("%s: invalid utf-8: %w", field, ErrMalformed)
	}
	return nil
}

func checkSquare(sq int) error {
	if sq < 0 || sq >= game.BoardSize {
		return fmt.Errorf("square %d out of range: %w", sq, ErrMalformed)
	}
	return nil
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
