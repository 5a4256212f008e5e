package protocol

import "errors"

// Decode failures. Returned errors wrap one of these; match with errors.Is.
var (
	ErrTooShort    = errors.New("protocol: frame too short")
	ErrUnknownKind = errors.New("protocol: unknown kind")
	ErrMalformed   = errors.New("protocol: malformed field")
)
