package protocol

import "errors"

// Protocol-level errors. These are returned by the codec and the guard and
// can be checked with errors.Is.
var (
	// ErrMalformedFrame is returned when a wire block cannot be parsed.
	// The frame is dropped; the connection continues.
	ErrMalformedFrame = errors.New("protocol: malformed frame")

	// ErrAckMismatch is returned when an acknowledgment lacks the exact
	// expected reason or identity. The observing state machine must not
	// change state on it.
	ErrAckMismatch = errors.New("protocol: acknowledgment mismatch")
)
