package session

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// RemoteKind tags a remote-origin failure. Every remote failure is absorbed
// at the controller as an OFFLINE transition and never reaches the device
// session.
type RemoteKind int

// Remote failure kinds.
const (
	RemoteConnect RemoteKind = iota
	RemoteTimeout
	RemoteReset
	RemoteEOF
)

// String returns the kind name.
func (k RemoteKind) String() string {
	switch k {
	case RemoteConnect:
		return "connect"
	case RemoteTimeout:
		return "timeout"
	case RemoteReset:
		return "reset"
	case RemoteEOF:
		return "eof"
	default:
		return "unknown"
	}
}

// RemoteError is a classified remote-side I/O failure. The controller
// pattern-matches on Kind instead of inspecting raw error chains at every
// call site.
type RemoteError struct {
	Kind RemoteKind
	Op   string
	Err  error
}

// Error implements error.
func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s (%s): %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *RemoteError) Unwrap() error { return e.Err }

// Fatal reports whether the failure invalidates the connection. A timeout
// may be a slow remote on a live socket; everything else means the socket
// is gone.
func (e *RemoteError) Fatal() bool { return e.Kind != RemoteTimeout }

// classifyRemote tags a remote-side error by cause.
func classifyRemote(op string, err error) *RemoteError {
	kind := RemoteReset
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		kind = RemoteEOF
	case isTimeout(err):
		kind = RemoteTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		kind = RemoteConnect
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		kind = RemoteReset
	case op == "connect":
		kind = RemoteConnect
	}
	return &RemoteError{Kind: kind, Op: op, Err: err}
}

// DeviceKind tags a device-origin failure. Both kinds end only the current
// device session; they are expected during normal power cycling and are
// not escalated.
type DeviceKind int

// Device failure kinds.
const (
	DeviceTimeout DeviceKind = iota
	DeviceEOF
)

// String returns the kind name.
func (k DeviceKind) String() string {
	if k == DeviceTimeout {
		return "timeout"
	}
	return "eof"
}

// DeviceError is a classified device-side I/O failure.
type DeviceError struct {
	Kind DeviceKind
	Op   string
	Err  error
}

// Error implements error.
func (e *DeviceError) Error() string {
	return fmt.Sprintf("device %s (%s): %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *DeviceError) Unwrap() error { return e.Err }

// classifyDevice tags a device-side error. Anything that is not a timeout
// ends the session the way an EOF does.
func classifyDevice(op string, err error) *DeviceError {
	kind := DeviceEOF
	if isTimeout(err) {
		kind = DeviceTimeout
	}
	return &DeviceError{Kind: kind, Op: op, Err: err}
}

func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
