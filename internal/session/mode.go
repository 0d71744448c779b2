package session

// Mode is the session operating mode. Exactly one mode is active per device
// connection; all transitions are serialized through the controller.
type Mode int

// Session modes.
const (
	// ModeForward bridges device and remote transparently while the
	// learner observes every remote response.
	ModeForward Mode = iota

	// ModeOffline answers the device locally and queues its frames
	// while the remote is unreachable.
	ModeOffline

	// ModeReplay drains the outage queue to a freshly connected remote
	// in strict FIFO order.
	ModeReplay
)

// String returns a human-readable representation of the mode.
func (m Mode) String() string {
	switch m {
	case ModeForward:
		return "forward"
	case ModeOffline:
		return "offline"
	case ModeReplay:
		return "replay"
	default:
		return "unknown"
	}
}
