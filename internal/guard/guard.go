// Package guard enforces correct delivery of a pending configuration push.
//
// The protocol delivers a configuration change only in answer to one
// specific poll class. While the delivered change awaits the device's
// acknowledgment, answering any poll with a "nothing pending" response
// terminates the cycle prematurely and the change is lost on the device
// side. The guard is the sub-state-machine that makes both mistakes
// impossible: it decides, per poll, whether to deliver, stall, or stay out
// of the way, and it refuses acknowledgments that do not carry the exact
// expected reason and identity.
package guard

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fieldgate-io/fieldgate/internal/protocol"
	"github.com/fieldgate-io/fieldgate/pkg/log"
)

// State of the delivery cycle.
type State int

// Delivery states.
const (
	StateIdle State = iota
	StatePending
	StateDelivered
	StateAcked
	StateFailed
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StatePending:
		return "Pending"
	case StateDelivered:
		return "Delivered"
	case StateAcked:
		return "Acked"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Decision tells the caller how to answer a poll.
type Decision int

// Poll decisions.
const (
	// DecisionNone: the guard is not involved; answer the poll normally.
	DecisionNone Decision = iota

	// DecisionDeliver: answer the poll with the pending push frame.
	DecisionDeliver

	// DecisionWait: a delivered change awaits acknowledgment; answer
	// with the defined wait response, never with "nothing pending".
	DecisionWait
)

// Guard errors.
var (
	// ErrBusy is returned by Submit while a change is already in flight.
	ErrBusy = errors.New("guard: delivery already in progress")

	// ErrFailed is returned by Submit while the guard is in the terminal
	// Failed state; Reset clears it.
	ErrFailed = errors.New("guard: previous delivery failed, reset required")

	// ErrNoDelivery is returned by OnAck when no delivery is awaiting
	// acknowledgment.
	ErrNoDelivery = errors.New("guard: no delivery awaiting acknowledgment")
)

// DefaultRetryBudget bounds how many delivery cycles a change may consume
// before the guard gives up.
const DefaultRetryBudget = 5

// DefaultPollClass is the poll command class eligible to receive a push.
const DefaultPollClass = "64"

// Guard owns the IDLE/PENDING/DELIVERED/ACKED/FAILED delivery state
// machine for one device connection. Safe for concurrent use.
type Guard struct {
	mu         sync.Mutex
	state      State
	pending    *protocol.Frame
	pendingID  string
	pollClass  string
	budget     int
	cyclesLeft int
	deliveries uint64
	rejections uint64
	failures   uint64
	logger     log.Logger
}

// New creates a Guard. Zero budget selects DefaultRetryBudget; empty
// pollClass selects DefaultPollClass.
func New(pollClass string, budget int, logger log.Logger) *Guard {
	if pollClass == "" {
		pollClass = DefaultPollClass
	}
	if budget <= 0 {
		budget = DefaultRetryBudget
	}
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &Guard{
		state:     StateIdle,
		pollClass: pollClass,
		budget:    budget,
		logger:    logger,
	}
}

// Submit queues a configuration push for delivery. The push must be a
// byte-exact captured frame carrying a Set field; the guard never
// constructs one. Allowed only from Idle or Acked.
func (g *Guard) Submit(push *protocol.Frame) error {
	id, ok := push.Get(protocol.FieldSet)
	if !ok || id == "" {
		return fmt.Errorf("%w: push frame has no Set field", protocol.ErrMalformedFrame)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state {
	case StateIdle, StateAcked:
	case StateFailed:
		return ErrFailed
	default:
		return ErrBusy
	}

	g.transitionLocked(StatePending, "change queued")
	g.pending = push
	g.pendingID = id
	g.cyclesLeft = g.budget
	return nil
}

// AdoptDelivered starts tracking a push the remote itself just delivered on
// the matching poll. From that moment the guard enforces the acknowledgment
// discipline even if the remote drops mid-cycle: no poll is answered with
// "nothing pending" until the device acknowledges or the budget runs out.
// Ignored while another change is already in flight.
func (g *Guard) AdoptDelivered(push *protocol.Frame) {
	id, ok := push.Get(protocol.FieldSet)
	if !ok || id == "" {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state {
	case StateIdle, StateAcked:
	default:
		return
	}

	g.transitionLocked(StateDelivered, "remote delivered push")
	g.pending = push
	g.pendingID = id
	g.cyclesLeft = g.budget - 1
	g.deliveries++
}

// OnPoll decides how a device poll must be answered. Exactly one
// DecisionDeliver is issued per delivery cycle; non-matching polls while a
// delivery awaits acknowledgment get DecisionWait.
func (g *Guard) OnPoll(req *protocol.Frame) (Decision, *protocol.Frame) {
	g.mu.Lock()
	defer g.mu.Unlock()

	matching := req.CommandClass() == g.pollClass

	switch g.state {
	case StatePending:
		if !matching {
			// The push is delivered only on the matching class.
			return DecisionNone, nil
		}
		g.cyclesLeft--
		g.deliveries++
		g.transitionLocked(StateDelivered, "push sent on matching poll")
		return DecisionDeliver, g.pending

	case StateDelivered:
		if !matching {
			return DecisionWait, nil
		}
		// The device polled again without acknowledging: re-deliver
		// until the retry budget runs out.
		if g.cyclesLeft <= 0 {
			g.failures++
			g.transitionLocked(StateFailed, "retry budget exhausted")
			g.pending = nil
			g.pendingID = ""
			return DecisionNone, nil
		}
		g.cyclesLeft--
		g.deliveries++
		return DecisionDeliver, g.pending

	default:
		return DecisionNone, nil
	}
}

// OnAck evaluates a device acknowledgment. Only an acknowledgment carrying
// the exact Setting reason and the delivered change's identity moves the
// machine to Acked; anything else (generic, wrong reason, wrong identity)
// is counted and rejected without mutating state.
func (g *Guard) OnAck(frame *protocol.Frame) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != StateDelivered {
		return ErrNoDelivery
	}

	if frame.Reason() != protocol.ReasonSetting {
		g.rejections++
		g.logger.Warn("acknowledgment rejected: wrong reason",
			log.String("reason", frame.Reason()),
		)
		return fmt.Errorf("%w: reason %q", protocol.ErrAckMismatch, frame.Reason())
	}
	if id, _ := frame.Get(protocol.FieldSet); id != g.pendingID {
		g.rejections++
		g.logger.Warn("acknowledgment rejected: identity mismatch",
			log.String("got", id),
			log.String("want", g.pendingID),
		)
		return fmt.Errorf("%w: identity %q", protocol.ErrAckMismatch, id)
	}

	g.transitionLocked(StateAcked, "setting acknowledged")
	g.pending = nil
	g.pendingID = ""
	return nil
}

// Reset clears the terminal Failed state (and any stale Acked state) back
// to Idle. It is an explicit operator action, never automatic.
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == StateFailed || g.state == StateAcked {
		g.transitionLocked(StateIdle, "explicit reset")
	}
}

// State returns the current delivery state.
func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Deliveries returns the count of delivery decisions issued.
func (g *Guard) Deliveries() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.deliveries
}

// Rejections returns the count of rejected acknowledgments.
func (g *Guard) Rejections() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rejections
}

// Failures returns the count of retry-exhausted delivery cycles.
func (g *Guard) Failures() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failures
}

func (g *Guard) transitionLocked(next State, reason string) {
	prev := g.state
	g.state = next
	g.logger.Info("delivery state transition",
		log.String("from", prev.String()),
		log.String("to", next.String()),
		log.String("reason", reason),
	)
}
