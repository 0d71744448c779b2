package guard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldgate-io/fieldgate/internal/protocol"
	"github.com/fieldgate-io/fieldgate/pkg/log"
)

func mustFrame(t *testing.T, raw string) *protocol.Frame {
	t.Helper()
	f, err := protocol.Parse([]byte(raw), time.Now())
	require.NoError(t, err)
	return f
}

const (
	pushRaw       = "Cmd=64\nDir=A\nSet=LimitA:40\nReason=Setting\nSum=FEED01\n"
	matchingPoll  = "Cmd=64\nDir=Q\nSer=BAT1\nSeq=9\nSum=01\n"
	statusPoll    = "Cmd=30\nDir=Q\nSer=BAT1\nSeq=10\nSum=02\n"
	settingAck    = "Cmd=64\nDir=Q\nSer=BAT1\nReason=Setting\nSet=LimitA:40\nSum=03\n"
	genericAck    = "Cmd=64\nDir=Q\nSer=BAT1\nReason=Done\nSum=04\n"
	wrongIdentity = "Cmd=64\nDir=Q\nSer=BAT1\nReason=Setting\nSet=LimitB:10\nSum=05\n"
)

func TestDeliveryCycle(t *testing.T) {
	// Scenario: configuration pushed; device sends 3 non-matching polls
	// then 1 matching poll; a generic acknowledgment is rejected; a
	// correctly-reasoned one is accepted.
	g := New("64", 5, log.NewNoopLogger())

	require.NoError(t, g.Submit(mustFrame(t, pushRaw)))
	require.Equal(t, StatePending, g.State())

	for i := 0; i < 3; i++ {
		d, _ := g.OnPoll(mustFrame(t, statusPoll))
		assert.Equal(t, DecisionNone, d, "non-matching poll %d before delivery", i)
	}
	require.Equal(t, StatePending, g.State())

	d, push := g.OnPoll(mustFrame(t, matchingPoll))
	require.Equal(t, DecisionDeliver, d, "delivery must fire on the 4th poll")
	require.NotNil(t, push)
	assert.Equal(t, []byte(pushRaw), push.Bytes(), "push must be delivered byte-exact")
	require.Equal(t, StateDelivered, g.State())
	assert.EqualValues(t, 1, g.Deliveries())

	// Generic acknowledgment: rejected, state unchanged.
	err := g.OnAck(mustFrame(t, genericAck))
	require.ErrorIs(t, err, protocol.ErrAckMismatch)
	require.Equal(t, StateDelivered, g.State())
	assert.EqualValues(t, 1, g.Rejections())

	// Wrong-identity acknowledgment: also rejected.
	err = g.OnAck(mustFrame(t, wrongIdentity))
	require.ErrorIs(t, err, protocol.ErrAckMismatch)
	require.Equal(t, StateDelivered, g.State())

	// The exact expected acknowledgment completes the cycle.
	require.NoError(t, g.OnAck(mustFrame(t, settingAck)))
	require.Equal(t, StateAcked, g.State())
}

func TestNoNothingPendingWhileDelivered(t *testing.T) {
	g := New("64", 5, log.NewNoopLogger())
	require.NoError(t, g.Submit(mustFrame(t, pushRaw)))

	d, _ := g.OnPoll(mustFrame(t, matchingPoll))
	require.Equal(t, DecisionDeliver, d)

	// Every non-matching poll while Delivered must be answered with the
	// wait response, never terminated.
	for i := 0; i < 10; i++ {
		d, _ := g.OnPoll(mustFrame(t, statusPoll))
		require.Equal(t, DecisionWait, d, "poll %d while Delivered", i)
	}
	require.Equal(t, StateDelivered, g.State())
}

func TestRetryBudgetExhaustion(t *testing.T) {
	g := New("64", 3, log.NewNoopLogger())
	require.NoError(t, g.Submit(mustFrame(t, pushRaw)))

	// Three delivery cycles consume the budget.
	for i := 0; i < 3; i++ {
		d, _ := g.OnPoll(mustFrame(t, matchingPoll))
		require.Equal(t, DecisionDeliver, d, "cycle %d", i)
	}
	// The next matching poll trips the budget.
	d, _ := g.OnPoll(mustFrame(t, matchingPoll))
	require.Equal(t, DecisionNone, d)
	require.Equal(t, StateFailed, g.State())
	assert.EqualValues(t, 1, g.Failures())

	// Failed is terminal until reset.
	err := g.Submit(mustFrame(t, pushRaw))
	require.ErrorIs(t, err, ErrFailed)

	g.Reset()
	require.Equal(t, StateIdle, g.State())
	require.NoError(t, g.Submit(mustFrame(t, pushRaw)))
}

func TestSubmitWhileBusy(t *testing.T) {
	g := New("64", 5, log.NewNoopLogger())
	require.NoError(t, g.Submit(mustFrame(t, pushRaw)))
	require.ErrorIs(t, g.Submit(mustFrame(t, pushRaw)), ErrBusy)

	// After an acknowledged cycle a new change may be submitted.
	g.OnPoll(mustFrame(t, matchingPoll))
	require.NoError(t, g.OnAck(mustFrame(t, settingAck)))
	require.NoError(t, g.Submit(mustFrame(t, pushRaw)))
}

func TestSubmitRequiresIdentity(t *testing.T) {
	g := New("64", 5, log.NewNoopLogger())
	err := g.Submit(mustFrame(t, statusPoll))
	require.ErrorIs(t, err, protocol.ErrMalformedFrame)
	require.Equal(t, StateIdle, g.State())
}

func TestAckWithoutDelivery(t *testing.T) {
	g := New("64", 5, log.NewNoopLogger())
	require.ErrorIs(t, g.OnAck(mustFrame(t, settingAck)), ErrNoDelivery)
}
