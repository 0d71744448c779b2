package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldgate-io/fieldgate/internal/guard"
	"github.com/fieldgate-io/fieldgate/internal/metrics"
	"github.com/fieldgate-io/fieldgate/internal/protocol"
	"github.com/fieldgate-io/fieldgate/internal/queue"
	"github.com/fieldgate-io/fieldgate/pkg/log"
)

// fakeRemote stands in for the remote service over net.Pipe connections.
// While up it answers every frame with an acknowledgment echoing the
// request Seq; while down it refuses dials and stops answering on live
// links, which surfaces as a connection failure to the caller.
type fakeRemote struct {
	mu         sync.Mutex
	up         bool
	refuseDial bool
	silentSeq  string // frames with this Seq get no response; link stays up
	dials      int
	received   []*protocol.Frame
}

func (r *fakeRemote) setUp(up bool) {
	r.mu.Lock()
	r.up = up
	r.mu.Unlock()
}

func (r *fakeRemote) frames() []*protocol.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*protocol.Frame, len(r.received))
	copy(out, r.received)
	return out
}

func (r *fakeRemote) dial(ctx context.Context, addr string) (net.Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dials++
	if !r.up || r.refuseDial {
		return nil, errors.New("connection refused")
	}
	client, server := net.Pipe()
	go r.serve(server)
	return client, nil
}

func (r *fakeRemote) dialCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dials
}

func (r *fakeRemote) probe(ctx context.Context, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.up {
		return errors.New("connection refused")
	}
	return nil
}

func (r *fakeRemote) serve(conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	for {
		raw, err := protocol.ReadBlock(br)
		if err != nil {
			return
		}
		req, err := protocol.Parse(raw, time.Now())
		if err != nil {
			return
		}
		r.mu.Lock()
		r.received = append(r.received, req)
		up := r.up
		silent := r.silentSeq != "" && req.Seq() == r.silentSeq
		r.mu.Unlock()
		if !up {
			return
		}
		if silent {
			continue
		}
		resp := fmt.Sprintf("Cmd=30\nDir=A\nSeq=%s\nReason=Done\nSum=77AA77AA\n\n", req.Seq())
		if _, err := conn.Write([]byte(resp)); err != nil {
			return
		}
	}
}

func mustFrame(t *testing.T, raw string) *protocol.Frame {
	t.Helper()
	f, err := protocol.Parse([]byte(raw), time.Now())
	require.NoError(t, err)
	return f
}

func deviceFrame(seq int) string {
	return fmt.Sprintf("Cmd=21\nSer=BAT001\nSeq=%d\nData=V:52.0\nSum=00AA00AA\n", seq)
}

func testConfig(fake *fakeRemote) Config {
	return Config{
		RemoteAddr:       "remote.test:9000",
		ConnectTimeout:   time.Second,
		ProbeInterval:    5 * time.Millisecond,
		ProbeThreshold:   2,
		ReplayPace:       time.Millisecond,
		ReplayAckTimeout: time.Second,
		Dial:             fake.dial,
		ProbeDial:        fake.probe,
	}
}

func TestRemoteRefusalGoesOfflineAndAnswersLocally(t *testing.T) {
	fake := &fakeRemote{} // down
	ctrl := NewController(testConfig(fake), nil, nil, Stores{}, log.NewNoopLogger())
	defer ctrl.Close()

	resp := ctrl.Handle(context.Background(), mustFrame(t, deviceFrame(7)))

	require.NotNil(t, resp)
	assert.Equal(t, ModeOffline, ctrl.Mode())
	assert.Equal(t, 1, ctrl.QueueSize())
	// Default ack template with the request Seq echoed.
	assert.Equal(t, "Cmd=30\nDir=A\nSeq=7\nReason=Done\nSum=5A01F3C2\n", string(resp.Bytes()))
}

func TestOfflinePollAnsweredWithNoPending(t *testing.T) {
	fake := &fakeRemote{}
	ctrl := NewController(testConfig(fake), nil, nil, Stores{}, log.NewNoopLogger())
	defer ctrl.Close()

	poll := mustFrame(t, "Cmd=64\nSer=BAT001\nSeq=3\nSum=00AA00AA\n")
	resp := ctrl.Handle(context.Background(), poll)

	require.NotNil(t, resp)
	assert.Equal(t, protocol.ClassNoPending, protocol.Classify(resp))
	assert.Equal(t, "3", resp.Seq())
}

func TestForwardLearnsThenAnswersFromLearnedTemplate(t *testing.T) {
	fake := &fakeRemote{up: true}
	cfg := testConfig(fake)
	cfg.LearnerThreshold = 2
	ctrl := NewController(cfg, nil, nil, Stores{}, log.NewNoopLogger())
	defer ctrl.Close()

	for seq := 0; seq < 2; seq++ {
		resp := ctrl.Handle(context.Background(), mustFrame(t, deviceFrame(seq)))
		require.NotNil(t, resp)
		require.Equal(t, ModeForward, ctrl.Mode())
	}

	// The remote stops answering; the next exchange fails the link and
	// the learned template takes over, byte-exact apart from Seq.
	fake.setUp(false)
	resp := ctrl.Handle(context.Background(), mustFrame(t, deviceFrame(9)))

	require.NotNil(t, resp)
	assert.Equal(t, ModeOffline, ctrl.Mode())
	assert.Equal(t, "Cmd=30\nDir=A\nSeq=9\nReason=Done\nSum=77AA77AA\n", string(resp.Bytes()))
}

func TestRecoveryReplaysQueueInOrder(t *testing.T) {
	fake := &fakeRemote{}
	ctrl := NewController(testConfig(fake), nil, nil, Stores{}, log.NewNoopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctrl.Start(ctx)
	defer ctrl.Close()

	for seq := 0; seq < 50; seq++ {
		resp := ctrl.Handle(ctx, mustFrame(t, deviceFrame(seq)))
		require.NotNil(t, resp)
	}
	require.Equal(t, ModeOffline, ctrl.Mode())
	require.Equal(t, 50, ctrl.QueueSize())

	fake.setUp(true)

	require.Eventually(t, func() bool {
		return ctrl.Mode() == ModeForward
	}, 5*time.Second, 5*time.Millisecond, "replay never completed")

	assert.Equal(t, 0, ctrl.QueueSize())
	got := fake.frames()
	require.Len(t, got, 50)
	for i, f := range got {
		assert.Equal(t, fmt.Sprintf("%d", i), f.Seq(), "replay order at index %d", i)
	}

	// Back in forward mode, live traffic reaches the remote again.
	resp := ctrl.Handle(ctx, mustFrame(t, deviceFrame(50)))
	require.NotNil(t, resp)
	assert.Equal(t, protocol.ClassAck, protocol.Classify(resp))
	assert.Len(t, fake.frames(), 51)
}

func TestReplayAbortReturnsOfflineKeepingQueue(t *testing.T) {
	fake := &fakeRemote{}
	ctrl := NewController(testConfig(fake), nil, nil, Stores{}, log.NewNoopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctrl.Start(ctx)
	defer ctrl.Close()

	for seq := 0; seq < 5; seq++ {
		ctrl.Handle(ctx, mustFrame(t, deviceFrame(seq)))
	}
	require.Equal(t, ModeOffline, ctrl.Mode())

	// Probes succeed but the replay dial still fails: the session must
	// fall back to offline without losing frames, then re-probe.
	before := fake.dialCount()
	fake.mu.Lock()
	fake.up = true
	fake.refuseDial = true
	fake.mu.Unlock()

	require.Eventually(t, func() bool {
		return fake.dialCount() > before && ctrl.Mode() == ModeOffline
	}, 5*time.Second, 5*time.Millisecond, "replay never attempted and aborted")
	assert.Equal(t, 5, ctrl.QueueSize())
}

func TestReplayDropsUnacknowledgedFrameAndContinues(t *testing.T) {
	fake := &fakeRemote{silentSeq: "1"}
	cfg := testConfig(fake)
	cfg.ReplayAckTimeout = 100 * time.Millisecond
	cfg.ReplayMaxRetries = 1
	met := metrics.New()
	ctrl := NewController(cfg, nil, met, Stores{}, log.NewNoopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctrl.Start(ctx)
	defer ctrl.Close()

	for seq := 0; seq < 3; seq++ {
		ctrl.Handle(ctx, mustFrame(t, deviceFrame(seq)))
	}
	require.Equal(t, ModeOffline, ctrl.Mode())
	require.Equal(t, 3, ctrl.QueueSize())

	// The remote accepts every frame but never acknowledges Seq=1: the
	// retries must exhaust on the live link, the frame must be dropped
	// and counted as data loss, and the rest of the backlog must drain.
	fake.setUp(true)

	require.Eventually(t, func() bool {
		return ctrl.Mode() == ModeForward
	}, 10*time.Second, 10*time.Millisecond, "replay never completed past the poisoned frame")

	assert.Equal(t, 0, ctrl.QueueSize())
	assert.Equal(t, 1.0, testutil.ToFloat64(met.DataLossTotal.WithLabelValues("BAT001")))
	assert.Equal(t, 2.0, testutil.ToFloat64(met.ReplayedFrames.WithLabelValues("BAT001")))
	assert.GreaterOrEqual(t, testutil.ToFloat64(met.ReplayFailures.WithLabelValues("BAT001")), 2.0)

	// Seq=1 was attempted more than once before being given up on; the
	// frames around it were acknowledged exactly once each.
	var attempts, acked int
	for _, f := range fake.frames() {
		switch f.Seq() {
		case "1":
			attempts++
		case "0", "2":
			acked++
		}
	}
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 2, acked)
}

func TestRestartRestoresQueueAndReplays(t *testing.T) {
	dir := t.TempDir()
	stores := Stores{Queue: queue.NewStore(dir)}

	// First run: remote down, backlog accumulates, snapshot flushed on
	// shutdown.
	fake := &fakeRemote{}
	first := NewController(testConfig(fake), nil, nil, stores, log.NewNoopLogger())
	for seq := 0; seq < 5; seq++ {
		first.Handle(context.Background(), mustFrame(t, deviceFrame(seq)))
	}
	require.Equal(t, ModeOffline, first.Mode())
	require.Equal(t, 5, first.QueueSize())
	first.Close()

	// Second run over the same store: the first identity-bearing frame
	// restores the backlog, forces offline and the prober path drains it.
	fake2 := &fakeRemote{up: true}
	second := NewController(testConfig(fake2), nil, nil, stores, log.NewNoopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	second.Start(ctx)
	defer second.Close()

	resp := second.Handle(ctx, mustFrame(t, deviceFrame(5)))
	require.NotNil(t, resp)
	require.Equal(t, ModeOffline, second.Mode())
	require.Equal(t, 6, second.QueueSize())

	require.Eventually(t, func() bool {
		return second.Mode() == ModeForward
	}, 10*time.Second, 10*time.Millisecond, "restored backlog never drained")

	assert.Equal(t, 0, second.QueueSize())
	got := fake2.frames()
	require.Len(t, got, 6)
	for i, f := range got {
		assert.Equal(t, fmt.Sprintf("%d", i), f.Seq(), "replay order at index %d", i)
	}
}

func TestGuardedDeliveryWhileOffline(t *testing.T) {
	fake := &fakeRemote{}
	ctrl := NewController(testConfig(fake), nil, nil, Stores{}, log.NewNoopLogger())
	defer ctrl.Close()

	// First frame trips the session offline.
	ctrl.Handle(context.Background(), mustFrame(t, deviceFrame(0)))
	require.Equal(t, ModeOffline, ctrl.Mode())

	push := mustFrame(t, "Cmd=64\nDir=A\nSeq=0\nReason=Setting\nSet=P42:10\nSum=DEADBEEF\n")
	require.NoError(t, ctrl.SubmitSetting(push))

	// A status poll does not trigger delivery.
	statusResp := ctrl.Handle(context.Background(), mustFrame(t, "Cmd=21\nSer=BAT001\nSeq=1\nSum=00AA00AA\n"))
	require.NotNil(t, statusResp)
	assert.Equal(t, protocol.ClassAck, protocol.Classify(statusResp))

	// The matching configuration poll receives the push byte-exact.
	pollResp := ctrl.Handle(context.Background(), mustFrame(t, "Cmd=64\nSer=BAT001\nSeq=2\nSum=00AA00AA\n"))
	require.NotNil(t, pollResp)
	assert.Equal(t, push.Bytes(), pollResp.Bytes())

	// Until the identity-bearing acknowledgment arrives the device is
	// held off with the busy template, never told nothing is pending.
	waitResp := ctrl.Handle(context.Background(), mustFrame(t, "Cmd=21\nSer=BAT001\nSeq=3\nSum=00AA00AA\n"))
	require.NotNil(t, waitResp)
	assert.Equal(t, protocol.ClassBusy, protocol.Classify(waitResp))

	ack := mustFrame(t, "Cmd=64\nSer=BAT001\nSeq=4\nReason=Setting\nSet=P42:10\nSum=00AA00AA\n")
	ctrl.Handle(context.Background(), ack)
	assert.Equal(t, guard.StateAcked, ctrl.grd.State())
}

func TestServerAnswersDeviceOverTCP(t *testing.T) {
	fake := &fakeRemote{}
	srv := NewServer(testConfig(fake), nil, nil, Stores{}, log.NewNoopLogger())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx, ln)
	defer srv.Close()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(deviceFrame(7) + "\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	raw, err := protocol.ReadBlock(bufio.NewReader(conn))
	require.NoError(t, err)
	resp, err := protocol.Parse(raw, time.Now())
	require.NoError(t, err)
	assert.Equal(t, protocol.ClassAck, protocol.Classify(resp))
	assert.Equal(t, "7", resp.Seq())
}
