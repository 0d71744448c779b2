// Package session owns the per-connection FORWARD/OFFLINE/REPLAY state
// machine and orchestrates the codec, learner, queue, prober and guard.
//
// Device and remote sockets never share failure fate: every remote-origin
// error is absorbed here as a transition to OFFLINE, and the device read
// loop is never cancelled except on device EOF or timeout.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fieldgate-io/fieldgate/internal/guard"
	"github.com/fieldgate-io/fieldgate/internal/learner"
	"github.com/fieldgate-io/fieldgate/internal/metrics"
	"github.com/fieldgate-io/fieldgate/internal/prober"
	"github.com/fieldgate-io/fieldgate/internal/protocol"
	"github.com/fieldgate-io/fieldgate/internal/queue"
	"github.com/fieldgate-io/fieldgate/internal/telemetry"
	"github.com/fieldgate-io/fieldgate/pkg/log"
)

// Config holds per-connection session settings. Zero values select the
// defaults below.
type Config struct {
	RemoteAddr string

	ConnectTimeout       time.Duration // remote connect, default 5s
	ForwardReadTimeout   time.Duration // remote response wait in forward, default 30s
	OfflineDeviceTimeout time.Duration // device silence before closing, default 120s
	DeviceWriteTimeout   time.Duration // device response write, default 5s

	ProbeInterval  time.Duration // default 60s
	ProbeTimeout   time.Duration // default 5s
	ProbeThreshold int           // consecutive successes, default 2

	ReplayPace       time.Duration // per-frame send pacing, default 100ms
	ReplayAckTimeout time.Duration // per-frame ack wait, default 5s
	ReplayMaxRetries int           // per-frame retries, default 3

	QueueCapacity    int
	LearnerThreshold int
	GuardPollClass   string
	GuardRetryBudget int

	FlushInterval time.Duration // snapshot persistence, default 30s

	// Dial and ProbeDial override the network layer, for tests.
	Dial      DialFunc
	ProbeDial prober.DialFunc
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.ForwardReadTimeout <= 0 {
		c.ForwardReadTimeout = 30 * time.Second
	}
	if c.OfflineDeviceTimeout <= 0 {
		c.OfflineDeviceTimeout = 120 * time.Second
	}
	if c.DeviceWriteTimeout <= 0 {
		c.DeviceWriteTimeout = 5 * time.Second
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = prober.DefaultInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = prober.DefaultTimeout
	}
	if c.ProbeThreshold <= 0 {
		c.ProbeThreshold = prober.DefaultThreshold
	}
	if c.ReplayPace <= 0 {
		c.ReplayPace = 100 * time.Millisecond
	}
	if c.ReplayAckTimeout <= 0 {
		c.ReplayAckTimeout = 5 * time.Second
	}
	if c.ReplayMaxRetries <= 0 {
		c.ReplayMaxRetries = 3
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 30 * time.Second
	}
	if c.Dial == nil {
		c.Dial = defaultDial
	}
	return c
}

// Stores bundles the optional snapshot repositories. Nil stores disable
// persistence.
type Stores struct {
	Learner *learner.Store
	Queue   *queue.Store
}

// Controller is the single-writer mode state machine for one device
// connection. One mutex guards mode, queue, learner and guard; distinct
// device connections are fully independent.
type Controller struct {
	cfg    Config
	logger log.Logger
	met    *metrics.Metrics
	sink   telemetry.Sink
	stores Stores

	rootCtx context.Context
	bg      sync.WaitGroup

	mu           sync.Mutex
	mode         Mode
	link         *remoteLink
	serial       string
	q            *queue.Queue
	lrn          *learner.Learner
	grd          *guard.Guard
	proberCancel context.CancelFunc
	replayCancel context.CancelFunc
	flushCancel  context.CancelFunc
	offlineSince time.Time
	closed       bool
}

// NewController builds a controller for one device connection. sink may be
// nil (telemetry disabled); met may be nil (metrics disabled).
func NewController(cfg Config, sink telemetry.Sink, met *metrics.Metrics, stores Stores, logger log.Logger) *Controller {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	return &Controller{
		cfg:     cfg,
		logger:  logger,
		met:     met,
		sink:    sink,
		stores:  stores,
		rootCtx: context.Background(),
		mode:    ModeForward,
		q:       queue.New(cfg.QueueCapacity),
		lrn:     learner.New(cfg.LearnerThreshold, logger),
		grd:     guard.New(cfg.GuardPollClass, cfg.GuardRetryBudget, logger),
	}
}

// Start launches the controller's background tasks (periodic snapshot
// flushing). ctx bounds every background task the controller spawns.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rootCtx = ctx
	if c.stores.Learner == nil && c.stores.Queue == nil {
		return
	}
	fctx, cancel := context.WithCancel(ctx)
	c.flushCancel = cancel
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		ticker := time.NewTicker(c.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-fctx.Done():
				return
			case <-ticker.C:
				c.flushSnapshots()
			}
		}
	}()
}

// Mode returns the current session mode.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Serial returns the device serial once observed, or "".
func (c *Controller) Serial() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serial
}

// QueueSize returns the current outage queue depth.
func (c *Controller) QueueSize() int {
	return c.q.Size()
}

// SetQueueCapacity adjusts the queue bound at runtime.
func (c *Controller) SetQueueCapacity(capacity int) {
	c.q.SetCapacity(capacity)
}

// SubmitSetting queues a captured configuration push frame for guarded
// delivery to the device.
func (c *Controller) SubmitSetting(push *protocol.Frame) error {
	return c.grd.Submit(push)
}

// ResetGuard clears a failed delivery cycle.
func (c *Controller) ResetGuard() {
	c.grd.Reset()
}

// Handle processes one device-originated frame and returns the response to
// write back to the device. It never returns nil: in the worst case the
// built-in acknowledgment template answers.
func (c *Controller) Handle(ctx context.Context, req *protocol.Frame) *protocol.Frame {
	_ = c.sink.Publish(ctx, req)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.adoptSerialLocked(req)
	serial := c.serialLocked()
	c.met.RecordFrame(serial, "device_in")

	// A device frame carrying a Reason field is an acknowledgment
	// attempt; the guard decides whether it completes a delivery cycle.
	if req.Has(protocol.FieldReason) {
		if err := c.grd.OnAck(req); err != nil && errors.Is(err, protocol.ErrAckMismatch) {
			c.met.RecordGuardRejection(serial)
		}
	}

	if d, push := c.grd.OnPoll(req); d != guard.DecisionNone {
		if resp := c.guardAnswerLocked(req, d, push); resp != nil {
			if c.mode != ModeForward {
				c.enqueueLocked(req)
			}
			return resp
		}
	}

	switch c.mode {
	case ModeForward:
		resp, rerr := c.forwardLocked(ctx, req)
		if rerr == nil {
			return resp
		}
		c.enterOfflineLocked(rerr)
		return c.offlineLocked(req)
	default:
		return c.offlineLocked(req)
	}
}

// Close tears down background tasks, flushes snapshots and releases the
// remote link. The device socket itself belongs to the caller.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	if c.proberCancel != nil {
		c.proberCancel()
		c.proberCancel = nil
	}
	if c.replayCancel != nil {
		c.replayCancel()
		c.replayCancel = nil
	}
	if c.flushCancel != nil {
		c.flushCancel()
		c.flushCancel = nil
	}
	c.mu.Unlock()

	c.bg.Wait()
	c.flushSnapshots()

	c.mu.Lock()
	if c.link != nil {
		c.link.Close()
		c.link = nil
	}
	c.mu.Unlock()
}

func (c *Controller) serialLocked() string {
	if c.serial == "" {
		return "unknown"
	}
	return c.serial
}

// adoptSerialLocked latches the device identity from the first frame that
// carries it and restores persisted state for that identity.
func (c *Controller) adoptSerialLocked(req *protocol.Frame) {
	if c.serial != "" {
		return
	}
	serial := req.Serial()
	if serial == "" {
		return
	}
	c.serial = serial

	if c.stores.Learner != nil {
		templates, err := c.stores.Learner.Load(serial)
		if err != nil {
			c.logger.Warn("learner snapshot unreadable, starting empty", log.Err(err))
		} else if len(templates) > 0 {
			c.lrn.Import(templates)
			c.logger.Info("learner snapshot restored",
				log.String("serial", serial),
				log.Int("templates", len(templates)),
			)
		}
	}

	if c.stores.Queue != nil {
		entries, err := c.stores.Queue.Load(serial)
		if err != nil {
			c.logger.Warn("queue snapshot unreadable, starting empty", log.Err(err))
		} else if len(entries) > 0 {
			c.q.Restore(entries)
			c.met.RecordQueueSize(serial, c.q.Size())
			c.logger.Info("outage queue restored",
				log.String("serial", serial),
				log.Int("frames", len(entries)),
			)
			if c.mode == ModeForward {
				// Pre-restart backlog drains through the normal
				// offline-then-replay path.
				c.transitionLocked(ModeOffline, "restored outage queue")
				c.startProberLocked()
			}
		}
	}
}

func (c *Controller) guardAnswerLocked(req *protocol.Frame, d guard.Decision, push *protocol.Frame) *protocol.Frame {
	serial := c.serialLocked()
	switch d {
	case guard.DecisionDeliver:
		// The push is a byte-exact captured frame; deliver untouched.
		c.met.RecordGuardDelivery(serial)
		_ = c.sink.Publish(context.Background(), push)
		return push
	case guard.DecisionWait:
		if c.mode == ModeForward {
			// While forwarding, the remote itself keeps the delivery
			// contract; only local answering needs the stall.
			return nil
		}
		resp := c.renderLocked(protocol.ClassBusy, req)
		c.met.RecordLocalAnswer(serial, string(protocol.ClassBusy))
		return resp
	default:
		return nil
	}
}

func (c *Controller) forwardLocked(ctx context.Context, req *protocol.Frame) (*protocol.Frame, *RemoteError) {
	serial := c.serialLocked()
	if c.link == nil {
		link, rerr := dialRemote(ctx, c.cfg.Dial, c.cfg.RemoteAddr, c.cfg.ConnectTimeout, c.logger)
		if rerr != nil {
			return nil, rerr
		}
		c.link = link
	}

	c.met.RecordFrame(serial, "remote_out")
	resp, rerr := c.link.roundTrip(req, c.cfg.ForwardReadTimeout)
	if rerr != nil {
		return nil, rerr
	}
	c.met.RecordFrame(serial, "remote_in")

	c.observeLocked(req, resp)
	_ = c.sink.Publish(ctx, resp)

	if protocol.Classify(resp) == protocol.ClassSetting {
		// The remote delivered a configuration push; track it so the
		// delivery contract survives a remote failure mid-cycle.
		c.grd.AdoptDelivered(resp)
		c.met.RecordGuardDelivery(serial)
	}
	return resp, nil
}

func (c *Controller) offlineLocked(req *protocol.Frame) *protocol.Frame {
	c.enqueueLocked(req)

	serial := c.serialLocked()
	class := protocol.ClassAck
	if req.CommandClass() == c.grdPollClass() {
		class = protocol.ClassNoPending
	}
	resp := c.renderLocked(class, req)
	c.met.RecordLocalAnswer(serial, string(class))
	return resp
}

func (c *Controller) grdPollClass() string {
	if c.cfg.GuardPollClass != "" {
		return c.cfg.GuardPollClass
	}
	return guard.DefaultPollClass
}

func (c *Controller) enqueueLocked(req *protocol.Frame) {
	serial := c.serialLocked()
	_, evicted := c.q.Enqueue(req)
	if evicted {
		c.met.RecordEviction(serial)
		c.logger.Warn("outage queue full, oldest frame evicted",
			log.String("serial", serial),
			log.Uint64("evictions", c.q.Evictions()),
		)
	}
	c.met.RecordQueueSize(serial, c.q.Size())
}

// renderLocked produces a local response from the current template for
// class, echoing the request sequence. Only the Seq value is substituted;
// the template bytes, token included, are otherwise reproduced exactly.
func (c *Controller) renderLocked(class protocol.ResponseClass, req *protocol.Frame) *protocol.Frame {
	tmpl := c.lrn.Respond(class)
	if tmpl == nil {
		tmpl = c.lrn.Respond(protocol.ClassAck)
	}
	var subs map[string]string
	if seq := req.Seq(); seq != "" {
		subs = map[string]string{protocol.FieldSeq: seq}
	}
	resp := protocol.Render(tmpl, subs, time.Now())
	_ = c.sink.Publish(context.Background(), resp)
	return resp
}

func (c *Controller) observeLocked(req, resp *protocol.Frame) {
	before := c.lrn.Divergences()
	c.lrn.Observe(req, resp)
	if c.lrn.Divergences() > before {
		c.met.RecordDivergence(c.serialLocked())
	}
}

func (c *Controller) transitionLocked(to Mode, reason string) {
	from := c.mode
	c.mode = to
	if from == ModeForward && to != ModeForward {
		c.offlineSince = time.Now()
	} else if from != ModeForward && to == ModeForward && !c.offlineSince.IsZero() {
		c.met.RecordOfflineDuration(c.serialLocked(), time.Since(c.offlineSince))
		c.offlineSince = time.Time{}
	}
	c.met.RecordTransition(c.serialLocked(), from.String(), to.String())
	c.logger.Info("session mode transition",
		log.String("serial", c.serialLocked()),
		log.String("from", from.String()),
		log.String("to", to.String()),
		log.String("reason", reason),
	)
}

func (c *Controller) enterOfflineLocked(cause *RemoteError) {
	if c.mode == ModeOffline {
		return
	}
	if c.link != nil {
		c.link.Close()
		c.link = nil
	}
	c.logger.Warn("remote failure, going offline",
		log.String("serial", c.serialLocked()),
		log.String("kind", cause.Kind.String()),
		log.Err(cause.Err),
	)
	c.transitionLocked(ModeOffline, "remote "+cause.Kind.String())
	c.startProberLocked()
}

func (c *Controller) startProberLocked() {
	if c.proberCancel != nil || c.closed {
		return
	}
	p := prober.New(prober.Config{
		Addr:      c.cfg.RemoteAddr,
		Interval:  c.cfg.ProbeInterval,
		Timeout:   c.cfg.ProbeTimeout,
		Threshold: c.cfg.ProbeThreshold,
		Dial:      c.cfg.ProbeDial,
	}, c.onRemoteReachable, c.logger)

	pctx, cancel := context.WithCancel(c.rootCtx)
	c.proberCancel = cancel
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		p.Run(pctx)
	}()
}

func (c *Controller) stopProberLocked() {
	if c.proberCancel != nil {
		c.proberCancel()
		c.proberCancel = nil
	}
}

// onRemoteReachable is the prober callback: sustained reachability while
// offline starts replay, or goes straight back to forwarding when there is
// nothing to drain.
func (c *Controller) onRemoteReachable() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.mode != ModeOffline {
		return
	}
	c.stopProberLocked()

	if c.q.Size() == 0 {
		c.transitionLocked(ModeForward, "remote reachable, queue empty")
		return
	}

	c.transitionLocked(ModeReplay, "remote reachable, draining queue")
	if c.replayCancel != nil {
		// A previous driver's context that was never released.
		c.replayCancel()
	}
	rctx, cancel := context.WithCancel(c.rootCtx)
	c.replayCancel = cancel
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		c.runReplay(rctx, cancel)
	}()
}

// flushSnapshots persists learner and queue state, best effort.
func (c *Controller) flushSnapshots() {
	c.mu.Lock()
	serial := c.serial
	c.mu.Unlock()
	if serial == "" {
		return
	}

	if c.stores.Learner != nil {
		if err := c.stores.Learner.Save(serial, c.lrn.Export()); err != nil {
			c.logger.Warn("learner snapshot flush failed", log.Err(err))
		}
	}
	if c.stores.Queue != nil {
		if err := c.stores.Queue.Save(serial, c.q.Entries()); err != nil {
			c.logger.Warn("queue snapshot flush failed", log.Err(err))
		}
	}
}
