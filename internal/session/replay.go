package session

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/fieldgate-io/fieldgate/pkg/log"
)

// runReplay drains the outage queue over a fresh remote link, oldest frame
// first, pacing one frame per ReplayPace. A replayed frame is confirmed
// only once the remote acknowledges it; timeouts retry with backoff up to
// ReplayMaxRetries, then the frame is dropped and counted as data loss so
// one poison frame cannot stall the backlog. Connection-level failures
// abort the whole pass back to offline with the unconfirmed tail intact.
func (c *Controller) runReplay(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()

	c.mu.Lock()
	serial := c.serialLocked()
	c.mu.Unlock()

	link, rerr := dialRemote(ctx, c.cfg.Dial, c.cfg.RemoteAddr, c.cfg.ConnectTimeout, c.logger)
	if rerr != nil {
		c.replayAborted(rerr)
		return
	}

	limiter := rate.NewLimiter(rate.Every(c.cfg.ReplayPace), 1)
	back := newBackoff(200*time.Millisecond, 2*time.Second)

	c.logger.Info("replay started",
		log.String("serial", serial),
		log.Int("frames", c.q.Size()),
	)

	for {
		entry, ok := c.q.PeekNext()
		if !ok {
			// Frames that arrived while draining queue up behind the
			// backlog; re-check under the lock before declaring done.
			c.mu.Lock()
			if c.closed || c.mode != ModeReplay || ctx.Err() != nil {
				c.mu.Unlock()
				link.Close()
				return
			}
			if c.q.Size() > 0 {
				c.mu.Unlock()
				continue
			}
			c.link = link
			c.replayCancel = nil
			c.transitionLocked(ModeForward, "replay complete")
			c.mu.Unlock()
			return
		}

		if err := limiter.Wait(ctx); err != nil {
			link.Close()
			return
		}

		confirmed := false
		for attempt := 0; attempt <= c.cfg.ReplayMaxRetries; attempt++ {
			resp, rerr := link.roundTrip(entry.Frame, c.cfg.ReplayAckTimeout)
			if rerr == nil {
				c.q.Confirm(entry.ID)
				c.met.RecordReplayed(serial)
				c.met.RecordQueueSize(serial, c.q.Size())
				c.mu.Lock()
				c.observeLocked(entry.Frame, resp)
				c.mu.Unlock()
				back.Reset()
				confirmed = true
				break
			}
			c.met.RecordReplayFailure(serial)
			if rerr.Fatal() {
				link.Close()
				c.replayAborted(rerr)
				return
			}
			c.logger.Warn("replay frame timed out",
				log.String("serial", serial),
				log.String("id", entry.ID.String()),
				log.Int("attempt", attempt+1),
			)
			back.Sleep(ctx)
			if ctx.Err() != nil {
				link.Close()
				return
			}
		}
		if !confirmed {
			c.q.Confirm(entry.ID)
			c.met.RecordDataLoss(serial)
			c.met.RecordQueueSize(serial, c.q.Size())
			c.logger.Error("frame dropped after replay retries",
				log.String("serial", serial),
				log.String("id", entry.ID.String()),
				log.Int("retries", c.cfg.ReplayMaxRetries),
			)
			back.Reset()
		}
	}
}

// replayAborted returns the session to offline after a replay-time remote
// failure, keeping every unconfirmed frame queued.
func (c *Controller) replayAborted(cause *RemoteError) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.mode != ModeReplay {
		return
	}
	c.replayCancel = nil
	c.logger.Warn("replay aborted, returning offline",
		log.String("serial", c.serialLocked()),
		log.String("kind", cause.Kind.String()),
		log.Err(cause.Err),
	)
	c.transitionLocked(ModeOffline, "replay failure: "+cause.Kind.String())
	c.startProberLocked()
}
