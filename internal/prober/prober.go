// Package prober checks remote reachability while the proxy is offline.
package prober

import (
	"context"
	"net"
	"time"

	"github.com/fieldgate-io/fieldgate/pkg/log"
)

// Defaults for the probe loop.
const (
	DefaultInterval  = 60 * time.Second
	DefaultTimeout   = 5 * time.Second
	DefaultThreshold = 2
)

// DialFunc opens and immediately discards a probe connection. The default
// implementation performs a plain TCP connect.
type DialFunc func(ctx context.Context, addr string) error

// Prober periodically attempts a bounded-timeout, connect-only probe to the
// remote. After threshold consecutive successes it reports reachability via
// the callback and resets its count; failures are silent apart from debug
// logging, so an outage produces no log flood.
type Prober struct {
	addr        string
	interval    time.Duration
	timeout     time.Duration
	threshold   int
	dial        DialFunc
	onReachable func()
	logger      log.Logger
}

// Config holds prober settings; zero values select the defaults.
type Config struct {
	Addr      string
	Interval  time.Duration
	Timeout   time.Duration
	Threshold int

	// Dial overrides the probe dialer, for tests.
	Dial DialFunc
}

// New creates a Prober. onReachable is invoked from the probe goroutine
// each time the consecutive-success threshold is crossed.
func New(cfg Config, onReachable func(), logger log.Logger) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	p := &Prober{
		addr:        cfg.Addr,
		interval:    cfg.Interval,
		timeout:     cfg.Timeout,
		threshold:   cfg.Threshold,
		dial:        cfg.Dial,
		onReachable: onReachable,
		logger:      logger,
	}
	if p.dial == nil {
		p.dial = p.tcpProbe
	}
	return p
}

// Run executes the probe loop until ctx is cancelled. The first probe fires
// after one interval, not immediately: the caller just observed a failure.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	consecutive := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
		err := p.dial(probeCtx, p.addr)
		cancel()

		if err != nil {
			consecutive = 0
			p.logger.Debug("remote probe failed", log.Err(err))
			continue
		}

		consecutive++
		if consecutive >= p.threshold {
			consecutive = 0
			p.logger.Info("remote reachable",
				log.String("addr", p.addr),
				log.Int("threshold", p.threshold),
			)
			if p.onReachable != nil {
				p.onReachable()
			}
		}
	}
}

func (p *Prober) tcpProbe(ctx context.Context, addr string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}
