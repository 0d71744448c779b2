package session

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/fieldgate-io/fieldgate/internal/metrics"
	"github.com/fieldgate-io/fieldgate/internal/protocol"
	"github.com/fieldgate-io/fieldgate/internal/telemetry"
	"github.com/fieldgate-io/fieldgate/pkg/log"
)

// Server accepts device connections and runs one Controller per
// connection. Controllers are fully isolated: one device going offline
// never touches another's session.
type Server struct {
	cfg    Config
	sink   telemetry.Sink
	met    *metrics.Metrics
	stores Stores
	logger log.Logger

	mu          sync.Mutex
	listener    net.Listener
	controllers map[*Controller]struct{}
	closed      bool

	conns sync.WaitGroup
}

// NewServer builds a device-facing server. The same optionality as
// NewController applies to sink and met.
func NewServer(cfg Config, sink telemetry.Sink, met *metrics.Metrics, stores Stores, logger log.Logger) *Server {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &Server{
		cfg:         cfg.withDefaults(),
		sink:        sink,
		met:         met,
		stores:      stores,
		logger:      logger,
		controllers: make(map[*Controller]struct{}),
	}
}

// Serve accepts device connections on ln until ctx is cancelled or Close
// is called. It owns ln from this point.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return net.ErrClosed
	}
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.logger.Info("listening for device connections",
		log.String("addr", ln.Addr().String()),
		log.String("remote", s.cfg.RemoteAddr),
	)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Close stops accepting and tears down every live session.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Unlock()

	s.conns.Wait()
}

// SetQueueCapacity applies a new outage queue bound to every live session.
// New sessions pick it up from the updated config.
func (s *Server) SetQueueCapacity(capacity int) {
	if capacity <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.QueueCapacity = capacity
	for c := range s.controllers {
		c.SetQueueCapacity(capacity)
	}
}

// SetProbing adjusts the offline probe cadence for sessions created after
// the call. Live sessions keep the cadence they started with.
func (s *Server) SetProbing(interval, timeout time.Duration, threshold int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if interval > 0 {
		s.cfg.ProbeInterval = interval
	}
	if timeout > 0 {
		s.cfg.ProbeTimeout = timeout
	}
	if threshold > 0 {
		s.cfg.ProbeThreshold = threshold
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	logger := log.With(s.logger, log.String("device", conn.RemoteAddr().String()))
	logger.Info("device connected")

	ctrl := NewController(s.cfg, s.sink, s.met, s.stores, logger)
	ctrl.Start(ctx)

	s.mu.Lock()
	s.controllers[ctrl] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.controllers, ctrl)
		s.mu.Unlock()
		ctrl.Close()
		logger.Info("device disconnected", log.String("mode", ctrl.Mode().String()))
	}()

	br := bufio.NewReader(conn)
	for {
		// Device silence beyond this bound is the only condition that
		// closes the device socket; remote trouble never does.
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.OfflineDeviceTimeout)); err != nil {
			return
		}
		raw, err := protocol.ReadBlock(br)
		if err != nil {
			derr := classifyDevice("read", err)
			if derr.Kind == DeviceTimeout {
				logger.Info("device idle timeout, closing session")
			} else {
				logger.Debug("device closed connection", log.Err(err))
			}
			return
		}

		req, err := protocol.Parse(raw, time.Now())
		if err != nil {
			// Malformed device bytes are dropped; the session stays up.
			logger.Warn("malformed device frame dropped", log.Err(err))
			continue
		}

		resp := ctrl.Handle(ctx, req)
		if resp == nil {
			continue
		}

		if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.DeviceWriteTimeout)); err != nil {
			return
		}
		if err := protocol.WriteBlock(conn, resp); err != nil {
			logger.Warn("device write failed, closing session", log.Err(err))
			return
		}
		s.met.RecordFrame(ctrl.Serial(), "device_out")
	}
}
