package session

import (
	"bufio"
	"context"
	"errors"
	"net"
	"time"

	"github.com/fieldgate-io/fieldgate/internal/protocol"
	"github.com/fieldgate-io/fieldgate/pkg/log"
)

// DialFunc opens the remote connection; overridable for tests.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

func defaultDial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// remoteLink wraps one outbound remote connection. It is owned by exactly
// one goroutine at a time: the controller during FORWARD, the replay driver
// during REPLAY.
type remoteLink struct {
	conn   net.Conn
	br     *bufio.Reader
	logger log.Logger
}

// dialRemote opens a remote link within timeout.
func dialRemote(ctx context.Context, dial DialFunc, addr string, timeout time.Duration, logger log.Logger) (*remoteLink, *RemoteError) {
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := dial(dctx, addr)
	if err != nil {
		return nil, classifyRemote("connect", err)
	}
	return &remoteLink{
		conn:   conn,
		br:     bufio.NewReader(conn),
		logger: logger,
	}, nil
}

// roundTrip writes one frame and waits for the remote's response within
// timeout. Malformed remote blocks are dropped and the read continues on
// the same connection until the deadline.
func (l *remoteLink) roundTrip(f *protocol.Frame, timeout time.Duration) (*protocol.Frame, *RemoteError) {
	deadline := time.Now().Add(timeout)
	if err := l.conn.SetDeadline(deadline); err != nil {
		return nil, classifyRemote("write", err)
	}
	if err := protocol.WriteBlock(l.conn, f); err != nil {
		return nil, classifyRemote("write", err)
	}

	for {
		raw, err := protocol.ReadBlock(l.br)
		if err != nil {
			return nil, classifyRemote("read", err)
		}
		resp, perr := protocol.Parse(raw, time.Now())
		if perr != nil {
			if errors.Is(perr, protocol.ErrMalformedFrame) {
				l.logger.Debug("malformed remote block dropped", log.Err(perr))
				continue
			}
			return nil, classifyRemote("read", perr)
		}
		return resp, nil
	}
}

// Close releases the connection.
func (l *remoteLink) Close() {
	_ = l.conn.Close()
}
