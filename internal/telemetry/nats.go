package telemetry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fieldgate-io/fieldgate/internal/protocol"
)

// DefaultSubjectPrefix is the subject root for published frames; the device
// serial is appended per message.
const DefaultSubjectPrefix = "fieldgate.frames"

// frameRecord is the published JSON shape.
type frameRecord struct {
	Serial    string     `json:"serial"`
	Cmd       string     `json:"cmd"`
	Direction string     `json:"direction"`
	At        time.Time  `json:"at"`
	Fields    []fieldRec `json:"fields"`
}

type fieldRec struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// NATSSink publishes frames to NATS subjects keyed by device serial.
type NATSSink struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSSink connects to the given NATS URL. The connection reconnects
// indefinitely; publish failures while disconnected surface as errors that
// the caller logs and swallows.
func NewNATSSink(url, prefix string) (*NATSSink, error) {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	conn, err := nats.Connect(url,
		nats.Name("fieldgate"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &NATSSink{conn: conn, prefix: prefix}, nil
}

// Publish sends one frame as JSON on <prefix>.<serial>.
func (s *NATSSink) Publish(ctx context.Context, f *protocol.Frame) error {
	serial := f.Serial()
	if serial == "" {
		serial = "unknown"
	}

	rec := frameRecord{
		Serial:    serial,
		Cmd:       f.CommandClass(),
		Direction: "request",
		At:        f.ArrivedAt(),
	}
	if f.IsResponse() {
		rec.Direction = "response"
	}
	for _, fld := range f.Fields() {
		rec.Fields = append(rec.Fields, fieldRec{Name: fld.Name, Value: fld.Value})
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.conn.Publish(s.prefix+"."+serial, data)
}

// Close drains and closes the connection.
func (s *NATSSink) Close() error {
	return s.conn.Drain()
}
