// Package telemetry delivers parsed frames to a downstream sink for local
// visibility, in every session mode.
//
// Delivery is fire-and-forget: a slow or failing sink must never block the
// proxy loop, so publishes go through a bounded buffer and overflow is
// dropped (and counted) rather than applied as backpressure.
package telemetry

import (
	"context"

	"github.com/fieldgate-io/fieldgate/internal/protocol"
)

// Sink receives parsed frames. It delivers and nothing else: no logic, no
// state, no interpretation.
type Sink interface {
	Publish(ctx context.Context, f *protocol.Frame) error
	Close() error
}

// NopSink discards every frame. Used when no downstream is configured.
type NopSink struct{}

// Publish discards the frame.
func (NopSink) Publish(ctx context.Context, f *protocol.Frame) error { return nil }

// Close is a no-op.
func (NopSink) Close() error { return nil }
