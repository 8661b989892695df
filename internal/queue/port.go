// Package queue defines the broker-agnostic Queue port consumed by the
// reactive policy (C8/C16). redisqueue provides the production
// Redis-backed implementation; memqueue provides an in-memory fake for
// tests.
package queue

import (
	"context"
	"time"
)

// EndOfStream is the sentinel payload the reactive policy treats as
// "stop draining for this tick" -- a test affordance per spec.md §6.
const EndOfStream = "__END__"

// Message is one queue entry: its raw JSON payload and a handle used
// to Ack or Reject it.
type Message struct {
	Payload []byte
	handle  any
}

// Port is the abstraction over the job queue.
type Port interface {
	Size(ctx context.Context) (int, error)
	// Get blocks up to timeout waiting for a message. A nil message
	// with a nil error means the timeout elapsed with nothing
	// available.
	Get(ctx context.Context, timeout time.Duration) (*Message, error)
	Ack(ctx context.Context, msg *Message) error
	Reject(ctx context.Context, msg *Message, requeue bool) error
}

// NewMessage constructs a Message carrying an opaque broker-specific
// handle, for use by Port implementations.
func NewMessage(payload []byte, handle any) *Message {
	return &Message{Payload: payload, handle: handle}
}

// Handle returns the broker-specific handle passed to NewMessage.
func (m *Message) Handle() any { return m.handle }
