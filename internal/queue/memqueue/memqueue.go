// Package memqueue is an in-memory Queue implementation used by tests
// and by the reactive policy's scenario fixtures (spec.md §8 S5/S6).
// It mirrors the mock-port style of the teacher's scaler_test.go
// (a mutex-guarded slice, filled through Push rather than a network
// round trip).
package memqueue

import (
	"context"
	"sync"
	"time"

	"github.com/terrpan/runnerfleet/internal/queue"
)

// Queue is a FIFO in-memory implementation of queue.Port.
type Queue struct {
	mu       sync.Mutex
	messages [][]byte
	rejected [][]byte
	acked    [][]byte
}

// New returns an empty Queue.
func New() *Queue {
	return &Queue{}
}

// Push appends a raw payload, simulating a producer.
func (q *Queue) Push(payload []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append(q.messages, payload)
}

func (q *Queue) Size(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages), nil
}

func (q *Queue) Get(ctx context.Context, timeout time.Duration) (*queue.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.messages) == 0 {
		return nil, nil
	}
	payload := q.messages[0]
	q.messages = q.messages[1:]
	return queue.NewMessage(payload, nil), nil
}

func (q *Queue) Ack(_ context.Context, msg *queue.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, msg.Payload)
	return nil
}

func (q *Queue) Reject(_ context.Context, msg *queue.Message, requeue bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if requeue {
		q.messages = append(q.messages, msg.Payload)
		return nil
	}
	q.rejected = append(q.rejected, msg.Payload)
	return nil
}

// Acked returns every payload that has been acknowledged, for test
// assertions.
func (q *Queue) Acked() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([][]byte(nil), q.acked...)
}

// Rejected returns every payload rejected without requeue, for test
// assertions.
func (q *Queue) Rejected() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([][]byte(nil), q.rejected...)
}
