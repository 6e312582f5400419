// Package memqueue is an in-process dispatch queue for single-binary
// development setups. It offers no durability across restarts.
package memqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/manthysbr/clinisandbox/internal/core/domain"
)

var ErrQueueFull = errors.New("dispatch queue full")

type Queue struct {
	pending chan domain.Delivery

	mu       sync.Mutex
	inflight map[string]int
}

// New creates a queue holding at most buffer undelivered messages.
func New(buffer int) *Queue {
	if buffer <= 0 {
		buffer = 100
	}
	return &Queue{
		pending:  make(chan domain.Delivery, buffer),
		inflight: make(map[string]int),
	}
}

// Enqueue never blocks; a full buffer is reported as ErrQueueFull.
func (q *Queue) Enqueue(_ context.Context, msg domain.QueueMessage) error {
	raw, err := msg.Encode()
	if err != nil {
		return err
	}
	select {
	case q.pending <- domain.Delivery{Message: msg, Raw: raw}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *Queue) Dequeue(ctx context.Context, wait time.Duration) (*domain.Delivery, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case d := <-q.pending:
		q.mu.Lock()
		q.inflight[d.Raw]++
		q.mu.Unlock()
		return &d, nil
	}
}

func (q *Queue) Ack(_ context.Context, d domain.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inflight[d.Raw] <= 1 {
		delete(q.inflight, d.Raw)
		return nil
	}
	q.inflight[d.Raw]--
	return nil
}

// Depth reports the pending and unacked message counts.
func (q *Queue) Depth() (pending, inflight int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, n := range q.inflight {
		inflight += n
	}
	return len(q.pending), inflight
}
