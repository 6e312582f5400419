// Package redisqueue implements the dispatch queue on Redis lists.
//
// Producers RPUSH onto the pending list. Consumers BLMOVE the head of the
// pending list onto a processing list and LREM it on ack, so a message taken
// by a worker that dies before acking stays visible on the processing list.
// Nothing moves it back automatically.
package redisqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/manthysbr/clinisandbox/internal/core/domain"
)

type Queue struct {
	client     redis.UniversalClient
	pending    string
	processing string
}

type Options struct {
	Addr     string
	Password string
	DB       int
	// Name is the pending list key; the processing list is Name + ":processing".
	Name string
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, opts Options) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", opts.Addr, err)
	}
	return New(client, opts.Name), nil
}

// New wraps an existing client.
func New(client redis.UniversalClient, name string) *Queue {
	return &Queue{
		client:     client,
		pending:    name,
		processing: name + ":processing",
	}
}

func (q *Queue) Enqueue(ctx context.Context, msg domain.QueueMessage) error {
	raw, err := msg.Encode()
	if err != nil {
		return err
	}
	if err := q.client.RPush(ctx, q.pending, raw).Err(); err != nil {
		return fmt.Errorf("enqueue job %s: %w", msg.JobID, err)
	}
	return nil
}

// Dequeue blocks up to wait for the oldest pending message. A malformed
// payload is dropped from the processing list and reported as an error.
func (q *Queue) Dequeue(ctx context.Context, wait time.Duration) (*domain.Delivery, error) {
	raw, err := q.client.BLMove(ctx, q.pending, q.processing, "LEFT", "RIGHT", wait).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	msg, err := domain.DecodeQueueMessage(raw)
	if err != nil {
		_ = q.client.LRem(ctx, q.processing, 1, raw).Err()
		return nil, err
	}
	return &domain.Delivery{Message: msg, Raw: raw}, nil
}

func (q *Queue) Ack(ctx context.Context, d domain.Delivery) error {
	if err := q.client.LRem(ctx, q.processing, 1, d.Raw).Err(); err != nil {
		return fmt.Errorf("ack job %s: %w", d.Message.JobID, err)
	}
	return nil
}

// Depth reports the pending and in-flight list lengths.
func (q *Queue) Depth(ctx context.Context) (pending, inflight int64, err error) {
	pipe := q.client.Pipeline()
	p := pipe.LLen(ctx, q.pending)
	f := pipe.LLen(ctx, q.processing)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("queue depth: %w", err)
	}
	return p.Val(), f.Val(), nil
}

// Inflight lists messages taken by workers and not yet acked.
func (q *Queue) Inflight(ctx context.Context) ([]domain.QueueMessage, error) {
	raws, err := q.client.LRange(ctx, q.processing, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list inflight: %w", err)
	}
	out := make([]domain.QueueMessage, 0, len(raws))
	for _, raw := range raws {
		msg, err := domain.DecodeQueueMessage(raw)
		if err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}
