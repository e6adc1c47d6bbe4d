// Package queue is the work broker between the controller and the worker
// pool: a Redis list carrying job ids. Claims are exclusive. A dequeue moves
// the id onto a per-process claimed list, and only an ack (or nack) removes
// it from there. The queue carries ids only; job state lives in the store.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	pendingKey = "repack:queue"
	claimedKey = "repack:queue:claimed"

	// pollInterval bounds how long a blocking dequeue waits before
	// rechecking its context, which keeps shutdown under a second.
	pollInterval = time.Second
)

// ErrClosed is returned by Dequeue once the caller's context is done.
var ErrClosed = errors.New("queue closed")

// Queue is a FIFO broker over a Redis list. Safe for concurrent use.
type Queue struct {
	rdb *redis.Client
	log *zap.Logger
}

// New returns a Queue on the given Redis client.
func New(rdb *redis.Client, logger *zap.Logger) *Queue {
	return &Queue{rdb: rdb, log: logger}
}

// Enqueue appends the job id to the pending queue. A job must be enqueued at
// most once; the controller guarantees that by never re-enqueueing
// non-terminal jobs.
func (q *Queue) Enqueue(ctx context.Context, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("queue: enqueue: missing job id")
	}
	if err := q.rdb.LPush(ctx, pendingKey, jobID).Err(); err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", jobID, err)
	}
	return nil
}

// Dequeue blocks until a job id can be claimed or ctx is done. The claim is
// exclusive: the id is moved atomically onto the claimed list and stays there
// until Ack or Nack.
func (q *Queue) Dequeue(ctx context.Context) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", ErrClosed
		}
		id, err := q.rdb.BLMove(ctx, pendingKey, claimedKey, "RIGHT", "LEFT", pollInterval).Result()
		if err == redis.Nil {
			continue // poll window elapsed without work
		}
		if err != nil {
			if ctx.Err() != nil {
				return "", ErrClosed
			}
			return "", fmt.Errorf("queue: dequeue: %w", err)
		}
		return id, nil
	}
}

// Ack releases the claim after the job ran to a terminal state.
func (q *Queue) Ack(ctx context.Context, jobID string) error {
	if err := q.rdb.LRem(ctx, claimedKey, 1, jobID).Err(); err != nil {
		return fmt.Errorf("queue: ack %s: %w", jobID, err)
	}
	return nil
}

// Nack releases the claim without success. With requeue the id goes back to
// the head of the pending queue, so an interrupted claim is the next one
// served; without it the id is dropped from the broker entirely.
func (q *Queue) Nack(ctx context.Context, jobID string, requeue bool) error {
	if err := q.rdb.LRem(ctx, claimedKey, 1, jobID).Err(); err != nil {
		return fmt.Errorf("queue: nack %s: %w", jobID, err)
	}
	if !requeue {
		return nil
	}
	if err := q.rdb.RPush(ctx, pendingKey, jobID).Err(); err != nil {
		return fmt.Errorf("queue: requeue %s: %w", jobID, err)
	}
	return nil
}

// Depth reports the number of pending (unclaimed) jobs. The admission
// high-water check reads this before creating new jobs.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, pendingKey).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: depth: %w", err)
	}
	return n, nil
}
