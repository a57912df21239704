package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fabfab/knowledgebase/internal/apperr"
)

// Delivery wraps a dequeued Job with the raw payload needed to Ack/Nack it.
type Delivery struct {
	Job     Job
	payload string
}

// Queue is a reliable list-based queue: Dequeue atomically moves a message
// from the main list to the queue's processing list (BRPopLPush); Ack
// removes it from the processing list; Nack pushes it back onto the main
// list for retry. This generalizes the teacher pack's RPush/BLPop queue
// with at-least-once redelivery semantics instead of fire-and-forget pop.
type Queue struct {
	client        *redis.Client
	queueKey      string
	processingKey string
}

// New builds a Queue against an already-configured redis.Client.
func New(client *redis.Client, queueKey, processingKey string) *Queue {
	if queueKey == "" {
		queueKey = "kb:ingest:queue"
	}
	if processingKey == "" {
		processingKey = "kb:ingest:processing"
	}
	return &Queue{client: client, queueKey: queueKey, processingKey: processingKey}
}

// Enqueue pushes job onto the main list.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return apperr.Permanent(apperr.CodeValidationError, "encode job", err)
	}
	if err := q.client.RPush(ctx, q.queueKey, data).Err(); err != nil {
		return apperr.Transient("enqueue job", err)
	}
	return nil
}

// Dequeue blocks up to timeout for a message, atomically moving it into the
// processing list. A zero timeout blocks indefinitely (subject to ctx).
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	payload, err := q.client.BRPopLPush(ctx, q.queueKey, q.processingKey, timeout).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperr.Transient("dequeue job", err)
	}

	job, decodeErr := DecodeJob([]byte(payload), nil)
	if decodeErr != nil {
		// A malformed payload is a permanent error at the message level; the
		// caller is responsible for acking it so it is not redelivered.
		return &Delivery{Job: job, payload: payload}, decodeErr
	}
	return &Delivery{Job: job, payload: payload}, nil
}

// Ack removes the delivery from the processing list, marking it handled.
func (q *Queue) Ack(ctx context.Context, d *Delivery) error {
	if err := q.client.LRem(ctx, q.processingKey, 1, d.payload).Err(); err != nil {
		return apperr.Transient("ack job", err)
	}
	return nil
}

// Nack removes the delivery from the processing list and pushes it back
// onto the main queue for retry by another worker.
func (q *Queue) Nack(ctx context.Context, d *Delivery) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processingKey, 1, d.payload)
	pipe.RPush(ctx, q.queueKey, d.payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperr.Transient("nack job", err)
	}
	return nil
}

// NewRequestID generates a correlation ID for an ingestion request.
func NewRequestID() string { return uuid.NewString() }
