// Package queue implements durable named work queues with job bookkeeping.
// Delivery is at-least-once: a message whose worker dies is redelivered once
// its visibility timeout lapses, so processors must be idempotent.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrBrokerClosed is returned by operations on a closed broker.
var ErrBrokerClosed = errors.New("broker closed")

// Message is the envelope pushed to the broker.
type Message struct {
	JobID      uuid.UUID       `json:"job_id"`
	Queue      string          `json:"queue"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Delivery is a message handed to a worker. Raw is the exact encoded form
// used to acknowledge it.
type Delivery struct {
	Message
	Raw string
}

// Broker moves messages between producers and workers.
type Broker interface {
	// Push makes msg available now, or after delay when delay > 0.
	Push(ctx context.Context, msg *Message, delay time.Duration) error
	// Pop waits up to wait for a message. It returns nil, nil on timeout.
	Pop(ctx context.Context, queue string, wait time.Duration) (*Delivery, error)
	// Ack removes a delivered message.
	Ack(ctx context.Context, d *Delivery) error
	// Fail removes a delivered message and records it in the failed history.
	Fail(ctx context.Context, d *Delivery, reason string) error
	// Recover returns messages whose visibility timeout expired to the queue.
	Recover(ctx context.Context, queue string) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

func encodeMessage(msg *Message) (string, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeDelivery(raw string) (*Delivery, error) {
	d := &Delivery{Raw: raw}
	if err := json.Unmarshal([]byte(raw), &d.Message); err != nil {
		return nil, err
	}
	return d, nil
}

type failedEntry struct {
	Message  json.RawMessage `json:"message"`
	Reason   string          `json:"reason"`
	FailedAt time.Time       `json:"failed_at"`
}
