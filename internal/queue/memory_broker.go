package queue

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

type delayedRaw struct {
	raw string
	due time.Time
}

type memoryQueue struct {
	ready    []string
	delayed  []delayedRaw
	inflight map[string]time.Time
	failed   []string
}

// MemoryBroker is an in-process Broker used for tests and single-binary runs.
type MemoryBroker struct {
	mu         sync.Mutex
	queues     map[string]*memoryQueue
	notify     chan struct{}
	visibility time.Duration
	history    int
	closed     bool
	now        func() time.Time
}

// NewMemoryBroker creates an empty in-memory broker.
func NewMemoryBroker(visibility time.Duration) *MemoryBroker {
	if visibility <= 0 {
		visibility = 10 * time.Minute
	}
	return &MemoryBroker{
		queues:     make(map[string]*memoryQueue),
		notify:     make(chan struct{}),
		visibility: visibility,
		history:    1000,
		now:        time.Now,
	}
}

func (b *MemoryBroker) queue(name string) *memoryQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &memoryQueue{inflight: make(map[string]time.Time)}
		b.queues[name] = q
	}
	return q
}

// broadcast wakes every waiting Pop. Caller holds mu.
func (b *MemoryBroker) broadcast() {
	close(b.notify)
	b.notify = make(chan struct{})
}

// Push enqueues a message.
func (b *MemoryBroker) Push(ctx context.Context, msg *Message, delay time.Duration) error {
	raw, err := encodeMessage(msg)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}

	q := b.queue(msg.Queue)
	if delay > 0 {
		q.delayed = append(q.delayed, delayedRaw{raw: raw, due: b.now().Add(delay)})
	} else {
		q.ready = append(q.ready, raw)
	}
	b.broadcast()
	return nil
}

// promote moves due delayed messages to ready and returns the earliest
// remaining due time. Caller holds mu.
func (b *MemoryBroker) promote(q *memoryQueue) time.Time {
	now := b.now()
	sort.SliceStable(q.delayed, func(i, j int) bool { return q.delayed[i].due.Before(q.delayed[j].due) })

	kept := q.delayed[:0]
	for _, d := range q.delayed {
		if !d.due.After(now) {
			q.ready = append(q.ready, d.raw)
			continue
		}
		kept = append(kept, d)
	}
	q.delayed = kept

	if len(q.delayed) == 0 {
		return time.Time{}
	}
	return q.delayed[0].due
}

// Pop waits for the next ready message.
func (b *MemoryBroker) Pop(ctx context.Context, queue string, wait time.Duration) (*Delivery, error) {
	deadline := b.now().Add(wait)

	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrBrokerClosed
		}
		q := b.queue(queue)
		nextDue := b.promote(q)
		if len(q.ready) > 0 {
			raw := q.ready[0]
			q.ready = q.ready[1:]
			q.inflight[raw] = b.now().Add(b.visibility)
			b.mu.Unlock()

			d, err := decodeDelivery(raw)
			if err != nil {
				_ = b.Fail(ctx, &Delivery{Message: Message{Queue: queue}, Raw: raw}, "decode: "+err.Error())
				return nil, err
			}
			return d, nil
		}
		ch := b.notify
		b.mu.Unlock()

		now := b.now()
		if !now.Before(deadline) {
			return nil, nil
		}
		sleep := deadline.Sub(now)
		if !nextDue.IsZero() && nextDue.Sub(now) < sleep {
			sleep = nextDue.Sub(now)
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-ch:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Ack removes a delivered message.
func (b *MemoryBroker) Ack(ctx context.Context, d *Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.queue(d.Queue).inflight, d.Raw)
	return nil
}

// Fail removes a delivered message and records it as failed.
func (b *MemoryBroker) Fail(ctx context.Context, d *Delivery, reason string) error {
	entry, err := json.Marshal(failedEntry{Message: json.RawMessage(d.Raw), Reason: reason, FailedAt: b.now().UTC()})
	if err != nil {
		entry = []byte(d.Raw)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(d.Queue)
	delete(q.inflight, d.Raw)
	q.failed = append([]string{string(entry)}, q.failed...)
	if len(q.failed) > b.history {
		q.failed = q.failed[:b.history]
	}
	return nil
}

// Recover requeues deliveries whose visibility deadline has passed.
func (b *MemoryBroker) Recover(ctx context.Context, queue string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(queue)
	now := b.now()
	n := 0
	for raw, deadline := range q.inflight {
		if deadline.After(now) {
			continue
		}
		delete(q.inflight, raw)
		q.ready = append([]string{raw}, q.ready...)
		n++
	}
	if n > 0 {
		b.broadcast()
	}
	return n, nil
}

// Pending returns the ready and delayed messages of a queue, in that order.
func (b *MemoryBroker) Pending(queue string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(queue)
	out := make([]Message, 0, len(q.ready)+len(q.delayed))
	for _, raw := range q.ready {
		if d, err := decodeDelivery(raw); err == nil {
			out = append(out, d.Message)
		}
	}
	for _, dr := range q.delayed {
		if d, err := decodeDelivery(dr.raw); err == nil {
			out = append(out, d.Message)
		}
	}
	return out
}

// InFlight returns the number of unacknowledged deliveries for a queue.
func (b *MemoryBroker) InFlight(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue(queue).inflight)
}

// FailedCount returns the size of the failed history for a queue.
func (b *MemoryBroker) FailedCount(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue(queue).failed)
}

// Ping reports whether the broker is open.
func (b *MemoryBroker) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	return nil
}

// Close wakes all waiters and rejects further operations.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		b.broadcast()
	}
	return nil
}
