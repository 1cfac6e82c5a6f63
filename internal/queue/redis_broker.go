package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis broker configuration.
type RedisConfig struct {
	Addr              string
	Password          string
	DB                int
	PoolSize          int
	Prefix            string
	VisibilityTimeout time.Duration
	FailedHistory     int64
}

// RedisBroker keeps each queue in a handful of keys:
//
//	<prefix><queue>:wait      list, ready messages
//	<prefix><queue>:active    list, delivered and not yet acked
//	<prefix><queue>:delayed   zset, score = due time (unix ms)
//	<prefix><queue>:inflight  zset, score = visibility deadline (unix ms)
//	<prefix><queue>:failed    list, bounded failure history
type RedisBroker struct {
	client     *redis.Client
	prefix     string
	visibility time.Duration
	history    int64
}

// claimScript promotes due delayed messages, then moves the oldest ready
// message to active and registers its visibility deadline in one step.
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, v in ipairs(due) do
	redis.call('ZREM', KEYS[1], v)
	redis.call('LPUSH', KEYS[2], v)
end
local raw = redis.call('RPOP', KEYS[2])
if not raw then
	return false
end
redis.call('LPUSH', KEYS[3], raw)
redis.call('ZADD', KEYS[4], ARGV[2], raw)
return raw
`)

// recoverScript requeues expired inflight messages and active entries that
// never got an inflight score.
var recoverScript = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, v in ipairs(items) do
	redis.call('ZREM', KEYS[1], v)
	redis.call('LREM', KEYS[2], 1, v)
	redis.call('RPUSH', KEYS[3], v)
end
local n = #items
local active = redis.call('LRANGE', KEYS[2], -100, -1)
for _, v in ipairs(active) do
	if not redis.call('ZSCORE', KEYS[1], v) then
		redis.call('LREM', KEYS[2], 1, v)
		redis.call('RPUSH', KEYS[3], v)
		n = n + 1
	end
end
return n
`)

// NewRedisBroker connects to Redis and verifies the connection.
func NewRedisBroker(cfg RedisConfig) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return newRedisBroker(client, cfg), nil
}

func newRedisBroker(client *redis.Client, cfg RedisConfig) *RedisBroker {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "ingest:"
	}
	visibility := cfg.VisibilityTimeout
	if visibility <= 0 {
		visibility = 10 * time.Minute
	}
	history := cfg.FailedHistory
	if history <= 0 {
		history = 1000
	}
	return &RedisBroker{client: client, prefix: prefix, visibility: visibility, history: history}
}

func (b *RedisBroker) key(queue, suffix string) string {
	return b.prefix + queue + ":" + suffix
}

// Push enqueues a message.
func (b *RedisBroker) Push(ctx context.Context, msg *Message, delay time.Duration) error {
	raw, err := encodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	if delay > 0 {
		due := time.Now().Add(delay).UnixMilli()
		if err := b.client.ZAdd(ctx, b.key(msg.Queue, "delayed"), redis.Z{Score: float64(due), Member: raw}).Err(); err != nil {
			return fmt.Errorf("redis zadd delayed: %w", err)
		}
		return nil
	}

	if err := b.client.LPush(ctx, b.key(msg.Queue, "wait"), raw).Err(); err != nil {
		return fmt.Errorf("redis lpush: %w", err)
	}
	return nil
}

// popPollInterval bounds how long Pop sleeps between empty claims.
const popPollInterval = 50 * time.Millisecond

// Pop claims the next ready message, polling until wait elapses.
func (b *RedisBroker) Pop(ctx context.Context, queue string, wait time.Duration) (*Delivery, error) {
	deadline := time.Now().Add(wait)
	for {
		raw, err := b.claim(ctx, queue)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if raw != "" {
			d, err := decodeDelivery(raw)
			if err != nil {
				// Unreadable envelopes go straight to the failed history.
				_ = b.Fail(ctx, &Delivery{Message: Message{Queue: queue}, Raw: raw}, "decode: "+err.Error())
				return nil, fmt.Errorf("decode message: %w", err)
			}
			return d, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		if remaining > popPollInterval {
			remaining = popPollInterval
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (b *RedisBroker) claim(ctx context.Context, queue string) (string, error) {
	now := time.Now()
	raw, err := claimScript.Run(ctx, b.client,
		[]string{b.key(queue, "delayed"), b.key(queue, "wait"), b.key(queue, "active"), b.key(queue, "inflight")},
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.FormatInt(now.Add(b.visibility).UnixMilli(), 10),
	).Text()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis claim: %w", err)
	}
	return raw, nil
}

// Ack removes a processed message.
func (b *RedisBroker) Ack(ctx context.Context, d *Delivery) error {
	pipe := b.client.TxPipeline()
	pipe.LRem(ctx, b.key(d.Queue, "active"), 1, d.Raw)
	pipe.ZRem(ctx, b.key(d.Queue, "inflight"), d.Raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis ack: %w", err)
	}
	return nil
}

// Fail removes a message and appends it to the bounded failed history.
func (b *RedisBroker) Fail(ctx context.Context, d *Delivery, reason string) error {
	entry, err := json.Marshal(failedEntry{Message: json.RawMessage(d.Raw), Reason: reason, FailedAt: time.Now().UTC()})
	if err != nil {
		entry = []byte(d.Raw)
	}

	pipe := b.client.TxPipeline()
	pipe.LRem(ctx, b.key(d.Queue, "active"), 1, d.Raw)
	pipe.ZRem(ctx, b.key(d.Queue, "inflight"), d.Raw)
	pipe.LPush(ctx, b.key(d.Queue, "failed"), entry)
	pipe.LTrim(ctx, b.key(d.Queue, "failed"), 0, b.history-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis fail: %w", err)
	}
	return nil
}

// Recover requeues deliveries whose visibility deadline has passed.
func (b *RedisBroker) Recover(ctx context.Context, queue string) (int, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	n, err := recoverScript.Run(ctx, b.client,
		[]string{b.key(queue, "inflight"), b.key(queue, "active"), b.key(queue, "wait")}, now,
	).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("redis recover: %w", err)
	}
	return n, nil
}

// Depth returns the number of ready and delayed messages for a queue.
func (b *RedisBroker) Depth(ctx context.Context, queue string) (int64, error) {
	ready, err := b.client.LLen(ctx, b.key(queue, "wait")).Result()
	if err != nil {
		return 0, fmt.Errorf("redis llen: %w", err)
	}
	delayed, err := b.client.ZCard(ctx, b.key(queue, "delayed")).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zcard: %w", err)
	}
	return ready + delayed, nil
}

// Ping checks the Redis connection.
func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}
