//go:build integration

package queue

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func setupRedisBroker(t *testing.T, visibility time.Duration) *RedisBroker {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate redis container: %v", err)
		}
	})

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := redis.ParseURL(uri)
	require.NoError(t, err)

	b, err := NewRedisBroker(RedisConfig{Addr: opts.Addr, Prefix: "test:", VisibilityTimeout: visibility, FailedHistory: 2})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestRedisBroker_RoundTrip(t *testing.T) {
	b := setupRedisBroker(t, time.Minute)
	ctx := context.Background()

	first := newMessage("q")
	require.NoError(t, b.Push(ctx, first, 0))
	require.NoError(t, b.Push(ctx, newMessage("q"), 0))

	d, err := b.Pop(ctx, "q", time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, first.JobID, d.JobID, "FIFO order")
	require.NoError(t, b.Ack(ctx, d))

	depth, err := b.Depth(ctx, "q")
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)
}

func TestRedisBroker_DelayedAndFailed(t *testing.T) {
	b := setupRedisBroker(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, b.Push(ctx, newMessage("q"), 300*time.Millisecond))

	d, err := b.Pop(ctx, "q", 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, d)

	time.Sleep(300 * time.Millisecond)
	d, err = b.Pop(ctx, "q", time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)

	require.NoError(t, b.Fail(ctx, d, "boom"))
	for i := 0; i < 3; i++ {
		msg := newMessage("q")
		require.NoError(t, b.Push(ctx, msg, 0))
		got, err := b.Pop(ctx, "q", time.Second)
		require.NoError(t, err)
		require.NoError(t, b.Fail(ctx, got, "boom"))
	}

	n, err := b.client.LLen(ctx, b.key("q", "failed")).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 2, n, "failed history is bounded")
}

func TestRedisBroker_RecoverExpired(t *testing.T) {
	b := setupRedisBroker(t, 100*time.Millisecond)
	ctx := context.Background()

	msg := newMessage("q")
	require.NoError(t, b.Push(ctx, msg, 0))
	_, err := b.Pop(ctx, "q", time.Second)
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)
	n, err := b.Recover(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again, err := b.Pop(ctx, "q", time.Second)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, msg.JobID, again.JobID)
}

func TestRedisBroker_PopRegistersInflight(t *testing.T) {
	b := setupRedisBroker(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, b.Push(ctx, newMessage("q"), 0))
	d, err := b.Pop(ctx, "q", time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)

	active, err := b.client.LRange(ctx, b.key("q", "active"), 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{d.Raw}, active)

	score, err := b.client.ZScore(ctx, b.key("q", "inflight"), d.Raw).Result()
	require.NoError(t, err)
	assert.Greater(t, score, float64(time.Now().UnixMilli()))
}

func TestRedisBroker_RecoverRequeuesActiveWithoutDeadline(t *testing.T) {
	b := setupRedisBroker(t, time.Minute)
	ctx := context.Background()

	msg := newMessage("q")
	raw, err := encodeMessage(msg)
	require.NoError(t, err)
	require.NoError(t, b.client.LPush(ctx, b.key("q", "active"), raw).Err())

	n, err := b.Recover(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	d, err := b.Pop(ctx, "q", time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, msg.JobID, d.JobID)

	n, err = b.Recover(ctx, "q")
	require.NoError(t, err)
	assert.Zero(t, n, "claimed message has a live deadline")
}

func TestRedisBroker_PopHonoursContext(t *testing.T) {
	b := setupRedisBroker(t, time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	d, err := b.Pop(ctx, "q", 5*time.Second)
	assert.Nil(t, d)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
