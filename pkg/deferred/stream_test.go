package deferred

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/audittrail/pkg/observability"
)

func setupStream(t *testing.T) *redis.Client {
	t.Helper()
	_, client := setupStreamServer(t)
	return client
}

func setupStreamServer(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// holder keeps delivered units without finishing them
type holder struct {
	mu    sync.Mutex
	units []Unit
}

func (h *holder) Deliver(_ context.Context, u Unit) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.units = append(h.units, u)
	return nil
}

func (h *holder) Units() []Unit {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Unit(nil), h.units...)
}

func pendingCount(t *testing.T, client *redis.Client, stream, group string) int64 {
	t.Helper()
	pending, err := client.XPending(context.Background(), stream, group).Result()
	require.NoError(t, err)
	return pending.Count
}

func TestStream_PublishAndPoll(t *testing.T) {
	client := setupStream(t)
	ctx := context.Background()

	sink := &collector{}
	consumer := NewStreamConsumer(client, StreamConsumerConfig{
		Stream:   "audit:units",
		Group:    "workers",
		Consumer: "w1",
	}, sink, nil, nil)
	require.NoError(t, consumer.EnsureGroup(ctx))
	require.NoError(t, consumer.EnsureGroup(ctx), "existing group is not an error")

	pub := NewStreamPublisher(client, "audit:units", 1, 1000)
	capt := NewCapturer(10, nil, nil)
	u1, err := capt.Capture("req-1", "subject.updated", map[string]string{"id": "42"})
	require.NoError(t, err)
	u2, err := capt.Capture("req-1", "meta.updated", nil)
	require.NoError(t, err)
	require.NoError(t, pub.Deliver(ctx, u1))
	require.NoError(t, pub.Deliver(ctx, u2))

	n, err := consumer.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	units := sink.Units()
	require.Len(t, units, 2)
	assert.Equal(t, "req-1", units[0].OperationID)
	assert.Equal(t, int64(1), units[0].Seq)
	assert.JSONEq(t, `{"id":"42"}`, string(units[0].Payload))
	assert.Equal(t, "meta.updated", units[1].Kind)
	assert.True(t, units[0].CapturedAt.Equal(u1.CapturedAt))

	pending, err := client.XPending(ctx, "audit:units", "workers").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)

	n, err = consumer.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStream_MalformedMessage(t *testing.T) {
	client := setupStream(t)
	ctx := context.Background()
	metrics := observability.NewUnregisteredMetrics()

	sink := &collector{}
	consumer := NewStreamConsumer(client, StreamConsumerConfig{
		Stream: "s", Group: "g", Consumer: "c",
	}, sink, nil, metrics)
	require.NoError(t, consumer.EnsureGroup(ctx))

	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{
		Stream: "s",
		Values: map[string]interface{}{"unit": "not json"},
	}).Err())

	n, err := consumer.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, sink.Units())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DeferredDroppedTotal.WithLabelValues("unknown", "bad_message")))

	pending, err := client.XPending(ctx, "s", "g").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count, "malformed messages are acknowledged")
}

func TestStream_Reclaim(t *testing.T) {
	client := setupStream(t)
	ctx := context.Background()

	sink := &collector{}
	consumer := NewStreamConsumer(client, StreamConsumerConfig{
		Stream:    "s",
		Group:     "g",
		Consumer:  "w2",
		ClaimIdle: 10 * time.Millisecond,
	}, sink, nil, nil)
	require.NoError(t, consumer.EnsureGroup(ctx))

	require.NoError(t, NewStreamPublisher(client, "s", 1, 0).Deliver(ctx, unit("op", 1)))

	// a consumer that reads and dies before acknowledging
	_, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    "g",
		Consumer: "w1",
		Streams:  []string{"s", ">"},
		Block:    -1,
	}).Result()
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	n, err := consumer.Reclaim(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, sink.Units(), 1)
	assert.Equal(t, "op", sink.Units()[0].OperationID)

	t.Run("disabled", func(t *testing.T) {
		c := NewStreamConsumer(client, StreamConsumerConfig{Stream: "s", Group: "g", Consumer: "w3"}, sink, nil, nil)
		n, err := c.Reclaim(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestShardStream(t *testing.T) {
	assert.Equal(t, "s", ShardStream("s", 0, "op"))
	assert.Equal(t, "s", ShardStream("s", 1, "op"))

	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		op := fmt.Sprintf("op-%d", i)
		name := ShardStream("s", 4, op)
		assert.Equal(t, name, ShardStream("s", 4, op), "an operation always maps to one shard")
		seen[name] = true
	}
	assert.Equal(t, map[string]bool{"s:0": true, "s:1": true, "s:2": true, "s:3": true}, seen)
}

func TestStream_PublishSharded(t *testing.T) {
	client := setupStream(t)
	ctx := context.Background()

	pub := NewStreamPublisher(client, "s", 4, 0)
	for seq := int64(1); seq <= 3; seq++ {
		require.NoError(t, pub.Deliver(ctx, unit("op-x", seq)))
	}

	shard := ShardStream("s", 4, "op-x")
	n, err := client.XLen(ctx, shard).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	for i := 0; i < 4; i++ {
		if name := ShardName("s", i); name != shard {
			n, err := client.XLen(ctx, name).Result()
			require.NoError(t, err)
			assert.Zero(t, n, name)
		}
	}
}

func TestStream_AckWhenDone(t *testing.T) {
	client := setupStream(t)
	ctx := context.Background()

	target := &holder{}
	consumer := NewStreamConsumer(client, StreamConsumerConfig{
		Stream: "s", Group: "g", Consumer: "w1",
	}, target, nil, nil)
	require.NoError(t, consumer.EnsureGroup(ctx))
	require.NoError(t, NewStreamPublisher(client, "s", 1, 0).Deliver(ctx, unit("op", 1)))

	n, err := consumer.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, int64(1), pendingCount(t, client, "s", "g"), "not acknowledged before the unit ran")

	units := target.Units()
	require.Len(t, units, 1)
	require.NotNil(t, units[0].Done)
	units[0].Done()
	assert.Zero(t, pendingCount(t, client, "s", "g"))

	t.Run("refused units stay pending", func(t *testing.T) {
		refusing := NewStreamConsumer(client, StreamConsumerConfig{
			Stream: "s", Group: "g", Consumer: "w1",
		}, &collector{err: errors.New("pool closed")}, nil, nil)
		require.NoError(t, NewStreamPublisher(client, "s", 1, 0).Deliver(ctx, unit("op", 2)))

		_, err := refusing.Poll(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), pendingCount(t, client, "s", "g"))
	})
}

func TestStream_Recover(t *testing.T) {
	client := setupStream(t)
	ctx := context.Background()

	first := NewStreamConsumer(client, StreamConsumerConfig{
		Stream: "s", Group: "g", Consumer: "w1",
	}, &holder{}, nil, nil)
	require.NoError(t, first.EnsureGroup(ctx))
	pub := NewStreamPublisher(client, "s", 1, 0)
	require.NoError(t, pub.Deliver(ctx, unit("op", 1)))
	require.NoError(t, pub.Deliver(ctx, unit("op", 2)))

	n, err := first.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// the same consumer name after a restart
	sink := &collector{}
	restarted := NewStreamConsumer(client, StreamConsumerConfig{
		Stream: "s", Group: "g", Consumer: "w1", Count: 1,
	}, sink, nil, nil)

	n, err = restarted.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, sink.Units(), 2)
	assert.Equal(t, int64(1), sink.Units()[0].Seq)
	assert.Equal(t, int64(2), sink.Units()[1].Seq)
	assert.Zero(t, pendingCount(t, client, "s", "g"))

	n, err = restarted.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStream_ReclaimLeavesOwnUnits(t *testing.T) {
	client := setupStream(t)
	ctx := context.Background()

	target := &holder{}
	consumer := NewStreamConsumer(client, StreamConsumerConfig{
		Stream: "s", Group: "g", Consumer: "w1", ClaimIdle: 10 * time.Millisecond,
	}, target, nil, nil)
	require.NoError(t, consumer.EnsureGroup(ctx))
	require.NoError(t, NewStreamPublisher(client, "s", 1, 0).Deliver(ctx, unit("op", 1)))

	_, err := consumer.Poll(ctx)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	n, err := consumer.Reclaim(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "in-flight units are not handed out twice")
	assert.Len(t, target.Units(), 1)
}

func TestStream_Lease(t *testing.T) {
	mr, client := setupStreamServer(t)
	ctx := context.Background()

	cfg := StreamConsumerConfig{Stream: "s:0", Group: "g", Consumer: "w1", Lease: 30 * time.Second}
	owner := NewStreamConsumer(client, cfg, &collector{}, nil, nil)
	cfg.Consumer = "w2"
	standby := NewStreamConsumer(client, cfg, &collector{}, nil, nil)

	ok, err := owner.AcquireLease(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = standby.AcquireLease(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "one active consumer per stream")

	mr.FastForward(20 * time.Second)
	ok, err = owner.AcquireLease(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "the owner renews")

	mr.FastForward(20 * time.Second)
	ok, err = standby.AcquireLease(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "renewal pushed the expiry out")

	mr.FastForward(31 * time.Second)
	ok, err = standby.AcquireLease(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "a lapsed lease is taken over")

	t.Run("disabled", func(t *testing.T) {
		c := NewStreamConsumer(client, StreamConsumerConfig{Stream: "s:1", Group: "g", Consumer: "w3"}, &collector{}, nil, nil)
		ok, err := c.AcquireLease(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestStream_RunStopsOnCancel(t *testing.T) {
	client := setupStream(t)
	ctx, cancel := context.WithCancel(context.Background())

	consumer := NewStreamConsumer(client, StreamConsumerConfig{
		Stream: "s", Group: "g", Consumer: "c", Block: 10 * time.Millisecond,
	}, &collector{}, nil, nil)

	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}
