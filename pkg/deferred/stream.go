package deferred

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/audittrail/pkg/observability"
)

const unitField = "unit"

// ShardStream returns the stream that carries the units of operationID.
// All units of an operation land on the same shard. With one shard the
// base stream name is used as is.
func ShardStream(stream string, shards int, operationID string) string {
	if shards <= 1 {
		return stream
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(operationID))
	return ShardName(stream, int(h.Sum32()%uint32(shards)))
}

// ShardName returns the name of shard i of stream
func ShardName(stream string, i int) string {
	return fmt.Sprintf("%s:%d", stream, i)
}

// StreamPublisher appends units to Redis streams. It is a Transport for
// the capturer when units are executed by a separate worker process.
type StreamPublisher struct {
	client *redis.Client
	stream string
	shards int
	maxLen int64
}

// NewStreamPublisher creates a publisher for stream split into shards
// streams by operation id. maxLen caps each stream length approximately;
// zero leaves it unbounded.
func NewStreamPublisher(client *redis.Client, stream string, shards int, maxLen int64) *StreamPublisher {
	return &StreamPublisher{client: client, stream: stream, shards: shards, maxLen: maxLen}
}

// Deliver appends u to the shard of its operation
func (p *StreamPublisher) Deliver(ctx context.Context, u Unit) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode unit: %w", err)
	}

	stream := ShardStream(p.stream, p.shards, u.OperationID)
	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{unitField: string(data)},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", stream, err)
	}
	return nil
}

// StreamConsumerConfig configures a StreamConsumer
type StreamConsumerConfig struct {
	// Stream is one concrete stream, usually a shard from ShardName
	Stream   string
	Group    string
	Consumer string
	// Block is how long a read waits for new messages; zero or less returns
	// immediately
	Block time.Duration
	Count int64
	// ClaimIdle is how long a delivered but unacknowledged message stays with
	// another consumer before it is reclaimed; zero disables reclaiming
	ClaimIdle time.Duration
	// Lease is the TTL of the ownership key that keeps a stream to one
	// active consumer; zero disables the lease
	Lease time.Duration
}

// renewLease extends the lease when held by ARGV[1] or takes it when free
var renewLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
if redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2]) then
	return 1
end
return 0
`)

// StreamConsumer reads units from a Redis stream consumer group and hands
// them to a target Transport, normally an Executor. A message is
// acknowledged once the target reports the unit done through Unit.Done,
// so units lost with a crashed worker are reclaimed.
//
// Units of one operation only keep their order while a single consumer
// reads their stream. Workers therefore split the shards between them, and
// the Lease makes a second consumer of the same shard wait until the owner
// stops renewing.
type StreamConsumer struct {
	client  *redis.Client
	cfg     StreamConsumerConfig
	target  Transport
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewStreamConsumer creates a consumer. Call EnsureGroup before Poll.
func NewStreamConsumer(client *redis.Client, cfg StreamConsumerConfig, target Transport, logger *observability.Logger, metrics *observability.Metrics) *StreamConsumer {
	if cfg.Count <= 0 {
		cfg.Count = 32
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if metrics == nil {
		metrics = observability.NewUnregisteredMetrics()
	}
	return &StreamConsumer{
		client:  client,
		cfg:     cfg,
		target:  target,
		logger:  logger.WithFields(map[string]interface{}{"stream": cfg.Stream, "group": cfg.Group}),
		metrics: metrics,
	}
}

// Stream returns the stream this consumer reads
func (c *StreamConsumer) Stream() string {
	return c.cfg.Stream
}

// EnsureGroup creates the consumer group and the stream if missing
func (c *StreamConsumer) EnsureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// Poll reads one batch of new messages and returns how many were handled
func (c *StreamConsumer) Poll(ctx context.Context) (int, error) {
	block := c.cfg.Block
	if block <= 0 {
		block = -1
	}

	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.cfg.Stream, ">"},
		Count:    c.cfg.Count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("xreadgroup: %w", err)
	}

	n := 0
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			c.handle(ctx, msg)
			n++
		}
	}
	return n, nil
}

// Recover re-reads messages this consumer received but never acknowledged,
// typically before a restart, and handles them again
func (c *StreamConsumer) Recover(ctx context.Context) (int, error) {
	n := 0
	start := "0"
	for {
		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.cfg.Group,
			Consumer: c.cfg.Consumer,
			Streams:  []string{c.cfg.Stream, start},
			Count:    c.cfg.Count,
			Block:    -1,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return n, fmt.Errorf("xreadgroup pending: %w", err)
		}

		batch := 0
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				c.handle(ctx, msg)
				start = msg.ID
				batch++
			}
		}
		if batch == 0 {
			return n, nil
		}
		n += batch
	}
}

// AcquireLease takes or renews the stream ownership key. It always
// succeeds when Lease is zero.
func (c *StreamConsumer) AcquireLease(ctx context.Context) (bool, error) {
	if c.cfg.Lease <= 0 {
		return true, nil
	}
	n, err := renewLease.Run(ctx, c.client, []string{c.leaseKey()}, c.cfg.Consumer, c.cfg.Lease.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	return n == 1, nil
}

func (c *StreamConsumer) leaseKey() string {
	return c.cfg.Stream + ":owner:" + c.cfg.Group
}

// Reclaim takes over messages left pending by other consumers for longer
// than ClaimIdle and handles them. Messages pending with this consumer are
// still in flight and are left alone.
func (c *StreamConsumer) Reclaim(ctx context.Context) (int, error) {
	if c.cfg.ClaimIdle <= 0 {
		return 0, nil
	}

	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.cfg.Stream,
		Group:  c.cfg.Group,
		Start:  "-",
		End:    "+",
		Count:  c.cfg.Count,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending: %w", err)
	}

	var ids []string
	for _, p := range pending {
		if p.Consumer != c.cfg.Consumer && p.Idle >= c.cfg.ClaimIdle {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	msgs, err := c.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   c.cfg.Stream,
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		MinIdle:  c.cfg.ClaimIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("xclaim: %w", err)
	}

	for _, msg := range msgs {
		c.handle(ctx, msg)
	}
	return len(msgs), nil
}

// handle decodes and delivers one message. The message is acknowledged when
// the unit is done; malformed messages are acknowledged at once and never
// retried. A unit the target refuses stays pending for Reclaim or Recover.
func (c *StreamConsumer) handle(ctx context.Context, msg redis.XMessage) {
	raw, _ := msg.Values[unitField].(string)
	var u Unit
	if err := json.Unmarshal([]byte(raw), &u); err != nil || u.Kind == "" {
		c.metrics.DeferredDroppedTotal.WithLabelValues("unknown", "bad_message").Inc()
		c.logger.WithField("message_id", msg.ID).Error("Discarding malformed deferred unit")
		c.ack(ctx, msg.ID)
		return
	}

	ackCtx := context.WithoutCancel(ctx)
	u.Done = func() { c.ack(ackCtx, msg.ID) }

	if err := c.target.Deliver(ctx, u); err != nil {
		c.logger.WithError(err).WithFields(map[string]interface{}{
			"message_id": msg.ID,
			"operation":  u.OperationID,
			"kind":       u.Kind,
		}).Error("Failed to hand off deferred unit")
	}
}

func (c *StreamConsumer) ack(ctx context.Context, id string) {
	if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, id).Err(); err != nil {
		c.logger.WithError(err).WithField("message_id", id).Warn("Failed to acknowledge deferred unit")
	}
}

// Run creates the group and polls until ctx is done. While another consumer
// holds the lease it only retries the lease.
func (c *StreamConsumer) Run(ctx context.Context) error {
	if err := c.EnsureGroup(ctx); err != nil {
		return err
	}
	c.logger.WithField("consumer", c.cfg.Consumer).Info("Deferred unit consumer started")

	recovered := false
	for {
		if ctx.Err() != nil {
			return nil
		}

		owner, err := c.AcquireLease(ctx)
		if err != nil && ctx.Err() == nil {
			c.logger.WithError(err).Warn("Failed to renew deferred stream lease")
		}
		if !owner {
			if !c.wait(ctx, c.leaseRetry()) {
				return nil
			}
			continue
		}

		if !recovered {
			if n, err := c.Recover(ctx); err != nil && ctx.Err() == nil {
				c.logger.WithError(err).Warn("Failed to recover pending deferred units")
			} else if err == nil {
				recovered = true
				if n > 0 {
					c.logger.WithField("units", n).Info("Recovered unacknowledged deferred units")
				}
			}
		}

		if _, err := c.Reclaim(ctx); err != nil && ctx.Err() == nil {
			c.logger.WithError(err).Warn("Failed to reclaim pending deferred units")
		}

		if _, err := c.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.WithError(err).Error("Failed to read deferred units")
			if !c.wait(ctx, time.Second) {
				return nil
			}
		}
	}
}

// leaseRetry is how often a standby consumer retries the lease
func (c *StreamConsumer) leaseRetry() time.Duration {
	if d := c.cfg.Lease / 3; d > 0 {
		return d
	}
	return time.Second
}

func (c *StreamConsumer) wait(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
