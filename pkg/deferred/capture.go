package deferred

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/platinummonkey/audittrail/pkg/observability"
)

// Transport delivers captured units to wherever they are executed
type Transport interface {
	Deliver(ctx context.Context, u Unit) error
}

// TransportFunc adapts a function to Transport
type TransportFunc func(ctx context.Context, u Unit) error

// Deliver calls f
func (f TransportFunc) Deliver(ctx context.Context, u Unit) error {
	return f(ctx, u)
}

// CounterIdleTTL is how long the sequence counter of an operation survives
// without a capture before Drain forgets it. It outlives the executor's
// default lane idle timeout so a resumed operation never restarts at 1 while
// its lane still expects a later sequence number.
const CounterIdleTTL = 30 * time.Minute

// opCounter is the last sequence number queued for an operation
type opCounter struct {
	seq     int64
	touched time.Time
}

// Capturer snapshots notification arguments on the caller's goroutine and
// queues the resulting units in a bounded in-memory outbox. Capture never
// performs I/O; Drain moves units from the outbox to a Transport.
type Capturer struct {
	mu       sync.RWMutex
	closed   bool
	outbox   chan Unit
	counters cmap.ConcurrentMap[string, opCounter]

	now        func() time.Time
	pruneEvery time.Duration
	logger     *observability.Logger
	metrics    *observability.Metrics
}

// NewCapturer creates a capturer whose outbox holds up to size units
func NewCapturer(size int, logger *observability.Logger, metrics *observability.Metrics) *Capturer {
	if size <= 0 {
		size = 1024
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if metrics == nil {
		metrics = observability.NewUnregisteredMetrics()
	}
	return &Capturer{
		outbox:     make(chan Unit, size),
		counters:   cmap.New[opCounter](),
		now:        time.Now,
		pruneEvery: time.Minute,
		logger:     logger,
		metrics:    metrics,
	}
}

// Capture encodes payload and queues a unit for event inside operationID.
// Sequence numbers start at 1 and increase per operation in call order. A
// unit rejected by a full outbox does not consume a sequence number.
func (c *Capturer) Capture(operationID, event string, payload interface{}) (Unit, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Unit{}, fmt.Errorf("snapshot %s: %w", event, err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return Unit{}, ErrClosed
	}

	var (
		u      Unit
		queued bool
		now    = c.now()
	)
	c.counters.Upsert(operationID, opCounter{}, func(_ bool, current, _ opCounter) opCounter {
		u = Unit{
			Name:        NamePrefix + event,
			Kind:        event,
			OperationID: operationID,
			Seq:         current.seq + 1,
			CapturedAt:  now,
			Payload:     data,
		}
		select {
		case c.outbox <- u:
			queued = true
			return opCounter{seq: u.Seq, touched: now}
		default:
			return current
		}
	})

	if !queued {
		c.metrics.DeferredDroppedTotal.WithLabelValues(event, "outbox_full").Inc()
		c.logger.WithFields(map[string]interface{}{
			"operation": operationID,
			"kind":      event,
		}).Warn("Deferred outbox full, unit dropped")
		return Unit{}, ErrOutboxFull
	}

	c.metrics.DeferredCapturedTotal.WithLabelValues(event).Inc()
	return u, nil
}

// End forgets the sequence counter of a finished operation
func (c *Capturer) End(operationID string) {
	c.counters.Remove(operationID)
}

// Counters returns the number of operations with a live sequence counter
func (c *Capturer) Counters() int {
	return c.counters.Count()
}

// Prune forgets counters untouched for idle or longer and returns how many
// were removed
func (c *Capturer) Prune(now time.Time, idle time.Duration) int {
	removed := 0
	for item := range c.counters.IterBuffered() {
		if now.Sub(item.Val.touched) < idle {
			continue
		}
		if c.counters.RemoveCb(item.Key, func(_ string, v opCounter, exists bool) bool {
			return exists && now.Sub(v.touched) >= idle
		}) {
			removed++
		}
	}
	return removed
}

// Pending returns the number of units waiting in the outbox
func (c *Capturer) Pending() int {
	return len(c.outbox)
}

// Drain delivers queued units to t until the capturer is closed and empty,
// or ctx is done. Delivery failures are logged and the unit is dropped.
// Counters idle for CounterIdleTTL are pruned while draining.
func (c *Capturer) Drain(ctx context.Context, t Transport) error {
	ticker := time.NewTicker(c.pruneEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := c.Prune(c.now(), CounterIdleTTL); n > 0 {
				c.logger.WithField("operations", n).Debug("Forgot idle deferred operations")
			}
		case u, ok := <-c.outbox:
			if !ok {
				return nil
			}
			if err := t.Deliver(ctx, u); err != nil {
				c.metrics.DeferredDroppedTotal.WithLabelValues(u.Kind, "transport").Inc()
				c.logger.WithError(err).WithFields(map[string]interface{}{
					"operation": u.OperationID,
					"kind":      u.Kind,
					"seq":       u.Seq,
				}).Error("Failed to deliver deferred unit")
			}
		}
	}
}

// Close stops accepting units. Units already queued are still drained.
func (c *Capturer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.outbox)
}
