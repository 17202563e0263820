package deferred

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/platinummonkey/audittrail/pkg/async"
	"github.com/platinummonkey/audittrail/pkg/observability"
)

// ExecutorConfig configures an Executor
type ExecutorConfig struct {
	// Workers is the number of units executed concurrently across operations
	Workers int
	// HandlerTimeout bounds a single unit
	HandlerTimeout time.Duration
	// LaneTimeout bounds one drain pass over a lane before it is requeued
	LaneTimeout time.Duration
	// GapTimeout is how long a lane waits for a missing sequence number
	// before skipping ahead
	GapTimeout time.Duration
	// IdleTimeout is how long an empty lane is kept after its last unit
	IdleTimeout time.Duration
	// PruneInterval is the period of the Run loop
	PruneInterval time.Duration
}

func (c *ExecutorConfig) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 30 * time.Second
	}
	if c.LaneTimeout <= 0 {
		c.LaneTimeout = 5 * time.Minute
	}
	if c.GapTimeout <= 0 {
		c.GapTimeout = time.Minute
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 10 * time.Minute
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = 10 * time.Second
	}
}

// laneItem orders units of one operation by sequence number
type laneItem struct {
	unit Unit
}

func (i *laneItem) Compare(other queue.Item) int {
	o := other.(*laneItem)
	switch {
	case i.unit.Seq > o.unit.Seq:
		return 1
	case i.unit.Seq < o.unit.Seq:
		return -1
	default:
		return 0
	}
}

// lane holds the pending units of one operation. At most one drain runs per
// lane, so units of an operation never execute concurrently.
type lane struct {
	id           string
	mu           sync.Mutex
	pending      *queue.PriorityQueue
	queued       map[int64]struct{}
	next         int64
	running      bool
	blockedSince time.Time
	lastActive   time.Time
	removed      bool
}

func newLane(id string, now time.Time) *lane {
	return &lane{
		id:         id,
		pending:    queue.NewPriorityQueue(8, false),
		queued:     make(map[int64]struct{}),
		next:       1,
		lastActive: now,
	}
}

// head returns the lowest pending unit. Caller holds l.mu.
func (l *lane) head() (Unit, bool) {
	item := l.pending.Peek()
	if item == nil {
		return Unit{}, false
	}
	return item.(*laneItem).unit, true
}

// pop removes and returns the head when it is the next expected unit.
// Caller holds l.mu.
func (l *lane) pop() (Unit, bool) {
	u, ok := l.head()
	if !ok || u.Seq != l.next {
		return Unit{}, false
	}
	items, err := l.pending.Get(1)
	if err != nil || len(items) == 0 {
		return Unit{}, false
	}
	u = items[0].(*laneItem).unit
	delete(l.queued, u.Seq)
	l.next = u.Seq + 1
	return u, true
}

// claim marks the lane running when its head is ready. Caller holds l.mu.
func (l *lane) claim(now time.Time) bool {
	if l.running {
		return false
	}
	u, ok := l.head()
	if !ok {
		l.blockedSince = time.Time{}
		return false
	}
	if u.Seq != l.next {
		if l.blockedSince.IsZero() {
			l.blockedSince = now
		}
		return false
	}
	l.blockedSince = time.Time{}
	l.running = true
	return true
}

// Executor runs deferred units on a worker pool. Units that share an
// operation id run one at a time in ascending sequence order; units of
// different operations run concurrently.
type Executor struct {
	reg     *Registry
	pool    *async.WorkerPool
	lanes   cmap.ConcurrentMap[string, *lane]
	cfg     ExecutorConfig
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewExecutor creates an executor dispatching through reg
func NewExecutor(ctx context.Context, reg *Registry, cfg ExecutorConfig, logger *observability.Logger, metrics *observability.Metrics) *Executor {
	cfg.setDefaults()
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if metrics == nil {
		metrics = observability.NewUnregisteredMetrics()
	}
	return &Executor{
		reg:     reg,
		pool:    async.NewWorkerPool(ctx, cfg.Workers, "deferred units", cfg.LaneTimeout, logger),
		lanes:   cmap.New[*lane](),
		cfg:     cfg,
		logger:  logger.WithField("component", "deferred_executor"),
		metrics: metrics,
		now:     time.Now,
	}
}

// Deliver queues u for execution. It implements Transport. u.Done is called
// after the unit runs or is dropped; a unit still queued at Close is never
// finished.
func (e *Executor) Deliver(ctx context.Context, u Unit) error {
	if u.OperationID == "" || u.Seq <= 0 {
		return e.pool.Submit(func(ctx context.Context) error {
			e.run(ctx, u)
			return nil
		})
	}

	for {
		l := e.lanes.Upsert(u.OperationID, nil, func(exist bool, current, _ *lane) *lane {
			if exist {
				return current
			}
			return newLane(u.OperationID, e.now())
		})

		l.mu.Lock()
		if l.removed {
			l.mu.Unlock()
			continue
		}

		if u.Seq < l.next {
			l.mu.Unlock()
			e.drop(u, "stale")
			return nil
		}
		if _, dup := l.queued[u.Seq]; dup {
			l.mu.Unlock()
			e.drop(u, "duplicate")
			return nil
		}

		if err := l.pending.Put(&laneItem{unit: u}); err != nil {
			l.mu.Unlock()
			return err
		}
		l.queued[u.Seq] = struct{}{}
		l.lastActive = e.now()
		ready := l.claim(e.now())
		l.mu.Unlock()

		e.metrics.DeferredLanesActive.Set(float64(e.lanes.Count()))
		if ready {
			return e.schedule(l)
		}
		return nil
	}
}

func (e *Executor) schedule(l *lane) error {
	err := e.pool.Submit(e.drain(l))
	if err != nil {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
	}
	return err
}

// drain runs the ready prefix of a lane. When the pass deadline is reached
// the lane is handed back to the pool from a separate goroutine, since
// Submit blocks while the queue is full.
func (e *Executor) drain(l *lane) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		for {
			if ctx.Err() != nil {
				go func() {
					if err := e.schedule(l); err != nil {
						e.logger.WithError(err).WithField("operation", l.id).Warn("Failed to requeue deferred lane")
					}
				}()
				return nil
			}

			l.mu.Lock()
			u, ok := l.pop()
			if !ok {
				l.running = false
				l.lastActive = e.now()
				if _, waiting := l.head(); waiting && l.blockedSince.IsZero() {
					l.blockedSince = e.now()
				}
				l.mu.Unlock()
				return nil
			}
			l.mu.Unlock()

			e.run(ctx, u)
		}
	}
}

func (e *Executor) run(ctx context.Context, u Unit) {
	defer u.finish()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.HandlerTimeout)
	defer cancel()

	start := e.now()
	err := e.dispatch(ctx, u)
	e.metrics.DeferredUnitDuration.WithLabelValues(u.Kind).Observe(e.now().Sub(start).Seconds())

	if err == nil {
		e.metrics.DeferredProcessedTotal.WithLabelValues(u.Kind).Inc()
		return
	}

	reason := "handler"
	switch {
	case errors.Is(err, ErrUnknownKind):
		reason = "unknown_kind"
	case errors.Is(err, ErrBadPayload):
		reason = "bad_payload"
	case errors.Is(err, errPanicked):
		reason = "panic"
	}
	e.metrics.DeferredDroppedTotal.WithLabelValues(u.Kind, reason).Inc()
	e.logger.WithError(err).WithFields(map[string]interface{}{
		"operation": u.OperationID,
		"kind":      u.Kind,
		"seq":       u.Seq,
	}).Error("Deferred unit failed")
}

var errPanicked = errors.New("deferred unit panicked")

func (e *Executor) dispatch(ctx context.Context, u Unit) (err error) {
	defer func() {
		if perr := observability.PanicError(recover()); perr != nil {
			err = errors.Join(errPanicked, perr)
		}
	}()
	return e.reg.Dispatch(ctx, u)
}

func (e *Executor) drop(u Unit, reason string) {
	u.finish()
	e.metrics.DeferredDroppedTotal.WithLabelValues(u.Kind, reason).Inc()
	e.logger.WithFields(map[string]interface{}{
		"operation": u.OperationID,
		"kind":      u.Kind,
		"seq":       u.Seq,
		"reason":    reason,
	}).Warn("Deferred unit dropped")
}

// Prune skips sequence gaps older than GapTimeout and removes lanes idle
// for longer than IdleTimeout.
func (e *Executor) Prune(now time.Time) {
	for item := range e.lanes.IterBuffered() {
		l := item.Val

		l.mu.Lock()
		var ready bool
		if !l.running && !l.blockedSince.IsZero() && now.Sub(l.blockedSince) >= e.cfg.GapTimeout {
			if u, ok := l.head(); ok && u.Seq > l.next {
				e.metrics.DeferredGapsSkipped.Add(float64(u.Seq - l.next))
				e.logger.WithFields(map[string]interface{}{
					"operation": l.id,
					"expected":  l.next,
					"resume_at": u.Seq,
				}).Warn("Skipping missing deferred units")
				l.next = u.Seq
				ready = l.claim(now)
			}
		}
		l.mu.Unlock()

		if ready {
			if err := e.schedule(l); err != nil {
				e.logger.WithError(err).WithField("operation", l.id).Warn("Failed to schedule deferred lane")
			}
			continue
		}

		e.lanes.RemoveCb(item.Key, func(_ string, v *lane, exists bool) bool {
			if !exists || v != l {
				return false
			}
			v.mu.Lock()
			defer v.mu.Unlock()
			if v.running || !v.pending.Empty() || now.Sub(v.lastActive) < e.cfg.IdleTimeout {
				return false
			}
			v.removed = true
			v.pending.Dispose()
			return true
		})
	}

	e.metrics.DeferredLanesActive.Set(float64(e.lanes.Count()))
}

// Lanes returns the number of tracked operations
func (e *Executor) Lanes() int {
	return e.lanes.Count()
}

// Run calls Prune every PruneInterval until ctx is done
func (e *Executor) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.Prune(e.now())
		}
	}
}

// Close stops the pool and waits up to timeout for running units
func (e *Executor) Close(timeout time.Duration) error {
	waiting := 0
	for item := range e.lanes.IterBuffered() {
		item.Val.mu.Lock()
		waiting += item.Val.pending.Len()
		item.Val.mu.Unlock()
	}
	if waiting > 0 {
		e.logger.WithField("units", waiting).Warn("Deferred units still pending at shutdown")
	}
	return e.pool.Shutdown(timeout)
}
