package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/platinummonkey/audittrail/pkg/contextkeys"
	"github.com/platinummonkey/audittrail/pkg/observability"
)

// Operation collects the events built during one logical operation, a
// request or a deferred unit, and persists them exactly once in Flush.
// Handlers that run at different points of the operation share one event
// per classification and subject through Event.
type Operation struct {
	ID string

	rec     *Recorder
	mu      sync.Mutex
	events  []*Event
	index   map[string]*Event
	flushed bool
	once    sync.Once
	err     error
}

func operationKey(classification string, subject *SubjectRef) string {
	return classification + "|" + subject.Key()
}

// Event returns the in-construction event for classification and subject,
// creating it on first use. It returns nil when the recorder declines to
// record the event or the operation was already flushed.
func (op *Operation) Event(ctx context.Context, classification string, subject *SubjectRef, opts ...EventOption) *Event {
	op.mu.Lock()
	defer op.mu.Unlock()

	if op.flushed {
		op.rec.logger.WithField("operation", op.ID).Warn("Event requested after flush")
		return nil
	}

	key := operationKey(classification, subject)
	if ev, ok := op.index[key]; ok {
		return ev
	}

	ev := op.rec.Create(ctx, classification, subject, opts...)
	if ev == nil {
		return nil
	}
	op.index[key] = ev
	op.events = append(op.events, ev)
	return ev
}

// Track registers an event built elsewhere so that Flush persists it
func (op *Operation) Track(ev *Event) {
	if ev == nil {
		return
	}

	op.mu.Lock()
	defer op.mu.Unlock()

	if op.flushed {
		op.rec.logger.WithField("operation", op.ID).Warn("Event tracked after flush")
		return
	}
	for _, e := range op.events {
		if e == ev {
			return
		}
	}
	if ev.rec == nil {
		ev.rec = op.rec
	}
	op.events = append(op.events, ev)
}

// Pending returns the number of events waiting for Flush
func (op *Operation) Pending() int {
	op.mu.Lock()
	defer op.mu.Unlock()
	return len(op.events)
}

// Flush persists every tracked event once. New events are saved, or
// discarded when they carry no changes; stored events that became
// changeless are deleted. Coalescing classifications go through the
// Coalescer. Later calls return the first result.
func (op *Operation) Flush(ctx context.Context) error {
	op.once.Do(func() {
		op.mu.Lock()
		op.flushed = true
		events := op.events
		op.events = nil
		op.index = nil
		op.mu.Unlock()

		var errs []error
		for _, ev := range events {
			if err := op.flushOne(ctx, ev); err != nil {
				op.rec.logger.WithError(err).WithFields(map[string]interface{}{
					"operation":      op.ID,
					"classification": ev.Classification,
					"subject":        ev.Subject.Key(),
				}).Error("Failed to flush audit event")
				errs = append(errs, err)
			}
		}
		op.err = errors.Join(errs...)
	})
	return op.err
}

func (op *Operation) flushOne(ctx context.Context, ev *Event) (err error) {
	defer func() {
		if perr := observability.PanicError(recover()); perr != nil {
			err = fmt.Errorf("flush %s: %w", ev.Classification, perr)
		}
	}()
	return ev.rec.commit(ctx, ev)
}

// WithOperation stores op in the context
func WithOperation(ctx context.Context, op *Operation) context.Context {
	return context.WithValue(ctx, contextkeys.OperationKey, op)
}

// OperationFromContext returns the operation stored by WithOperation, or nil
func OperationFromContext(ctx context.Context) *Operation {
	if op, ok := ctx.Value(contextkeys.OperationKey).(*Operation); ok {
		return op
	}
	return nil
}
