package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/audittrail/pkg/async"
	"github.com/platinummonkey/audittrail/pkg/observability"
)

// MultiSink fans committed changes out to several sinks
type MultiSink struct {
	sinks   []Sink
	async   bool
	timeout time.Duration
	logger  *observability.Logger
}

// NewMultiSink creates a synchronous fan-out sink
func NewMultiSink(logger *observability.Logger, sinks ...Sink) *MultiSink {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &MultiSink{
		sinks:   sinks,
		timeout: 5 * time.Second,
		logger:  logger,
	}
}

// SetAsync makes Publish return immediately and deliver to each sink in the
// background. Failures are logged.
func (m *MultiSink) SetAsync(async bool) {
	m.async = async
}

// Publish delivers change to every sink. In synchronous mode every sink is
// attempted and the errors are joined.
func (m *MultiSink) Publish(ctx context.Context, change Change) error {
	if m.async {
		for i, s := range m.sinks {
			s := s
			async.SafeGo(context.WithoutCancel(ctx), m.logger, m.timeout, fmt.Sprintf("sink %d", i), func(ctx context.Context) error {
				return s.Publish(ctx, change)
			})
		}
		return nil
	}

	var errs []error
	for _, s := range m.sinks {
		if err := s.Publish(ctx, change); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink
func (m *MultiSink) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close sink: %w", err))
		}
	}
	return errors.Join(errs...)
}
