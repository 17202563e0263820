package deferred

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/platinummonkey/audittrail/pkg/contextkeys"
)

// HandlerFunc processes one unit
type HandlerFunc func(ctx context.Context, u Unit) error

// Registry maps unit kinds to handlers
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register sets the handler for kind, replacing any previous one
func (r *Registry) Register(kind string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// Handle registers a typed handler for kind. The unit payload is decoded
// into T before fn runs.
func Handle[T any](r *Registry, kind string, fn func(ctx context.Context, payload T) error) {
	r.Register(kind, func(ctx context.Context, u Unit) error {
		var payload T
		if err := u.Decode(&payload); err != nil {
			return fmt.Errorf("%s: %w", kind, err)
		}
		return fn(ctx, payload)
	})
}

// Kinds returns the registered kinds in sorted order
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Dispatch runs the handler for u.Kind. The unit is available to the
// handler through UnitFromContext.
func (r *Registry) Dispatch(ctx context.Context, u Unit) error {
	r.mu.RLock()
	h, ok := r.handlers[u.Kind]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, u.Kind)
	}
	return h(context.WithValue(ctx, contextkeys.DeferredUnitKey, u), u)
}

// UnitFromContext returns the unit being dispatched, if any
func UnitFromContext(ctx context.Context) (Unit, bool) {
	u, ok := ctx.Value(contextkeys.DeferredUnitKey).(Unit)
	return u, ok
}
