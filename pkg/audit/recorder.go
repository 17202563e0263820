package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/audittrail/pkg/observability"
)

// Recorder creates events and persists them through a Repository. It owns
// the recording policy: classifications, tracked roles and actor resolution.
type Recorder struct {
	repo       Repository
	classes    *Classifications
	normalizer *Normalizer
	actors     ActorResolver
	roles      RoleSet
	sink       Sink
	metrics    *observability.Metrics
	logger     *observability.Logger
	now        func() time.Time
	coalescer  *Coalescer
}

// Option configures a Recorder
type Option func(*Recorder)

// WithClassifications sets the classification policies
func WithClassifications(c *Classifications) Option {
	return func(r *Recorder) { r.classes = c }
}

// WithNormalizer sets the value normalizer
func WithNormalizer(n *Normalizer) Option {
	return func(r *Recorder) { r.normalizer = n }
}

// WithActorResolver sets how the actor is found when none is passed
func WithActorResolver(a ActorResolver) Option {
	return func(r *Recorder) { r.actors = a }
}

// WithTrackedRoles limits recording to actors with one of roles
func WithTrackedRoles(roles RoleSet) Option {
	return func(r *Recorder) { r.roles = roles }
}

// WithSink sets the sink notified after every commit
func WithSink(s Sink) Option {
	return func(r *Recorder) { r.sink = s }
}

// WithMetrics sets the metrics collector
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Recorder) { r.metrics = m }
}

// WithLogger sets the logger
func WithLogger(l *observability.Logger) Option {
	return func(r *Recorder) { r.logger = l }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// NewRecorder creates a recorder writing to repo
func NewRecorder(repo Repository, opts ...Option) (*Recorder, error) {
	if repo == nil {
		return nil, fmt.Errorf("repository is required")
	}

	r := &Recorder{
		repo:   repo,
		actors: ContextActorResolver,
		sink:   NopSink{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.logger == nil {
		r.logger = observability.NewNopLogger()
	}
	if r.metrics == nil {
		r.metrics = observability.NewUnregisteredMetrics()
	}
	if r.classes == nil {
		r.classes = NewClassifications(DefaultClassifications()...)
	}
	if r.normalizer == nil {
		r.normalizer = NewNormalizer(time.Local, r.logger, r.metrics)
	}
	r.coalescer = &Coalescer{rec: r}

	return r, nil
}

// Repository returns the underlying repository
func (r *Recorder) Repository() Repository {
	return r.repo
}

// Classifications returns the policy registry
func (r *Recorder) Classifications() *Classifications {
	return r.classes
}

// Now returns the recorder's current time
func (r *Recorder) Now() time.Time {
	return r.now()
}

type eventConfig struct {
	actor     *Actor
	meta      map[string]interface{}
	props     map[string]interface{}
	origin    string
	allActors bool
	at        time.Time
}

// EventOption configures a single Create or LogEvent call
type EventOption func(*eventConfig)

// ByActor records the event for actor instead of resolving one
func ByActor(actor *Actor) EventOption {
	return func(c *eventConfig) { c.actor = actor }
}

// WithMeta attaches metadata values
func WithMeta(meta map[string]interface{}) EventOption {
	return func(c *eventConfig) { c.meta = meta }
}

// WithProperties attaches descriptive property values with no change
func WithProperties(origin string, props map[string]interface{}) EventOption {
	return func(c *eventConfig) {
		c.origin = origin
		c.props = props
	}
}

// AllActors allows the event to be recorded without an actor
func AllActors() EventOption {
	return func(c *eventConfig) { c.allActors = true }
}

// OccurredAt sets the event time instead of the recorder clock
func OccurredAt(t time.Time) EventOption {
	return func(c *eventConfig) { c.at = t }
}

// Create builds a new in-memory event. It returns nil, not an error, when
// the event must not be recorded: no actor could be resolved and the
// classification does not allow that, or the actor's role is not tracked.
func (r *Recorder) Create(ctx context.Context, classification string, subject *SubjectRef, opts ...EventOption) *Event {
	cfg := eventConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	policy := r.classes.Lookup(classification)
	exempt := cfg.allActors || policy.AllActors

	actor := cfg.actor
	if actor == nil {
		actor = r.actors.ResolveActor(ctx)
	}

	if actor == nil && !exempt {
		r.reject(classification, "no_actor")
		return nil
	}
	if actor != nil && !exempt && !r.roles.Tracks(actor.Role) {
		r.reject(classification, "role_not_tracked")
		return nil
	}

	at := cfg.at
	if at.IsZero() {
		at = r.now()
	}

	ev := newEvent(classification, subject, at)
	ev.rec = r
	ev.setActor(actor)
	ev.AddValues(cfg.origin, cfg.props)
	for k, v := range cfg.meta {
		ev.SetMeta(k, v)
	}
	return ev
}

func (r *Recorder) reject(classification, reason string) {
	r.metrics.EventsRejectedTotal.WithLabelValues(classification, reason).Inc()
	r.logger.WithFields(map[string]interface{}{
		"classification": classification,
		"reason":         reason,
	}).Debug("Event not recorded")
}

// LogEvent creates and commits a one-shot event. It reports whether the
// event was recorded; policy rejections and storage failures both return
// false, storage failures are logged.
func (r *Recorder) LogEvent(ctx context.Context, classification string, subject *SubjectRef, opts ...EventOption) bool {
	ev := r.Create(ctx, classification, subject, opts...)
	if ev == nil {
		return false
	}
	if err := r.commit(ctx, ev); err != nil {
		r.logger.WithError(err).WithField("classification", classification).Warn("Failed to log event")
		return false
	}
	return true
}

// Load returns a stored event bound to this recorder
func (r *Recorder) Load(ctx context.Context, id int64) (*Event, error) {
	ev, err := r.repo.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	ev.rec = r
	return ev, nil
}

// Bind attaches an event obtained from the repository to this recorder so
// that Save and Delete work on it
func (r *Recorder) Bind(ev *Event) *Event {
	ev.rec = r
	return ev
}

// NewOperation opens a flush scope. An empty id gets a random one.
func (r *Recorder) NewOperation(id string) *Operation {
	if id == "" {
		id = uuid.NewString()
	}
	return &Operation{
		ID:    id,
		rec:   r,
		index: make(map[string]*Event),
	}
}

// commit applies the flush rules to one event
func (r *Recorder) commit(ctx context.Context, ev *Event) error {
	policy := r.classes.Lookup(ev.Classification)

	switch {
	case ev.IsNew() && policy.Coalesces():
		return r.coalescer.Commit(ctx, ev)
	case ev.IsNew() && !ev.HasChanges() && !policy.Creation:
		r.metrics.EventsDiscardedTotal.WithLabelValues(ev.Classification).Inc()
		return nil
	case !ev.IsNew() && !ev.HasChanges() && !policy.Creation:
		return r.deleteEvent(ctx, ev, "changeless")
	default:
		return r.saveEvent(ctx, ev, "flush")
	}
}

// SaveInTransaction runs fn in one repository transaction. fn saves the
// event it returns through tx; once the transaction commits that event is
// bound to the recorder, counted under mode and published. A nil event
// means nothing was recorded.
func (r *Recorder) SaveInTransaction(ctx context.Context, mode string, fn func(tx Repository) (*Event, error)) (*Event, error) {
	var saved *Event
	err := r.repo.RunInTransaction(ctx, func(tx Repository) error {
		ev, err := fn(tx)
		saved = ev
		return err
	})
	if err != nil {
		r.metrics.StorageErrorsTotal.WithLabelValues(mode).Inc()
		return nil, err
	}
	if saved == nil {
		return nil, nil
	}

	saved.rec = r
	r.metrics.EventsSavedTotal.WithLabelValues(saved.Classification, mode).Inc()
	r.publish(ctx, ChangeSaved, saved)
	return saved, nil
}

func (r *Recorder) saveEvent(ctx context.Context, ev *Event, mode string) error {
	start := time.Now()
	err := r.repo.Save(ctx, ev)
	r.metrics.EventSaveDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	if err != nil {
		r.metrics.StorageErrorsTotal.WithLabelValues("save").Inc()
		return fmt.Errorf("failed to save event: %w", err)
	}

	r.metrics.EventsSavedTotal.WithLabelValues(ev.Classification, mode).Inc()
	r.publish(ctx, ChangeSaved, ev)
	return nil
}

func (r *Recorder) deleteEvent(ctx context.Context, ev *Event, reason string) error {
	if ev.ID <= 0 {
		return ErrInvalidID
	}
	if err := r.repo.Delete(ctx, ev.ID); err != nil {
		if !errors.Is(err, ErrNotFound) {
			r.metrics.StorageErrorsTotal.WithLabelValues("delete").Inc()
		}
		return fmt.Errorf("failed to delete event %d: %w", ev.ID, err)
	}

	r.metrics.EventsDeletedTotal.WithLabelValues(ev.Classification, reason).Inc()
	r.publish(ctx, ChangeDeleted, ev)
	ev.ID = 0
	return nil
}

func (r *Recorder) publish(ctx context.Context, kind ChangeKind, ev *Event) {
	change := Change{Kind: kind, Event: ev.Clone(), At: r.now()}
	change.Event.rec = nil
	if err := r.sink.Publish(ctx, change); err != nil {
		r.logger.WithError(err).WithField("event_id", ev.ID).Warn("Sink publish failed")
	}
}
