package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/platinummonkey/audittrail/pkg/activity"
	"github.com/platinummonkey/audittrail/pkg/audit"
	"github.com/platinummonkey/audittrail/pkg/deferred"
	"github.com/platinummonkey/audittrail/pkg/observability"
)

// Handlers turn deferred units into audit events
type Handlers struct {
	rec      *audit.Recorder
	subjects *audit.SubjectDirectory
	tracker  *activity.Tracker
	logger   *observability.Logger
}

// NewHandlers creates the handler set. subjects may be nil, in which case
// the names captured with the notification are used as-is.
func NewHandlers(rec *audit.Recorder, subjects *audit.SubjectDirectory, tracker *activity.Tracker, logger *observability.Logger) *Handlers {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Handlers{rec: rec, subjects: subjects, tracker: tracker, logger: logger}
}

// Register adds every handler to reg
func (h *Handlers) Register(reg *deferred.Registry) {
	deferred.Handle(reg, KindSubjectCreated, h.subjectCreated)
	deferred.Handle(reg, KindSubjectUpdated, h.subjectUpdated)
	deferred.Handle(reg, KindSubjectDeleted, h.subjectDeleted)
	deferred.Handle(reg, KindMetaUpdated, h.metaUpdated)
	deferred.Handle(reg, KindSession, h.session)
}

// operation opens the audit scope of the unit being dispatched
func (h *Handlers) operation(ctx context.Context) *audit.Operation {
	if u, ok := deferred.UnitFromContext(ctx); ok && u.OperationID != "" {
		return h.rec.NewOperation(u.OperationID + "#" + strconv.FormatInt(u.Seq, 10))
	}
	return h.rec.NewOperation("")
}

// resolve returns ref with its current name. The captured name is kept
// when the subject cannot be loaded.
func (h *Handlers) resolve(ctx context.Context, ref audit.SubjectRef) *audit.SubjectRef {
	out := ref
	if h.subjects == nil {
		return &out
	}

	lookup := ref
	lookup.Name = ""
	resolved, err := h.subjects.Resolve(ctx, &lookup)
	if err != nil || resolved.Name == "" {
		if err != nil {
			h.logger.WithError(err).WithField("subject", ref.Key()).Debug("Using captured subject name")
		}
		return &out
	}
	return resolved
}

func (h *Handlers) subjectCreated(ctx context.Context, p SubjectCreated) error {
	if !validSubject(p.Subject) {
		return fmt.Errorf("%w: %q", ErrInvalidSubject, p.Subject.Key())
	}
	ctx = audit.WithActor(ctx, p.Actor)

	op := h.operation(ctx)
	op.Event(ctx, audit.ClassCreated, h.resolve(ctx, p.Subject),
		audit.WithProperties(p.Origin, p.Properties),
		audit.WithMeta(p.Meta))
	return op.Flush(ctx)
}

func (h *Handlers) subjectUpdated(ctx context.Context, p SubjectUpdated) error {
	if !validSubject(p.Subject) {
		return fmt.Errorf("%w: %q", ErrInvalidSubject, p.Subject.Key())
	}
	ctx = audit.WithActor(ctx, p.Actor)

	op := h.operation(ctx)
	ev := op.Event(ctx, audit.ClassUpdated, h.resolve(ctx, p.Subject), audit.WithMeta(p.Meta))
	if ev == nil {
		return nil
	}

	policy := h.rec.Classifications().Lookup(audit.ClassUpdated)
	for _, key := range unionKeys(p.Before, p.After) {
		before := audit.Normalize(key, p.Before[key])
		after := audit.Normalize(key, p.After[key])
		if audit.AreEqual(before, after) && !policy.KeepsUnchanged(key) {
			continue
		}
		ev.SetProperty(key, p.Origin, p.Before[key], afterValue(before, after, p.After[key]))
	}
	return op.Flush(ctx)
}

func (h *Handlers) subjectDeleted(ctx context.Context, p SubjectDeleted) error {
	if !validSubject(p.Subject) {
		return fmt.Errorf("%w: %q", ErrInvalidSubject, p.Subject.Key())
	}
	ctx = audit.WithActor(ctx, p.Actor)

	subject := p.Subject
	if h.subjects != nil {
		h.subjects.Forget(&subject)
	}

	op := h.operation(ctx)
	op.Event(ctx, audit.ClassDeleted, &subject, audit.WithMeta(p.Meta))
	return op.Flush(ctx)
}

func (h *Handlers) metaUpdated(ctx context.Context, p MetaUpdated) error {
	if !validSubject(p.Subject) {
		return fmt.Errorf("%w: %q", ErrInvalidSubject, p.Subject.Key())
	}
	if p.Key == "" {
		return fmt.Errorf("meta update on %s without a key", p.Subject.Key())
	}
	ctx = audit.WithActor(ctx, p.Actor)

	op := h.operation(ctx)
	if ev := op.Event(ctx, audit.ClassUpdated, h.resolve(ctx, p.Subject)); ev != nil {
		before := audit.Normalize(p.Key, p.Before)
		after := audit.Normalize(p.Key, p.After)
		ev.SetProperty(p.Key, "meta", p.Before, afterValue(before, after, p.After))
	}
	return op.Flush(ctx)
}

func (h *Handlers) session(ctx context.Context, p Session) error {
	ctx = audit.WithActor(ctx, p.Actor)

	switch p.Action {
	case SessionLogin:
		h.logSession(ctx, audit.ClassLogin, p)
	case SessionLogout:
		h.logSession(ctx, audit.ClassLogout, p)
	case SessionLoginFailed:
		h.rec.LogEvent(ctx, audit.ClassLoginFailed, nil,
			audit.WithMeta(map[string]interface{}{"username": p.Username}))
	case SessionActivity:
		if h.tracker == nil {
			return nil
		}
		_, err := h.tracker.Touch(ctx, p.Actor)
		return err
	default:
		return fmt.Errorf("unknown session action %q", p.Action)
	}
	return nil
}

func (h *Handlers) logSession(ctx context.Context, classification string, p Session) {
	if p.Actor == nil {
		h.rec.LogEvent(ctx, classification, nil)
		return
	}
	h.rec.LogEvent(ctx, classification, &audit.SubjectRef{
		Kind: audit.SubjectUser,
		ID:   strconv.FormatInt(p.Actor.ID, 10),
		Name: p.Actor.Name,
	})
}

// afterValue turns a value that went from something to nothing into
// audit.Removed. before and after are normalized, raw is passed through.
func afterValue(before, after, raw interface{}) interface{} {
	if after == nil && before != nil {
		return audit.Removed
	}
	return raw
}

func unionKeys(a, b map[string]interface{}) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		seen[k] = struct{}{}
	}
	for k := range b {
		seen[k] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
