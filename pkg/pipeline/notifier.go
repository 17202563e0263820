package pipeline

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/platinummonkey/audittrail/pkg/audit"
	"github.com/platinummonkey/audittrail/pkg/contextkeys"
	"github.com/platinummonkey/audittrail/pkg/deferred"
	"github.com/platinummonkey/audittrail/pkg/observability"
)

// Notifier captures host notifications as deferred units. It never performs
// I/O; a returned error means the unit was not queued and the notification
// is lost, which callers may ignore.
type Notifier struct {
	capturer *deferred.Capturer
	logger   *observability.Logger
}

// NewNotifier creates a notifier queuing into capturer
func NewNotifier(capturer *deferred.Capturer, logger *observability.Logger) *Notifier {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Notifier{capturer: capturer, logger: logger}
}

// operationID groups units of one request so they run in capture order.
// Notifications outside a request get a one-off operation of their own and
// scoped is false.
func operationID(ctx context.Context) (id string, scoped bool) {
	if id := contextkeys.GetOperationID(ctx); id != "" {
		return id, true
	}
	return uuid.NewString(), false
}

func (n *Notifier) capture(ctx context.Context, kind string, payload interface{}) error {
	id, scoped := operationID(ctx)
	_, err := n.capturer.Capture(id, kind, payload)
	if !scoped {
		n.capturer.End(id)
	}
	if err != nil {
		n.logger.WithError(err).WithField("kind", kind).Warn("Audit notification dropped")
		return fmt.Errorf("capture %s: %w", kind, err)
	}
	return nil
}

// EndOperation forgets the sequence counter of the operation in ctx. Call it
// once a request has sent its last notification.
func (n *Notifier) EndOperation(ctx context.Context) {
	if id := contextkeys.GetOperationID(ctx); id != "" {
		n.capturer.End(id)
	}
}

// Middleware ends the request's operation after next returns. It must run
// inside audit.Middleware, which assigns the operation id.
func (n *Notifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer n.EndOperation(r.Context())
		next.ServeHTTP(w, r)
	})
}

// SubjectCreated queues the creation of subject with its initial values
func (n *Notifier) SubjectCreated(ctx context.Context, subject audit.SubjectRef, origin string, props map[string]interface{}) error {
	return n.capture(ctx, KindSubjectCreated, SubjectCreated{
		Actor:      audit.ActorFromContext(ctx),
		Subject:    subject,
		Origin:     origin,
		Properties: props,
	})
}

// SubjectUpdated queues a change of subject from before to after
func (n *Notifier) SubjectUpdated(ctx context.Context, subject audit.SubjectRef, origin string, before, after map[string]interface{}) error {
	return n.capture(ctx, KindSubjectUpdated, SubjectUpdated{
		Actor:   audit.ActorFromContext(ctx),
		Subject: subject,
		Origin:  origin,
		Before:  before,
		After:   after,
	})
}

// SubjectDeleted queues the removal of subject
func (n *Notifier) SubjectDeleted(ctx context.Context, subject audit.SubjectRef) error {
	return n.capture(ctx, KindSubjectDeleted, SubjectDeleted{
		Actor:   audit.ActorFromContext(ctx),
		Subject: subject,
	})
}

// MetaUpdated queues a change of one auxiliary value of subject
func (n *Notifier) MetaUpdated(ctx context.Context, subject audit.SubjectRef, key string, before, after interface{}) error {
	return n.capture(ctx, KindMetaUpdated, MetaUpdated{
		Actor:   audit.ActorFromContext(ctx),
		Subject: subject,
		Key:     key,
		Before:  before,
		After:   after,
	})
}

// Login queues a successful login by the actor in ctx
func (n *Notifier) Login(ctx context.Context) error {
	return n.capture(ctx, KindSession, Session{Actor: audit.ActorFromContext(ctx), Action: SessionLogin})
}

// Logout queues a logout by the actor in ctx
func (n *Notifier) Logout(ctx context.Context) error {
	return n.capture(ctx, KindSession, Session{Actor: audit.ActorFromContext(ctx), Action: SessionLogout})
}

// LoginFailed queues a failed login attempt for username
func (n *Notifier) LoginFailed(ctx context.Context, username string) error {
	return n.capture(ctx, KindSession, Session{Action: SessionLoginFailed, Username: username})
}

// Active queues a liveness ping for the actor in ctx
func (n *Notifier) Active(ctx context.Context) error {
	return n.capture(ctx, KindSession, Session{Actor: audit.ActorFromContext(ctx), Action: SessionActivity})
}
