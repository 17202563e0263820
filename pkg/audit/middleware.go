package audit

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/platinummonkey/audittrail/pkg/contextkeys"
	"github.com/platinummonkey/audittrail/pkg/httputil"
)

// ActorExtractor finds the acting user for an HTTP request. A nil result
// leaves the request without an actor.
type ActorExtractor func(r *http.Request) *Actor

// Middleware opens an Operation for every request and flushes it once the
// handler returns, so handlers only add changes and never persist them.
type Middleware struct {
	rec     *Recorder
	extract ActorExtractor
}

// NewMiddleware creates the middleware. extract may be nil.
func NewMiddleware(rec *Recorder, extract ActorExtractor) *Middleware {
	return &Middleware{
		rec:     rec,
		extract: extract,
	}
}

// Handler wraps next with a per-request Operation. The client's X-Request-ID
// is kept for logging only; the operation id is always generated here, so
// requests that reuse a request id never share an operation.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx = contextkeys.WithRequestID(ctx, requestID)

		operationID := uuid.NewString()
		ctx = contextkeys.WithOperationID(ctx, operationID)

		if m.extract != nil {
			if actor := m.extract(r); actor != nil {
				if actor.IP == "" {
					actor.IP = clientIP(r)
				}
				if actor.Agent == "" {
					actor.Agent = r.UserAgent()
				}
				ctx = WithActor(ctx, actor)
			}
		}

		op := m.rec.NewOperation(operationID)
		ctx = WithOperation(ctx, op)

		defer func() {
			// The client may be gone; the flush must still run.
			op.Flush(context.WithoutCancel(ctx))
		}()

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// clientIP returns the first X-Forwarded-For hop or the remote address
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if list := httputil.SplitList(fwd); len(list) > 0 {
			return list[0]
		}
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	return r.RemoteAddr
}
