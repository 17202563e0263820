// Package contextkeys provides centralized context key definitions
//
// IMPORTANT: All context keys used across the module must be defined here.
// This prevents typos, documents dependencies, and makes key usage discoverable.
//
// USAGE PATTERN:
//
//	import "github.com/platinummonkey/audittrail/pkg/contextkeys"
//	ctx = context.WithValue(ctx, contextkeys.ActorKey, &actor)
//	actor := ctx.Value(contextkeys.ActorKey).(*audit.Actor)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// ActorKey contains *audit.Actor
	// Set by: audit.Middleware (actor extractor), pipeline handlers
	// Required by: audit.Recorder default actor resolution
	// Type: *audit.Actor
	ActorKey Key = "audit_actor"

	// OperationKey contains *audit.Operation
	// Set by: audit.Middleware, pipeline handlers
	// Used by: Host code that records changes into the current request scope
	// Type: *audit.Operation
	OperationKey Key = "audit_operation"

	// RequestIDKey contains request ID string (client X-Request-ID or UUID)
	// Set by: audit.Middleware
	// Used by: Logger
	// Type: string
	RequestIDKey Key = "request_id"

	// OperationIDKey contains the server-generated operation ID (UUID)
	// Set by: audit.Middleware
	// Used by: audit.Operation, operation ids for deferred units
	// Type: string
	OperationIDKey Key = "operation_id"

	// LoggerKey contains *observability.Logger
	// Set by: observability.WithLogger
	// Used by: Handlers that need structured logging with request context
	// Type: *observability.Logger
	LoggerKey Key = "logger"

	// DeferredUnitKey contains deferred.Unit
	// Set by: deferred.Registry.Dispatch
	// Used by: pipeline handlers to derive the per-unit operation id
	// Type: deferred.Unit
	DeferredUnitKey Key = "deferred_unit"
)

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// WithOperationID adds the operation ID to the context
func WithOperationID(ctx context.Context, operationID string) context.Context {
	return context.WithValue(ctx, OperationIDKey, operationID)
}

// GetOperationID retrieves the operation ID from context
func GetOperationID(ctx context.Context) string {
	if id, ok := ctx.Value(OperationIDKey).(string); ok {
		return id
	}
	return ""
}
