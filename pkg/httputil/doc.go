// Package httputil provides the JSON response, request parsing and
// middleware helpers shared by the audit read API.
//
// Responses:
//
//	httputil.WriteJSON(w, http.StatusOK, events)
//	httputil.WriteNotFound(w, "event not found")
//	httputil.WriteAttachment(w, "audit-events.csv", "text/csv", data)
//
// Errors are written as {"error": "..."} with the given status.
//
// Requests:
//
//	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
//	limit := httputil.QueryInt(r, "limit", 100)
//	since := httputil.QueryTime(r, "start_time")
//	classes := httputil.QueryList(r, "classification")
//
// Middleware:
//
//	handler = httputil.Chain(
//		httputil.RecoveryMiddleware(logger),
//		httputil.MaxBytesMiddleware(1<<20),
//	)(handler)
package httputil
