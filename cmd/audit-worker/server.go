package main

import (
	"net"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/audittrail/pkg/audit"
	"github.com/platinummonkey/audittrail/pkg/config"
	"github.com/platinummonkey/audittrail/pkg/httputil"
	"github.com/platinummonkey/audittrail/pkg/observability"
)

// Headers set by the authenticating proxy in front of the read API
const (
	headerActorID   = "X-Actor-ID"
	headerActorName = "X-Actor-Name"
	headerActorRole = "X-Actor-Role"
)

// headerActor reads the reviewer identity forwarded by the proxy. Requests
// without an id carry no actor and cannot write notes.
func headerActor(r *http.Request) *audit.Actor {
	id, err := strconv.ParseInt(r.Header.Get(headerActorID), 10, 64)
	if err != nil || id <= 0 {
		return nil
	}
	return &audit.Actor{
		ID:   id,
		Name: r.Header.Get(headerActorName),
		Role: r.Header.Get(headerActorRole),
	}
}

// maxNoteBytes bounds note request bodies
const maxNoteBytes = 64 << 10

func newAPIServer(cfg *config.Config, repo audit.Repository, rec *audit.Recorder, metrics *observability.Metrics, logger *observability.Logger) *http.Server {
	router := mux.NewRouter()
	audit.NewHandlers(repo).RegisterRoutes(router)

	handler := httputil.Chain(
		func(next http.Handler) http.Handler { return otelhttp.NewHandler(next, "audit-api") },
		observability.HTTPMetricsMiddleware(metrics, "audit_api"),
		httputil.RecoveryMiddleware(logger),
		audit.NewMiddleware(rec, headerActor).Handler,
		httputil.MaxBytesMiddleware(maxNoteBytes),
	)(router)

	return &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}

func newHealthServer(cfg *config.Config, checker *observability.HealthChecker, registry *prometheus.Registry) *http.Server {
	m := http.NewServeMux()
	observability.RegisterHealthRoutes(m, checker)
	observability.RegisterMetricsEndpoint(m, registry)

	return &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler: m,
	}
}
