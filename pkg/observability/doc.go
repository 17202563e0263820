// Package observability provides structured logging, Prometheus metrics,
// health checks, graceful shutdown and OpenTelemetry tracing for the audit
// worker and its libraries.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("classification", "Updated").Info("event saved")
//
// Library packages accept a *Logger and fall back to NewNopLogger when none
// is configured.
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.EventsSavedTotal.WithLabelValues("Updated", "coalesced").Inc()
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient)
//	checker.AddCheck("archive", false, archiver.HealthCheck)
//	observability.RegisterHealthRoutes(mux, checker)
//
// # Shutdown
//
// Hooks run in registration order. Register the end-of-request flush and the
// deferred executor before the database and Redis connections they use.
//
//	sm := observability.NewShutdownManager(logger, server, 30*time.Second)
//	sm.RegisterShutdownFunc("deferred executor", executor.Close)
//	sm.RegisterShutdownFunc("database", closeDB)
//	sm.WaitForShutdown()
//
// # Tracing
//
//	tp, err := observability.InitTracing(ctx, cfg, logger)
//	defer observability.ShutdownTracing(ctx, tp)
package observability
