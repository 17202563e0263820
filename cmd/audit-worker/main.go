// Command audit-worker consumes deferred audit units from a Redis stream,
// records them, serves the read API and runs retention cleanup.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/audittrail/pkg/activity"
	"github.com/platinummonkey/audittrail/pkg/audit"
	"github.com/platinummonkey/audittrail/pkg/config"
	"github.com/platinummonkey/audittrail/pkg/deferred"
	"github.com/platinummonkey/audittrail/pkg/events"
	"github.com/platinummonkey/audittrail/pkg/observability"
	"github.com/platinummonkey/audittrail/pkg/pipeline"
	"github.com/platinummonkey/audittrail/pkg/retention"
	"github.com/platinummonkey/audittrail/pkg/storage/postgres"
)

func main() {
	connectFor := flag.Duration("connect-timeout", time.Minute, "How long to retry connecting to Postgres and Redis at startup")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	log := setupLogger(cfg.Observability.LogLevel)
	log.Info("Starting audit worker")

	if err := run(cfg, log, *connectFor); err != nil {
		log.Fatalf("Audit worker stopped with error: %v", err)
	}
	log.Info("Audit worker stopped")
}

func setupLogger(level observability.LogLevel) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	lvl, err := logrus.ParseLevel(level.String())
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)

	return logger
}

func run(cfg *config.Config, log *logrus.Logger, connectFor time.Duration) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).WithField("service", "audit-worker")

	tp, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return err
	}

	// Storage
	conns, err := postgres.NewConnectionManager(ctx, postgres.ConnectionConfig{
		PrimaryURL: cfg.Storage.PostgresURL,
		ReplicaURL: cfg.Storage.PostgresReplicaURL,
		MaxConns:   cfg.Storage.PostgresMaxConns,
		MinConns:   cfg.Storage.PostgresMinConns,
		Timeout:    cfg.Storage.PostgresTimeout,
		RetryFor:   connectFor,
	}, logger)
	if err != nil {
		return err
	}
	if cfg.Storage.MigrateOnStart {
		if err := postgres.Migrate(conns.Primary()); err != nil {
			conns.Close()
			return err
		}
		log.Info("Schema migrations applied")
	}

	rdb, err := postgres.NewRedisClient(ctx, postgres.RedisConfig{
		URL:      cfg.Storage.RedisURL,
		PoolSize: cfg.Storage.RedisPoolSize,
		RetryFor: connectFor,
	})
	if err != nil {
		conns.Close()
		return err
	}

	writer, err := audit.NewDBStore(conns.Primary())
	if err != nil {
		return err
	}
	reader, err := audit.NewDBStore(conns.Reader())
	if err != nil {
		return err
	}

	// Metrics and policies
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	policies, err := config.LoadPolicies(cfg.Audit.PolicyFile, cfg.Audit.ReuseWindows)
	if err != nil {
		return err
	}
	classes := audit.NewClassifications(policies...)

	sink, nats, err := buildSink(cfg, logger)
	if err != nil {
		return err
	}

	rec, err := audit.NewRecorder(writer,
		audit.WithClassifications(classes),
		audit.WithNormalizer(audit.NewNormalizer(cfg.Location(), logger, metrics)),
		audit.WithTrackedRoles(audit.NewRoleSet(cfg.Audit.TrackedRoles...)),
		audit.WithSink(sink),
		audit.WithMetrics(metrics),
		audit.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	// Deferred pipeline
	handlers := deferred.NewRegistry()
	pipeline.NewHandlers(rec, audit.NewSubjectDirectory(4096, 10*time.Minute), activity.NewTracker(rec, logger), logger).Register(handlers)

	// The consumer stops before the executor so delivered units can finish
	consumeCtx, stopConsuming := context.WithCancel(context.WithoutCancel(ctx))
	defer stopConsuming()
	execCtx, stopExecuting := context.WithCancel(context.WithoutCancel(ctx))
	defer stopExecuting()

	executor := deferred.NewExecutor(execCtx, handlers, deferred.ExecutorConfig{
		Workers:        cfg.Deferred.Workers,
		HandlerTimeout: cfg.Deferred.HandlerTimeout,
		GapTimeout:     cfg.Deferred.GapTimeout,
		IdleTimeout:    cfg.Deferred.IdleTimeout,
	}, logger, metrics)

	consumers := newConsumers(cfg.Deferred, rdb.GetClient(), executor, logger, metrics)

	// Retention
	scheduler := cron.New()
	if cfg.Retention.Days > 0 {
		if err := scheduleRetention(ctx, cfg, scheduler, writer, logger, metrics); err != nil {
			return err
		}
		log.Infof("Retention cleanup scheduled at %q, keeping %d days", cfg.Retention.Schedule, cfg.Retention.Days)
	}

	// HTTP
	health := observability.NewHealthChecker(conns.Primary(), rdb.GetClient())
	if cfg.Storage.PostgresReplicaURL != "" {
		health.AddCheck("postgres_replica", false, conns.HealthCheck)
	}
	if nats != nil {
		health.AddCheck("nats", false, nats.HealthCheck)
	}

	apiServer := newAPIServer(cfg, reader, rec, metrics, logger)
	healthServer := newHealthServer(cfg, health, registry)

	shutdown := observability.NewShutdownManager(logger, apiServer, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc("health server", healthServer.Shutdown)
	shutdown.RegisterShutdownFunc("retention scheduler", func(ctx context.Context) error {
		select {
		case <-scheduler.Stop().Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	shutdown.RegisterShutdownFunc("stream consumer", func(context.Context) error {
		stopConsuming()
		return nil
	})
	shutdown.RegisterShutdownFunc("executor", func(ctx context.Context) error {
		timeout := cfg.Server.ShutdownTimeout
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		defer stopExecuting()
		return executor.Close(timeout)
	})
	shutdown.RegisterShutdownFunc("sinks", func(context.Context) error { return sink.Close() })
	shutdown.RegisterShutdownFunc("redis", func(context.Context) error { return rdb.Close() })
	shutdown.RegisterShutdownFunc("postgres", func(context.Context) error { return conns.Close() })
	shutdown.RegisterShutdownFunc("tracing", func(ctx context.Context) error { return observability.ShutdownTracing(ctx, tp) })

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Infof("Read API listening on %s", apiServer.Addr)
		return serve(apiServer)
	})
	g.Go(func() error {
		log.Infof("Health and metrics listening on %s", healthServer.Addr)
		return serve(healthServer)
	})
	for _, consumer := range consumers {
		g.Go(func() error { return consumer.Run(consumeCtx) })
	}
	g.Go(func() error { return executor.Run(execCtx) })
	if cfg.Audit.PolicyFile != "" {
		g.Go(func() error { return config.WatchPolicies(gctx, cfg.Audit.PolicyFile, cfg.Audit.ReuseWindows, classes, logger) })
	}
	scheduler.Start()

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")
		return shutdown.Shutdown(context.Background())
	})

	return g.Wait()
}

func serve(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// buildSink combines the configured change sinks
func buildSink(cfg *config.Config, logger *observability.Logger) (audit.Sink, *events.NATSPublisher, error) {
	var (
		sinks []audit.Sink
		pub   *events.NATSPublisher
	)

	if cfg.Storage.NATSURL != "" {
		var err error
		pub, err = events.NewNATSPublisher(cfg.Storage.NATSURL, cfg.Storage.NATSPrefix)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, pub)
	}

	if cfg.Storage.FileSinkDir != "" {
		fileCfg := audit.DefaultFileSinkConfig()
		fileCfg.BasePath = cfg.Storage.FileSinkDir
		fs, err := audit.NewFileSink(fileCfg)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, fs)
	}

	switch len(sinks) {
	case 0:
		return audit.NopSink{}, nil, nil
	case 1:
		return sinks[0], pub, nil
	}
	multi := audit.NewMultiSink(logger, sinks...)
	multi.SetAsync(true)
	return multi, pub, nil
}

func scheduleRetention(ctx context.Context, cfg *config.Config, scheduler *cron.Cron, repo audit.Repository, logger *observability.Logger, metrics *observability.Metrics) error {
	var archiver retention.Archiver
	if cfg.Retention.ArchiveEnabled() {
		s3a, err := retention.NewS3Archiver(ctx, retention.S3Config{
			Bucket:       cfg.Retention.S3Bucket,
			Region:       cfg.Retention.S3Region,
			Endpoint:     cfg.Retention.S3Endpoint,
			AccessKey:    cfg.Retention.S3AccessKey,
			SecretKey:    cfg.Retention.S3SecretKey,
			UsePathStyle: cfg.Retention.S3UsePathStyle,
		})
		if err != nil {
			return err
		}
		archiver = s3a
	}

	cleaner, err := retention.NewCleaner(repo, archiver, retention.Config{
		Retention:     cfg.Retention.Period(),
		ArchivePrefix: cfg.Retention.ArchivePrefix,
	}, logger, metrics)
	if err != nil {
		return err
	}

	_, err = cleaner.Schedule(scheduler, cfg.Retention.Schedule)
	return err
}

// newConsumers creates one stream consumer per shard this worker owns
func newConsumers(cfg config.DeferredConfig, client *redis.Client, target deferred.Transport, logger *observability.Logger, metrics *observability.Metrics) []*deferred.StreamConsumer {
	var consumers []*deferred.StreamConsumer
	for _, i := range cfg.ShardIndexes() {
		stream := cfg.Stream
		if cfg.Shards > 1 {
			stream = deferred.ShardName(cfg.Stream, i)
		}
		consumers = append(consumers, deferred.NewStreamConsumer(client, deferred.StreamConsumerConfig{
			Stream:    stream,
			Group:     cfg.Group,
			Consumer:  cfg.Consumer,
			Block:     2 * time.Second,
			ClaimIdle: cfg.ClaimIdle,
			Lease:     cfg.Lease,
		}, target, logger, metrics))
	}
	return consumers
}
