// Package config loads audit service configuration from environment variables
// and classification policies from an optional YAML file.
//
// # Environment
//
// Server settings:
//
//	AUDIT_HOST="0.0.0.0"
//	AUDIT_PORT="8080"
//	AUDIT_HEALTH_PORT="9090"
//
// Storage settings:
//
//	AUDIT_POSTGRES_URL="postgres://audit@localhost/audit?sslmode=disable"
//	AUDIT_MIGRATE_ON_START="true"
//	AUDIT_REDIS_URL="redis://localhost:6379/0"
//	AUDIT_NATS_URL="nats://localhost:4222"  # optional event announcements
//
// Pipeline settings:
//
//	AUDIT_STREAM="audit:deferred"
//	AUDIT_STREAM_GROUP="audit-workers"
//	AUDIT_STREAM_SHARDS="4"           # split the stream by operation id
//	AUDIT_STREAM_OWNED_SHARDS="0,1"   # shards this worker reads, default all
//	AUDIT_STREAM_LEASE="30s"          # one active reader per shard
//	AUDIT_WORKERS="4"
//	AUDIT_GAP_TIMEOUT="1m"
//
// Recording policy:
//
//	AUDIT_TRACKED_ROLES="Administrator,Editor"
//	AUDIT_POLICY_FILE="/etc/audittrail/policies.yaml"
//	AUDIT_TIMEZONE="Europe/Berlin"
//	AUDIT_REUSE_WINDOWS="Updated=10m,Activity=30s"  # built-in defaults
//
// Retention:
//
//	AUDIT_RETENTION_DAYS="365"  # 0 keeps events forever
//	AUDIT_RETENTION_SCHEDULE="0 3 * * *"
//	AUDIT_S3_BUCKET="audit-archive"  # archive before deleting
//
// Observability:
//
//	AUDIT_LOG_LEVEL="info"  # debug, info, warn, error
//	AUDIT_OTEL_ENABLED="true"
//	AUDIT_OTEL_ENDPOINT="otel-collector:4317"
//
// # Policies
//
// AUDIT_REUSE_WINDOWS changes the reuse window of built-in classifications.
// The policy file then overrides classifications by name and may add new
// ones. WatchPolicies keeps a running registry in sync with the file:
//
//	policies, err := config.LoadPolicies(cfg.Audit.PolicyFile, cfg.Audit.ReuseWindows)
//	classes := audit.NewClassifications(policies...)
//	go config.WatchPolicies(ctx, cfg.Audit.PolicyFile, cfg.Audit.ReuseWindows, classes, logger)
package config
