package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/audittrail/pkg/audit"
	"github.com/platinummonkey/audittrail/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Storage configuration
	Storage StorageConfig

	// Deferred pipeline configuration
	Deferred DeferredConfig

	// Recording policy configuration
	Audit AuditConfig

	// Retention configuration
	Retention RetentionConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// StorageConfig holds database and broker connection settings
type StorageConfig struct {
	PostgresURL        string
	PostgresReplicaURL string
	PostgresMaxConns   int
	PostgresMinConns   int
	PostgresTimeout    time.Duration
	MigrateOnStart     bool

	RedisURL      string
	RedisPoolSize int

	NATSURL     string
	NATSPrefix  string
	FileSinkDir string
}

// DeferredConfig holds settings for the capture/execute pipeline
type DeferredConfig struct {
	Stream   string
	Group    string
	Consumer string
	// Shards splits the stream by operation id. Every shard is read by
	// exactly one worker at a time; OwnedShards picks the shards this worker
	// reads, all of them when empty.
	Shards         int
	OwnedShards    []int
	Lease          time.Duration
	StreamMaxLen   int64
	ClaimIdle      time.Duration
	OutboxSize     int
	Workers        int
	HandlerTimeout time.Duration
	GapTimeout     time.Duration
	IdleTimeout    time.Duration
}

// ShardIndexes returns the shards this worker consumes
func (c DeferredConfig) ShardIndexes() []int {
	if len(c.OwnedShards) > 0 {
		return c.OwnedShards
	}
	n := c.Shards
	if n < 1 {
		n = 1
	}
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// AuditConfig holds the recording policy settings
type AuditConfig struct {
	// TrackedRoles limits recording to actors with one of these roles.
	// Empty records every actor.
	TrackedRoles []string

	// PolicyFile is an optional YAML file of classification policies
	PolicyFile string

	// Timezone is the site timezone used to normalize local dates
	Timezone string

	// ReuseWindows overrides the default reuse window of built-in
	// classifications by name
	ReuseWindows map[string]time.Duration
}

// RetentionConfig holds retention and archive settings
type RetentionConfig struct {
	// Days is the retention period in days; zero disables cleanup
	Days     int
	Schedule string

	ArchivePrefix  string
	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool
}

// Period returns the retention period as a duration
func (r RetentionConfig) Period() time.Duration {
	return time.Duration(r.Days) * 24 * time.Hour
}

// ArchiveEnabled reports whether expired events are archived to S3
func (r RetentionConfig) ArchiveEnabled() bool {
	return r.S3Bucket != ""
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Deferred:      loadDeferredConfig(),
		Audit:         loadAuditConfig(),
		Retention:     loadRetentionConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("AUDIT_HOST", "0.0.0.0"),
		Port:            getEnv("AUDIT_PORT", "8080"),
		ReadTimeout:     getEnvDuration("AUDIT_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("AUDIT_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("AUDIT_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("AUDIT_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("AUDIT_HEALTH_PORT", "9090"),
	}
}

// loadStorageConfig loads storage configuration from environment
func loadStorageConfig() StorageConfig {
	return StorageConfig{
		PostgresURL:        getEnv("AUDIT_POSTGRES_URL", ""),
		PostgresReplicaURL: getEnv("AUDIT_POSTGRES_REPLICA_URL", ""),
		PostgresMaxConns:   getEnvInt("AUDIT_POSTGRES_MAX_CONNS", 20),
		PostgresMinConns:   getEnvInt("AUDIT_POSTGRES_MIN_CONNS", 2),
		PostgresTimeout:    getEnvDuration("AUDIT_POSTGRES_TIMEOUT", 10*time.Second),
		MigrateOnStart:     getEnvBool("AUDIT_MIGRATE_ON_START", true),
		RedisURL:           getEnv("AUDIT_REDIS_URL", "redis://localhost:6379/0"),
		RedisPoolSize:      getEnvInt("AUDIT_REDIS_POOL_SIZE", 10),
		NATSURL:            getEnv("AUDIT_NATS_URL", ""),
		NATSPrefix:         getEnv("AUDIT_NATS_PREFIX", "audit.event"),
		FileSinkDir:        getEnv("AUDIT_FILE_SINK_DIR", ""),
	}
}

// loadDeferredConfig loads pipeline configuration from environment
func loadDeferredConfig() DeferredConfig {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "audit-worker"
	}

	return DeferredConfig{
		Stream:         getEnv("AUDIT_STREAM", "audit:deferred"),
		Group:          getEnv("AUDIT_STREAM_GROUP", "audit-workers"),
		Consumer:       getEnv("AUDIT_STREAM_CONSUMER", hostname),
		Shards:         getEnvInt("AUDIT_STREAM_SHARDS", 1),
		OwnedShards:    getEnvIntList("AUDIT_STREAM_OWNED_SHARDS"),
		Lease:          getEnvDuration("AUDIT_STREAM_LEASE", 30*time.Second),
		StreamMaxLen:   getEnvInt64("AUDIT_STREAM_MAX_LEN", 100000),
		ClaimIdle:      getEnvDuration("AUDIT_STREAM_CLAIM_IDLE", time.Minute),
		OutboxSize:     getEnvInt("AUDIT_OUTBOX_SIZE", 1024),
		Workers:        getEnvInt("AUDIT_WORKERS", 4),
		HandlerTimeout: getEnvDuration("AUDIT_HANDLER_TIMEOUT", 30*time.Second),
		GapTimeout:     getEnvDuration("AUDIT_GAP_TIMEOUT", time.Minute),
		IdleTimeout:    getEnvDuration("AUDIT_LANE_IDLE_TIMEOUT", 10*time.Minute),
	}
}

// loadAuditConfig loads recording policy configuration from environment
func loadAuditConfig() AuditConfig {
	return AuditConfig{
		TrackedRoles: getEnvList("AUDIT_TRACKED_ROLES"),
		PolicyFile:   getEnv("AUDIT_POLICY_FILE", ""),
		Timezone:     getEnv("AUDIT_TIMEZONE", "UTC"),
		ReuseWindows: getEnvWindows("AUDIT_REUSE_WINDOWS"),
	}
}

// loadRetentionConfig loads retention configuration from environment
func loadRetentionConfig() RetentionConfig {
	return RetentionConfig{
		Days:           getEnvInt("AUDIT_RETENTION_DAYS", 0),
		Schedule:       getEnv("AUDIT_RETENTION_SCHEDULE", "0 3 * * *"),
		ArchivePrefix:  getEnv("AUDIT_ARCHIVE_PREFIX", "audit-archive"),
		S3Endpoint:     getEnv("AUDIT_S3_ENDPOINT", ""),
		S3Region:       getEnv("AUDIT_S3_REGION", "us-east-1"),
		S3Bucket:       getEnv("AUDIT_S3_BUCKET", ""),
		S3AccessKey:    getEnv("AUDIT_S3_ACCESS_KEY", ""),
		S3SecretKey:    getEnv("AUDIT_S3_SECRET_KEY", ""),
		S3UsePathStyle: getEnvBool("AUDIT_S3_USE_PATH_STYLE", false),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	cfg := ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("AUDIT_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("AUDIT_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("AUDIT_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("AUDIT_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("AUDIT_OTEL_SERVICE_NAME", "audittrail"),
		OTelServiceVersion: getEnv("AUDIT_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("AUDIT_OTEL_INSECURE", true),
	}

	return cfg
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Storage.PostgresURL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.Storage.RedisURL == "" {
		return fmt.Errorf("redis URL is required for the deferred stream")
	}

	if c.Deferred.Workers <= 0 {
		return fmt.Errorf("worker count must be positive, got %d", c.Deferred.Workers)
	}
	if c.Deferred.Stream == "" || c.Deferred.Group == "" {
		return fmt.Errorf("deferred stream and consumer group are required")
	}
	if c.Deferred.Shards < 0 {
		return fmt.Errorf("stream shards must not be negative, got %d", c.Deferred.Shards)
	}
	shards := max(c.Deferred.Shards, 1)
	for _, i := range c.Deferred.OwnedShards {
		if i < 0 || i >= shards {
			return fmt.Errorf("owned shard %d out of range [0, %d)", i, shards)
		}
	}

	for name, w := range c.Audit.ReuseWindows {
		if !isBuiltinClassification(name) {
			return fmt.Errorf("reuse window for unknown classification %q", name)
		}
		if w < 0 {
			return fmt.Errorf("reuse window for %q must be a non-negative duration", name)
		}
	}

	if _, err := time.LoadLocation(c.Audit.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Audit.Timezone, err)
	}

	if c.Retention.Days < 0 {
		return fmt.Errorf("retention days must not be negative, got %d", c.Retention.Days)
	}
	if c.Retention.Days > 0 && c.Retention.Schedule == "" {
		return fmt.Errorf("retention schedule is required when retention is enabled")
	}

	// Validate OpenTelemetry config
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// Location returns the configured site timezone, UTC when invalid
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Audit.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvWindows parses a comma-separated list of name=duration pairs such as
// "Updated=10m,Activity=30s". Unparseable durations become -1 so validation
// rejects them.
func getEnvWindows(key string) map[string]time.Duration {
	parts := getEnvList(key)
	if len(parts) == 0 {
		return nil
	}

	out := make(map[string]time.Duration, len(parts))
	for _, part := range parts {
		name, value, _ := strings.Cut(part, "=")
		d, err := time.ParseDuration(strings.TrimSpace(value))
		if err != nil {
			d = -1
		}
		out[strings.TrimSpace(name)] = d
	}
	return out
}

func isBuiltinClassification(name string) bool {
	for _, c := range audit.DefaultClassifications() {
		if c.Name == name {
			return true
		}
	}
	return false
}

// getEnvIntList returns a comma-separated list of integers. Entries that
// are not integers become -1 so validation rejects them.
func getEnvIntList(key string) []int {
	var out []int
	for _, part := range getEnvList(key) {
		n, err := strconv.Atoi(part)
		if err != nil {
			n = -1
		}
		out = append(out, n)
	}
	return out
}

// getEnvList returns a comma-separated environment variable as a list,
// skipping blank entries
func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}

	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
