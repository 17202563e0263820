package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/audittrail/pkg/observability"
)

func TestEnvHelpers(t *testing.T) {
	t.Setenv("AUDIT_TEST_STRING", "custom")
	t.Setenv("AUDIT_TEST_BOOL_TRUE", "TRUE")
	t.Setenv("AUDIT_TEST_BOOL_ONE", "1")
	t.Setenv("AUDIT_TEST_BOOL_NO", "no")
	t.Setenv("AUDIT_TEST_INT", "42")
	t.Setenv("AUDIT_TEST_BAD_INT", "forty-two")
	t.Setenv("AUDIT_TEST_INT64", "9000000000")
	t.Setenv("AUDIT_TEST_DURATION", "90s")
	t.Setenv("AUDIT_TEST_BAD_DURATION", "soon")
	t.Setenv("AUDIT_TEST_LIST", " Administrator, ,Editor ,")

	assert.Equal(t, "custom", getEnv("AUDIT_TEST_STRING", "default"))
	assert.Equal(t, "default", getEnv("AUDIT_TEST_UNSET", "default"))

	assert.True(t, getEnvBool("AUDIT_TEST_BOOL_TRUE", false))
	assert.True(t, getEnvBool("AUDIT_TEST_BOOL_ONE", false))
	assert.False(t, getEnvBool("AUDIT_TEST_BOOL_NO", true))
	assert.True(t, getEnvBool("AUDIT_TEST_UNSET", true))

	assert.Equal(t, 42, getEnvInt("AUDIT_TEST_INT", 1))
	assert.Equal(t, 1, getEnvInt("AUDIT_TEST_BAD_INT", 1))
	assert.Equal(t, int64(9000000000), getEnvInt64("AUDIT_TEST_INT64", 0))

	assert.Equal(t, 90*time.Second, getEnvDuration("AUDIT_TEST_DURATION", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("AUDIT_TEST_BAD_DURATION", time.Second))

	assert.Equal(t, []string{"Administrator", "Editor"}, getEnvList("AUDIT_TEST_LIST"))
	assert.Nil(t, getEnvList("AUDIT_TEST_UNSET"))
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  observability.LogLevel
	}{
		{"debug", observability.DebugLevel},
		{"DEBUG", observability.DebugLevel},
		{"info", observability.InfoLevel},
		{"warn", observability.WarnLevel},
		{"warning", observability.WarnLevel},
		{"error", observability.ErrorLevel},
		{"invalid", observability.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLogLevel(tt.level))
		})
	}
}

func TestLoadDeferredConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg := loadDeferredConfig()
		assert.Equal(t, "audit:deferred", cfg.Stream)
		assert.Equal(t, "audit-workers", cfg.Group)
		assert.NotEmpty(t, cfg.Consumer)
		assert.Equal(t, 4, cfg.Workers)
		assert.Equal(t, time.Minute, cfg.GapTimeout)
		assert.Equal(t, 1024, cfg.OutboxSize)
		assert.Equal(t, 1, cfg.Shards)
		assert.Equal(t, 30*time.Second, cfg.Lease)
		assert.Equal(t, []int{0}, cfg.ShardIndexes())
	})

	t.Run("shards", func(t *testing.T) {
		t.Setenv("AUDIT_STREAM_SHARDS", "4")
		cfg := loadDeferredConfig()
		assert.Equal(t, []int{0, 1, 2, 3}, cfg.ShardIndexes())

		t.Setenv("AUDIT_STREAM_OWNED_SHARDS", "1, 3")
		cfg = loadDeferredConfig()
		assert.Equal(t, []int{1, 3}, cfg.ShardIndexes())

		t.Setenv("AUDIT_STREAM_OWNED_SHARDS", "1,x")
		assert.Equal(t, []int{1, -1}, loadDeferredConfig().OwnedShards)
	})

	t.Run("custom values", func(t *testing.T) {
		t.Setenv("AUDIT_STREAM", "shop:audit")
		t.Setenv("AUDIT_STREAM_CONSUMER", "worker-7")
		t.Setenv("AUDIT_WORKERS", "16")
		t.Setenv("AUDIT_GAP_TIMEOUT", "5s")

		cfg := loadDeferredConfig()
		assert.Equal(t, "shop:audit", cfg.Stream)
		assert.Equal(t, "worker-7", cfg.Consumer)
		assert.Equal(t, 16, cfg.Workers)
		assert.Equal(t, 5*time.Second, cfg.GapTimeout)
	})
}

func TestLoadAuditConfig_ReuseWindows(t *testing.T) {
	assert.Nil(t, loadAuditConfig().ReuseWindows)

	t.Setenv("AUDIT_REUSE_WINDOWS", "Updated=10m, Activity = 30s,Login=soon")
	cfg := loadAuditConfig()
	assert.Equal(t, map[string]time.Duration{
		"Updated":  10 * time.Minute,
		"Activity": 30 * time.Second,
		"Login":    -1,
	}, cfg.ReuseWindows)
}

func TestLoadRetentionConfig(t *testing.T) {
	cfg := loadRetentionConfig()
	assert.Zero(t, cfg.Days)
	assert.Zero(t, cfg.Period())
	assert.False(t, cfg.ArchiveEnabled())

	t.Setenv("AUDIT_RETENTION_DAYS", "90")
	t.Setenv("AUDIT_S3_BUCKET", "audit-archive")
	t.Setenv("AUDIT_S3_USE_PATH_STYLE", "true")

	cfg = loadRetentionConfig()
	assert.Equal(t, 90*24*time.Hour, cfg.Period())
	assert.True(t, cfg.ArchiveEnabled())
	assert.True(t, cfg.S3UsePathStyle)
	assert.Equal(t, "0 3 * * *", cfg.Schedule)
}

func validConfig() *Config {
	return &Config{
		Server:  loadServerConfig(),
		Storage: StorageConfig{PostgresURL: "postgres://localhost/audit", RedisURL: "redis://localhost:6379/0"},
		Deferred: DeferredConfig{
			Stream:  "audit:deferred",
			Group:   "audit-workers",
			Workers: 4,
		},
		Audit:     AuditConfig{Timezone: "Europe/Berlin"},
		Retention: RetentionConfig{Days: 30, Schedule: "0 3 * * *"},
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "missing port", mutate: func(c *Config) { c.Server.Port = "" }, wantErr: "server port is required"},
		{name: "same ports", mutate: func(c *Config) { c.Server.HealthPort = c.Server.Port }, wantErr: "must be different"},
		{name: "missing postgres", mutate: func(c *Config) { c.Storage.PostgresURL = "" }, wantErr: "postgres URL is required"},
		{name: "missing redis", mutate: func(c *Config) { c.Storage.RedisURL = "" }, wantErr: "redis URL is required"},
		{name: "no workers", mutate: func(c *Config) { c.Deferred.Workers = 0 }, wantErr: "worker count"},
		{name: "negative shards", mutate: func(c *Config) { c.Deferred.Shards = -1 }, wantErr: "must not be negative"},
		{name: "owned shard out of range", mutate: func(c *Config) { c.Deferred.Shards = 2; c.Deferred.OwnedShards = []int{2} }, wantErr: "out of range"},
		{name: "owned shard without shards", mutate: func(c *Config) { c.Deferred.OwnedShards = []int{1} }, wantErr: "out of range"},
		{name: "unknown reuse window", mutate: func(c *Config) { c.Audit.ReuseWindows = map[string]time.Duration{"Nope": time.Minute} }, wantErr: "unknown classification"},
		{name: "bad reuse window", mutate: func(c *Config) { c.Audit.ReuseWindows = map[string]time.Duration{"Updated": -1} }, wantErr: "non-negative"},
		{name: "bad timezone", mutate: func(c *Config) { c.Audit.Timezone = "Mars/Olympus" }, wantErr: "invalid timezone"},
		{name: "negative retention", mutate: func(c *Config) { c.Retention.Days = -1 }, wantErr: "must not be negative"},
		{name: "retention without schedule", mutate: func(c *Config) { c.Retention.Schedule = "" }, wantErr: "schedule is required"},
		{
			name: "otel without endpoint",
			mutate: func(c *Config) {
				c.Observability.OTelEnabled = true
				c.Observability.OTelServiceName = "audittrail"
			},
			wantErr: "endpoint is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_Location(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, "Europe/Berlin", cfg.Location().String())

	cfg.Audit.Timezone = "nowhere"
	assert.Equal(t, time.UTC, cfg.Location())
}

func TestLoadConfig(t *testing.T) {
	t.Run("requires postgres", func(t *testing.T) {
		t.Setenv("AUDIT_POSTGRES_URL", "")
		_, err := LoadConfig()
		assert.Error(t, err)
	})

	t.Run("loads from environment", func(t *testing.T) {
		t.Setenv("AUDIT_POSTGRES_URL", "postgres://audit@db/audit?sslmode=disable")
		t.Setenv("AUDIT_TRACKED_ROLES", "Administrator,Editor")
		t.Setenv("AUDIT_LOG_LEVEL", "debug")
		t.Setenv("AUDIT_RETENTION_DAYS", "365")

		cfg, err := LoadConfig()
		require.NoError(t, err)
		assert.Equal(t, "postgres://audit@db/audit?sslmode=disable", cfg.Storage.PostgresURL)
		assert.Equal(t, []string{"Administrator", "Editor"}, cfg.Audit.TrackedRoles)
		assert.Equal(t, observability.DebugLevel, cfg.Observability.LogLevel)
		assert.Equal(t, 365, cfg.Retention.Days)
		assert.True(t, cfg.Storage.MigrateOnStart)
	})
}
