package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Empty(t, cfg.Database.URL)
	assert.Equal(t, 24*time.Hour, cfg.Retention.Interval)
	assert.Equal(t, 4, cfg.Retention.Concurrency)
	assert.True(t, cfg.Audit.ExportAuditing)
	assert.Empty(t, cfg.Kafka.Brokers)
	assert.False(t, cfg.Streaming())
	assert.Equal(t, 24*time.Hour, cfg.Kafka.OutboxRetention)
	assert.True(t, cfg.UsesDevSigningKey())
}

func TestEnvironmentOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "carenotes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9000"
database:
  url: postgres://file
retention:
  interval: 6h
log:
  level: debug
`), 0o600))

	t.Setenv("CARENOTES_DATABASE_URL", "postgres://env")
	t.Setenv("CARENOTES_KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("CARENOTES_AUTH_JWT_SIGNING_KEY", "s3cret")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "postgres://env", cfg.Database.URL)
	assert.Equal(t, 6*time.Hour, cfg.Retention.Interval)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Streaming())
	assert.False(t, cfg.UsesDevSigningKey())

	level, err := cfg.Log.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", level.String())
}

func TestLoadRejects(t *testing.T) {
	t.Run("missing explicit file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
	t.Run("kafka without database", func(t *testing.T) {
		t.Chdir(t.TempDir())
		t.Setenv("CARENOTES_KAFKA_BROKERS", "k1:9092")
		_, err := Load("")
		assert.ErrorContains(t, err, "requires database.url")
	})
	t.Run("bad log level", func(t *testing.T) {
		t.Chdir(t.TempDir())
		t.Setenv("CARENOTES_LOG_LEVEL", "loud")
		_, err := Load("")
		assert.ErrorContains(t, err, "log.level")
	})
	t.Run("non-positive concurrency", func(t *testing.T) {
		t.Chdir(t.TempDir())
		t.Setenv("CARENOTES_RETENTION_CONCURRENCY", "0")
		_, err := Load("")
		assert.ErrorContains(t, err, "retention.concurrency")
	})
}
