package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithMemoryDriver(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("DATABASE_URL", "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 0.70, cfg.Policy.Threshold)
	assert.ElementsMatch(t, []string{"refund", "partial_refund", "submit_evidence"}, cfg.Policy.AutoActions)
	assert.Equal(t, 48*time.Hour, cfg.Evidence.SafetyMargin)
	assert.InDelta(t, 0.30, cfg.Evidence.Weights["proof_of_delivery"], 1e-9)
}

func TestLoad_FileThenEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  addr: ":9090"
storage:
  driver: memory
policy:
  threshold: 0.85
  auto_actions: [refund]
  small_refund_minor: 5000
evidence:
  safety_margin: 24h
  call_timeout: 5s
kafka:
  brokers: [a:9092]
`), 0o600))

	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("POLICY_THRESHOLD", "0.9")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, 0.9, cfg.Policy.Threshold)
	assert.Equal(t, []string{"refund"}, cfg.Policy.AutoActions)
	assert.Equal(t, int64(5000), cfg.Policy.SmallRefundMinor)
	assert.Equal(t, 24*time.Hour, cfg.Evidence.SafetyMargin)
	assert.Equal(t, 5*time.Second, cfg.Evidence.CallTimeout)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestLoad_PostgresRequiresURL(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "")
	_, err := Load("")
	assert.Error(t, err)
}

func TestSlogLevel(t *testing.T) {
	var cfg Config
	cfg.Log.Level = "WARN"
	assert.Equal(t, slog.LevelWarn, cfg.SlogLevel())
	cfg.Log.Level = "verbose"
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}

func TestLoad_RejectsSubSecondLeaseTTL(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "memory")
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("lease:\n  ttl: 200ms\n"), 0o600))

	_, err := Load(path)
	assert.ErrorContains(t, err, "lease.ttl")
}
