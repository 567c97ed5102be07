package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logger:\n  level: debug\ndocker:\n  auth:\n    type: bearer\n    token: abc\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, DockerAuthBearer, cfg.Docker.Auth.Type)
	assert.Equal(t, "v1.43", cfg.Docker.APIVersion)
	assert.Equal(t, 3, cfg.Orchestrator.MaxAttempts)
}

func TestLoadConfigSample(t *testing.T) {
	cfg, err := LoadConfig("config.yaml")
	require.NoError(t, err)
	assert.Equal(t, "kafka", cfg.Orchestrator.QueueBackend)
	assert.Contains(t, cfg.WorkerChannel.Pools, "thumbnailer")
	assert.Equal(t, "http://ocr-worker:8000", cfg.WorkerChannel.HTTPWorkers["ocr"])
	require.Len(t, cfg.Registry.Subscriptions, 2)
	assert.Equal(t, "pdfa", cfg.Registry.Subscriptions[1].InputDefaults["format"])
}

func TestValidateRejectsContradictions(t *testing.T) {
	cfg := Default()
	cfg.Docker.Auth.Type = DockerAuthBasic
	cfg.Docker.Endpoint = "https://docker.internal:2376"
	cfg.Orchestrator.QueueBackend = "rabbit"
	cfg.Registry.Subscriptions = []SubscriptionConfig{{Subscriber: "ledger"}}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "username")
	assert.Contains(t, err.Error(), "socketPath")
	assert.Contains(t, err.Error(), "queueBackend")
	assert.Contains(t, err.Error(), "registry.subscriptions[0]")
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("FOREMAN_DOCKER_TOKEN", "secret-token")
	t.Setenv("FOREMAN_KAFKA_BROKERS", "k1:9092, k2:9092,")

	cfg := Default()
	ApplyEnv(cfg)
	assert.Equal(t, "secret-token", cfg.Docker.Auth.Token)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Databases.Kafka.Brokers)
}

func TestLoadEnvFileSkipsMissing(t *testing.T) {
	assert.NoError(t, LoadEnvFile(filepath.Join(t.TempDir(), "nope.env")))

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("FOREMAN_TEST_ONLY_VAR=1\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("FOREMAN_TEST_ONLY_VAR") })
	require.NoError(t, LoadEnvFile(path))
	assert.Equal(t, "1", os.Getenv("FOREMAN_TEST_ONLY_VAR"))
}

func TestDuration(t *testing.T) {
	assert.Equal(t, 5*time.Second, Duration("5s", time.Minute))
	assert.Equal(t, time.Minute, Duration("", time.Minute))
	assert.Equal(t, time.Minute, Duration("bogus", time.Minute))
}
