package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Address)
	assert.Equal(t, 30*time.Second, cfg.Server.Timeout)
	assert.Equal(t, 5*time.Minute, cfg.Webhook.FreshnessWindow)
	assert.Equal(t, int64(1<<20), cfg.Webhook.MaxBodyBytes)
	assert.Equal(t, 3, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Dispatch.BaseDelay)
	assert.Equal(t, 30*time.Second, cfg.Dispatch.MaxDelay)
	assert.Equal(t, 90*24*time.Hour, cfg.Ledger.ChangeEventTTL)
	assert.Equal(t, "partner-notifications", cfg.Azure.QueueName)
	assert.Equal(t, "localhost:6379", cfg.Redis.RedisAddr())
	assert.False(t, cfg.Certificates.Enabled)
	assert.Equal(t, 50, cfg.Worker.CertificateBatchSize)
}

func TestLoadConfig_FileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte(`
environment: production
server:
  address: 127.0.0.1:9090
  admin_token: from-file
dispatch:
  max_attempts: 5
  base_delay: 250ms
certificates:
  enabled: true
  gateway_url: https://certs.internal.example
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0o600))

	t.Setenv("PARTNERS_SERVER_ADMIN_TOKEN", "from-env")
	t.Setenv("PARTNERS_WEBHOOK_FRESHNESS_WINDOW", "2m")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Address)
	assert.Equal(t, "from-env", cfg.Server.AdminToken)
	assert.Equal(t, 5, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Dispatch.BaseDelay)
	assert.Equal(t, 2*time.Minute, cfg.Webhook.FreshnessWindow)
	assert.True(t, cfg.Certificates.Enabled)
	assert.Equal(t, "https://certs.internal.example", cfg.Certificates.GatewayURL)
}

func TestLoadConfig_MalformedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("server: [unterminated"), 0o600))

	_, err := LoadConfig(dir)
	assert.Error(t, err)
}

func TestFormatIndex(t *testing.T) {
	assert.Equal(t, "partners-change-events", FormatIndex(ElasticConfig{Prefix: "partners"}, "change-events"))
}
