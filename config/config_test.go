package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
mysql:
  master: "root:pw@tcp(localhost:3306)/craftvote?parseTime=true"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.NotEmpty(t, cfg.Server.InstanceID)
	if host, err := os.Hostname(); err == nil && host != "" {
		assert.Equal(t, host+"-8080", cfg.Server.InstanceID)
	}

	// 未配置实例ID时，重新加载得到相同的值
	first := cfg.Server.InstanceID
	again, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, first, again.Server.InstanceID)
	assert.Equal(t, DefaultCooldown, cfg.Vote.DefaultCooldown)
	assert.Equal(t, MaxHistoryLimit, cfg.Vote.HistoryLimit)
	assert.Equal(t, "/ws", cfg.Gateway.Path)
	assert.Equal(t, 30*time.Second, cfg.Gateway.PingInterval)
	assert.Equal(t, int64(50*1024), cfg.Gateway.MaxMessageSize)
	assert.False(t, cfg.Kafka.Enabled)
	assert.Equal(t, "/graphql", cfg.GraphQL.Path)
	assert.Equal(t, cfg.Server.InstanceID, AppConfig.Server.InstanceID)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
  instance_id: "node-1"
vote:
  default_cooldown: 1h
  history_limit: 50
gateway:
  ping_interval: 10s
`)
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("GATEWAY_PATH", "/game")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "node-1", cfg.Server.InstanceID)
	assert.Equal(t, time.Hour, cfg.Vote.DefaultCooldown)
	assert.Equal(t, MaxHistoryLimit, cfg.Vote.HistoryLimit)
	assert.Equal(t, 10*time.Second, cfg.Gateway.PingInterval)
	assert.Equal(t, "/game", cfg.Gateway.Path)
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"zero message size", "gateway:\n  max_message_size: 0\n"},
		{"zero ping interval", "gateway:\n  ping_interval: 0s\n"},
		{"kafka without brokers", "kafka:\n  enabled: true\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
