package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "springboard.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `version: "1.0"
instance_name: studio
maestro: true
server:
  addr: ":8080"
peer:
  url: ws://authority:1337/ws
  call_timeout: 3s
storage:
  user_agent:
    backend: memory
  remote:
    backend: redis
  shared:
    backend: redis
redis:
  url: redis://localhost:6379
logging:
  level: debug
  format: text
`)

	config, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "studio", config.InstanceName)
	assert.True(t, config.Maestro)
	assert.Equal(t, ":8080", config.Server.Addr)
	assert.Equal(t, 5*time.Second, config.Server.ShutdownTimeout)
	assert.Equal(t, 3*time.Second, config.Peer.CallTimeout)
	assert.Equal(t, BackendMemory, config.Storage.UserAgent.Backend)
	assert.Equal(t, BackendRedis, config.Storage.Shared.Backend)
	assert.Equal(t, "text", config.Logging.Format)
}

func TestLoad_AppliesDefaults(t *testing.T) {
	config, err := Load(writeConfig(t, `version: "1.0"`))
	require.NoError(t, err)

	assert.Equal(t, "default", config.InstanceName)
	assert.False(t, config.Maestro)
	assert.Equal(t, ":1337", config.Server.Addr)
	assert.Nil(t, config.Peer)
	assert.Equal(t, &BackendConfig{Backend: BackendBolt, Path: ".springboard/device.db"}, config.Storage.UserAgent)
	assert.Equal(t, &BackendConfig{Backend: BackendSQLite, Path: ".springboard/remote.db"}, config.Storage.Remote)
	assert.Nil(t, config.Storage.Shared)
	assert.Equal(t, "info", config.Logging.Level)
	assert.Equal(t, "json", config.Logging.Format)
}

func TestLoad_FileNotFound(t *testing.T) {
	config, err := Load("/nonexistent/springboard.yml")
	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "failed to read config")
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestLoad_InvalidYAML(t *testing.T) {
	config, err := Load(writeConfig(t, "version: [unclosed"))
	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{
			name:    "wrong version",
			content: `version: "2.0"`,
			errMsg:  "unsupported version: 2.0",
		},
		{
			name:    "instance name with uppercase",
			content: "version: \"1.0\"\ninstance_name: Studio\n",
			errMsg:  "invalid instance name 'Studio'",
		},
		{
			name:    "instance name ending in hyphen",
			content: "version: \"1.0\"\ninstance_name: studio-\n",
			errMsg:  "invalid instance name",
		},
		{
			name:    "peer without url",
			content: "version: \"1.0\"\npeer:\n  call_timeout: 1s\n",
			errMsg:  "peer.url is required",
		},
		{
			name:    "peer with http url",
			content: "version: \"1.0\"\npeer:\n  url: http://authority/ws\n",
			errMsg:  "peer.url must use ws:// or wss://",
		},
		{
			name:    "unknown backend",
			content: "version: \"1.0\"\nstorage:\n  remote:\n    backend: postgres\n",
			errMsg:  "storage.remote: unknown backend 'postgres'",
		},
		{
			name:    "bolt without path",
			content: "version: \"1.0\"\nstorage:\n  user_agent:\n    backend: bolt\n",
			errMsg:  "storage.user_agent: bolt backend requires path",
		},
		{
			name:    "http without url",
			content: "version: \"1.0\"\nstorage:\n  remote:\n    backend: http\n",
			errMsg:  "storage.remote: http backend requires url",
		},
		{
			name:    "redis without url",
			content: "version: \"1.0\"\nstorage:\n  shared:\n    backend: redis\n",
			errMsg:  "storage.shared: redis backend requires redis.url",
		},
		{
			name:    "bad log format",
			content: "version: \"1.0\"\nlogging:\n  format: xml\n",
			errMsg:  "logging.format must be 'json' or 'text'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid configuration")
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"SPRINGBOARD_INSTANCE_NAME": "from-env",
		"SPRINGBOARD_ADDR":          ":9999",
		"SPRINGBOARD_MAESTRO":       "true",
		"SPRINGBOARD_PEER_URL":      "wss://example.com/ws",
		"REDIS_URL":                 "redis://cache:6379",
	}
	config := &SpringboardConfig{Version: "1.0"}
	require.NoError(t, config.ApplyEnv(func(k string) string { return env[k] }))
	require.NoError(t, config.Validate())

	assert.Equal(t, "from-env", config.InstanceName)
	assert.Equal(t, ":9999", config.Server.Addr)
	assert.True(t, config.Maestro)
	assert.Equal(t, "wss://example.com/ws", config.Peer.URL)
	assert.Equal(t, 10*time.Second, config.Peer.CallTimeout)
	assert.Equal(t, "redis://cache:6379", config.Redis.URL)

	err := config.ApplyEnv(func(k string) string {
		if k == "SPRINGBOARD_MAESTRO" {
			return "maybe"
		}
		return ""
	})
	assert.Error(t, err)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("SPRINGBOARD_INSTANCE_NAME", "override")
	config, err := Load(writeConfig(t, "version: \"1.0\"\ninstance_name: file\n"))
	require.NoError(t, err)
	assert.Equal(t, "override", config.InstanceName)
}
