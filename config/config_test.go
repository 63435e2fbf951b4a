package config_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/effective-security/geminimcp/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoadConfig(t *testing.T) {
	cfg, err := config.LoadConfig("testdata/gemini-mcp.yaml")
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "/usr/local/bin/gemini", cfg.Gemini.Command)
	assert.Equal(t, "GEMINI_API_KEY", cfg.Gemini.APIKeyEnv)
	assert.Equal(t, "-m", cfg.Gemini.ModelFlag)
	assert.Equal(t, map[string]string{"NO_COLOR": "1"}, cfg.Gemini.Env)

	assert.Equal(t, 2*time.Minute, cfg.Invoker.Timeout.Duration())
	assert.Equal(t, 3*time.Second, cfg.Invoker.KillGrace.Duration())
	assert.Equal(t, 64, cfg.Invoker.ProgressBuffer)
	assert.Equal(t, config.ShellAuto, cfg.Invoker.Shell)

	assert.Equal(t, 1000, cfg.Chunking.MaxChunkSize)

	assert.Equal(t, config.StoreRedis, cfg.Store.Backend)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Store.RedisURL)
	assert.Equal(t, "geminimcp", cfg.Store.Prefix)
	assert.Equal(t, 30*time.Minute, cfg.Store.TTL.Duration())

	assert.Equal(t, "gemini-mcp", cfg.Server.Name)
	assert.Equal(t, "1.0.0", cfg.Server.Version)
	assert.Equal(t, 10*time.Second, cfg.Server.ProgressInterval.Duration())
	assert.Equal(t, 10*time.Millisecond, cfg.Server.MinDelay.Duration())
	assert.Equal(t, 10, cfg.Server.PageSize)
	assert.Empty(t, cfg.Server.HTTPAddr)
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "gemini", cfg.Gemini.Command)
	assert.Equal(t, "gemini-2.5-pro", cfg.Gemini.DefaultModel)
	assert.Equal(t, 10*time.Minute, cfg.Invoker.Timeout.Duration())
	assert.Equal(t, 5*time.Second, cfg.Invoker.KillGrace.Duration())
	assert.Empty(t, cfg.Invoker.Shell)
	assert.Equal(t, 20000, cfg.Chunking.MaxChunkSize)
	assert.Equal(t, config.StoreMemory, cfg.Store.Backend)
	assert.Equal(t, time.Hour, cfg.Store.TTL.Duration())
	assert.Equal(t, "gemini-cli-mcp", cfg.Server.Name)
	assert.Equal(t, 25*time.Second, cfg.Server.ProgressInterval.Duration())
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := config.LoadConfig("testdata/non-existent.yaml")
	assert.Error(t, err)

	_, err = config.LoadConfig("testdata/invalid.yaml")
	assert.Error(t, err)

	_, err = config.LoadConfig("testdata/unsupported.yaml")
	assert.EqualError(t, err, "unsupported store backend: etcd")

	cfg := &config.Config{Store: config.StoreConfig{Backend: config.StoreRedis}}
	cfg.SetDefaults()
	assert.EqualError(t, cfg.Validate(), "store.redis_url is required for redis backend")
}

func TestDuration(t *testing.T) {
	var d config.Duration
	require.NoError(t, json.Unmarshal([]byte(`"1m30s"`), &d))
	assert.Equal(t, 90*time.Second, d.Duration())

	require.NoError(t, json.Unmarshal([]byte(`1000000`), &d))
	assert.Equal(t, time.Millisecond, d.Duration())

	require.NoError(t, json.Unmarshal([]byte(`null`), &d))
	assert.Zero(t, d)

	assert.EqualError(t, json.Unmarshal([]byte(`"soon"`), &d), `invalid duration: "soon"`)

	js, err := json.Marshal(config.Duration(25 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, `"25s"`, string(js))

	var s struct {
		TTL config.Duration `yaml:"ttl"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("ttl: 2h\n"), &s))
	assert.Equal(t, 2*time.Hour, s.TTL.Duration())

	out, err := yaml.Marshal(&s)
	require.NoError(t, err)
	assert.Equal(t, "ttl: 2h0m0s\n", string(out))
}

func TestLoadConfig_TOML(t *testing.T) {
	cfg, err := config.LoadConfig("testdata/gemini-mcp.toml")
	require.NoError(t, err)

	assert.Equal(t, "WARNING", cfg.LogLevel)
	assert.True(t, cfg.Gemini.StdinPrompt)
	assert.Equal(t, 90*time.Second, cfg.Invoker.Timeout.Duration())
	assert.Equal(t, "/usr/bin/pwsh", cfg.Invoker.Shell)
	assert.Equal(t, config.StoreMemory, cfg.Store.Backend)
	assert.Equal(t, 50*time.Millisecond, cfg.Server.MinDelay.Duration())
}

func TestEncode(t *testing.T) {
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)

	out, err := cfg.Encode("yaml")
	require.NoError(t, err)
	assert.Contains(t, string(out), "timeout: 10m0s\n")

	out, err = cfg.Encode("json")
	require.NoError(t, err)
	assert.Contains(t, string(out), `"timeout": "10m0s"`)

	out, err = cfg.Encode("toml")
	require.NoError(t, err)
	assert.Contains(t, string(out), `timeout = "10m0s"`)

	var back config.Config
	require.NoError(t, json.Unmarshal(mustEncode(t, cfg, "json"), &back))
	assert.Equal(t, *cfg, back)

	_, err = cfg.Encode("xml")
	assert.EqualError(t, err, "unsupported format: xml")
}

func mustEncode(t *testing.T, cfg *config.Config, format string) []byte {
	out, err := cfg.Encode(format)
	require.NoError(t, err)
	return out
}
