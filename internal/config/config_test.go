package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10*time.Second, cfg.Fetch.Timeout.Duration)
	assert.Equal(t, EncodingBase64, cfg.ImageProxy.Encoding)
	assert.True(t, cfg.Fetch.BlockPrivate)
}

func TestLoadFromReader(t *testing.T) {
	doc := `
server:
  addr: ":8081"
fetch:
  timeout: 3s
  block_private: false
preview:
  rule_set: Legacy
  image_rules:
    - meta[property=og:image]
image_proxy:
  encoding: RAW
cache:
  preview_ttl: 90
rate_limit:
  requests_per_minute: 30
`
	cfg, err := LoadFromReader(strings.NewReader(doc))
	require.NoError(t, err)

	assert.Equal(t, ":8081", cfg.Server.Addr)
	assert.Equal(t, 3*time.Second, cfg.Fetch.Timeout.Duration)
	assert.False(t, cfg.Fetch.BlockPrivate)
	assert.Equal(t, "legacy", cfg.Preview.RuleSet)
	assert.Equal(t, []string{"meta[property=og:image]"}, cfg.Preview.ImageRules)
	assert.Equal(t, EncodingRaw, cfg.ImageProxy.Encoding)
	assert.Equal(t, 90*time.Second, cfg.Cache.PreviewTTL.Duration)
	assert.Equal(t, 30, cfg.RateLimit.Burst, "burst defaults to the per-minute rate")
	// untouched keys keep their defaults
	assert.Equal(t, "/image-proxy", cfg.Preview.ProxyPrefix)
}

func TestLoadFromReaderRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "unknown field", doc: "server:\n  port: 1\n"},
		{name: "bad duration", doc: "fetch:\n  timeout: soon\n"},
		{name: "zero timeout", doc: "fetch:\n  timeout: 0s\n"},
		{name: "external proxy prefix", doc: "preview:\n  proxy_prefix: https://cdn.example/p\n"},
		{name: "bad encoding", doc: "image_proxy:\n  encoding: hex\n"},
		{name: "bad log format", doc: "logging:\n  format: xml\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromReader(strings.NewReader(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvPrefix + "ADDR":           ":9000",
		EnvPrefix + "FETCH_TIMEOUT":  "2s",
		EnvPrefix + "BLOCK_PRIVATE":  "false",
		EnvPrefix + "RATE_LIMIT_RPM": "12",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.applyEnv(lookup))
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 2*time.Second, cfg.Fetch.Timeout.Duration)
	assert.False(t, cfg.Fetch.BlockPrivate)
	assert.Equal(t, 12, cfg.RateLimit.RequestsPerMinute)

	env[EnvPrefix+"BLOCK_PRIVATE"] = "maybe"
	assert.Error(t, cfg.applyEnv(lookup))
}

func TestLoadFileAndEnvFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("logging:\n  level: DEBUG\n"), 0o600))

	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte(EnvPrefix+"LOG_FORMAT=text\n"), 0o600))

	t.Setenv(EnvPrefix+"LOG_FORMAT", "")
	os.Unsetenv(EnvPrefix + "LOG_FORMAT")
	require.NoError(t, LoadEnvFile(envPath))

	cfg, err := Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)

	assert.NoError(t, LoadEnvFile(filepath.Join(dir, "missing.env")))
}

func TestExampleConfigMatchesDefaults(t *testing.T) {
	fh, err := os.Open(filepath.Join("..", "..", "configs", "config.example.yaml"))
	require.NoError(t, err)
	defer fh.Close()

	cfg, err := LoadFromReader(fh)
	require.NoError(t, err)
	assert.Equal(t, Default(), *cfg)
}
