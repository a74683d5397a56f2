package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.Stage)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 30, cfg.LLM.RateLimit.RequestsPerMinute)
	assert.Equal(t, 30*time.Second, cfg.LLM.RateLimit.AcquireTimeout)
	assert.Equal(t, 5, cfg.LLM.Retry.MaxRetries)
	assert.Equal(t, time.Second, cfg.LLM.Anthropic.BaseDelay)
	assert.Equal(t, 60*time.Second, cfg.LLM.Anthropic.MaxDelay)
	assert.InDelta(t, 25.0, cfg.Ledger.DailyCapUSD, 1e-9)
	assert.Equal(t, "rezgate:actions", cfg.Dispatch.ActionStream)
	assert.Equal(t, int64(5), cfg.Dispatch.MaxDeliveries)
	assert.Equal(t, "rezgate:responses:dead", cfg.Dispatch.DeadLetterStream)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
stage: prod
server:
  http_port: 9090
llm:
  rate_limit:
    requests_per_minute: 120
ledger:
  daily_cap_usd: 100.0
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "prod", cfg.Stage)
	assert.Equal(t, 9090, cfg.Server.HTTPPort)
	assert.Equal(t, 120, cfg.LLM.RateLimit.RequestsPerMinute)
	assert.InDelta(t, 100.0, cfg.Ledger.DailyCapUSD, 1e-9)
	// Untouched sections keep their defaults.
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	t.Setenv("REZGATE_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("REZGATE_LLM_ANTHROPIC_API_KEY", "sk-test")
	t.Setenv("REZGATE_LEDGER_DAILY_CAP_USD", "7.5")
	t.Setenv("REZGATE_LLM_RATE_LIMIT_ACQUIRE_TIMEOUT", "10s")
	t.Setenv("REZGATE_LLM_ANTHROPIC_BASE_DELAY", "2s")
	t.Setenv("REZGATE_LLM_ANTHROPIC_MAX_DELAY", "90s")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, "sk-test", cfg.LLM.Anthropic.APIKey)
	assert.InDelta(t, 7.5, cfg.Ledger.DailyCapUSD, 1e-9)
	assert.Equal(t, 10*time.Second, cfg.LLM.RateLimit.AcquireTimeout)
	assert.Equal(t, 2*time.Second, cfg.LLM.Anthropic.BaseDelay)
	assert.Equal(t, 90*time.Second, cfg.LLM.Anthropic.MaxDelay)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/does/not/exist.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestValidate_Rejections(t *testing.T) {
	cases := map[string]func(*Config){
		"bad stage":          func(c *Config) { c.Stage = "qa" },
		"bad port":           func(c *Config) { c.Server.HTTPPort = 0 },
		"no redis":           func(c *Config) { c.Redis.Addr = "" },
		"zero rpm":           func(c *Config) { c.LLM.RateLimit.RequestsPerMinute = 0 },
		"negative retries":   func(c *Config) { c.LLM.Retry.MaxRetries = -1 },
		"inverted delays":    func(c *Config) { c.LLM.Retry.BaseDelay = time.Minute; c.LLM.Retry.MaxDelay = time.Second },
		"inverted transport": func(c *Config) { c.LLM.Anthropic.BaseDelay = time.Minute; c.LLM.Anthropic.MaxDelay = time.Second },
		"zero cap":           func(c *Config) { c.Ledger.DailyCapUSD = 0 },
		"same streams":       func(c *Config) { c.Dispatch.ResponseStream = c.Dispatch.ActionStream },
		"dead letter clash":  func(c *Config) { c.Dispatch.DeadLetterStream = c.Dispatch.ResponseStream },
		"zero iterations":    func(c *Config) { c.Agent.MaxIterations = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
