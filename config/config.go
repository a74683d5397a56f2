// Package config loads the service configuration.
//
// Precedence: defaults, then YAML file, then REZGATE_-prefixed environment
// variables. Secrets (the API key, Redis password) are expected to arrive
// through the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fairwaylabs/rezgate/types"
)

// Config is the complete service configuration.
type Config struct {
	Stage    string         `yaml:"stage" env:"STAGE"`
	Server   ServerConfig   `yaml:"server" env:"SERVER"`
	Redis    RedisConfig    `yaml:"redis" env:"REDIS"`
	LLM      LLMConfig      `yaml:"llm" env:"LLM"`
	Ledger   LedgerConfig   `yaml:"ledger" env:"LEDGER"`
	Dispatch DispatchConfig `yaml:"dispatch" env:"DISPATCH"`
	Agent    AgentConfig    `yaml:"agent" env:"AGENT"`
	Log      LogConfig      `yaml:"log" env:"LOG"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" env:"HTTP_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// RedisConfig configures the shared Redis used by the ledger, the bus,
// and the session store.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
}

// LLMConfig groups the inference stack knobs.
type LLMConfig struct {
	Anthropic AnthropicConfig `yaml:"anthropic" env:"ANTHROPIC"`
	RateLimit RateLimitConfig `yaml:"rate_limit" env:"RATE_LIMIT"`
	Retry     RetryConfig     `yaml:"retry" env:"RETRY"`
}

// AnthropicConfig configures the provider transport.
type AnthropicConfig struct {
	APIKey            string        `yaml:"api_key" env:"API_KEY"`
	BaseURL           string        `yaml:"base_url" env:"BASE_URL"`
	Model             string        `yaml:"model" env:"MODEL"`
	MaxTokens         int           `yaml:"max_tokens" env:"MAX_TOKENS"`
	Timeout           time.Duration `yaml:"timeout" env:"TIMEOUT"`
	MaxAttempts       int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	BaseDelay         time.Duration `yaml:"base_delay" env:"BASE_DELAY"`
	MaxDelay          time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	RequestsPerSecond float64       `yaml:"requests_per_second" env:"REQUESTS_PER_SECOND"`
}

// RateLimitConfig configures the token bucket.
type RateLimitConfig struct {
	RequestsPerMinute int           `yaml:"requests_per_minute" env:"REQUESTS_PER_MINUTE"`
	AcquireTimeout    time.Duration `yaml:"acquire_timeout" env:"ACQUIRE_TIMEOUT"`
}

// RetryConfig configures the throttling backoff layer.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries" env:"MAX_RETRIES"`
	BaseDelay  time.Duration `yaml:"base_delay" env:"BASE_DELAY"`
	MaxDelay   time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
}

// LedgerConfig configures the daily spend cap.
type LedgerConfig struct {
	DailyCapUSD     float64 `yaml:"daily_cap_usd" env:"DAILY_CAP_USD"`
	InputCostPer1K  float64 `yaml:"input_cost_per_1k" env:"INPUT_COST_PER_1K"`
	OutputCostPer1K float64 `yaml:"output_cost_per_1k" env:"OUTPUT_COST_PER_1K"`
}

// DispatchConfig configures the action bus streams.
type DispatchConfig struct {
	ActionStream   string        `yaml:"action_stream" env:"ACTION_STREAM"`
	ResponseStream string        `yaml:"response_stream" env:"RESPONSE_STREAM"`
	Group          string        `yaml:"group" env:"GROUP"`
	Consumer       string        `yaml:"consumer" env:"CONSUMER"`
	PollWindow     time.Duration `yaml:"poll_window" env:"POLL_WINDOW"`
	BlockInterval  time.Duration `yaml:"block_interval" env:"BLOCK_INTERVAL"`
	StaleClaimIdle time.Duration `yaml:"stale_claim_idle" env:"STALE_CLAIM_IDLE"`

	// MaxDeliveries bounds redeliveries of a pending response before it is
	// moved to DeadLetterStream.
	MaxDeliveries    int64  `yaml:"max_deliveries" env:"MAX_DELIVERIES"`
	DeadLetterStream string `yaml:"dead_letter_stream" env:"DEAD_LETTER_STREAM"`
}

// AgentConfig configures the conversation loop.
type AgentConfig struct {
	MaxIterations int           `yaml:"max_iterations" env:"MAX_ITERATIONS"`
	SessionTTL    time.Duration `yaml:"session_ttl" env:"SESSION_TTL"`
	CoursesFile   string        `yaml:"courses_file" env:"COURSES_FILE"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" env:"FORMAT"` // json, console
}

// DefaultConfig returns the configuration defaults.
func DefaultConfig() *Config {
	return &Config{
		Stage: string(types.StageDev),
		Server: ServerConfig{
			HTTPPort:        8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		LLM: LLMConfig{
			Anthropic: AnthropicConfig{
				Model:       "claude-sonnet-4-20250514",
				MaxTokens:   4096,
				Timeout:     120 * time.Second,
				MaxAttempts: 10,
				BaseDelay:   time.Second,
				MaxDelay:    60 * time.Second,
			},
			RateLimit: RateLimitConfig{
				RequestsPerMinute: 30,
				AcquireTimeout:    30 * time.Second,
			},
			Retry: RetryConfig{
				MaxRetries: 5,
				BaseDelay:  time.Second,
				MaxDelay:   30 * time.Second,
			},
		},
		Ledger: LedgerConfig{
			DailyCapUSD:     25.0,
			InputCostPer1K:  0.003,
			OutputCostPer1K: 0.015,
		},
		Dispatch: DispatchConfig{
			ActionStream:     "rezgate:actions",
			ResponseStream:   "rezgate:responses",
			Group:            "rezgate-agent",
			Consumer:         "agent-1",
			PollWindow:       30 * time.Second,
			BlockInterval:    time.Second,
			StaleClaimIdle:   30 * time.Second,
			MaxDeliveries:    5,
			DeadLetterStream: "rezgate:responses:dead",
		},
		Agent: AgentConfig{
			MaxIterations: 5,
			SessionTTL:    24 * time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	var errs []string

	if !types.Stage(c.Stage).IsValid() {
		errs = append(errs, fmt.Sprintf("unknown stage %q", c.Stage))
	}
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Redis.Addr == "" {
		errs = append(errs, "redis addr is required")
	}
	if c.LLM.RateLimit.RequestsPerMinute <= 0 {
		errs = append(errs, "requests_per_minute must be positive")
	}
	if c.LLM.Retry.MaxRetries < 0 {
		errs = append(errs, "max_retries cannot be negative")
	}
	if c.LLM.Retry.BaseDelay > c.LLM.Retry.MaxDelay {
		errs = append(errs, "retry base_delay exceeds max_delay")
	}
	if c.LLM.Anthropic.BaseDelay > c.LLM.Anthropic.MaxDelay {
		errs = append(errs, "anthropic base_delay exceeds max_delay")
	}
	if c.Ledger.DailyCapUSD <= 0 {
		errs = append(errs, "daily_cap_usd must be positive")
	}
	if c.Dispatch.ActionStream == c.Dispatch.ResponseStream {
		errs = append(errs, "action and response streams must differ")
	}
	if c.Dispatch.DeadLetterStream == c.Dispatch.ResponseStream {
		errs = append(errs, "dead-letter stream must differ from the response stream")
	}
	if c.Agent.MaxIterations <= 0 {
		errs = append(errs, "max_iterations must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Stage returns the typed stage.
func (c *Config) StageValue() types.Stage {
	return types.Stage(c.Stage)
}
