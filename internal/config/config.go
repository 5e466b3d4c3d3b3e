// Package config loads runtime configuration with the precedence
// flags > STRIX_* environment > strix.yaml > defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration value handed to the runtime builder.
// Subsystems never read it directly; the builder derives options structs.
type Config struct {
	Thinker ThinkerConfig            `mapstructure:"thinker"`
	Cache   CacheConfig              `mapstructure:"cache"`
	Circuit CircuitConfig            `mapstructure:"circuit"`
	Agent   AgentConfig              `mapstructure:"agent"`
	Sandbox SandboxConfig            `mapstructure:"sandbox"`
	Runs    RunsConfig               `mapstructure:"runs"`
	LLM     LLMConfig                `mapstructure:"llm"`
	Models  map[string]ModelSettings `mapstructure:"models"`
}

// ThinkerConfig tunes the reasoning-service client.
type ThinkerConfig struct {
	MaxConcurrentRequests     int      `mapstructure:"max_concurrent_requests"`
	MinRequestIntervalSeconds float64  `mapstructure:"min_request_interval_seconds"`
	TimeoutSeconds            int      `mapstructure:"timeout_seconds"`
	StreamingEnabled          bool     `mapstructure:"streaming_enabled"`
	StreamingOptOutPatterns   []string `mapstructure:"streaming_optout_patterns"`
}

func (c ThinkerConfig) MinRequestInterval() time.Duration {
	return time.Duration(c.MinRequestIntervalSeconds * float64(time.Second))
}

func (c ThinkerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// CacheConfig tunes the response cache.
type CacheConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	MaxSize    int     `mapstructure:"max_size"`
	TTLSeconds float64 `mapstructure:"ttl_seconds"`
}

func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds * float64(time.Second))
}

// CircuitConfig tunes the thinker circuit breaker.
type CircuitConfig struct {
	FailureThreshold       int     `mapstructure:"failure_threshold"`
	RecoveryTimeoutSeconds float64 `mapstructure:"recovery_timeout_seconds"`
}

func (c CircuitConfig) RecoveryTimeout() time.Duration {
	return time.Duration(c.RecoveryTimeoutSeconds * float64(time.Second))
}

// AgentConfig tunes per-agent lifecycle bounds.
type AgentConfig struct {
	MaxIterations       int `mapstructure:"max_iterations"`
	MaxWaitSeconds      int `mapstructure:"max_wait_seconds"`
	ParallelActionLimit int `mapstructure:"parallel_action_limit"`
}

func (c AgentConfig) MaxWait() time.Duration {
	return time.Duration(c.MaxWaitSeconds) * time.Second
}

// SandboxConfig tunes dispatcher queue bounds.
type SandboxConfig struct {
	RequestTimeoutSeconds  int `mapstructure:"request_timeout_seconds"`
	ResponseTimeoutSeconds int `mapstructure:"response_timeout_seconds"`
}

func (c SandboxConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

func (c SandboxConfig) ResponseTimeout() time.Duration {
	return time.Duration(c.ResponseTimeoutSeconds) * time.Second
}

// RunsConfig locates run directories.
type RunsConfig struct {
	Root string `mapstructure:"root"`
}

// LLMConfig carries transport credentials shared by all model roles.
type LLMConfig struct {
	APIBase string `mapstructure:"api_base"`
	APIKey  string `mapstructure:"api_key"`
}

// ModelSettings configures one named model role (primary, fast, thinking,
// coding, validation, local). Unset fields inherit from LLMConfig. Prices
// are USD per million tokens and feed usage cost accounting.
type ModelSettings struct {
	Model           string   `mapstructure:"model" yaml:"model"`
	APIBase         string   `mapstructure:"api_base" yaml:"api_base"`
	APIKey          string   `mapstructure:"api_key" yaml:"api_key"`
	Temperature     *float64 `mapstructure:"temperature" yaml:"temperature"`
	Reasoning       bool     `mapstructure:"reasoning" yaml:"reasoning"`
	InputCostPer1M  float64  `mapstructure:"input_cost_per_1m" yaml:"input_cost_per_1m"`
	OutputCostPer1M float64  `mapstructure:"output_cost_per_1m" yaml:"output_cost_per_1m"`
}

// Load reads configuration. path may be empty, in which case strix.yaml is
// searched in the working directory and $HOME.
func Load(path string) (*Config, error) {
	v := newViper()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("strix")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	return finish(v)
}

// Default returns the configuration with every option at its default,
// ignoring config files but honoring STRIX_* environment overrides.
func Default() *Config {
	cfg, err := finish(newViper())
	if err != nil {
		panic(err)
	}
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("STRIX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func finish(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv("LLM_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Thinker.MaxConcurrentRequests <= 0 {
		return fmt.Errorf("thinker.max_concurrent_requests must be positive, got %d", c.Thinker.MaxConcurrentRequests)
	}
	if c.Thinker.MinRequestIntervalSeconds < 0 {
		return fmt.Errorf("thinker.min_request_interval_seconds must be non-negative")
	}
	if c.Thinker.TimeoutSeconds <= 0 {
		return fmt.Errorf("thinker.timeout_seconds must be positive")
	}
	if c.Cache.MaxSize <= 0 {
		return fmt.Errorf("cache.max_size must be positive, got %d", c.Cache.MaxSize)
	}
	if c.Circuit.FailureThreshold <= 0 {
		return fmt.Errorf("circuit.failure_threshold must be positive")
	}
	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("agent.max_iterations must be positive, got %d", c.Agent.MaxIterations)
	}
	if c.Agent.ParallelActionLimit <= 0 {
		return fmt.Errorf("agent.parallel_action_limit must be positive")
	}
	if c.Sandbox.RequestTimeoutSeconds <= 0 || c.Sandbox.ResponseTimeoutSeconds <= 0 {
		return fmt.Errorf("sandbox timeouts must be positive")
	}
	if c.Runs.Root == "" {
		return fmt.Errorf("runs.root must not be empty")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("thinker.max_concurrent_requests", 6)
	v.SetDefault("thinker.min_request_interval_seconds", 1.0)
	v.SetDefault("thinker.timeout_seconds", 600)
	v.SetDefault("thinker.streaming_enabled", true)
	v.SetDefault("thinker.streaming_optout_patterns", []string{"o1", "o3", "o4-mini"})
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.max_size", 100)
	v.SetDefault("cache.ttl_seconds", 3600.0)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.recovery_timeout_seconds", 60.0)
	v.SetDefault("agent.max_iterations", 300)
	v.SetDefault("agent.max_wait_seconds", 300)
	v.SetDefault("agent.parallel_action_limit", 4)
	v.SetDefault("sandbox.request_timeout_seconds", 120)
	v.SetDefault("sandbox.response_timeout_seconds", 180)
	v.SetDefault("runs.root", "strix_runs")
	v.SetDefault("llm.api_base", "")
	v.SetDefault("llm.api_key", "")
}
