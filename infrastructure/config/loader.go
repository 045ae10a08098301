// Package config loads the world configuration: a YAML document
// layered over environment-variable overrides, using an env-or-default
// helper convention.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// LoadDotEnv loads a .env file into the process environment if present;
// a missing file is not an error (mirrors godotenv.Load's callers in
// the pack, which treat absence as "use real env/defaults").
func LoadDotEnv(path string) {
	_ = godotenv.Load(path)
}

// EnvOrDefault returns the trimmed environment variable or a default.
func EnvOrDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// EnvDuration parses an environment variable as a Go duration string,
// falling back to def on absence or parse failure.
func EnvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// EnvFloat parses an environment variable as float64, falling back to def.
func EnvFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// World is the top-level configuration document, covering every
// recognised runtime option.
type World struct {
	World struct {
		MaxDurationSeconds int `yaml:"max_duration_seconds"`
	} `yaml:"world"`

	Budget struct {
		MaxAPICost     float64 `yaml:"max_api_cost"`
		CheckpointFile string  `yaml:"checkpoint_file"`
		CheckpointCron string  `yaml:"checkpoint_cron"`
	} `yaml:"budget"`

	RateLimiting struct {
		Enabled       bool                          `yaml:"enabled"`
		WindowSeconds float64                       `yaml:"window_seconds"`
		Resources     map[string]ResourceLimitConfig `yaml:"resources"`
	} `yaml:"rate_limiting"`

	Execution struct {
		AgentLoop AgentLoopConfig `yaml:"agent_loop"`
	} `yaml:"execution"`

	Supervisor struct {
		Enabled       bool                `yaml:"enabled"`
		RestartPolicy RestartPolicyConfig `yaml:"restart_policy"`
	} `yaml:"supervisor"`

	Executor struct {
		TimeoutSeconds  float64  `yaml:"timeout_seconds"`
		AllowedImports  []string `yaml:"allowed_imports"`
		MaxContractDepth int     `yaml:"max_contract_depth"`
	} `yaml:"executor"`

	LLM struct {
		DefaultModel   string  `yaml:"default_model"`
		RateLimitDelay float64 `yaml:"rate_limit_delay"`
		CostPerToken   float64 `yaml:"cost_per_token"`
	} `yaml:"llm"`
}

// ResourceLimitConfig configures one rate-limited resource.
type ResourceLimitConfig struct {
	MaxPerWindow float64 `yaml:"max_per_window"`
}

// AgentLoopConfig configures agent-loop timing/resource-gate behavior.
type AgentLoopConfig struct {
	MinLoopDelaySeconds          float64  `yaml:"min_loop_delay"`
	MaxLoopDelaySeconds          float64  `yaml:"max_loop_delay"`
	ResourceCheckIntervalSeconds float64  `yaml:"resource_check_interval"`
	MaxConsecutiveErrors         int      `yaml:"max_consecutive_errors"`
	ResourcesToCheck             []string `yaml:"resources_to_check"`
	ResourceExhaustionPolicy     string   `yaml:"resource_exhaustion_policy"`
}

// RestartPolicyConfig configures the supervisor's restart/backoff policy.
type RestartPolicyConfig struct {
	MaxRestartsPerHour           int     `yaml:"max_restarts_per_hour"`
	InitialBackoffSeconds        float64 `yaml:"initial_backoff_seconds"`
	BackoffMultiplier            float64 `yaml:"backoff_multiplier"`
	MaxBackoffSeconds            float64 `yaml:"max_backoff_seconds"`
	JitterFactor                 float64 `yaml:"jitter_factor"`
	RestartOnResourceExhaustion  bool    `yaml:"restart_on_resource_exhaustion"`
	RestartOnTimeout             bool    `yaml:"restart_on_timeout"`
}

// Default returns a World populated with sensible reference defaults
// (10 restarts/hour, contract depth 10, etc).
func Default() *World {
	w := &World{}
	w.Executor.MaxContractDepth = 10
	w.Supervisor.Enabled = true
	w.Supervisor.RestartPolicy = RestartPolicyConfig{
		MaxRestartsPerHour:          10,
		InitialBackoffSeconds:       1,
		BackoffMultiplier:           2,
		MaxBackoffSeconds:           300,
		JitterFactor:                0.1,
		RestartOnResourceExhaustion: true,
		RestartOnTimeout:            true,
	}
	w.LLM.CostPerToken = 0.00001
	w.Execution.AgentLoop = AgentLoopConfig{
		MinLoopDelaySeconds:          1,
		MaxLoopDelaySeconds:          60,
		ResourceCheckIntervalSeconds: 5,
		MaxConsecutiveErrors:         3,
		ResourceExhaustionPolicy:     "skip",
	}
	return w
}

// Load reads and parses a YAML world configuration from path, layering
// it over Default().
func Load(path string) (*World, error) {
	w := Default()
	if path == "" {
		return w, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return w, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, w); err != nil {
		return nil, err
	}
	return w, nil
}
