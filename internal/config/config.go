// Package config loads the minutes service configuration from a YAML file
// and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	yaml "go.yaml.in/yaml/v2"
)

// DefaultFile is read when no path is given. A missing default file is not
// an error; defaults and the environment then provide everything.
const DefaultFile = "minutes.yaml"

// Environment overrides.
const (
	EnvServerAddr    = "MINUTES_SERVER_ADDR"
	EnvStoreBackend  = "MINUTES_STORE_BACKEND"
	EnvStorePath     = "MINUTES_STORE_PATH"
	EnvStoreDSN      = "MINUTES_STORE_DSN"
	EnvRedisAddr     = "MINUTES_REDIS_ADDR"
	EnvRedisPassword = "MINUTES_REDIS_PASSWORD"
	EnvRedisDB       = "MINUTES_REDIS_DB"
	EnvModelProvider = "MINUTES_MODEL_PROVIDER"
	EnvModelName     = "MINUTES_MODEL_NAME"
	EnvModelAPIKey   = "MINUTES_MODEL_API_KEY"
	EnvLanguage      = "MINUTES_LANGUAGE"
	EnvMaxRetries    = "MINUTES_MAX_RETRIES"
	EnvMaxSteps      = "MINUTES_MAX_STEPS"
	EnvStepTimeout   = "MINUTES_STEP_TIMEOUT"
	EnvLogLevel      = "MINUTES_LOG_LEVEL"
	EnvLogFormat     = "MINUTES_LOG_FORMAT"
	EnvTraceExporter = "MINUTES_TRACE_EXPORTER"
	EnvOTLPEndpoint  = "MINUTES_OTLP_ENDPOINT"
)

// DefaultMaxRetries applies when model.max_retries is not set.
const DefaultMaxRetries = 2

// writeTimeoutSlack is added to the longest invocation when the HTTP write
// timeout is derived from the step timeout.
const writeTimeoutSlack = time.Minute

// modelStepsPerInvocation is the most model-backed steps one invocation
// runs: draft or revise, then critique.
const modelStepsPerInvocation = 2

// providerKeyEnv names the conventional API key variable of each provider.
var providerKeyEnv = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"google":    "GOOGLE_API_KEY",
}

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Model     ModelConfig     `yaml:"model"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds HTTP server parameters. Durations use time.ParseDuration
// syntax. An empty WriteTimeout is derived from workflow.step_timeout; see
// Config.HTTPWriteTimeout.
type ServerConfig struct {
	Addr            string `yaml:"addr"`
	ReadTimeout     string `yaml:"read_timeout"`
	WriteTimeout    string `yaml:"write_timeout"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// StoreConfig selects and configures the state store.
type StoreConfig struct {
	// Backend is one of memory, sqlite, mysql, postgres or redis.
	Backend string      `yaml:"backend"`
	Path    string      `yaml:"path"`
	DSN     string      `yaml:"dsn"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig configures the Redis store and the distributed lock.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
	TTL      string `yaml:"ttl"`
}

// ModelConfig selects the language model. MaxRetries is nil when unset, so
// an explicit 0 disables retries.
type ModelConfig struct {
	// Provider is one of openai, anthropic, google or mock.
	Provider    string   `yaml:"provider"`
	Name        string   `yaml:"name"`
	APIKey      string   `yaml:"api_key"`
	Temperature *float64 `yaml:"temperature"`
	MaxTokens   int      `yaml:"max_tokens"`
	MaxRetries  *int     `yaml:"max_retries"`
	RetryDelay  string   `yaml:"retry_delay"`
}

// WorkflowConfig tunes the engine and the prompts.
type WorkflowConfig struct {
	TargetLength int    `yaml:"target_length"`
	Language     string `yaml:"language"`
	MaxSteps     int    `yaml:"max_steps"`
	StepTimeout  string `yaml:"step_timeout"`
	LockTTL      string `yaml:"lock_ttl"`
}

// LogConfig configures the slog logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TelemetryConfig toggles metrics and tracing.
type TelemetryConfig struct {
	Metrics bool `yaml:"metrics"`
	Tracing bool `yaml:"tracing"`

	// Exporter is where spans go: console writes JSON to standard error,
	// otlp sends them to a collector over HTTP.
	Exporter string `yaml:"exporter"`
	// Endpoint is the OTLP/HTTP collector URL. When empty the exporter
	// honors OTEL_EXPORTER_OTLP_ENDPOINT and then its localhost default.
	Endpoint string `yaml:"endpoint"`
}

// Load reads path, or DefaultFile when path is empty, then applies
// defaults, environment overrides and validation.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := cfg.Finalize(); err != nil {
		return nil, fmt.Errorf("finalize config: %w", err)
	}
	return cfg, nil
}

// Finalize applies defaults, environment overrides and validation.
func (c *Config) Finalize() error {
	c.loadDefaults()
	if err := c.loadEnv(); err != nil {
		return err
	}
	return c.validate()
}

func (c *Config) loadDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeout == "" {
		c.Server.ReadTimeout = "30s"
	}
	if c.Server.ShutdownTimeout == "" {
		c.Server.ShutdownTimeout = "30s"
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "sqlite"
	}
	if c.Store.Path == "" {
		c.Store.Path = "minutes.db"
	}
	if c.Store.Redis.Addr == "" {
		c.Store.Redis.Addr = "localhost:6379"
	}
	if c.Store.Redis.Prefix == "" {
		c.Store.Redis.Prefix = "minutes:"
	}
	if c.Model.Provider == "" {
		c.Model.Provider = "openai"
	}
	if c.Model.MaxRetries == nil {
		n := DefaultMaxRetries
		c.Model.MaxRetries = &n
	}
	if c.Model.RetryDelay == "" {
		c.Model.RetryDelay = "1s"
	}
	if c.Workflow.TargetLength == 0 {
		c.Workflow.TargetLength = 100
	}
	if c.Workflow.Language == "" {
		c.Workflow.Language = "Spanish"
	}
	if c.Workflow.MaxSteps == 0 {
		c.Workflow.MaxSteps = 16
	}
	if c.Workflow.StepTimeout == "" {
		c.Workflow.StepTimeout = "3m"
	}
	if c.Workflow.LockTTL == "" {
		c.Workflow.LockTTL = "10m"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Telemetry.Exporter == "" {
		c.Telemetry.Exporter = "console"
	}
}

func (c *Config) loadEnv() error {
	setString(&c.Server.Addr, EnvServerAddr)
	setString(&c.Store.Backend, EnvStoreBackend)
	setString(&c.Store.Path, EnvStorePath)
	setString(&c.Store.DSN, EnvStoreDSN)
	setString(&c.Store.Redis.Addr, EnvRedisAddr)
	setString(&c.Store.Redis.Password, EnvRedisPassword)
	setString(&c.Model.Provider, EnvModelProvider)
	setString(&c.Model.Name, EnvModelName)
	setString(&c.Model.APIKey, EnvModelAPIKey)
	setString(&c.Workflow.Language, EnvLanguage)
	setString(&c.Workflow.StepTimeout, EnvStepTimeout)
	setString(&c.Log.Level, EnvLogLevel)
	setString(&c.Log.Format, EnvLogFormat)
	setString(&c.Telemetry.Exporter, EnvTraceExporter)
	setString(&c.Telemetry.Endpoint, EnvOTLPEndpoint)

	if err := setInt(&c.Store.Redis.DB, EnvRedisDB); err != nil {
		return err
	}
	if err := setInt(&c.Workflow.MaxSteps, EnvMaxSteps); err != nil {
		return err
	}
	if os.Getenv(EnvMaxRetries) != "" {
		var n int
		if err := setInt(&n, EnvMaxRetries); err != nil {
			return err
		}
		c.Model.MaxRetries = &n
	}

	if c.Model.APIKey == "" {
		if name, ok := providerKeyEnv[c.Model.Provider]; ok {
			c.Model.APIKey = os.Getenv(name)
		}
	}
	return nil
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setInt(dst *int, env string) error {
	v := os.Getenv(env)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", env, err)
	}
	*dst = n
	return nil
}

// Validate checks a config whose fields were changed after Load, such as by
// command-line flags.
func (c *Config) Validate() error {
	return c.validate()
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case "memory", "sqlite", "redis":
	case "mysql", "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store: %s backend requires a dsn", c.Store.Backend)
		}
	default:
		return fmt.Errorf("store: unknown backend %q", c.Store.Backend)
	}

	switch c.Model.Provider {
	case "mock":
	case "openai", "anthropic", "google":
		if c.Model.APIKey == "" {
			return fmt.Errorf("model: %s provider requires an API key (set %s)", c.Model.Provider, providerKeyEnv[c.Model.Provider])
		}
	default:
		return fmt.Errorf("model: unknown provider %q", c.Model.Provider)
	}

	if c.Workflow.MaxSteps <= 0 {
		return fmt.Errorf("workflow: max_steps must be positive, got %d", c.Workflow.MaxSteps)
	}
	if c.Workflow.TargetLength < 0 {
		return errors.New("workflow: target_length cannot be negative")
	}
	if c.Model.RetryCount() < 0 {
		return errors.New("model: max_retries cannot be negative")
	}

	switch c.Telemetry.Exporter {
	case "console", "otlp":
	default:
		return fmt.Errorf("telemetry: unknown exporter %q", c.Telemetry.Exporter)
	}

	durations := map[string]string{
		"server.read_timeout":     c.Server.ReadTimeout,
		"server.shutdown_timeout": c.Server.ShutdownTimeout,
		"model.retry_delay":       c.Model.RetryDelay,
		"workflow.step_timeout":   c.Workflow.StepTimeout,
		"workflow.lock_ttl":       c.Workflow.LockTTL,
	}
	if c.Store.Redis.TTL != "" {
		durations["store.redis.ttl"] = c.Store.Redis.TTL
	}
	if c.Server.WriteTimeout != "" {
		durations["server.write_timeout"] = c.Server.WriteTimeout
	}
	for name, v := range durations {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	if c.Server.WriteTimeout != "" {
		write, longest := duration(c.Server.WriteTimeout), c.longestInvocation()
		if write > 0 && write < longest {
			return fmt.Errorf("server.write_timeout %v is shorter than the longest invocation (%v, from workflow.step_timeout)", write, longest)
		}
	}
	return nil
}

// longestInvocation bounds how long the engine may spend in model calls
// during one invocation. Zero means steps are not time limited.
func (c *Config) longestInvocation() time.Duration {
	return modelStepsPerInvocation * c.Workflow.StepTimeoutDuration()
}

// HTTPWriteTimeout returns server.write_timeout, or when it is unset, the
// longest invocation plus a minute. Zero disables the timeout, as it does
// when steps have no timeout.
func (c *Config) HTTPWriteTimeout() time.Duration {
	if c.Server.WriteTimeout != "" {
		return duration(c.Server.WriteTimeout)
	}
	longest := c.longestInvocation()
	if longest == 0 {
		return 0
	}
	return longest + writeTimeoutSlack
}

func duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// ReadTimeoutDuration returns ReadTimeout as a time.Duration.
func (c ServerConfig) ReadTimeoutDuration() time.Duration { return duration(c.ReadTimeout) }

// ShutdownTimeoutDuration returns ShutdownTimeout as a time.Duration.
func (c ServerConfig) ShutdownTimeoutDuration() time.Duration { return duration(c.ShutdownTimeout) }

// TTLDuration returns TTL as a time.Duration; zero means no expiry.
func (c RedisConfig) TTLDuration() time.Duration { return duration(c.TTL) }

// RetryCount returns MaxRetries, or DefaultMaxRetries when it is unset.
func (c ModelConfig) RetryCount() int {
	if c.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *c.MaxRetries
}

// RetryDelayDuration returns RetryDelay as a time.Duration.
func (c ModelConfig) RetryDelayDuration() time.Duration { return duration(c.RetryDelay) }

// StepTimeoutDuration returns StepTimeout as a time.Duration.
func (c WorkflowConfig) StepTimeoutDuration() time.Duration { return duration(c.StepTimeout) }

// LockTTLDuration returns LockTTL as a time.Duration.
func (c WorkflowConfig) LockTTLDuration() time.Duration { return duration(c.LockTTL) }
