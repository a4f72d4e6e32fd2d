// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Transport TransportConfig `mapstructure:"transport" yaml:"transport"`
	Relay     RelayConfig     `mapstructure:"relay" yaml:"relay"`
	Session   SessionConfig   `mapstructure:"session" yaml:"session"`
	Registry  RegistryConfig  `mapstructure:"registry" yaml:"registry"`
	LLM       LLMConfig       `mapstructure:"llm" yaml:"llm"`
	Serve     ServeConfig     `mapstructure:"serve" yaml:"serve"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
	// Quiet disables the console core entirely. The agent sets this when its
	// stdio is carrying framed messages.
	Quiet bool `mapstructure:"quiet" yaml:"quiet"`
}

// TransportConfig tunes the message bus between controller and agent.
type TransportConfig struct {
	// Command spawned for the framed stdio channel, argv style. Empty means
	// re-invoke this binary's agent subcommand; see AgentCommand.
	FramedCommand []string `mapstructure:"framed_command" yaml:"framed_command"`
	// PollInterval is the cadence of the polling fallback loop.
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	// RequestTimeout bounds a single poll or cross-process lookup round trip.
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	// ResumeInterval nudges the relay reconnect after host suspension.
	ResumeInterval time.Duration `mapstructure:"resume_interval" yaml:"resume_interval"`
}

// RelayConfig describes the shared relay broker.
type RelayConfig struct {
	// Addr is the listen address when running the broker, and the dial target
	// host:port for clients.
	Addr string `mapstructure:"addr" yaml:"addr"`
	// Role announced on register. The agent always registers as "agent".
	Role string `mapstructure:"role" yaml:"role"`
	// ReconnectDelay is the fixed delay before a reconnect attempt after close.
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay" yaml:"reconnect_delay"`
	// QueueSize bounds the per-role offline queue held by the broker.
	QueueSize int `mapstructure:"queue_size" yaml:"queue_size"`
}

// SessionConfig tunes the session orchestrator.
type SessionConfig struct {
	// IdleTimeout is how stale a session's updatedAt may be before the
	// sweeper removes it, regardless of state.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	// SweepInterval is the sweeper tick.
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	// TraceTail caps how many trace entries status queries return by default.
	// Zero means the full trace.
	TraceTail int `mapstructure:"trace_tail" yaml:"trace_tail"`
}

// RegistryConfig tunes the element reference registry.
type RegistryConfig struct {
	// SweepInterval is the cadence of the stale-handle sweep. Zero disables
	// the background sweep; lazy invalidation on lookup still applies.
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// LLMProvider defines the supported LLM providers.
type LLMProvider string

const (
	ProviderGemini LLMProvider = "gemini"
)

// LLMConfig configures the model tiers.
type LLMConfig struct {
	Provider      LLMProvider   `mapstructure:"provider" yaml:"provider"`
	APIKey        string        `mapstructure:"api_key" yaml:"-"`
	FastModel     string        `mapstructure:"fast_model" yaml:"fast_model"`
	PowerfulModel string        `mapstructure:"powerful_model" yaml:"powerful_model"`
	APITimeout    time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	MaxTokens     int           `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// ServeConfig configures the HTTP status API.
type ServeConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "agentbus")
	v.SetDefault("logger.log_file", "agentbus.log")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.quiet", false)

	// -- Transport --
	v.SetDefault("transport.poll_interval", 500*time.Millisecond)
	v.SetDefault("transport.request_timeout", 10*time.Second)
	v.SetDefault("transport.resume_interval", 30*time.Second)

	// -- Relay --
	v.SetDefault("relay.addr", "localhost:8765")
	v.SetDefault("relay.role", "controller")
	v.SetDefault("relay.reconnect_delay", 5*time.Second)
	v.SetDefault("relay.queue_size", 256)

	// -- Session --
	v.SetDefault("session.idle_timeout", 30*time.Minute)
	v.SetDefault("session.sweep_interval", time.Minute)
	v.SetDefault("session.trace_tail", 0)

	// -- Registry --
	v.SetDefault("registry.sweep_interval", 30*time.Second)

	// -- LLM --
	v.SetDefault("llm.provider", "gemini")
	v.SetDefault("llm.fast_model", "gemini-2.5-flash")
	v.SetDefault("llm.powerful_model", "gemini-2.5-pro")
	v.SetDefault("llm.api_timeout", 90*time.Second)
	v.SetDefault("llm.max_tokens", 8192)

	// -- Serve --
	v.SetDefault("serve.addr", "localhost:8971")
}

// NewDefaultConfig creates a configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper creates a configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	// Bind environment variables for sensitive data.
	v.BindEnv("llm.api_key", "AGENTBUS_LLM_API_KEY", "GEMINI_API_KEY")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// AgentCommand resolves the argv for the framed child process. An explicit
// framed_command wins; otherwise the current executable re-invokes itself
// with the agent subcommand, so a default install needs no configuration.
func (t TransportConfig) AgentCommand() ([]string, error) {
	if len(t.FramedCommand) > 0 {
		return t.FramedCommand, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("transport.framed_command is not set and the executable path could not be resolved: %w", err)
	}
	return []string{exe, "agent"}, nil
}

// ResolvePath expands a leading ~ and cleans the result. Used for config and
// log file locations supplied on the command line.
func ResolvePath(p string) (string, error) {
	expanded, err := homedir.Expand(p)
	if err != nil {
		return "", fmt.Errorf("failed to expand path %q: %w", p, err)
	}
	return filepath.Clean(expanded), nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Transport.PollInterval <= 0 {
		return fmt.Errorf("transport.poll_interval must be a positive duration")
	}
	if c.Transport.RequestTimeout <= 0 {
		return fmt.Errorf("transport.request_timeout must be a positive duration")
	}
	if c.Relay.Addr == "" {
		return fmt.Errorf("relay.addr is a required configuration field")
	}
	if c.Relay.ReconnectDelay <= 0 {
		return fmt.Errorf("relay.reconnect_delay must be a positive duration")
	}
	if c.Relay.QueueSize <= 0 {
		return fmt.Errorf("relay.queue_size must be a positive integer")
	}
	if c.Session.IdleTimeout <= 0 {
		return fmt.Errorf("session.idle_timeout must be a positive duration")
	}
	if c.Session.SweepInterval <= 0 {
		return fmt.Errorf("session.sweep_interval must be a positive duration")
	}
	return nil
}
