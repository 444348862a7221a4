// Package config loads wkdrive settings from KDL files and the environment.
package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"

	"github.com/standardbeagle/wkdrive/internal/browser"
	"github.com/standardbeagle/wkdrive/internal/logging"
	"github.com/standardbeagle/wkdrive/internal/process"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "WKDRIVE"

// Config holds the complete configuration.
type Config struct {
	// Engine describes the engine process to launch.
	Engine EngineConfig `json:"engine"`
	// Session holds the policies applied to a new client.
	Session SessionConfig `json:"session"`
	// Log configures the zap logger.
	Log LogConfig `json:"log"`
}

// EngineConfig describes how to launch and talk to the engine.
type EngineConfig struct {
	// Path is the engine executable. Empty means the current executable.
	Path string `json:"path,omitempty"`
	// Args are passed to the engine.
	Args []string `json:"args"`
	// StartTimeout bounds the wait for the port announcement.
	StartTimeout time.Duration `json:"start_timeout"`
	// GracefulTimeout bounds a graceful engine shutdown.
	GracefulTimeout time.Duration `json:"graceful_timeout"`
	// ReadTimeout bounds each read from the engine. It must exceed the
	// engine's --fetch-timeout, which bounds a whole Visit.
	ReadTimeout time.Duration `json:"read_timeout"`
}

// SessionConfig holds initial session policies.
type SessionConfig struct {
	IgnoreSSLErrors  bool           `json:"ignore_ssl_errors"`
	SkipImageLoading bool           `json:"skip_image_loading"`
	Proxy            *ProxySettings `json:"proxy,omitempty"`
	Auth             *AuthSettings  `json:"auth,omitempty"`
}

// ProxySettings is an upstream HTTP proxy.
type ProxySettings struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	User string `json:"user,omitempty"`
	Pass string `json:"pass,omitempty"`
}

// AuthSettings answer HTTP basic-auth challenges.
type AuthSettings struct {
	User string `json:"user"`
	Pass string `json:"pass,omitempty"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level       string `json:"level"`
	Development bool   `json:"development"`
}

// DefaultEngineArgs start the bundled engine on an ephemeral port, exiting
// when its parent closes stdin.
var DefaultEngineArgs = []string{"engine", "--port", "0", "--watch-stdin"}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			Args:            append([]string(nil), DefaultEngineArgs...),
			StartTimeout:    10 * time.Second,
			GracefulTimeout: 5 * time.Second,
			ReadTimeout:     60 * time.Second,
		},
		Log: LogConfig{Level: "info"},
	}
}

// envOverrides are the environment variables read by ApplyEnv. Unset
// variables leave the field nil.
type envOverrides struct {
	EnginePath         *string        `envconfig:"ENGINE_PATH"`
	EngineStartTimeout *time.Duration `envconfig:"ENGINE_START_TIMEOUT"`
	ReadTimeout        *time.Duration `envconfig:"READ_TIMEOUT"`
	IgnoreSSLErrors    *bool          `envconfig:"IGNORE_SSL_ERRORS"`
	SkipImageLoading   *bool          `envconfig:"SKIP_IMAGE_LOADING"`
	LogLevel           *string        `envconfig:"LOG_LEVEL"`
	LogDev             *bool          `envconfig:"LOG_DEV"`
}

// ApplyEnv overrides c with WKDRIVE_* environment variables.
func (c *Config) ApplyEnv() error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("failed to load environment: %w", err)
	}

	if env.EnginePath != nil {
		c.Engine.Path = *env.EnginePath
	}
	if env.EngineStartTimeout != nil {
		c.Engine.StartTimeout = *env.EngineStartTimeout
	}
	if env.ReadTimeout != nil {
		c.Engine.ReadTimeout = *env.ReadTimeout
	}
	if env.IgnoreSSLErrors != nil {
		c.Session.IgnoreSSLErrors = *env.IgnoreSSLErrors
	}
	if env.SkipImageLoading != nil {
		c.Session.SkipImageLoading = *env.SkipImageLoading
	}
	if env.LogLevel != nil {
		c.Log.Level = *env.LogLevel
	}
	if env.LogDev != nil {
		c.Log.Development = *env.LogDev
	}
	return nil
}

// Validate fills unset timeouts with defaults and rejects settings the
// engine would refuse.
func (c *Config) Validate() error {
	def := DefaultConfig()
	if c.Engine.StartTimeout <= 0 {
		c.Engine.StartTimeout = def.Engine.StartTimeout
	}
	if c.Engine.GracefulTimeout <= 0 {
		c.Engine.GracefulTimeout = def.Engine.GracefulTimeout
	}
	if c.Engine.ReadTimeout <= 0 {
		c.Engine.ReadTimeout = def.Engine.ReadTimeout
	}
	if len(c.Engine.Args) == 0 {
		c.Engine.Args = def.Engine.Args
	}

	if p := c.Session.Proxy; p != nil {
		if p.Host == "" {
			return fmt.Errorf("session proxy: host is required")
		}
		if p.Port <= 0 || p.Port > 65535 {
			return fmt.Errorf("session proxy: port %d out of range", p.Port)
		}
		if p.User == "" && p.Pass != "" {
			return fmt.Errorf("session proxy: pass given without user")
		}
	}
	if a := c.Session.Auth; a != nil && a.User == "" {
		return fmt.Errorf("session auth: user is required")
	}
	return nil
}

// ProcessConfig returns the engine launch settings. executable is used when
// no engine path is configured.
func (c *Config) ProcessConfig(executable string, logger *zap.Logger) process.Config {
	path := c.Engine.Path
	if path == "" {
		path = executable
	}
	cfg := process.DefaultConfig(path, c.Engine.Args...)
	cfg.StartTimeout = c.Engine.StartTimeout
	cfg.GracefulTimeout = c.Engine.GracefulTimeout
	cfg.Logger = logger
	return cfg
}

// LaunchConfig returns the browser launch settings.
func (c *Config) LaunchConfig(executable string, logger *zap.Logger) browser.LaunchConfig {
	return browser.LaunchConfig{
		Process:     c.ProcessConfig(executable, logger),
		ReadTimeout: c.Engine.ReadTimeout,
	}
}

// Logging returns the logger settings.
func (c *Config) Logging() logging.Config {
	return logging.Config{Level: c.Log.Level, Development: c.Log.Development}
}

// BrowserProxy converts the proxy settings for the client, or returns nil.
func (c *Config) BrowserProxy() *browser.ProxyConfig {
	p := c.Session.Proxy
	if p == nil {
		return nil
	}
	return &browser.ProxyConfig{Host: p.Host, Port: p.Port, User: p.User, Pass: p.Pass}
}

// ParseProxy splits host:port into proxy settings.
func ParseProxy(hostport string) (*ProxySettings, error) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy %q: %w", hostport, err)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 {
		return nil, fmt.Errorf("invalid proxy port %q", port)
	}
	return &ProxySettings{Host: host, Port: n}, nil
}
