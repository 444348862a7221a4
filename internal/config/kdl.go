package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	kdl "github.com/sblinch/kdl-go"
)

// KDL configuration file names
const (
	GlobalConfigFile  = "config.kdl"
	ProjectConfigFile = "wkdrive.kdl"
)

// KDLConfig represents the KDL configuration structure.
// Pointer fields distinguish "absent" from the zero value.
type KDLConfig struct {
	Engine  *KDLEngine  `kdl:"engine"`
	Session *KDLSession `kdl:"session"`
	Log     *KDLLog     `kdl:"log"`
}

// KDLEngine holds the engine block. Timeouts are in seconds.
type KDLEngine struct {
	Path            string   `kdl:"path"`
	Args            []string `kdl:"args"`
	StartTimeout    int      `kdl:"start-timeout"`
	GracefulTimeout int      `kdl:"graceful-timeout"`
	ReadTimeout     int      `kdl:"read-timeout"`
}

// KDLSession holds the session block.
type KDLSession struct {
	IgnoreSSLErrors  *bool     `kdl:"ignore-ssl-errors"`
	SkipImageLoading *bool     `kdl:"skip-image-loading"`
	Proxy            *KDLProxy `kdl:"proxy"`
	Auth             *KDLAuth  `kdl:"auth"`
}

// KDLProxy holds an upstream proxy.
type KDLProxy struct {
	Host string `kdl:"host"`
	Port int    `kdl:"port"`
	User string `kdl:"user"`
	Pass string `kdl:"pass"`
}

// KDLAuth holds basic-auth credentials.
type KDLAuth struct {
	User string `kdl:"user"`
	Pass string `kdl:"pass"`
}

// KDLLog holds the log block.
type KDLLog struct {
	Level       string `kdl:"level"`
	Development *bool  `kdl:"development"`
}

// Load reads configuration the way the CLI does: path if given, otherwise
// ./wkdrive.kdl, otherwise the global config file, otherwise defaults. The
// environment is applied last.
func Load(path string) (*Config, error) {
	var (
		cfg *Config
		err error
	)
	switch {
	case path != "":
		cfg, err = LoadConfigFile(path)
	case exists(ProjectConfigFile):
		cfg, err = LoadConfigFile(ProjectConfigFile)
	case exists(GlobalConfigPath()):
		cfg, err = LoadConfigFile(GlobalConfigPath())
	default:
		cfg = DefaultConfig()
	}
	if err != nil {
		return nil, err
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func exists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return !errors.Is(err, fs.ErrNotExist)
}

// LoadConfigFile loads configuration from a specific file path.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg, err := ParseKDLConfig(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseKDLConfig parses KDL configuration data on top of the defaults.
func ParseKDLConfig(data string) (*Config, error) {
	var kdlCfg KDLConfig
	if err := kdl.Unmarshal([]byte(data), &kdlCfg); err != nil {
		return nil, err
	}

	return kdlConfigToConfig(&kdlCfg), nil
}

// kdlConfigToConfig converts KDL config to our Config type.
func kdlConfigToConfig(kdlCfg *KDLConfig) *Config {
	cfg := DefaultConfig()

	if e := kdlCfg.Engine; e != nil {
		if e.Path != "" {
			cfg.Engine.Path = e.Path
		}
		if len(e.Args) > 0 {
			cfg.Engine.Args = e.Args
		}
		if e.StartTimeout > 0 {
			cfg.Engine.StartTimeout = time.Duration(e.StartTimeout) * time.Second
		}
		if e.GracefulTimeout > 0 {
			cfg.Engine.GracefulTimeout = time.Duration(e.GracefulTimeout) * time.Second
		}
		if e.ReadTimeout > 0 {
			cfg.Engine.ReadTimeout = time.Duration(e.ReadTimeout) * time.Second
		}
	}

	if s := kdlCfg.Session; s != nil {
		if s.IgnoreSSLErrors != nil {
			cfg.Session.IgnoreSSLErrors = *s.IgnoreSSLErrors
		}
		if s.SkipImageLoading != nil {
			cfg.Session.SkipImageLoading = *s.SkipImageLoading
		}
		if p := s.Proxy; p != nil {
			cfg.Session.Proxy = &ProxySettings{Host: p.Host, Port: p.Port, User: p.User, Pass: p.Pass}
		}
		if a := s.Auth; a != nil {
			cfg.Session.Auth = &AuthSettings{User: a.User, Pass: a.Pass}
		}
	}

	if l := kdlCfg.Log; l != nil {
		if l.Level != "" {
			cfg.Log.Level = l.Level
		}
		if l.Development != nil {
			cfg.Log.Development = *l.Development
		}
	}

	return cfg
}

// GlobalConfigPath returns the path to the global config file.
func GlobalConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "wkdrive", GlobalConfigFile)
}

// WriteDefaultConfig writes a default config file with documentation.
func WriteDefaultConfig(path string) error {
	defaultKDL := `// wkdrive configuration

engine {
    // Engine executable; leave empty to use the wkdrive binary itself
    path ""
    args "engine" "--port" "0" "--watch-stdin"
    // Seconds to wait for the engine to announce its port
    start-timeout 10
    // Seconds to wait for a graceful engine shutdown
    graceful-timeout 5
    // Seconds to wait for any single response
    read-timeout 60
}

session {
    ignore-ssl-errors false
    skip-image-loading false
    // proxy {
    //     host "127.0.0.1"
    //     port 8888
    //     user "user"
    //     pass "secret"
    // }
    // auth {
    //     user "admin"
    //     pass "secret"
    // }
}

log {
    level "info"
    development false
}
`
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, []byte(strings.TrimSpace(defaultKDL)+"\n"), 0644)
}
