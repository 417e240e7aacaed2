// Package config loads the host daemon configuration from a YAML file and
// command-line flags. Flags win over the file.
package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/user/termlink/internal/auth"
	"github.com/user/termlink/internal/backend"
)

type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// Token is a static bearer token that never expires. Generated on first
	// run when empty.
	Token string `yaml:"token"`

	Backend       string `yaml:"backend"`
	SessionPrefix string `yaml:"session_prefix"`
	TmuxBinary    string `yaml:"tmux_binary,omitempty"`
	Shell         string `yaml:"shell,omitempty"`

	DBPath     string        `yaml:"db_path"`
	CaptureDir string        `yaml:"capture_dir"`
	TokenTTL   time.Duration `yaml:"token_ttl"`
	PairingTTL time.Duration `yaml:"pairing_ttl"`
	LogLevel   string        `yaml:"log_level"`

	ConfigPath string `yaml:"-"`
	PrintToken bool   `yaml:"-"`
}

func defaults(home string) *Config {
	base := filepath.Join(home, ".config", "termlink")
	return &Config{
		Host:          "0.0.0.0",
		Port:          8765,
		Backend:       string(backend.KindAuto),
		SessionPrefix: backend.DefaultPrefix,
		DBPath:        filepath.Join(base, "termlink.db"),
		CaptureDir:    filepath.Join(base, "captures"),
		TokenTTL:      30 * 24 * time.Hour,
		PairingTTL:    10 * time.Minute,
		LogLevel:      "info",
		ConfigPath:    filepath.Join(base, "config.yaml"),
	}
}

// Load reads the config file named by -config (or the default path), then
// applies args on top.
func Load(args []string) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	cfg := defaults(homeDir)

	// The file seeds the flag defaults, so its path is looked up first.
	cfg.ConfigPath = configPathFromArgs(args, cfg.ConfigPath)
	if err := cfg.loadFromFile(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	fs := flag.NewFlagSet("termlinkd", flag.ContinueOnError)
	fs.StringVar(&cfg.ConfigPath, "config", cfg.ConfigPath, "path to the YAML config file")
	fs.StringVar(&cfg.Host, "host", cfg.Host, "listen address")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "server port (1-65535)")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "static authentication token (auto-generated if empty)")
	fs.StringVar(&cfg.Backend, "backend", cfg.Backend, "session backend: auto, plain or tmux")
	fs.StringVar(&cfg.SessionPrefix, "session-prefix", cfg.SessionPrefix, "prefix for persistent backend session names")
	fs.StringVar(&cfg.Shell, "shell", cfg.Shell, "default shell command")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "sqlite database path")
	fs.StringVar(&cfg.CaptureDir, "capture-dir", cfg.CaptureDir, "directory for scrollback captures")
	fs.DurationVar(&cfg.TokenTTL, "token-ttl", cfg.TokenTTL, "lifetime of paired tokens")
	fs.DurationVar(&cfg.PairingTTL, "pairing-ttl", cfg.PairingTTL, "lifetime of a pairing code")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.BoolVar(&cfg.PrintToken, "print-token", false, "print token to stdout (for local debugging)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Token == "" {
		token, err := auth.GenerateToken()
		if err != nil {
			return nil, fmt.Errorf("failed to generate token: %w", err)
		}
		cfg.Token = token
		if err := cfg.saveToFile(); err != nil {
			return nil, fmt.Errorf("failed to save config file: %w", err)
		}
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be between 1 and 65535", c.Port)
	}
	if _, ok := backend.ParseKind(c.Backend); !ok {
		return fmt.Errorf("invalid backend %q: must be auto, plain or tmux", c.Backend)
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	if strings.TrimSpace(c.DBPath) == "" {
		return errors.New("db path is required")
	}
	if c.TokenTTL <= 0 || c.PairingTTL <= 0 {
		return errors.New("token and pairing TTLs must be positive")
	}
	return nil
}

// BackendConfig returns the settings the backend resolver needs.
func (c *Config) BackendConfig() backend.Config {
	kind, _ := backend.ParseKind(c.Backend)
	return backend.Config{Kind: kind, Prefix: c.SessionPrefix, TmuxBinary: c.TmuxBinary}
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

func (c *Config) loadFromFile() error {
	data, err := os.ReadFile(c.ConfigPath)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse %q: %w", c.ConfigPath, err)
	}
	return nil
}

func (c *Config) saveToFile() error {
	dir := filepath.Dir(c.ConfigPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.ConfigPath, data, 0o600)
}

func configPathFromArgs(args []string, def string) string {
	for i, arg := range args {
		if arg == "--" {
			break
		}
		if !strings.HasPrefix(arg, "-") {
			continue
		}
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if name != "config" {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return def
}
