// Package config loads aieval settings from defaults, config files and the
// environment.
//
// Priority, lowest first:
//
//  1. Default()
//  2. $AIEVAL_HOME/config.yaml, or config.toml when no YAML file exists
//  3. <project>/.aieval/config.yaml (or config.toml)
//  4. AIEVAL_* environment variables
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"aieval/internal/observability"
	"aieval/pkg/protocol"
)

// Config is the full runtime configuration.
type Config struct {
	// Home is the resolved state directory. It is never read from a file.
	Home string `yaml:"-" toml:"-"`

	DBPath     string `yaml:"db_path,omitempty" toml:"db_path,omitempty"`
	SocketPath string `yaml:"socket_path,omitempty" toml:"socket_path,omitempty"`
	PIDPath    string `yaml:"pid_path,omitempty" toml:"pid_path,omitempty"`

	Log     LogConfig     `yaml:"log" toml:"log"`
	Monitor MonitorConfig `yaml:"monitor" toml:"monitor"`
	Tokens  TokenConfig   `yaml:"tokens" toml:"tokens"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MonitorConfig tunes the correlator.
type MonitorConfig struct {
	CoalesceWindow   Duration `yaml:"coalesce_window" toml:"coalesce_window"`
	GitPollInterval  Duration `yaml:"git_poll_interval" toml:"git_poll_interval"`
	MaxSnapshotBytes int64    `yaml:"max_snapshot_bytes" toml:"max_snapshot_bytes"`
	EventBuffer      int      `yaml:"event_buffer" toml:"event_buffer"`
	Ignore           []string `yaml:"ignore" toml:"ignore"`
	StoreDiffs       bool     `yaml:"store_diffs" toml:"store_diffs"`
}

// TokenConfig controls token estimation for interactions logged without a
// token count.
type TokenConfig struct {
	Estimate bool   `yaml:"estimate" toml:"estimate"`
	Encoding string `yaml:"encoding" toml:"encoding"`
}

// DefaultIgnore is the ignore list used when no config overrides it.
var DefaultIgnore = []string{ //nolint:gochecknoglobals // read-only default list
	".git/**",
	"**/node_modules/**",
	"**/__pycache__/**",
	"**/*.tmp",
	"**/*.log",
	"**/*.swp",
	"**/.DS_Store",
	"**/.idea/**",
	"**/.vscode/**",
	".aieval/**",
}

// Default returns the built-in configuration rooted at home.
func Default(home string) *Config {
	return &Config{
		Home: home,
		Log:  LogConfig{Level: "info", Format: "json"},
		Monitor: MonitorConfig{
			CoalesceWindow:   Duration{protocol.DefaultCoalesceWindow},
			GitPollInterval:  Duration{protocol.DefaultGitPollInterval},
			MaxSnapshotBytes: protocol.DefaultMaxSnapshotBytes,
			EventBuffer:      protocol.DefaultEventBuffer,
			Ignore:           append([]string(nil), DefaultIgnore...),
		},
		Tokens: TokenConfig{Encoding: "cl100k_base"},
	}
}

// ResolveHome returns AIEVAL_HOME or ~/.aieval.
func ResolveHome() (string, error) {
	if v := os.Getenv("AIEVAL_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, protocol.HomeDir), nil
}

// Load builds the configuration for home and projectRoot. projectRoot may be
// empty to skip the project overlay.
func Load(home, projectRoot string) (*Config, error) {
	cfg := Default(home)

	if err := overlayDir(cfg, home); err != nil {
		return nil, err
	}
	if projectRoot != "" {
		if err := overlayDir(cfg, filepath.Join(projectRoot, protocol.ProjectDir)); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.resolvePaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// overlayDir decodes dir/config.yaml, or dir/config.toml when there is no
// YAML file, over cfg. A missing directory or file is not an error.
func overlayDir(cfg *Config, dir string) error {
	for _, name := range []string{"config.yaml", "config.yml", "config.toml"} {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path) //nolint:gosec // path is built from the config directory
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if filepath.Ext(name) == ".toml" {
			err = decodeTOML(data, cfg)
		} else {
			err = decodeYAML(data, cfg)
		}
		if err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		return nil
	}
	return nil
}

func decodeYAML(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}

func decodeTOML(data []byte, cfg *Config) error {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(cfg)
}

// applyEnv applies AIEVAL_* overrides.
func applyEnv(cfg *Config) error {
	for key, dst := range map[string]*string{
		"AIEVAL_DB_PATH":     &cfg.DBPath,
		"AIEVAL_SOCKET_PATH": &cfg.SocketPath,
		"AIEVAL_PID_PATH":    &cfg.PIDPath,
		"AIEVAL_LOG_LEVEL":   &cfg.Log.Level,
		"AIEVAL_LOG_FORMAT":  &cfg.Log.Format,
	} {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("AIEVAL_COALESCE_WINDOW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return protocol.NewValidation("AIEVAL_COALESCE_WINDOW", v, err.Error())
		}
		cfg.Monitor.CoalesceWindow = Duration{d}
	}
	if v := os.Getenv("AIEVAL_ESTIMATE_TOKENS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return protocol.NewValidation("AIEVAL_ESTIMATE_TOKENS", v, "must be a boolean")
		}
		cfg.Tokens.Estimate = b
	}
	return nil
}

// resolvePaths fills empty paths with defaults under Home and makes relative
// paths relative to Home.
func (c *Config) resolvePaths() {
	resolve := func(p *string, def string) {
		switch {
		case *p == "":
			*p = filepath.Join(c.Home, def)
		case !filepath.IsAbs(*p):
			*p = filepath.Join(c.Home, *p)
		}
	}
	resolve(&c.DBPath, "aieval.db")
	resolve(&c.SocketPath, "aieval.sock")
	resolve(&c.PIDPath, "aieval.pid")
}

// Validate checks value ranges and returns a *protocol.ValidationError.
func (c *Config) Validate() error {
	if _, err := observability.ParseLevel(c.Log.Level); err != nil {
		return protocol.NewValidation("log.level", c.Log.Level, "must be debug, info, warn or error")
	}
	switch c.Log.Format {
	case "", "json", "text":
	default:
		return protocol.NewValidation("log.format", c.Log.Format, "must be json or text")
	}
	if c.Monitor.CoalesceWindow.Duration <= 0 {
		return protocol.NewValidation("monitor.coalesce_window", c.Monitor.CoalesceWindow.String(), "must be positive")
	}
	if c.Monitor.GitPollInterval.Duration < time.Second {
		return protocol.NewValidation("monitor.git_poll_interval", c.Monitor.GitPollInterval.String(), "must be at least 1s")
	}
	if c.Monitor.MaxSnapshotBytes <= 0 {
		return protocol.NewValidation("monitor.max_snapshot_bytes", strconv.FormatInt(c.Monitor.MaxSnapshotBytes, 10), "must be positive")
	}
	if c.Monitor.EventBuffer <= 0 {
		return protocol.NewValidation("monitor.event_buffer", strconv.Itoa(c.Monitor.EventBuffer), "must be positive")
	}
	for _, g := range c.Monitor.Ignore {
		if !doublestar.ValidatePattern(g) {
			return protocol.NewValidation("monitor.ignore", g, "invalid glob")
		}
	}
	if c.Tokens.Estimate && c.Tokens.Encoding == "" {
		return protocol.NewValidation("tokens.encoding", "", "required when tokens.estimate is set")
	}
	return nil
}

// Duration is a time.Duration written as a string ("2s", "1m30s") in config
// files.
type Duration struct {
	time.Duration
}

// UnmarshalYAML accepts a duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// UnmarshalText accepts a duration string. go-toml uses it.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", string(b), err)
	}
	d.Duration = v
	return nil
}

// MarshalText writes the duration as a string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Marshal renders c as YAML, or TOML when format is "toml".
func (c *Config) Marshal(format string) ([]byte, error) {
	if format == "toml" {
		return toml.Marshal(c)
	}
	return yaml.Marshal(c)
}

// WriteDefault writes the default configuration to dir/config.yaml unless a
// config file already exists there. It returns the path written.
func WriteDefault(dir string, force bool) (string, error) {
	path := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(path); err == nil && !force {
		return "", protocol.NewConflict("init", path+" already exists (use --force to overwrite)")
	}
	data, err := Default("").Marshal("yaml")
	if err != nil {
		return "", fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}
