package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agent462/relay/internal/executor"
	"github.com/agent462/relay/internal/pathutil"
)

// Config represents the top-level relay configuration.
type Config struct {
	Defaults Defaults             `yaml:"defaults"`
	Hosts    map[string]HostEntry `yaml:"hosts,omitempty"`
	Groups   map[string]Group     `yaml:"groups,omitempty"`
}

// HostEntry describes a host alias.
type HostEntry struct {
	Hostname     string `yaml:"hostname,omitempty"`
	Port         int    `yaml:"port,omitempty"`
	User         string `yaml:"user,omitempty"`
	IdentityFile string `yaml:"identity_file,omitempty"`
	ProxyJump    string `yaml:"proxy_jump,omitempty"`
	PasswordEnv  string `yaml:"password_env,omitempty"` // environment variable holding the login/sudo password
}

// Group defines a named set of hosts with optional overrides.
type Group struct {
	Hosts   []string `yaml:"hosts"`
	User    string   `yaml:"user,omitempty"`
	Timeout Duration `yaml:"timeout,omitempty"`
}

// Defaults holds default settings.
type Defaults struct {
	Timeout            Duration `yaml:"timeout"`
	Concurrency        int      `yaml:"concurrency"` // 0 means unbounded
	Mask               string   `yaml:"mask,omitempty"`
	Verbose            bool     `yaml:"verbose,omitempty"`
	ChunkSize          int      `yaml:"chunk_size,omitempty"`
	Expected           []int    `yaml:"expected,omitempty"`
	Sudo               bool     `yaml:"sudo,omitempty"`
	KeepAlive          bool     `yaml:"keepalive,omitempty"`
	AcceptUnknownHosts bool     `yaml:"accept_unknown_hosts,omitempty"`
	Output             string   `yaml:"output"` // "text" or "json"
}

// Duration wraps time.Duration to support YAML unmarshaling from strings like "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = dur
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// DefaultConfig returns a Config with the executor defaults.
func DefaultConfig() *Config {
	return &Config{
		Hosts:  make(map[string]HostEntry),
		Groups: make(map[string]Group),
		Defaults: Defaults{
			Timeout: Duration{executor.DefaultTimeout},
			Output:  "text",
		},
	}
}

// DefaultConfigPath returns $XDG_CONFIG_HOME/relay/config.yaml, falling back
// to ~/.config when XDG_CONFIG_HOME is unset.
func DefaultConfigPath() string {
	dir := pathutil.ConfigDir("relay")
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "config.yaml")
}

// Load reads and parses a config YAML file from the given path. Unknown keys
// are an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML document. An empty document yields the
// default config.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadDefault loads the config from DefaultConfigPath. If the file does not
// exist, it returns the default config.
func LoadDefault() (*Config, error) {
	path := DefaultConfigPath()
	if path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Save writes the config to the given file path as YAML.
// It creates parent directories if they don't exist.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// Validate checks the config for logical errors.
func (c *Config) Validate() error {
	d := c.Defaults
	if d.Concurrency < 0 {
		return fmt.Errorf("concurrency must be non-negative, got %d", d.Concurrency)
	}
	if d.Timeout.Duration < 0 {
		return fmt.Errorf("default timeout must be non-negative, got %s", d.Timeout)
	}
	if d.ChunkSize < 0 {
		return fmt.Errorf("chunk_size must be non-negative, got %d", d.ChunkSize)
	}
	if _, err := executor.CompileMask(d.Mask); err != nil {
		return fmt.Errorf("mask: %w", err)
	}
	for _, code := range d.Expected {
		if code < 0 || code > 255 {
			return fmt.Errorf("expected exit code %d out of range 0-255", code)
		}
	}
	if d.Output != "" && d.Output != "text" && d.Output != "json" {
		return fmt.Errorf("invalid output mode %q, must be one of: text, json", d.Output)
	}

	for alias, h := range c.Hosts {
		if h.Port < 0 || h.Port > 65535 {
			return fmt.Errorf("host %q has invalid port %d", alias, h.Port)
		}
	}

	for name, group := range c.Groups {
		if len(group.Hosts) == 0 {
			return fmt.Errorf("group %q has no hosts", name)
		}
		if group.Timeout.Duration < 0 {
			return fmt.Errorf("group %q has negative timeout: %s", name, group.Timeout)
		}
	}

	return nil
}

// Options converts the defaults into per-command executor options.
func (d Defaults) Options() executor.Options {
	o := executor.DefaultOptions()
	if d.Timeout.Duration > 0 {
		o.Timeout = d.Timeout.Duration
	}
	if d.ChunkSize > 0 {
		o.ChunkSize = d.ChunkSize
	}
	if len(d.Expected) > 0 {
		o.Expected = append([]int(nil), d.Expected...)
	}
	o.Verbose = d.Verbose
	return o
}
