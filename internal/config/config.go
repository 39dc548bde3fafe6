package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/orbi-tal/glaze-autotiler/internal/layout"
)

const (
	appName        = "glaze-autotiler"
	fileName       = "config.json"
	DefaultLayout  = "dwindle"
	DefaultScripts = "scripts"
)

// Config is the top-level configuration document. The file on disk is JSON;
// it is decoded as YAML, of which JSON is a subset.
type Config struct {
	DefaultLayout    string                     `yaml:"default_layout" json:"default_layout"`
	ScriptPaths      []string                   `yaml:"script_paths" json:"script_paths"`
	Layouts          map[string]LayoutConfig    `yaml:"layouts" json:"layouts"`
	Gaps             layout.Gaps                `yaml:"gaps" json:"gaps"`
	MasterRatio      float64                    `yaml:"master_ratio" json:"master_ratio"`
	TolerancePx      float64                    `yaml:"tolerance_px" json:"tolerance_px"`
	Debounce         DebounceConfig             `yaml:"debounce" json:"debounce"`
	IPC              IPCConfig                  `yaml:"ipc" json:"ipc"`
	ResyncIntervalMs int                        `yaml:"resync_interval_ms" json:"resync_interval_ms"`
	Workspaces       map[string]WorkspaceConfig `yaml:"workspaces" json:"workspaces,omitempty"`
	Metrics          MetricsConfig              `yaml:"metrics" json:"metrics"`
	LogLevel         string                     `yaml:"log_level" json:"log_level"`
}

// LayoutConfig controls how a strategy is presented and whether it loads.
type LayoutConfig struct {
	DisplayName string `yaml:"display_name" json:"display_name"`
	Enabled     bool   `yaml:"enabled" json:"enabled"`
}

// DebounceConfig tunes per-workspace recompute coalescing.
type DebounceConfig struct {
	WindowMs  int `yaml:"window_ms" json:"window_ms"`
	MaxWaitMs int `yaml:"max_wait_ms" json:"max_wait_ms"`
}

// IPCConfig points the agent at the window manager.
type IPCConfig struct {
	URL              string        `yaml:"url" json:"url"`
	ConnectTimeoutMs int           `yaml:"connect_timeout_ms" json:"connect_timeout_ms"`
	AckTimeoutMs     int           `yaml:"ack_timeout_ms" json:"ack_timeout_ms"`
	Backoff          BackoffConfig `yaml:"backoff" json:"backoff"`
}

// BackoffConfig bounds reconnect delays.
type BackoffConfig struct {
	InitialMs int `yaml:"initial_ms" json:"initial_ms"`
	MaxMs     int `yaml:"max_ms" json:"max_ms"`
}

// WorkspaceConfig overrides defaults for one workspace.
type WorkspaceConfig struct {
	Layout string       `yaml:"layout" json:"layout,omitempty"`
	Gaps   *layout.Gaps `yaml:"gaps" json:"gaps,omitempty"`
}

// MetricsConfig enables the Prometheus endpoint when Listen is set.
type MetricsConfig struct {
	Listen string `yaml:"listen" json:"listen"`
}

// ConfigError reports an invalid setting. Field names the offending key.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func invalid(field, format string, args ...interface{}) error {
	return &ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
}

// Default returns the configuration written for first-time users.
func Default() *Config {
	return &Config{
		DefaultLayout: DefaultLayout,
		ScriptPaths:   []string{DefaultScripts},
		Layouts: map[string]LayoutConfig{
			"dwindle":      {DisplayName: "Dwindle Layout", Enabled: true},
			"master_stack": {DisplayName: "Master Stack", Enabled: true},
			"grid":         {DisplayName: "Grid", Enabled: true},
			"columns":      {DisplayName: "Columns", Enabled: true},
		},
		MasterRatio: layout.DefaultMasterRatio,
		TolerancePx: 2,
		Debounce:    DebounceConfig{WindowMs: 30, MaxWaitMs: 250},
		IPC: IPCConfig{
			URL:              "ws://localhost:6123",
			ConnectTimeoutMs: 5000,
			AckTimeoutMs:     1000,
			Backoff:          BackoffConfig{InitialMs: 250, MaxMs: 30000},
		},
		ResyncIntervalMs: 60000,
		LogLevel:         "info",
	}
}

// rawConfig mirrors Config with pointers so absent keys can be told apart
// from zero values and filled from Default.
type rawConfig struct {
	DefaultLayout    *string                    `yaml:"default_layout"`
	ScriptPaths      *[]string                  `yaml:"script_paths"`
	Layouts          *map[string]LayoutConfig   `yaml:"layouts"`
	Gaps             *layout.Gaps               `yaml:"gaps"`
	MasterRatio      *float64                   `yaml:"master_ratio"`
	TolerancePx      *float64                   `yaml:"tolerance_px"`
	Debounce         *rawDebounce               `yaml:"debounce"`
	IPC              *rawIPC                    `yaml:"ipc"`
	ResyncIntervalMs *int                       `yaml:"resync_interval_ms"`
	Workspaces       map[string]WorkspaceConfig `yaml:"workspaces"`
	Metrics          *MetricsConfig             `yaml:"metrics"`
	LogLevel         *string                    `yaml:"log_level"`
}

type rawDebounce struct {
	WindowMs  *int `yaml:"window_ms"`
	MaxWaitMs *int `yaml:"max_wait_ms"`
}

type rawIPC struct {
	URL              *string `yaml:"url"`
	ConnectTimeoutMs *int    `yaml:"connect_timeout_ms"`
	AckTimeoutMs     *int    `yaml:"ack_timeout_ms"`
	Backoff          *struct {
		InitialMs *int `yaml:"initial_ms"`
		MaxMs     *int `yaml:"max_ms"`
	} `yaml:"backoff"`
}

// Parse decodes and validates a configuration document. Keys missing from
// data take their default values; unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	var raw rawConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg := Default()
	if raw.DefaultLayout != nil {
		cfg.DefaultLayout = *raw.DefaultLayout
	}
	if raw.ScriptPaths != nil {
		cfg.ScriptPaths = *raw.ScriptPaths
	}
	if raw.Layouts != nil {
		cfg.Layouts = *raw.Layouts
	}
	if raw.Gaps != nil {
		cfg.Gaps = *raw.Gaps
	}
	if raw.MasterRatio != nil {
		cfg.MasterRatio = *raw.MasterRatio
	}
	if raw.TolerancePx != nil {
		cfg.TolerancePx = *raw.TolerancePx
	}
	if d := raw.Debounce; d != nil {
		setInt(&cfg.Debounce.WindowMs, d.WindowMs)
		setInt(&cfg.Debounce.MaxWaitMs, d.MaxWaitMs)
	}
	if i := raw.IPC; i != nil {
		if i.URL != nil {
			cfg.IPC.URL = *i.URL
		}
		setInt(&cfg.IPC.ConnectTimeoutMs, i.ConnectTimeoutMs)
		setInt(&cfg.IPC.AckTimeoutMs, i.AckTimeoutMs)
		if b := i.Backoff; b != nil {
			setInt(&cfg.IPC.Backoff.InitialMs, b.InitialMs)
			setInt(&cfg.IPC.Backoff.MaxMs, b.MaxMs)
		}
	}
	if raw.ResyncIntervalMs != nil {
		cfg.ResyncIntervalMs = *raw.ResyncIntervalMs
	}
	if raw.Workspaces != nil {
		cfg.Workspaces = raw.Workspaces
	}
	if raw.Metrics != nil {
		cfg.Metrics = *raw.Metrics
	}
	if raw.LogLevel != nil {
		cfg.LogLevel = *raw.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Validate performs basic sanity checks.
func (c *Config) Validate() error {
	if c.Gaps.Inner < 0 {
		return invalid("gaps.inner", "cannot be negative")
	}
	if c.Gaps.Outer < 0 {
		return invalid("gaps.outer", "cannot be negative")
	}
	if c.MasterRatio <= 0 || c.MasterRatio >= 1 {
		return invalid("master_ratio", "must be between 0 and 1, got %v", c.MasterRatio)
	}
	if c.TolerancePx < 0 {
		return invalid("tolerance_px", "cannot be negative")
	}
	if c.Debounce.WindowMs <= 0 {
		return invalid("debounce.window_ms", "must be positive")
	}
	if c.Debounce.MaxWaitMs < c.Debounce.WindowMs {
		return invalid("debounce.max_wait_ms", "must be at least window_ms (%d)", c.Debounce.WindowMs)
	}
	u, err := url.Parse(c.IPC.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return invalid("ipc.url", "must be a ws:// or wss:// URL, got %q", c.IPC.URL)
	}
	if c.IPC.ConnectTimeoutMs <= 0 || c.IPC.AckTimeoutMs <= 0 {
		return invalid("ipc", "timeouts must be positive")
	}
	if c.IPC.Backoff.InitialMs <= 0 || c.IPC.Backoff.MaxMs < c.IPC.Backoff.InitialMs {
		return invalid("ipc.backoff", "need 0 < initial_ms <= max_ms")
	}
	if c.ResyncIntervalMs < 0 {
		return invalid("resync_interval_ms", "cannot be negative")
	}
	for name := range c.Layouts {
		if strings.TrimSpace(name) == "" {
			return invalid("layouts", "layout name cannot be empty")
		}
	}
	for id, ws := range c.Workspaces {
		if ws.Gaps != nil && (ws.Gaps.Inner < 0 || ws.Gaps.Outer < 0) {
			return invalid("workspaces."+id+".gaps", "cannot be negative")
		}
	}
	return nil
}

// LayoutNames returns configured layout names in sorted order.
func (c *Config) LayoutNames() []string {
	names := make([]string, 0, len(c.Layouts))
	for name := range c.Layouts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ScriptDirs resolves script_paths: ~ and environment variables expand,
// relative entries resolve against base (the config directory).
func (c *Config) ScriptDirs(base string) []string {
	out := make([]string, 0, len(c.ScriptPaths))
	for _, p := range c.ScriptPaths {
		p = ExpandPath(p)
		if p == "" {
			continue
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(base, p)
		}
		out = append(out, p)
	}
	return out
}

func (c *Config) DebounceWindow() time.Duration {
	return time.Duration(c.Debounce.WindowMs) * time.Millisecond
}

func (c *Config) DebounceMaxWait() time.Duration {
	return time.Duration(c.Debounce.MaxWaitMs) * time.Millisecond
}

func (c *Config) ResyncInterval() time.Duration {
	return time.Duration(c.ResyncIntervalMs) * time.Millisecond
}

// ExpandPath expands a leading ~ and environment variables.
func ExpandPath(p string) string {
	p = os.ExpandEnv(strings.TrimSpace(p))
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// DefaultPath returns $XDG_CONFIG_HOME/glaze-autotiler/config.json, falling
// back to ~/.config.
func DefaultPath() (string, error) {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, appName, fileName), nil
}

// Encode renders cfg as 4-space indented JSON.
func Encode(cfg *Config) ([]byte, error) {
	data, err := json.MarshalIndent(cfg, "", "    ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// EnsureFile writes the default configuration to path when it does not
// exist yet. It reports whether a file was created.
func EnsureFile(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("stat config: %w", err)
	}
	data, err := Encode(Default())
	if err != nil {
		return false, err
	}
	if err := writeFileAtomic(path, data); err != nil {
		return false, err
	}
	return true, nil
}

// SetDefaultLayout rewrites default_layout in the file at path, leaving
// every other key as the user wrote it.
func SetDefaultLayout(path, name string) error {
	doc := map[string]json.RawMessage{}
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read config: %w", err)
	}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
	}
	encoded, err := json.Marshal(name)
	if err != nil {
		return err
	}
	doc["default_layout"] = encoded
	out, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, append(out, '\n'))
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
