// Package config loads agentbridge.jsonc.
//
// loader.go - Configuration file discovery, defaults and validation
//
// This file contains:
// - Config and its sections
// - FindConfigPath / Load / LoadAll
// - Validate, which turns problems into user-facing instructions
// - Conversions into extension activation options and timeouts
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/HyphaGroup/agentbridge/internal/extension"
	"github.com/HyphaGroup/agentbridge/internal/host"
	"github.com/HyphaGroup/agentbridge/internal/host/statestore"
)

// FileName is the configuration file looked up in each candidate directory
const FileName = "agentbridge.jsonc"

// HomeEnv overrides the configuration directory when --dir is not given
const HomeEnv = "AGENTBRIDGE_HOME"

// ErrNotFound is returned when no candidate directory holds a config file
var ErrNotFound = errors.New(FileName + " not found")

// Config is the agentbridge.jsonc file format
type Config struct {
	Extension ExtensionSection `json:"extension"`
	Timeouts  TimeoutsSection  `json:"timeouts"`
	Output    OutputSection    `json:"output"`
	State     StateSection     `json:"state"`
	Logging   LoggingSection   `json:"logging"`
	Metrics   MetricsSection   `json:"metrics"`
	MCP       MCPSection       `json:"mcp"`

	// Dir is the directory the file was loaded from; relative paths in the
	// file resolve against it. Empty when running on defaults.
	Dir string `json:"-"`
}

// ExtensionSection describes the extension bundle to host
type ExtensionSection struct {
	Bundle        string            `json:"bundle"`
	ID            string            `json:"id"`
	Args          []string          `json:"args"`
	Env           map[string]string `json:"env"`
	Requires      []string          `json:"requires"`
	Disabled      []string          `json:"disabled"`
	Workspace     string            `json:"workspace"`
	Mode          string            `json:"mode"`
	Configuration map[string]any    `json:"configuration"`
}

// TimeoutsSection holds per-flow budgets in milliseconds
type TimeoutsSection struct {
	ActivationMS int `json:"activation_ms"`
	HistoryMS    int `json:"history_ms"`
	CondenseMS   int `json:"condense_ms"`
	StatusMS     int `json:"status_ms"`
}

// OutputSection controls the NDJSON writer
type OutputSection struct {
	TickMS int `json:"tick_ms"`
}

// StateSection selects where extension mementos live
type StateSection struct {
	Backend string `json:"backend"`
	Dir     string `json:"dir"`
}

// LoggingSection controls the stderr/file logger
type LoggingSection struct {
	Dir   string `json:"dir"`
	JSON  bool   `json:"json"`
	Debug bool   `json:"debug"`
	// Audit writes one JSON line per forwarded command to stderr
	Audit bool `json:"audit"`
	// RetentionDays prunes daily log files older than this; negative keeps them
	RetentionDays int `json:"retention_days"`
}

// MetricsSection enables the Prometheus endpoint when Address is set
type MetricsSection struct {
	Address string `json:"address"`
}

// MCPSection configures the MCP server mode
type MCPSection struct {
	ReadOnly           bool `json:"read_only"`
	WaitTimeoutSeconds int  `json:"wait_timeout_seconds"`
}

// Default returns a Config with every default applied
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// FindConfigPath returns the path to agentbridge.jsonc using precedence:
// 1. configDir (if specified)
// 2. $AGENTBRIDGE_HOME
// 3. ./.agentbridge (project-local)
// 4. ~/.agentbridge (user global)
func FindConfigPath(configDir string) (string, error) {
	if configDir != "" {
		path := filepath.Join(configDir, FileName)
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("%w in %s", ErrNotFound, configDir)
		}
		return absPath(path), nil
	}

	var candidates []string
	if env := os.Getenv(HomeEnv); env != "" {
		candidates = append(candidates, filepath.Join(env, FileName))
	}
	candidates = append(candidates, filepath.Join(".agentbridge", FileName))
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".agentbridge", FileName))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return absPath(path), nil
		}
	}
	return "", fmt.Errorf("%w; tried: %v", ErrNotFound, candidates)
}

func absPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

// Load reads a single agentbridge.jsonc file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", configPath, err)
	}

	var cfg Config
	if err := json.Unmarshal(StripJSONComments(data), &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", configPath, err)
	}
	cfg.Dir = filepath.Dir(configPath)
	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadAll finds and loads the configuration. An explicit configDir must
// contain the file; otherwise a missing file yields the defaults.
func LoadAll(configDir string) (*Config, error) {
	path, err := FindConfigPath(configDir)
	if err != nil {
		if configDir == "" && errors.Is(err, ErrNotFound) {
			return Default(), nil
		}
		return nil, err
	}
	return Load(path)
}

func applyDefaults(cfg *Config) {
	defaults := extension.DefaultTimeouts()
	if cfg.Timeouts.ActivationMS == 0 {
		cfg.Timeouts.ActivationMS = int(defaults.Activation / time.Millisecond)
	}
	if cfg.Timeouts.HistoryMS == 0 {
		cfg.Timeouts.HistoryMS = int(defaults.History / time.Millisecond)
	}
	if cfg.Timeouts.CondenseMS == 0 {
		cfg.Timeouts.CondenseMS = int(defaults.Condense / time.Millisecond)
	}
	if cfg.Timeouts.StatusMS == 0 {
		cfg.Timeouts.StatusMS = int(defaults.Status / time.Millisecond)
	}

	if cfg.Output.TickMS == 0 {
		cfg.Output.TickMS = 100
	}
	if cfg.Extension.Mode == "" {
		cfg.Extension.Mode = string(host.ModeProduction)
	}
	if cfg.State.Backend == "" {
		cfg.State.Backend = statestore.BackendMemory
	}
	if cfg.State.Dir == "" {
		cfg.State.Dir = "state"
	}
	if cfg.Logging.RetentionDays == 0 {
		cfg.Logging.RetentionDays = 14
	}
	if cfg.MCP.WaitTimeoutSeconds == 0 {
		cfg.MCP.WaitTimeoutSeconds = 300
	}
}

// Validate checks the configuration and returns one instruction per
// problem, phrased for the person who has to fix it. An empty result
// means the bridge can start.
func (c *Config) Validate() []string {
	var instructions []string

	if c.Extension.Bundle == "" {
		instructions = append(instructions,
			"No extension bundle configured. Set extension.bundle in "+FileName+" or pass --bundle.")
	} else if !strings.HasPrefix(c.Extension.Bundle, extension.BuiltinPrefix) {
		if _, err := os.Stat(c.resolve(c.Extension.Bundle)); err != nil {
			instructions = append(instructions,
				fmt.Sprintf("Extension bundle %s does not exist. Check extension.bundle.", c.Extension.Bundle))
		}
	}

	switch host.ExtensionMode(c.Extension.Mode) {
	case host.ModeProduction, host.ModeDevelopment, host.ModeTest:
	default:
		instructions = append(instructions,
			fmt.Sprintf("extension.mode %q is not one of production, development, test.", c.Extension.Mode))
	}

	switch c.State.Backend {
	case statestore.BackendMemory, statestore.BackendSQLite:
	default:
		instructions = append(instructions,
			fmt.Sprintf("state.backend %q is not supported. Use memory or sqlite.", c.State.Backend))
	}

	for _, budget := range []struct {
		name string
		ms   int
	}{
		{"timeouts.activation_ms", c.Timeouts.ActivationMS},
		{"timeouts.history_ms", c.Timeouts.HistoryMS},
		{"timeouts.condense_ms", c.Timeouts.CondenseMS},
		{"timeouts.status_ms", c.Timeouts.StatusMS},
		{"output.tick_ms", c.Output.TickMS},
	} {
		if budget.ms < 0 {
			instructions = append(instructions, fmt.Sprintf("%s must be positive, got %d.", budget.name, budget.ms))
		}
	}
	return instructions
}

// resolve makes path absolute relative to the config directory
func (c *Config) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || c.Dir == "" {
		return path
	}
	return filepath.Join(c.Dir, path)
}

// ExtensionTimeouts converts the millisecond budgets
func (c *Config) ExtensionTimeouts() extension.Timeouts {
	return extension.Timeouts{
		Activation: time.Duration(c.Timeouts.ActivationMS) * time.Millisecond,
		History:    time.Duration(c.Timeouts.HistoryMS) * time.Millisecond,
		Condense:   time.Duration(c.Timeouts.CondenseMS) * time.Millisecond,
		Status:     time.Duration(c.Timeouts.StatusMS) * time.Millisecond,
	}
}

// Tick is the output flush interval
func (c *Config) Tick() time.Duration {
	return time.Duration(c.Output.TickMS) * time.Millisecond
}

// MCPWaitTimeout is the default budget for MCP calls that wait
func (c *Config) MCPWaitTimeout() time.Duration {
	return time.Duration(c.MCP.WaitTimeoutSeconds) * time.Second
}

// StateDir is the resolved sqlite state directory
func (c *Config) StateDir() string {
	return c.resolve(c.State.Dir)
}

// LogRetention is how long daily log files are kept; zero keeps them
func (c *Config) LogRetention() time.Duration {
	if c.Logging.RetentionDays < 0 {
		return 0
	}
	return time.Duration(c.Logging.RetentionDays) * 24 * time.Hour
}

// LogDir is the resolved log directory; empty disables file logging
func (c *Config) LogDir() string {
	return c.resolve(c.Logging.Dir)
}

// ActivateOptions builds extension activation options. The workspace
// defaults to the current directory; the extension's storage lives under
// the state directory.
func (c *Config) ActivateOptions() extension.ActivateOptions {
	workspace := c.Extension.Workspace
	if workspace == "" {
		workspace, _ = os.Getwd()
	} else if !filepath.IsAbs(workspace) {
		workspace = absPath(workspace)
	}

	bundle := c.Extension.Bundle
	if !strings.HasPrefix(bundle, extension.BuiltinPrefix) {
		bundle = c.resolve(bundle)
	}

	env := make([]string, 0, len(c.Extension.Env))
	for k, v := range c.Extension.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	return extension.ActivateOptions{
		BundlePath:    bundle,
		ExtensionID:   c.Extension.ID,
		Args:          c.Extension.Args,
		Env:           env,
		WorkspaceDir:  workspace,
		StorageDir:    filepath.Join(c.StateDir(), "storage"),
		Mode:          host.ExtensionMode(c.Extension.Mode),
		Requires:      c.Extension.Requires,
		Configuration: c.Extension.Configuration,
		Disabled:      c.Extension.Disabled,
	}
}

// DefaultFile is the commented template written by `agentbridge init`
const DefaultFile = `{
  // Extension to host: builtin:<name> or a path to an executable bundle.
  "extension": {
    "bundle": "builtin:loopback",
    "args": [],
    "env": {},
    "requires": [],
    "workspace": "",
    "mode": "production",
    "configuration": {}
  },

  // Budgets for request/response flows, in milliseconds.
  "timeouts": {
    "activation_ms": 30000,
    "history_ms": 10000,
    "condense_ms": 120000,
    "status_ms": 5000
  },

  "output": {
    "tick_ms": 100
  },

  // memory keeps extension state for the process lifetime; sqlite persists it.
  "state": {
    "backend": "memory",
    "dir": "state"
  },

  "logging": {
    "dir": "",
    "json": false,
    "debug": false,
    "audit": false,
    "retention_days": 14
  },

  "metrics": {
    "address": ""
  },

  "mcp": {
    "read_only": false,
    "wait_timeout_seconds": 300
  }
}
`

// WriteDefault creates dir and writes DefaultFile into it. An existing
// file is left alone unless force is set.
func WriteDefault(dir string, force bool) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", dir, err)
	}
	path := filepath.Join(dir, FileName)
	if !force {
		if _, err := os.Stat(path); err == nil {
			return path, fmt.Errorf("%s already exists", path)
		}
	}
	if err := os.WriteFile(path, []byte(DefaultFile), 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	return path, nil
}
