package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/HyphaGroup/agentbridge/internal/extension"
	"github.com/HyphaGroup/agentbridge/internal/host"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("valid config", func(t *testing.T) {
		path := writeConfig(t, filepath.Join(tmpDir, "valid"), `{
			// Test config
			"extension": {
				"bundle": "bin/agent",
				"args": ["--stdio"],
				"env": {"B": "2", "A": "1"},
				"requires": ["window.showInformationMessage"],
				"mode": "development"
			},
			"timeouts": {"activation_ms": 1500, "condense_ms": 60000},
			"output": {"tick_ms": 20},
			"state": {"backend": "sqlite"},
			"mcp": {"read_only": true}
		}`)

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Extension.Bundle != "bin/agent" {
			t.Errorf("Extension.Bundle = %q, want %q", cfg.Extension.Bundle, "bin/agent")
		}
		if cfg.Timeouts.ActivationMS != 1500 {
			t.Errorf("Timeouts.ActivationMS = %d, want %d", cfg.Timeouts.ActivationMS, 1500)
		}
		if cfg.Timeouts.HistoryMS != 10000 {
			t.Errorf("Timeouts.HistoryMS = %d, want default %d", cfg.Timeouts.HistoryMS, 10000)
		}
		if cfg.Tick() != 20*time.Millisecond {
			t.Errorf("Tick() = %v, want %v", cfg.Tick(), 20*time.Millisecond)
		}
		if !cfg.MCP.ReadOnly {
			t.Error("MCP.ReadOnly = false, want true")
		}
		if cfg.Dir != filepath.Dir(path) {
			t.Errorf("Dir = %q, want %q", cfg.Dir, filepath.Dir(path))
		}
	})

	t.Run("applies defaults for missing fields", func(t *testing.T) {
		path := writeConfig(t, filepath.Join(tmpDir, "minimal"), `{}`)

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Extension.Mode != string(host.ModeProduction) {
			t.Errorf("Extension.Mode = %q, want default %q", cfg.Extension.Mode, host.ModeProduction)
		}
		if cfg.State.Backend != "memory" {
			t.Errorf("State.Backend = %q, want default %q", cfg.State.Backend, "memory")
		}
		if cfg.ExtensionTimeouts() != extension.DefaultTimeouts() {
			t.Errorf("ExtensionTimeouts() = %+v, want %+v", cfg.ExtensionTimeouts(), extension.DefaultTimeouts())
		}
		if cfg.MCPWaitTimeout() != 5*time.Minute {
			t.Errorf("MCPWaitTimeout() = %v, want %v", cfg.MCPWaitTimeout(), 5*time.Minute)
		}
	})

	t.Run("default template parses and validates", func(t *testing.T) {
		path := writeConfig(t, filepath.Join(tmpDir, "template"), DefaultFile)

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if got := cfg.Validate(); len(got) != 0 {
			t.Errorf("Validate() = %v, want no instructions", got)
		}
	})

	t.Run("invalid JSON returns error", func(t *testing.T) {
		path := writeConfig(t, filepath.Join(tmpDir, "invalid"), "not json")

		if _, err := Load(path); err == nil {
			t.Error("expected error for invalid JSON")
		}
	})
}

func TestStripJSONComments(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"line comment", "{\"a\": 1 // one\n}", "{\"a\": 1 \n}"},
		{"block comment", `{/* x */"a": 1}`, `{"a": 1}`},
		{"slashes in string", `{"url": "http://x//y"}`, `{"url": "http://x//y"}`},
		{"escaped quote in string", `{"s": "a\"//b"}`, `{"s": "a\"//b"}`},
		{"escaped backslash ends string", `{"s": "a\\"// c` + "\n}", "{\"s\": \"a\\\\\"\n}"},
		{"trailing comma object", `{"a": 1,}`, `{"a": 1}`},
		{"trailing comma array", "[1, 2,\n]", "[1, 2\n]"},
		{"comma in string kept", `{"a": ",}"}`, `{"a": ",}"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := string(StripJSONComments([]byte(tt.input)))
			if got != tt.want {
				t.Errorf("StripJSONComments(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestFindConfigPath(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("finds config in specified dir", func(t *testing.T) {
		dir := filepath.Join(tmpDir, "custom")
		writeConfig(t, dir, "{}")

		path, err := FindConfigPath(dir)
		if err != nil {
			t.Fatalf("FindConfigPath() error = %v", err)
		}
		if filepath.Base(path) != FileName {
			t.Errorf("FindConfigPath() = %q, want %s", path, FileName)
		}
	})

	t.Run("error when specified dir has no config", func(t *testing.T) {
		_, err := FindConfigPath(filepath.Join(tmpDir, "nonexistent"))
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("FindConfigPath() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("env var beats project dir", func(t *testing.T) {
		work := filepath.Join(tmpDir, "work")
		writeConfig(t, filepath.Join(work, ".agentbridge"), "{}")
		envDir := filepath.Join(tmpDir, "env")
		writeConfig(t, envDir, "{}")

		t.Chdir(work)
		t.Setenv(HomeEnv, envDir)

		path, err := FindConfigPath("")
		if err != nil {
			t.Fatalf("FindConfigPath() error = %v", err)
		}
		if filepath.Dir(path) != envDir {
			t.Errorf("FindConfigPath() = %q, want file in %s", path, envDir)
		}
	})

	t.Run("project dir without env var", func(t *testing.T) {
		work := filepath.Join(tmpDir, "project")
		writeConfig(t, filepath.Join(work, ".agentbridge"), "{}")

		t.Chdir(work)
		t.Setenv(HomeEnv, "")

		path, err := FindConfigPath("")
		if err != nil {
			t.Fatalf("FindConfigPath() error = %v", err)
		}
		if !strings.HasSuffix(path, filepath.Join(".agentbridge", FileName)) {
			t.Errorf("FindConfigPath() = %q, want project-local file", path)
		}
	})
}

func TestLoadAll(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("missing config falls back to defaults", func(t *testing.T) {
		t.Chdir(tmpDir)
		t.Setenv(HomeEnv, "")
		t.Setenv("HOME", tmpDir)

		cfg, err := LoadAll("")
		if err != nil {
			t.Fatalf("LoadAll() error = %v", err)
		}
		if cfg.Dir != "" {
			t.Errorf("Dir = %q, want empty", cfg.Dir)
		}
		if cfg.Output.TickMS != 100 {
			t.Errorf("Output.TickMS = %d, want default %d", cfg.Output.TickMS, 100)
		}
	})

	t.Run("explicit dir must exist", func(t *testing.T) {
		if _, err := LoadAll(filepath.Join(tmpDir, "missing")); err == nil {
			t.Error("LoadAll() with missing dir error = nil")
		}
	})
}

func TestValidate(t *testing.T) {
	bundleDir := t.TempDir()
	bundle := filepath.Join(bundleDir, "agent")
	if err := os.WriteFile(bundle, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   []string
	}{
		{"builtin bundle", func(c *Config) { c.Extension.Bundle = "builtin:loopback" }, nil},
		{"existing bundle", func(c *Config) { c.Extension.Bundle = bundle }, nil},
		{"no bundle", func(c *Config) {}, []string{"No extension bundle"}},
		{"missing bundle", func(c *Config) { c.Extension.Bundle = "/no/such/agent" }, []string{"does not exist"}},
		{"bad mode and backend", func(c *Config) {
			c.Extension.Bundle = "builtin:loopback"
			c.Extension.Mode = "staging"
			c.State.Backend = "redis"
		}, []string{"extension.mode", "state.backend"}},
		{"negative budget", func(c *Config) {
			c.Extension.Bundle = "builtin:loopback"
			c.Timeouts.StatusMS = -1
		}, []string{"timeouts.status_ms"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			got := cfg.Validate()
			if len(got) != len(tt.want) {
				t.Fatalf("Validate() = %v, want %d instructions", got, len(tt.want))
			}
			for i, want := range tt.want {
				if !strings.Contains(got[i], want) {
					t.Errorf("Validate()[%d] = %q, want containing %q", i, got[i], want)
				}
			}
		})
	}
}

func TestActivateOptions(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{
		"extension": {
			"bundle": "bin/agent",
			"env": {"B": "2", "A": "1"},
			"workspace": "/srv/repo",
			"mode": "test"
		},
		"state": {"dir": "data"}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	opts := cfg.ActivateOptions()
	if opts.BundlePath != filepath.Join(dir, "bin", "agent") {
		t.Errorf("BundlePath = %q, want resolved against config dir", opts.BundlePath)
	}
	if strings.Join(opts.Env, ",") != "A=1,B=2" {
		t.Errorf("Env = %v, want sorted [A=1 B=2]", opts.Env)
	}
	if opts.WorkspaceDir != "/srv/repo" {
		t.Errorf("WorkspaceDir = %q, want %q", opts.WorkspaceDir, "/srv/repo")
	}
	if opts.StorageDir != filepath.Join(dir, "data", "storage") {
		t.Errorf("StorageDir = %q, want under state dir", opts.StorageDir)
	}
	if opts.Mode != host.ModeTest {
		t.Errorf("Mode = %q, want %q", opts.Mode, host.ModeTest)
	}

	cfg.Extension.Bundle = "builtin:loopback"
	if got := cfg.ActivateOptions().BundlePath; got != "builtin:loopback" {
		t.Errorf("builtin BundlePath = %q, want unchanged", got)
	}
}

func TestWriteDefault(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".agentbridge")

	path, err := WriteDefault(dir, false)
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if _, err := Load(path); err != nil {
		t.Errorf("Load(written default) error = %v", err)
	}
	if _, err := WriteDefault(dir, false); err == nil {
		t.Error("second WriteDefault() without force error = nil")
	}
	if _, err := WriteDefault(dir, true); err != nil {
		t.Errorf("WriteDefault(force) error = %v", err)
	}
}

func TestLogRetention(t *testing.T) {
	tests := []struct {
		days int
		want time.Duration
	}{
		{0, 14 * 24 * time.Hour}, // default
		{3, 3 * 24 * time.Hour},
		{-1, 0},
	}
	for _, tt := range tests {
		cfg := &Config{Logging: LoggingSection{RetentionDays: tt.days}}
		applyDefaults(cfg)
		if got := cfg.LogRetention(); got != tt.want {
			t.Errorf("LogRetention() with %d days = %v, want %v", tt.days, got, tt.want)
		}
	}
}
