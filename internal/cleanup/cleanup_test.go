package cleanup

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("/test/logs", "/test/state")

	if cfg.LogDir != "/test/logs" {
		t.Errorf("LogDir = %q, want %q", cfg.LogDir, "/test/logs")
	}
	if cfg.StateDir != "/test/state" {
		t.Errorf("StateDir = %q, want %q", cfg.StateDir, "/test/state")
	}
	if cfg.Interval != time.Hour {
		t.Errorf("Interval = %v, want %v", cfg.Interval, time.Hour)
	}
	if cfg.Retention != 14*24*time.Hour {
		t.Errorf("Retention = %v, want %v", cfg.Retention, 14*24*time.Hour)
	}
}

func writeAged(t *testing.T, path string, age time.Duration) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	mtime := time.Now().Add(-age)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, fs.ErrNotExist)
}

func TestCleaner_RunOnce(t *testing.T) {
	logDir := t.TempDir()
	stateDir := t.TempDir()

	files := []struct {
		path     string
		age      time.Duration
		wantKept bool
	}{
		{filepath.Join(logDir, "agentbridge-2020-01-01.log"), 30 * 24 * time.Hour, false},
		{filepath.Join(logDir, "agentbridge-2020-01-01.jsonl"), 30 * 24 * time.Hour, false},
		{filepath.Join(logDir, "agentbridge-today.log"), time.Minute, true},
		{filepath.Join(logDir, "other-2020-01-01.log"), 30 * 24 * time.Hour, true},
		{filepath.Join(stateDir, "storage", "state.json.tmp"), 2 * time.Hour, false},
		{filepath.Join(stateDir, "storage", "fresh.tmp"), time.Minute, true},
		{filepath.Join(stateDir, "state.db"), 30 * 24 * time.Hour, true},
	}
	for _, f := range files {
		writeAged(t, f.path, f.age)
	}

	cleaner := New(Config{
		LogDir:          logDir,
		StateDir:        stateDir,
		Interval:        time.Hour,
		Retention:       7 * 24 * time.Hour,
		DiskWarnPercent: 101,
	})
	if got := cleaner.RunOnce(); got != 3 {
		t.Errorf("RunOnce() removed %d files, want 3", got)
	}

	for _, f := range files {
		if exists(f.path) != f.wantKept {
			t.Errorf("%s kept = %v, want %v", filepath.Base(f.path), exists(f.path), f.wantKept)
		}
	}
}

func TestCleaner_EmptyDirs(t *testing.T) {
	cleaner := New(Config{Interval: time.Hour, Retention: time.Hour})
	if got := cleaner.RunOnce(); got != 0 {
		t.Errorf("RunOnce() with no dirs = %d, want 0", got)
	}
}

func TestCleaner_StartStop(t *testing.T) {
	cleaner := New(DefaultConfig(t.TempDir(), t.TempDir()))
	cleaner.Start()
	cleaner.Stop()
	// second Stop is a no-op
	cleaner.Stop()
}

func TestDiskUsage(t *testing.T) {
	used, total, pct, err := DiskUsage(t.TempDir())
	if err != nil {
		t.Fatalf("DiskUsage() error = %v", err)
	}
	if total == 0 || used > total {
		t.Errorf("DiskUsage() used=%d total=%d, want used <= total > 0", used, total)
	}
	if pct < 0 || pct > 100 {
		t.Errorf("usedPercent = %f, want 0..100", pct)
	}
}
