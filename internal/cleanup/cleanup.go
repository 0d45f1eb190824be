// Package cleanup prunes files a long-running bridge leaves behind: daily
// log files past their retention and orphaned .tmp files in the state
// directory.
package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/HyphaGroup/agentbridge/internal/logger"
)

// logPrefix is shared by the printf and slog daily files
const logPrefix = "agentbridge-"

// Cleaner performs periodic file cleanup.
type Cleaner struct {
	logDir    string
	stateDir  string
	interval  time.Duration
	retention time.Duration
	diskWarn  float64
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Config holds cleanup configuration.
type Config struct {
	LogDir          string        // Daily log files live here; empty skips log pruning
	StateDir        string        // Extension storage; only .tmp files are touched
	Interval        time.Duration // How often to run cleanup
	Retention       time.Duration // How long to keep log files
	DiskWarnPercent float64       // Warn at this disk usage percentage
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(logDir, stateDir string) Config {
	return Config{
		LogDir:          logDir,
		StateDir:        stateDir,
		Interval:        time.Hour,
		Retention:       14 * 24 * time.Hour,
		DiskWarnPercent: 90.0,
	}
}

// New creates a new Cleaner with the given configuration.
func New(cfg Config) *Cleaner {
	return &Cleaner{
		logDir:    cfg.LogDir,
		stateDir:  cfg.StateDir,
		interval:  cfg.Interval,
		retention: cfg.Retention,
		diskWarn:  cfg.DiskWarnPercent,
	}
}

// Start begins the periodic cleanup loop.
func (c *Cleaner) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)

	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		// Run immediately on start
		c.RunOnce()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.RunOnce()
			}
		}
	}()

	logger.Debug("Cleanup started (interval=%v, retention=%v)", c.interval, c.retention)
}

// Stop halts the cleanup loop.
func (c *Cleaner) Stop() {
	if c.cancel != nil {
		c.cancel()
		c.wg.Wait()
		c.cancel = nil
	}
}

// RunOnce performs all cleanup tasks and returns how many files went.
func (c *Cleaner) RunOnce() int {
	removed := c.cleanupOldLogs() + c.cleanupTmpFiles()
	c.checkDiskUsage()
	return removed
}

// cleanupOldLogs removes daily log files whose mtime is past retention.
// Today's file is never older than a day, so it survives any retention
// of at least 24h.
func (c *Cleaner) cleanupOldLogs() int {
	if c.logDir == "" {
		return 0
	}
	entries, err := os.ReadDir(c.logDir)
	if err != nil {
		return 0
	}

	cutoff := time.Now().Add(-c.retention)
	var removed int
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, logPrefix) {
			continue
		}
		if !strings.HasSuffix(name, ".log") && !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(c.logDir, name)); err == nil {
				removed++
			}
		}
	}

	if removed > 0 {
		logger.Info("Removed %d old log files", removed)
	}
	return removed
}

// cleanupTmpFiles removes orphaned .tmp files under the state directory
// older than an hour.
func (c *Cleaner) cleanupTmpFiles() int {
	if c.stateDir == "" {
		return 0
	}
	cutoff := time.Now().Add(-time.Hour)
	var removed int

	err := filepath.Walk(c.stateDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip errors
		}
		if !info.IsDir() && strings.HasSuffix(info.Name(), ".tmp") && info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err == nil {
				removed++
			}
		}
		return nil
	})

	if err != nil {
		logger.Warn("Cleanup walk error: %v", err)
	}
	if removed > 0 {
		logger.Info("Removed %d orphaned .tmp files", removed)
	}
	return removed
}

// checkDiskUsage logs a warning when the log volume is nearly full.
func (c *Cleaner) checkDiskUsage() {
	dir := c.logDir
	if dir == "" {
		dir = c.stateDir
	}
	if dir == "" {
		return
	}
	_, _, usedPercent, err := DiskUsage(dir)
	if err != nil {
		return
	}
	if usedPercent >= c.diskWarn {
		logger.Warn("Disk usage at %.1f%% (%s)", usedPercent, dir)
	}
}

// DiskUsage returns disk usage stats for the filesystem holding dir.
func DiskUsage(dir string) (usedBytes, totalBytes uint64, usedPercent float64, err error) {
	var stat syscall.Statfs_t
	if err = syscall.Statfs(dir, &stat); err != nil {
		return
	}

	totalBytes = stat.Blocks * uint64(stat.Bsize)
	freeBytes := stat.Bfree * uint64(stat.Bsize)
	usedBytes = totalBytes - freeBytes
	if totalBytes > 0 {
		usedPercent = float64(usedBytes) / float64(totalBytes) * 100
	}
	return
}
