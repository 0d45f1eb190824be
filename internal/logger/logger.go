package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	instance *Logger
	once     sync.Once
)

// Logger handles dual logging to a console stream and a daily file.
// The console stream is stderr: stdout belongs to the JSON-IO protocol.
type Logger struct {
	infoLogger  *log.Logger
	errorLogger *log.Logger
	debug       bool
	logFile     *os.File
	mu          sync.Mutex
}

// Options controls where the global logger writes
type Options struct {
	// Console receives human-readable lines; nil means os.Stderr, io.Discard silences it
	Console io.Writer
	// Debug enables Debug output
	Debug bool
}

// Init initializes the global logger instance
func Init(logDir string, opts Options) error {
	var initErr error
	once.Do(func() {
		instance, initErr = newLogger(logDir, opts)
	})
	return initErr
}

// newLogger creates a new logger that writes to both console and file
func newLogger(logDir string, opts Options) (*Logger, error) {
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}

	if logDir == "" {
		return &Logger{
			infoLogger:  log.New(console, "", log.LstdFlags),
			errorLogger: log.New(console, "ERROR: ", log.LstdFlags),
			debug:       opts.Debug,
		}, nil
	}

	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	logFileName := fmt.Sprintf("agentbridge-%s.log", time.Now().Format("2006-01-02"))
	logFilePath := filepath.Join(logDir, logFileName)

	logFile, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	writer := io.MultiWriter(console, logFile)

	return &Logger{
		infoLogger:  log.New(writer, "", log.LstdFlags),
		errorLogger: log.New(writer, "ERROR: ", log.LstdFlags),
		debug:       opts.Debug,
		logFile:     logFile,
	}, nil
}

// Close closes the log file
func Close() error {
	if instance != nil && instance.logFile != nil {
		return instance.logFile.Close()
	}
	return nil
}

// Info logs an informational message
func Info(format string, v ...interface{}) {
	if instance != nil {
		instance.mu.Lock()
		defer instance.mu.Unlock()
		instance.infoLogger.Printf(format, v...)
	}
}

// Warn logs a warning
func Warn(format string, v ...interface{}) {
	if instance != nil {
		instance.mu.Lock()
		defer instance.mu.Unlock()
		instance.infoLogger.Printf("WARN: "+format, v...)
	}
}

// Debug logs only when debug output is enabled
func Debug(format string, v ...interface{}) {
	if instance != nil && instance.debug {
		instance.mu.Lock()
		defer instance.mu.Unlock()
		instance.infoLogger.Printf("DEBUG: "+format, v...)
	}
}

// Error logs an error message
func Error(format string, v ...interface{}) {
	if instance != nil {
		instance.mu.Lock()
		defer instance.mu.Unlock()
		instance.errorLogger.Printf(format, v...)
	}
}

// Fatalf logs a formatted fatal error and exits
func Fatalf(format string, v ...interface{}) {
	if instance != nil {
		instance.mu.Lock()
		instance.errorLogger.Fatalf(format, v...)
		instance.mu.Unlock()
	} else {
		log.Fatalf(format, v...)
	}
}
