package host

import (
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/HyphaGroup/agentbridge/internal/host/statestore"
	"github.com/HyphaGroup/agentbridge/internal/logger"
)

// ExtensionMode mirrors the editor's extension mode enumeration
type ExtensionMode string

const (
	ModeProduction  ExtensionMode = "production"
	ModeDevelopment ExtensionMode = "development"
	ModeTest        ExtensionMode = "test"
)

// Telemetry is the telemetry client an extension installs process-wide
type Telemetry interface {
	Capture(event string, properties map[string]any)
}

type noopTelemetry struct{}

func (noopTelemetry) Capture(string, map[string]any) {}

// Singletons are the process-wide services the wrapped extension would
// otherwise set up as module globals. The host owns them and clears them
// on Uninstall so nothing survives a service lifetime.
type Singletons struct {
	mu        sync.RWMutex
	extension string
	telemetry Telemetry
	logger    *slog.Logger
}

func newSingletons(extension string) *Singletons {
	s := &Singletons{extension: extension}
	s.reset()
	return s
}

func (s *Singletons) reset() {
	s.telemetry = noopTelemetry{}
	s.logger = logger.Slog().With("extension", s.extension)
}

// SetTelemetry replaces the telemetry client
func (s *Singletons) SetTelemetry(t Telemetry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t == nil {
		t = noopTelemetry{}
	}
	s.telemetry = t
}

// SetLogger replaces the extension logger
func (s *Singletons) SetLogger(l *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l == nil {
		l = logger.Slog().With("extension", s.extension)
	}
	s.logger = l
}

func (s *Singletons) Telemetry() Telemetry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.telemetry
}

func (s *Singletons) Logger() *slog.Logger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logger
}

// Clear restores the defaults, dropping anything the extension installed
func (s *Singletons) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

// Subscriptions collects disposables an extension registers during
// activation; they are disposed in reverse order on teardown.
type Subscriptions struct {
	mu       sync.Mutex
	items    []Disposable
	disposed bool
}

// Push adds items. Items pushed after Dispose are disposed immediately.
func (s *Subscriptions) Push(items ...Disposable) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		DisposeAll(items)
		return
	}
	s.items = append(s.items, items...)
	s.mu.Unlock()
}

func (s *Subscriptions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *Subscriptions) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	items := s.items
	s.items = nil
	s.mu.Unlock()
	DisposeAll(items)
}

// ExtensionContext is handed to an extension's activation hook
type ExtensionContext struct {
	Host             *Host
	ExtensionPath    string
	ExtensionUri     Uri
	GlobalStorageUri Uri
	LogUri           Uri
	GlobalState      *Memento
	WorkspaceState   *Memento
	Secrets          *SecretStorage
	Subscriptions    *Subscriptions
	ExtensionMode    ExtensionMode
}

// NewExtensionContext builds the activation context for the host's
// extension. Its subscriptions and mementos are tracked by the host.
func (h *Host) NewExtensionContext() *ExtensionContext {
	storage := h.opts.StorageDir
	if storage == "" {
		storage = filepath.Join(h.opts.ExtensionPath, ".storage")
	}
	ctx := &ExtensionContext{
		Host:             h,
		ExtensionPath:    h.opts.ExtensionPath,
		ExtensionUri:     FileUri(h.opts.ExtensionPath),
		GlobalStorageUri: FileUri(filepath.Join(storage, "globalStorage")),
		LogUri:           FileUri(filepath.Join(storage, "logs")),
		GlobalState:      newMemento(h.opts.Store, statestore.ScopeGlobal),
		WorkspaceState:   newMemento(h.opts.Store, workspaceScope(h.opts.WorkspaceDir)),
		Secrets:          newSecretStorage(),
		Subscriptions:    &Subscriptions{},
		ExtensionMode:    h.opts.Mode,
	}
	h.Track(ctx.Subscriptions)
	h.Track(ctx.GlobalState)
	h.Track(ctx.WorkspaceState)
	h.Track(ctx.Secrets)
	return ctx
}

// Memento returns the context memento for a wire scope name
func (c *ExtensionContext) Memento(scope string) (*Memento, bool) {
	switch scope {
	case statestore.ScopeGlobal:
		return c.GlobalState, true
	case statestore.ScopeWorkspace:
		return c.WorkspaceState, true
	}
	return nil, false
}

// workspaceScope keys workspaceState by workspace directory so two
// workspaces sharing one state.db do not see each other's values
func workspaceScope(dir string) string {
	if dir == "" {
		return statestore.ScopeWorkspace
	}
	return statestore.ScopeWorkspace + ":" + uuid.NewSHA1(uuid.NameSpaceURL, []byte(FileUri(dir).String())).String()
}
