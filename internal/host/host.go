// Package host emulates the subset of the editor runtime an extension's
// activation path touches, so the extension can run with no editor attached.
//
// A Host is installed as the process's ambient runtime for the lifetime of one
// extension service and removed again on Uninstall. Every emitter, channel and
// command created through it is torn down at that point.
package host

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/HyphaGroup/agentbridge/internal/host/statestore"
	"github.com/HyphaGroup/agentbridge/internal/logger"
)

// Emulated runtime APIs. An extension declares the ones it needs and
// activation fails if any is missing.
const (
	APIUri                    = "Uri"
	APIRange                  = "Range"
	APIPosition               = "Position"
	APIEventEmitter           = "EventEmitter"
	APIDisposable             = "Disposable"
	APIGlobalState            = "ExtensionContext.globalState"
	APIWorkspaceState         = "ExtensionContext.workspaceState"
	APISecrets                = "ExtensionContext.secrets"
	APIOutputChannel          = "window.createOutputChannel"
	APIStatusBarItem          = "window.createStatusBarItem"
	APIRegisterCommand        = "commands.registerCommand"
	APIExecuteCommand         = "commands.executeCommand"
	APIWorkspaceFolders       = "workspace.workspaceFolders"
	APIGetConfiguration       = "workspace.getConfiguration"
	APIEnvMachineID           = "env.machineId"
	APIWebviewViewProvider    = "window.registerWebviewViewProvider"
	APIExtensionMode          = "ExtensionMode"
	APIOnDidChangeWorkspace   = "workspace.onDidChangeWorkspaceFolders"
	APIOnDidChangeConfig      = "workspace.onDidChangeConfiguration"
	APIShowInformationMessage = "window.showInformationMessage"
	APIFileSystemWatcher      = "workspace.createFileSystemWatcher"
)

var supportedAPIs = map[string]struct{}{
	APIUri: {}, APIRange: {}, APIPosition: {}, APIEventEmitter: {}, APIDisposable: {},
	APIGlobalState: {}, APIWorkspaceState: {}, APISecrets: {},
	APIOutputChannel: {}, APIStatusBarItem: {},
	APIRegisterCommand: {}, APIExecuteCommand: {},
	APIWorkspaceFolders: {}, APIGetConfiguration: {}, APIEnvMachineID: {},
	APIWebviewViewProvider: {}, APIExtensionMode: {},
	APIOnDidChangeWorkspace: {}, APIOnDidChangeConfig: {},
	APIShowInformationMessage: {}, APIFileSystemWatcher: {},
}

// SupportedAPIs lists every emulated API name in sorted order
func SupportedAPIs() []string {
	out := make([]string, 0, len(supportedAPIs))
	for api := range supportedAPIs {
		out = append(out, api)
	}
	sort.Strings(out)
	return out
}

// CommandHandler implements a registered command
type CommandHandler func(ctx context.Context, args ...any) (any, error)

// Options configures a Host
type Options struct {
	// ExtensionID names the extension in logs and errors
	ExtensionID   string
	ExtensionPath string
	WorkspaceDir  string
	// StorageDir backs globalStorageUri and logUri
	StorageDir string
	Store      statestore.Store
	Mode       ExtensionMode
	// Configuration seeds workspace.getConfiguration, keyed "section.key"
	Configuration map[string]any
	// Disabled removes APIs from the supported set, for extensions that must
	// be refused when an API is unavailable
	Disabled []string
}

// Host is one emulated editor runtime
type Host struct {
	opts      Options
	machineID string
	sessionID string

	mu          sync.Mutex
	disabled    map[string]struct{}
	commands    map[string]CommandHandler
	config      map[string]any
	disposables []Disposable
	statusItems []*StatusBarItem
	outputs     map[string]*OutputChannel
	singletons  *Singletons
	disposed    bool

	configChanged *EventEmitter[string]
	messages      *EventEmitter[string]
}

// current is the ambient host; at most one per process
var current atomic.Pointer[Host]

// New creates a host. It is not visible to Current until Install.
func New(opts Options) *Host {
	if opts.Store == nil {
		opts.Store = statestore.NewMemoryStore()
	}
	if opts.Mode == "" {
		opts.Mode = ModeProduction
	}
	if opts.ExtensionID == "" {
		opts.ExtensionID = "extension"
	}
	h := &Host{
		opts:          opts,
		machineID:     uuid.NewSHA1(uuid.NameSpaceOID, []byte("agentbridge:"+opts.WorkspaceDir)).String(),
		sessionID:     uuid.New().String(),
		disabled:      make(map[string]struct{}),
		commands:      make(map[string]CommandHandler),
		config:        make(map[string]any),
		outputs:       make(map[string]*OutputChannel),
		configChanged: NewEventEmitter[string](),
		messages:      NewEventEmitter[string](),
	}
	for _, api := range opts.Disabled {
		h.disabled[api] = struct{}{}
	}
	for k, v := range opts.Configuration {
		h.config[k] = v
	}
	h.singletons = newSingletons(opts.ExtensionID)
	return h
}

// Current returns the installed host, or nil
func Current() *Host {
	return current.Load()
}

// Install makes h the process's ambient runtime
func (h *Host) Install() error {
	h.mu.Lock()
	disposed := h.disposed
	h.mu.Unlock()
	if disposed {
		return ErrHostDisposed
	}
	if !current.CompareAndSwap(nil, h) {
		return ErrHostInstalled
	}
	logger.Debug("Host installed for %s", h.opts.ExtensionID)
	return nil
}

// Uninstall removes h as the ambient runtime and disposes everything created
// through it. Calling it again is a no-op.
func (h *Host) Uninstall() {
	current.CompareAndSwap(h, nil)

	h.mu.Lock()
	if h.disposed {
		h.mu.Unlock()
		return
	}
	h.disposed = true
	disposables := h.disposables
	h.disposables = nil
	outputs := h.outputs
	h.outputs = map[string]*OutputChannel{}
	items := h.statusItems
	h.statusItems = nil
	h.commands = map[string]CommandHandler{}
	h.mu.Unlock()

	DisposeAll(disposables)
	for _, c := range outputs {
		c.Dispose()
	}
	for _, s := range items {
		s.Dispose()
	}
	h.configChanged.Dispose()
	h.messages.Dispose()
	h.singletons.Clear()
	logger.Debug("Host uninstalled for %s", h.opts.ExtensionID)
}

// Disposed reports whether Uninstall has run
func (h *Host) Disposed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.disposed
}

// Supports reports whether api is emulated by this host
func (h *Host) Supports(api string) bool {
	if _, ok := supportedAPIs[api]; !ok {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, off := h.disabled[api]
	return !off
}

// Require fails with an ActivationError naming every unsupported api
func (h *Host) Require(apis ...string) error {
	var missing []string
	for _, api := range apis {
		if !h.Supports(api) {
			missing = append(missing, api)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return &ActivationError{Extension: h.opts.ExtensionID, Missing: missing}
}

// Track ties d's lifetime to the host; it is disposed on Uninstall
func (h *Host) Track(d Disposable) Disposable {
	h.mu.Lock()
	if h.disposed {
		h.mu.Unlock()
		d.Dispose()
		return d
	}
	h.disposables = append(h.disposables, d)
	h.mu.Unlock()
	return d
}

// NewEmitter creates an event emitter owned by h
func NewEmitter[T any](h *Host) *EventEmitter[T] {
	e := NewEventEmitter[T]()
	h.Track(e)
	return e
}

// CreateOutputChannel returns the named channel, creating it on first use
func (h *Host) CreateOutputChannel(name string) *OutputChannel {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.outputs[name]; ok {
		return c
	}
	c := newOutputChannel(name)
	if h.disposed {
		c.Dispose()
		return c
	}
	h.outputs[name] = c
	return c
}

// CreateStatusBarItem returns a fresh, hidden status bar item
func (h *Host) CreateStatusBarItem(id string) *StatusBarItem {
	h.mu.Lock()
	defer h.mu.Unlock()
	item := &StatusBarItem{id: id}
	if h.disposed {
		item.Dispose()
		return item
	}
	h.statusItems = append(h.statusItems, item)
	return item
}

// StatusBar returns the state of every live status bar item
func (h *Host) StatusBar() []StatusBarState {
	h.mu.Lock()
	items := append([]*StatusBarItem(nil), h.statusItems...)
	h.mu.Unlock()
	out := make([]StatusBarState, 0, len(items))
	for _, s := range items {
		out = append(out, s.State())
	}
	return out
}

// RegisterCommand binds id to fn until the returned Disposable runs
func (h *Host) RegisterCommand(id string, fn CommandHandler) (Disposable, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.disposed {
		return nil, ErrHostDisposed
	}
	if _, ok := h.commands[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrCommandExists, id)
	}
	h.commands[id] = fn
	return NewDisposable(func() {
		h.mu.Lock()
		delete(h.commands, id)
		h.mu.Unlock()
	}), nil
}

// ExecuteCommand runs a registered command
func (h *Host) ExecuteCommand(ctx context.Context, id string, args ...any) (any, error) {
	h.mu.Lock()
	fn, ok := h.commands[id]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoCommand, id)
	}
	return fn(ctx, args...)
}

// Commands lists registered command ids
func (h *Host) Commands() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.commands))
	for id := range h.commands {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// WorkspaceFolders returns the single emulated workspace folder, if any
func (h *Host) WorkspaceFolders() []Uri {
	if h.opts.WorkspaceDir == "" {
		return nil
	}
	return []Uri{FileUri(h.opts.WorkspaceDir)}
}

// Configuration is a read view over one configuration section
type Configuration struct {
	host    *Host
	section string
}

// GetConfiguration returns the section view, e.g. "agent" for "agent.model"
func (h *Host) GetConfiguration(section string) Configuration {
	return Configuration{host: h, section: section}
}

func (c Configuration) fullKey(key string) string {
	if c.section == "" {
		return key
	}
	return c.section + "." + key
}

// Get returns the configured value for key
func (c Configuration) Get(key string) (any, bool) {
	c.host.mu.Lock()
	defer c.host.mu.Unlock()
	v, ok := c.host.config[c.fullKey(key)]
	return v, ok
}

// GetString returns key as a string, or def
func (c Configuration) GetString(key, def string) string {
	if v, ok := c.Get(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// Update sets key and notifies OnDidChangeConfiguration listeners
func (c Configuration) Update(key string, value any) {
	full := c.fullKey(key)
	c.host.mu.Lock()
	if value == nil {
		delete(c.host.config, full)
	} else {
		c.host.config[full] = value
	}
	c.host.mu.Unlock()
	c.host.configChanged.Fire(full)
}

// OnDidChangeConfiguration fires with the full key of each changed setting
func (h *Host) OnDidChangeConfiguration(fn func(key string)) Disposable {
	return h.configChanged.Event(fn)
}

// ShowInformationMessage surfaces a notification as a log line and to listeners
func (h *Host) ShowInformationMessage(text string) {
	logger.Slog().Info(text, "extension", h.opts.ExtensionID, "kind", "notification")
	h.messages.Fire(text)
}

// OnNotification observes ShowInformationMessage calls
func (h *Host) OnNotification(fn func(text string)) Disposable {
	return h.messages.Event(fn)
}

// MachineID is stable per workspace directory
func (h *Host) MachineID() string { return h.machineID }

// SessionID changes every time a host is created
func (h *Host) SessionID() string { return h.sessionID }

// Singletons returns the process-wide services this host owns
func (h *Host) Singletons() *Singletons { return h.singletons }

// Logger returns the extension's logger singleton
func (h *Host) Logger() *slog.Logger { return h.singletons.Logger() }
