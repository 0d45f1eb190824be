// Package extension owns the lifecycle of one headlessly activated extension.
//
// extension.go - Extension contract and loaders
//
// This file contains:
// - Extension, the activation/deactivation contract a wrapped extension meets
// - Webview, the UI surface the extension posts to and receives from
// - The builtin registry ("builtin:<name>" bundles) and Load
//
// Bundles that are not builtin are executables speaking the NDJSON host
// protocol on stdin/stdout (see process.go).

package extension

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/HyphaGroup/agentbridge/internal/host"
	"github.com/HyphaGroup/agentbridge/internal/message"
)

// BuiltinPrefix marks a bundle path resolved from the builtin registry
const BuiltinPrefix = "builtin:"

// EventWebviewMessage names the stream of outbound extension messages
const EventWebviewMessage = "extensionWebviewMessage"

// Extension is a loaded extension bundle
type Extension interface {
	// Activate runs the activation hook and returns the extension's
	// programmatic API, which may be nil.
	Activate(ctx context.Context, actx *ActivationContext) (any, error)

	// Deactivate runs the deactivation hook. Extensions without one return nil.
	Deactivate(ctx context.Context) error
}

// Requirer is implemented by extensions that declare the host APIs their
// activation path needs. Missing APIs fail activation before the hook runs.
type Requirer interface {
	Requires() []string
}

// Terminator is implemented by extensions that can stop on their own, such
// as a child process exiting.
type Terminator interface {
	Done() <-chan struct{}
	Err() error
}

// Webview is the UI surface handed to an extension. The service stands in
// for the real webview: posted messages reach service subscribers and
// SendMessage calls reach OnDidReceiveMessage handlers.
type Webview interface {
	PostMessage(msg message.ExtensionMessage) error
	OnDidReceiveMessage(fn func(message.WebviewMessage) error) host.Disposable
}

// ActivationContext is what an extension's activation hook receives
type ActivationContext struct {
	*host.ExtensionContext
	Webview Webview
}

// ActivateOptions configures Service.Activate
type ActivateOptions struct {
	// BundlePath is either builtin:<name> or an executable path
	BundlePath  string
	ExtensionID string
	// Args and Env are passed to process bundles
	Args         []string
	Env          []string
	WorkspaceDir string
	StorageDir   string
	Mode         host.ExtensionMode
	// Requires lists host APIs to check in addition to what the extension declares
	Requires      []string
	Configuration map[string]any
	// Disabled hides host APIs from the emulation
	Disabled []string
}

func (o ActivateOptions) extensionID() string {
	if o.ExtensionID != "" {
		return o.ExtensionID
	}
	if name, ok := strings.CutPrefix(o.BundlePath, BuiltinPrefix); ok {
		return name
	}
	return o.BundlePath
}

// Factory creates a fresh builtin extension instance
type Factory func() Extension

var (
	builtinsMu sync.RWMutex
	builtins   = make(map[string]Factory)
)

// Register makes a builtin extension available as builtin:<name>.
// It panics if name is registered twice or factory is nil.
func Register(name string, factory Factory) {
	builtinsMu.Lock()
	defer builtinsMu.Unlock()
	if factory == nil {
		panic("extension: Register factory is nil")
	}
	if _, dup := builtins[name]; dup {
		panic("extension: Register called twice for " + name)
	}
	builtins[name] = factory
}

// Builtins lists the registered builtin names
func Builtins() []string {
	builtinsMu.RLock()
	defer builtinsMu.RUnlock()
	out := make([]string, 0, len(builtins))
	for name := range builtins {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Load resolves a bundle path to an extension instance
func Load(opts ActivateOptions, activationTimeout time.Duration) (Extension, error) {
	if opts.BundlePath == "" {
		return nil, fmt.Errorf("no extension bundle configured")
	}
	if name, ok := strings.CutPrefix(opts.BundlePath, BuiltinPrefix); ok {
		builtinsMu.RLock()
		factory, found := builtins[name]
		builtinsMu.RUnlock()
		if !found {
			return nil, fmt.Errorf("unknown builtin extension %q (have %s)", name, strings.Join(Builtins(), ", "))
		}
		return factory(), nil
	}
	return NewProcessExtension(opts.BundlePath, opts.Args, opts.Env, activationTimeout)
}
