// Package extension owns the lifecycle of one headlessly activated extension.
//
// service.go - Extension Service
//
// This file contains:
// - Service: activate, dispose, message forwarding and the outbound emitter
// - The process-wide single-instance guard
// - The UI-ready handshake gating the first task message

package extension

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HyphaGroup/agentbridge/internal/host"
	"github.com/HyphaGroup/agentbridge/internal/host/statestore"
	"github.com/HyphaGroup/agentbridge/internal/logger"
	"github.com/HyphaGroup/agentbridge/internal/message"
	"github.com/HyphaGroup/agentbridge/internal/metrics"
	"github.com/HyphaGroup/agentbridge/internal/pending"
)

// Timeouts are the budgets of activation and each correlated flow
type Timeouts struct {
	Activation time.Duration
	History    time.Duration
	Condense   time.Duration
	Status     time.Duration
}

// DefaultTimeouts returns the stock budgets. Condensing a long context takes
// far longer than a status round trip.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Activation: 30 * time.Second,
		History:    10 * time.Second,
		Condense:   120 * time.Second,
		Status:     5 * time.Second,
	}
}

// Option configures a Service
type Option func(*Service)

// WithTimeouts overrides the default budgets; zero fields keep their default
func WithTimeouts(t Timeouts) Option {
	return func(s *Service) {
		if t.Activation > 0 {
			s.timeouts.Activation = t.Activation
		}
		if t.History > 0 {
			s.timeouts.History = t.History
		}
		if t.Condense > 0 {
			s.timeouts.Condense = t.Condense
		}
		if t.Status > 0 {
			s.timeouts.Status = t.Status
		}
	}
}

// WithStore backs globalState and workspaceState with store
func WithStore(store statestore.Store) Option {
	return func(s *Service) { s.store = store }
}

type phase int

const (
	phaseIdle phase = iota
	phaseActivating
	phaseActive
	phaseDisposed
)

// activeService enforces one active service per process
var activeService atomic.Pointer[Service]

// Active returns the service currently holding the process, or nil
func Active() *Service {
	return activeService.Load()
}

type receiver struct {
	id int
	fn func(message.WebviewMessage) error
}

// Service owns one activated extension and the host it runs against
type Service struct {
	timeouts Timeouts
	store    statestore.Store

	// lifecycle serializes Activate and Dispose
	lifecycle sync.Mutex

	mu          sync.Mutex
	phase       phase
	extensionID string
	host        *host.Host
	ectx        *host.ExtensionContext
	ext         Extension
	api         any
	receivers   []receiver
	nextRecv    int
	exitErr     error

	messages *host.EventEmitter[message.ExtensionMessage]

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once

	history  *pending.Registry[HistoryPage]
	condense *pending.Registry[CondenseResult]
	status   *pending.Registry[Status]
}

// NewService creates an inactive service
func NewService(opts ...Option) *Service {
	s := &Service{
		timeouts: DefaultTimeouts(),
		messages: host.NewEventEmitter[message.ExtensionMessage](),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.store == nil {
		s.store = statestore.NewMemoryStore()
	}
	s.history = pending.New[HistoryPage]("history", s.timeouts.History)
	s.condense = pending.New[CondenseResult]("condense", s.timeouts.Condense)
	s.status = pending.New[Status]("status", s.timeouts.Status)
	return s
}

// Activate loads and activates the extension. Any failure is returned as
// *host.ActivationError and leaves no host installed.
func (s *Service) Activate(ctx context.Context, opts ActivateOptions) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	switch s.phase {
	case phaseActivating, phaseActive:
		s.mu.Unlock()
		return ErrAlreadyActive
	case phaseDisposed:
		s.mu.Unlock()
		return ErrServiceDisposed
	}
	if !activeService.CompareAndSwap(nil, s) {
		s.mu.Unlock()
		return ErrAlreadyActive
	}
	s.phase = phaseActivating
	s.extensionID = opts.extensionID()
	s.mu.Unlock()

	start := time.Now()
	api, err := s.activate(ctx, opts)
	if err != nil {
		metrics.RecordActivation("failure", time.Since(start).Seconds())
		s.abortActivation()
		var aerr *host.ActivationError
		if !errors.As(err, &aerr) {
			err = &host.ActivationError{Extension: s.extensionID, Cause: err}
		}
		logger.Error("Extension activation failed: %v", err)
		return err
	}

	s.mu.Lock()
	s.phase = phaseActive
	s.api = api
	ext := s.ext
	s.mu.Unlock()

	metrics.RecordActivation("success", time.Since(start).Seconds())
	logger.Info("Extension %s activated in %s", s.extensionID, time.Since(start).Round(time.Millisecond))

	if t, ok := ext.(Terminator); ok {
		go s.watch(t)
	}

	// The real UI announces itself once its view has loaded; the extension
	// answers with its first state message, which marks the UI ready.
	if err := s.forward(message.WebviewMessage{Type: message.WebviewDidLaunch}); err != nil {
		logger.Error("Webview launch handshake failed: %v", err)
	}
	return nil
}

func (s *Service) activate(ctx context.Context, opts ActivateOptions) (any, error) {
	h := host.New(host.Options{
		ExtensionID:   s.extensionID,
		ExtensionPath: extensionPath(opts),
		WorkspaceDir:  opts.WorkspaceDir,
		StorageDir:    opts.StorageDir,
		Store:         s.store,
		Mode:          opts.Mode,
		Configuration: opts.Configuration,
		Disabled:      opts.Disabled,
	})
	if err := h.Install(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.host = h
	s.mu.Unlock()

	ext, err := Load(opts, s.timeouts.Activation)
	if err != nil {
		return nil, fmt.Errorf("failed to load bundle: %w", err)
	}
	s.mu.Lock()
	s.ext = ext
	s.mu.Unlock()

	required := append([]string(nil), opts.Requires...)
	if r, ok := ext.(Requirer); ok {
		required = append(required, r.Requires()...)
	}
	if err := h.Require(required...); err != nil {
		return nil, err
	}

	ectx := h.NewExtensionContext()
	s.mu.Lock()
	s.ectx = ectx
	s.mu.Unlock()

	actCtx, cancel := context.WithTimeout(ctx, s.timeouts.Activation)
	defer cancel()

	api, err := ext.Activate(actCtx, &ActivationContext{ExtensionContext: ectx, Webview: serviceWebview{s}})
	if err != nil {
		return nil, err
	}
	return api, nil
}

// abortActivation undoes a failed activation and releases the process
// guard. The service may be activated again.
func (s *Service) abortActivation() {
	s.mu.Lock()
	ext, h := s.ext, s.host
	s.ext, s.host, s.ectx = nil, nil, nil
	s.receivers = nil
	s.phase = phaseIdle
	s.mu.Unlock()

	if ext != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := ext.Deactivate(ctx); err != nil {
			logger.Debug("Deactivate after failed activation: %v", err)
		}
		cancel()
	}
	if h != nil {
		h.Uninstall()
	}
	activeService.CompareAndSwap(s, nil)
}

func extensionPath(opts ActivateOptions) string {
	if strings.HasPrefix(opts.BundlePath, BuiltinPrefix) || opts.BundlePath == "" {
		if opts.WorkspaceDir != "" {
			return opts.WorkspaceDir
		}
		wd, _ := os.Getwd()
		return wd
	}
	if abs, err := filepath.Abs(opts.BundlePath); err == nil {
		return filepath.Dir(abs)
	}
	return filepath.Dir(opts.BundlePath)
}

// Dispose rejects every pending request with *pending.DisposedError, runs
// the deactivation hook, removes all listeners and uninstalls the host.
// Calling it again is a no-op.
func (s *Service) Dispose(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.phase == phaseDisposed {
		s.mu.Unlock()
		return nil
	}
	wasActive := s.phase == phaseActive
	s.phase = phaseDisposed
	ext, h := s.ext, s.host
	s.receivers = nil
	s.mu.Unlock()

	n := s.history.Close(ErrServiceDisposed) +
		s.condense.Close(ErrServiceDisposed) +
		s.status.Close(ErrServiceDisposed)
	if n > 0 {
		logger.Info("Rejected %d pending requests on dispose", n)
	}
	s.finish(ErrServiceDisposed)

	var err error
	if wasActive && ext != nil {
		if derr := ext.Deactivate(ctx); derr != nil {
			err = fmt.Errorf("failed to deactivate %s: %w", s.extensionID, derr)
			logger.Error("%v", err)
		}
	}

	s.messages.Dispose()
	if h != nil {
		h.Uninstall()
	}
	activeService.CompareAndSwap(s, nil)
	if wasActive {
		metrics.RecordDispose()
		logger.Info("Extension %s disposed", s.extensionID)
	}
	return err
}

// watch ends the service's useful life when the extension stops on its own
func (s *Service) watch(t Terminator) {
	select {
	case <-t.Done():
	case <-s.done:
		return
	}
	cause := ErrExtensionExited
	if err := t.Err(); err != nil {
		cause = fmt.Errorf("%w: %v", ErrExtensionExited, err)
	}
	logger.Error("Extension %s stopped: %v", s.extensionID, cause)
	s.history.RejectAll(cause)
	s.condense.RejectAll(cause)
	s.status.RejectAll(cause)
	s.finish(cause)
}

func (s *Service) finish(cause error) {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		s.exitErr = cause
		s.mu.Unlock()
		close(s.done)
	})
}

// Done is closed when the service is disposed or its extension stops
func (s *Service) Done() <-chan struct{} { return s.done }

// Err returns why Done closed
func (s *Service) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitErr
}

// IsActive reports whether Activate succeeded and Dispose has not run
func (s *Service) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase == phaseActive
}

// API returns the value the activation hook returned
func (s *Service) API() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.api
}

// Host returns the emulated host, or nil before activation
func (s *Service) Host() *host.Host {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.host
}

// ExtensionID names the active extension
func (s *Service) ExtensionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.extensionID
}

// Ready is closed once the extension has posted its first state message
func (s *Service) Ready() <-chan struct{} { return s.ready }

// OnMessage subscribes to every message the extension posts to its UI
func (s *Service) OnMessage(fn func(message.ExtensionMessage)) host.Disposable {
	return s.messages.Event(fn)
}

// Messages is the EventWebviewMessage stream
func (s *Service) Messages() host.Event[message.ExtensionMessage] {
	return s.messages
}

// SendMessage forwards msg into the extension as its UI would. A newTask
// waits for the UI-ready handshake first, bounded by ctx.
func (s *Service) SendMessage(ctx context.Context, msg message.WebviewMessage) error {
	if !s.IsActive() {
		return ErrNotActive
	}
	if msg.Type == message.WebviewNewTask {
		if err := s.waitReady(ctx); err != nil {
			return err
		}
	}
	return s.forward(msg)
}

func (s *Service) waitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-s.done:
		return ErrNotActive
	case <-ctx.Done():
		return fmt.Errorf("waiting for webview ready: %w", ctx.Err())
	}
}

// forward delivers msg to every receiver the extension registered. Receiver
// failures are logged and returned; the service keeps running.
func (s *Service) forward(msg message.WebviewMessage) error {
	s.mu.Lock()
	if s.phase != phaseActive && s.phase != phaseActivating {
		s.mu.Unlock()
		return ErrNotActive
	}
	receivers := append([]receiver(nil), s.receivers...)
	s.mu.Unlock()

	var errs []error
	for _, r := range receivers {
		if err := deliver(r.fn, msg); err != nil {
			logger.Error("Forwarding %s to extension failed: %v", msg.Type, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func deliver(fn func(message.WebviewMessage) error, msg message.WebviewMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("extension handler panicked: %v", r)
		}
	}()
	return fn(msg)
}

func (s *Service) addReceiver(fn func(message.WebviewMessage) error) host.Disposable {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRecv++
	id := s.nextRecv
	s.receivers = append(s.receivers, receiver{id: id, fn: fn})
	return host.NewDisposable(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, r := range s.receivers {
			if r.id == id {
				s.receivers = append(s.receivers[:i:i], s.receivers[i+1:]...)
				return
			}
		}
	})
}

// post handles a message from the extension: responses settle their pending
// request, the first state marks the UI ready, and every message is
// published to subscribers.
func (s *Service) post(msg message.ExtensionMessage) error {
	s.mu.Lock()
	p := s.phase
	s.mu.Unlock()
	if p != phaseActive && p != phaseActivating {
		return ErrNotActive
	}

	s.route(msg)
	s.messages.Fire(msg)
	return nil
}

func (s *Service) markReady() {
	s.readyOnce.Do(func() {
		close(s.ready)
		logger.Debug("Webview ready for %s", s.extensionID)
	})
}

// serviceWebview is the Webview the service hands to the extension
type serviceWebview struct {
	s *Service
}

func (w serviceWebview) PostMessage(msg message.ExtensionMessage) error {
	return w.s.post(msg)
}

func (w serviceWebview) OnDidReceiveMessage(fn func(message.WebviewMessage) error) host.Disposable {
	return w.s.addReceiver(fn)
}
