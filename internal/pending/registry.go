// Package pending correlates request/response pairs over one-directional
// message channels.
//
// registry.go - Generic pending-request registry
//
// This file contains:
// - Registry[T], an id -> pending entry map with per-entry timeouts
// - Request[T], the handle a caller waits on
//
// A Registry is instantiated once per correlated flow (history pagination,
// context condensing, status round-trips), each with its own timeout budget.
// Exactly one of resolve, reject or timeout settles an entry; the entry is
// removed in the same critical section, so later attempts are no-ops.

package pending

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/HyphaGroup/agentbridge/internal/metrics"
)

// DefaultTimeout is used when neither the registry nor Register names a budget
const DefaultTimeout = 30 * time.Second

// Outcome labels recorded for settled requests
const (
	OutcomeResolved = "resolved"
	OutcomeRejected = "rejected"
	OutcomeTimeout  = "timeout"
	OutcomeDisposed = "disposed"
)

// Request is a live or settled pending entry
type Request[T any] struct {
	id        string
	createdAt time.Time
	registry  *Registry[T]
	timer     *time.Timer
	done      chan struct{}

	value T
	err   error
}

// ID returns the correlation id
func (r *Request[T]) ID() string { return r.id }

// CreatedAt returns when the request was registered
func (r *Request[T]) CreatedAt() time.Time { return r.createdAt }

// Done returns a channel closed once the request settles
func (r *Request[T]) Done() <-chan struct{} { return r.done }

// Wait blocks until the request settles or ctx ends. A cancelled ctx rejects
// the entry with ctx.Err(), unless another outcome already won.
func (r *Request[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-r.done:
	case <-ctx.Done():
		r.registry.Reject(r.id, ctx.Err())
		<-r.done
	}
	return r.value, r.err
}

// Registry maps ids to pending requests of payload type T
type Registry[T any] struct {
	name           string
	defaultTimeout time.Duration

	mu      sync.Mutex
	entries map[string]*Request[T]
	closed  bool
}

// New creates a registry for one correlated flow
func New[T any](name string, defaultTimeout time.Duration) *Registry[T] {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	return &Registry[T]{
		name:           name,
		defaultTimeout: defaultTimeout,
		entries:        make(map[string]*Request[T]),
	}
}

// Name returns the flow name used in errors and metrics
func (g *Registry[T]) Name() string { return g.name }

// NewID returns a fresh correlation id
func (g *Registry[T]) NewID() string {
	return uuid.New().String()
}

// Register creates an entry and starts its timer. timeout <= 0 uses the
// registry's default budget.
func (g *Registry[T]) Register(id string, timeout time.Duration) (*Request[T], error) {
	if timeout <= 0 {
		timeout = g.defaultTimeout
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil, ErrRegistryClosed
	}
	if _, exists := g.entries[id]; exists {
		return nil, ErrDuplicateID
	}

	req := &Request[T]{
		id:        id,
		createdAt: time.Now(),
		registry:  g,
		done:      make(chan struct{}),
	}
	req.timer = time.AfterFunc(timeout, func() {
		g.settle(req, *new(T), &TimeoutError{
			Registry: g.name,
			ID:       id,
			Budget:   timeout,
			Elapsed:  time.Since(req.createdAt),
		}, OutcomeTimeout)
	})
	g.entries[id] = req
	metrics.SetPending(g.name, len(g.entries))

	return req, nil
}

// Resolve settles id with value. Returns false if id is not pending.
func (g *Registry[T]) Resolve(id string, value T) bool {
	g.mu.Lock()
	req, ok := g.entries[id]
	g.mu.Unlock()
	if !ok {
		return false
	}
	return g.settle(req, value, nil, OutcomeResolved)
}

// Reject settles id with err. Returns false if id is not pending.
func (g *Registry[T]) Reject(id string, err error) bool {
	g.mu.Lock()
	req, ok := g.entries[id]
	g.mu.Unlock()
	if !ok {
		return false
	}
	return g.settle(req, *new(T), err, OutcomeRejected)
}

// settle removes req if it is still the live entry for its id and publishes
// the outcome. Identity is checked so a stale timer cannot settle a newer
// entry registered under the same id.
func (g *Registry[T]) settle(req *Request[T], value T, err error, outcome string) bool {
	g.mu.Lock()
	if current, ok := g.entries[req.id]; !ok || current != req {
		g.mu.Unlock()
		return false
	}
	delete(g.entries, req.id)
	req.timer.Stop()
	req.value = value
	req.err = err
	close(req.done)
	remaining := len(g.entries)
	g.mu.Unlock()

	metrics.SetPending(g.name, remaining)
	metrics.RecordRequestOutcome(g.name, outcome, time.Since(req.createdAt).Seconds())
	return true
}

// RejectAll rejects every live entry with err and returns how many settled.
// The registry stays open.
func (g *Registry[T]) RejectAll(err error) int {
	g.mu.Lock()
	live := make([]*Request[T], 0, len(g.entries))
	for _, req := range g.entries {
		live = append(live, req)
	}
	g.mu.Unlock()

	n := 0
	for _, req := range live {
		if g.settle(req, *new(T), err, OutcomeRejected) {
			n++
		}
	}
	return n
}

// Close cancels every timer, rejects every live entry with *DisposedError and
// refuses further registrations. Returns how many entries were disposed.
// Calling Close again is a no-op.
func (g *Registry[T]) Close(cause error) int {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return 0
	}
	g.closed = true
	live := make([]*Request[T], 0, len(g.entries))
	for _, req := range g.entries {
		live = append(live, req)
	}
	g.mu.Unlock()

	n := 0
	for _, req := range live {
		if g.settle(req, *new(T), &DisposedError{Registry: g.name, ID: req.id, Cause: cause}, OutcomeDisposed) {
			n++
		}
	}
	return n
}

// Len returns the number of live entries
func (g *Registry[T]) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

// Has reports whether id is pending
func (g *Registry[T]) Has(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.entries[id]
	return ok
}
