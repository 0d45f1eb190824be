// Package output serializes the unified message log into a deduplicated,
// append-only stream of NDJSON records for non-interactive consumers.
//
// multiplexer.go - emission policy
//
// A record is safe to emit once it is complete, or once a strictly later
// record exists (it will never change again). Only a still-partial final
// record is held back. Per position we remember the last fingerprint
// emitted, and globally every fingerprint ever emitted, so an unchanged
// record is never written twice.

package output

import (
	"sync"

	"github.com/HyphaGroup/agentbridge/internal/message"
)

// Multiplexer decides which records of a log snapshot are newly emittable
type Multiplexer struct {
	mu      sync.Mutex
	emitted []string
	seen    map[string]struct{}
}

// NewMultiplexer creates an empty multiplexer
func NewMultiplexer() *Multiplexer {
	return &Multiplexer{seen: make(map[string]struct{})}
}

// Update returns the records of log that must be emitted now, in log order.
// It is idempotent: feeding the same log twice returns nothing the second time.
func (m *Multiplexer) Update(log []message.UnifiedMessage) []message.UnifiedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(log) < len(m.emitted) {
		// The log was replaced (task switch); positions restart but the
		// fingerprint set still guards against re-emitting old records.
		m.emitted = m.emitted[:len(log)]
	}

	eligible := len(log)
	if eligible > 0 && log[eligible-1].Partial() {
		eligible--
	}

	start := m.firstChanged(log, eligible)
	var out []message.UnifiedMessage
	for i := start; i < eligible; i++ {
		fp := log[i].Fingerprint()
		if i < len(m.emitted) && m.emitted[i] == fp {
			continue
		}
		if i < len(m.emitted) {
			m.emitted[i] = fp
		} else {
			m.emitted = append(m.emitted, fp)
		}
		if _, dup := m.seen[fp]; dup {
			continue
		}
		m.seen[fp] = struct{}{}
		out = append(out, log[i])
	}
	return out
}

// firstChanged returns the first position whose fingerprint differs from the
// one last emitted there, bounded by limit.
func (m *Multiplexer) firstChanged(log []message.UnifiedMessage, limit int) int {
	n := len(m.emitted)
	if limit < n {
		n = limit
	}
	for i := 0; i < n; i++ {
		if m.emitted[i] != log[i].Fingerprint() {
			return i
		}
	}
	return n
}

// Pending returns the number of log positions not yet emitted in their
// current form; a held-back partial tail counts as pending.
func (m *Multiplexer) Pending(log []message.UnifiedMessage) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for i, u := range log {
		if i >= len(m.emitted) || m.emitted[i] != u.Fingerprint() {
			count++
		}
	}
	return count
}

// Reset forgets every emission
func (m *Multiplexer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emitted = nil
	m.seen = make(map[string]struct{})
}
