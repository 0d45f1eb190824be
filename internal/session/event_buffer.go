package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/HyphaGroup/agentbridge/internal/agentstate"
	"github.com/HyphaGroup/agentbridge/internal/message"
)

/*
EVENT BUFFER

Bounded, index-resumable log of what a Runner observed: every emitted output
record plus every agent-loop state transition. Pollers (the MCP surface) read
it with After(sinceIndex) and resume from the returned LastIndex.

    logical indices:  [purged ...] startIndex ... lastIndex
    physical slice:   events[0..len-1] == startIndex..startIndex+len-1

Polling:
    1. since_index = -1 returns everything still buffered
    2. the reply carries last_index
    3. next poll passes last_index
    4. falling behind startIndex-1 is an error, not a silent gap

All methods take mu. Append is exclusive, reads are shared.
*/

// DefaultEventBufferSize bounds a runner's event log
const DefaultEventBufferSize = 1000

// EventKind discriminates buffered events
type EventKind string

const (
	// EventRecord is one NDJSON record as written to the output stream
	EventRecord EventKind = "record"
	// EventState is an agent-loop state transition
	EventState EventKind = "state"
	// EventCompleted marks a finished task (unanswered completion_result)
	EventCompleted EventKind = "completed"
)

// Event is a single observation made by a Runner
type Event struct {
	Kind   EventKind               `json:"kind"`
	Record *message.UnifiedMessage `json:"record,omitempty"`
	From   agentstate.State        `json:"from,omitempty"`
	To     agentstate.State        `json:"to,omitempty"`
	Text   string                  `json:"text,omitempty"`
}

// BufferedEvent wraps an Event with its resumption index
type BufferedEvent struct {
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	Event     Event     `json:"event"`
}

// EventBuffer is a ring buffer of Events with resumption support
type EventBuffer struct {
	sessionID     string
	events        []*BufferedEvent
	maxSize       int
	startIndex    int   // logical index of events[0]
	droppedEvents int64 // overflow count
	mu            sync.RWMutex
}

// BufferStats contains statistics about the event buffer
type BufferStats struct {
	SessionID     string `json:"session_id"`
	CurrentSize   int    `json:"current_size"`
	MaxSize       int    `json:"max_size"`
	StartIndex    int    `json:"start_index"`
	LastIndex     int    `json:"last_index"`
	DroppedEvents int64  `json:"dropped_events"`
}

// NewEventBuffer creates an event buffer for the given session
func NewEventBuffer(sessionID string, maxSize int) *EventBuffer {
	if maxSize <= 0 {
		maxSize = DefaultEventBufferSize
	}
	return &EventBuffer{
		sessionID: sessionID,
		events:    make([]*BufferedEvent, 0, maxSize),
		maxSize:   maxSize,
	}
}

// Append adds an event and returns its index
func (b *EventBuffer) Append(ev Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	index := b.startIndex + len(b.events)
	if len(b.events) >= b.maxSize {
		b.events = b.events[1:]
		b.startIndex++
		b.droppedEvents++
	}
	b.events = append(b.events, &BufferedEvent{Index: index, Timestamp: time.Now(), Event: ev})
	return index
}

// After returns events after index (exclusive). -1 returns everything buffered.
// Asking for an index that has already been purged is an error.
func (b *EventBuffer) After(index int) ([]*BufferedEvent, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if index == -1 {
		result := make([]*BufferedEvent, len(b.events))
		copy(result, b.events)
		return result, nil
	}
	if index < b.startIndex-1 {
		return nil, fmt.Errorf("events before index %d have been purged (oldest available: %d)", index, b.startIndex)
	}

	start := index - b.startIndex + 1
	if start < 0 {
		start = 0
	}
	if start >= len(b.events) {
		return []*BufferedEvent{}, nil
	}
	result := make([]*BufferedEvent, len(b.events)-start)
	copy(result, b.events[start:])
	return result, nil
}

// LastIndex returns the index of the newest event, or -1 if empty
func (b *EventBuffer) LastIndex() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastIndexLocked()
}

func (b *EventBuffer) lastIndexLocked() int {
	if len(b.events) == 0 {
		return b.startIndex - 1
	}
	return b.startIndex + len(b.events) - 1
}

// Len returns the number of buffered events
func (b *EventBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.events)
}

// SessionID returns the owning session's id
func (b *EventBuffer) SessionID() string {
	return b.sessionID
}

// Stats returns current buffer statistics
func (b *EventBuffer) Stats() BufferStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return BufferStats{
		SessionID:     b.sessionID,
		CurrentSize:   len(b.events),
		MaxSize:       b.maxSize,
		StartIndex:    b.startIndex,
		LastIndex:     b.lastIndexLocked(),
		DroppedEvents: b.droppedEvents,
	}
}
