package agentstate

import (
	"sync"

	"github.com/HyphaGroup/agentbridge/internal/message"
	"github.com/HyphaGroup/agentbridge/internal/metrics"
)

// Transitions holds the edge predicates computed by diffing the previous and
// current classification.
type Transitions struct {
	From State
	To   State

	TransitionedToWaiting bool
	TransitionedToRunning bool
	StreamingStarted      bool
	StreamingEnded        bool
	TaskCompleted         bool

	// Completion is the completion_result ask that triggered TaskCompleted
	Completion *message.ChatMessage
}

// Changed reports whether the state moved
func (t Transitions) Changed() bool { return t.From != t.To }

// Detector tracks the classification across log updates.
type Detector struct {
	mu sync.Mutex

	state         State
	resumed       bool
	resumeAskSeen bool
	ignoreBefore  int64
	lastCompleted int64
}

// NewDetector creates a detector for a fresh or resumed session
func NewDetector(resumed bool) *Detector {
	return &Detector{state: Idle, resumed: resumed}
}

// State returns the last computed state
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// SetResumed marks the session as loaded from history (or not). Resume gating
// restarts until a resume ask is observed again.
func (d *Detector) SetResumed(resumed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resumed = resumed
	d.resumeAskSeen = false
}

// SetIgnoreBefore suppresses TaskCompleted for completion messages older than ts.
// Used after a session switch so historical completions do not re-fire.
func (d *Detector) SetIgnoreBefore(ts int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ignoreBefore = ts
}

// AwaitingResumeAsk reports whether resume gating is still active
func (d *Detector) AwaitingResumeAsk() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resumed && !d.resumeAskSeen
}

// Update reclassifies msgs and returns the edges relative to the previous call
func (d *Detector) Update(msgs []message.ChatMessage) Transitions {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.resumed && !d.resumeAskSeen && !ShouldWaitForResumeAsk(msgs, true) {
		d.resumeAskSeen = true
	}
	gated := d.resumed && !d.resumeAskSeen

	next := Detect(msgs)
	if gated {
		next = WaitingForInput
	}

	prev := d.state
	t := Transitions{From: prev, To: next}
	t.TransitionedToWaiting = next == WaitingForInput && prev != WaitingForInput
	t.TransitionedToRunning = next == Running && prev != Running
	t.StreamingStarted = next == Streaming && prev != Streaming
	t.StreamingEnded = prev == Streaming && next != Streaming

	if !gated && len(msgs) > 0 {
		last := msgs[len(msgs)-1]
		if isUnansweredCompletion(last) && last.TS >= d.ignoreBefore && last.TS != d.lastCompleted {
			d.lastCompleted = last.TS
			t.TaskCompleted = true
			completion := last
			t.Completion = &completion
		}
	}

	if prev != next {
		metrics.RecordTransition(string(prev), string(next))
	}
	d.state = next
	return t
}

func isUnansweredCompletion(m message.ChatMessage) bool {
	return m.IsAsk() && m.Ask == message.AskCompletionResult && !m.Partial && !m.IsAnswered
}
