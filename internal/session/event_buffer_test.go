package session

import (
	"sync"
	"testing"

	"github.com/HyphaGroup/agentbridge/internal/agentstate"
	"github.com/HyphaGroup/agentbridge/internal/message"
)

func recordEvent(text string) Event {
	u := message.FromCli(message.CliMessage{TS: 1, Type: message.CliSystem, Content: text})
	return Event{Kind: EventRecord, Record: &u}
}

func TestEventBuffer_Append(t *testing.T) {
	buf := NewEventBuffer("test-session", 10)

	if idx := buf.Append(recordEvent("a")); idx != 0 {
		t.Errorf("first index = %v, want 0", idx)
	}
	if idx := buf.Append(Event{Kind: EventState, From: agentstate.Idle, To: agentstate.Running}); idx != 1 {
		t.Errorf("second index = %v, want 1", idx)
	}
	if buf.Len() != 2 {
		t.Errorf("Len() = %v, want 2", buf.Len())
	}
}

func TestEventBuffer_After(t *testing.T) {
	buf := NewEventBuffer("test-session", 10)
	for _, s := range []string{"a", "b", "c"} {
		buf.Append(recordEvent(s))
	}

	tests := []struct {
		name      string
		index     int
		wantCount int
	}{
		{"all events", -1, 3},
		{"after first", 0, 2},
		{"after second", 1, 1},
		{"after last", 2, 0},
		{"future index", 100, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := buf.After(tt.index)
			if err != nil {
				t.Fatalf("After() error = %v", err)
			}
			if len(events) != tt.wantCount {
				t.Errorf("After() count = %v, want %v", len(events), tt.wantCount)
			}
		})
	}
}

func TestEventBuffer_RingOverflow(t *testing.T) {
	buf := NewEventBuffer("test-session", 3)
	for _, s := range []string{"a", "b", "c", "d"} {
		buf.Append(recordEvent(s))
	}

	if buf.Len() != 3 {
		t.Errorf("Len() = %v, want 3", buf.Len())
	}
	stats := buf.Stats()
	if stats.StartIndex != 1 || stats.LastIndex != 3 || stats.DroppedEvents != 1 {
		t.Errorf("Stats() = %+v, want start 1, last 3, dropped 1", stats)
	}

	events, err := buf.After(-1)
	if err != nil {
		t.Fatalf("After(-1) error = %v", err)
	}
	if got := events[0].Event.Record.Cli.Content; got != "b" {
		t.Errorf("oldest event = %q, want b", got)
	}

	// index 0 is exactly one before the window: still resumable
	if _, err := buf.After(0); err != nil {
		t.Errorf("After(0) error = %v, want nil", err)
	}

	buf.Append(recordEvent("e"))
	if _, err := buf.After(0); err == nil {
		t.Error("After(0) error = nil, want purged error")
	}
}

func TestEventBuffer_ConcurrentAppend(t *testing.T) {
	buf := NewEventBuffer("test-session", 1000)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				buf.Append(recordEvent("x"))
			}
		}()
	}
	wg.Wait()

	if buf.Len() != 500 {
		t.Errorf("Len() = %v, want 500", buf.Len())
	}
	if buf.LastIndex() != 499 {
		t.Errorf("LastIndex() = %v, want 499", buf.LastIndex())
	}
}
