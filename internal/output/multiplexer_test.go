package output

import (
	"testing"

	"github.com/HyphaGroup/agentbridge/internal/message"
)

func text(ts int64, body string, partial bool) message.UnifiedMessage {
	return message.FromChat(message.ChatMessage{TS: ts, Type: message.TypeSay, Say: message.SayText, Text: body, Partial: partial})
}

func TestMultiplexer_StreamingMessageEmitsOnceFinal(t *testing.T) {
	m := NewMultiplexer()

	if out := m.Update([]message.UnifiedMessage{text(1, "Hello", true)}); len(out) != 0 {
		t.Fatalf("Update(partial tail) emitted %d records, want 0", len(out))
	}
	if out := m.Update([]message.UnifiedMessage{text(1, "Hello world", true)}); len(out) != 0 {
		t.Fatalf("Update(partial tail) emitted %d records, want 0", len(out))
	}

	out := m.Update([]message.UnifiedMessage{text(1, "Hello world!", false)})
	if len(out) != 1 {
		t.Fatalf("Update(final) emitted %d records, want 1", len(out))
	}
	if out[0].Chat.Text != "Hello world!" {
		t.Errorf("emitted text = %q, want %q", out[0].Chat.Text, "Hello world!")
	}

	if out := m.Update([]message.UnifiedMessage{text(1, "Hello world!", false)}); len(out) != 0 {
		t.Errorf("re-feeding unchanged log emitted %d records, want 0", len(out))
	}
}

func TestMultiplexer_SupersededPartialIsEmitted(t *testing.T) {
	m := NewMultiplexer()
	m.Update([]message.UnifiedMessage{text(1, "Hel", true)})

	out := m.Update([]message.UnifiedMessage{text(1, "Hello", true), text(2, "next", true)})
	if len(out) != 1 {
		t.Fatalf("emitted %d records, want 1 (superseded partial)", len(out))
	}
	if out[0].TS() != 1 || !out[0].Partial() {
		t.Errorf("emitted %+v, want ts 1 partial snapshot", out[0])
	}

	out = m.Update([]message.UnifiedMessage{text(1, "Hello!", false), text(2, "next", false)})
	if len(out) != 2 {
		t.Fatalf("emitted %d records, want 2 (finalized + completed tail)", len(out))
	}
	if out[0].TS() != 1 || out[1].TS() != 2 {
		t.Errorf("emission order = %d,%d, want 1,2", out[0].TS(), out[1].TS())
	}
}

func TestMultiplexer_Monotonic(t *testing.T) {
	m := NewMultiplexer()
	full := []message.UnifiedMessage{text(1, "a", false), text(2, "b", false), text(3, "c", false)}

	if out := m.Update(full); len(out) != 3 {
		t.Fatalf("emitted %d, want 3", len(out))
	}

	// A shorter snapshot never un-emits, and replaying old records is deduplicated.
	if out := m.Update(full[:1]); len(out) != 0 {
		t.Errorf("shrunk log emitted %d, want 0", len(out))
	}
	if out := m.Update(full); len(out) != 0 {
		t.Errorf("replayed log emitted %d, want 0", len(out))
	}
}

func TestMultiplexer_CliAndExtensionInterleaved(t *testing.T) {
	m := NewMultiplexer()
	log := []message.UnifiedMessage{
		message.FromCli(message.CliMessage{TS: 1, Type: message.CliWelcome}),
		message.FromCli(message.CliMessage{TS: 2, Type: message.CliUser, Content: "do it"}),
		text(3, "ok", false),
	}
	out := m.Update(log)
	if len(out) != 3 {
		t.Fatalf("emitted %d, want 3", len(out))
	}
	if out[0].Source != message.SourceCLI || out[2].Source != message.SourceExtension {
		t.Errorf("sources = %s..%s, want cli..extension", out[0].Source, out[2].Source)
	}
}

func TestMultiplexer_Pending(t *testing.T) {
	m := NewMultiplexer()
	log := []message.UnifiedMessage{text(1, "a", false), text(2, "b", true)}
	m.Update(log)
	if got := m.Pending(log); got != 1 {
		t.Errorf("Pending() = %d, want 1", got)
	}
}
