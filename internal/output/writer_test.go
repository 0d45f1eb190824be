package output

import (
	"bufio"
	"bytes"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/HyphaGroup/agentbridge/internal/message"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) lines(t *testing.T) []map[string]any {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(b.buf.Bytes()))
	for sc.Scan() {
		var rec map[string]any
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("invalid NDJSON line %q: %v", sc.Text(), err)
		}
		out = append(out, rec)
	}
	return out
}

func TestWriter_UnthrottledWritesNDJSON(t *testing.T) {
	var buf syncBuffer
	w := NewWriter(&buf, 0)

	if err := w.Offer([]message.UnifiedMessage{text(1, "hi", false)}); err != nil {
		t.Fatalf("Offer() error = %v", err)
	}
	recs := buf.lines(t)
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	if recs[0]["source"] != "extension" || recs[0]["timestamp"] != float64(1) {
		t.Errorf("record = %v, want source extension timestamp 1", recs[0])
	}
}

func TestWriter_CoalescesBetweenTicks(t *testing.T) {
	var buf syncBuffer
	w := NewWriter(&buf, time.Hour)

	// First offer consumes the burst and flushes immediately.
	_ = w.Offer([]message.UnifiedMessage{text(1, "a", false), text(2, "x", true)})
	// These arrive inside the same tick and are coalesced.
	_ = w.Offer([]message.UnifiedMessage{text(1, "a", false), text(2, "xy", true), text(3, "z", true)})
	_ = w.Offer([]message.UnifiedMessage{text(1, "a", false), text(2, "xyz", false), text(3, "z!", false)})

	if got := len(buf.lines(t)); got != 1 {
		t.Fatalf("records before flush = %d, want 1", got)
	}

	if err := w.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	recs := buf.lines(t)
	if len(recs) != 3 {
		t.Fatalf("records after flush = %d, want 3", len(recs))
	}
	if recs[1]["text"] != "xyz" {
		t.Errorf("coalesced record text = %v, want xyz", recs[1]["text"])
	}
}

func TestWriter_ScheduledFlush(t *testing.T) {
	var buf syncBuffer
	w := NewWriter(&buf, 20*time.Millisecond)

	_ = w.Offer([]message.UnifiedMessage{text(1, "a", false)})
	_ = w.Offer([]message.UnifiedMessage{text(1, "a", false), text(2, "b", false)})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(buf.lines(t)) == 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("records = %d after tick, want 2", len(buf.lines(t)))
}
