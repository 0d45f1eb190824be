package output

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/HyphaGroup/agentbridge/internal/logger"
	"github.com/HyphaGroup/agentbridge/internal/message"
	"github.com/HyphaGroup/agentbridge/internal/metrics"
)

// DefaultTick is the minimum spacing between output flushes
const DefaultTick = 100 * time.Millisecond

// Writer feeds log snapshots through a Multiplexer and writes emitted records
// as NDJSON. Snapshots offered between ticks are coalesced: only the latest
// one is flushed, so a streaming message yields one record per distinct
// snapshot seen at a tick rather than one per increment.
type Writer struct {
	mux     *Multiplexer
	enc     *json.Encoder
	limiter *rate.Limiter

	mu     sync.Mutex
	sinks  []func(message.UnifiedMessage)
	latest []message.UnifiedMessage
	dirty  bool
	timer  *time.Timer
	closed bool
}

// NewWriter creates a writer flushing at most once per tick.
// tick <= 0 disables throttling. A nil w discards output, leaving only
// OnEmit observers.
func NewWriter(w io.Writer, tick time.Duration) *Writer {
	if w == nil {
		w = io.Discard
	}
	limit := rate.Inf
	if tick > 0 {
		limit = rate.Every(tick)
	}
	return &Writer{
		mux:     NewMultiplexer(),
		enc:     json.NewEncoder(w),
		limiter: rate.NewLimiter(limit, 1),
	}
}

// OnEmit registers fn to observe every record written, in order.
// fn runs with the writer locked and must not call back into it.
func (w *Writer) OnEmit(fn func(message.UnifiedMessage)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sinks = append(w.sinks, fn)
}

// Offer records the latest log snapshot and flushes if the tick allows,
// otherwise schedules a flush for the next tick.
func (w *Writer) Offer(log []message.UnifiedMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.latest = log
	w.dirty = true

	if w.timer != nil {
		return nil
	}
	r := w.limiter.Reserve()
	delay := r.Delay()
	if delay <= 0 {
		return w.flushLocked()
	}
	w.timer = time.AfterFunc(delay, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		w.timer = nil
		if err := w.flushLocked(); err != nil {
			logger.Error("output flush failed: %v", err)
		}
	})
	return nil
}

// Write emits one record immediately, bypassing the multiplexer. Used for
// bridge records that are complete on creation (welcome, errors).
func (w *Writer) Write(u message.UnifiedMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.encodeLocked(u)
}

// Flush writes any pending snapshot now
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	return w.flushLocked()
}

// Close flushes and stops accepting snapshots
func (w *Writer) Close() error {
	err := w.Flush()
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return err
}

func (w *Writer) flushLocked() error {
	if !w.dirty {
		return nil
	}
	w.dirty = false
	for _, u := range w.mux.Update(w.latest) {
		if err := w.encodeLocked(u); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) encodeLocked(u message.UnifiedMessage) error {
	if err := w.enc.Encode(u); err != nil {
		return err
	}
	metrics.RecordEmit(string(u.Source))
	for _, fn := range w.sinks {
		fn(u)
	}
	return nil
}
