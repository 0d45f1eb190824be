// Package session drives one headless bridge session: it activates the
// extension, feeds its chat log through the state detector and the output
// multiplexer, and turns orchestrator commands into webview messages.
//
// runner.go - Runner lifecycle and message plumbing
//
// This file contains:
// - Options and Runner construction
// - Start/Run/Close lifecycle (welcome, activation, resume, initial prompt)
// - Extension message handling (state, modeChanged) and auto-answers
// - Command entry points used by stdin and the MCP surface
//
// r.mu is never held while a message is sent to the extension: builtin
// extensions post their replies synchronously from inside SendMessage.

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/HyphaGroup/agentbridge/internal/agentstate"
	"github.com/HyphaGroup/agentbridge/internal/audit"
	"github.com/HyphaGroup/agentbridge/internal/extension"
	"github.com/HyphaGroup/agentbridge/internal/host"
	"github.com/HyphaGroup/agentbridge/internal/jsonio"
	"github.com/HyphaGroup/agentbridge/internal/logger"
	"github.com/HyphaGroup/agentbridge/internal/message"
	"github.com/HyphaGroup/agentbridge/internal/output"
	"github.com/HyphaGroup/agentbridge/internal/validation"
)

// ErrConfiguration is returned by Start when the welcome record carried
// instructions; the orchestrator is expected to stop.
var ErrConfiguration = errors.New("bridge is not configured")

// ErrClosed is returned by commands issued after Close
var ErrClosed = errors.New("session closed")

// Options configures a Runner
type Options struct {
	Activate extension.ActivateOptions
	Service  []extension.Option

	// Output receives NDJSON records; nil discards them (MCP mode)
	Output io.Writer
	// Input supplies NDJSON commands; nil means no command stream
	Input io.Reader
	Tick  time.Duration

	// CI ends Run when the task completes
	CI bool
	// ResumeTaskID reopens a task from history instead of starting fresh
	ResumeTaskID string
	Prompt       string
	Images       []string

	// Instructions describe configuration problems; any entry aborts Start
	Instructions []string

	BufferSize int
}

// Runner owns one extension service for the lifetime of a session
type Runner struct {
	opts      Options
	sessionID string

	svc      *extension.Service
	detector *agentstate.Detector
	writer   *output.Writer
	events   *EventBuffer
	observed *host.EventEmitter[BufferedEvent]
	sub      host.Disposable

	mu       sync.Mutex
	baseCtx  context.Context
	clock    int64
	cli      []message.UnifiedMessage
	chat     []message.ChatMessage
	answered map[int64]struct{}
	changed  chan struct{}
	inflight bool
	// publishing counts state updates whose events are not yet buffered
	publishing int
	sentTail string
	closed   bool

	completed     chan struct{}
	completedOnce sync.Once
}

// New creates a Runner. Nothing starts until Start or Run.
func New(opts Options) *Runner {
	if opts.Tick == 0 {
		opts.Tick = output.DefaultTick
	}
	sessionID := uuid.New().String()
	r := &Runner{
		opts:      opts,
		sessionID: sessionID,
		svc:       extension.NewService(opts.Service...),
		detector:  agentstate.NewDetector(false),
		writer:    output.NewWriter(opts.Output, opts.Tick),
		events:    NewEventBuffer(sessionID, opts.BufferSize),
		observed:  host.NewEventEmitter[BufferedEvent](),
		answered:  make(map[int64]struct{}),
		changed:   make(chan struct{}),
		completed: make(chan struct{}),
		baseCtx:   context.Background(),
	}
	r.writer.OnEmit(func(u message.UnifiedMessage) {
		r.record(Event{Kind: EventRecord, Record: &u})
	})
	return r
}

// SessionID identifies this bridge session in logs and the welcome record
func (r *Runner) SessionID() string { return r.sessionID }

// Service returns the underlying extension service
func (r *Runner) Service() *extension.Service { return r.svc }

// Events returns the session's resumable event log
func (r *Runner) Events() *EventBuffer { return r.events }

// OnEvent registers fn for every event appended to the session log
func (r *Runner) OnEvent(fn func(BufferedEvent)) host.Disposable {
	return r.observed.Event(fn)
}

func (r *Runner) record(ev Event) {
	idx := r.events.Append(ev)
	r.observed.Fire(BufferedEvent{Index: idx, Timestamp: time.Now(), Event: ev})
}

// Completed is closed the first time a task completes
func (r *Runner) Completed() <-chan struct{} { return r.completed }

// Start emits the welcome record, activates the extension and submits the
// initial prompt, if any.
func (r *Runner) Start(ctx context.Context) error {
	ctx = logger.WithSession(ctx, r.sessionID)
	r.mu.Lock()
	r.baseCtx = context.WithoutCancel(ctx)
	r.mu.Unlock()

	extID := r.opts.Activate.ExtensionID
	if extID == "" {
		extID = r.opts.Activate.BundlePath
	}
	r.appendCli(jsonio.Welcome(r.now(), r.sessionID, extID, r.opts.Instructions))
	if err := r.writer.Flush(); err != nil {
		return fmt.Errorf("writing welcome: %w", err)
	}
	if len(r.opts.Instructions) > 0 {
		logger.WarnContext(ctx, "bridge not configured", "instructions", r.opts.Instructions)
		return ErrConfiguration
	}

	// Subscribe before activation so the first state message is not missed.
	r.sub = r.svc.OnMessage(r.onExtensionMessage)

	if err := r.svc.Activate(ctx, r.opts.Activate); err != nil {
		r.sub.Dispose()
		r.appendCli(jsonio.SystemNotice(r.now(), message.CliError, err.Error()))
		_ = r.writer.Flush()
		return err
	}
	logger.InfoContext(ctx, "extension activated", "extension", r.svc.ExtensionID())

	if r.opts.ResumeTaskID != "" {
		if err := r.Resume(ctx, r.opts.ResumeTaskID); err != nil {
			return err
		}
	}
	if r.opts.Prompt != "" || len(r.opts.Images) > 0 {
		if err := r.Submit(ctx, r.opts.Prompt, r.opts.Images); err != nil {
			return fmt.Errorf("submitting initial prompt: %w", err)
		}
	}
	return nil
}

// Run starts the session and blocks until it ends: ctx is cancelled, the
// extension exits, the task completes (CI) or the command stream closes
// (interactive). The session is closed before Run returns.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		_ = r.Close(context.Background())
		return err
	}

	inputDone := make(chan error, 1)
	if r.opts.Input != nil {
		go func() {
			inputDone <- jsonio.ReadInbound(ctx, r.opts.Input, r.Handle)
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case <-r.svc.Done():
		runErr = r.svc.Err()
	case <-r.completed:
	case err := <-r.waitInput(inputDone):
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = err
		}
	}

	if err := r.Close(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// waitInput returns a channel that reports end of input, or blocks forever
// when the input stream should not end the session.
func (r *Runner) waitInput(done chan error) <-chan error {
	if r.opts.Input == nil || r.opts.CI {
		return nil
	}
	return done
}

// Close flushes pending output and disposes the extension service. It is
// safe to call more than once.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	if r.sub != nil {
		r.sub.Dispose()
	}
	werr := r.writer.Close()
	defer r.observed.Dispose()
	if err := r.svc.Dispose(ctx); err != nil {
		return err
	}
	return werr
}

// Handle applies one orchestrator command
func (r *Runner) Handle(ctx context.Context, in jsonio.Inbound) error {
	var err error
	switch in.Type {
	case jsonio.TypeNewTask:
		err = r.Submit(ctx, in.Text, in.Images)
	case jsonio.TypeAskResponse:
		err = r.Respond(ctx, in.AskResponse, in.Text, in.Images)
	default:
		err = fmt.Errorf("%w: %q", message.ErrUnknownType, in.Type)
	}
	if err != nil {
		r.appendCli(jsonio.SystemNotice(r.now(), message.CliError, err.Error()))
	}
	return err
}

// Submit starts a new task. Image paths that fail to load are reported as
// image_load_error records and skipped.
func (r *Runner) Submit(ctx context.Context, text string, imagePaths []string) error {
	images := r.loadImages(imagePaths)
	// completions older than this prompt belong to a previous task; wall
	// time, since the bridge clock may run ahead of the extension's
	r.detector.SetIgnoreBefore(time.Now().UnixMilli())
	// a new task is live output, not replayed history
	r.detector.SetResumed(false)
	r.appendCli(jsonio.UserInput(r.now(), text, len(images)))
	return r.send(ctx, message.WebviewMessage{Type: message.WebviewNewTask, Text: text, Images: images})
}

// Respond answers the open ask
func (r *Runner) Respond(ctx context.Context, response, text string, imagePaths []string) error {
	images := r.loadImages(imagePaths)
	if text != "" {
		r.appendCli(jsonio.UserInput(r.now(), text, len(images)))
	}
	return r.send(ctx, message.WebviewMessage{
		Type:        message.WebviewAskResponse,
		AskResponse: response,
		Text:        text,
		Images:      images,
	})
}

// Resume reopens taskID from history. The detector reports
// WaitingForInput until the extension posts a resume ask.
func (r *Runner) Resume(ctx context.Context, taskID string) error {
	if err := validation.ValidateTaskID(taskID); err != nil {
		return err
	}
	ctx = logger.WithTask(ctx, taskID)
	r.detector.SetResumed(true)
	r.detector.SetIgnoreBefore(time.Now().UnixMilli())
	if err := r.send(ctx, message.WebviewMessage{Type: message.WebviewShowTaskWithID, Text: taskID}); err != nil {
		r.detector.SetResumed(false)
		logger.WarnContext(ctx, "resume failed", "error", err)
		return err
	}
	logger.InfoContext(ctx, "task resumed")
	return nil
}

// SetMode switches the extension's mode
func (r *Runner) SetMode(ctx context.Context, mode string) error {
	if err := validation.ValidateModeSlug(mode); err != nil {
		return err
	}
	err := r.svc.SendMessage(ctx, message.WebviewMessage{Type: message.WebviewMode, Text: mode})
	audit.Record(audit.OpSetMode, r.sessionID, map[string]any{"mode": mode}, err)
	return err
}

func (r *Runner) send(ctx context.Context, msg message.WebviewMessage) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.inflight = true
	r.sentTail = tailKey(r.chat)
	r.mu.Unlock()

	err := r.svc.SendMessage(ctx, msg)
	audit.Record(auditOperation(msg.Type), r.sessionID, auditDetails(msg), err)
	if err != nil {
		r.mu.Lock()
		r.inflight = false
		r.mu.Unlock()
		return err
	}
	return nil
}

func auditOperation(t string) audit.Operation {
	switch t {
	case message.WebviewNewTask:
		return audit.OpNewTask
	case message.WebviewAskResponse:
		return audit.OpAskResponse
	case message.WebviewShowTaskWithID:
		return audit.OpResume
	}
	return audit.OpOther
}

// auditDetails describes msg without its text
func auditDetails(msg message.WebviewMessage) map[string]any {
	details := map[string]any{
		"type":     msg.Type,
		"text_len": len(msg.Text),
	}
	if len(msg.Images) > 0 {
		details["images"] = len(msg.Images)
	}
	if msg.AskResponse != "" {
		details["ask_response"] = msg.AskResponse
	}
	if msg.Type == message.WebviewShowTaskWithID {
		details["task_id"] = msg.Text
	}
	return details
}

func (r *Runner) loadImages(paths []string) []string {
	if len(paths) == 0 {
		return nil
	}
	images, failures := jsonio.LoadImages(paths)
	for _, f := range failures {
		logger.Warn("image %s not attached: %v", f.Path, f.Err)
		r.appendCli(jsonio.ImageLoadError(r.now(), f.Path, f.Err))
	}
	return images
}

// State returns the current agent-loop state
func (r *Runner) State() agentstate.State {
	return r.detector.State()
}

// LastMessage returns the newest chat message, or nil before the first one
func (r *Runner) LastMessage() *message.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.chat) == 0 {
		return nil
	}
	last := r.chat[len(r.chat)-1]
	return &last
}

// WaitSettled blocks until the last command has been processed and the
// loop is Idle or WaitingForInput. Pending output is flushed first, so the
// event log's last index covers every record of the settled state.
func (r *Runner) WaitSettled(ctx context.Context) (agentstate.State, error) {
	for {
		r.mu.Lock()
		state := r.detector.State()
		settled := !r.inflight && r.publishing == 0 && isSettled(state)
		changed := r.changed
		r.mu.Unlock()

		if settled {
			if err := r.writer.Flush(); err != nil {
				return state, fmt.Errorf("flushing output: %w", err)
			}
			return state, nil
		}
		select {
		case <-changed:
		case <-r.svc.Done():
			return r.detector.State(), extension.ErrExtensionExited
		case <-ctx.Done():
			return r.detector.State(), ctx.Err()
		}
	}
}

func isSettled(s agentstate.State) bool {
	return s == agentstate.Idle || s == agentstate.WaitingForInput
}

func (r *Runner) onExtensionMessage(msg message.ExtensionMessage) {
	switch msg.Type {
	case message.ExtensionModeChanged:
		r.appendCli(jsonio.ModeChanged(r.now(), msg.Text))
	case message.ExtensionState:
		msgs, ok := msg.ChatMessages()
		if !ok {
			return
		}
		r.onState(msgs)
	}
}

// published wakes WaitSettled once a state update's events are buffered
func (r *Runner) published() {
	r.mu.Lock()
	r.publishing--
	close(r.changed)
	r.changed = make(chan struct{})
	r.mu.Unlock()
}

func (r *Runner) onState(msgs []message.ChatMessage) {
	r.mu.Lock()
	r.chat = append([]message.ChatMessage(nil), msgs...)
	t := r.detector.Update(r.chat)
	if r.inflight && isSettled(t.To) && tailKey(r.chat) != r.sentTail {
		r.inflight = false
	}
	if t.TaskCompleted {
		r.inflight = false
	}
	autoAnswer := r.autoAnswerLocked()
	ctx := r.baseCtx
	r.publishing++
	err := r.offerLocked()
	r.mu.Unlock()
	defer r.published()

	if err != nil {
		logger.ErrorContext(ctx, "writing output", "error", err)
	}
	if t.Changed() {
		logger.DebugContext(ctx, "agent state changed", "from", t.From, "to", t.To)
		r.record(Event{Kind: EventState, From: t.From, To: t.To})
	}
	if t.TaskCompleted {
		text := ""
		if t.Completion != nil {
			text = t.Completion.Text
		}
		r.record(Event{Kind: EventCompleted, To: t.To, Text: text})
		if r.opts.CI {
			// the completion record must reach the consumer before Run returns
			_ = r.writer.Flush()
			r.completedOnce.Do(func() { close(r.completed) })
		}
	}
	if autoAnswer {
		go r.answerNonBlocking(ctx)
	}
}

// autoAnswerLocked reports whether the tail is a fresh non-blocking ask
func (r *Runner) autoAnswerLocked() bool {
	if len(r.chat) == 0 || r.detector.AwaitingResumeAsk() {
		return false
	}
	last := r.chat[len(r.chat)-1]
	if !last.IsAsk() || last.Partial || last.IsAnswered {
		return false
	}
	if agentstate.CategorizeAsk(last.Ask) != agentstate.AskNonBlocking {
		return false
	}
	if _, done := r.answered[last.TS]; done {
		return false
	}
	r.answered[last.TS] = struct{}{}
	return true
}

func (r *Runner) answerNonBlocking(ctx context.Context) {
	err := r.svc.SendMessage(ctx, message.WebviewMessage{Type: message.WebviewAskResponse, AskResponse: message.AskResponseYes})
	if err != nil && !errors.Is(err, extension.ErrNotActive) {
		logger.WarnContext(ctx, "auto-answer failed", "error", err)
	}
}

func (r *Runner) appendCli(m message.CliMessage) {
	r.mu.Lock()
	r.cli = append(r.cli, message.FromCli(m))
	err := r.offerLocked()
	r.mu.Unlock()

	if err != nil {
		logger.Error("writing output: %v", err)
	}
}

// offerLocked hands the writer the current merged log. Offering under r.mu
// keeps snapshots in order; the writer never calls back into the runner.
func (r *Runner) offerLocked() error {
	return r.writer.Offer(r.unifiedLocked())
}

// unifiedLocked merges bridge and extension records by timestamp; bridge
// records win ties. r.mu must be held.
func (r *Runner) unifiedLocked() []message.UnifiedMessage {
	log := make([]message.UnifiedMessage, 0, len(r.cli)+len(r.chat))
	log = append(log, r.cli...)
	for _, m := range r.chat {
		log = append(log, message.FromChat(m))
	}
	sort.SliceStable(log, func(i, j int) bool { return log[i].TS() < log[j].TS() })
	return log
}

// now returns a strictly increasing millisecond timestamp for bridge records
func (r *Runner) now() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts := time.Now().UnixMilli()
	if ts <= r.clock {
		ts = r.clock + 1
	}
	r.clock = ts
	return ts
}

// tailKey identifies the observable state of the newest chat message
func tailKey(msgs []message.ChatMessage) string {
	if len(msgs) == 0 {
		return ""
	}
	m := msgs[len(msgs)-1]
	return fmt.Sprintf("%d:%s:%d:%t:%t", m.TS, m.Subtype(), m.ContentLength(), m.Partial, m.IsAnswered)
}
