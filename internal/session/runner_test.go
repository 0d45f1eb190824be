package session

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/HyphaGroup/agentbridge/internal/agentstate"
	"github.com/HyphaGroup/agentbridge/internal/extension"
	"github.com/HyphaGroup/agentbridge/internal/host"
	"github.com/HyphaGroup/agentbridge/internal/jsonio"
	"github.com/HyphaGroup/agentbridge/internal/message"
)

// scriptedExt answers webview messages with a test-provided function
type scriptedExt struct {
	onMessage func(w extension.Webview, msg message.WebviewMessage) error
}

func (e *scriptedExt) Activate(_ context.Context, actx *extension.ActivationContext) (any, error) {
	w := actx.Webview
	actx.Subscriptions.Push(w.OnDidReceiveMessage(func(msg message.WebviewMessage) error {
		return e.onMessage(w, msg)
	}))
	return nil, nil
}

func (e *scriptedExt) Deactivate(context.Context) error { return nil }

func postLog(w extension.Webview, msgs ...message.ChatMessage) error {
	return w.PostMessage(message.ExtensionMessage{
		Type:  message.ExtensionState,
		State: &message.ExtensionStateSnapshot{ChatMessages: msgs},
	})
}

func init() {
	// command_output asks must be answered by the bridge, then the task completes
	extension.Register("session-test-command", func() extension.Extension {
		return &scriptedExt{onMessage: func(w extension.Webview, msg message.WebviewMessage) error {
			now := time.Now().UnixMilli()
			switch {
			case msg.Type == message.WebviewDidLaunch:
				return postLog(w)
			case msg.Type == message.WebviewNewTask:
				return postLog(w,
					message.ChatMessage{TS: now, Type: message.TypeSay, Say: message.SayText, Text: msg.Text},
					message.ChatMessage{TS: now + 1, Type: message.TypeAsk, Ask: message.AskCommandOutput, Text: "tail -f"},
				)
			case msg.Type == message.WebviewAskResponse && msg.AskResponse == message.AskResponseYes:
				return postLog(w,
					message.ChatMessage{TS: now, Type: message.TypeSay, Say: message.SayText, Text: "done"},
					message.ChatMessage{TS: now + 1, Type: message.TypeAsk, Ask: message.AskCompletionResult},
				)
			}
			return nil
		}}
	})

	// showTaskWithId replays a finished task, then posts the resume ask
	extension.Register("session-test-resume", func() extension.Extension {
		return &scriptedExt{onMessage: func(w extension.Webview, msg message.WebviewMessage) error {
			history := []message.ChatMessage{
				{TS: 1000, Type: message.TypeSay, Say: message.SayText, Text: "old task"},
				{TS: 1001, Type: message.TypeAsk, Ask: message.AskCompletionResult},
			}
			switch msg.Type {
			case message.WebviewDidLaunch:
				return postLog(w)
			case message.WebviewShowTaskWithID:
				if err := postLog(w, history...); err != nil {
					return err
				}
				resumed := append(history, message.ChatMessage{TS: time.Now().UnixMilli(), Type: message.TypeAsk, Ask: message.AskResumeCompletedTask})
				return postLog(w, resumed...)
			}
			return nil
		}}
	})
}

type record struct {
	Source    string         `json:"source"`
	Timestamp int64          `json:"timestamp"`
	Type      string         `json:"type"`
	Ask       string         `json:"ask"`
	Say       string         `json:"say"`
	Text      string         `json:"text"`
	Content   string         `json:"content"`
	Partial   bool           `json:"partial"`
	Metadata  map[string]any `json:"metadata"`
}

func parseRecords(t *testing.T, data []byte) ([]record, []string) {
	t.Helper()
	var recs []record
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		var r record
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			t.Fatalf("output line %q is not JSON: %v", scanner.Text(), err)
		}
		recs = append(recs, r)
		lines = append(lines, scanner.Text())
	}
	return recs, lines
}

func testOptions(t *testing.T, bundle string, out io.Writer) Options {
	return Options{
		Activate: extension.ActivateOptions{BundlePath: bundle, WorkspaceDir: t.TempDir()},
		Output:   out,
		Tick:     time.Millisecond,
	}
}

func runWithTimeout(t *testing.T, r *Runner) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := r.Run(ctx)
	if ctx.Err() != nil {
		t.Fatalf("Run() did not return before timeout")
	}
	return err
}

func TestRunner_CIExitsOnCompletion(t *testing.T) {
	var out bytes.Buffer
	opts := testOptions(t, "builtin:"+extension.LoopbackName, &out)
	opts.CI = true
	opts.Prompt = "hello"

	r := New(opts)
	if err := runWithTimeout(t, r); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	recs, lines := parseRecords(t, out.Bytes())
	if len(recs) == 0 {
		t.Fatal("no output records")
	}
	if recs[0].Type != message.CliWelcome || recs[0].Source != "cli" {
		t.Errorf("first record = %+v, want cli welcome", recs[0])
	}
	if jsonio.HasConfigurationError([]byte(lines[0])) {
		t.Error("HasConfigurationError(welcome) = true, want false")
	}

	seen := make(map[string]bool)
	var completion bool
	for _, rec := range recs {
		key := strings.Join([]string{rec.Source, rec.Type, rec.Ask, rec.Say, rec.Text, rec.Content}, "|")
		if rec.Partial {
			key += "|partial"
		}
		if seen[key] {
			t.Errorf("record emitted twice: %s", key)
		}
		seen[key] = true
		if rec.Source == "extension" && rec.Ask == string(message.AskCompletionResult) {
			completion = true
		}
	}
	if !completion {
		t.Errorf("output has no completion_result ask: %v", lines)
	}

	select {
	case <-r.Completed():
	default:
		t.Error("Completed() not closed after CI run")
	}
	if r.Service().IsActive() {
		t.Error("service still active after Run()")
	}
	if host.Current() != nil {
		t.Error("host still installed after Run()")
	}
}

func TestRunner_EventsMirrorOutput(t *testing.T) {
	var out bytes.Buffer
	opts := testOptions(t, "builtin:"+extension.LoopbackName, &out)
	opts.CI = true
	opts.Prompt = "hello"

	r := New(opts)
	if err := runWithTimeout(t, r); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	_, lines := parseRecords(t, out.Bytes())
	events, err := r.Events().After(-1)
	if err != nil {
		t.Fatalf("After(-1) error = %v", err)
	}

	var records, completed, states int
	for _, e := range events {
		switch e.Event.Kind {
		case EventRecord:
			records++
		case EventCompleted:
			completed++
		case EventState:
			states++
		}
	}
	if records != len(lines) {
		t.Errorf("record events = %d, want %d (one per output line)", records, len(lines))
	}
	if completed != 1 {
		t.Errorf("completed events = %d, want 1", completed)
	}
	if states == 0 {
		t.Error("no state transition events")
	}
	if events[0].Event.Record == nil || events[0].Event.Record.Cli == nil || events[0].Event.Record.Cli.Type != message.CliWelcome {
		t.Errorf("first event = %+v, want welcome record", events[0].Event)
	}
}

func TestRunner_ConfigurationError(t *testing.T) {
	var out bytes.Buffer
	opts := testOptions(t, "builtin:"+extension.LoopbackName, &out)
	opts.Instructions = []string{"set extension.bundle in agentbridge.jsonc"}

	err := runWithTimeout(t, New(opts))
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("Run() error = %v, want ErrConfiguration", err)
	}

	_, lines := parseRecords(t, out.Bytes())
	if len(lines) != 1 {
		t.Fatalf("output lines = %d, want 1", len(lines))
	}
	if !jsonio.HasConfigurationError([]byte(lines[0])) {
		t.Errorf("HasConfigurationError(%s) = false, want true", lines[0])
	}
	if extension.Active() != nil {
		t.Error("extension activated despite configuration error")
	}
}

func TestRunner_ActivationFailure(t *testing.T) {
	var out bytes.Buffer
	err := runWithTimeout(t, New(testOptions(t, "builtin:no-such-extension", &out)))

	var aerr *host.ActivationError
	if !errors.As(err, &aerr) {
		t.Fatalf("Run() error = %v, want *host.ActivationError", err)
	}

	recs, _ := parseRecords(t, out.Bytes())
	if len(recs) != 2 {
		t.Fatalf("records = %d, want welcome and error", len(recs))
	}
	if recs[1].Type != message.CliError {
		t.Errorf("second record type = %q, want %q", recs[1].Type, message.CliError)
	}
}

func TestRunner_StdinCommands(t *testing.T) {
	var out bytes.Buffer
	opts := testOptions(t, "builtin:"+extension.LoopbackName, &out)
	opts.Input = strings.NewReader(strings.Join([]string{
		`{"type":"newTask","text":"ask: which file?"}`,
		`not json`,
		`{"type":"askResponse","askResponse":"messageResponse","text":"main.go"}`,
	}, "\n") + "\n")

	// interactive mode ends when stdin closes
	if err := runWithTimeout(t, New(opts)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	recs, lines := parseRecords(t, out.Bytes())
	var followup, feedback bool
	for _, rec := range recs {
		if rec.Ask == string(message.AskFollowup) && rec.Text == "which file?" {
			followup = true
		}
		if rec.Say == string(message.SayUserFeedback) && rec.Text == "main.go" {
			feedback = true
		}
	}
	if !followup {
		t.Errorf("no followup ask in output: %v", lines)
	}
	if !feedback {
		t.Errorf("no user_feedback say in output: %v", lines)
	}
}

func TestRunner_AutoAnswersNonBlockingAsk(t *testing.T) {
	var out bytes.Buffer
	opts := testOptions(t, "builtin:session-test-command", &out)
	opts.CI = true
	opts.Prompt = "build"

	r := New(opts)
	if err := runWithTimeout(t, r); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	select {
	case <-r.Completed():
	default:
		t.Error("task did not complete: command_output ask was not answered")
	}
}

func TestRunner_ResumeGating(t *testing.T) {
	var out bytes.Buffer
	opts := testOptions(t, "builtin:session-test-resume", &out)
	opts.CI = true
	opts.ResumeTaskID = "task-1"

	r := New(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer r.Close(context.Background())

	state, err := r.WaitSettled(ctx)
	if err != nil {
		t.Fatalf("WaitSettled() error = %v", err)
	}
	if state != agentstate.WaitingForInput {
		t.Errorf("State() = %v, want %v", state, agentstate.WaitingForInput)
	}
	select {
	case <-r.Completed():
		t.Error("historical completion fired TaskCompleted")
	default:
	}

	events, _ := r.Events().After(-1)
	for _, e := range events {
		if e.Event.Kind == EventCompleted {
			t.Errorf("unexpected completed event %+v", e.Event)
		}
	}
	if last := r.LastMessage(); last == nil || last.Ask != message.AskResumeCompletedTask {
		t.Errorf("LastMessage() = %+v, want resume_completed_task ask", last)
	}
}

func TestRunner_NewTaskAfterResumeCompletes(t *testing.T) {
	// the extension never answers showTaskWithId, so only the new task can
	// lift resume gating
	var out bytes.Buffer
	opts := testOptions(t, "builtin:session-test-command", &out)
	opts.CI = true
	opts.ResumeTaskID = "task-1"
	opts.Prompt = "hello"

	r := New(opts)
	if err := runWithTimeout(t, r); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	select {
	case <-r.Completed():
	default:
		t.Error("Completed() not closed after the new task finished")
	}
}

func TestRunner_ResumeLoopbackTask(t *testing.T) {
	r := New(testOptions(t, "builtin:"+extension.LoopbackName, nil))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer r.Close(context.Background())

	if err := r.Submit(ctx, "first", nil); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, err := r.WaitSettled(ctx); err != nil {
		t.Fatalf("WaitSettled() error = %v", err)
	}
	status, err := r.Service().RequestStatus(ctx)
	if err != nil {
		t.Fatalf("RequestStatus() error = %v", err)
	}
	taskID := status.TaskID

	if err := r.Submit(ctx, "second", nil); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, err := r.WaitSettled(ctx); err != nil {
		t.Fatalf("WaitSettled() error = %v", err)
	}

	if err := r.Resume(ctx, taskID); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	state, err := r.WaitSettled(ctx)
	if err != nil {
		t.Fatalf("WaitSettled() error = %v", err)
	}
	if state != agentstate.WaitingForInput {
		t.Errorf("state after resume = %v, want %v", state, agentstate.WaitingForInput)
	}
	if last := r.LastMessage(); last == nil || last.Ask != message.AskResumeCompletedTask {
		t.Errorf("LastMessage() = %+v, want resume_completed_task ask", last)
	}
	if r.detector.AwaitingResumeAsk() {
		t.Error("resume gating still active after the resume ask")
	}

	if err := r.Resume(ctx, "no-such-task"); err == nil {
		t.Error("Resume() of unknown task error = nil")
	}
	if r.detector.AwaitingResumeAsk() {
		t.Error("failed resume left gating active")
	}
}

func TestRunner_WaitSettledAfterSubmit(t *testing.T) {
	r := New(testOptions(t, "builtin:"+extension.LoopbackName, nil))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer r.Close(context.Background())

	if err := r.Submit(ctx, "ask: proceed?", nil); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	state, err := r.WaitSettled(ctx)
	if err != nil {
		t.Fatalf("WaitSettled() error = %v", err)
	}
	if state != agentstate.WaitingForInput {
		t.Errorf("WaitSettled() = %v, want %v", state, agentstate.WaitingForInput)
	}

	if err := r.Respond(ctx, message.AskResponseMessage, "yes please", nil); err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if _, err := r.WaitSettled(ctx); err != nil {
		t.Fatalf("WaitSettled() error = %v", err)
	}
	if last := r.LastMessage(); last == nil || last.Ask != message.AskCompletionResult {
		t.Errorf("LastMessage() = %+v, want completion_result ask", last)
	}
}

func TestRunner_WaitSettledFlushesOutput(t *testing.T) {
	opts := testOptions(t, "builtin:"+extension.LoopbackName, nil)
	// nothing after the first record would be written without a flush
	opts.Tick = time.Hour
	r := New(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer r.Close(context.Background())

	if err := r.Submit(ctx, "hello", nil); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, err := r.WaitSettled(ctx); err != nil {
		t.Fatalf("WaitSettled() error = %v", err)
	}
	last := r.Events().LastIndex()

	events, err := r.Events().After(-1)
	if err != nil {
		t.Fatalf("After(-1) error = %v", err)
	}
	var sawCompletion bool
	for _, e := range events {
		if rec := e.Event.Record; rec != nil && rec.Chat != nil && rec.Chat.Ask == message.AskCompletionResult {
			sawCompletion = true
		}
	}
	if !sawCompletion {
		t.Error("completion_result record not buffered when WaitSettled returned")
	}
	if _, err := r.WaitSettled(ctx); err != nil {
		t.Fatalf("second WaitSettled() error = %v", err)
	}
	if got := r.Events().LastIndex(); got != last {
		t.Errorf("LastIndex() moved from %d to %d with no new activity", last, got)
	}
}

func TestRunner_ImageLoadErrorRecorded(t *testing.T) {
	var out bytes.Buffer
	opts := testOptions(t, "builtin:"+extension.LoopbackName, &out)
	opts.CI = true
	opts.Prompt = "look"
	opts.Images = []string{"/does/not/exist.png"}

	if err := runWithTimeout(t, New(opts)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	recs, _ := parseRecords(t, out.Bytes())
	var found bool
	for _, rec := range recs {
		if rec.Type == message.CliImageLoadError && rec.Metadata["path"] == "/does/not/exist.png" {
			found = true
		}
	}
	if !found {
		t.Error("no image_load_error record for missing image")
	}
}

func TestRunner_CommandsAfterClose(t *testing.T) {
	r := New(testOptions(t, "builtin:"+extension.LoopbackName, nil))
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := r.Close(context.Background()); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := r.Submit(context.Background(), "late", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Submit() after Close error = %v, want ErrClosed", err)
	}
}
