package extension

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/HyphaGroup/agentbridge/internal/host"
	"github.com/HyphaGroup/agentbridge/internal/host/statestore"
	"github.com/HyphaGroup/agentbridge/internal/message"
)

const helperEnv = "AGENTBRIDGE_TEST_EXTENSION"

// TestMain lets the test binary double as a process extension
func TestMain(m *testing.M) {
	if mode := os.Getenv(helperEnv); mode != "" {
		runHelperExtension(mode)
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func runHelperExtension(mode string) {
	enc := json.NewEncoder(os.Stdout)
	post := func(m message.ExtensionMessage) {
		data, _ := json.Marshal(m)
		_ = enc.Encode(Frame{Kind: FramePost, Message: data})
	}
	postState := func(msgs ...message.ChatMessage) {
		if msgs == nil {
			msgs = []message.ChatMessage{}
		}
		post(message.ExtensionMessage{Type: message.ExtensionState, State: &message.ExtensionStateSnapshot{ChatMessages: msgs}})
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		var f Frame
		if err := json.Unmarshal(scanner.Bytes(), &f); err != nil {
			continue
		}
		switch f.Kind {
		case FrameActivate:
			fmt.Fprintln(os.Stderr, "helper activating")
			fmt.Println("this line is not a frame")
			if mode == "fail" {
				_ = enc.Encode(Frame{Kind: FrameActivated, ID: f.ID, Error: "boom"})
				continue
			}
			requires := []string{host.APIGlobalState}
			if mode == "missing" {
				requires = append(requires, "languages.registerInlineCompletionItemProvider")
			}
			runs := 0
			_ = json.Unmarshal(f.Context.GlobalState["runs"], &runs)
			_ = enc.Encode(Frame{Kind: FrameState, Scope: statestore.ScopeGlobal, Key: "runs", Value: json.RawMessage(fmt.Sprint(runs + 1))})
			_ = enc.Encode(Frame{Kind: FrameLog, Level: "info", Text: "activated"})
			_ = enc.Encode(Frame{Kind: FrameActivated, ID: f.ID, Requires: requires})
		case FrameMessage:
			var m message.WebviewMessage
			if err := json.Unmarshal(f.Message, &m); err != nil {
				continue
			}
			switch m.Type {
			case message.WebviewDidLaunch:
				postState()
			case message.WebviewNewTask:
				postState(
					message.ChatMessage{TS: 1, Type: message.TypeSay, Say: message.SayText, Text: m.Text},
					message.ChatMessage{TS: 2, Type: message.TypeAsk, Ask: message.AskCompletionResult},
				)
			case message.WebviewStatusRequest:
				post(message.ExtensionMessage{Type: message.ExtensionStatusResponse, RequestID: m.RequestID, Payload: json.RawMessage(`{"taskId":"t1","busy":true}`)})
			case "watch":
				_ = enc.Encode(Frame{Kind: FrameWatch, ID: "w1", Text: m.Text})
			case "crash":
				os.Exit(3)
			}
		case FrameFileEvent:
			postState(message.ChatMessage{TS: 3, Type: message.TypeSay, Say: message.SayText, Text: f.Scope + " " + f.Text + f.Error})
		case FrameDeactivate:
			return
		}
	}
}

func activateHelper(t *testing.T, mode string, store statestore.Store) (*Service, error) {
	t.Helper()
	s := NewService(WithStore(store), WithTimeouts(Timeouts{Activation: 10 * time.Second}))
	err := s.Activate(context.Background(), ActivateOptions{
		BundlePath:   os.Args[0],
		Env:          []string{helperEnv + "=" + mode},
		WorkspaceDir: t.TempDir(),
	})
	t.Cleanup(func() { _ = s.Dispose(context.Background()) })
	return s, err
}

func TestProcessExtension_Lifecycle(t *testing.T) {
	store := statestore.NewMemoryStore()
	s, err := activateHelper(t, "ok", store)
	if err != nil {
		t.Fatalf("Activate() error = %v", err)
	}

	select {
	case <-s.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("webview never became ready")
	}
	if api, ok := s.API().(ProcessAPI); !ok || api.PID <= 0 {
		t.Errorf("API() = %#v, want ProcessAPI with pid", s.API())
	}

	raw, ok, _ := store.Get(context.Background(), statestore.ScopeGlobal, "runs")
	if !ok || string(raw) != "1" {
		t.Errorf("globalState runs = %s (ok %v), want 1", raw, ok)
	}

	status, err := s.RequestStatus(context.Background())
	if err != nil {
		t.Fatalf("RequestStatus() error = %v", err)
	}
	if status.TaskID != "t1" || !status.Busy {
		t.Errorf("status = %+v", status)
	}

	got := make(chan []message.ChatMessage, 4)
	s.OnMessage(func(m message.ExtensionMessage) {
		if msgs, ok := m.ChatMessages(); ok {
			got <- msgs
		}
	})
	if err := s.SendMessage(context.Background(), message.WebviewMessage{Type: message.WebviewNewTask, Text: "hi"}); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	select {
	case msgs := <-got:
		if len(msgs) != 2 || msgs[0].Text != "hi" {
			t.Errorf("state = %+v", msgs)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no state after newTask")
	}

	if err := s.Dispose(context.Background()); err != nil {
		t.Errorf("Dispose() error = %v", err)
	}
	select {
	case <-s.Done():
	default:
		t.Error("Done() not closed after Dispose()")
	}
}

func TestProcessExtension_ActivationFailures(t *testing.T) {
	tests := []struct {
		mode        string
		wantMissing bool
	}{
		{"fail", false},
		{"missing", true},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			_, err := activateHelper(t, tt.mode, statestore.NewMemoryStore())
			var aerr *host.ActivationError
			if !errors.As(err, &aerr) {
				t.Fatalf("Activate() error = %v, want *ActivationError", err)
			}
			if got := len(aerr.Missing) > 0; got != tt.wantMissing {
				t.Errorf("Missing = %v, wantMissing %v", aerr.Missing, tt.wantMissing)
			}
			if host.Current() != nil || Active() != nil {
				t.Error("failed activation left process state behind")
			}
		})
	}
}

func TestProcessExtension_UnexpectedExit(t *testing.T) {
	s, err := activateHelper(t, "ok", statestore.NewMemoryStore())
	if err != nil {
		t.Fatalf("Activate() error = %v", err)
	}

	_ = s.SendMessage(context.Background(), message.WebviewMessage{Type: "crash"})

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done() not closed after extension exit")
	}
	if !errors.Is(s.Err(), ErrExtensionExited) {
		t.Errorf("Err() = %v, want ErrExtensionExited", s.Err())
	}
	if _, err := s.RequestStatus(context.Background()); err == nil {
		t.Error("RequestStatus() after exit error = nil")
	}
}

func TestProcessExtension_Watch(t *testing.T) {
	s, err := activateHelper(t, "ok", statestore.NewMemoryStore())
	if err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	workspace := host.Current().WorkspaceFolders()[0].FsPath()

	got := make(chan string, 16)
	s.OnMessage(func(m message.ExtensionMessage) {
		if msgs, ok := m.ChatMessages(); ok && len(msgs) == 1 {
			got <- msgs[0].Text
		}
	})
	if err := s.SendMessage(context.Background(), message.WebviewMessage{Type: "watch", Text: "*.txt"}); err != nil {
		t.Fatalf("SendMessage(watch) error = %v", err)
	}

	// the watcher starts asynchronously; keep touching the file until it reports
	target := filepath.Join(workspace, "a.txt")
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case text := <-got:
			if !strings.Contains(text, "a.txt") {
				t.Errorf("file event = %q, want a.txt", text)
			}
			return
		case <-tick.C:
			_ = os.WriteFile(target, []byte(time.Now().String()), 0o644)
		case <-deadline:
			t.Fatal("no fileEvent frame within 5s")
		}
	}
}

type discardCloser struct{ io.Writer }

func (discardCloser) Close() error { return nil }

func TestProcessExtension_WatchChurnKeepsSubscriptions(t *testing.T) {
	h := host.New(host.Options{ExtensionID: "ext", WorkspaceDir: t.TempDir()})
	defer h.Uninstall()
	actx := &ActivationContext{ExtensionContext: h.NewExtensionContext()}
	p := &ProcessExtension{
		watchers: make(map[string]*host.FileSystemWatcher),
		done:     make(chan struct{}),
		stdin:    discardCloser{io.Discard},
	}
	p.bind(actx)
	base := actx.Subscriptions.Len()

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("w%d", i)
		p.watch(Frame{Kind: FrameWatch, ID: id, Text: "*.txt"})
		p.unwatch(id)
	}
	p.watch(Frame{Kind: FrameWatch, ID: "live", Text: "*.txt"})
	p.watch(Frame{Kind: FrameWatch, ID: "live", Text: "*.md"})

	if got := actx.Subscriptions.Len(); got != base {
		t.Errorf("Subscriptions.Len() = %d, want %d", got, base)
	}
	p.watchMu.Lock()
	live := len(p.watchers)
	p.watchMu.Unlock()
	if live != 1 {
		t.Errorf("live watchers = %d, want 1", live)
	}

	actx.Subscriptions.Dispose()
	p.watchMu.Lock()
	live = len(p.watchers)
	p.watchMu.Unlock()
	if live != 0 {
		t.Errorf("live watchers after dispose = %d, want 0", live)
	}
}
