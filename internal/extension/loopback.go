package extension

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/HyphaGroup/agentbridge/internal/host"
	"github.com/HyphaGroup/agentbridge/internal/message"
)

// LoopbackName is the builtin scripted extension, useful for wiring checks
// without a real agent: it echoes each task back and asks for completion.
// A task starting with "ask:" ends in a followup question instead.
// showTaskWithId replays a task from this session (or its history entry)
// and ends with a resume ask.
const LoopbackName = "loopback"

const loopbackHistoryKey = "taskHistory"

func init() {
	Register(LoopbackName, func() Extension { return &loopback{mode: "code"} })
}

type loopback struct {
	mu     sync.Mutex
	actx   *ActivationContext
	log    []message.ChatMessage
	taskID string
	tasks  map[string][]message.ChatMessage
	mode   string
	clock  int64
	output *host.OutputChannel
	status *host.StatusBarItem
}

func (l *loopback) Requires() []string {
	return []string{host.APIGlobalState, host.APIOutputChannel, host.APIStatusBarItem, host.APIRegisterCommand}
}

func (l *loopback) Activate(_ context.Context, actx *ActivationContext) (any, error) {
	l.actx = actx
	l.output = actx.Host.CreateOutputChannel("Loopback")
	l.status = actx.Host.CreateStatusBarItem("loopback.status")
	l.status.SetText("idle")
	l.status.Show()

	clearCmd, err := actx.Host.RegisterCommand("loopback.clearTask", func(context.Context, ...any) (any, error) {
		return nil, l.handle(message.WebviewMessage{Type: message.WebviewClearTask})
	})
	if err != nil {
		return nil, err
	}
	actx.Subscriptions.Push(clearCmd, actx.Webview.OnDidReceiveMessage(l.handle))
	l.output.AppendLine("loopback activated")
	return l, nil
}

func (l *loopback) Deactivate(context.Context) error {
	l.output.AppendLine("loopback deactivated")
	return nil
}

func (l *loopback) handle(msg message.WebviewMessage) error {
	switch msg.Type {
	case message.WebviewDidLaunch:
		return l.postState()
	case message.WebviewNewTask:
		return l.startTask(msg.Text)
	case message.WebviewAskResponse:
		return l.answer(msg)
	case message.WebviewShowTaskWithID:
		return l.showTask(msg.Text)
	case message.WebviewClearTask, message.WebviewCancelTask:
		l.mu.Lock()
		l.saveLocked()
		l.log = nil
		l.taskID = ""
		l.mu.Unlock()
		l.status.SetText("idle")
		return l.postState()
	case message.WebviewMode:
		l.mu.Lock()
		l.mode = msg.Text
		l.mu.Unlock()
		if err := l.post(message.ExtensionMessage{Type: message.ExtensionModeChanged, Text: msg.Text}); err != nil {
			return err
		}
		return l.postState()
	case message.WebviewTaskHistoryRequest:
		return l.history(msg)
	case message.WebviewCondenseRequest:
		return l.condense(msg)
	case message.WebviewStatusRequest:
		l.mu.Lock()
		st := Status{TaskID: l.taskID, Mode: l.mode}
		l.mu.Unlock()
		payload, _ := json.Marshal(st)
		return l.post(message.ExtensionMessage{Type: message.ExtensionStatusResponse, RequestID: msg.RequestID, Payload: payload})
	}
	return nil
}

func (l *loopback) now() int64 {
	ts := time.Now().UnixMilli()
	if ts <= l.clock {
		ts = l.clock + 1
	}
	l.clock = ts
	return ts
}

// appendLocked adds a message and returns its index; l.mu must be held
func (l *loopback) appendLocked(m message.ChatMessage) int {
	m.TS = l.now()
	l.log = append(l.log, m)
	return len(l.log) - 1
}

func (l *loopback) startTask(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("empty task")
	}
	l.mu.Lock()
	l.saveLocked()
	l.taskID = uuid.New().String()
	l.log = nil
	l.appendLocked(message.ChatMessage{Type: message.TypeSay, Say: message.SayText, Text: text})
	taskID, ts, mode := l.taskID, l.log[0].TS, l.mode
	l.mu.Unlock()

	l.output.AppendLine("task " + taskID + " started")
	l.status.SetText("running")
	if err := l.recordHistory(HistoryItem{ID: taskID, TS: ts, Task: text, Mode: mode}); err != nil {
		return err
	}
	return l.reply(text)
}

// reply streams an echo of text, then asks the user to accept or answer
func (l *loopback) reply(text string) error {
	question, isQuestion := strings.CutPrefix(text, "ask:")
	echo := "Echo: " + text
	runes := []rune(echo)

	l.mu.Lock()
	req := l.appendLocked(message.ChatMessage{Type: message.TypeSay, Say: message.SayAPIReqStarted, Text: `{"request":"loopback"}`})
	l.mu.Unlock()
	if err := l.postState(); err != nil {
		return err
	}

	l.mu.Lock()
	l.log[req].Text = `{"request":"loopback","cost":0}`
	stream := l.appendLocked(message.ChatMessage{Type: message.TypeSay, Say: message.SayText, Text: string(runes[:len(runes)/2]), Partial: true})
	l.mu.Unlock()
	if err := l.postState(); err != nil {
		return err
	}

	l.mu.Lock()
	l.log[stream].Text = echo
	l.log[stream].Partial = false
	if isQuestion {
		l.appendLocked(message.ChatMessage{Type: message.TypeAsk, Ask: message.AskFollowup, Text: strings.TrimSpace(question)})
	} else {
		l.appendLocked(message.ChatMessage{Type: message.TypeSay, Say: message.SayCompletionResult, Text: echo})
		l.appendLocked(message.ChatMessage{Type: message.TypeAsk, Ask: message.AskCompletionResult})
	}
	l.mu.Unlock()
	l.status.SetText("waiting")
	return l.postState()
}

func (l *loopback) answer(msg message.WebviewMessage) error {
	l.mu.Lock()
	last := -1
	for i := len(l.log) - 1; i >= 0; i-- {
		if l.log[i].IsAsk() && !l.log[i].IsAnswered {
			last = i
			break
		}
	}
	if last < 0 {
		l.mu.Unlock()
		return fmt.Errorf("no open question to answer")
	}
	l.log[last].IsAnswered = true
	ask := l.log[last].Ask
	l.mu.Unlock()

	resumeAsk := ask == message.AskResumeTask || ask == message.AskResumeCompletedTask
	switch {
	case msg.AskResponse == message.AskResponseYes && resumeAsk:
		return l.reply("resumed")
	case msg.AskResponse == message.AskResponseYes && ask == message.AskCompletionResult:
		l.status.SetText("idle")
		return l.postState()
	case msg.AskResponse == message.AskResponseMessage && msg.Text != "":
		l.mu.Lock()
		l.appendLocked(message.ChatMessage{Type: message.TypeSay, Say: message.SayUserFeedback, Text: msg.Text, Images: msg.Images})
		l.mu.Unlock()
		return l.reply(msg.Text)
	default:
		return l.reply("declined")
	}
}

// saveLocked keeps the current task's log for showTaskWithId; l.mu must be held
func (l *loopback) saveLocked() {
	if l.taskID == "" {
		return
	}
	if l.tasks == nil {
		l.tasks = make(map[string][]message.ChatMessage)
	}
	l.tasks[l.taskID] = append([]message.ChatMessage(nil), l.log...)
}

// showTask reopens id. Its open asks are replayed as answered and the log
// ends in resume_completed_task when it had finished, resume_task otherwise.
func (l *loopback) showTask(id string) error {
	var items []HistoryItem
	if _, err := l.actx.GlobalState.Get(loopbackHistoryKey, &items); err != nil {
		return err
	}
	var item *HistoryItem
	for i := range items {
		if items[i].ID == id {
			item = &items[i]
			break
		}
	}
	if item == nil {
		return fmt.Errorf("task %s not found", id)
	}

	l.mu.Lock()
	l.saveLocked()
	saved, ok := l.tasks[id]
	if !ok {
		// from an earlier session: only the prompt survives
		saved = []message.ChatMessage{{TS: item.TS, Type: message.TypeSay, Say: message.SayText, Text: item.Task}}
	}
	ask := message.AskResumeTask
	if n := len(saved); n > 0 && saved[n-1].IsAsk() && saved[n-1].Ask == message.AskCompletionResult {
		ask = message.AskResumeCompletedTask
	}
	l.log = make([]message.ChatMessage, 0, len(saved)+1)
	for _, m := range saved {
		if m.IsAsk() {
			m.IsAnswered = true
		}
		l.log = append(l.log, m)
	}
	l.taskID = id
	l.appendLocked(message.ChatMessage{Type: message.TypeAsk, Ask: ask})
	l.mu.Unlock()

	l.output.AppendLine("task " + id + " resumed")
	l.status.SetText("waiting")
	return l.postState()
}

func (l *loopback) recordHistory(item HistoryItem) error {
	var items []HistoryItem
	if _, err := l.actx.GlobalState.Get(loopbackHistoryKey, &items); err != nil {
		return err
	}
	item.Number = len(items) + 1
	items = append(items, item)
	return l.actx.GlobalState.Update(loopbackHistoryKey, items)
}

func (l *loopback) history(msg message.WebviewMessage) error {
	var q HistoryQuery
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &q); err != nil {
			return l.post(message.ExtensionMessage{Type: message.ExtensionTaskHistoryResponse, RequestID: msg.RequestID, Error: err.Error()})
		}
	}
	if q.PageSize <= 0 {
		q.PageSize = 20
	}
	if q.Page <= 0 {
		q.Page = 1
	}

	var items []HistoryItem
	if _, err := l.actx.GlobalState.Get(loopbackHistoryKey, &items); err != nil {
		return err
	}
	filtered := items[:0:0]
	for _, it := range items {
		if q.Search == "" || strings.Contains(strings.ToLower(it.Task), strings.ToLower(q.Search)) {
			filtered = append(filtered, it)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool { return filtered[i].TS > filtered[j].TS })

	page := HistoryPage{Page: q.Page, Total: len(filtered), PageCount: (len(filtered) + q.PageSize - 1) / q.PageSize}
	start := (q.Page - 1) * q.PageSize
	if start < len(filtered) {
		end := min(start+q.PageSize, len(filtered))
		page.Items = filtered[start:end]
	}
	payload, err := json.Marshal(page)
	if err != nil {
		return err
	}
	return l.post(message.ExtensionMessage{Type: message.ExtensionTaskHistoryResponse, RequestID: msg.RequestID, Payload: payload})
}

func (l *loopback) condense(msg message.WebviewMessage) error {
	l.mu.Lock()
	current := l.taskID
	found := current != "" && msg.Text == current
	if found {
		l.appendLocked(message.ChatMessage{Type: message.TypeSay, Say: message.SayCondenseContext, Text: "context condensed"})
	}
	l.mu.Unlock()

	if !found {
		return l.post(message.ExtensionMessage{Type: message.ExtensionCondenseResponse, RequestID: msg.RequestID, Text: msg.Text, Error: "task not found"})
	}
	if err := l.postState(); err != nil {
		return err
	}
	return l.post(message.ExtensionMessage{Type: message.ExtensionCondenseResponse, RequestID: msg.RequestID, Text: msg.Text})
}

func (l *loopback) postState() error {
	l.mu.Lock()
	snapshot := &message.ExtensionStateSnapshot{
		ChatMessages: append([]message.ChatMessage(nil), l.log...),
		CurrentTask:  l.taskID,
		Mode:         l.mode,
	}
	l.mu.Unlock()
	if snapshot.ChatMessages == nil {
		snapshot.ChatMessages = []message.ChatMessage{}
	}
	return l.post(message.ExtensionMessage{Type: message.ExtensionState, State: snapshot})
}

// post sends outside l.mu so subscribers may answer synchronously
func (l *loopback) post(msg message.ExtensionMessage) error {
	return l.actx.Webview.PostMessage(msg)
}
