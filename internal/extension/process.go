// Package extension owns the lifecycle of one headlessly activated extension.
//
// process.go - Child-process extensions
//
// This file contains:
// - ProcessExtension, an Extension backed by an executable
// - The NDJSON host protocol frames exchanged over stdin/stdout
// - The stdout reader that dispatches posts, state writes and log lines
// - watch/unwatch frames backed by the host's file system watcher
//
// The child receives an activate frame carrying a snapshot of its state and
// the emulated API list, and must answer with an activated frame naming the
// APIs it requires. Lines that fail to parse are logged and dropped.

package extension

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/HyphaGroup/agentbridge/internal/host"
	"github.com/HyphaGroup/agentbridge/internal/logger"
	"github.com/HyphaGroup/agentbridge/internal/message"
	"github.com/HyphaGroup/agentbridge/internal/metrics"
	"github.com/HyphaGroup/agentbridge/internal/pending"
)

// Frame kinds
const (
	FrameActivate   = "activate"
	FrameMessage    = "message"
	FrameDeactivate = "deactivate"
	FrameActivated  = "activated"
	FramePost       = "post"
	FrameState      = "state"
	FrameLog        = "log"
	FrameWatch      = "watch"
	FrameUnwatch    = "unwatch"
	FrameFileEvent  = "fileEvent"
)

const maxFrameSize = 1024 * 1024

// Frame is one line of the host protocol
type Frame struct {
	Kind     string          `json:"kind"`
	ID       string          `json:"id,omitempty"`
	Context  *WireContext    `json:"context,omitempty"`
	Message  json.RawMessage `json:"message,omitempty"`
	Requires []string        `json:"requires,omitempty"`
	Error    string          `json:"error,omitempty"`
	Scope    string          `json:"scope,omitempty"`
	Key      string          `json:"key,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
	Level    string          `json:"level,omitempty"`
	Text     string          `json:"text,omitempty"`
}

// WireContext is the activation context sent to a child process
type WireContext struct {
	ExtensionPath    string                     `json:"extensionPath"`
	GlobalStorageURI string                     `json:"globalStorageUri"`
	WorkspaceFolders []string                   `json:"workspaceFolders,omitempty"`
	ExtensionMode    string                     `json:"extensionMode"`
	GlobalState      map[string]json.RawMessage `json:"globalState"`
	WorkspaceState   map[string]json.RawMessage `json:"workspaceState"`
	APIs             []string                   `json:"apis"`
}

// ProcessAPI is the activation result of a process extension
type ProcessAPI struct {
	PID int
}

// ProcessExtension runs an extension bundle as a child process
type ProcessExtension struct {
	path string
	args []string
	env  []string

	acks *pending.Registry[Frame]
	actx *ActivationContext

	writeMu sync.Mutex
	stdin   io.WriteCloser

	watchMu  sync.Mutex
	watchers map[string]*host.FileSystemWatcher

	mu          sync.Mutex
	cmd         *exec.Cmd
	exitErr     error
	deactivated bool
	done        chan struct{}
}

var _ Extension = (*ProcessExtension)(nil)
var _ Terminator = (*ProcessExtension)(nil)

// NewProcessExtension checks that path is executable. The process starts on Activate.
func NewProcessExtension(path string, args, env []string, activationTimeout time.Duration) (*ProcessExtension, error) {
	resolved, err := exec.LookPath(path)
	if err != nil {
		return nil, fmt.Errorf("extension bundle %s: %w", path, err)
	}
	return &ProcessExtension{
		path:     resolved,
		args:     args,
		env:      env,
		acks:     pending.New[Frame]("activation", activationTimeout),
		watchers: make(map[string]*host.FileSystemWatcher),
		done:     make(chan struct{}),
	}, nil
}

// Activate starts the process, sends the activate frame and waits for the ack
func (p *ProcessExtension) Activate(ctx context.Context, actx *ActivationContext) (any, error) {
	cmd := exec.Command(p.path, p.args...)
	cmd.Dir = actx.ExtensionPath
	cmd.Env = append(os.Environ(), p.env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	p.bind(actx)
	p.stdin = stdin
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", p.path, err)
	}
	p.mu.Lock()
	p.cmd = cmd
	p.mu.Unlock()
	logger.Info("Started extension process %s (pid %d)", p.path, cmd.Process.Pid)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		p.readFrames(stdout)
	}()
	go func() {
		defer readers.Done()
		p.readStderr(stderr)
	}()
	go p.wait(cmd, &readers)

	id := p.acks.NewID()
	req, err := p.acks.Register(id, 0)
	if err != nil {
		return nil, err
	}
	if err := p.writeFrame(Frame{Kind: FrameActivate, ID: id, Context: p.wireContext(actx)}); err != nil {
		p.acks.Reject(id, err)
	}
	ack, err := req.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("waiting for activation: %w", err)
	}
	if ack.Error != "" {
		return nil, fmt.Errorf("activation hook failed: %s", ack.Error)
	}
	if err := actx.Host.Require(ack.Requires...); err != nil {
		return nil, err
	}

	actx.Subscriptions.Push(actx.Webview.OnDidReceiveMessage(p.sendMessage))
	return ProcessAPI{PID: cmd.Process.Pid}, nil
}

func (p *ProcessExtension) wireContext(actx *ActivationContext) *WireContext {
	wc := &WireContext{
		ExtensionPath:    actx.ExtensionPath,
		GlobalStorageURI: actx.GlobalStorageUri.String(),
		ExtensionMode:    string(actx.ExtensionMode),
		GlobalState:      snapshot(actx.GlobalState),
		WorkspaceState:   snapshot(actx.WorkspaceState),
		APIs:             host.SupportedAPIs(),
	}
	for _, folder := range actx.Host.WorkspaceFolders() {
		wc.WorkspaceFolders = append(wc.WorkspaceFolders, folder.String())
	}
	return wc
}

func snapshot(m *host.Memento) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage)
	for _, k := range m.Keys() {
		if v, ok := m.GetRaw(k); ok {
			out[k] = v
		}
	}
	return out
}

// wait reaps the process once both pipes are drained
func (p *ProcessExtension) wait(cmd *exec.Cmd, readers *sync.WaitGroup) {
	readers.Wait()
	err := cmd.Wait()

	p.mu.Lock()
	p.exitErr = err
	deactivated := p.deactivated
	p.mu.Unlock()

	if !deactivated {
		logger.Error("Extension process %d exited unexpectedly: %v", cmd.Process.Pid, err)
	}
	cause := ErrExtensionExited
	if err != nil {
		cause = fmt.Errorf("%w: %v", ErrExtensionExited, err)
	}
	p.acks.RejectAll(cause)
	close(p.done)
}

// Done is closed when the process has exited
func (p *ProcessExtension) Done() <-chan struct{} { return p.done }

// Err returns the process exit error, if any
func (p *ProcessExtension) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Deactivate asks the process to exit and kills it if it does not
func (p *ProcessExtension) Deactivate(ctx context.Context) error {
	p.mu.Lock()
	cmd := p.cmd
	if cmd == nil || p.deactivated {
		p.mu.Unlock()
		return nil
	}
	p.deactivated = true
	p.mu.Unlock()

	defer p.acks.Close(ErrExtensionExited)

	_ = p.writeFrame(Frame{Kind: FrameDeactivate})
	_ = p.stdin.Close()

	grace := time.NewTimer(5 * time.Second)
	defer grace.Stop()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
	case <-grace.C:
	}
	_ = cmd.Process.Kill()
	<-p.done
	return fmt.Errorf("extension process %d did not exit, killed", cmd.Process.Pid)
}

func (p *ProcessExtension) sendMessage(msg message.WebviewMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return p.writeFrame(Frame{Kind: FrameMessage, Message: data})
}

func (p *ProcessExtension) writeFrame(f Frame) error {
	select {
	case <-p.done:
		return ErrExtensionExited
	default:
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	data = append(data, '\n')

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write to stdin: %w", err)
	}
	return nil
}

// readFrames reads NDJSON frames from the child's stdout
func (p *ProcessExtension) readFrames(r io.Reader) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, maxFrameSize)
	scanner.Buffer(buf, maxFrameSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var f Frame
		if err := json.Unmarshal(line, &f); err != nil {
			p.dropLine(line, err)
			continue
		}
		p.handleFrame(f, line)
	}
	if err := scanner.Err(); err != nil {
		logger.Error("Extension stdout read error: %v", err)
	}
}

func (p *ProcessExtension) dropLine(line []byte, cause error) {
	metrics.RecordParseError("extension")
	perr := &message.ParseError{Source: "extension", Line: string(line), Cause: cause}
	logger.Warn("Dropping extension line: %v", perr)
}

func (p *ProcessExtension) handleFrame(f Frame, line []byte) {
	switch f.Kind {
	case FrameActivated:
		if !p.acks.Resolve(f.ID, f) {
			logger.Warn("Unexpected activation ack %q", f.ID)
		}
	case FramePost:
		msg, err := message.DecodeExtensionMessage("extension", f.Message)
		if err != nil {
			metrics.RecordParseError("extension")
			logger.Warn("Dropping extension post: %v", err)
			return
		}
		if err := p.actx.Webview.PostMessage(msg); err != nil {
			logger.Debug("Extension post %s not delivered: %v", msg.Type, err)
		}
	case FrameState:
		p.applyState(f)
	case FrameWatch:
		p.watch(f)
	case FrameUnwatch:
		p.unwatch(f.ID)
	case FrameLog:
		switch f.Level {
		case "error":
			logger.Error("[extension] %s", f.Text)
		case "warn":
			logger.Warn("[extension] %s", f.Text)
		case "debug":
			logger.Debug("[extension] %s", f.Text)
		default:
			logger.Info("[extension] %s", f.Text)
		}
	default:
		p.dropLine(line, fmt.Errorf("%w: frame kind %q", message.ErrUnknownType, f.Kind))
	}
}

func (p *ProcessExtension) applyState(f Frame) {
	m, ok := p.actx.Memento(f.Scope)
	if !ok {
		logger.Warn("Extension wrote unknown state scope %q", f.Scope)
		return
	}
	var err error
	if len(f.Value) == 0 {
		err = m.Update(f.Key, nil)
	} else {
		err = m.Update(f.Key, f.Value)
	}
	if err != nil {
		logger.Error("Failed to persist %s/%s: %v", f.Scope, f.Key, err)
	}
}

// watch starts a file system watcher for the glob in f.Text and streams
// its events back as fileEvent frames tagged with f.ID. A failure is
// reported as a single fileEvent frame carrying the error.
func (p *ProcessExtension) watch(f Frame) {
	if f.ID == "" {
		logger.Warn("Ignoring watch frame without id")
		return
	}
	fw, err := p.actx.Host.CreateFileSystemWatcher(f.Text)
	if err != nil {
		logger.Warn("Extension watch %q failed: %v", f.Text, err)
		_ = p.writeFrame(Frame{Kind: FrameFileEvent, ID: f.ID, Error: err.Error()})
		return
	}

	p.watchMu.Lock()
	if old, ok := p.watchers[f.ID]; ok {
		old.Dispose()
	}
	p.watchers[f.ID] = fw
	p.watchMu.Unlock()

	id := f.ID
	fw.OnDidChange(func(ev host.FileEvent) {
		_ = p.writeFrame(Frame{Kind: FrameFileEvent, ID: id, Scope: string(ev.Change), Text: ev.Uri.String()})
	})
}

// bind attaches the activation context. Watchers are released through one
// subscription, so watch/unwatch churn does not grow actx.Subscriptions.
func (p *ProcessExtension) bind(actx *ActivationContext) {
	p.actx = actx
	actx.Subscriptions.Push(host.NewDisposable(p.unwatchAll))
}

func (p *ProcessExtension) unwatchAll() {
	p.watchMu.Lock()
	watchers := p.watchers
	p.watchers = make(map[string]*host.FileSystemWatcher)
	p.watchMu.Unlock()
	for _, fw := range watchers {
		fw.Dispose()
	}
}

func (p *ProcessExtension) unwatch(id string) {
	p.watchMu.Lock()
	fw, ok := p.watchers[id]
	delete(p.watchers, id)
	p.watchMu.Unlock()
	if ok {
		fw.Dispose()
	}
}

// readStderr forwards the child's stderr to the log
func (p *ProcessExtension) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, maxFrameSize)
	scanner.Buffer(buf, maxFrameSize)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			logger.Info("[extension stderr] %s", line)
		}
	}
}
