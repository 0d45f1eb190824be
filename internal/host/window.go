package host

import (
	"strings"
	"sync"

	"github.com/HyphaGroup/agentbridge/internal/logger"
)

// maxOutputLines bounds the lines an OutputChannel retains for inspection
const maxOutputLines = 1000

// OutputChannel is a named log sink. Complete lines go to the structured log;
// a trailing fragment is held until its newline arrives.
type OutputChannel struct {
	name string

	mu       sync.Mutex
	lines    []string
	fragment strings.Builder
	visible  bool
	disposed bool
}

func newOutputChannel(name string) *OutputChannel {
	return &OutputChannel{name: name}
}

func (c *OutputChannel) Name() string { return c.name }

// Append writes text without a trailing newline
func (c *OutputChannel) Append(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}
	c.fragment.WriteString(text)
	buf := c.fragment.String()
	idx := strings.LastIndexByte(buf, '\n')
	if idx < 0 {
		return
	}
	c.fragment.Reset()
	c.fragment.WriteString(buf[idx+1:])
	for _, line := range strings.Split(buf[:idx], "\n") {
		c.emitLocked(line)
	}
}

// AppendLine writes text followed by a newline
func (c *OutputChannel) AppendLine(text string) {
	c.Append(text + "\n")
}

func (c *OutputChannel) emitLocked(line string) {
	logger.Slog().Info(line, "channel", c.name)
	c.lines = append(c.lines, line)
	if len(c.lines) > maxOutputLines {
		c.lines = c.lines[len(c.lines)-maxOutputLines:]
	}
}

// Lines returns the retained complete lines
func (c *OutputChannel) Lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.lines))
	copy(out, c.lines)
	return out
}

// Clear drops retained lines and any partial fragment
func (c *OutputChannel) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = nil
	c.fragment.Reset()
}

func (c *OutputChannel) Show() { c.setVisible(true) }
func (c *OutputChannel) Hide() { c.setVisible(false) }

func (c *OutputChannel) setVisible(v bool) {
	c.mu.Lock()
	c.visible = v
	c.mu.Unlock()
}

// Dispose flushes a pending fragment and closes the channel
func (c *OutputChannel) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}
	if c.fragment.Len() > 0 {
		c.emitLocked(c.fragment.String())
		c.fragment.Reset()
	}
	c.disposed = true
}

// StatusBarItem records what the extension would display in the status bar
type StatusBarItem struct {
	mu       sync.Mutex
	id       string
	text     string
	tooltip  string
	command  string
	visible  bool
	disposed bool
}

// StatusBarState is a point-in-time copy of a StatusBarItem
type StatusBarState struct {
	ID      string `json:"id"`
	Text    string `json:"text"`
	Tooltip string `json:"tooltip,omitempty"`
	Command string `json:"command,omitempty"`
	Visible bool   `json:"visible"`
}

func (s *StatusBarItem) SetText(text string) {
	s.mu.Lock()
	s.text = text
	s.mu.Unlock()
}

func (s *StatusBarItem) SetTooltip(tooltip string) {
	s.mu.Lock()
	s.tooltip = tooltip
	s.mu.Unlock()
}

func (s *StatusBarItem) SetCommand(command string) {
	s.mu.Lock()
	s.command = command
	s.mu.Unlock()
}

func (s *StatusBarItem) Show() {
	s.mu.Lock()
	if !s.disposed {
		s.visible = true
	}
	s.mu.Unlock()
}

func (s *StatusBarItem) Hide() {
	s.mu.Lock()
	s.visible = false
	s.mu.Unlock()
}

func (s *StatusBarItem) State() StatusBarState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatusBarState{ID: s.id, Text: s.text, Tooltip: s.tooltip, Command: s.command, Visible: s.visible}
}

func (s *StatusBarItem) Dispose() {
	s.mu.Lock()
	s.visible = false
	s.disposed = true
	s.mu.Unlock()
}
