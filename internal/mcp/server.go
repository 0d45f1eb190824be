// Package mcp exposes a bridge session to MCP clients over stdio.
//
// server.go - Server lifecycle and event push
//
// This file contains:
// - Server construction and tool registration
// - Serve over stdio, Connect for arbitrary transports
// - NotifyEvent, which pushes agent-loop transitions as log notifications
//
// stdout belongs to the MCP transport in this mode; the runner's NDJSON
// records are only reachable through the agent_state tool.

package mcp

import (
	"context"
	"sync"
	"time"

	mcp_sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/agentbridge/internal/host"
	"github.com/HyphaGroup/agentbridge/internal/logger"
	"github.com/HyphaGroup/agentbridge/internal/session"
)

// DefaultWaitTimeout bounds tool calls that wait for the agent to settle
const DefaultWaitTimeout = 5 * time.Minute

// Server wraps the MCP server around one session runner
type Server struct {
	runner      *session.Runner
	registry    *Registry
	mcpServer   *mcp_sdk.Server
	access      ToolAccess
	waitTimeout time.Duration

	mcpMu      sync.RWMutex
	mcpSession *mcp_sdk.ServerSession

	eventSub host.Disposable
}

// ServerConfig holds optional server settings
type ServerConfig struct {
	Version     string
	ReadOnly    bool          // hide tools that send messages to the extension
	WaitTimeout time.Duration // default budget for wait=true calls
}

// NewServer creates an MCP server for runner. The runner should already
// be started; tools report the extension as inactive otherwise.
func NewServer(runner *session.Runner, cfg *ServerConfig) (*Server, error) {
	version := "dev"
	access := AccessWrite
	wait := DefaultWaitTimeout
	if cfg != nil {
		if cfg.Version != "" {
			version = cfg.Version
		}
		if cfg.ReadOnly {
			access = AccessRead
		}
		if cfg.WaitTimeout > 0 {
			wait = cfg.WaitTimeout
		}
	}

	s := &Server{
		runner:      runner,
		registry:    NewRegistry(),
		access:      access,
		waitTimeout: wait,
	}
	if err := s.registerAllTools(s.registry); err != nil {
		return nil, err
	}

	s.mcpServer = mcp_sdk.NewServer(&mcp_sdk.Implementation{
		Name:    "agentbridge",
		Version: version,
	}, nil)
	s.registry.RegisterWithMCPServer(s.mcpServer, s.access)

	s.eventSub = runner.OnEvent(func(ev session.BufferedEvent) {
		if ev.Event.Kind == session.EventRecord {
			return
		}
		if err := s.NotifyEvent(context.Background(), ev); err != nil {
			logger.Warn("Failed to push %s event: %v", ev.Event.Kind, err)
		}
	})
	return s, nil
}

// GetRegistry returns the tool registry
func (s *Server) GetRegistry() *Registry {
	return s.registry
}

// Serve runs the MCP protocol on stdin/stdout until ctx ends or the client
// disconnects.
func (s *Server) Serve(ctx context.Context) error {
	logger.Info("MCP server serving session %s on stdio", s.runner.SessionID())
	return s.mcpServer.Run(ctx, &mcp_sdk.StdioTransport{})
}

// Connect serves a single client on transport and returns its session
func (s *Server) Connect(ctx context.Context, transport mcp_sdk.Transport) (*mcp_sdk.ServerSession, error) {
	ss, err := s.mcpServer.Connect(ctx, transport, nil)
	if err != nil {
		return nil, err
	}
	s.setMCPSession(ss)
	return ss, nil
}

// Close stops pushing events
func (s *Server) Close() {
	if s.eventSub != nil {
		s.eventSub.Dispose()
	}
	s.setMCPSession(nil)
}

func (s *Server) setMCPSession(ss *mcp_sdk.ServerSession) {
	s.mcpMu.Lock()
	defer s.mcpMu.Unlock()
	s.mcpSession = ss
}

// trackSession remembers the client session of a tool call so later
// transitions can be pushed to it.
func (s *Server) trackSession(req *mcp_sdk.CallToolRequest) {
	if req == nil || req.Session == nil {
		return
	}
	s.mcpMu.Lock()
	defer s.mcpMu.Unlock()
	if s.mcpSession == nil {
		s.mcpSession = req.Session
	}
}

// NotifyEvent sends a session event to the connected MCP client via Log.
// Returns nil if no client is connected; events stay buffered for polling.
func (s *Server) NotifyEvent(ctx context.Context, ev session.BufferedEvent) error {
	s.mcpMu.RLock()
	ss := s.mcpSession
	s.mcpMu.RUnlock()

	if ss == nil {
		return nil
	}

	data := map[string]any{
		"session_id": s.runner.SessionID(),
		"index":      ev.Index,
		"kind":       string(ev.Event.Kind),
	}
	if ev.Event.From != "" {
		data["from"] = string(ev.Event.From)
	}
	if ev.Event.To != "" {
		data["to"] = string(ev.Event.To)
	}
	if ev.Event.Text != "" {
		data["text"] = ev.Event.Text
	}

	return ss.Log(ctx, &mcp_sdk.LoggingMessageParams{
		Logger: "agentbridge.session",
		Level:  "info",
		Data:   data,
	})
}
