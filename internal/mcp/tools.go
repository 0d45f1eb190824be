package mcp

import (
	"context"
	"fmt"
	"time"

	mcp_sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/agentbridge/internal/agentstate"
	"github.com/HyphaGroup/agentbridge/internal/audit"
	"github.com/HyphaGroup/agentbridge/internal/extension"
	"github.com/HyphaGroup/agentbridge/internal/jsonio"
	"github.com/HyphaGroup/agentbridge/internal/logger"
	"github.com/HyphaGroup/agentbridge/internal/message"
	"github.com/HyphaGroup/agentbridge/internal/session"
	"github.com/HyphaGroup/agentbridge/internal/validation"
)

// SendMessageParams is the input of send_message
type SendMessageParams struct {
	Type           string   `json:"type" jsonschema:"newTask starts a task, askResponse answers the open ask"`
	Text           string   `json:"text,omitempty" jsonschema:"prompt or answer text"`
	Images         []string `json:"images,omitempty" jsonschema:"image file paths to attach"`
	AskResponse    string   `json:"ask_response,omitempty" jsonschema:"required when type is askResponse"`
	Wait           bool     `json:"wait,omitempty" jsonschema:"block until the agent is idle or waiting for input"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty" jsonschema:"wait budget in seconds"`
}

// AgentStateParams is the input of agent_state
type AgentStateParams struct {
	SessionID      string `json:"session_id,omitempty" jsonschema:"bridge session the caller expects, rejected when it is not the running one"`
	Wait           bool `json:"wait,omitempty" jsonschema:"block until the agent is idle or waiting for input"`
	TimeoutSeconds int  `json:"timeout_seconds,omitempty" jsonschema:"wait budget in seconds"`
	SinceIndex     *int `json:"since_index,omitempty" jsonschema:"return events after this index, -1 for all buffered events"`
}

// AgentStateResult describes what the agent is doing right now
type AgentStateResult struct {
	SessionID   string                   `json:"session_id"`
	State       agentstate.State         `json:"state"`
	LastMessage *message.ChatMessage     `json:"last_message,omitempty"`
	Events      []*session.BufferedEvent `json:"events,omitempty"`
	LastIndex   int                      `json:"last_index"`
	Buffer      *session.BufferStats     `json:"buffer,omitempty"`
	TimedOut    bool                     `json:"timed_out,omitempty"`
}

// HistoryParams is the input of history
type HistoryParams struct {
	Page      int    `json:"page,omitempty" jsonschema:"1-based page number"`
	PageSize  int    `json:"page_size,omitempty" jsonschema:"items per page"`
	Search    string `json:"search,omitempty" jsonschema:"substring filter on the task text"`
	Favorites bool   `json:"favorites,omitempty" jsonschema:"only favorited tasks"`
}

// CondenseParams is the input of condense
type CondenseParams struct {
	TaskID string `json:"task_id" jsonschema:"task whose context should be condensed"`
}

// SetModeParams is the input of set_mode
type SetModeParams struct {
	Mode string `json:"mode" jsonschema:"extension mode slug, e.g. code or architect"`
}

// registerAllTools registers every bridge tool with r
func (s *Server) registerAllTools(r *Registry) error {
	sendSchema, err := GenerateSchema[SendMessageParams]()
	if err != nil {
		return err
	}
	withEnum(sendSchema, "type", jsonio.TypeNewTask, jsonio.TypeAskResponse)
	withEnum(sendSchema, "ask_response", jsonio.AskResponses()...)

	regs := []error{
		Register(r, ToolDef{
			Name:        "send_message",
			Description: "Start a task or answer the agent's open question",
			Access:      AccessWrite,
			InputSchema: sendSchema,
		}, s.handleSendMessage),
		Register(r, ToolDef{
			Name:        "agent_state",
			Description: "Current agent-loop state, last chat message and buffered events",
			Access:      AccessRead,
		}, s.handleAgentState),
		Register(r, ToolDef{
			Name:        "history",
			Description: "Page through the extension's task history",
			Access:      AccessRead,
		}, s.handleHistory),
		Register(r, ToolDef{
			Name:        "status",
			Description: "Ask the extension for its current task and mode",
			Access:      AccessRead,
		}, s.handleStatus),
		Register(r, ToolDef{
			Name:        "condense",
			Description: "Condense a task's context window",
			Access:      AccessWrite,
		}, s.handleCondense),
		Register(r, ToolDef{
			Name:        "set_mode",
			Description: "Switch the extension's mode",
			Access:      AccessWrite,
		}, s.handleSetMode),
	}
	for _, err := range regs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handleSendMessage(ctx context.Context, req *mcp_sdk.CallToolRequest, params SendMessageParams) (*mcp_sdk.CallToolResult, any, error) {
	s.trackSession(req)

	in := jsonio.Inbound{
		Type:        params.Type,
		Text:        params.Text,
		Images:      params.Images,
		AskResponse: params.AskResponse,
	}
	if err := in.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid message: %w", err)
	}
	if err := s.runner.Handle(ctx, in); err != nil {
		return nil, nil, SanitizeError(err, "send_message")
	}
	return nil, s.agentState(ctx, params.Wait, params.TimeoutSeconds), nil
}

func (s *Server) handleAgentState(ctx context.Context, req *mcp_sdk.CallToolRequest, params AgentStateParams) (*mcp_sdk.CallToolResult, any, error) {
	s.trackSession(req)

	if params.SessionID != "" {
		if err := validation.ValidateSessionID(params.SessionID); err != nil {
			return nil, nil, err
		}
		if params.SessionID != s.runner.SessionID() {
			return nil, nil, fmt.Errorf("session %s is not running", params.SessionID)
		}
	}

	result := s.agentState(ctx, params.Wait, params.TimeoutSeconds)
	stats := s.runner.Events().Stats()
	result.Buffer = &stats
	if params.SinceIndex != nil {
		events, err := s.runner.Events().After(*params.SinceIndex)
		if err != nil {
			return nil, nil, err
		}
		result.Events = events
		if n := len(events); n > 0 {
			result.LastIndex = events[n-1].Index
		}
	}
	return nil, result, nil
}

// agentState snapshots the runner, optionally after waiting for it to settle.
// A wait that runs out of budget is reported, not treated as an error.
func (s *Server) agentState(ctx context.Context, wait bool, timeoutSeconds int) *AgentStateResult {
	result := &AgentStateResult{SessionID: s.runner.SessionID()}
	if wait {
		budget := s.waitTimeout
		if timeoutSeconds > 0 {
			budget = time.Duration(timeoutSeconds) * time.Second
		}
		waitCtx, cancel := context.WithTimeout(ctx, budget)
		_, err := s.runner.WaitSettled(waitCtx)
		cancel()
		result.TimedOut = err != nil && waitCtx.Err() != nil
	}
	result.State = s.runner.State()
	result.LastMessage = s.runner.LastMessage()
	result.LastIndex = s.runner.Events().LastIndex()
	return result
}

func (s *Server) handleHistory(ctx context.Context, req *mcp_sdk.CallToolRequest, params HistoryParams) (*mcp_sdk.CallToolResult, any, error) {
	s.trackSession(req)

	page, err := s.runner.Service().RequestHistory(ctx, extension.HistoryQuery{
		Page:      params.Page,
		PageSize:  params.PageSize,
		Search:    params.Search,
		Favorites: params.Favorites,
	})
	if err != nil {
		return nil, nil, SanitizeError(err, "history")
	}
	return nil, page, nil
}

func (s *Server) handleStatus(ctx context.Context, req *mcp_sdk.CallToolRequest, _ struct{}) (*mcp_sdk.CallToolResult, any, error) {
	s.trackSession(req)

	status, err := s.runner.Service().RequestStatus(ctx)
	if err != nil {
		return nil, nil, SanitizeError(err, "status")
	}
	return nil, status, nil
}

func (s *Server) handleCondense(ctx context.Context, req *mcp_sdk.CallToolRequest, params CondenseParams) (*mcp_sdk.CallToolResult, any, error) {
	s.trackSession(req)

	if err := validation.ValidateTaskID(params.TaskID); err != nil {
		return nil, nil, err
	}
	ctx = logger.WithTask(logger.WithSession(ctx, s.runner.SessionID()), params.TaskID)
	err := s.runner.Service().CondenseContext(ctx, params.TaskID)
	if err != nil {
		logger.WarnContext(ctx, "condense failed", "error", err)
	} else {
		logger.InfoContext(ctx, "context condensed")
	}
	ev := &audit.Event{
		Operation: audit.OpCondense,
		SessionID: s.runner.SessionID(),
		TaskID:    params.TaskID,
		Source:    "mcp",
		Success:   err == nil,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	audit.Log(ev)
	if err != nil {
		return nil, nil, SanitizeError(err, "condense")
	}
	return NewTextResult("condensed " + params.TaskID), nil, nil
}

func (s *Server) handleSetMode(ctx context.Context, req *mcp_sdk.CallToolRequest, params SetModeParams) (*mcp_sdk.CallToolResult, any, error) {
	s.trackSession(req)

	if err := s.runner.SetMode(ctx, params.Mode); err != nil {
		return nil, nil, SanitizeError(err, "set_mode")
	}
	return nil, s.agentState(ctx, false, 0), nil
}
