// Package message defines the chat log data model shared by the bridge.
//
// chat.go - ChatMessage and its ask/say subtypes
//
// This file contains:
// - MessageType, AskType, SayType enumerations
// - ChatMessage, the tagged union produced by the extension's task loop
// - JSON decoding that preserves unknown fields in an open tail
//
// ChatMessages are append-only. A message may be mutated in place only while
// Partial is true; once finalized it never changes again.

package message

import (
	"encoding/json"
	"fmt"
)

// MessageType is the top-level kind of a chat message
type MessageType string

const (
	TypeAsk MessageType = "ask"
	TypeSay MessageType = "say"
)

// AskType is the subtype of an ask message
type AskType string

const (
	AskFollowup                  AskType = "followup"
	AskCommand                   AskType = "command"
	AskCommandOutput             AskType = "command_output"
	AskCompletionResult          AskType = "completion_result"
	AskTool                      AskType = "tool"
	AskAPIReqFailed              AskType = "api_req_failed"
	AskResumeTask                AskType = "resume_task"
	AskResumeCompletedTask       AskType = "resume_completed_task"
	AskMistakeLimitReached       AskType = "mistake_limit_reached"
	AskBrowserActionLaunch       AskType = "browser_action_launch"
	AskUseMCPServer              AskType = "use_mcp_server"
	AskAutoApprovalMaxReqReached AskType = "auto_approval_max_req_reached"
	AskCondense                  AskType = "condense"
	AskPaymentRequiredPrompt     AskType = "payment_required_prompt"
	AskInvalidModel              AskType = "invalid_model"
	AskReportBug                 AskType = "report_bug"
)

// askAliases maps alternate spellings seen on the wire to canonical subtypes
var askAliases = map[string]AskType{
	"followup_question": AskFollowup,
	"tool_use":          AskTool,
}

// SayType is the subtype of a say message
type SayType string

const (
	SayText                SayType = "text"
	SayReasoning           SayType = "reasoning"
	SayAPIReqStarted       SayType = "api_req_started"
	SayAPIReqFinished      SayType = "api_req_finished"
	SayAPIReqRetried       SayType = "api_req_retried"
	SayAPIReqRetryDelayed  SayType = "api_req_retry_delayed"
	SayCheckpointSaved     SayType = "checkpoint_saved"
	SayCompletionResult    SayType = "completion_result"
	SayUserFeedback        SayType = "user_feedback"
	SayError               SayType = "error"
	SayCommandOutput       SayType = "command_output"
	SayTool                SayType = "tool"
	SayMCPServerResponse   SayType = "mcp_server_response"
	SayCondenseContext     SayType = "condense_context"
	SayCondenseContextErr  SayType = "condense_context_error"
	SayImage               SayType = "image"
	SayShellIntegrationErr SayType = "shell_integration_warning"
)

// ChatMessage is a single entry of the extension's chat log
type ChatMessage struct {
	TS          int64       `json:"ts"`
	Type        MessageType `json:"type"`
	Ask         AskType     `json:"ask,omitempty"`
	Say         SayType     `json:"say,omitempty"`
	Text        string      `json:"text,omitempty"`
	Reasoning   string      `json:"reasoning,omitempty"`
	Images      []string    `json:"images,omitempty"`
	Partial     bool        `json:"partial,omitempty"`
	IsAnswered  bool        `json:"isAnswered,omitempty"`
	IsProtected bool        `json:"isProtected,omitempty"`

	// Extra carries fields the bridge does not inspect so they survive a round trip
	Extra map[string]json.RawMessage `json:"-"`
}

// knownChatFields are the JSON keys decoded into ChatMessage's typed fields
var knownChatFields = map[string]struct{}{
	"ts": {}, "type": {}, "ask": {}, "say": {}, "text": {}, "reasoning": {},
	"images": {}, "partial": {}, "isAnswered": {}, "isProtected": {},
}

// IsAsk reports whether the message is an ask
func (m ChatMessage) IsAsk() bool { return m.Type == TypeAsk }

// IsSay reports whether the message is a say
func (m ChatMessage) IsSay() bool { return m.Type == TypeSay }

// Subtype returns the ask or say subtype as a plain string
func (m ChatMessage) Subtype() string {
	if m.Type == TypeAsk {
		return string(m.Ask)
	}
	return string(m.Say)
}

// ContentLength is the payload size used for fingerprinting
func (m ChatMessage) ContentLength() int {
	return len(m.Text) + len(m.Reasoning)
}

// SameStream reports whether other is a later snapshot of the same logical message
func (m ChatMessage) SameStream(other ChatMessage) bool {
	return m.TS == other.TS && m.Type == other.Type && m.Subtype() == other.Subtype()
}

type chatMessageAlias ChatMessage

// UnmarshalJSON decodes typed fields and keeps the rest in Extra
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	var a chatMessageAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k, v := range raw {
		if _, known := knownChatFields[k]; known {
			continue
		}
		if a.Extra == nil {
			a.Extra = make(map[string]json.RawMessage)
		}
		a.Extra[k] = v
	}
	if canonical, ok := askAliases[string(a.Ask)]; ok {
		a.Ask = canonical
	}
	switch a.Type {
	case TypeAsk, TypeSay:
	default:
		return fmt.Errorf("unknown chat message type %q", a.Type)
	}
	*m = ChatMessage(a)
	return nil
}

// MarshalJSON writes typed fields followed by the open tail
func (m ChatMessage) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(chatMessageAlias(m), m.Extra)
}

// marshalWithExtra merges extra keys into the object encoding of v.
// Typed fields win on key collisions.
func marshalWithExtra(v any, extra map[string]json.RawMessage) ([]byte, error) {
	base, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, val := range extra {
		if _, exists := merged[k]; !exists {
			merged[k] = val
		}
	}
	return json.Marshal(merged)
}
