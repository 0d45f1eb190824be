package message

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Outbound (extension -> UI) message types the bridge inspects
const (
	ExtensionState                = "state"
	ExtensionAction               = "action"
	ExtensionTaskHistoryResponse  = "taskHistoryResponse"
	ExtensionCondenseResponse     = "condenseTaskContextResponse"
	ExtensionStatusResponse       = "statusResponse"
	ExtensionInvoke               = "invoke"
	ExtensionMessageUpdated       = "messageUpdated"
	ExtensionModeChanged          = "modeChanged"
	ExtensionWebviewMessageEvent  = "extensionWebviewMessage"
	ExtensionSelectedImages       = "selectedImages"
	ExtensionCommandExecutionInfo = "commandExecutionStatus"
)

// Inbound (UI -> extension) message types
const (
	WebviewDidLaunch            = "webviewDidLaunch"
	WebviewNewTask              = "newTask"
	WebviewAskResponse          = "askResponse"
	WebviewClearTask            = "clearTask"
	WebviewCancelTask           = "cancelTask"
	WebviewShowTaskWithID       = "showTaskWithId"
	WebviewTaskHistoryRequest   = "taskHistoryRequest"
	WebviewCondenseRequest      = "condenseTaskContextRequest"
	WebviewStatusRequest        = "statusRequest"
	WebviewMode                 = "mode"
	WebviewResumeTaskFromSaving = "resumeTask"
)

// AskResponse values carried by askResponse messages
const (
	AskResponseMessage = "messageResponse"
	AskResponseYes     = "yesButtonClicked"
	AskResponseNo      = "noButtonClicked"
)

// ParseError reports a malformed or unrecognized message on a channel.
// It is isolated to the offending message: callers log and drop it.
type ParseError struct {
	Source string
	Line   string
	Cause  error
}

func (e *ParseError) Error() string {
	line := e.Line
	if len(line) > 120 {
		line = line[:120] + "..."
	}
	if e.Cause != nil {
		return fmt.Sprintf("parse error (%s): %v: %q", e.Source, e.Cause, line)
	}
	return fmt.Sprintf("parse error (%s): %q", e.Source, line)
}

func (e *ParseError) Unwrap() error { return e.Cause }

// ErrUnknownType is wrapped by ParseError when a message has no usable type
var ErrUnknownType = errors.New("message type missing")

// ExtensionStateSnapshot is the subset of the extension's state the bridge reads
type ExtensionStateSnapshot struct {
	ChatMessages []ChatMessage `json:"chatMessages"`
	CurrentTask  string        `json:"currentTaskId,omitempty"`
	Mode         string        `json:"mode,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

type stateAlias ExtensionStateSnapshot

var knownStateFields = map[string]struct{}{
	"clineMessages": {}, "chatMessages": {}, "currentTaskId": {}, "mode": {},
}

// UnmarshalJSON accepts both chatMessages and the legacy clineMessages key for the log
func (s *ExtensionStateSnapshot) UnmarshalJSON(data []byte) error {
	var a stateAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if alt, ok := raw["clineMessages"]; ok && len(a.ChatMessages) == 0 {
		if err := json.Unmarshal(alt, &a.ChatMessages); err != nil {
			return err
		}
	}
	for k, v := range raw {
		if _, known := knownStateFields[k]; known {
			continue
		}
		if a.Extra == nil {
			a.Extra = make(map[string]json.RawMessage)
		}
		a.Extra[k] = v
	}
	*s = ExtensionStateSnapshot(a)
	return nil
}

// MarshalJSON writes typed fields followed by the open tail
func (s ExtensionStateSnapshot) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(stateAlias(s), s.Extra)
}

// ExtensionMessage is an outbound message the extension posts to its UI.
// Only Type and State.ChatMessages are load-bearing for the bridge; every
// other field passes through opaquely.
type ExtensionMessage struct {
	Type      string                  `json:"type"`
	Action    string                  `json:"action,omitempty"`
	Text      string                  `json:"text,omitempty"`
	State     *ExtensionStateSnapshot `json:"state,omitempty"`
	Images    []string                `json:"images,omitempty"`
	Invoke    string                  `json:"invoke,omitempty"`
	RequestID string                  `json:"requestId,omitempty"`
	Payload   json.RawMessage         `json:"payload,omitempty"`
	Error     string                  `json:"error,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

type extensionMessageAlias ExtensionMessage

var knownExtensionFields = map[string]struct{}{
	"type": {}, "action": {}, "text": {}, "state": {}, "images": {},
	"invoke": {}, "requestId": {}, "payload": {}, "error": {},
}

// UnmarshalJSON decodes typed fields and keeps the rest in Extra
func (m *ExtensionMessage) UnmarshalJSON(data []byte) error {
	var a extensionMessageAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	if a.Type == "" {
		return ErrUnknownType
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k, v := range raw {
		if _, known := knownExtensionFields[k]; known {
			continue
		}
		if a.Extra == nil {
			a.Extra = make(map[string]json.RawMessage)
		}
		a.Extra[k] = v
	}
	*m = ExtensionMessage(a)
	return nil
}

// MarshalJSON writes typed fields followed by the open tail
func (m ExtensionMessage) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(extensionMessageAlias(m), m.Extra)
}

// ChatMessages returns the chat log carried by a state message, if any
func (m ExtensionMessage) ChatMessages() ([]ChatMessage, bool) {
	if m.Type != ExtensionState || m.State == nil {
		return nil, false
	}
	return m.State.ChatMessages, true
}

// DecodeExtensionMessage parses one outbound extension message.
// Failures are returned as *ParseError.
func DecodeExtensionMessage(source string, data []byte) (ExtensionMessage, error) {
	var m ExtensionMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return ExtensionMessage{}, &ParseError{Source: source, Line: string(data), Cause: err}
	}
	return m, nil
}

// WebviewMessage is a caller-originated message forwarded into the extension
// exactly as the real UI layer would send it.
type WebviewMessage struct {
	Type        string          `json:"type"`
	Text        string          `json:"text,omitempty"`
	Images      []string        `json:"images,omitempty"`
	AskResponse string          `json:"askResponse,omitempty"`
	RequestID   string          `json:"requestId,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

type webviewMessageAlias WebviewMessage

var knownWebviewFields = map[string]struct{}{
	"type": {}, "text": {}, "images": {}, "askResponse": {}, "requestId": {}, "payload": {},
}

// UnmarshalJSON decodes typed fields and keeps the rest in Extra
func (m *WebviewMessage) UnmarshalJSON(data []byte) error {
	var a webviewMessageAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	if a.Type == "" {
		return ErrUnknownType
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k, v := range raw {
		if _, known := knownWebviewFields[k]; known {
			continue
		}
		if a.Extra == nil {
			a.Extra = make(map[string]json.RawMessage)
		}
		a.Extra[k] = v
	}
	*m = WebviewMessage(a)
	return nil
}

// MarshalJSON writes typed fields followed by the open tail
func (m WebviewMessage) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(webviewMessageAlias(m), m.Extra)
}
