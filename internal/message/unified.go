package message

import (
	"encoding/json"
	"fmt"
)

// Source identifies which side of the bridge produced a message
type Source string

const (
	SourceCLI       Source = "cli"
	SourceExtension Source = "extension"
)

// CLI message types produced by the bridge itself
const (
	CliWelcome        = "welcome"
	CliImageLoadError = "image_load_error"
	CliModeChanged    = "modeChanged"
	CliUser           = "user"
	CliError          = "error"
	CliSystem         = "system"
)

// CliMessage is a record originated by the bridge rather than the extension
type CliMessage struct {
	ID       string         `json:"id,omitempty"`
	TS       int64          `json:"ts"`
	Type     string         `json:"type"`
	Content  string         `json:"content,omitempty"`
	Partial  bool           `json:"partial,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// UnifiedMessage is the element type of the multiplexed output log.
// Exactly one of Chat and Cli is set, matching Source.
type UnifiedMessage struct {
	Source Source
	Chat   *ChatMessage
	Cli    *CliMessage
}

// FromChat wraps an extension chat message
func FromChat(m ChatMessage) UnifiedMessage {
	return UnifiedMessage{Source: SourceExtension, Chat: &m}
}

// FromCli wraps a bridge-originated message
func FromCli(m CliMessage) UnifiedMessage {
	return UnifiedMessage{Source: SourceCLI, Cli: &m}
}

// TS returns the logical ordering key of the wrapped message
func (u UnifiedMessage) TS() int64 {
	switch {
	case u.Chat != nil:
		return u.Chat.TS
	case u.Cli != nil:
		return u.Cli.TS
	}
	return 0
}

// Partial reports whether the wrapped message is still streaming
func (u UnifiedMessage) Partial() bool {
	switch {
	case u.Chat != nil:
		return u.Chat.Partial
	case u.Cli != nil:
		return u.Cli.Partial
	}
	return false
}

func (u UnifiedMessage) contentLength() int {
	switch {
	case u.Chat != nil:
		return u.Chat.ContentLength()
	case u.Cli != nil:
		return len(u.Cli.Content)
	}
	return 0
}

// Fingerprint is a pure function of the message used for deduplication:
// source, timestamp, content length and partial flag.
func (u UnifiedMessage) Fingerprint() string {
	return fmt.Sprintf("%s:%d:%d:%t", u.Source, u.TS(), u.contentLength(), u.Partial())
}

// MarshalJSON flattens the wrapped message and stamps source and timestamp
func (u UnifiedMessage) MarshalJSON() ([]byte, error) {
	var inner any
	switch {
	case u.Chat != nil:
		inner = u.Chat
	case u.Cli != nil:
		inner = u.Cli
	default:
		return nil, fmt.Errorf("unified message has no payload")
	}
	data, err := json.Marshal(inner)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	src, _ := json.Marshal(u.Source)
	ts, _ := json.Marshal(u.TS())
	fields["source"] = src
	fields["timestamp"] = ts
	return json.Marshal(fields)
}

// UnmarshalJSON is the inverse of MarshalJSON: source selects the payload,
// and the stamped source and timestamp fields are not carried into it.
func (u *UnifiedMessage) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	var src Source
	if raw, ok := fields["source"]; ok {
		if err := json.Unmarshal(raw, &src); err != nil {
			return fmt.Errorf("unified message source: %w", err)
		}
	}
	delete(fields, "source")
	delete(fields, "timestamp")
	inner, err := json.Marshal(fields)
	if err != nil {
		return err
	}

	switch src {
	case SourceExtension:
		var m ChatMessage
		if err := json.Unmarshal(inner, &m); err != nil {
			return err
		}
		*u = UnifiedMessage{Source: src, Chat: &m}
	case SourceCLI:
		var m CliMessage
		if err := json.Unmarshal(inner, &m); err != nil {
			return err
		}
		*u = UnifiedMessage{Source: src, Cli: &m}
	default:
		return fmt.Errorf("unified message has unknown source %q", src)
	}
	return nil
}
