package jsonio

import (
	"encoding/json"

	"github.com/HyphaGroup/agentbridge/internal/message"
)

// WelcomeOptions is carried in a welcome record's metadata
type WelcomeOptions struct {
	// Instructions is non-empty when the bridge is misconfigured; each entry
	// tells the user how to fix one problem.
	Instructions []string `json:"instructions"`
}

// Welcome builds the first record of a session
func Welcome(ts int64, sessionID, extensionID string, instructions []string) message.CliMessage {
	if instructions == nil {
		instructions = []string{}
	}
	return message.CliMessage{
		ID:   sessionID,
		TS:   ts,
		Type: message.CliWelcome,
		Metadata: map[string]any{
			"welcomeOptions": WelcomeOptions{Instructions: instructions},
			"extension":      extensionID,
		},
	}
}

// ImageLoadError reports an attachment that could not be read
func ImageLoadError(ts int64, path string, err error) message.CliMessage {
	return message.CliMessage{
		TS:      ts,
		Type:    message.CliImageLoadError,
		Content: err.Error(),
		Metadata: map[string]any{
			"path": path,
		},
	}
}

// ModeChanged reports a mode switch in the extension
func ModeChanged(ts int64, mode string) message.CliMessage {
	return message.CliMessage{
		TS:      ts,
		Type:    message.CliModeChanged,
		Content: mode,
		Metadata: map[string]any{
			"mode": mode,
		},
	}
}

// UserInput echoes a command the orchestrator sent
func UserInput(ts int64, text string, images int) message.CliMessage {
	m := message.CliMessage{TS: ts, Type: message.CliUser, Content: text}
	if images > 0 {
		m.Metadata = map[string]any{"images": images}
	}
	return m
}

// SystemNotice is a bridge-level status line, e.g. a failed command
func SystemNotice(ts int64, typ, text string) message.CliMessage {
	return message.CliMessage{TS: ts, Type: typ, Content: text}
}

// HasConfigurationError reports whether an outbound line is a welcome record
// announcing a configuration problem. Orchestrators use it to stop early.
func HasConfigurationError(line []byte) bool {
	var rec struct {
		Type     string `json:"type"`
		Source   string `json:"source"`
		Metadata struct {
			WelcomeOptions *WelcomeOptions `json:"welcomeOptions"`
		} `json:"metadata"`
	}
	if err := json.Unmarshal(line, &rec); err != nil {
		return false
	}
	if rec.Type != message.CliWelcome || rec.Source != string(message.SourceCLI) {
		return false
	}
	return rec.Metadata.WelcomeOptions != nil && len(rec.Metadata.WelcomeOptions.Instructions) > 0
}
