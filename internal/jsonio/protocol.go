// Package jsonio implements the line-delimited JSON protocol an orchestrating
// process uses to drive a session over stdin/stdout.
//
// Inbound lines are newTask and askResponse commands. Outbound lines are the
// multiplexed log records, each carrying timestamp and source.
package jsonio

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/HyphaGroup/agentbridge/internal/logger"
	"github.com/HyphaGroup/agentbridge/internal/message"
	"github.com/HyphaGroup/agentbridge/internal/metrics"
)

// Inbound command types
const (
	TypeNewTask     = message.WebviewNewTask
	TypeAskResponse = message.WebviewAskResponse
)

const maxLineSize = 1024 * 1024

// Inbound is one command from the orchestrator
type Inbound struct {
	Type        string   `json:"type"`
	Text        string   `json:"text,omitempty"`
	Images      []string `json:"images,omitempty"`
	AskResponse string   `json:"askResponse,omitempty"`
}

var validAskResponses = map[string]struct{}{
	message.AskResponseMessage: {},
	message.AskResponseYes:     {},
	message.AskResponseNo:      {},
}

// DecodeInbound parses and validates one inbound line. Failures are *message.ParseError.
func DecodeInbound(line []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(line, &in); err != nil {
		return Inbound{}, &message.ParseError{Source: "stdin", Line: string(line), Cause: err}
	}
	if err := in.Validate(); err != nil {
		return Inbound{}, &message.ParseError{Source: "stdin", Line: string(line), Cause: err}
	}
	return in, nil
}

// Validate checks the command's type and required fields
func (in Inbound) Validate() error {
	switch in.Type {
	case TypeNewTask:
		if in.Text == "" && len(in.Images) == 0 {
			return fmt.Errorf("newTask needs text or images")
		}
	case TypeAskResponse:
		if _, ok := validAskResponses[in.AskResponse]; !ok {
			return fmt.Errorf("invalid askResponse %q", in.AskResponse)
		}
	case "":
		return message.ErrUnknownType
	default:
		return fmt.Errorf("%w: %q", message.ErrUnknownType, in.Type)
	}
	return nil
}

// AskResponses lists the accepted askResponse values
func AskResponses() []string {
	return []string{message.AskResponseMessage, message.AskResponseYes, message.AskResponseNo}
}

// Webview converts the command into the message the extension's UI would send.
// images must already be resolved to data URLs.
func (in Inbound) Webview(images []string) message.WebviewMessage {
	return message.WebviewMessage{
		Type:        in.Type,
		Text:        in.Text,
		Images:      images,
		AskResponse: in.AskResponse,
	}
}

// ReadInbound reads commands from r until EOF or ctx ends. Malformed lines
// are logged and dropped; handler errors are logged and do not stop the loop.
func ReadInbound(ctx context.Context, r io.Reader, handle func(context.Context, Inbound) error) error {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, maxLineSize)
	scanner.Buffer(buf, maxLineSize)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		in, err := DecodeInbound(line)
		if err != nil {
			metrics.RecordParseError("stdin")
			logger.WarnContext(ctx, "dropping inbound line", "error", err)
			continue
		}
		if err := handle(ctx, in); err != nil {
			logger.ErrorContext(ctx, "inbound command failed", "type", in.Type, "error", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stdin: %w", err)
	}
	return nil
}
