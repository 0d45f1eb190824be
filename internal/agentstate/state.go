// Package agentstate classifies an extension chat log into the agent-loop
// state machine.
//
// state.go - State enum, ask partition and pure classification
//
// Classification is a pure function of the log: it is re-run on every update
// instead of being patched incrementally.

package agentstate

import (
	"encoding/json"

	"github.com/HyphaGroup/agentbridge/internal/message"
)

// State is the derived agent-loop state
type State string

const (
	Idle            State = "idle"
	Running         State = "running"
	Streaming       State = "streaming"
	WaitingForInput State = "waiting_for_input"
)

// AskCategory is the partition an ask subtype belongs to
type AskCategory int

const (
	// AskInteractive blocks until a human answers
	AskInteractive AskCategory = iota
	// AskResumable marks a persisted session that has resumed
	AskResumable
	// AskIdle is informational: the loop retries or recovers on its own
	AskIdle
	// AskNonBlocking can be auto-answered without a decision
	AskNonBlocking
)

func (c AskCategory) String() string {
	switch c {
	case AskInteractive:
		return "interactive"
	case AskResumable:
		return "resumable"
	case AskIdle:
		return "idle"
	case AskNonBlocking:
		return "non_blocking"
	default:
		return "unknown"
	}
}

var askPartition = map[message.AskType]AskCategory{
	message.AskFollowup:                  AskInteractive,
	message.AskCommand:                   AskInteractive,
	message.AskTool:                      AskInteractive,
	message.AskBrowserActionLaunch:       AskInteractive,
	message.AskUseMCPServer:              AskInteractive,
	message.AskCompletionResult:          AskInteractive,
	message.AskReportBug:                 AskInteractive,
	message.AskCondense:                  AskInteractive,
	message.AskPaymentRequiredPrompt:     AskInteractive,
	message.AskInvalidModel:              AskInteractive,
	message.AskResumeTask:                AskResumable,
	message.AskResumeCompletedTask:       AskResumable,
	message.AskAPIReqFailed:              AskIdle,
	message.AskMistakeLimitReached:       AskIdle,
	message.AskAutoApprovalMaxReqReached: AskIdle,
	message.AskCommandOutput:             AskNonBlocking,
}

// CategorizeAsk returns the partition of an ask subtype.
// Unknown subtypes are interactive so automation never answers them blindly.
func CategorizeAsk(ask message.AskType) AskCategory {
	if c, ok := askPartition[ask]; ok {
		return c
	}
	return AskInteractive
}

// IsResumableAsk reports whether ask marks a resumed session
func IsResumableAsk(ask message.AskType) bool {
	return CategorizeAsk(ask) == AskResumable
}

// IsBlockingAsk reports whether ask holds the loop until a human answers
func IsBlockingAsk(ask message.AskType) bool {
	c := CategorizeAsk(ask)
	return c == AskInteractive || c == AskResumable
}

// Detect classifies the log by its tail.
//
//	empty log                               -> Idle
//	partial say                             -> Streaming
//	unanswered interactive/resumable ask    -> WaitingForInput
//	unanswered idle/non-blocking ask        -> Running
//	partial ask or in-flight api request    -> Running
//	anything else                           -> Idle
func Detect(msgs []message.ChatMessage) State {
	if len(msgs) == 0 {
		return Idle
	}
	last := msgs[len(msgs)-1]

	switch last.Type {
	case message.TypeSay:
		if last.Partial {
			return Streaming
		}
		if isInFlightSay(last) {
			return Running
		}
		return Idle
	case message.TypeAsk:
		if last.IsAnswered {
			return Idle
		}
		if last.Partial {
			return Running
		}
		if IsBlockingAsk(last.Ask) {
			return WaitingForInput
		}
		return Running
	}
	return Idle
}

// apiReqInfo is the JSON payload of an api_req_started say
type apiReqInfo struct {
	Cost                *float64 `json:"cost"`
	CancelReason        *string  `json:"cancelReason"`
	StreamingFailedText *string  `json:"streamingFailedMessage"`
}

// isInFlightSay reports whether a finalized say still means work is underway:
// an api request that has not reported its cost, or a delayed retry.
func isInFlightSay(m message.ChatMessage) bool {
	switch m.Say {
	case message.SayAPIReqRetryDelayed:
		return true
	case message.SayAPIReqStarted:
		var info apiReqInfo
		if err := json.Unmarshal([]byte(m.Text), &info); err != nil {
			return false
		}
		return info.Cost == nil && info.CancelReason == nil && info.StreamingFailedText == nil
	}
	return false
}

// SessionInfo is the session metadata the detector needs
type SessionInfo struct {
	// Resumed is true when the log was loaded from persisted history
	Resumed bool
}

// ShouldWaitForResumeAsk reports whether a resumed session's tail must not be
// trusted yet: it holds until the tail is a resume_task or
// resume_completed_task ask.
func ShouldWaitForResumeAsk(msgs []message.ChatMessage, taskResumedViaSession bool) bool {
	if !taskResumedViaSession {
		return false
	}
	if len(msgs) == 0 {
		return true
	}
	last := msgs[len(msgs)-1]
	return !(last.IsAsk() && IsResumableAsk(last.Ask))
}

// DetectWithSession applies resume gating before tail classification
func DetectWithSession(msgs []message.ChatMessage, info SessionInfo) State {
	if ShouldWaitForResumeAsk(msgs, info.Resumed) {
		return WaitingForInput
	}
	return Detect(msgs)
}
