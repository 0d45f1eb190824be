package extension

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/HyphaGroup/agentbridge/internal/logger"
	"github.com/HyphaGroup/agentbridge/internal/message"
	"github.com/HyphaGroup/agentbridge/internal/metrics"
	"github.com/HyphaGroup/agentbridge/internal/pending"
)

// ErrCondenseInProgress is returned when a task already has a condense outstanding
var ErrCondenseInProgress = errors.New("condense already in progress for task")

// HistoryQuery selects one page of task history
type HistoryQuery struct {
	Page      int    `json:"page"`
	PageSize  int    `json:"pageSize"`
	Search    string `json:"search,omitempty"`
	Workspace string `json:"workspace,omitempty"`
	Favorites bool   `json:"favoritesOnly,omitempty"`
}

// HistoryItem summarizes one past task
type HistoryItem struct {
	ID        string  `json:"id"`
	Number    int     `json:"number,omitempty"`
	TS        int64   `json:"ts"`
	Task      string  `json:"task"`
	TokensIn  int     `json:"tokensIn,omitempty"`
	TokensOut int     `json:"tokensOut,omitempty"`
	TotalCost float64 `json:"totalCost,omitempty"`
	Workspace string  `json:"workspace,omitempty"`
	Mode      string  `json:"mode,omitempty"`
	Favorite  bool    `json:"isFavorited,omitempty"`
}

// HistoryPage is the response to a HistoryQuery
type HistoryPage struct {
	Items     []HistoryItem `json:"items"`
	Page      int           `json:"page"`
	PageCount int           `json:"pageCount"`
	Total     int           `json:"total"`
}

// CondenseResult reports a completed context condense
type CondenseResult struct {
	TaskID string `json:"taskId"`
}

// Status is the extension's answer to a quick status round-trip
type Status struct {
	TaskID string `json:"taskId,omitempty"`
	Mode   string `json:"mode,omitempty"`
	Busy   bool   `json:"busy"`
}

// RequestHistory fetches one page of task history
func (s *Service) RequestHistory(ctx context.Context, q HistoryQuery) (HistoryPage, error) {
	if q.PageSize <= 0 {
		q.PageSize = 20
	}
	if q.Page <= 0 {
		q.Page = 1
	}
	payload, err := json.Marshal(q)
	if err != nil {
		return HistoryPage{}, err
	}
	return roundTrip(ctx, s, s.history, s.history.NewID(), message.WebviewMessage{
		Type:    message.WebviewTaskHistoryRequest,
		Payload: payload,
	})
}

// CondenseContext asks the extension to condense taskID's context window.
// Only one condense per task may be outstanding.
func (s *Service) CondenseContext(ctx context.Context, taskID string) error {
	if taskID == "" {
		return fmt.Errorf("condense: task id is required")
	}
	if s.condense.Has(taskID) {
		return fmt.Errorf("%w: %s", ErrCondenseInProgress, taskID)
	}
	_, err := roundTrip(ctx, s, s.condense, taskID, message.WebviewMessage{
		Type: message.WebviewCondenseRequest,
		Text: taskID,
	})
	if errors.Is(err, pending.ErrDuplicateID) {
		return fmt.Errorf("%w: %s", ErrCondenseInProgress, taskID)
	}
	return err
}

// RequestStatus performs a quick status round trip
func (s *Service) RequestStatus(ctx context.Context) (Status, error) {
	return roundTrip(ctx, s, s.status, s.status.NewID(), message.WebviewMessage{
		Type: message.WebviewStatusRequest,
	})
}

// PendingCount returns the outstanding requests across all flows
func (s *Service) PendingCount() int {
	return s.history.Len() + s.condense.Len() + s.status.Len()
}

// roundTrip registers id, sends msg carrying it, and waits for the response
func roundTrip[T any](ctx context.Context, s *Service, reg *pending.Registry[T], id string, msg message.WebviewMessage) (T, error) {
	var zero T
	if !s.IsActive() {
		return zero, ErrNotActive
	}
	req, err := reg.Register(id, 0)
	if err != nil {
		return zero, fmt.Errorf("%s request: %w", reg.Name(), err)
	}
	msg.RequestID = id
	if err := s.SendMessage(ctx, msg); err != nil {
		reg.Reject(id, err)
	}
	return req.Wait(ctx)
}

// route settles pending requests from response messages
func (s *Service) route(msg message.ExtensionMessage) {
	switch msg.Type {
	case message.ExtensionState:
		s.markReady()
	case message.ExtensionTaskHistoryResponse:
		settleResponse(s.history, msg.RequestID, msg)
	case message.ExtensionStatusResponse:
		settleResponse(s.status, msg.RequestID, msg)
	case message.ExtensionCondenseResponse:
		id := msg.RequestID
		if id == "" {
			id = msg.Text
		}
		if msg.Error != "" {
			s.condense.Reject(id, &RemoteError{Flow: s.condense.Name(), Message: msg.Error})
			return
		}
		taskID := msg.Text
		if taskID == "" {
			taskID = id
		}
		if !s.condense.Resolve(id, CondenseResult{TaskID: taskID}) {
			logger.Debug("Late condense response for %s ignored", id)
		}
	}
}

func settleResponse[T any](reg *pending.Registry[T], id string, msg message.ExtensionMessage) {
	if id == "" {
		logger.Warn("Dropping %s without requestId", msg.Type)
		return
	}
	if msg.Error != "" {
		reg.Reject(id, &RemoteError{Flow: reg.Name(), Message: msg.Error})
		return
	}
	var v T
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &v); err != nil {
			metrics.RecordParseError(reg.Name())
			reg.Reject(id, &message.ParseError{Source: reg.Name(), Line: string(msg.Payload), Cause: err})
			return
		}
	}
	if !reg.Resolve(id, v) {
		logger.Debug("Late %s for %s ignored", msg.Type, id)
	}
}
