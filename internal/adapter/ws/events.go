package ws

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Event type constants for WebSocket messages.
const (
	EventRunStatus = "run.status"
	EventRunEvent  = "run.event"
)

// RunStatusEvent is broadcast when a run changes state.
type RunStatusEvent struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// RunStreamEvent is broadcast for each decoded agent event.
type RunStreamEvent struct {
	RunID string          `json:"run_id"`
	Event json.RawMessage `json:"event"`
}

// runScoped lets the hub route a payload to clients watching one run.
type runScoped interface {
	Run() string
}

// Run returns the run the status change belongs to.
func (e RunStatusEvent) Run() string { return e.RunID }

// Run returns the run the agent event belongs to.
func (e RunStreamEvent) Run() string { return e.RunID }

// BroadcastEvent marshals a typed event and broadcasts it. It implements
// the broadcast.Broadcaster port.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	msg := Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	}
	if scoped, ok := payload.(runScoped); ok {
		msg.RunID = scoped.Run()
	}
	h.Broadcast(ctx, msg)
}
