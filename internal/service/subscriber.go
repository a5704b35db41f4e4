package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Strob0t/Crucible/internal/port/messagequeue"
)

// SubscribeSubmissions wires remote run submissions from the queue into the
// manager. Each accepted (or rejected) submission is answered on the
// payload's reply subject when one is given.
func (m *Manager) SubscribeSubmissions(ctx context.Context, q messagequeue.Queue) (func(), error) {
	cancel, err := q.Subscribe(ctx, messagequeue.SubjectRunSubmit, func(ctx context.Context, _ string, data []byte) error {
		var payload messagequeue.RunSubmitPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return fmt.Errorf("decode submit payload: %w", err)
		}

		reply := messagequeue.RunAcceptedPayload{Status: "accepted"}
		rec, err := m.Submit(ctx, payload.Request)
		if err != nil {
			slog.Warn("queued submission rejected", "error", err)
			reply.Status = "rejected"
			reply.Error = err.Error()
		} else {
			reply.RunID = rec.ID
		}

		if payload.ReplyTo == "" {
			return nil
		}
		out, err := json.Marshal(reply)
		if err != nil {
			return err
		}
		return q.Publish(ctx, payload.ReplyTo, out)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", messagequeue.SubjectRunSubmit, err)
	}
	return cancel, nil
}
