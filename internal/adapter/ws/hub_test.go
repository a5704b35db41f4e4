package ws

import (
	"context"
	"testing"
)

func TestNewHub(t *testing.T) {
	hub := NewHub()
	if hub == nil {
		t.Fatal("expected non-nil hub")
	}
	if hub.ConnectionCount() != 0 {
		t.Fatalf("expected 0 connections, got %d", hub.ConnectionCount())
	}
}

func TestBroadcastNoConnections(t *testing.T) {
	hub := NewHub()

	// Must not panic or block with zero clients.
	hub.Broadcast(context.Background(), Message{Type: EventRunStatus})
	hub.BroadcastEvent(context.Background(), EventRunStatus, RunStatusEvent{
		RunID:  "r1",
		Status: "running",
	})
}

func TestRunScopedEvents(t *testing.T) {
	status := RunStatusEvent{RunID: "r42", Status: "succeeded"}
	if status.Run() != "r42" {
		t.Fatalf("expected run r42, got %q", status.Run())
	}
	stream := RunStreamEvent{RunID: "r7"}
	if stream.Run() != "r7" {
		t.Fatalf("expected run r7, got %q", stream.Run())
	}
}
