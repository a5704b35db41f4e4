// Package broadcast defines the port for pushing real-time run updates to
// connected clients.
package broadcast

import "context"

// Broadcaster sends a typed event to all connected clients. Implementations
// must never block the caller: a slow client cannot be allowed to stall a
// run goroutine.
type Broadcaster interface {
	BroadcastEvent(ctx context.Context, eventType string, payload any)
}
