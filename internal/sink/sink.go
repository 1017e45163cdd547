// Package sink defines the event sink the engine publishes session events to.
// Delivery is fire-and-forget: the engine logs failures and never retries.
package sink

import (
	"context"
	"time"
)

const (
	EventSessionStarted = "session-started"
	EventEdit           = "edit"
	EventSessionEnded   = "session-ended"
)

type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId"`
	At        time.Time `json:"at"`
	Data      any       `json:"data,omitempty"`
}

type Sink interface {
	Send(ctx context.Context, participantID string, event Event) error
}
