package sink

import (
	"context"
	"log"
)

// LogSink is the fallback sink used when no transport is configured. It keeps
// the dispatch path exercised in development without a broker.
type LogSink struct{}

func (LogSink) Send(_ context.Context, participantID string, event Event) error {
	log.Printf("sink: %s -> %s session=%s", event.Type, participantID, event.SessionID)
	return nil
}
