// Package dispatch fans accepted edits and lifecycle events out to
// participant sinks. Each session gets its own FIFO queue and delivery
// goroutine, so delivery order matches log order and a slow sink never blocks
// the engine's critical section.
package dispatch

import (
	"context"
	"log"
	"sync"
	"time"

	"coedit/internal/engine"
	"coedit/internal/sink"
)

const sendTimeout = 5 * time.Second

type Dispatcher struct {
	sink sink.Sink

	mu     sync.Mutex
	queues map[string]*queue
}

type item struct {
	event      sink.Event
	recipients []string
	final      bool
}

type queue struct {
	mu    sync.Mutex
	items []item
	wake  chan struct{}
}

func New(eventSink sink.Sink) *Dispatcher {
	return &Dispatcher{
		sink:   eventSink,
		queues: make(map[string]*queue),
	}
}

func (d *Dispatcher) SessionOpened(sessionID string) {
	q := &queue{wake: make(chan struct{}, 1)}
	d.mu.Lock()
	d.queues[sessionID] = q
	d.mu.Unlock()
	go d.deliver(sessionID, q)
}

func (d *Dispatcher) SessionStarted(snapshot engine.SessionSnapshot, recipients []string) {
	d.enqueue(snapshot.ID, item{
		event: sink.Event{
			Type:      sink.EventSessionStarted,
			SessionID: snapshot.ID,
			At:        time.Now(),
			Data:      snapshot,
		},
		recipients: recipients,
	})
}

func (d *Dispatcher) EditAccepted(sessionID string, edit engine.Edit, recipients []string) {
	d.enqueue(sessionID, item{
		event: sink.Event{
			Type:      sink.EventEdit,
			SessionID: sessionID,
			At:        time.Now(),
			Data:      edit,
		},
		recipients: recipients,
	})
}

func (d *Dispatcher) SessionEnded(snapshot engine.SessionSnapshot, merge engine.MergeResult, recipients []string) {
	d.enqueue(snapshot.ID, item{
		event: sink.Event{
			Type:      sink.EventSessionEnded,
			SessionID: snapshot.ID,
			At:        time.Now(),
			Data: map[string]any{
				"session": snapshot,
				"merge":   merge,
			},
		},
		recipients: recipients,
	})
}

// SessionClosed enqueues the stop sentinel. The delivery goroutine drains
// everything ahead of it before exiting, so terminal events still go out.
func (d *Dispatcher) SessionClosed(sessionID string) {
	d.enqueue(sessionID, item{final: true})
}

// enqueue never blocks the caller; the engine invokes it while holding a
// session's critical section.
func (d *Dispatcher) enqueue(sessionID string, it item) {
	d.mu.Lock()
	q, ok := d.queues[sessionID]
	d.mu.Unlock()
	if !ok {
		return
	}

	q.mu.Lock()
	q.items = append(q.items, it)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) deliver(sessionID string, q *queue) {
	for range q.wake {
		for {
			q.mu.Lock()
			if len(q.items) == 0 {
				q.mu.Unlock()
				break
			}
			batch := q.items
			q.items = nil
			q.mu.Unlock()

			for _, it := range batch {
				if it.final {
					d.mu.Lock()
					delete(d.queues, sessionID)
					d.mu.Unlock()
					return
				}
				d.send(it)
			}
		}
	}
}

func (d *Dispatcher) send(it item) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	for _, participantID := range it.recipients {
		if err := d.sink.Send(ctx, participantID, it.event); err != nil {
			log.Printf("dispatch: send %s to %s failed: %v", it.event.Type, participantID, err)
		}
	}
}
