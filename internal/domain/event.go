package domain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"pipegate.io/pipegate/internal/pkg/logger"
)

// EventType defines the type of run lifecycle event.
type EventType string

const (
	EventRunAdmitted  EventType = "RUN_ADMITTED"
	EventRunSucceeded EventType = "RUN_SUCCEEDED"
	EventRunFailed    EventType = "RUN_FAILED"
	EventRunCancelled EventType = "RUN_CANCELLED"
)

// EventForOutcome returns the event type driven by a terminal queue state.
func EventForOutcome(state RunState) (EventType, bool) {
	switch state {
	case RunSucceeded:
		return EventRunSucceeded, true
	case RunFailed:
		return EventRunFailed, true
	case RunCancelled:
		return EventRunCancelled, true
	}
	return "", false
}

// RunEvent is published to billing/notification collaborators when a run
// reaches a terminal state (and on admission, for audit consumers).
type RunEvent struct {
	EventType  EventType `json:"event_type"`
	QueueID    string    `json:"queue_id"`
	OrgID      string    `json:"org_id"`
	PipelineID string    `json:"pipeline_id"`
	Outcome    RunState  `json:"outcome,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// EventHandler processes a run event.
type EventHandler func(ctx context.Context, event *RunEvent) error

// EventDispatcher routes run events to registered handlers.
type EventDispatcher struct {
	handlers map[EventType][]EventHandler
	mu       sync.RWMutex
}

// NewEventDispatcher creates a new EventDispatcher.
func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{
		handlers: make(map[EventType][]EventHandler),
	}
}

// Register registers a handler for a specific event type.
func (d *EventDispatcher) Register(eventType EventType, handler EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[eventType] = append(d.handlers[eventType], handler)
}

// Dispatch dispatches an event to all registered handlers.
// Handlers run sequentially; a failing handler is logged but does not stop
// the remaining handlers (best-effort delivery).
func (d *EventDispatcher) Dispatch(ctx context.Context, event *RunEvent) error {
	d.mu.RLock()
	handlers := d.handlers[event.EventType]
	d.mu.RUnlock()

	if len(handlers) == 0 {
		logger.Debug("No handlers registered for event type",
			zap.String("event_type", string(event.EventType)),
			zap.String("queue_id", event.QueueID),
		)
		return nil
	}

	var firstErr error
	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			logger.Error("Event handler failed",
				zap.String("event_type", string(event.EventType)),
				zap.String("queue_id", event.QueueID),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("handler for %s failed: %w", event.EventType, err)
			}
		}
	}

	return firstErr
}
