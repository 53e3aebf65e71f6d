// Package events publishes structured engine events to real-time monitors.
//
// Publishing is best effort: a sink that fails logs the problem and the engine carries on.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type names an engine event.
type Type string

const (
	FlowStarted      Type = "flow_started"
	NodeStarted      Type = "node_started"
	NodeCompleted    Type = "node_completed"
	FlowCompleted    Type = "flow_completed"
	FlowTransferred  Type = "flow_transferred"
	FlowFailed       Type = "flow_failed"
	FlowInterrupted  Type = "flow_interrupted"
	AIFallback       Type = "ai_fallback"
	ActionExecuted   Type = "action_executed"
	MessageReceived  Type = "message_received"
	KeywordTriggered Type = "keyword_triggered"
)

// Event is one structured observation.
type Event struct {
	ID          string         `json:"id"`
	Type        Type           `json:"type"`
	ContactID   string         `json:"contact_id,omitempty"`
	FlowID      string         `json:"flow_id,omitempty"`
	ExecutionID string         `json:"execution_id,omitempty"`
	NodeID      string         `json:"node_id,omitempty"`
	NodeType    string         `json:"node_type,omitempty"`
	Status      string         `json:"status,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	DurationMS  int64          `json:"duration_ms,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Time        time.Time      `json:"time"`
}

// Publisher receives events.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// stamp fills the id and time when the caller left them empty.
func stamp(e *Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
}

// Multi fans an event out to several publishers.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) {
	stamp(&e)
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, e)
		}
	}
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

// SlogPublisher writes events to the structured log.
type SlogPublisher struct {
	Logger *slog.Logger
	Level  slog.Level
}

func (p SlogPublisher) Publish(ctx context.Context, e Event) {
	stamp(&e)
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Log(ctx, p.Level, "event "+string(e.Type),
		"contactID", e.ContactID, "flowID", e.FlowID, "executionID", e.ExecutionID,
		"nodeID", e.NodeID, "status", e.Status, "reason", e.Reason)
}

// Recorder keeps events in memory. Useful for tests and for the debug endpoint.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) {
	stamp(&e)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Type, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}
