// Package execlog records one execution log per flow run.
//
// A run is created at flow start, gets one step per executed node, and is finalized exactly once.
// Storage failures are logged and swallowed; they never change conversational state.
package execlog

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/events"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/google/uuid"
)

// StartInput describes how a run was triggered.
type StartInput struct {
	Flow           *models.Flow
	ContactID      string
	TriggerMessage string
	Classification *models.ClassificationResult
	Variables      map[string]any
}

// Logger writes execution logs and mirrors them as events.
type Logger struct {
	repo   store.ExecutionRepo
	events events.Publisher
	now    func() time.Time
}

// New creates a Logger. A nil publisher drops events.
func New(repo store.ExecutionRepo, pub events.Publisher) *Logger {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Logger{repo: repo, events: pub, now: time.Now}
}

// Start creates a running log and returns its id. The id is returned even if storage fails so
// the run can proceed.
func (l *Logger) Start(ctx context.Context, in StartInput) string {
	id := uuid.NewString()
	log := models.ExecutionLog{
		ID:             id,
		FlowID:         in.Flow.ID,
		FlowSlug:       in.Flow.Slug,
		ContactID:      in.ContactID,
		Status:         models.ExecutionRunning,
		Variables:      in.Variables,
		TriggerMessage: in.TriggerMessage,
		TriggerType:    in.Flow.Trigger.Type,
		Classification: in.Classification,
		StartedAt:      l.now(),
	}
	if err := l.repo.CreateExecution(log); err != nil {
		slog.Error("Logger.Start: create execution failed", "executionID", id, "flowID", in.Flow.ID, "error", err)
	}
	l.events.Publish(ctx, events.Event{
		Type:        events.FlowStarted,
		ContactID:   in.ContactID,
		FlowID:      in.Flow.ID,
		ExecutionID: id,
		Data:        map[string]any{"trigger": string(in.Flow.Trigger.Type)},
	})
	return id
}

// NodeStarted announces a node about to run. Only the event is emitted; the step is written on
// completion so each executed node is exactly one step.
func (l *Logger) NodeStarted(ctx context.Context, executionID, contactID, flowID string, node *models.Node) {
	l.events.Publish(ctx, events.Event{
		Type:        events.NodeStarted,
		ContactID:   contactID,
		FlowID:      flowID,
		ExecutionID: executionID,
		NodeID:      node.ID,
		NodeType:    string(node.Type),
	})
}

// Step appends one executed node to the run.
func (l *Logger) Step(ctx context.Context, executionID, contactID, flowID string, step models.ExecutionStep) {
	if executionID == "" {
		return
	}
	step.Output = models.TruncateOutput(step.Output)
	if err := l.repo.AppendExecutionStep(executionID, step); err != nil {
		slog.Warn("Logger.Step: append failed", "executionID", executionID, "nodeID", step.NodeID, "error", err)
	}
	l.events.Publish(ctx, events.Event{
		Type:        events.NodeCompleted,
		ContactID:   contactID,
		FlowID:      flowID,
		ExecutionID: executionID,
		NodeID:      step.NodeID,
		NodeType:    string(step.NodeType),
		Status:      string(step.Status),
		DurationMS:  step.DurationMS,
	})
}

// FinishInput carries the terminal state of a run.
type FinishInput struct {
	ExecutionID string
	ContactID   string
	FlowID      string
	Status      models.ExecutionStatus
	FinalNodeID string
	Reason      string
	Variables   map[string]any
}

// Finish finalizes the run. Only the first call for a run has effect; it reports whether this
// call was the one that finalized.
func (l *Logger) Finish(ctx context.Context, in FinishInput) bool {
	if in.ExecutionID == "" {
		return false
	}
	ok, err := l.repo.FinalizeExecution(in.ExecutionID, store.Finalization{
		Status:      in.Status,
		FinalNodeID: in.FinalNodeID,
		Reason:      in.Reason,
		Variables:   in.Variables,
		FinishedAt:  l.now(),
	})
	if err != nil {
		slog.Error("Logger.Finish: finalize failed", "executionID", in.ExecutionID, "status", in.Status, "error", err)
		return false
	}
	if !ok {
		slog.Debug("Logger.Finish: execution already finalized", "executionID", in.ExecutionID)
		return false
	}
	l.events.Publish(ctx, events.Event{
		Type:        finishEvent(in.Status),
		ContactID:   in.ContactID,
		FlowID:      in.FlowID,
		ExecutionID: in.ExecutionID,
		NodeID:      in.FinalNodeID,
		Status:      string(in.Status),
		Reason:      in.Reason,
	})
	return true
}

func finishEvent(s models.ExecutionStatus) events.Type {
	switch s {
	case models.ExecutionCompleted:
		return events.FlowCompleted
	case models.ExecutionTransferred:
		return events.FlowTransferred
	default:
		return events.FlowFailed
	}
}

// Get returns a stored run.
func (l *Logger) Get(id string) (*models.ExecutionLog, error) {
	return l.repo.GetExecution(id)
}
