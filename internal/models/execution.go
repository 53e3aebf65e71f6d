package models

import (
	"time"
	"unicode/utf8"
)

// ExecutionStatus is the lifecycle status of one flow run.
type ExecutionStatus string

const (
	ExecutionRunning     ExecutionStatus = "running"
	ExecutionCompleted   ExecutionStatus = "completed"
	ExecutionFailed      ExecutionStatus = "failed"
	ExecutionTransferred ExecutionStatus = "transferred"
)

// IsTerminal reports whether the status finalizes a run.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionTransferred
}

// StepStatus is the outcome of a single executed node.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepWaiting   StepStatus = "waiting" // suspended on a question
	StepSkipped   StepStatus = "skipped" // unknown node passed through
)

// ExecutionStep records one executed node.
type ExecutionStep struct {
	NodeID     string     `json:"node_id"`
	NodeType   NodeType   `json:"node_type"`
	Status     StepStatus `json:"status"`
	Output     string     `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	DurationMS int64      `json:"duration_ms"`
}

// ExecutionLog is the append-only record of one flow run.
type ExecutionLog struct {
	ID             string                `json:"id"`
	FlowID         string                `json:"flow_id"`
	FlowSlug       string                `json:"flow_slug,omitempty"`
	ContactID      string                `json:"contact_id"`
	Status         ExecutionStatus       `json:"status"`
	Steps          []ExecutionStep       `json:"steps"`
	Variables      map[string]any        `json:"variables,omitempty"`
	TriggerMessage string                `json:"trigger_message,omitempty"`
	TriggerType    TriggerType           `json:"trigger_type,omitempty"`
	Classification *ClassificationResult `json:"classification,omitempty"`
	FinalNodeID    string                `json:"final_node_id,omitempty"`
	Reason         string                `json:"reason,omitempty"`
	StartedAt      time.Time             `json:"started_at"`
	FinishedAt     *time.Time            `json:"finished_at,omitempty"`
}

// TruncateOutput shortens s to MaxStepOutputLength runes.
func TruncateOutput(s string) string {
	if utf8.RuneCountInString(s) <= MaxStepOutputLength {
		return s
	}
	r := []rune(s)
	return string(r[:MaxStepOutputLength]) + "…"
}
