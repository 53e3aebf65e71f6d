package models

import "time"

// SessionState is the live record of one contact's progress through a flow.
// At most one exists per contact.
type SessionState struct {
	ContactID     string            `json:"contact_id"`
	FlowID        string            `json:"flow_id"`
	FlowSlug      string            `json:"flow_slug,omitempty"`
	CurrentNodeID string            `json:"current_node_id"`
	Variables     map[string]any    `json:"variables,omitempty"`
	Context       map[string]string `json:"context,omitempty"` // pass-through context such as the originating message id
	ExecutionID   string            `json:"execution_id,omitempty"`
	StartedAt     time.Time         `json:"started_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// NewSessionState creates a session seeded with the flow's default variables.
func NewSessionState(contactID string, flow *Flow, now time.Time) *SessionState {
	vars := make(map[string]any, len(flow.DefaultVariables))
	for k, v := range flow.DefaultVariables {
		vars[k] = v
	}
	return &SessionState{
		ContactID: contactID,
		FlowID:    flow.ID,
		FlowSlug:  flow.Slug,
		Variables: vars,
		Context:   map[string]string{},
		StartedAt: now,
		UpdatedAt: now,
	}
}

// SetVariable stores a value, allocating the map when needed.
func (s *SessionState) SetVariable(name string, value any) {
	if s.Variables == nil {
		s.Variables = map[string]any{}
	}
	s.Variables[name] = value
}
