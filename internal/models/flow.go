package models

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// TriggerType selects how a flow is activated by an inbound message.
type TriggerType string

const (
	// TriggerKeyword matches when the message contains one of the configured keywords.
	TriggerKeyword TriggerType = "keyword"
	// TriggerClassification matches on intent, urgency and lead score constraints.
	TriggerClassification TriggerType = "classification"
	// TriggerIntent matches on intent membership above a confidence threshold.
	TriggerIntent TriggerType = "intent"
	// TriggerAlways matches every message.
	TriggerAlways TriggerType = "always"
)

// Trigger is the activation condition of a flow.
type Trigger struct {
	Type          TriggerType `json:"type"`
	Keywords      []string    `json:"keywords,omitempty"`
	Intents       []string    `json:"intents,omitempty"`
	Urgency       string      `json:"urgency,omitempty"`
	MinLeadScore  *float64    `json:"min_lead_score,omitempty"`
	MinConfidence float64     `json:"min_confidence,omitempty" validate:"gte=0,lte=1"`
}

// Connection is the default "next" edge between two nodes.
type Connection struct {
	From string `json:"from" validate:"required"`
	To   string `json:"to" validate:"required"`
}

// Flow is a loaded conversation graph. A Flow is treated as immutable for the duration of a
// processing pass; the catalog replaces whole values on reload.
type Flow struct {
	ID               string         `json:"id" validate:"required"`
	Slug             string         `json:"slug"`
	Name             string         `json:"name" validate:"required"`
	IsDefault        bool           `json:"is_default"`
	Active           bool           `json:"active"`
	Priority         int            `json:"priority"`
	Intents          []string       `json:"intents,omitempty"` // intents this flow handles; used by interruption and routing
	Trigger          Trigger        `json:"trigger"`
	Nodes            []Node         `json:"nodes" validate:"required,min=1,dive"`
	Connections      []Connection   `json:"connections,omitempty" validate:"dive"`
	DefaultVariables map[string]any `json:"default_variables,omitempty"`
	RunOnce          bool           `json:"run_once,omitempty"`          // completed contacts get a personalized greeting instead
	PersistVariables []string       `json:"persist_variables,omitempty"` // empty persists every variable
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the flow definition: required fields, unique node ids, and that every
// connection and condition target references a node of the flow.
func (f *Flow) Validate() error {
	if f.ID == "" {
		return ErrMissingFlowID
	}
	if len(f.Nodes) == 0 {
		return ErrEmptyFlow
	}
	if err := validate.Struct(f); err != nil {
		return fmt.Errorf("invalid flow %s: %w", f.ID, err)
	}

	ids := make(map[string]struct{}, len(f.Nodes))
	for _, n := range f.Nodes {
		if _, dup := ids[n.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateNodeID, n.ID)
		}
		ids[n.ID] = struct{}{}
	}
	for _, c := range f.Connections {
		if _, ok := ids[c.From]; !ok {
			return fmt.Errorf("%w: connection from %s", ErrUnknownNodeRef, c.From)
		}
		if _, ok := ids[c.To]; !ok {
			return fmt.Errorf("%w: connection to %s", ErrUnknownNodeRef, c.To)
		}
	}
	for _, n := range f.Nodes {
		switch spec := n.Spec.(type) {
		case *ConditionNode:
			for _, r := range spec.Rules {
				if _, ok := ids[r.Target]; !ok {
					return fmt.Errorf("%w: condition %s targets %s", ErrUnknownNodeRef, n.ID, r.Target)
				}
			}
			if spec.Else != "" {
				if _, ok := ids[spec.Else]; !ok {
					return fmt.Errorf("%w: condition %s else %s", ErrUnknownNodeRef, n.ID, spec.Else)
				}
			}
		case *QuestionNode:
			for _, o := range spec.Options {
				if o.Label == "" && o.Value == "" {
					return fmt.Errorf("%w: question %s", ErrMissingOptionText, n.ID)
				}
			}
		}
	}
	return nil
}

// Node returns the node with the given id.
func (f *Flow) Node(id string) (*Node, bool) {
	for i := range f.Nodes {
		if f.Nodes[i].ID == id {
			return &f.Nodes[i], true
		}
	}
	return nil, false
}

// Next returns the target of the first connection leaving nodeID, or "" when there is none.
func (f *Flow) Next(nodeID string) string {
	for _, c := range f.Connections {
		if c.From == nodeID {
			return c.To
		}
	}
	return ""
}

// EntryNode returns the first trigger node, or the first node when the flow has no trigger node.
func (f *Flow) EntryNode() *Node {
	for i := range f.Nodes {
		if f.Nodes[i].Type == NodeTypeTrigger {
			return &f.Nodes[i]
		}
	}
	if len(f.Nodes) == 0 {
		return nil
	}
	return &f.Nodes[0]
}

// HandlesIntent reports whether the flow declares the given intent.
func (f *Flow) HandlesIntent(intent string) bool {
	for _, i := range f.Intents {
		if i == intent {
			return true
		}
	}
	return false
}
