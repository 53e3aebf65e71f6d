package models

import (
	"strings"
	"time"
)

// InboundMessage is one message received from a contact.
type InboundMessage struct {
	ContactID  string    `json:"contact_id"`
	Text       string    `json:"text"`
	MessageID  string    `json:"message_id,omitempty"`
	ChoiceID   string    `json:"choice_id,omitempty"` // selectable-choice identifier from a button or list click
	Channel    string    `json:"channel,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Validate checks required fields.
func (m *InboundMessage) Validate() error {
	if strings.TrimSpace(m.ContactID) == "" {
		return ErrEmptyContact
	}
	if strings.TrimSpace(m.Text) == "" && m.ChoiceID == "" {
		return ErrEmptyText
	}
	if len(m.Text) > MaxMessageLength {
		return ErrMessageTooLong
	}
	return nil
}

// ResultType tells the caller what happened to an inbound message.
type ResultType string

const (
	ResultMessageSent          ResultType = "message_sent"
	ResultWaitingForResponse   ResultType = "waiting_for_response"
	ResultFlowCompleted        ResultType = "flow_completed"
	ResultTransferToHuman      ResultType = "transfer_to_human"
	ResultAIFallback           ResultType = "ai_fallback"
	ResultPersonalizedGreeting ResultType = "personalized_greeting"
	ResultNoResponse           ResultType = "no_response"
	ResultFlowError            ResultType = "flow_error"
)

// ProcessResult is returned by the engine for every inbound message.
type ProcessResult struct {
	Type        ResultType `json:"type"`
	FlowID      string     `json:"flow_id,omitempty"`
	NodeID      string     `json:"node_id,omitempty"`
	ExecutionID string     `json:"execution_id,omitempty"`
	Message     string     `json:"message,omitempty"`
	Parts       []string   `json:"parts,omitempty"`
	TeamHint    string     `json:"team_hint,omitempty"`
	Retry       bool       `json:"retry,omitempty"`
	Reason      string     `json:"reason,omitempty"`
}

// KeywordAction is what a global keyword does.
type KeywordAction string

const (
	KeywordReset KeywordAction = "reset"
	KeywordStop  KeywordAction = "stop"
	KeywordHuman KeywordAction = "human"
	KeywordReply KeywordAction = "reply"
)

// GlobalKeyword is checked before any flow logic, regardless of session state.
type GlobalKeyword struct {
	Keyword  string        `json:"keyword" koanf:"keyword" validate:"required"`
	Action   KeywordAction `json:"action" koanf:"action" validate:"required,oneof=reset stop human reply"`
	Response string        `json:"response,omitempty" koanf:"response"`
}

// NormalizeKeyword lowercases and trims text for keyword comparison.
func NormalizeKeyword(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
