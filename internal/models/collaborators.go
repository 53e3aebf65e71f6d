package models

import "time"

// IntentResult is the detected intent of a message.
type IntentResult struct {
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// UrgencyResult is the detected urgency of a message.
type UrgencyResult struct {
	Level string `json:"level"`
}

// LeadScoreResult is the lead score assigned to a message.
type LeadScoreResult struct {
	Value float64 `json:"value"`
}

// ClassificationResult is what the classifier returns for a message.
type ClassificationResult struct {
	Intent    IntentResult    `json:"intent"`
	Urgency   UrgencyResult   `json:"urgency"`
	LeadScore LeadScoreResult `json:"lead_score"`
	Sentiment string          `json:"sentiment,omitempty"`
}

// KnowledgeSource tells where a knowledge item came from.
type KnowledgeSource string

const (
	// KnowledgeLearned marks approved question/answer pairs written by human agents.
	KnowledgeLearned KnowledgeSource = "learned"
	// KnowledgeFAQ marks curated FAQ entries.
	KnowledgeFAQ KnowledgeSource = "faq"
)

// KnowledgeItem is one retrieved snippet.
type KnowledgeItem struct {
	ID       string          `json:"id,omitempty"`
	Source   KnowledgeSource `json:"source"`
	Question string          `json:"question"`
	Answer   string          `json:"answer"`
	Score    float64         `json:"score"`
	Quality  *float64        `json:"quality,omitempty"`
}

// PriceRecord is a current price for a product variant.
type PriceRecord struct {
	Product   string    `json:"product"`
	Variant   string    `json:"variant,omitempty"`
	Price     float64   `json:"price"`
	Currency  string    `json:"currency,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProductInfo is the product/variant guess extracted from a price question.
type ProductInfo struct {
	Product string `json:"product"`
	Variant string `json:"variant,omitempty"`
}

// Role of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ConversationTurn is one message of the recent history window.
type ConversationTurn struct {
	Role    Role      `json:"role"`
	Content string    `json:"content"`
	Time    time.Time `json:"time"`
}

// MessageDirection tells whether a stored message was received or sent.
type MessageDirection string

const (
	DirectionInbound  MessageDirection = "inbound"
	DirectionOutbound MessageDirection = "outbound"
)

// MessageRecord is a persisted conversation message.
type MessageRecord struct {
	ID               int64            `json:"id"`
	ContactID        string           `json:"contact_id"`
	Direction        MessageDirection `json:"direction"`
	Text             string           `json:"text"`
	Generated        bool             `json:"generated"` // produced by the generative fallback
	ChannelMessageID string           `json:"channel_message_id,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}

// Turn converts a stored message into a history turn.
func (m MessageRecord) Turn() ConversationTurn {
	role := RoleUser
	if m.Direction == DirectionOutbound {
		role = RoleAssistant
	}
	return ConversationTurn{Role: role, Content: m.Text, Time: m.CreatedAt}
}
