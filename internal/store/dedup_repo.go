package store

import (
	"time"
)

// DedupRecord is the first sighting of a channel message id and the contact it came from.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	ContactID   string     `json:"contact_id"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo defines the interface for inbound message deduplication.
type DedupRepo interface {
	// IsDuplicate checks if a message ID has already been seen.
	IsDuplicate(messageID string) (bool, error)

	// GetInbound returns the recorded sighting of a message ID, or nil, nil when unseen.
	GetInbound(messageID string) (*DedupRecord, error)

	// RecordInbound inserts a new inbound message record. Returns false if the
	// message was already recorded (duplicate).
	RecordInbound(messageID, contactID string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a message.
	MarkProcessed(messageID string) error
}
