package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

var (
	_ DedupRepo = (*SQLiteStore)(nil)
	_ DedupRepo = (*PostgresStore)(nil)
)

func (s *sqlStore) IsDuplicate(messageID string) (bool, error) {
	rec, err := s.GetInbound(messageID)
	return rec != nil, err
}

func (s *sqlStore) GetInbound(messageID string) (*DedupRecord, error) {
	var rec DedupRecord
	var processed sql.NullTime
	err := s.db.QueryRow(s.q(`
		SELECT message_id, contact_id, received_at, processed_at
		FROM inbound_dedup WHERE message_id = ?`), messageID).Scan(
		&rec.MessageID, &rec.ContactID, &rec.ReceivedAt, &processed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dedup lookup failed: %w", err)
	}
	if processed.Valid {
		rec.ProcessedAt = &processed.Time
	}
	return &rec, nil
}

// RecordInbound relies on the primary key, so two deliveries racing on the same id
// insert exactly one row.
func (s *sqlStore) RecordInbound(messageID, contactID string) (bool, error) {
	res, err := s.db.Exec(s.q(`
		INSERT INTO inbound_dedup (message_id, contact_id, received_at) VALUES (?, ?, ?)
		ON CONFLICT (message_id) DO NOTHING`),
		messageID, contactID, time.Now())
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup rows affected check failed: %w", err)
	}
	if n == 0 {
		slog.Debug(s.name+" RecordInbound duplicate", "messageID", messageID, "contactID", contactID)
	}
	return n > 0, nil
}

func (s *sqlStore) MarkProcessed(messageID string) error {
	_, err := s.db.Exec(s.q(`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`), time.Now(), messageID)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}
