package store

import (
	"context"
	"fmt"
	"time"
)

// MessageRecord is an archived bus message in a terminal state.
type MessageRecord struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Priority  string    `json:"priority"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Payload   []byte    `json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) ArchiveMessages(ctx context.Context, msgs []MessageRecord) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, m := range msgs {
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO messages (id, sender, recipient, priority, status, reason, payload, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.Sender, m.Recipient, m.Priority, m.Status, m.Reason, m.Payload, m.CreatedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("archive message %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) GetMessages(ctx context.Context, recipient string, limit int) ([]MessageRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender, recipient, priority, status, COALESCE(reason, ''), payload, created_at
		FROM messages
		WHERE recipient = ?
		ORDER BY created_at DESC
		LIMIT ?`, recipient, limit)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var messages []MessageRecord
	for rows.Next() {
		var m MessageRecord
		var created int64
		if err := rows.Scan(&m.ID, &m.Sender, &m.Recipient, &m.Priority, &m.Status, &m.Reason, &m.Payload, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = time.Unix(0, created)
		messages = append(messages, m)
	}

	// Reverse to get chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, rows.Err()
}
