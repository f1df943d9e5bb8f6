package store

import (
	"context"
	"fmt"
	"time"
)

// Message is the canonical mail record. Writes go through UpsertMessage
// only; the dedup key is (account_id, provider_message_id).
type Message struct {
	AccountID         string
	ProviderMessageID string
	ThreadID          string
	Folder            string
	Subject           string
	Sender            string
	Unread            bool
	Starred           bool
	Trashed           bool
	HasAttachments    bool
	ReceivedAt        time.Time
}

// UpsertMessage writes a message idempotently. Re-delivery of a message
// already in the store updates its mutable fields and reports
// inserted=false; it is never an error.
func (s *Store) UpsertMessage(ctx context.Context, m *Message) (inserted bool, err error) {
	now := time.Now().Unix()

	res, err := s.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages
		(account_id, provider_message_id, thread_id, folder, subject, sender,
		 unread, starred, trashed, has_attachments, received_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.AccountID, m.ProviderMessageID, m.ThreadID, m.Folder, m.Subject, m.Sender,
		boolInt(m.Unread), boolInt(m.Starred), boolInt(m.Trashed), boolInt(m.HasAttachments),
		m.ReceivedAt.Unix(), now, now)
	if err != nil {
		return false, fmt.Errorf("failed to insert message: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	if n == 1 {
		return true, nil
	}

	_, err = s.DB.ExecContext(ctx, `
		UPDATE messages
		SET thread_id = ?, folder = ?, subject = ?, sender = ?,
		    unread = ?, starred = ?, trashed = ?, has_attachments = ?,
		    received_at = ?, updated_at = ?
		WHERE account_id = ? AND provider_message_id = ?
	`, m.ThreadID, m.Folder, m.Subject, m.Sender,
		boolInt(m.Unread), boolInt(m.Starred), boolInt(m.Trashed), boolInt(m.HasAttachments),
		m.ReceivedAt.Unix(), now,
		m.AccountID, m.ProviderMessageID)
	if err != nil {
		return false, fmt.Errorf("failed to update message: %w", err)
	}
	return false, nil
}

// ThreadMessageIDs returns the provider message ids of a thread, oldest
// first. Used by status consumers and tests.
func (s *Store) ThreadMessageIDs(ctx context.Context, threadID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT provider_message_id FROM messages
		WHERE thread_id = ?
		ORDER BY received_at
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query thread: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan message id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MessageCount counts every non-trashed message of an account.
func (s *Store) MessageCount(ctx context.Context, accountID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE account_id = ? AND trashed = 0
	`, accountID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
