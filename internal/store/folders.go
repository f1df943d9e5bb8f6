package store

import (
	"context"
	"fmt"
	"time"
)

// FolderCounts are the aggregate counters for one (account, folder).
type FolderCounts struct {
	MessageCount int
	UnreadCount  int
}

// RecalculateFolder recomputes one folder's counters from a fresh count
// over the message table. Counters are never incremented in place, so
// running this any number of times yields the same result.
func (s *Store) RecalculateFolder(ctx context.Context, accountID, folder string) (FolderCounts, error) {
	var c FolderCounts
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(unread), 0)
		FROM messages
		WHERE account_id = ? AND folder = ? AND trashed = 0
	`, accountID, folder).Scan(&c.MessageCount, &c.UnreadCount)
	if err != nil {
		return FolderCounts{}, fmt.Errorf("failed to count folder %s: %w", folder, err)
	}

	if err := s.writeFolderCounts(ctx, accountID, folder, c); err != nil {
		return FolderCounts{}, err
	}
	return c, nil
}

// RecalculateAccount recomputes every folder of one account, including
// folders whose last message was removed (their counters drop to zero).
func (s *Store) RecalculateAccount(ctx context.Context, accountID string) (map[string]FolderCounts, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT name FROM folders WHERE account_id = ?
		UNION
		SELECT DISTINCT folder FROM messages WHERE account_id = ?
	`, accountID, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan folder name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate folders: %w", err)
	}

	out := make(map[string]FolderCounts, len(names))
	for _, name := range names {
		c, err := s.RecalculateFolder(ctx, accountID, name)
		if err != nil {
			return nil, err
		}
		out[name] = c
	}
	return out, nil
}

// RecalculateAll sweeps every account of a user, or every account when
// userID is empty. Used as a periodic consistency audit.
func (s *Store) RecalculateAll(ctx context.Context, userID string) error {
	query := `SELECT id FROM accounts`
	args := []any{}
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("failed to scan account id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate accounts: %w", err)
	}

	for _, id := range ids {
		if _, err := s.RecalculateAccount(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// GetFolderCounts reads the stored counters for one folder.
func (s *Store) GetFolderCounts(ctx context.Context, accountID, folder string) (FolderCounts, error) {
	var c FolderCounts
	err := s.DB.QueryRowContext(ctx, `
		SELECT message_count, unread_count FROM folders
		WHERE account_id = ? AND name = ?
	`, accountID, folder).Scan(&c.MessageCount, &c.UnreadCount)
	if err != nil {
		return FolderCounts{}, fmt.Errorf("failed to load folder counts: %w", err)
	}
	return c, nil
}

func (s *Store) writeFolderCounts(ctx context.Context, accountID, folder string, c FolderCounts) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO folders (account_id, name, message_count, unread_count, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id, name) DO UPDATE SET
			message_count = excluded.message_count,
			unread_count = excluded.unread_count,
			updated_at = excluded.updated_at
	`, accountID, folder, c.MessageCount, c.UnreadCount, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to write folder counts: %w", err)
	}
	return nil
}
