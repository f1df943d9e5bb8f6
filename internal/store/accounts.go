package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SyncStatus is the per-account state machine position. Only the
// orchestrator and the recovery sweep may change it.
type SyncStatus string

const (
	StatusIdle     SyncStatus = "idle"
	StatusQueued   SyncStatus = "queued"
	StatusSyncing  SyncStatus = "syncing"
	StatusPaused   SyncStatus = "paused"
	StatusError    SyncStatus = "error"
	StatusInactive SyncStatus = "inactive"
)

var (
	// ErrSyncInProgress is returned when a claim races an active sync.
	ErrSyncInProgress = errors.New("sync already in progress")
	// ErrAccountNotFound is returned for unknown account ids.
	ErrAccountNotFound = errors.New("account not found")
	// ErrAccountNotSyncable is returned when claiming a paused or
	// deactivated account.
	ErrAccountNotSyncable = errors.New("account is not syncable")
)

// Account is one connected mailbox.
type Account struct {
	ID                   string
	UserID               string
	Provider             string
	GrantID              string
	CredentialRef        string
	SyncStatus           SyncStatus
	SyncProgress         int
	SyncTotal            int
	SyncCursor           string
	LastSyncAt           time.Time
	LastSuccessfulSyncAt time.Time
	LastSyncError        string
	ErrorCount           int
	ConsecutiveErrors    int
	NextScheduledSyncAt  time.Time
	HeartbeatAt          time.Time
}

// CreateAccount inserts a new account in idle state.
func (s *Store) CreateAccount(ctx context.Context, a *Account) error {
	now := time.Now().Unix()
	status := a.SyncStatus
	if status == "" {
		status = StatusIdle
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO accounts
		(id, user_id, provider, grant_id, credential_ref, sync_status, next_scheduled_sync_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.UserID, a.Provider, a.GrantID, a.CredentialRef, status, nullUnix(a.NextScheduledSyncAt), now, now)
	if err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

// GetAccount loads one account by id.
func (s *Store) GetAccount(ctx context.Context, id string) (*Account, error) {
	return s.getAccountBy(ctx, "id", id)
}

// ResolveGrant maps a provider grant id to the internal account.
func (s *Store) ResolveGrant(ctx context.Context, grantID string) (*Account, error) {
	return s.getAccountBy(ctx, "grant_id", grantID)
}

func (s *Store) getAccountBy(ctx context.Context, column, value string) (*Account, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, user_id, provider, grant_id, credential_ref, sync_status,
		       sync_progress, sync_total, sync_cursor,
		       last_sync_at, last_successful_sync_at, last_sync_error,
		       error_count, consecutive_errors, next_scheduled_sync_at, heartbeat_at
		FROM accounts WHERE `+column+` = ?
	`, value)

	var a Account
	var lastSync, lastOK, nextSync, heartbeat sql.NullInt64
	err := row.Scan(&a.ID, &a.UserID, &a.Provider, &a.GrantID, &a.CredentialRef, &a.SyncStatus,
		&a.SyncProgress, &a.SyncTotal, &a.SyncCursor,
		&lastSync, &lastOK, &a.LastSyncError,
		&a.ErrorCount, &a.ConsecutiveErrors, &nextSync, &heartbeat)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to load account: %w", err)
	}

	a.LastSyncAt = fromUnix(lastSync)
	a.LastSuccessfulSyncAt = fromUnix(lastOK)
	a.NextScheduledSyncAt = fromUnix(nextSync)
	a.HeartbeatAt = fromUnix(heartbeat)
	return &a, nil
}

// ClaimForSync atomically moves an account into syncing. The guard is a
// single conditional update, not a read-then-write, so two workers can
// never claim the same account. Progress is reset as part of the claim.
func (s *Store) ClaimForSync(ctx context.Context, id string) error {
	now := time.Now().Unix()
	res, err := s.DB.ExecContext(ctx, `
		UPDATE accounts
		SET sync_status = ?, sync_progress = 0, sync_total = 0,
		    last_sync_at = ?, heartbeat_at = ?, updated_at = ?
		WHERE id = ? AND sync_status NOT IN (?, ?, ?)
	`, StatusSyncing, now, now, now, id, StatusSyncing, StatusPaused, StatusInactive)
	if err != nil {
		return fmt.Errorf("failed to claim account: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read claim result: %w", err)
	}
	if n == 1 {
		return nil
	}

	a, err := s.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	if a.SyncStatus == StatusSyncing {
		return ErrSyncInProgress
	}
	return ErrAccountNotSyncable
}

// MarkQueued flags an account as having pending work. No-op for
// accounts that are syncing, paused or inactive.
func (s *Store) MarkQueued(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE accounts SET sync_status = ?, updated_at = ?
		WHERE id = ? AND sync_status IN (?, ?)
	`, StatusQueued, time.Now().Unix(), id, StatusIdle, StatusError)
	if err != nil {
		return fmt.Errorf("failed to mark queued: %w", err)
	}
	return nil
}

// UpdateProgress records sync progress and refreshes the liveness
// heartbeat the recovery sweep checks.
func (s *Store) UpdateProgress(ctx context.Context, id string, progress, total int) error {
	now := time.Now().Unix()
	_, err := s.DB.ExecContext(ctx, `
		UPDATE accounts
		SET sync_progress = ?, sync_total = ?, heartbeat_at = ?, updated_at = ?
		WHERE id = ?
	`, progress, total, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	return nil
}

// SaveCursor persists the provider delta cursor for the next
// incremental sync.
func (s *Store) SaveCursor(ctx context.Context, id, cursor string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE accounts SET sync_cursor = ?, updated_at = ? WHERE id = ?
	`, cursor, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

// FinishSync marks a successful sync: back to idle, error streak reset.
func (s *Store) FinishSync(ctx context.Context, id string, nextSyncAt time.Time) error {
	now := time.Now().Unix()
	_, err := s.DB.ExecContext(ctx, `
		UPDATE accounts
		SET sync_status = ?, last_successful_sync_at = ?, last_sync_error = '',
		    consecutive_errors = 0, next_scheduled_sync_at = ?, updated_at = ?
		WHERE id = ? AND sync_status = ?
	`, StatusIdle, now, nullUnix(nextSyncAt), now, id, StatusSyncing)
	if err != nil {
		return fmt.Errorf("failed to finish sync: %w", err)
	}
	return nil
}

// FailSync moves the account to error and bumps both error counters.
func (s *Store) FailSync(ctx context.Context, id, syncErr string) error {
	now := time.Now().Unix()
	_, err := s.DB.ExecContext(ctx, `
		UPDATE accounts
		SET sync_status = ?, last_sync_error = ?,
		    error_count = error_count + 1, consecutive_errors = consecutive_errors + 1,
		    updated_at = ?
		WHERE id = ?
	`, StatusError, syncErr, now, id)
	if err != nil {
		return fmt.Errorf("failed to fail sync: %w", err)
	}
	return nil
}

// MarkRetrying puts a transiently-failed account back in queued without
// bumping the terminal error counters.
func (s *Store) MarkRetrying(ctx context.Context, id, syncErr string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE accounts SET sync_status = ?, last_sync_error = ?, updated_at = ?
		WHERE id = ? AND sync_status = ?
	`, StatusQueued, syncErr, time.Now().Unix(), id, StatusSyncing)
	if err != nil {
		return fmt.Errorf("failed to mark retrying: %w", err)
	}
	return nil
}

// MarkPaused parks the account. An in-flight job observes this between
// batches and stops early.
func (s *Store) MarkPaused(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE accounts SET sync_status = ?, updated_at = ?
		WHERE id = ? AND sync_status IN (?, ?, ?)
	`, StatusPaused, time.Now().Unix(), id, StatusIdle, StatusQueued, StatusSyncing)
	if err != nil {
		return fmt.Errorf("failed to pause account: %w", err)
	}
	return nil
}

// Resume moves a paused account back to queued.
func (s *Store) Resume(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE accounts SET sync_status = ?, updated_at = ?
		WHERE id = ? AND sync_status = ?
	`, StatusQueued, time.Now().Unix(), id, StatusPaused)
	if err != nil {
		return fmt.Errorf("failed to resume account: %w", err)
	}
	return nil
}

// Reactivate clears an inactive or errored account so the scheduler
// picks it up again, typically after credentials were refreshed.
func (s *Store) Reactivate(ctx context.Context, id string) error {
	now := time.Now().Unix()
	_, err := s.DB.ExecContext(ctx, `
		UPDATE accounts
		SET sync_status = ?, last_sync_error = '', consecutive_errors = 0, updated_at = ?
		WHERE id = ? AND sync_status IN (?, ?)
	`, StatusIdle, now, id, StatusInactive, StatusError)
	if err != nil {
		return fmt.Errorf("failed to reactivate account: %w", err)
	}
	return nil
}

// Deactivate parks an account whose grant is gone. Bypasses the job
// queue entirely.
func (s *Store) Deactivate(ctx context.Context, id, reason string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE accounts SET sync_status = ?, last_sync_error = ?, updated_at = ?
		WHERE id = ?
	`, StatusInactive, reason, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to deactivate account: %w", err)
	}
	return nil
}

// DueAccounts lists idle accounts whose scheduled sync time has passed.
// Accounts in error with an auth failure stay out until reactivated.
func (s *Store) DueAccounts(ctx context.Context, now time.Time) ([]*Account, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id FROM accounts
		WHERE sync_status = ?
		  AND next_scheduled_sync_at IS NOT NULL
		  AND next_scheduled_sync_at <= ?
		ORDER BY next_scheduled_sync_at
	`, StatusIdle, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query due accounts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan account id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate due accounts: %w", err)
	}

	accounts := make([]*Account, 0, len(ids))
	for _, id := range ids {
		a, err := s.GetAccount(ctx, id)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, nil
}

// StaleSyncing lists accounts stuck in syncing with no heartbeat since
// the cutoff. These are casualties of a crashed worker.
func (s *Store) StaleSyncing(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id FROM accounts
		WHERE sync_status = ? AND (heartbeat_at IS NULL OR heartbeat_at < ?)
	`, StatusSyncing, cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query stale accounts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan account id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ForceReset recovers a stuck account: status to error, counters bumped.
// Only valid while the account still reads as syncing.
func (s *Store) ForceReset(ctx context.Context, id, reason string) error {
	now := time.Now().Unix()
	_, err := s.DB.ExecContext(ctx, `
		UPDATE accounts
		SET sync_status = ?, last_sync_error = ?,
		    error_count = error_count + 1, consecutive_errors = consecutive_errors + 1,
		    updated_at = ?
		WHERE id = ? AND sync_status = ?
	`, StatusError, reason, now, id, StatusSyncing)
	if err != nil {
		return fmt.Errorf("failed to force reset account: %w", err)
	}
	return nil
}

func nullUnix(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func fromUnix(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(v.Int64, 0)
}
