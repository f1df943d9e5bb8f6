package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "mirror.db"))
	if err != nil {
		t.Fatalf("open store failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedAccount(t *testing.T, s *Store, id string) {
	t.Helper()
	err := s.CreateAccount(context.Background(), &Account{
		ID:            id,
		UserID:        "u1",
		Provider:      "gmail",
		GrantID:       "grant-" + id,
		CredentialRef: "cred-" + id,
	})
	if err != nil {
		t.Fatalf("create account failed: %v", err)
	}
}

func TestClaimForSyncRejectsConcurrentClaim(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "a1")

	if err := s.ClaimForSync(ctx, "a1"); err != nil {
		t.Fatalf("first claim failed: %v", err)
	}

	if err := s.UpdateProgress(ctx, "a1", 7, 20); err != nil {
		t.Fatalf("update progress failed: %v", err)
	}

	err := s.ClaimForSync(ctx, "a1")
	if !errors.Is(err, ErrSyncInProgress) {
		t.Fatalf("second claim error = %v, want ErrSyncInProgress", err)
	}

	// The rejected claim must not have touched status or progress.
	a, err := s.GetAccount(ctx, "a1")
	if err != nil {
		t.Fatalf("get account failed: %v", err)
	}
	if a.SyncStatus != StatusSyncing {
		t.Fatalf("status = %s, want syncing", a.SyncStatus)
	}
	if a.SyncProgress != 7 || a.SyncTotal != 20 {
		t.Fatalf("progress = %d/%d, want 7/20", a.SyncProgress, a.SyncTotal)
	}
}

func TestClaimForSyncRefusesPausedAccount(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "a1")

	if err := s.MarkPaused(ctx, "a1"); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	if err := s.ClaimForSync(ctx, "a1"); !errors.Is(err, ErrAccountNotSyncable) {
		t.Fatalf("claim error = %v, want ErrAccountNotSyncable", err)
	}

	if err := s.Resume(ctx, "a1"); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	a, _ := s.GetAccount(ctx, "a1")
	if a.SyncStatus != StatusQueued {
		t.Fatalf("status after resume = %s, want queued", a.SyncStatus)
	}
}

func TestUpsertMessageIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "a1")

	m := &Message{
		AccountID:         "a1",
		ProviderMessageID: "msg-1",
		ThreadID:          "thread-1",
		Folder:            "inbox",
		Subject:           "hello",
		Sender:            "bob@example.com",
		Unread:            true,
		ReceivedAt:        time.Now(),
	}

	inserted, err := s.UpsertMessage(ctx, m)
	if err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	if !inserted {
		t.Fatalf("first upsert should insert")
	}

	inserted, err = s.UpsertMessage(ctx, m)
	if err != nil {
		t.Fatalf("re-delivery must not error: %v", err)
	}
	if inserted {
		t.Fatalf("re-delivery should not insert a second row")
	}

	n, err := s.MessageCount(ctx, "a1")
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("message count = %d, want 1", n)
	}
}

func TestUpsertMessageUpdatesFlags(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "a1")

	m := &Message{
		AccountID:         "a1",
		ProviderMessageID: "msg-1",
		ThreadID:          "thread-1",
		Folder:            "inbox",
		Unread:            true,
		ReceivedAt:        time.Now(),
	}
	if _, err := s.UpsertMessage(ctx, m); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	m.Unread = false
	if _, err := s.UpsertMessage(ctx, m); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	c, err := s.RecalculateFolder(ctx, "a1", "inbox")
	if err != nil {
		t.Fatalf("recalculate failed: %v", err)
	}
	if c.MessageCount != 1 || c.UnreadCount != 0 {
		t.Fatalf("counts = %+v, want 1 message, 0 unread", c)
	}
}

func TestRecalculateFolderIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "a1")

	msgs := []Message{
		{ProviderMessageID: "m1", Folder: "inbox", Unread: true},
		{ProviderMessageID: "m2", Folder: "inbox", Unread: true},
		{ProviderMessageID: "m3", Folder: "inbox"},
		{ProviderMessageID: "m4", Folder: "inbox", Trashed: true},
		{ProviderMessageID: "m5", Folder: "archive"},
	}
	for i := range msgs {
		msgs[i].AccountID = "a1"
		msgs[i].ThreadID = "t"
		msgs[i].ReceivedAt = time.Now()
		if _, err := s.UpsertMessage(ctx, &msgs[i]); err != nil {
			t.Fatalf("upsert %s failed: %v", msgs[i].ProviderMessageID, err)
		}
	}

	first, err := s.RecalculateFolder(ctx, "a1", "inbox")
	if err != nil {
		t.Fatalf("recalculate failed: %v", err)
	}
	second, err := s.RecalculateFolder(ctx, "a1", "inbox")
	if err != nil {
		t.Fatalf("recalculate failed: %v", err)
	}

	if first != second {
		t.Fatalf("recalculate not idempotent: %+v then %+v", first, second)
	}
	// Trashed messages are excluded from both counters.
	if first.MessageCount != 3 || first.UnreadCount != 2 {
		t.Fatalf("inbox counts = %+v, want 3 messages, 2 unread", first)
	}
}

func TestRecalculateAccountZeroesEmptiedFolders(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "a1")

	m := Message{AccountID: "a1", ProviderMessageID: "m1", ThreadID: "t", Folder: "spam", ReceivedAt: time.Now()}
	if _, err := s.UpsertMessage(ctx, &m); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if _, err := s.RecalculateAccount(ctx, "a1"); err != nil {
		t.Fatalf("recalculate failed: %v", err)
	}

	// The message moves out of spam; the folder row must drop to zero.
	m.Folder = "inbox"
	if _, err := s.UpsertMessage(ctx, &m); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	counts, err := s.RecalculateAccount(ctx, "a1")
	if err != nil {
		t.Fatalf("recalculate failed: %v", err)
	}

	if counts["spam"].MessageCount != 0 {
		t.Fatalf("spam count = %d, want 0", counts["spam"].MessageCount)
	}
	if counts["inbox"].MessageCount != 1 {
		t.Fatalf("inbox count = %d, want 1", counts["inbox"].MessageCount)
	}
}

func TestStaleSyncingFindsStuckAccounts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "a1")
	seedAccount(t, s, "a2")

	if err := s.ClaimForSync(ctx, "a1"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	// a1 heartbeat is fresh: not stale yet.
	stale, err := s.StaleSyncing(ctx, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("stale query failed: %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("expected no stale accounts, got %v", stale)
	}

	// With a cutoff in the future the claimed account reads as stuck.
	stale, err = s.StaleSyncing(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("stale query failed: %v", err)
	}
	if len(stale) != 1 || stale[0] != "a1" {
		t.Fatalf("stale = %v, want [a1]", stale)
	}

	if err := s.ForceReset(ctx, "a1", "sync worker lost"); err != nil {
		t.Fatalf("force reset failed: %v", err)
	}
	a, _ := s.GetAccount(ctx, "a1")
	if a.SyncStatus != StatusError || a.ErrorCount != 1 {
		t.Fatalf("after reset status=%s errors=%d, want error/1", a.SyncStatus, a.ErrorCount)
	}
}

func TestResolveGrant(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "a1")

	a, err := s.ResolveGrant(ctx, "grant-a1")
	if err != nil {
		t.Fatalf("resolve grant failed: %v", err)
	}
	if a.ID != "a1" {
		t.Fatalf("resolved account = %s, want a1", a.ID)
	}

	if _, err := s.ResolveGrant(ctx, "nope"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("unknown grant error = %v, want ErrAccountNotFound", err)
	}
}
