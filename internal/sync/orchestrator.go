// Package sync drives the fetch → thread → write → reconcile pipeline
// for every account, one sync per account at a time.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/helmview/mailmirror/internal/credentials"
	"github.com/helmview/mailmirror/internal/metrics"
	"github.com/helmview/mailmirror/internal/queue"
	"github.com/helmview/mailmirror/internal/ratelimit"
	"github.com/helmview/mailmirror/internal/store"
	"github.com/helmview/mailmirror/internal/thread"
)

// CredentialSource supplies per-account tokens.
type CredentialSource interface {
	Token(ctx context.Context, credentialRef string) (*credentials.Token, error)
}

// BudgetFunc returns the rate budget for a provider.
type BudgetFunc func(provider string) ratelimit.Config

// Config tunes the orchestrator.
type Config struct {
	Workers      int
	PageSize     int
	MaxRetries   int
	SyncInterval time.Duration
	BaseBackoff  time.Duration
}

// Orchestrator owns the account state machine and the worker pool that
// drains the job queue. Accounts sync concurrently; a single account
// never syncs twice at once thanks to the store's atomic claim.
type Orchestrator struct {
	cfg       Config
	store     *store.Store
	queue     *queue.Queue
	limiter   *ratelimit.Limiter
	budget    BudgetFunc
	creds     CredentialSource
	providers ProviderFactory
	metrics   *metrics.Metrics
	logger    *zap.Logger

	wg sync.WaitGroup
}

// New creates an orchestrator.
func New(cfg Config, st *store.Store, q *queue.Queue, limiter *ratelimit.Limiter, budget BudgetFunc,
	creds CredentialSource, providers ProviderFactory, m *metrics.Metrics, logger *zap.Logger) *Orchestrator {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.PageSize < 1 {
		cfg.PageSize = 100
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 3
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 5 * time.Minute
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 5 * time.Second
	}
	return &Orchestrator{
		cfg:       cfg,
		store:     st,
		queue:     q,
		limiter:   limiter,
		budget:    budget,
		creds:     creds,
		providers: providers,
		metrics:   m,
		logger:    logger.Named("orchestrator"),
	}
}

// Start launches the worker pool. Workers stop when ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context) {
	for i := 0; i < o.cfg.Workers; i++ {
		o.wg.Add(1)
		go func(id int) {
			defer o.wg.Done()
			o.workerLoop(ctx, id)
		}(i)
	}
}

// Wait blocks until all workers have exited.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) workerLoop(ctx context.Context, id int) {
	idle := time.NewTicker(200 * time.Millisecond)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-idle.C:
		}

		for {
			job, ok := o.queue.DequeueNext()
			if !ok {
				break
			}
			o.process(ctx, job)
		}
	}
}

// TriggerSync enqueues a job for an account right now. Returns
// ErrSyncInProgress without mutating anything if the account is already
// mid-sync, and ErrAccountNotSyncable for paused or deactivated
// accounts, which need an explicit resume or reconnect first.
func (o *Orchestrator) TriggerSync(ctx context.Context, accountID string, jobType queue.JobType, priority int) error {
	a, err := o.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	switch a.SyncStatus {
	case store.StatusSyncing:
		return store.ErrSyncInProgress
	case store.StatusPaused, store.StatusInactive:
		return store.ErrAccountNotSyncable
	}

	o.queue.Enqueue(accountID, queue.Spec{
		Type:       jobType,
		Priority:   priority,
		MaxRetries: o.cfg.MaxRetries,
	})
	if err := o.store.MarkQueued(ctx, accountID); err != nil {
		o.logger.Warn("failed to mark account queued", zap.String("account", accountID), zap.Error(err))
	}
	return nil
}

// Pause asks an in-flight sync to stop at its next page boundary and
// keeps the account out of the scheduler.
func (o *Orchestrator) Pause(ctx context.Context, accountID string) error {
	return o.store.MarkPaused(ctx, accountID)
}

// Resume moves a paused account back into the queue.
func (o *Orchestrator) Resume(ctx context.Context, accountID string) error {
	if err := o.store.Resume(ctx, accountID); err != nil {
		return err
	}
	o.queue.Enqueue(accountID, queue.Spec{
		Type:       queue.TypeIncremental,
		Priority:   queue.PriorityHigh,
		MaxRetries: o.cfg.MaxRetries,
	})
	return nil
}

func (o *Orchestrator) process(ctx context.Context, job *queue.Job) {
	log := o.logger.With(zap.String("account", job.AccountID), zap.String("job", job.ID), zap.String("type", string(job.Type)))

	if err := o.store.ClaimForSync(ctx, job.AccountID); err != nil {
		switch {
		case errors.Is(err, store.ErrSyncInProgress):
			// An in-flight sync holds the claim. Defer the job rather
			// than dropping it, or a webhook arriving mid-sync would
			// wait for the next scheduled poll.
			o.queue.Requeue(job, o.cfg.BaseBackoff)
			log.Info("account mid-sync, job deferred")
			o.metrics.JobDone("deferred")
		case errors.Is(err, store.ErrAccountNotSyncable):
			log.Info("skipping job, account not claimable", zap.Error(err))
			o.metrics.JobDone("skipped")
		default:
			log.Error("claim failed", zap.Error(err))
			o.metrics.JobDone("error")
		}
		return
	}

	o.metrics.SyncStarted()
	defer o.metrics.SyncFinished()

	account, err := o.store.GetAccount(ctx, job.AccountID)
	if err != nil {
		log.Error("failed to load claimed account", zap.Error(err))
		o.failTerminal(ctx, job.AccountID, KindFatal, err)
		return
	}

	outcome, err := o.runJob(ctx, log, account, job)
	if err != nil {
		o.handleFailure(ctx, log, account, job, err)
		return
	}

	o.metrics.JobDone(outcome)
}

// runJob executes the pipeline for one claimed account. The returned
// outcome is "success" or "paused".
func (o *Orchestrator) runJob(ctx context.Context, log *zap.Logger, account *store.Account, job *queue.Job) (string, error) {
	token, err := o.creds.Token(ctx, account.CredentialRef)
	if err != nil {
		return "", fmt.Errorf("fetch credential: %w", err)
	}

	provider, err := o.providers(ctx, token, account)
	if err != nil {
		return "", fmt.Errorf("create provider: %w", err)
	}

	mode := ModeIncremental
	cursor := account.SyncCursor
	if job.Type == queue.TypeFull || cursor == "" {
		mode = ModeFull
		cursor = ""
	}

	pageSize := o.cfg.PageSize
	if v, ok := job.Metadata["limit"]; ok {
		if n, err := parsePositive(v); err == nil {
			pageSize = n
		}
	}

	budget := o.budget(account.Provider)
	processed := 0
	total := 0

	for {
		if err := o.limiter.Wait(ctx, account.Provider, budget); err != nil {
			return "", fmt.Errorf("rate limit wait: %w", err)
		}

		page, err := provider.Fetch(ctx, FetchRequest{
			AccountID: account.ID,
			Mode:      mode,
			Cursor:    cursor,
			Limit:     pageSize,
		})
		if err != nil {
			return "", fmt.Errorf("fetch page: %w", err)
		}

		if page.Rate != nil {
			if err := o.limiter.Observe(ctx, account.Provider, page.Rate.Limit, page.Rate.Remaining, page.Rate.ResetAt); err != nil {
				log.Warn("failed to track provider rate headers", zap.Error(err))
			}
		}
		if page.EstimatedTotal > total {
			total = page.EstimatedTotal
		}

		for _, pm := range page.Messages {
			msg := &store.Message{
				AccountID:         account.ID,
				ProviderMessageID: pm.ID,
				ThreadID:          o.threadID(account.Provider, pm),
				Folder:            pm.Folder,
				Subject:           pm.Subject,
				Sender:            pm.Sender,
				Unread:            pm.Unread,
				Starred:           pm.Starred,
				Trashed:           pm.Trashed,
				HasAttachments:    pm.HasAttachments,
				ReceivedAt:        pm.ReceivedAt,
			}
			if _, err := o.store.UpsertMessage(ctx, msg); err != nil {
				return "", fmt.Errorf("write message %s: %w", pm.ID, err)
			}
			o.metrics.MessageUpserted()
			processed++
		}

		if err := o.store.UpdateProgress(ctx, account.ID, processed, total); err != nil {
			log.Warn("failed to update progress", zap.Error(err))
		}

		if page.NextCursor != "" {
			cursor = page.NextCursor
		}
		if page.NextCursor == "" || len(page.Messages) == 0 {
			break
		}

		// Pause checkpoint between pages: no hard preemption mid-fetch.
		current, err := o.store.GetAccount(ctx, account.ID)
		if err == nil && current.SyncStatus == store.StatusPaused {
			if cursor != "" {
				if err := o.store.SaveCursor(ctx, account.ID, cursor); err != nil {
					log.Warn("failed to save cursor on pause", zap.Error(err))
				}
			}
			log.Info("sync paused mid-job", zap.Int("processed", processed))
			return "paused", nil
		}
	}

	if cursor != "" {
		if err := o.store.SaveCursor(ctx, account.ID, cursor); err != nil {
			return "", fmt.Errorf("save cursor: %w", err)
		}
	}

	// Reconciliation failure is logged and retried next cycle, never a
	// reason to fail the whole job.
	if _, err := o.store.RecalculateAccount(ctx, account.ID); err != nil {
		log.Warn("folder reconciliation failed", zap.Error(err))
		o.metrics.ReconcileFailed()
	}

	o.publishSynced(ctx, log, account, processed)

	if err := o.store.FinishSync(ctx, account.ID, time.Now().Add(o.cfg.SyncInterval)); err != nil {
		return "", fmt.Errorf("finish sync: %w", err)
	}

	log.Info("sync complete", zap.Int("messages", processed))
	return "success", nil
}

// threadID prefers the provider's own conversation id, tagged to keep
// providers from colliding, and falls back to header resolution.
func (o *Orchestrator) threadID(provider string, pm ProviderMessage) string {
	if pm.NativeThreadID != "" {
		return thread.ProviderThreadID(provider, pm.NativeThreadID)
	}
	return thread.Resolve(thread.Message{
		MessageID:  pm.ID,
		References: pm.References,
		InReplyTo:  pm.InReplyTo,
		Subject:    pm.Subject,
		Sender:     pm.Sender,
	})
}

func (o *Orchestrator) handleFailure(ctx context.Context, log *zap.Logger, account *store.Account, job *queue.Job, err error) {
	kind := Classify(err)
	log.Warn("sync job failed", zap.String("kind", kind.String()), zap.Error(err))

	switch kind {
	case KindAuth, KindFatal:
		o.failTerminal(ctx, account.ID, kind, err)
	default:
		job.RetryCount++
		maxRetries := job.MaxRetries
		if maxRetries <= 0 {
			maxRetries = o.cfg.MaxRetries
		}
		if job.RetryCount >= maxRetries {
			o.failTerminal(ctx, account.ID, kind, err)
			return
		}

		backoff := o.cfg.BaseBackoff << (job.RetryCount - 1)
		if kind == KindRateLimited {
			o.metrics.RateLimitDenied()
		}
		if serr := o.store.MarkRetrying(ctx, account.ID, categorized(kind, err)); serr != nil {
			log.Error("failed to mark account retrying", zap.Error(serr))
		}
		o.queue.Requeue(job, backoff)
		o.metrics.JobDone("retried")
	}
}

func (o *Orchestrator) failTerminal(ctx context.Context, accountID string, kind ErrorKind, err error) {
	if serr := o.store.FailSync(ctx, accountID, categorized(kind, err)); serr != nil {
		o.logger.Error("failed to record sync failure", zap.String("account", accountID), zap.Error(serr))
	}
	o.metrics.JobDone(kind.String())
}

// categorized attributes the raw error to its taxonomy bucket before it
// becomes user-visible.
func categorized(kind ErrorKind, err error) string {
	return fmt.Sprintf("%s: %v", kind, err)
}

func (o *Orchestrator) publishSynced(ctx context.Context, log *zap.Logger, account *store.Account, processed int) {
	payload, err := json.Marshal(map[string]any{
		"event_id":   uuid.NewString(),
		"ts":         time.Now().Unix(),
		"account_id": account.ID,
		"user_id":    account.UserID,
		"provider":   account.Provider,
		"messages":   processed,
	})
	if err != nil {
		log.Warn("failed to encode sync event", zap.Error(err))
		return
	}

	subject := fmt.Sprintf("user.%s.mail.synced", account.UserID)
	msgID := fmt.Sprintf("mail.synced|%s|%d", account.ID, time.Now().UnixNano())
	if err := o.store.EnqueueOutbox(ctx, subject, "mail.synced", payload, msgID); err != nil {
		log.Warn("failed to enqueue sync event", zap.Error(err))
	}
}

func parsePositive(s string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, err
	}
	if n < 1 {
		return 0, fmt.Errorf("not positive: %d", n)
	}
	return n, nil
}
