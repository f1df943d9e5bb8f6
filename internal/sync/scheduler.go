package sync

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/helmview/mailmirror/internal/queue"
	"github.com/helmview/mailmirror/internal/store"
)

// SchedulerConfig tunes the background loops.
type SchedulerConfig struct {
	PollInterval   time.Duration
	SweepInterval  time.Duration
	StaleThreshold time.Duration
	AuditInterval  time.Duration
	MaxRetries     int
}

// Scheduler enqueues polling jobs for due accounts, recovers accounts
// stuck in syncing after a worker crash, and audits folder counters.
type Scheduler struct {
	cfg    SchedulerConfig
	store  *store.Store
	queue  *queue.Queue
	logger *zap.Logger
}

// NewScheduler creates a scheduler.
func NewScheduler(cfg SchedulerConfig, st *store.Store, q *queue.Queue, logger *zap.Logger) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = 10 * time.Minute
	}
	if cfg.AuditInterval <= 0 {
		cfg.AuditInterval = time.Hour
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 3
	}
	return &Scheduler{cfg: cfg, store: st, queue: q, logger: logger.Named("scheduler")}
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	poll := time.NewTicker(s.cfg.PollInterval)
	sweep := time.NewTicker(s.cfg.SweepInterval)
	audit := time.NewTicker(s.cfg.AuditInterval)
	defer poll.Stop()
	defer sweep.Stop()
	defer audit.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			s.enqueueDue(ctx)
		case <-sweep.C:
			s.recoverStuck(ctx)
		case <-audit.C:
			if err := s.store.RecalculateAll(ctx, ""); err != nil {
				s.logger.Warn("folder count audit failed", zap.Error(err))
			}
		}
	}
}

// enqueueDue schedules incremental syncs for idle accounts whose next
// sync time has passed. Paused and errored accounts are left alone; an
// auth error in particular needs external re-authorization first.
func (s *Scheduler) enqueueDue(ctx context.Context) {
	accounts, err := s.store.DueAccounts(ctx, time.Now())
	if err != nil {
		s.logger.Warn("failed to list due accounts", zap.Error(err))
		return
	}

	for _, a := range accounts {
		s.queue.Enqueue(a.ID, queue.Spec{
			Type:       queue.TypeIncremental,
			Priority:   queue.PriorityScheduled,
			MaxRetries: s.cfg.MaxRetries,
		})
		if err := s.store.MarkQueued(ctx, a.ID); err != nil {
			s.logger.Warn("failed to mark account queued", zap.String("account", a.ID), zap.Error(err))
		}
	}

	if len(accounts) > 0 {
		s.logger.Info("enqueued scheduled syncs", zap.Int("accounts", len(accounts)))
	}
}

// recoverStuck force-resets accounts whose sync heartbeat went silent,
// the footprint of an orchestrator that died mid-job.
func (s *Scheduler) recoverStuck(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.StaleThreshold)
	ids, err := s.store.StaleSyncing(ctx, cutoff)
	if err != nil {
		s.logger.Warn("failed to scan for stuck syncs", zap.Error(err))
		return
	}

	for _, id := range ids {
		s.logger.Warn("recovering stuck sync", zap.String("account", id))
		if err := s.store.ForceReset(ctx, id, "transient: sync worker lost, heartbeat stale"); err != nil {
			s.logger.Error("failed to reset stuck account", zap.String("account", id), zap.Error(err))
		}
	}
}
