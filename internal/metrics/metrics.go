// Package metrics exposes prometheus instrumentation for the sync
// engine. All methods are safe on a nil receiver so wiring metrics
// stays optional in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's collectors.
type Metrics struct {
	JobsProcessed     *prometheus.CounterVec
	MessagesUpserted  prometheus.Counter
	WebhookEvents     *prometheus.CounterVec
	RateLimitDenials  prometheus.Counter
	AccountsSyncing   prometheus.Gauge
	ReconcileFailures prometheus.Counter
}

// New registers the engine collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailmirror_sync_jobs_total",
			Help: "Sync jobs processed, by outcome.",
		}, []string{"outcome"}),
		MessagesUpserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailmirror_messages_upserted_total",
			Help: "Messages written to the canonical store.",
		}),
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailmirror_webhook_events_total",
			Help: "Webhook events received, by type.",
		}, []string{"type"}),
		RateLimitDenials: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailmirror_rate_limit_denials_total",
			Help: "Provider calls that had to wait for budget.",
		}),
		AccountsSyncing: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mailmirror_accounts_syncing",
			Help: "Accounts currently in a sync job.",
		}),
		ReconcileFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailmirror_reconcile_failures_total",
			Help: "Folder count reconciliations that failed.",
		}),
	}
	reg.MustRegister(m.JobsProcessed, m.MessagesUpserted, m.WebhookEvents,
		m.RateLimitDenials, m.AccountsSyncing, m.ReconcileFailures)
	return m
}

// JobDone counts one finished job by outcome.
func (m *Metrics) JobDone(outcome string) {
	if m == nil {
		return
	}
	m.JobsProcessed.WithLabelValues(outcome).Inc()
}

// MessageUpserted counts one canonical message write.
func (m *Metrics) MessageUpserted() {
	if m == nil {
		return
	}
	m.MessagesUpserted.Inc()
}

// WebhookEvent counts one received webhook event by type.
func (m *Metrics) WebhookEvent(eventType string) {
	if m == nil {
		return
	}
	m.WebhookEvents.WithLabelValues(eventType).Inc()
}

// RateLimitDenied counts one budget denial.
func (m *Metrics) RateLimitDenied() {
	if m == nil {
		return
	}
	m.RateLimitDenials.Inc()
}

// SyncStarted and SyncFinished track the in-flight gauge.
func (m *Metrics) SyncStarted() {
	if m == nil {
		return
	}
	m.AccountsSyncing.Inc()
}

func (m *Metrics) SyncFinished() {
	if m == nil {
		return
	}
	m.AccountsSyncing.Dec()
}

// ReconcileFailed counts one failed reconciliation.
func (m *Metrics) ReconcileFailed() {
	if m == nil {
		return
	}
	m.ReconcileFailures.Inc()
}
