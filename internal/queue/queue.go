// Package queue holds pending sync jobs: prioritized, gated on their
// scheduled time and deduplicated so an account never has more than one
// job waiting.
package queue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobType selects between a full historical fetch and a delta fetch.
type JobType string

const (
	TypeFull        JobType = "full"
	TypeIncremental JobType = "incremental"
)

// Priorities, lower is more urgent. Webhook-created messages jump the
// line; scheduled polling runs at the back.
const (
	PriorityImmediate = 0
	PriorityHigh      = 5
	PriorityScheduled = 10
)

// Spec describes the job to enqueue.
type Spec struct {
	Type         JobType
	Priority     int
	ScheduledFor time.Time
	MaxRetries   int
	Metadata     map[string]string
}

// Job is one unit of sync work for an account.
type Job struct {
	ID           string
	AccountID    string
	Type         JobType
	Priority     int
	ScheduledFor time.Time
	RetryCount   int
	MaxRetries   int
	Metadata     map[string]string

	index int
}

// Queue is an in-memory priority queue of sync jobs.
type Queue struct {
	mu      sync.Mutex
	heap    jobHeap
	pending map[string]*Job
	now     func() time.Time
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{pending: make(map[string]*Job), now: time.Now}
}

// Enqueue adds a job for an account. If the account already has a
// pending job, the existing entry is updated in place instead: a more
// urgent priority wins, an earlier schedule wins, a full sync upgrade
// sticks, and metadata is merged. No duplicate ever enters the queue.
func (q *Queue) Enqueue(accountID string, spec Spec) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueueLocked(accountID, spec)
}

func (q *Queue) enqueueLocked(accountID string, spec Spec) *Job {
	scheduledFor := spec.ScheduledFor
	if scheduledFor.IsZero() {
		scheduledFor = q.now()
	}

	if existing, ok := q.pending[accountID]; ok {
		if spec.Priority < existing.Priority {
			existing.Priority = spec.Priority
		}
		if scheduledFor.Before(existing.ScheduledFor) {
			existing.ScheduledFor = scheduledFor
		}
		if spec.Type == TypeFull {
			existing.Type = TypeFull
		}
		for k, v := range spec.Metadata {
			if existing.Metadata == nil {
				existing.Metadata = make(map[string]string)
			}
			existing.Metadata[k] = v
		}
		heap.Fix(&q.heap, existing.index)
		return existing
	}

	job := &Job{
		ID:           uuid.NewString(),
		AccountID:    accountID,
		Type:         spec.Type,
		Priority:     spec.Priority,
		ScheduledFor: scheduledFor,
		MaxRetries:   spec.MaxRetries,
		Metadata:     spec.Metadata,
	}
	heap.Push(&q.heap, job)
	q.pending[accountID] = job
	return job
}

// DequeueNext removes and returns the most urgent eligible job: lowest
// priority first, ties broken by earliest schedule. Jobs scheduled in
// the future stay queued.
func (q *Queue) DequeueNext() (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	best := -1
	for i, j := range q.heap {
		if j.ScheduledFor.After(now) {
			continue
		}
		if best == -1 || less(j, q.heap[best]) {
			best = i
		}
	}
	if best == -1 {
		return nil, false
	}

	job := heap.Remove(&q.heap, best).(*Job)
	delete(q.pending, job.AccountID)
	return job, true
}

// Requeue puts a failed job back with a delay. The caller has already
// bumped RetryCount. A single critical section covers the dedup lookup
// and the retry-count attach, so no partially-built job is ever visible
// to a dequeuer, and the dedup invariant holds if a webhook raced in a
// new job for the same account.
func (q *Queue) Requeue(job *Job, backoff time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j := q.enqueueLocked(job.AccountID, Spec{
		Type:         job.Type,
		Priority:     job.Priority,
		ScheduledFor: q.now().Add(backoff),
		MaxRetries:   job.MaxRetries,
		Metadata:     job.Metadata,
	})
	if j.RetryCount < job.RetryCount {
		j.RetryCount = job.RetryCount
	}
}

// Pending reports whether an account has a queued job.
func (q *Queue) Pending(accountID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.pending[accountID]
	return ok
}

// Len returns the number of queued jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

func less(a, b *Job) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.ScheduledFor.Before(b.ScheduledFor)
}

type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool { return less(h[i], h[j]) }

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	job := x.(*Job)
	job.index = len(*h)
	*h = append(*h, job)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return job
}
