package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zatekoja/aivisibility/internal/domain/providers"
)

// ErrQueueClosed is returned by a closed in-memory queue
var ErrQueueClosed = errors.New("queue closed")

type memoryJob struct {
	id          string
	payload     []byte
	attempts    int
	maxAttempts int
	enqueuedAt  time.Time
	dueAt       time.Time
	leaseUntil  time.Time
	lastError   string
}

type memoryLane struct {
	ready   []string
	delayed map[string]struct{}
	active  map[string]struct{}
	dead    []string
	jobs    map[string]*memoryJob
}

func newMemoryLane() *memoryLane {
	return &memoryLane{
		delayed: make(map[string]struct{}),
		active:  make(map[string]struct{}),
		jobs:    make(map[string]*memoryJob),
	}
}

// MemoryQueue is a process-local JobQueue with the same delivery semantics as
// RedisQueue. Used in tests and with QUEUE_BACKEND=memory for single process runs.
type MemoryQueue struct {
	mu     sync.Mutex
	opts   Options
	lanes  map[providers.QueueName]*memoryLane
	closed bool
}

// NewMemoryQueue creates an in-memory job queue
func NewMemoryQueue(opts Options) *MemoryQueue {
	return &MemoryQueue{
		opts:  opts.withDefaults(),
		lanes: make(map[providers.QueueName]*memoryLane),
	}
}

func (q *MemoryQueue) lane(name providers.QueueName) *memoryLane {
	l, ok := q.lanes[name]
	if !ok {
		l = newMemoryLane()
		q.lanes[name] = l
	}
	return l
}

// Enqueue adds a job
func (q *MemoryQueue) Enqueue(_ context.Context, queue providers.QueueName, payload []byte, opts providers.EnqueueOptions) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrQueueClosed
	}

	id := opts.JobID
	if id == "" {
		id = uuid.New().String()
	}
	l := q.lane(queue)
	if _, exists := l.jobs[id]; exists {
		return id, nil
	}

	now := q.opts.Now()
	job := &memoryJob{
		id:          id,
		payload:     append([]byte(nil), payload...),
		maxAttempts: q.opts.maxAttempts(opts.MaxAttempts),
		enqueuedAt:  now,
	}
	l.jobs[id] = job
	if opts.Delay > 0 {
		job.dueAt = now.Add(opts.Delay)
		l.delayed[id] = struct{}{}
	} else {
		l.ready = append(l.ready, id)
	}
	return id, nil
}

// Reserve leases the oldest ready job
func (q *MemoryQueue) Reserve(_ context.Context, queue providers.QueueName) (*providers.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}

	l := q.lane(queue)
	for len(l.ready) > 0 {
		id := l.ready[0]
		l.ready = l.ready[1:]
		job, ok := l.jobs[id]
		if !ok {
			continue
		}
		job.attempts++
		job.leaseUntil = q.opts.Now().Add(q.opts.Lease)
		l.active[id] = struct{}{}
		return &providers.Delivery{
			ID:          id,
			Queue:       queue,
			Payload:     append([]byte(nil), job.payload...),
			Attempt:     job.attempts,
			MaxAttempts: job.maxAttempts,
			EnqueuedAt:  job.enqueuedAt,
		}, nil
	}
	return nil, nil
}

// Complete forgets a delivered job
func (q *MemoryQueue) Complete(_ context.Context, d *providers.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	l := q.lane(d.Queue)
	delete(l.active, d.ID)
	delete(l.jobs, d.ID)
	return nil
}

// Fail schedules a retry with backoff or dead-letters the job
func (q *MemoryQueue) Fail(_ context.Context, d *providers.Delivery, cause error) (providers.FailOutcome, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	l := q.lane(d.Queue)
	delete(l.active, d.ID)
	job, ok := l.jobs[d.ID]
	if !ok {
		return providers.FailOutcomeDead, nil
	}
	job.leaseUntil = time.Time{}
	if cause != nil {
		job.lastError = cause.Error()
	}

	if providers.IsPermanent(cause) || d.Attempt >= d.MaxAttempts {
		l.dead = append([]string{d.ID}, l.dead...)
		return providers.FailOutcomeDead, nil
	}

	job.dueAt = q.opts.Now().Add(q.opts.Retry.Backoff(d.Attempt))
	l.delayed[d.ID] = struct{}{}
	return providers.FailOutcomeRetry, nil
}

// PromoteDue moves due delayed jobs to the ready list in due order
func (q *MemoryQueue) PromoteDue(_ context.Context, queue providers.QueueName) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	l := q.lane(queue)
	now := q.opts.Now()
	var due []*memoryJob
	for id := range l.delayed {
		if job := l.jobs[id]; job != nil && !job.dueAt.After(now) {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].dueAt.Before(due[j].dueAt) })

	for _, job := range due {
		delete(l.delayed, job.id)
		l.ready = append(l.ready, job.id)
	}
	return len(due), nil
}

// RequeueExpired puts jobs with an expired lease at the front of the ready list
func (q *MemoryQueue) RequeueExpired(_ context.Context, queue providers.QueueName) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	l := q.lane(queue)
	now := q.opts.Now()
	requeued := 0
	for id := range l.active {
		job := l.jobs[id]
		if job == nil {
			delete(l.active, id)
			continue
		}
		if job.leaseUntil.After(now) {
			continue
		}
		delete(l.active, id)
		job.leaseUntil = time.Time{}
		l.ready = append([]string{id}, l.ready...)
		requeued++
	}
	return requeued, nil
}

// Stats counts jobs per state
func (q *MemoryQueue) Stats(_ context.Context, queue providers.QueueName) (*providers.QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	l := q.lane(queue)
	return &providers.QueueStats{
		Queue:   queue,
		Ready:   int64(len(l.ready)),
		Delayed: int64(len(l.delayed)),
		Active:  int64(len(l.active)),
		Dead:    int64(len(l.dead)),
	}, nil
}

// DeadLetters lists dead jobs, most recent first
func (q *MemoryQueue) DeadLetters(_ context.Context, queue providers.QueueName, limit int) ([]*providers.DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	l := q.lane(queue)
	if limit <= 0 || limit > len(l.dead) {
		limit = len(l.dead)
	}
	letters := make([]*providers.DeadLetter, 0, limit)
	for _, id := range l.dead[:limit] {
		job := l.jobs[id]
		letters = append(letters, &providers.DeadLetter{
			ID:        id,
			Queue:     queue,
			Payload:   append([]byte(nil), job.payload...),
			Attempts:  job.attempts,
			LastError: job.lastError,
		})
	}
	return letters, nil
}

// RetryDead makes a dead job ready again with a fresh attempt budget
func (q *MemoryQueue) RetryDead(_ context.Context, queue providers.QueueName, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	l := q.lane(queue)
	for i, deadID := range l.dead {
		if deadID != id {
			continue
		}
		l.dead = append(l.dead[:i], l.dead[i+1:]...)
		job := l.jobs[id]
		job.attempts = 0
		job.lastError = ""
		l.ready = append(l.ready, id)
		return nil
	}
	return providers.ErrDeadJobNotFound
}

// Close stops the queue; further Enqueue and Reserve calls fail
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

var _ providers.JobQueue = (*MemoryQueue)(nil)
