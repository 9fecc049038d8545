package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// QueueName identifies a logical queue, one per pipeline stage
type QueueName string

const (
	QueueScan     QueueName = "scan"
	QueueAnalysis QueueName = "analysis"
)

// ParseQueueName rejects unknown queue names
func ParseQueueName(name string) (QueueName, error) {
	switch q := QueueName(name); q {
	case QueueScan, QueueAnalysis:
		return q, nil
	default:
		return "", fmt.Errorf("unknown queue %q", name)
	}
}

// ErrDeadJobNotFound is returned by RetryDead for ids that are not dead
var ErrDeadJobNotFound = errors.New("dead job not found")

// EnqueueOptions controls how a job is scheduled
type EnqueueOptions struct {
	// Delay postpones the first delivery
	Delay time.Duration

	// MaxAttempts overrides the queue's retry policy for this job
	MaxAttempts int

	// JobID makes enqueue idempotent: a second enqueue with the same id is a no-op
	JobID string
}

// Delivery is a reserved job. It stays on the queue until Complete is called.
type Delivery struct {
	ID          string
	Queue       QueueName
	Payload     []byte
	Attempt     int
	MaxAttempts int
	EnqueuedAt  time.Time
}

// FailOutcome tells what happened to a failed delivery
type FailOutcome string

const (
	FailOutcomeRetry FailOutcome = "retry"
	FailOutcomeDead  FailOutcome = "dead"
)

// QueueStats counts jobs per state
type QueueStats struct {
	Queue   QueueName `json:"queue"`
	Ready   int64     `json:"ready"`
	Delayed int64     `json:"delayed"`
	Active  int64     `json:"active"`
	Dead    int64     `json:"dead"`
}

// DeadLetter is a job that exhausted its attempts or failed permanently
type DeadLetter struct {
	ID        string          `json:"id"`
	Queue     QueueName       `json:"queue"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error"`
}

// JobQueue is an at-least-once work queue with delayed delivery and bounded retries
type JobQueue interface {
	// Enqueue adds a job and returns its id
	Enqueue(ctx context.Context, queue QueueName, payload []byte, opts EnqueueOptions) (string, error)

	// Reserve leases the next ready job, or returns nil when there is none
	Reserve(ctx context.Context, queue QueueName) (*Delivery, error)

	// Complete removes a delivered job from the queue
	Complete(ctx context.Context, d *Delivery) error

	// Fail schedules a retry with backoff, or moves the job to the dead list when
	// attempts are exhausted or cause is permanent
	Fail(ctx context.Context, d *Delivery, cause error) (FailOutcome, error)

	// PromoteDue moves delayed jobs whose time has come to the ready list
	PromoteDue(ctx context.Context, queue QueueName) (int, error)

	// RequeueExpired returns jobs whose lease ran out to the ready list
	RequeueExpired(ctx context.Context, queue QueueName) (int, error)

	// Stats counts jobs per state
	Stats(ctx context.Context, queue QueueName) (*QueueStats, error)

	// DeadLetters lists up to limit dead jobs, most recent first
	DeadLetters(ctx context.Context, queue QueueName, limit int) ([]*DeadLetter, error)

	// RetryDead moves a dead job back to the ready list with a fresh attempt budget
	RetryDead(ctx context.Context, queue QueueName, id string) error

	// Close releases the queue's connections
	Close() error
}

// EnqueueJSON marshals payload and enqueues it
func EnqueueJSON(ctx context.Context, q JobQueue, queue QueueName, payload any, opts EnqueueOptions) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s payload: %w", queue, err)
	}
	return q.Enqueue(ctx, queue, data, opts)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The queue moves the job straight to dead.
func Permanent(err error) error {
	if err == nil || IsPermanent(err) {
		return err
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
