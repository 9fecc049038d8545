package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/zatekoja/aivisibility/internal/domain/providers"
	redisclient "github.com/zatekoja/aivisibility/internal/infrastructure/clients/redis"
)

const promoteBatch = 100

// enqueueScript creates the job hash and schedules the id in one step.
// KEYS: job hash, ready list, delayed set. ARGV: id, payload, max attempts,
// enqueued at, due (unix ms, 0 for immediately). Returns 0 if the id exists.
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'payload', ARGV[2], 'attempts', '0', 'max_attempts', ARGV[3], 'enqueued_at', ARGV[4])
if tonumber(ARGV[5]) > 0 then
	redis.call('ZADD', KEYS[3], ARGV[5], ARGV[1])
else
	redis.call('LPUSH', KEYS[2], ARGV[1])
end
return 1
`)

// Job hash fields
const (
	fieldPayload     = "payload"
	fieldAttempts    = "attempts"
	fieldMaxAttempts = "max_attempts"
	fieldLeaseUntil  = "lease_until"
	fieldLastError   = "last_error"
	fieldEnqueuedAt  = "enqueued_at"
)

// RedisQueue implements JobQueue on Redis lists and sorted sets.
//
// Per queue: a ready list (LPUSH in, LMOVE out from the right), an active
// list of leased ids, a delayed sorted set scored by due time in unix ms,
// and a dead list. Job state lives in one hash per job.
type RedisQueue struct {
	client *redisclient.Client
	opts   Options
}

// NewRedisQueue creates a Redis backed job queue
func NewRedisQueue(client *redisclient.Client, opts Options) *RedisQueue {
	return &RedisQueue{client: client, opts: opts.withDefaults()}
}

type queueKeys struct {
	ready, delayed, active, dead string
	name                         providers.QueueName
}

func keysFor(queue providers.QueueName) queueKeys {
	prefix := "queue:" + string(queue)
	return queueKeys{
		ready:   prefix + ":ready",
		delayed: prefix + ":delayed",
		active:  prefix + ":active",
		dead:    prefix + ":dead",
		name:    queue,
	}
}

func (k queueKeys) job(id string) string {
	return "queue:" + string(k.name) + ":job:" + id
}

func unixMs(t time.Time) int64 {
	return t.UnixMilli()
}

// Enqueue adds a job. With opts.JobID set, enqueueing an id that is still
// known to the queue is a no-op.
func (q *RedisQueue) Enqueue(ctx context.Context, queue providers.QueueName, payload []byte, opts providers.EnqueueOptions) (string, error) {
	rdb := q.client.Client()
	keys := keysFor(queue)

	id := opts.JobID
	if id == "" {
		id = uuid.New().String()
	}
	var due int64
	if opts.Delay > 0 {
		due = unixMs(q.opts.Now().Add(opts.Delay))
	}

	created, err := enqueueScript.Run(ctx, rdb,
		[]string{keys.job(id), keys.ready, keys.delayed},
		id, payload, q.opts.maxAttempts(opts.MaxAttempts), unixMs(q.opts.Now()), due,
	).Int()
	if err != nil {
		return "", fmt.Errorf("failed to enqueue %s job: %w", queue, err)
	}
	if created == 0 {
		log.Debug().Str("queue", string(queue)).Str("queue_job_id", id).Msg("Job already enqueued")
	}
	return id, nil
}

// Reserve moves the oldest ready job to the active list and leases it
func (q *RedisQueue) Reserve(ctx context.Context, queue providers.QueueName) (*providers.Delivery, error) {
	rdb := q.client.Client()
	keys := keysFor(queue)

	for {
		id, err := rdb.LMove(ctx, keys.ready, keys.active, "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to reserve %s job: %w", queue, err)
		}

		jobKey := keys.job(id)
		fields, err := rdb.HGetAll(ctx, jobKey).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to load %s job %s: %w", queue, id, err)
		}
		if len(fields) == 0 {
			// Completed by an earlier holder after its lease was requeued.
			rdb.LRem(ctx, keys.active, 0, id)
			continue
		}

		attempt, err := rdb.HIncrBy(ctx, jobKey, fieldAttempts, 1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to count attempt of %s job %s: %w", queue, id, err)
		}
		now := q.opts.Now()
		if err := rdb.HSet(ctx, jobKey, fieldLeaseUntil, unixMs(now.Add(q.opts.Lease))).Err(); err != nil {
			return nil, fmt.Errorf("failed to lease %s job %s: %w", queue, id, err)
		}

		maxAttempts, _ := strconv.Atoi(fields[fieldMaxAttempts])
		enqueuedAt, _ := strconv.ParseInt(fields[fieldEnqueuedAt], 10, 64)
		return &providers.Delivery{
			ID:          id,
			Queue:       queue,
			Payload:     []byte(fields[fieldPayload]),
			Attempt:     int(attempt),
			MaxAttempts: q.opts.maxAttempts(maxAttempts),
			EnqueuedAt:  time.UnixMilli(enqueuedAt),
		}, nil
	}
}

// Complete acknowledges a delivery and forgets the job
func (q *RedisQueue) Complete(ctx context.Context, d *providers.Delivery) error {
	keys := keysFor(d.Queue)
	_, err := q.client.Client().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, keys.active, 0, d.ID)
		pipe.Del(ctx, keys.job(d.ID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to complete %s job %s: %w", d.Queue, d.ID, err)
	}
	return nil
}

// Fail schedules a retry after the policy's backoff, or dead-letters the job
func (q *RedisQueue) Fail(ctx context.Context, d *providers.Delivery, cause error) (providers.FailOutcome, error) {
	keys := keysFor(d.Queue)
	jobKey := keys.job(d.ID)
	now := q.opts.Now()

	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}

	outcome := providers.FailOutcomeRetry
	if providers.IsPermanent(cause) || d.Attempt >= d.MaxAttempts {
		outcome = providers.FailOutcomeDead
	}

	_, err := q.client.Client().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, keys.active, 0, d.ID)
		pipe.HDel(ctx, jobKey, fieldLeaseUntil)
		pipe.HSet(ctx, jobKey, fieldLastError, lastError)
		if outcome == providers.FailOutcomeDead {
			pipe.LPush(ctx, keys.dead, d.ID)
		} else {
			due := now.Add(q.opts.Retry.Backoff(d.Attempt))
			pipe.ZAdd(ctx, keys.delayed, redis.Z{Score: float64(unixMs(due)), Member: d.ID})
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to record failure of %s job %s: %w", d.Queue, d.ID, err)
	}
	return outcome, nil
}

// PromoteDue moves due delayed jobs to the ready list
func (q *RedisQueue) PromoteDue(ctx context.Context, queue providers.QueueName) (int, error) {
	rdb := q.client.Client()
	keys := keysFor(queue)

	ids, err := rdb.ZRangeByScore(ctx, keys.delayed, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(unixMs(q.opts.Now()), 10),
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read due %s jobs: %w", queue, err)
	}

	promoted := 0
	for _, id := range ids {
		// Only the caller that removes the member pushes it.
		removed, err := rdb.ZRem(ctx, keys.delayed, id).Result()
		if err != nil {
			return promoted, fmt.Errorf("failed to promote %s job %s: %w", queue, id, err)
		}
		if removed == 0 {
			continue
		}
		if err := rdb.LPush(ctx, keys.ready, id).Err(); err != nil {
			return promoted, fmt.Errorf("failed to promote %s job %s: %w", queue, id, err)
		}
		promoted++
	}
	return promoted, nil
}

// RequeueExpired returns jobs whose lease expired to the front of the ready list
func (q *RedisQueue) RequeueExpired(ctx context.Context, queue providers.QueueName) (int, error) {
	rdb := q.client.Client()
	keys := keysFor(queue)

	ids, err := rdb.LRange(ctx, keys.active, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read active %s jobs: %w", queue, err)
	}

	now := q.opts.Now()
	requeued := 0
	for _, id := range ids {
		jobKey := keys.job(id)
		lease, err := rdb.HGet(ctx, jobKey, fieldLeaseUntil).Int64()
		if errors.Is(err, redis.Nil) {
			exists, err := rdb.Exists(ctx, jobKey).Result()
			if err != nil {
				return requeued, fmt.Errorf("failed to inspect %s job %s: %w", queue, id, err)
			}
			if exists == 0 {
				rdb.LRem(ctx, keys.active, 0, id)
				continue
			}
			// Reserved by a process that stopped before leasing it.
			rdb.HSetNX(ctx, jobKey, fieldLeaseUntil, unixMs(now.Add(q.opts.Lease)))
			continue
		}
		if err != nil {
			return requeued, fmt.Errorf("failed to read lease of %s job %s: %w", queue, id, err)
		}
		if lease > unixMs(now) {
			continue
		}

		removed, err := rdb.LRem(ctx, keys.active, 1, id).Result()
		if err != nil {
			return requeued, fmt.Errorf("failed to requeue %s job %s: %w", queue, id, err)
		}
		if removed == 0 {
			continue
		}
		rdb.HDel(ctx, jobKey, fieldLeaseUntil)
		if err := rdb.RPush(ctx, keys.ready, id).Err(); err != nil {
			return requeued, fmt.Errorf("failed to requeue %s job %s: %w", queue, id, err)
		}
		requeued++
		log.Warn().Str("queue", string(queue)).Str("queue_job_id", id).Msg("Lease expired, job requeued")
	}
	return requeued, nil
}

// Stats counts jobs per state
func (q *RedisQueue) Stats(ctx context.Context, queue providers.QueueName) (*providers.QueueStats, error) {
	keys := keysFor(queue)
	var ready, delayed, active, dead *redis.IntCmd
	_, err := q.client.Client().Pipelined(ctx, func(pipe redis.Pipeliner) error {
		ready = pipe.LLen(ctx, keys.ready)
		delayed = pipe.ZCard(ctx, keys.delayed)
		active = pipe.LLen(ctx, keys.active)
		dead = pipe.LLen(ctx, keys.dead)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s queue stats: %w", queue, err)
	}
	return &providers.QueueStats{
		Queue:   queue,
		Ready:   ready.Val(),
		Delayed: delayed.Val(),
		Active:  active.Val(),
		Dead:    dead.Val(),
	}, nil
}

// DeadLetters lists dead jobs, most recent first
func (q *RedisQueue) DeadLetters(ctx context.Context, queue providers.QueueName, limit int) ([]*providers.DeadLetter, error) {
	rdb := q.client.Client()
	keys := keysFor(queue)
	if limit <= 0 {
		limit = 50
	}

	ids, err := rdb.LRange(ctx, keys.dead, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead %s jobs: %w", queue, err)
	}

	letters := make([]*providers.DeadLetter, 0, len(ids))
	for _, id := range ids {
		fields, err := rdb.HGetAll(ctx, keys.job(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to load dead %s job %s: %w", queue, id, err)
		}
		attempts, _ := strconv.Atoi(fields[fieldAttempts])
		letters = append(letters, &providers.DeadLetter{
			ID:        id,
			Queue:     queue,
			Payload:   []byte(fields[fieldPayload]),
			Attempts:  attempts,
			LastError: fields[fieldLastError],
		})
	}
	return letters, nil
}

// RetryDead gives a dead job a fresh attempt budget and makes it ready
func (q *RedisQueue) RetryDead(ctx context.Context, queue providers.QueueName, id string) error {
	rdb := q.client.Client()
	keys := keysFor(queue)

	removed, err := rdb.LRem(ctx, keys.dead, 1, id).Result()
	if err != nil {
		return fmt.Errorf("failed to retry dead %s job %s: %w", queue, id, err)
	}
	if removed == 0 {
		return providers.ErrDeadJobNotFound
	}

	_, err = rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, keys.job(id), fieldAttempts, 0)
		pipe.HDel(ctx, keys.job(id), fieldLastError)
		pipe.LPush(ctx, keys.ready, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to retry dead %s job %s: %w", queue, id, err)
	}
	return nil
}

// Close is a no-op: the Redis client is shared and closed by the process that opened it
func (q *RedisQueue) Close() error {
	return nil
}

var _ providers.JobQueue = (*RedisQueue)(nil)
