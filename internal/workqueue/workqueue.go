// Package workqueue implements the engine's priority work queue (C4): four
// named queues — variable writes, persistence writes, discovery tasks, and
// notification fan-out — backed by Redis lists so enqueued work survives a
// process restart. Jobs that fail are retried with exponential backoff up to
// a bounded attempt count, then parked on a dead-letter list.
package workqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ocx/adsgateway/internal/eventbus"
)

// Priority names the four queues, listed in the order workers drain them.
type Priority string

const (
	PriorityVariableWrite Priority = "p1:variable_write"
	PriorityPersistence   Priority = "p2:persistence"
	PriorityDiscovery     Priority = "p3:discovery"
	PriorityNotification  Priority = "p4:notification"
)

// priorityOrder is the drain order: highest priority first.
var priorityOrder = []Priority{
	PriorityVariableWrite,
	PriorityPersistence,
	PriorityDiscovery,
	PriorityNotification,
}

const keyPrefix = "workqueue:"

func queueKey(p Priority) string { return keyPrefix + string(p) }
func processingKey() string      { return keyPrefix + "processing" }
func delayedKey() string         { return keyPrefix + "delayed" }
func failedKey() string          { return keyPrefix + "failed" }

// Job is one unit of work. Payload is opaque to the queue; handlers decode
// it for their own queue.
type Job struct {
	ID        string          `json:"id"`
	Queue     Priority        `json:"queue"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"created_at"`
}

// Handler processes one job's payload. A non-nil error schedules a retry
// (or dead-letters the job once attempts are exhausted).
type Handler func(ctx context.Context, job Job) error

// Config bounds retry behavior. Zero values fall back to the engine
// defaults (3 attempts, 1s base, 60s cap).
type Config struct {
	MaxAttempts int
	RetryBase   time.Duration
	RetryCap    time.Duration
	Workers     int
	PollIdle    time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryCap <= 0 {
		c.RetryCap = 60 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.PollIdle <= 0 {
		c.PollIdle = 50 * time.Millisecond
	}
	return c
}

// Queue is the engine's concrete priority work queue.
type Queue struct {
	rdb *redis.Client
	bus *eventbus.Bus
	cfg Config

	mu       sync.RWMutex
	handlers map[Priority]Handler

	stop     chan struct{}
	draining chan struct{}
	wg       sync.WaitGroup
	started  bool
}

// New constructs a Queue against a reachable Redis address.
func New(addr string, bus *eventbus.Bus, cfg Config) *Queue {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	return &Queue{
		rdb:      rdb,
		bus:      bus,
		cfg:      cfg.withDefaults(),
		handlers: make(map[Priority]Handler),
		stop:     make(chan struct{}),
		draining: make(chan struct{}),
	}
}

// RegisterHandler binds a handler to a queue. Must be called before Start.
func (q *Queue) RegisterHandler(p Priority, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[p] = h
}

// Enqueue pushes a new job onto queue p and returns its ID.
func (q *Queue) Enqueue(ctx context.Context, p Priority, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("workqueue: marshal payload: %w", err)
	}
	job := Job{
		ID:        uuid.NewString(),
		Queue:     p,
		Payload:   raw,
		CreatedAt: time.Now(),
	}
	body, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("workqueue: marshal job: %w", err)
	}
	if err := q.rdb.LPush(ctx, queueKey(p), body).Err(); err != nil {
		return "", fmt.Errorf("workqueue: enqueue: %w", err)
	}
	return job.ID, nil
}

// Start recovers any jobs stranded in the processing list from a prior
// crash, then launches the worker pool and the delayed-retry mover.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return nil
	}
	q.started = true
	q.mu.Unlock()

	if err := q.recoverProcessing(ctx); err != nil {
		slog.Warn("workqueue: recovery scan failed", "error", err)
	}

	q.wg.Add(1)
	go q.runDelayedMover(ctx)

	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.runWorker(ctx, i)
	}
	return nil
}

// Shutdown drains the queues: workers keep dequeuing in priority order
// until every queue is empty or grace elapses, so pending variable writes
// complete before lower-priority work is abandoned. Once the grace period
// runs out, remaining queued jobs are aborted (they stay on their Redis
// lists for the next Start) and only jobs already in a handler finish.
func (q *Queue) Shutdown(grace time.Duration) {
	close(q.draining)
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(grace):
		slog.Warn("workqueue: shutdown grace elapsed, aborting remaining queued work")
	}

	close(q.stop)
	select {
	case <-done:
	case <-time.After(time.Second):
		slog.Warn("workqueue: workers still busy after abort")
	}
}

// isDraining reports whether Shutdown has begun.
func (q *Queue) isDraining() bool {
	select {
	case <-q.draining:
		return true
	default:
		return false
	}
}

func (q *Queue) recoverProcessing(ctx context.Context) error {
	for {
		raw, err := q.rdb.LPop(ctx, processingKey()).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		q.rdb.LPush(ctx, queueKey(job.Queue), raw)
	}
}

func (q *Queue) runDelayedMover(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-q.stop:
			return
		case <-q.draining:
			// A drain processes what is already on the queues; delayed
			// retries stay parked for the next Start.
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.promoteReadyJobs(ctx)
		}
	}
}

func (q *Queue) promoteReadyJobs(ctx context.Context) {
	now := float64(time.Now().UnixNano())
	entries, err := q.rdb.ZRangeByScore(ctx, delayedKey(), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil || len(entries) == 0 {
		return
	}
	for _, raw := range entries {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			q.rdb.ZRem(ctx, delayedKey(), raw)
			continue
		}
		q.rdb.LPush(ctx, queueKey(job.Queue), raw)
		q.rdb.ZRem(ctx, delayedKey(), raw)
	}
}

func (q *Queue) runWorker(ctx context.Context, id int) {
	defer q.wg.Done()
	for {
		select {
		case <-q.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		job, raw, found := q.dequeueHighestPriority(ctx)
		if !found {
			if q.isDraining() {
				return // queues empty, drain complete
			}
			time.Sleep(q.cfg.PollIdle)
			continue
		}
		q.process(ctx, job, raw)
	}
}

// dequeueHighestPriority scans the queues in priority order and atomically
// moves the first available job into the processing list (so a crash mid-
// handler does not lose it).
func (q *Queue) dequeueHighestPriority(ctx context.Context) (Job, string, bool) {
	for _, p := range priorityOrder {
		raw, err := q.rdb.RPopLPush(ctx, queueKey(p), processingKey()).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			slog.Warn("workqueue: dequeue error", "queue", p, "error", err)
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			q.rdb.LRem(ctx, processingKey(), 1, raw)
			continue
		}
		return job, raw, true
	}
	return Job{}, "", false
}

func (q *Queue) process(ctx context.Context, job Job, raw string) {
	q.mu.RLock()
	handler, ok := q.handlers[job.Queue]
	q.mu.RUnlock()

	if !ok {
		slog.Warn("workqueue: no handler registered", "queue", job.Queue)
		q.rdb.LRem(ctx, processingKey(), 1, raw)
		return
	}

	start := time.Now()
	err := handler(ctx, job)
	q.rdb.LRem(ctx, processingKey(), 1, raw)

	if q.bus != nil {
		q.bus.Publish(eventbus.EventPerformanceMetric, eventbus.PerfSample{
			Operation: "queue." + string(job.Queue),
			Duration:  time.Since(start),
			Failed:    err != nil,
		})
	}

	if err == nil {
		return
	}

	job.Attempt++
	if job.Attempt >= q.cfg.MaxAttempts {
		slog.Warn("workqueue: job exhausted retries, dead-lettering", "id", job.ID, "queue", job.Queue, "error", err)
		body, _ := json.Marshal(job)
		q.rdb.LPush(ctx, failedKey(), body)
		return
	}

	backoff := q.backoffFor(job.Attempt)
	slog.Warn("workqueue: job failed, scheduling retry", "id", job.ID, "queue", job.Queue, "attempt", job.Attempt, "backoff", backoff, "error", err)
	body, _ := json.Marshal(job)
	q.rdb.ZAdd(ctx, delayedKey(), redis.Z{
		Score:  float64(time.Now().Add(backoff).UnixNano()),
		Member: body,
	})
}

// backoffFor returns the exponential backoff for the given (post-increment)
// attempt number: base * 2^(attempt-1), capped.
func (q *Queue) backoffFor(attempt int) time.Duration {
	d := q.cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= q.cfg.RetryCap {
			return q.cfg.RetryCap
		}
	}
	if d > q.cfg.RetryCap {
		return q.cfg.RetryCap
	}
	return d
}

// Depths reports the current length of every queue, for the management API.
func (q *Queue) Depths(ctx context.Context) map[Priority]int64 {
	out := make(map[Priority]int64, len(priorityOrder))
	for _, p := range priorityOrder {
		n, err := q.rdb.LLen(ctx, queueKey(p)).Result()
		if err != nil {
			n = -1
		}
		out[p] = n
	}
	return out
}

// FailedCount reports the size of the dead-letter list.
func (q *Queue) FailedCount(ctx context.Context) int64 {
	n, _ := q.rdb.LLen(ctx, failedKey()).Result()
	return n
}

// RetryFailed moves up to n jobs off the dead-letter list back onto their
// original queue with a reset attempt counter, for manual operator retry.
func (q *Queue) RetryFailed(ctx context.Context, n int) (int, error) {
	moved := 0
	for i := 0; i < n; i++ {
		raw, err := q.rdb.LPop(ctx, failedKey()).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return moved, fmt.Errorf("workqueue: retry failed jobs: %w", err)
		}
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		job.Attempt = 0
		body, err := json.Marshal(job)
		if err != nil {
			continue
		}
		if err := q.rdb.LPush(ctx, queueKey(job.Queue), body).Err(); err != nil {
			return moved, fmt.Errorf("workqueue: retry failed jobs: %w", err)
		}
		moved++
	}
	return moved, nil
}

// Close releases the underlying Redis client.
func (q *Queue) Close() error {
	return q.rdb.Close()
}
