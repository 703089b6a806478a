// Package queue implements the durable job substrate (spec §4.9): six named
// queues (webhook-processing, alert-dispatch, webhook-delivery,
// scheduled-scans, data-retention, ingestion-backfill), each with
// at-least-once delivery, delayed delivery, exponential-backoff retries
// with jitter, and a dead-letter pool. Jobs live in Redis so any process in
// the fleet can enqueue or consume them. The worker pool shape (fixed
// goroutines pulling off a channel, graceful Stop draining in-flight work)
// is adapted from the teacher's system/events.Dispatcher.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/revback/core/internal/logging"
	"github.com/revback/core/internal/resilience"
)

// Name identifies one of the six durable queues.
type Name string

const (
	WebhookProcessing Name = "webhook-processing"
	AlertDispatch     Name = "alert-dispatch"
	WebhookDelivery   Name = "webhook-delivery"
	ScheduledScans    Name = "scheduled-scans"
	DataRetention     Name = "data-retention"
	IngestionBackfill Name = "ingestion-backfill"
)

// AllQueues lists every durable queue the platform declares (spec §4.9).
var AllQueues = []Name{WebhookProcessing, AlertDispatch, WebhookDelivery, ScheduledScans, DataRetention, IngestionBackfill}

// Status is a Job's position in its lifecycle.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusDelayed   Status = "delayed"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDead      Status = "dead"
)

// Job is one unit of durable work.
type Job struct {
	ID          string          `json:"id"`
	Queue       Name            `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	CreatedAt   time.Time       `json:"created_at"`
	RunAt       time.Time       `json:"run_at"`
	LastError   string          `json:"last_error,omitempty"`
}

// Handler processes one Job. Returning any non-nil error schedules a
// redelivery with backoff until the job has used MaxAttempts attempts, after
// which it moves to the dead-letter pool. The apperr kind of the error is not
// inspected: validation, auth and not-found errors are retried like any other.
type Handler func(ctx context.Context, job *Job) error

func keys(q Name) (waiting, delayed, active, completed, failed, dead, data string) {
	base := "queue:" + string(q)
	return base + ":waiting", base + ":delayed", base + ":active", base + ":completed", base + ":failed", base + ":dead", base + ":data"
}

// Queues manages enqueue/consume for every named queue against a shared
// Redis connection.
type Queues struct {
	rdb             *redis.Client
	log             *logging.Logger
	retryConfig     resilience.RetryConfig
	workersPerQueue int
	pollInterval    time.Duration
	metrics         *metrics

	mu              sync.Mutex
	handlers        map[Name]Handler
	retryOverrides  map[Name]resilience.RetryConfig
	fixedIntervals  map[Name][]time.Duration
	stop            chan struct{}
	wg              sync.WaitGroup
}

// Config tunes Queues.
type Config struct {
	WorkersPerQueue int
	RetryConfig     resilience.RetryConfig
	PollInterval    time.Duration
}

func DefaultConfig() Config {
	return Config{WorkersPerQueue: 4, RetryConfig: resilience.DefaultRetryConfig(), PollInterval: 250 * time.Millisecond}
}

func New(rdb *redis.Client, log *logging.Logger, cfg Config) *Queues {
	if cfg.WorkersPerQueue <= 0 {
		cfg.WorkersPerQueue = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	return &Queues{
		rdb:             rdb,
		log:             log,
		retryConfig:     cfg.RetryConfig,
		workersPerQueue: cfg.WorkersPerQueue,
		pollInterval:    cfg.PollInterval,
		metrics:         newMetrics(),
		handlers:        make(map[Name]Handler),
		retryOverrides:  make(map[Name]resilience.RetryConfig),
		fixedIntervals:  make(map[Name][]time.Duration),
		stop:            make(chan struct{}),
	}
}

// SetFixedIntervals gives queue an explicit, non-geometric backoff schedule
// indexed by attempt number (e.g. the outbound webhook-delivery queue's
// 1s/5s/30s/2m/15m/1h/6h cadence, spec §4.9), overriding both the default
// and any SetRetryConfig override. Past the end of intervals, the last
// entry repeats.
func (q *Queues) SetFixedIntervals(queue Name, intervals []time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.fixedIntervals[queue] = intervals
}

// SetRetryConfig overrides the backoff schedule used when rescheduling a
// failed job on queue, instead of the fleet-wide default (e.g. the
// scheduled-scans queue's 30s-base exponential backoff, spec §4.8). A queue
// given SetFixedIntervals ignores this override.
func (q *Queues) SetRetryConfig(queue Name, cfg resilience.RetryConfig) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retryOverrides[queue] = cfg
}

func (q *Queues) retryConfigFor(queue Name) resilience.RetryConfig {
	q.mu.Lock()
	defer q.mu.Unlock()
	if cfg, ok := q.retryOverrides[queue]; ok {
		return cfg
	}
	return q.retryConfig
}

func (q *Queues) backoffFor(queue Name, attempt int) time.Duration {
	q.mu.Lock()
	intervals, ok := q.fixedIntervals[queue]
	q.mu.Unlock()
	if ok && len(intervals) > 0 {
		idx := attempt - 1
		if idx < 0 {
			idx = 0
		}
		if idx >= len(intervals) {
			idx = len(intervals) - 1
		}
		return intervals[idx]
	}
	return resilience.BackoffForAttempt(q.retryConfigFor(queue), attempt-1)
}

// Enqueue adds a job for immediate processing.
func (q *Queues) Enqueue(ctx context.Context, queue Name, payload any, maxAttempts int) (*Job, error) {
	return q.EnqueueAt(ctx, queue, payload, maxAttempts, time.Now())
}

// EnqueueAt adds a job scheduled to run no earlier than runAt, used for
// delayed delivery (e.g. webhook delivery retry backoff).
func (q *Queues) EnqueueAt(ctx context.Context, queue Name, payload any, maxAttempts int, runAt time.Time) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("queue: marshal payload: %w", err)
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	job := &Job{
		ID: uuid.NewString(), Queue: queue, Payload: raw,
		MaxAttempts: maxAttempts, CreatedAt: time.Now(), RunAt: runAt,
	}
	if err := q.persist(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (q *Queues) persist(ctx context.Context, job *Job) error {
	waiting, delayed, _, _, _, _, data := keys(job.Queue)
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, data, job.ID, raw)
	if job.RunAt.After(time.Now()) {
		pipe.ZAdd(ctx, delayed, redis.Z{Score: float64(job.RunAt.UnixMilli()), Member: job.ID})
	} else {
		pipe.LPush(ctx, waiting, job.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: persist job: %w", err)
	}
	q.metrics.enqueued.WithLabelValues(string(job.Queue)).Inc()
	return nil
}

// promoteDue moves delayed jobs whose RunAt has passed onto the waiting list.
func (q *Queues) promoteDue(ctx context.Context, queue Name) error {
	waiting, delayed, _, _, _, _, _ := keys(queue)
	now := float64(time.Now().UnixMilli())
	ids, err := q.rdb.ZRangeByScore(ctx, delayed, &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil || len(ids) == 0 {
		return err
	}
	pipe := q.rdb.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, delayed, id)
		pipe.LPush(ctx, waiting, id)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// RegisterHandler binds a Handler to a queue; consumption starts on Start.
func (q *Queues) RegisterHandler(queue Name, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[queue] = h
}

// Start launches workersPerQueue goroutines per registered queue. It returns
// immediately; call Stop to drain in-flight jobs and halt consumption.
func (q *Queues) Start(ctx context.Context) {
	q.mu.Lock()
	handlers := make(map[Name]Handler, len(q.handlers))
	for k, v := range q.handlers {
		handlers[k] = v
	}
	q.mu.Unlock()

	for name, handler := range handlers {
		for i := 0; i < q.workersPerQueue; i++ {
			q.wg.Add(1)
			go q.worker(ctx, name, handler, q.pollInterval, i)
		}
	}
}

func (q *Queues) Stop() {
	close(q.stop)
	q.wg.Wait()
}

func (q *Queues) worker(ctx context.Context, queue Name, handler Handler, pollInterval time.Duration, workerID int) {
	defer q.wg.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stop:
			return
		case <-ticker.C:
			if err := q.promoteDue(ctx, queue); err != nil {
				q.log.WithError(err).WithFields(map[string]any{"queue": queue}).Warn("promote delayed jobs failed")
			}
			q.processOne(ctx, queue, handler)
		}
	}
}

func (q *Queues) processOne(ctx context.Context, queue Name, handler Handler) {
	waiting, _, active, completed, failed, dead, data := keys(queue)

	id, err := q.rdb.RPopLPush(ctx, waiting, active).Result()
	if err != nil {
		return // redis.Nil: nothing waiting
	}

	raw, err := q.rdb.HGet(ctx, data, id).Result()
	if err != nil {
		q.rdb.LRem(ctx, active, 1, id)
		return
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		q.rdb.LRem(ctx, active, 1, id)
		return
	}

	job.Attempt++
	start := time.Now()
	err = handler(ctx, &job)
	q.metrics.processingSeconds.WithLabelValues(string(queue)).Observe(time.Since(start).Seconds())

	q.rdb.LRem(ctx, active, 1, id)

	if err == nil {
		q.completeJob(ctx, &job, completed, data)
		q.metrics.completed.WithLabelValues(string(queue)).Inc()
		return
	}

	job.LastError = err.Error()
	if job.Attempt >= job.MaxAttempts {
		q.deadLetter(ctx, &job, dead, failed, data)
		q.metrics.deadLettered.WithLabelValues(string(queue)).Inc()
		q.log.WithFields(map[string]any{"queue": queue, "job_id": job.ID, "attempts": job.Attempt}).
			WithError(err).Error("job exhausted retries, moved to dead-letter pool")
		return
	}

	job.RunAt = time.Now().Add(q.backoffFor(queue, job.Attempt))
	if persistErr := q.persist(ctx, &job); persistErr != nil {
		q.log.WithError(persistErr).Error("failed to reschedule job after retryable error")
	}
	q.metrics.retried.WithLabelValues(string(queue)).Inc()
}

func (q *Queues) completeJob(ctx context.Context, job *Job, completedKey, dataKey string) {
	raw, _ := json.Marshal(job)
	pipe := q.rdb.TxPipeline()
	pipe.LPush(ctx, completedKey, job.ID)
	pipe.LTrim(ctx, completedKey, 0, 999)
	pipe.HSet(ctx, dataKey, job.ID, raw)
	pipe.Exec(ctx)
}

func (q *Queues) deadLetter(ctx context.Context, job *Job, deadKey, failedKey, dataKey string) {
	raw, _ := json.Marshal(job)
	pipe := q.rdb.TxPipeline()
	pipe.LPush(ctx, deadKey, job.ID)
	pipe.LPush(ctx, failedKey, job.ID)
	pipe.LTrim(ctx, failedKey, 0, 999)
	pipe.HSet(ctx, dataKey, job.ID, raw)
	pipe.Exec(ctx)
}

// DeadLettered returns every job sitting in queue's dead-letter pool, so an
// operator (or an admin endpoint) can inspect and optionally requeue them.
func (q *Queues) DeadLettered(ctx context.Context, queue Name) ([]Job, error) {
	return q.listByKey(ctx, queue, func(k keySet) string { return k.dead })
}

func (q *Queues) Waiting(ctx context.Context, queue Name) ([]Job, error) {
	return q.listByKey(ctx, queue, func(k keySet) string { return k.waiting })
}

func (q *Queues) Active(ctx context.Context, queue Name) ([]Job, error) {
	return q.listByKey(ctx, queue, func(k keySet) string { return k.active })
}

func (q *Queues) Delayed(ctx context.Context, queue Name) ([]Job, error) {
	_, delayed, _, _, _, _, data := keys(queue)
	ids, err := q.rdb.ZRange(ctx, delayed, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return q.hydrate(ctx, data, ids)
}

type keySet struct {
	waiting, delayed, active, completed, failed, dead, data string
}

func (q *Queues) listByKey(ctx context.Context, queue Name, pick func(keySet) string) ([]Job, error) {
	w, d, a, c, f, dl, data := keys(queue)
	k := keySet{w, d, a, c, f, dl, data}
	ids, err := q.rdb.LRange(ctx, pick(k), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return q.hydrate(ctx, data, ids)
}

func (q *Queues) hydrate(ctx context.Context, dataKey string, ids []string) ([]Job, error) {
	jobs := make([]Job, 0, len(ids))
	for _, id := range ids {
		raw, err := q.rdb.HGet(ctx, dataKey, id).Result()
		if err != nil {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Requeue moves a dead-lettered job back onto the waiting list with a reset
// attempt counter, used by an operator after fixing the underlying cause.
func (q *Queues) Requeue(ctx context.Context, queue Name, jobID string) error {
	waiting, _, _, _, _, dead, data := keys(queue)
	raw, err := q.rdb.HGet(ctx, data, jobID).Result()
	if err != nil {
		return fmt.Errorf("queue: job %s not found: %w", jobID, err)
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return err
	}
	job.Attempt = 0
	job.LastError = ""
	newRaw, _ := json.Marshal(job)

	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, dead, 1, jobID)
	pipe.HSet(ctx, data, jobID, newRaw)
	pipe.LPush(ctx, waiting, jobID)
	_, err = pipe.Exec(ctx)
	return err
}

type metrics struct {
	enqueued          *prometheus.CounterVec
	completed         *prometheus.CounterVec
	retried           *prometheus.CounterVec
	deadLettered      *prometheus.CounterVec
	processingSeconds *prometheus.HistogramVec
}

func newMetrics() *metrics {
	return &metrics{
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "revback_queue_jobs_enqueued_total", Help: "Jobs enqueued, by queue.",
		}, []string{"queue"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "revback_queue_jobs_completed_total", Help: "Jobs completed successfully, by queue.",
		}, []string{"queue"}),
		retried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "revback_queue_jobs_retried_total", Help: "Jobs rescheduled after a retryable failure, by queue.",
		}, []string{"queue"}),
		deadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "revback_queue_jobs_dead_lettered_total", Help: "Jobs moved to the dead-letter pool, by queue.",
		}, []string{"queue"}),
		processingSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "revback_queue_job_processing_seconds", Help: "Job handler execution time, by queue.",
		}, []string{"queue"}),
	}
}

// MustRegister registers every queue metric with reg, typically a
// prometheus.Registry owned by cmd/server.
func (q *Queues) MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(q.metrics.enqueued, q.metrics.completed, q.metrics.retried, q.metrics.deadLettered, q.metrics.processingSeconds)
}
