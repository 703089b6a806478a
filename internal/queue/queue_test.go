package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/revback/core/internal/apperr"
	"github.com/revback/core/internal/logging"
	"github.com/revback/core/internal/resilience"
	"github.com/stretchr/testify/require"
)

func newTestQueues(t *testing.T) (*Queues, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.RetryConfig = resilience.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2, Jitter: 0}
	return New(rdb, logging.NewDefault("queue_test"), cfg), rdb
}

func TestEnqueueAndProcess_Success(t *testing.T) {
	q, _ := newTestQueues(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var processed int32
	q.RegisterHandler(WebhookProcessing, func(ctx context.Context, job *Job) error {
		atomic.AddInt32(&processed, 1)
		return nil
	})

	_, err := q.Enqueue(ctx, WebhookProcessing, map[string]string{"hello": "world"}, 3)
	require.NoError(t, err)

	q.Start(ctx)
	defer q.Stop()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&processed) == 1 }, time.Second, 10*time.Millisecond)
}

func TestProcess_RetriesThenDeadLettersOnPermanentFailure(t *testing.T) {
	q, _ := newTestQueues(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var attempts int32
	q.RegisterHandler(AlertDispatch, func(ctx context.Context, job *Job) error {
		atomic.AddInt32(&attempts, 1)
		return apperr.Transient("alert_channel", errors.New("timeout"))
	})

	job, err := q.Enqueue(ctx, AlertDispatch, map[string]string{"issue_id": "iss_1"}, 2)
	require.NoError(t, err)

	q.Start(ctx)
	defer q.Stop()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&attempts) >= 2 }, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		dead, err := q.DeadLettered(ctx, AlertDispatch)
		return err == nil && len(dead) == 1 && dead[0].ID == job.ID
	}, time.Second, 10*time.Millisecond)
}

func TestEnqueueAt_DelaysDelivery(t *testing.T) {
	q, _ := newTestQueues(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var processed int32
	q.RegisterHandler(WebhookDelivery, func(ctx context.Context, job *Job) error {
		atomic.AddInt32(&processed, 1)
		return nil
	})

	_, err := q.EnqueueAt(ctx, WebhookDelivery, map[string]string{}, 3, time.Now().Add(50*time.Millisecond))
	require.NoError(t, err)

	q.Start(ctx)
	defer q.Stop()

	time.Sleep(20 * time.Millisecond)
	require.EqualValues(t, 0, atomic.LoadInt32(&processed), "job scheduled in the future should not run early")

	require.Eventually(t, func() bool { return atomic.LoadInt32(&processed) == 1 }, time.Second, 10*time.Millisecond)
}

func TestRequeue_ResetsAttemptsAndMovesToWaiting(t *testing.T) {
	q, rdb := newTestQueues(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, DataRetention, map[string]string{}, 1)
	require.NoError(t, err)

	job.Attempt = 1
	job.LastError = "boom"
	raw, _ := json.Marshal(job)
	waiting, _, _, _, _, dead, data := keys(DataRetention)
	rdb.LRem(ctx, waiting, 1, job.ID) // simulate the job having already moved out of waiting
	rdb.HSet(ctx, data, job.ID, raw)
	rdb.LPush(ctx, dead, job.ID)

	require.NoError(t, q.Requeue(ctx, DataRetention, job.ID))

	waitingJobs, err := q.Waiting(ctx, DataRetention)
	require.NoError(t, err)
	require.Len(t, waitingJobs, 1)
	require.Equal(t, 0, waitingJobs[0].Attempt)
}
