package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nimasrn/campaign-gateway/pkg/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, redis.RedisAdapter) {
	mr := miniredis.RunT(t)

	// unique connection name per test, the adapter registry is global
	connName := t.Name() + "-" + mr.Addr()
	adapter, err := redis.NewRedisAdapter(connName, "test:", &redis.Options{
		Addrs: []string{mr.Addr()},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = adapter.Close() })

	return mr, adapter
}

func newTestQueue(t *testing.T, cfg QueueConfig) *Queue {
	_, adapter := setupTestRedis(t)
	if cfg.Name == "" {
		cfg.Name = "jobs"
	}
	q, err := NewQueue(adapter, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Stop(2 * time.Second) })
	return q
}

type payload struct {
	N int `json:"n"`
}

func TestBackoff_Next(t *testing.T) {
	exp := Backoff{Type: BackoffExponential, Delay: 2 * time.Second}
	assert.Equal(t, 2*time.Second, exp.Next(1))
	assert.Equal(t, 4*time.Second, exp.Next(2))
	assert.Equal(t, 8*time.Second, exp.Next(3))

	fixed := Backoff{Type: BackoffFixed, Delay: time.Second}
	assert.Equal(t, time.Second, fixed.Next(4))

	assert.Zero(t, Backoff{}.Next(3))
}

func TestNewQueue_Validation(t *testing.T) {
	_, adapter := setupTestRedis(t)

	_, err := NewQueue(adapter, QueueConfig{})
	assert.Error(t, err)

	_, err = NewQueue(nil, QueueConfig{Name: "x"})
	assert.Error(t, err)
}

func TestQueue_EnqueueAndClaim(t *testing.T) {
	q := newTestQueue(t, QueueConfig{DefaultAttempts: 3})
	ctx := context.Background()

	laterID, err := q.Enqueue(ctx, "work", payload{N: 2}, JobOptions{Delay: time.Hour})
	require.NoError(t, err)
	nowID, err := q.Enqueue(ctx, "work", payload{N: 1}, JobOptions{})
	require.NoError(t, err)

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Waiting)
	assert.Equal(t, int64(1), stats.Delayed)

	job, err := q.claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, nowID, job.ID)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, 3, job.MaxAttempts)

	var p payload
	require.NoError(t, job.Decode(&p))
	assert.Equal(t, 1, p.N)

	next, err := q.claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, next, "delayed job must not be claimable yet")

	stored, err := q.Get(ctx, laterID)
	require.NoError(t, err)
	assert.Equal(t, "work", stored.Name)

	stats, err = q.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Active)
}

func TestQueue_DelayOrdersClaims(t *testing.T) {
	q := newTestQueue(t, QueueConfig{})
	ctx := context.Background()

	for i := 2; i >= 0; i-- {
		_, err := q.Enqueue(ctx, "work", payload{N: i}, JobOptions{Delay: time.Duration(i) * 20 * time.Millisecond})
		require.NoError(t, err)
	}
	time.Sleep(80 * time.Millisecond)

	for want := 0; want < 3; want++ {
		job, err := q.claim(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
		var p payload
		require.NoError(t, job.Decode(&p))
		assert.Equal(t, want, p.N)
	}
}

func TestQueue_DuplicateJobID(t *testing.T) {
	q := newTestQueue(t, QueueConfig{})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "work", payload{N: 1}, JobOptions{JobID: "sms:c1:r1"})
	require.NoError(t, err)
	assert.Equal(t, "sms:c1:r1", id)

	_, err = q.Enqueue(ctx, "work", payload{N: 2}, JobOptions{JobID: "sms:c1:r1"})
	assert.ErrorIs(t, err, ErrDuplicateJob)

	t.Run("id is free again after completion", func(t *testing.T) {
		job, err := q.claim(ctx)
		require.NoError(t, err)
		require.NoError(t, q.complete(ctx, job))

		_, err = q.Enqueue(ctx, "work", payload{N: 3}, JobOptions{JobID: "sms:c1:r1"})
		assert.NoError(t, err)
	})
}

func TestQueue_EnqueueBulk(t *testing.T) {
	q := newTestQueue(t, QueueConfig{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "work", payload{}, JobOptions{JobID: "b"})
	require.NoError(t, err)

	added, err := q.EnqueueBulk(ctx, []BulkJob{
		{Name: "work", Data: payload{N: 1}, Options: JobOptions{JobID: "a"}},
		{Name: "work", Data: payload{N: 2}, Options: JobOptions{JobID: "b"}},
		{Name: "work", Data: payload{N: 3}, Options: JobOptions{JobID: "c", Delay: time.Minute}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, added)

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Waiting)
	assert.Equal(t, int64(1), stats.Delayed)

	none, err := q.EnqueueBulk(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestQueue_FailRetriesWithBackoff(t *testing.T) {
	q := newTestQueue(t, QueueConfig{
		DefaultAttempts: 3,
		Backoff:         Backoff{Type: BackoffExponential, Delay: time.Hour},
		KeepFailed:      10,
	})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "work", payload{}, JobOptions{})
	require.NoError(t, err)

	job, err := q.claim(ctx)
	require.NoError(t, err)
	retried, err := q.fail(ctx, job, errors.New("provider timeout"))
	require.NoError(t, err)
	assert.True(t, retried)

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Active)
	assert.Equal(t, int64(1), stats.Delayed)

	stored, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Attempts)
	assert.Equal(t, "provider timeout", stored.LastError)

	t.Run("exhausted attempts fail the job", func(t *testing.T) {
		stored.Attempts = 3
		retried, err := q.fail(ctx, stored, errors.New("still down"))
		require.NoError(t, err)
		assert.False(t, retried)

		_, err = q.Get(ctx, id)
		assert.ErrorIs(t, err, ErrJobNotFound)

		failures, err := q.RecentFailures(ctx, 5)
		require.NoError(t, err)
		require.Len(t, failures, 1)
		assert.Equal(t, id, failures[0].JobID)
		assert.Equal(t, "still down", failures[0].Error)
		assert.Equal(t, 3, failures[0].Attempts)
	})
}

func TestQueue_PermanentErrorSkipsRetries(t *testing.T) {
	q := newTestQueue(t, QueueConfig{DefaultAttempts: 5, KeepFailed: 10})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "work", payload{}, JobOptions{})
	require.NoError(t, err)
	job, err := q.claim(ctx)
	require.NoError(t, err)

	perm := Permanent(fmt.Errorf("campaign not running"))
	assert.True(t, IsPermanent(perm))
	assert.True(t, IsPermanent(fmt.Errorf("wrapped: %w", perm)))
	assert.False(t, IsPermanent(errors.New("plain")))
	assert.Nil(t, Permanent(nil))

	retried, err := q.fail(ctx, job, perm)
	require.NoError(t, err)
	assert.False(t, retried)

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(0), stats.Waiting+stats.Delayed+stats.Active)
}

func TestQueue_Retention(t *testing.T) {
	q := newTestQueue(t, QueueConfig{KeepCompleted: 2})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(ctx, "work", payload{N: i}, JobOptions{})
		require.NoError(t, err)
		job, err := q.claim(ctx)
		require.NoError(t, err)
		require.NoError(t, q.complete(ctx, job))
	}

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Completed)
}

func TestQueue_ReclaimExpiredLease(t *testing.T) {
	q := newTestQueue(t, QueueConfig{VisibilityTimeout: 30 * time.Millisecond})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "work", payload{}, JobOptions{})
	require.NoError(t, err)
	_, err = q.claim(ctx)
	require.NoError(t, err)

	ids, err := q.reclaim(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids, "lease still valid")

	time.Sleep(60 * time.Millisecond)
	ids, err = q.reclaim(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, ids)

	job, err := q.claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 2, job.Attempts)
}

func TestQueue_ConsumeRespectsConcurrency(t *testing.T) {
	q := newTestQueue(t, QueueConfig{PollInterval: 10 * time.Millisecond})
	ctx := context.Background()

	const total = 20
	for i := 0; i < total; i++ {
		_, err := q.Enqueue(ctx, "work", payload{N: i}, JobOptions{})
		require.NoError(t, err)
	}

	var running, peak int32
	var wg sync.WaitGroup
	wg.Add(total)
	err := q.Consume(func(ctx context.Context, job *Job) error {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil
	}, ConsumeOptions{
		Concurrency: 3,
		OnResult:    func(Result) { wg.Done() },
	})
	require.NoError(t, err)

	waitGroupTimeout(t, &wg, 5*time.Second)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
	assert.Greater(t, atomic.LoadInt32(&peak), int32(1))
}

func TestQueue_ConsumeRespectsRateLimit(t *testing.T) {
	q := newTestQueue(t, QueueConfig{PollInterval: 10 * time.Millisecond})
	ctx := context.Background()

	const total = 6
	for i := 0; i < total; i++ {
		_, err := q.Enqueue(ctx, "work", payload{N: i}, JobOptions{})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	wg.Add(total)
	start := time.Now()
	err := q.Consume(func(ctx context.Context, job *Job) error {
		return nil
	}, ConsumeOptions{
		Concurrency: 5,
		// one start per 50ms with a burst of one
		Limiter:  rate.NewLimiter(rate.Every(50*time.Millisecond), 1),
		OnResult: func(Result) { wg.Done() },
	})
	require.NoError(t, err)

	waitGroupTimeout(t, &wg, 5*time.Second)
	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)
}

func TestQueue_ConsumeRetriesAndRecoversPanics(t *testing.T) {
	q := newTestQueue(t, QueueConfig{
		DefaultAttempts: 2,
		Backoff:         Backoff{Type: BackoffFixed, Delay: 10 * time.Millisecond},
		PollInterval:    10 * time.Millisecond,
		KeepCompleted:   10,
	})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "work", payload{}, JobOptions{})
	require.NoError(t, err)

	var calls int32
	var panics int32
	results := make(chan Result, 4)
	err = q.Consume(func(ctx context.Context, job *Job) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			panic("boom")
		}
		return nil
	}, ConsumeOptions{
		Concurrency: 1,
		OnResult:    func(r Result) { results <- r },
		OnPanic:     func(error) { atomic.AddInt32(&panics, 1) },
	})
	require.NoError(t, err)

	first := <-results
	assert.Error(t, first.Err)
	assert.True(t, first.Retried)

	select {
	case second := <-results:
		assert.NoError(t, second.Err)
		assert.Equal(t, 2, second.Job.Attempts)
	case <-time.After(3 * time.Second):
		t.Fatal("job was not retried")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&panics))

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Completed)
}

func TestQueue_StopIsIdempotent(t *testing.T) {
	q := newTestQueue(t, QueueConfig{PollInterval: 10 * time.Millisecond})
	require.NoError(t, q.Consume(func(context.Context, *Job) error { return nil }, ConsumeOptions{}))
	assert.NoError(t, q.Stop(time.Second))
	assert.NoError(t, q.Stop(time.Second))
	assert.Error(t, q.Consume(nil, ConsumeOptions{}))
}

func waitGroupTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for jobs")
	}
}

func TestQueue_StalledJobGetsFinalHandlerCall(t *testing.T) {
	q := newTestQueue(t, QueueConfig{
		DefaultAttempts:   1,
		VisibilityTimeout: 30 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,
		KeepFailed:        10,
	})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "work", payload{}, JobOptions{})
	require.NoError(t, err)

	// the first worker claims the job and never settles it
	first, err := q.claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.False(t, first.Stalled())
	time.Sleep(60 * time.Millisecond)

	seen := make(chan bool, 1)
	results := make(chan Result, 1)
	err = q.Consume(func(ctx context.Context, job *Job) error {
		seen <- job.Stalled()
		return nil
	}, ConsumeOptions{
		Concurrency: 1,
		OnResult:    func(r Result) { results <- r },
	})
	require.NoError(t, err)

	select {
	case stalled := <-seen:
		assert.True(t, stalled)
	case <-time.After(3 * time.Second):
		t.Fatal("stalled job never reached the handler")
	}

	res := <-results
	require.Error(t, res.Err)
	assert.True(t, IsPermanent(res.Err))
	assert.False(t, res.Retried)
	assert.Equal(t, id, res.Job.ID)

	failures, err := q.RecentFailures(ctx, 5)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].Error, "stalled")
}
