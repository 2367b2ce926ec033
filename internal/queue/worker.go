package queue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nimasrn/campaign-gateway/pkg/logger"
	"github.com/nimasrn/campaign-gateway/pkg/worker"
	"golang.org/x/time/rate"
)

// Handler processes one job. A nil return completes the job; an error
// schedules a retry unless it is permanent or attempts are exhausted.
// A stalled job (see Job.Stalled) is failed after the handler returns.
type Handler func(ctx context.Context, job *Job) error

// Result is reported after every processed job.
type Result struct {
	Job      *Job
	Err      error
	Retried  bool
	Duration time.Duration
}

type ConsumeOptions struct {
	// Concurrency bounds how many jobs run at once.
	Concurrency int
	// Limiter bounds how many jobs start per interval. Nil means unlimited.
	Limiter *rate.Limiter
	// OnResult, when set, is called after each job settles.
	OnResult func(Result)
	// OnPanic, when set, receives handler panics.
	OnPanic func(error)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so the job is failed without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type consumer struct {
	queue   *Queue
	handler Handler
	opts    ConsumeOptions
	manager *worker.WorkerManager
	slots   chan struct{}
	alive   atomic.Bool
}

// Consume starts processing jobs in the background until Stop.
func (q *Queue) Consume(handler Handler, opts ConsumeOptions) error {
	if handler == nil {
		return fmt.Errorf("job handler is required")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}

	c := &consumer{
		queue:   q,
		handler: handler,
		opts:    opts,
		manager: worker.NewWorkerManager(0, opts.Concurrency),
		slots:   make(chan struct{}, opts.Concurrency),
	}
	c.manager.SetWorker(func(_ int, v interface{}) {
		c.process(v.(*Job))
	})

	q.mu.Lock()
	q.workers = append(q.workers, c)
	q.mu.Unlock()

	c.alive.Store(true)
	q.wg.Add(3)
	go func() {
		defer q.wg.Done()
		_ = c.manager.Start()
	}()
	go c.consumeLoop()
	go c.reclaimLoop()

	return nil
}

func (c *consumer) consumeLoop() {
	q := c.queue
	defer q.wg.Done()
	defer c.alive.Store(false)

	for {
		select {
		case <-q.ctx.Done():
			return
		case c.slots <- struct{}{}:
		}

		job, err := q.claim(q.ctx)
		if err != nil || job == nil {
			<-c.slots
			if err != nil && q.ctx.Err() == nil {
				logger.Error("failed to claim job", "queue", q.config.Name, "error", err)
			}
			select {
			case <-q.ctx.Done():
				return
			case <-time.After(q.config.PollInterval):
			}
			continue
		}

		if c.opts.Limiter != nil {
			if err := c.opts.Limiter.Wait(q.ctx); err != nil {
				// shutting down; the lease expires and the job is reclaimed
				<-c.slots
				return
			}
		}

		if err := c.manager.Enqueue(q.ctx, job); err != nil {
			<-c.slots
			return
		}
	}
}

// Consuming reports whether at least one consumer is still claiming jobs.
func (q *Queue) Consuming() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, c := range q.workers {
		if c.alive.Load() {
			return true
		}
	}
	return false
}

func (c *consumer) reclaimLoop() {
	q := c.queue
	defer q.wg.Done()

	ticker := time.NewTicker(q.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.reclaim(q.ctx); err != nil && q.ctx.Err() == nil {
				logger.Error("failed to reclaim jobs", "queue", q.config.Name, "error", err)
			}
		}
	}
}

func (c *consumer) process(job *Job) {
	q := c.queue
	defer func() { <-c.slots }()

	// in-flight jobs finish even when the queue is stopping
	ctx, cancel := context.WithTimeout(context.WithoutCancel(q.ctx), q.config.VisibilityTimeout)
	defer cancel()

	start := time.Now()
	err := c.run(ctx, job)
	if job.Stalled() {
		if err != nil {
			logger.Warn("stalled job handler failed", "queue", q.config.Name, "job_id", job.ID, "error", err)
		}
		err = Permanent(fmt.Errorf("job stalled after %d attempts", job.MaxAttempts))
	}

	res := Result{Job: job, Err: err, Duration: time.Since(start)}
	if err == nil {
		if cerr := q.complete(ctx, job); cerr != nil {
			logger.Error("failed to complete job", "queue", q.config.Name, "job_id", job.ID, "error", cerr)
		}
	} else {
		retried, ferr := q.fail(ctx, job, err)
		res.Retried = retried
		if ferr != nil {
			logger.Error("failed to record job failure", "queue", q.config.Name, "job_id", job.ID, "error", ferr)
		}
		logger.Warn("job failed",
			"queue", q.config.Name,
			"job_id", job.ID,
			"attempt", job.Attempts,
			"max_attempts", job.MaxAttempts,
			"retrying", retried,
			"error", err)
	}

	if c.opts.OnResult != nil {
		c.opts.OnResult(res)
	}
}

func (c *consumer) run(ctx context.Context, job *Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job %s panicked: %v", job.ID, rec)
			logger.Error("job handler panic", "queue", c.queue.config.Name, "job_id", job.ID, "panic", rec)
			if c.opts.OnPanic != nil {
				c.opts.OnPanic(err)
			}
		}
	}()
	return c.handler(ctx, job)
}

func (c *consumer) stop() {
	c.manager.Exit()
	c.manager.Wait()
}
