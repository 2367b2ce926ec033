package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nimasrn/campaign-gateway/pkg/logger"
)

var (
	ErrWorkersTerminated = errors.New("workers terminated")
	ErrManagerClosed     = errors.New("worker manager is closed")
)

type WorkerHandler = func(workerIndex int, job interface{})

type WorkerManager struct {
	jobChannel     chan interface{}
	numberOfWorker int
	quit           chan struct{}
	quitOnce       sync.Once
	do             WorkerHandler
	errHandler     func(err error)
	waiter         *sync.WaitGroup
}

// NewWorkerManager
// is a job manager based on go routines. Define the number of internal
// workers and publish jobs using Enqueue; they are distributed among the pool.
// Workers stop once Exit is called. A zero bufferSize makes Enqueue hand
// each job straight to an idle worker.
func NewWorkerManager(bufferSize, numberOfWorkers int) *WorkerManager {
	if numberOfWorkers <= 0 {
		numberOfWorkers = 1
	}

	return &WorkerManager{
		numberOfWorker: numberOfWorkers,
		jobChannel:     make(chan interface{}, bufferSize),
		quit:           make(chan struct{}),
		waiter:         &sync.WaitGroup{},
	}
}

func (w *WorkerManager) SetWorker(worker WorkerHandler) {
	w.do = worker
}

// SetErrorHandler receives panics raised by the worker handler.
func (w *WorkerManager) SetErrorHandler(fn func(err error)) {
	w.errHandler = fn
}

// Enqueue publishes a job, blocking until there is room, ctx is done or the
// manager exits.
func (w *WorkerManager) Enqueue(ctx context.Context, val interface{}) error {
	select {
	case w.jobChannel <- val:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.quit:
		return ErrManagerClosed
	}
}

// Start
// starts off the workers as many as defined
// by w.numberOfWorker and blocks until Exit is called.
func (w *WorkerManager) Start() error {
	if w.do == nil {
		return errors.New("worker handler is not set")
	}
	w.waiter.Add(w.numberOfWorker)
	for i := 0; i < w.numberOfWorker; i++ {
		go func(index int) {
			defer w.waiter.Done()
			for {
				select {
				case job := <-w.jobChannel:
					w.run(index, job)
				case <-w.quit:
					return
				}
			}
		}(i)
	}
	w.waiter.Wait()

	return ErrWorkersTerminated
}

func (w *WorkerManager) run(index int, job interface{}) {
	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("worker %d panicked: %v", index, rec)
			logger.Error("worker panic recovered", "worker", index, "error", err)
			if w.errHandler != nil {
				w.errHandler(err)
			}
		}
	}()
	w.do(index, job)
}

// Exit
// stops all workers after their current job. Safe to call more than once.
func (w *WorkerManager) Exit() {
	w.quitOnce.Do(func() {
		logger.Info("worker manager is shutting down", "workers", w.numberOfWorker)
		close(w.quit)
	})
}

// Wait blocks until every worker goroutine has returned.
func (w *WorkerManager) Wait() {
	w.waiter.Wait()
}
