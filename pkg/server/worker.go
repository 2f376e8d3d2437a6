package server

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Job runs off the event loop. The returned callback, if non-nil, is run
// back on the event loop once the job finishes.
type Job func(ctx context.Context) func()

// Worker executes jobs in submission order.
type Worker interface {
	Submit(job Job)
}

// queueWorker runs jobs on one goroutine from an unbounded FIFO, so Submit
// never blocks the event loop.
type queueWorker struct {
	name string
	post func(func()) bool

	mu      sync.Mutex
	pending []Job
	wake    chan struct{}
}

// newQueueWorker creates a worker whose completions are handed to post.
func newQueueWorker(name string, post func(func()) bool) *queueWorker {
	return &queueWorker{
		name: name,
		post: post,
		wake: make(chan struct{}, 1),
	}
}

func (w *queueWorker) Submit(job Job) {
	w.mu.Lock()
	w.pending = append(w.pending, job)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of queued jobs.
func (w *queueWorker) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// drainTimeout bounds how long queued jobs may run after shutdown.
const drainTimeout = 5 * time.Second

// run executes jobs until ctx is cancelled. Jobs still queued at that point
// are flushed within drainTimeout and their callbacks dropped.
func (w *queueWorker) run(ctx context.Context) {
	slog.Debug("worker started", "worker", w.name)
	defer slog.Debug("worker stopped", "worker", w.name)

	for {
		select {
		case <-ctx.Done():
			w.drain(ctx)
			return
		case <-w.wake:
		}

		for {
			job, ok := w.next()
			if !ok {
				break
			}
			if done := job(ctx); done != nil {
				w.post(done)
			}
		}
	}
}

func (w *queueWorker) next() (Job, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) == 0 {
		return nil, false
	}
	job := w.pending[0]
	w.pending[0] = nil
	w.pending = w.pending[1:]
	return job, true
}

func (w *queueWorker) drain(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	defer cancel()
	for {
		job, ok := w.next()
		if !ok {
			return
		}
		_ = job(ctx)
	}
}

// InlineWorker runs each job and its callback synchronously inside Submit.
// Tests use it to make the hub deterministic.
type InlineWorker struct{}

func (InlineWorker) Submit(job Job) {
	if done := job(context.Background()); done != nil {
		done()
	}
}
