// Package executor turns exit requests into sells through the execution
// adapter and applies the outcome to the position store.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/natebag/trenchtools/internal/domain"
	"github.com/natebag/trenchtools/internal/metrics"
)

// ErrQueueFull is returned by Submit when the command queue has no room.
var ErrQueueFull = errors.New("executor: exit queue full")

// ErrDuplicate is returned by Submit when the same request is already queued
// or executing.
var ErrDuplicate = errors.New("executor: exit request already in flight")

// Handler executes a single exit request.
type Handler interface {
	Handle(ctx context.Context, req domain.ExitRequest) error
}

// Worker consumes exit requests from a bounded queue and hands them to the
// coordinator with a concurrency limit. Requests for the same position are
// serialised by the coordinator's position lock.
type Worker struct {
	queue   chan domain.ExitRequest
	handler Handler
	dedup   *Dedup
	workers int
	logger  *slog.Logger

	cleanupInterval time.Duration
	drainTimeout    time.Duration
}

// NewWorker creates a Worker with room for queueSize pending requests and at
// most workers concurrent executions. dedupTTL bounds how long a request key
// is held if its release is missed.
func NewWorker(handler Handler, queueSize, workers int, dedupTTL time.Duration, logger *slog.Logger) *Worker {
	if queueSize <= 0 {
		queueSize = 256
	}
	if workers <= 0 {
		workers = 4
	}
	if dedupTTL <= 0 {
		dedupTTL = 2 * time.Minute
	}
	return &Worker{
		queue:           make(chan domain.ExitRequest, queueSize),
		handler:         handler,
		dedup:           NewDedup(dedupTTL),
		workers:         workers,
		logger:          logger.With(slog.String("component", "exit_worker")),
		cleanupInterval: 30 * time.Second,
		drainTimeout:    30 * time.Second,
	}
}

// Submit enqueues req without blocking.
func (w *Worker) Submit(req domain.ExitRequest) error {
	key := req.Key()
	if w.dedup.IsDuplicate(key) {
		metrics.QueueRejected.WithLabelValues("duplicate").Inc()
		return ErrDuplicate
	}
	select {
	case w.queue <- req:
		metrics.QueueDepth.Set(float64(len(w.queue)))
		return nil
	default:
		w.dedup.Release(key)
		metrics.QueueRejected.WithLabelValues("full").Inc()
		w.logger.Error("exit queue full, request dropped",
			slog.String("position_id", req.PositionID),
			slog.String("trigger", string(req.TriggerType)),
		)
		return ErrQueueFull
	}
}

// SubmitAll enqueues every request, logging the ones that cannot be queued.
func (w *Worker) SubmitAll(reqs []domain.ExitRequest) {
	for _, req := range reqs {
		if err := w.Submit(req); err != nil && !errors.Is(err, ErrDuplicate) {
			w.logger.Warn("exit request not queued",
				slog.String("key", req.Key()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Contains reports whether a request with key is queued or executing.
func (w *Worker) Contains(key string) bool {
	return w.dedup.Contains(key)
}

// Run processes requests until ctx is cancelled, then drains what is left in
// the queue and waits for in-flight executions.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("exit worker started", slog.Int("workers", w.workers))
	defer w.logger.Info("exit worker stopped")

	// In-flight sells must finish even when the worker is shutting down.
	execCtx := context.WithoutCancel(ctx)

	g := new(errgroup.Group)
	g.SetLimit(w.workers)

	cleanupTicker := time.NewTicker(w.cleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.drain(g)
			_ = g.Wait()
			return ctx.Err()

		case req := <-w.queue:
			metrics.QueueDepth.Set(float64(len(w.queue)))
			g.Go(func() error {
				w.process(execCtx, req)
				return nil
			})

		case <-cleanupTicker.C:
			w.dedup.Cleanup()
		}
	}
}

func (w *Worker) process(ctx context.Context, req domain.ExitRequest) {
	defer w.dedup.Release(req.Key())

	log := w.logger.With(
		slog.String("position_id", req.PositionID),
		slog.String("kind", string(req.Kind)),
		slog.String("trigger", string(req.TriggerType)),
	)

	err := w.handler.Handle(ctx, req)
	switch {
	case err == nil:
	case IsSkip(err):
		log.Debug("exit request skipped", slog.String("reason", err.Error()))
	default:
		var execErr *domain.ExecutionError
		if errors.As(err, &execErr) {
			log.Error("exit execution failed, trigger left for retry", slog.String("error", err.Error()))
			return
		}
		log.Error("exit request failed", slog.String("error", err.Error()))
	}
}

// drain hands every request still buffered in the queue to the group.
func (w *Worker) drain(g *errgroup.Group) {
	for {
		select {
		case req := <-w.queue:
			w.logger.Warn("draining exit request after shutdown",
				slog.String("position_id", req.PositionID),
				slog.String("trigger", string(req.TriggerType)),
			)
			g.Go(func() error {
				drainCtx, cancel := context.WithTimeout(context.Background(), w.drainTimeout)
				defer cancel()
				w.process(drainCtx, req)
				return nil
			})
		default:
			return
		}
	}
}

// String returns a human-readable description of the worker.
func (w *Worker) String() string {
	return fmt.Sprintf("Worker(workers=%d, queue=%d)", w.workers, cap(w.queue))
}
