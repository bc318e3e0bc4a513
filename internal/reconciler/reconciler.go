// internal/reconciler/reconciler.go
package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github-payout-service/internal/database"
	custom_errors "github-payout-service/internal/errors"
	"github-payout-service/internal/metrics"
	"github-payout-service/internal/queue"
)

const (
	// Maximum number of stale pushes picked up per cycle.
	batchSize = 100
)

// Submitter queues pushes for analysis.
type Submitter interface {
	Submit(t queue.Task) error
}

// Options controls how often and how aggressively pushes are retried.
type Options struct {
	Interval    time.Duration
	StaleAfter  time.Duration
	MaxAttempts int
}

// Reconciler re-queues pushes whose analysis never finished, e.g. because
// the queue was full or the process stopped mid-evaluation.
type Reconciler struct {
	q       database.Querier
	queue   Submitter
	logger  *slog.Logger
	metrics *metrics.Metrics
	opts    Options
	now     func() time.Time
}

func New(q database.Querier, queue Submitter, logger *slog.Logger, m *metrics.Metrics, opts Options) *Reconciler {
	return &Reconciler{
		q:       q,
		queue:   queue,
		logger:  logger.With("component", "reconciler"),
		metrics: m,
		opts:    opts,
		now:     time.Now,
	}
}

// Start runs a cycle immediately and then once per interval until ctx is done.
func (r *Reconciler) Start(ctx context.Context) {
	r.logger.Info("Starting reconciler", "interval", r.opts.Interval.String(), "stale_after", r.opts.StaleAfter.String(), "max_attempts", r.opts.MaxAttempts)
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	r.runCycle(ctx)

	for {
		select {
		case <-ticker.C:
			r.runCycle(ctx)
		case <-ctx.Done():
			r.logger.Info("Reconciler shutting down", "reason", ctx.Err())
			return
		}
	}
}

func (r *Reconciler) runCycle(ctx context.Context) {
	n, err := r.RunCycle(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Error("Reconcile cycle failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("Reconcile cycle finished", "requeued", n)
	}
}

// RunCycle submits every stale push that still has attempts left and
// returns how many were queued. It stops early when the queue is full.
func (r *Reconciler) RunCycle(ctx context.Context) (int, error) {
	stale, err := r.q.ListStalePushEvents(ctx, database.ListStalePushEventsParams{
		UpdatedBefore: r.now().Add(-r.opts.StaleAfter),
		MaxAttempts:   int32(r.opts.MaxAttempts),
		Limit:         batchSize,
	})
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, e := range stale {
		err := r.queue.Submit(queue.Task{PushID: e.PushID, ProjectID: e.ProjectID})
		if errors.Is(err, custom_errors.ErrQueueFull) || errors.Is(err, custom_errors.ErrQueueStopped) {
			r.logger.Warn("Queue unavailable, deferring remaining pushes", "pending", len(stale)-requeued, "error", err)
			break
		}
		if err != nil {
			r.logger.Error("Failed to requeue push", "push_id", e.PushID, "error", err)
			continue
		}
		r.logger.Debug("Requeued stale push", "push_id", e.PushID, "status", e.Status, "attempts", e.Attempts)
		requeued++
	}

	r.metrics.Requeued(requeued)
	return requeued, nil
}
