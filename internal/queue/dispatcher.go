// internal/queue/dispatcher.go
package queue

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	custom_errors "github-payout-service/internal/errors"
	"github-payout-service/internal/metrics"
)

// Task is one push waiting for evaluation.
type Task struct {
	PushID    string
	ProjectID string
}

// Handler processes a task. Returned errors are reported to the FailureSink.
type Handler func(ctx context.Context, t Task) error

// FailureSink receives tasks that finished with an error.
type FailureSink interface {
	TaskFailed(t Task, err error)
}

// LogSink reports failures through slog.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) TaskFailed(t Task, err error) {
	s.Logger.Error("Background task failed", "push_id", t.PushID, "project_id", t.ProjectID, "error", err)
}

// Options sizes the dispatcher.
type Options struct {
	Shards    int
	QueueSize int
}

// Dispatcher runs tasks on a fixed set of shard goroutines. Every task of a
// project lands on the same shard, so a project's tasks run one at a time and
// in submission order while different projects proceed in parallel.
type Dispatcher struct {
	handler Handler
	sink    FailureSink
	logger  *slog.Logger
	metrics *metrics.Metrics
	shards  []chan Task

	mu       sync.Mutex
	running  bool
	inFlight map[string]Task
	cancel   context.CancelFunc
	group    *errgroup.Group
}

// New creates a stopped dispatcher.
func New(handler Handler, opts Options, sink FailureSink, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if opts.Shards < 1 {
		opts.Shards = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 1
	}
	logger = logger.With("component", "dispatcher")
	if sink == nil {
		sink = LogSink{Logger: logger}
	}
	shards := make([]chan Task, opts.Shards)
	for i := range shards {
		shards[i] = make(chan Task, opts.QueueSize)
	}
	return &Dispatcher{
		handler:  handler,
		sink:     sink,
		logger:   logger,
		metrics:  m,
		shards:   shards,
		inFlight: make(map[string]Task),
	}
}

// Start launches the shard goroutines. Tasks keep running when ctx is
// cancelled; use Stop to shut down.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running || d.group != nil {
		return
	}

	workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.cancel = cancel
	d.group = new(errgroup.Group)
	d.running = true

	for i, ch := range d.shards {
		i, ch := i, ch
		d.group.Go(func() error {
			d.runShard(workCtx, i, ch)
			return nil
		})
	}
	d.logger.Info("Dispatcher started", "shards", len(d.shards), "queue_size", cap(d.shards[0]))
}

// Submit queues t without blocking. It returns ErrQueueFull when the
// project's shard is at capacity and ErrQueueStopped once Stop was called.
// Submitting a push that is already queued or running is a no-op.
func (d *Dispatcher) Submit(t Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		d.metrics.QueueRejected("stopped")
		return custom_errors.ErrQueueStopped
	}
	if _, ok := d.inFlight[t.PushID]; ok {
		d.logger.Debug("Task already in flight", "push_id", t.PushID)
		return nil
	}

	select {
	case d.shards[d.shardFor(t.ProjectID)] <- t:
		d.inFlight[t.PushID] = t
		d.metrics.SetInFlight(len(d.inFlight))
		return nil
	default:
		d.metrics.QueueRejected("full")
		return fmt.Errorf("%w: project %s", custom_errors.ErrQueueFull, t.ProjectID)
	}
}

// InFlight lists the push ids that are queued or running.
func (d *Dispatcher) InFlight() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.inFlight))
	for id := range d.inFlight {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stop rejects new tasks and waits for queued tasks to drain. When timeout
// elapses first, running tasks are cancelled and queued ones are skipped.
func (d *Dispatcher) Stop(timeout time.Duration) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	for _, ch := range d.shards {
		close(ch)
	}
	group, cancel := d.group, d.cancel
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = group.Wait()
		close(done)
	}()

	select {
	case <-done:
		cancel()
		d.logger.Info("Dispatcher stopped")
		return nil
	case <-time.After(timeout):
		cancel()
		<-done
		return fmt.Errorf("timed out waiting for tasks to complete after %v", timeout)
	}
}

func (d *Dispatcher) shardFor(projectID string) int {
	h := fnv.New32a()
	h.Write([]byte(projectID))
	return int(h.Sum32() % uint32(len(d.shards)))
}

func (d *Dispatcher) runShard(ctx context.Context, shard int, tasks <-chan Task) {
	for t := range tasks {
		if ctx.Err() != nil {
			d.logger.Warn("Skipping task after shutdown", "shard", shard, "push_id", t.PushID)
			d.finish(t)
			continue
		}
		d.run(ctx, t)
	}
}

func (d *Dispatcher) run(ctx context.Context, t Task) {
	start := time.Now()
	err := d.safeHandle(ctx, t)
	d.metrics.TaskFinished(err, time.Since(start))
	if err != nil {
		d.sink.TaskFailed(t, err)
	}
	d.finish(t)
}

func (d *Dispatcher) safeHandle(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return d.handler(ctx, t)
}

func (d *Dispatcher) finish(t Task) {
	d.mu.Lock()
	delete(d.inFlight, t.PushID)
	d.metrics.SetInFlight(len(d.inFlight))
	d.mu.Unlock()
}
