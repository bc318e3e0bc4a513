// internal/reconciler/reconciler_test.go
package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github-payout-service/internal/database"
	custom_errors "github-payout-service/internal/errors"
	"github-payout-service/internal/model"
	"github-payout-service/internal/queue"
)

// MockQuerier is a mock of the database.Querier interface. Only the methods
// the reconciler calls are implemented.
type MockQuerier struct {
	mock.Mock
	database.Querier
}

func (m *MockQuerier) ListStalePushEvents(ctx context.Context, arg database.ListStalePushEventsParams) ([]model.PushEvent, error) {
	args := m.Called(ctx, arg)
	return args.Get(0).([]model.PushEvent), args.Error(1)
}

type MockSubmitter struct {
	mock.Mock
}

func (m *MockSubmitter) Submit(t queue.Task) error {
	return m.Called(t).Error(0)
}

func newTestReconciler(q database.Querier, s Submitter) *Reconciler {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	r := New(q, s, logger, nil, Options{Interval: time.Minute, StaleAfter: 15 * time.Minute, MaxAttempts: 3})
	r.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return r
}

func TestReconciler_RunCycle(t *testing.T) {
	ctx := context.Background()
	stale := []model.PushEvent{
		{PushID: "push_1", ProjectID: "proj_a", Status: model.PushPendingAnalysis},
		{PushID: "push_2", ProjectID: "proj_b", Status: model.PushProcessing, Attempts: 1},
		{PushID: "push_3", ProjectID: "proj_a", Status: model.PushPendingAnalysis},
	}
	wantParams := database.ListStalePushEventsParams{
		UpdatedBefore: time.Date(2025, 6, 1, 11, 45, 0, 0, time.UTC),
		MaxAttempts:   3,
		Limit:         batchSize,
	}

	t.Run("requeues every stale push", func(t *testing.T) {
		mockQ := new(MockQuerier)
		mockS := new(MockSubmitter)
		mockQ.On("ListStalePushEvents", ctx, wantParams).Return(stale, nil).Once()
		for _, e := range stale {
			mockS.On("Submit", queue.Task{PushID: e.PushID, ProjectID: e.ProjectID}).Return(nil).Once()
		}

		n, err := newTestReconciler(mockQ, mockS).RunCycle(ctx)

		require.NoError(t, err)
		assert.Equal(t, 3, n)
		mockQ.AssertExpectations(t)
		mockS.AssertExpectations(t)
	})

	t.Run("stops when the queue is full", func(t *testing.T) {
		mockQ := new(MockQuerier)
		mockS := new(MockSubmitter)
		mockQ.On("ListStalePushEvents", ctx, wantParams).Return(stale, nil).Once()
		mockS.On("Submit", queue.Task{PushID: "push_1", ProjectID: "proj_a"}).Return(nil).Once()
		mockS.On("Submit", queue.Task{PushID: "push_2", ProjectID: "proj_b"}).Return(custom_errors.ErrQueueFull).Once()

		n, err := newTestReconciler(mockQ, mockS).RunCycle(ctx)

		require.NoError(t, err)
		assert.Equal(t, 1, n)
		mockS.AssertExpectations(t)
		mockS.AssertNotCalled(t, "Submit", queue.Task{PushID: "push_3", ProjectID: "proj_a"})
	})

	t.Run("skips pushes that fail to submit for other reasons", func(t *testing.T) {
		mockQ := new(MockQuerier)
		mockS := new(MockSubmitter)
		mockQ.On("ListStalePushEvents", ctx, wantParams).Return(stale[:2], nil).Once()
		mockS.On("Submit", queue.Task{PushID: "push_1", ProjectID: "proj_a"}).Return(errors.New("odd")).Once()
		mockS.On("Submit", queue.Task{PushID: "push_2", ProjectID: "proj_b"}).Return(nil).Once()

		n, err := newTestReconciler(mockQ, mockS).RunCycle(ctx)

		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("returns query errors", func(t *testing.T) {
		mockQ := new(MockQuerier)
		mockQ.On("ListStalePushEvents", ctx, wantParams).Return([]model.PushEvent(nil), errors.New("db down")).Once()

		n, err := newTestReconciler(mockQ, new(MockSubmitter)).RunCycle(ctx)

		assert.EqualError(t, err, "db down")
		assert.Zero(t, n)
	})
}

type signalQuerier struct {
	database.Querier
	called chan struct{}
}

func (q *signalQuerier) ListStalePushEvents(ctx context.Context, arg database.ListStalePushEventsParams) ([]model.PushEvent, error) {
	select {
	case q.called <- struct{}{}:
	default:
	}
	return nil, nil
}

func TestReconciler_StartStopsOnCancel(t *testing.T) {
	q := &signalQuerier{called: make(chan struct{}, 1)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		newTestReconciler(q, new(MockSubmitter)).Start(ctx)
		close(done)
	}()

	select {
	case <-q.called:
	case <-time.After(time.Second):
		t.Fatal("initial cycle did not run")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop after cancel")
	}
}
