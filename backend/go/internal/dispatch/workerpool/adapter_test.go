package workerpool

import (
	"context"
	"testing"
	"time"

	"Foreman/backend/go/internal/apperror"
	"Foreman/backend/go/internal/channel"
	"Foreman/backend/go/internal/lifecycle"
	"Foreman/backend/go/internal/models"
	"Foreman/backend/go/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePool struct {
	name     string
	ready    map[string]bool
	execute  func(req *channel.ExecuteTaskRequest) (*channel.ExecuteTaskResult, error)
	executed []string
}

func (p *fakePool) Name() string { return p.name }

func (p *fakePool) Ready(_ context.Context, handlerID string) bool { return p.ready[handlerID] }

func (p *fakePool) Execute(_ context.Context, req *channel.ExecuteTaskRequest) (*channel.ExecuteTaskResult, error) {
	p.executed = append(p.executed, req.TaskID)
	return p.execute(req)
}

func setup(t *testing.T) (*lifecycle.Manager, *models.Task) {
	t.Helper()
	lc := lifecycle.NewManager(store.NewMemory(), nil)
	task, err := lc.Create(context.Background(), lifecycle.CreateRequest{
		OwnerID:     "media",
		HandlerKind: models.HandlerWorker,
		HandlerID:   "thumbnailer",
		Trigger:     models.ManualTrigger("ops"),
		InputData:   models.InputData{"objectId": "o1"},
	})
	require.NoError(t, err)
	return lc, task
}

func TestNoReadyPoolFailsFast(t *testing.T) {
	lc, task := setup(t)
	pool := &fakePool{name: "hub", ready: map[string]bool{"other": true}}
	a := New(lc, nil, 5*time.Second, pool)

	_, err := a.Run(context.Background(), task)
	ae := apperror.From(err)
	require.NotNil(t, ae)
	assert.Equal(t, apperror.CodeServerlessWorkerUnavailable, ae.Code)
	assert.Equal(t, apperror.OriginInternal, ae.Origin)
	assert.Equal(t, apperror.ClassTransient, ae.Class)
	assert.True(t, ae.Retry)
	assert.Equal(t, 5*time.Second, ae.RetryDelay)
	assert.Empty(t, pool.executed)

	got, err := lc.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCreated, got.Status(), "adapter must not start a task it could not place")
}

func TestFirstReadyPoolRunsAndTaskIsStarted(t *testing.T) {
	lc, task := setup(t)
	cold := &fakePool{name: "http", ready: map[string]bool{}}
	warm := &fakePool{name: "hub", ready: map[string]bool{"thumbnailer": true},
		execute: func(req *channel.ExecuteTaskRequest) (*channel.ExecuteTaskResult, error) {
			return &channel.ExecuteTaskResult{Output: "thumb.png", DurationMs: 12}, nil
		}}
	a := New(lc, nil, time.Second, cold, warm)

	res, err := a.Run(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, "thumb.png", res.Output)
	assert.True(t, res.Started)
	assert.Equal(t, []string{task.ID}, warm.executed)

	got, err := lc.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusStarted, got.Status())

	// 第二次调度不会重复执行。
	_, err = a.Run(context.Background(), task)
	assert.Equal(t, apperror.CodeTaskInvalidTransition, apperror.From(err).Code)
	assert.Len(t, warm.executed, 1)
}

func TestTransportFailureMarksTaskFailed(t *testing.T) {
	lc, task := setup(t)
	pool := &fakePool{name: "hub", ready: map[string]bool{"thumbnailer": true},
		execute: func(req *channel.ExecuteTaskRequest) (*channel.ExecuteTaskResult, error) {
			return nil, apperror.Transient(apperror.CodeChannelClosed, "manager went away")
		}}
	a := New(lc, nil, time.Second, pool)

	_, err := a.Run(context.Background(), task)
	ae := apperror.From(err)
	require.NotNil(t, ae)
	assert.Equal(t, apperror.CodeWorkerDispatchFailed, ae.Code)
	assert.Equal(t, apperror.ClassPermanent, ae.Class)
	require.NotNil(t, ae.Cause)
	assert.Equal(t, apperror.CodeChannelClosed, ae.Cause.Code)

	got, err := lc.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, got.Status())
	assert.Equal(t, apperror.CodeWorkerDispatchFailed, got.ErrorCode)
}

func TestAppFailureIsReturnedUnwrapped(t *testing.T) {
	lc, task := setup(t)
	pool := &fakePool{name: "hub", ready: map[string]bool{"thumbnailer": true},
		execute: func(req *channel.ExecuteTaskRequest) (*channel.ExecuteTaskResult, error) {
			return nil, apperror.App(apperror.ClassPermanent, "UNSUPPORTED_FORMAT", "cannot decode HEIC")
		}}
	a := New(lc, nil, time.Second, pool)

	_, err := a.Run(context.Background(), task)
	ae := apperror.From(err)
	assert.Equal(t, apperror.OriginApp, ae.Origin)
	assert.Equal(t, "UNSUPPORTED_FORMAT", ae.Code)

	got, err := lc.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusStarted, got.Status(), "app failures are recorded by the orchestrator")
}

// blockingPool 一直等到调用方放弃，然后像通道一样返回 ctx 的错误。
type blockingPool struct {
	entered chan struct{}
}

func (p *blockingPool) Name() string { return "hub" }

func (p *blockingPool) Ready(context.Context, string) bool { return true }

func (p *blockingPool) Execute(ctx context.Context, _ *channel.ExecuteTaskRequest) (*channel.ExecuteTaskResult, error) {
	close(p.entered)
	<-ctx.Done()
	return nil, apperror.From(ctx.Err())
}

// strictStore 像 Mongo 驱动一样拒绝已取消的 ctx。
type strictStore struct {
	*store.Memory
}

func (s strictStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Memory.GetTask(ctx, id)
}

func (s strictStore) MarkTerminal(ctx context.Context, id string, term store.Terminal, requireStarted bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.Memory.MarkTerminal(ctx, id, term, requireStarted)
}

func TestShutdownDuringExecuteStillFailsTask(t *testing.T) {
	lc := lifecycle.NewManager(strictStore{store.NewMemory()}, nil)
	task, err := lc.Create(context.Background(), lifecycle.CreateRequest{
		OwnerID:     "media",
		HandlerKind: models.HandlerWorker,
		HandlerID:   "thumbnailer",
		Trigger:     models.ManualTrigger("ops"),
	})
	require.NoError(t, err)

	pool := &blockingPool{entered: make(chan struct{})}
	a := New(lc, nil, time.Second, pool)
	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := a.Run(ctx, task)
		errs <- err
	}()
	<-pool.entered
	cancel()

	select {
	case err := <-errs:
		assert.Equal(t, apperror.CodeWorkerDispatchFailed, apperror.From(err).Code)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	got, err := lc.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, got.Status(), "the task must not stay started")
	assert.Equal(t, apperror.CodeWorkerDispatchFailed, got.ErrorCode)
}
