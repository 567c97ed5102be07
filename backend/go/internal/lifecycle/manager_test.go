package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"Foreman/backend/go/internal/apperror"
	"Foreman/backend/go/internal/models"
	"Foreman/backend/go/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager() *Manager {
	return NewManager(store.NewMemory(), nil)
}

func workerTask(kind models.HandlerKind) CreateRequest {
	return CreateRequest{
		OwnerID:     "billing",
		Description: "render invoice",
		HandlerKind: kind,
		HandlerID:   "invoice-renderer",
		Trigger:     models.ManualTrigger("ops@example.com"),
		InputData:   models.InputData{"invoiceId": "inv-1", "amount": 12.5},
	}
}

func TestCreateValidates(t *testing.T) {
	m := newManager()
	ctx := context.Background()

	cases := []struct {
		name string
		mut  func(*CreateRequest)
		code string
	}{
		{"boolean input", func(r *CreateRequest) { r.InputData = models.InputData{"flag": true} }, apperror.CodeInvalidTaskInput},
		{"array input", func(r *CreateRequest) { r.InputData = models.InputData{"ids": []interface{}{"a"}} }, apperror.CodeInvalidTaskInput},
		{"unknown kind", func(r *CreateRequest) { r.HandlerKind = "lambda" }, apperror.CodeInvalidTaskInput},
		{"manual without actor", func(r *CreateRequest) { r.Trigger = models.Trigger{Type: models.TriggerManual} }, apperror.CodeInvalidTaskInput},
		{"object without folder", func(r *CreateRequest) { r.Subject = &models.SubjectRef{ObjectID: "o1"} }, apperror.CodeSubjectScopeInvalid},
		{"blank folder", func(r *CreateRequest) { r.Subject = &models.SubjectRef{FolderID: "  "} }, apperror.CodeSubjectScopeInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := workerTask(models.HandlerWorker)
			tc.mut(&req)
			_, err := m.Create(ctx, req)
			ae := apperror.From(err)
			require.NotNil(t, ae)
			assert.Equal(t, tc.code, ae.Code)
			assert.Equal(t, apperror.ClassPermanent, ae.Class)
		})
	}

	req := workerTask(models.HandlerWorker)
	req.Subject = &models.SubjectRef{}
	task, err := m.Create(ctx, req)
	require.NoError(t, err)
	assert.Nil(t, task.Subject)
	assert.Equal(t, 1, task.Attempt)
	assert.Equal(t, models.TaskStatusCreated, task.Status())
}

func TestStartIsExclusive(t *testing.T) {
	m := newManager()
	ctx := context.Background()
	task, err := m.Create(ctx, workerTask(models.HandlerWorker))
	require.NoError(t, err)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.Start(ctx, task.ID)
			if err == nil {
				atomic.AddInt32(&wins, 1)
				return
			}
			assert.ErrorIs(t, err, ErrAlreadyStarted)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)

	err = m.Start(ctx, "missing")
	assert.Equal(t, apperror.CodeTaskNotFound, apperror.From(err).Code)
}

func TestCompleteSingleTerminalTransition(t *testing.T) {
	m := newManager()
	ctx := context.Background()
	task, err := m.Create(ctx, workerTask(models.HandlerWorker))
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx, task.ID))

	var applied int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out := Succeeded(map[string]interface{}{"n": i})
			if i%2 == 1 {
				out = Failed(apperror.Transient(apperror.CodeChannelTimeout, "timed out"))
			}
			got, ok, err := m.Complete(ctx, task.ID, out)
			if !assert.NoError(t, err) {
				return
			}
			assert.True(t, got.IsTerminal())
			if ok {
				atomic.AddInt32(&applied, 1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), applied)

	final, err := m.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, final.CompletedAt != nil && final.ErroredAt != nil)

	// 已结束的任务不会被后续调用改写。
	again, ok, err := m.Complete(ctx, task.ID, Failed(apperror.Permanent("LATE", "late")))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, final.Status(), again.Status())
	assert.NotEqual(t, "LATE", again.ErrorCode)
}

func TestSuccessRequiresStartUnlessInternal(t *testing.T) {
	m := newManager()
	ctx := context.Background()

	worker, err := m.Create(ctx, workerTask(models.HandlerWorker))
	require.NoError(t, err)
	_, ok, err := m.Complete(ctx, worker.ID, Succeeded("done"))
	assert.False(t, ok)
	assert.Equal(t, apperror.CodeTaskInvalidTransition, apperror.From(err).Code)

	internal, err := m.Create(ctx, workerTask(models.HandlerInternal))
	require.NoError(t, err)
	got, ok, err := m.Complete(ctx, internal.ID, Succeeded("done"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, models.TaskStatusCompleted, got.Status())
	assert.Equal(t, "done", got.Result)
}

func TestFailureFromCreatedAndPublicView(t *testing.T) {
	m := newManager()
	ctx := context.Background()
	task, err := m.Create(ctx, workerTask(models.HandlerWorker))
	require.NoError(t, err)

	inner := apperror.App(apperror.ClassPermanent, "RENDER_FAILED", "template missing").WithStack()
	fault := apperror.Transient(apperror.CodeWorkerDispatchFailed, "dispatch failed").WithCause(inner).WithRetry(true, 0)
	got, ok, err := m.Complete(ctx, task.ID, Failed(fault))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, models.TaskStatusFailed, got.Status())
	require.NotNil(t, got.Error)
	assert.Equal(t, apperror.CodeWorkerDispatchFailed, got.Error.Code)
	require.NotNil(t, got.Error.Cause)
	assert.NotEmpty(t, got.Error.Cause.Stack)

	pub, err := m.PublicView(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, pub.Status)
	assert.NotEmpty(t, pub.ErrorCode)
	assert.NotEmpty(t, pub.ErrorMessage)
}

func TestCreateWithIDIsIdempotent(t *testing.T) {
	m := newManager()
	ctx := context.Background()

	req := workerTask(models.HandlerWorker)
	req.ID = models.ReceiptTaskID("evt-1", "ledger")
	first, err := m.Create(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, req.ID, first.ID)

	req.Description = "second delivery"
	again, err := m.Create(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "render invoice", again.Description, "the stored task is returned unchanged")

	tasks, err := m.ListByOwner(ctx, "billing", 10)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

// ctxStore 像 Mongo 驱动一样拒绝已取消的 ctx。
type ctxStore struct {
	*store.Memory
}

func (s ctxStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Memory.GetTask(ctx, id)
}

func (s ctxStore) MarkTerminal(ctx context.Context, id string, term store.Terminal, requireStarted bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.Memory.MarkTerminal(ctx, id, term, requireStarted)
}

func TestCompleteSurvivesCancelledCaller(t *testing.T) {
	m := NewManager(ctxStore{store.NewMemory()}, nil)
	task, err := m.Create(context.Background(), workerTask(models.HandlerWorker))
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background(), task.ID))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	after, applied, err := m.Complete(ctx, task.ID, Failed(apperror.Transient(apperror.CodeChannelClosed, "shutting down")))
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, models.TaskStatusFailed, after.Status())
}

func TestListStale(t *testing.T) {
	m := newManager()
	ctx := context.Background()
	due, err := m.Create(ctx, workerTask(models.HandlerWorker))
	require.NoError(t, err)

	later := time.Now().Add(time.Hour)
	retry := workerTask(models.HandlerWorker)
	retry.RetryOf, retry.Attempt, retry.NotBefore = due.ID, 2, &later
	_, err = m.Create(ctx, retry)
	require.NoError(t, err)

	stale, err := m.ListStale(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, due.ID, stale[0].ID)
}
