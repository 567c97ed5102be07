// Package lifecycle 负责任务状态机：created → started → completed | failed。
// 每个终态转换只会发生一次，并发的完成调用以"先写者胜"裁决，裁决由存储层的条件更新完成。
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"Foreman/backend/go/internal/apperror"
	"Foreman/backend/go/internal/models"
	"Foreman/backend/go/internal/store"
	"Foreman/backend/go/pkg/logger"

	"github.com/google/uuid"
)

var (
	// ErrAlreadyStarted 表示任务已经开始 (或已结束)，本次 Start 没有生效。
	ErrAlreadyStarted = errors.New("lifecycle: task already started")
	// ErrNotStarted 表示非 internal 任务在未开始时被标记为成功。
	ErrNotStarted = errors.New("lifecycle: task has not started")
)

// terminalWriteTimeout 限制脱离调用方 ctx 之后的一次终态写入。
const terminalWriteTimeout = 10 * time.Second

// Detach 返回不随 ctx 取消的上下文，带有 terminalWriteTimeout 的时限。
// 终态与失败记录必须落盘，即使调用方 (例如关闭中的队列消费者) 已经放弃。
func Detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
}

// CreateRequest 描述一个待创建的任务。ID 为空时生成随机 id；
// 给定 ID 时创建是幂等的，已存在的同 id 任务被原样返回。
type CreateRequest struct {
	ID          string
	OwnerID     string
	Description string
	HandlerKind models.HandlerKind
	HandlerID   string
	Trigger     models.Trigger
	InputData   models.InputData
	Subject     *models.SubjectRef
	RetryOf     string
	Attempt     int
	NotBefore   *time.Time
}

// Outcome 是一次完成调用的结果：成功时携带 Result，失败时携带 Err。
type Outcome struct {
	Success bool
	Result  interface{}
	Err     *apperror.Error
}

// Succeeded 构造成功结果。
func Succeeded(result interface{}) Outcome {
	return Outcome{Success: true, Result: result}
}

// Failed 构造失败结果，任意错误都会被转换成错误信封。
func Failed(err error) Outcome {
	e := apperror.From(err)
	if e == nil {
		e = apperror.Permanent(apperror.CodeUnknown, "task failed without an error")
	}
	return Outcome{Err: e}
}

// Manager 是任务状态机的唯一写入方。
type Manager struct {
	store store.TaskStore
	log   *logger.Logger
	now   func() time.Time
}

// NewManager 创建一个 Manager。
func NewManager(s store.TaskStore, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.New("TaskLifecycle", "", "")
	}
	return &Manager{store: s, log: log, now: time.Now}
}

// Create 校验并持久化一个新任务，返回处于 created 状态的任务。
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*models.Task, error) {
	if err := req.Subject.Validate(); err != nil {
		return nil, apperror.Permanent(apperror.CodeSubjectScopeInvalid, err.Error())
	}
	if req.Subject.Empty() {
		req.Subject = nil
	}
	attempt := req.Attempt
	if attempt <= 0 {
		attempt = 1
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	task := &models.Task{
		ID:          id,
		OwnerID:     req.OwnerID,
		Description: req.Description,
		HandlerKind: req.HandlerKind,
		HandlerID:   req.HandlerID,
		Trigger:     req.Trigger,
		InputData:   req.InputData,
		Subject:     req.Subject,
		RetryOf:     req.RetryOf,
		Attempt:     attempt,
		NotBefore:   req.NotBefore,
		CreatedAt:   m.now().UTC(),
	}
	if err := task.Validate(); err != nil {
		return nil, apperror.Permanent(apperror.CodeInvalidTaskInput, err.Error())
	}
	err := m.store.CreateTask(ctx, task)
	if errors.Is(err, store.ErrDuplicate) && req.ID != "" {
		return m.Get(ctx, req.ID)
	}
	if err != nil {
		return nil, apperror.Transient(apperror.CodeStoreUnavailable, "failed to persist task").WithCause(err)
	}
	m.log.ForTask(task.ID, task.OwnerID).WithPayload(map[string]interface{}{
		"handler_kind": task.HandlerKind,
		"handler_id":   task.HandlerID,
		"trigger":      task.Trigger.Type,
		"attempt":      task.Attempt,
	}).Info("任务已创建")
	return task, nil
}

// Start 把任务从 created 转到 started。已开始或已结束的任务返回 ErrAlreadyStarted，不会覆盖原有状态。
func (m *Manager) Start(ctx context.Context, id string) error {
	ok, err := m.store.MarkStarted(ctx, id, m.now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		return notFound(id)
	}
	if err != nil {
		return apperror.Transient(apperror.CodeStoreUnavailable, "failed to mark task started").WithCause(err)
	}
	if !ok {
		return ErrAlreadyStarted
	}
	m.log.ForTask(id, "").Debug("任务已开始")
	return nil
}

// Complete 记录任务终态，写入不受 ctx 取消影响 (见 Detach)。applied 为 false 表示任务已经被其他调用者结束，返回的任务反映胜出者写入的状态。
// 成功结果要求任务已开始 (internal 任务除外)；失败结果可以直接从 created 写入，避免调度失败的任务成为孤儿。
// 即使 Err 的 retry 为 true 也不会在这里重新入队，重试由编排器创建新任务完成。
func (m *Manager) Complete(ctx context.Context, id string, out Outcome) (task *models.Task, applied bool, err error) {
	ctx, cancel := Detach(ctx)
	defer cancel()

	current, err := m.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if current.IsTerminal() {
		return current, false, nil
	}

	term := store.Terminal{Success: out.Success, At: m.now().UTC(), Result: out.Result}
	requireStarted := false
	if out.Success {
		requireStarted = current.HandlerKind != models.HandlerInternal
	} else {
		fault := out.Err
		if fault == nil {
			fault = apperror.Permanent(apperror.CodeUnknown, "task failed without an error")
		}
		term.Error = fault.ToEnvelope()
	}

	ok, err := m.store.MarkTerminal(ctx, id, term, requireStarted)
	if err != nil {
		return nil, false, apperror.Transient(apperror.CodeStoreUnavailable, "failed to record task completion").WithCause(err)
	}
	after, err := m.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		if !after.IsTerminal() {
			return after, false, apperror.Permanent(apperror.CodeTaskInvalidTransition,
				fmt.Sprintf("task %s cannot complete successfully from %s", id, after.Status())).
				WithCause(ErrNotStarted)
		}
		return after, false, nil
	}

	log := m.log.ForTask(after.ID, after.OwnerID)
	if out.Success {
		log.Info("任务已完成")
	} else {
		log.WithFault(out.Err).Warn("任务失败")
	}
	return after, true, nil
}

// Get 读取任务的完整记录，包括错误信封。仅供内部与运维接口使用。
func (m *Manager) Get(ctx context.Context, id string) (*models.Task, error) {
	task, err := m.store.GetTask(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, apperror.Transient(apperror.CodeStoreUnavailable, "failed to load task").WithCause(err)
	}
	return task, nil
}

// PublicView 返回对非运维调用方公开的任务视图，不含堆栈与错误链。
func (m *Manager) PublicView(ctx context.Context, id string) (*models.PublicTask, error) {
	task, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	pub := task.Public()
	return &pub, nil
}

// ListByOwner 列出某个 owner 最近的任务。
func (m *Manager) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*models.Task, error) {
	tasks, err := m.store.ListTasksByOwner(ctx, ownerID, limit)
	if err != nil {
		return nil, apperror.Transient(apperror.CodeStoreUnavailable, "failed to list tasks").WithCause(err)
	}
	return tasks, nil
}

// ListStale 返回已到期却仍处于 created 的任务：入队失败、进程在调度前退出、或重试定时器丢失。
func (m *Manager) ListStale(ctx context.Context, dueBefore time.Time, limit int) ([]*models.Task, error) {
	tasks, err := m.store.ListStaleCreated(ctx, dueBefore, limit)
	if err != nil {
		return nil, apperror.Transient(apperror.CodeStoreUnavailable, "failed to list stale tasks").WithCause(err)
	}
	return tasks, nil
}

func notFound(id string) *apperror.Error {
	return apperror.Permanent(apperror.CodeTaskNotFound, fmt.Sprintf("task %s not found", id)).
		WithDetail("taskId", id)
}
