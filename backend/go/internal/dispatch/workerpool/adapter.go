// Package workerpool 把任务交给已就绪的 worker 池执行 (经 worker 通道或常驻 HTTP worker)。
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"Foreman/backend/go/internal/apperror"
	"Foreman/backend/go/internal/channel"
	"Foreman/backend/go/internal/dispatch"
	"Foreman/backend/go/internal/lifecycle"
	"Foreman/backend/go/internal/models"
	"Foreman/backend/go/pkg/logger"
)

// Pool 是一类 worker 池的后端。
type Pool interface {
	Name() string
	// Ready 报告 handlerID 对应的池当前能否接收任务。
	Ready(ctx context.Context, handlerID string) bool
	// Execute 同步执行任务。worker 自身报告的失败以 app 来源的错误返回，传输失败以 internal 来源返回。
	Execute(ctx context.Context, req *channel.ExecuteTaskRequest) (*channel.ExecuteTaskResult, error)
}

// Lifecycle 是适配器需要的任务状态机操作。
type Lifecycle interface {
	Start(ctx context.Context, id string) error
	Complete(ctx context.Context, id string, out lifecycle.Outcome) (*models.Task, bool, error)
}

// Adapter 实现 dispatch.Adapter，HandlerKind 为 worker。
type Adapter struct {
	pools        []Pool
	lc           Lifecycle
	log          *logger.Logger
	unavailDelay time.Duration
}

var (
	_ dispatch.Adapter      = (*Adapter)(nil)
	_ dispatch.SelfStarting = (*Adapter)(nil)
)

// New 创建适配器。pools 按顺序询问，第一个就绪的池胜出。
func New(lc Lifecycle, log *logger.Logger, unavailableRetryDelay time.Duration, pools ...Pool) *Adapter {
	if log == nil {
		log = logger.New("WorkerPoolAdapter", "", "")
	}
	return &Adapter{pools: pools, lc: lc, log: log, unavailDelay: unavailableRetryDelay}
}

// Kind 实现 dispatch.Adapter。
func (a *Adapter) Kind() models.HandlerKind { return models.HandlerWorker }

// StartsTask 实现 dispatch.SelfStarting：池就绪之后才开始任务。
func (a *Adapter) StartsTask() bool { return true }

// Run 在就绪的池上执行任务。没有就绪的池时立即返回 SERVERLESS_WORKER_UNAVAILABLE，不会排队等待。
// 开始执行前由这里把任务标记为 started；传输失败时任务被标记为 WORKER_DISPATCH_FAILED，
// 同一个错误也返回给调用方。
func (a *Adapter) Run(ctx context.Context, task *models.Task) (*dispatch.Result, error) {
	log := a.log.ForTask(task.ID, task.OwnerID)

	pool := a.readyPool(ctx, task.HandlerID)
	if pool == nil {
		return nil, apperror.Transient(apperror.CodeServerlessWorkerUnavailable,
			fmt.Sprintf("no ready worker pool for handler %q", task.HandlerID)).
			WithDetail("handlerId", task.HandlerID).
			WithRetry(true, a.unavailDelay)
	}

	if err := a.lc.Start(ctx, task.ID); err != nil {
		if errors.Is(err, lifecycle.ErrAlreadyStarted) {
			return nil, apperror.Permanent(apperror.CodeTaskInvalidTransition,
				fmt.Sprintf("task %s was already started by another dispatcher", task.ID)).WithRetry(false, 0)
		}
		return nil, err
	}

	req := &channel.ExecuteTaskRequest{
		TaskID:    task.ID,
		HandlerID: task.HandlerID,
		OwnerID:   task.OwnerID,
		Attempt:   task.Attempt,
		EventKey:  task.Trigger.EventKey,
		Input:     task.InputData,
		Subject:   task.Subject,
	}
	res, err := pool.Execute(ctx, req)
	if err == nil {
		log.WithPayload(map[string]interface{}{"pool": pool.Name(), "duration_ms": res.DurationMs}).Debug("worker 执行完成")
		return &dispatch.Result{Output: res.Output, Started: true}, nil
	}

	fault := apperror.From(err)
	if fault.Origin == apperror.OriginApp {
		// worker 明确返回了失败，交给编排器按 app 来源记录。
		return &dispatch.Result{Started: true}, fault
	}

	dispatchErr := apperror.Permanent(apperror.CodeWorkerDispatchFailed,
		fmt.Sprintf("dispatch to pool %s failed", pool.Name())).
		WithCause(fault).
		WithDetail("pool", pool.Name()).
		WithRetry(fault.Retry, fault.RetryDelay)
	if _, _, cerr := a.lc.Complete(ctx, task.ID, lifecycle.Outcome{Err: dispatchErr}); cerr != nil {
		log.WithFault(cerr).Error("无法记录调度失败")
	}
	log.WithFault(dispatchErr).Warn("worker 调度失败")
	return &dispatch.Result{Started: true}, dispatchErr
}

func (a *Adapter) readyPool(ctx context.Context, handlerID string) Pool {
	for _, p := range a.pools {
		if p.Ready(ctx, handlerID) {
			return p
		}
	}
	return nil
}
