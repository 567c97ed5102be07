package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"Foreman/backend/go/internal/apperror"
	"Foreman/backend/go/internal/config"
	"Foreman/backend/go/internal/dispatch"
	"Foreman/backend/go/internal/dispatch/execjob"
	"Foreman/backend/go/internal/eventbus"
	"Foreman/backend/go/internal/lifecycle"
	"Foreman/backend/go/internal/models"
	"Foreman/backend/go/internal/queue"
	"Foreman/backend/go/internal/registry"
	"Foreman/backend/go/pkg/logger"
)

// LogPublisher 接收 exec 类 worker 上报的日志行。
type LogPublisher interface {
	PublishJobLogs(ctx context.Context, entries ...models.JobLogEntry) error
}

// Options 是编排器的依赖。Logs 为空时日志行只写入本地日志。
type Options struct {
	Config    config.OrchestratorConfig
	Lifecycle *lifecycle.Manager
	Bus       *eventbus.Bus
	Registry  registry.SubscriberRegistry
	Adapters  *dispatch.Set
	Queue     queue.Queue
	Logs      LogPublisher
	Logger    *logger.Logger
}

// Orchestrator 持有所有处理器，并提供手动调用与外部完成上报的入口。
type Orchestrator struct {
	lc       *lifecycle.Manager
	bus      *eventbus.Bus
	reg      registry.SubscriberRegistry
	adapters *dispatch.Set
	queue    queue.Queue
	logs     LogPublisher
	policy   RetryPolicy
	internal *InternalHandlers
	log      *logger.Logger
	now      func() time.Time

	processors *ProcessorRegistry
	retries    *RetryScheduler
	sweeper    *Sweeper
}

// New 构造编排器并登记三种队列的处理器。总线的 emit 钩子被设置为立即把回执入队。
func New(opts Options) *Orchestrator {
	log := opts.Logger
	if log == nil {
		log = logger.New("Orchestrator", "", "")
	}
	cfg := opts.Config
	o := &Orchestrator{
		lc:       opts.Lifecycle,
		bus:      opts.Bus,
		reg:      opts.Registry,
		adapters: opts.Adapters,
		queue:    opts.Queue,
		logs:     opts.Logs,
		policy: RetryPolicy{
			MaxAttempts:  cfg.MaxAttempts,
			DefaultDelay: config.Duration(cfg.DefaultRetryDelay, 10*time.Second),
		},
		internal:   NewInternalHandlers(),
		log:        log,
		now:        time.Now,
		processors: NewProcessorRegistry(),
	}
	o.processors.Register(&ReceiptProcessor{o: o}, cfg.EventWorkers)
	o.processors.Register(&DispatchProcessor{o: o}, cfg.DispatchWorkers)
	o.retries = NewRetryScheduler(opts.Queue, log)
	o.processors.Register(o.retries, cfg.RetryWorkers)
	o.sweeper = NewSweeper(opts.Bus, opts.Lifecycle, opts.Queue,
		config.Duration(cfg.SweepInterval, 5*time.Second),
		config.Duration(cfg.StaleTaskAfter, time.Minute),
		cfg.SweepBatch, log)

	if o.bus != nil {
		o.bus.SetEmitHook(o.enqueueReceipts)
	}
	return o
}

// Processors 返回处理器注册表。
func (o *Orchestrator) Processors() *ProcessorRegistry { return o.processors }

// Sweeper 返回回执清扫器。
func (o *Orchestrator) Sweeper() *Sweeper { return o.sweeper }

// Internal 返回进程内 handler 的注册表。
func (o *Orchestrator) Internal() *InternalHandlers { return o.internal }

// Run 为每种已登记的队列启动消费者，并运行清扫器，直到 ctx 结束。
func (o *Orchestrator) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, kind := range o.processors.Kinds() {
		workers := o.processors.Workers(kind)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(kind queue.Kind, worker int) {
				defer wg.Done()
				err := o.queue.Consume(ctx, kind, o.processors.Handle)
				if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, queue.ErrClosed) {
					o.log.WithFault(err).WithPayload(map[string]interface{}{"kind": kind, "worker": worker}).Error("队列消费者退出")
				}
			}(kind, i)
		}
		o.log.WithPayload(map[string]interface{}{"kind": kind, "workers": workers}).Info("队列消费者已启动")
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.sweeper.Run(ctx)
	}()

	<-ctx.Done()
	o.retries.Stop()
	wg.Wait()
	o.log.Info("编排器已停止")
	return nil
}

// InvokeRequest 是一次手动调用。
type InvokeRequest struct {
	Actor       string             `json:"actor"`
	OwnerID     string             `json:"ownerId"`
	Description string             `json:"description,omitempty"`
	HandlerKind models.HandlerKind `json:"handlerKind"`
	HandlerID   string             `json:"handlerId"`
	Input       models.InputData   `json:"input,omitempty"`
	Subject     *models.SubjectRef `json:"subject,omitempty"`
}

// Invoke 以手动触发创建任务并把它放入调度队列。
func (o *Orchestrator) Invoke(ctx context.Context, req InvokeRequest) (*models.Task, error) {
	if strings.TrimSpace(req.Description) == "" {
		req.Description = fmt.Sprintf("manual %s:%s", req.HandlerKind, req.HandlerID)
	}
	task, err := o.lc.Create(ctx, lifecycle.CreateRequest{
		OwnerID:     req.OwnerID,
		Description: req.Description,
		HandlerKind: req.HandlerKind,
		HandlerID:   req.HandlerID,
		Trigger:     models.ManualTrigger(req.Actor),
		InputData:   req.Input,
		Subject:     req.Subject,
	})
	if err != nil {
		return nil, err
	}
	o.enqueueDispatch(ctx, task)
	return task, nil
}

// CompletionReport 是外部执行者 (容器、exec 进程) 上报的结果。
type CompletionReport struct {
	Success bool               `json:"success"`
	Result  interface{}        `json:"result,omitempty"`
	Error   *apperror.Envelope `json:"error,omitempty"`
	Message string             `json:"message,omitempty"`
}

// fault 把上报的失败转换成 app 来源的错误信封。
func (r *CompletionReport) fault() *apperror.Error {
	if r.Error != nil && r.Error.Code != "" {
		e := apperror.FromEnvelope(r.Error)
		e.Origin = apperror.OriginApp
		return e
	}
	msg := strings.TrimSpace(r.Message)
	if msg == "" {
		msg = "external task reported failure"
	}
	return apperror.App(apperror.ClassPermanent, apperror.CodeExternalTaskFailed, msg)
}

// CompleteExternal 记录外部执行者上报的终态。applied 为 false 表示任务早已结束，本次上报被忽略。
// 失败且被采纳时按重试策略决定是否创建重试任务。
func (o *Orchestrator) CompleteExternal(ctx context.Context, taskID string, report CompletionReport) (*models.Task, bool, error) {
	out := lifecycle.Succeeded(report.Result)
	if !report.Success {
		out = lifecycle.Outcome{Err: report.fault()}
	}
	task, applied, err := o.lc.Complete(ctx, taskID, out)
	if err != nil {
		return task, false, err
	}
	if applied && !report.Success {
		o.retryIfAllowed(ctx, task, out.Err)
	}
	return task, applied, nil
}

// IngestLogs 解析 exec 约定的日志行并发布到日志主题。带有其他任务前缀的行被丢弃。
func (o *Orchestrator) IngestLogs(ctx context.Context, taskID, stream string, lines []string) (int, error) {
	if _, err := o.lc.Get(ctx, taskID); err != nil {
		return 0, err
	}
	if stream != execjob.StreamStderr {
		stream = execjob.StreamStdout
	}
	now := o.now().UTC()
	entries := make([]models.JobLogEntry, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		e := execjob.ParseLogLine(line, stream, now)
		if e.JobID != "" && e.JobID != taskID {
			continue
		}
		e.TaskID, e.JobID = taskID, taskID
		entries = append(entries, e)
	}
	if len(entries) == 0 {
		return 0, nil
	}
	if o.logs == nil {
		log := o.log.ForTask(taskID, "")
		for _, e := range entries {
			log.WithPayload(map[string]interface{}{"level": e.Level, "stream": e.Stream, "data": e.Data}).Info(e.Message)
		}
		return len(entries), nil
	}
	if err := o.logs.PublishJobLogs(ctx, entries...); err != nil {
		return 0, apperror.Transient(apperror.CodeQueueUnavailable, "failed to publish job logs").WithCause(err)
	}
	return len(entries), nil
}

// enqueueReceipts 是总线的 emit 钩子。入队失败的回执仍在存储中，由清扫器补发。
func (o *Orchestrator) enqueueReceipts(ctx context.Context, event *models.Event, receipts []*models.EventReceipt) {
	for _, r := range receipts {
		if err := o.queue.Publish(ctx, queue.NewReceiptJob(r.EventID, r.Subscriber)); err != nil {
			o.log.WithFault(err).WithPayload(map[string]interface{}{
				"event_id":   event.ID,
				"subscriber": r.Subscriber,
			}).Warn("回执入队失败，等待清扫器补发")
		}
	}
}

// enqueueDispatch 把任务放入调度队列；队列不可用时在当前 goroutine 中直接调度。
func (o *Orchestrator) enqueueDispatch(ctx context.Context, task *models.Task) {
	err := o.queue.Publish(ctx, queue.NewDispatchJob(task.ID))
	if err == nil {
		return
	}
	o.log.ForTask(task.ID, task.OwnerID).WithFault(err).Warn("调度作业入队失败，直接调度")
	if err := o.dispatch(ctx, task.ID); err != nil {
		o.log.ForTask(task.ID, task.OwnerID).WithFault(err).Error("直接调度失败")
	}
}

// retryIfAllowed 按策略为失败的任务创建重试任务，并放入 task_retry 队列。
// 重试任务带有 NotBefore，入队失败时清扫器会在到期后补发。
func (o *Orchestrator) retryIfAllowed(ctx context.Context, failed *models.Task, fault *apperror.Error) *models.Task {
	delay, ok := o.policy.Next(failed, fault)
	log := o.log.ForTask(failed.ID, failed.OwnerID)
	if !ok {
		return nil
	}
	notBefore := o.now().Add(delay).UTC()
	next, err := o.lc.Create(ctx, lifecycle.CreateRequest{
		OwnerID:     failed.OwnerID,
		Description: failed.Description,
		HandlerKind: failed.HandlerKind,
		HandlerID:   failed.HandlerID,
		Trigger:     failed.Trigger,
		InputData:   failed.InputData,
		Subject:     failed.Subject,
		RetryOf:     failed.ID,
		Attempt:     failed.Attempt + 1,
		NotBefore:   &notBefore,
	})
	if err != nil {
		log.WithFault(err).Error("创建重试任务失败")
		return nil
	}
	if err := o.queue.Publish(ctx, queue.NewRetryJob(next.ID, notBefore)); err != nil {
		log.WithFault(err).WithPayload(map[string]interface{}{"retry_task_id": next.ID}).Warn("重试作业入队失败，到期后由清扫器补发")
		return next
	}
	log.WithPayload(map[string]interface{}{
		"retry_task_id": next.ID,
		"attempt":       next.Attempt,
		"delay_ms":      delay.Milliseconds(),
	}).Info("已安排重试")
	return next
}
