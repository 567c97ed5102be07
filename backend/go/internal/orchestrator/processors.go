package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"Foreman/backend/go/internal/apperror"
	"Foreman/backend/go/internal/lifecycle"
	"Foreman/backend/go/internal/models"
	"Foreman/backend/go/internal/queue"
	"Foreman/backend/go/pkg/logger"
)

// ReceiptProcessor 消费 event_receipt：认领回执，按订阅创建任务，再交给调度队列。
type ReceiptProcessor struct {
	o *Orchestrator
}

// Kind 实现 Processor。
func (p *ReceiptProcessor) Kind() queue.Kind { return queue.KindEventReceipt }

// Process 处理一条回执。任务 id 由回执决定，任务在认领之前创建：
// 认领前的任何失败都让回执保持未认领，重投递或清扫器会再次处理它，而且只会找回同一个任务。
func (p *ReceiptProcessor) Process(ctx context.Context, job *queue.Job) error {
	o := p.o
	log := o.log.WithPayload(map[string]interface{}{"event_id": job.EventID, "subscriber": job.Subscriber})

	event, err := o.bus.GetEvent(ctx, job.EventID)
	if err != nil {
		return err
	}
	sub, err := o.reg.Lookup(ctx, job.Subscriber, event.Key)
	if err != nil {
		return err
	}
	if sub == nil {
		// 发布之后订阅被撤销，认领后丢弃，不再产生任务。
		return p.drop(ctx, job, log.WithPayload(map[string]interface{}{"reason": "subscription revoked"}))
	}

	description := sub.Description
	if description == "" {
		description = fmt.Sprintf("handle %s for %s", event.Key, sub.Subscriber)
	}
	task, err := o.lc.Create(ctx, lifecycle.CreateRequest{
		ID:          models.ReceiptTaskID(event.ID, sub.Subscriber),
		OwnerID:     sub.Subscriber,
		Description: description,
		HandlerKind: sub.HandlerKind,
		HandlerID:   sub.HandlerID,
		Trigger:     models.EventTrigger(event),
		InputData:   mergeInput(sub.InputDefaults, event.Data),
		Subject:     event.Subject(),
	})
	if err != nil {
		fault := apperror.From(err)
		if fault.Class == apperror.ClassPermanent {
			// 事件数据无法成为任务输入，重试也不会改变结果。
			return p.drop(ctx, job, log.WithFault(fault))
		}
		log.WithFault(fault).Warn("无法为回执创建任务，回执保持未认领")
		return err
	}

	claimed, err := o.bus.ClaimReceipt(ctx, job.EventID, job.Subscriber)
	if err != nil {
		return err
	}
	if !claimed {
		log.Debug("回执已被认领，跳过")
		return nil
	}
	o.enqueueDispatch(ctx, task)
	return nil
}

// drop 认领回执但不产生任务。
func (p *ReceiptProcessor) drop(ctx context.Context, job *queue.Job, log *logger.Logger) error {
	claimed, err := p.o.bus.ClaimReceipt(ctx, job.EventID, job.Subscriber)
	if err != nil {
		return err
	}
	if claimed {
		log.Warn("回执已丢弃")
	}
	return nil
}

// mergeInput 以订阅的默认值为底，事件数据覆盖同名字段。
func mergeInput(defaults, data map[string]interface{}) models.InputData {
	if len(defaults) == 0 && len(data) == 0 {
		return nil
	}
	out := make(models.InputData, len(defaults)+len(data))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range data {
		out[k] = v
	}
	return out
}

// DispatchProcessor 消费 task_dispatch：按任务的 HandlerKind 选择适配器并记录结果。
type DispatchProcessor struct {
	o *Orchestrator
}

// Kind 实现 Processor。
func (p *DispatchProcessor) Kind() queue.Kind { return queue.KindTaskDispatch }

// Process 调度一个任务。
func (p *DispatchProcessor) Process(ctx context.Context, job *queue.Job) error {
	return p.o.dispatch(ctx, job.TaskID)
}

// dispatch 只调度处于 created 状态的任务，重复投递的作业会被忽略。
// 除了自行开始任务的适配器 (worker 池)，任务都在启动外部工作之前独占地开始，
// 两个并发的调度者因此至多有一个真正启动容器。
func (o *Orchestrator) dispatch(ctx context.Context, taskID string) error {
	task, err := o.lc.Get(ctx, taskID)
	if err != nil {
		return err
	}
	log := o.log.ForTask(task.ID, task.OwnerID)
	if task.Status() != models.TaskStatusCreated {
		log.WithPayload(map[string]interface{}{"status": task.Status()}).Debug("任务已不在 created 状态，跳过调度")
		return nil
	}

	if task.HandlerKind == models.HandlerInternal {
		return o.runInternal(ctx, task)
	}

	if !o.adapters.StartsTask(task.HandlerKind) {
		if err := o.lc.Start(ctx, task.ID); err != nil {
			if errors.Is(err, lifecycle.ErrAlreadyStarted) {
				log.Debug("任务已被其他调度者接手")
				return nil
			}
			return err
		}
	}

	res, err := o.adapters.Run(ctx, task)
	if err != nil {
		fault := apperror.From(err)
		if fault.Code == apperror.CodeTaskInvalidTransition {
			// 另一个调度者已经开始执行该任务。
			log.WithFault(fault).Debug("任务已被其他调度者接手")
			return nil
		}
		o.fail(ctx, task, fault)
		return nil
	}

	if res.Pending {
		// 容器等外部执行者稍后通过 CompleteExternal 上报结果。
		log.WithPayload(map[string]interface{}{"external_id": res.ExternalID}).Info("任务已交给外部执行者")
		return nil
	}
	_, _, err = o.lc.Complete(ctx, task.ID, lifecycle.Succeeded(res.Output))
	return err
}

// fail 记录失败终态，并在错误信封允许时安排重试。适配器可能已经用同一个错误码
// 自行记录了失败，这时以存储中的信封为准；被其他结果抢先结束的任务不会重试。
func (o *Orchestrator) fail(ctx context.Context, task *models.Task, fault *apperror.Error) {
	ctx, cancel := lifecycle.Detach(ctx)
	defer cancel()
	log := o.log.ForTask(task.ID, task.OwnerID)
	after, applied, err := o.lc.Complete(ctx, task.ID, lifecycle.Outcome{Err: fault})
	if err != nil {
		log.WithFault(err).Error("无法记录任务失败")
		return
	}
	if !applied && (after.Status() != models.TaskStatusFailed || after.ErrorCode != fault.Code) {
		return
	}
	if after.Error != nil {
		fault = apperror.FromEnvelope(after.Error)
	}
	o.retryIfAllowed(ctx, after, fault)
}

func (o *Orchestrator) runInternal(ctx context.Context, task *models.Task) error {
	fn, ok := o.internal.Get(task.HandlerID)
	if !ok {
		o.fail(ctx, task, apperror.Permanent(apperror.CodeHandlerNotFound,
			fmt.Sprintf("no internal handler %q", task.HandlerID)))
		return nil
	}
	if err := o.lc.Start(ctx, task.ID); err != nil {
		if errors.Is(err, lifecycle.ErrAlreadyStarted) {
			return nil
		}
		return err
	}
	out, err := callInternal(ctx, fn, task)
	if err != nil {
		o.fail(ctx, task, apperror.From(err))
		return nil
	}
	_, _, err = o.lc.Complete(ctx, task.ID, lifecycle.Succeeded(out))
	return err
}
