package orchestrator

import (
	"context"
	"time"

	"Foreman/backend/go/internal/eventbus"
	"Foreman/backend/go/internal/models"
	"Foreman/backend/go/internal/queue"
	"Foreman/backend/go/pkg/logger"
)

// StaleTasks 列出已到期却仍处于 created 的任务。
type StaleTasks interface {
	ListStale(ctx context.Context, dueBefore time.Time, limit int) ([]*models.Task, error)
}

// Sweeper 周期性地广播待处理事件，把仍未认领的回执重新入队，并补发到期超过 staleAfter
// 仍未开始的任务。回执认领与任务开始都是原子的，重复入队不会产生重复任务或重复调度。
type Sweeper struct {
	bus        *eventbus.Bus
	tasks      StaleTasks
	queue      queue.Publisher
	interval   time.Duration
	staleAfter time.Duration
	batch      int
	now        func() time.Time
	log        *logger.Logger
}

// NewSweeper 创建清扫器。tasks 为 nil 时只处理回执。
func NewSweeper(bus *eventbus.Bus, tasks StaleTasks, q queue.Publisher, interval, staleAfter time.Duration, batch int, log *logger.Logger) *Sweeper {
	if batch <= 0 {
		batch = 100
	}
	if staleAfter <= 0 {
		staleAfter = time.Minute
	}
	if log == nil {
		log = logger.New("Sweeper", "", "")
	}
	return &Sweeper{bus: bus, tasks: tasks, queue: q, interval: interval, staleAfter: staleAfter,
		batch: batch, now: time.Now, log: log}
}

// Run 按间隔执行 SweepOnce，直到 ctx 结束。
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.log.WithFault(err).Warn("回执清扫失败")
			}
		}
	}
}

// SweepOnce 返回本轮重新入队的回执数。信号发送失败只记录日志，不影响入队。
// 停滞任务的补发在回执之后进行，它的失败同样只记录日志。
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	n, err := s.sweepReceipts(ctx)
	if err != nil {
		return n, err
	}
	if _, err := s.RequeueStaleTasks(ctx); err != nil {
		s.log.WithFault(err).Warn("停滞任务补发失败")
	}
	return n, nil
}

// RequeueStaleTasks 把到期超过 staleAfter 仍处于 created 的任务重新放入 task_dispatch，返回入队数。
func (s *Sweeper) RequeueStaleTasks(ctx context.Context) (int, error) {
	if s.tasks == nil {
		return 0, nil
	}
	tasks, err := s.tasks.ListStale(ctx, s.now().Add(-s.staleAfter), s.batch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range tasks {
		if err := s.queue.Publish(ctx, queue.NewDispatchJob(t.ID)); err != nil {
			s.log.ForTask(t.ID, t.OwnerID).WithFault(err).Warn("停滞任务入队失败")
			continue
		}
		n++
	}
	if n > 0 {
		s.log.WithPayload(map[string]interface{}{"requeued": n}).Info("停滞任务已重新入队")
	}
	return n, nil
}

func (s *Sweeper) sweepReceipts(ctx context.Context) (int, error) {
	if _, err := s.bus.NotifyPendingEvents(ctx); err != nil {
		s.log.WithFault(err).Warn("待处理事件信号发送失败")
	}
	receipts, err := s.bus.ListUnclaimed(ctx, s.batch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range receipts {
		if err := s.queue.Publish(ctx, queue.NewReceiptJob(r.EventID, r.Subscriber)); err != nil {
			s.log.WithFault(err).WithPayload(map[string]interface{}{"event_id": r.EventID, "subscriber": r.Subscriber}).Warn("回执入队失败")
			continue
		}
		n++
	}
	if n > 0 {
		s.log.WithPayload(map[string]interface{}{"requeued": n}).Debug("未认领回执已重新入队")
	}
	return n, nil
}
