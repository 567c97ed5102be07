package orchestrator

import (
	"context"
	"sync"
	"time"

	"Foreman/backend/go/internal/apperror"
	"Foreman/backend/go/internal/models"
	"Foreman/backend/go/internal/queue"
	"Foreman/backend/go/pkg/logger"
)

// RetryPolicy 决定失败的任务是否以新任务的形式重试。
type RetryPolicy struct {
	MaxAttempts  int
	DefaultDelay time.Duration
}

// Next 返回重试前的等待时间。以下情况不重试：错误信封没有要求重试、尝试次数用尽、
// 或者 app 来源的失败没有给出明确的延迟。
func (p RetryPolicy) Next(task *models.Task, fault *apperror.Error) (time.Duration, bool) {
	if fault == nil || !fault.Retry {
		return 0, false
	}
	if p.MaxAttempts > 0 && task.Attempt >= p.MaxAttempts {
		return 0, false
	}
	if fault.Origin == apperror.OriginApp && fault.RetryDelay <= 0 {
		return 0, false
	}
	delay := fault.RetryDelay
	if delay <= 0 {
		delay = p.DefaultDelay
	}
	return delay, true
}

// RetryScheduler 消费 task_retry 队列。未到期的作业各自挂一个定时器，到期后转入 task_dispatch，
// 消费者不会被长延迟阻塞。定时器只在本进程内有效：进程退出或转发失败时，
// 重试任务仍保持 created，清扫器在它的 NotBefore 之后补发。
type RetryScheduler struct {
	queue queue.Publisher
	now   func() time.Time
	log   *logger.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

// NewRetryScheduler 创建调度器。
func NewRetryScheduler(q queue.Publisher, log *logger.Logger) *RetryScheduler {
	if log == nil {
		log = logger.New("RetryScheduler", "", "")
	}
	return &RetryScheduler{queue: q, now: time.Now, log: log, timers: make(map[string]*time.Timer)}
}

// Kind 实现 Processor。
func (s *RetryScheduler) Kind() queue.Kind { return queue.KindTaskRetry }

// Process 到期的作业立即转发，否则登记定时器后立即返回。同一任务的重复作业替换原有定时器。
func (s *RetryScheduler) Process(ctx context.Context, job *queue.Job) error {
	wait := job.NotBefore.Sub(s.now())
	if wait <= 0 {
		return s.forward(ctx, job.TaskID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		s.log.ForTask(job.TaskID, "").Debug("调度器已停止，重试交给清扫器")
		return nil
	}
	if old, ok := s.timers[job.TaskID]; ok {
		old.Stop()
	}
	taskID := job.TaskID
	s.timers[taskID] = time.AfterFunc(wait, func() { s.fire(taskID) })
	return nil
}

// Pending 返回尚未到期的重试数。
func (s *RetryScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop 取消所有未到期的定时器，之后登记的作业不再挂定时器。
func (s *RetryScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *RetryScheduler) fire(taskID string) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.timers, taskID)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.forward(ctx, taskID); err != nil {
		s.log.ForTask(taskID, "").WithFault(err).Warn("重试任务转发失败，等待清扫器补发")
	}
}

func (s *RetryScheduler) forward(ctx context.Context, taskID string) error {
	if err := s.queue.Publish(ctx, queue.NewDispatchJob(taskID)); err != nil {
		return err
	}
	s.log.ForTask(taskID, "").Debug("重试任务已到期，转入调度队列")
	return nil
}
