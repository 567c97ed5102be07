package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"Foreman/backend/go/internal/apperror"
	"Foreman/backend/go/pkg/logger"
)

// Memory 是基于带缓冲 channel 的队列实现。
type Memory struct {
	chans  map[Kind]chan *Job
	log    *logger.Logger
	once   sync.Once
	closed chan struct{}
}

// NewMemory 为每种队列创建容量为 buffer 的 channel。
func NewMemory(buffer int, log *logger.Logger) *Memory {
	if buffer <= 0 {
		buffer = 64
	}
	if log == nil {
		log = logger.New("Queue", "", "")
	}
	m := &Memory{chans: make(map[Kind]chan *Job), log: log, closed: make(chan struct{})}
	for _, k := range Kinds() {
		m.chans[k] = make(chan *Job, buffer)
	}
	return m
}

// Publish 入队。队列满时不阻塞，直接返回 transient 错误。
func (m *Memory) Publish(ctx context.Context, job *Job) error {
	if err := job.Validate(); err != nil {
		return apperror.Permanent(apperror.CodeQueueUnavailable, err.Error())
	}
	select {
	case <-m.closed:
		return ErrClosed
	default:
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	select {
	case m.chans[job.Kind] <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return apperror.Transient(apperror.CodeQueueUnavailable, fmt.Sprintf("queue %s is full", job.Kind))
	}
}

// Consume 循环取出作业交给 handler。
func (m *Memory) Consume(ctx context.Context, kind Kind, handler Handler) error {
	ch, ok := m.chans[kind]
	if !ok {
		return fmt.Errorf("unknown queue kind %q", kind)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.closed:
			return ErrClosed
		case job := <-ch:
			if err := handler(ctx, job); err != nil {
				m.log.WithFault(err).WithPayload(map[string]interface{}{"kind": kind, "job_id": job.ID}).Warn("作业处理失败")
			}
		}
	}
}

// Len 返回某个队列中尚未被取走的作业数。
func (m *Memory) Len(kind Kind) int {
	return len(m.chans[kind])
}

// Close 让所有 Consume 返回。
func (m *Memory) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}
