// Package queue 是编排器的按类型分队列的作业通道。生产环境使用 Kafka，每种队列一个主题；
// 测试与单机开发使用内存实现。两种实现都不保证跨作业的顺序。
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind 是队列类型。
type Kind string

const (
	KindEventReceipt Kind = "event_receipt" // 待认领的事件回执
	KindTaskDispatch Kind = "task_dispatch" // 已创建、等待调度的任务
	KindTaskRetry    Kind = "task_retry"    // 延迟到期后转入 task_dispatch 的重试任务
)

// Kinds 返回全部队列类型。
func Kinds() []Kind {
	return []Kind{KindEventReceipt, KindTaskDispatch, KindTaskRetry}
}

// Topic 返回队列类型对应的 Kafka 主题名。
func Topic(prefix string, kind Kind) string {
	return prefix + string(kind)
}

// ErrClosed 表示队列已关闭。
var ErrClosed = errors.New("queue: closed")

// Job 是队列中的一条消息，按 Kind 只会用到部分字段。
type Job struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	TaskID     string    `json:"taskId,omitempty"`
	EventID    string    `json:"eventId,omitempty"`
	Subscriber string    `json:"subscriber,omitempty"`
	NotBefore  time.Time `json:"notBefore,omitempty"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// NewReceiptJob 构造回执作业。
func NewReceiptJob(eventID, subscriber string) *Job {
	return &Job{ID: uuid.NewString(), Kind: KindEventReceipt, EventID: eventID, Subscriber: subscriber}
}

// NewDispatchJob 构造调度作业。
func NewDispatchJob(taskID string) *Job {
	return &Job{ID: uuid.NewString(), Kind: KindTaskDispatch, TaskID: taskID}
}

// NewRetryJob 构造一个在 notBefore 之后才调度的重试作业。
func NewRetryJob(taskID string, notBefore time.Time) *Job {
	return &Job{ID: uuid.NewString(), Kind: KindTaskRetry, TaskID: taskID, NotBefore: notBefore}
}

// Key 是分区键：同一任务或同一事件的消息落在同一分区。
func (j *Job) Key() string {
	if j.TaskID != "" {
		return j.TaskID
	}
	return j.EventID + "/" + j.Subscriber
}

// Validate 校验作业字段与类型是否匹配。
func (j *Job) Validate() error {
	switch j.Kind {
	case KindEventReceipt:
		if j.EventID == "" || j.Subscriber == "" {
			return errors.New("event_receipt job requires eventId and subscriber")
		}
	case KindTaskDispatch, KindTaskRetry:
		if j.TaskID == "" {
			return fmt.Errorf("%s job requires taskId", j.Kind)
		}
	default:
		return fmt.Errorf("unknown job kind %q", j.Kind)
	}
	return nil
}

// Handler 处理一条作业。返回的错误只被记录，作业不会重新投递；重试由编排器创建新任务完成。
type Handler func(ctx context.Context, job *Job) error

// Publisher 发布作业。
type Publisher interface {
	Publish(ctx context.Context, job *Job) error
}

// Queue 是一组按类型区分的队列。Consume 阻塞直到 ctx 结束或队列关闭；
// 对同一 Kind 并发调用多次即得到多个竞争消费者。
type Queue interface {
	Publisher
	Consume(ctx context.Context, kind Kind, handler Handler) error
	Close() error
}
