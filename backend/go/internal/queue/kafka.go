package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"Foreman/backend/go/internal/apperror"
	fkafka "Foreman/backend/go/internal/database/kafka"
	"Foreman/backend/go/pkg/logger"

	"github.com/segmentio/kafka-go"
)

// Kafka 是基于 Kafka 主题的队列实现，消息为 JSON 编码的 Job。
type Kafka struct {
	client *fkafka.KafkaClient
	prefix string
	log    *logger.Logger
}

// NewKafka 使用已初始化的客户端创建队列。
func NewKafka(client *fkafka.KafkaClient, log *logger.Logger) *Kafka {
	return &Kafka{client: client, prefix: client.Config.TopicPrefix, log: log}
}

// Topics 返回所有队列主题，用于启动时自动建主题。
func Topics(prefix string) []string {
	out := make([]string, 0, len(Kinds()))
	for _, k := range Kinds() {
		out = append(out, Topic(prefix, k))
	}
	return out
}

// Publish 把作业写入对应主题。
func (q *Kafka) Publish(ctx context.Context, job *Job) error {
	if err := job.Validate(); err != nil {
		return apperror.Permanent(apperror.CodeQueueUnavailable, err.Error())
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	msgBytes, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	err = q.client.Writer.WriteMessages(ctx, kafka.Message{
		Topic: Topic(q.prefix, job.Kind),
		Key:   []byte(job.Key()),
		Value: msgBytes,
	})
	if err != nil {
		q.log.WithFault(err).WithPayload(map[string]interface{}{"kind": job.Kind, "job_id": job.ID}).Error("Failed to write job to Kafka")
		return apperror.Transient(apperror.CodeQueueUnavailable, "failed to publish job").WithCause(err)
	}
	return nil
}

// Consume 在消费组中读取一个主题。每条消息处理完后提交位点，处理失败也提交：
// 失败的任务已经落在存储里，由重试策略决定后续。
func (q *Kafka) Consume(ctx context.Context, kind Kind, handler Handler) error {
	reader := q.client.NewReader(Topic(q.prefix, kind))
	defer reader.Close()

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return ErrClosed
			}
			q.log.WithFault(err).WithPayload(map[string]interface{}{"kind": kind}).Error("Error fetching message from Kafka")
			continue
		}

		var job Job
		if err := json.Unmarshal(msg.Value, &job); err != nil {
			q.log.WithFault(err).WithPayload(map[string]interface{}{
				"topic":     msg.Topic,
				"partition": msg.Partition,
				"offset":    msg.Offset,
			}).Error("Discarding undecodable Kafka message")
		} else if err := handler(ctx, &job); err != nil {
			q.log.WithFault(err).WithPayload(map[string]interface{}{
				"kind":      kind,
				"job_id":    job.ID,
				"partition": msg.Partition,
				"offset":    msg.Offset,
			}).Warn("Error handling Kafka message")
		}

		if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			q.log.WithFault(err).Error("Failed to commit Kafka message")
		}
	}
}

// Close 关闭底层客户端。
func (q *Kafka) Close() error {
	return q.client.Close()
}
