package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"Foreman/backend/go/internal/models"

	"github.com/segmentio/kafka-go"
)

// JobLogPublisher 把 worker 输出的日志行发送到配置的日志主题，按任务 id 分区以保持单任务内的顺序。
type JobLogPublisher struct {
	writer *kafka.Writer
	topic  string
}

// NewJobLogPublisher 复用客户端的共享 writer。
func NewJobLogPublisher(client *KafkaClient) *JobLogPublisher {
	return &JobLogPublisher{writer: client.Writer, topic: client.Config.LogTopic}
}

// PublishJobLogs 批量写入日志行。
func (p *JobLogPublisher) PublishJobLogs(ctx context.Context, entries ...models.JobLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(entries))
	for i := range entries {
		raw, err := json.Marshal(&entries[i])
		if err != nil {
			return fmt.Errorf("failed to marshal job log entry: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Topic: p.topic,
			Key:   []byte(entries[i].TaskID),
			Value: raw,
		})
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to write job logs to kafka: %w", err)
	}
	return nil
}
