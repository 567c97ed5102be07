package kafka

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"Foreman/backend/go/internal/config"
	"Foreman/backend/go/pkg/logger"

	"github.com/segmentio/kafka-go"
)

// KafkaClient 持有共享的 writer 与管理连接。reader 按主题由队列消费者各自创建。
type KafkaClient struct {
	Writer *kafka.Writer
	Conn   *kafka.Conn // 用于管理的连接
	Config *config.KafkaConfig
}

var (
	client  *KafkaClient
	once    sync.Once
	initErr error
)

// GetClient 使用单例模式初始化并返回一个 KafkaClient 实例。
// 首次调用时会连接到 Kafka，并创建 topics 中尚不存在的主题 (队列主题与日志主题)。
func GetClient(cfg *config.KafkaConfig, topics []string, log *logger.Logger) (*KafkaClient, error) {
	once.Do(func() {
		if len(cfg.Brokers) == 0 {
			initErr = fmt.Errorf("未配置 Kafka brokers")
			return
		}

		conn, err := kafka.Dial("tcp", cfg.Brokers[0])
		if err != nil {
			initErr = fmt.Errorf("kafka 初始化连接失败: %w", err)
			return
		}

		created, err := ensureTopics(conn, topics)
		if err != nil {
			initErr = err
			conn.Close()
			return
		}
		if len(created) > 0 {
			log.WithPayload(map[string]interface{}{"topics": created}).Info("已自动创建 Kafka 主题")
		}

		// Writer 不绑定主题，每条消息自带 Topic。
		writer := &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Balancer:               &kafka.Hash{},
			BatchTimeout:           10 * time.Millisecond,
			BatchSize:              100,
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: false,
		}

		log.WithPayload(map[string]interface{}{"brokers": cfg.Brokers}).Info("✅ 成功初始化 Kafka 客户端!")
		client = &KafkaClient{Writer: writer, Conn: conn, Config: cfg}
	})

	return client, initErr
}

func ensureTopics(conn *kafka.Conn, topics []string) ([]string, error) {
	partitions, err := conn.ReadPartitions()
	if err != nil {
		return nil, fmt.Errorf("无法读取 Kafka 分区信息: %w", err)
	}
	existing := make(map[string]struct{}, len(partitions))
	for _, p := range partitions {
		existing[p.Topic] = struct{}{}
	}

	var (
		toCreate []kafka.TopicConfig
		names    []string
	)
	for _, topic := range topics {
		if _, ok := existing[topic]; ok {
			continue
		}
		existing[topic] = struct{}{}
		toCreate = append(toCreate, kafka.TopicConfig{Topic: topic, NumPartitions: 3, ReplicationFactor: 1})
		names = append(names, topic)
	}
	if len(toCreate) == 0 {
		return nil, nil
	}
	if err := conn.CreateTopics(toCreate...); err != nil {
		return nil, fmt.Errorf("自动创建 Kafka 主题失败: %w", err)
	}
	return names, nil
}

// NewReader 为一个主题创建消费组 reader。
func (c *KafkaClient) NewReader(topic string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        c.Config.Brokers,
		GroupID:        c.Config.GroupID,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0, // 显式提交
		Dialer:         &kafka.Dialer{Timeout: 10 * time.Second},
	})
}

// Close 安全地关闭单例的 Kafka 连接。
func (c *KafkaClient) Close() error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.Writer != nil {
		if err := c.Writer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭 Kafka writer 失败: %w", err))
		}
	}
	if c.Conn != nil {
		if err := c.Conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭 Kafka 管理连接失败: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("关闭 Kafka 客户端时发生多个错误: %v", errs)
	}
	return nil
}

// HealthCheck 检查 Kafka 连接的健康状况。
func (c *KafkaClient) HealthCheck(_ context.Context) error {
	if c == nil || c.Conn == nil {
		return fmt.Errorf("kafka 客户端未初始化，无法进行健康检查")
	}
	_, err := c.Conn.Controller()
	return err
}

// ControllerAddress 返回 Kafka 控制器地址，启动日志里打印。
func (c *KafkaClient) ControllerAddress() (string, error) {
	if c == nil || c.Conn == nil {
		return "", fmt.Errorf("kafka 客户端未初始化")
	}
	controller, err := c.Conn.Controller()
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)), nil
}
