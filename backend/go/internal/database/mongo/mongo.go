package mongo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"Foreman/backend/go/internal/config"
	"Foreman/backend/go/pkg/logger"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

var (
	client  *mongo.Client
	once    sync.Once
	initErr error
)

// GetClient 使用单例模式初始化并返回 MongoDB 客户端。
// 事件与回执在同一个事务中写入，所以这里固定使用 majority 读写关注，部署必须是副本集。
func GetClient(ctx context.Context, cfg *config.MongoConfig, log *logger.Logger) (*mongo.Client, error) {
	once.Do(func() {
		clientOptions := options.Client().
			ApplyURI(cfg.Address).
			SetRetryWrites(true).
			SetReadConcern(readconcern.Majority()).
			SetWriteConcern(writeconcern.Majority())
		if cfg.Username != "" && cfg.Password != "" {
			clientOptions.SetAuth(options.Credential{
				Username: cfg.Username,
				Password: cfg.Password,
			})
		}

		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		c, err := mongo.Connect(connectCtx, clientOptions)
		if err != nil {
			initErr = fmt.Errorf("无法连接到 MongoDB: %w", err)
			return
		}
		if err = c.Ping(connectCtx, readpref.Primary()); err != nil {
			_ = c.Disconnect(context.Background())
			initErr = fmt.Errorf("无法 Ping MongoDB: %w", err)
			return
		}

		log.WithPayload(map[string]interface{}{"database": cfg.Database}).Info("✅ 成功连接到 MongoDB!")
		client = c
	})

	return client, initErr
}

// Close 安全地断开单例的 MongoDB 客户端连接。
func Close(ctx context.Context) error {
	if client != nil {
		return client.Disconnect(ctx)
	}
	return nil
}

// HealthCheck 检查 MongoDB 连接的健康状况。
func HealthCheck(ctx context.Context) error {
	if client == nil {
		return fmt.Errorf("MongoDB 客户端未初始化")
	}
	return client.Ping(ctx, readpref.Primary())
}
