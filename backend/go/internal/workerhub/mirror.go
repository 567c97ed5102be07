package workerhub

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
)

// ReadinessMirror 把 manager 的就绪状态同步到共享存储，让其他编排器实例和运维工具可见。
type ReadinessMirror interface {
	Publish(ctx context.Context, st ManagerStatus) error
	Clear(ctx context.Context, managerID string) error
}

const readinessKeyPrefix = "foreman:workers:"

// RedisReadiness 以带 TTL 的键保存每个 manager 的状态，编排器崩溃后状态会自然过期。
type RedisReadiness struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisReadiness 创建镜像。
func NewRedisReadiness(rdb *redis.Client, ttl time.Duration) *RedisReadiness {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisReadiness{rdb: rdb, ttl: ttl}
}

func (r *RedisReadiness) Publish(ctx context.Context, st ManagerStatus) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, readinessKeyPrefix+st.ManagerID, raw, r.ttl).Err()
}

func (r *RedisReadiness) Clear(ctx context.Context, managerID string) error {
	return r.rdb.Del(ctx, readinessKeyPrefix+managerID).Err()
}

// List 返回所有实例登记的 manager 状态。
func (r *RedisReadiness) List(ctx context.Context) ([]ManagerStatus, error) {
	var keys []string
	iter := r.rdb.Scan(ctx, 0, readinessKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan readiness keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read readiness keys: %w", err)
	}
	out := make([]ManagerStatus, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue // 在 SCAN 与 MGET 之间过期
		}
		var st ManagerStatus
		if json.Unmarshal([]byte(s), &st) == nil {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ManagerID < out[j].ManagerID })
	return out, nil
}
