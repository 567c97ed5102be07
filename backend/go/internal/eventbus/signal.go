package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
)

// Signal 告诉订阅者某个事件键下有多少未认领的回执。
type Signal struct {
	Subscriber string `json:"subscriber"`
	EventKey   string `json:"eventKey"`
	Count      int    `json:"count"`
}

// Signaler 把 "events pending" 信号送到订阅者的通道上。
type Signaler interface {
	Signal(ctx context.Context, s Signal) error
}

// ChannelName 返回订阅者的 Redis 广播通道名。
func ChannelName(subscriber string) string {
	return "foreman:events_pending:" + subscriber
}

// RedisSignaler 通过 Redis PUBLISH 广播信号。
type RedisSignaler struct {
	rdb *redis.Client
}

// NewRedisSignaler 创建信号发送器。
func NewRedisSignaler(rdb *redis.Client) *RedisSignaler {
	return &RedisSignaler{rdb: rdb}
}

func (r *RedisSignaler) Signal(ctx context.Context, s Signal) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(ctx, ChannelName(s.Subscriber), raw).Err(); err != nil {
		return fmt.Errorf("publish pending signal for %s: %w", s.Subscriber, err)
	}
	return nil
}

// Listen 订阅某个订阅者的信号，ctx 结束时关闭返回的通道。
func (r *RedisSignaler) Listen(ctx context.Context, subscriber string) (<-chan Signal, error) {
	ps := r.rdb.Subscribe(ctx, ChannelName(subscriber))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", ChannelName(subscriber), err)
	}
	out := make(chan Signal)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var s Signal
				if json.Unmarshal([]byte(msg.Payload), &s) != nil {
					continue
				}
				select {
				case out <- s:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Recorder 把信号留在内存里，单机模式和测试使用。
type Recorder struct {
	mu      sync.Mutex
	signals []Signal
}

func (r *Recorder) Signal(_ context.Context, s Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, s)
	return nil
}

// Signals 返回迄今收到的全部信号。
func (r *Recorder) Signals() []Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Signal(nil), r.signals...)
}
