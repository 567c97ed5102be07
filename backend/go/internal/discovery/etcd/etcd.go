package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"Foreman/backend/go/internal/config"
	"Foreman/backend/go/pkg/logger"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// keyPrefix 是所有 foreman 实例在 etcd 中的根路径。
const keyPrefix = "/foreman/"

// Instance 是注册到 etcd 的一个编排器实例。worker-manager 通过它找到可连接的 /ws/workers 地址。
type Instance struct {
	ID          string    `json:"id"`
	HTTPAddress string    `json:"httpAddress"`
	GRPCAddress string    `json:"grpcAddress,omitempty"`
	Version     string    `json:"version,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
}

// ServiceDiscovery 基于 etcd 租约注册与发现服务实例。
type ServiceDiscovery struct {
	cli *clientv3.Client // etcd client
	log *logger.Logger
}

// NewServiceDiscovery creates a new ServiceDiscovery.
func NewServiceDiscovery(cfg config.EtcdConfig, log *logger.Logger) (*ServiceDiscovery, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd endpoints 未配置")
	}
	if log == nil {
		log = logger.New("Discovery", "", "")
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return &ServiceDiscovery{cli: cli, log: log}, nil
}

func serviceKey(service, id string) string {
	return keyPrefix + service + "/" + id
}

func servicePrefix(service string) string {
	return keyPrefix + service + "/"
}

// Register 以 ttl 秒的租约注册实例并持续续约。返回的 stop 撤销租约，实例立即从 etcd 中消失。
// 续约通道关闭 (例如网络分区超过 ttl) 时记录告警，实例需要重新注册。
func (s *ServiceDiscovery) Register(ctx context.Context, service string, inst Instance, ttl int64) (stop func(), err error) {
	value, err := json.Marshal(inst)
	if err != nil {
		return nil, err
	}
	leaseResp, err := s.cli.Grant(ctx, ttl)
	if err != nil {
		return nil, err
	}
	key := serviceKey(service, inst.ID)
	if _, err = s.cli.Put(ctx, key, string(value), clientv3.WithLease(leaseResp.ID)); err != nil {
		return nil, err
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	keepAliveCh, err := s.cli.KeepAlive(kaCtx, leaseResp.ID)
	if err != nil {
		cancel()
		return nil, err
	}

	log := s.log.WithPayload(map[string]interface{}{"key": key, "lease": int64(leaseResp.ID)})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-kaCtx.Done():
				return
			case _, ok := <-keepAliveCh:
				if !ok {
					if kaCtx.Err() == nil {
						log.Warn("etcd 租约续约已停止，实例已失效")
					}
					return
				}
			}
		}
	}()
	log.Info("实例已注册到 etcd")

	return func() {
		cancel()
		<-done
		rctx, rcancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer rcancel()
		if _, err := s.cli.Revoke(rctx, leaseResp.ID); err != nil {
			log.WithFault(err).Warn("撤销 etcd 租约失败")
		}
	}, nil
}

// Discover 返回服务当前注册的全部实例。无法解析的值被跳过。
func (s *ServiceDiscovery) Discover(ctx context.Context, service string) ([]Instance, error) {
	resp, err := s.cli.Get(ctx, servicePrefix(service), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	out := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		inst, ok := decodeInstance(string(kv.Key), kv.Value)
		if !ok {
			s.log.WithPayload(map[string]interface{}{"key": string(kv.Key)}).Warn("跳过无法解析的实例记录")
			continue
		}
		out = append(out, inst)
	}
	return out, nil
}

// decodeInstance 兼容只写了地址字符串的旧记录，此时 ID 取 key 的最后一段。
func decodeInstance(key string, value []byte) (Instance, bool) {
	var inst Instance
	if err := json.Unmarshal(value, &inst); err == nil && inst.HTTPAddress != "" {
		if inst.ID == "" {
			inst.ID = key[strings.LastIndex(key, "/")+1:]
		}
		return inst, true
	}
	addr := strings.TrimSpace(string(value))
	if addr == "" || strings.ContainsAny(addr, "{}\"") {
		return Instance{}, false
	}
	return Instance{ID: key[strings.LastIndex(key, "/")+1:], HTTPAddress: addr}, true
}

// Close closes the etcd client.
func (s *ServiceDiscovery) Close() error {
	return s.cli.Close()
}
