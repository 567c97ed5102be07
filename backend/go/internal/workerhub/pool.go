package workerhub

import (
	"context"
	"time"

	"Foreman/backend/go/internal/apperror"
	"Foreman/backend/go/internal/channel"
)

// Name 实现 workerpool.Pool。
func (h *Hub) Name() string { return "hub" }

// Ready 报告是否有 manager 声明 handlerID 对应的池已就绪。
func (h *Hub) Ready(_ context.Context, handlerID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, m := range h.managers {
		if p, ok := m.pools[handlerID]; ok && p.Ready {
			return true
		}
	}
	return false
}

// Execute 在负载最轻的就绪 manager 上发送 execute_task。池配置了超时时以它为准。
// worker 报告的失败被标记为 app 来源；超时与断开保持 internal 来源，由适配器包装为调度失败。
func (h *Hub) Execute(ctx context.Context, req *channel.ExecuteTaskRequest) (*channel.ExecuteTaskResult, error) {
	m := h.pick(func(m *manager) bool {
		p, ok := m.pools[req.HandlerID]
		return ok && p.Ready
	})
	if m == nil {
		return nil, apperror.Transient(apperror.CodeServerlessWorkerUnavailable, "pool "+req.HandlerID+" is no longer ready")
	}
	defer h.release(m)

	var opts []channel.CallOption
	if pc, ok := h.cfg.Pools[req.HandlerID]; ok && pc.TimeoutSeconds > 0 {
		opts = append(opts, channel.WithTimeout(time.Duration(pc.TimeoutSeconds)*time.Second))
	}

	var res channel.ExecuteTaskResult
	if err := m.ch.Request(ctx, channel.ActionExecuteTask, req, &res, opts...); err != nil {
		return nil, attribute(err, m.id)
	}
	return &res, nil
}
