// Package orchestrator 把事件回执和手动调用变成任务，并驱动任务经调度适配器执行。
// 每种队列由 ProcessorRegistry 中登记的一个处理器消费，处理器在启动时显式构造并注入。
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"Foreman/backend/go/internal/apperror"
	"Foreman/backend/go/internal/queue"
)

// Processor 消费一种队列。
type Processor interface {
	Kind() queue.Kind
	Process(ctx context.Context, job *queue.Job) error
}

type registration struct {
	processor Processor
	workers   int
}

// ProcessorRegistry 持有队列类型到处理器的映射。
type ProcessorRegistry struct {
	mu      sync.RWMutex
	entries map[queue.Kind]registration
}

// NewProcessorRegistry 创建空注册表。
func NewProcessorRegistry() *ProcessorRegistry {
	return &ProcessorRegistry{entries: make(map[queue.Kind]registration)}
}

// Register 登记处理器以及并发消费的 worker 数量，同一类型重复登记会替换旧的。
func (r *ProcessorRegistry) Register(p Processor, workers int) {
	if workers <= 0 {
		workers = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[p.Kind()] = registration{processor: p, workers: workers}
}

// Get 返回类型对应的处理器。
func (r *ProcessorRegistry) Get(kind queue.Kind) (Processor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[kind]
	return reg.processor, ok
}

// Workers 返回类型对应的 worker 数量，未登记时为 0。
func (r *ProcessorRegistry) Workers(kind queue.Kind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[kind].workers
}

// Kinds 返回已登记的类型，按名称排序。
func (r *ProcessorRegistry) Kinds() []queue.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]queue.Kind, 0, len(r.entries))
	for k := range r.entries {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Handle 把作业交给对应的处理器，处理器的 panic 被转换成错误信封。
func (r *ProcessorRegistry) Handle(ctx context.Context, job *queue.Job) (err error) {
	p, ok := r.Get(job.Kind)
	if !ok {
		return apperror.Permanent(apperror.CodeHandlerNotFound, fmt.Sprintf("no processor for queue %q", job.Kind))
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = apperror.FromPanic(rec)
		}
	}()
	return p.Process(ctx, job)
}
