// Package dispatch 定义调度适配器接口。每种需要进程外执行的 HandlerKind 对应一个适配器，
// 编排器只按任务的 HandlerKind 标签选择适配器。
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"Foreman/backend/go/internal/apperror"
	"Foreman/backend/go/internal/models"
)

// Result 是适配器一次 Run 的结果。
type Result struct {
	// Output 是同步执行得到的输出。
	Output interface{}
	// Pending 为 true 表示工作已经启动但由外部协作者上报完成 (例如容器)。
	Pending bool
	// ExternalID 是外部系统中的标识，例如容器 id。
	ExternalID string
	// Started 表示适配器已经自行把任务标记为 started。
	Started bool
}

// Adapter 启动一个任务的实际执行。失败总是以 *apperror.Error 返回。
type Adapter interface {
	Kind() models.HandlerKind
	Run(ctx context.Context, task *models.Task) (*Result, error)
}

// SelfStarting 由自行调用 Start 的适配器实现。worker 池要先确认池已就绪再开始任务，
// 其余适配器 (例如容器) 在启动外部工作之前由编排器先独占地开始任务。
type SelfStarting interface {
	StartsTask() bool
}

// Set 按 HandlerKind 持有适配器。
type Set struct {
	mu       sync.RWMutex
	adapters map[models.HandlerKind]Adapter
}

// NewSet 创建并注册给定的适配器。
func NewSet(adapters ...Adapter) *Set {
	s := &Set{adapters: make(map[models.HandlerKind]Adapter)}
	for _, a := range adapters {
		s.Register(a)
	}
	return s
}

// Register 注册或替换某种 HandlerKind 的适配器。
func (s *Set) Register(a Adapter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adapters[a.Kind()] = a
}

// For 返回 kind 对应的适配器。
func (s *Set) For(kind models.HandlerKind) (Adapter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.adapters[kind]
	if !ok {
		return nil, apperror.Permanent(apperror.CodeHandlerNotFound,
			fmt.Sprintf("no dispatch adapter for handler kind %q", kind))
	}
	return a, nil
}

// Run 选择适配器并执行任务。
func (s *Set) Run(ctx context.Context, task *models.Task) (*Result, error) {
	a, err := s.For(task.HandlerKind)
	if err != nil {
		return nil, err
	}
	return a.Run(ctx, task)
}

// StartsTask 报告 kind 对应的适配器是否自行把任务标记为 started。
func (s *Set) StartsTask(kind models.HandlerKind) bool {
	a, err := s.For(kind)
	if err != nil {
		return false
	}
	ss, ok := a.(SelfStarting)
	return ok && ss.StartsTask()
}
