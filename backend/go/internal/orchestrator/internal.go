package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"Foreman/backend/go/internal/apperror"
	"Foreman/backend/go/internal/channel"
	"Foreman/backend/go/internal/models"
)

// InternalHandler 在编排器进程内执行一个 internal 任务。
type InternalHandler func(ctx context.Context, task *models.Task) (interface{}, error)

// InternalHandlers 按 handlerID 持有进程内 handler。
type InternalHandlers struct {
	mu       sync.RWMutex
	handlers map[string]InternalHandler
}

// NewInternalHandlers 创建空注册表。
func NewInternalHandlers() *InternalHandlers {
	return &InternalHandlers{handlers: make(map[string]InternalHandler)}
}

// Register 登记或替换 handler。
func (h *InternalHandlers) Register(id string, fn InternalHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[id] = fn
}

// Get 返回 handler。
func (h *InternalHandlers) Get(id string) (InternalHandler, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	fn, ok := h.handlers[id]
	return fn, ok
}

// IDs 返回已登记的 handlerID。
func (h *InternalHandlers) IDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.handlers))
	for id := range h.handlers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func callInternal(ctx context.Context, fn InternalHandler, task *models.Task) (out interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperror.FromPanic(r)
		}
	}()
	return fn(ctx, task)
}

// ObjectAnalyzer 把对象交给 worker-manager 分析。
type ObjectAnalyzer interface {
	AnalyzeObject(ctx context.Context, req *channel.AnalyzeObjectRequest) (*channel.AnalyzeObjectResult, error)
}

// AnalyzeObjectHandlerID 是内置对象分析 handler 的 id。
const AnalyzeObjectHandlerID = "analyze-object"

// AnalyzeObjectHandler 分析任务主体指向的对象。没有主体时从输入的 folderId/objectId 读取。
func AnalyzeObjectHandler(analyzer ObjectAnalyzer) InternalHandler {
	return func(ctx context.Context, task *models.Task) (interface{}, error) {
		req := &channel.AnalyzeObjectRequest{}
		if task.Subject != nil {
			req.FolderID, req.ObjectID = task.Subject.FolderID, task.Subject.ObjectID
		}
		if req.ObjectID == "" {
			req.FolderID, _ = task.InputData["folderId"].(string)
			req.ObjectID, _ = task.InputData["objectId"].(string)
		}
		req.ContentType, _ = task.InputData["contentType"].(string)
		if err := req.Validate(); err != nil {
			return nil, apperror.Permanent(apperror.CodeInvalidTaskInput, fmt.Sprintf("analyze-object: %v", err))
		}
		res, err := analyzer.AnalyzeObject(ctx, req)
		if err != nil {
			return nil, err
		}
		return res.Metadata, nil
	}
}
