package orchestrator

import (
	"context"
	"fmt"

	"Foreman/backend/go/internal/apperror"
	"Foreman/backend/go/internal/eventbus"
	"Foreman/backend/go/internal/models"
	"Foreman/backend/go/internal/workerhub"
)

// SystemRegistrar 接收 worker 可以调用的系统操作，由 workerhub.Hub 实现。
type SystemRegistrar interface {
	HandleSystem(operation string, fn workerhub.SystemFunc)
}

// 系统操作名。
const (
	SystemEmitEvent = "emit_event"
	SystemGetTask   = "get_task"
)

// RegisterSystemOps 登记 worker 在执行任务期间可以发起的系统操作。
// 两个操作都以请求关联的任务作为调用者身份。
func (o *Orchestrator) RegisterSystemOps(r SystemRegistrar) {
	r.HandleSystem(SystemEmitEvent, o.systemEmitEvent)
	r.HandleSystem(SystemGetTask, o.systemGetTask)
}

func requireTask(op string, task *models.Task) error {
	if task == nil {
		return apperror.Permanent(apperror.CodeTaskNotFound, op+" requires a taskId")
	}
	if task.IsTerminal() {
		return apperror.Permanent(apperror.CodeTaskInvalidTransition,
			fmt.Sprintf("task %s is %s", task.ID, task.Status()))
	}
	return nil
}

// systemEmitEvent 以任务 owner 的身份发布事件。任务限定了文件夹时，事件目标不能越界。
func (o *Orchestrator) systemEmitEvent(ctx context.Context, task *models.Task, params map[string]interface{}) (interface{}, error) {
	if err := requireTask(SystemEmitEvent, task); err != nil {
		return nil, err
	}
	req := eventbus.EmitRequest{EmitterID: task.OwnerID}
	req.Key, _ = params["key"].(string)
	req.TargetUserID, _ = params["targetUserId"].(string)
	req.TargetFolderID, _ = params["targetFolderId"].(string)
	req.TargetObjectID, _ = params["targetObjectId"].(string)
	if raw, ok := params["data"]; ok && raw != nil {
		data, ok := raw.(map[string]interface{})
		if !ok {
			return nil, apperror.Permanent(apperror.CodeInvalidEvent, "emit_event data must be an object")
		}
		req.Data = data
	}

	if s := task.Subject; s != nil && s.FolderID != "" {
		if req.TargetFolderID == "" {
			req.TargetFolderID = s.FolderID
		}
		if req.TargetFolderID != s.FolderID {
			return nil, apperror.Permanent(apperror.CodeSubjectScopeInvalid,
				fmt.Sprintf("task %s may not emit events for folder %s", task.ID, req.TargetFolderID))
		}
	}

	event, receipts, err := o.bus.Emit(ctx, req)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"eventId": event.ID, "receipts": len(receipts)}, nil
}

// systemGetTask 返回任务的公开视图。只能读取同一 owner 的任务，默认读取自身。
func (o *Orchestrator) systemGetTask(ctx context.Context, task *models.Task, params map[string]interface{}) (interface{}, error) {
	if err := requireTask(SystemGetTask, task); err != nil {
		return nil, err
	}
	id, _ := params["taskId"].(string)
	if id == "" || id == task.ID {
		return task.Public(), nil
	}
	other, err := o.lc.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if other.OwnerID != task.OwnerID {
		return nil, apperror.Permanent(apperror.CodeSubjectScopeInvalid,
			fmt.Sprintf("task %s belongs to another owner", id))
	}
	return other.Public(), nil
}
