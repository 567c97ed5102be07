package workerhub

import (
	"context"
	"fmt"

	"Foreman/backend/go/internal/apperror"
	"Foreman/backend/go/internal/channel"
	"Foreman/backend/go/internal/models"
)

func (h *Hub) managerFor(ch *channel.Channel) (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, m := range h.managers {
		if m.ch == ch {
			return id, nil
		}
	}
	return "", apperror.Permanent(apperror.CodeWorkerNotInitialized, "worker-manager must send init first")
}

func (h *Hub) handleInit(ctx context.Context, ch *channel.Channel, req *channel.Request) (interface{}, error) {
	params := req.Params.(*channel.InitRequest)
	h.register(ch, params)

	h.mu.RLock()
	mapping := make(map[string]string, len(h.appHashes))
	for app, hash := range h.appHashes {
		mapping[app] = hash
	}
	h.mu.RUnlock()

	if len(mapping) > 0 {
		// 新连接的 manager 需要当前的应用哈希；在 init 响应之后异步推送。
		go func() {
			var res channel.UpdateAppHashMappingResult
			if err := ch.Request(context.Background(), channel.ActionUpdateAppHashMapping,
				&channel.UpdateAppHashMappingRequest{Mapping: mapping}, &res); err != nil {
				h.log.WithFault(err).WithPayload(map[string]interface{}{"manager_id": params.ManagerID}).Warn("初始推送应用哈希失败")
				return
			}
			h.updatePools(params.ManagerID, res.Pools)
		}()
	}
	return &channel.InitResult{Acknowledged: true}, nil
}

func (h *Hub) handleExecConfig(_ context.Context, ch *channel.Channel, req *channel.Request) (interface{}, error) {
	if _, err := h.managerFor(ch); err != nil {
		return nil, err
	}
	params := req.Params.(*channel.GetWorkerExecConfigRequest)
	pc, ok := h.cfg.Pools[params.PoolID]
	if !ok {
		return nil, apperror.Permanent(apperror.CodeHandlerNotFound, fmt.Sprintf("no exec config for pool %q", params.PoolID))
	}
	return &channel.WorkerExecConfig{
		PoolID:         params.PoolID,
		Concurrency:    pc.Concurrency,
		MemoryMB:       pc.MemoryMB,
		TimeoutSeconds: pc.TimeoutSeconds,
		Env:            pc.Env,
	}, nil
}

// handleSignedURLs 只为仍在运行的任务签发 URL，且对象必须落在任务的授权范围内。
func (h *Hub) handleSignedURLs(ctx context.Context, ch *channel.Channel, req *channel.Request) (interface{}, error) {
	if _, err := h.managerFor(ch); err != nil {
		return nil, err
	}
	if h.signer == nil || h.tasks == nil {
		return nil, apperror.Permanent(apperror.CodeHandlerNotFound, "content signing is not configured")
	}
	params := req.Params.(*channel.GetContentSignedURLsRequest)

	task, err := h.tasks.Get(ctx, params.TaskID)
	if err != nil {
		return nil, err
	}
	if task.IsTerminal() {
		return nil, apperror.Permanent(apperror.CodeTaskInvalidTransition,
			fmt.Sprintf("task %s is %s, no content access", task.ID, task.Status()))
	}
	if err := checkScope(task.Subject, params.Objects); err != nil {
		return nil, err
	}

	out := &channel.GetContentSignedURLsResult{URLs: make([]channel.SignedURL, 0, len(params.Objects))}
	for _, o := range params.Objects {
		u, expires, err := h.signer.Sign(ctx, params.Method, ObjectKey(o), h.urlExpiry)
		if err != nil {
			return nil, apperror.Transient(apperror.CodeStoreUnavailable, "failed to sign content url").WithCause(err)
		}
		out.URLs = append(out.URLs, channel.SignedURL{FolderID: o.FolderID, ObjectID: o.ObjectID, URL: u, ExpiresAt: expires})
	}
	return out, nil
}

func checkScope(subject *models.SubjectRef, objects []channel.ContentRef) error {
	if subject.Empty() || subject.FolderID == "" {
		return nil
	}
	for _, o := range objects {
		if o.FolderID != subject.FolderID {
			return apperror.Permanent(apperror.CodeSubjectScopeInvalid,
				fmt.Sprintf("object %s/%s is outside the task's folder", o.FolderID, o.ObjectID))
		}
		if subject.ObjectID != "" && o.ObjectID != subject.ObjectID {
			return apperror.Permanent(apperror.CodeSubjectScopeInvalid,
				fmt.Sprintf("object %s/%s is not the task's subject", o.FolderID, o.ObjectID))
		}
	}
	return nil
}

func (h *Hub) handleUIBundle(ctx context.Context, ch *channel.Channel, req *channel.Request) (interface{}, error) {
	if _, err := h.managerFor(ch); err != nil {
		return nil, err
	}
	params := req.Params.(*channel.GetUIBundleRequest)
	h.mu.RLock()
	hash, ok := h.appHashes[params.AppID]
	h.mu.RUnlock()
	if !ok {
		return nil, apperror.Permanent(apperror.CodeHandlerNotFound, fmt.Sprintf("no ui bundle for app %q", params.AppID))
	}
	if h.signer == nil {
		return nil, apperror.Permanent(apperror.CodeHandlerNotFound, "content signing is not configured")
	}
	u, _, err := h.signer.Sign(ctx, "GET", BundleKey(params.AppID, hash), h.urlExpiry)
	if err != nil {
		return nil, apperror.Transient(apperror.CodeStoreUnavailable, "failed to sign bundle url").WithCause(err)
	}
	return &channel.GetUIBundleResult{AppID: params.AppID, BundleURL: u, Hash: hash}, nil
}

func (h *Hub) handleSystem(ctx context.Context, ch *channel.Channel, req *channel.Request) (interface{}, error) {
	if _, err := h.managerFor(ch); err != nil {
		return nil, err
	}
	params := req.Params.(*channel.ExecuteSystemRequest)
	h.mu.RLock()
	fn, ok := h.system[params.Operation]
	h.mu.RUnlock()
	if !ok {
		return nil, apperror.Permanent(apperror.CodeHandlerNotFound, fmt.Sprintf("unknown system operation %q", params.Operation))
	}

	var task *models.Task
	if params.TaskID != "" {
		if h.tasks == nil {
			return nil, apperror.Permanent(apperror.CodeTaskNotFound, "task lookup is not configured")
		}
		t, err := h.tasks.Get(ctx, params.TaskID)
		if err != nil {
			return nil, err
		}
		task = t
	}
	data, err := fn(ctx, task, params.Params)
	if err != nil {
		return nil, err
	}
	return &channel.ExecuteSystemResult{Data: data}, nil
}
