package channel

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"Foreman/backend/go/internal/models"
)

// Validatable is implemented by every request and result shape.
type Validatable interface {
	Validate() error
}

type schema struct {
	request func() Validatable
	result  func() Validatable
}

// schemas is the static table of request/result shapes per action.
var schemas = map[Action]schema{
	ActionGetWorkerExecConfig: {
		request: func() Validatable { return &GetWorkerExecConfigRequest{} },
		result:  func() Validatable { return &WorkerExecConfig{} },
	},
	ActionExecuteTask: {
		request: func() Validatable { return &ExecuteTaskRequest{} },
		result:  func() Validatable { return &ExecuteTaskResult{} },
	},
	ActionGetContentSignedURLs: {
		request: func() Validatable { return &GetContentSignedURLsRequest{} },
		result:  func() Validatable { return &GetContentSignedURLsResult{} },
	},
	ActionGetUIBundle: {
		request: func() Validatable { return &GetUIBundleRequest{} },
		result:  func() Validatable { return &GetUIBundleResult{} },
	},
	ActionExecuteSystemRequest: {
		request: func() Validatable { return &ExecuteSystemRequest{} },
		result:  func() Validatable { return &ExecuteSystemResult{} },
	},
	ActionAnalyzeObject: {
		request: func() Validatable { return &AnalyzeObjectRequest{} },
		result:  func() Validatable { return &AnalyzeObjectResult{} },
	},
	ActionInit: {
		request: func() Validatable { return &InitRequest{} },
		result:  func() Validatable { return &InitResult{} },
	},
	ActionUpdateAppHashMapping: {
		request: func() Validatable { return &UpdateAppHashMappingRequest{} },
		result:  func() Validatable { return &UpdateAppHashMappingResult{} },
	},
}

// Known reports whether action is part of the vocabulary.
func Known(action Action) bool {
	_, ok := schemas[action]
	return ok
}

func required(fields map[string]string) error {
	var missing []string
	for name, v := range fields {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

type GetWorkerExecConfigRequest struct {
	PoolID string `json:"poolId"`
}

func (r *GetWorkerExecConfigRequest) Validate() error {
	return required(map[string]string{"poolId": r.PoolID})
}

type WorkerExecConfig struct {
	PoolID         string            `json:"poolId"`
	Concurrency    int               `json:"concurrency"`
	MemoryMB       int               `json:"memoryMB"`
	TimeoutSeconds int               `json:"timeoutSeconds"`
	Env            map[string]string `json:"env,omitempty"`
}

func (r *WorkerExecConfig) Validate() error {
	if err := required(map[string]string{"poolId": r.PoolID}); err != nil {
		return err
	}
	if r.Concurrency < 0 || r.MemoryMB < 0 || r.TimeoutSeconds < 0 {
		return errors.New("exec config values must not be negative")
	}
	return nil
}

// ExecuteTaskRequest asks a worker pool to run one task.
type ExecuteTaskRequest struct {
	TaskID    string                 `json:"taskId"`
	HandlerID string                 `json:"handlerId"`
	OwnerID   string                 `json:"ownerId"`
	Attempt   int                    `json:"attempt"`
	EventKey  string                 `json:"eventKey,omitempty"`
	Input     map[string]interface{} `json:"input,omitempty"`
	Subject   *models.SubjectRef     `json:"subject,omitempty"`
}

func (r *ExecuteTaskRequest) Validate() error {
	if err := required(map[string]string{"taskId": r.TaskID, "handlerId": r.HandlerID}); err != nil {
		return err
	}
	if r.Attempt < 0 {
		return errors.New("attempt must not be negative")
	}
	if err := r.Subject.Validate(); err != nil {
		return err
	}
	return models.ValidateInputData(r.Input)
}

type ExecuteTaskResult struct {
	Output     interface{} `json:"output,omitempty"`
	DurationMs int64       `json:"durationMs"`
}

func (r *ExecuteTaskResult) Validate() error {
	if r.DurationMs < 0 {
		return errors.New("durationMs must not be negative")
	}
	return nil
}

// ContentRef points at one stored object.
type ContentRef struct {
	FolderID string `json:"folderId"`
	ObjectID string `json:"objectId"`
}

type GetContentSignedURLsRequest struct {
	TaskID  string       `json:"taskId"`
	Method  string       `json:"method"` // GET 或 PUT
	Objects []ContentRef `json:"objects"`
}

func (r *GetContentSignedURLsRequest) Validate() error {
	if err := required(map[string]string{"taskId": r.TaskID}); err != nil {
		return err
	}
	if r.Method != "GET" && r.Method != "PUT" {
		return fmt.Errorf("unsupported method %q", r.Method)
	}
	if len(r.Objects) == 0 {
		return errors.New("objects must not be empty")
	}
	for i, o := range r.Objects {
		if o.FolderID == "" || o.ObjectID == "" {
			return fmt.Errorf("objects[%d]: folderId and objectId are required", i)
		}
	}
	return nil
}

type SignedURL struct {
	FolderID  string    `json:"folderId"`
	ObjectID  string    `json:"objectId"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type GetContentSignedURLsResult struct {
	URLs []SignedURL `json:"urls"`
}

func (r *GetContentSignedURLsResult) Validate() error {
	for i, u := range r.URLs {
		if u.URL == "" {
			return fmt.Errorf("urls[%d]: url is empty", i)
		}
	}
	return nil
}

type GetUIBundleRequest struct {
	AppID string `json:"appId"`
}

func (r *GetUIBundleRequest) Validate() error {
	return required(map[string]string{"appId": r.AppID})
}

type GetUIBundleResult struct {
	AppID     string `json:"appId"`
	BundleURL string `json:"bundleUrl"`
	Hash      string `json:"hash,omitempty"`
}

func (r *GetUIBundleResult) Validate() error {
	return required(map[string]string{"appId": r.AppID, "bundleUrl": r.BundleURL})
}

type ExecuteSystemRequest struct {
	TaskID    string                 `json:"taskId,omitempty"`
	Operation string                 `json:"operation"`
	Params    map[string]interface{} `json:"params,omitempty"`
}

func (r *ExecuteSystemRequest) Validate() error {
	return required(map[string]string{"operation": r.Operation})
}

type ExecuteSystemResult struct {
	Data interface{} `json:"data,omitempty"`
}

func (r *ExecuteSystemResult) Validate() error { return nil }

type AnalyzeObjectRequest struct {
	FolderID    string `json:"folderId"`
	ObjectID    string `json:"objectId"`
	ContentType string `json:"contentType,omitempty"`
}

func (r *AnalyzeObjectRequest) Validate() error {
	return required(map[string]string{"folderId": r.FolderID, "objectId": r.ObjectID})
}

type AnalyzeObjectResult struct {
	Metadata map[string]interface{} `json:"metadata"`
}

func (r *AnalyzeObjectResult) Validate() error {
	if r.Metadata == nil {
		return errors.New("metadata is required")
	}
	return nil
}

// PoolStatus is a worker pool's readiness as reported by its manager.
type PoolStatus struct {
	PoolID string `json:"poolId"`
	Ready  bool   `json:"ready"`
	Hash   string `json:"hash,omitempty"`
}

func validatePools(pools []PoolStatus) error {
	for i, p := range pools {
		if p.PoolID == "" {
			return fmt.Errorf("pools[%d]: poolId is empty", i)
		}
	}
	return nil
}

type InitRequest struct {
	ManagerID string       `json:"managerId"`
	Version   string       `json:"version,omitempty"`
	Pools     []PoolStatus `json:"pools"`
}

func (r *InitRequest) Validate() error {
	if err := required(map[string]string{"managerId": r.ManagerID}); err != nil {
		return err
	}
	return validatePools(r.Pools)
}

type InitResult struct {
	Acknowledged bool `json:"acknowledged"`
}

func (r *InitResult) Validate() error { return nil }

type UpdateAppHashMappingRequest struct {
	Mapping map[string]string `json:"mapping"`
}

func (r *UpdateAppHashMappingRequest) Validate() error {
	if r.Mapping == nil {
		return errors.New("mapping is required")
	}
	for app, hash := range r.Mapping {
		if app == "" || hash == "" {
			return errors.New("mapping entries must have non-empty app id and hash")
		}
	}
	return nil
}

type UpdateAppHashMappingResult struct {
	Pools []PoolStatus `json:"pools"`
}

func (r *UpdateAppHashMappingResult) Validate() error {
	return validatePools(r.Pools)
}
