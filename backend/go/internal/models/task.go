package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"Foreman/backend/go/internal/apperror"
)

// HandlerKind 决定任务由哪种执行器运行。
type HandlerKind string

const (
	HandlerWorker   HandlerKind = "worker"
	HandlerDocker   HandlerKind = "docker"
	HandlerInternal HandlerKind = "internal" // 进程内执行，不需要外部调度
)

// Valid 判断 HandlerKind 是否为已知取值。
func (k HandlerKind) Valid() bool {
	switch k {
	case HandlerWorker, HandlerDocker, HandlerInternal:
		return true
	}
	return false
}

// TriggerType 区分任务的触发来源。
type TriggerType string

const (
	TriggerEvent  TriggerType = "event"
	TriggerManual TriggerType = "manual"
)

// Trigger 是一个带标签的联合体：event 触发携带事件信息，manual 触发携带操作者。
type Trigger struct {
	Type      TriggerType            `json:"type" bson:"type"`
	EventID   string                 `json:"eventId,omitempty" bson:"event_id,omitempty"`
	EventKey  string                 `json:"eventKey,omitempty" bson:"event_key,omitempty"`
	EmitterID string                 `json:"emitterId,omitempty" bson:"emitter_id,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty" bson:"payload,omitempty"`
	Actor     string                 `json:"actor,omitempty" bson:"actor,omitempty"`
}

// EventTrigger 根据事件构造触发信息。
func EventTrigger(e *Event) Trigger {
	return Trigger{
		Type:      TriggerEvent,
		EventID:   e.ID,
		EventKey:  e.Key,
		EmitterID: e.EmitterID,
		Payload:   e.Data,
	}
}

// ManualTrigger 构造一个手动触发。
func ManualTrigger(actor string) Trigger {
	return Trigger{Type: TriggerManual, Actor: actor}
}

// Validate 校验触发信息与其类型是否匹配。
func (t Trigger) Validate() error {
	switch t.Type {
	case TriggerEvent:
		if t.EventID == "" || t.EmitterID == "" {
			return errors.New("event trigger requires eventId and emitterId")
		}
		if t.Actor != "" {
			return errors.New("event trigger must not carry an actor")
		}
	case TriggerManual:
		if strings.TrimSpace(t.Actor) == "" {
			return errors.New("manual trigger requires an actor")
		}
		if t.EventID != "" {
			return errors.New("manual trigger must not carry an eventId")
		}
	default:
		return fmt.Errorf("unknown trigger type %q", t.Type)
	}
	return nil
}

// SubjectRef 是任务操作对象的引用，用于授权范围限定。全部字段可选，但出现时必须合法。
type SubjectRef struct {
	UserID   string `json:"userId,omitempty" bson:"user_id,omitempty"`
	FolderID string `json:"folderId,omitempty" bson:"folder_id,omitempty"`
	ObjectID string `json:"objectId,omitempty" bson:"object_id,omitempty"`
}

// Validate 校验引用：id 不能是空白串，对象引用必须同时给出所在文件夹。
func (s *SubjectRef) Validate() error {
	if s == nil {
		return nil
	}
	for name, v := range map[string]string{"userId": s.UserID, "folderId": s.FolderID, "objectId": s.ObjectID} {
		if v != "" && strings.TrimSpace(v) == "" {
			return fmt.Errorf("subject %s is blank", name)
		}
	}
	if s.ObjectID != "" && s.FolderID == "" {
		return errors.New("subject objectId requires folderId")
	}
	return nil
}

// Empty 判断引用是否未填写任何字段。
func (s *SubjectRef) Empty() bool {
	return s == nil || (s.UserID == "" && s.FolderID == "" && s.ObjectID == "")
}

// TaskStatus 由时间戳推导而来，不单独存储。
type TaskStatus string

const (
	TaskStatusCreated   TaskStatus = "created"
	TaskStatusStarted   TaskStatus = "started"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Task 是一个被追踪的工作单元。completed_at 与 errored_at 至多设置一个，且设置后不可变。
type Task struct {
	ID          string      `json:"id" bson:"_id"`
	OwnerID     string      `json:"ownerId" bson:"owner_id"`
	Description string      `json:"description" bson:"description"`
	HandlerKind HandlerKind `json:"handlerKind" bson:"handler_kind"`
	HandlerID   string      `json:"handlerId,omitempty" bson:"handler_id,omitempty"`
	Trigger     Trigger     `json:"trigger" bson:"trigger"`
	InputData   InputData   `json:"inputData,omitempty" bson:"input_data,omitempty"`
	Subject     *SubjectRef `json:"subject,omitempty" bson:"subject,omitempty"`

	// 重试会创建新任务，通过 RetryOf 串联，Attempt 从 1 开始。
	RetryOf string `json:"retryOf,omitempty" bson:"retry_of,omitempty"`
	Attempt int    `json:"attempt" bson:"attempt"`
	// NotBefore 是重试任务最早可以调度的时间。
	NotBefore *time.Time `json:"notBefore,omitempty" bson:"not_before,omitempty"`

	CreatedAt   time.Time  `json:"createdAt" bson:"created_at"`
	StartedAt   *time.Time `json:"startedAt,omitempty" bson:"started_at"`
	CompletedAt *time.Time `json:"completedAt,omitempty" bson:"completed_at"`
	ErroredAt   *time.Time `json:"erroredAt,omitempty" bson:"errored_at"`

	Result       interface{}        `json:"result,omitempty" bson:"result,omitempty"`
	ErrorCode    string             `json:"errorCode,omitempty" bson:"error_code,omitempty"`
	ErrorMessage string             `json:"errorMessage,omitempty" bson:"error_message,omitempty"`
	Error        *apperror.Envelope `json:"error,omitempty" bson:"error,omitempty"`
}

// Status 返回任务当前所处的状态。
func (t *Task) Status() TaskStatus {
	switch {
	case t.CompletedAt != nil:
		return TaskStatusCompleted
	case t.ErroredAt != nil:
		return TaskStatusFailed
	case t.StartedAt != nil:
		return TaskStatusStarted
	default:
		return TaskStatusCreated
	}
}

// IsTerminal 判断任务是否已结束。
func (t *Task) IsTerminal() bool {
	return t.CompletedAt != nil || t.ErroredAt != nil
}

// DueAt 返回任务可以被调度的时间：重试任务为 NotBefore，其余为创建时间。
func (t *Task) DueAt() time.Time {
	if t.NotBefore != nil {
		return *t.NotBefore
	}
	return t.CreatedAt
}

// Validate 在创建时校验任务的必填字段。
func (t *Task) Validate() error {
	if t.OwnerID == "" {
		return errors.New("task ownerId is required")
	}
	if !t.HandlerKind.Valid() {
		return fmt.Errorf("unknown handler kind %q", t.HandlerKind)
	}
	if t.HandlerID == "" {
		return errors.New("task handlerId is required")
	}
	if err := t.Trigger.Validate(); err != nil {
		return err
	}
	if err := t.Subject.Validate(); err != nil {
		return err
	}
	return ValidateInputData(t.InputData)
}

// PublicTask 是给非运维调用方看的任务视图，不包含堆栈和错误链。
type PublicTask struct {
	ID           string      `json:"id"`
	OwnerID      string      `json:"ownerId"`
	Description  string      `json:"description"`
	HandlerKind  HandlerKind `json:"handlerKind"`
	HandlerID    string      `json:"handlerId,omitempty"`
	Status       TaskStatus  `json:"status"`
	Attempt      int         `json:"attempt"`
	RetryOf      string      `json:"retryOf,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
	StartedAt    *time.Time  `json:"startedAt,omitempty"`
	CompletedAt  *time.Time  `json:"completedAt,omitempty"`
	ErroredAt    *time.Time  `json:"erroredAt,omitempty"`
	Result       interface{} `json:"result,omitempty"`
	ErrorCode    string      `json:"errorCode,omitempty"`
	ErrorMessage string      `json:"errorMessage,omitempty"`
}

// Public 生成公开视图。errorCode/errorMessage 从错误信封推导。
func (t *Task) Public() PublicTask {
	p := PublicTask{
		ID:           t.ID,
		OwnerID:      t.OwnerID,
		Description:  t.Description,
		HandlerKind:  t.HandlerKind,
		HandlerID:    t.HandlerID,
		Status:       t.Status(),
		Attempt:      t.Attempt,
		RetryOf:      t.RetryOf,
		CreatedAt:    t.CreatedAt,
		StartedAt:    t.StartedAt,
		CompletedAt:  t.CompletedAt,
		ErroredAt:    t.ErroredAt,
		Result:       t.Result,
		ErrorCode:    t.ErrorCode,
		ErrorMessage: t.ErrorMessage,
	}
	if t.Error != nil {
		pub := t.Error.Public()
		p.ErrorCode, p.ErrorMessage = pub.ErrorCode, pub.ErrorMessage
	}
	return p
}
