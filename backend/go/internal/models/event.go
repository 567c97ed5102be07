package models

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

var eventKeyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]*(:[a-z0-9][a-z0-9_.-]*)+$`)

// ValidateEventKey 校验事件键，格式为 "domain:name"，可多级。
func ValidateEventKey(key string) error {
	if !eventKeyPattern.MatchString(key) {
		return fmt.Errorf("invalid event key %q, expected namespaced form like domain:name", key)
	}
	return nil
}

// Event 是一条不可变的事实记录，由事件总线在 emit 时创建。
type Event struct {
	ID             string                 `json:"id" bson:"_id"`
	Key            string                 `json:"key" bson:"key"`
	EmitterID      string                 `json:"emitterId" bson:"emitter_id"`
	TargetUserID   string                 `json:"targetUserId,omitempty" bson:"target_user_id,omitempty"`
	TargetFolderID string                 `json:"targetFolderId,omitempty" bson:"target_folder_id,omitempty"`
	TargetObjectID string                 `json:"targetObjectId,omitempty" bson:"target_object_id,omitempty"`
	Data           map[string]interface{} `json:"data,omitempty" bson:"data,omitempty"`
	CreatedAt      time.Time              `json:"createdAt" bson:"created_at"`
}

// Subject 返回事件携带的授权范围；没有目标时返回 nil。
func (e *Event) Subject() *SubjectRef {
	s := &SubjectRef{UserID: e.TargetUserID, FolderID: e.TargetFolderID, ObjectID: e.TargetObjectID}
	if s.Empty() {
		return nil
	}
	return s
}

// EventReceipt 记录一个事件对某个订阅者的投递情况。StartedAt 非空表示已被认领。
type EventReceipt struct {
	ID         string     `json:"id" bson:"_id"`
	EventID    string     `json:"eventId" bson:"event_id"`
	Subscriber string     `json:"subscriber" bson:"subscriber"`
	EventKey   string     `json:"eventKey" bson:"event_key"`
	CreatedAt  time.Time  `json:"createdAt" bson:"created_at"`
	StartedAt  *time.Time `json:"startedAt,omitempty" bson:"started_at"`
}

// ReceiptID 生成 (event, subscriber) 的确定性主键，保证每对只有一条回执。
func ReceiptID(eventID, subscriber string) string {
	return eventID + "/" + subscriber
}

// ReceiptTaskID 是一条回执对应任务的确定性 id。同一回执被重复处理时只会得到同一个任务。
func ReceiptTaskID(eventID, subscriber string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("foreman:receipt:"+ReceiptID(eventID, subscriber))).String()
}

// Claimed 判断回执是否已被认领。
func (r *EventReceipt) Claimed() bool { return r.StartedAt != nil }

// PendingCount 是按 (subscriber, eventKey) 分组的未认领回执数量。
type PendingCount struct {
	Subscriber string `json:"subscriber" bson:"subscriber"`
	EventKey   string `json:"eventKey" bson:"event_key"`
	Count      int    `json:"count" bson:"count"`
}
