// Package store 定义了任务、事件与回执的持久化接口，以及 MongoDB 和内存两种实现。
// 所有跨实例共享的状态都在这里，编排器进程本身不持有状态。
package store

import (
	"context"
	"errors"
	"time"

	"Foreman/backend/go/internal/apperror"
	"Foreman/backend/go/internal/models"
)

var (
	// ErrNotFound 表示记录不存在。
	ErrNotFound = errors.New("store: record not found")
	// ErrDuplicate 表示主键冲突。
	ErrDuplicate = errors.New("store: duplicate key")
)

// Terminal 描述一次终态写入。
type Terminal struct {
	Success bool
	At      time.Time
	Result  interface{}
	Error   *apperror.Envelope
}

// TaskStore 是任务的持久化接口。MarkStarted 与 MarkTerminal 都是条件更新，
// 返回 false 表示条件不满足 (已被其他写入者抢先)，不是错误。
type TaskStore interface {
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasksByOwner(ctx context.Context, ownerID string, limit int) ([]*models.Task, error)
	// MarkStarted 仅当任务未开始且未结束时写入 started_at。
	MarkStarted(ctx context.Context, id string, at time.Time) (bool, error)
	// MarkTerminal 仅当任务尚未结束时写入终态；requireStarted 为 true 时还要求任务已开始。
	MarkTerminal(ctx context.Context, id string, term Terminal, requireStarted bool) (bool, error)
	// ListStaleCreated 返回仍处于 created 且 DueAt 不晚于 dueBefore 的任务，最早的在前。
	ListStaleCreated(ctx context.Context, dueBefore time.Time, limit int) ([]*models.Task, error)
}

// EventStore 是事件与回执的持久化接口。
type EventStore interface {
	// InsertEvent 在同一个原子单元内写入事件及其全部回执。
	InsertEvent(ctx context.Context, event *models.Event, receipts []*models.EventReceipt) error
	GetEvent(ctx context.Context, id string) (*models.Event, error)
	ListReceipts(ctx context.Context, eventID string) ([]*models.EventReceipt, error)
	// ClaimReceipt 仅当 started_at 为空时认领回执，并发认领至多一个成功。
	ClaimReceipt(ctx context.Context, eventID, subscriber string, at time.Time) (bool, error)
	ListUnclaimed(ctx context.Context, limit int) ([]*models.EventReceipt, error)
	PendingCounts(ctx context.Context) ([]models.PendingCount, error)
}

func terminalFields(term Terminal) (completedAt, erroredAt *time.Time, code, message string) {
	at := term.At
	if term.Success {
		return &at, nil, "", ""
	}
	if term.Error != nil {
		code, message = term.Error.Code, term.Error.Message
	}
	return nil, &at, code, message
}
