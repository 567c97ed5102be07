// Package eventbus 实现事件发布与回执账本。emit 时计算订阅集合，并在同一个原子单元里写入事件与全部回执，
// 因此任何读者都不会看到回执不完整的事件。
package eventbus

import (
	"context"
	"errors"
	"time"

	"Foreman/backend/go/internal/apperror"
	"Foreman/backend/go/internal/models"
	"Foreman/backend/go/internal/registry"
	"Foreman/backend/go/internal/store"
	"Foreman/backend/go/pkg/logger"

	"github.com/google/uuid"
)

// EmitRequest 是一次事件发布。
type EmitRequest struct {
	EmitterID      string                 `json:"emitterId"`
	Key            string                 `json:"key"`
	Data           map[string]interface{} `json:"data,omitempty"`
	TargetUserID   string                 `json:"targetUserId,omitempty"`
	TargetFolderID string                 `json:"targetFolderId,omitempty"`
	TargetObjectID string                 `json:"targetObjectId,omitempty"`
}

// EmitHook 在事件与回执落库之后被调用，编排器用它立即把回执投入队列，不必等下一次清扫。
type EmitHook func(ctx context.Context, event *models.Event, receipts []*models.EventReceipt)

// Bus 是事件总线。
type Bus struct {
	store    store.EventStore
	reg      registry.Registry
	signaler Signaler
	hook     EmitHook
	now      func() time.Time
	log      *logger.Logger
}

// Option 配置 Bus。
type Option func(*Bus)

// WithSignaler 设置 "events pending" 信号的去处，默认只记录在内存里。
func WithSignaler(s Signaler) Option { return func(b *Bus) { b.signaler = s } }

// WithEmitHook 设置 emit 之后的回调。
func WithEmitHook(h EmitHook) Option { return func(b *Bus) { b.hook = h } }

// WithClock 替换时钟，测试用。
func WithClock(now func() time.Time) Option { return func(b *Bus) { b.now = now } }

// New 创建事件总线。
func New(st store.EventStore, reg registry.Registry, log *logger.Logger, opts ...Option) *Bus {
	if log == nil {
		log = logger.New("EventBus", "", "")
	}
	b := &Bus{store: st, reg: reg, signaler: &Recorder{}, now: func() time.Time { return time.Now().UTC() }, log: log}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetEmitHook 在构造之后设置回调，用于打破总线与编排器之间的构造顺序依赖。
func (b *Bus) SetEmitHook(h EmitHook) { b.hook = h }

// Emit 校验并授权一次发布，然后原子地写入事件和每个当前订阅者的回执。
func (b *Bus) Emit(ctx context.Context, req EmitRequest) (*models.Event, []*models.EventReceipt, error) {
	if req.EmitterID == "" {
		return nil, nil, apperror.Permanent(apperror.CodeInvalidEvent, "emitterId is required")
	}
	if err := models.ValidateEventKey(req.Key); err != nil {
		return nil, nil, apperror.Permanent(apperror.CodeInvalidEvent, err.Error())
	}

	allowed, err := b.reg.CanEmit(ctx, req.EmitterID, req.Key)
	if err != nil {
		return nil, nil, apperror.Transient(apperror.CodeStoreUnavailable, "emit authorization unavailable").WithCause(err)
	}
	if !allowed {
		return nil, nil, apperror.Permanent(apperror.CodeForbiddenEmit, "emitter "+req.EmitterID+" may not emit "+req.Key).
			WithDetails(map[string]interface{}{"emitterId": req.EmitterID, "eventKey": req.Key})
	}

	event := &models.Event{
		ID:             uuid.NewString(),
		Key:            req.Key,
		EmitterID:      req.EmitterID,
		TargetUserID:   req.TargetUserID,
		TargetFolderID: req.TargetFolderID,
		TargetObjectID: req.TargetObjectID,
		Data:           req.Data,
		CreatedAt:      b.now(),
	}
	if err := event.Subject().Validate(); err != nil {
		return nil, nil, apperror.Permanent(apperror.CodeInvalidEvent, err.Error())
	}

	subs, err := b.reg.Subscribers(ctx, req.Key)
	if err != nil {
		return nil, nil, apperror.Transient(apperror.CodeStoreUnavailable, "subscriber registry unavailable").WithCause(err)
	}
	receipts := make([]*models.EventReceipt, 0, len(subs))
	for _, s := range subs {
		receipts = append(receipts, &models.EventReceipt{
			ID:         models.ReceiptID(event.ID, s.Subscriber),
			EventID:    event.ID,
			Subscriber: s.Subscriber,
			EventKey:   event.Key,
			CreatedAt:  event.CreatedAt,
		})
	}

	if err := b.store.InsertEvent(ctx, event, receipts); err != nil {
		return nil, nil, apperror.Transient(apperror.CodeStoreUnavailable, "failed to persist event").WithCause(err)
	}

	b.log.WithPayload(map[string]interface{}{
		"event_id":    event.ID,
		"event_key":   event.Key,
		"emitter_id":  event.EmitterID,
		"subscribers": len(receipts),
	}).Info("事件已发布")

	if b.hook != nil && len(receipts) > 0 {
		b.hook(ctx, event, receipts)
	}
	return event, receipts, nil
}

// GetEvent 读取事件。
func (b *Bus) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	e, err := b.store.GetEvent(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperror.Permanent(apperror.CodeEventNotFound, "event "+id+" not found")
	}
	if err != nil {
		return nil, apperror.Transient(apperror.CodeStoreUnavailable, "failed to load event").WithCause(err)
	}
	return e, nil
}

// Receipts 返回事件的全部回执。
func (b *Bus) Receipts(ctx context.Context, eventID string) ([]*models.EventReceipt, error) {
	rs, err := b.store.ListReceipts(ctx, eventID)
	if err != nil {
		return nil, apperror.Transient(apperror.CodeStoreUnavailable, "failed to list receipts").WithCause(err)
	}
	return rs, nil
}

// ClaimReceipt 原子认领回执。并发认领只有一个得到 true，其余得到 false 且不应继续处理。
func (b *Bus) ClaimReceipt(ctx context.Context, eventID, subscriber string) (bool, error) {
	ok, err := b.store.ClaimReceipt(ctx, eventID, subscriber, b.now())
	if errors.Is(err, store.ErrNotFound) {
		return false, apperror.Permanent(apperror.CodeEventNotFound, "no receipt for "+subscriber+" on event "+eventID)
	}
	if err != nil {
		return false, apperror.Transient(apperror.CodeStoreUnavailable, "failed to claim receipt").WithCause(err)
	}
	return ok, nil
}

// ListUnclaimed 按创建顺序返回未认领的回执。
func (b *Bus) ListUnclaimed(ctx context.Context, limit int) ([]*models.EventReceipt, error) {
	rs, err := b.store.ListUnclaimed(ctx, limit)
	if err != nil {
		return nil, apperror.Transient(apperror.CodeStoreUnavailable, "failed to list unclaimed receipts").WithCause(err)
	}
	return rs, nil
}

// PendingCounts 按 (subscriber, eventKey) 汇总未认领的回执。
func (b *Bus) PendingCounts(ctx context.Context) ([]models.PendingCount, error) {
	counts, err := b.store.PendingCounts(ctx)
	if err != nil {
		return nil, apperror.Transient(apperror.CodeStoreUnavailable, "failed to count pending receipts").WithCause(err)
	}
	return counts, nil
}

// NotifyPendingEvents 汇总未认领回执并为每个分组发送一次信号。它不认领任何回执。
// 单个信号发送失败不会中断其余分组。
func (b *Bus) NotifyPendingEvents(ctx context.Context) ([]models.PendingCount, error) {
	counts, err := b.PendingCounts(ctx)
	if err != nil {
		return nil, err
	}
	var errs []error
	for _, c := range counts {
		if c.Count == 0 {
			continue
		}
		if err := b.signaler.Signal(ctx, Signal{Subscriber: c.Subscriber, EventKey: c.EventKey, Count: c.Count}); err != nil {
			b.log.WithFault(err).WithPayload(map[string]interface{}{"subscriber": c.Subscriber, "event_key": c.EventKey}).Warn("发送待处理事件信号失败")
			errs = append(errs, err)
		}
	}
	return counts, errors.Join(errs...)
}
