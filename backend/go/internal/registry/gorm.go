package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"Foreman/backend/go/internal/models"
	"Foreman/backend/go/pkg/logger"
	"Foreman/backend/go/pkg/util"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// EmitGrant 是 emit 授权表的一行。
type EmitGrant struct {
	ID         uint   `gorm:"primaryKey"`
	EmitterID  string `gorm:"type:varchar(128);index;not null"`
	KeyPattern string `gorm:"type:varchar(255);not null"`
	CreatedAt  time.Time
}

// TableName 指定表名。
func (EmitGrant) TableName() string { return "app_emit_grants" }

// SubscriptionRow 是订阅表的一行。
type SubscriptionRow struct {
	ID            uint           `gorm:"primaryKey"`
	Subscriber    string         `gorm:"type:varchar(128);index;not null"`
	KeyPattern    string         `gorm:"type:varchar(255);not null"`
	HandlerKind   string         `gorm:"type:varchar(32);not null"`
	HandlerID     string         `gorm:"type:varchar(128);not null"`
	Description   string         `gorm:"type:varchar(512)"`
	InputDefaults datatypes.JSON `gorm:"type:json"`
	Enabled       bool           `gorm:"not null;default:true"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TableName 指定表名。
func (SubscriptionRow) TableName() string { return "app_subscriptions" }

func (r *SubscriptionRow) toSubscription() (Subscription, error) {
	s := Subscription{
		Subscriber:  r.Subscriber,
		KeyPattern:  r.KeyPattern,
		HandlerKind: models.HandlerKind(r.HandlerKind),
		HandlerID:   r.HandlerID,
		Description: r.Description,
	}
	if len(r.InputDefaults) > 0 {
		if err := json.Unmarshal(r.InputDefaults, &s.InputDefaults); err != nil {
			return s, fmt.Errorf("subscription %d input defaults: %w", r.ID, err)
		}
	}
	return s, nil
}

// GormRegistry 从 MySQL 读取注册表，查询结果按事件键缓存 ttl 时长。
// 订阅集合在 emit 时计算，缓存意味着新订阅最多延迟 ttl 才生效。
type GormRegistry struct {
	db     *gorm.DB
	m      *matcher
	subs   *util.LRU[string, []Subscription]
	grants *util.LRU[string, []string]
	log    *logger.Logger
}

// NewGormRegistry 创建注册表并迁移表结构。
func NewGormRegistry(db *gorm.DB, cacheSize int, ttl time.Duration, log *logger.Logger) (*GormRegistry, error) {
	if err := db.AutoMigrate(&EmitGrant{}, &SubscriptionRow{}); err != nil {
		return nil, fmt.Errorf("migrate registry tables: %w", err)
	}
	if log == nil {
		log = logger.New("Registry", "", "")
	}
	return &GormRegistry{
		db:     db,
		m:      newMatcher(cacheSize),
		subs:   util.NewLRU[string, []Subscription](cacheSize, ttl),
		grants: util.NewLRU[string, []string](cacheSize, ttl),
		log:    log,
	}, nil
}

func (r *GormRegistry) CanEmit(ctx context.Context, emitterID, eventKey string) (bool, error) {
	patterns, ok := r.grants.Get(emitterID)
	if !ok {
		var rows []EmitGrant
		if err := r.db.WithContext(ctx).Where("emitter_id = ?", emitterID).Find(&rows).Error; err != nil {
			return false, fmt.Errorf("load emit grants for %s: %w", emitterID, err)
		}
		patterns = make([]string, 0, len(rows))
		for _, row := range rows {
			patterns = append(patterns, row.KeyPattern)
		}
		r.grants.Add(emitterID, patterns)
	}
	for _, p := range patterns {
		if r.m.match(p, eventKey) {
			return true, nil
		}
	}
	return false, nil
}

func (r *GormRegistry) Subscribers(ctx context.Context, eventKey string) ([]Subscription, error) {
	if subs, ok := r.subs.Get(eventKey); ok {
		return subs, nil
	}
	var rows []SubscriptionRow
	if err := r.db.WithContext(ctx).Where("enabled = ?", true).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load subscriptions: %w", err)
	}
	all := make([]Subscription, 0, len(rows))
	for i := range rows {
		s, err := rows[i].toSubscription()
		if err != nil {
			r.log.WithFault(err).Warn("跳过无法解析的订阅")
			continue
		}
		all = append(all, s)
	}
	subs := r.m.selectSubscriptions(all, eventKey)
	r.subs.Add(eventKey, subs)
	return subs, nil
}

func (r *GormRegistry) Lookup(ctx context.Context, subscriber, eventKey string) (*Subscription, error) {
	return lookup(ctx, r, subscriber, eventKey)
}

// Grant 新增一条 emit 授权。
func (r *GormRegistry) Grant(ctx context.Context, emitterID, keyPattern string) error {
	if _, err := r.m.compile(keyPattern); err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(&EmitGrant{EmitterID: emitterID, KeyPattern: keyPattern}).Error; err != nil {
		return err
	}
	r.grants.Remove(emitterID)
	return nil
}

// Subscribe 新增一条订阅。
func (r *GormRegistry) Subscribe(ctx context.Context, s Subscription) error {
	if _, err := r.m.compile(s.KeyPattern); err != nil {
		return err
	}
	if !s.HandlerKind.Valid() {
		return fmt.Errorf("unknown handler kind %q", s.HandlerKind)
	}
	row := SubscriptionRow{
		Subscriber:  s.Subscriber,
		KeyPattern:  s.KeyPattern,
		HandlerKind: string(s.HandlerKind),
		HandlerID:   s.HandlerID,
		Description: s.Description,
		Enabled:     true,
	}
	if s.InputDefaults != nil {
		raw, err := json.Marshal(s.InputDefaults)
		if err != nil {
			return err
		}
		row.InputDefaults = datatypes.JSON(raw)
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return err
	}
	r.subs.Purge()
	return nil
}
