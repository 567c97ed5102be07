package registry

import (
	"context"
	"fmt"

	"Foreman/backend/go/internal/config"
	"Foreman/backend/go/internal/models"
)

// Static 是一个不可变的内存注册表，来自配置文件或测试。
type Static struct {
	grants map[string][]string
	subs   []Subscription
	m      *matcher
}

// NewStatic 创建注册表，grants 为 emitter -> 允许的键模式。
func NewStatic(grants map[string][]string, subs []Subscription) (*Static, error) {
	s := &Static{grants: make(map[string][]string), m: newMatcher(256)}
	for emitter, patterns := range grants {
		for _, p := range patterns {
			if _, err := s.m.compile(p); err != nil {
				return nil, err
			}
		}
		s.grants[emitter] = append([]string(nil), patterns...)
	}
	for _, sub := range subs {
		if _, err := s.m.compile(sub.KeyPattern); err != nil {
			return nil, err
		}
		if !sub.HandlerKind.Valid() {
			return nil, fmt.Errorf("subscription %s/%s: unknown handler kind %q", sub.Subscriber, sub.KeyPattern, sub.HandlerKind)
		}
		s.subs = append(s.subs, sub)
	}
	return s, nil
}

// FromConfig 从 registry 配置段构造静态注册表。
func FromConfig(cfg config.RegistryConfig) (*Static, error) {
	grants := make(map[string][]string)
	for _, g := range cfg.Grants {
		grants[g.Emitter] = append(grants[g.Emitter], g.Keys...)
	}
	subs := make([]Subscription, 0, len(cfg.Subscriptions))
	for _, c := range cfg.Subscriptions {
		kind := models.HandlerKind(c.HandlerKind)
		if kind == "" {
			kind = models.HandlerWorker
		}
		subs = append(subs, Subscription{
			Subscriber:    c.Subscriber,
			KeyPattern:    c.Key,
			HandlerKind:   kind,
			HandlerID:     c.HandlerID,
			Description:   c.Description,
			InputDefaults: c.InputDefaults,
		})
	}
	return NewStatic(grants, subs)
}

func (s *Static) CanEmit(_ context.Context, emitterID, eventKey string) (bool, error) {
	for _, p := range s.grants[emitterID] {
		if s.m.match(p, eventKey) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Static) Subscribers(_ context.Context, eventKey string) ([]Subscription, error) {
	return s.m.selectSubscriptions(s.subs, eventKey), nil
}

func (s *Static) Lookup(ctx context.Context, subscriber, eventKey string) (*Subscription, error) {
	return lookup(ctx, s, subscriber, eventKey)
}

func lookup(ctx context.Context, r SubscriberRegistry, subscriber, eventKey string) (*Subscription, error) {
	subs, err := r.Subscribers(ctx, eventKey)
	if err != nil {
		return nil, err
	}
	for i := range subs {
		if subs[i].Subscriber == subscriber {
			return &subs[i], nil
		}
	}
	return nil, nil
}
