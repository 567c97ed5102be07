// Package registry 回答两个问题：某个 emitter 能否发出某个事件键，以及某个事件键当前有哪些订阅者。
// 订阅键与授权键都支持以 ':' 为分隔符的 glob，例如 "billing:*"。
package registry

import (
	"context"
	"fmt"
	"sort"

	"Foreman/backend/go/internal/models"
	"Foreman/backend/go/pkg/util"

	"github.com/gobwas/glob"
)

// Subscription 描述订阅者如何处理匹配的事件。
type Subscription struct {
	Subscriber    string                 `json:"subscriber"`
	KeyPattern    string                 `json:"keyPattern"`
	HandlerKind   models.HandlerKind     `json:"handlerKind"`
	HandlerID     string                 `json:"handlerId"`
	Description   string                 `json:"description,omitempty"`
	InputDefaults map[string]interface{} `json:"inputDefaults,omitempty"`
}

// Authorizer 判断 emitter 能否发出事件键。
type Authorizer interface {
	CanEmit(ctx context.Context, emitterID, eventKey string) (bool, error)
}

// SubscriberRegistry 返回事件键当前的订阅集合。
type SubscriberRegistry interface {
	// Subscribers 返回每个订阅者至多一条匹配的订阅，按订阅者排序。
	Subscribers(ctx context.Context, eventKey string) ([]Subscription, error)
	// Lookup 返回某个订阅者对事件键的订阅，不存在时返回 nil。
	Lookup(ctx context.Context, subscriber, eventKey string) (*Subscription, error)
}

// Registry 同时提供两种能力。
type Registry interface {
	Authorizer
	SubscriberRegistry
}

// matcher 缓存编译后的 glob，非法模式会被记住，避免重复编译。
type matcher struct {
	globs *util.LRU[string, glob.Glob]
}

func newMatcher(size int) *matcher {
	return &matcher{globs: util.NewLRU[string, glob.Glob](size, 0)}
}

func (m *matcher) compile(pattern string) (glob.Glob, error) {
	if g, ok := m.globs.Get(pattern); ok {
		return g, nil
	}
	g, err := glob.Compile(pattern, ':')
	if err != nil {
		return nil, fmt.Errorf("invalid key pattern %q: %w", pattern, err)
	}
	m.globs.Add(pattern, g)
	return g, nil
}

func (m *matcher) match(pattern, key string) bool {
	g, err := m.compile(pattern)
	if err != nil {
		return false
	}
	return g.Match(key)
}

// selectSubscriptions 过滤出匹配 key 的订阅。同一订阅者有多条匹配时，
// 精确键优先，其次取模式最长的一条。
func (m *matcher) selectSubscriptions(subs []Subscription, key string) []Subscription {
	best := make(map[string]Subscription)
	for _, s := range subs {
		if !m.match(s.KeyPattern, key) {
			continue
		}
		cur, ok := best[s.Subscriber]
		if !ok || moreSpecific(s.KeyPattern, cur.KeyPattern, key) {
			best[s.Subscriber] = s
		}
	}
	out := make([]Subscription, 0, len(best))
	for _, s := range best {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Subscriber < out[j].Subscriber })
	return out
}

func moreSpecific(a, b, key string) bool {
	if (a == key) != (b == key) {
		return a == key
	}
	return len(a) > len(b)
}
