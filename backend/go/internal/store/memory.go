package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"Foreman/backend/go/internal/models"
)

// Memory 是 TaskStore 与 EventStore 的内存实现，供测试和单机开发使用。
// 所有操作在同一把锁下完成，因此天然满足原子性要求。
type Memory struct {
	mu       sync.Mutex
	tasks    map[string]*models.Task
	events   map[string]*models.Event
	receipts map[string]*models.EventReceipt
	order    []string // 回执按创建顺序排列的 id
}

// NewMemory 创建一个空的内存存储。
func NewMemory() *Memory {
	return &Memory{
		tasks:    make(map[string]*models.Task),
		events:   make(map[string]*models.Event),
		receipts: make(map[string]*models.EventReceipt),
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func copyTask(t *models.Task) *models.Task {
	c := *t
	c.StartedAt = copyTime(t.StartedAt)
	c.CompletedAt = copyTime(t.CompletedAt)
	c.ErroredAt = copyTime(t.ErroredAt)
	c.NotBefore = copyTime(t.NotBefore)
	if t.Subject != nil {
		s := *t.Subject
		c.Subject = &s
	}
	return &c
}

func copyReceipt(r *models.EventReceipt) *models.EventReceipt {
	c := *r
	c.StartedAt = copyTime(r.StartedAt)
	return &c
}

func (m *Memory) CreateTask(_ context.Context, task *models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return ErrDuplicate
	}
	m.tasks[task.ID] = copyTask(task)
	return nil
}

func (m *Memory) GetTask(_ context.Context, id string) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTask(t), nil
}

func (m *Memory) ListTasksByOwner(_ context.Context, ownerID string, limit int) ([]*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Task
	for _, t := range m.tasks {
		if t.OwnerID == ownerID {
			out = append(out, copyTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) MarkStarted(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return false, ErrNotFound
	}
	if t.StartedAt != nil || t.IsTerminal() {
		return false, nil
	}
	t.StartedAt = &at
	return true, nil
}

func (m *Memory) MarkTerminal(_ context.Context, id string, term Terminal, requireStarted bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return false, ErrNotFound
	}
	if t.IsTerminal() || (requireStarted && t.StartedAt == nil) {
		return false, nil
	}
	t.CompletedAt, t.ErroredAt, t.ErrorCode, t.ErrorMessage = terminalFields(term)
	t.Result = term.Result
	t.Error = term.Error
	return true, nil
}

func (m *Memory) ListStaleCreated(_ context.Context, dueBefore time.Time, limit int) ([]*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Task
	for _, t := range m.tasks {
		if t.Status() == models.TaskStatusCreated && !t.DueAt().After(dueBefore) {
			out = append(out, copyTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) InsertEvent(_ context.Context, event *models.Event, receipts []*models.EventReceipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[event.ID]; ok {
		return ErrDuplicate
	}
	for _, r := range receipts {
		if _, ok := m.receipts[r.ID]; ok {
			return ErrDuplicate
		}
	}
	e := *event
	m.events[event.ID] = &e
	for _, r := range receipts {
		m.receipts[r.ID] = copyReceipt(r)
		m.order = append(m.order, r.ID)
	}
	return nil
}

func (m *Memory) GetEvent(_ context.Context, id string) (*models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *e
	return &c, nil
}

func (m *Memory) ListReceipts(_ context.Context, eventID string) ([]*models.EventReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.EventReceipt
	for _, id := range m.order {
		if r := m.receipts[id]; r.EventID == eventID {
			out = append(out, copyReceipt(r))
		}
	}
	return out, nil
}

func (m *Memory) ClaimReceipt(_ context.Context, eventID, subscriber string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.receipts[models.ReceiptID(eventID, subscriber)]
	if !ok {
		return false, ErrNotFound
	}
	if r.StartedAt != nil {
		return false, nil
	}
	r.StartedAt = &at
	return true, nil
}

func (m *Memory) ListUnclaimed(_ context.Context, limit int) ([]*models.EventReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.EventReceipt
	for _, id := range m.order {
		r := m.receipts[id]
		if r.StartedAt != nil {
			continue
		}
		out = append(out, copyReceipt(r))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) PendingCounts(_ context.Context) ([]models.PendingCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	type key struct{ sub, ek string }
	counts := make(map[key]int)
	for _, r := range m.receipts {
		if r.StartedAt == nil {
			counts[key{r.Subscriber, r.EventKey}]++
		}
	}
	out := make([]models.PendingCount, 0, len(counts))
	for k, n := range counts {
		out = append(out, models.PendingCount{Subscriber: k.sub, EventKey: k.ek, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Subscriber != out[j].Subscriber {
			return out[i].Subscriber < out[j].Subscriber
		}
		return out[i].EventKey < out[j].EventKey
	})
	return out, nil
}
