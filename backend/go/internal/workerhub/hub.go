// Package workerhub 管理连接到编排器的 worker-manager。每个连接对应一个 channel.Channel，
// manager 通过 init 与 update_app_hash_mapping 报告哪些池已就绪；Hub 本身实现 workerpool.Pool。
package workerhub

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"Foreman/backend/go/internal/apperror"
	"Foreman/backend/go/internal/channel"
	"Foreman/backend/go/internal/config"
	"Foreman/backend/go/internal/models"
	"Foreman/backend/go/pkg/logger"
)

// TaskReader 读取任务，用于校验回调的授权范围。
type TaskReader interface {
	Get(ctx context.Context, id string) (*models.Task, error)
}

// SystemFunc 处理 worker 发来的 execute_system_request。task 是请求关联的任务，可能为 nil。
type SystemFunc func(ctx context.Context, task *models.Task, params map[string]interface{}) (interface{}, error)

// ManagerStatus 是一个 worker-manager 的快照。
type ManagerStatus struct {
	ManagerID   string               `json:"managerId"`
	Version     string               `json:"version,omitempty"`
	Pools       []channel.PoolStatus `json:"pools"`
	InFlight    int                  `json:"inFlight"`
	ConnectedAt time.Time            `json:"connectedAt"`
	UpdatedAt   time.Time            `json:"updatedAt"`
}

type manager struct {
	id          string
	version     string
	ch          *channel.Channel
	pools       map[string]channel.PoolStatus
	inflight    int
	connectedAt time.Time
	updatedAt   time.Time
}

func (m *manager) status() ManagerStatus {
	pools := make([]channel.PoolStatus, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].PoolID < pools[j].PoolID })
	return ManagerStatus{
		ManagerID:   m.id,
		Version:     m.version,
		Pools:       pools,
		InFlight:    m.inflight,
		ConnectedAt: m.connectedAt,
		UpdatedAt:   m.updatedAt,
	}
}

// Options 是 Hub 的依赖。Signer、Mirror、Tasks 都可以为空，此时对应的回调返回错误或被跳过。
type Options struct {
	Config config.WorkerChannelConfig
	Tasks  TaskReader
	Signer ContentSigner
	Mirror ReadinessMirror
	Logger *logger.Logger
}

// Hub 跟踪所有已连接的 worker-manager。
type Hub struct {
	cfg        config.WorkerChannelConfig
	reqTimeout time.Duration
	urlExpiry  time.Duration
	tasks      TaskReader
	signer     ContentSigner
	mirror     ReadinessMirror
	log        *logger.Logger

	mu        sync.RWMutex
	managers  map[string]*manager
	appHashes map[string]string
	system    map[string]SystemFunc
}

// New 创建 Hub。
func New(opts Options) *Hub {
	log := opts.Logger
	if log == nil {
		log = logger.New("WorkerHub", "", "")
	}
	return &Hub{
		cfg:        opts.Config,
		reqTimeout: config.Duration(opts.Config.RequestTimeout, channel.DefaultRequestTimeout),
		urlExpiry:  15 * time.Minute,
		tasks:      opts.Tasks,
		signer:     opts.Signer,
		mirror:     opts.Mirror,
		log:        log,
		managers:   make(map[string]*manager),
		appHashes:  make(map[string]string),
		system:     make(map[string]SystemFunc),
	}
}

// SetURLExpiry 设置签名 URL 的有效期。
func (h *Hub) SetURLExpiry(d time.Duration) {
	if d > 0 {
		h.urlExpiry = d
	}
}

// HandleSystem 注册一个 execute_system_request 操作。
func (h *Hub) HandleSystem(operation string, fn SystemFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.system[operation] = fn
}

// Serve 在 transport 上运行一个 manager 连接，直到连接断开或 ctx 结束。
// manager 必须先发送 init 才会被登记为可调度。
func (h *Hub) Serve(ctx context.Context, t channel.Transport, remote string) error {
	var ch *channel.Channel
	ch = channel.New(t, channel.Options{
		Name:           remote,
		RequestTimeout: h.reqTimeout,
		Logger:         h.log,
		Handlers: map[channel.Action]channel.HandlerFunc{
			channel.ActionInit:                 h.handleInit,
			channel.ActionGetWorkerExecConfig:  h.handleExecConfig,
			channel.ActionGetContentSignedURLs: h.handleSignedURLs,
			channel.ActionGetUIBundle:          h.handleUIBundle,
			channel.ActionExecuteSystemRequest: h.handleSystem,
		},
		OnClose: func(err error) { h.detach(ch, err) },
	})
	return ch.Serve(ctx)
}

func (h *Hub) register(ch *channel.Channel, req *channel.InitRequest) {
	now := time.Now().UTC()
	m := &manager{
		id:          req.ManagerID,
		version:     req.Version,
		ch:          ch,
		pools:       make(map[string]channel.PoolStatus),
		connectedAt: now,
		updatedAt:   now,
	}
	for _, p := range req.Pools {
		m.pools[p.PoolID] = p
	}

	h.mu.Lock()
	old := h.managers[req.ManagerID]
	h.managers[req.ManagerID] = m
	st := m.status()
	h.mu.Unlock()

	if old != nil && old.ch != ch {
		h.log.WithPayload(map[string]interface{}{"manager_id": req.ManagerID}).Warn("同名 worker-manager 重新连接，关闭旧连接")
		_ = old.ch.Close()
	}
	h.mirrorStatus(st)
	h.log.WithPayload(map[string]interface{}{
		"manager_id": req.ManagerID,
		"version":    req.Version,
		"pools":      len(req.Pools),
	}).Info("worker-manager 已登记")
}

func (h *Hub) detach(ch *channel.Channel, cause error) {
	h.mu.Lock()
	var gone string
	for id, m := range h.managers {
		if m.ch == ch {
			gone = id
			delete(h.managers, id)
			break
		}
	}
	h.mu.Unlock()
	if gone == "" {
		return
	}
	if h.mirror != nil {
		if err := h.mirror.Clear(context.Background(), gone); err != nil {
			h.log.WithFault(err).Warn("清除就绪状态失败")
		}
	}
	h.log.WithFault(cause).WithPayload(map[string]interface{}{"manager_id": gone}).Info("worker-manager 已断开")
}

func (h *Hub) updatePools(managerID string, pools []channel.PoolStatus) {
	h.mu.Lock()
	m, ok := h.managers[managerID]
	if !ok {
		h.mu.Unlock()
		return
	}
	for _, p := range pools {
		m.pools[p.PoolID] = p
	}
	m.updatedAt = time.Now().UTC()
	st := m.status()
	h.mu.Unlock()
	h.mirrorStatus(st)
}

func (h *Hub) mirrorStatus(st ManagerStatus) {
	if h.mirror == nil {
		return
	}
	if err := h.mirror.Publish(context.Background(), st); err != nil {
		h.log.WithFault(err).WithPayload(map[string]interface{}{"manager_id": st.ManagerID}).Warn("同步就绪状态失败")
	}
}

// Managers 返回当前已登记的 manager 快照。
func (h *Hub) Managers() []ManagerStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ManagerStatus, 0, len(h.managers))
	for _, m := range h.managers {
		out = append(out, m.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ManagerID < out[j].ManagerID })
	return out
}

// RefreshMirror 周期性地重写就绪状态，使 Redis 中的 TTL 不会在连接存活期间过期。
func (h *Hub) RefreshMirror(ctx context.Context, every time.Duration) {
	if h.mirror == nil || every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, st := range h.Managers() {
				h.mirrorStatus(st)
			}
		}
	}
}

// PushAppHashes 记录应用的 bundle 哈希并推送给所有 manager，manager 以更新后的池状态作答。
func (h *Hub) PushAppHashes(ctx context.Context, mapping map[string]string) error {
	h.mu.Lock()
	for app, hash := range mapping {
		h.appHashes[app] = hash
	}
	snapshot := make(map[string]string, len(h.appHashes))
	for app, hash := range h.appHashes {
		snapshot[app] = hash
	}
	targets := make(map[string]*channel.Channel, len(h.managers))
	for id, m := range h.managers {
		targets[id] = m.ch
	}
	h.mu.Unlock()

	var failed []string
	for id, ch := range targets {
		var res channel.UpdateAppHashMappingResult
		if err := ch.Request(ctx, channel.ActionUpdateAppHashMapping, &channel.UpdateAppHashMappingRequest{Mapping: snapshot}, &res); err != nil {
			h.log.WithFault(err).WithPayload(map[string]interface{}{"manager_id": id}).Warn("推送应用哈希失败")
			failed = append(failed, id)
			continue
		}
		h.updatePools(id, res.Pools)
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		return apperror.Transient(apperror.CodeWorkerDispatchFailed,
			fmt.Sprintf("app hash mapping not delivered to %d manager(s)", len(failed))).
			WithDetail("managers", failed)
	}
	return nil
}

// AnalyzeObject 请求负载最轻的 manager 分析对象。
func (h *Hub) AnalyzeObject(ctx context.Context, req *channel.AnalyzeObjectRequest) (*channel.AnalyzeObjectResult, error) {
	m := h.pick(func(*manager) bool { return true })
	if m == nil {
		return nil, apperror.Transient(apperror.CodeServerlessWorkerUnavailable, "no worker-manager connected")
	}
	defer h.release(m)
	var res channel.AnalyzeObjectResult
	if err := m.ch.Request(ctx, channel.ActionAnalyzeObject, req, &res); err != nil {
		return nil, attribute(err, m.id)
	}
	return &res, nil
}

// pick 在满足条件的 manager 中选出在途请求最少的一个，并把它的在途计数加一。
func (h *Hub) pick(eligible func(*manager) bool) *manager {
	h.mu.Lock()
	defer h.mu.Unlock()
	var best *manager
	for _, m := range h.managers {
		if !eligible(m) {
			continue
		}
		if best == nil || m.inflight < best.inflight || (m.inflight == best.inflight && m.id < best.id) {
			best = m
		}
	}
	if best != nil {
		best.inflight++
	}
	return best
}

func (h *Hub) release(m *manager) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m.inflight > 0 {
		m.inflight--
	}
}

// attribute 把对端报告的失败标记为 app 来源；本地的超时、断开等保持 internal。
func attribute(err error, managerID string) error {
	if !channel.IsRemote(err) {
		return err
	}
	e := apperror.From(err).WithDetail("managerId", managerID)
	e.Origin = apperror.OriginApp
	return e
}
