package api

import (
	"context"
	"net/http"
	"strconv"

	"Foreman/backend/go/internal/apperror"
	"Foreman/backend/go/internal/channel"
	"Foreman/backend/go/internal/eventbus"
	"Foreman/backend/go/internal/models"
	"Foreman/backend/go/internal/orchestrator"
	"Foreman/backend/go/internal/workerhub"
	"Foreman/backend/go/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// TaskReader 读取任务，由 lifecycle.Manager 实现。
type TaskReader interface {
	Get(ctx context.Context, id string) (*models.Task, error)
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]*models.Task, error)
}

// EventEmitter 发布事件并汇总待处理回执，由 eventbus.Bus 实现。
type EventEmitter interface {
	Emit(ctx context.Context, req eventbus.EmitRequest) (*models.Event, []*models.EventReceipt, error)
	PendingCounts(ctx context.Context) ([]models.PendingCount, error)
}

// TaskRunner 是编排器对外的写操作，由 orchestrator.Orchestrator 实现。
type TaskRunner interface {
	Invoke(ctx context.Context, req orchestrator.InvokeRequest) (*models.Task, error)
	CompleteExternal(ctx context.Context, taskID string, report orchestrator.CompletionReport) (*models.Task, bool, error)
	IngestLogs(ctx context.Context, taskID, stream string, lines []string) (int, error)
}

// WorkerHub 接入 worker-manager 连接，由 workerhub.Hub 实现。
type WorkerHub interface {
	Serve(ctx context.Context, t channel.Transport, remote string) error
	Managers() []workerhub.ManagerStatus
}

// Options 是 API 的依赖。Hub 为空时 /ws/workers 返回 503。
type Options struct {
	Tasks  TaskReader
	Events EventEmitter
	Runner TaskRunner
	Hub    WorkerHub
	// Context 是 worker 连接的生命周期，升级后的连接不再跟随请求的 context。
	Context   context.Context
	WebSocket channel.WebSocketOptions
	Logger    *logger.Logger
}

// API provides handlers for the orchestrator's HTTP surface.
type API struct {
	tasks    TaskReader
	events   EventEmitter
	runner   TaskRunner
	hub      WorkerHub
	baseCtx  context.Context
	wsOpts   channel.WebSocketOptions
	logger   *logger.Logger
	upgrader websocket.Upgrader
}

// NewAPI creates a new API handler.
func NewAPI(opts Options) *API {
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	if opts.Logger == nil {
		opts.Logger = logger.New("API", "", "")
	}
	return &API{
		tasks:   opts.Tasks,
		events:  opts.Events,
		runner:  opts.Runner,
		hub:     opts.Hub,
		baseCtx: opts.Context,
		wsOpts:  opts.WebSocket,
		logger:  opts.Logger,
		upgrader: websocket.Upgrader{
			// worker-manager 不是浏览器，身份由 JWT 保证。
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HealthHandler 用于存活探测。
func (a *API) HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// visibleTask 读取任务。非运维调用方只能看到自己拥有的任务，其他任务表现为不存在。
func (a *API) visibleTask(c *gin.Context) (*models.Task, bool) {
	task, err := a.tasks.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithFault(c, err)
		return nil, false
	}
	if !isOperator(c) && c.GetString(ctxRole) != RoleWorker && task.OwnerID != c.GetString(ctxSubject) {
		abortWithFault(c, apperror.Permanent(apperror.CodeTaskNotFound, "task "+task.ID+" not found"))
		return nil, false
	}
	return task, true
}

// GetTaskHandler 返回任务的公开视图。
func (a *API) GetTaskHandler(c *gin.Context) {
	task, ok := a.visibleTask(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, task.Public())
}

// GetOperatorTaskHandler 返回包含完整错误信封的任务记录。
func (a *API) GetOperatorTaskHandler(c *gin.Context) {
	task, ok := a.visibleTask(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, task)
}

// ListTasksHandler 列出调用方拥有的任务，运维可以用 ?owner= 查看其他 owner。
func (a *API) ListTasksHandler(c *gin.Context) {
	owner := c.GetString(ctxSubject)
	if q := c.Query("owner"); q != "" && isOperator(c) {
		owner = q
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 {
		badRequest(c, "limit must be a positive integer")
		return
	}
	tasks, err := a.tasks.ListByOwner(c.Request.Context(), owner, limit)
	if err != nil {
		abortWithFault(c, err)
		return
	}
	out := make([]models.PublicTask, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Public())
	}
	c.JSON(http.StatusOK, gin.H{"tasks": out})
}

type invokePayload struct {
	OwnerID     string             `json:"ownerId"`
	Description string             `json:"description"`
	HandlerKind models.HandlerKind `json:"handlerKind" binding:"required"`
	HandlerID   string             `json:"handlerId" binding:"required"`
	Input       models.InputData   `json:"input"`
	Subject     *models.SubjectRef `json:"subject"`
}

// InvokeTaskHandler 手动创建并调度一个任务。只有运维可以替其他 owner 创建。
func (a *API) InvokeTaskHandler(c *gin.Context) {
	var payload invokePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		badRequest(c, "Invalid request payload: "+err.Error())
		return
	}
	caller := c.GetString(ctxSubject)
	owner := caller
	if payload.OwnerID != "" && payload.OwnerID != caller {
		if !isOperator(c) {
			abortWithFault(c, apperror.Permanent(apperror.CodeSubjectScopeInvalid, "cannot invoke tasks for another owner"))
			return
		}
		owner = payload.OwnerID
	}
	task, err := a.runner.Invoke(c.Request.Context(), orchestrator.InvokeRequest{
		Actor:       caller,
		OwnerID:     owner,
		Description: payload.Description,
		HandlerKind: payload.HandlerKind,
		HandlerID:   payload.HandlerID,
		Input:       payload.Input,
		Subject:     payload.Subject,
	})
	if err != nil {
		abortWithFault(c, err)
		return
	}
	c.JSON(http.StatusAccepted, task.Public())
}

// CompleteTaskHandler 接收外部执行者上报的终态。任务已经结束时返回 200 且 applied=false。
func (a *API) CompleteTaskHandler(c *gin.Context) {
	var report orchestrator.CompletionReport
	if err := c.ShouldBindJSON(&report); err != nil {
		badRequest(c, "Invalid request payload: "+err.Error())
		return
	}
	if !report.Success && report.Error != nil && report.Error.Code != "" {
		if err := report.Error.Validate(); err != nil {
			badRequest(c, "invalid error envelope: "+err.Error())
			return
		}
	}
	task, applied, err := a.runner.CompleteExternal(c.Request.Context(), c.Param("id"), report)
	if err != nil {
		abortWithFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"applied": applied, "task": task.Public()})
}

type logsPayload struct {
	Stream string   `json:"stream"`
	Lines  []string `json:"lines" binding:"required"`
}

// IngestLogsHandler 接收外部执行者的日志行。
func (a *API) IngestLogsHandler(c *gin.Context) {
	var payload logsPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		badRequest(c, "Invalid request payload: "+err.Error())
		return
	}
	n, err := a.runner.IngestLogs(c.Request.Context(), c.Param("id"), payload.Stream, payload.Lines)
	if err != nil {
		abortWithFault(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": n})
}

// EmitEventHandler 以调用方身份发布事件。运维可以用 emitterId 代替其他应用发布。
func (a *API) EmitEventHandler(c *gin.Context) {
	var req eventbus.EmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request payload: "+err.Error())
		return
	}
	if req.EmitterID == "" || !isOperator(c) {
		req.EmitterID = c.GetString(ctxSubject)
	}
	event, receipts, err := a.events.Emit(c.Request.Context(), req)
	if err != nil {
		abortWithFault(c, err)
		return
	}
	subscribers := make([]string, 0, len(receipts))
	for _, r := range receipts {
		subscribers = append(subscribers, r.Subscriber)
	}
	c.JSON(http.StatusCreated, gin.H{"event": event, "subscribers": subscribers})
}

// PendingEventsHandler 汇总未认领的回执。非运维调用方只看到自己作为订阅者的分组。
func (a *API) PendingEventsHandler(c *gin.Context) {
	counts, err := a.events.PendingCounts(c.Request.Context())
	if err != nil {
		abortWithFault(c, err)
		return
	}
	subscriber := c.Query("subscriber")
	if !isOperator(c) {
		subscriber = c.GetString(ctxSubject)
	}
	out := make([]models.PendingCount, 0, len(counts))
	for _, pc := range counts {
		if subscriber == "" || pc.Subscriber == subscriber {
			out = append(out, pc)
		}
	}
	c.JSON(http.StatusOK, gin.H{"pending": out})
}

// WorkersHandler 列出已连接的 worker-manager。
func (a *API) WorkersHandler(c *gin.Context) {
	if a.hub == nil {
		c.JSON(http.StatusOK, gin.H{"managers": []workerhub.ManagerStatus{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"managers": a.hub.Managers()})
}

// WorkerSocketHandler 把请求升级为 worker 通道，阻塞直到连接断开。
func (a *API) WorkerSocketHandler(c *gin.Context) {
	if a.hub == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "worker hub is not enabled"})
		return
	}
	conn, err := a.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		a.logger.WithFault(err).Error("Failed to upgrade WebSocket connection")
		return
	}
	remote := c.GetString(ctxSubject) + "@" + c.ClientIP()
	log := a.logger.WithPayload(map[string]interface{}{"remote": remote})
	log.Info("worker-manager 已连接")

	t := channel.NewWebSocketTransport(conn, a.wsOpts)
	if err := a.hub.Serve(a.baseCtx, t, remote); err != nil && a.baseCtx.Err() == nil {
		log.WithFault(err).Warn("worker-manager 连接已断开")
		return
	}
	log.Info("worker-manager 连接已关闭")
}
