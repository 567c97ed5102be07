package api

import (
	"Foreman/backend/go/internal/config"
	"Foreman/backend/go/pkg/httpmiddleware"
	"Foreman/backend/go/pkg/ratelimiter"

	"github.com/gin-gonic/gin"
)

// RouterConfig 控制路由上的认证与限流。
type RouterConfig struct {
	JwtSecret   string
	RateLimiter config.RateLimiterConfig
}

// SetupRouter 配置和返回一个 Gin 引擎实例。
func SetupRouter(a *API, cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), httpmiddleware.RequestLogger(a.logger))

	r.GET("/healthz", a.HealthHandler)

	auth := AuthMiddleware(cfg.JwtSecret)
	var limit gin.HandlerFunc
	if cfg.RateLimiter.Enabled {
		limit = httpmiddleware.RateLimitBy(ratelimiter.NewKeyedTokenBucket(cfg.RateLimiter.Rate, cfg.RateLimiter.Capacity), callerKey)
	}
	protected := func(g *gin.RouterGroup) {
		g.Use(auth)
		if limit != nil {
			g.Use(limit)
		}
	}

	apiV1 := r.Group("/api/v1")
	{
		tasks := apiV1.Group("/tasks")
		protected(tasks)
		{
			tasks.GET("", a.ListTasksHandler)
			tasks.POST("", a.InvokeTaskHandler)
			tasks.GET("/:id", a.GetTaskHandler)
			// 外部执行者上报结果与日志
			tasks.POST("/:id/complete", RequireRole(RoleWorker, RoleOperator), a.CompleteTaskHandler)
			tasks.POST("/:id/logs", RequireRole(RoleWorker, RoleOperator), a.IngestLogsHandler)
		}

		events := apiV1.Group("/events")
		protected(events)
		{
			events.POST("", a.EmitEventHandler)
			events.GET("/pending", a.PendingEventsHandler)
		}

		operator := apiV1.Group("/operator")
		protected(operator)
		operator.Use(RequireRole(RoleOperator))
		{
			operator.GET("/tasks/:id", a.GetOperatorTaskHandler)
			operator.GET("/workers", a.WorkersHandler)
		}
	}

	// worker-manager 长连接不参与限流
	ws := r.Group("/ws")
	ws.Use(auth, RequireRole(RoleWorker))
	{
		ws.GET("/workers", a.WorkerSocketHandler)
	}

	return r
}
