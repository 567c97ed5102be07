package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"Foreman/backend/go/internal/api"
	"Foreman/backend/go/internal/channel"
	"Foreman/backend/go/internal/config"
	"Foreman/backend/go/internal/database/kafka"
	"Foreman/backend/go/internal/database/minio"
	"Foreman/backend/go/internal/database/mongo"
	"Foreman/backend/go/internal/database/mysql"
	"Foreman/backend/go/internal/database/redis"
	"Foreman/backend/go/internal/discovery/etcd"
	"Foreman/backend/go/internal/dispatch"
	"Foreman/backend/go/internal/dispatch/docker"
	"Foreman/backend/go/internal/dispatch/httpworker"
	"Foreman/backend/go/internal/dispatch/workerpool"
	"Foreman/backend/go/internal/eventbus"
	"Foreman/backend/go/internal/lifecycle"
	"Foreman/backend/go/internal/orchestrator"
	"Foreman/backend/go/internal/queue"
	"Foreman/backend/go/internal/registry"
	"Foreman/backend/go/internal/store"
	"Foreman/backend/go/internal/workerhub"
	"Foreman/backend/go/pkg/grpc"
	"Foreman/backend/go/pkg/http"
	"Foreman/backend/go/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const serviceName = "orchestrator"

type stores struct {
	tasks  store.TaskStore
	events store.EventStore
}

func main() {
	// .env 只补充尚未设置的环境变量
	if err := config.LoadEnvFile(".env"); err != nil {
		log.Fatalf("Failed to load .env: %v", err)
	}
	configPath := os.Getenv("FOREMAN_CONFIG")
	if configPath == "" {
		configPath = "backend/go/internal/config/config.yaml"
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logLevel, err := logrus.ParseLevel(cfg.Logger.Level)
	if err != nil {
		log.Fatalf("Invalid logger level: %v", err)
	}
	logger.Init(logLevel)
	serviceLogger := logger.New("Orchestrator", "", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := openStores(ctx, cfg, serviceLogger)
	reg := openRegistry(cfg, serviceLogger)

	// Redis 承载 "events pending" 信号与 worker 就绪镜像，未配置时退化为进程内记录。
	var signaler eventbus.Signaler = &eventbus.Recorder{}
	var mirror workerhub.ReadinessMirror
	if cfg.Databases.Redis.Address != "" {
		rdb, err := redis.GetClient(ctx, &cfg.Databases.Redis, serviceLogger)
		if err != nil {
			serviceLogger.WithFault(err).Fatal("Failed to connect to Redis")
		}
		signaler = eventbus.NewRedisSignaler(rdb)
		mirror = workerhub.NewRedisReadiness(rdb, config.Duration(cfg.WorkerChannel.ReadinessTTL, time.Minute))
	}

	var signer workerhub.ContentSigner
	if cfg.Databases.MinIO.Endpoint != "" {
		mc, err := minio.GetClient(ctx, &cfg.Databases.MinIO, serviceLogger)
		if err != nil {
			serviceLogger.WithFault(err).Fatal("Failed to connect to MinIO")
		}
		signer = workerhub.NewMinioSigner(mc, cfg.Databases.MinIO.Bucket)
	}

	lc := lifecycle.NewManager(st.tasks, logger.New("Lifecycle", "", ""))
	bus := eventbus.New(st.events, reg, logger.New("EventBus", "", ""), eventbus.WithSignaler(signaler))

	hub := workerhub.New(workerhub.Options{
		Config: cfg.WorkerChannel,
		Tasks:  lc,
		Signer: signer,
		Mirror: mirror,
		Logger: logger.New("WorkerHub", "", ""),
	})
	hub.SetURLExpiry(config.Duration(cfg.Databases.MinIO.URLExpiry, 15*time.Minute))

	adapters := buildAdapters(cfg, lc, hub, serviceLogger)
	q, logs := openQueue(cfg, serviceLogger)

	orch := orchestrator.New(orchestrator.Options{
		Config:    cfg.Orchestrator,
		Lifecycle: lc,
		Bus:       bus,
		Registry:  reg,
		Adapters:  adapters,
		Queue:     q,
		Logs:      logs,
		Logger:    logger.New("Orchestrator", "", ""),
	})
	orch.RegisterSystemOps(hub)
	orch.Internal().Register(orchestrator.AnalyzeObjectHandlerID, orchestrator.AnalyzeObjectHandler(hub))

	// HTTP: 运维接口与 worker 通道
	gin.SetMode(gin.ReleaseMode)
	apiHandler := api.NewAPI(api.Options{
		Tasks:     lc,
		Events:    bus,
		Runner:    orch,
		Hub:       hub,
		Context:   ctx,
		WebSocket: channelOptions(cfg.WorkerChannel),
		Logger:    logger.New("API", "", ""),
	})
	router := api.SetupRouter(apiHandler, api.RouterConfig{JwtSecret: cfg.Auth.JwtSecret, RateLimiter: cfg.Middleware.RateLimiter})
	httpServer := http.NewServer(router, http.WithAddress(cfg.Server.HTTPAddress), http.WithLogger(serviceLogger))

	grpcServer, err := grpc.NewServer(cfg.Middleware, serviceLogger, grpc.WithAddress(cfg.Server.GRPCAddress))
	if err != nil {
		serviceLogger.WithFault(err).Fatal("Failed to create gRPC server")
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil {
			serviceLogger.WithFault(err).Fatal("HTTP server failed to start")
		}
	}()
	go func() {
		if err := grpcServer.ListenAndServe(); err != nil {
			serviceLogger.WithFault(err).Fatal("gRPC server failed to start")
		}
	}()

	runDone := make(chan error, 1)
	go func() { runDone <- orch.Run(ctx) }()
	go hub.RefreshMirror(ctx, config.Duration(cfg.WorkerChannel.ReadinessTTL, time.Minute)/2)
	grpcServer.SetServing("", true)
	grpcServer.SetServing(serviceName, true)

	deregister := registerInstance(ctx, cfg, serviceLogger)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-runDone:
		serviceLogger.WithFault(err).Error("编排器循环意外退出")
	}
	serviceLogger.Info("Shutting down server...")

	deregister()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		serviceLogger.WithFault(err).Error("Server forced to shutdown")
	}
	grpcServer.GracefulStop()

	cancel()
	if err := q.Close(); err != nil {
		serviceLogger.WithFault(err).Error("Error closing queue")
	}
	closeClients(shutdownCtx, serviceLogger)
	serviceLogger.Info("Server gracefully stopped")
}

// openStores 在配置了 MongoDB 时使用 MongoDB，否则使用进程内存储 (仅适合本地开发)。
func openStores(ctx context.Context, cfg *config.AppConfig, log *logger.Logger) stores {
	if cfg.Databases.MongoDB.Address == "" {
		log.Warn("未配置 MongoDB，任务与事件只保存在内存中")
		mem := store.NewMemory()
		return stores{tasks: mem, events: mem}
	}
	client, err := mongo.GetClient(ctx, &cfg.Databases.MongoDB, log)
	if err != nil {
		log.WithFault(err).Fatal("Failed to connect to MongoDB")
	}
	db := client.Database(cfg.Databases.MongoDB.Database)
	tasks := store.NewMongoTaskStore(db, "tasks")
	events := store.NewMongoEventStore(client, db, "events", "event_receipts")
	if err := tasks.EnsureIndexes(ctx); err != nil {
		log.WithFault(err).Fatal("Failed to create task indexes")
	}
	if err := events.EnsureIndexes(ctx); err != nil {
		log.WithFault(err).Fatal("Failed to create event indexes")
	}
	return stores{tasks: tasks, events: events}
}

func openRegistry(cfg *config.AppConfig, log *logger.Logger) registry.Registry {
	if cfg.Registry.Backend == "mysql" {
		db, err := mysql.GetDB(&cfg.Databases.MySQL, log)
		if err != nil {
			log.WithFault(err).Fatal("Failed to connect to MySQL")
		}
		reg, err := registry.NewGormRegistry(db, cfg.Registry.CacheSize,
			config.Duration(cfg.Registry.CacheTTL, 30*time.Second), logger.New("Registry", "", ""))
		if err != nil {
			log.WithFault(err).Fatal("Failed to initialize registry")
		}
		return reg
	}
	reg, err := registry.FromConfig(cfg.Registry)
	if err != nil {
		log.WithFault(err).Fatal("Invalid static registry")
	}
	return reg
}

// buildAdapters 组装三种执行器。worker 任务优先交给通道上的 worker-manager，其次是常驻 HTTP worker。
func buildAdapters(cfg *config.AppConfig, lc *lifecycle.Manager, hub *workerhub.Hub, log *logger.Logger) *dispatch.Set {
	httpPool := httpworker.NewPool(config.Duration(cfg.WorkerChannel.RequestTimeout, httpworker.DefaultJobTimeout))
	for handlerID, baseURL := range cfg.WorkerChannel.HTTPWorkers {
		c, err := httpworker.NewClient(baseURL, config.Duration(cfg.WorkerChannel.PollInterval, time.Second),
			cfg.Middleware.CircuitBreaker, logger.New("HTTPWorker", "", ""))
		if err != nil {
			log.WithFault(err).WithPayload(map[string]interface{}{"handler_id": handlerID}).Fatal("Invalid HTTP worker")
		}
		httpPool.Add(handlerID, c)
		if pc, ok := cfg.WorkerChannel.Pools[handlerID]; ok && pc.TimeoutSeconds > 0 {
			httpPool.SetTimeout(handlerID, time.Duration(pc.TimeoutSeconds)*time.Second)
		}
	}
	pools := workerpool.New(lc, logger.New("WorkerPool", "", ""),
		config.Duration(cfg.Orchestrator.DefaultRetryDelay, 10*time.Second), hub, httpPool)

	dockerAdapter, err := docker.New(cfg.Docker, cfg.Middleware.CircuitBreaker, logger.New("Docker", "", ""))
	if err != nil {
		log.WithFault(err).Fatal("Failed to create docker adapter")
	}
	return dispatch.NewSet(pools, dockerAdapter)
}

// openQueue 返回作业队列以及 worker 日志的去处。memory 队列下日志只写入本地日志。
func openQueue(cfg *config.AppConfig, log *logger.Logger) (queue.Queue, orchestrator.LogPublisher) {
	if cfg.Orchestrator.QueueBackend == "memory" {
		return queue.NewMemory(cfg.Orchestrator.QueueBuffer, logger.New("Queue", "", "")), nil
	}
	kcfg := &cfg.Databases.Kafka
	topics := append(queue.Topics(kcfg.TopicPrefix), kcfg.LogTopic)
	client, err := kafka.GetClient(kcfg, topics, log)
	if err != nil {
		log.WithFault(err).Fatal("Failed to connect to Kafka")
	}
	return queue.NewKafka(client, logger.New("Queue", "", "")), kafka.NewJobLogPublisher(client)
}

func channelOptions(cfg config.WorkerChannelConfig) channel.WebSocketOptions {
	return channel.WebSocketOptions{
		PingInterval:    config.Duration(cfg.PingInterval, 20*time.Second),
		MaxMessageBytes: cfg.MaxMessageBytes,
	}
}

// registerInstance 把本实例登记到 etcd，未配置 etcd 时什么也不做。
func registerInstance(ctx context.Context, cfg *config.AppConfig, log *logger.Logger) func() {
	if len(cfg.Databases.Etcd.Endpoints) == 0 {
		return func() {}
	}
	sd, err := etcd.NewServiceDiscovery(cfg.Databases.Etcd, logger.New("Discovery", "", ""))
	if err != nil {
		log.WithFault(err).Error("无法连接 etcd，跳过服务注册")
		return func() {}
	}
	advertise := cfg.Server.AdvertiseAddress
	if advertise == "" {
		advertise = cfg.Server.HTTPAddress
	}
	stop, err := sd.Register(ctx, serviceName, etcd.Instance{
		ID:          uuid.NewString(),
		HTTPAddress: advertise,
		GRPCAddress: cfg.Server.GRPCAddress,
		Version:     cfg.App.Version,
		StartedAt:   time.Now().UTC(),
	}, cfg.Server.RegistryTTL)
	if err != nil {
		log.WithFault(err).Error("服务注册失败")
		_ = sd.Close()
		return func() {}
	}
	return func() {
		stop()
		_ = sd.Close()
	}
}

func closeClients(ctx context.Context, log *logger.Logger) {
	if err := mongo.Close(ctx); err != nil {
		log.WithFault(err).Error("Error disconnecting from MongoDB")
	}
	if err := redis.Close(); err != nil {
		log.WithFault(err).Error("Error closing Redis")
	}
	if err := mysql.Close(); err != nil {
		log.WithFault(err).Error("Error closing MySQL")
	}
}
