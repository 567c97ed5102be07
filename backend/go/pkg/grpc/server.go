package grpc

import (
	"fmt"
	"net"
	"time"

	"Foreman/backend/go/internal/config"
	"Foreman/backend/go/pkg/circuitbreaker"
	"Foreman/backend/go/pkg/grpcinterceptor"
	"Foreman/backend/go/pkg/logger"
	"Foreman/backend/go/pkg/ratelimiter"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Server 是一个自定义的 gRPC 服务器，内置标准健康检查服务以及可选的限流、熔断拦截器。
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	address    string
	log        *logger.Logger
}

// ServerOption 定义了用于配置 Server 的函数。
type ServerOption func(*Server)

// WithAddress 设置服务器监听的地址。
func WithAddress(addr string) ServerOption {
	return func(s *Server) {
		s.address = addr
	}
}

// NewServer 根据中间件配置创建 Server，并注册 grpc.health.v1.Health 服务。
func NewServer(cfg config.MiddlewareConfig, log *logger.Logger, opts ...ServerOption) (*Server, error) {
	var interceptors []grpc.UnaryServerInterceptor

	if cfg.RateLimiter.Enabled {
		log.Info("启用 gRPC 令牌桶限流拦截器")
		limiter := ratelimiter.NewTokenBucket(cfg.RateLimiter.Rate, cfg.RateLimiter.Capacity)
		interceptors = append(interceptors, grpcinterceptor.RateLimitUnaryInterceptor(limiter))
	}

	if cfg.CircuitBreaker.Enabled {
		timeout, err := time.ParseDuration(cfg.CircuitBreaker.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid circuit breaker timeout duration: %w", err)
		}
		log.Info("启用 gRPC 熔断拦截器")
		breaker := circuitbreaker.New("grpc", cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.SuccessThreshold, timeout)
		interceptors = append(interceptors, grpcinterceptor.CircuitBreakUnaryInterceptor(breaker))
	}
	interceptors = append(interceptors, grpcinterceptor.RecoveryUnaryInterceptor(log))

	srv := &Server{
		grpcServer: grpc.NewServer(grpc.ChainUnaryInterceptor(interceptors...)),
		health:     health.NewServer(),
		log:        log,
	}
	healthpb.RegisterHealthServer(srv.grpcServer, srv.health)

	for _, opt := range opts {
		opt(srv)
	}
	if srv.address == "" {
		srv.address = ":9090"
	}
	return srv, nil
}

// SetServing 更新某个服务 (空字符串代表整体) 的健康状态。
func (s *Server) SetServing(service string, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(service, status)
}

// RegisterService 暴露底层的 gRPC RegisterService 方法，用于注册服务实现。
func (s *Server) RegisterService(desc *grpc.ServiceDesc, impl interface{}) {
	s.grpcServer.RegisterService(desc, impl)
}

// Serve 在给定的 listener 上提供服务，便于测试使用随机端口。
func (s *Server) Serve(lis net.Listener) error {
	s.log.WithPayload(map[string]interface{}{"address": lis.Addr().String()}).Info("gRPC 服务器启动")
	return s.grpcServer.Serve(lis)
}

// ListenAndServe 开始监听并提供 gRPC 服务。
func (s *Server) ListenAndServe() error {
	lis, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}
	return s.Serve(lis)
}

// GracefulStop 先把健康状态置为 NOT_SERVING，再优雅地停止 gRPC 服务器。
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}
