package grpcinterceptor

import (
	"context"
	"errors"

	"Foreman/backend/go/internal/apperror"
	"Foreman/backend/go/pkg/circuitbreaker"
	"Foreman/backend/go/pkg/logger"
	"Foreman/backend/go/pkg/ratelimiter"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RateLimitUnaryInterceptor 返回一个 gRPC 一元拦截器，用于限流。
func RateLimitUnaryInterceptor(limiter ratelimiter.RateLimiter) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if !limiter.Allow() {
			return nil, status.Errorf(codes.ResourceExhausted, "request rejected due to rate limiting")
		}
		return handler(ctx, req)
	}
}

// CircuitBreakUnaryInterceptor 返回一个 gRPC 一元拦截器，用于熔断。
func CircuitBreakUnaryInterceptor(breaker circuitbreaker.CircuitBreaker) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := breaker.Execute(func() (interface{}, error) {
			return handler(ctx, req)
		})
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			return nil, status.Errorf(codes.Unavailable, "service unavailable: circuit breaker is open")
		}
		return resp, err
	}
}

// RecoveryUnaryInterceptor 把 handler 中的 panic 转成 Internal 错误并记录错误信封。
func RecoveryUnaryInterceptor(log *logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				fault := apperror.FromPanic(r)
				log.WithFault(fault).WithPayload(map[string]interface{}{"method": info.FullMethod}).Error("gRPC handler panic")
				resp, err = nil, status.Error(codes.Internal, fault.Message)
			}
		}()
		return handler(ctx, req)
	}
}
