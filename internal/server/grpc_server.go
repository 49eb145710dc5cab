// Package server hosts the filter behind the Envoy external authorization
// gRPC protocol.
package server

import (
	"context"
	"time"

	authv3 "github.com/envoyproxy/go-control-plane/envoy/service/auth/v3"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthv1 "google.golang.org/grpc/health/grpc_health_v1"

	authz "github.com/pilab-dev/shadow-authz"
	"github.com/pilab-dev/shadow-authz/internal/metrics"
	"github.com/pilab-dev/shadow-authz/log"
)

// AuthorizationServer implements envoy.service.auth.v3.Authorization by
// delegating each check to the filter. It never returns a transport error:
// every failure is expressed as a denied CheckResponse so the proxy fails
// closed instead of surfacing a 5xx from the authorization channel.
type AuthorizationServer struct {
	authv3.UnimplementedAuthorizationServer

	filter *authz.Filter
	logger log.Logger
}

// NewAuthorizationServer creates the Check handler around a filter.
func NewAuthorizationServer(filter *authz.Filter, logger log.Logger) *AuthorizationServer {
	return &AuthorizationServer{
		filter: filter,
		logger: logger.With(map[string]interface{}{"component": "ext-authz-server"}),
	}
}

// Check implements the Authorization service.
func (s *AuthorizationServer) Check(ctx context.Context, req *authv3.CheckRequest) (*authv3.CheckResponse, error) {
	resp := s.filter.Process(ctx, req)
	metrics.CheckTotal.WithLabelValues(codes.Code(resp.GetStatus().GetCode()).String()).Inc()
	return resp, nil
}

// NewGRPCServer creates the gRPC server with OpenTelemetry instrumentation,
// a per-request logging interceptor, and the health service, and registers
// the Authorization handler on it.
func NewGRPCServer(authzServer *AuthorizationServer, logger log.Logger) *grpc.Server {
	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler(otelgrpc.WithTracerProvider(otel.GetTracerProvider()))),
		grpc.ChainUnaryInterceptor(loggingUnaryInterceptor(logger)),
	)

	authv3.RegisterAuthorizationServer(grpcServer, authzServer)
	healthv1.RegisterHealthServer(grpcServer, health.NewServer())

	return grpcServer
}

func loggingUnaryInterceptor(logger log.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		requestID := uuid.NewString()

		resp, err := handler(ctx, req)

		fields := map[string]interface{}{
			"request_id": requestID,
			"method":     info.FullMethod,
			"latency":    time.Since(start).String(),
		}
		if err != nil {
			logger.Error(ctx, "grpc request failed", err, fields)
		} else {
			logger.Debug(ctx, "grpc request", fields)
		}
		return resp, err
	}
}
