package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"

	authz "github.com/pilab-dev/shadow-authz"
	"github.com/pilab-dev/shadow-authz/cache"
	redisstore "github.com/pilab-dev/shadow-authz/cache/redis"
	"github.com/pilab-dev/shadow-authz/config"
	"github.com/pilab-dev/shadow-authz/internal/crypto"
	"github.com/pilab-dev/shadow-authz/internal/metrics"
	"github.com/pilab-dev/shadow-authz/internal/server"
	"github.com/pilab-dev/shadow-authz/log"
	"github.com/pilab-dev/shadow-authz/tracing"
)

var (
	appLogger      log.Logger
	grpcServer     *grpc.Server
	metricsServer  *http.Server
	tracerProvider *sdktrace.TracerProvider
)

func main() {
	bootstrapLogger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.LoadConfig()
	if err != nil {
		bootstrapLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		bootstrapLogger.Fatal().Err(err).Msg("Invalid configuration")
	}

	logLevel, parseErr := zerolog.ParseLevel(cfg.LogLevel)
	if parseErr != nil {
		logLevel = zerolog.InfoLevel
	}
	appLogger = log.NewZerologAdapter(logLevel, cfg.LogPretty)
	ctx := context.Background()
	if parseErr != nil {
		appLogger.Warn(ctx, "invalid log_level, defaulting to info", map[string]interface{}{"configured": cfg.LogLevel})
	}
	appLogger.Info(ctx, "starting shadow-authz", map[string]interface{}{"listen_addr": cfg.ListenAddr})

	tracerProvider, err = tracing.InitTracerProvider(cfg.OtelServiceName)
	if err != nil {
		appLogger.Fatal(ctx, "failed to initialize tracing", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics.Register(registry)

	sessions, cleanup, err := buildSessionStore(ctx, cfg)
	if err != nil {
		appLogger.Fatal(ctx, "failed to build session store", err)
	}
	defer cleanup()

	filter, err := buildFilter(cfg, sessions)
	if err != nil {
		appLogger.Fatal(ctx, "failed to build filter", err)
	}

	grpcServer = server.NewGRPCServer(server.NewAuthorizationServer(filter, appLogger), appLogger)

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		appLogger.Fatal(ctx, "failed to listen", err, map[string]interface{}{"addr": cfg.ListenAddr})
	}
	go func() {
		appLogger.Info(ctx, "ext_authz server listening", map[string]interface{}{"addr": cfg.ListenAddr})
		if err := grpcServer.Serve(listener); err != nil {
			appLogger.Error(ctx, "grpc server stopped", err)
		}
	}()

	metricsServer = &http.Server{
		Addr:         cfg.MetricsAddr,
		Handler:      promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() {
		appLogger.Info(ctx, "metrics server listening", map[string]interface{}{"addr": cfg.MetricsAddr})
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error(ctx, "metrics server stopped", err)
		}
	}()

	waitForShutdown(ctx)
}

func buildSessionStore(ctx context.Context, cfg *config.Config) (authz.SessionStore, func(), error) {
	ttl := time.Duration(cfg.SessionTTLSeconds) * time.Second

	switch cfg.SessionStore {
	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, err
		}
		prefix := cfg.Redis.KeyPrefix
		if prefix == "" {
			prefix = "shadow-authz"
		}
		appLogger.Info(ctx, "using redis session store", map[string]interface{}{"addr": cfg.Redis.Addr})
		return redisstore.NewSessionStore(client, prefix, ttl), func() { _ = client.Close() }, nil
	default:
		store := cache.NewMemorySessionStore(ttl)
		appLogger.Info(ctx, "using in-memory session store")
		return store, func() { _ = store.Close() }, nil
	}
}

func buildFilter(cfg *config.Config, sessions authz.SessionStore) (*authz.Filter, error) {
	key, err := cfg.OIDC.CryptoKey()
	if err != nil {
		return nil, err
	}
	encryptor, err := crypto.NewEncryptor(key)
	if err != nil {
		return nil, err
	}

	jwks := authz.NewJWKSProvider(cfg.OIDC.JWKSURI, appLogger)
	parser := authz.NewParser(jwks, appLogger)

	return authz.NewFilter(
		&cfg.OIDC,
		authz.NewHTTPClient(authz.DefaultIdPTimeout),
		parser,
		encryptor,
		crypto.SessionIDGenerator{},
		sessions,
		appLogger,
	), nil
}

func waitForShutdown(ctx context.Context) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	appLogger.Info(ctx, "shutting down", map[string]interface{}{"signal": sig.String()})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	grpcServer.GracefulStop()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error(shutdownCtx, "metrics server shutdown failed", err)
	}
	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		appLogger.Error(shutdownCtx, "tracer shutdown failed", err)
	}
	appLogger.Info(ctx, "shutdown complete")
}
