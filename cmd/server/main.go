// Package main is the entry point for the bucketz server.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables.
//  2. Open the definitions source (Postgres, a file or Redis).
//  3. Build the first snapshot and start the reload loop.
//  4. Wire up API key validation from static keys and the database.
//  5. Serve HTTP and gRPC, plus the ops handler on the tailnet when configured.
//  6. Wait for SIGINT/SIGTERM, then gracefully shut everything down.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"tailscale.com/tsnet"

	assignmentv1 "github.com/matt-riley/bucketz/api/assignment/v1"
	"github.com/matt-riley/bucketz/internal/config"
	"github.com/matt-riley/bucketz/internal/logging"
	"github.com/matt-riley/bucketz/internal/metrics"
	"github.com/matt-riley/bucketz/internal/middleware"
	"github.com/matt-riley/bucketz/internal/ops"
	"github.com/matt-riley/bucketz/internal/repository"
	"github.com/matt-riley/bucketz/internal/server"
	"github.com/matt-riley/bucketz/internal/service"
	"github.com/matt-riley/bucketz/internal/source"
	"github.com/matt-riley/bucketz/internal/tracing"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(context.Background(), tracing.WithServiceName("bucketz"))
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	defs, err := openDefinitions(ctx, cfg, log, m)
	if err != nil {
		return err
	}
	defer defs.close()

	svc, err := service.New(ctx, defs.source,
		service.WithLogger(logging.Component(log, "service")),
		service.WithRecorder(m),
		service.WithResyncInterval(cfg.SnapshotResyncInterval),
	)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}

	lookups := defs.keyLookups
	if cfg.APIKeys != "" {
		staticKeys, err := middleware.ParseStaticKeys(cfg.APIKeys)
		if err != nil {
			return fmt.Errorf("parse API_KEYS: %w", err)
		}
		lookups = append([]middleware.KeyLookup{staticKeys}, lookups...)
	}
	tokenValidator := middleware.NewAPIKeyValidator(lookups...)

	limiter := middleware.NewRateLimiter(ctx, cfg.AuthRateLimit)
	defer limiter.Stop()
	authOpts := []middleware.AuthOption{
		middleware.WithOnAuthFailure(func() { m.AuthFailuresTotal.Inc() }),
		middleware.WithOnThrottle(func(scope middleware.ThrottleScope) { m.IncAuthThrottled(string(scope)) }),
		middleware.WithRateLimiter(limiter),
	}

	apiHandler := server.NewHTTPHandler(svc,
		server.WithMaxJSONBodySize(cfg.MaxJSONBodySize),
		server.WithMetrics(m),
	)
	httpHandler := newHTTPHandler(apiHandler, tokenValidator, authOpts...)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(middleware.HTTPRequestLogging(log)(httpHandler), "bucketz-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			middleware.UnaryRequestLoggingInterceptor(log),
			middleware.UnaryBearerAuthInterceptor(tokenValidator, authOpts...),
			m.UnaryServerInterceptor(),
		),
	)
	assignmentv1.RegisterAssignmentServiceServer(grpcServer, server.NewGRPCServer(svc))

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer httpListener.Close()

	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen gRPC %s: %w", cfg.GRPCAddr, err)
	}
	defer grpcListener.Close()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve HTTP: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		if err := grpcServer.Serve(grpcListener); err != nil {
			return fmt.Errorf("serve gRPC: %w", err)
		}
		return nil
	})

	if cfg.OpsHostname != "" {
		tsServer, opsServer, err := startOps(cfg, svc, log, group)
		if err != nil {
			return err
		}
		defer tsServer.Close()
		group.Go(func() error {
			<-groupCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := opsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("ops server shutdown error", "error", err)
			}
			return nil
		})
	}

	log.Info("server started",
		"http_addr", cfg.HTTPAddr,
		"grpc_addr", cfg.GRPCAddr,
		"definitions_source", defs.source.Name(),
		"revision", svc.Info().Revision,
	)

	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("server shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("HTTP shutdown error", "error", err)
		}

		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(shutdownTimeout):
			grpcServer.Stop()
		}
		return nil
	})

	return group.Wait()
}

// definitions is the opened definitions source together with the key lookups
// it contributes and the cleanup for its connections.
type definitions struct {
	source     source.Source
	keyLookups []middleware.KeyLookup
	close      func()
}

func openDefinitions(ctx context.Context, cfg config.Config, log *slog.Logger, m *metrics.Metrics) (definitions, error) {
	switch cfg.DefinitionsSource {
	case config.SourcePostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return definitions{}, fmt.Errorf("connect postgres: %w", err)
		}
		if cfg.MigrateOnStart {
			if err := repository.Migrate(ctx, pool); err != nil {
				pool.Close()
				return definitions{}, fmt.Errorf("migrate: %w", err)
			}
		}
		metrics.RegisterPoolMetrics(m.Registry, pool)

		repo := repository.NewPostgresRepository(pool)
		return definitions{
			source:     repo,
			keyLookups: []middleware.KeyLookup{repo},
			close:      pool.Close,
		}, nil

	case config.SourceFile:
		return definitions{
			source: source.NewFileSource(cfg.DefinitionsFile, source.WithFileLogger(logging.Component(log, "file-source"))),
			close:  func() {},
		}, nil

	case config.SourceRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return definitions{}, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		return definitions{
			source: source.NewRedisSource(client, cfg.RedisKey, cfg.RedisChannel,
				source.WithRedisLogger(logging.Component(log, "redis-source")),
			),
			close: func() {
				if err := client.Close(); err != nil {
					log.Warn("close redis client", "error", err)
				}
			},
		}, nil

	default:
		return definitions{}, fmt.Errorf("unsupported definitions source %q", cfg.DefinitionsSource)
	}
}

// startOps joins the tailnet and serves the ops handler on it.
func startOps(cfg config.Config, svc *service.Service, log *slog.Logger, group *errgroup.Group) (*tsnet.Server, *http.Server, error) {
	if err := os.MkdirAll(cfg.TSStateDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("create ts-state dir: %w", err)
	}

	tsServer := &tsnet.Server{
		Hostname: cfg.OpsHostname,
		AuthKey:  cfg.TSAuthKey,
		Dir:      cfg.TSStateDir,
		Logf:     func(format string, args ...any) { log.Debug(fmt.Sprintf(format, args...), "component", "tailscale") },
	}

	opsListener, err := tsServer.Listen("tcp", ":80")
	if err != nil {
		tsServer.Close()
		return nil, nil, fmt.Errorf("listen tailnet: %w", err)
	}
	log.Info("ops handler listening", "hostname", cfg.OpsHostname, "transport", "tailscale")

	opsLog := logging.Component(log, "ops")
	opsServer := &http.Server{
		Handler:           middleware.HTTPRequestLogging(opsLog)(ops.NewHandler(svc, opsLog)),
		ReadHeaderTimeout: httpReadHeaderTimeout,
	}
	group.Go(func() error {
		if err := opsServer.Serve(opsListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve ops: %w", err)
		}
		return nil
	})

	return tsServer, opsServer, nil
}

// newHTTPHandler puts every /v1/ route behind bearer auth and exposes only
// the health and metrics endpoints without it.
func newHTTPHandler(apiHandler http.Handler, tokenValidator middleware.TokenValidator, opts ...middleware.AuthOption) http.Handler {
	protectedAPIHandler := middleware.HTTPBearerAuthMiddleware(tokenValidator, opts...)(apiHandler)

	mux := http.NewServeMux()
	mux.Handle("/v1/", protectedAPIHandler)
	mux.Handle("GET /healthz", apiHandler)
	mux.Handle("GET /metrics", apiHandler)

	return mux
}
