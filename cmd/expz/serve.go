package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	expzv1 "github.com/matt-riley/expz/api/expz/v1"
	"github.com/matt-riley/expz/internal/config"
	"github.com/matt-riley/expz/internal/metrics"
	"github.com/matt-riley/expz/internal/middleware"
	"github.com/matt-riley/expz/internal/repository"
	"github.com/matt-riley/expz/internal/server"
	"github.com/matt-riley/expz/internal/service"
	"github.com/matt-riley/expz/internal/store"
	"github.com/matt-riley/expz/internal/tracing"
)

const (
	shutdownTimeout       = 10 * time.Second
	tracerShutdownTimeout = 5 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpIdleTimeout       = 2 * time.Minute
)

func newServeCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC evaluation server",
		Long: `Serve evaluates users against the flag configs stored in PostgreSQL.

HTTP serves the SDK routes under /sdk plus /healthz and /metrics. gRPC serves
expz.v1.Evaluation. Both require a deployment key on SDK calls.

Configuration comes from the environment (DATABASE_URL, HTTP_ADDR, ...);
flags override it.`,
		Args: cobra.NoArgs,
	}
	env := newEnvFlags(cmd)

	cmd.Flags().Bool("migrate", false, "apply database migrations before serving")
	cmd.Flags().String("database-url", "", "PostgreSQL connection string")
	cmd.Flags().String("http-addr", "", "HTTP listen address")
	cmd.Flags().String("grpc-addr", "", "gRPC listen address")
	cmd.Flags().String("redis-url", "", "redis snapshot backing")
	cmd.Flags().String("snapshot-path", "", "bbolt snapshot backing file")
	env.bind("migrate", "MIGRATE_ON_START")
	env.bind("database-url", "DATABASE_URL")
	env.bind("http-addr", "HTTP_ADDR")
	env.bind("grpc-addr", "GRPC_ADDR")
	env.bind("redis-url", "REDIS_URL")
	env.bind("snapshot-path", "SNAPSHOT_PATH")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.LoadFrom(env.getenv)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		log, err := root.logger(cmd, cfg.LogLevel, cfg.LogFormat)
		if err != nil {
			return err
		}
		slog.SetDefault(log)
		return runServe(cmd.Context(), cfg, log)
	}

	return cmd
}

func runServe(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	shutdownTracer, err := tracing.Init(ctx,
		tracing.WithServiceName("expz-server"),
		tracing.WithComponent("server"),
		tracing.WithVersion(version),
	)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), tracerShutdownTimeout)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "error", err)
		}
	}()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if cfg.MigrateOnStart {
		if err := runMigrations(ctx, pool); err != nil {
			return err
		}
	}

	m := metrics.New()
	m.RegisterPool(pool)

	backing, closeBacking, err := openSnapshotBacking(ctx, cfg.RedisURL, cfg.SnapshotPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeBacking(); err != nil {
			log.Warn("close snapshot backing", "error", err)
		}
	}()

	repo := repository.NewPostgresRepository(pool)
	svcOpts := []service.Option{
		service.WithLogger(log),
		service.WithMetrics(m),
		service.WithResyncInterval(cfg.CacheResyncInterval),
	}
	if backing != nil {
		svcOpts = append(svcOpts, service.WithSnapshotBacking(backing))
	}
	svc, err := service.New(ctx, repo, svcOpts...)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}

	validator := middleware.NewDeploymentKeyValidator(repo)
	authOpts := []middleware.AuthOption{
		middleware.WithRateLimiter(middleware.NewRateLimiter(ctx, cfg.AuthRateLimit)),
		middleware.WithOnAuthFailure(m.IncAuthFailures),
	}
	serverOpts := []server.Option{
		server.WithStreamPollInterval(cfg.StreamPollInterval),
		server.WithKeepaliveInterval(cfg.StreamKeepaliveInterval),
		server.WithMaxBodyBytes(cfg.MaxJSONBodySize),
		server.WithMetrics(m),
	}

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		_ = httpListener.Close()
		return fmt.Errorf("listen gRPC %s: %w", cfg.GRPCAddr, err)
	}

	// Shutdown does not wait on SSE streams, so request contexts end with it.
	baseCtx, cancelRequests := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRequests()
	httpServer := &http.Server{
		Handler:           newHTTPHandler(svc, log, validator, authOpts, serverOpts...),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		IdleTimeout:       httpIdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	httpServer.RegisterOnShutdown(cancelRequests)

	grpcServer := newGRPCServer(log, m, validator, authOpts)
	expzv1.RegisterEvaluationServer(grpcServer, server.NewGRPCServer(svc, serverOpts...))

	log.Info("server started", "http_addr", httpListener.Addr().String(), "grpc_addr", grpcListener.Addr().String(), "version", version)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve HTTP: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := grpcServer.Serve(grpcListener); err != nil {
			return fmt.Errorf("serve gRPC: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("server shutting down")
		return shutdown(httpServer, grpcServer)
	})
	return g.Wait()
}

// newHTTPHandler wraps the SDK routes in deployment key auth. Request logging
// runs outside auth so rejected requests are logged too.
func newHTTPHandler(svc server.Service, log *slog.Logger, validator middleware.KeyValidator, authOpts []middleware.AuthOption, opts ...server.Option) http.Handler {
	opts = append(opts, server.WithAuth(middleware.HTTPAuthMiddleware(validator, authOpts...)))
	handler := middleware.HTTPRequestLogging(log)(server.NewHTTPHandler(svc, opts...))
	return otelhttp.NewHandler(handler, "expz-http")
}

func newGRPCServer(log *slog.Logger, m *metrics.Metrics, validator middleware.KeyValidator, authOpts []middleware.AuthOption) *grpc.Server {
	return grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			middleware.UnaryRequestLoggingInterceptor(log),
			m.UnaryServerInterceptor(),
			middleware.UnaryAuthInterceptor(validator, authOpts...),
		),
		grpc.ChainStreamInterceptor(
			middleware.StreamRequestLoggingInterceptor(log),
			m.StreamServerInterceptor(),
			middleware.StreamAuthInterceptor(validator, authOpts...),
		),
	)
}

func shutdown(httpServer *http.Server, grpcServer *grpc.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var result *multierror.Error
	if err := httpServer.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("shutdown HTTP: %w", err))
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		grpcServer.Stop()
	}

	return result.ErrorOrNil()
}

// openSnapshotBacking prefers redis over a bbolt file. With neither it
// returns a nil backing.
func openSnapshotBacking(ctx context.Context, redisURL, path string) (store.Backing, func() error, error) {
	switch {
	case redisURL != "":
		client, err := store.NewRedisClient(ctx, redisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		return store.NewRedisBacking(client), client.Close, nil
	case path != "":
		bolt, err := store.OpenBolt(path)
		if err != nil {
			return nil, nil, fmt.Errorf("open snapshot file: %w", err)
		}
		return bolt, bolt.Close, nil
	default:
		return nil, func() error { return nil }, nil
	}
}
