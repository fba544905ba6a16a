package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"tierctl-backend/services/controller/internal/actors"
	"tierctl-backend/services/controller/internal/api"
	"tierctl-backend/services/controller/internal/bandwidth"
	"tierctl-backend/services/controller/internal/bus"
	"tierctl-backend/services/controller/internal/config"
	"tierctl-backend/services/controller/internal/dsl"
	"tierctl-backend/services/controller/internal/enforcement"
	"tierctl-backend/services/controller/internal/fabric"
	"tierctl-backend/services/controller/internal/metrics"
	"tierctl-backend/services/controller/internal/registry"
	"tierctl-backend/services/controller/internal/storage"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(metrics.WithRegisterer(promRegistry))

	reg, closeRegistry, err := openRegistry(ctx, cfg.Redis)
	if err != nil {
		logger.Error("failed to open registry", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer closeRegistry()

	repo, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		logger.Error("failed to connect to db", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer closeStore()

	conn, err := bus.Connect(cfg.NATSURL)
	if err != nil {
		logger.Error("failed to connect to nats", slog.String("error", err.Error()))
		os.Exit(1)
	}
	publisher := bus.NewPublisher(conn)
	defer publisher.Close()

	var sink fabric.TelemetrySink
	if cfg.Fabric.Sink != "" {
		udp := fabric.NewUDPSink(cfg.Fabric.Sink)
		defer udp.Close()
		sink = udp
	}

	directory := fabric.NewDirectory(cfg.Fabric.Window, reg, bus.NewSubscriber(conn), sink, logger, m)
	for _, mc := range cfg.Fabric.Metrics {
		if _, err := directory.Start(ctx, mc.Name, mc.Role); err != nil {
			logger.Error("failed to start metric", slog.String("metric", mc.Name), slog.String("error", err.Error()))
			os.Exit(1)
		}
	}
	if cfg.Bandwidth.Enabled {
		if _, ok := directory.Get(cfg.Bandwidth.Metric); !ok {
			if _, err := directory.Start(ctx, cfg.Bandwidth.Metric, fabric.RoleObject); err != nil {
				logger.Error("failed to start bandwidth metric", slog.String("error", err.Error()))
				os.Exit(1)
			}
		}
	}

	client := enforcement.NewClient(cfg.Enforcement.BaseURL, cfg.Enforcement.Timeout)
	credentials := enforcement.StaticCredentials(cfg.Enforcement.Token)
	retry := enforcement.RetryPolicy{
		Mode:            cfg.Enforcement.Retry.Mode,
		MaxAttempts:     uint(cfg.Enforcement.Retry.MaxAttempts),
		InitialInterval: cfg.Enforcement.Retry.InitialInterval,
		MaxInterval:     cfg.Enforcement.Retry.MaxInterval,
	}

	runtime := actors.NewRuntime(ctx, actors.RuntimeConfig{
		Node:        cfg.Node,
		Fabric:      directory,
		Enforcer:    client,
		Credentials: credentials,
		Records:     repo,
		Retry:       retry,
		Logger:      logger,
		Metrics:     m,
	})
	compiler := dsl.NewCompiler(reg)
	if _, err := runtime.Recover(ctx, repo, compiler); err != nil {
		logger.Error("failed to recover rule actors", slog.String("error", err.Error()))
	}

	handler := &api.Handler{
		Compiler:    compiler,
		Repo:        repo,
		Runtime:     runtime,
		Fabric:      directory,
		Enforcer:    client,
		Credentials: credentials,
		Retry:       retry,
		Bus:         publisher,
		Logger:      logger,
		Timeout:     5 * time.Second,
	}

	var controller *bandwidth.Controller
	if cfg.Bandwidth.Enabled {
		controller = bandwidth.NewController(bandwidth.ControllerConfig{
			Metric:    cfg.Bandwidth.Metric,
			SLOFilter: cfg.Bandwidth.SLOFilter,
			SLOMetric: cfg.Bandwidth.SLOMetric,
			Subject:   cfg.Bandwidth.Subject,
			Params: bandwidth.Params{
				DiskCapacity:  cfg.Bandwidth.DiskCapacity,
				ProxyCapacity: cfg.Bandwidth.ProxyCapacity,
				Proxies:       cfg.Bandwidth.Proxies,
				TopUp:         cfg.Bandwidth.TopUp,
			},
			Fabric:    directory,
			SLOs:      reg,
			Store:     reg,
			Publisher: publisher,
			Logger:    logger,
			Metrics:   m,
		})
		if err := controller.Start(ctx); err != nil {
			logger.Error("failed to start bandwidth controller", slog.String("error", err.Error()))
			os.Exit(1)
		}
		handler.Bandwidth = controller
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	handler.RegisterRoutes(r)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("controller listening", slog.String("port", cfg.Port), slog.String("node", cfg.Node))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		runtime.StopAll(shutdownCtx)
		if controller != nil {
			controller.Stop(shutdownCtx)
		}
		directory.StopAll(shutdownCtx)
		logger.Info("controller stopped")
		return nil
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func openRegistry(ctx context.Context, cfg config.RedisConfig) (registry.Registry, func(), error) {
	if cfg.Addr != "" {
		r, err := registry.NewRedis(ctx, cfg.Addr, cfg.Password, cfg.DB)
		if err != nil {
			return nil, nil, err
		}
		return r, func() { _ = r.Close() }, nil
	}
	if cfg.Snapshot != "" {
		mem, err := registry.LoadSnapshot(cfg.Snapshot)
		if err != nil {
			return nil, nil, err
		}
		return mem, func() {}, nil
	}
	return registry.NewMemory(), func() {}, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (storage.PolicyStore, func(), error) {
	switch cfg.Driver {
	case "memory":
		return storage.NewMemoryRepository(), func() {}, nil
	case "pgx":
		store, err := storage.NewStore(ctx, cfg.DSN, storage.PoolOptions{MaxConns: cfg.MaxConns, PingTimeout: cfg.PingTimeout})
		if err != nil {
			return nil, nil, err
		}
		return storage.NewRepository(store), store.Close, nil
	default:
		repo, err := storage.NewSQLRepository(ctx, cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return repo, func() { _ = repo.Close() }, nil
	}
}
