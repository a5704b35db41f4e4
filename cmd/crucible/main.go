package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Strob0t/Crucible/internal/adapter/bolt"
	"github.com/Strob0t/Crucible/internal/adapter/docker"
	cruhttp "github.com/Strob0t/Crucible/internal/adapter/http"
	"github.com/Strob0t/Crucible/internal/adapter/inference"
	"github.com/Strob0t/Crucible/internal/adapter/mcp"
	crunats "github.com/Strob0t/Crucible/internal/adapter/nats"
	"github.com/Strob0t/Crucible/internal/adapter/natskv"
	"github.com/Strob0t/Crucible/internal/adapter/otel"
	"github.com/Strob0t/Crucible/internal/adapter/postgres"
	"github.com/Strob0t/Crucible/internal/adapter/ristretto"
	"github.com/Strob0t/Crucible/internal/adapter/tiered"
	"github.com/Strob0t/Crucible/internal/adapter/ws"
	"github.com/Strob0t/Crucible/internal/artifacts"
	"github.com/Strob0t/Crucible/internal/config"
	"github.com/Strob0t/Crucible/internal/contract"
	"github.com/Strob0t/Crucible/internal/git"
	"github.com/Strob0t/Crucible/internal/logger"
	"github.com/Strob0t/Crucible/internal/port/a2a"
	"github.com/Strob0t/Crucible/internal/port/cache"
	"github.com/Strob0t/Crucible/internal/port/database"
	"github.com/Strob0t/Crucible/internal/resilience"
	"github.com/Strob0t/Crucible/internal/secrets"
	"github.com/Strob0t/Crucible/internal/service"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "admin" {
		if err := runAdmin(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser := logger.New(cfg.Logging)
	defer logCloser.Close()
	slog.SetDefault(log)

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"store", cfg.Database.Driver,
		"default_backend", cfg.Agent.DefaultBackend,
	)

	ctx := context.Background()

	shutdownOTel, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		if err := shutdownOTel(context.Background()); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	}()

	// --- Persistence ---
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	// --- Messaging and caches ---
	var queue *crunats.Queue
	var idem cache.Cache
	if cfg.NATS.URL != "" {
		queue, err = crunats.Connect(ctx, cfg.NATS.URL, cfg.NATS.StreamName)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() { _ = queue.Drain() }()

		l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB << 20)
		if err != nil {
			return fmt.Errorf("l1 cache: %w", err)
		}
		kv, err := queue.KeyValue(ctx, cfg.Cache.L2Bucket, cfg.Cache.L2TTL)
		if err != nil {
			return fmt.Errorf("l2 cache: %w", err)
		}
		idem = tiered.New(l1, natskv.New(kv), cfg.Cache.L2TTL)
	}

	// --- Secrets and artifacts ---
	vault, err := secrets.NewVault(secrets.EnvLoader())
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}
	masker := secrets.NewMasker(vault)

	art, err := artifacts.NewStore(cfg.Artifacts.Dir, cfg.Artifacts.ScratchDir, masker)
	if err != nil {
		return fmt.Errorf("artifacts: %w", err)
	}

	// --- Contracts ---
	contracts, err := contract.NewRegistry()
	if err != nil {
		return fmt.Errorf("contracts: %w", err)
	}
	if cfg.Agent.ContractDir != "" {
		if err := contracts.LoadDir(cfg.Agent.ContractDir); err != nil {
			return fmt.Errorf("contracts: %w", err)
		}
	}

	// --- Sandbox runtime and diff service ---
	runtime := docker.NewClient(docker.Config{
		Binary:      cfg.Sandbox.Binary,
		TmpfsSize:   cfg.Sandbox.TmpfsSize,
		DefaultUser: cfg.Sandbox.User,
	})
	diff := git.NewService(git.NewPool(cfg.Git.MaxConcurrent))

	// --- Lifecycle manager ---
	hub := ws.NewHub()
	mgr := service.NewManager(cfg, store, runtime, art, contracts, diff, hub)
	if queue != nil {
		mgr.SetQueue(queue)
		cancelSubmit, err := mgr.SubscribeSubmissions(ctx, queue)
		if err != nil {
			return err
		}
		defer cancelSubmit()
	}

	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	mgr.SetObserver(otel.NewRunObserver(metrics))

	// --- Inference supervisor ---
	infClient := inference.NewClient(cfg.Inference.URL)
	infClient.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))
	if sup := service.NewSupervisor(cfg.Inference, infClient); sup != nil {
		if err := sup.Start(ctx); err != nil {
			return fmt.Errorf("inference supervisor: %w", err)
		}
		defer sup.Stop()
	}

	// --- HTTP control surface ---
	handlers := cruhttp.NewHandlers(mgr, store)
	router := cruhttp.NewRouter(cfg, handlers, hub, idem)
	if cfg.A2A.Enabled {
		a2a.NewHandler(cfg.A2A.BaseURL, mgr).MountRoutes(router)
	}
	srv := cruhttp.NewServer(cfg.Server, router)

	errCh := make(chan error, 2)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	// --- MCP control surface ---
	var mcpServer *mcp.Server
	if cfg.MCP.Enabled {
		mcpServer = mcp.NewServer(":"+cfg.MCP.Port, mgr)
		go func() {
			if err := mcpServer.Start(); err != nil {
				errCh <- fmt.Errorf("mcp server: %w", err)
			}
		}()
	}

	// --- Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	if mcpServer != nil {
		if err := mcpServer.Stop(shutdownCtx); err != nil {
			slog.Warn("mcp shutdown", "error", err)
		}
	}
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		return err
	}
	slog.Info("shutdown complete")
	return nil
}

// openStore opens the configured run store backend.
func openStore(ctx context.Context, cfg *config.Config) (database.Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		if err := postgres.RunMigrations(ctx, cfg.Database.Postgres.DSN); err != nil {
			return nil, fmt.Errorf("migrations: %w", err)
		}
		pool, err := postgres.NewPool(ctx, cfg.Database.Postgres)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		return postgres.NewStore(pool), nil
	case "bolt", "":
		st, err := bolt.Open(cfg.Database.Bolt.Path)
		if err != nil {
			return nil, fmt.Errorf("bolt: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}
