// Package main is the entry point for the brokkd manager. The manager
// serves the public session and job API, owns the executor pool, and
// proxies job traffic to the child processes it spawns.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BrokkAi/brokkd/internal/common/config"
	"github.com/BrokkAi/brokkd/internal/common/logger"
	"github.com/BrokkAi/brokkd/internal/common/tracing"
	"github.com/BrokkAi/brokkd/internal/events"
	managerapi "github.com/BrokkAi/brokkd/internal/manager/api"
	"github.com/BrokkAi/brokkd/internal/manager/pool"
	"github.com/BrokkAi/brokkd/internal/registry"
	"github.com/BrokkAi/brokkd/internal/token"
	"github.com/BrokkAi/brokkd/internal/worktree"
	"github.com/BrokkAi/brokkd/pkg/protocol"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	if cfg.Manager.ManagerID == "" {
		cfg.Manager.ManagerID = uuid.New().String()
	}
	log.Info("starting brokkd manager",
		zap.String("manager_id", cfg.Manager.ManagerID),
		zap.String("listen_addr", cfg.Manager.ListenAddr),
		zap.Int("pool_size", cfg.Manager.PoolSize))

	// Event bus: NATS when configured, otherwise in-memory.
	providedBus, closeBus, err := events.Provide(cfg)
	if err != nil {
		log.Fatal("failed to initialize event bus", zap.Error(err))
	}
	defer closeBus()
	if providedBus.NATS != nil {
		log.Info("connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	}

	worktreeBase, err := config.ExpandHome(cfg.Worktree.BaseDir)
	if err != nil {
		log.Fatal("failed to resolve worktree base dir", zap.Error(err))
	}
	provisioner, err := worktree.NewProvisioner(worktreeBase, log)
	if err != nil {
		log.Fatal("failed to initialize worktree provisioner", zap.Error(err))
	}

	executorDataDir, err := config.ExpandHome(cfg.Executor.DataDir)
	if err != nil {
		log.Fatal("failed to resolve executor data dir", zap.Error(err))
	}
	launcher := pool.NewProcessLauncher(cfg.Executor.Binary, pool.ChildOptions{
		DataDir:  executorDataDir,
		DBDriver: cfg.Database.Driver,
		DBDSN:    cfg.Database.DSN,
	}, log)

	executorPool := pool.New(launcher, provisioner, providedBus.Bus, cfg.Manager.PoolSize, log)

	tokens, err := token.NewService(cfg.Manager.AuthToken)
	if err != nil {
		log.Fatal("failed to initialize token service", zap.Error(err))
	}

	server := managerapi.NewServer(cfg.Manager, executorPool, provisioner, tokens, log)
	server.StartEviction()
	defer server.Close()

	// Instance registry heartbeat for local discovery.
	if cfg.Registry.Enabled {
		registryDir, err := config.ExpandHome(cfg.Registry.Dir)
		if err != nil {
			log.Fatal("failed to resolve registry dir", zap.Error(err))
		}
		reg, err := registry.New(registryDir, registry.InstanceRecord{
			InstanceID: cfg.Manager.ManagerID,
			ListenAddr: cfg.Manager.ListenAddr,
			Version:    protocol.Version,
		}, log)
		if err != nil {
			log.Fatal("failed to initialize instance registry", zap.Error(err))
		}
		reg.Start(cfg.Registry.HeartbeatDuration())
		defer func() {
			if err := reg.Close(); err != nil {
				log.Error("failed to remove instance record", zap.Error(err))
			}
		}()
	}

	httpServer := &http.Server{
		Addr:         cfg.Manager.ListenAddr,
		Handler:      server.Router(),
		ReadTimeout:  cfg.Manager.ReadTimeoutDuration(),
		WriteTimeout: cfg.Manager.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server starting", zap.String("address", cfg.Manager.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down brokkd manager...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop accepting requests, then tear down the children.
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error("error shutting down HTTP server", zap.Error(err))
	}
	executorPool.ShutdownAll(ctx)

	if err := tracing.Shutdown(ctx); err != nil {
		log.Error("error shutting down tracing", zap.Error(err))
	}

	log.Info("brokkd manager stopped")
}
