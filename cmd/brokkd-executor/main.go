// Package main is the entry point for the brokkd-executor binary. The pool
// starts one executor per session; it serves the per-session job API on
// loopback, runs the agent, and persists jobs and their event logs.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/BrokkAi/brokkd/internal/common/logger"
	"github.com/BrokkAi/brokkd/internal/db"
	"github.com/BrokkAi/brokkd/internal/db/dialect"
	"github.com/BrokkAi/brokkd/internal/executor/api"
	"github.com/BrokkAi/brokkd/internal/executor/config"
	"github.com/BrokkAi/brokkd/internal/executor/runner"
	"github.com/BrokkAi/brokkd/internal/executor/store"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		OutputPath: "stdout",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	log = log.WithExecID(cfg.ExecID)

	log.Info("starting brokkd executor",
		zap.String("listen_addr", cfg.ListenAddr),
		zap.String("workspace_dir", cfg.WorkspaceDir),
		zap.String("db_driver", cfg.DBDriver))

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatal("failed to create data dir", zap.Error(err))
	}

	driver := dialect.SQLite3
	if cfg.DBDriver == "postgres" {
		driver = dialect.PGX
	}
	dbPool, err := db.Open(driver, cfg.DatabaseDSN())
	if err != nil {
		log.Fatal("failed to open job store database", zap.Error(err))
	}
	defer dbPool.Close()

	jobStore, err := store.NewStore(dbPool, cfg.DataDir)
	if err != nil {
		log.Fatal("failed to initialize job store", zap.Error(err))
	}
	defer jobStore.Close()

	worker := runner.NewWorker(jobStore, runner.Scripted{})
	worker.Start()

	server := api.NewServer(cfg, jobStore, worker, log)
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Router(),
	}

	go func() {
		log.Info("HTTP server starting", zap.String("address", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	// The parent sends SIGTERM on shutdown; Pdeathsig delivers it too if
	// the parent dies.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down brokkd executor...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error("error shutting down HTTP server", zap.Error(err))
	}
	worker.Stop()

	log.Info("brokkd executor stopped")
}
