package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Fantasim/chainwatch/internal/api"
	"github.com/Fantasim/chainwatch/internal/callback"
	"github.com/Fantasim/chainwatch/internal/config"
	"github.com/Fantasim/chainwatch/internal/db"
	"github.com/Fantasim/chainwatch/internal/logging"
	"github.com/Fantasim/chainwatch/internal/models"
	"github.com/Fantasim/chainwatch/internal/nodesync"
	"github.com/Fantasim/chainwatch/internal/watcher"
)

func main() {
	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logging.
	logCloser, err := logging.Setup(cfg.LogLevel, cfg.LogDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	slog.Info("watcherd starting",
		"port", cfg.Port,
		"network", cfg.Network,
		"dbPath", cfg.DBPath,
		"rpcHost", cfg.RPCHost,
		"pollInterval", cfg.PollIntervalSec,
	)

	// Open database and run migrations.
	store, err := db.New(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := store.RunMigrations(); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	slog.Info("database ready", "path", cfg.DBPath)

	// Callback executor.
	executor := callback.NewExecutor(store, cfg.CallbackRPS, time.Duration(cfg.CallbackTimeout)*time.Second)

	// Watchers: one transaction watcher plus one balance watcher per property.
	txWatcher := watcher.NewTransactionConfirmationWatcher(store, executor)

	properties, err := cfg.PropertyList()
	if err != nil {
		slog.Error("invalid property list", "error", err)
		os.Exit(1)
	}
	balanceWatchers := make(map[models.PropertyID]*watcher.BalanceWatcher, len(properties))
	for _, p := range properties {
		balanceWatchers[p] = watcher.NewBalanceWatcher(p, store, executor)
	}

	// Restore timers for rules that were waiting when the process last stopped.
	resumeCtx, resumeCancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	if err := txWatcher.Resume(resumeCtx); err != nil {
		resumeCancel()
		slog.Error("failed to resume transaction watcher", "error", err)
		os.Exit(1)
	}
	for _, bw := range balanceWatchers {
		if err := bw.Resume(resumeCtx); err != nil {
			resumeCancel()
			slog.Error("failed to resume balance watcher", "property", bw.Property(), "error", err)
			os.Exit(1)
		}
	}
	resumeCancel()

	// Node synchronizer feeding both watcher families in chain order.
	parser := nodesync.NewNativeParser(cfg.ChainParams())
	client, err := nodesync.NewRPCClient(cfg, parser)
	if err != nil {
		slog.Error("failed to connect to node", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	listeners := []nodesync.BlockListener{txWatcher}
	for _, bw := range balanceWatchers {
		listeners = append(listeners, bw)
	}
	sync := nodesync.NewSynchronizer(client, store, time.Duration(cfg.PollIntervalSec)*time.Second, listeners...)

	syncCtx, syncCancel := context.WithCancel(context.Background())
	syncDone := make(chan struct{})
	go func() {
		defer close(syncDone)
		if err := sync.Run(syncCtx); err != nil && syncCtx.Err() == nil {
			slog.Error("synchronizer stopped", "error", err)
		}
	}()

	// HTTP server.
	deps := &api.Dependencies{
		DB:              store,
		TxWatcher:       txWatcher,
		BalanceWatchers: balanceWatchers,
		Config:          cfg,
	}
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(deps),
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: config.ServerWriteTimeout,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "error", err)
			done <- syscall.SIGTERM
		}
	}()

	<-done
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown failed", "error", err)
	}

	// Stop feeding block events before draining the timers.
	syncCancel()
	<-syncDone

	if err := txWatcher.Shutdown(shutdownCtx); err != nil {
		slog.Error("transaction watcher shutdown failed", "error", err)
	}
	for _, bw := range balanceWatchers {
		if err := bw.Shutdown(shutdownCtx); err != nil {
			slog.Error("balance watcher shutdown failed", "property", bw.Property(), "error", err)
		}
	}

	if err := executor.Close(shutdownCtx); err != nil {
		slog.Error("callback executor drain failed", "error", err)
	}

	slog.Info("watcherd stopped")
}
