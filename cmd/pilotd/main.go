// Package main is the entry point for the pilotd control-plane daemon.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pilotd/pilotd/internal/actions/executor"
	"github.com/pilotd/pilotd/internal/common/config"
	"github.com/pilotd/pilotd/internal/common/logger"
	"github.com/pilotd/pilotd/internal/events"
	"github.com/pilotd/pilotd/internal/extensions/audit"
	"github.com/pilotd/pilotd/internal/extensions/builtin"
	"github.com/pilotd/pilotd/internal/extensions/inventory"
	"github.com/pilotd/pilotd/internal/extensions/manifest"
	"github.com/pilotd/pilotd/internal/extensions/runtime"
	"github.com/pilotd/pilotd/internal/extensions/trust"
	gatewayhttp "github.com/pilotd/pilotd/internal/gateway/http"
	"github.com/pilotd/pilotd/internal/gateway/streaming"
	"github.com/pilotd/pilotd/internal/orchestrator/jobs"
	"github.com/pilotd/pilotd/internal/orchestrator/queue"
	"github.com/pilotd/pilotd/internal/orchestrator/registry"
	"github.com/pilotd/pilotd/internal/orchestrator/snapshot"
	"github.com/pilotd/pilotd/internal/profile"
	"github.com/pilotd/pilotd/internal/store"
)

// coreAPIVersion is the host's extension API version, matched against
// manifest runtime requirements.
const coreAPIVersion = "1.0.0"

const hostProfileName = "pilot"
const hostProfileVersion = "1.0.0"

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	logCfg := logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	}
	log, err := logger.NewLogger(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting pilotd...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Open the session and audit store
	dbPath, err := expandHome(cfg.Database.Path)
	if err != nil {
		log.Fatal("Failed to resolve database path", zap.Error(err))
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		log.Fatal("Failed to create database directory", zap.Error(err))
	}
	st, err := store.Open(dbPath)
	if err != nil {
		log.Fatal("Failed to open store", zap.Error(err))
	}
	defer st.Close()
	log.Info("Store opened", zap.String("path", dbPath))

	// 5. Connect the event bus. An empty NATS URL selects the in-process bus.
	eventBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer closeBus()

	// 6. Connect the profile adapter and register the job definitions
	adapter := profile.NewClient(cfg.Profile.BaseURL, cfg.Profile.Timeout(), log)
	reg := registry.NewRegistry()
	if err := jobs.RegisterAll(reg, adapter, st); err != nil {
		log.Fatal("Failed to register job definitions", zap.Error(err))
	}

	// 7. Start the orchestrator queue
	snapshotPath, err := expandHome(cfg.Queue.SnapshotPath)
	if err != nil {
		log.Fatal("Failed to resolve snapshot path", zap.Error(err))
	}
	if err := os.MkdirAll(filepath.Dir(snapshotPath), 0o755); err != nil {
		log.Fatal("Failed to create snapshot directory", zap.Error(err))
	}
	jobStore := snapshot.NewStore(snapshotPath, log)
	defer jobStore.Close()

	queueCfg := queue.DefaultConfig()
	queueCfg.GlobalConcurrency = cfg.Queue.GlobalConcurrency
	queueCfg.MaxPerProject = cfg.Queue.MaxPerProject
	queueCfg.MaxGlobal = cfg.Queue.MaxGlobal
	queueCfg.MaxAttempts = cfg.Queue.MaxAttempts
	queueCfg.DefaultTimeout = cfg.Queue.DefaultTimeout()
	queueCfg.BackgroundAging = cfg.Queue.BackgroundAging()
	queueCfg.MaxInteractiveBurst = cfg.Queue.MaxInteractiveBurst
	queueCfg.RetainedPerProject = cfg.Queue.RetainedPerProject
	queueCfg.DrainTimeout = cfg.Queue.DrainTimeout()

	q := queue.New(reg, jobStore, eventBus, adapter, log, queueCfg)
	if cfg.Queue.Enabled {
		if err := q.Start(ctx); err != nil {
			log.Fatal("Failed to start queue", zap.Error(err))
		}
		log.Info("Orchestrator queue started")
	} else {
		log.Warn("Orchestrator queue disabled by configuration")
	}

	// 8. Load the extension runtime
	set := runtime.NewEntrypointSet()
	if err := builtin.RegisterAll(set); err != nil {
		log.Fatal("Failed to register built-in entrypoints", zap.Error(err))
	}
	rt := runtime.New(set, runtime.Config{
		TrustMode: trust.Normalize(cfg.Extensions.TrustMode),
		Roots: inventory.Roots{
			RepoRoot:        cfg.Extensions.RepoRoot,
			PackageRoots:    cfg.Extensions.PackageRoots,
			ConfiguredRoots: cfg.Extensions.ConfiguredRoots,
		},
		HandlerTimeout: cfg.Extensions.HandlerTimeout(),
		Host: manifest.HostInfo{
			CoreAPIVersion: coreAPIVersion,
			ProfileName:    hostProfileName,
			ProfileVersion: hostProfileVersion,
		},
	}, log)
	if err := rt.Load(); err != nil {
		log.Fatal("Failed to load extension modules", zap.Error(err))
	}

	auditor := audit.NewRecorder(st, log)
	auditor.RecordSnapshot(ctx, rt.SnapshotInfo().Version, rt.ListLoadedModules(), rt.ModuleErrors())
	log.Info("Extension runtime loaded", zap.Int("modules", len(rt.ListLoadedModules())))

	// 9. Create the action executor
	exec, err := executor.New(adapter, q, log)
	if err != nil {
		log.Fatal("Failed to create action executor", zap.Error(err))
	}

	// 10. Tools handed to extension handlers during dispatch
	tools := &runtime.Tools{
		Enqueue: q.Enqueue,
		ReadSession: func(sessionID string) (map[string]interface{}, error) {
			session, err := st.GetSession(context.Background(), sessionID)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"id":             session.ID,
				"projectId":      session.ProjectID,
				"title":          session.Title,
				"summary":        session.Summary,
				"approvalPolicy": session.ApprovalPolicy,
				"metadata":       session.Metadata,
			}, nil
		},
	}

	// 11. Build the HTTP API
	router := gatewayhttp.NewRouter(gatewayhttp.Services{
		Queue:    q,
		Runtime:  rt,
		Executor: exec,
		Store:    st,
		Tools:    tools,
		Audit:    auditor,
	}, log)

	// 12. WebSocket hub bridging queue events to project subscribers
	hub := streaming.NewHub(log)
	go hub.Run(ctx)

	bridge := streaming.NewBridge(hub, eventBus, log)
	if err := bridge.Start(); err != nil {
		log.Fatal("Failed to start job event bridge", zap.Error(err))
	}
	defer bridge.Stop()

	wsHandler := streaming.NewWSHandler(hub, log)
	streaming.SetupRoutes(router.Group("/api/v1"), wsHandler)

	// 13. Start the HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	// 14. Wait for shutdown signal or server failure
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case <-gctx.Done():
	}

	// 15. Graceful shutdown: stop intake, drain running jobs, flush state
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if cfg.Queue.Enabled {
		if err := q.Stop(shutdownCtx); err != nil {
			log.Error("Queue shutdown error", zap.Error(err))
		}
	}
	if err := g.Wait(); err != nil {
		log.Error("HTTP server error", zap.Error(err))
	}

	log.Info("pilotd stopped")
}

// expandHome resolves a leading "~/" against the current user's home
// directory.
func expandHome(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot resolve home directory: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}
