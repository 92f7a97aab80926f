package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/devchain/devchain/internal/config"
	"github.com/devchain/devchain/internal/db"
	"github.com/devchain/devchain/internal/events"
	"github.com/devchain/devchain/internal/git"
	"github.com/devchain/devchain/internal/mcp"
	"github.com/devchain/devchain/internal/preflight"
	"github.com/devchain/devchain/internal/proxy"
	"github.com/devchain/devchain/internal/realtime"
	"github.com/devchain/devchain/internal/session"
	"github.com/devchain/devchain/internal/taskmerge"
	"github.com/devchain/devchain/internal/template"
	"github.com/devchain/devchain/internal/tmux"
	"github.com/devchain/devchain/internal/worktree"
)

const shutdownGrace = 5 * time.Second

// App is the fully wired orchestrator: every component constructed and
// connected, ready to serve.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	store     *db.DB
	gitRunner *git.Runner
	hub       *realtime.Hub
	bus       *events.Bus

	Worktrees *worktree.Service
	Overview  *worktree.Overview
	TaskMerge *taskmerge.Engine
	Mcp       *mcp.Coordinator
	Preflight *preflight.Checker
	Sessions  *session.Launcher
}

// newApp builds the orchestrator from a validated configuration.
func newApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	repoRoot := cfg.RepoRoot
	if repoRoot == "" {
		repoRoot = "."
	}
	repoRoot, err := filepath.Abs(repoRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve repo root: %w", err)
	}

	dbURL := cfg.DatabaseURL
	if dbURL == "" {
		dbURL = filepath.Join(repoRoot, ".devchain", "devchain.db")
	}
	store, err := db.Open(dbURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	execRunner := git.NewExecRunner()
	worktreesRoot := cfg.ResolveWorktreesRoot(repoRoot)
	dataRoot := cfg.ResolveWorktreesDataRoot(repoRoot)
	gitRunner := git.NewRunner(repoRoot, worktreesRoot,
		git.WithCommandRunner(execRunner), git.WithLogger(logger))

	hub := realtime.NewHub(logger)
	bus := events.NewBus(store, hub, logger)

	engine := taskmerge.NewEngine(taskmerge.EngineOptions{
		Store:      store,
		Logger:     logger,
		MainImport: cfg.Mode == config.ModeMain,
		RepoRoot:   repoRoot,
	})
	if err := engine.Subscribe(bus); err != nil {
		store.Close()
		gitRunner.Close()
		return nil, err
	}

	templatesDir := cfg.TemplatesDir
	if templatesDir == "" {
		templatesDir = filepath.Join(repoRoot, ".devchain", "templates")
	}

	svc := worktree.NewService(worktree.ServiceOptions{
		Store:       store,
		Git:         gitRunner,
		Container:   worktree.NewDockerRuntime(execRunner, "", dataRoot, cfg.DockerProbeTTL),
		Process:     worktree.NewProcessRuntime(dataRoot),
		TaskMerge:   engine,
		Bus:         bus,
		Realtime:    hub,
		Templates:   template.NewResolver(templatesDir),
		Logger:      logger,
		RepoRoot:    repoRoot,
		HealthTotal: config.DefaultHealthWaitTotal,
	})

	overview := worktree.NewOverview(store, gitRunner, config.DefaultOverviewCacheTTL, logger)

	// The coordinator invalidates preflight results whenever it changes
	// provider configuration; the checker is built right after it.
	var checker *preflight.Checker
	coordinator := mcp.NewCoordinator(mcp.CoordinatorOptions{
		Store:    store,
		Runner:   execRunner,
		Endpoint: cfg.McpEndpoint(),
		Logger:   logger,
		Timeout:  config.DefaultProviderCLITimeout,
		OnChange: func() {
			if checker != nil {
				checker.InvalidateCache()
			}
		},
	})

	tm := tmux.New()
	checker = preflight.NewChecker(preflight.CheckerOptions{
		Store:  store,
		Config: cfg,
		Tmux:   tm,
		Mcp:    coordinator,
		Logger: logger,
		TTL:    config.DefaultPreflightCacheTTL,
	})

	launcher := session.NewLauncher(session.LauncherOptions{
		Store:     store,
		Tmux:      tm,
		Locks:     session.NewAgentLocks(),
		Preflight: checker,
		Mcp:       coordinator,
		Realtime:  hub,
		Bus:       bus,
		Logger:    logger,
	})

	return &App{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		gitRunner: gitRunner,
		hub:       hub,
		bus:       bus,
		Worktrees: svc,
		Overview:  overview,
		TaskMerge: engine,
		Mcp:       coordinator,
		Preflight: checker,
		Sessions:  launcher,
	}, nil
}

// Run serves the orchestrator until the context is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.bus.StartRetentionSweep(ctx, config.DefaultRetentionSweepEvery)

	if report, err := a.Preflight.Run(ctx, ""); err != nil {
		a.logger.Warn("startup preflight failed", "error", err)
	} else {
		a.logger.Info("startup preflight", "status", report.Status)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", a.cfg.Port, err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	if a.cfg.PortFile != "" {
		if err := writePortFile(a.cfg.PortFile, port); err != nil {
			ln.Close()
			return err
		}
	}

	srv := &http.Server{Handler: a.routes()}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	a.logger.Info("devchain listening", "port", port, "mode", string(a.cfg.Mode))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		srv.Close()
	}
	if a.cfg.PortFile != "" {
		os.Remove(a.cfg.PortFile)
	}
	return nil
}

// routes assembles the HTTP surface: the worktree reverse proxy, the
// realtime websocket, and a health endpoint.
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(proxy.Prefix, proxy.NewHandler(a.store, a.logger))
	mux.Handle("/ws", a.hub)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	return mux
}

// Close releases everything newApp opened.
func (a *App) Close() {
	a.hub.Close()
	a.gitRunner.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close database", "error", err)
	}
}
