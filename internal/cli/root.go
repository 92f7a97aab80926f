// Package cli implements the devchain command-line interface: one root
// command that loads configuration, wires the orchestrator, and serves
// until interrupted.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/devchain/devchain/internal/config"
)

// Exit codes for the devchain binary.
const (
	ExitOK     = 0
	ExitFatal  = 1
	ExitBadEnv = 2
)

// errBadEnv marks configuration validation failures so Execute can map
// them to ExitBadEnv.
var errBadEnv = errors.New("invalid environment")

var rootCmd = &cobra.Command{
	Use:   "devchain",
	Short: "Local-first orchestrator for AI coding agents",
	Long: `devchain runs AI coding agents in isolated git worktrees, merges the
work they track back into the main project, and exposes each worktree
over a local reverse proxy.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

// Execute runs the root command and returns the process exit code:
// 0 on success, 1 on fatal startup errors, 2 on environment
// validation failures.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "devchain:", err)
		if errors.Is(err, errBadEnv) {
			return ExitBadEnv
		}
		return ExitFatal
	}
	return ExitOK
}

func run(ctx context.Context) error {
	cfg, err := config.Load(".")
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", errBadEnv, err)
	}

	logger := newLogger(os.Stderr)
	slog.SetDefault(logger)

	app, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	return app.Run(ctx)
}

// newLogger picks the slog handler for the process: human-readable
// text on a terminal, JSON when the output is captured.
func newLogger(w *os.File) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if isatty.IsTerminal(w.Fd()) || isatty.IsCygwinTerminal(w.Fd()) {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
