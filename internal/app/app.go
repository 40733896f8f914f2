// Package app provides the top-level application lifecycle for
// marketlib. It wires together all dependencies (venue clients, stores,
// caches, blob storage, and notifications) and runs the operation
// selected by the configured mode.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mazstick/marketlib/internal/config"
	"github.com/mazstick/marketlib/internal/notify"
)

// App is the root application object. It owns the configuration, logger,
// and a list of cleanup functions that are called in reverse order on
// shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run is the main entry point. It wires all dependencies, selects the
// operating mode and blocks until the mode finishes or the context is
// cancelled.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("venue", a.cfg.Data.Venue),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	err = a.runMode(ctx, deps)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.notifyError(deps.Notifier, err)
	}
	return err
}

func (a *App) runMode(ctx context.Context, deps *Dependencies) error {
	switch strings.ToLower(a.cfg.Mode) {
	case "backtest":
		return a.BacktestMode(ctx, deps)
	case "fetch":
		return a.FetchMode(ctx, deps)
	case "scan":
		return a.ScanMode(ctx, deps)
	case "record":
		return a.RecordMode(ctx, deps)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// notifyError alerts operators that a mode died. The run context is
// usually gone by now, so the send gets its own deadline.
func (a *App) notifyError(notifier *notify.Notifier, cause error) {
	if notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	title := fmt.Sprintf("Mode %s failed", a.cfg.Mode)
	if err := notifier.Notify(ctx, notify.EventError, title, cause.Error()); err != nil {
		a.logger.Warn("error notification failed", slog.String("error", err.Error()))
	}
}

// Close tears down all resources in reverse registration order. It is
// safe to call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
