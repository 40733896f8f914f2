package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mazstick/marketlib/internal/backtest"
	"github.com/mazstick/marketlib/internal/dataio"
	"github.com/mazstick/marketlib/internal/domain"
	"github.com/mazstick/marketlib/internal/feed"
	"github.com/mazstick/marketlib/internal/notify"
	"github.com/mazstick/marketlib/internal/service"
	"github.com/mazstick/marketlib/internal/strategy"
)

const (
	// scanWindow is how many closed bars the live scanner keeps per
	// symbol. Seeding fetches the same amount of history.
	scanWindow = 200

	// recordPollInterval is how often record mode samples the price.
	recordPollInterval = 5 * time.Second
)

// BacktestMode runs one backtest over the configured dataset and
// reports the outcome.
func (a *App) BacktestMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting backtest mode")

	tf, err := domain.ParseTimeframe(a.cfg.Data.Timeframe)
	if err != nil {
		return fmt.Errorf("backtest mode: %w", err)
	}
	strat, err := a.newStrategy()
	if err != nil {
		return fmt.Errorf("backtest mode: %w", err)
	}

	dump, err := json.Marshal(struct {
		Engine   backtest.RunnerConfig `json:"engine"`
		Strategy strategy.Config       `json:"strategy"`
	}{a.cfg.Backtest, a.cfg.Strategy})
	if err != nil {
		return fmt.Errorf("backtest mode: marshal config: %w", err)
	}

	svc := service.NewBacktestService(
		a.marketService(deps),
		deps.RunStore,
		deps.TradeStore,
		deps.PositionStore,
		deps.Archiver,
		deps.BlobReader,
		deps.Notifier,
		a.logger,
	)

	from, to := a.cfg.Data.Range(time.Now().UTC())
	result, err := svc.Execute(ctx, service.RunRequest{
		File:       a.cfg.Data.File,
		Symbol:     a.cfg.Data.Symbol,
		Timeframe:  tf,
		From:       from,
		To:         to,
		Strategy:   strat,
		Engine:     a.cfg.Backtest,
		ConfigDump: dump,
	})
	if err != nil {
		return fmt.Errorf("backtest mode: %w", err)
	}

	sum := result.Summary
	a.logger.InfoContext(ctx, "backtest summary",
		slog.Int("trades", sum.Trades),
		slog.Float64("win_rate", sum.WinRate),
		slog.Float64("total_pnl", sum.TotalPnL),
		slog.Float64("fees_paid", sum.FeesPaid),
		slog.Float64("profit_factor", sum.ProfitFactor),
		slog.Float64("max_drawdown", sum.MaxDrawdown),
		slog.Int("open_positions", sum.OpenPositions),
	)
	return nil
}

// FetchMode downloads candle history for every configured symbol and
// writes one dataset file per symbol.
func (a *App) FetchMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting fetch mode")

	tf, err := domain.ParseTimeframe(a.cfg.Data.Timeframe)
	if err != nil {
		return fmt.Errorf("fetch mode: %w", err)
	}
	outDir := a.cfg.Data.OutputDir
	if outDir == "" {
		outDir = "."
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("fetch mode: create output dir: %w", err)
	}

	market := a.marketService(deps)
	from, to := a.cfg.Data.Range(time.Now().UTC())
	sets, err := market.FetchAll(ctx, a.cfg.Data.AllSymbols(), tf, from, to)
	if err != nil {
		return fmt.Errorf("fetch mode: %w", err)
	}

	for symbol, candles := range sets {
		if len(candles) == 0 {
			a.logger.WarnContext(ctx, "no candles in range", slog.String("symbol", symbol))
			continue
		}
		series, err := domain.NewSeries(symbol, tf, candles)
		if err != nil {
			return fmt.Errorf("fetch mode: series %s: %w", symbol, err)
		}

		path := filepath.Join(outDir, fmt.Sprintf("%s_%s.csv", strings.ToLower(symbol), tf))
		if err := dataio.WriteFile(path, series); err != nil {
			return fmt.Errorf("fetch mode: write %s: %w", path, err)
		}
		a.logger.InfoContext(ctx, "dataset written",
			slog.String("path", path),
			slog.Int("candles", series.Len()),
		)

		if deps.Archiver != nil {
			archived, err := deps.Archiver.ArchiveDataset(ctx, market.Venue(), series)
			if err != nil {
				return fmt.Errorf("fetch mode: archive %s: %w", symbol, err)
			}
			a.logger.InfoContext(ctx, "dataset archived", slog.String("path", archived))
		}
	}
	return nil
}

// ScanMode streams live klines and runs the configured strategy over
// them, publishing fired signals.
func (a *App) ScanMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting scan mode")

	if !strings.EqualFold(a.cfg.Data.Venue, "binance") {
		return fmt.Errorf("scan mode: live klines are only streamed from binance, got venue %q", a.cfg.Data.Venue)
	}
	tf, err := domain.ParseTimeframe(a.cfg.Data.Timeframe)
	if err != nil {
		return fmt.Errorf("scan mode: %w", err)
	}
	strat, err := a.newStrategy()
	if err != nil {
		return fmt.Errorf("scan mode: %w", err)
	}

	symbols := a.cfg.Data.AllSymbols()
	market := a.marketService(deps)
	scanner := service.NewScannerService(strat, scanWindow, deps.Notifier, deps.SignalStore, deps.SignalBus, a.logger)

	// Seed windows from history so the first live bar can already fire.
	to := time.Now().UTC()
	from := to.Add(-time.Duration(scanWindow+2) * tf.Duration())
	history, err := market.FetchAll(ctx, symbols, tf, from, to)
	if err != nil {
		a.logger.WarnContext(ctx, "seeding from history failed, windows fill from live bars",
			slog.String("error", err.Error()),
		)
	} else {
		for symbol, candles := range history {
			scanner.Seed(symbol, candles)
		}
	}

	ws := feed.NewBinanceWS(a.cfg.Binance.WSURL, symbols, tf, a.logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer ws.Close()
		err := ws.Run(ctx)
		if err != nil && ctx.Err() == nil {
			a.notifyFeedDown(deps.Notifier, err)
		}
		return err
	})
	g.Go(func() error {
		return scanner.Run(ctx, ws.Events())
	})
	return g.Wait()
}

// RecordMode samples the latest traded price on an interval and appends
// it to a tick CSV, rotating the file when it reaches max_rows.
func (a *App) RecordMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting record mode",
		slog.String("path", a.cfg.Record.Path),
		slog.String("symbol", a.cfg.Data.Symbol),
	)

	market := a.marketService(deps)
	writer, err := dataio.NewTickWriter(a.cfg.Record.Path, a.cfg.Record.FlushEvery)
	if err != nil {
		return fmt.Errorf("record mode: %w", err)
	}

	rows := 0
	ticker := time.NewTicker(recordPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := writer.Close(); err != nil {
				a.logger.Warn("closing tick writer", slog.String("error", err.Error()))
			}
			return ctx.Err()
		case <-ticker.C:
			price, err := market.LatestPrice(ctx, a.cfg.Data.Symbol)
			if err != nil {
				a.logger.WarnContext(ctx, "price poll failed", slog.String("error", err.Error()))
				continue
			}
			if err := writer.Write(time.Now().UTC(), price); err != nil {
				_ = writer.Close()
				return fmt.Errorf("record mode: %w", err)
			}
			rows++

			if a.cfg.Record.MaxRows > 0 && rows >= a.cfg.Record.MaxRows {
				if err := writer.Close(); err != nil {
					return fmt.Errorf("record mode: rotate: %w", err)
				}
				next := rotatedPath(a.cfg.Record.Path)
				writer, err = dataio.NewTickWriter(next, a.cfg.Record.FlushEvery)
				if err != nil {
					return fmt.Errorf("record mode: rotate: %w", err)
				}
				rows = 0
				a.logger.InfoContext(ctx, "tick file rotated", slog.String("path", next))
			}
		}
	}
}

// marketService builds the candle/symbol read path over the wired venue.
func (a *App) marketService(deps *Dependencies) *service.MarketService {
	return service.NewMarketService(deps.Venue, deps.CandleCache, deps.SymbolCache, a.logger)
}

// newStrategy instantiates the configured strategy from the registry.
func (a *App) newStrategy() (strategy.Strategy, error) {
	return strategy.DefaultRegistry().New(a.cfg.Strategy.Name, a.cfg.Strategy, a.logger)
}

// notifyFeedDown sends a feed-outage alert outside the dying context.
func (a *App) notifyFeedDown(notifier *notify.Notifier, cause error) {
	if notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	title, message := notify.FormatFeedDown("binance", cause)
	if err := notifier.Notify(ctx, notify.EventFeedDisconnected, title, message); err != nil {
		a.logger.Warn("feed-down notification failed", slog.String("error", err.Error()))
	}
}

// rotatedPath appends a UTC timestamp to the file name, keeping the
// extension: ticks.csv -> ticks_20260102T150405.csv.
func rotatedPath(path string) string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	return fmt.Sprintf("%s_%s%s", base, time.Now().UTC().Format("20060102T150405"), ext)
}
