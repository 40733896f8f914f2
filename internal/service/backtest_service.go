package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mazstick/marketlib/internal/backtest"
	s3blob "github.com/mazstick/marketlib/internal/blob/s3"
	"github.com/mazstick/marketlib/internal/dataio"
	"github.com/mazstick/marketlib/internal/domain"
	"github.com/mazstick/marketlib/internal/notify"
	"github.com/mazstick/marketlib/internal/strategy"
)

// BacktestService loads a candle series, replays it through the engine
// and persists the outcome. Stores, archiver, blob reader and notifier
// are all optional: a bare service still runs and returns the Result.
type BacktestService struct {
	market    *MarketService
	runs      domain.RunStore
	trades    domain.TradeStore
	positions domain.PositionStore
	archiver  *s3blob.Archiver
	blobs     domain.BlobReader
	notifier  *notify.Notifier
	logger    *slog.Logger
}

// NewBacktestService wires a BacktestService. market may be nil when
// every run will read its series from a file; blobs is only needed for
// s3:// dataset paths.
func NewBacktestService(
	market *MarketService,
	runs domain.RunStore,
	trades domain.TradeStore,
	positions domain.PositionStore,
	archiver *s3blob.Archiver,
	blobs domain.BlobReader,
	notifier *notify.Notifier,
	logger *slog.Logger,
) *BacktestService {
	if logger == nil {
		logger = slog.Default()
	}
	return &BacktestService{
		market:    market,
		runs:      runs,
		trades:    trades,
		positions: positions,
		archiver:  archiver,
		blobs:     blobs,
		notifier:  notifier,
		logger:    logger.With(slog.String("component", "backtest_service")),
	}
}

// RunRequest describes one backtest. File takes precedence over the
// venue range when both are set; an s3:// file is read from the blob
// bucket, so archived datasets replay without a local copy.
type RunRequest struct {
	File      string // CSV/JSON dataset path or s3:// key, venue download when empty
	Symbol    string
	Timeframe domain.Timeframe
	From, To  time.Time
	Strategy  strategy.Strategy
	Engine    backtest.RunnerConfig
	// ConfigDump is stored verbatim on the run record so a result can
	// be traced back to the exact configuration that produced it.
	ConfigDump json.RawMessage
}

const blobScheme = "s3://"

// Execute runs one backtest end to end: load, replay, persist, archive,
// notify. The returned Result is valid whenever the replay itself
// succeeded, even when a persistence step failed and an error is
// returned alongside it.
func (s *BacktestService) Execute(ctx context.Context, req RunRequest) (*backtest.Result, error) {
	if req.Strategy == nil {
		return nil, errors.New("backtest_service: no strategy")
	}

	series, err := s.loadSeries(ctx, req)
	if err != nil {
		return nil, err
	}

	runner := backtest.NewRunner(req.Engine, s.logger)
	result, err := runner.Run(ctx, series, req.Strategy)
	if err != nil {
		return nil, fmt.Errorf("backtest_service: run %s: %w", req.Symbol, err)
	}

	run := domain.Run{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Symbol:    result.Symbol,
		Timeframe: result.Timeframe,
		Strategy:  result.Strategy,
		Config:    req.ConfigDump,
		Summary:   result.Summary,
	}

	s.logger.InfoContext(ctx, "backtest finished",
		slog.String("run_id", run.ID),
		slog.String("symbol", run.Symbol),
		slog.String("strategy", run.Strategy),
		slog.Int("trades", run.Summary.Trades),
		slog.Float64("total_pnl", run.Summary.TotalPnL),
	)

	if err := s.persist(ctx, run, result); err != nil {
		return result, err
	}
	if err := s.archive(ctx, run, series, result); err != nil {
		return result, err
	}
	s.announce(ctx, run)
	return result, nil
}

func (s *BacktestService) loadSeries(ctx context.Context, req RunRequest) (*domain.Series, error) {
	if strings.HasPrefix(req.File, blobScheme) {
		return s.loadBlobSeries(ctx, req)
	}
	if req.File != "" {
		series, err := dataio.ReadFile(req.File, req.Symbol, req.Timeframe)
		if err != nil {
			return nil, fmt.Errorf("backtest_service: load %s: %w", req.File, err)
		}
		return series, nil
	}
	if s.market == nil {
		return nil, errors.New("backtest_service: no dataset file and no venue wired")
	}
	return s.market.GetSeries(ctx, req.Symbol, req.Timeframe, req.From, req.To)
}

// loadBlobSeries fetches an archived dataset by bucket key, e.g.
// s3://datasets/binance/btcusdt_1h_20240101_20240201.csv.
func (s *BacktestService) loadBlobSeries(ctx context.Context, req RunRequest) (*domain.Series, error) {
	if s.blobs == nil {
		return nil, fmt.Errorf("backtest_service: %s requested but no blob storage wired", req.File)
	}
	key := strings.TrimPrefix(req.File, blobScheme)
	format, err := dataio.Detect(key)
	if err != nil {
		return nil, fmt.Errorf("backtest_service: load %s: %w", req.File, err)
	}
	body, err := s.blobs.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("backtest_service: load %s: %w", req.File, err)
	}
	defer body.Close()

	var series *domain.Series
	if format == dataio.FormatJSON {
		series, err = dataio.ReadJSON(body, req.Symbol, req.Timeframe)
	} else {
		series, err = dataio.ReadCSV(body, req.Symbol, req.Timeframe)
	}
	if err != nil {
		return nil, fmt.Errorf("backtest_service: load %s: %w", req.File, err)
	}
	return series, nil
}

func (s *BacktestService) persist(ctx context.Context, run domain.Run, result *backtest.Result) error {
	if s.runs != nil {
		if err := s.runs.Create(ctx, run); err != nil {
			return fmt.Errorf("backtest_service: store run %s: %w", run.ID, err)
		}
	}
	if s.trades != nil && len(result.Records) > 0 {
		if err := s.trades.InsertBatch(ctx, run.ID, result.Records); err != nil {
			return fmt.Errorf("backtest_service: store trades %s: %w", run.ID, err)
		}
	}
	if s.positions != nil && result.Portfolio != nil && len(result.Portfolio.Positions) > 0 {
		artifacts := make([]domain.PositionArtifact, 0, len(result.Portfolio.Positions))
		for _, p := range result.Portfolio.Positions {
			art, err := p.Artifact(run.ID)
			if err != nil {
				return fmt.Errorf("backtest_service: position artifact %s: %w", run.ID, err)
			}
			artifacts = append(artifacts, art)
		}
		if err := s.positions.InsertBatch(ctx, artifacts); err != nil {
			return fmt.Errorf("backtest_service: store positions %s: %w", run.ID, err)
		}
	}
	return nil
}

func (s *BacktestService) archive(ctx context.Context, run domain.Run, series *domain.Series, result *backtest.Result) error {
	if s.archiver == nil {
		return nil
	}
	artifacts := s3blob.RunArtifacts{
		Run:         run,
		Trades:      result.Records,
		EquityCurve: result.EquityCurve,
	}
	if result.Portfolio != nil {
		for _, p := range result.Portfolio.Positions {
			art, err := p.Artifact(run.ID)
			if err != nil {
				return fmt.Errorf("backtest_service: position artifact %s: %w", run.ID, err)
			}
			artifacts.Positions = append(artifacts.Positions, art)
		}
	}
	path, err := s.archiver.ArchiveRun(ctx, artifacts)
	if err != nil {
		return fmt.Errorf("backtest_service: archive run %s: %w", run.ID, err)
	}
	s.logger.InfoContext(ctx, "run archived",
		slog.String("run_id", run.ID),
		slog.String("path", path),
	)

	venue := "local"
	if s.market != nil {
		venue = s.market.Venue()
	}
	if _, err := s.archiver.ArchiveDataset(ctx, venue, series); err != nil {
		return fmt.Errorf("backtest_service: archive dataset %s: %w", run.ID, err)
	}
	return nil
}

// announce is best effort: a failed notification never fails the run.
func (s *BacktestService) announce(ctx context.Context, run domain.Run) {
	if s.notifier == nil {
		return
	}
	title, message := notify.FormatRunSummary(run)
	if err := s.notifier.Notify(ctx, notify.EventBacktestFinished, title, message); err != nil {
		s.logger.WarnContext(ctx, "run notification failed",
			slog.String("run_id", run.ID),
			slog.String("error", err.Error()),
		)
	}
}
