package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mazstick/marketlib/internal/backtest"
	"github.com/mazstick/marketlib/internal/dataio"
	"github.com/mazstick/marketlib/internal/domain"
	"github.com/mazstick/marketlib/internal/notify"
)

// scriptStrategy fires fixed signals at fixed bar indexes.
type scriptStrategy struct {
	at map[int]domain.Signal
}

func (s *scriptStrategy) Name() string { return "scripted" }

func (s *scriptStrategy) Generate(ctx context.Context, series *domain.Series) (domain.SignalSeries, error) {
	signals := domain.NewSignalSeries(series.Len())
	for i, sig := range s.at {
		signals[i] = sig
	}
	return signals, nil
}

type captureRunStore struct {
	runs      []domain.Run
	createErr error
}

func (s *captureRunStore) Create(ctx context.Context, run domain.Run) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.runs = append(s.runs, run)
	return nil
}

func (s *captureRunStore) UpdateSummary(ctx context.Context, id string, summary domain.RunSummary) error {
	return nil
}

func (s *captureRunStore) GetByID(ctx context.Context, id string) (domain.Run, error) {
	for _, r := range s.runs {
		if r.ID == id {
			return r, nil
		}
	}
	return domain.Run{}, domain.ErrNotFound
}

func (s *captureRunStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Run, error) {
	return s.runs, nil
}

func (s *captureRunStore) ListBySymbol(ctx context.Context, symbol string, opts domain.ListOpts) ([]domain.Run, error) {
	return s.runs, nil
}

type captureTradeStore struct {
	runID  string
	trades []domain.TradeRecord
}

func (s *captureTradeStore) InsertBatch(ctx context.Context, runID string, trades []domain.TradeRecord) error {
	s.runID = runID
	s.trades = append(s.trades, trades...)
	return nil
}

func (s *captureTradeStore) ListByRun(ctx context.Context, runID string) ([]domain.TradeRecord, error) {
	return s.trades, nil
}

func (s *captureTradeStore) ListByMarket(ctx context.Context, market string, opts domain.ListOpts) ([]domain.TradeRecord, error) {
	return s.trades, nil
}

func (s *captureTradeStore) SumPnL(ctx context.Context, runID string) (float64, error) {
	var sum float64
	for _, t := range s.trades {
		sum += t.PnLNet
	}
	return sum, nil
}

type capturePositionStore struct {
	artifacts []domain.PositionArtifact
}

func (s *capturePositionStore) InsertBatch(ctx context.Context, artifacts []domain.PositionArtifact) error {
	s.artifacts = append(s.artifacts, artifacts...)
	return nil
}

func (s *capturePositionStore) GetByID(ctx context.Context, runID, positionID string) (domain.PositionArtifact, error) {
	return domain.PositionArtifact{}, domain.ErrNotFound
}

func (s *capturePositionStore) ListByRun(ctx context.Context, runID string) ([]domain.PositionArtifact, error) {
	return s.artifacts, nil
}

// memBlobReader serves objects from a map, keyed by bucket path.
type memBlobReader struct {
	objects map[string][]byte
	gets    []string
}

func (r *memBlobReader) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	r.gets = append(r.gets, path)
	data, ok := r.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (r *memBlobReader) List(ctx context.Context, prefix string) ([]domain.BlobInfo, error) {
	return nil, nil
}

func (r *memBlobReader) Exists(ctx context.Context, path string) (bool, error) {
	_, ok := r.objects[path]
	return ok, nil
}

// trendSeries builds an hourly series with the given closes.
func trendSeries(t *testing.T, closes ...float64) *domain.Series {
	t.Helper()
	t0 := time.Unix(1700000000, 0).UTC()
	candles := make([]domain.Candle, len(closes))
	for i, c := range closes {
		candle, err := domain.NewCandle(t0.Add(time.Duration(i)*time.Hour), c, c+1, c-1, c, 10)
		if err != nil {
			t.Fatalf("NewCandle: %v", err)
		}
		candles[i] = candle
	}
	series, err := domain.NewSeries("BTCUSDT", domain.Timeframe1h, candles)
	if err != nil {
		t.Fatalf("NewSeries: %v", err)
	}
	return series
}

func TestExecuteFromFilePersistsEverything(t *testing.T) {
	path := filepath.Join(t.TempDir(), "btcusdt.csv")
	series := trendSeries(t, 100, 101, 102, 103, 104, 105)
	if err := dataio.WriteFile(path, series); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	runs := &captureRunStore{}
	trades := &captureTradeStore{}
	positions := &capturePositionStore{}
	sender := &captureSender{}
	notifier := notify.NewNotifier([]notify.Sender{sender}, nil, nil)
	svc := NewBacktestService(nil, runs, trades, positions, nil, nil, notifier, nil)

	result, err := svc.Execute(context.Background(), RunRequest{
		File:       path,
		Symbol:     "BTCUSDT",
		Timeframe:  domain.Timeframe1h,
		Strategy:   &scriptStrategy{at: map[int]domain.Signal{1: domain.SignalBuy, 3: domain.SignalSell}},
		Engine:     backtest.RunnerConfig{Size: 1},
		ConfigDump: json.RawMessage(`{"size":1}`),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(result.Records) == 0 {
		t.Fatal("no trades realized")
	}

	if len(runs.runs) != 1 {
		t.Fatalf("stored %d runs, want 1", len(runs.runs))
	}
	run := runs.runs[0]
	if run.ID == "" {
		t.Fatal("run ID is empty")
	}
	if run.Symbol != "BTCUSDT" || run.Strategy != "scripted" || run.Timeframe != domain.Timeframe1h {
		t.Fatalf("unexpected run identity %+v", run)
	}
	if string(run.Config) != `{"size":1}` {
		t.Fatalf("run config = %s", run.Config)
	}
	if run.Summary.Trades != len(result.Records) {
		t.Fatalf("summary trades = %d, records = %d", run.Summary.Trades, len(result.Records))
	}

	if trades.runID != run.ID {
		t.Fatalf("trades stored under %q, want %q", trades.runID, run.ID)
	}
	if len(trades.trades) != len(result.Records) {
		t.Fatalf("stored %d trades, want %d", len(trades.trades), len(result.Records))
	}
	if len(positions.artifacts) == 0 {
		t.Fatal("no position artifacts stored")
	}
	for _, art := range positions.artifacts {
		if art.RunID != run.ID {
			t.Fatalf("artifact run = %q, want %q", art.RunID, run.ID)
		}
	}

	if len(sender.titles) != 1 || !strings.Contains(sender.titles[0], "Backtest finished") {
		t.Fatalf("notification titles = %v", sender.titles)
	}
}

func TestExecuteFromVenue(t *testing.T) {
	series := trendSeries(t, 100, 101, 102, 103, 104)
	venue := &fakeVenue{candles: map[string][]domain.Candle{"BTCUSDT": series.Candles}}
	market := NewMarketService(venue, nil, nil, nil)
	svc := NewBacktestService(market, nil, nil, nil, nil, nil, nil, nil)

	from := series.Candles[0].Time
	to := series.Candles[len(series.Candles)-1].Time
	result, err := svc.Execute(context.Background(), RunRequest{
		Symbol:    "BTCUSDT",
		Timeframe: domain.Timeframe1h,
		From:      from,
		To:        to,
		Strategy:  &scriptStrategy{at: map[int]domain.Signal{0: domain.SignalBuy}},
		Engine:    backtest.RunnerConfig{Size: 1},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if venue.klines() != 1 {
		t.Fatalf("venue hit %d times, want 1", venue.klines())
	}
	if len(result.EquityCurve) != 5 {
		t.Fatalf("equity curve has %d points, want 5", len(result.EquityCurve))
	}
}

func TestExecuteFromBlobPath(t *testing.T) {
	var buf bytes.Buffer
	if err := dataio.WriteCSV(&buf, trendSeries(t, 100, 101, 102, 103)); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	blobs := &memBlobReader{objects: map[string][]byte{
		"datasets/binance/btcusdt_1h.csv": buf.Bytes(),
	}}
	svc := NewBacktestService(nil, nil, nil, nil, nil, blobs, nil, nil)

	result, err := svc.Execute(context.Background(), RunRequest{
		File:      "s3://datasets/binance/btcusdt_1h.csv",
		Symbol:    "BTCUSDT",
		Timeframe: domain.Timeframe1h,
		Strategy:  &scriptStrategy{at: map[int]domain.Signal{0: domain.SignalBuy}},
		Engine:    backtest.RunnerConfig{Size: 1},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(result.EquityCurve) != 4 {
		t.Fatalf("equity curve has %d points, want 4", len(result.EquityCurve))
	}
	if len(blobs.gets) != 1 || blobs.gets[0] != "datasets/binance/btcusdt_1h.csv" {
		t.Fatalf("blob gets = %v, want the scheme stripped", blobs.gets)
	}
}

func TestExecuteBlobPathWithoutReader(t *testing.T) {
	svc := NewBacktestService(nil, nil, nil, nil, nil, nil, nil, nil)
	_, err := svc.Execute(context.Background(), RunRequest{
		File:     "s3://datasets/binance/btcusdt_1h.csv",
		Symbol:   "BTCUSDT",
		Strategy: &scriptStrategy{},
	})
	if err == nil || !strings.Contains(err.Error(), "no blob storage wired") {
		t.Fatalf("err = %v", err)
	}
}

func TestExecuteRequiresStrategy(t *testing.T) {
	svc := NewBacktestService(nil, nil, nil, nil, nil, nil, nil, nil)
	if _, err := svc.Execute(context.Background(), RunRequest{Symbol: "BTCUSDT"}); err == nil {
		t.Fatal("expected error for missing strategy")
	}
}

func TestExecuteRequiresSomeSource(t *testing.T) {
	svc := NewBacktestService(nil, nil, nil, nil, nil, nil, nil, nil)
	_, err := svc.Execute(context.Background(), RunRequest{
		Symbol:   "BTCUSDT",
		Strategy: &scriptStrategy{},
	})
	if err == nil || !strings.Contains(err.Error(), "no dataset file and no venue") {
		t.Fatalf("err = %v", err)
	}
}

func TestExecuteStoreFailureStillReturnsResult(t *testing.T) {
	path := filepath.Join(t.TempDir(), "btcusdt.csv")
	if err := dataio.WriteFile(path, trendSeries(t, 100, 101, 102)); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	runs := &captureRunStore{createErr: errors.New("pg down")}
	svc := NewBacktestService(nil, runs, nil, nil, nil, nil, nil, nil)

	result, err := svc.Execute(context.Background(), RunRequest{
		File:      path,
		Symbol:    "BTCUSDT",
		Timeframe: domain.Timeframe1h,
		Strategy:  &scriptStrategy{},
		Engine:    backtest.RunnerConfig{Size: 1},
	})
	if err == nil {
		t.Fatal("expected persistence error")
	}
	if result == nil {
		t.Fatal("result dropped on persistence failure")
	}
}

func TestExecuteBareService(t *testing.T) {
	path := filepath.Join(t.TempDir(), "btcusdt.csv")
	if err := dataio.WriteFile(path, trendSeries(t, 100, 101, 102, 103)); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	svc := NewBacktestService(nil, nil, nil, nil, nil, nil, nil, nil)

	result, err := svc.Execute(context.Background(), RunRequest{
		File:      path,
		Symbol:    "BTCUSDT",
		Timeframe: domain.Timeframe1h,
		Strategy:  &scriptStrategy{at: map[int]domain.Signal{1: domain.SignalBuy}},
		Engine:    backtest.RunnerConfig{Size: 1},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Summary.Trades != len(result.Records) {
		t.Fatalf("summary trades = %d, records = %d", result.Summary.Trades, len(result.Records))
	}
}
