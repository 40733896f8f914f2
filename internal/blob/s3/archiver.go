package s3blob

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mazstick/marketlib/internal/domain"
)

// Archiver uploads finished backtest runs and downloaded candle
// datasets to object storage.
//
// Key schema:
//
//	runs/{runID}/report.json      - run metadata, config and summary
//	runs/{runID}/trades.jsonl     - realized trade records
//	runs/{runID}/positions.jsonl  - position artifacts
//	runs/{runID}/equity.csv       - equity curve
//	datasets/{venue}/{symbol}/{tf}/{from}_{to}.csv
type Archiver struct {
	writer domain.BlobWriter
	logger *slog.Logger
}

// NewArchiver creates an Archiver writing through the given BlobWriter.
func NewArchiver(writer domain.BlobWriter, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		writer: writer,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// RunArtifacts bundles everything a finished run uploads.
type RunArtifacts struct {
	Run         domain.Run
	Trades      []domain.TradeRecord
	Positions   []domain.PositionArtifact
	EquityCurve []domain.EquityPoint
}

// ArchiveRun uploads the artifacts of a finished run and returns the
// path of the report object. Empty trade or position sets skip their
// files rather than uploading empty ones.
func (a *Archiver) ArchiveRun(ctx context.Context, artifacts RunArtifacts) (string, error) {
	runID := artifacts.Run.ID
	if runID == "" {
		return "", fmt.Errorf("s3blob: archive run: missing run id")
	}
	prefix := "runs/" + runID + "/"

	report, err := json.MarshalIndent(artifacts.Run, "", "  ")
	if err != nil {
		return "", fmt.Errorf("s3blob: archive run %s report marshal: %w", runID, err)
	}
	reportPath := prefix + "report.json"
	if err := a.writer.Put(ctx, reportPath, bytes.NewReader(report), "application/json"); err != nil {
		return "", fmt.Errorf("s3blob: archive run %s report upload: %w", runID, err)
	}

	if len(artifacts.Trades) > 0 {
		buf, err := marshalJSONL(artifacts.Trades)
		if err != nil {
			return "", fmt.Errorf("s3blob: archive run %s trades marshal: %w", runID, err)
		}
		if err := a.writer.Put(ctx, prefix+"trades.jsonl", bytes.NewReader(buf), "application/x-ndjson"); err != nil {
			return "", fmt.Errorf("s3blob: archive run %s trades upload: %w", runID, err)
		}
	}

	if len(artifacts.Positions) > 0 {
		buf, err := marshalJSONL(artifacts.Positions)
		if err != nil {
			return "", fmt.Errorf("s3blob: archive run %s positions marshal: %w", runID, err)
		}
		if err := a.writer.Put(ctx, prefix+"positions.jsonl", bytes.NewReader(buf), "application/x-ndjson"); err != nil {
			return "", fmt.Errorf("s3blob: archive run %s positions upload: %w", runID, err)
		}
	}

	if len(artifacts.EquityCurve) > 0 {
		buf, err := marshalEquityCSV(artifacts.EquityCurve)
		if err != nil {
			return "", fmt.Errorf("s3blob: archive run %s equity marshal: %w", runID, err)
		}
		if err := a.writer.Put(ctx, prefix+"equity.csv", bytes.NewReader(buf), "text/csv"); err != nil {
			return "", fmt.Errorf("s3blob: archive run %s equity upload: %w", runID, err)
		}
	}

	a.logger.Info("run archived",
		slog.String("run_id", runID),
		slog.String("path", reportPath),
		slog.Int("trades", len(artifacts.Trades)),
		slog.Int("positions", len(artifacts.Positions)),
	)
	return reportPath, nil
}

// ArchiveDataset uploads a candle series as CSV and returns the object
// path. The key carries the venue, market, timeframe and the covered
// window so datasets are self-describing.
func (a *Archiver) ArchiveDataset(ctx context.Context, venue string, series *domain.Series) (string, error) {
	if series == nil || series.Len() == 0 {
		return "", fmt.Errorf("s3blob: archive dataset: %w", domain.ErrEmptySeries)
	}

	var buf bytes.Buffer
	if err := writeCandleCSV(&buf, series); err != nil {
		return "", fmt.Errorf("s3blob: archive dataset %s/%s: %w", venue, series.Symbol, err)
	}

	path := datasetPath(venue, series.Symbol, series.Timeframe,
		series.Candles[0].Time, series.Last().Time)
	if err := a.writer.Put(ctx, path, &buf, "text/csv"); err != nil {
		return "", fmt.Errorf("s3blob: archive dataset upload %s: %w", path, err)
	}

	a.logger.Info("dataset archived",
		slog.String("venue", venue),
		slog.String("symbol", series.Symbol),
		slog.String("timeframe", string(series.Timeframe)),
		slog.Int("bars", series.Len()),
		slog.String("path", path),
	)
	return path, nil
}

// datasetPath builds the S3 key for a dataset file.
//
//	datasets/binance/BTCUSDT/1h/20250101T0000_20250201T0000.csv
func datasetPath(venue, symbol string, tf domain.Timeframe, from, to time.Time) string {
	const layout = "20060102T1504"
	return fmt.Sprintf("datasets/%s/%s/%s/%s_%s.csv",
		venue, symbol, tf, from.UTC().Format(layout), to.UTC().Format(layout))
}

// writeCandleCSV writes the standard candle columns: timestamp is Unix
// milliseconds, matching the local dataset layout.
func writeCandleCSV(buf *bytes.Buffer, series *domain.Series) error {
	cw := csv.NewWriter(buf)
	if err := cw.Write([]string{"timestamp", "open", "high", "low", "close", "volume"}); err != nil {
		return err
	}
	for _, c := range series.Candles {
		record := []string{
			strconv.FormatInt(c.Time.UnixMilli(), 10),
			strconv.FormatFloat(c.Open, 'f', -1, 64),
			strconv.FormatFloat(c.High, 'f', -1, 64),
			strconv.FormatFloat(c.Low, 'f', -1, 64),
			strconv.FormatFloat(c.Close, 'f', -1, 64),
			strconv.FormatFloat(c.Volume, 'f', -1, 64),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// marshalEquityCSV renders the equity curve with RFC3339 bar times.
func marshalEquityCSV(curve []domain.EquityPoint) ([]byte, error) {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	if err := cw.Write([]string{"time", "realized", "unrealized", "equity", "open_positions"}); err != nil {
		return nil, err
	}
	for _, pt := range curve {
		record := []string{
			pt.Time.UTC().Format(time.RFC3339),
			strconv.FormatFloat(pt.Realized, 'f', -1, 64),
			strconv.FormatFloat(pt.Unrealized, 'f', -1, 64),
			strconv.FormatFloat(pt.Equity, 'f', -1, 64),
			strconv.Itoa(pt.OpenPositions),
		}
		if err := cw.Write(record); err != nil {
			return nil, err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
