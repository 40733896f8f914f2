// Package dataio reads and writes local candle datasets in the CSV and
// JSON layouts of the project's exports: columns timestamp (Unix
// milliseconds), open, high, low, close, volume.
package dataio

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/mazstick/marketlib/internal/domain"
)

var csvHeader = []string{"timestamp", "open", "high", "low", "close", "volume"}

// candleRecord is the JSON object shape, one per candle.
type candleRecord struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// ReadFile loads a series from path, picking the codec by extension.
func ReadFile(path, symbol string, tf domain.Timeframe) (*domain.Series, error) {
	format, err := Detect(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dataio: read %s: %w", path, err)
	}
	defer f.Close()

	var series *domain.Series
	switch format {
	case FormatCSV:
		series, err = ReadCSV(f, symbol, tf)
	case FormatJSON:
		series, err = ReadJSON(f, symbol, tf)
	}
	if err != nil {
		return nil, fmt.Errorf("dataio: read %s: %w", path, err)
	}
	return series, nil
}

// WriteFile writes a series to path, picking the codec by extension.
func WriteFile(path string, series *domain.Series) error {
	format, err := Detect(path)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("dataio: write %s: %w", path, err)
	}
	switch format {
	case FormatCSV:
		err = WriteCSV(f, series)
	case FormatJSON:
		err = WriteJSON(f, series)
	}
	if err != nil {
		f.Close()
		return fmt.Errorf("dataio: write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("dataio: write %s: %w", path, err)
	}
	return nil
}

// ReadCSV parses candle rows from r. The header row names the columns;
// unknown columns are ignored, the six known ones must all be present.
// A row that fails candle validation aborts with its row number.
func ReadCSV(r io.Reader, symbol string, tf domain.Timeframe) (*domain.Series, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("dataio: csv header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[name] = i
	}
	for _, name := range csvHeader {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("dataio: csv header: missing column %q", name)
		}
	}

	var candles []domain.Candle
	for row := 2; ; row++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("dataio: csv row %d: %w", row, err)
		}
		c, err := parseCSVCandle(record, cols)
		if err != nil {
			return nil, fmt.Errorf("dataio: csv row %d: %w", row, err)
		}
		candles = append(candles, c)
	}
	return domain.NewSeries(symbol, tf, candles)
}

func parseCSVCandle(record []string, cols map[string]int) (domain.Candle, error) {
	field := func(name string) (string, error) {
		i := cols[name]
		if i >= len(record) {
			return "", fmt.Errorf("column %q out of range", name)
		}
		return record[i], nil
	}
	tsRaw, err := field("timestamp")
	if err != nil {
		return domain.Candle{}, err
	}
	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return domain.Candle{}, fmt.Errorf("timestamp %q: %w", tsRaw, err)
	}
	prices := make(map[string]float64, 5)
	for _, name := range csvHeader[1:] {
		raw, err := field(name)
		if err != nil {
			return domain.Candle{}, err
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return domain.Candle{}, fmt.Errorf("%s %q: %w", name, raw, err)
		}
		prices[name] = v
	}
	return domain.NewCandle(time.UnixMilli(ts).UTC(),
		prices["open"], prices["high"], prices["low"], prices["close"], prices["volume"])
}

// WriteCSV writes the series with the standard header. Timestamps are
// Unix milliseconds.
func WriteCSV(w io.Writer, series *domain.Series) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("dataio: csv header: %w", err)
	}
	for i, c := range series.Candles {
		record := []string{
			strconv.FormatInt(c.Time.UnixMilli(), 10),
			formatPrice(c.Open),
			formatPrice(c.High),
			formatPrice(c.Low),
			formatPrice(c.Close),
			formatPrice(c.Volume),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("dataio: csv row %d: %w", i+2, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("dataio: csv flush: %w", err)
	}
	return nil
}

// ReadJSON parses an array of candle objects from r.
func ReadJSON(r io.Reader, symbol string, tf domain.Timeframe) (*domain.Series, error) {
	var records []candleRecord
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return nil, fmt.Errorf("dataio: json decode: %w", err)
	}
	candles := make([]domain.Candle, 0, len(records))
	for i, rec := range records {
		c, err := domain.NewCandle(time.UnixMilli(rec.Timestamp).UTC(),
			rec.Open, rec.High, rec.Low, rec.Close, rec.Volume)
		if err != nil {
			return nil, fmt.Errorf("dataio: json record %d: %w", i, err)
		}
		candles = append(candles, c)
	}
	return domain.NewSeries(symbol, tf, candles)
}

// WriteJSON writes the series as an array of candle objects.
func WriteJSON(w io.Writer, series *domain.Series) error {
	records := make([]candleRecord, len(series.Candles))
	for i, c := range series.Candles {
		records[i] = candleRecord{
			Timestamp: c.Time.UnixMilli(),
			Open:      c.Open,
			High:      c.High,
			Low:       c.Low,
			Close:     c.Close,
			Volume:    c.Volume,
		}
	}
	if err := json.NewEncoder(w).Encode(records); err != nil {
		return fmt.Errorf("dataio: json encode: %w", err)
	}
	return nil
}

func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
