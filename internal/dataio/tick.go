package dataio

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

// TickWriter appends timestamp,price rows to a CSV file, one row per
// observed trade price. The file is opened in append mode so a restart
// continues an existing recording; the header is only written when the
// file starts empty. Rows are flushed to disk every flushEvery writes
// and on Close. Safe for concurrent use.
type TickWriter struct {
	mu         sync.Mutex
	f          *os.File
	w          *csv.Writer
	rows       int
	flushEvery int
}

// NewTickWriter opens (or creates) the tick file at path. flushEvery
// values below one fall back to 10.
func NewTickWriter(path string, flushEvery int) (*TickWriter, error) {
	if flushEvery < 1 {
		flushEvery = 10
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("dataio: open tick file %s: %w", path, err)
	}
	t := &TickWriter{f: f, w: csv.NewWriter(f), flushEvery: flushEvery}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("dataio: stat tick file %s: %w", path, err)
	}
	if st.Size() == 0 {
		if err := t.w.Write([]string{"timestamp", "price"}); err != nil {
			f.Close()
			return nil, fmt.Errorf("dataio: tick header: %w", err)
		}
		t.w.Flush()
		if err := t.w.Error(); err != nil {
			f.Close()
			return nil, fmt.Errorf("dataio: tick header: %w", err)
		}
	}
	return t, nil
}

// Write appends one tick. The timestamp is stored as Unix milliseconds.
func (t *TickWriter) Write(ts time.Time, price float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	record := []string{
		strconv.FormatInt(ts.UnixMilli(), 10),
		strconv.FormatFloat(price, 'f', -1, 64),
	}
	if err := t.w.Write(record); err != nil {
		return fmt.Errorf("dataio: tick write: %w", err)
	}
	t.rows++
	if t.rows%t.flushEvery == 0 {
		t.w.Flush()
		if err := t.w.Error(); err != nil {
			return fmt.Errorf("dataio: tick flush: %w", err)
		}
	}
	return nil
}

// Close flushes buffered rows and closes the file.
func (t *TickWriter) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.w.Flush()
	flushErr := t.w.Error()
	closeErr := t.f.Close()
	if flushErr != nil {
		return fmt.Errorf("dataio: tick flush: %w", flushErr)
	}
	if closeErr != nil {
		return fmt.Errorf("dataio: close tick file: %w", closeErr)
	}
	return nil
}
