package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mazstick/marketlib/internal/domain"
	"github.com/mazstick/marketlib/internal/feed"
	"github.com/mazstick/marketlib/internal/notify"
	"github.com/mazstick/marketlib/internal/strategy"
)

// defaultWindowSize is how many closed bars the scanner keeps per
// symbol before it starts evaluating the strategy.
const defaultWindowSize = 200

// ScannerService runs a strategy over live kline events. It keeps a
// sliding candle window per symbol, re-evaluates on every closed bar
// and fans fired signals out to the store, the bus and the notifier.
// Store, bus and notifier are optional; a fired signal is never lost to
// one failing sink.
type ScannerService struct {
	strategy strategy.Strategy
	notifier *notify.Notifier
	signals  domain.SignalStore
	bus      domain.SignalBus
	logger   *slog.Logger
	window   int

	mu      sync.Mutex
	windows map[string][]domain.Candle
}

// NewScannerService creates a scanner for the given strategy. window
// is the per-symbol bar window; values <= 0 fall back to the default.
func NewScannerService(strat strategy.Strategy, window int, notifier *notify.Notifier, signals domain.SignalStore, bus domain.SignalBus, logger *slog.Logger) *ScannerService {
	if window <= 0 {
		window = defaultWindowSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ScannerService{
		strategy: strat,
		notifier: notifier,
		signals:  signals,
		bus:      bus,
		logger:   logger.With(slog.String("component", "scanner")),
		window:   window,
		windows:  make(map[string][]domain.Candle),
	}
}

// Seed pre-loads a symbol's window from history so the scanner can
// evaluate from the first live bar instead of waiting a full window.
func (s *ScannerService) Seed(symbol string, candles []domain.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.windows[symbol]
	w = append(w[:0], candles...)
	if len(w) > s.window {
		w = w[len(w)-s.window:]
	}
	s.windows[symbol] = w
}

// Run consumes kline events until the context ends. Per-event failures
// are logged and the loop keeps going.
func (s *ScannerService) Run(ctx context.Context, events <-chan feed.KlineEvent) error {
	s.logger.InfoContext(ctx, "scanner started",
		slog.String("strategy", s.strategy.Name()),
		slog.Int("window", s.window),
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			if err := s.HandleEvent(ctx, ev); err != nil {
				s.logger.WarnContext(ctx, "event handling failed",
					slog.String("symbol", ev.Symbol),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// HandleEvent folds one kline event into the symbol's window and, when
// the bar is closed and the window full, re-runs the strategy over it.
func (s *ScannerService) HandleEvent(ctx context.Context, ev feed.KlineEvent) error {
	if !ev.Final {
		return nil
	}

	window := s.extend(ev.Symbol, ev.Candle)
	if len(window) < s.window {
		return nil
	}

	series, err := domain.NewSeries(ev.Symbol, ev.Timeframe, window)
	if err != nil {
		return fmt.Errorf("scanner: series %s: %w", ev.Symbol, err)
	}
	signals, err := s.strategy.Generate(ctx, series)
	if err != nil {
		return fmt.Errorf("scanner: generate %s: %w", ev.Symbol, err)
	}
	last := signals[len(signals)-1]
	if last == domain.SignalNone {
		return nil
	}

	s.emit(ctx, domain.SignalEvent{
		ID:        uuid.NewString(),
		Source:    s.strategy.Name(),
		Symbol:    ev.Symbol,
		Timeframe: ev.Timeframe,
		Signal:    last,
		Price:     ev.Candle.Close,
		BarTime:   ev.Candle.Time,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

// extend appends the candle to the symbol's window, replacing the last
// bar when the open time matches (the feed re-sends a bar on restart),
// and returns a copy safe to evaluate outside the lock.
func (s *ScannerService) extend(symbol string, c domain.Candle) []domain.Candle {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.windows[symbol]
	if n := len(w); n > 0 && w[n-1].Time.Equal(c.Time) {
		w[n-1] = c
	} else {
		w = append(w, c)
	}
	if len(w) > s.window {
		copy(w, w[len(w)-s.window:])
		w = w[:s.window]
	}
	s.windows[symbol] = w

	out := make([]domain.Candle, len(w))
	copy(out, w)
	return out
}

// emit fans the event out to every wired sink. Sink failures are
// logged, never returned: a fired signal should still reach the
// remaining sinks.
func (s *ScannerService) emit(ctx context.Context, ev domain.SignalEvent) {
	s.logger.InfoContext(ctx, "signal detected",
		slog.String("symbol", ev.Symbol),
		slog.String("signal", string(ev.Signal)),
		slog.Float64("price", ev.Price),
		slog.Time("bar_time", ev.BarTime),
	)

	if s.signals != nil {
		if err := s.signals.Insert(ctx, ev); err != nil {
			s.logger.ErrorContext(ctx, "signal store insert failed",
				slog.String("symbol", ev.Symbol),
				slog.String("error", err.Error()),
			)
		}
	}
	if s.bus != nil {
		if err := s.bus.Publish(ctx, ev); err != nil {
			s.logger.ErrorContext(ctx, "signal publish failed",
				slog.String("symbol", ev.Symbol),
				slog.String("error", err.Error()),
			)
		}
	}
	if s.notifier != nil {
		title, message := notify.FormatSignal(ev)
		if err := s.notifier.Notify(ctx, notify.EventSignalDetected, title, message); err != nil {
			s.logger.ErrorContext(ctx, "signal notification failed",
				slog.String("symbol", ev.Symbol),
				slog.String("error", err.Error()),
			)
		}
	}
}
