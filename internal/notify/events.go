package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/mazstick/marketlib/internal/domain"
)

// Event types emitted by the services. The notify.events config list
// filters on these names.
const (
	EventSignalDetected   = "signal_detected"
	EventBacktestFinished = "backtest_finished"
	EventFeedDisconnected = "feed_disconnected"
	EventError            = "error"
)

// FormatSignal renders a live strategy signal as a notification.
func FormatSignal(ev domain.SignalEvent) (title, message string) {
	title = fmt.Sprintf("%s %s on %s", strings.ToUpper(string(ev.Signal)), ev.Symbol, ev.Timeframe)

	var b strings.Builder
	fmt.Fprintf(&b, "strategy: %s\n", ev.Source)
	fmt.Fprintf(&b, "price: %g\n", ev.Price)
	fmt.Fprintf(&b, "bar: %s", ev.BarTime.UTC().Format(time.RFC3339))
	if ev.Reason != "" {
		fmt.Fprintf(&b, "\n%s", ev.Reason)
	}
	return title, b.String()
}

// FormatRunSummary renders a finished backtest run.
func FormatRunSummary(run domain.Run) (title, message string) {
	s := run.Summary
	title = fmt.Sprintf("Backtest finished: %s %s (%s)", run.Symbol, run.Timeframe, run.Strategy)

	var b strings.Builder
	fmt.Fprintf(&b, "trades: %d, win rate %.1f%%\n", s.Trades, s.WinRate*100)
	fmt.Fprintf(&b, "net pnl: %.2f (fees %.2f)\n", s.TotalPnL, s.FeesPaid)
	fmt.Fprintf(&b, "profit factor: %.2f\n", s.ProfitFactor)
	fmt.Fprintf(&b, "max drawdown: %.2f", s.MaxDrawdown)
	if s.OpenPositions > 0 {
		fmt.Fprintf(&b, "\nstill open: %d", s.OpenPositions)
	}
	return title, b.String()
}

// FormatFeedDown renders a feed disconnect warning.
func FormatFeedDown(venue string, err error) (title, message string) {
	return fmt.Sprintf("%s feed disconnected", venue), err.Error()
}
