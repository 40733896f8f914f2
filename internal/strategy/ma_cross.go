package strategy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mazstick/marketlib/internal/domain"
	"github.com/mazstick/marketlib/internal/indicator"
)

// NameMACross is the registry name of MACross.
const NameMACross = "ma_cross"

// MACrossConfig tunes the moving-average cross. Zero values default to
// 20/50 on close.
type MACrossConfig struct {
	ShortPeriod int    `toml:"short_period" json:"short_period"`
	LongPeriod  int    `toml:"long_period" json:"long_period"`
	Source      string `toml:"source" json:"source"`
}

func (c *MACrossConfig) normalize() {
	if c.ShortPeriod == 0 {
		c.ShortPeriod = 20
	}
	if c.LongPeriod == 0 {
		c.LongPeriod = 50
	}
	if c.Source == "" {
		c.Source = "close"
	}
}

// Validate reports the first config problem.
func (c *MACrossConfig) Validate() error {
	if c.ShortPeriod <= 0 || c.LongPeriod <= 0 {
		return fmt.Errorf("strategy: ma_cross: periods must be positive, got %d/%d", c.ShortPeriod, c.LongPeriod)
	}
	if c.ShortPeriod >= c.LongPeriod {
		return fmt.Errorf("strategy: ma_cross: short period %d must be below long period %d", c.ShortPeriod, c.LongPeriod)
	}
	switch c.Source {
	case "open", "high", "low", "close":
	default:
		return fmt.Errorf("strategy: ma_cross: unknown source column %q", c.Source)
	}
	return nil
}

// MACross signals buy when the short SMA crosses above the long SMA
// and sell on the mirror cross.
type MACross struct {
	cfg    MACrossConfig
	logger *slog.Logger
}

var _ Strategy = (*MACross)(nil)

// NewMACross builds the strategy, applying defaults to zero config
// fields.
func NewMACross(cfg MACrossConfig, logger *slog.Logger) (*MACross, error) {
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MACross{
		cfg:    cfg,
		logger: logger.With(slog.String("strategy", NameMACross)),
	}, nil
}

// Name returns the strategy identifier.
func (s *MACross) Name() string { return NameMACross }

// Generate returns the per-bar signal series for the candles.
func (s *MACross) Generate(ctx context.Context, series *domain.Series) (domain.SignalSeries, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := series.Len()
	signals := domain.NewSignalSeries(n)
	if n == 0 {
		return signals, nil
	}

	src, err := series.Column(s.cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("strategy: ma_cross: %w", err)
	}
	short, err := indicator.SMA(src, s.cfg.ShortPeriod)
	if err != nil {
		return nil, fmt.Errorf("strategy: ma_cross: %w", err)
	}
	long, err := indicator.SMA(src, s.cfg.LongPeriod)
	if err != nil {
		return nil, fmt.Errorf("strategy: ma_cross: %w", err)
	}

	for _, i := range indicator.CrossUps(short, long) {
		signals[i] = domain.SignalBuy
	}
	for _, i := range indicator.CrossDowns(short, long) {
		signals[i] = domain.SignalSell
	}
	return signals, nil
}
