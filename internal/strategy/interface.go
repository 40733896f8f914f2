package strategy

import (
	"context"
	"fmt"

	"github.com/mazstick/marketlib/internal/domain"
)

// Strategy turns a candle series into one signal per bar.
type Strategy interface {
	Name() string
	Generate(ctx context.Context, series *domain.Series) (domain.SignalSeries, error)
}

// Config carries the settings of every known strategy; Name selects
// which one to build and each factory reads its own section.
type Config struct {
	Name           string               `toml:"name" json:"name"`
	MACDDivergence MACDDivergenceConfig `toml:"macd_divergence" json:"macd_divergence"`
	MACross        MACrossConfig        `toml:"ma_cross" json:"ma_cross"`
}

// Validate checks the section of the selected strategy.
func (c *Config) Validate() error {
	switch c.Name {
	case "":
		return nil
	case NameMACDDivergence:
		cfg := c.MACDDivergence
		cfg.normalize()
		return cfg.Validate()
	case NameMACross:
		cfg := c.MACross
		cfg.normalize()
		return cfg.Validate()
	default:
		return fmt.Errorf("strategy %q: %w", c.Name, domain.ErrUnknownStrategy)
	}
}
