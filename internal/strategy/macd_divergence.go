package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/mazstick/marketlib/internal/domain"
	"github.com/mazstick/marketlib/internal/indicator"
)

// NameMACDDivergence is the registry name of MACDDivergence.
const NameMACDDivergence = "macd_divergence"

// DivergenceType distinguishes regular from hidden divergences.
type DivergenceType string

const (
	DivergenceRegular DivergenceType = "rd"
	DivergenceHidden  DivergenceType = "hd"
)

// Divergence is one accepted price/MACD divergence. PriceFrom/PriceTo
// and MACDFrom/MACDTo are bar indexes of the paired extrema; SignalAt
// is where the signal lands (PriceTo plus the interspace), which may
// fall past the end of the series.
type Divergence struct {
	Type      DivergenceType `json:"type"`
	Signal    domain.Signal  `json:"signal"`
	PriceFrom int            `json:"price_from"`
	PriceTo   int            `json:"price_to"`
	MACDFrom  int            `json:"macd_from"`
	MACDTo    int            `json:"macd_to"`
	SignalAt  int            `json:"signal_at"`
}

// MACDDivergenceConfig tunes the divergence detector. Zero values take
// the documented defaults; thresholds left at zero are derived from the
// series (one percent of the respective range). A negative Tolerance
// switches to a dynamic envelope of 0.1*macdRange + 0.5*volatility.
type MACDDivergenceConfig struct {
	FastPeriod   int    `toml:"fast_period" json:"fast_period"`     // 12
	SlowPeriod   int    `toml:"slow_period" json:"slow_period"`     // 26
	SignalPeriod int    `toml:"signal_period" json:"signal_period"` // 9
	Source       string `toml:"source" json:"source"`               // close

	// Interspace shifts the signal this many bars past the second
	// extremum. MaxPairGap caps how many bars apart two extrema may be
	// to form a pair.
	Interspace int `toml:"interspace" json:"interspace"`     // 3
	MaxPairGap int `toml:"max_pair_gap" json:"max_pair_gap"` // 60

	// Minimum directed moves between the two extrema of a pair.
	PriceDelta float64 `toml:"price_delta" json:"price_delta"` // 1% of price range
	MACDDelta  float64 `toml:"macd_delta" json:"macd_delta"`   // 1% of MACD range

	// Tolerance scales the validation envelope around the straight
	// line between the two MACD extrema.
	Tolerance float64 `toml:"tolerance" json:"tolerance"` // 0.1

	// Peak detection.
	MACDDistance    int     `toml:"macd_distance" json:"macd_distance"`       // 15
	MACDProminence  float64 `toml:"macd_prominence" json:"macd_prominence"`   // 1% of MACD range
	PriceDistance   int     `toml:"price_distance" json:"price_distance"`     // 7
	PriceProminence float64 `toml:"price_prominence" json:"price_prominence"` // 1% of price range

	// PairMaxDistance is the widest index gap allowed when matching a
	// price extremum to a MACD extremum.
	PairMaxDistance int `toml:"pair_max_distance" json:"pair_max_distance"` // 6

	// Type keeps only regular ("rd") or hidden ("hd") divergence
	// signals; Side keeps only "buy" or "sell" ones. Empty keeps both.
	Type DivergenceType `toml:"type" json:"type"`
	Side string         `toml:"side" json:"side"`
}

func (c *MACDDivergenceConfig) normalize() {
	if c.FastPeriod == 0 {
		c.FastPeriod = 12
	}
	if c.SlowPeriod == 0 {
		c.SlowPeriod = 26
	}
	if c.SignalPeriod == 0 {
		c.SignalPeriod = 9
	}
	if c.Source == "" {
		c.Source = "close"
	}
	if c.Interspace == 0 {
		c.Interspace = 3
	}
	if c.MaxPairGap == 0 {
		c.MaxPairGap = 60
	}
	if c.Tolerance == 0 {
		c.Tolerance = 0.1
	}
	if c.MACDDistance == 0 {
		c.MACDDistance = 15
	}
	if c.PriceDistance == 0 {
		c.PriceDistance = 7
	}
	if c.PairMaxDistance == 0 {
		c.PairMaxDistance = 6
	}
}

// Validate reports the first config problem. Call after defaults are
// applied.
func (c *MACDDivergenceConfig) Validate() error {
	if c.FastPeriod <= 0 || c.SlowPeriod <= 0 || c.SignalPeriod <= 0 {
		return fmt.Errorf("strategy: macd_divergence: periods must be positive, got %d/%d/%d",
			c.FastPeriod, c.SlowPeriod, c.SignalPeriod)
	}
	switch c.Source {
	case "open", "high", "low", "close":
	default:
		return fmt.Errorf("strategy: macd_divergence: unknown source column %q", c.Source)
	}
	if c.Interspace < 0 {
		return fmt.Errorf("strategy: macd_divergence: interspace must not be negative, got %d", c.Interspace)
	}
	if c.MaxPairGap < 0 || c.PairMaxDistance < 0 {
		return fmt.Errorf("strategy: macd_divergence: pair gaps must not be negative")
	}
	switch c.Type {
	case "", DivergenceRegular, DivergenceHidden:
	default:
		return fmt.Errorf("strategy: macd_divergence: unknown divergence type %q", c.Type)
	}
	switch c.Side {
	case "", "buy", "sell":
	default:
		return fmt.Errorf("strategy: macd_divergence: unknown side %q", c.Side)
	}
	return nil
}

// MACDDivergence detects regular and hidden divergences between price
// and the MACD line and emits discrete buy/sell signals.
//
// Price highs and MACD peaks above zero pair up on the sell side,
// price lows and MACD peaks below zero on the buy side. Each price
// extremum is matched with the nearest MACD extremum within
// PairMaxDistance bars; matched pairs are then scanned in time order.
// A pair whose price rises while its MACD falls is a regular
// divergence on the sell side and a hidden one on the buy side; the
// mirror move flips the roles. Before a divergence is accepted, the
// MACD curve between the two extrema must stay inside a tolerance
// envelope around the straight line connecting them.
type MACDDivergence struct {
	cfg    MACDDivergenceConfig
	logger *slog.Logger
}

var _ Strategy = (*MACDDivergence)(nil)

// NewMACDDivergence builds the detector, applying defaults to zero
// config fields.
func NewMACDDivergence(cfg MACDDivergenceConfig, logger *slog.Logger) (*MACDDivergence, error) {
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MACDDivergence{
		cfg:    cfg,
		logger: logger.With(slog.String("strategy", NameMACDDivergence)),
	}, nil
}

// Name returns the strategy identifier.
func (s *MACDDivergence) Name() string { return NameMACDDivergence }

// Generate returns the per-bar signal series for the candles.
func (s *MACDDivergence) Generate(ctx context.Context, series *domain.Series) (domain.SignalSeries, error) {
	signals, _, err := s.Detect(ctx, series)
	return signals, err
}

// Detect runs the full pipeline and also returns the accepted
// divergences for reporting. Series too short to form peaks simply
// produce all-none signals.
func (s *MACDDivergence) Detect(ctx context.Context, series *domain.Series) (domain.SignalSeries, []Divergence, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	n := series.Len()
	signals := domain.NewSignalSeries(n)
	if n == 0 {
		return signals, nil, nil
	}

	src, err := series.Column(s.cfg.Source)
	if err != nil {
		return nil, nil, fmt.Errorf("strategy: macd_divergence: %w", err)
	}
	macd, err := indicator.MACD(src, s.cfg.FastPeriod, s.cfg.SlowPeriod, s.cfg.SignalPeriod)
	if err != nil {
		return nil, nil, fmt.Errorf("strategy: macd_divergence: %w", err)
	}
	line := macd.Line

	highs := series.Highs()
	lows := series.Lows()

	absLine := make([]float64, n)
	negLows := make([]float64, n)
	for i := range line {
		absLine[i] = math.Abs(line[i])
		negLows[i] = -lows[i]
	}

	macdRange := span(absLine)
	priceRange := span(series.Closes())

	priceProm := s.cfg.PriceProminence
	if priceProm <= 0 {
		priceProm = 0.01 * priceRange
	}
	macdProm := s.cfg.MACDProminence
	if macdProm <= 0 {
		macdProm = 0.01 * macdRange
	}
	priceDelta := s.cfg.PriceDelta
	if priceDelta <= 0 {
		priceDelta = 0.01 * priceRange
	}
	macdDelta := s.cfg.MACDDelta
	if macdDelta <= 0 {
		macdDelta = 0.01 * macdRange
	}
	tolerance := s.cfg.Tolerance
	if tolerance < 0 {
		tolerance = 0.1*macdRange + 0.5*meanAbsDiff(line)
	}

	highPeaks := indicator.FindPeaks(highs, s.cfg.PriceDistance, priceProm)
	lowPeaks := indicator.FindPeaks(negLows, s.cfg.PriceDistance, priceProm)
	macdPeaks := indicator.FindPeaks(absLine, s.cfg.MACDDistance, macdProm)

	var macdHigh, macdLow []int
	for _, idx := range macdPeaks {
		switch {
		case line[idx] > 0:
			macdHigh = append(macdHigh, idx)
		case line[idx] < 0:
			macdLow = append(macdLow, idx)
		}
	}

	scan := &divergenceScan{
		interspace: s.cfg.Interspace,
		maxGap:     s.cfg.MaxPairGap,
		priceDelta: priceDelta,
		macdDelta:  macdDelta,
		tolerance:  tolerance,
		typeFilter: s.cfg.Type,
		line:       line,
		signals:    signals,
	}

	// Buy side first; a sell landing on the same bar wins.
	if s.cfg.Side != "sell" {
		scan.run(mapExtrema(lowPeaks, macdLow, s.cfg.PairMaxDistance), domain.SignalBuy, lows)
	}
	if s.cfg.Side != "buy" {
		scan.run(mapExtrema(highPeaks, macdHigh, s.cfg.PairMaxDistance), domain.SignalSell, highs)
	}

	s.logger.Debug("divergence scan finished",
		slog.String("symbol", series.Symbol),
		slog.Int("bars", n),
		slog.Int("price_highs", len(highPeaks)),
		slog.Int("price_lows", len(lowPeaks)),
		slog.Int("macd_peaks", len(macdPeaks)),
		slog.Int("divergences", len(scan.divs)),
	)
	return scan.signals, scan.divs, nil
}

// extremaPair joins a price extremum with its nearest MACD extremum.
type extremaPair struct {
	price int
	macd  int
}

// mapExtrema matches each price extremum with the nearest MACD
// extremum within maxDist bars, keeping the earlier MACD index on
// ties. Unmatched extrema drop out; result order follows the price
// extrema.
func mapExtrema(priceIdx, macdIdx []int, maxDist int) []extremaPair {
	pairs := make([]extremaPair, 0, len(priceIdx))
	for _, p := range priceIdx {
		best, bestDist := -1, maxDist+1
		for _, m := range macdIdx {
			if d := abs(m - p); d <= maxDist && d < bestDist {
				best, bestDist = m, d
			}
		}
		if best >= 0 {
			pairs = append(pairs, extremaPair{price: p, macd: best})
		}
	}
	return pairs
}

type divergenceScan struct {
	interspace int
	maxGap     int
	priceDelta float64
	macdDelta  float64
	tolerance  float64
	typeFilter DivergenceType
	line       []float64
	signals    domain.SignalSeries
	divs       []Divergence
}

// run scans pairs in time order. prices is the column the side
// compares on: highs for sell, lows for buy.
func (d *divergenceScan) run(pairs []extremaPair, sig domain.Signal, prices []float64) {
	for i := 0; i < len(pairs)-1; i++ {
		p1, m1 := pairs[i].price, pairs[i].macd
		for k := i + 1; k < len(pairs); k++ {
			p2, m2 := pairs[k].price, pairs[k].macd
			if p2-p1 > d.maxGap {
				break
			}
			dPrice := prices[p2] - prices[p1]
			dMACD := d.line[m2] - d.line[m1]

			switch {
			case dPrice > d.priceDelta && dMACD < -d.macdDelta:
				// Price pushed further while the MACD faded: regular on
				// the sell side, hidden on the buy side.
				if sig == domain.SignalSell {
					d.accept(DivergenceRegular, sig, p1, p2, m1, m2)
				} else {
					d.accept(DivergenceHidden, sig, p1, p2, m1, m2)
				}
			case dPrice < -d.priceDelta && dMACD > d.macdDelta:
				if sig == domain.SignalBuy {
					d.accept(DivergenceRegular, sig, p1, p2, m1, m2)
				} else {
					d.accept(DivergenceHidden, sig, p1, p2, m1, m2)
				}
			}
		}
	}
}

func (d *divergenceScan) accept(typ DivergenceType, sig domain.Signal, p1, p2, m1, m2 int) {
	if !d.validLine(m1, m2) {
		return
	}
	at := p2 + d.interspace
	d.divs = append(d.divs, Divergence{
		Type:      typ,
		Signal:    sig,
		PriceFrom: p1,
		PriceTo:   p2,
		MACDFrom:  m1,
		MACDTo:    m2,
		SignalAt:  at,
	})
	if d.typeFilter != "" && d.typeFilter != typ {
		return
	}
	if at < len(d.signals) {
		d.signals[at] = sig
	}
}

// validLine checks that the MACD curve between m1 and m2 stays inside
// a tolerance envelope around the straight line joining the two
// points. The envelope scales with the largest |MACD| over [m1, m2).
// Segments without interior points pass trivially.
func (d *divergenceScan) validLine(m1, m2 int) bool {
	if m2 <= m1+1 {
		return true
	}
	y1, y2 := d.line[m1], d.line[m2]
	if math.IsNaN(y1) || math.IsNaN(y2) || math.IsInf(y1, 0) || math.IsInf(y2, 0) {
		return false
	}
	var segMax float64
	for i := m1; i < m2; i++ {
		if v := math.Abs(d.line[i]); v > segMax {
			segMax = v
		}
	}
	tolVal := d.tolerance * segMax

	slope := (y2 - y1) / float64(m2-m1)
	for i := m1 + 1; i < m2; i++ {
		lineAt := y1 + slope*float64(i-m1)
		if math.Abs(d.line[i])-math.Abs(lineAt) > tolVal {
			return false
		}
	}
	return true
}

// span is max minus min, zero for empty input.
func span(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	lo, hi := xs[0], xs[0]
	for _, v := range xs[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return hi - lo
}

// meanAbsDiff is the average absolute bar-to-bar change.
func meanAbsDiff(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var sum float64
	for i := 1; i < len(xs); i++ {
		sum += math.Abs(xs[i] - xs[i-1])
	}
	return sum / float64(len(xs)-1)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
