package backtest

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/mazstick/marketlib/internal/domain"
	"github.com/mazstick/marketlib/internal/indicator"
)

// SignalSource produces one signal per bar of a series. Strategies
// satisfy this.
type SignalSource interface {
	Name() string
	Generate(ctx context.Context, series *domain.Series) (domain.SignalSeries, error)
}

// TrailingMode selects how open stops follow price.
type TrailingMode string

const (
	TrailingNone     TrailingMode = ""
	TrailingATR      TrailingMode = "atr"
	TrailingExtremes TrailingMode = "extremes"
)

// TargetRule plans a partial exit at RR times the stop distance beyond
// entry, exiting Ratio of the position's size at that point. Rules
// only apply to positions that open with a stop.
type TargetRule struct {
	RR    float64 `json:"rr" toml:"rr"`
	Ratio float64 `json:"ratio" toml:"ratio"`
	Label string  `json:"label,omitempty" toml:"label"`
}

// RunnerConfig shapes how signals turn into simulated positions.
type RunnerConfig struct {
	// Size is the fixed position size in base units. When RiskPct is
	// set and a stop is known, sizing switches to
	// InitialCapital*RiskPct / risk-per-unit instead.
	Size           float64 `json:"size" toml:"size"`
	RiskPct        float64 `json:"risk_pct" toml:"risk_pct"`
	InitialCapital float64 `json:"initial_capital" toml:"initial_capital"`

	// FeeRate is charged on notional (price*size*contract value) for
	// every entry and exit fill.
	FeeRate       float64 `json:"fee_rate" toml:"fee_rate"`
	ContractValue float64 `json:"contract_value" toml:"contract_value"`

	// Initial stop: ATR multiple wins over percent when both are set,
	// none when both are zero. TakeProfitRR derives the take profit
	// from the stop distance.
	StopATRMult  float64 `json:"stop_atr_mult" toml:"stop_atr_mult"`
	StopPct      float64 `json:"stop_pct" toml:"stop_pct"`
	ATRPeriod    int     `json:"atr_period" toml:"atr_period"`
	TakeProfitRR float64 `json:"take_profit_rr" toml:"take_profit_rr"`

	Targets []TargetRule `json:"targets,omitempty" toml:"targets"`

	// Trailing is applied after each bar's exit checks, so a new stop
	// takes effect from the next bar.
	Trailing        TrailingMode `json:"trailing" toml:"trailing"`
	TrailingATRMult float64      `json:"trailing_atr_mult" toml:"trailing_atr_mult"`
	TrailingOffset  float64      `json:"trailing_offset" toml:"trailing_offset"`

	Priority         ExitPriority `json:"priority" toml:"priority"`
	MaxOpenPositions int          `json:"max_open_positions" toml:"max_open_positions"`
	AllowShort       bool         `json:"allow_short" toml:"allow_short"`

	// KeepOpenAtEnd leaves unterminated positions open instead of
	// closing them on the last bar.
	KeepOpenAtEnd bool `json:"keep_open_at_end" toml:"keep_open_at_end"`
}

func (c *RunnerConfig) normalize() {
	if c.Size <= 0 {
		c.Size = 1
	}
	if c.InitialCapital <= 0 {
		c.InitialCapital = 10_000
	}
	if c.ContractValue == 0 {
		c.ContractValue = 1
	}
	if c.ATRPeriod <= 0 {
		c.ATRPeriod = 14
	}
	if c.Priority == "" {
		c.Priority = StopFirst
	}
	if c.MaxOpenPositions <= 0 {
		c.MaxOpenPositions = 1
	}
	if c.Trailing == TrailingATR && c.TrailingATRMult <= 0 {
		c.TrailingATRMult = 2
	}
}

// Result is everything a finished replay produced.
type Result struct {
	Strategy    string
	Symbol      string
	Timeframe   domain.Timeframe
	Signals     domain.SignalSeries
	Records     []domain.TradeRecord
	EquityCurve []domain.EquityPoint
	Summary     domain.RunSummary
	Portfolio   *Portfolio
}

// Runner replays a series bar by bar against a signal source,
// translating signals into positions on a portfolio. Per bar it
// updates open positions, executes target and stop/take-profit exits,
// trails stops, then acts on the bar's signal at its close.
type Runner struct {
	cfg    RunnerConfig
	logger *slog.Logger
}

// NewRunner builds a runner; zero config fields take defaults.
func NewRunner(cfg RunnerConfig, logger *slog.Logger) *Runner {
	cfg.normalize()
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "backtest")),
	}
}

// Run generates signals for the series and replays them.
func (r *Runner) Run(ctx context.Context, series *domain.Series, src SignalSource) (*Result, error) {
	if series == nil || series.Len() == 0 {
		return nil, fmt.Errorf("backtest: run: %w", domain.ErrEmptySeries)
	}
	signals, err := src.Generate(ctx, series)
	if err != nil {
		return nil, fmt.Errorf("backtest: generating %s signals: %w", src.Name(), err)
	}
	if len(signals) != series.Len() {
		return nil, fmt.Errorf("backtest: %s produced %d signals for %d bars", src.Name(), len(signals), series.Len())
	}

	var atr []float64
	if r.cfg.StopATRMult > 0 || r.cfg.Trailing == TrailingATR {
		atr, err = indicator.ATR(series.Highs(), series.Lows(), series.Closes(), r.cfg.ATRPeriod, indicator.ATRMethodWilder)
		if err != nil {
			return nil, fmt.Errorf("backtest: computing ATR: %w", err)
		}
	}

	pf := NewPortfolio(series.Symbol, "")
	var records []domain.TradeRecord
	curve := make([]domain.EquityPoint, 0, series.Len())

	for i := 0; i < series.Len(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		bar := series.At(i)

		for _, pos := range pf.OpenPositions() {
			pos.UpdateBar(bar.Time, bar.High, bar.Low, bar.Close)
		}

		for _, pos := range pf.OpenPositions() {
			for _, t := range pos.CheckTargets(bar.High, bar.Low) {
				reason := t.Label
				if reason == "" {
					reason = domain.ExitReasonTP
				}
				exitSize := t.Ratio * pos.Size
				if rec, ok := pos.Reduce(exitSize, t.Price, bar.Time, r.fee(t.Price, exitSize), reason); ok {
					records = append(records, rec)
					pos.MarkTargetFilled(t)
				}
			}
		}

		for _, pos := range pf.OpenPositions() {
			if trig, ok := pos.CheckStopTP(bar.High, bar.Low, r.cfg.Priority); ok {
				if rec, ok := pos.Close(trig.Price, bar.Time, r.fee(trig.Price, pos.Size), trig.Reason); ok {
					records = append(records, rec)
				}
			}
		}

		switch r.cfg.Trailing {
		case TrailingATR:
			if v := at(atr, i); !math.IsNaN(v) && v > 0 {
				for _, pos := range pf.OpenPositions() {
					pos.TrailStopByATR(v, r.cfg.TrailingATRMult)
				}
			}
		case TrailingExtremes:
			if r.cfg.TrailingOffset > 0 {
				for _, pos := range pf.OpenPositions() {
					pos.TrailStopByExtremes(r.cfg.TrailingOffset)
				}
			}
		}

		switch signals[i] {
		case domain.SignalBuy:
			records = r.closeSide(pf, domain.PositionSideShort, bar, records)
			r.open(pf, domain.PositionSideLong, bar, at(atr, i))
		case domain.SignalSell:
			records = r.closeSide(pf, domain.PositionSideLong, bar, records)
			if r.cfg.AllowShort {
				r.open(pf, domain.PositionSideShort, bar, at(atr, i))
			}
		}

		realized := pf.TotalRealizedPnL()
		unrealized := pf.TotalUnrealizedPnL(bar.Close)
		curve = append(curve, domain.EquityPoint{
			Time:          bar.Time,
			Realized:      realized,
			Unrealized:    unrealized,
			Equity:        r.cfg.InitialCapital + realized + unrealized,
			OpenPositions: len(pf.OpenPositions()),
		})
	}

	if !r.cfg.KeepOpenAtEnd {
		last := series.Last()
		for _, pos := range pf.OpenPositions() {
			if rec, ok := pos.Close(last.Close, last.Time, r.fee(last.Close, pos.Size), domain.ExitReasonEndOfData); ok {
				records = append(records, rec)
			}
		}
		if n := len(curve); n > 0 {
			realized := pf.TotalRealizedPnL()
			unrealized := pf.TotalUnrealizedPnL(last.Close)
			curve[n-1] = domain.EquityPoint{
				Time:          last.Time,
				Realized:      realized,
				Unrealized:    unrealized,
				Equity:        r.cfg.InitialCapital + realized + unrealized,
				OpenPositions: len(pf.OpenPositions()),
			}
		}
	}

	res := &Result{
		Strategy:    src.Name(),
		Symbol:      series.Symbol,
		Timeframe:   series.Timeframe,
		Signals:     signals,
		Records:     records,
		EquityCurve: curve,
		Summary:     summarize(records, curve, signals, pf),
		Portfolio:   pf,
	}
	r.logger.Info("replay finished",
		slog.String("strategy", src.Name()),
		slog.String("symbol", series.Symbol),
		slog.Int("bars", series.Len()),
		slog.Int("trades", res.Summary.Trades),
		slog.Float64("total_pnl", res.Summary.TotalPnL),
	)
	return res, nil
}

func (r *Runner) fee(price, size float64) float64 {
	return r.cfg.FeeRate * price * size * r.cfg.ContractValue
}

func (r *Runner) closeSide(pf *Portfolio, side domain.PositionSide, bar domain.Candle, records []domain.TradeRecord) []domain.TradeRecord {
	for _, pos := range pf.OpenPositions() {
		if pos.Side != side {
			continue
		}
		if rec, ok := pos.Close(bar.Close, bar.Time, r.fee(bar.Close, pos.Size), domain.ExitReasonSignal); ok {
			records = append(records, rec)
		}
	}
	return records
}

func (r *Runner) open(pf *Portfolio, side domain.PositionSide, bar domain.Candle, atr float64) {
	if len(pf.OpenPositions()) >= r.cfg.MaxOpenPositions {
		return
	}
	entry := bar.Close
	dir := side.Dir()

	var stop *float64
	switch {
	case r.cfg.StopATRMult > 0 && !math.IsNaN(atr) && atr > 0:
		s := entry - dir*r.cfg.StopATRMult*atr
		stop = &s
	case r.cfg.StopPct > 0:
		s := entry * (1 - dir*r.cfg.StopPct)
		stop = &s
	}
	var tp *float64
	if r.cfg.TakeProfitRR > 0 && stop != nil {
		t := entry + dir*r.cfg.TakeProfitRR*math.Abs(entry-*stop)
		tp = &t
	}

	size := r.cfg.Size
	var riskAmount *float64
	if r.cfg.RiskPct > 0 && stop != nil {
		if perUnit := math.Abs(entry-*stop) * r.cfg.ContractValue; perUnit > 0 {
			amount := r.cfg.InitialCapital * r.cfg.RiskPct
			size = amount / perUnit
			riskAmount = &amount
		}
	}
	if size <= 0 {
		return
	}

	pos := pf.OpenPosition(PositionParams{
		Market:        pf.Asset,
		Side:          side,
		Size:          size,
		EntryPrice:    entry,
		EntryTime:     bar.Time,
		Stop:          stop,
		TakeProfit:    tp,
		ContractValue: r.cfg.ContractValue,
		FeeIn:         r.fee(entry, size),
		RiskAmount:    riskAmount,
	})
	if stop != nil && len(r.cfg.Targets) > 0 {
		dist := math.Abs(entry - *stop)
		plans := make([]TargetPlan, 0, len(r.cfg.Targets))
		for _, rule := range r.cfg.Targets {
			plans = append(plans, TargetPlan{
				Price: entry + dir*rule.RR*dist,
				Ratio: rule.Ratio,
				Label: rule.Label,
			})
		}
		pos.SetTargets(plans)
	}
}

func summarize(records []domain.TradeRecord, curve []domain.EquityPoint, signals domain.SignalSeries, pf *Portfolio) domain.RunSummary {
	sum := domain.RunSummary{
		Trades:        len(records),
		BuySignals:    signals.Count(domain.SignalBuy),
		SellSignals:   signals.Count(domain.SignalSell),
		OpenPositions: len(pf.OpenPositions()),
		TotalPnL:      pf.TotalRealizedPnL(),
	}
	for _, p := range pf.Positions {
		sum.FeesPaid += p.FeeIn + p.FeeOutCum
	}
	for i, rec := range records {
		if rec.Win() {
			sum.Wins++
			sum.GrossProfit += rec.PnLNet
		} else {
			sum.Losses++
			sum.GrossLoss += rec.PnLNet
		}
		sum.AvgMFER += rec.MFER
		sum.AvgMAER += rec.MAER
		if i == 0 || rec.PnLNet > sum.BestTrade {
			sum.BestTrade = rec.PnLNet
		}
		if i == 0 || rec.PnLNet < sum.WorstTrade {
			sum.WorstTrade = rec.PnLNet
		}
	}
	if sum.Trades > 0 {
		sum.WinRate = float64(sum.Wins) / float64(sum.Trades)
		sum.AvgMFER /= float64(sum.Trades)
		sum.AvgMAER /= float64(sum.Trades)
	}
	if sum.GrossLoss < 0 {
		sum.ProfitFactor = sum.GrossProfit / -sum.GrossLoss
	}
	peak := math.Inf(-1)
	for _, pt := range curve {
		if pt.Equity > peak {
			peak = pt.Equity
		}
		if dd := peak - pt.Equity; dd > sum.MaxDrawdown {
			sum.MaxDrawdown = dd
		}
	}
	return sum
}

func at(xs []float64, i int) float64 {
	if i >= 0 && i < len(xs) {
		return xs[i]
	}
	return math.NaN()
}
