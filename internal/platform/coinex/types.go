package coinex

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mazstick/marketlib/internal/domain"
)

// envelope wraps every CoinEx v2 response. A non-zero code is an API
// failure even when the HTTP status is 200.
type envelope struct {
	Code    int             `json:"code"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

// marketStatus is the subset of GET /spot/market (and /futures/market)
// entries we consume.
type marketStatus struct {
	Market                string `json:"market"`
	IsAPITradingAvailable bool   `json:"is_api_trading_available"`
}

// ticker is one entry of the GET /spot/ticker (or /futures/ticker)
// payload: one-day statistics with prices as decimal strings.
type ticker struct {
	Market     string `json:"market"`
	Last       string `json:"last"`
	Open       string `json:"open"`
	Close      string `json:"close"`
	High       string `json:"high"`
	Low        string `json:"low"`
	Volume     string `json:"volume"`
	Value      string `json:"value"`
	IndexPrice string `json:"index_price"`
	MarkPrice  string `json:"mark_price"`
}

// klineRow is one kline from GET /spot/kline or /futures/kline.
// created_at is the bar open time in milliseconds.
type klineRow struct {
	Market    string `json:"market"`
	CreatedAt int64  `json:"created_at"`
	Open      string `json:"open"`
	Close     string `json:"close"`
	High      string `json:"high"`
	Low       string `json:"low"`
	Volume    string `json:"volume"`
	Value     string `json:"value"`
}

// toCandle parses the string prices and validates the bar.
func (k *klineRow) toCandle() (domain.Candle, error) {
	vals := make([]float64, 5)
	for i, raw := range []string{k.Open, k.High, k.Low, k.Close, k.Volume} {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return domain.Candle{}, fmt.Errorf("parsing %q: %w", raw, err)
		}
		vals[i] = v
	}
	return domain.NewCandle(time.UnixMilli(k.CreatedAt).UTC(), vals[0], vals[1], vals[2], vals[3], vals[4])
}

// balanceRow is one entry of GET /assets/spot/balance.
type balanceRow struct {
	Ccy       string `json:"ccy"`
	Available string `json:"available"`
	Frozen    string `json:"frozen"`
}

// Balance is one currency's spot account balance.
type Balance struct {
	Currency  string
	Available float64
	Frozen    float64
}

func (b *balanceRow) toBalance() (Balance, error) {
	available, err := strconv.ParseFloat(b.Available, 64)
	if err != nil {
		return Balance{}, fmt.Errorf("parsing available %q: %w", b.Available, err)
	}
	frozen, err := strconv.ParseFloat(b.Frozen, 64)
	if err != nil {
		return Balance{}, fmt.Errorf("parsing frozen %q: %w", b.Frozen, err)
	}
	return Balance{Currency: b.Ccy, Available: available, Frozen: frozen}, nil
}

// FuturesTicker is the one-day ticker for a futures market, including
// the index and mark prices the spot ticker lacks.
type FuturesTicker struct {
	Market     string
	Last       float64
	IndexPrice float64
	MarkPrice  float64
}

// periods maps canonical timeframes to CoinEx kline period names.
var periods = map[domain.Timeframe]string{
	domain.Timeframe1m:  "1min",
	domain.Timeframe3m:  "3min",
	domain.Timeframe5m:  "5min",
	domain.Timeframe15m: "15min",
	domain.Timeframe30m: "30min",
	domain.Timeframe1h:  "1hour",
	domain.Timeframe2h:  "2hour",
	domain.Timeframe4h:  "4hour",
	domain.Timeframe6h:  "6hour",
	domain.Timeframe12h: "12hour",
	domain.Timeframe1d:  "1day",
	domain.Timeframe3d:  "3day",
	domain.Timeframe1w:  "1week",
}
