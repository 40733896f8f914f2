package binance

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mazstick/marketlib/internal/domain"
)

// apiError is the Binance error payload, e.g. {"code":-1121,"msg":"Invalid symbol."}.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// exchangeInfo is the subset of GET /api/v3/exchangeInfo we consume.
type exchangeInfo struct {
	Symbols []symbolInfo `json:"symbols"`
}

type symbolInfo struct {
	Symbol string `json:"symbol"`
	Status string `json:"status"`
}

// tickerPrice is the GET /api/v3/ticker/price payload.
type tickerPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// klineRow is one kline from GET /api/v3/klines. The API returns a
// heterogeneous array per row: open time and close time as numbers,
// prices and volumes as strings.
type klineRow struct {
	OpenTime int64
	Open     string
	High     string
	Low      string
	Close    string
	Volume   string
}

func (k *klineRow) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) < 6 {
		return fmt.Errorf("kline row has %d fields, want at least 6", len(raw))
	}
	if err := json.Unmarshal(raw[0], &k.OpenTime); err != nil {
		return fmt.Errorf("open time: %w", err)
	}
	for i, dst := range []*string{&k.Open, &k.High, &k.Low, &k.Close, &k.Volume} {
		if err := json.Unmarshal(raw[i+1], dst); err != nil {
			return fmt.Errorf("field %d: %w", i+1, err)
		}
	}
	return nil
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
	return domain.NewCandle(time.UnixMilli(k.OpenTime).UTC(), vals[0], vals[1], vals[2], vals[3], vals[4])
}
