package feed

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mazstick/marketlib/internal/domain"
)

// wsTestServer upgrades each incoming request and hands the connection
// to handler along with its 1-based connection index.
func wsTestServer(t *testing.T, handler func(conn *websocket.Conn, idx int)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	var (
		mu sync.Mutex
		n  int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		mu.Lock()
		n++
		idx := n
		mu.Unlock()
		handler(conn, idx)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func klineFrame(symbol string, open float64, final bool) string {
	return fmt.Sprintf(
		`{"stream":"%s@kline_1h","data":{"e":"kline","s":"%s","k":{"t":1709251200000,"i":"1h","o":"%g","c":"101","h":"102","l":"99","v":"5","x":%t}}}`,
		strings.ToLower(symbol), symbol, open, final)
}

func TestStreamURL(t *testing.T) {
	f := NewBinanceWS("wss://example.test/stream", []string{"BTCUSDT", "ETHUSDT"}, domain.Timeframe15m, nil)
	want := "wss://example.test/stream?streams=btcusdt@kline_15m/ethusdt@kline_15m"
	if got := f.streamURL(); got != want {
		t.Errorf("streamURL = %s, want %s", got, want)
	}
}

func TestRunValidatesInput(t *testing.T) {
	f := NewBinanceWS("", nil, domain.Timeframe1h, nil)
	if err := f.Run(context.Background()); err == nil {
		t.Error("no symbols must fail")
	}
	f = NewBinanceWS("", []string{"BTCUSDT"}, "7h", nil)
	if err := f.Run(context.Background()); err == nil {
		t.Error("unknown timeframe must fail")
	}
}

func TestRunDeliversAndReconnects(t *testing.T) {
	url := wsTestServer(t, func(conn *websocket.Conn, idx int) {
		defer conn.Close()
		if idx > 2 {
			return
		}
		// One closed bar per connection; dropping the connection
		// afterwards forces the client to redial.
		if err := conn.WriteMessage(websocket.TextMessage, []byte(klineFrame("BTCUSDT", 100, true))); err != nil {
			t.Errorf("write: %v", err)
		}
	})

	f := NewBinanceWS(url, []string{"BTCUSDT"}, domain.Timeframe1h, nil)
	f.baseDelay = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	defer f.Close()
	go f.Run(ctx)

	for i := 0; i < 2; i++ {
		select {
		case ev := <-f.Events():
			if ev.Symbol != "BTCUSDT" || ev.Timeframe != domain.Timeframe1h || !ev.Final {
				t.Errorf("event %d = %+v", i, ev)
			}
			if ev.Candle.Open != 100 || ev.Candle.Close != 101 {
				t.Errorf("event %d candle = %+v", i, ev.Candle)
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestHandleMessageDropsNonKlines(t *testing.T) {
	f := NewBinanceWS("", []string{"BTCUSDT"}, domain.Timeframe1h, nil)

	for _, raw := range []string{
		`not json`,
		`{"stream":"btcusdt@trade","data":{"e":"trade","p":"100"}}`,
		`{"result":null,"id":1}`,
	} {
		f.handleMessage([]byte(raw))
	}

	select {
	case ev := <-f.Events():
		t.Errorf("unexpected event %+v", ev)
	default:
	}
}

func TestPublishDropsOldestOnOverflow(t *testing.T) {
	f := NewBinanceWS("", []string{"BTCUSDT"}, domain.Timeframe1h, nil)
	f.events = make(chan KlineEvent, 2)

	for i := 0; i < 3; i++ {
		f.publish(KlineEvent{Symbol: "BTCUSDT", Candle: domain.Candle{Open: float64(i)}})
	}

	if got := f.Dropped(); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
	first := <-f.Events()
	if first.Candle.Open != 1 {
		t.Errorf("first buffered event = %+v, want the second published", first)
	}
	second := <-f.Events()
	if second.Candle.Open != 2 {
		t.Errorf("second buffered event = %+v", second)
	}
}

func TestKlineMessageRejectsBadPrices(t *testing.T) {
	var km klineMessage
	km.Event = "kline"
	km.Symbol = "BTCUSDT"
	km.Kline = klinePatch{OpenTime: 1709251200000, Interval: "1h", Open: "abc", Close: "1", High: "2", Low: "0.5", Volume: "1"}
	if _, err := km.toEvent(); err == nil {
		t.Error("unparseable price must fail")
	}

	km.Kline.Open = "1"
	km.Kline.Interval = "9h"
	if _, err := km.toEvent(); err == nil {
		t.Error("unknown interval must fail")
	}
}
