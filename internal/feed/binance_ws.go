// Package feed streams live kline updates from the exchange websocket.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mazstick/marketlib/internal/domain"
)

const (
	// DefaultWSURL is the Binance combined-stream endpoint.
	DefaultWSURL = "wss://stream.binance.com:9443/stream"

	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed between liveness signals from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second

	// eventBuffer is the event channel capacity. On overflow the oldest
	// event is dropped so a slow consumer never stalls the read loop.
	eventBuffer = 256
)

// KlineEvent is one kline update from the stream. Final marks a closed
// bar; earlier updates carry the still-forming candle.
type KlineEvent struct {
	Symbol    string
	Timeframe domain.Timeframe
	Candle    domain.Candle
	Final     bool
}

// BinanceWS streams kline events for a set of symbols over the Binance
// combined-stream websocket. The stream names ride in the URL, so a
// redial re-establishes every subscription.
type BinanceWS struct {
	wsURL     string
	symbols   []string
	timeframe domain.Timeframe
	logger    *slog.Logger

	events  chan KlineEvent
	dropped atomic.Int64

	// dialTimeout and baseDelay are fixed in production and only
	// narrowed by tests.
	dialTimeout time.Duration
	baseDelay   time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

// NewBinanceWS creates a feed for the given symbols and timeframe. An
// empty wsURL selects the production endpoint.
func NewBinanceWS(wsURL string, symbols []string, tf domain.Timeframe, logger *slog.Logger) *BinanceWS {
	if wsURL == "" {
		wsURL = DefaultWSURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BinanceWS{
		wsURL:       wsURL,
		symbols:     symbols,
		timeframe:   tf,
		logger:      logger.With(slog.String("component", "binance_ws")),
		events:      make(chan KlineEvent, eventBuffer),
		dialTimeout: 15 * time.Second,
		baseDelay:   reconnectDelay,
		done:        make(chan struct{}),
	}
}

// Events is the stream of kline updates. The channel is never closed;
// consumers should select against their own context.
func (f *BinanceWS) Events() <-chan KlineEvent { return f.events }

// Dropped is the count of events discarded because the buffer was full.
func (f *BinanceWS) Dropped() int64 { return f.dropped.Load() }

// Run connects and streams until ctx is cancelled or Close is called.
// Dropped connections are redialled with capped exponential backoff.
func (f *BinanceWS) Run(ctx context.Context) error {
	if len(f.symbols) == 0 {
		return errors.New("feed: no symbols to stream")
	}
	if !f.timeframe.Valid() {
		return fmt.Errorf("feed: unknown timeframe %q", f.timeframe)
	}

	delay := f.baseDelay
	for {
		start := time.Now()
		err := f.runConnection(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		default:
		}

		// A connection that lived a while resets the backoff.
		if time.Since(start) > time.Minute {
			delay = f.baseDelay
		}

		f.logger.Warn("stream disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// Close stops the feed.
func (f *BinanceWS) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}

// streamURL renders the combined-stream URL, e.g.
// wss://host/stream?streams=btcusdt@kline_1h/ethusdt@kline_1h.
func (f *BinanceWS) streamURL() string {
	names := make([]string, 0, len(f.symbols))
	for _, s := range f.symbols {
		names = append(names, strings.ToLower(s)+"@kline_"+string(f.timeframe))
	}
	return f.wsURL + "?streams=" + strings.Join(names, "/")
}

// runConnection dials, reads until the connection drops, and returns
// the read error. Shutdown closes the connection to unblock the read.
func (f *BinanceWS) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: f.dialTimeout}
	conn, _, err := dialer.DialContext(ctx, f.streamURL(), nil)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	connDone := make(chan struct{})
	defer close(connDone)
	go func() {
		select {
		case <-ctx.Done():
		case <-f.done:
		case <-connDone:
		}
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	// The server pings on its own schedule; a ping proves liveness just
	// as well, so the deadline resets here too.
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	go f.pingLoop(conn, connDone)

	f.logger.Info("stream connected",
		slog.Int("symbols", len(f.symbols)),
		slog.String("timeframe", string(f.timeframe)),
	)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.handleMessage(message)
	}
}

// pingLoop keeps the connection alive between server pings.
func (f *BinanceWS) pingLoop(conn *websocket.Conn, connDone <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-connDone:
			return
		case <-f.done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage parses a combined-stream frame and publishes the kline
// event. Frames that are not klines are dropped silently.
func (f *BinanceWS) handleMessage(raw []byte) {
	var msg combinedMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if len(msg.Data) == 0 {
		return
	}

	var km klineMessage
	if err := json.Unmarshal(msg.Data, &km); err != nil || km.Event != "kline" {
		return
	}

	ev, err := km.toEvent()
	if err != nil {
		f.logger.Warn("bad kline frame",
			slog.String("stream", msg.Stream),
			slog.String("error", err.Error()),
		)
		return
	}
	f.publish(ev)
}

// publish delivers the event, dropping the oldest buffered event when
// the channel is full.
func (f *BinanceWS) publish(ev KlineEvent) {
	for {
		select {
		case f.events <- ev:
			return
		default:
		}
		select {
		case <-f.events:
			if n := f.dropped.Add(1); n == 1 || n%100 == 0 {
				f.logger.Warn("event buffer full, dropping oldest", slog.Int64("dropped", n))
			}
		default:
		}
	}
}

// combinedMessage is the combined-stream envelope: the stream name and
// the raw event payload.
type combinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// klineMessage is the kline event payload. Prices arrive as decimal
// strings.
type klineMessage struct {
	Event  string     `json:"e"`
	Symbol string     `json:"s"`
	Kline  klinePatch `json:"k"`
}

type klinePatch struct {
	OpenTime int64  `json:"t"`
	Interval string `json:"i"`
	Open     string `json:"o"`
	Close    string `json:"c"`
	High     string `json:"h"`
	Low      string `json:"l"`
	Volume   string `json:"v"`
	Final    bool   `json:"x"`
}

func (m *klineMessage) toEvent() (KlineEvent, error) {
	vals := make([]float64, 5)
	for i, raw := range []string{m.Kline.Open, m.Kline.High, m.Kline.Low, m.Kline.Close, m.Kline.Volume} {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return KlineEvent{}, fmt.Errorf("parsing %q: %w", raw, err)
		}
		vals[i] = v
	}
	candle, err := domain.NewCandle(time.UnixMilli(m.Kline.OpenTime).UTC(), vals[0], vals[1], vals[2], vals[3], vals[4])
	if err != nil {
		return KlineEvent{}, err
	}
	tf, err := domain.ParseTimeframe(m.Kline.Interval)
	if err != nil {
		return KlineEvent{}, err
	}
	return KlineEvent{
		Symbol:    m.Symbol,
		Timeframe: tf,
		Candle:    candle,
		Final:     m.Kline.Final,
	}, nil
}
