package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"quantis-trader/internal/logging"
	"quantis-trader/internal/market"
)

// DefaultStreamURL is the Binance spot combined-stream endpoint.
const DefaultStreamURL = "wss://stream.binance.com:9443"

// ClosedKlineHandler receives each kline once Binance marks it closed.
type ClosedKlineHandler func(ctx context.Context, symbol string, g market.Granularity, c market.Candle)

// StreamStats tracks stream statistics
type StreamStats struct {
	Connected       bool      `json:"connected"`
	Streams         []string  `json:"streams"`
	UpdatesReceived int64     `json:"updates_received"`
	ClosedReceived  int64     `json:"closed_received"`
	Reconnects      int64     `json:"reconnects"`
	LastUpdateTime  time.Time `json:"last_update_time"`
}

// KlineStream follows kline websocket streams and forwards closed klines.
type KlineStream struct {
	baseURL        string
	streams        []string
	handler        ClosedKlineHandler
	logger         *logging.Logger
	dialer         *websocket.Dialer
	reconnectDelay time.Duration

	mu    sync.RWMutex
	stats StreamStats
}

// NewKlineStream creates a stream over symbol x granularity kline channels.
func NewKlineStream(baseURL string, symbols []string, granularities []market.Granularity, handler ClosedKlineHandler) *KlineStream {
	if baseURL == "" {
		baseURL = DefaultStreamURL
	}
	streams := BuildStreamList(symbols, granularities)
	return &KlineStream{
		baseURL:        strings.TrimRight(baseURL, "/"),
		streams:        streams,
		handler:        handler,
		logger:         logging.WithComponent("kline-stream"),
		dialer:         websocket.DefaultDialer,
		reconnectDelay: 3 * time.Second,
		stats:          StreamStats{Streams: streams},
	}
}

// BuildStreamList builds stream names such as "btcusdt@kline_1h".
func BuildStreamList(symbols []string, granularities []market.Granularity) []string {
	streams := make([]string, 0, len(symbols)*len(granularities))
	for _, symbol := range symbols {
		lowerSymbol := strings.ToLower(symbol)
		for _, g := range granularities {
			streams = append(streams, fmt.Sprintf("%s@kline_%s", lowerSymbol, g))
		}
	}
	return streams
}

// URL returns the combined stream URL.
func (s *KlineStream) URL() string {
	return s.baseURL + "/stream?streams=" + strings.Join(s.streams, "/")
}

// Run connects and reads until ctx is cancelled, reconnecting on failure.
func (s *KlineStream) Run(ctx context.Context) {
	wsURL := s.URL()
	for {
		if ctx.Err() != nil {
			return
		}

		s.logger.Info("connecting", "streams", len(s.streams))
		conn, _, err := s.dialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			s.logger.Warn("connection failed, retrying", "error", err, "delay", s.reconnectDelay.String())
			s.bumpReconnects()
			if !sleepCtx(ctx, s.reconnectDelay) {
				return
			}
			continue
		}

		s.setConnected(true)
		s.logger.Info("connected")

		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				conn.Close()
			case <-done:
			}
		}()

		s.readLoop(ctx, conn)
		close(done)
		conn.Close()
		s.setConnected(false)

		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("connection lost, reconnecting", "delay", s.reconnectDelay.String())
		s.bumpReconnects()
		if !sleepCtx(ctx, s.reconnectDelay) {
			return
		}
	}
}

func (s *KlineStream) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || ctx.Err() != nil {
				s.logger.Info("connection closed")
			} else {
				s.logger.Warn("read error", "error", err)
			}
			return
		}
		s.handleMessage(ctx, message)
	}
}

// klineEvent is the combined-stream kline payload.
type klineEvent struct {
	Stream string `json:"stream"`
	Data   struct {
		EventType string `json:"e"`
		Symbol    string `json:"s"`
		Kline     struct {
			OpenTime  int64  `json:"t"`
			CloseTime int64  `json:"T"`
			Interval  string `json:"i"`
			Open      string `json:"o"`
			Close     string `json:"c"`
			High      string `json:"h"`
			Low       string `json:"l"`
			Volume    string `json:"v"`
			Closed    bool   `json:"x"`
		} `json:"k"`
	} `json:"data"`
}

func (s *KlineStream) handleMessage(ctx context.Context, message []byte) {
	var ev klineEvent
	if err := json.Unmarshal(message, &ev); err != nil {
		s.logger.Warn("failed to parse event", "error", err)
		return
	}
	if ev.Data.EventType != "kline" {
		return
	}

	s.mu.Lock()
	s.stats.UpdatesReceived++
	s.stats.LastUpdateTime = time.Now()
	s.mu.Unlock()

	if !ev.Data.Kline.Closed {
		return
	}

	k := ev.Data.Kline
	candle, err := parseStreamKline(k.OpenTime, k.CloseTime, k.Open, k.High, k.Low, k.Close, k.Volume)
	if err != nil {
		s.logger.Warn("bad kline payload", "stream", ev.Stream, "error", err)
		return
	}

	s.mu.Lock()
	s.stats.ClosedReceived++
	s.mu.Unlock()

	if s.handler != nil {
		s.handler(ctx, ev.Data.Symbol, market.Granularity(k.Interval), candle)
	}
}

func parseStreamKline(openMs, closeMs int64, o, h, l, c, v string) (market.Candle, error) {
	var vals [5]decimal.Decimal
	for i, raw := range []string{o, h, l, c, v} {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return market.Candle{}, err
		}
		vals[i] = d
	}
	return market.Candle{
		OpenTime:  market.FromMillis(openMs),
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
		CloseTime: market.FromMillis(closeMs),
	}, nil
}

// Stats returns a snapshot of stream statistics.
func (s *KlineStream) Stats() StreamStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.stats
	st.Streams = append([]string(nil), s.stats.Streams...)
	return st
}

func (s *KlineStream) setConnected(v bool) {
	s.mu.Lock()
	s.stats.Connected = v
	s.mu.Unlock()
}

func (s *KlineStream) bumpReconnects() {
	s.mu.Lock()
	s.stats.Reconnects++
	s.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
