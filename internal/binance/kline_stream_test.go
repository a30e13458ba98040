package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"quantis-trader/internal/market"
)

func TestBuildStreamList(t *testing.T) {
	got := BuildStreamList([]string{"BTCUSDT"}, []market.Granularity{market.Hour1, market.Month1})
	want := []string{"btcusdt@kline_1h", "btcusdt@kline_1M"}
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, got)
		}
	}
}

func TestKlineStreamForwardsClosedKlines(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.RawQuery, "btcusdt@kline_1h") {
			t.Errorf("Expected stream in query, got %s", r.URL.RawQuery)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		open := `{"stream":"btcusdt@kline_1h","data":{"e":"kline","s":"BTCUSDT","k":{"t":1709287200000,"T":1709290799999,"i":"1h","o":"1","c":"2","h":"3","l":"0.5","v":"10","x":false}}}`
		closed := `{"stream":"btcusdt@kline_1h","data":{"e":"kline","s":"BTCUSDT","k":{"t":1709287200000,"T":1709290799999,"i":"1h","o":"1","c":"2.5","h":"3","l":"0.5","v":"11","x":true}}}`
		conn.WriteMessage(websocket.TextMessage, []byte(open))
		conn.WriteMessage(websocket.TextMessage, []byte(closed))
		// Keep the connection open until the client goes away.
		conn.ReadMessage()
	}))
	defer srv.Close()

	var mu sync.Mutex
	var got []market.Candle
	received := make(chan struct{}, 1)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	stream := NewKlineStream(wsURL, []string{"BTCUSDT"}, []market.Granularity{market.Hour1},
		func(ctx context.Context, symbol string, g market.Granularity, c market.Candle) {
			if symbol != "BTCUSDT" || g != market.Hour1 {
				t.Errorf("Unexpected series %s %s", symbol, g)
			}
			mu.Lock()
			got = append(got, c)
			mu.Unlock()
			received <- struct{}{}
		})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		stream.Run(ctx)
		close(done)
	}()

	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for closed kline")
	}
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("Expected only the closed kline, got %d", len(got))
	}
	if got[0].Close.String() != "2.5" {
		t.Fatalf("Expected close 2.5, got %s", got[0].Close)
	}
	stats := stream.Stats()
	if stats.UpdatesReceived != 2 || stats.ClosedReceived != 1 {
		t.Fatalf("Unexpected stats %+v", stats)
	}
}
