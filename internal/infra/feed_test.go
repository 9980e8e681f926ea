package infra

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"marketsim/internal/message"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func createMockFeedServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func httpToWS(url string) string {
	return "ws" + strings.TrimPrefix(url, "http")
}

func TestFeed_DeliversTicks(t *testing.T) {
	srv := createMockFeedServer(t, func(conn *websocket.Conn) {
		// First frame from the client is the subscription.
		if _, sub, err := conn.ReadMessage(); err != nil || !strings.Contains(string(sub), "subscribe") {
			t.Errorf("subscription frame = %s, err %v", sub, err)
			return
		}
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"instrument":"BTCUSDT","price":"50000.5","volume":"0.25","ts":1709287200000000}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"garbage":`)) // dropped
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"instrument":"ETHUSDT","price":"3000","volume":"1","ts":1709287201000000}`))
		time.Sleep(200 * time.Millisecond)
	})

	ticks := make(chan message.TickTrade, 8)
	f := NewFeed(httpToWS(srv.URL), []string{"BTCUSDT", "ETHUSDT"}, ticks)
	f.Start(context.Background())
	defer f.Stop()

	first := waitTick(t, ticks)
	if first.Instrument != "BTCUSDT" || !first.Price.Equal(d("50000.5")) || !first.Volume.Equal(d("0.25")) {
		t.Errorf("first tick = %+v", first)
	}
	second := waitTick(t, ticks)
	if second.Instrument != "ETHUSDT" {
		t.Errorf("second tick = %+v, want the malformed frame skipped", second)
	}
}

func waitTick(t *testing.T, ticks <-chan message.TickTrade) message.TickTrade {
	t.Helper()
	select {
	case tick := <-ticks:
		return tick
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tick")
		return message.TickTrade{}
	}
}

func TestFeed_StopTerminates(t *testing.T) {
	srv := createMockFeedServer(t, func(conn *websocket.Conn) {
		conn.ReadMessage()
		time.Sleep(100 * time.Millisecond)
	})

	ticks := make(chan message.TickTrade, 1)
	f := NewFeed(httpToWS(srv.URL), []string{"BTCUSDT"}, ticks)
	f.Start(context.Background())

	done := make(chan struct{})
	go func() {
		f.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestParseTick(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"valid", `{"instrument":"BTCUSDT","price":"100.5","volume":"2","ts":1709287200000000}`, false},
		{"missing instrument", `{"price":"100.5","volume":"2","ts":1}`, true},
		{"bad price", `{"instrument":"X","price":"abc","volume":"2","ts":1}`, true},
		{"bad volume", `{"instrument":"X","price":"1","volume":"","ts":1}`, true},
		{"not json", `nope`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tick, err := parseTick([]byte(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if tick.Instrument != "BTCUSDT" || !tick.Price.Equal(d("100.5")) {
				t.Errorf("tick = %+v", tick)
			}
			if tick.Time.IsZero() || tick.Time.Location() != time.UTC {
				t.Errorf("tick time = %v, want UTC from micros", tick.Time)
			}
		})
	}
}
