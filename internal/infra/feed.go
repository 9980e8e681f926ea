package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"marketsim/internal/message"
)

// Feed is a reconnecting websocket client that turns exchange tick JSON
// into inbound TickTrade messages. It handles reconnection with
// exponential backoff, read timeouts, and thread-safe writes.
type Feed struct {
	url         string
	instruments []string
	out         chan<- message.TickTrade

	mu      sync.RWMutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	ReadTimeout time.Duration
}

// tickFrame is the wire format of one feed tick.
type tickFrame struct {
	Instrument string `json:"instrument"`
	Price      string `json:"price"`
	Volume     string `json:"volume"`
	Ts         int64  `json:"ts"` // unix micros
}

// NewFeed creates a feed client delivering ticks to out.
func NewFeed(url string, instruments []string, out chan<- message.TickTrade) *Feed {
	return &Feed{
		url:         url,
		instruments: instruments,
		out:         out,
		ReadTimeout: 60 * time.Second,
	}
}

// Start launches the connection loop.
func (f *Feed) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	f.wg.Add(1)
	go f.runLoop(ctx)
}

// Stop terminates the feed and waits for the loop to exit.
func (f *Feed) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	f.close()
	f.wg.Wait()
}

func (f *Feed) runLoop(ctx context.Context) {
	defer f.wg.Done()
	retry := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := f.connect(ctx); err != nil {
			slog.Warn("feed connection failed", slog.String("url", f.url), slog.Any("err", err), slog.Int("retry", retry))
			delay := Backoff(retry)
			retry++

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		retry = 0
		f.process(ctx)
	}
}

func (f *Feed) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()

	sub, err := json.Marshal(map[string]any{"op": "subscribe", "instruments": f.instruments})
	if err != nil {
		return err
	}
	if err := f.write(websocket.TextMessage, sub); err != nil {
		f.close()
		return fmt.Errorf("subscribe failed: %w", err)
	}

	slog.Info("feed connected", slog.String("url", f.url), slog.Int("instruments", len(f.instruments)))
	return nil
}

func (f *Feed) process(ctx context.Context) {
	for {
		f.mu.RLock()
		c := f.conn
		f.mu.RUnlock()
		if c == nil {
			return
		}

		c.SetReadDeadline(time.Now().Add(f.ReadTimeout))
		_, raw, err := c.ReadMessage()
		if err != nil {
			slog.Warn("feed read error", slog.Any("err", err))
			f.close()
			return
		}

		tick, err := parseTick(raw)
		if err != nil {
			slog.Warn("feed tick dropped", slog.Any("err", err))
			continue
		}

		select {
		case <-ctx.Done():
			return
		case f.out <- tick:
		}
	}
}

func parseTick(raw []byte) (message.TickTrade, error) {
	var frame tickFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return message.TickTrade{}, fmt.Errorf("bad tick frame: %w", err)
	}
	if frame.Instrument == "" {
		return message.TickTrade{}, fmt.Errorf("tick without instrument")
	}
	price, err := decimal.NewFromString(frame.Price)
	if err != nil {
		return message.TickTrade{}, fmt.Errorf("bad tick price %q: %w", frame.Price, err)
	}
	volume, err := decimal.NewFromString(frame.Volume)
	if err != nil {
		return message.TickTrade{}, fmt.Errorf("bad tick volume %q: %w", frame.Volume, err)
	}
	return message.TickTrade{
		Instrument: frame.Instrument,
		Price:      price,
		Volume:     volume,
		Time:       time.UnixMicro(frame.Ts).UTC(),
	}, nil
}

func (f *Feed) write(msgType int, data []byte) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	f.mu.RLock()
	c := f.conn
	f.mu.RUnlock()

	if c == nil {
		return fmt.Errorf("feed not connected")
	}
	return c.WriteMessage(msgType, data)
}

func (f *Feed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
}
