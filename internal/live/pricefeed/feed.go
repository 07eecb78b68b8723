// Package pricefeed seeds historical candles and streams live klines for one
// (symbol, interval) pair, emitting both closed bars and unclosed ticks.
package pricefeed

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"trading-core/internal/live/exchange"
)

// SeedBars is the default number of closed candles loaded before the live
// stream is opened, so indicators have a full window on the first tick.
const SeedBars = 1000

// Feed streams candles for one symbol/interval.
type Feed struct {
	client   *exchange.Client
	symbol   string
	interval string
	testnet  bool

	out chan exchange.Candle

	mu             sync.Mutex
	lastOpenTime   int64 // open time of the most recently accepted tick, closed or not
	maxEmittedOpen int64 // highest open time ever emitted; anything below is late
}

// New builds a price feed. Call Start to seed history and open the stream.
func New(client *exchange.Client, symbol, interval string, testnet bool) *Feed {
	return &Feed{
		client:   client,
		symbol:   symbol,
		interval: interval,
		testnet:  testnet,
		out:      make(chan exchange.Candle, 256),
	}
}

// Candles returns the channel of closed (and the most recent, possibly
// unclosed) candles. Never closed by the feed except on ctx cancellation.
func (f *Feed) Candles() <-chan exchange.Candle { return f.out }

// Start seeds historical bars synchronously then begins the live kline
// websocket in the background. Returns the seeded history so callers (the
// IndicatorContext) can warm up before the first live tick arrives.
func (f *Feed) Start(ctx context.Context) ([]exchange.Candle, error) {
	seed, err := f.client.Klines(ctx, f.symbol, f.interval, SeedBars, 0)
	if err != nil {
		return nil, fmt.Errorf("pricefeed: seed klines for %s: %w", f.symbol, err)
	}
	if n := len(seed); n > 0 {
		f.mu.Lock()
		f.lastOpenTime = seed[n-1].OpenTime
		f.maxEmittedOpen = seed[n-1].OpenTime
		f.mu.Unlock()
	}
	go f.run(ctx)
	return seed, nil
}

// acceptTick applies is-new-bar detection and late-bar dropping to one raw
// tick: a tick whose open time is strictly less than any bar already
// emitted is dropped outright; a tick whose open time advances past the
// last-seen open time starts a new bar and is flagged IsNewBar.
func (f *Feed) acceptTick(c exchange.Candle) (exchange.Candle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.OpenTime < f.maxEmittedOpen {
		return exchange.Candle{}, false
	}
	if c.OpenTime > f.lastOpenTime {
		c.IsNewBar = true
		f.lastOpenTime = c.OpenTime
	}
	if c.OpenTime > f.maxEmittedOpen {
		f.maxEmittedOpen = c.OpenTime
	}
	return c, true
}

func (f *Feed) run(ctx context.Context) {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := f.dialAndRead(ctx); err != nil {
			log.Printf("pricefeed %s: stream error: %v (reconnecting in %s)", f.symbol, err, backoff)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (f *Feed) dialAndRead(ctx context.Context) error {
	host := "fstream.binance.com"
	if f.testnet {
		host = "stream.binancefuture.com"
	}
	stream := strings.ToLower(f.symbol) + "@kline_" + f.interval
	u := url.URL{Scheme: "wss", Host: host, Path: "/ws/" + stream}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	for {
		var msg klineMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		candle, ok := f.acceptTick(msg.Kline.toCandle())
		if !ok {
			log.Printf("pricefeed %s: dropped late bar open_time=%d", f.symbol, msg.Kline.OpenTime)
			continue
		}
		f.out <- candle
	}
}

type klineMessage struct {
	Kline rawKline `json:"k"`
}

type rawKline struct {
	OpenTime  int64  `json:"t"`
	CloseTime int64  `json:"T"`
	Open      string `json:"o"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Close     string `json:"c"`
	Volume    string `json:"v"`
	Closed    bool   `json:"x"`
}

func (k rawKline) toCandle() exchange.Candle {
	return exchange.Candle{
		OpenTime:  k.OpenTime,
		Open:      parseFloat(k.Open),
		High:      parseFloat(k.High),
		Low:       parseFloat(k.Low),
		Close:     parseFloat(k.Close),
		Volume:    parseFloat(k.Volume),
		CloseTime: k.CloseTime,
		Closed:    k.Closed,
	}
}
