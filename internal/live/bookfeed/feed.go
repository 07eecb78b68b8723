// Package bookfeed tracks the best bid/ask for a symbol over the bookTicker
// websocket stream — the chase-limit router's pricing input.
package bookfeed

import (
	"context"
	"log"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Quote is an immutable best-bid/ask snapshot.
type Quote struct {
	Bid float64
	Ask float64
}

// Feed maintains an always-fresh best bid/ask for one symbol.
type Feed struct {
	symbol  string
	testnet bool
	quote   atomic.Pointer[Quote]
}

// New builds a book-ticker feed. Call Start to begin streaming.
func New(symbol string, testnet bool) *Feed {
	return &Feed{symbol: symbol, testnet: testnet}
}

// Quote returns the latest known best bid/ask, or the zero value if no
// message has arrived yet.
func (f *Feed) Quote() Quote {
	if q := f.quote.Load(); q != nil {
		return *q
	}
	return Quote{}
}

// Start opens the book-ticker stream in the background and reconnects with
// exponential backoff on disconnect, same shape as the user-data stream's
// reconnect loop.
func (f *Feed) Start(ctx context.Context) {
	go f.run(ctx)
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
			log.Printf("bookfeed %s: stream error: %v (reconnecting in %s)", f.symbol, err, backoff)
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
	stream := strings.ToLower(f.symbol) + "@bookTicker"
	u := url.URL{Scheme: "wss", Host: host, Path: "/ws/" + stream}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	for {
		var msg struct {
			BestBid string `json:"b"`
			BestAsk string `json:"a"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		bid, _ := strconv.ParseFloat(msg.BestBid, 64)
		ask, _ := strconv.ParseFloat(msg.BestAsk, 64)
		if bid <= 0 || ask <= 0 {
			continue
		}
		f.quote.Store(&Quote{Bid: bid, Ask: ask})
	}
}
