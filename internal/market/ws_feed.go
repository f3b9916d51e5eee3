package market

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nof1ai/perpengine/internal/logger"
)

// WSFeed keeps a rolling mark-price cache fed by Binance's combined mark-price
// websocket stream, used to pre-warm Provider.lastGood between REST polls.
type WSFeed struct {
	url  string
	mu   sync.RWMutex
	last map[string]float64
	conn *websocket.Conn
	stop chan struct{}
	done chan struct{}
}

type markPriceEvent struct {
	Symbol string `json:"s"`
	Price  string `json:"p"`
}

func NewWSFeed(coins []string) *WSFeed {
	streams := ""
	for i, c := range coins {
		if i > 0 {
			streams += "/"
		}
		streams += fmt.Sprintf("%s@markPrice@1s", lower(c))
	}
	return &WSFeed{
		url:  "wss://fstream.binance.com/stream?streams=" + streams,
		last: make(map[string]float64),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Run connects and reconnects with backoff until Stop is called.
func (f *WSFeed) Run() {
	defer close(f.done)
	backoff := time.Second
	for {
		select {
		case <-f.stop:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
		if err != nil {
			logger.Warnf("market ws dial failed: %v", err)
			time.Sleep(backoff)
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()
		f.readLoop(conn)
	}
}

func (f *WSFeed) readLoop(conn *websocket.Conn) {
	defer conn.Close()
	for {
		select {
		case <-f.stop:
			return
		default:
		}

		var envelope struct {
			Data markPriceEvent `json:"data"`
		}
		if err := conn.ReadJSON(&envelope); err != nil {
			logger.Warnf("market ws read error: %v", err)
			return
		}
		price, err := parseFloat(envelope.Data.Price)
		if err != nil || envelope.Data.Symbol == "" {
			continue
		}
		f.mu.Lock()
		f.last[envelope.Data.Symbol] = price
		f.mu.Unlock()
	}
}

// Stop closes the live connection so a blocked read returns promptly.
func (f *WSFeed) Stop() {
	close(f.stop)
	f.mu.Lock()
	if f.conn != nil {
		f.conn.Close()
	}
	f.mu.Unlock()
	<-f.done
}

func (f *WSFeed) Price(coin string) (float64, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.last[coin]
	return p, ok
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
