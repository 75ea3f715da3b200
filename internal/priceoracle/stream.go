package priceoracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// staleAfter is how long a cached tick is trusted before Get falls back to
// the REST oracle.
const staleAfter = 5 * time.Second

type cachedPrice struct {
	price     decimal.Decimal
	updatedAt time.Time
}

// StreamOracle keeps a warm per-symbol price cache fed by Binance's
// aggTrade websocket stream, falling back to a REST oracle on a cache miss
// or a stale entry. It lazily opens one connection per symbol the first
// time Get observes it, and reconnects with a ping/pong keepalive on the
// growing set of symbols it has seen.
type StreamOracle struct {
	wsBaseURL string
	fallback  PriceOracle
	logger    *zap.Logger

	mu      sync.Mutex
	cache   map[string]cachedPrice
	streams map[string]context.CancelFunc
}

// NewStreamOracle builds a streaming oracle; fallback serves symbols that
// have no warm cache entry yet, or whose entry has gone stale.
func NewStreamOracle(wsBaseURL string, fallback PriceOracle, logger *zap.Logger) *StreamOracle {
	return &StreamOracle{
		wsBaseURL: wsBaseURL,
		fallback:  fallback,
		logger:    logger,
		cache:     make(map[string]cachedPrice),
		streams:   make(map[string]context.CancelFunc),
	}
}

func (o *StreamOracle) Get(ctx context.Context, symbol string) (decimal.Decimal, bool) {
	o.ensureStream(symbol)

	o.mu.Lock()
	entry, ok := o.cache[symbol]
	o.mu.Unlock()

	if ok && time.Since(entry.updatedAt) < staleAfter {
		return entry.price, true
	}
	return o.fallback.Get(ctx, symbol)
}

func (o *StreamOracle) ensureStream(symbol string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.streams[symbol]; exists {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.streams[symbol] = cancel
	go o.streamLoop(ctx, symbol)
}

// Stop tears down every open stream. The engine does not call it; main
// calls it at shutdown, after the engine has stopped.
func (o *StreamOracle) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for symbol, cancel := range o.streams {
		cancel()
		delete(o.streams, symbol)
	}
}

func (o *StreamOracle) streamLoop(ctx context.Context, symbol string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			if err := o.connectAndRead(ctx, symbol); err != nil {
				o.logger.Warn("price stream disconnected, reconnecting",
					zap.String("symbol", symbol), zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
		}
	}
}

func (o *StreamOracle) connectAndRead(ctx context.Context, symbol string) error {
	url := fmt.Sprintf("%s/ws/%s@aggTrade", o.wsBaseURL, strings.ToLower(symbol))
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("dial price stream: %w", err)
	}
	defer conn.Close()

	const pongWait = 60 * time.Second
	const pingPeriod = pongWait * 9 / 10

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-pingTicker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			_, message, err := conn.ReadMessage()
			if err != nil {
				return fmt.Errorf("read price stream: %w", err)
			}

			var tick struct {
				Price json.Number `json:"p"`
			}
			if err := json.Unmarshal(message, &tick); err != nil {
				continue
			}
			price, err := decimal.NewFromString(tick.Price.String())
			if err != nil {
				continue
			}

			o.mu.Lock()
			o.cache[symbol] = cachedPrice{price: price, updatedAt: time.Now()}
			o.mu.Unlock()
		}
	}
}
