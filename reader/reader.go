package reader

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"depthwatch/config"
	"depthwatch/models"
)

// ErrSequenceGap is returned when an exchange delivers updates that cannot be
// chained onto the current book. The collector reconnects and resyncs.
var ErrSequenceGap = errors.New("depth update sequence gap")

// ErrStreamClosed is returned when the exchange closed the stream without error.
var ErrStreamClosed = errors.New("depth stream closed")

// DepthStreamer is implemented by every exchange client. ListenDepthStream
// blocks for the lifetime of one connection, pushing zero or one INIT followed
// by UPDATE events into out.
type DepthStreamer interface {
	ListenDepthStream(ctx context.Context, out chan<- models.OrderBookEvent) error
}

// Constructor builds a client for one pair symbol in BASE/QUOTE form.
type Constructor func(symbol string, cfg *config.Config) (DepthStreamer, error)

var (
	registryMu sync.RWMutex
	registry   = map[models.ExchangeName]Constructor{}
)

// Register makes a client constructor available for an exchange. Exchange
// packages call it from init.
func Register(name models.ExchangeName, c Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if c == nil {
		panic("reader: Register constructor is nil")
	}
	registry[name] = c
}

// NewClient builds the client registered for exchange.
func NewClient(exchange models.ExchangeName, symbol string, cfg *config.Config) (DepthStreamer, error) {
	registryMu.RLock()
	c, ok := registry[exchange]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no client registered for exchange %q", exchange)
	}
	return c(symbol, cfg)
}

// Registered lists the exchanges with a registered client.
func Registered() []models.ExchangeName {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]models.ExchangeName, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Emit sends ev unless ctx is cancelled first.
func Emit(ctx context.Context, out chan<- models.OrderBookEvent, ev models.OrderBookEvent) error {
	select {
	case out <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ParseLevels converts [price, qty, ...] string tuples. Extra elements are ignored.
func ParseLevels(entries [][]string) ([]models.Level, error) {
	levels := make([]models.Level, 0, len(entries))
	for _, e := range entries {
		if len(e) < 2 {
			return nil, fmt.Errorf("level entry has %d elements", len(e))
		}
		lvl, err := models.ParseLevel(e[0], e[1])
		if err != nil {
			return nil, err
		}
		levels = append(levels, lvl)
	}
	return levels, nil
}
