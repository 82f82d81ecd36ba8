package kraken

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"depthwatch/config"
	"depthwatch/internal/metrics"
	"depthwatch/internal/symbols"
	"depthwatch/logger"
	"depthwatch/models"
	"depthwatch/reader"
)

func init() {
	reader.Register(models.ExchangeKraken, func(symbol string, cfg *config.Config) (reader.DepthStreamer, error) {
		return NewClient(symbol, cfg)
	})
}

// republished marks a level resent by Kraken without a quantity change.
const republished = "r"

// Client streams the book channel of one pair.
type Client struct {
	url   string
	depth int
	wsn   string
	pair  string
	ws    config.WebsocketConfig
	log   *logger.Log
}

func NewClient(pair string, cfg *config.Config) (*Client, error) {
	wsn, err := symbols.ToExchange(models.ExchangeKraken, pair)
	if err != nil {
		return nil, err
	}
	return &Client{
		url:   cfg.Exchanges.Kraken.URL,
		depth: cfg.Exchanges.Kraken.Depth,
		wsn:   wsn,
		pair:  pair,
		ws:    cfg.Exchanges.Websocket,
		log:   logger.GetLogger(),
	}, nil
}

// ListenDepthStream implements reader.DepthStreamer.
func (c *Client) ListenDepthStream(ctx context.Context, out chan<- models.OrderBookEvent) error {
	log := c.log.WithComponent("kraken_client").WithFields(logger.Fields{"wsname": c.wsn, "pair": c.pair})

	conn, err := reader.DialWS(ctx, c.url, c.ws, log)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub := models.KrakenSubscribe{
		Event:        "subscribe",
		Pair:         []string{c.wsn},
		Subscription: models.KrakenSubscription{Name: "book", Depth: c.depth},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe %s: %w", c.wsn, err)
	}
	log.WithField("depth", c.depth).Info("subscribed to kraken book")

	return conn.Serve(ctx, func(msg []byte) error {
		ev, ok, err := ParseFrame(msg)
		if err != nil {
			var fatal *SubscriptionError
			if errors.As(err, &fatal) {
				return err
			}
			metrics.IncParseError("kraken")
			log.WithError(err).Warn("dropping unparsable kraken frame")
			return nil
		}
		if !ok {
			return nil
		}
		return reader.Emit(ctx, out, ev)
	})
}

// SubscriptionError is a rejected subscription. It ends the connection.
type SubscriptionError struct {
	Message string
}

func (e *SubscriptionError) Error() string {
	return "kraken subscription failed: " + e.Message
}

// ParseFrame converts one websocket frame. Object frames are events
// (heartbeat, systemStatus, subscriptionStatus), array frames carry book data:
// [channelID, {as,bs} | {a} | {b} [, {b}], channelName, pair].
func ParseFrame(msg []byte) (models.OrderBookEvent, bool, error) {
	trimmed := bytes.TrimSpace(msg)
	if len(trimmed) == 0 {
		return models.OrderBookEvent{}, false, nil
	}

	if trimmed[0] == '{' {
		var ev models.KrakenEvent
		if err := json.Unmarshal(trimmed, &ev); err != nil {
			return models.OrderBookEvent{}, false, err
		}
		if ev.Event == "subscriptionStatus" && ev.Status == "error" {
			return models.OrderBookEvent{}, false, &SubscriptionError{Message: ev.ErrorMessage}
		}
		return models.OrderBookEvent{}, false, nil
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(trimmed, &parts); err != nil {
		return models.OrderBookEvent{}, false, err
	}

	var (
		ev       models.OrderBookEvent
		snapshot bool
		found    bool
	)
	for _, part := range parts {
		p := bytes.TrimSpace(part)
		if len(p) == 0 || p[0] != '{' {
			continue
		}
		var book models.KrakenBook
		if err := json.Unmarshal(p, &book); err != nil {
			return models.OrderBookEvent{}, false, err
		}
		found = true

		if book.AsksSnapshot != nil || book.BidsSnapshot != nil {
			snapshot = true
			asks, err := reader.ParseLevels(book.AsksSnapshot)
			if err != nil {
				return models.OrderBookEvent{}, false, err
			}
			bids, err := reader.ParseLevels(book.BidsSnapshot)
			if err != nil {
				return models.OrderBookEvent{}, false, err
			}
			ev.Asks = append(ev.Asks, asks...)
			ev.Bids = append(ev.Bids, bids...)
			continue
		}

		asks, err := reader.ParseLevels(withoutRepublished(book.Asks))
		if err != nil {
			return models.OrderBookEvent{}, false, err
		}
		bids, err := reader.ParseLevels(withoutRepublished(book.Bids))
		if err != nil {
			return models.OrderBookEvent{}, false, err
		}
		ev.Asks = append(ev.Asks, asks...)
		ev.Bids = append(ev.Bids, bids...)
	}

	if !found {
		return models.OrderBookEvent{}, false, nil
	}
	if snapshot {
		ev.Type = models.EventInit
		return ev, true, nil
	}
	if len(ev.Asks) == 0 && len(ev.Bids) == 0 {
		return models.OrderBookEvent{}, false, nil
	}
	ev.Type = models.EventUpdate
	return ev, true, nil
}

func withoutRepublished(entries [][]string) [][]string {
	out := entries[:0:0]
	for _, e := range entries {
		if len(e) >= 4 && e[3] == republished {
			continue
		}
		out = append(out, e)
	}
	return out
}
