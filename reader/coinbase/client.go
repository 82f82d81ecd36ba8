package coinbase

import (
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
	reader.Register(models.ExchangeCoinbase, func(symbol string, cfg *config.Config) (reader.DepthStreamer, error) {
		return NewClient(symbol, cfg)
	})
}

// Client streams the level2 channel of one product.
type Client struct {
	url     string
	channel string
	product string
	pair    string
	ws      config.WebsocketConfig
	log     *logger.Log
}

func NewClient(pair string, cfg *config.Config) (*Client, error) {
	product, err := symbols.ToExchange(models.ExchangeCoinbase, pair)
	if err != nil {
		return nil, err
	}
	channel := cfg.Exchanges.Coinbase.Channel
	if channel == "" {
		channel = "level2_batch"
	}
	return &Client{
		url:     cfg.Exchanges.Coinbase.URL,
		channel: channel,
		product: product,
		pair:    pair,
		ws:      cfg.Exchanges.Websocket,
		log:     logger.GetLogger(),
	}, nil
}

// ListenDepthStream implements reader.DepthStreamer.
func (c *Client) ListenDepthStream(ctx context.Context, out chan<- models.OrderBookEvent) error {
	log := c.log.WithComponent("coinbase_client").WithFields(logger.Fields{"product": c.product, "pair": c.pair})

	conn, err := reader.DialWS(ctx, c.url, c.ws, log)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub := models.CoinbaseSubscribe{Type: "subscribe", ProductIDs: []string{c.product}, Channels: []string{c.channel}}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe %s: %w", c.product, err)
	}
	log.Info("subscribed to coinbase level2")

	return conn.Serve(ctx, func(msg []byte) error {
		ev, ok, err := ParseFrame(msg)
		if err != nil {
			var fatal *FrameError
			if errors.As(err, &fatal) {
				return err
			}
			metrics.IncParseError("coinbase")
			log.WithError(err).Warn("dropping unparsable coinbase frame")
			return nil
		}
		if !ok {
			return nil
		}
		return reader.Emit(ctx, out, ev)
	})
}

// FrameError is an error frame sent by the exchange. It ends the connection.
type FrameError struct {
	Message string
	Reason  string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("coinbase error: %s (%s)", e.Message, e.Reason)
}

// ParseFrame converts one websocket frame. ok is false for frames that carry
// no book data.
func ParseFrame(msg []byte) (models.OrderBookEvent, bool, error) {
	var frame models.CoinbaseFrame
	if err := json.Unmarshal(msg, &frame); err != nil {
		return models.OrderBookEvent{}, false, err
	}

	switch frame.Type {
	case "snapshot":
		bids, err := pairLevels(frame.Bids)
		if err != nil {
			return models.OrderBookEvent{}, false, err
		}
		asks, err := pairLevels(frame.Asks)
		if err != nil {
			return models.OrderBookEvent{}, false, err
		}
		return models.OrderBookEvent{Type: models.EventInit, Bids: bids, Asks: asks}, true, nil

	case "l2update":
		ev := models.OrderBookEvent{Type: models.EventUpdate}
		for _, ch := range frame.Changes {
			lvl, err := models.ParseLevel(ch[1], ch[2])
			if err != nil {
				return models.OrderBookEvent{}, false, err
			}
			switch ch[0] {
			case "buy":
				ev.Bids = append(ev.Bids, lvl)
			case "sell":
				ev.Asks = append(ev.Asks, lvl)
			default:
				return models.OrderBookEvent{}, false, fmt.Errorf("unknown change side %q", ch[0])
			}
		}
		return ev, true, nil

	case "error":
		return models.OrderBookEvent{}, false, &FrameError{Message: frame.Message, Reason: frame.Reason}

	default:
		return models.OrderBookEvent{}, false, nil
	}
}

func pairLevels(entries [][2]string) ([]models.Level, error) {
	out := make([]models.Level, 0, len(entries))
	for _, e := range entries {
		lvl, err := models.ParseLevel(e[0], e[1])
		if err != nil {
			return nil, err
		}
		out = append(out, lvl)
	}
	return out, nil
}
