package binance

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"

	"depthwatch/config"
	"depthwatch/internal/metrics"
	"depthwatch/internal/symbols"
	"depthwatch/logger"
	"depthwatch/models"
	"depthwatch/reader"
)

const eventBuffer = 4096

var wsBaseOnce sync.Once

func init() {
	reader.Register(models.ExchangeBinance, func(symbol string, cfg *config.Config) (reader.DepthStreamer, error) {
		return NewClient(symbol, cfg)
	})
}

type depthServeFunc func(symbol string, handler gobinance.WsDepthHandler, errHandler gobinance.ErrHandler) (chan struct{}, chan struct{}, error)

type snapshotFunc func(ctx context.Context, symbol string, limit int) (*gobinance.DepthResponse, error)

// Client streams spot depth for one symbol: diff stream first, REST snapshot
// second, then updates chained by update id.
type Client struct {
	symbol   string
	pair     string
	limit    int
	log      *logger.Log
	serve    depthServeFunc
	snapshot snapshotFunc
}

func NewClient(pair string, cfg *config.Config) (*Client, error) {
	symbol, err := symbols.ToExchange(models.ExchangeBinance, pair)
	if err != nil {
		return nil, err
	}
	bcfg := cfg.Exchanges.Binance

	rest := gobinance.NewClient("", "")
	rest.HTTPClient = &http.Client{Timeout: bcfg.SnapshotTimeout}
	if bcfg.RestURL != "" {
		rest.BaseURL = strings.TrimRight(bcfg.RestURL, "/")
	}
	if bcfg.WsURL != "" {
		wsBaseOnce.Do(func() { gobinance.BaseWsMainURL = strings.TrimRight(bcfg.WsURL, "/") })
	}

	serve := gobinance.WsDepthServe
	if bcfg.UpdateSpeed == "100ms" {
		serve = gobinance.WsDepthServe100Ms
	}

	return &Client{
		symbol: symbol,
		pair:   pair,
		limit:  bcfg.SnapshotLimit,
		log:    logger.GetLogger(),
		serve:  serve,
		snapshot: func(ctx context.Context, symbol string, limit int) (*gobinance.DepthResponse, error) {
			return rest.NewDepthService().Symbol(symbol).Limit(limit).Do(ctx)
		},
	}, nil
}

// ListenDepthStream implements reader.DepthStreamer.
func (c *Client) ListenDepthStream(ctx context.Context, out chan<- models.OrderBookEvent) error {
	log := c.log.WithComponent("binance_client").WithFields(logger.Fields{"symbol": c.symbol, "pair": c.pair})

	events := make(chan *gobinance.WsDepthEvent, eventBuffer)
	errC := make(chan error, 1)
	quit := make(chan struct{})
	defer close(quit)

	handler := func(ev *gobinance.WsDepthEvent) {
		select {
		case events <- ev:
		case <-quit:
		}
	}
	errHandler := func(err error) {
		select {
		case errC <- err:
		default:
		}
	}

	doneC, stopC, err := c.serve(c.symbol, handler, errHandler)
	if err != nil {
		return fmt.Errorf("subscribe depth stream: %w", err)
	}
	defer func() {
		select {
		case <-doneC:
		default:
			close(stopC)
		}
	}()

	snap, err := c.snapshot(ctx, c.symbol, c.limit)
	if err != nil {
		return fmt.Errorf("fetch depth snapshot: %w", err)
	}
	initEvent, err := snapshotEvent(snap)
	if err != nil {
		metrics.IncParseError("binance")
		return fmt.Errorf("parse depth snapshot: %w", err)
	}
	if err := reader.Emit(ctx, out, initEvent); err != nil {
		return err
	}
	log.WithFields(logger.Fields{"last_update_id": snap.LastUpdateID}).Info("binance snapshot applied")

	seq := &Sequencer{Last: snap.LastUpdateID}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errC:
			return fmt.Errorf("depth stream: %w", err)
		case <-doneC:
			return reader.ErrStreamClosed
		case ev := <-events:
			apply, err := seq.Accept(ev.FirstUpdateID, ev.LastUpdateID)
			if err != nil {
				return err
			}
			if !apply {
				continue
			}
			update, err := updateEvent(ev)
			if err != nil {
				metrics.IncParseError("binance")
				log.WithError(err).Warn("dropping unparsable depth update")
				continue
			}
			if err := reader.Emit(ctx, out, update); err != nil {
				return err
			}
		}
	}
}

// Sequencer chains diff depth updates onto a snapshot. Updates already
// covered by the snapshot are dropped. The first applied update must bridge
// the snapshot and every later one must start right after the previous.
type Sequencer struct {
	Last    int64
	bridged bool
}

// Accept reports whether the update [first, final] must be applied.
func (s *Sequencer) Accept(first, final int64) (bool, error) {
	if final <= s.Last {
		return false, nil
	}
	if !s.bridged {
		if first > s.Last+1 {
			return false, fmt.Errorf("%w: first update %d after snapshot %d", reader.ErrSequenceGap, first, s.Last)
		}
		s.bridged = true
		s.Last = final
		return true, nil
	}
	if first < s.Last || first > s.Last+1 {
		return false, fmt.Errorf("%w: update %d..%d after %d", reader.ErrSequenceGap, first, final, s.Last)
	}
	s.Last = final
	return true, nil
}

func toLevels(levels []common.PriceLevel) ([]models.Level, error) {
	out := make([]models.Level, 0, len(levels))
	for _, l := range levels {
		lvl, err := models.ParseLevel(l.Price, l.Quantity)
		if err != nil {
			return nil, err
		}
		out = append(out, lvl)
	}
	return out, nil
}

func snapshotEvent(snap *gobinance.DepthResponse) (models.OrderBookEvent, error) {
	bids, err := toLevels(snap.Bids)
	if err != nil {
		return models.OrderBookEvent{}, err
	}
	asks, err := toLevels(snap.Asks)
	if err != nil {
		return models.OrderBookEvent{}, err
	}
	return models.OrderBookEvent{Type: models.EventInit, Bids: bids, Asks: asks}, nil
}

func updateEvent(ev *gobinance.WsDepthEvent) (models.OrderBookEvent, error) {
	bids, err := toLevels(ev.Bids)
	if err != nil {
		return models.OrderBookEvent{}, err
	}
	asks, err := toLevels(ev.Asks)
	if err != nil {
		return models.OrderBookEvent{}, err
	}
	return models.OrderBookEvent{Type: models.EventUpdate, Bids: bids, Asks: asks}, nil
}
