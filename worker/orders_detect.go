package worker

import (
	"sort"

	"github.com/shopspring/decimal"

	"depthwatch/models"
)

// DetectionParams bounds the dominance search over the top of one side.
type DetectionParams struct {
	TopN             int
	Multiplier       decimal.Decimal
	MinimumLiquidity decimal.Decimal
	MaximumAnomalies int
}

type rankedLevel struct {
	position  int
	level     models.Level
	liquidity decimal.Decimal
}

// DetectSide finds levels whose liquidity dominates the rest of the top N.
// levels must be ordered from the best price outwards. The returned anomalies
// carry price, quantity, liquidity, average liquidity of the rest, position
// and type; identifiers and timestamps are left to the caller.
func DetectSide(levels []models.Level, typ models.AnomalyType, p DetectionParams) []models.OrderBookAnomaly {
	top := levels
	if p.TopN > 0 && len(top) > p.TopN {
		top = top[:p.TopN]
	}
	if len(top) <= 1 {
		return nil
	}

	total := decimal.Zero
	ranked := make([]rankedLevel, 0, len(top))
	for i, l := range top {
		liq := l.Liquidity()
		total = total.Add(liq)
		ranked = append(ranked, rankedLevel{position: i, level: l, liquidity: liq})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].liquidity.GreaterThan(ranked[j].liquidity)
	})

	n := decimal.NewFromInt(int64(len(ranked)))
	rest := decimal.NewFromInt(int64(len(ranked) - 1))

	for i := 1; i < len(ranked); i++ {
		if i == p.MaximumAnomalies+1 {
			return nil
		}
		prev, cur := ranked[i-1], ranked[i]
		avgRest := total.Sub(prev.liquidity).Div(rest)

		if prev.liquidity.LessThan(avgRest.Div(n)) {
			return nil
		}
		if !prev.liquidity.GreaterThan(p.Multiplier.Mul(cur.liquidity)) {
			continue
		}
		if cur.liquidity.LessThan(p.MinimumLiquidity) {
			return nil
		}

		out := make([]models.OrderBookAnomaly, 0, i)
		for _, r := range ranked[:i] {
			out = append(out, models.OrderBookAnomaly{
				Price:            r.level.Price,
				Quantity:         r.level.Quantity,
				OrderLiquidity:   r.liquidity,
				AverageLiquidity: avgRest,
				Position:         r.position,
				Type:             typ,
			})
		}
		return out
	}
	return nil
}

// Detect runs DetectSide on asks (ascending) and bids (descending).
func Detect(book *models.OrderBook, p DetectionParams) []models.OrderBookAnomaly {
	out := DetectSide(book.Asks.Ascending(), models.AnomalyAsk, p)
	return append(out, DetectSide(book.Bids.Descending(), models.AnomalyBid, p)...)
}
