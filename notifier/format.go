package notifier

import (
	"fmt"
	"strings"

	"depthwatch/models"
)

// FormatAnomalies renders a batch as one plain-text message, one line per anomaly.
func FormatAnomalies(kind string, pair models.Pair, batch []models.OrderBookAnomaly) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s (%d)", pair.Symbol, title(kind), len(batch))
	for _, a := range batch {
		fmt.Fprintf(&b, "\n%s %s qty %s liquidity %s avg %s pos %d",
			a.Type, a.Price.String(), a.Quantity.String(),
			a.OrderLiquidity.StringFixed(0), a.AverageLiquidity.StringFixed(0), a.Position)
	}
	return b.String()
}

func FormatVolume(pair models.Pair, v models.VolumeDeviation) string {
	return fmt.Sprintf("%s volume deviation x%s\ncurrent %d previous %s bid/ask ratio %s",
		pair.Symbol, v.Deviation.StringFixed(2), v.CurrentVolume,
		v.PreviousVolume.StringFixed(0), v.BidAskRatio.StringFixed(3))
}

func FormatSummary(pair models.Pair, s models.SummaryDeviation) string {
	dev := "n/a"
	if s.Deviation != nil {
		dev = "x" + s.Deviation.StringFixed(2)
	}
	return fmt.Sprintf("%s anomalies summary deviation %s\ncurrent %s previous %s",
		pair.Symbol, dev, s.Current.StringFixed(0), s.Previous.StringFixed(0))
}

func title(kind string) string {
	switch kind {
	case KindDetection:
		return "anomalies detected"
	case KindCancellation:
		return "anomalies cancelled"
	case KindRealization:
		return "anomalies realized"
	default:
		return strings.ReplaceAll(kind, "_", " ")
	}
}
