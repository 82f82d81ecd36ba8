package symbols

import (
	"fmt"
	"strings"

	"depthwatch/models"
)

// Split parses a BASE/QUOTE pair symbol.
func Split(symbol string) (base, quote string, err error) {
	parts := strings.Split(strings.TrimSpace(symbol), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("symbol %q is not in BASE/QUOTE form", symbol)
	}
	return strings.ToUpper(parts[0]), strings.ToUpper(parts[1]), nil
}

// ToExchange converts a BASE/QUOTE symbol to the venue specific format.
// Binance joins without separator, Coinbase uses a dash, Kraken keeps the
// slash and calls bitcoin XBT.
func ToExchange(exchange models.ExchangeName, symbol string) (string, error) {
	base, quote, err := Split(symbol)
	if err != nil {
		return "", err
	}
	switch exchange {
	case models.ExchangeBinance:
		return base + quote, nil
	case models.ExchangeCoinbase:
		return base + "-" + quote, nil
	case models.ExchangeKraken:
		if base == "BTC" {
			base = "XBT"
		}
		if quote == "BTC" {
			quote = "XBT"
		}
		return base + "/" + quote, nil
	default:
		return "", fmt.Errorf("unsupported exchange %q", exchange)
	}
}
