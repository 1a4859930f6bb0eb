package symbols

import "strings"

var exchangeAliases = map[string]string{
	"binance-futures":  "binance",
	"binance-delivery": "binance",
	"binance-usdm":     "binance",
	"bybit-spot":       "bybit",
	"bybit-linear":     "bybit",
	"okex":             "okx",
	"okex-swap":        "okx",
	"okex-futures":     "okx",
	"kucoin-futures":   "kucoin",
}

// Exchange returns the canonical lower case exchange name. Archive feeds
// name market segments separately ("binance-futures"); they collapse onto
// the venue.
func Exchange(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if alias, ok := exchangeAliases[name]; ok {
		return alias
	}
	return name
}

// Canonical converts exchange specific symbol formats to Binance style: upper
// case without separators, BTC instead of XBT and no contract multipliers.
// Currently supported exchanges: binance, bybit, kucoin, coinbase, kraken, okx, bitmex.
func Canonical(exchange, sym string) string {
	sym = strings.ToUpper(strings.TrimSpace(sym))
	switch Exchange(exchange) {
	case "binance":
		switch sym {
		case "1000BONKUSDT":
			sym = "BONKUSDT"
		case "1000PEPEUSDT":
			sym = "PEPEUSDT"
		case "1000SHIBUSDT":
			sym = "SHIBUSDT"
		}
	case "bybit":
		switch sym {
		case "1000BONKUSDT":
			sym = "BONKUSDT"
		case "1000PEPEUSDT":
			sym = "PEPEUSDT"
		case "SHIB1000USDT":
			sym = "SHIBUSDT"
		}
	case "coinbase":
		sym = strings.ReplaceAll(sym, "-", "")
	case "kraken":
		sym = strings.ReplaceAll(sym, "/", "")
		sym = strings.ReplaceAll(sym, "-", "")
		sym = xbtToBTC(sym)
	case "kucoin":
		sym = strings.ReplaceAll(sym, "-", "")
		sym = strings.TrimSuffix(sym, "M")
		sym = xbtToBTC(sym)
	case "okx":
		sym = strings.TrimSuffix(sym, "-SWAP")
		sym = strings.ReplaceAll(sym, "-", "")
	case "bitmex":
		sym = xbtToBTC(sym)
	default:
		// others already use the desired format
	}
	return sym
}

func xbtToBTC(sym string) string {
	if strings.HasPrefix(sym, "XBT") {
		return "BTC" + sym[3:]
	}
	return sym
}
