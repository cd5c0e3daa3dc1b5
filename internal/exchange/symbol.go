package exchange

import "strings"

// knownQuotes is checked longest first when a symbol has no separator
var knownQuotes = []string{"FDUSD", "USDT", "USDC", "BUSD", "TUSD", "KRW", "EUR", "TRY", "BTC", "ETH", "BNB"}

// SplitSymbol returns base and quote assets for "BTC/USDT", "KRW-BTC",
// "BTC-USDT" or "BTCUSDT". Quote is empty when it cannot be determined.
func SplitSymbol(symbol string) (base, quote string) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if s == "" {
		return "", ""
	}
	if i := strings.Index(s, "/"); i >= 0 {
		return s[:i], s[i+1:]
	}
	if i := strings.Index(s, "-"); i >= 0 {
		left, right := s[:i], s[i+1:]
		if left == "KRW" {
			return right, left
		}
		return left, right
	}
	for _, q := range knownQuotes {
		if len(s) > len(q) && strings.HasSuffix(s, q) {
			return strings.TrimSuffix(s, q), q
		}
	}
	return s, ""
}

// NormalizeSymbol returns the canonical "BASE/QUOTE" form when the quote is known
func NormalizeSymbol(symbol string) string {
	base, quote := SplitSymbol(symbol)
	if quote == "" {
		return base
	}
	return base + "/" + quote
}

// BaseAsset returns the base asset of symbol
func BaseAsset(symbol string) string {
	base, _ := SplitSymbol(symbol)
	return base
}

// QuoteAsset returns the quote asset of symbol
func QuoteAsset(symbol string) string {
	_, quote := SplitSymbol(symbol)
	return quote
}
