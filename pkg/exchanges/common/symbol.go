package common

import (
	"fmt"
	"strings"
)

// quoteAssets are recognised settlement currencies, longest match first.
var quoteAssets = []string{"FDUSD", "USDT", "USDC", "BUSD", "USD"}

// NormalizeSymbol converts venue and charting spellings (BTCUSDT, btc/usdt,
// BTC-USDT-SWAP, BINANCE:BTCUSDT.P, BTCUSDTPERP) to the canonical BASE-QUOTE
// form.
func NormalizeSymbol(raw string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if i := strings.LastIndex(s, ":"); i >= 0 {
		s = s[i+1:]
	}
	for _, suffix := range []string{"-SWAP", ".P", "-PERP", "_PERP", "PERP"} {
		s = strings.TrimSuffix(s, suffix)
	}
	if s == "" {
		return "", fmt.Errorf("empty symbol")
	}

	for _, sep := range []string{"-", "/", "_"} {
		if base, quote, ok := strings.Cut(s, sep); ok {
			if base == "" || quote == "" || !isAlnum(base) || !isAlnum(quote) {
				return "", fmt.Errorf("invalid symbol %q", raw)
			}
			return base + "-" + quote, nil
		}
	}

	if !isAlnum(s) {
		return "", fmt.Errorf("invalid symbol %q", raw)
	}
	for _, q := range quoteAssets {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return s[:len(s)-len(q)] + "-" + q, nil
		}
	}
	return "", fmt.Errorf("unknown quote asset in %q", raw)
}

// SplitSymbol returns base and quote of a canonical symbol.
func SplitSymbol(canonical string) (base, quote string, err error) {
	base, quote, ok := strings.Cut(canonical, "-")
	if !ok || base == "" || quote == "" {
		return "", "", fmt.Errorf("symbol %q is not BASE-QUOTE", canonical)
	}
	return base, quote, nil
}

func isAlnum(s string) bool {
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
