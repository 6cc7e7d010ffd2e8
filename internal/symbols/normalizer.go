package symbols

import "strings"

// quoteSuffixes are stripped from venue tickers, longest first. The list is
// walked once per symbol so stacked suffixes like BTC-USD-PERP lose both
// -PERP and -USD in a single pass.
var quoteSuffixes = []string{"-PERP", "_PERP", "_USDC", "USDT", "PERP", "-USD", "USD"}

// defaultAliases covers bases venues spell inconsistently. Keys are matched
// uppercase, values are canonical BASE-USD.
var defaultAliases = map[string]string{
	"XBT":       "BTC-USD",
	"XBTUSD":    "BTC-USD",
	"XBT-PERP":  "BTC-USD",
	"PERP":      "PERP-USD",
	"PERPUSDT":  "PERP-USD",
	"PERP-PERP": "PERP-USD",
	"USDT":      "USDT-USD",
	"USDC_USDT": "USDC-USD",
}

// Normalizer converts venue-specific tickers to canonical BASE-USD form.
type Normalizer struct {
	aliases map[string]string
}

// New returns a normalizer with the built-in alias table plus extra entries.
// Extra entries win on conflict.
func New(extra map[string]string) *Normalizer {
	aliases := make(map[string]string, len(defaultAliases)+len(extra))
	for k, v := range defaultAliases {
		aliases[strings.ToUpper(k)] = v
	}
	for k, v := range extra {
		aliases[strings.ToUpper(k)] = strings.ToUpper(v)
	}
	return &Normalizer{aliases: aliases}
}

// Normalize maps a raw venue ticker to canonical BASE-USD. It is a pure
// function of the input and idempotent: Normalize(Normalize(s)) == Normalize(s).
func (n *Normalizer) Normalize(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return ""
	}
	if target, ok := n.aliases[s]; ok {
		return target
	}
	for _, suffix := range quoteSuffixes {
		trimmed := strings.TrimSuffix(s, suffix)
		if trimmed != s && trimmed != "" {
			s = trimmed
		}
	}
	return s + "-USD"
}

// Base returns the BASE part of a canonical symbol (BTC for BTC-USD).
func Base(symbol string) string {
	return strings.TrimSuffix(symbol, "-USD")
}
