package prices

import (
	"sort"
	"strings"
)

// Symbol is a canonical instrument identifier such as "XAU/USD".
type Symbol string

func (s Symbol) String() string { return string(s) }

const (
	XAUUSD Symbol = "XAU/USD"
	EURUSD Symbol = "EUR/USD"
	GBPUSD Symbol = "GBP/USD"
	USDJPY Symbol = "USD/JPY"
	BTCUSD Symbol = "BTC/USD"
	AAPL   Symbol = "AAPL"
	SPY    Symbol = "SPY"
)

var supported = []Symbol{XAUUSD, EURUSD, GBPUSD, USDJPY, BTCUSD, AAPL, SPY}

var supportedSet = func() map[Symbol]struct{} {
	m := make(map[Symbol]struct{}, len(supported))
	for _, s := range supported {
		m[s] = struct{}{}
	}
	return m
}()

// Supported returns the fixed symbol set tracked by both the aggregator and
// the synchronizer. The returned slice is a copy.
func Supported() []Symbol {
	out := make([]Symbol, len(supported))
	copy(out, supported)
	return out
}

// IsSupported reports whether s is part of the supported set.
func IsSupported(s Symbol) bool {
	_, ok := supportedSet[s]
	return ok
}

// aliasMap resolves vendor spellings (lower-cased, separators stripped) to
// canonical symbols.
var aliasMap = map[string]Symbol{
	"xauusd":  XAUUSD,
	"gold":    XAUUSD,
	"eurusd":  EURUSD,
	"gbpusd":  GBPUSD,
	"usdjpy":  USDJPY,
	"btcusd":  BTCUSD,
	"btcusdt": BTCUSD,
	"xbtusd":  BTCUSD,
	"aapl":    AAPL,
	"spy":     SPY,
}

// NormalizeSymbol maps a provider-specific identifier onto the supported set.
// Rules:
//   - an exchange prefix before ':' is dropped (OANDA:XAU_USD, BINANCE:BTCUSDT)
//   - case is folded and '/', '_', '-' and spaces are removed before lookup
//
// The second return value is false for anything outside the supported set.
func NormalizeSymbol(raw string) (Symbol, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", false
	}
	if IsSupported(Symbol(s)) {
		return Symbol(s), true
	}
	if idx := strings.LastIndex(s, ":"); idx >= 0 {
		s = s[idx+1:]
	}
	key := strings.Map(func(r rune) rune {
		switch r {
		case '/', '_', '-', ' ', '.':
			return -1
		}
		return r
	}, strings.ToLower(s))
	sym, ok := aliasMap[key]
	return sym, ok
}

// SortSymbols sorts in place and returns ss for chaining.
func SortSymbols(ss []Symbol) []Symbol {
	sort.Slice(ss, func(i, j int) bool { return ss[i] < ss[j] })
	return ss
}

// Join renders symbols as a comma separated batch, the shape upstream
// providers accept.
func Join(ss []Symbol) string {
	parts := make([]string, len(ss))
	for i, s := range ss {
		parts[i] = string(s)
	}
	return strings.Join(parts, ",")
}
