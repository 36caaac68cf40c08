package prices

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Entry is one price in a PriceMap. It serializes as {"price": number}.
type Entry struct {
	Price float64 `json:"price"`
}

// Valid reports whether the price is finite and strictly positive.
func (e Entry) Valid() bool { return ValidPrice(e.Price) }

// PriceMap is the canonical unit of exchange between every component.
// Keys are always supported symbols and every present entry has price > 0.
type PriceMap map[Symbol]Entry

// ValidPrice reports whether p is a finite positive number.
func ValidPrice(p float64) bool {
	return p > 0 && !math.IsInf(p, 0) && !math.IsNaN(p)
}

// ParsePrice parses a vendor price string. Vendors send prices as JSON
// strings ("2365.10000") or numbers; both are accepted. Empty, non-numeric,
// zero, negative and non-finite values are rejected.
func ParsePrice(raw string) (float64, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, false
	}
	// decimal refuses "NaN" and "Inf" outright.
	d, err := decimal.NewFromString(s)
	if err != nil || !d.IsPositive() {
		return 0, false
	}
	f := d.InexactFloat64()
	if !ValidPrice(f) {
		return 0, false
	}
	return f, true
}

// Validate returns a copy of m without unsupported keys or invalid prices,
// plus the sorted list of dropped keys.
func (m PriceMap) Validate() (PriceMap, []Symbol) {
	out := make(PriceMap, len(m))
	var dropped []Symbol
	for sym, e := range m {
		if !IsSupported(sym) || !e.Valid() {
			dropped = append(dropped, sym)
			continue
		}
		out[sym] = e
	}
	return out, SortSymbols(dropped)
}

// Clone returns an independent copy.
func (m PriceMap) Clone() PriceMap {
	out := make(PriceMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Symbols returns the keys in sorted order.
func (m PriceMap) Symbols() []Symbol {
	out := make([]Symbol, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return SortSymbols(out)
}

// Merge overlays update onto base and returns the result. Symbols absent
// from update keep their base value; invalid update entries are ignored so a
// merge can never zero out a price. Neither argument is modified.
func Merge(base, update PriceMap) PriceMap {
	out := base.Clone()
	for sym, e := range update {
		if !IsSupported(sym) || !e.Valid() {
			continue
		}
		out[sym] = e
	}
	return out
}

// Seed is the hardcoded fallback used when no persisted snapshot is
// available.
func Seed() PriceMap {
	return PriceMap{
		XAUUSD: {Price: 2350.00},
		EURUSD: {Price: 1.0850},
		GBPUSD: {Price: 1.2700},
		USDJPY: {Price: 155.00},
		BTCUSD: {Price: 65000.00},
		AAPL:   {Price: 210.00},
		SPY:    {Price: 540.00},
	}
}
