package sources

import (
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// OptionalDecimal parses a numeric string. Empty or unparsable input is absent.
func OptionalDecimal(s string) decimal.NullDecimal {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

// PositiveDecimal is OptionalDecimal restricted to values > 0.
func PositiveDecimal(s string) decimal.NullDecimal {
	d := OptionalDecimal(s)
	if !d.Valid || !d.Decimal.IsPositive() {
		return decimal.NullDecimal{}
	}
	return d
}

// JSONDecimal reads a gjson field that may be a JSON number or a numeric string.
// Missing fields, nulls and anything else are absent.
func JSONDecimal(r gjson.Result) decimal.NullDecimal {
	switch r.Type {
	case gjson.Number:
		// Raw keeps the venue's digits; Float() would round them.
		return OptionalDecimal(r.Raw)
	case gjson.String:
		return OptionalDecimal(r.Str)
	default:
		return decimal.NullDecimal{}
	}
}

// FirstDecimal returns the first present field among the given paths.
func FirstDecimal(obj gjson.Result, paths ...string) decimal.NullDecimal {
	for _, p := range paths {
		if d := JSONDecimal(obj.Get(p)); d.Valid {
			return d
		}
	}
	return decimal.NullDecimal{}
}

// LevelsFromPairs reads levels shaped as [["price","size"], ...].
func LevelsFromPairs(arr gjson.Result) []Level {
	var out []Level
	arr.ForEach(func(_, item gjson.Result) bool {
		if lvl, ok := NewLevel(JSONDecimal(item.Get("0")), JSONDecimal(item.Get("1"))); ok {
			out = append(out, lvl)
		}
		return true
	})
	return out
}

// LevelsFromObjects reads levels shaped as [{"price":..,"<size>":..}, ...],
// trying each size key in order.
func LevelsFromObjects(arr gjson.Result, priceKey string, sizeKeys ...string) []Level {
	var out []Level
	arr.ForEach(func(_, item gjson.Result) bool {
		if lvl, ok := NewLevel(JSONDecimal(item.Get(priceKey)), FirstDecimal(item, sizeKeys...)); ok {
			out = append(out, lvl)
		}
		return true
	})
	return out
}

// NewLevel builds a level when both price and size are present and positive.
func NewLevel(price, size decimal.NullDecimal) (Level, bool) {
	if !price.Valid || !size.Valid || !price.Decimal.IsPositive() || !size.Decimal.IsPositive() {
		return Level{}, false
	}
	return Level{Price: price.Decimal, Size: size.Decimal}, true
}

// NormalizeBook sorts bids descending and asks ascending and caps both at depth.
func NormalizeBook(bids, asks []Level, depth int) ([]Level, []Level) {
	sort.SliceStable(bids, func(i, j int) bool { return bids[i].Price.GreaterThan(bids[j].Price) })
	sort.SliceStable(asks, func(i, j int) bool { return asks[i].Price.LessThan(asks[j].Price) })
	if depth > 0 {
		if len(bids) > depth {
			bids = bids[:depth]
		}
		if len(asks) > depth {
			asks = asks[:depth]
		}
	}
	return bids, asks
}

// SymbolMapper maps instruments (base assets such as "ETH") to venue symbols.
// It is safe for concurrent use.
type SymbolMapper struct {
	format    func(instrument string) string
	overrides map[string]string

	mu      sync.RWMutex
	reverse map[string]string
}

// NewSymbolMapper builds a mapper from a default format and per-instrument overrides.
func NewSymbolMapper(format func(instrument string) string, overrides map[string]string) *SymbolMapper {
	return &SymbolMapper{
		format:    format,
		overrides: overrides,
		reverse:   make(map[string]string),
	}
}

// Register records the instruments so venue symbols can be mapped back.
func (m *SymbolMapper) Register(instruments []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range instruments {
		m.reverse[strings.ToUpper(m.Symbol(inst))] = inst
	}
}

// Symbol returns the venue symbol for an instrument.
func (m *SymbolMapper) Symbol(instrument string) string {
	if s, ok := m.overrides[instrument]; ok {
		return s
	}
	return m.format(instrument)
}

// Instrument maps a venue symbol back to a registered instrument, case-insensitively.
func (m *SymbolMapper) Instrument(symbol string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.reverse[strings.ToUpper(symbol)]
	return inst, ok
}
