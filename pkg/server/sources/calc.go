package sources

import "github.com/shopspring/decimal"

var (
	hundred = decimal.NewFromInt(100)
	two     = decimal.NewFromInt(2)
)

// SpreadPercent returns (ask - bid) / mid * 100, undefined if either side is non-positive.
func SpreadPercent(bid, ask decimal.Decimal) (decimal.Decimal, bool) {
	if !bid.IsPositive() || !ask.IsPositive() {
		return decimal.Zero, false
	}
	mid := bid.Add(ask).Div(two)
	return ask.Sub(bid).Div(mid).Mul(hundred), true
}

// BestBidAsk takes bid/ask from the ticker when both are present, else from the book top.
func BestBidAsk(t *TickerSnapshot, ob *OrderBookSnapshot) (bid, ask decimal.Decimal, ok bool) {
	if t != nil && t.Bid.Valid && t.Ask.Valid {
		return t.Bid.Decimal, t.Ask.Decimal, true
	}
	if ob != nil && len(ob.Bids) > 0 && len(ob.Asks) > 0 {
		return ob.Bids[0].Price, ob.Asks[0].Price, true
	}
	return decimal.Zero, decimal.Zero, false
}

// SpreadOf computes the spread from whatever the ticker and book provide.
func SpreadOf(t *TickerSnapshot, ob *OrderBookSnapshot) (decimal.Decimal, bool) {
	bid, ask, ok := BestBidAsk(t, ob)
	if !ok {
		return decimal.Zero, false
	}
	return SpreadPercent(bid, ask)
}

// DepthOf averages the notional of the top-K bids and the top-K asks.
// K <= 0 uses every level in the book.
func DepthOf(ob *OrderBookSnapshot, k int) (decimal.Decimal, bool) {
	if ob == nil || len(ob.Bids) == 0 || len(ob.Asks) == 0 {
		return decimal.Zero, false
	}
	bidNotional := notional(ob.Bids, k)
	askNotional := notional(ob.Asks, k)
	return bidNotional.Add(askNotional).Div(two), true
}

func notional(levels []Level, k int) decimal.Decimal {
	if k > 0 && len(levels) > k {
		levels = levels[:k]
	}
	sum := decimal.Zero
	for _, l := range levels {
		sum = sum.Add(l.Price.Mul(l.Size))
	}
	return sum
}
