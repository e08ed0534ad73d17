package models

import "time"

// Quote is one symbol's price data for one poll cycle. A nil Price means the
// upstream provider had no usable data for the symbol this cycle; that is an
// expected state, not an error.
type Quote struct {
	Symbol       string
	Price        *float64
	Delta        *float64
	DeltaPercent *float64
	Timestamp    time.Time
}

// Unavailable builds the explicit "no data this cycle" quote for a symbol.
func Unavailable(symbol string, at time.Time) Quote {
	return Quote{Symbol: symbol, Timestamp: at}
}

// Available reports whether the provider returned a usable price.
func (q Quote) Available() bool {
	return q.Price != nil
}

// Overlay carries per-watchlist position data merged into broadcast frames.
type Overlay struct {
	Quantity  float64
	CostBasis float64
}

// TopicData is the resolved state of one watchlist topic: the symbols to poll
// and the position overlay keyed by symbol (absent symbols have no position).
type TopicData struct {
	TopicID int64
	Symbols []string
	Overlay map[string]Overlay
}
