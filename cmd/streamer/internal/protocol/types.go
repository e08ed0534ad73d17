package protocol

import (
	"time"

	"github.com/marketlens/portfolio-stream/pkg/models"
)

const TypePriceUpdate = "price_update"

// PriceUpdate is the single outbound frame shape. Nullable fields are
// pointers so that "no data this cycle" serializes as JSON null.
type PriceUpdate struct {
	Type      string `json:"type"`
	TopicID   int64  `json:"topic_id"`
	Items     []Item `json:"items"`
	Timestamp string `json:"timestamp"` // RFC 3339
}

type Item struct {
	Symbol        string   `json:"symbol"`
	Price         *float64 `json:"price"`
	Delta         *float64 `json:"delta"`
	DeltaPercent  *float64 `json:"delta_percent"`
	Quantity      *float64 `json:"quantity"`
	UnrealizedPnL *float64 `json:"unrealized_pnl"`
}

// BuildPriceUpdate merges one cycle's quotes with the topic's position
// overlay, preserving the topic's symbol order.
func BuildPriceUpdate(td *models.TopicData, quotes map[string]models.Quote, at time.Time) PriceUpdate {
	items := make([]Item, 0, len(td.Symbols))
	for _, sym := range td.Symbols {
		q := quotes[sym]
		item := Item{
			Symbol:       sym,
			Price:        q.Price,
			Delta:        q.Delta,
			DeltaPercent: q.DeltaPercent,
		}
		if ov, ok := td.Overlay[sym]; ok {
			qty := ov.Quantity
			item.Quantity = &qty
			if q.Price != nil {
				pnl := (*q.Price - ov.CostBasis) * ov.Quantity
				item.UnrealizedPnL = &pnl
			}
		}
		items = append(items, item)
	}

	return PriceUpdate{
		Type:      TypePriceUpdate,
		TopicID:   td.TopicID,
		Items:     items,
		Timestamp: at.UTC().Format(time.RFC3339),
	}
}
