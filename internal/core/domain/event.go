package domain

import "time"

type CartEventType string

const (
	CartLineAdded   CartEventType = "cart_line.added"
	CartLineUpdated CartEventType = "cart_line.updated"
	CartLineRemoved CartEventType = "cart_line.removed"
)

// CartEvent describes a committed change to a cart line. StockDelta is the
// change applied to the product's available quantity (negative when units
// moved into the cart).
type CartEvent struct {
	ID         string        `json:"id"`
	Type       CartEventType `json:"type"`
	UserID     string        `json:"user_id"`
	ItemID     int64         `json:"item_id"`
	ProductID  int64         `json:"product_id"`
	Quantity   int           `json:"quantity"`
	StockDelta int           `json:"stock_delta"`
	OccurredAt time.Time     `json:"occurred_at"`
}
