package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type CartLine struct {
	ID        int64           `json:"id"`
	UserID    string          `json:"user_id"`
	ProductID int64           `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	AddedAt   time.Time       `json:"added_at"`
}

// Subtotal is quantity times the snapshotted unit price.
func (l CartLine) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// MarshalJSON renders money with two decimals, matching the DECIMAL(10,2)
// columns.
func (l CartLine) MarshalJSON() ([]byte, error) {
	type plain CartLine
	return json.Marshal(struct {
		plain
		UnitPrice string `json:"unit_price"`
		Subtotal  string `json:"subtotal"`
	}{
		plain:     plain(l),
		UnitPrice: l.UnitPrice.StringFixed(2),
		Subtotal:  l.Subtotal().StringFixed(2),
	})
}
