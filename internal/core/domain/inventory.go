package domain

import "github.com/shopspring/decimal"

// StockRecord is the sellable stock of one catalog product. The catalog owns
// the row; the cart engine only reads the price and moves units in and out.
type StockRecord struct {
	ProductID int64
	Price     decimal.Decimal
	Available int
}

// CanCover reports whether quantity more units can be taken from stock.
func (s StockRecord) CanCover(quantity int) bool {
	return quantity <= s.Available
}
