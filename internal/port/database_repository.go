package port

import (
	"context"
	"errors"

	"github.com/rl1809/card-cart/internal/core/domain"
)

var (
	ErrRowNotFound    = errors.New("row not found")
	ErrDuplicateLine  = errors.New("cart line already exists for user and product")
	ErrStockUnderflow = errors.New("stock adjustment would go below zero")
)

type DatabaseRepository interface {
	// BeginTx opens a transaction on a pooled connection. The caller must end it
	// with Commit or Rollback.
	BeginTx(ctx context.Context) (CartTx, error)

	// ListLines returns the user's cart lines, most recently added first
	ListLines(ctx context.Context, userID string) ([]domain.CartLine, error)

	// Ping checks that the store is reachable
	Ping(ctx context.Context) error
}

// CartTx is one store transaction. Lock* methods take an exclusive row lock
// held until Commit or Rollback.
type CartTx interface {
	// LockStock locks the product's stock row, ErrRowNotFound if absent
	LockStock(ctx context.Context, productID int64) (*domain.StockRecord, error)

	// PeekLine reads a line owned by userID without locking it
	PeekLine(ctx context.Context, userID string, itemID int64) (*domain.CartLine, error)

	// LockLine locks a line owned by userID, ErrRowNotFound if absent or foreign
	LockLine(ctx context.Context, userID string, itemID int64) (*domain.CartLine, error)

	// LockLineByProduct locks the user's line for a product, ErrRowNotFound if absent
	LockLineByProduct(ctx context.Context, userID string, productID int64) (*domain.CartLine, error)

	// InsertLine stores a new line and returns its id, ErrDuplicateLine on a unique race
	InsertLine(ctx context.Context, line domain.CartLine) (int64, error)

	// UpdateLine writes quantity and unit price of an existing line
	UpdateLine(ctx context.Context, line domain.CartLine) error

	// DeleteLine removes a line
	DeleteLine(ctx context.Context, itemID int64) error

	// AdjustStock adds delta to available quantity in a single statement.
	// ErrStockUnderflow if the result would be negative, ErrRowNotFound if the
	// product is gone.
	AdjustStock(ctx context.Context, productID int64, delta int) error

	Commit() error
	Rollback() error
}
