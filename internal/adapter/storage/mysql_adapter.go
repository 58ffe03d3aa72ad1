package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"

	"github.com/rl1809/card-cart/internal/core/domain"
	"github.com/rl1809/card-cart/internal/port"
)

const (
	mysqlErrDuplicateEntry  = 1062
	mysqlErrCheckConstraint = 3819
)

const lineColumns = `id, user_id, product_id, quantity, unit_price, added_at`

type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

// BeginTx runs at READ COMMITTED so a locking read that finds no cart line
// takes no gap lock; the unique key still catches a racing insert.
func (m *MySQLAdapter) BeginTx(ctx context.Context) (port.CartTx, error) {
	tx, err := m.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &mysqlTx{tx: tx}, nil
}

func (m *MySQLAdapter) ListLines(ctx context.Context, userID string) ([]domain.CartLine, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT `+lineColumns+`
		FROM cart_lines WHERE user_id = ?
		ORDER BY added_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query cart lines: %w", err)
	}
	defer rows.Close()

	lines := make([]domain.CartLine, 0)
	for rows.Next() {
		var l domain.CartLine
		if err := rows.Scan(&l.ID, &l.UserID, &l.ProductID, &l.Quantity, &l.UnitPrice, &l.AddedAt); err != nil {
			return nil, fmt.Errorf("scan cart line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cart lines: %w", err)
	}
	return lines, nil
}

func (m *MySQLAdapter) Ping(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

// SeedProduct creates or resets a product's price and stock. The catalog owns
// products in production; this exists for the stress tool and tests.
func (m *MySQLAdapter) SeedProduct(ctx context.Context, productID int64, price decimal.Decimal, available int) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO products (id, price, available_quantity) VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE price = VALUES(price), available_quantity = VALUES(available_quantity)`,
		productID, price, available,
	)
	if err != nil {
		return fmt.Errorf("seed product: %w", err)
	}
	return nil
}

// Available reads a product's stock without locking it.
func (m *MySQLAdapter) Available(ctx context.Context, productID int64) (int, error) {
	var available int
	err := m.db.QueryRowContext(ctx,
		`SELECT available_quantity FROM products WHERE id = ?`, productID,
	).Scan(&available)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, port.ErrRowNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("query product: %w", err)
	}
	return available, nil
}

type mysqlTx struct {
	tx *sql.Tx
}

func (t *mysqlTx) LockStock(ctx context.Context, productID int64) (*domain.StockRecord, error) {
	var s domain.StockRecord
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, price, available_quantity
		FROM products WHERE id = ? FOR UPDATE`, productID,
	).Scan(&s.ProductID, &s.Price, &s.Available)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, port.ErrRowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock product %d: %w", productID, err)
	}
	return &s, nil
}

func (t *mysqlTx) PeekLine(ctx context.Context, userID string, itemID int64) (*domain.CartLine, error) {
	return t.queryLine(ctx, `
		SELECT `+lineColumns+`
		FROM cart_lines WHERE id = ? AND user_id = ?`, itemID, userID)
}

func (t *mysqlTx) LockLine(ctx context.Context, userID string, itemID int64) (*domain.CartLine, error) {
	return t.queryLine(ctx, `
		SELECT `+lineColumns+`
		FROM cart_lines WHERE id = ? AND user_id = ? FOR UPDATE`, itemID, userID)
}

func (t *mysqlTx) LockLineByProduct(ctx context.Context, userID string, productID int64) (*domain.CartLine, error) {
	return t.queryLine(ctx, `
		SELECT `+lineColumns+`
		FROM cart_lines WHERE user_id = ? AND product_id = ? FOR UPDATE`, userID, productID)
}

func (t *mysqlTx) queryLine(ctx context.Context, query string, args ...any) (*domain.CartLine, error) {
	var l domain.CartLine
	err := t.tx.QueryRowContext(ctx, query, args...).
		Scan(&l.ID, &l.UserID, &l.ProductID, &l.Quantity, &l.UnitPrice, &l.AddedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, port.ErrRowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query cart line: %w", err)
	}
	return &l, nil
}

func (t *mysqlTx) InsertLine(ctx context.Context, line domain.CartLine) (int64, error) {
	result, err := t.tx.ExecContext(ctx, `
		INSERT INTO cart_lines (user_id, product_id, quantity, unit_price, added_at)
		VALUES (?, ?, ?, ?, ?)`,
		line.UserID, line.ProductID, line.Quantity, line.UnitPrice, line.AddedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert cart line: %w", mapMySQLError(err))
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read insert id: %w", err)
	}
	return id, nil
}

func (t *mysqlTx) UpdateLine(ctx context.Context, line domain.CartLine) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE cart_lines SET quantity = ?, unit_price = ?
		WHERE id = ?`,
		line.Quantity, line.UnitPrice, line.ID,
	)
	if err != nil {
		return fmt.Errorf("update cart line: %w", mapMySQLError(err))
	}
	return requireRow(result)
}

func (t *mysqlTx) DeleteLine(ctx context.Context, itemID int64) error {
	result, err := t.tx.ExecContext(ctx, `DELETE FROM cart_lines WHERE id = ?`, itemID)
	if err != nil {
		return fmt.Errorf("delete cart line: %w", err)
	}
	return requireRow(result)
}

func (t *mysqlTx) AdjustStock(ctx context.Context, productID int64, delta int) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE products
		SET available_quantity = available_quantity + ?
		WHERE id = ? AND available_quantity + ? >= 0`,
		delta, productID, delta,
	)
	if err != nil {
		return fmt.Errorf("adjust stock: %w", mapMySQLError(err))
	}

	rows, _ := result.RowsAffected()
	if rows > 0 {
		return nil
	}

	// zero rows: either the product is gone or the guard refused the change
	var exists int
	err = t.tx.QueryRowContext(ctx, `SELECT 1 FROM products WHERE id = ?`, productID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return port.ErrRowNotFound
	}
	if err != nil {
		return fmt.Errorf("check product: %w", err)
	}
	return port.ErrStockUnderflow
}

func (t *mysqlTx) Commit() error {
	return t.tx.Commit()
}

func (t *mysqlTx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// requireRow relies on clientFoundRows so that matched rows count even when
// the values did not change.
func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return port.ErrRowNotFound
	}
	return nil
}

func mapMySQLError(err error) error {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return err
	}
	switch myErr.Number {
	case mysqlErrDuplicateEntry:
		return fmt.Errorf("%w: %s", port.ErrDuplicateLine, myErr.Message)
	case mysqlErrCheckConstraint:
		return fmt.Errorf("%w: %s", port.ErrStockUnderflow, myErr.Message)
	}
	return err
}
