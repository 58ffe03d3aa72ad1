package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/card-cart/internal/core/domain"
	"github.com/rl1809/card-cart/internal/port"
)

var lineRowColumns = []string{"id", "user_id", "product_id", "quantity", "unit_price", "added_at"}

func newMockAdapter(t *testing.T) (*MySQLAdapter, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewMySQLAdapter(db), mock
}

func beginMockTx(t *testing.T, adapter *MySQLAdapter, mock sqlmock.Sqlmock) port.CartTx {
	t.Helper()
	mock.ExpectBegin()
	tx, err := adapter.BeginTx(context.Background())
	require.NoError(t, err)
	return tx
}

func TestLockStock(t *testing.T) {
	adapter, mock := newMockAdapter(t)
	tx := beginMockTx(t, adapter, mock)
	ctx := context.Background()

	query := regexp.QuoteMeta(`SELECT id, price, available_quantity
		FROM products WHERE id = ? FOR UPDATE`)
	mock.ExpectQuery(query).WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "price", "available_quantity"}).AddRow(int64(5), "10.00", 3))
	mock.ExpectQuery(query).WithArgs(int64(6)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "price", "available_quantity"}))

	stock, err := tx.LockStock(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), stock.ProductID)
	assert.True(t, stock.Price.Equal(decimal.RequireFromString("10.00")))
	assert.Equal(t, 3, stock.Available)

	_, err = tx.LockStock(ctx, 6)
	assert.ErrorIs(t, err, port.ErrRowNotFound)

	mock.ExpectRollback()
	require.NoError(t, tx.Rollback())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLockLine_ScopedToUser(t *testing.T) {
	adapter, mock := newMockAdapter(t)
	tx := beginMockTx(t, adapter, mock)
	ctx := context.Background()
	addedAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM cart_lines WHERE id = ? AND user_id = ? FOR UPDATE`)).
		WithArgs(int64(9), "user-1").
		WillReturnRows(sqlmock.NewRows(lineRowColumns).AddRow(int64(9), "user-1", int64(5), 2, "10.00", addedAt))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM cart_lines WHERE id = ? AND user_id = ? FOR UPDATE`)).
		WithArgs(int64(9), "user-2").
		WillReturnRows(sqlmock.NewRows(lineRowColumns))

	line, err := tx.LockLine(ctx, "user-1", 9)
	require.NoError(t, err)
	assert.Equal(t, int64(9), line.ID)
	assert.Equal(t, "user-1", line.UserID)
	assert.Equal(t, int64(5), line.ProductID)
	assert.Equal(t, 2, line.Quantity)
	assert.True(t, line.UnitPrice.Equal(decimal.RequireFromString("10")))
	assert.Equal(t, addedAt, line.AddedAt)

	_, err = tx.LockLine(ctx, "user-2", 9)
	assert.ErrorIs(t, err, port.ErrRowNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPeekLine_DoesNotLock(t *testing.T) {
	adapter, mock := newMockAdapter(t)
	tx := beginMockTx(t, adapter, mock)

	mock.ExpectQuery(`FROM cart_lines WHERE id = \? AND user_id = \?$`).
		WithArgs(int64(9), "user-1").
		WillReturnRows(sqlmock.NewRows(lineRowColumns).AddRow(int64(9), "user-1", int64(5), 2, "10.00", time.Now()))

	line, err := tx.PeekLine(context.Background(), "user-1", 9)
	require.NoError(t, err)
	assert.Equal(t, int64(5), line.ProductID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertLine(t *testing.T) {
	adapter, mock := newMockAdapter(t)
	tx := beginMockTx(t, adapter, mock)
	ctx := context.Background()

	line := domain.CartLine{
		UserID:    "user-1",
		ProductID: 5,
		Quantity:  2,
		UnitPrice: decimal.RequireFromString("10.00"),
		AddedAt:   time.Now().UTC(),
	}
	insert := regexp.QuoteMeta(`INSERT INTO cart_lines (user_id, product_id, quantity, unit_price, added_at)`)

	mock.ExpectExec(insert).
		WithArgs("user-1", int64(5), 2, line.UnitPrice, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(42, 1))
	mock.ExpectExec(insert).
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'user-1-5' for key 'uniq_cart_user_product'"})

	id, err := tx.InsertLine(ctx, line)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	_, err = tx.InsertLine(ctx, line)
	assert.ErrorIs(t, err, port.ErrDuplicateLine)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateAndDeleteLine_RequireRow(t *testing.T) {
	adapter, mock := newMockAdapter(t)
	tx := beginMockTx(t, adapter, mock)
	ctx := context.Background()
	line := domain.CartLine{ID: 9, Quantity: 4, UnitPrice: decimal.RequireFromString("2.50")}

	update := regexp.QuoteMeta(`UPDATE cart_lines SET quantity = ?, unit_price = ?`)
	mock.ExpectExec(update).WithArgs(4, line.UnitPrice, int64(9)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(update).WithArgs(4, line.UnitPrice, int64(9)).WillReturnResult(sqlmock.NewResult(0, 0))

	del := regexp.QuoteMeta(`DELETE FROM cart_lines WHERE id = ?`)
	mock.ExpectExec(del).WithArgs(int64(9)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(del).WithArgs(int64(9)).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, tx.UpdateLine(ctx, line))
	assert.ErrorIs(t, tx.UpdateLine(ctx, line), port.ErrRowNotFound)
	require.NoError(t, tx.DeleteLine(ctx, 9))
	assert.ErrorIs(t, tx.DeleteLine(ctx, 9), port.ErrRowNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdjustStock(t *testing.T) {
	update := regexp.QuoteMeta(`UPDATE products
		SET available_quantity = available_quantity + ?
		WHERE id = ? AND available_quantity + ? >= 0`)
	exists := regexp.QuoteMeta(`SELECT 1 FROM products WHERE id = ?`)

	tests := []struct {
		name    string
		setup   func(mock sqlmock.Sqlmock)
		wantErr error
	}{
		{
			name: "applied",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(update).WithArgs(-2, int64(5), -2).WillReturnResult(sqlmock.NewResult(0, 1))
			},
		},
		{
			name: "underflow",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(update).WithArgs(-2, int64(5), -2).WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectQuery(exists).WithArgs(int64(5)).WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
			},
			wantErr: port.ErrStockUnderflow,
		},
		{
			name: "product gone",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(update).WithArgs(-2, int64(5), -2).WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectQuery(exists).WithArgs(int64(5)).WillReturnRows(sqlmock.NewRows([]string{"1"}))
			},
			wantErr: port.ErrRowNotFound,
		},
		{
			name: "check constraint",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(update).WithArgs(-2, int64(5), -2).
					WillReturnError(&mysql.MySQLError{Number: 3819, Message: "Check constraint 'chk_products_available' is violated."})
			},
			wantErr: port.ErrStockUnderflow,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter, mock := newMockAdapter(t)
			tx := beginMockTx(t, adapter, mock)
			tt.setup(mock)

			err := tx.AdjustStock(context.Background(), 5, -2)
			if tt.wantErr == nil {
				require.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestListLines_NewestFirst(t *testing.T) {
	adapter, mock := newMockAdapter(t)
	newer := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
	older := newer.Add(-time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta(`ORDER BY added_at DESC, id DESC`)).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows(lineRowColumns).
			AddRow(int64(2), "user-1", int64(7), 1, "4.50", newer).
			AddRow(int64(1), "user-1", int64(5), 3, "10.00", older))

	lines, err := adapter.ListLines(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, int64(2), lines[0].ID)
	assert.Equal(t, int64(1), lines[1].ID)
	assert.True(t, lines[1].Subtotal().Equal(decimal.RequireFromString("30")))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListLines_EmptyIsNotNil(t *testing.T) {
	adapter, mock := newMockAdapter(t)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM cart_lines WHERE user_id = ?`)).
		WithArgs("nobody").
		WillReturnRows(sqlmock.NewRows(lineRowColumns))

	lines, err := adapter.ListLines(context.Background(), "nobody")
	require.NoError(t, err)
	assert.NotNil(t, lines)
	assert.Empty(t, lines)
}

func TestRollbackAfterCommitIsNoop(t *testing.T) {
	adapter, mock := newMockAdapter(t)
	tx := beginMockTx(t, adapter, mock)

	mock.ExpectCommit()
	require.NoError(t, tx.Commit())
	require.NoError(t, tx.Rollback())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMapMySQLError_PassThrough(t *testing.T) {
	other := &mysql.MySQLError{Number: 1205, Message: "Lock wait timeout exceeded"}
	err := mapMySQLError(other)
	assert.Same(t, other, err)

	plain := errors.New("connection reset")
	assert.Equal(t, plain, mapMySQLError(plain))
}
