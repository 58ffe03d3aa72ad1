package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/card-cart/internal/core/domain"
	"github.com/rl1809/card-cart/internal/port"
)

var errBoom = errors.New("boom")

// mockDB is an in-memory store. An open transaction holds mu until it commits
// or rolls back, which serializes transactions the way row locks on a single
// hot product would. Writes are staged and only applied on commit.
type mockDB struct {
	mu     sync.Mutex
	stock  map[int64]domain.StockRecord
	lines  map[int64]domain.CartLine
	nextID int64

	open      atomic.Int32
	commits   atomic.Int32
	rollbacks atomic.Int32

	// failures keyed by tx method name
	fail      map[string]error
	panicOn   string
	beginErr  error
	commitErr error

	lockLog []string
}

func newMockDB() *mockDB {
	return &mockDB{
		stock: make(map[int64]domain.StockRecord),
		lines: make(map[int64]domain.CartLine),
		fail:  make(map[string]error),
	}
}

func (m *mockDB) seedStock(productID int64, price string, available int) {
	m.stock[productID] = domain.StockRecord{
		ProductID: productID,
		Price:     decimal.RequireFromString(price),
		Available: available,
	}
}

func (m *mockDB) available(productID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stock[productID].Available
}

func (m *mockDB) line(itemID int64) (domain.CartLine, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lines[itemID]
	return l, ok
}

func (m *mockDB) lineCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lines)
}

// reserved sums the quantity held in carts for a product
func (m *mockDB) reserved(productID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, l := range m.lines {
		if l.ProductID == productID {
			total += l.Quantity
		}
	}
	return total
}

func (m *mockDB) locks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.lockLog...)
}

func (m *mockDB) BeginTx(ctx context.Context) (port.CartTx, error) {
	if m.beginErr != nil {
		return nil, m.beginErr
	}
	m.mu.Lock()
	m.open.Add(1)
	m.lockLog = nil

	tx := &mockTx{
		db:     m,
		stock:  make(map[int64]domain.StockRecord, len(m.stock)),
		lines:  make(map[int64]domain.CartLine, len(m.lines)),
		nextID: m.nextID,
	}
	for k, v := range m.stock {
		tx.stock[k] = v
	}
	for k, v := range m.lines {
		tx.lines[k] = v
	}
	return tx, nil
}

func (m *mockDB) ListLines(ctx context.Context, userID string) ([]domain.CartLine, error) {
	if err := m.fail["ListLines"]; err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.CartLine
	for _, l := range m.lines {
		if l.UserID == userID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].AddedAt.After(out[j].AddedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (m *mockDB) Ping(ctx context.Context) error { return nil }

type mockTx struct {
	db     *mockDB
	stock  map[int64]domain.StockRecord
	lines  map[int64]domain.CartLine
	nextID int64
	done   bool
}

func (t *mockTx) check(method string) error {
	if t.done {
		return fmt.Errorf("%s on finished transaction", method)
	}
	if t.db.panicOn == method {
		panic("mock panic in " + method)
	}
	return t.db.fail[method]
}

func (t *mockTx) LockStock(ctx context.Context, productID int64) (*domain.StockRecord, error) {
	if err := t.check("LockStock"); err != nil {
		return nil, err
	}
	t.db.lockLog = append(t.db.lockLog, fmt.Sprintf("stock:%d", productID))
	s, ok := t.stock[productID]
	if !ok {
		return nil, port.ErrRowNotFound
	}
	return &s, nil
}

func (t *mockTx) PeekLine(ctx context.Context, userID string, itemID int64) (*domain.CartLine, error) {
	if err := t.check("PeekLine"); err != nil {
		return nil, err
	}
	l, ok := t.lines[itemID]
	if !ok || l.UserID != userID {
		return nil, port.ErrRowNotFound
	}
	return &l, nil
}

func (t *mockTx) LockLine(ctx context.Context, userID string, itemID int64) (*domain.CartLine, error) {
	if err := t.check("LockLine"); err != nil {
		return nil, err
	}
	t.db.lockLog = append(t.db.lockLog, fmt.Sprintf("line:%d", itemID))
	l, ok := t.lines[itemID]
	if !ok || l.UserID != userID {
		return nil, port.ErrRowNotFound
	}
	return &l, nil
}

func (t *mockTx) LockLineByProduct(ctx context.Context, userID string, productID int64) (*domain.CartLine, error) {
	if err := t.check("LockLineByProduct"); err != nil {
		return nil, err
	}
	t.db.lockLog = append(t.db.lockLog, fmt.Sprintf("line:user=%s,product=%d", userID, productID))
	for _, l := range t.lines {
		if l.UserID == userID && l.ProductID == productID {
			return &l, nil
		}
	}
	return nil, port.ErrRowNotFound
}

func (t *mockTx) InsertLine(ctx context.Context, line domain.CartLine) (int64, error) {
	if err := t.check("InsertLine"); err != nil {
		return 0, err
	}
	for _, l := range t.lines {
		if l.UserID == line.UserID && l.ProductID == line.ProductID {
			return 0, port.ErrDuplicateLine
		}
	}
	t.nextID++
	line.ID = t.nextID
	t.lines[line.ID] = line
	return line.ID, nil
}

func (t *mockTx) UpdateLine(ctx context.Context, line domain.CartLine) error {
	if err := t.check("UpdateLine"); err != nil {
		return err
	}
	if _, ok := t.lines[line.ID]; !ok {
		return port.ErrRowNotFound
	}
	t.lines[line.ID] = line
	return nil
}

func (t *mockTx) DeleteLine(ctx context.Context, itemID int64) error {
	if err := t.check("DeleteLine"); err != nil {
		return err
	}
	delete(t.lines, itemID)
	return nil
}

func (t *mockTx) AdjustStock(ctx context.Context, productID int64, delta int) error {
	if err := t.check("AdjustStock"); err != nil {
		return err
	}
	s, ok := t.stock[productID]
	if !ok {
		return port.ErrRowNotFound
	}
	if s.Available+delta < 0 {
		return port.ErrStockUnderflow
	}
	s.Available += delta
	t.stock[productID] = s
	return nil
}

func (t *mockTx) Commit() error {
	if t.done {
		return errors.New("commit on finished transaction")
	}
	t.done = true
	defer t.release()
	if t.db.commitErr != nil {
		return t.db.commitErr
	}
	t.db.stock = t.stock
	t.db.lines = t.lines
	t.db.nextID = t.nextID
	t.db.commits.Add(1)
	return nil
}

func (t *mockTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.db.rollbacks.Add(1)
	t.release()
	return nil
}

func (t *mockTx) release() {
	t.db.open.Add(-1)
	t.db.mu.Unlock()
}

type mockCache struct {
	mu       sync.Mutex
	keys     map[string]bool
	released []string
	err      error
}

func newMockCache() *mockCache {
	return &mockCache{keys: make(map[string]bool)}
}

func (c *mockCache) SetIdempotency(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false, c.err
	}
	if c.keys[key] {
		return false, nil
	}
	c.keys[key] = true
	return true, nil
}

func (c *mockCache) ReleaseIdempotency(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.keys, key)
	c.released = append(c.released, key)
	return nil
}

type mockPublisher struct {
	mu     sync.Mutex
	events []domain.CartEvent
	err    error
}

func (p *mockPublisher) Publish(ctx context.Context, event domain.CartEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func (p *mockPublisher) published() []domain.CartEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.CartEvent(nil), p.events...)
}

// stepClock returns strictly increasing times so added_at ordering is stable
func stepClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}
