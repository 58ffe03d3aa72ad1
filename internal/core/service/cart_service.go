package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rl1809/card-cart/internal/core/domain"
	"github.com/rl1809/card-cart/internal/port"
)

const publishTimeout = 2 * time.Second

// CartService moves units between product stock and cart lines. Every
// mutation runs in one store transaction that locks the stock row before the
// cart line row, so concurrent operations on the same product serialize and
// never deadlock on each other.
type CartService struct {
	db        port.DatabaseRepository
	cache     port.CacheRepository
	publisher port.EventPublisher
	logger    *zap.Logger
	now       func() time.Time
}

type Option func(*CartService)

// WithCache enables idempotency keys for AddItemOnce.
func WithCache(cache port.CacheRepository) Option {
	return func(s *CartService) { s.cache = cache }
}

// WithPublisher enables cart events after each commit.
func WithPublisher(publisher port.EventPublisher) Option {
	return func(s *CartService) { s.publisher = publisher }
}

func WithClock(now func() time.Time) Option {
	return func(s *CartService) { s.now = now }
}

func NewCartService(db port.DatabaseRepository, logger *zap.Logger, opts ...Option) *CartService {
	s := &CartService{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *CartService) AddItem(ctx context.Context, userID string, productID int64, quantity int) (_ *domain.CartLine, err error) {
	if userID == "" || productID <= 0 {
		return nil, fmt.Errorf("%w: user and product_id are required", ErrValidation)
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity must be a positive integer", ErrValidation)
	}

	t, err := s.begin(ctx, "add_item")
	if err != nil {
		return nil, err
	}
	defer t.finish(&err)

	stock, err := t.tx.LockStock(ctx, productID)
	if errors.Is(err, port.ErrRowNotFound) {
		return nil, fmt.Errorf("%w: product %d is not in the catalog", ErrNotFound, productID)
	}
	if err != nil {
		return nil, storeErr("lock stock", err)
	}
	if err := t.advance(phaseLocked); err != nil {
		return nil, err
	}

	if !stock.CanCover(quantity) {
		s.logger.Warn("insufficient stock",
			zap.String("user_id", userID), zap.Int64("product_id", productID),
			zap.Int("requested", quantity), zap.Int("available", stock.Available))
		return nil, fmt.Errorf("%w: requested %d, available %d", ErrInsufficientStock, quantity, stock.Available)
	}
	// the merge read happens under the stock lock, so a concurrent add for
	// the same product cannot pass the check above with a stale line
	existing, err := t.tx.LockLineByProduct(ctx, userID, productID)
	if err != nil && !errors.Is(err, port.ErrRowNotFound) {
		return nil, storeErr("lock cart line", err)
	}
	if err := t.advance(phaseValidated); err != nil {
		return nil, err
	}

	var line domain.CartLine
	eventType := domain.CartLineAdded
	if existing != nil {
		line = *existing
		line.Quantity += quantity
		line.UnitPrice = stock.Price
		eventType = domain.CartLineUpdated
		if err := t.tx.UpdateLine(ctx, line); err != nil {
			return nil, storeErr("merge cart line", err)
		}
	} else {
		line = domain.CartLine{
			UserID:    userID,
			ProductID: productID,
			Quantity:  quantity,
			UnitPrice: stock.Price,
			AddedAt:   s.now(),
		}
		id, err := t.tx.InsertLine(ctx, line)
		if errors.Is(err, port.ErrDuplicateLine) {
			return nil, fmt.Errorf("%w: retry as an update", ErrConflict)
		}
		if err != nil {
			return nil, storeErr("insert cart line", err)
		}
		line.ID = id
	}
	if err := s.adjustLockedStock(ctx, t, productID, -quantity); err != nil {
		return nil, err
	}
	if err := t.advance(phaseApplied); err != nil {
		return nil, err
	}
	if err := t.commit(); err != nil {
		return nil, err
	}

	s.logger.Info("cart line added",
		zap.String("user_id", userID), zap.Int64("item_id", line.ID),
		zap.Int64("product_id", productID), zap.Int("quantity", quantity))
	s.publish(ctx, eventType, line, -quantity)
	return &line, nil
}

// AddItemOnce is AddItem guarded by a client supplied idempotency key. A key
// that was already used returns ErrDuplicateRequest; a key whose add failed is
// released so the client can retry it.
func (s *CartService) AddItemOnce(ctx context.Context, idempotencyKey, userID string, productID int64, quantity int) (*domain.CartLine, error) {
	if idempotencyKey == "" || s.cache == nil {
		return s.AddItem(ctx, userID, productID, quantity)
	}

	key := fmt.Sprintf("cart:add:%s:%s", userID, idempotencyKey)
	ok, err := s.cache.SetIdempotency(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: idempotency check failed: %w", ErrInternal, err)
	}
	if !ok {
		return nil, ErrDuplicateRequest
	}

	line, err := s.AddItem(ctx, userID, productID, quantity)
	if err != nil {
		if releaseErr := s.cache.ReleaseIdempotency(context.WithoutCancel(ctx), key); releaseErr != nil {
			s.logger.Error("release idempotency key failed", zap.String("key", key), zap.Error(releaseErr))
		}
		return nil, err
	}
	return line, nil
}

func (s *CartService) UpdateQuantity(ctx context.Context, userID string, itemID int64, newQuantity int) (_ *domain.CartLine, err error) {
	if userID == "" || itemID <= 0 {
		return nil, fmt.Errorf("%w: user and item id are required", ErrValidation)
	}
	if newQuantity <= 0 {
		return nil, fmt.Errorf("%w: quantity must be a positive integer", ErrValidation)
	}

	t, err := s.begin(ctx, "update_quantity")
	if err != nil {
		return nil, err
	}
	defer t.finish(&err)

	current, stock, err := s.lockLine(ctx, t, userID, itemID)
	if err != nil {
		return nil, err
	}
	if err := t.advance(phaseLocked); err != nil {
		return nil, err
	}

	delta := newQuantity - current.Quantity
	if delta != 0 && stock == nil {
		return nil, fmt.Errorf("%w: product %d of item %d is no longer in the catalog", ErrInternal, current.ProductID, itemID)
	}
	if delta > 0 && !stock.CanCover(delta) {
		s.logger.Warn("insufficient stock",
			zap.String("user_id", userID), zap.Int64("item_id", itemID), zap.Int64("product_id", current.ProductID),
			zap.Int("requested", delta), zap.Int("available", stock.Available))
		return nil, fmt.Errorf("%w: only %d additional units available", ErrInsufficientStock, stock.Available)
	}
	if err := t.advance(phaseValidated); err != nil {
		return nil, err
	}

	line := *current
	line.Quantity = newQuantity
	if delta != 0 {
		if err := t.tx.UpdateLine(ctx, line); err != nil {
			return nil, storeErr("update cart line", err)
		}
		if err := s.adjustLockedStock(ctx, t, line.ProductID, -delta); err != nil {
			return nil, err
		}
	}
	if err := t.advance(phaseApplied); err != nil {
		return nil, err
	}
	if err := t.commit(); err != nil {
		return nil, err
	}

	if delta != 0 {
		s.logger.Info("cart line updated",
			zap.String("user_id", userID), zap.Int64("item_id", itemID),
			zap.Int("quantity", newQuantity), zap.Int("stock_delta", -delta))
		s.publish(ctx, domain.CartLineUpdated, line, -delta)
	}
	return &line, nil
}

func (s *CartService) RemoveItem(ctx context.Context, userID string, itemID int64) (err error) {
	if userID == "" || itemID <= 0 {
		return fmt.Errorf("%w: user and item id are required", ErrValidation)
	}

	t, err := s.begin(ctx, "remove_item")
	if err != nil {
		return err
	}
	defer t.finish(&err)

	current, stock, err := s.lockLine(ctx, t, userID, itemID)
	if err != nil {
		return err
	}
	if err := t.advance(phaseLocked); err != nil {
		return err
	}
	if err := t.advance(phaseValidated); err != nil {
		return err
	}

	if err := t.tx.DeleteLine(ctx, itemID); err != nil {
		return storeErr("delete cart line", err)
	}
	if stock != nil {
		if err := s.adjustLockedStock(ctx, t, current.ProductID, current.Quantity); err != nil {
			return err
		}
	} else {
		s.logger.Warn("removing orphan cart line, nothing returned to stock",
			zap.String("user_id", userID), zap.Int64("item_id", itemID), zap.Int64("product_id", current.ProductID))
	}
	if err := t.advance(phaseApplied); err != nil {
		return err
	}
	if err := t.commit(); err != nil {
		return err
	}

	s.logger.Info("cart line removed",
		zap.String("user_id", userID), zap.Int64("item_id", itemID),
		zap.Int64("product_id", current.ProductID), zap.Int("returned", current.Quantity))
	returned := current.Quantity
	if stock == nil {
		returned = 0
	}
	s.publish(ctx, domain.CartLineRemoved, *current, returned)
	return nil
}

// ListItems returns the user's lines, newest first. Lines whose product has
// left the catalog are included; callers enriching from the catalog drop them.
func (s *CartService) ListItems(ctx context.Context, userID string) ([]domain.CartLine, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user is required", ErrValidation)
	}
	lines, err := s.db.ListLines(ctx, userID)
	if err != nil {
		return nil, storeErr("list cart lines", err)
	}
	return lines, nil
}

// lockLine locks the stock row of the line's product and then the line
// itself. The unlocked peek only supplies the product id; quantities come
// from the locked read. A nil stock means the product left the catalog.
func (s *CartService) lockLine(ctx context.Context, t *cartTxn, userID string, itemID int64) (*domain.CartLine, *domain.StockRecord, error) {
	peek, err := t.tx.PeekLine(ctx, userID, itemID)
	if errors.Is(err, port.ErrRowNotFound) {
		return nil, nil, fmt.Errorf("%w: cart item %d", ErrNotFound, itemID)
	}
	if err != nil {
		return nil, nil, storeErr("read cart line", err)
	}

	stock, err := t.tx.LockStock(ctx, peek.ProductID)
	if errors.Is(err, port.ErrRowNotFound) {
		stock = nil
	} else if err != nil {
		return nil, nil, storeErr("lock stock", err)
	}

	current, err := t.tx.LockLine(ctx, userID, itemID)
	if errors.Is(err, port.ErrRowNotFound) {
		return nil, nil, fmt.Errorf("%w: cart item %d", ErrNotFound, itemID)
	}
	if err != nil {
		return nil, nil, storeErr("lock cart line", err)
	}
	return current, stock, nil
}

func (s *CartService) adjustLockedStock(ctx context.Context, t *cartTxn, productID int64, delta int) error {
	err := t.tx.AdjustStock(ctx, productID, delta)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, port.ErrStockUnderflow):
		s.logger.Error("computed negative stock under lock",
			zap.Int64("product_id", productID), zap.Int("delta", delta))
		return fmt.Errorf("%w: stock of product %d would go negative", ErrInternal, productID)
	case errors.Is(err, port.ErrRowNotFound):
		return fmt.Errorf("%w: product %d vanished while locked", ErrInternal, productID)
	default:
		return storeErr("adjust stock", err)
	}
}

func (s *CartService) publish(ctx context.Context, eventType domain.CartEventType, line domain.CartLine, stockDelta int) {
	if s.publisher == nil {
		return
	}
	event := domain.CartEvent{
		ID:         uuid.NewString(),
		Type:       eventType,
		UserID:     line.UserID,
		ItemID:     line.ID,
		ProductID:  line.ProductID,
		Quantity:   line.Quantity,
		StockDelta: stockDelta,
		OccurredAt: s.now(),
	}
	if eventType == domain.CartLineRemoved {
		event.Quantity = 0
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.publisher.Publish(pctx, event); err != nil {
		s.logger.Warn("publish cart event failed",
			zap.String("event_id", event.ID), zap.String("type", string(eventType)), zap.Error(err))
	}
}
