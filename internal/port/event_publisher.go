package port

import (
	"context"

	"github.com/rl1809/card-cart/internal/core/domain"
)

type EventPublisher interface {
	// Publish delivers a committed cart change. Delivery is best effort.
	Publish(ctx context.Context, event domain.CartEvent) error
}
