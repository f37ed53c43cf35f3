package port

import (
	"context"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

// Catalog is the read-only view of products and coupons.
type Catalog interface {
	// GetProduct returns domain.ErrProductNotFound when missing.
	GetProduct(ctx context.Context, productID string) (*domain.Product, error)

	// GetCoupon returns domain.ErrCouponNotFound when missing.
	GetCoupon(ctx context.Context, code string) (*domain.Coupon, error)
}

type OrderRepository interface {
	// CreateOrder persists the order and decrements physical stock for every
	// product line in one transaction, failing with domain.ErrInsufficientStock
	// if any line no longer fits.
	CreateOrder(ctx context.Context, order domain.Order) error
}
