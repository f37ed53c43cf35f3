package port

import (
	"context"
	"time"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

// CartStore persists cart documents, including their reservation set.
// Every mutation is a single read-modify-write of the whole cart document.
type CartStore interface {
	// GetCart returns domain.ErrCartNotFound when the cart does not exist.
	GetCart(ctx context.Context, cartID string) (*domain.Cart, error)

	// GetOrCreateCart returns the cart, creating an empty one for userID if absent.
	GetOrCreateCart(ctx context.Context, cartID, userID string) (*domain.Cart, error)

	// UpdateCart applies fn to the current cart and persists the result.
	// An error from fn aborts without writing.
	UpdateCart(ctx context.Context, cartID string, fn func(cart *domain.Cart) error) (*domain.Cart, error)

	// ReserveInCart is UpdateCart with the cross-cart reserved total for key
	// (other carts only, non-expired at now) read in the same transaction.
	// The write fails and is retried if any cart's hold on key changed in between.
	ReserveInCart(ctx context.Context, cartID string, key domain.ReservationKey, now time.Time,
		fn func(cart *domain.Cart, reservedByOthers int) error) (*domain.Cart, error)

	// ReservedQuantity sums non-expired holds on key across carts, skipping excludeCartID.
	ReservedQuantity(ctx context.Context, key domain.ReservationKey, excludeCartID string, now time.Time) (int, error)

	// CartsWithExpiredReservations lists carts holding at least one reservation expired before now.
	CartsWithExpiredReservations(ctx context.Context, now time.Time, limit int) ([]string, error)
}
