package domain

import (
	"errors"
	"fmt"
)

var (
	ErrCartNotFound        = errors.New("cart not found")
	ErrProductNotFound     = errors.New("product not found")
	ErrCouponNotFound      = errors.New("coupon not found")
	ErrProductUnavailable  = errors.New("product is not available")
	ErrVariantNotFound     = errors.New("variant not found")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrItemNotFound        = errors.New("item not found in cart")
	ErrInvalidQuantity     = errors.New("quantity must be positive")
	ErrInvalidItem         = errors.New("invalid cart item")
	ErrEmptyCart           = errors.New("cart is empty")
	ErrCouponInvalid       = errors.New("coupon is not valid")
	ErrConflict            = errors.New("concurrent update conflict")
)

// InsufficientStockError reports how many units were actually available.
type InsufficientStockError struct {
	ProductID string
	Variant   *Variant
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: available=%d requested=%d",
		ReservationKey{ProductID: e.ProductID, Variant: e.Variant}, e.Available, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}
