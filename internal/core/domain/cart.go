package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type CouponType string

const (
	CouponPercentage CouponType = "percentage"
	CouponFixed      CouponType = "fixed"
)

type Coupon struct {
	Code           string          `json:"code"`
	Type           CouponType      `json:"type"`
	Value          decimal.Decimal `json:"value"`
	MinOrderAmount decimal.Decimal `json:"min_order_amount"`
	MaxDiscount    decimal.Decimal `json:"max_discount"`
	IsActive       bool            `json:"-"`
	ExpiresAt      *time.Time      `json:"-"`
}

type Totals struct {
	Subtotal    decimal.Decimal `json:"subtotal"`
	Tax         decimal.Decimal `json:"tax"`
	DeliveryFee decimal.Decimal `json:"delivery_fee"`
	Discount    decimal.Decimal `json:"discount"`
	Total       decimal.Decimal `json:"total"`
}

// CartItem is a line the user intends to buy. Exactly one of ProductID,
// ServiceID and EventID is set; only product lines carry stock.
type CartItem struct {
	ProductID string          `json:"product_id,omitempty"`
	ServiceID string          `json:"service_id,omitempty"`
	EventID   string          `json:"event_id,omitempty"`
	Name      string          `json:"name"`
	Variant   *Variant        `json:"variant,omitempty"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	AddedAt   time.Time       `json:"added_at"`
}

func (i CartItem) IsProduct() bool {
	return i.ProductID != ""
}

func (i CartItem) Key() ReservationKey {
	return ReservationKey{ProductID: i.ProductID, Variant: i.Variant}
}

type Cart struct {
	ID           string        `json:"id"`
	UserID       string        `json:"user_id"`
	Items        []CartItem    `json:"items"`
	Reservations []Reservation `json:"reservations"`
	Coupon       *Coupon       `json:"coupon,omitempty"`
	Totals       Totals        `json:"totals"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// FindReservation returns the index of the reservation for key, or -1.
func (c *Cart) FindReservation(key ReservationKey) int {
	for i, r := range c.Reservations {
		if r.Matches(key) {
			return i
		}
	}
	return -1
}

// FindItem returns the index of the product line for key, or -1.
func (c *Cart) FindItem(key ReservationKey) int {
	for i, it := range c.Items {
		if it.IsProduct() && it.ProductID == key.ProductID && SameVariant(it.Variant, key.Variant) {
			return i
		}
	}
	return -1
}

// EarliestExpiry returns the soonest ExpiresAt among the cart's reservations.
func (c *Cart) EarliestExpiry() (time.Time, bool) {
	var earliest time.Time
	for i, r := range c.Reservations {
		if i == 0 || r.ExpiresAt.Before(earliest) {
			earliest = r.ExpiresAt
		}
	}
	return earliest, len(c.Reservations) > 0
}
