package service

import (
	"github.com/shopspring/decimal"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

type PricingRules struct {
	TaxRate               decimal.Decimal
	FreeDeliveryThreshold decimal.Decimal
	DeliveryFee           decimal.Decimal
}

func DefaultPricingRules() PricingRules {
	return PricingRules{
		TaxRate:               decimal.RequireFromString("0.18"),
		FreeDeliveryThreshold: decimal.NewFromInt(500),
		DeliveryFee:           decimal.NewFromInt(40),
	}
}

// CalculateTotals derives every total from the item list and coupon alone.
func CalculateTotals(items []domain.CartItem, coupon *domain.Coupon, rules PricingRules) domain.Totals {
	subtotal := decimal.Zero
	for _, it := range items {
		subtotal = subtotal.Add(it.Price.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	subtotal = subtotal.Round(2)

	if subtotal.IsZero() {
		return domain.Totals{
			Subtotal:    decimal.Zero,
			Tax:         decimal.Zero,
			DeliveryFee: decimal.Zero,
			Discount:    decimal.Zero,
			Total:       decimal.Zero,
		}
	}

	tax := subtotal.Mul(rules.TaxRate).Round(2)

	delivery := rules.DeliveryFee
	if subtotal.GreaterThanOrEqual(rules.FreeDeliveryThreshold) {
		delivery = decimal.Zero
	}

	discount := CouponDiscount(coupon, subtotal)

	total := subtotal.Add(tax).Add(delivery).Sub(discount)
	if total.IsNegative() {
		total = decimal.Zero
	}

	return domain.Totals{
		Subtotal:    subtotal,
		Tax:         tax,
		DeliveryFee: delivery,
		Discount:    discount,
		Total:       total.Round(2),
	}
}

// CouponDiscount is zero below the coupon's minimum order and never exceeds subtotal.
func CouponDiscount(coupon *domain.Coupon, subtotal decimal.Decimal) decimal.Decimal {
	if coupon == nil || subtotal.LessThan(coupon.MinOrderAmount) {
		return decimal.Zero
	}

	var discount decimal.Decimal
	switch coupon.Type {
	case domain.CouponPercentage:
		discount = subtotal.Mul(coupon.Value).Div(decimal.NewFromInt(100))
		if coupon.MaxDiscount.IsPositive() && discount.GreaterThan(coupon.MaxDiscount) {
			discount = coupon.MaxDiscount
		}
	case domain.CouponFixed:
		discount = coupon.Value
	default:
		return decimal.Zero
	}

	if discount.GreaterThan(subtotal) {
		discount = subtotal
	}
	return discount.Round(2)
}
