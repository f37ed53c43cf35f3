package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/port"
)

var ErrCheckoutBlocked = errors.New("cart reservations are not valid for checkout")

type CheckoutService struct {
	store        port.CartStore
	orders       port.OrderRepository
	reservations *ReservationService
	rules        PricingRules
	logger       *zap.Logger
}

func NewCheckoutService(store port.CartStore, orders port.OrderRepository, reservations *ReservationService, rules PricingRules, logger *zap.Logger) *CheckoutService {
	return &CheckoutService{
		store:        store,
		orders:       orders,
		reservations: reservations,
		rules:        rules,
		logger:       logger,
	}
}

// PrepareCheckout refreshes every hold so it survives payment, then validates.
func (s *CheckoutService) PrepareCheckout(ctx context.Context, cartID string) (*ValidationResult, error) {
	if _, err := s.reservations.Extend(ctx, cartID, "", nil, 0); err != nil {
		return nil, err
	}
	return s.reservations.Validate(ctx, cartID)
}

// PlaceOrder is gated on validation of the same cart snapshot the order is
// built from. Physical stock is decremented by the order repository with its
// own conditional check. Afterwards only the ordered lines and their holds
// leave the cart; anything added meanwhile stays.
func (s *CheckoutService) PlaceOrder(ctx context.Context, cartID string) (*domain.Order, *ValidationResult, error) {
	cart, err := s.store.GetCart(ctx, cartID)
	if err != nil {
		return nil, nil, err
	}
	if len(cart.Items) == 0 {
		return nil, nil, domain.ErrEmptyCart
	}

	validation := s.reservations.validateCart(cart)
	if !validation.Valid {
		return nil, validation, ErrCheckoutBlocked
	}

	now := time.Now()
	order := domain.Order{
		ID:        uuid.NewString(),
		CartID:    cart.ID,
		UserID:    cart.UserID,
		Items:     append([]domain.CartItem(nil), cart.Items...),
		Totals:    CalculateTotals(cart.Items, cart.Coupon, s.rules),
		Status:    domain.OrderStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.orders.CreateOrder(ctx, order); err != nil {
		s.logger.Error("create order failed", zap.String("cart_id", cartID), zap.String("order_id", order.ID), zap.Error(err))
		return nil, validation, fmt.Errorf("create order: %w", err)
	}

	if _, err := s.store.UpdateCart(ctx, cartID, func(cart *domain.Cart) error {
		removeOrdered(cart, order.Items)
		cart.Coupon = nil
		cart.Totals = CalculateTotals(cart.Items, nil, s.rules)
		return nil
	}); err != nil {
		s.logger.Warn("remove ordered lines failed",
			zap.String("cart_id", cartID), zap.String("order_id", order.ID), zap.Error(err))
	}

	s.logger.Info("order placed",
		zap.String("order_id", order.ID),
		zap.String("cart_id", cartID),
		zap.Int("lines", len(order.Items)),
		zap.String("total", order.Totals.Total.StringFixed(2)))
	return &order, validation, nil
}

// removeOrdered takes the ordered quantities off the cart's lines. A product
// line's hold shrinks with it and goes when the line does.
func removeOrdered(cart *domain.Cart, ordered []domain.CartItem) {
	for _, o := range ordered {
		i := findLine(cart, o)
		if i < 0 {
			continue
		}
		left := cart.Items[i].Quantity - o.Quantity
		if left > 0 {
			cart.Items[i].Quantity = left
		} else {
			cart.Items = append(cart.Items[:i], cart.Items[i+1:]...)
		}

		if !o.IsProduct() {
			continue
		}
		r := cart.FindReservation(o.Key())
		switch {
		case r < 0:
		case left > 0:
			cart.Reservations[r].Quantity = min(cart.Reservations[r].Quantity, left)
		default:
			cart.Reservations = append(cart.Reservations[:r], cart.Reservations[r+1:]...)
		}
	}
}

func findLine(cart *domain.Cart, item domain.CartItem) int {
	if item.IsProduct() {
		return cart.FindItem(item.Key())
	}
	for i, it := range cart.Items {
		if !it.IsProduct() && it.ServiceID == item.ServiceID && it.EventID == item.EventID {
			return i
		}
	}
	return -1
}
