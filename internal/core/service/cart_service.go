package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/port"
)

// maxHoldSyncs bounds how often holdLine re-places a hold that a concurrent
// line change made stale.
const maxHoldSyncs = 8

type AddItemRequest struct {
	ProductID string          `json:"product_id"`
	ServiceID string          `json:"service_id"`
	EventID   string          `json:"event_id"`
	Name      string          `json:"name"`
	Variant   *domain.Variant `json:"variant"`
	Quantity  int             `json:"quantity"`
	// Price is only read for service and event lines; products are priced by the catalog.
	Price decimal.Decimal `json:"price"`
}

// CartResult carries the updated cart. Warning is set when the cart was
// changed but the stock hold could not be placed; checkout validation
// catches it later.
type CartResult struct {
	Cart    *domain.Cart `json:"cart"`
	Warning string       `json:"warning,omitempty"`
}

// CartService owns cart mutations. Every mutation asks the reservation
// service first and recomputes totals before it is persisted.
type CartService struct {
	store        port.CartStore
	catalog      port.Catalog
	reservations *ReservationService
	rules        PricingRules
	logger       *zap.Logger
	now          func() time.Time
}

func NewCartService(store port.CartStore, catalog port.Catalog, reservations *ReservationService, rules PricingRules, logger *zap.Logger) *CartService {
	return &CartService{
		store:        store,
		catalog:      catalog,
		reservations: reservations,
		rules:        rules,
		logger:       logger,
		now:          time.Now,
	}
}

func (s *CartService) GetCart(ctx context.Context, cartID string) (*domain.Cart, error) {
	return s.store.GetCart(ctx, cartID)
}

func (s *CartService) AddItem(ctx context.Context, cartID, userID string, req AddItemRequest) (*CartResult, error) {
	if req.Quantity <= 0 {
		return nil, domain.ErrInvalidQuantity
	}
	req.Variant = domain.NormalizeVariant(req.Variant)

	if _, err := s.store.GetOrCreateCart(ctx, cartID, userID); err != nil {
		return nil, err
	}

	if req.ProductID == "" {
		return s.addNonProductItem(ctx, cartID, req)
	}

	product, err := s.catalog.GetProduct(ctx, req.ProductID)
	if err != nil {
		return nil, err
	}
	if !product.IsActive || !product.IsAvailable {
		return nil, domain.ErrProductUnavailable
	}
	if req.Variant != nil && len(product.Variants) > 0 {
		if _, ok := product.FindVariant(req.Variant); !ok {
			return nil, domain.ErrVariantNotFound
		}
	}

	key := domain.ReservationKey{ProductID: req.ProductID, Variant: req.Variant}
	item := domain.CartItem{
		ProductID: req.ProductID,
		Name:      product.Name,
		Variant:   req.Variant,
		Quantity:  req.Quantity,
		Price:     product.UnitPrice(req.Variant),
		AddedAt:   s.now(),
	}
	var quantity int
	updated, err := s.store.UpdateCart(ctx, cartID, func(cart *domain.Cart) error {
		if i := cart.FindItem(key); i >= 0 {
			cart.Items[i].Quantity += item.Quantity
			cart.Items[i].Price = item.Price
			quantity = cart.Items[i].Quantity
		} else {
			cart.Items = append(cart.Items, item)
			quantity = item.Quantity
		}
		s.applyTotals(cart)
		return nil
	})
	if err != nil {
		return nil, err
	}

	held, warning := s.holdLine(ctx, cartID, key, quantity)
	if held != nil {
		updated = held
	}
	return &CartResult{Cart: updated, Warning: warning}, nil
}

func (s *CartService) addNonProductItem(ctx context.Context, cartID string, req AddItemRequest) (*CartResult, error) {
	if req.ServiceID == "" && req.EventID == "" {
		return nil, fmt.Errorf("%w: product_id, service_id or event_id is required", domain.ErrInvalidItem)
	}
	if req.Price.IsNegative() {
		return nil, fmt.Errorf("%w: price must not be negative", domain.ErrInvalidItem)
	}

	item := domain.CartItem{
		ServiceID: req.ServiceID,
		EventID:   req.EventID,
		Name:      req.Name,
		Quantity:  req.Quantity,
		Price:     req.Price,
		AddedAt:   s.now(),
	}
	updated, err := s.store.UpdateCart(ctx, cartID, func(cart *domain.Cart) error {
		for i, it := range cart.Items {
			if !it.IsProduct() && it.ServiceID == item.ServiceID && it.EventID == item.EventID {
				cart.Items[i].Quantity += item.Quantity
				s.applyTotals(cart)
				return nil
			}
		}
		cart.Items = append(cart.Items, item)
		s.applyTotals(cart)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &CartResult{Cart: updated}, nil
}

// UpdateItem sets a product line's quantity; zero removes the line.
func (s *CartService) UpdateItem(ctx context.Context, cartID, productID string, variant *domain.Variant, quantity int) (*CartResult, error) {
	if quantity < 0 {
		return nil, domain.ErrInvalidQuantity
	}
	if quantity == 0 {
		return s.RemoveItem(ctx, cartID, productID, variant)
	}
	key := domain.ReservationKey{ProductID: productID, Variant: domain.NormalizeVariant(variant)}

	updated, err := s.store.UpdateCart(ctx, cartID, func(cart *domain.Cart) error {
		i := cart.FindItem(key)
		if i < 0 {
			return domain.ErrItemNotFound
		}
		cart.Items[i].Quantity = quantity
		s.applyTotals(cart)
		return nil
	})
	if err != nil {
		return nil, err
	}

	held, warning := s.holdLine(ctx, cartID, key, quantity)
	if held != nil {
		updated = held
	}
	return &CartResult{Cart: updated, Warning: warning}, nil
}

func (s *CartService) RemoveItem(ctx context.Context, cartID, productID string, variant *domain.Variant) (*CartResult, error) {
	key := domain.ReservationKey{ProductID: productID, Variant: domain.NormalizeVariant(variant)}

	cart, err := s.store.GetCart(ctx, cartID)
	if err != nil {
		return nil, err
	}
	if cart.FindItem(key) < 0 {
		return nil, domain.ErrItemNotFound
	}

	var warning string
	if _, err := s.reservations.Release(ctx, cartID, productID, key.Variant); err != nil {
		s.logger.Warn("release on remove failed", zap.String("cart_id", cartID), zap.Stringer("key", key), zap.Error(err))
		warning = "reservation could not be released: " + err.Error()
	}

	updated, err := s.store.UpdateCart(ctx, cartID, func(cart *domain.Cart) error {
		if i := cart.FindItem(key); i >= 0 {
			cart.Items = append(cart.Items[:i], cart.Items[i+1:]...)
		}
		s.applyTotals(cart)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &CartResult{Cart: updated, Warning: warning}, nil
}

// Clear empties the cart and drops all of its holds.
func (s *CartService) Clear(ctx context.Context, cartID string) (*CartResult, error) {
	if _, err := s.reservations.ReleaseAll(ctx, cartID); err != nil {
		return nil, err
	}
	updated, err := s.store.UpdateCart(ctx, cartID, func(cart *domain.Cart) error {
		cart.Items = nil
		cart.Coupon = nil
		s.applyTotals(cart)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &CartResult{Cart: updated}, nil
}

func (s *CartService) ApplyCoupon(ctx context.Context, cartID, code string) (*CartResult, error) {
	cart, err := s.store.GetCart(ctx, cartID)
	if err != nil {
		return nil, err
	}
	if len(cart.Items) == 0 {
		return nil, domain.ErrEmptyCart
	}

	coupon, err := s.catalog.GetCoupon(ctx, code)
	if err != nil {
		return nil, err
	}
	if !coupon.IsActive || (coupon.ExpiresAt != nil && !coupon.ExpiresAt.After(s.now())) {
		return nil, fmt.Errorf("%w: %s is inactive or expired", domain.ErrCouponInvalid, code)
	}

	updated, err := s.store.UpdateCart(ctx, cartID, func(cart *domain.Cart) error {
		if len(cart.Items) == 0 {
			return domain.ErrEmptyCart
		}
		subtotal := CalculateTotals(cart.Items, nil, s.rules).Subtotal
		if subtotal.LessThan(coupon.MinOrderAmount) {
			return fmt.Errorf("%w: minimum order amount is %s", domain.ErrCouponInvalid, coupon.MinOrderAmount.StringFixed(2))
		}
		cart.Coupon = coupon
		s.applyTotals(cart)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &CartResult{Cart: updated}, nil
}

func (s *CartService) RemoveCoupon(ctx context.Context, cartID string) (*CartResult, error) {
	updated, err := s.store.UpdateCart(ctx, cartID, func(cart *domain.Cart) error {
		cart.Coupon = nil
		s.applyTotals(cart)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &CartResult{Cart: updated}, nil
}

// holdLine places a hold for the quantity just written to a line. If another
// writer changed the line before the hold landed, the hold is placed again
// for the line's current quantity. The returned cart is nil when the hold
// could not be confirmed.
func (s *CartService) holdLine(ctx context.Context, cartID string, key domain.ReservationKey, quantity int) (*domain.Cart, string) {
	for attempt := 0; attempt < maxHoldSyncs; attempt++ {
		if warning := s.reserve(ctx, cartID, key, quantity); warning != "" {
			return nil, warning
		}

		cart, err := s.store.GetCart(ctx, cartID)
		if err != nil {
			return nil, "stock hold could not be confirmed: " + err.Error()
		}
		i := cart.FindItem(key)
		if i < 0 {
			// removed meanwhile; its release may have run before this hold
			if _, err := s.reservations.Release(ctx, cartID, key.ProductID, key.Variant); err != nil {
				s.logger.Warn("release of orphaned hold failed", zap.String("cart_id", cartID), zap.Stringer("key", key), zap.Error(err))
			}
			return nil, ""
		}
		if cart.Items[i].Quantity == quantity {
			return cart, ""
		}
		quantity = cart.Items[i].Quantity
	}
	s.logger.Warn("hold did not settle under concurrent updates", zap.String("cart_id", cartID), zap.Stringer("key", key))
	return nil, "stock hold may not match the cart line; validate before checkout"
}

// reserve treats every failure as a warning: the line is still written and
// the hard check happens at checkout.
func (s *CartService) reserve(ctx context.Context, cartID string, key domain.ReservationKey, quantity int) string {
	_, err := s.reservations.Reserve(ctx, cartID, key.ProductID, quantity, key.Variant)
	if err == nil {
		return ""
	}

	var insufficient *domain.InsufficientStockError
	if errors.As(err, &insufficient) {
		return fmt.Sprintf("only %d units available for reservation", insufficient.Available)
	}
	s.logger.Warn("reservation failed, continuing without hold",
		zap.String("cart_id", cartID), zap.Stringer("key", key), zap.Error(err))
	return "stock could not be reserved: " + err.Error()
}

func (s *CartService) applyTotals(cart *domain.Cart) {
	if len(cart.Items) == 0 {
		cart.Coupon = nil
	}
	cart.Totals = CalculateTotals(cart.Items, cart.Coupon, s.rules)
}
