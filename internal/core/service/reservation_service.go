package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/port"
)

const (
	DefaultReservationTimeout = 15 * time.Minute
	DefaultCleanupInterval    = 5 * time.Minute
)

type ReserveResult struct {
	Success          bool      `json:"success"`
	Message          string    `json:"message"`
	Unlimited        bool      `json:"unlimited,omitempty"`
	AvailableStock   int       `json:"available_stock"`
	ReservedQuantity int       `json:"reserved_quantity"`
	ExpiresAt        time.Time `json:"expires_at"`
}

type Result struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	Affected int    `json:"affected"`
}

type IssueKind string

const (
	IssueMissing      IssueKind = "missing"
	IssueExpired      IssueKind = "expired"
	IssueInsufficient IssueKind = "insufficient"
)

type ValidationIssue struct {
	ProductID string          `json:"product_id"`
	Variant   *domain.Variant `json:"variant,omitempty"`
	Kind      IssueKind       `json:"kind"`
	Requested int             `json:"requested"`
	Reserved  int             `json:"reserved"`
	Message   string          `json:"message"`
}

type ValidationResult struct {
	Valid   bool              `json:"valid"`
	Message string            `json:"message"`
	Issues  []ValidationIssue `json:"issues,omitempty"`
}

type ReservationState struct {
	domain.Reservation
	IsExpired     bool          `json:"is_expired"`
	TimeRemaining time.Duration `json:"time_remaining"`
}

type StatusResult struct {
	CartID       string             `json:"cart_id"`
	Reservations []ReservationState `json:"reservations"`
	Total        int                `json:"total"`
	Active       int                `json:"active"`
}

type Option func(*ReservationService)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *ReservationService) { s.now = now }
}

// ReservationService holds time-bounded soft locks on product stock for carts.
// It never touches physical stock; availability is physical stock minus the
// non-expired holds of every other cart.
type ReservationService struct {
	store   port.CartStore
	catalog port.Catalog
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

func NewReservationService(store port.CartStore, catalog port.Catalog, timeout time.Duration, logger *zap.Logger, opts ...Option) *ReservationService {
	if timeout <= 0 {
		timeout = DefaultReservationTimeout
	}
	s := &ReservationService{
		store:   store,
		catalog: catalog,
		timeout: timeout,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ReservationService) Timeout() time.Duration {
	return s.timeout
}

// Reserve creates or replaces the cart's hold on (productID, variant).
func (s *ReservationService) Reserve(ctx context.Context, cartID, productID string, quantity int, variant *domain.Variant) (*ReserveResult, error) {
	if quantity <= 0 {
		return nil, domain.ErrInvalidQuantity
	}
	variant = domain.NormalizeVariant(variant)
	key := domain.ReservationKey{ProductID: productID, Variant: variant}

	if _, err := s.store.GetCart(ctx, cartID); err != nil {
		return nil, err
	}

	product, err := s.catalog.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	if !product.IsActive || !product.IsAvailable {
		return nil, domain.ErrProductUnavailable
	}

	stock, err := stockFor(product, variant)
	if err != nil {
		return nil, err
	}

	now := s.now()
	expiresAt := now.Add(s.timeout)

	if product.Unlimited {
		_, err := s.store.UpdateCart(ctx, cartID, func(cart *domain.Cart) error {
			upsertReservation(cart, key, quantity, now, expiresAt)
			return nil
		})
		if err != nil {
			s.logger.Error("reserve failed", zap.String("cart_id", cartID), zap.Stringer("key", key), zap.Error(err))
			return nil, fmt.Errorf("reserve %s: %w", key, err)
		}
		return &ReserveResult{
			Success:          true,
			Message:          "stock reserved",
			Unlimited:        true,
			ReservedQuantity: quantity,
			ExpiresAt:        expiresAt,
		}, nil
	}

	// The other carts' total is read inside the same transaction as the
	// upsert, before it, so a cart shrinking its own hold is not counted twice.
	var available int
	_, err = s.store.ReserveInCart(ctx, cartID, key, now, func(cart *domain.Cart, reservedByOthers int) error {
		available = stock - reservedByOthers
		if available < quantity {
			return &domain.InsufficientStockError{
				ProductID: productID,
				Variant:   variant,
				Available: max(available, 0),
				Requested: quantity,
			}
		}
		upsertReservation(cart, key, quantity, now, expiresAt)
		return nil
	})
	if err != nil {
		var insufficient *domain.InsufficientStockError
		if errors.As(err, &insufficient) {
			s.logger.Info("reservation rejected",
				zap.String("cart_id", cartID),
				zap.Stringer("key", key),
				zap.Int("available", insufficient.Available),
				zap.Int("requested", quantity))
			return nil, err
		}
		if errors.Is(err, domain.ErrCartNotFound) {
			return nil, err
		}
		s.logger.Error("reserve failed", zap.String("cart_id", cartID), zap.Stringer("key", key), zap.Error(err))
		return nil, fmt.Errorf("reserve %s: %w", key, err)
	}

	s.logger.Debug("stock reserved",
		zap.String("cart_id", cartID),
		zap.Stringer("key", key),
		zap.Int("quantity", quantity),
		zap.Time("expires_at", expiresAt))

	return &ReserveResult{
		Success:          true,
		Message:          "stock reserved",
		AvailableStock:   available - quantity,
		ReservedQuantity: quantity,
		ExpiresAt:        expiresAt,
	}, nil
}

// Release drops the cart's hold on (productID, variant). Releasing a hold
// that does not exist succeeds.
func (s *ReservationService) Release(ctx context.Context, cartID, productID string, variant *domain.Variant) (*Result, error) {
	key := domain.ReservationKey{ProductID: productID, Variant: domain.NormalizeVariant(variant)}

	released := 0
	_, err := s.store.UpdateCart(ctx, cartID, func(cart *domain.Cart) error {
		released = 0
		if i := cart.FindReservation(key); i >= 0 {
			cart.Reservations = append(cart.Reservations[:i], cart.Reservations[i+1:]...)
			released = 1
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if released == 0 {
		return &Result{Success: true, Message: "no reservation found"}, nil
	}
	return &Result{Success: true, Message: "reservation released", Affected: released}, nil
}

// ReleaseAll empties the cart's reservation set.
func (s *ReservationService) ReleaseAll(ctx context.Context, cartID string) (*Result, error) {
	released := 0
	_, err := s.store.UpdateCart(ctx, cartID, func(cart *domain.Cart) error {
		released = len(cart.Reservations)
		cart.Reservations = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Result{Success: true, Message: fmt.Sprintf("released %d reservations", released), Affected: released}, nil
}

// Extend pushes ExpiresAt to now+additional. An empty productID extends every
// hold in the cart; a nil variant with a productID extends every variant of it.
func (s *ReservationService) Extend(ctx context.Context, cartID, productID string, variant *domain.Variant, additional time.Duration) (*Result, error) {
	if additional <= 0 {
		additional = s.timeout
	}
	variant = domain.NormalizeVariant(variant)
	expiresAt := s.now().Add(additional)

	extended := 0
	_, err := s.store.UpdateCart(ctx, cartID, func(cart *domain.Cart) error {
		extended = 0
		for i := range cart.Reservations {
			r := &cart.Reservations[i]
			if productID != "" {
				if r.ProductID != productID {
					continue
				}
				if variant != nil && !domain.SameVariant(r.Variant, variant) {
					continue
				}
			}
			r.ExpiresAt = expiresAt
			extended++
		}
		if productID != "" && extended == 0 {
			return domain.ErrReservationNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Result{Success: true, Message: fmt.Sprintf("extended %d reservations", extended), Affected: extended}, nil
}

// Validate checks that every product line has an exact, sufficient,
// non-expired hold. It reports problems and never repairs them.
func (s *ReservationService) Validate(ctx context.Context, cartID string) (*ValidationResult, error) {
	cart, err := s.store.GetCart(ctx, cartID)
	if err != nil {
		return nil, err
	}
	return s.validateCart(cart), nil
}

func (s *ReservationService) validateCart(cart *domain.Cart) *ValidationResult {
	now := s.now()
	var issues []ValidationIssue
	for _, item := range cart.Items {
		if !item.IsProduct() {
			continue
		}
		key := item.Key()
		issue := ValidationIssue{ProductID: item.ProductID, Variant: item.Variant, Requested: item.Quantity}

		i := cart.FindReservation(key)
		switch {
		case i < 0:
			issue.Kind = IssueMissing
			issue.Message = fmt.Sprintf("no reservation for %s", key)
		case cart.Reservations[i].ExpiredAt(now):
			issue.Kind = IssueExpired
			issue.Reserved = cart.Reservations[i].Quantity
			issue.Message = fmt.Sprintf("reservation for %s has expired", key)
		case cart.Reservations[i].Quantity < item.Quantity:
			issue.Kind = IssueInsufficient
			issue.Reserved = cart.Reservations[i].Quantity
			issue.Message = fmt.Sprintf("reserved %d of %d for %s", issue.Reserved, item.Quantity, key)
		default:
			continue
		}
		issues = append(issues, issue)
	}

	if len(issues) > 0 {
		return &ValidationResult{
			Valid:   false,
			Message: fmt.Sprintf("%d items need attention", len(issues)),
			Issues:  issues,
		}
	}
	return &ValidationResult{Valid: true, Message: "all reservations valid"}
}

func (s *ReservationService) Status(ctx context.Context, cartID string) (*StatusResult, error) {
	cart, err := s.store.GetCart(ctx, cartID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	res := &StatusResult{
		CartID:       cartID,
		Reservations: make([]ReservationState, 0, len(cart.Reservations)),
		Total:        len(cart.Reservations),
	}
	for _, r := range cart.Reservations {
		state := ReservationState{Reservation: r, IsExpired: r.ExpiredAt(now)}
		if !state.IsExpired {
			state.TimeRemaining = r.ExpiresAt.Sub(now)
			res.Active++
		}
		res.Reservations = append(res.Reservations, state)
	}
	return res, nil
}

// TotalReserved sums every cart's non-expired hold on (productID, variant).
func (s *ReservationService) TotalReserved(ctx context.Context, productID string, variant *domain.Variant) (int, error) {
	key := domain.ReservationKey{ProductID: productID, Variant: domain.NormalizeVariant(variant)}
	return s.store.ReservedQuantity(ctx, key, "", s.now())
}

func stockFor(product *domain.Product, variant *domain.Variant) (int, error) {
	if variant == nil || len(product.Variants) == 0 {
		return product.Stock, nil
	}
	pv, ok := product.FindVariant(variant)
	if !ok {
		return 0, domain.ErrVariantNotFound
	}
	return pv.Stock, nil
}

func upsertReservation(cart *domain.Cart, key domain.ReservationKey, quantity int, now, expiresAt time.Time) {
	if i := cart.FindReservation(key); i >= 0 {
		cart.Reservations[i].Quantity = quantity
		cart.Reservations[i].ReservedAt = now
		cart.Reservations[i].ExpiresAt = expiresAt
		return
	}
	cart.Reservations = append(cart.Reservations, domain.Reservation{
		ProductID:  key.ProductID,
		Variant:    key.Variant,
		Quantity:   quantity,
		ReservedAt: now,
		ExpiresAt:  expiresAt,
	})
}
