package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Mock CartStore. One mutex serializes every read-modify-write.
type mockCartStore struct {
	mu    sync.Mutex
	carts map[string]*domain.Cart

	reserveCalls int
	listCalls    int
	updateErr    map[string]error
	listGate     chan struct{}
}

func newMockCartStore() *mockCartStore {
	return &mockCartStore{
		carts:     make(map[string]*domain.Cart),
		updateErr: make(map[string]error),
	}
}

func copyCart(c *domain.Cart) *domain.Cart {
	cp := *c
	cp.Items = append([]domain.CartItem(nil), c.Items...)
	cp.Reservations = append([]domain.Reservation(nil), c.Reservations...)
	if c.Coupon != nil {
		coupon := *c.Coupon
		cp.Coupon = &coupon
	}
	return &cp
}

func (m *mockCartStore) addCart(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.carts[id] = &domain.Cart{ID: id, UserID: "user-" + id}
}

func (m *mockCartStore) cart(id string) *domain.Cart {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyCart(m.carts[id])
}

func (m *mockCartStore) GetCart(ctx context.Context, cartID string) (*domain.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.carts[cartID]
	if !ok {
		return nil, domain.ErrCartNotFound
	}
	return copyCart(c), nil
}

func (m *mockCartStore) GetOrCreateCart(ctx context.Context, cartID, userID string) (*domain.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.carts[cartID]; ok {
		return copyCart(c), nil
	}
	c := &domain.Cart{ID: cartID, UserID: userID}
	m.carts[cartID] = c
	return copyCart(c), nil
}

func (m *mockCartStore) UpdateCart(ctx context.Context, cartID string, fn func(cart *domain.Cart) error) (*domain.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(cartID, fn)
}

func (m *mockCartStore) updateLocked(cartID string, fn func(cart *domain.Cart) error) (*domain.Cart, error) {
	if err := m.updateErr[cartID]; err != nil {
		return nil, err
	}
	c, ok := m.carts[cartID]
	if !ok {
		return nil, domain.ErrCartNotFound
	}
	cp := copyCart(c)
	if err := fn(cp); err != nil {
		return nil, err
	}
	m.carts[cartID] = cp
	return copyCart(cp), nil
}

func (m *mockCartStore) ReserveInCart(ctx context.Context, cartID string, key domain.ReservationKey, now time.Time,
	fn func(cart *domain.Cart, reservedByOthers int) error) (*domain.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reserveCalls++
	others := m.reservedLocked(key, cartID, now)
	return m.updateLocked(cartID, func(cart *domain.Cart) error {
		return fn(cart, others)
	})
}

func (m *mockCartStore) ReservedQuantity(ctx context.Context, key domain.ReservationKey, excludeCartID string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reservedLocked(key, excludeCartID, now), nil
}

func (m *mockCartStore) reservedLocked(key domain.ReservationKey, excludeCartID string, now time.Time) int {
	total := 0
	for id, c := range m.carts {
		if id == excludeCartID {
			continue
		}
		for _, r := range c.Reservations {
			if r.Matches(key) && !r.ExpiredAt(now) {
				total += r.Quantity
			}
		}
	}
	return total
}

func (m *mockCartStore) CartsWithExpiredReservations(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if m.listGate != nil {
		<-m.listGate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++

	var ids []string
	for id, c := range m.carts {
		for _, r := range c.Reservations {
			if r.ExpiredAt(now) {
				ids = append(ids, id)
				break
			}
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// Mock Catalog
type mockCatalog struct {
	mu       sync.Mutex
	products map[string]*domain.Product
	coupons  map[string]*domain.Coupon
	delay    time.Duration
}

func newMockCatalog(products ...*domain.Product) *mockCatalog {
	c := &mockCatalog{
		products: make(map[string]*domain.Product),
		coupons:  make(map[string]*domain.Coupon),
	}
	for _, p := range products {
		c.products[p.ID] = p
	}
	return c
}

func (m *mockCatalog) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[productID]
	if !ok {
		return nil, domain.ErrProductNotFound
	}
	return p, nil
}

func (m *mockCatalog) GetCoupon(ctx context.Context, code string) (*domain.Coupon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.coupons[code]
	if !ok {
		return nil, domain.ErrCouponNotFound
	}
	return c, nil
}

func product(id string, stock int, price int64) *domain.Product {
	return &domain.Product{
		ID:          id,
		Name:        "Product " + id,
		Price:       decimal.NewFromInt(price),
		Stock:       stock,
		IsActive:    true,
		IsAvailable: true,
	}
}

// Mock OrderRepository
type mockOrderRepo struct {
	mu     sync.Mutex
	orders []domain.Order
	err    error
	// onCreate runs after an order is stored
	onCreate func()
}

func (m *mockOrderRepo) CreateOrder(ctx context.Context, order domain.Order) error {
	m.mu.Lock()
	if m.err != nil {
		m.mu.Unlock()
		return m.err
	}
	m.orders = append(m.orders, order)
	hook := m.onCreate
	m.mu.Unlock()

	if hook != nil {
		hook()
	}
	return nil
}

// Mock EventPublisher
type mockPublisher struct {
	mu       sync.Mutex
	released []domain.ReleasedReservation
	err      error
}

func (m *mockPublisher) PublishReleased(ctx context.Context, released []domain.ReleasedReservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = append(m.released, released...)
	return m.err
}

// Mock Locker
type mockLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMockLocker() *mockLocker {
	return &mockLocker{held: make(map[string]bool)}
}

func (m *mockLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[key] {
		return false, nil
	}
	m.held[key] = true
	return true, nil
}

func (m *mockLocker) Unlock(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, key)
	return nil
}
