package handler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rl1809/stock-reservation/internal/adapter/storage"
	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/core/service"
)

type staticCatalog struct {
	products map[string]*domain.Product
}

func (c staticCatalog) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	if p, ok := c.products[productID]; ok {
		return p, nil
	}
	return nil, domain.ErrProductNotFound
}

func (c staticCatalog) GetCoupon(ctx context.Context, code string) (*domain.Coupon, error) {
	return nil, domain.ErrCouponNotFound
}

type memoryOrders struct {
	mu     sync.Mutex
	orders []domain.Order
}

func (m *memoryOrders) CreateOrder(ctx context.Context, order domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = append(m.orders, order)
	return nil
}

type testEnv struct {
	store        *storage.RedisAdapter
	reservations *service.ReservationService
	carts        *service.CartService
	checkout     *service.CheckoutService
	sweeper      *service.Sweeper
	orders       *memoryOrders
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := storage.NewRedisAdapter(client, time.Hour)
	catalog := staticCatalog{products: map[string]*domain.Product{
		"p1": {ID: "p1", Name: "Phone", Price: decimal.NewFromInt(300), Stock: 3, IsActive: true, IsAvailable: true},
	}}
	logger := zap.NewNop()
	rules := service.DefaultPricingRules()

	reservations := service.NewReservationService(store, catalog, 15*time.Minute, logger)
	orders := &memoryOrders{}
	return &testEnv{
		store:        store,
		reservations: reservations,
		carts:        service.NewCartService(store, catalog, reservations, rules, logger),
		checkout:     service.NewCheckoutService(store, orders, reservations, rules, logger),
		sweeper:      service.NewSweeper(store, nil, store, logger),
		orders:       orders,
	}
}
