package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rl1809/stock-reservation/internal/adapter/storage"
	"github.com/rl1809/stock-reservation/internal/config"
	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/core/service"
)

const (
	productID     = "stress-item"
	initialStock  = 20
	totalRequests = 50
)

// staticCatalog serves one product so the run needs only Redis.
type staticCatalog struct {
	product *domain.Product
}

func (c staticCatalog) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	if id != c.product.ID {
		return nil, domain.ErrProductNotFound
	}
	return c.product, nil
}

func (c staticCatalog) GetCoupon(ctx context.Context, code string) (*domain.Coupon, error) {
	return nil, domain.ErrCouponNotFound
}

func main() {
	ctx := context.Background()
	cfg := config.Load()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to connect redis: %v", err)
	}
	defer rdb.Close()

	store := storage.NewRedisAdapter(rdb, time.Hour)
	catalog := staticCatalog{product: &domain.Product{
		ID:          productID,
		Name:        "Stress item",
		Price:       decimal.NewFromInt(100),
		Stock:       initialStock,
		IsActive:    true,
		IsAvailable: true,
	}}
	reservations := service.NewReservationService(store, catalog, cfg.ReservationTimeout, zap.NewNop())

	run := uuid.NewString()[:8]
	cartIDs := make([]string, totalRequests)
	for i := range cartIDs {
		cartIDs[i] = fmt.Sprintf("stress-%s-%d", run, i)
		if _, err := store.GetOrCreateCart(ctx, cartIDs[i], fmt.Sprintf("user-%d", i)); err != nil {
			log.Fatalf("failed to create cart: %v", err)
		}
	}

	var (
		successCount  atomic.Int32
		rejectedCount atomic.Int32
		errorCount    atomic.Int32
		wg            sync.WaitGroup
	)
	start := time.Now()

	for _, cartID := range cartIDs {
		wg.Add(1)
		go func(cartID string) {
			defer wg.Done()

			_, err := reservations.Reserve(ctx, cartID, productID, 1, nil)
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
				rejectedCount.Add(1)
			default:
				errorCount.Add(1)
				log.Printf("cart %s: %v", cartID, err)
			}
		}(cartID)
	}

	wg.Wait()
	elapsed := time.Since(start)

	success, rejected, failed := successCount.Load(), rejectedCount.Load(), errorCount.Load()

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial Stock:    %d\n", initialStock)
	fmt.Printf("Total Requests:   %d\n", totalRequests)
	fmt.Printf("Reserved:         %d\n", success)
	fmt.Printf("Rejected:         %d\n", rejected)
	fmt.Printf("Errors:           %d\n", failed)
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	if success == initialStock && rejected == totalRequests-initialStock {
		fmt.Printf("PASS: exactly %d holds placed, %d rejected\n", initialStock, totalRequests-initialStock)
	} else {
		fmt.Printf("FAIL: expected %d/%d reserved/rejected, got %d/%d (errors %d)\n",
			initialStock, totalRequests-initialStock, success, rejected, failed)
	}

	total, err := reservations.TotalReserved(ctx, productID, nil)
	if err != nil {
		log.Fatalf("failed to read total reserved: %v", err)
	}
	fmt.Printf("Total reserved:   %d\n", total)
	if total <= initialStock {
		fmt.Println("PASS: no oversell")
	} else {
		fmt.Printf("FAIL: %d units held against stock %d\n", total, initialStock)
	}

	for _, cartID := range cartIDs {
		reservations.ReleaseAll(ctx, cartID)
		rdb.Del(ctx, "cart:"+cartID)
	}
}
