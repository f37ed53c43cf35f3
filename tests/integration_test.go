package tests

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rl1809/stock-reservation/internal/adapter/storage"
	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/core/service"
)

type testEnv struct {
	redis        *redis.Client
	mysql        *sql.DB
	cache        *storage.RedisAdapter
	db           *storage.MySQLAdapter
	reservations *service.ReservationService
	carts        *service.CartService
	checkout     *service.CheckoutService
	cleanup      func()
}

func setupTestEnv(t *testing.T) *testEnv {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	mysqlDSN := os.Getenv("MYSQL_DSN")
	if mysqlDSN == "" {
		mysqlDSN = "root:root@tcp(localhost:3306)/reservations?parseTime=true"
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	db, err := sql.Open("mysql", mysqlDSN)
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Skipf("MySQL not available: %v", err)
	}
	if err := storage.Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cache := storage.NewRedisAdapter(rdb, time.Hour)
	catalog := storage.NewMySQLAdapter(db)
	logger := zap.NewNop()
	rules := service.DefaultPricingRules()
	reservations := service.NewReservationService(cache, catalog, 15*time.Minute, logger)

	return &testEnv{
		redis:        rdb,
		mysql:        db,
		cache:        cache,
		db:           catalog,
		reservations: reservations,
		carts:        service.NewCartService(cache, catalog, reservations, rules, logger),
		checkout:     service.NewCheckoutService(cache, catalog, reservations, rules, logger),
		cleanup: func() {
			rdb.Close()
			db.Close()
		},
	}
}

func seedProduct(t *testing.T, env *testEnv, stock int) string {
	t.Helper()
	id := "it-" + uuid.NewString()[:8]
	_, err := env.mysql.Exec(`
		INSERT INTO products (id, name, price, stock, unlimited, is_active, is_available)
		VALUES (?, 'Integration item', 100.00, ?, FALSE, TRUE, TRUE)`, id, stock)
	if err != nil {
		t.Fatalf("seed product: %v", err)
	}
	t.Cleanup(func() {
		env.mysql.Exec(`DELETE FROM products WHERE id = ?`, id)
	})
	return id
}

func newCart(t *testing.T, env *testEnv) string {
	t.Helper()
	id := "it-cart-" + uuid.NewString()
	if _, err := env.cache.GetOrCreateCart(context.Background(), id, "it-user"); err != nil {
		t.Fatalf("create cart: %v", err)
	}
	t.Cleanup(func() {
		env.reservations.ReleaseAll(context.Background(), id)
		env.redis.Del(context.Background(), "cart:"+id)
	})
	return id
}

func TestIntegration_ReserveThenOrder(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	ctx := context.Background()
	productID := seedProduct(t, env, 3)
	cartA, cartB := newCart(t, env), newCart(t, env)

	res, err := env.carts.AddItem(ctx, cartA, "it-user", service.AddItemRequest{ProductID: productID, Quantity: 2})
	if err != nil {
		t.Fatalf("add to cart A: %v", err)
	}
	if res.Warning != "" {
		t.Fatalf("unexpected warning: %s", res.Warning)
	}

	_, err = env.reservations.Reserve(ctx, cartB, productID, 2, nil)
	var insufficient *domain.InsufficientStockError
	if !errors.As(err, &insufficient) || insufficient.Available != 1 {
		t.Fatalf("expected 1 available for cart B, got %v", err)
	}

	order, _, err := env.checkout.PlaceOrder(ctx, cartA)
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	t.Cleanup(func() {
		env.mysql.Exec(`DELETE FROM order_items WHERE order_id = ?`, order.ID)
		env.mysql.Exec(`DELETE FROM orders WHERE id = ?`, order.ID)
	})

	var stock int
	env.mysql.QueryRow(`SELECT stock FROM products WHERE id = ?`, productID).Scan(&stock)
	if stock != 1 {
		t.Errorf("expected physical stock 1 after order, got %d", stock)
	}

	total, _ := env.reservations.TotalReserved(ctx, productID, nil)
	if total != 0 {
		t.Errorf("expected no holds after order, got %d", total)
	}

	if _, err := env.reservations.Reserve(ctx, cartB, productID, 2, nil); !errors.Is(err, domain.ErrInsufficientStock) {
		t.Errorf("only 1 unit left physically, expected rejection, got %v", err)
	}
}

func TestIntegration_ConcurrentReplicasNoOversell(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	ctx := context.Background()
	const (
		stock  = 10
		buyers = 40
	)
	productID := seedProduct(t, env, stock)

	// two service instances sharing Redis, as two replicas would
	replicas := []*service.ReservationService{
		env.reservations,
		service.NewReservationService(storage.NewRedisAdapter(env.redis, time.Hour), env.db, 15*time.Minute, zap.NewNop()),
	}

	cartIDs := make([]string, buyers)
	for i := range cartIDs {
		cartIDs[i] = newCart(t, env)
	}

	var (
		wg           sync.WaitGroup
		successCount atomic.Int32
	)
	for i, cartID := range cartIDs {
		wg.Add(1)
		go func(svc *service.ReservationService, cartID string) {
			defer wg.Done()
			_, err := svc.Reserve(ctx, cartID, productID, 1, nil)
			if err == nil {
				successCount.Add(1)
			} else if !errors.Is(err, domain.ErrInsufficientStock) {
				t.Errorf("unexpected error: %v", err)
			}
		}(replicas[i%len(replicas)], cartID)
	}
	wg.Wait()

	if successCount.Load() != stock {
		t.Errorf("expected %d holds, got %d", stock, successCount.Load())
	}
	total, _ := env.reservations.TotalReserved(ctx, productID, nil)
	if total != stock {
		t.Errorf("expected total reserved %d, got %d", stock, total)
	}
}

func TestIntegration_SweeperLockAcrossReplicas(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	ctx := context.Background()
	other := storage.NewRedisAdapter(env.redis, time.Hour)

	held, err := other.TryLock(ctx, "lock:reservation-sweeper", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if !held {
		t.Skip("sweeper lock held by a running server")
	}
	defer other.Unlock(ctx, "lock:reservation-sweeper")

	sweeper := service.NewSweeper(env.cache, nil, env.cache, zap.NewNop())
	if _, err := sweeper.TriggerManual(ctx); !errors.Is(err, service.ErrSweepInProgress) {
		t.Errorf("expected ErrSweepInProgress while another replica sweeps, got %v", err)
	}
}

func TestIntegration_SweepReleasesExpired(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	ctx := context.Background()
	productID := seedProduct(t, env, 5)
	cartID := newCart(t, env)

	start := time.Now()
	clock := func() time.Time { return start }
	svc := service.NewReservationService(env.cache, env.db, time.Second, zap.NewNop(), service.WithClock(clock))
	if _, err := svc.Reserve(ctx, cartID, productID, 2, nil); err != nil {
		t.Fatal(err)
	}

	sweeper := service.NewSweeper(env.cache, nil, nil, zap.NewNop())
	sweeper.SetClock(func() time.Time { return start.Add(2 * time.Second) })

	result, err := sweeper.TriggerManual(ctx)
	if err != nil {
		t.Fatal(err)
	}

	found := false
	for _, r := range result.Released {
		if r.CartID == cartID {
			found = true
		}
	}
	if !found {
		t.Errorf("expected cart %s in released set, got %s", cartID, fmt.Sprint(result.Released))
	}

	cart, _ := env.cache.GetCart(ctx, cartID)
	if len(cart.Reservations) != 0 {
		t.Error("expired hold should be gone")
	}
}
