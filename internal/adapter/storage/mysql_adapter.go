package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/singleflight"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

//go:embed schema.sql
var schemaSQL string

// Migrate creates the catalog and order tables if they do not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// MySQLAdapter serves the product catalog and coupons, and writes orders
// with the irreversible stock decrement.
type MySQLAdapter struct {
	db      *sql.DB
	group   singleflight.Group
	breaker *gobreaker.CircuitBreaker[*domain.Product]
}

// catalogQueryTimeout bounds a shared product lookup. The lookup outlives
// any single caller, so it cannot run under a caller's context.
const catalogQueryTimeout = 5 * time.Second

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{
		db: db,
		breaker: gobreaker.NewCircuitBreaker[*domain.Product](gobreaker.Settings{
			Name:        "catalog",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			IsSuccessful: catalogHealthy,
		}),
	}
}

// catalogHealthy reports whether err says nothing bad about the database.
// A missing product and a cancelled request are not catalog faults.
func catalogHealthy(err error) bool {
	return err == nil ||
		errors.Is(err, domain.ErrProductNotFound) ||
		errors.Is(err, context.Canceled)
}

// GetProduct coalesces concurrent lookups of the same product. Each caller
// waits on its own context; one caller giving up does not fail the others.
func (m *MySQLAdapter) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch := m.group.DoChan(productID, func() (interface{}, error) {
		qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), catalogQueryTimeout)
		defer cancel()
		return m.breaker.Execute(func() (*domain.Product, error) {
			return m.queryProduct(qctx, productID)
		})
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			if errors.Is(res.Err, gobreaker.ErrOpenState) || errors.Is(res.Err, gobreaker.ErrTooManyRequests) {
				return nil, fmt.Errorf("catalog unavailable: %w", res.Err)
			}
			return nil, res.Err
		}
		return res.Val.(*domain.Product), nil
	}
}

func (m *MySQLAdapter) queryProduct(ctx context.Context, productID string) (*domain.Product, error) {
	var p domain.Product
	err := m.db.QueryRowContext(ctx, `
		SELECT id, name, price, stock, unlimited, is_active, is_available
		FROM products WHERE id = ?`, productID,
	).Scan(&p.ID, &p.Name, &p.Price, &p.Stock, &p.Unlimited, &p.IsActive, &p.IsAvailable)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query product: %w", err)
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT type, value, stock, price
		FROM product_variants WHERE product_id = ?
		ORDER BY type, value`, productID)
	if err != nil {
		return nil, fmt.Errorf("query variants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			v     domain.ProductVariant
			price decimal.NullDecimal
		)
		if err := rows.Scan(&v.Type, &v.Value, &v.Stock, &price); err != nil {
			return nil, fmt.Errorf("scan variant: %w", err)
		}
		if price.Valid {
			v.Price = &price.Decimal
		}
		p.Variants = append(p.Variants, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate variants: %w", err)
	}

	return &p, nil
}

func (m *MySQLAdapter) GetCoupon(ctx context.Context, code string) (*domain.Coupon, error) {
	var (
		c         domain.Coupon
		couponTyp string
		expiresAt sql.NullTime
	)
	err := m.db.QueryRowContext(ctx, `
		SELECT code, type, value, min_order_amount, max_discount, is_active, expires_at
		FROM coupons WHERE code = ?`, strings.ToUpper(code),
	).Scan(&c.Code, &couponTyp, &c.Value, &c.MinOrderAmount, &c.MaxDiscount, &c.IsActive, &expiresAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrCouponNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query coupon: %w", err)
	}

	c.Type = domain.CouponType(couponTyp)
	if expiresAt.Valid {
		c.ExpiresAt = &expiresAt.Time
	}
	return &c, nil
}

// CreateOrder inserts the order and decrements stock line by line in one
// transaction. Each decrement is conditional on the stock still covering it.
func (m *MySQLAdapter) CreateOrder(ctx context.Context, order domain.Order) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, cart_id, user_id, status, subtotal, tax, delivery_fee, discount, total, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.ID, order.CartID, order.UserID, order.Status,
		order.Totals.Subtotal, order.Totals.Tax, order.Totals.DeliveryFee, order.Totals.Discount, order.Totals.Total,
		order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for i, item := range order.Items {
		var variantType, variantValue sql.NullString
		if item.Variant != nil {
			variantType = sql.NullString{String: item.Variant.Type, Valid: true}
			variantValue = sql.NullString{String: item.Variant.Value, Valid: true}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, line_no, product_id, service_id, event_id, variant_type, variant_value, name, quantity, price)
			VALUES (?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, ?, ?)`,
			order.ID, i, item.ProductID, item.ServiceID, item.EventID, variantType, variantValue,
			item.Name, item.Quantity, item.Price,
		)
		if err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}

		if item.IsProduct() {
			if err := decrementStock(ctx, tx, item); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

func decrementStock(ctx context.Context, tx *sql.Tx, item domain.CartItem) error {
	var unlimited bool
	err := tx.QueryRowContext(ctx, `SELECT unlimited FROM products WHERE id = ? FOR UPDATE`, item.ProductID).Scan(&unlimited)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", domain.ErrProductNotFound, item.ProductID)
	}
	if err != nil {
		return fmt.Errorf("lock product: %w", err)
	}
	if unlimited {
		return nil
	}

	if item.Variant != nil {
		var variants int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM product_variants WHERE product_id = ?`, item.ProductID).Scan(&variants); err != nil {
			return fmt.Errorf("count variants: %w", err)
		}
		if variants > 0 {
			result, err := tx.ExecContext(ctx, `
				UPDATE product_variants
				SET stock = stock - ?
				WHERE product_id = ? AND type = ? AND value = ? AND stock >= ?`,
				item.Quantity, item.ProductID, item.Variant.Type, item.Variant.Value, item.Quantity,
			)
			if err != nil {
				return fmt.Errorf("update variant stock: %w", err)
			}
			if rows, _ := result.RowsAffected(); rows == 0 {
				return fmt.Errorf("%w: %s", domain.ErrInsufficientStock, item.Key())
			}
			return nil
		}
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE products
		SET stock = stock - ?, version = version + 1, updated_at = NOW()
		WHERE id = ? AND stock >= ?`,
		item.Quantity, item.ProductID, item.Quantity,
	)
	if err != nil {
		return fmt.Errorf("update stock: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("%w: %s", domain.ErrInsufficientStock, item.Key())
	}
	return nil
}
