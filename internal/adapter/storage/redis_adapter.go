package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

const (
	cartKeyPrefix  = "cart:"
	holdsKeyPrefix = "holds:"
	expiryIndexKey = "reservations:expiry"

	maxTxRetries = 32
	maxTxBackoff = 20 * time.Millisecond
	// other carts' hold entries this far past expiry are pruned on the next reserve of the key
	staleHoldAge = 24 * time.Hour
)

// reservedQuantityScript sums the non-expired holds in a holds hash.
// Field: cart id. Value: "<quantity>:<expires unix ns, fixed width>".
var reservedQuantityScript = redis.NewScript(`
local holds = redis.call('HGETALL', KEYS[1])
local now = ARGV[1]
local exclude = ARGV[2]
local total = 0

for i = 1, #holds, 2 do
	if holds[i] ~= exclude then
		local qty, exp = string.match(holds[i + 1], '^(%d+):(%d+)$')
		if qty and #exp == #now and exp > now then
			total = total + tonumber(qty)
		end
	end
end

return total
`)

var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisAdapter stores each cart as one JSON document and keeps two derived
// indexes in the same transaction: a holds hash per reservation key and a
// sorted set of carts by earliest reservation expiry.
type RedisAdapter struct {
	client  *redis.Client
	cartTTL time.Duration
	owner   string
}

func NewRedisAdapter(client *redis.Client, cartTTL time.Duration) *RedisAdapter {
	return &RedisAdapter{
		client:  client,
		cartTTL: cartTTL,
		owner:   uuid.NewString(),
	}
}

func (r *RedisAdapter) GetCart(ctx context.Context, cartID string) (*domain.Cart, error) {
	return loadCart(ctx, r.client, cartID)
}

func (r *RedisAdapter) GetOrCreateCart(ctx context.Context, cartID, userID string) (*domain.Cart, error) {
	now := time.Now()
	cart := &domain.Cart{
		ID:        cartID,
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	data, err := json.Marshal(cart)
	if err != nil {
		return nil, fmt.Errorf("marshal cart: %w", err)
	}

	created, err := r.client.SetNX(ctx, cartKey(cartID), data, r.cartTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("create cart: %w", err)
	}
	if created {
		return cart, nil
	}
	return r.GetCart(ctx, cartID)
}

func (r *RedisAdapter) UpdateCart(ctx context.Context, cartID string, fn func(cart *domain.Cart) error) (*domain.Cart, error) {
	return r.update(ctx, cartID, nil, func(_ *redis.Tx, cart *domain.Cart) (func(redis.Pipeliner), error) {
		return nil, fn(cart)
	})
}

func (r *RedisAdapter) ReserveInCart(ctx context.Context, cartID string, key domain.ReservationKey, now time.Time,
	fn func(cart *domain.Cart, reservedByOthers int) error) (*domain.Cart, error) {
	hk := holdsKey(key)
	return r.update(ctx, cartID, []string{hk}, func(tx *redis.Tx, cart *domain.Cart) (func(redis.Pipeliner), error) {
		holds, err := tx.HGetAll(ctx, hk).Result()
		if err != nil {
			return nil, fmt.Errorf("read holds: %w", err)
		}
		if err := fn(cart, sumHolds(holds, cartID, now)); err != nil {
			return nil, err
		}
		stale := staleHolds(holds, cartID, now.Add(-staleHoldAge))
		return func(pipe redis.Pipeliner) {
			if len(stale) > 0 {
				pipe.HDel(ctx, hk, stale...)
			}
		}, nil
	})
}

func (r *RedisAdapter) ReservedQuantity(ctx context.Context, key domain.ReservationKey, excludeCartID string, now time.Time) (int, error) {
	total, err := reservedQuantityScript.Run(ctx, r.client, []string{holdsKey(key)}, expiryField(now), excludeCartID).Int()
	if err != nil {
		return 0, fmt.Errorf("aggregate reserved quantity: %w", err)
	}
	return total, nil
}

func (r *RedisAdapter) CartsWithExpiredReservations(ctx context.Context, now time.Time, limit int) ([]string, error) {
	by := &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10)}
	if limit > 0 {
		by.Count = int64(limit)
	}
	ids, err := r.client.ZRangeByScore(ctx, expiryIndexKey, by).Result()
	if err != nil {
		return nil, fmt.Errorf("query expiry index: %w", err)
	}
	return ids, nil
}

// TryLock takes a lease owned by this adapter instance.
func (r *RedisAdapter) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, r.owner, ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Unlock releases the lease only if this instance still owns it.
func (r *RedisAdapter) Unlock(ctx context.Context, key string) error {
	return unlockScript.Run(ctx, r.client, []string{key}, r.owner).Err()
}

// update is an optimistic read-modify-write of one cart. The cart key and
// any extra keys are watched; a concurrent write to either retries the whole
// function, mutate included.
func (r *RedisAdapter) update(ctx context.Context, cartID string, extraKeys []string,
	mutate func(tx *redis.Tx, cart *domain.Cart) (func(redis.Pipeliner), error)) (*domain.Cart, error) {
	ck := cartKey(cartID)

	var updated *domain.Cart
	txf := func(tx *redis.Tx) error {
		cart, err := loadCart(ctx, tx, cartID)
		if err != nil {
			return err
		}
		before := append([]domain.Reservation(nil), cart.Reservations...)

		extra, err := mutate(tx, cart)
		if err != nil {
			return err
		}
		cart.UpdatedAt = time.Now()

		data, err := json.Marshal(cart)
		if err != nil {
			return fmt.Errorf("marshal cart: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, ck, data, r.cartTTL)
			writeHoldIndex(ctx, pipe, cartID, before, cart.Reservations)
			if earliest, ok := cart.EarliestExpiry(); ok {
				pipe.ZAdd(ctx, expiryIndexKey, redis.Z{Score: float64(earliest.UnixMilli()), Member: cartID})
			} else {
				pipe.ZRem(ctx, expiryIndexKey, cartID)
			}
			if extra != nil {
				extra(pipe)
			}
			return nil
		})
		if err != nil {
			return err
		}
		updated = cart
		return nil
	}

	keys := append([]string{ck}, extraKeys...)
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := r.client.Watch(ctx, txf, keys...)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			if err := backoff(ctx, attempt); err != nil {
				return nil, err
			}
			continue
		}
		if errors.Is(err, domain.ErrCartNotFound) {
			// the document is gone (TTL), so is its place in the expiry index
			r.client.ZRem(ctx, expiryIndexKey, cartID)
		}
		return nil, err
	}
	return nil, fmt.Errorf("update cart %s: %w", cartID, domain.ErrConflict)
}

// backoff sleeps a jittered, linearly growing delay between lost races.
func backoff(ctx context.Context, attempt int) error {
	d := min(time.Duration(attempt+1)*time.Millisecond, maxTxBackoff)
	d = d/2 + time.Duration(rand.Int63n(int64(d/2+1)))

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func loadCart(ctx context.Context, c stringGetter, cartID string) (*domain.Cart, error) {
	data, err := c.Get(ctx, cartKey(cartID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrCartNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get cart: %w", err)
	}

	var cart domain.Cart
	if err := json.Unmarshal(data, &cart); err != nil {
		return nil, fmt.Errorf("unmarshal cart: %w", err)
	}
	return &cart, nil
}

// writeHoldIndex touches only the hold entries that changed, so unrelated
// watchers are not invalidated.
func writeHoldIndex(ctx context.Context, pipe redis.Pipeliner, cartID string, before, after []domain.Reservation) {
	old := make(map[string]string, len(before))
	for _, res := range before {
		old[res.Key().String()] = holdValue(res)
	}

	for _, res := range after {
		k := res.Key().String()
		v := holdValue(res)
		if prev, ok := old[k]; !ok || prev != v {
			pipe.HSet(ctx, holdsKeyPrefix+k, cartID, v)
		}
		delete(old, k)
	}
	for k := range old {
		pipe.HDel(ctx, holdsKeyPrefix+k, cartID)
	}
}

// staleHolds lists other carts' entries that expired before cutoff.
func staleHolds(holds map[string]string, cartID string, cutoff time.Time) []string {
	var stale []string
	for field, v := range holds {
		if field == cartID {
			continue
		}
		if _, exp, ok := parseHold(v); ok && exp < cutoff.UnixNano() {
			stale = append(stale, field)
		}
	}
	return stale
}

func sumHolds(holds map[string]string, excludeCartID string, now time.Time) int {
	nowNs := now.UnixNano()
	total := 0
	for cartID, v := range holds {
		if cartID == excludeCartID {
			continue
		}
		if qty, exp, ok := parseHold(v); ok && exp > nowNs {
			total += qty
		}
	}
	return total
}

func holdValue(r domain.Reservation) string {
	return strconv.Itoa(r.Quantity) + ":" + expiryField(r.ExpiresAt)
}

// expiryField is unix nanoseconds padded to a fixed width. Lua numbers are
// doubles and lose nanoseconds, so the script compares these as strings.
func expiryField(t time.Time) string {
	return fmt.Sprintf("%019d", t.UnixNano())
}

func parseHold(v string) (qty int, expiresNs int64, ok bool) {
	q, e, found := strings.Cut(v, ":")
	if !found {
		return 0, 0, false
	}
	qty, err := strconv.Atoi(q)
	if err != nil {
		return 0, 0, false
	}
	expiresNs, err = strconv.ParseInt(e, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return qty, expiresNs, true
}

func cartKey(cartID string) string {
	return cartKeyPrefix + cartID
}

func holdsKey(key domain.ReservationKey) string {
	return holdsKeyPrefix + key.String()
}
