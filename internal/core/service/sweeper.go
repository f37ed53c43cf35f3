package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/port"
)

const (
	sweepLockKey     = "lock:reservation-sweeper"
	defaultSweepSize = 1000
)

var ErrSweepInProgress = errors.New("sweep already in progress")

type CartError struct {
	CartID string `json:"cart_id"`
	Error  string `json:"error"`
}

type SweepResult struct {
	RunID         string                       `json:"run_id"`
	StartedAt     time.Time                    `json:"started_at"`
	FinishedAt    time.Time                    `json:"finished_at"`
	ScannedCarts  int                          `json:"scanned_carts"`
	ReleasedCount int                          `json:"released_count"`
	Released      []domain.ReleasedReservation `json:"released"`
	Errors        []CartError                  `json:"errors,omitempty"`
}

type SweeperStatus struct {
	Running    bool          `json:"running"`
	Executing  bool          `json:"executing"`
	Interval   time.Duration `json:"interval"`
	LastResult *SweepResult  `json:"last_result,omitempty"`
}

// Sweeper periodically removes expired reservations. Passes never overlap:
// an in-process flag guards this instance and the optional Locker guards
// other replicas.
type Sweeper struct {
	store     port.CartStore
	events    port.EventPublisher
	locker    port.Locker
	logger    *zap.Logger
	now       func() time.Time
	batchSize int

	executing atomic.Bool

	// lifecycle serializes Start and Stop; mu guards the fields below
	lifecycle  sync.Mutex
	mu         sync.Mutex
	interval   time.Duration
	cancel     context.CancelFunc
	done       chan struct{}
	lastResult *SweepResult
}

// NewSweeper builds a sweeper. events and locker may be nil.
func NewSweeper(store port.CartStore, events port.EventPublisher, locker port.Locker, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		store:     store,
		events:    events,
		locker:    locker,
		logger:    logger,
		now:       time.Now,
		batchSize: defaultSweepSize,
	}
}

// SetClock replaces time.Now.
func (w *Sweeper) SetClock(now func() time.Time) {
	w.now = now
}

// Start runs a pass every interval until Stop. Calling Start on a running
// sweeper restarts it with the new interval.
func (w *Sweeper) Start(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()
	w.stop()

	w.mu.Lock()
	defer w.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	w.interval = interval
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.loop(ctx, interval, w.done)

	w.logger.Info("reservation sweeper started", zap.Duration("interval", interval))
}

// Stop halts the schedule and waits for an in-flight pass to return.
func (w *Sweeper) Stop() {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()
	w.stop()
}

func (w *Sweeper) stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	w.logger.Info("reservation sweeper stopped")
}

func (w *Sweeper) Status() SweeperStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return SweeperStatus{
		Running:    w.cancel != nil,
		Executing:  w.executing.Load(),
		Interval:   w.interval,
		LastResult: w.lastResult,
	}
}

// TriggerManual runs one pass now. It fails with ErrSweepInProgress while
// another pass is running.
func (w *Sweeper) TriggerManual(ctx context.Context) (*SweepResult, error) {
	return w.sweep(ctx)
}

func (w *Sweeper) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.sweep(ctx); err != nil && !errors.Is(err, ErrSweepInProgress) && ctx.Err() == nil {
				w.logger.Error("reservation sweep failed", zap.Error(err))
			}
		}
	}
}

func (w *Sweeper) sweep(ctx context.Context) (*SweepResult, error) {
	if !w.executing.CompareAndSwap(false, true) {
		return nil, ErrSweepInProgress
	}
	defer w.executing.Store(false)

	if w.locker != nil {
		ok, err := w.locker.TryLock(ctx, sweepLockKey, w.lockTTL())
		if err != nil {
			return nil, fmt.Errorf("acquire sweep lock: %w", err)
		}
		if !ok {
			return nil, ErrSweepInProgress
		}
		defer func() {
			if err := w.locker.Unlock(context.WithoutCancel(ctx), sweepLockKey); err != nil {
				w.logger.Warn("release sweep lock failed", zap.Error(err))
			}
		}()
	}

	now := w.now()
	result := &SweepResult{RunID: uuid.NewString(), StartedAt: now}

	cartIDs, err := w.store.CartsWithExpiredReservations(ctx, now, w.batchSize)
	if err != nil {
		return nil, fmt.Errorf("list carts with expired reservations: %w", err)
	}
	result.ScannedCarts = len(cartIDs)

	for _, cartID := range cartIDs {
		if ctx.Err() != nil {
			result.Errors = append(result.Errors, CartError{CartID: cartID, Error: ctx.Err().Error()})
			break
		}

		released, err := w.sweepCart(ctx, cartID, now)
		if err != nil {
			w.logger.Warn("sweep cart failed", zap.String("cart_id", cartID), zap.Error(err))
			result.Errors = append(result.Errors, CartError{CartID: cartID, Error: err.Error()})
			continue
		}
		result.Released = append(result.Released, released...)
	}
	result.ReleasedCount = len(result.Released)
	result.FinishedAt = w.now()

	if w.events != nil && result.ReleasedCount > 0 {
		if err := w.events.PublishReleased(ctx, result.Released); err != nil {
			w.logger.Warn("publish released reservations failed", zap.Error(err))
		}
	}

	w.mu.Lock()
	w.lastResult = result
	w.mu.Unlock()

	if result.ReleasedCount > 0 || len(result.Errors) > 0 {
		w.logger.Info("reservation sweep finished",
			zap.String("run_id", result.RunID),
			zap.Int("scanned_carts", result.ScannedCarts),
			zap.Int("released", result.ReleasedCount),
			zap.Int("errors", len(result.Errors)),
			zap.Duration("took", result.FinishedAt.Sub(result.StartedAt)))
	}
	return result, nil
}

// sweepCart keeps the non-expired reservations of one cart in a single write.
func (w *Sweeper) sweepCart(ctx context.Context, cartID string, now time.Time) ([]domain.ReleasedReservation, error) {
	var released []domain.ReleasedReservation
	_, err := w.store.UpdateCart(ctx, cartID, func(cart *domain.Cart) error {
		released = released[:0]
		kept := make([]domain.Reservation, 0, len(cart.Reservations))
		for _, r := range cart.Reservations {
			if !r.ExpiredAt(now) {
				kept = append(kept, r)
				continue
			}
			released = append(released, domain.ReleasedReservation{
				CartID:    cartID,
				ProductID: r.ProductID,
				Variant:   r.Variant,
				Quantity:  r.Quantity,
				ExpiredAt: r.ExpiresAt,
			})
		}
		cart.Reservations = kept
		return nil
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}

func (w *Sweeper) lockTTL() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.interval > 0 {
		return w.interval
	}
	return DefaultCleanupInterval
}
