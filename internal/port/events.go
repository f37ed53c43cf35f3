package port

import (
	"context"
	"time"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

type EventPublisher interface {
	PublishReleased(ctx context.Context, released []domain.ReleasedReservation) error
}

// Locker is a best-effort lease shared between service replicas.
type Locker interface {
	// TryLock returns false if the lease is already held.
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}
