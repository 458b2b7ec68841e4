package locks

import (
	"context"
	"time"
)

// Lock captures who holds a resource and until when.
type Lock struct {
	Resource  string    `json:"resource"`
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store manages exclusive, expiring resource locks.
type Store interface {
	Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, resource, owner string) error
	Renew(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, resource string) (*Lock, error)
}
