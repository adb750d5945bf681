// Package locks fences shared cultivation resources (a facility, a grow room,
// an incubation rack) while operators run maintenance or audits. Locks are
// reentrant per owner; shared holders coexist, exclusive requires sole
// ownership.
package locks

import (
	"context"
	"time"
)

// Mode controls whether a lock is shared or exclusive.
type Mode string

const (
	ModeExclusive Mode = "exclusive"
	ModeShared    Mode = "shared"
)

// Lock is the current ownership state of one resource. Owners maps owner id
// to its reentrant hold count.
type Lock struct {
	Resource  string         `json:"resource"`
	Mode      Mode           `json:"mode"`
	Owners    map[string]int `json:"owners,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// Store manages resource locks. Acquire and Renew report whether the caller
// holds the lock afterwards; Release reports whether anything was released.
// Expired locks read as absent.
type Store interface {
	Acquire(ctx context.Context, resource, owner string, mode Mode, ttl time.Duration) (*Lock, bool, error)
	Release(ctx context.Context, resource, owner string) (*Lock, bool, error)
	Renew(ctx context.Context, resource, owner string, ttl time.Duration) (*Lock, bool, error)
	Get(ctx context.Context, resource string) (*Lock, error)
}
