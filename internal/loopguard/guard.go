package loopguard

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// LockSet marks ids as being applied from the other direction. Entries
// expire after their TTL; Unlock removes them early.
type LockSet interface {
	Lock(ctx context.Context, id string, ttl time.Duration) error
	IsLocked(ctx context.Context, id string) (bool, error)
	Unlock(ctx context.Context, id string) error
}

// Guard arms and checks echo-suppression locks.
type Guard struct {
	locks  LockSet
	ttl    time.Duration
	logger *slog.Logger
}

type GuardOption func(*Guard)

func WithLogger(logger *slog.Logger) GuardOption {
	return func(g *Guard) {
		g.logger = logger
	}
}

// NewGuard builds a guard whose locks live for ttl. The ttl must outlive the
// debounce window of the change events the guarded write triggers.
func NewGuard(locks LockSet, ttl time.Duration, opts ...GuardOption) (*Guard, error) {
	if locks == nil {
		return nil, fmt.Errorf("lock set is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("lock ttl must be positive")
	}
	g := &Guard{locks: locks, ttl: ttl}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.New(slog.DiscardHandler)
	}
	return g, nil
}

// TTL returns the lock lifetime.
func (g *Guard) TTL() time.Duration {
	return g.ttl
}

// Arm locks every non-empty id.
func (g *Guard) Arm(ctx context.Context, ids ...string) error {
	for _, id := range ids {
		if id == "" {
			continue
		}
		if err := g.locks.Lock(ctx, id, g.ttl); err != nil {
			return fmt.Errorf("arm lock %s: %w", id, err)
		}
	}
	return nil
}

// Suppressed reports whether any non-empty id is locked.
func (g *Guard) Suppressed(ctx context.Context, ids ...string) (bool, error) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		locked, err := g.locks.IsLocked(ctx, id)
		if err != nil {
			return false, fmt.Errorf("check lock %s: %w", id, err)
		}
		if locked {
			g.logger.DebugContext(ctx, "outbound echo suppressed", "id", id)
			return true, nil
		}
	}
	return false, nil
}

// Release removes locks before they expire.
func (g *Guard) Release(ctx context.Context, ids ...string) error {
	for _, id := range ids {
		if id == "" {
			continue
		}
		if err := g.locks.Unlock(ctx, id); err != nil {
			return fmt.Errorf("release lock %s: %w", id, err)
		}
	}
	return nil
}
