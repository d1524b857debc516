package loopguard_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"syncbridge/internal/loopguard"
	"syncbridge/internal/loopguard/store"
)

type GuardSuite struct {
	suite.Suite
	now   time.Time
	locks *store.InMemoryLockSet
	guard *loopguard.Guard
}

func TestGuardSuite(t *testing.T) {
	suite.Run(t, new(GuardSuite))
}

func (s *GuardSuite) SetupTest() {
	s.now = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.locks = store.NewInMemory(store.WithClock(func() time.Time { return s.now }))
	var err error
	s.guard, err = loopguard.NewGuard(s.locks, 4*time.Second)
	s.Require().NoError(err)
}

func (s *GuardSuite) TestNewGuard() {
	_, err := loopguard.NewGuard(nil, time.Second)
	s.ErrorContains(err, "lock set is required")
	_, err = loopguard.NewGuard(s.locks, 0)
	s.ErrorContains(err, "ttl must be positive")
}

func (s *GuardSuite) TestArmAndSuppress() {
	ctx := context.Background()

	s.Require().NoError(s.guard.Arm(ctx, "local-1", "global-1", ""))

	suppressed, err := s.guard.Suppressed(ctx, "local-1")
	s.Require().NoError(err)
	s.True(suppressed)

	suppressed, err = s.guard.Suppressed(ctx, "other", "global-1")
	s.Require().NoError(err)
	s.True(suppressed)

	suppressed, err = s.guard.Suppressed(ctx, "other", "")
	s.Require().NoError(err)
	s.False(suppressed)
}

func (s *GuardSuite) TestLocksExpire() {
	ctx := context.Background()
	s.Require().NoError(s.guard.Arm(ctx, "local-1"))

	s.now = s.now.Add(3 * time.Second)
	suppressed, _ := s.guard.Suppressed(ctx, "local-1")
	s.True(suppressed)

	s.now = s.now.Add(time.Second)
	suppressed, _ = s.guard.Suppressed(ctx, "local-1")
	s.False(suppressed)
	s.Equal(0, s.locks.Len())
}

func (s *GuardSuite) TestRelease() {
	ctx := context.Background()
	s.Require().NoError(s.guard.Arm(ctx, "local-1"))
	s.Require().NoError(s.guard.Release(ctx, "local-1"))

	suppressed, _ := s.guard.Suppressed(ctx, "local-1")
	s.False(suppressed)
}

func (s *GuardSuite) TestRelockExtends() {
	ctx := context.Background()
	s.Require().NoError(s.guard.Arm(ctx, "local-1"))
	s.now = s.now.Add(3 * time.Second)
	s.Require().NoError(s.guard.Arm(ctx, "local-1"))
	s.now = s.now.Add(3 * time.Second)

	suppressed, _ := s.guard.Suppressed(ctx, "local-1")
	s.True(suppressed)
}

func (s *GuardSuite) TestShorterRelockKeepsLongerExpiry() {
	ctx := context.Background()
	s.Require().NoError(s.locks.Lock(ctx, "local-1", time.Minute))
	s.Require().NoError(s.locks.Lock(ctx, "local-1", time.Second))

	s.now = s.now.Add(30 * time.Second)
	locked, err := s.locks.IsLocked(ctx, "local-1")
	s.Require().NoError(err)
	s.True(locked)
}
