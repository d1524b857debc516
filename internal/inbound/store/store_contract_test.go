package store_test

import (
	"context"
	"time"

	"github.com/stretchr/testify/suite"

	"syncbridge/internal/inbound"
	"syncbridge/internal/inbound/models"
	"syncbridge/pkg/platform/sentinel"
)

// contractSuite runs the same behavioural checks against every backend.
type contractSuite struct {
	suite.Suite
	newStore func() inbound.Store
	store    inbound.Store
}

func (s *contractSuite) SetupTest() {
	s.store = s.newStore()
}

func (s *contractSuite) record(id string, at time.Time) *models.Record {
	return &models.Record{
		WebhookID: id,
		GlobalID:  "g-" + id,
		SchemaID:  "schema-chat",
		TableName: "chats",
		Status:    models.StatusProcessing,
		Attempts:  1,
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func (s *contractSuite) TestCreateAndFind() {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	s.Run("created record is found", func() {
		s.Require().NoError(s.store.Create(ctx, s.record("w1", now)))
		got, err := s.store.Find(ctx, "w1")
		s.Require().NoError(err)
		s.Equal(models.StatusProcessing, got.Status)
		s.Equal("g-w1", got.GlobalID)
		s.Equal(1, got.Attempts)
	})

	s.Run("duplicate create reports already used", func() {
		err := s.store.Create(ctx, s.record("w1", now))
		s.ErrorIs(err, sentinel.ErrAlreadyUsed)
	})

	s.Run("unknown id is not found", func() {
		_, err := s.store.Find(ctx, "nope")
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *contractSuite) TestTransitions() {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	s.Run("completed records carry the local id", func() {
		s.Require().NoError(s.store.Create(ctx, s.record("c1", now)))
		s.Require().NoError(s.store.MarkCompleted(ctx, "c1", "local-1", now))
		got, err := s.store.Find(ctx, "c1")
		s.Require().NoError(err)
		s.Equal(models.StatusCompleted, got.Status)
		s.Equal("local-1", got.LocalID)
		s.False(got.Reclaimable())
	})

	s.Run("retriable failure can be reclaimed once", func() {
		s.Require().NoError(s.store.Create(ctx, s.record("f1", now)))
		s.Require().NoError(s.store.MarkFailed(ctx, "f1", "referenced user missing", true, now))

		got, err := s.store.Find(ctx, "f1")
		s.Require().NoError(err)
		s.Equal(models.StatusFailed, got.Status)
		s.Equal("referenced user missing", got.ErrorMessage)
		s.True(got.Reclaimable())

		s.Require().NoError(s.store.Reclaim(ctx, "f1", now.Add(time.Second)))
		s.ErrorIs(s.store.Reclaim(ctx, "f1", now.Add(time.Second)), sentinel.ErrInvalidState)

		got, err = s.store.Find(ctx, "f1")
		s.Require().NoError(err)
		s.Equal(models.StatusProcessing, got.Status)
		s.Equal(2, got.Attempts)
		s.Empty(got.ErrorMessage)
	})

	s.Run("permanent failure cannot be reclaimed", func() {
		s.Require().NoError(s.store.Create(ctx, s.record("p1", now)))
		s.Require().NoError(s.store.MarkFailed(ctx, "p1", "unknown schema", false, now))
		s.ErrorIs(s.store.Reclaim(ctx, "p1", now), sentinel.ErrInvalidState)
	})

	s.Run("reclaim of unknown id is not found", func() {
		s.ErrorIs(s.store.Reclaim(ctx, "ghost", now), sentinel.ErrNotFound)
	})

	s.Run("marking unknown id is not found", func() {
		s.ErrorIs(s.store.MarkCompleted(ctx, "ghost", "x", now), sentinel.ErrNotFound)
		s.ErrorIs(s.store.MarkFailed(ctx, "ghost", "x", false, now), sentinel.ErrNotFound)
	})
}

func (s *contractSuite) TestStatsAndPurge() {
	ctx := context.Background()
	old := time.Now().UTC().Add(-48 * time.Hour).Truncate(time.Millisecond)
	recent := time.Now().UTC().Truncate(time.Millisecond)

	s.Require().NoError(s.store.Create(ctx, s.record("old-1", old)))
	s.Require().NoError(s.store.MarkCompleted(ctx, "old-1", "l1", old))
	s.Require().NoError(s.store.Create(ctx, s.record("new-1", recent)))
	s.Require().NoError(s.store.Create(ctx, s.record("new-2", recent)))
	s.Require().NoError(s.store.MarkFailed(ctx, "new-2", "boom", true, recent))

	st, err := s.store.Stats(ctx)
	s.Require().NoError(err)
	s.Equal(models.Stats{Total: 3, Processing: 1, Completed: 1, Failed: 1}, st)

	n, err := s.store.Purge(ctx, recent.Add(-time.Hour))
	s.Require().NoError(err)
	s.Equal(1, n)

	_, err = s.store.Find(ctx, "old-1")
	s.ErrorIs(err, sentinel.ErrNotFound)
	st, err = s.store.Stats(ctx)
	s.Require().NoError(err)
	s.Equal(2, st.Total)
}
