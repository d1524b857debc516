package localstore

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"

	"syncbridge/internal/capture"
	"syncbridge/internal/envelope"
	"syncbridge/pkg/platform/sentinel"
)

type recordingSink struct {
	mu     sync.Mutex
	events []capture.Event
}

func (s *recordingSink) Notify(_ context.Context, ev capture.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return true
}

func (s *recordingSink) all() []capture.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]capture.Event(nil), s.events...)
}

type MemoryRepositorySuite struct {
	suite.Suite
	ctx  context.Context
	sink *recordingSink
	repo *MemoryRepository
}

func TestMemoryRepositorySuite(t *testing.T) {
	suite.Run(t, new(MemoryRepositorySuite))
}

func (s *MemoryRepositorySuite) SetupTest() {
	s.ctx = context.Background()
	s.sink = &recordingSink{}
	s.repo = NewMemory(s.sink)
	n := 0
	s.repo.newID = func() string {
		n++
		return fmt.Sprintf("new-%d", n)
	}
}

func (s *MemoryRepositorySuite) TestApply() {
	s.Run("empty id creates", func() {
		s.SetupTest()
		id, err := s.repo.Apply(s.ctx, "users", "", envelope.Record{"name": "Ada"})
		s.Require().NoError(err)
		s.Equal("new-1", id)

		got, err := s.repo.Load(s.ctx, "users", id)
		s.Require().NoError(err)
		s.Equal(envelope.Record{"id": "new-1", "name": "Ada"}, got)

		events := s.sink.all()
		s.Require().Len(events, 1)
		s.Equal(capture.OpInsert, events[0].Op)
		s.Equal("users", events[0].Table)
		s.Equal("new-1", events[0].EntityID)
	})

	s.Run("existing id merges", func() {
		s.SetupTest()
		s.repo.Put(s.ctx, "users", "u1", envelope.Record{"name": "Ada", "bio": "x"})
		_, err := s.repo.Apply(s.ctx, "users", "u1", envelope.Record{"name": "Grace"})
		s.Require().NoError(err)

		got, err := s.repo.Load(s.ctx, "users", "u1")
		s.Require().NoError(err)
		s.Equal("Grace", got["name"])
		s.Equal("x", got["bio"])

		events := s.sink.all()
		s.Require().Len(events, 2)
		s.Equal(capture.OpUpdate, events[1].Op)
	})

	s.Run("unknown id is inserted under that id", func() {
		s.SetupTest()
		id, err := s.repo.Apply(s.ctx, "users", "u9", envelope.Record{"name": "Ada"})
		s.Require().NoError(err)
		s.Equal("u9", id)
		s.Equal(capture.OpInsert, s.sink.all()[0].Op)
	})
}

func (s *MemoryRepositorySuite) TestLoad() {
	s.Run("missing entity", func() {
		s.SetupTest()
		_, err := s.repo.Load(s.ctx, "users", "nope")
		s.ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("returned record is a copy", func() {
		s.SetupTest()
		s.repo.Put(s.ctx, "users", "u1", envelope.Record{"name": "Ada"})
		got, err := s.repo.Load(s.ctx, "users", "u1")
		s.Require().NoError(err)
		got["name"] = "changed"

		again, err := s.repo.Load(s.ctx, "users", "u1")
		s.Require().NoError(err)
		s.Equal("Ada", again["name"])
	})
}

func (s *MemoryRepositorySuite) TestDelete() {
	s.SetupTest()
	s.repo.Put(s.ctx, "users", "u1", envelope.Record{"name": "Ada"})
	s.repo.Delete(s.ctx, "users", "u1")
	s.repo.Delete(s.ctx, "users", "u1")

	_, err := s.repo.Load(s.ctx, "users", "u1")
	s.ErrorIs(err, sentinel.ErrNotFound)

	events := s.sink.all()
	s.Require().Len(events, 2)
	s.Equal(capture.OpRemove, events[1].Op)
}

func (s *MemoryRepositorySuite) TestNilSink() {
	repo := NewMemory(nil)
	s.NotPanics(func() {
		_, err := repo.Apply(context.Background(), "users", "", envelope.Record{"name": "Ada"})
		s.NoError(err)
	})
}

func TestListenerDeliver(t *testing.T) {
	sink := &recordingSink{}
	l := NewListener("", "syncbridge_changes", sink, nil)
	ctx := context.Background()

	if !l.Deliver(ctx, `{"op":"insert","table":"chat_participants","entityId":"","row":{"chat_id":"c1","user_id":"u1"}}`) {
		t.Fatal("expected delivery")
	}
	if l.Deliver(ctx, `not json`) {
		t.Fatal("malformed payload must not be delivered")
	}

	events := sink.all()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.Op != capture.OpInsert || ev.Table != "chat_participants" || ev.Row["chat_id"] != "c1" {
		t.Fatalf("unexpected event %+v", ev)
	}
}
