package inbound

//go:generate mockgen -source=processor.go -destination=mocks/mocks.go -package=mocks Store,Identity,Writer,Guard,Archiver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"syncbridge/internal/envelope"
	"syncbridge/internal/identity"
	identityStore "syncbridge/internal/identity/store"
	"syncbridge/internal/inbound/mocks"
	"syncbridge/internal/inbound/models"
	"syncbridge/internal/inbound/store"
	"syncbridge/internal/loopguard"
	lockStore "syncbridge/internal/loopguard/store"
	"syncbridge/internal/ontology"
	dErrors "syncbridge/pkg/domain-errors"
)

const (
	chatSchema = "550e8400-e29b-41d4-a716-446655440003"
	userSchema = "550e8400-e29b-41d4-a716-446655440000"
)

type write struct {
	table   string
	localID string
	record  envelope.Record
}

type fakeWriter struct {
	mu      sync.Mutex
	seq     int
	writes  []write
	err     error
	onApply func(localID string)
}

func (w *fakeWriter) Apply(_ context.Context, table, localID string, record envelope.Record) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return "", w.err
	}
	if w.onApply != nil {
		w.onApply(localID)
	}
	if localID == "" {
		w.seq++
		localID = fmt.Sprintf("l-%d", w.seq)
	}
	w.writes = append(w.writes, write{table: table, localID: localID, record: record})
	return localID, nil
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.writes)
}

type fakeArchiver struct {
	mu   sync.Mutex
	keys []string
}

func (a *fakeArchiver) Put(_ context.Context, key string, _ []byte, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys = append(a.keys, key)
	return nil
}

func testRegistry() *ontology.Registry {
	reg, err := ontology.New([]ontology.Mapping{
		{
			SchemaID:     userSchema,
			TableName:    "users",
			OntologyType: "User",
			Fields: []ontology.Field{
				{Local: "handle", Ontology: "username", Kind: ontology.KindString},
			},
		},
		{
			SchemaID:     chatSchema,
			TableName:    "chats",
			OntologyType: "Chat",
			Fields: []ontology.Field{
				{Local: "chatName", Ontology: "name", Kind: ontology.KindString},
				{Local: "participants", Ontology: "participants", Kind: ontology.KindArray, Ref: "users"},
			},
		},
	}, nil)
	if err != nil {
		panic(err)
	}
	return reg
}

// =============================================================================
// Processor Test Suite
// =============================================================================

type ProcessorSuite struct {
	suite.Suite
	store     *store.InMemoryStore
	identity  *identity.Service
	writer    *fakeWriter
	locks     *lockStore.InMemoryLockSet
	archiver  *fakeArchiver
	processor *Processor
}

func TestProcessorSuite(t *testing.T) {
	suite.Run(t, new(ProcessorSuite))
}

func (s *ProcessorSuite) SetupTest() {
	s.store = store.NewInMemory()
	var err error
	s.identity, err = identity.New(identityStore.NewInMemory())
	s.Require().NoError(err)
	s.writer = &fakeWriter{}
	s.locks = lockStore.NewInMemory()
	guard, err := loopguard.NewGuard(s.locks, time.Minute)
	s.Require().NoError(err)
	s.archiver = &fakeArchiver{}
	seq := 0
	s.processor, err = New(s.store, testRegistry(), s.identity, s.writer,
		WithGuard(guard),
		WithArchiver(s.archiver),
		WithLocalIDGenerator(func() string {
			seq++
			return fmt.Sprintf("l-%d", seq)
		}),
	)
	s.Require().NoError(err)
}

func chatPayload(globalID, name string) *Payload {
	return &Payload{
		ID:        globalID,
		SchemaID:  chatSchema,
		Data:      map[string]any{"name": name},
		Timestamp: "2025-01-01T00:00:00Z",
	}
}

func (s *ProcessorSuite) TestNew() {
	s.Run("nil dependencies return errors", func() {
		_, err := New(nil, testRegistry(), s.identity, s.writer)
		s.ErrorContains(err, "processing store is required")
		_, err = New(s.store, nil, s.identity, s.writer)
		s.ErrorContains(err, "mapping registry is required")
		_, err = New(s.store, testRegistry(), nil, s.writer)
		s.ErrorContains(err, "identity resolver is required")
		_, err = New(s.store, testRegistry(), s.identity, nil)
		s.ErrorContains(err, "local writer is required")
	})
}

func (s *ProcessorSuite) TestApply() {
	ctx := context.Background()

	s.Run("new entity is created and mapped", func() {
		res, err := s.processor.Process(ctx, chatPayload("g-chat", "general"))
		s.Require().NoError(err)
		s.Equal(OutcomeCompleted, res.Status)
		s.Equal("l-1", res.LocalID)

		local, ok, err := s.identity.GetLocalID(ctx, "g-chat")
		s.Require().NoError(err)
		s.True(ok)
		s.Equal("l-1", local)

		s.Require().Equal(1, s.writer.count())
		w := s.writer.writes[0]
		s.Equal("chats", w.table)
		s.Equal("general", w.record["chatName"])
		s.Equal([]string{"*"}, w.record[envelope.ACLRead])
		s.Equal([]string{"*"}, w.record[envelope.ACLWrite])

		rec, err := s.store.Find(ctx, res.WebhookID)
		s.Require().NoError(err)
		s.Equal(models.StatusCompleted, rec.Status)
		s.Equal("l-1", rec.LocalID)
		s.Equal("chats", rec.TableName)
	})

	s.Run("known entity is updated in place", func() {
		s.SetupTest()
		s.Require().NoError(s.identity.StoreMapping(ctx, "existing", "g-chat", "chats"))

		res, err := s.processor.Process(ctx, chatPayload("g-chat", "renamed"))
		s.Require().NoError(err)
		s.Equal("existing", res.LocalID)
		s.Require().Equal(1, s.writer.count())
		s.Equal("existing", s.writer.writes[0].localID)
	})

	s.Run("both ids are locked against echo", func() {
		s.SetupTest()
		res, err := s.processor.Process(ctx, chatPayload("g-chat", "general"))
		s.Require().NoError(err)

		for _, id := range []string{"g-chat", res.LocalID} {
			locked, err := s.locks.IsLocked(ctx, id)
			s.Require().NoError(err)
			s.True(locked, id)
		}
	})

	s.Run("new entity's local id is locked before the write", func() {
		s.SetupTest()
		var lockedAtWrite bool
		s.writer.onApply = func(localID string) {
			lockedAtWrite, _ = s.locks.IsLocked(ctx, localID)
		}
		res, err := s.processor.Process(ctx, chatPayload("g-chat", "general"))
		s.Require().NoError(err)
		s.Equal("l-1", s.writer.writes[0].localID)
		s.Equal("l-1", res.LocalID)
		s.True(lockedAtWrite)
	})

	s.Run("acl is restored into both fields", func() {
		s.SetupTest()
		p := chatPayload("g-chat", "private")
		p.ACL = []string{"u1", "u2", "u3"}
		_, err := s.processor.Process(ctx, p)
		s.Require().NoError(err)

		w := s.writer.writes[0]
		s.Equal([]string{"u1", "u2", "u3"}, w.record[envelope.ACLRead])
		s.Equal([]string{"u1", "u2", "u3"}, w.record[envelope.ACLWrite])
	})
}

func (s *ProcessorSuite) TestIdempotency() {
	ctx := context.Background()

	s.Run("identical payload twice writes once", func() {
		first, err := s.processor.Process(ctx, chatPayload("g-chat", "general"))
		s.Require().NoError(err)
		second, err := s.processor.Process(ctx, chatPayload("g-chat", "general"))
		s.Require().NoError(err)

		s.Equal(OutcomeDuplicate, second.Status)
		s.Equal(first.WebhookID, second.WebhookID)
		s.Equal(first.LocalID, second.LocalID)
		s.Equal(1, s.writer.count())

		st, err := s.store.Stats(ctx)
		s.Require().NoError(err)
		s.Equal(1, st.Total)
	})

	s.Run("concurrent duplicates write once", func() {
		s.SetupTest()
		var wg sync.WaitGroup
		for range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.processor.Process(ctx, chatPayload("g-chat", "general"))
				s.NoError(err)
			}()
		}
		wg.Wait()

		s.Equal(1, s.writer.count())
		st, err := s.store.Stats(ctx)
		s.Require().NoError(err)
		s.Equal(models.Stats{Total: 1, Completed: 1}, st)
	})

	s.Run("different data is a different webhook", func() {
		s.SetupTest()
		_, err := s.processor.Process(ctx, chatPayload("g-chat", "one"))
		s.Require().NoError(err)
		res, err := s.processor.Process(ctx, chatPayload("g-chat", "two"))
		s.Require().NoError(err)
		s.Equal(OutcomeCompleted, res.Status)
		s.Equal(2, s.writer.count())
		s.Equal("l-1", res.LocalID)
	})
}

func (s *ProcessorSuite) TestFailures() {
	ctx := context.Background()

	s.Run("unknown schema fails permanently", func() {
		p := &Payload{ID: "g-x", SchemaID: "unknown", Data: map[string]any{"a": "b"}}
		res, err := s.processor.Process(ctx, p)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeUnknownSchema))
		s.Equal(OutcomeFailed, res.Status)

		rec, ferr := s.store.Find(ctx, res.WebhookID)
		s.Require().NoError(ferr)
		s.Equal(models.StatusFailed, rec.Status)
		s.False(rec.Retriable)
		s.Contains(rec.ErrorMessage, "no mapping for schema")
		s.Equal([]string{ArchiveKey("", res.WebhookID)}, s.archiver.keys)

		again, err := s.processor.Process(ctx, p)
		s.Require().NoError(err)
		s.Equal(OutcomeDuplicate, again.Status)
	})

	s.Run("missing required reference writes nothing", func() {
		s.SetupTest()
		p := chatPayload("g-chat", "team")
		p.Data["participants"] = []any{"User(g-u1)", "User(g-u2)"}
		s.Require().NoError(s.identity.StoreMapping(ctx, "l-u1", "g-u1", "users"))

		res, err := s.processor.Process(ctx, p)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeEntityNotFound))
		s.Equal(0, s.writer.count())
		_, ok, _ := s.identity.GetLocalID(ctx, "g-chat")
		s.False(ok)

		rec, ferr := s.store.Find(ctx, res.WebhookID)
		s.Require().NoError(ferr)
		s.True(rec.Retriable)
	})

	s.Run("retriable failure is reprocessed on redelivery", func() {
		s.SetupTest()
		p := chatPayload("g-chat", "team")
		p.Data["participants"] = []any{"User(g-u1)"}

		_, err := s.processor.Process(ctx, p)
		s.Require().Error(err)

		s.Require().NoError(s.identity.StoreMapping(ctx, "l-u1", "g-u1", "users"))
		res, err := s.processor.Process(ctx, p)
		s.Require().NoError(err)
		s.Equal(OutcomeCompleted, res.Status)

		s.Require().Equal(1, s.writer.count())
		s.Equal([]any{"l-u1"}, s.writer.writes[0].record["participants"])
		rec, _ := s.store.Find(ctx, res.WebhookID)
		s.Equal(2, rec.Attempts)
	})

	s.Run("writer failure is recorded and archived", func() {
		s.SetupTest()
		s.writer.err = errors.New("connection reset")
		res, err := s.processor.Process(ctx, chatPayload("g-chat", "x"))
		s.Require().Error(err)

		rec, ferr := s.store.Find(ctx, res.WebhookID)
		s.Require().NoError(ferr)
		s.Equal(models.StatusFailed, rec.Status)
		s.True(rec.Retriable)
		s.Equal([]string{ArchiveKey("chats", res.WebhookID)}, s.archiver.keys)
	})

	s.Run("type mismatch is a permanent decode failure", func() {
		s.SetupTest()
		p := chatPayload("g-chat", "x")
		p.Data["name"] = 42
		res, err := s.processor.Process(ctx, p)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeDecode))
		rec, _ := s.store.Find(ctx, res.WebhookID)
		s.False(rec.Retriable)
	})

	s.Run("missing ids are rejected without a record", func() {
		s.SetupTest()
		_, err := s.processor.Process(ctx, &Payload{SchemaID: chatSchema})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
		st, _ := s.store.Stats(ctx)
		s.Equal(0, st.Total)
	})
}

// =============================================================================
// Port failure tests
// =============================================================================

func TestProcessorPortFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("store lookup failure stops before any write", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		st := mocks.NewMockStore(ctrl)
		writer := mocks.NewMockWriter(ctrl)
		ident := mocks.NewMockIdentity(ctrl)

		st.EXPECT().Find(gomock.Any(), gomock.Any()).Return(nil, errors.New("db down"))

		p, err := New(st, testRegistry(), ident, writer)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := p.Process(ctx, chatPayload("g", "x")); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("lock failure aborts the write", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		ident := mocks.NewMockIdentity(ctrl)
		writer := mocks.NewMockWriter(ctrl)
		guard := mocks.NewMockGuard(ctrl)

		ident.EXPECT().GetLocalID(gomock.Any(), "g").Return("", false, nil)
		guard.EXPECT().Arm(gomock.Any(), "l-new", "g").Return(errors.New("redis down"))

		p, err := New(store.NewInMemory(), testRegistry(), ident, writer, WithGuard(guard),
			WithLocalIDGenerator(func() string { return "l-new" }))
		if err != nil {
			t.Fatal(err)
		}
		res, err := p.Process(ctx, chatPayload("g", "x"))
		if err == nil || res.Status != OutcomeFailed {
			t.Fatalf("expected failure, got %+v %v", res, err)
		}
	})

	t.Run("mapping conflict is permanent", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		ident := mocks.NewMockIdentity(ctrl)
		writer := mocks.NewMockWriter(ctrl)
		st := store.NewInMemory()

		ident.EXPECT().GetLocalID(gomock.Any(), "g").Return("", false, nil)
		writer.EXPECT().Apply(gomock.Any(), "chats", "l-9", gomock.Any()).Return("l-9", nil)
		ident.EXPECT().StoreMapping(gomock.Any(), "l-9", "g", "chats").
			Return(dErrors.New(dErrors.CodeMappingConflict, "taken"))

		p, err := New(st, testRegistry(), ident, writer, WithLocalIDGenerator(func() string { return "l-9" }))
		if err != nil {
			t.Fatal(err)
		}
		res, err := p.Process(ctx, chatPayload("g", "x"))
		if !dErrors.HasCode(err, dErrors.CodeMappingConflict) {
			t.Fatalf("expected mapping conflict, got %v", err)
		}
		rec, _ := st.Find(ctx, res.WebhookID)
		if rec.Retriable {
			t.Fatal("mapping conflict must not be retriable")
		}
	})
}

func TestJanitor(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemory()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i, age := range []time.Duration{time.Minute, 2 * time.Hour, 48 * time.Hour} {
		at := now.Add(-age)
		if err := st.Create(ctx, &models.Record{WebhookID: fmt.Sprint(i), Status: models.StatusCompleted, CreatedAt: at, UpdatedAt: at}); err != nil {
			t.Fatal(err)
		}
	}

	j := NewJanitor(st, time.Hour, time.Minute, nil, nil)
	j.now = func() time.Time { return now }
	n, err := j.PurgeOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("purged %d records, want 2", n)
	}

	disabled := NewJanitor(st, 0, time.Minute, nil, nil)
	if n, _ := disabled.PurgeOnce(ctx); n != 0 {
		t.Fatalf("zero retention purged %d records", n)
	}
}
