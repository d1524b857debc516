package localstore_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"syncbridge/internal/capture"
	"syncbridge/internal/envelope"
	"syncbridge/internal/identity"
	identityStore "syncbridge/internal/identity/store"
	"syncbridge/internal/inbound"
	inboundStore "syncbridge/internal/inbound/store"
	"syncbridge/internal/localstore"
	"syncbridge/internal/loopguard"
	lockStore "syncbridge/internal/loopguard/store"
	"syncbridge/internal/ontology"
	"syncbridge/internal/publish"
)

const (
	echoWindow  = 40 * time.Millisecond
	echoLockTTL = 300 * time.Millisecond
	chatsSchema = "550e8400-e29b-41d4-a716-446655440003"
)

type countingPublisher struct {
	mu   sync.Mutex
	pubs []*publish.Publication
}

func (p *countingPublisher) Publish(_ context.Context, pub *publish.Publication) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pubs = append(p.pubs, pub)
	return pub.Meta.ID, nil
}

func (p *countingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pubs)
}

// EchoSuppressionSuite runs an inbound apply through the in-memory local
// store into a live dispatcher, the way the server wires them.
type EchoSuppressionSuite struct {
	suite.Suite
	repo       *localstore.MemoryRepository
	identity   *identity.Service
	publisher  *countingPublisher
	dispatcher *capture.Dispatcher
	processor  *inbound.Processor
}

func TestEchoSuppressionSuite(t *testing.T) {
	suite.Run(t, new(EchoSuppressionSuite))
}

func (s *EchoSuppressionSuite) SetupTest() {
	registry, err := ontology.New([]ontology.Mapping{{
		SchemaID:     chatsSchema,
		TableName:    "chats",
		OntologyType: "Chat",
		Fields: []ontology.Field{
			{Local: "name", Ontology: "name", Kind: ontology.KindString},
		},
	}}, nil)
	s.Require().NoError(err)

	s.identity, err = identity.New(identityStore.NewInMemory())
	s.Require().NoError(err)
	guard, err := loopguard.NewGuard(lockStore.NewInMemory(), echoLockTTL)
	s.Require().NoError(err)

	s.repo = localstore.NewMemory(nil)
	s.publisher = &countingPublisher{}
	s.dispatcher, err = capture.New(registry, s.identity, s.repo, s.publisher,
		capture.WithDebounceWindow(echoWindow),
		capture.WithGuard(guard),
	)
	s.Require().NoError(err)
	s.T().Cleanup(s.dispatcher.Close)
	s.repo.SetSink(s.dispatcher)

	s.processor, err = inbound.New(inboundStore.NewInMemory(), registry, s.identity, s.repo,
		inbound.WithGuard(guard),
	)
	s.Require().NoError(err)
}

func (s *EchoSuppressionSuite) TestInboundWriteIsNotEchoed() {
	ctx := context.Background()

	res, err := s.processor.Process(ctx, &inbound.Payload{
		ID:        "g-chat",
		SchemaID:  chatsSchema,
		Data:      map[string]any{"name": "from remote"},
		Timestamp: "2025-01-01T00:00:00Z",
	})
	s.Require().NoError(err)
	s.Require().Equal(inbound.OutcomeCompleted, res.Status)

	s.Run("inbound apply publishes nothing", func() {
		time.Sleep(3 * echoWindow)
		s.dispatcher.Flush(ctx)
		s.Equal(0, s.publisher.count())
		s.Empty(s.dispatcher.Pending())
	})

	s.Run("a later local edit publishes once as an update", func() {
		time.Sleep(echoLockTTL)
		_, err := s.repo.Apply(ctx, "chats", res.LocalID, envelope.Record{"name": "edited locally"})
		s.Require().NoError(err)

		s.Eventually(func() bool { return s.publisher.count() == 1 }, 2*time.Second, 5*time.Millisecond)
		time.Sleep(3 * echoWindow)
		s.Require().Equal(1, s.publisher.count())

		pub := s.publisher.pubs[0]
		s.Equal("g-chat", pub.Meta.ID)
		s.Equal(publish.OperationUpdate, pub.Operation)
		s.Equal("edited locally", pub.Meta.Data()["name"])
	})
}
