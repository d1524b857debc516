package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncbridge/internal/envelope"
	platformkafka "syncbridge/internal/platform/kafka"
	"syncbridge/internal/publish"
)

type recordingProducer struct {
	msgs []platformkafka.Message
	err  error
}

func (r *recordingProducer) Produce(_ context.Context, msg platformkafka.Message) error {
	r.msgs = append(r.msgs, msg)
	return r.err
}

func TestPublish(t *testing.T) {
	pub := &publish.Publication{
		Meta:      &envelope.MetaEnvelope{ID: "g1", Ontology: "Chat", ACL: []string{"*"}},
		SchemaID:  "s1",
		TableName: "chats",
		LocalID:   "l1",
		Owner:     "owner-1",
		Operation: publish.OperationUpdate,
	}

	t.Run("record is keyed by global id with headers", func(t *testing.T) {
		prod := &recordingProducer{}
		p, err := New(prod, "blabsy")
		require.NoError(t, err)

		remoteID, err := p.Publish(context.Background(), pub)
		require.NoError(t, err)
		assert.Equal(t, "g1", remoteID)
		require.Len(t, prod.msgs, 1)
		msg := prod.msgs[0]
		assert.Equal(t, []byte("g1"), msg.Key)
		assert.Equal(t, "s1", msg.Headers["schema_id"])
		assert.Equal(t, "update", msg.Headers["operation"])
		assert.Equal(t, "blabsy", msg.Headers["platform"])
		assert.Equal(t, "owner-1", msg.Headers["owner"])

		var decoded publish.Publication
		require.NoError(t, json.Unmarshal(msg.Value, &decoded))
		assert.Equal(t, "l1", decoded.LocalID)
		assert.Equal(t, "g1", decoded.Meta.ID)
	})

	t.Run("producer errors propagate", func(t *testing.T) {
		p, _ := New(&recordingProducer{err: errors.New("broker down")}, "")
		_, err := p.Publish(context.Background(), pub)
		assert.ErrorContains(t, err, "broker down")
	})

	t.Run("missing global id is rejected", func(t *testing.T) {
		p, _ := New(&recordingProducer{}, "")
		_, err := p.Publish(context.Background(), &publish.Publication{Meta: &envelope.MetaEnvelope{}})
		assert.Error(t, err)
	})

	t.Run("producer is required", func(t *testing.T) {
		_, err := New(nil, "")
		assert.ErrorContains(t, err, "producer is required")
	})
}
