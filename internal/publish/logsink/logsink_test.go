package logsink

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncbridge/internal/envelope"
	"syncbridge/internal/publish"
)

func TestPublishLogs(t *testing.T) {
	var buf bytes.Buffer
	p := New(slog.New(slog.NewJSONHandler(&buf, nil)))

	remoteID, err := p.Publish(context.Background(), &publish.Publication{
		Meta:      &envelope.MetaEnvelope{ID: "g1", ACL: []string{"*"}, Envelopes: []envelope.Envelope{{Ontology: "name", Value: "x"}}},
		SchemaID:  "s1",
		TableName: "chats",
		LocalID:   "l1",
		Operation: publish.OperationCreate,
	})
	require.NoError(t, err)
	assert.Equal(t, "g1", remoteID)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "g1", line["global_id"])
	assert.Equal(t, "create", line["operation"])
	assert.Equal(t, float64(1), line["envelopes"])
}
