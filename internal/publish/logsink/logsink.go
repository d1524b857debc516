// Package logsink publishes by logging. Used in development.
package logsink

import (
	"context"
	"log/slog"

	"syncbridge/internal/publish"
)

type Publisher struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Publisher{logger: logger}
}

func (p *Publisher) Publish(ctx context.Context, pub *publish.Publication) (string, error) {
	p.logger.InfoContext(ctx, "publication",
		"global_id", pub.Meta.ID,
		"schema_id", pub.SchemaID,
		"table", pub.TableName,
		"local_id", pub.LocalID,
		"owner", pub.Owner,
		"participants", pub.Participants,
		"operation", string(pub.Operation),
		"envelopes", len(pub.Meta.Envelopes),
		"acl", pub.Meta.ACL,
	)
	return pub.Meta.ID, nil
}
