// Package kafka publishes meta-envelopes to a Kafka topic keyed by global id.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	platformkafka "syncbridge/internal/platform/kafka"
	"syncbridge/internal/publish"
)

// Producer is the subset of the platform producer used here.
type Producer interface {
	Produce(ctx context.Context, msg platformkafka.Message) error
}

type Publisher struct {
	producer Producer
	platform string
}

// New builds a publisher. platform is stamped into each record's headers.
func New(producer Producer, platform string) (*Publisher, error) {
	if producer == nil {
		return nil, fmt.Errorf("kafka producer is required")
	}
	return &Publisher{producer: producer, platform: platform}, nil
}

// Publish produces the publication keyed by its global id, which it returns
// unchanged.
func (p *Publisher) Publish(ctx context.Context, pub *publish.Publication) (string, error) {
	if pub == nil || pub.Meta == nil || pub.Meta.ID == "" {
		return "", fmt.Errorf("publication requires a meta-envelope with a global id")
	}
	value, err := json.Marshal(pub)
	if err != nil {
		return "", fmt.Errorf("marshal publication: %w", err)
	}
	headers := map[string]string{
		"schema_id": pub.SchemaID,
		"operation": string(pub.Operation),
		"table":     pub.TableName,
	}
	if p.platform != "" {
		headers["platform"] = p.platform
	}
	if pub.Owner != "" {
		headers["owner"] = pub.Owner
	}
	err = p.producer.Produce(ctx, platformkafka.Message{
		Key:     []byte(pub.Meta.ID),
		Value:   value,
		Headers: headers,
	})
	if err != nil {
		return "", err
	}
	return pub.Meta.ID, nil
}
