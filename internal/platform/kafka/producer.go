// Package kafka wraps a franz-go client for producing publications.
package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"syncbridge/internal/platform/config"
)

// Message is one record to produce.
type Message struct {
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// Producer produces synchronously to a single topic.
type Producer struct {
	client *kgo.Client
	cfg    config.KafkaConfig
}

// NewProducer connects to the configured brokers. Extra kgo options are
// appended after the defaults.
func NewProducer(cfg config.KafkaConfig, opts ...kgo.Opt) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	base := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression(), kgo.NoCompression()),
	}
	client, err := kgo.NewClient(append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Producer{client: client, cfg: cfg}, nil
}

// EnsureTopic creates the topic when missing.
func (p *Producer) EnsureTopic(ctx context.Context) error {
	partitions := p.cfg.Partitions
	if partitions <= 0 {
		partitions = 1
	}
	replication := p.cfg.ReplicationFactor
	if replication <= 0 {
		replication = 1
	}
	resp, err := kadm.NewClient(p.client).CreateTopic(ctx, partitions, replication, nil, p.cfg.Topic)
	if err == nil {
		err = resp.Err
	}
	if err != nil && !errors.Is(err, kerr.TopicAlreadyExists) {
		return fmt.Errorf("ensure topic %s: %w", p.cfg.Topic, err)
	}
	return nil
}

// Produce writes msg and waits for the broker acknowledgement.
func (p *Producer) Produce(ctx context.Context, msg Message) error {
	rec := &kgo.Record{
		Topic: p.cfg.Topic,
		Key:   msg.Key,
		Value: msg.Value,
	}
	for k, v := range msg.Headers {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce to %s: %w", p.cfg.Topic, err)
	}
	return nil
}

// Health pings the cluster.
func (p *Producer) Health(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close flushes buffered records and closes the client.
func (p *Producer) Close() {
	p.client.Close()
}
