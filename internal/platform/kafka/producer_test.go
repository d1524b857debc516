package kafka

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"syncbridge/internal/platform/config"
)

func TestNewProducerValidation(t *testing.T) {
	_, err := NewProducer(config.KafkaConfig{Topic: "t"})
	assert.ErrorContains(t, err, "brokers are required")

	_, err = NewProducer(config.KafkaConfig{Brokers: []string{"localhost:9092"}})
	assert.ErrorContains(t, err, "topic is required")
}
