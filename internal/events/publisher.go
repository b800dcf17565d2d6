package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/rs/zerolog"

	"github.com/example/ingestion-service/internal/models"
)

var errProducerNotInitialised = errors.New("events publisher: producer not initialised")

// SyncProducer captures the subset of producer behaviour required by the
// status publisher.
type SyncProducer interface {
	PublishSync(topic string, key, payload []byte) error
}

// StatusPublisher emits notification lifecycle events to a Kafka topic. A nil
// publisher is valid and publishes nothing, which is how the side-channel is
// disabled.
type StatusPublisher struct {
	producer SyncProducer
	topic    string
	logger   zerolog.Logger
}

// NewStatusPublisher constructs a StatusPublisher instance. A nil producer
// yields a nil publisher.
func NewStatusPublisher(prod SyncProducer, topic string, logger zerolog.Logger) *StatusPublisher {
	if prod == nil {
		return nil
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &StatusPublisher{
		producer: prod,
		topic:    topic,
		logger:   logger.With().Str("component", "status_publisher").Logger(),
	}
}

// PublishStatus writes the supplied status event to Kafka synchronously.
func (p *StatusPublisher) PublishStatus(_ context.Context, event models.StatusEvent) error {
	if p == nil || p.producer == nil {
		return errProducerNotInitialised
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("events publisher: marshal status event: %w", err)
	}

	if err := p.producer.PublishSync(p.topic, []byte(event.Recipient), payload); err != nil {
		return fmt.Errorf("events publisher: publish status event: %w", err)
	}
	return nil
}
