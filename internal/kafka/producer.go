package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/kz-records/internal/domain"
)

// Publisher sends run events to the runs topic, keyed by map so that events
// of one map stay ordered within a partition
type Publisher struct {
	producer sarama.SyncProducer
	topic    string
}

// NewProducerConfig returns the sarama settings used for publishing runs
func NewProducerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Compression = sarama.CompressionSnappy
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	return cfg
}

// NewPublisher connects a synchronous producer to brokers
func NewPublisher(brokers []string, topic string) (*Publisher, error) {
	producer, err := sarama.NewSyncProducer(brokers, NewProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("creating producer: %w", err)
	}
	return NewPublisherWithProducer(producer, topic), nil
}

// NewPublisherWithProducer wraps an existing producer
func NewPublisherWithProducer(producer sarama.SyncProducer, topic string) *Publisher {
	return &Publisher{producer: producer, topic: topic}
}

// Publish sends one run event
func (p *Publisher) Publish(event domain.RunEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding run event: %w", err)
	}

	_, _, err = p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.Map),
		Value: sarama.ByteEncoder(data),
	})
	if err != nil {
		return fmt.Errorf("sending run event: %w", err)
	}
	return nil
}

// Close closes the underlying producer
func (p *Publisher) Close() error {
	return p.producer.Close()
}
