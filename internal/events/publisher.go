// Package events publishes payment session lifecycle events for downstream
// consumers such as notification fan-out.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
)

const (
	TopupConfirmed = "topup.confirmed"
	TopupExpired   = "topup.expired"
	TopupCancelled = "topup.cancelled"
)

type Event struct {
	Type      string    `json:"eventType"`
	PaymentID string    `json:"paymentId"`
	UserID    string    `json:"userId"`
	TenantID  string    `json:"tenantId,omitempty"`
	Credits   int64     `json:"credits,omitempty"`
	Balance   int64     `json:"balance,omitempty"`
	Source    string    `json:"source,omitempty"`
	At        time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Kafka publishes events as JSON keyed by payment id, so all events of one
// session land on the same partition.
type Kafka struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafka(brokers []string, topic string) (*Kafka, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return NewKafkaWithProducer(producer, topic), nil
}

func NewKafkaWithProducer(producer sarama.SyncProducer, topic string) *Kafka {
	return &Kafka{producer: producer, topic: topic}
}

func (k *Kafka) Publish(_ context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", e.Type, err)
	}

	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(e.PaymentID),
		Value: sarama.ByteEncoder(data),
	}
	if _, _, err := k.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("send %s event: %w", e.Type, err)
	}
	return nil
}

func (k *Kafka) Close() error {
	return k.producer.Close()
}

// Log writes events to the logger. Used when no broker is configured.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Publish(ctx context.Context, e Event) error {
	l.logger.InfoContext(ctx, "event",
		"type", e.Type,
		"payment_id", e.PaymentID,
		"user_id", e.UserID,
		"credits", e.Credits,
	)
	return nil
}

func (l *Log) Close() error { return nil }
