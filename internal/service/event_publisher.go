package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/komuji/ticketing/internal/domain"
	"github.com/komuji/ticketing/internal/metrics"
	"github.com/komuji/ticketing/pkg/kafka"
	"github.com/komuji/ticketing/pkg/logger"
	"github.com/komuji/ticketing/pkg/retry"
	"github.com/komuji/ticketing/pkg/telemetry"
)

// EventPublisher defines the interface for publishing registration events
type EventPublisher interface {
	// PublishRegistrationConfirmed publishes the ticket for the email service
	PublishRegistrationConfirmed(ctx context.Context, reg *domain.Registration, token *domain.CheckInToken) error

	// PublishRegistrationCancelled publishes a cancelled registration
	PublishRegistrationCancelled(ctx context.Context, reg *domain.Registration) error

	// PublishTokenReissued publishes a replacement ticket
	PublishTokenReissued(ctx context.Context, reg *domain.Registration, token *domain.CheckInToken) error

	// Close closes the event publisher
	Close() error
}

// MessageProducer is the subset of the Kafka producer the publisher needs
type MessageProducer interface {
	Produce(ctx context.Context, msg *kafka.Message) error
	ProduceJSON(ctx context.Context, topic, key string, value interface{}, headers map[string]string) error
	Close()
}

// EventPublisherConfig contains configuration for the event publisher
type EventPublisherConfig struct {
	Topic       string
	DLQTopic    string
	ServiceName string
	// Retry controls delivery attempts before a message is parked in the DLQ
	Retry *retry.Config
}

// KafkaEventPublisher implements EventPublisher using Kafka. Deliveries are
// retried and then parked in a dead letter topic; a publish failure never
// fails the registration that triggered it.
type KafkaEventPublisher struct {
	producer    MessageProducer
	topic       string
	serviceName string
	dlq         *retry.DLQHandler
}

// NewKafkaEventPublisher creates a new Kafka event publisher
func NewKafkaEventPublisher(producer MessageProducer, cfg *EventPublisherConfig) (*KafkaEventPublisher, error) {
	if producer == nil {
		return nil, fmt.Errorf("kafka producer is required")
	}
	if cfg == nil {
		cfg = &EventPublisherConfig{}
	}

	topic := cfg.Topic
	if topic == "" {
		topic = "registration-events"
	}
	dlqTopic := cfg.DLQTopic
	if dlqTopic == "" {
		dlqTopic = topic + ".dlq"
	}
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "ticketing-service"
	}
	retryCfg := cfg.Retry
	if retryCfg == nil {
		retryCfg = &retry.Config{
			MaxRetries:      3,
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     time.Second,
			Multiplier:      2.0,
			JitterFactor:    0.1,
		}
	}

	dlq := retry.NewDLQHandler(
		retry.NewKafkaDLQPublisher(producer, dlqTopic, serviceName),
		retryCfg,
		serviceName,
		func(msg *retry.DLQMessage) {
			logger.Get().Error("registration event moved to DLQ",
				zap.String("event_id", msg.ID),
				zap.String("key", msg.OriginalKey),
				zap.Int("attempts", msg.Attempts),
				zap.String("error", msg.Error),
			)
		},
	)

	return &KafkaEventPublisher{
		producer:    producer,
		topic:       topic,
		serviceName: serviceName,
		dlq:         dlq,
	}, nil
}

// PublishRegistrationConfirmed publishes a registration confirmed event
func (p *KafkaEventPublisher) PublishRegistrationConfirmed(ctx context.Context, reg *domain.Registration, token *domain.CheckInToken) error {
	return p.publishEvent(ctx, domain.RegistrationEventConfirmed, reg, token)
}

// PublishRegistrationCancelled publishes a registration cancelled event
func (p *KafkaEventPublisher) PublishRegistrationCancelled(ctx context.Context, reg *domain.Registration) error {
	return p.publishEvent(ctx, domain.RegistrationEventCancelled, reg, nil)
}

// PublishTokenReissued publishes a token reissued event
func (p *KafkaEventPublisher) PublishTokenReissued(ctx context.Context, reg *domain.Registration, token *domain.CheckInToken) error {
	return p.publishEvent(ctx, domain.RegistrationEventTokenReissued, reg, token)
}

// Close closes the event publisher
func (p *KafkaEventPublisher) Close() error {
	if p.producer != nil {
		p.producer.Close()
	}
	return nil
}

// publishEvent publishes a registration event to Kafka
func (p *KafkaEventPublisher) publishEvent(ctx context.Context, eventType domain.RegistrationEventType, reg *domain.Registration, token *domain.CheckInToken) error {
	ctx, span := telemetry.StartSpan(ctx, "service.publisher.publish")
	defer span.End()

	eventID := uuid.New().String()
	event := domain.NewRegistrationEvent(eventType, eventID, reg, token, time.Now().UTC())

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	headers := telemetry.InjectHeaders(ctx)
	headers["event_type"] = string(eventType)
	headers["event_id"] = eventID
	headers["source"] = p.serviceName
	headers["content_type"] = "application/json"

	msg := &kafka.Message{
		Topic:   p.topic,
		Key:     event.Key(),
		Value:   value,
		Headers: headers,
	}

	err = p.dlq.ProcessWithDLQ(ctx, &retry.MessageContext{
		ID:      eventID,
		Topic:   p.topic,
		Key:     event.Key(),
		Payload: value,
		Headers: headers,
	}, func(ctx context.Context) error {
		return p.producer.Produce(ctx, msg)
	})
	metrics.RecordPublish(string(eventType), err)
	if err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("failed to publish %s event: %w", eventType, err)
	}
	return nil
}

// NoOpEventPublisher is a no-op implementation of EventPublisher
type NoOpEventPublisher struct{}

// NewNoOpEventPublisher creates a new no-op event publisher
func NewNoOpEventPublisher() *NoOpEventPublisher {
	return &NoOpEventPublisher{}
}

// PublishRegistrationConfirmed is a no-op
func (p *NoOpEventPublisher) PublishRegistrationConfirmed(ctx context.Context, reg *domain.Registration, token *domain.CheckInToken) error {
	return nil
}

// PublishRegistrationCancelled is a no-op
func (p *NoOpEventPublisher) PublishRegistrationCancelled(ctx context.Context, reg *domain.Registration) error {
	return nil
}

// PublishTokenReissued is a no-op
func (p *NoOpEventPublisher) PublishTokenReissued(ctx context.Context, reg *domain.Registration, token *domain.CheckInToken) error {
	return nil
}

// Close is a no-op
func (p *NoOpEventPublisher) Close() error {
	return nil
}
