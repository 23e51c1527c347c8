package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/komuji/ticketing/internal/domain"
	"github.com/komuji/ticketing/pkg/kafka"
	"github.com/komuji/ticketing/pkg/retry"
)

// MockProducer records messages instead of sending them
type MockProducer struct {
	mu         sync.Mutex
	messages   []*kafka.Message
	dlq        []interface{}
	dlqTopics  []string
	produceErr error
	attempts   int
	closed     bool
}

func (m *MockProducer) Produce(ctx context.Context, msg *kafka.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if m.produceErr != nil {
		return m.produceErr
	}
	m.messages = append(m.messages, msg)
	return nil
}

func (m *MockProducer) ProduceJSON(ctx context.Context, topic, key string, value interface{}, headers map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dlq = append(m.dlq, value)
	m.dlqTopics = append(m.dlqTopics, topic)
	return nil
}

func (m *MockProducer) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func testRegistration() *domain.Registration {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return &domain.Registration{
		ID:               "reg-1",
		EventID:          "event-1",
		TicketCategoryID: "free",
		RegistrationCode: "EVT-0123456789AB",
		ParticipantName:  "Alice",
		ParticipantEmail: "alice@example.com",
		Status:           domain.RegistrationConfirmed,
		PaymentStatus:    domain.PaymentFree,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func TestKafkaEventPublisher(t *testing.T) {
	ctx := context.Background()

	t.Run("requires a producer", func(t *testing.T) {
		_, err := NewKafkaEventPublisher(nil, nil)
		assert.Error(t, err)
	})

	t.Run("confirmed event carries the ticket", func(t *testing.T) {
		producer := &MockProducer{}
		pub, err := NewKafkaEventPublisher(producer, &EventPublisherConfig{ServiceName: "ticketing-test"})
		require.NoError(t, err)

		exp := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
		tok := &domain.CheckInToken{RegistrationID: "reg-1", TokenID: "jti-1", Token: "signed.token.value", ExpiresAt: exp}
		require.NoError(t, pub.PublishRegistrationConfirmed(ctx, testRegistration(), tok))

		require.Len(t, producer.messages, 1)
		msg := producer.messages[0]
		assert.Equal(t, "registration-events", msg.Topic)
		assert.Equal(t, "reg-1", msg.Key)
		assert.Equal(t, string(domain.RegistrationEventConfirmed), msg.Headers["event_type"])
		assert.Equal(t, "ticketing-test", msg.Headers["source"])
		assert.Equal(t, "application/json", msg.Headers["content_type"])
		assert.NotEmpty(t, msg.Headers["event_id"])

		var event domain.RegistrationEvent
		require.NoError(t, json.Unmarshal(msg.Value, &event))
		assert.Equal(t, msg.Headers["event_id"], event.EventID)
		assert.Equal(t, "EVT-0123456789AB", event.RegistrationCode)
		assert.Equal(t, "alice@example.com", event.ParticipantEmail)
		assert.Equal(t, "signed.token.value", event.Token)
		require.NotNil(t, event.TokenExpiresAt)
		assert.True(t, exp.Equal(*event.TokenExpiresAt))
	})

	t.Run("cancelled event has no ticket", func(t *testing.T) {
		producer := &MockProducer{}
		pub, err := NewKafkaEventPublisher(producer, &EventPublisherConfig{Topic: "custom"})
		require.NoError(t, err)

		reg := testRegistration()
		reg.Status = domain.RegistrationCancelled
		reg.StatusReason = domain.ReasonReservationExpired
		require.NoError(t, pub.PublishRegistrationCancelled(ctx, reg))

		require.Len(t, producer.messages, 1)
		assert.Equal(t, "custom", producer.messages[0].Topic)

		var event domain.RegistrationEvent
		require.NoError(t, json.Unmarshal(producer.messages[0].Value, &event))
		assert.Equal(t, domain.RegistrationEventCancelled, event.EventType)
		assert.Equal(t, domain.ReasonReservationExpired, event.StatusReason)
		assert.Empty(t, event.Token)
		assert.Nil(t, event.TokenExpiresAt)
	})

	t.Run("exhausted delivery is parked in the DLQ", func(t *testing.T) {
		producer := &MockProducer{produceErr: errors.New("broker unavailable")}
		pub, err := NewKafkaEventPublisher(producer, &EventPublisherConfig{
			Retry: &retry.Config{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
		})
		require.NoError(t, err)

		err = pub.PublishTokenReissued(ctx, testRegistration(), &domain.CheckInToken{Token: "t"})
		assert.Error(t, err)
		assert.Equal(t, 3, producer.attempts)
		require.Len(t, producer.dlq, 1)
		assert.Equal(t, "registration-events.dlq", producer.dlqTopics[0])

		parked, ok := producer.dlq[0].(*retry.DLQMessage)
		require.True(t, ok)
		assert.Equal(t, "reg-1", parked.OriginalKey)
		assert.Equal(t, 3, parked.Attempts)
		assert.Equal(t, "broker unavailable", parked.Error)
	})

	t.Run("close closes the producer", func(t *testing.T) {
		producer := &MockProducer{}
		pub, err := NewKafkaEventPublisher(producer, nil)
		require.NoError(t, err)
		require.NoError(t, pub.Close())
		assert.True(t, producer.closed)
	})
}

func TestNoOpEventPublisher(t *testing.T) {
	ctx := context.Background()
	pub := NewNoOpEventPublisher()

	assert.NoError(t, pub.PublishRegistrationConfirmed(ctx, testRegistration(), nil))
	assert.NoError(t, pub.PublishRegistrationCancelled(ctx, testRegistration()))
	assert.NoError(t, pub.PublishTokenReissued(ctx, testRegistration(), nil))
	assert.NoError(t, pub.Close())

	var _ EventPublisher = pub
	var _ EventPublisher = (*KafkaEventPublisher)(nil)
}
