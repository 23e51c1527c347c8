package di

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/komuji/ticketing/internal/service"
	"github.com/komuji/ticketing/pkg/config"
	"github.com/komuji/ticketing/pkg/logger"
)

func TestNewContainer_RequiresConfigAndDatabase(t *testing.T) {
	_, err := NewContainer(context.Background(), nil)
	assert.Error(t, err)

	_, err = NewContainer(context.Background(), &ContainerConfig{Config: &config.Config{}})
	assert.Error(t, err)
}

func TestNewEventPublisher(t *testing.T) {
	t.Run("disabled falls back to no-op", func(t *testing.T) {
		cfg := &config.Config{}
		pub := newEventPublisher(context.Background(), cfg, logger.Nop())
		assert.IsType(t, &service.NoOpEventPublisher{}, pub)
	})

	t.Run("no brokers falls back to no-op", func(t *testing.T) {
		cfg := &config.Config{}
		cfg.Kafka.Enabled = true
		pub := newEventPublisher(context.Background(), cfg, logger.Nop())
		require.NotNil(t, pub)
		assert.IsType(t, &service.NoOpEventPublisher{}, pub)
		assert.NoError(t, pub.Close())
	})
}
