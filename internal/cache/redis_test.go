package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnuragDani/ride-billing-engine/internal/logger"
)

func TestProcessedKey(t *testing.T) {
	assert.Equal(t, "webhook:processed:stripe:evt_1", ProcessedKey("stripe:evt_1"))
}

// TestRedisRoundTrip runs against TEST_REDIS_URL when it is set
func TestRedisRoundTrip(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	c, err := NewRedisClient(url, logger.Discard())
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	id := "test:" + uuid.New().String()

	ok, err := c.IsProcessed(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.MarkProcessed(ctx, id, time.Minute))
	ok, err = c.IsProcessed(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	at, err := c.ProcessedAt(ctx, id)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), at, time.Minute)

	require.NoError(t, c.Forget(ctx, id))
	ok, err = c.IsProcessed(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewRedisClientBadURL(t *testing.T) {
	_, err := NewRedisClient("not-a-url", logger.Discard())
	assert.Error(t, err)
}
