package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qms/agency-queue/internal/models"
)

func TestNewSequencer(t *testing.T) {
	seq, err := NewSequencer("", nil)
	require.NoError(t, err)
	assert.IsType(t, CounterSequencer{}, seq)

	seq, err = NewSequencer("COUNT", nil)
	require.NoError(t, err)
	assert.IsType(t, CountSequencer{}, seq)

	_, err = NewSequencer(NumberingRedis, nil)
	assert.Error(t, err)

	_, err = NewSequencer("uuid", nil)
	assert.Error(t, err)
}

func TestRedisSequencer(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	key := SequenceKey{AgencyID: "redis-" + time.Now().Format("150405.000"), Service: models.ServiceTransfer, Day: opening}
	seq := NewRedisSequencer(client)
	first, err := seq.Next(ctx, nil, key)
	require.NoError(t, err)
	second, err := seq.Next(ctx, nil, key)
	require.NoError(t, err)
	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)
	assert.Equal(t, "TR002", FormatNumber(key.Service, second))
}
