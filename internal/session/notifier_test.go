package session

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisNotifier_PublishAndSubscribe(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set; skipping RedisNotifier test")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	notifier := NewRedisNotifier(client, "lunaroute:test:notifier")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	changes, err := notifier.Subscribe(ctx, "tenant-a")
	require.NoError(t, err)

	require.NoError(t, notifier.Publish(ctx, ConfigChange{TenantID: "tenant-b", Version: 1, Timestamp: time.Now()}))
	require.NoError(t, notifier.Publish(ctx, ConfigChange{TenantID: "tenant-a", Version: 2, Timestamp: time.Now()}))

	select {
	case change := <-changes:
		assert.Equal(t, "tenant-a", change.TenantID)
		assert.Equal(t, int64(2), change.Version)
	case <-ctx.Done():
		t.Fatal("timed out waiting for filtered notification")
	}
}

func TestNewRedisNotifier_DefaultsChannel(t *testing.T) {
	n := NewRedisNotifier(redis.NewClient(&redis.Options{}), "")
	assert.Equal(t, "lunaroute:session:changes", n.channel)
}
