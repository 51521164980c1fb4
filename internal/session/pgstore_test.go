package session

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erans/lunaroute/internal/core"
)

// newTestPostgresStore requires TEST_DATABASE_URL (grounded in
// original_source/crates/lunaroute-config-postgres's own integration test
// convention); it skips when the variable is unset so this suite only runs
// where a real Postgres instance is reachable. TEST_REDIS_ADDR follows the
// same convention for the change-notification channel.
func newTestPostgresStore(t *testing.T, mode core.Mode, notifier *RedisNotifier) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping Postgres session store tests")
	}
	store, err := NewPostgresStore(dsn, mode, notifier)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestRedisNotifier(t *testing.T) *RedisNotifier {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set; skipping change-notification tests")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	return NewRedisNotifier(client, "lunaroute:test:session:changes")
}

func TestPostgresStore_WriteAndRead(t *testing.T) {
	store := newTestPostgresStore(t, core.MultiTenant, nil)
	ctx := context.Background()
	tenant := core.NewTenantId()
	now := time.Now().UTC()

	require.NoError(t, store.WriteEvent(ctx, &tenant, Started{
		Meta:           Meta{SessionID: "pg-sess1", Timestamp: now},
		ModelRequested: "claude-3",
		Provider:       "anthropic",
	}))
	require.NoError(t, store.WriteEvent(ctx, &tenant, Completed{
		Meta:    Meta{SessionID: "pg-sess1", Timestamp: now.Add(time.Second)},
		Success: true,
	}))

	row, err := store.GetSession(ctx, &tenant, "pg-sess1")
	require.NoError(t, err)
	assert.Equal(t, "claude-3", row.ModelRequested)
	assert.True(t, row.Success)
}

func TestPostgresStore_RequiresTenant(t *testing.T) {
	store := newTestPostgresStore(t, core.MultiTenant, nil)
	err := store.WriteEvent(context.Background(), nil, Started{Meta: Meta{SessionID: "x", Timestamp: time.Now()}})
	assert.ErrorIs(t, err, core.ErrTenantRequired)
}

func TestPostgresStore_WatchChangesUnsupportedWithoutNotifier(t *testing.T) {
	store := newTestPostgresStore(t, core.MultiTenant, nil)
	_, err := store.WatchChanges(context.Background(), nil)
	assert.ErrorIs(t, err, ErrWatchUnsupported)
}

func TestPostgresStore_WatchChangesReceivesNotification(t *testing.T) {
	notifier := newTestRedisNotifier(t)
	store := newTestPostgresStore(t, core.MultiTenant, notifier)
	tenant := core.NewTenantId()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	changes, err := store.WatchChanges(ctx, &tenant)
	require.NoError(t, err)

	require.NoError(t, store.WriteEvent(context.Background(), &tenant, Started{
		Meta: Meta{SessionID: "watched-session", Timestamp: time.Now()},
	}))

	select {
	case change, ok := <-changes:
		require.True(t, ok)
		assert.Equal(t, tenant.String(), change.TenantID)
	case <-ctx.Done():
		t.Fatal("timed out waiting for change notification")
	}
}
