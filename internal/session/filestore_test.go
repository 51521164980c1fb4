package session

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erans/lunaroute/internal/core"
)

func testStore(t *testing.T) *FileStore {
	t.Helper()
	dir, err := os.MkdirTemp("", "lunaroute-session-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	store, err := NewFileStore(FileStoreConfig{BaseDir: dir, FlushInterval: 10 * time.Millisecond}, logger)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func TestValidSessionID(t *testing.T) {
	assert.True(t, ValidSessionID("abc-123_XYZ"))
	assert.False(t, ValidSessionID(""))
	assert.False(t, ValidSessionID("../escape"))
	assert.False(t, ValidSessionID("has/slash"))
	assert.False(t, ValidSessionID(string(make([]byte, 256))))
}

func TestFileStore_WriteEventRejectsTenant(t *testing.T) {
	store := testStore(t)
	tenant := core.NewTenantId()
	ev := Started{Meta: Meta{SessionID: "sess1", Timestamp: time.Now()}}
	err := store.WriteEvent(context.Background(), &tenant, ev)
	assert.ErrorIs(t, err, ErrSingleTenantOnly)
}

func TestFileStore_WriteAndGetSession(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.WriteEvent(ctx, nil, Started{
		Meta:           Meta{SessionID: "sess1", Timestamp: now},
		ModelRequested: "gpt-4",
		Provider:       "openai",
		Listener:       "anthropic",
	}))
	require.NoError(t, store.WriteEvent(ctx, nil, StatsUpdated{
		Meta:   Meta{SessionID: "sess1", Timestamp: now.Add(time.Second)},
		Tokens: &TokenCounts{Input: 10, Output: 20, GrandTotal: 30},
	}))
	require.NoError(t, store.WriteEvent(ctx, nil, Completed{
		Meta:    Meta{SessionID: "sess1", Timestamp: now.Add(2 * time.Second)},
		Success: true,
	}))

	row, err := store.GetSession(ctx, nil, "sess1")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4", row.ModelRequested)
	assert.Equal(t, "openai", row.Provider)
	assert.Equal(t, 30, row.CumulativeTokens.GrandTotal)
	assert.True(t, row.Success)
	require.NotNil(t, row.CompletedAt)
}

func TestFileStore_WriteEventRejectsInvalidSessionID(t *testing.T) {
	store := testStore(t)
	err := store.WriteEvent(context.Background(), nil, Started{Meta: Meta{SessionID: "../bad", Timestamp: time.Now()}})
	assert.Error(t, err)
}

func TestFileStore_GetSessionNotFound(t *testing.T) {
	store := testStore(t)
	_, err := store.GetSession(context.Background(), nil, "never-written")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestFileStore_ReplayAfterRestart(t *testing.T) {
	dir, err := os.MkdirTemp("", "lunaroute-session-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	logger := logrus.New()

	store1, err := NewFileStore(FileStoreConfig{BaseDir: dir}, logger)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store1.WriteEvent(ctx, nil, Started{
		Meta:           Meta{SessionID: "sess-restart", Timestamp: time.Now()},
		ModelRequested: "claude-3",
	}))
	store1.Close()

	store2, err := NewFileStore(FileStoreConfig{BaseDir: dir}, logger)
	require.NoError(t, err)
	t.Cleanup(store2.Close)

	row, err := store2.GetSession(ctx, nil, "sess-restart")
	require.NoError(t, err)
	assert.Equal(t, "claude-3", row.ModelRequested)
}

func TestFileStore_ListSessionsPagination(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	for _, id := range []string{"s1", "s2", "s3"} {
		require.NoError(t, store.WriteEvent(ctx, nil, Started{Meta: Meta{SessionID: id, Timestamp: time.Now()}}))
	}

	page1, err := store.ListSessions(ctx, nil, 2, 0)
	require.NoError(t, err)
	assert.Len(t, page1, 2)

	page2, err := store.ListSessions(ctx, nil, 2, 2)
	require.NoError(t, err)
	assert.Len(t, page2, 1)
}

func TestFileStore_SearchFiltersByProviderAndSuccess(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.WriteEvent(ctx, nil, Started{
		Meta: Meta{SessionID: "ok-session", Timestamp: now}, Provider: "openai",
	}))
	require.NoError(t, store.WriteEvent(ctx, nil, Completed{
		Meta: Meta{SessionID: "ok-session", Timestamp: now}, Success: true,
	}))
	require.NoError(t, store.WriteEvent(ctx, nil, Started{
		Meta: Meta{SessionID: "fail-session", Timestamp: now}, Provider: "anthropic",
	}))
	require.NoError(t, store.WriteEvent(ctx, nil, Completed{
		Meta: Meta{SessionID: "fail-session", Timestamp: now}, Success: false,
	}))

	successOnly := true
	result, err := store.Search(ctx, nil, SearchQuery{Provider: "openai", SuccessOnly: &successOnly, Limit: 10})
	require.NoError(t, err)
	require.Len(t, result.Items, 1)
	assert.Equal(t, "ok-session", result.Items[0].SessionID)
}

func TestFileStore_WatchChangesUnsupported(t *testing.T) {
	store := testStore(t)
	_, err := store.WatchChanges(context.Background(), nil)
	assert.ErrorIs(t, err, ErrWatchUnsupported)
}
