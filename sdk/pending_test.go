package sdk

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPendingStore(t *testing.T, store PendingStore) {
	t.Helper()
	ctx := context.Background()

	p, err := store.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, p, "初始应为空")

	startedAt := time.Now().Add(-5 * time.Minute).Truncate(time.Millisecond)
	require.NoError(t, store.Set(ctx, PendingTask{TaskID: "task-1", StartedAt: startedAt}))

	p, err = store.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "task-1", p.TaskID)
	assert.True(t, startedAt.Equal(p.StartedAt))

	// 覆盖写入
	require.NoError(t, store.Set(ctx, PendingTask{TaskID: "task-2", StartedAt: startedAt}))
	p, err = store.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "task-2", p.TaskID)

	require.NoError(t, store.Clear(ctx))
	p, err = store.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestMemoryPendingStore(t *testing.T) {
	testPendingStore(t, NewMemoryPendingStore())
}

func TestSQLitePendingStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending.db")
	store, err := NewSQLitePendingStore(context.Background(), path)
	require.NoError(t, err)
	defer store.Close()

	testPendingStore(t, store)
}

func TestSQLitePendingStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "pending.db")

	store, err := NewSQLitePendingStore(ctx, path)
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, PendingTask{TaskID: "task-7", StartedAt: time.Now()}))
	require.NoError(t, store.Close())

	reopened, err := NewSQLitePendingStore(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	p, err := reopened.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "task-7", p.TaskID)
}
