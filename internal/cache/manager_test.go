package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 Manager 测试
// =============================================================================

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Manager) {
	t.Helper()

	mr := miniredis.RunT(t)
	manager, err := NewManager(Config{
		Addr:       mr.Addr(),
		DefaultTTL: time.Minute,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	return mr, manager
}

func TestManager_SetGetDelete(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "meters:org:traces:2024:5", "42", time.Hour))

	value, err := manager.Get(ctx, "meters:org:traces:2024:5")
	require.NoError(t, err)
	assert.Equal(t, "42", value)
	assert.Equal(t, time.Hour, mr.TTL("meters:org:traces:2024:5"))

	require.NoError(t, manager.Delete(ctx, "meters:org:traces:2024:5"))
	_, err = manager.Get(ctx, "meters:org:traces:2024:5")
	assert.True(t, IsCacheMiss(err))
}

func TestManager_DefaultTTL(t *testing.T) {
	mr, manager := setupTestRedis(t)

	require.NoError(t, manager.Set(context.Background(), "k", "v", 0))
	assert.Equal(t, time.Minute, mr.TTL("k"))

	mr.FastForward(2 * time.Minute)
	_, err := manager.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestIsCacheMiss_Wrapped(t *testing.T) {
	assert.True(t, IsCacheMiss(fmt.Errorf("quota lookup: %w", ErrCacheMiss)))
	assert.False(t, IsCacheMiss(fmt.Errorf("boom")))
}

func TestManager_GetStats(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("a", "1"))
	require.NoError(t, mr.Set("b", "2"))

	stats, err := manager.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Keys)
	assert.GreaterOrEqual(t, stats.Connections, 1)

	require.NoError(t, manager.Close())
	_, err = manager.GetStats(ctx)
	assert.Error(t, err)
}

func TestManager_ClientSharesConnection(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Client().Set(ctx, "shared", "yes", 0).Err())
	value, err := manager.Get(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, "yes", value)
}

func TestManager_Closed(t *testing.T) {
	_, manager := setupTestRedis(t)
	require.NoError(t, manager.Close())

	_, err := manager.Get(context.Background(), "k")
	assert.Error(t, err)
	assert.False(t, IsCacheMiss(err))
	assert.NoError(t, manager.Close())
}

func TestNewManager_Unreachable(t *testing.T) {
	manager, err := NewManager(Config{Addr: "127.0.0.1:1"}, zap.NewNop())
	assert.Nil(t, manager)
	assert.Error(t, err)
}

func TestParseInfo(t *testing.T) {
	info := "# Stats\r\nkeyspace_hits:12\r\nkeyspace_misses:3\r\n# Memory\r\nused_memory:1024\r\nmaxmemory:0\r\n# Clients\r\nconnected_clients:4\r\n"

	stats := parseInfo(info)
	assert.Equal(t, uint64(12), stats.Hits)
	assert.Equal(t, uint64(3), stats.Misses)
	assert.Equal(t, int64(1024), stats.UsedMemory)
	assert.Equal(t, 4, stats.Connections)
}
