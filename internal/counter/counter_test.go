package counter

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestStore(t *testing.T) (*miniredis.Miniredis, *Store) {
	mr := miniredis.RunT(t)

	config := DefaultConfig()
	config.Addr = mr.Addr()
	config.HealthCheckInterval = 0

	store, err := NewStore(config, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return mr, store
}

func TestNewStore_ConnectionFailure(t *testing.T) {
	config := DefaultConfig()
	config.Addr = "localhost:1"

	_, err := NewStore(config, zap.NewNop())
	assert.Error(t, err)
}

func TestStore_IncrBy(t *testing.T) {
	_, store := setupTestStore(t)
	ctx := context.Background()

	n, err := store.IncrBy(ctx, "requests", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = store.IncrBy(ctx, "requests", 3, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}

func TestStore_IncrByRefreshesTTL(t *testing.T) {
	mr, store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.IncrBy(ctx, "requests", 1, time.Minute)
	require.NoError(t, err)

	mr.FastForward(30 * time.Second)

	_, err = store.IncrBy(ctx, "requests", 1, time.Minute)
	require.NoError(t, err)

	// The second increment pushed the expiry out again.
	mr.FastForward(45 * time.Second)
	n, err := store.Get(ctx, "requests")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	mr.FastForward(time.Minute)
	n, err = store.Get(ctx, "requests")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestStore_GetMissingKey(t *testing.T) {
	_, store := setupTestStore(t)

	n, err := store.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestStore_DecrFloor(t *testing.T) {
	_, store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.IncrBy(ctx, "slots", 2, 0)
	require.NoError(t, err)

	n, err := store.DecrFloor(ctx, "slots")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = store.DecrFloor(ctx, "slots")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	// Never goes negative, even past zero.
	n, err = store.DecrFloor(ctx, "slots")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestStore_DecrFloorMissingKey(t *testing.T) {
	_, store := setupTestStore(t)

	n, err := store.DecrFloor(context.Background(), "absent")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestStore_SetValueAndGetDel(t *testing.T) {
	_, store := setupTestStore(t)
	ctx := context.Background()

	err := store.SetValue(ctx, "token", "slots:key", time.Minute)
	require.NoError(t, err)

	v, found, err := store.GetDel(ctx, "token")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "slots:key", v)

	// Second read sees nothing: GetDel consumed the key.
	_, found, err = store.GetDel(ctx, "token")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_ClosedOperations(t *testing.T) {
	_, store := setupTestStore(t)
	require.NoError(t, store.Close())

	ctx := context.Background()

	_, err := store.IncrBy(ctx, "k", 1, time.Minute)
	assert.Error(t, err)

	_, err = store.Get(ctx, "k")
	assert.Error(t, err)

	_, err = store.DecrFloor(ctx, "k")
	assert.Error(t, err)

	assert.Error(t, store.Ping(ctx))

	// Close is idempotent.
	assert.NoError(t, store.Close())
}
