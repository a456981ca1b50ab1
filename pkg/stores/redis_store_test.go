package stores

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	store, err := NewRedisStore(Config{RedisAddr: mr.Addr(), Namespace: "test"})
	require.NoError(t, err)
	require.NoError(t, store.Init(context.Background()))
	t.Cleanup(func() { _ = store.Close() })

	return store, mr
}

func TestRedisStoreConformance(t *testing.T) {
	store, _ := setupRedisStore(t)
	exerciseStore(t, store)
}

func TestRedisStoreKeys(t *testing.T) {
	store, mr := setupRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveRun(ctx, &RunRecord{ID: "r1", Status: "running"}))
	require.NoError(t, store.SaveCheckpoint(ctx, &CheckpointRecord{
		RunID:     "r1",
		Cycle:     4,
		CreatedAt: time.Now(),
		Checksum:  "abc",
		Payload:   []byte(`{"version":1}`),
	}))

	assert.True(t, mr.Exists(RunKey("test", "r1")))
	assert.True(t, mr.Exists(CheckpointKey("test", "r1", 4)))
	assert.Equal(t, "abc", mr.HGet(CheckpointKey("test", "r1", 4), "checksum"))

	members, err := mr.ZMembers(CheckpointIndexKey("test", "r1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"4"}, members)
}

func TestRedisStoreRequiresAddr(t *testing.T) {
	_, err := NewRedisStore(Config{})
	assert.Error(t, err)
}

func TestRedisStoreUnavailable(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	store, err := NewRedisStore(Config{RedisAddr: mr.Addr()})
	require.NoError(t, err)
	defer store.Close()

	mr.Close()
	assert.Error(t, store.Init(context.Background()))
}
