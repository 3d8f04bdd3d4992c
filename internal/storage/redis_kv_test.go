package storage

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/student-mobility/session-agent/internal/config"
)

// setupTestRedis creates a miniredis instance and a RedisKV over it
func setupTestRedis(t *testing.T, namespace string) (*miniredis.Miniredis, *RedisKV) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	kv := NewRedisKVFromClient(client, namespace)
	t.Cleanup(func() { _ = kv.Close() })
	return mr, kv
}

func TestRedisKVNamespacedKeys(t *testing.T) {
	ctx := testContext(t)
	mr, kv := setupTestRedis(t, "device-1")

	require.NoError(t, kv.Set(ctx, TokenKey, "tok"))

	got, err := mr.Get("session:device-1:authToken")
	require.NoError(t, err)
	assert.Equal(t, "tok", got)

	v, found, err := kv.Get(ctx, TokenKey)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "tok", v)

	require.NoError(t, kv.Del(ctx, TokenKey, UserKey))
	assert.False(t, mr.Exists("session:device-1:authToken"))
	require.NoError(t, kv.Del(ctx))
}

func TestRedisKVMissingKey(t *testing.T) {
	ctx := testContext(t)
	_, kv := setupTestRedis(t, "")

	_, found, err := kv.Get(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisKVNamespacesAreIsolated(t *testing.T) {
	ctx := testContext(t)
	mr := miniredis.RunT(t)
	a := NewRedisKVFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "a")
	b := NewRedisKVFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "b")
	defer a.Close()
	defer b.Close()

	require.NoError(t, a.Set(ctx, TokenKey, "tok-a"))
	_, found, err := b.Get(ctx, TokenKey)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisKVServerDown(t *testing.T) {
	ctx := testContext(t)
	mr, kv := setupTestRedis(t, "x")
	mr.Close()

	_, _, err := kv.Get(ctx, TokenKey)
	assert.Error(t, err)

	// the store degrades to an empty session
	snap := newTestStore(kv, false).Load(ctx)
	assert.Empty(t, snap.Token)
	assert.Nil(t, snap.User)
}

func TestNewRedisKVConnects(t *testing.T) {
	ctx := testContext(t)
	mr := miniredis.RunT(t)

	kv, err := NewRedisKV(ctx, &config.RedisConfig{Host: mr.Host(), Port: mr.Port()}, "ns")
	require.NoError(t, err)
	defer kv.Close()

	require.NoError(t, kv.Ping(ctx))
	require.NoError(t, newTestStore(kv, false).Save(ctx, "tok1", sampleUser()))
	assert.True(t, mr.Exists("session:ns:user"))
}

func TestOpenKV(t *testing.T) {
	ctx := testContext(t)

	cfg := &config.Config{}
	cfg.Session.Backend = config.BackendMemory
	kv, closeFn, err := OpenKV(ctx, cfg)
	require.NoError(t, err)
	assert.IsType(t, &MemoryKV{}, kv)
	assert.NoError(t, closeFn())

	cfg.Session.Backend = config.BackendFile
	cfg.Session.FilePath = t.TempDir() + "/s.json"
	kv, _, err = OpenKV(ctx, cfg)
	require.NoError(t, err)
	assert.IsType(t, &FileKV{}, kv)

	mr := miniredis.RunT(t)
	cfg.Session.Backend = config.BackendRedis
	cfg.Redis = config.RedisConfig{Host: mr.Host(), Port: mr.Port()}
	kv, closeFn, err = OpenKV(ctx, cfg)
	require.NoError(t, err)
	assert.IsType(t, &RedisKV{}, kv)
	assert.NoError(t, closeFn())

	cfg.Session.Backend = "carrier-pigeon"
	_, closeFn, err = OpenKV(ctx, cfg)
	assert.Error(t, err)
	assert.NotNil(t, closeFn)
}
