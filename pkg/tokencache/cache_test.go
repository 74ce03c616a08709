package tokencache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGetSet(t *testing.T) {
	ctx := context.Background()
	cache := NewMemory()

	_, err := cache.Get(ctx, "evm", "0xAbC")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, cache.Set(ctx, "evm", "0xAbC", 18))
	got, err := cache.Get(ctx, "EVM", "0xabc")
	require.NoError(t, err)
	assert.Equal(t, uint8(18), got)
}

func TestCacheKeyKeepsBase58Case(t *testing.T) {
	assert.NotEqual(t,
		cacheKey("solana", "So11111111111111111111111111111111111111112"),
		cacheKey("solana", "so11111111111111111111111111111111111111112"),
	)
	assert.Equal(t, cacheKey("evm", "0xABCD"), cacheKey("evm", "0xabcd"))
}

func TestResolveFetchesOnce(t *testing.T) {
	ctx := context.Background()
	cache := NewMemory()
	calls := 0
	fetch := func(context.Context) (uint8, error) {
		calls++
		return 9, nil
	}

	for i := 0; i < 3; i++ {
		got, err := Resolve(ctx, cache, "solana", "mint", fetch)
		require.NoError(t, err)
		assert.Equal(t, uint8(9), got)
	}
	assert.Equal(t, 1, calls)
}

func TestResolvePropagatesFetchError(t *testing.T) {
	boom := errors.New("rpc down")
	_, err := Resolve(context.Background(), NewMemory(), "evm", "0x1", func(context.Context) (uint8, error) {
		return 0, boom
	})
	require.ErrorIs(t, err, boom)

	got, err := Resolve(context.Background(), nil, "evm", "0x1", func(context.Context) (uint8, error) {
		return 6, nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint8(6), got)
}

func setupTestRedis(t *testing.T) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	require.NoError(t, client.FlushDB(ctx).Err())

	t.Cleanup(func() {
		_ = client.FlushDB(context.Background()).Err()
		_ = client.Close()
	})
	return client
}

func TestRedisGetSet(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()

	cache, err := NewRedis(client)
	require.NoError(t, err)

	_, err = cache.Get(ctx, "solana", "mint")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, cache.Set(ctx, "solana", "mint", 9))
	got, err := cache.Get(ctx, "solana", "mint")
	require.NoError(t, err)
	assert.Equal(t, uint8(9), got)
}

func TestNewRedisRejectsNil(t *testing.T) {
	_, err := NewRedis(nil)
	require.Error(t, err)
}
