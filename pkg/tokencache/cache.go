// Package tokencache memoizes token decimals per chain. Decimals never change
// for a deployed token, so entries carry no expiry.
package tokencache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "premarket:decimals:"

var ErrNotFound = errors.New("decimals not cached")

type Cache interface {
	Get(ctx context.Context, chain, token string) (uint8, error)
	Set(ctx context.Context, chain, token string, decimals uint8) error
}

type Memory struct {
	mu      sync.RWMutex
	entries map[string]uint8
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]uint8)}
}

func (m *Memory) Get(_ context.Context, chain, token string) (uint8, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	decimals, ok := m.entries[cacheKey(chain, token)]
	if !ok {
		return 0, ErrNotFound
	}
	return decimals, nil
}

func (m *Memory) Set(_ context.Context, chain, token string, decimals uint8) error {
	m.mu.Lock()
	m.entries[cacheKey(chain, token)] = decimals
	m.mu.Unlock()
	return nil
}

type Redis struct {
	client redis.Cmdable
}

func NewRedis(client redis.Cmdable) (*Redis, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	return &Redis{client: client}, nil
}

func (r *Redis) Get(ctx context.Context, chain, token string) (uint8, error) {
	raw, err := r.client.Get(ctx, cacheKey(chain, token)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get decimals: %w", err)
	}
	decimals, err := strconv.ParseUint(raw, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("parse cached decimals %q: %w", raw, err)
	}
	return uint8(decimals), nil
}

func (r *Redis) Set(ctx context.Context, chain, token string, decimals uint8) error {
	if err := r.client.Set(ctx, cacheKey(chain, token), strconv.Itoa(int(decimals)), 0).Err(); err != nil {
		return fmt.Errorf("set decimals: %w", err)
	}
	return nil
}

// Resolve returns cached decimals or calls fetch and stores the result.
// Cache read/write failures fall through to fetch.
func Resolve(ctx context.Context, cache Cache, chain, token string, fetch func(context.Context) (uint8, error)) (uint8, error) {
	if cache == nil {
		return fetch(ctx)
	}
	if decimals, err := cache.Get(ctx, chain, token); err == nil {
		return decimals, nil
	}
	decimals, err := fetch(ctx)
	if err != nil {
		return 0, err
	}
	_ = cache.Set(ctx, chain, token, decimals)
	return decimals, nil
}

// Hex addresses are case-insensitive; base58 keys are not.
func cacheKey(chain, token string) string {
	chain = strings.ToLower(chain)
	if strings.HasPrefix(token, "0x") || strings.HasPrefix(token, "0X") {
		token = strings.ToLower(token)
	}
	return keyPrefix + chain + ":" + token
}
