package redis

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	xerrors "cronos-sentinel/internal/errors"
)

// Cache 是带过期时间的字符串缓存。
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Config 描述 Redis 连接参数。
type Config struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// RedisCache 使用 Redis 字符串键实现 Cache。
type RedisCache struct {
	client *goredis.Client
	prefix string
}

// NewRedisCache 连接 Redis 并校验可用性。
func NewRedisCache(ctx context.Context, cfg Config) (*RedisCache, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return NewRedisCacheWithClient(client, cfg.Prefix), nil
}

// NewRedisCacheWithClient 基于已有客户端创建缓存。
func NewRedisCacheWithClient(client *goredis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "sentinel:cache:"
	}
	return &RedisCache{client: client, prefix: prefix}
}

// Get 实现 Cache。
func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := c.client.Get(ctx, c.prefix+key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 缓存失败")
	}
	return value, true, nil
}

// Set 实现 Cache。
func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.prefix+key, value, ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 Redis 缓存失败")
	}
	return nil
}

// Close 关闭 Redis 连接。
func (c *RedisCache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

type memoryEntry struct {
	value   string
	expires time.Time
}

// MemoryCache 是进程内的 Cache 实现。
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryCache 创建内存缓存。
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: time.Now}
}

// Get 实现 Cache，过期条目会被惰性清理。
func (c *MemoryCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return "", false, nil
	}
	if !entry.expires.IsZero() && !c.now().Before(entry.expires) {
		delete(c.entries, key)
		return "", false, nil
	}
	return entry.value, true, nil
}

// Set 实现 Cache；ttl<=0 表示不过期。
func (c *MemoryCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expires = c.now().Add(ttl)
	}
	c.entries[key] = entry
	return nil
}

var (
	_ Cache = (*RedisCache)(nil)
	_ Cache = (*MemoryCache)(nil)
)
