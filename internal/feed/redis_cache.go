package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"townhall/api/internal/store"
)

// RedisCache keeps feed pages in Redis. Page keys embed a per-location
// generation number; invalidation bumps the generation instead of scanning
// for keys, and orphaned pages expire through their TTL.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache connects to redisURL and verifies the connection.
func NewRedisCache(redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisCacheWithClient(client, ttl), nil
}

func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisCache{
		client: client,
		prefix: "feed:",
		ttl:    ttl,
	}
}

func (c *RedisCache) genKey(locationID string) string {
	return c.prefix + "gen:" + locationID
}

func (c *RedisCache) pageKey(locationID string, gen int64, page Page) string {
	return c.prefix + "page:" + locationID + ":" + strconv.FormatInt(gen, 10) + ":" +
		strconv.Itoa(page.Limit) + ":" + strconv.Itoa(page.Offset)
}

func (c *RedisCache) generation(ctx context.Context, locationID string) (int64, error) {
	gen, err := c.client.Get(ctx, c.genKey(locationID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read feed generation: %w", err)
	}
	return gen, nil
}

// Get returns the cached page and the generation it was looked up under.
func (c *RedisCache) Get(ctx context.Context, locationID string, page Page) ([]store.Idea, bool, int64, error) {
	gen, err := c.generation(ctx, locationID)
	if err != nil {
		return nil, false, 0, err
	}
	raw, err := c.client.Get(ctx, c.pageKey(locationID, gen, page)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, gen, nil
	}
	if err != nil {
		return nil, false, gen, fmt.Errorf("read feed page: %w", err)
	}
	var items []store.Idea
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, false, gen, fmt.Errorf("unmarshal feed page: %w", err)
	}
	return items, true, gen, nil
}

// Set stores a page under generation gen. If the location was invalidated
// since gen was read, the page lands under a dead key and simply expires.
func (c *RedisCache) Set(ctx context.Context, locationID string, page Page, gen int64, ideas []store.Idea) error {
	data, err := json.Marshal(ideas)
	if err != nil {
		return fmt.Errorf("marshal feed page: %w", err)
	}
	if err := c.client.Set(ctx, c.pageKey(locationID, gen, page), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("save feed page: %w", err)
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context, locationIDs ...string) error {
	if len(locationIDs) == 0 {
		return nil
	}
	pipe := c.client.TxPipeline()
	for _, id := range locationIDs {
		pipe.Incr(ctx, c.genKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("bump feed generation: %w", err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
