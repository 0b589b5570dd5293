package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rmax-ai/ciexplorer/pkg/client"
	"github.com/rmax-ai/ciexplorer/pkg/model"
)

const (
	keyPrefix  = "ciexplorer:fragment"
	indexSet   = "ciexplorer:fragments"
	DefaultTTL = 30 * time.Second
)

// CacheObserver is notified of every cache lookup. result is "hit", "miss" or "error".
type CacheObserver func(result string)

// FragmentCache is a read-through cache of relationship-service responses in
// front of a client.Fetcher. Cache failures fall through to the backend.
type FragmentCache struct {
	client  *redis.Client
	next    client.Fetcher
	ttl     time.Duration
	logger  *zap.Logger
	observe CacheObserver
}

// NewFragmentCache wraps next. ttl <= 0 uses DefaultTTL.
func NewFragmentCache(rdb *redis.Client, next client.Fetcher, ttl time.Duration, logger *zap.Logger) *FragmentCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FragmentCache{
		client:  rdb,
		next:    next,
		ttl:     ttl,
		logger:  logger,
		observe: func(string) {},
	}
}

// SetObserver registers a lookup observer, typically a metrics counter.
func (c *FragmentCache) SetObserver(fn CacheObserver) {
	if fn != nil {
		c.observe = fn
	}
}

func (c *FragmentCache) makeKey(req model.FetchRequest) string {
	return fmt.Sprintf("%s:%s:%d", keyPrefix, req.Mode, req.TargetID)
}

// Fetch returns a cached fragment when present, otherwise fetches and stores it.
func (c *FragmentCache) Fetch(ctx context.Context, req model.FetchRequest) (model.Fragment, error) {
	key := c.makeKey(req)

	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var frag model.Fragment
		if err := json.Unmarshal(data, &frag); err == nil {
			c.observe("hit")
			return frag, nil
		}
		c.logger.Warn("fragment_cache_corrupt", zap.String("key", key))
		c.observe("error")
	case errors.Is(err, redis.Nil):
		c.observe("miss")
	default:
		c.logger.Warn("fragment_cache_get_failed", zap.String("key", key), zap.Error(err))
		c.observe("error")
	}

	frag, err := c.next.Fetch(ctx, req)
	if err != nil {
		return model.Fragment{}, err
	}

	c.store(ctx, key, frag)
	return frag, nil
}

func (c *FragmentCache) store(ctx context.Context, key string, frag model.Fragment) {
	data, err := json.Marshal(frag)
	if err != nil {
		c.logger.Warn("fragment_cache_marshal_failed", zap.String("key", key), zap.Error(err))
		return
	}
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, key, data, c.ttl)
	pipe.SAdd(ctx, indexSet, key)
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("fragment_cache_set_failed", zap.String("key", key), zap.Error(err))
	}
}

// Invalidate drops the cached fragments for a target in every mode.
func (c *FragmentCache) Invalidate(ctx context.Context, targetID int64) error {
	keys := make([]string, 0, 3)
	for _, mode := range []model.Mode{model.ModeRoot, model.ModeChildren, model.ModeParents} {
		keys = append(keys, c.makeKey(model.FetchRequest{TargetID: targetID, Mode: mode}))
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to invalidate fragments for %d: %w", targetID, err)
	}
	members := make([]interface{}, len(keys))
	for i, k := range keys {
		members[i] = k
	}
	return c.client.SRem(ctx, indexSet, members...).Err()
}

// Clear drops every cached fragment.
func (c *FragmentCache) Clear(ctx context.Context) error {
	keys, err := c.client.SMembers(ctx, indexSet).Result()
	if err != nil {
		return fmt.Errorf("failed to SMEMBERS %s: %w", indexSet, err)
	}
	if len(keys) > 0 {
		if err := c.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("failed to DEL fragments: %w", err)
		}
	}
	return c.client.Del(ctx, indexSet).Err()
}
