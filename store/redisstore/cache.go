// Package redisstore adds Redis-backed pieces around a pagegen.SessionStore:
// a read-through cache of image payloads and a batch cancel signal shared
// between processes.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/mhpenta/pagegen"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultImageTTL is how long a resolved image payload stays cached.
const DefaultImageTTL = 30 * time.Minute

// ImageCache decorates a SessionStore so that ResolveImageHandles is served
// from Redis when possible. Redis failures fall through to the wrapped store.
type ImageCache struct {
	pagegen.SessionStore

	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

var _ pagegen.SessionStore = (*ImageCache)(nil)

// CacheOption configures an ImageCache.
type CacheOption func(*ImageCache)

// WithPrefix sets the key prefix. Default "pagegen".
func WithPrefix(prefix string) CacheOption {
	return func(c *ImageCache) { c.prefix = prefix }
}

// WithTTL sets the cache entry lifetime.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *ImageCache) { c.ttl = ttl }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) CacheOption {
	return func(c *ImageCache) { c.logger = logger }
}

// NewImageCache wraps next with a Redis image cache.
func NewImageCache(next pagegen.SessionStore, client redis.UniversalClient, opts ...CacheOption) *ImageCache {
	c := &ImageCache{
		SessionStore: next,
		client:       client,
		prefix:       "pagegen",
		ttl:          DefaultImageTTL,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("image_cache")
	return c
}

func (c *ImageCache) key(handle string) string {
	return fmt.Sprintf("%s:image:%s", c.prefix, handle)
}

// ResolveImageHandles reads cached payloads and resolves the rest through the
// wrapped store, caching what it finds.
func (c *ImageCache) ResolveImageHandles(ctx context.Context, handles []string) (map[string]pagegen.ImagePayload, error) {
	out := make(map[string]pagegen.ImagePayload, len(handles))
	if len(handles) == 0 {
		return out, nil
	}

	missing := c.readCached(ctx, handles, out)
	if len(missing) == 0 {
		c.logger.Debug("All image handles served from cache", zap.Int("handle_count", len(handles)))
		return out, nil
	}

	resolved, err := c.SessionStore.ResolveImageHandles(ctx, missing)
	if err != nil {
		return nil, err
	}
	for h, img := range resolved {
		out[h] = img
	}
	c.writeCached(ctx, resolved)

	c.logger.Debug("Image handles resolved",
		zap.Int("handle_count", len(handles)),
		zap.Int("cache_hits", len(handles)-len(missing)),
		zap.Int("found_count", len(out)),
	)
	return out, nil
}

// readCached fills out with cached payloads and returns the handles it could not serve.
func (c *ImageCache) readCached(ctx context.Context, handles []string, out map[string]pagegen.ImagePayload) []string {
	cmds := make([]*redis.SliceCmd, len(handles))
	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, h := range handles {
			cmds[i] = pipe.HMGet(ctx, c.key(h), "mime", "data")
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		c.logger.Warn("Image cache read failed, using store", zap.Error(err))
		return handles
	}

	var missing []string
	for i, h := range handles {
		vals, err := cmds[i].Result()
		if err != nil || len(vals) != 2 {
			missing = append(missing, h)
			continue
		}
		mime, okMime := vals[0].(string)
		data, okData := vals[1].(string)
		if !okMime || !okData || data == "" {
			missing = append(missing, h)
			continue
		}
		out[h] = pagegen.ImagePayload{Handle: h, MIMEType: mime, Data: []byte(data)}
	}
	return missing
}

func (c *ImageCache) writeCached(ctx context.Context, images map[string]pagegen.ImagePayload) {
	if len(images) == 0 {
		return
	}
	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for h, img := range images {
			if len(img.Data) == 0 {
				continue
			}
			pipe.HSet(ctx, c.key(h), "mime", img.MIMEType, "data", img.Data)
			pipe.Expire(ctx, c.key(h), c.ttl)
		}
		return nil
	})
	if err != nil {
		c.logger.Warn("Image cache write failed", zap.Int("image_count", len(images)), zap.Error(err))
	}
}

// AppendPage appends through the wrapped store and warms the cache with the page image.
func (c *ImageCache) AppendPage(ctx context.Context, sessionID string, page pagegen.Page, chat ...pagegen.ChatMessage) error {
	if err := c.SessionStore.AppendPage(ctx, sessionID, page, chat...); err != nil {
		return err
	}
	if page.Image.Handle != "" && len(page.Image.Data) > 0 {
		c.writeCached(ctx, map[string]pagegen.ImagePayload{page.Image.Handle: page.Image})
	}
	return nil
}

// DeleteImages deletes from the wrapped store, then evicts the cache entries.
func (c *ImageCache) DeleteImages(ctx context.Context, handles []string) error {
	if err := c.SessionStore.DeleteImages(ctx, handles); err != nil {
		return err
	}
	if len(handles) == 0 {
		return nil
	}
	keys := make([]string, len(handles))
	for i, h := range handles {
		keys[i] = c.key(h)
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn("Image cache eviction failed", zap.Strings("handles", handles), zap.Error(err))
	}
	return nil
}
