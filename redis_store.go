package main

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const probeKeyPrefix = "probe:"

// probeCache remembers probe results so a repeated URL skips the metadata call.
type probeCache interface {
	Get(ctx context.Context, mediaURL string) (*MediaInfo, bool)
	Set(ctx context.Context, mediaURL string, info *MediaInfo)
}

// newRedisClient connects to Redis and returns nil when it is not reachable,
// in which case the service runs without a probe cache.
func newRedisClient(ctx context.Context, cfg *Config, log *zap.Logger) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn("redis not available, probe cache disabled", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		_ = client.Close()
		return nil
	}
	log.Info("redis connected", zap.String("addr", cfg.RedisAddr))
	return client
}

type redisProbeCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

func newRedisProbeCache(client *redis.Client, ttl time.Duration, log *zap.Logger) *redisProbeCache {
	return &redisProbeCache{client: client, ttl: ttl, log: log}
}

func (c *redisProbeCache) Get(ctx context.Context, mediaURL string) (*MediaInfo, bool) {
	val, err := c.client.Get(ctx, probeKeyPrefix+mediaURL).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("probe cache read failed", zap.String("url", mediaURL), zap.Error(err))
		}
		return nil, false
	}
	var info MediaInfo
	if err := json.Unmarshal(val, &info); err != nil {
		c.log.Warn("probe cache entry corrupt", zap.String("url", mediaURL), zap.Error(err))
		return nil, false
	}
	return &info, true
}

func (c *redisProbeCache) Set(ctx context.Context, mediaURL string, info *MediaInfo) {
	data, err := json.Marshal(info)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, probeKeyPrefix+mediaURL, data, c.ttl).Err(); err != nil {
		c.log.Warn("probe cache write failed", zap.String("url", mediaURL), zap.Error(err))
	}
}

// cachingFetcher serves Probe from the cache when it can. Downloads always
// go to the wrapped Fetcher.
type cachingFetcher struct {
	Fetcher
	cache probeCache
}

func newCachingFetcher(inner Fetcher, cache probeCache) *cachingFetcher {
	return &cachingFetcher{Fetcher: inner, cache: cache}
}

func (f *cachingFetcher) Probe(ctx context.Context, mediaURL string) (*MediaInfo, error) {
	if info, ok := f.cache.Get(ctx, mediaURL); ok {
		return info, nil
	}
	info, err := f.Fetcher.Probe(ctx, mediaURL)
	if err != nil {
		return nil, err
	}
	f.cache.Set(ctx, mediaURL, info)
	return info, nil
}
