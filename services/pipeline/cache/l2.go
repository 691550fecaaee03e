// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AleutianAI/PersonalPipeline/pkg/pperr"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/breaker"
)

// redisStore is the L2 tier. Every command runs under the cache-redis
// breaker so a dead Redis stops being dialed instead of adding its
// connection timeout to every request.
type redisStore struct {
	client  *redis.Client
	breaker *breaker.Breaker
	prefix  string
}

// l2BreakerName is the dependency name the distributed tier registers
// under. The admin surface and health reports refer to it by this name.
const l2BreakerName = "cache-redis"

func newRedisStore(url, prefix string, connTimeout time.Duration, br *breaker.Breaker) (*redisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, pperr.Wrap(pperr.CodeConfig, "invalid distributed cache URL", err)
	}
	if connTimeout > 0 {
		opts.DialTimeout = connTimeout
		opts.ReadTimeout = connTimeout
		opts.WriteTimeout = connTimeout
	}

	return &redisStore{
		client:  redis.NewClient(opts),
		breaker: br,
		prefix:  prefix,
	}, nil
}

// get fetches payload and remaining TTL in one round trip.
func (r *redisStore) get(ctx context.Context, key string) (payload []byte, remaining time.Duration, err error) {
	err = r.breaker.Execute(ctx, func(ctx context.Context) error {
		pipe := r.client.Pipeline()
		getCmd := pipe.Get(ctx, r.prefix+key)
		ttlCmd := pipe.PTTL(ctx, r.prefix+key)
		if _, pipeErr := pipe.Exec(ctx); pipeErr != nil {
			if errors.Is(pipeErr, redis.Nil) {
				return pperr.New(pperr.CodeNotFound, "cache key not found")
			}
			return pperr.Wrap(pperr.CodeUnavailable, "distributed cache read failed", pipeErr)
		}
		payload = []byte(getCmd.Val())
		remaining = ttlCmd.Val()
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return payload, remaining, nil
}

func (r *redisStore) set(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	return r.breaker.Execute(ctx, func(ctx context.Context) error {
		if err := r.client.Set(ctx, r.prefix+key, payload, ttl).Err(); err != nil {
			return pperr.Wrap(pperr.CodeUnavailable, "distributed cache write failed", err)
		}
		return nil
	})
}

func (r *redisStore) delete(ctx context.Context, key string) error {
	return r.breaker.Execute(ctx, func(ctx context.Context) error {
		if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
			return pperr.Wrap(pperr.CodeUnavailable, "distributed cache delete failed", err)
		}
		return nil
	})
}

// clearPrefix deletes every key under the given cache-key prefix using
// SCAN + batched DEL. O(keys), which the invalidation contract allows.
func (r *redisStore) clearPrefix(ctx context.Context, keyPrefix string) (int, error) {
	deleted := 0
	err := r.breaker.Execute(ctx, func(ctx context.Context) error {
		match := r.prefix + keyPrefix + "*"
		iter := r.client.Scan(ctx, 0, match, 256).Iterator()

		batch := make([]string, 0, 256)
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			if err := r.client.Del(ctx, batch...).Err(); err != nil {
				return pperr.Wrap(pperr.CodeUnavailable, "distributed cache clear failed", err)
			}
			deleted += len(batch)
			batch = batch[:0]
			return nil
		}

		for iter.Next(ctx) {
			batch = append(batch, iter.Val())
			if len(batch) == cap(batch) {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		if err := iter.Err(); err != nil {
			return pperr.Wrap(pperr.CodeUnavailable, "distributed cache scan failed", err)
		}
		return flush()
	})
	return deleted, err
}

// ping probes connectivity for stats and health reporting.
func (r *redisStore) ping(ctx context.Context) error {
	return r.breaker.Execute(ctx, func(ctx context.Context) error {
		if err := r.client.Ping(ctx).Err(); err != nil {
			return pperr.Wrap(pperr.CodeUnavailable, "distributed cache ping failed", err)
		}
		return nil
	})
}

func (r *redisStore) close() error {
	return r.client.Close()
}
