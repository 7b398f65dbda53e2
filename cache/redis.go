// Castellan - Keycloak Authentication and API-Key Management for Go Services
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a cache backend on a shared Redis instance, for deployments where
// multiple service replicas must share validation results.
type Redis struct {
	client     redis.UniversalClient
	prefix     string
	defaultTTL time.Duration
}

// NewRedis creates a Redis-backed cache.
// The client is owned by the caller; Close does not close it.
func NewRedis(client redis.UniversalClient, prefix string, defaultTTL time.Duration) *Redis {
	if prefix == "" {
		prefix = "castellan:"
	}
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	return &Redis{
		client:     client,
		prefix:     prefix,
		defaultTTL: defaultTTL,
	}
}

// Get returns the blob stored under key.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		OperationsTotal.WithLabelValues("redis", "get", "miss").Inc()
		return nil, false, nil
	}
	if err != nil {
		OperationsTotal.WithLabelValues("redis", "get", "error").Inc()
		return nil, false, err
	}
	OperationsTotal.WithLabelValues("redis", "get", "hit").Inc()
	return value, true, nil
}

// Set stores value under key with the given TTL.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = r.defaultTTL
	}
	if err := r.client.Set(ctx, r.prefix+key, value, ttl).Err(); err != nil {
		OperationsTotal.WithLabelValues("redis", "set", "error").Inc()
		return err
	}
	OperationsTotal.WithLabelValues("redis", "set", "success").Inc()
	return nil
}

// Invalidate removes the entry under key.
func (r *Redis) Invalidate(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		OperationsTotal.WithLabelValues("redis", "invalidate", "error").Inc()
		return err
	}
	OperationsTotal.WithLabelValues("redis", "invalidate", "success").Inc()
	return nil
}

// InvalidatePattern removes all entries whose key starts with prefix.
// Uses SCAN to avoid blocking the server on large keyspaces.
func (r *Redis) InvalidatePattern(ctx context.Context, prefix string) error {
	iter := r.client.Scan(ctx, 0, r.prefix+prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			OperationsTotal.WithLabelValues("redis", "invalidate_pattern", "error").Inc()
			return err
		}
	}
	if err := iter.Err(); err != nil {
		OperationsTotal.WithLabelValues("redis", "invalidate_pattern", "error").Inc()
		return err
	}
	OperationsTotal.WithLabelValues("redis", "invalidate_pattern", "success").Inc()
	return nil
}

// Close is a no-op; the Redis client is owned by the caller.
func (r *Redis) Close() error {
	return nil
}
