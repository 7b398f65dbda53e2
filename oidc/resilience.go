// Castellan - Keycloak Authentication and API-Key Management for Go Services
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

package oidc

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"

	"github.com/castellan-io/castellan/auth"
	"github.com/castellan-io/castellan/internal/logging"
)

// ResilienceOptions tunes the offline fallback behavior.
type ResilienceOptions struct {
	// OfflineTokenValidity is how long a previously successful validation
	// may be served while the IdP is unreachable. Default 15m.
	OfflineTokenValidity time.Duration

	// CacheCapacity bounds the offline result cache. Default 1000.
	CacheCapacity uint64

	// ProbeInterval rate-limits health probes of the IdP. Default 10s.
	ProbeInterval time.Duration

	// AllowAnonymous serves an anonymous identity for unknown tokens
	// while offline instead of failing.
	AllowAnonymous bool

	// AnonymousPermissions are granted to the anonymous identity.
	AnonymousPermissions []string
}

// ResilientClient wraps an OIDC client with an offline fallback: while the
// IdP is unreachable, recently validated tokens keep working from a
// bounded in-process cache, and unknown tokens optionally degrade to an
// anonymous identity.
type ResilientClient struct {
	inner *Client
	opts  ResilienceOptions

	results *ttlcache.Cache[string, *auth.Result]
	offline atomic.Bool
	probes  *rate.Limiter
}

// NewResilientClient wraps client with the offline fallback.
func NewResilientClient(client *Client, opts ResilienceOptions) *ResilientClient {
	if opts.OfflineTokenValidity <= 0 {
		opts.OfflineTokenValidity = 15 * time.Minute
	}
	if opts.CacheCapacity == 0 {
		opts.CacheCapacity = 1000
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 10 * time.Second
	}

	results := ttlcache.New(
		ttlcache.WithTTL[string, *auth.Result](opts.OfflineTokenValidity),
		ttlcache.WithCapacity[string, *auth.Result](opts.CacheCapacity),
	)
	go results.Start()

	return &ResilientClient{
		inner:   client,
		opts:    opts,
		results: results,
		probes:  rate.NewLimiter(rate.Every(opts.ProbeInterval), 1),
	}
}

// Inner returns the wrapped client.
func (r *ResilientClient) Inner() *Client { return r.inner }

// Offline reports whether the wrapper currently considers the IdP down.
func (r *ResilientClient) Offline() bool { return r.offline.Load() }

// ValidateToken validates through the wrapped client, falling back to the
// offline cache when the IdP is unreachable.
func (r *ResilientClient) ValidateToken(ctx context.Context, token string) *auth.Result {
	result := r.inner.ValidateToken(ctx, token)
	if result.Success {
		r.results.Set(tokenCacheKey(token), result, ttlcache.DefaultTTL)
		if r.offline.CompareAndSwap(true, false) {
			logging.Info().Msg("identity provider reachable again, leaving offline mode")
		}
		return result
	}

	// Definitive rejections (bad signature, expiry, replay) stand even
	// when the IdP is down; only upstream trouble triggers the fallback.
	if !r.upstreamTrouble(ctx, result) {
		return result
	}

	if item := r.results.Get(tokenCacheKey(token)); item != nil {
		OfflineFallbacksTotal.WithLabelValues("cached").Inc()
		cached := *item.Value()
		cached.FromCache = true
		return &cached
	}

	if r.opts.AllowAnonymous {
		OfflineFallbacksTotal.WithLabelValues("anonymous").Inc()
		anon := &auth.UserInfo{
			ID:          "anonymous",
			Username:    "anonymous",
			Roles:       []string{},
			Permissions: append([]string{}, r.opts.AnonymousPermissions...),
		}
		res := auth.Succeed(anon, "", time.Now().Add(r.opts.OfflineTokenValidity))
		res.FromCache = true
		return res
	}

	return result
}

// upstreamTrouble decides whether a failed validation should engage the
// offline fallback, probing the IdP at most once per probe interval.
func (r *ResilientClient) upstreamTrouble(ctx context.Context, result *auth.Result) bool {
	if result.Error != auth.ErrUpstream.Error() && result.Error != auth.ErrUpstreamTimeout.Error() {
		return false
	}

	if r.probes.Allow() {
		if err := r.inner.Ping(ctx); err != nil {
			if r.offline.CompareAndSwap(false, true) {
				logging.Warn().Err(err).Msg("identity provider unreachable, entering offline mode")
			}
		} else {
			r.offline.Store(false)
		}
	}

	return r.offline.Load()
}

// Close stops the offline cache.
func (r *ResilientClient) Close() {
	r.results.Stop()
	r.results.DeleteAll()
}
