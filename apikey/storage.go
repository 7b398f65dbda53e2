// Castellan - Keycloak Authentication and API-Key Management for Go Services
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

package apikey

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/castellan-io/castellan/auth"
	"github.com/castellan-io/castellan/cache"
	"github.com/castellan-io/castellan/internal/logging"
)

// Cache key namespaces. Row entries are keyed by a digest of the ID so
// cache keys never embed identifiers verbatim.
const (
	rowCachePrefix  = "apikey:key:"
	userCachePrefix = "apikey:user:"
)

// StorageOptions tunes the storage layer. Zero values select defaults.
type StorageOptions struct {
	// RetryAttempts is the total number of persistence attempts. Default 3.
	RetryAttempts int

	// RetryDelay is the linear backoff base: attempt n waits n*RetryDelay.
	// Default 1s.
	RetryDelay time.Duration

	// CacheTTL bounds row cache entries. Default 5 minutes.
	CacheTTL time.Duration

	// MaxCacheEntries bounds the row cache. Default 10000.
	MaxCacheEntries int64

	// CleanupThreshold is the occupancy fraction at which a cleanup is
	// scheduled. Default 0.8.
	CleanupThreshold float64
}

func (o *StorageOptions) withDefaults() {
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 5 * time.Minute
	}
	if o.MaxCacheEntries <= 0 {
		o.MaxCacheEntries = 10000
	}
	if o.CleanupThreshold <= 0 || o.CleanupThreshold > 1 {
		o.CleanupThreshold = 0.8
	}
}

// Storage wraps a Repository with retry-with-backoff on every persistence
// call and a write-through integrity-enveloped row cache.
type Storage struct {
	repo  Repository
	cache cache.Service
	opts  StorageOptions

	// cacheEntries approximates live cache occupancy. The cache backend
	// owns eviction; this counter only drives the cleanup hook.
	cacheEntries atomic.Int64
}

// NewStorage creates the storage layer. The cache is optional; without
// one every read goes to the repository.
func NewStorage(repo Repository, cacheSvc cache.Service, opts StorageOptions) *Storage {
	opts.withDefaults()
	return &Storage{repo: repo, cache: cacheSvc, opts: opts}
}

// linearBackOff waits base*attempt between tries.
type linearBackOff struct {
	base    time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return time.Duration(b.attempt) * b.base
}

func (b *linearBackOff) Reset() { b.attempt = 0 }

// withRetry runs fn with linear retry. Errors in the caller's control
// (malformed rows, conflicts, missing rows) are permanent and returned
// on the first attempt.
func (s *Storage) withRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		if attempt > 1 {
			StorageRetriesTotal.WithLabelValues(operation).Inc()
		}

		err := fn()
		if err == nil {
			return struct{}{}, nil
		}
		if errors.Is(err, auth.ErrMalformed) || errors.Is(err, auth.ErrConflict) ||
			errors.Is(err, auth.ErrNotFound) || errors.Is(err, auth.ErrAlreadyRevoked) ||
			errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return struct{}{}, backoff.Permanent(err)
		}
		logging.Warn().Err(err).Str("operation", operation).Int("attempt", attempt).
			Msg("api key persistence attempt failed")
		return struct{}{}, err
	},
		backoff.WithBackOff(&linearBackOff{base: s.opts.RetryDelay}),
		backoff.WithMaxTries(uint(s.opts.RetryAttempts)),
	)
	return err
}

// rowCacheKey namespaces a row cache entry by a digest of the ID.
func rowCacheKey(id string) string {
	sum := sha256.Sum256([]byte(id))
	return rowCachePrefix + hex.EncodeToString(sum[:])[:16]
}

func userCacheKey(userID string) string {
	return userCachePrefix + userID
}

// Create validates and persists a new row, then invalidates the owner's
// cached key list.
func (s *Storage) Create(ctx context.Context, key *Key) error {
	if err := key.Validate(); err != nil {
		return err
	}

	if err := s.withRetry(ctx, "create", func() error {
		return s.repo.Create(ctx, key)
	}); err != nil {
		return err
	}

	s.invalidateUser(ctx, key.UserID)
	return nil
}

// GetByID returns the row, serving from the cache when possible.
func (s *Storage) GetByID(ctx context.Context, id string) (*Key, error) {
	cacheKey := rowCacheKey(id)

	if s.cache != nil {
		blob, ok, err := s.cache.Get(ctx, cacheKey)
		switch {
		case err != nil:
			StorageCacheTotal.WithLabelValues("error").Inc()
		case ok:
			var key Key
			if err := cache.Open(blob, &key); err == nil {
				StorageCacheTotal.WithLabelValues("hit").Inc()
				return &key, nil
			}
			// Tampered or corrupted entry: drop it and fall through.
			StorageCacheTotal.WithLabelValues("error").Inc()
			_ = s.cache.Invalidate(ctx, cacheKey)
		default:
			StorageCacheTotal.WithLabelValues("miss").Inc()
		}
	}

	var key *Key
	if err := s.withRetry(ctx, "get", func() error {
		var err error
		key, err = s.repo.GetByID(ctx, id)
		return err
	}); err != nil {
		return nil, err
	}

	s.cacheRow(ctx, cacheKey, key)
	return key, nil
}

// FindByKeyIdentifier resolves the identifier index. The result is not
// cached here; the validation path caches its own positive results.
func (s *Storage) FindByKeyIdentifier(ctx context.Context, identifier string) (*Key, error) {
	var key *Key
	err := s.withRetry(ctx, "find_by_identifier", func() error {
		var err error
		key, err = s.repo.FindByKeyIdentifier(ctx, identifier)
		return err
	})
	return key, err
}

// FindByUser returns the user's rows.
func (s *Storage) FindByUser(ctx context.Context, userID string) ([]*Key, error) {
	var keys []*Key
	err := s.withRetry(ctx, "find_by_user", func() error {
		var err error
		keys, err = s.repo.FindByUser(ctx, userID)
		return err
	})
	return keys, err
}

// FindActiveByUser returns the user's active rows.
func (s *Storage) FindActiveByUser(ctx context.Context, userID string) ([]*Key, error) {
	var keys []*Key
	err := s.withRetry(ctx, "find_active_by_user", func() error {
		var err error
		keys, err = s.repo.FindActiveByUser(ctx, userID)
		return err
	})
	return keys, err
}

// Update validates and persists the row, then invalidates its cache
// entry and the owner's list.
func (s *Storage) Update(ctx context.Context, key *Key) error {
	if err := key.Validate(); err != nil {
		return err
	}

	if err := s.withRetry(ctx, "update", func() error {
		return s.repo.Update(ctx, key)
	}); err != nil {
		return err
	}

	s.InvalidateRow(ctx, key.ID)
	s.invalidateUser(ctx, key.UserID)
	return nil
}

// Repository exposes the underlying repository for read-only analytics
// and the monitoring facade.
func (s *Storage) Repository() Repository { return s.repo }

// cacheRow repopulates the row cache entry.
func (s *Storage) cacheRow(ctx context.Context, cacheKey string, key *Key) {
	if s.cache == nil {
		return
	}

	blob, err := cache.Seal(key)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, cacheKey, blob, s.opts.CacheTTL); err != nil {
		StorageCacheTotal.WithLabelValues("error").Inc()
		return
	}

	if live := s.cacheEntries.Add(1); float64(live) >= float64(s.opts.MaxCacheEntries)*s.opts.CleanupThreshold {
		s.scheduleCleanup(live)
	}
}

// scheduleCleanup fires the occupancy hook. Entries expire by TTL; the
// hook exists so an LRU sweep can be attached without touching callers.
func (s *Storage) scheduleCleanup(live int64) {
	CacheCleanupsScheduledTotal.Inc()
	s.cacheEntries.Store(0)
	logging.Warn().
		Int64("live_entries", live).
		Int64("max_entries", s.opts.MaxCacheEntries).
		Msg("api key cache occupancy passed cleanup threshold")
}

// InvalidateRow drops the row's cache entry.
func (s *Storage) InvalidateRow(ctx context.Context, id string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, rowCacheKey(id)); err != nil {
		logging.Warn().Err(err).Msg("api key cache invalidation failed")
	}
}

func (s *Storage) invalidateUser(ctx context.Context, userID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, userCacheKey(userID)); err != nil {
		logging.Warn().Err(err).Msg("api key user cache invalidation failed")
	}
}

// InvalidateValidation drops cached validation results for the identifier.
func (s *Storage) InvalidateValidation(ctx context.Context, identifier string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidatePattern(ctx, validationCachePrefix+identifier+":"); err != nil {
		logging.Warn().Err(err).Msg("api key validation cache invalidation failed")
	}
}

// Cache exposes the cache service to the operations layer. May be nil.
func (s *Storage) Cache() cache.Service { return s.cache }

// CacheTTL returns the configured row cache TTL.
func (s *Storage) CacheTTL() time.Duration { return s.opts.CacheTTL }
