// Castellan - Keycloak Authentication and API-Key Management for Go Services
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

// JWT replay protection. A validated token's (jti, iat) pair is recorded
// for the remainder of the token's lifetime; seeing the same pair again
// means the token is being replayed.
//
// The tracker stores a marker only, never the validated claims. Two
// backends exist: in-memory for single-process deployments and tests, and
// BadgerDB for deployments that must survive restarts.
package oidc

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/castellan-io/castellan/auth"
	"github.com/castellan-io/castellan/internal/logging"
)

// Replay tracking metrics.
var (
	// ReplayStoreOperationsTotal counts replay-store operations.
	ReplayStoreOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oidc_replay_store_operations_total",
			Help: "Total number of replay store operations",
		},
		[]string{"operation", "outcome"}, // operation: check, store, cleanup
	)

	// ReplayAttemptsTotal counts detected replays. Spikes indicate an attack.
	ReplayAttemptsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "oidc_replay_attempts_total",
			Help: "Total number of token replay attempts detected",
		},
	)

	// ReplayStoreSize tracks the current number of stored markers.
	ReplayStoreSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "oidc_replay_store_size",
			Help: "Current number of replay markers stored",
		},
	)
)

// ErrReplayStoreClosed indicates the tracker has been closed.
var ErrReplayStoreClosed = errors.New("replay store is closed")

// ReplayMarker records one observed (jti, iat) pair.
type ReplayMarker struct {
	// JTI is the token's unique identifier claim.
	JTI string `json:"jti"`

	// IssuedAt is the token's iat claim (unix seconds).
	IssuedAt int64 `json:"iat"`

	// Subject is the token subject, kept for audit logs.
	Subject string `json:"sub,omitempty"`

	// FirstSeen is when this pair was first validated.
	FirstSeen time.Time `json:"first_seen"`

	// ExpiresAt is when the marker expires. After the underlying token
	// expires, replay is rejected by the expiry check instead.
	ExpiresAt time.Time `json:"expires_at"`
}

// markerKey is the store key for a (jti, iat) pair.
func markerKey(jti string, iat int64) string {
	return jti + ":" + strconv.FormatInt(iat, 10)
}

// ReplayTracker is the replay-protection store capability.
type ReplayTracker interface {
	// CheckAndStore atomically records the marker, or returns an error
	// wrapping auth.ErrReplay if the (jti, iat) pair was already seen and
	// has not expired.
	CheckAndStore(ctx context.Context, marker *ReplayMarker, ttl time.Duration) error

	// IsSeen reports whether the pair is currently recorded, without storing.
	IsSeen(ctx context.Context, jti string, iat int64) (bool, error)

	// CleanupExpired removes expired markers and returns how many.
	CleanupExpired(ctx context.Context) (int, error)

	// Size returns the approximate number of stored markers.
	Size(ctx context.Context) (int, error)

	// Close releases resources.
	Close() error
}

// MemoryReplayTracker is an in-process replay tracker.
// Markers are lost on restart.
type MemoryReplayTracker struct {
	mu      sync.Mutex
	markers map[string]*ReplayMarker
	closed  bool
}

// NewMemoryReplayTracker creates an in-memory replay tracker.
func NewMemoryReplayTracker() *MemoryReplayTracker {
	return &MemoryReplayTracker{markers: make(map[string]*ReplayMarker)}
}

// CheckAndStore atomically checks and records a marker.
func (t *MemoryReplayTracker) CheckAndStore(_ context.Context, marker *ReplayMarker, ttl time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		ReplayStoreOperationsTotal.WithLabelValues("check", "failure").Inc()
		return ErrReplayStoreClosed
	}

	key := markerKey(marker.JTI, marker.IssuedAt)
	if existing, ok := t.markers[key]; ok && time.Now().Before(existing.ExpiresAt) {
		ReplayStoreOperationsTotal.WithLabelValues("check", "replay_detected").Inc()
		ReplayAttemptsTotal.Inc()
		logging.Warn().
			Str("jti", marker.JTI).
			Str("subject", marker.Subject).
			Time("first_seen", existing.FirstSeen).
			Msg("token replay detected")
		return fmt.Errorf("%w: jti already used", auth.ErrReplay)
	}

	marker.FirstSeen = time.Now()
	marker.ExpiresAt = time.Now().Add(ttl)
	t.markers[key] = marker

	ReplayStoreOperationsTotal.WithLabelValues("store", "success").Inc()
	ReplayStoreSize.Set(float64(len(t.markers)))
	return nil
}

// IsSeen reports whether the pair is recorded and unexpired.
func (t *MemoryReplayTracker) IsSeen(_ context.Context, jti string, iat int64) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false, ErrReplayStoreClosed
	}
	marker, ok := t.markers[markerKey(jti, iat)]
	return ok && time.Now().Before(marker.ExpiresAt), nil
}

// CleanupExpired removes expired markers.
func (t *MemoryReplayTracker) CleanupExpired(_ context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, ErrReplayStoreClosed
	}

	count := 0
	now := time.Now()
	for key, marker := range t.markers {
		if now.After(marker.ExpiresAt) {
			delete(t.markers, key)
			count++
		}
	}

	ReplayStoreOperationsTotal.WithLabelValues("cleanup", "success").Inc()
	ReplayStoreSize.Set(float64(len(t.markers)))
	return count, nil
}

// Size returns the number of stored markers.
func (t *MemoryReplayTracker) Size(_ context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, ErrReplayStoreClosed
	}
	return len(t.markers), nil
}

// Close closes the tracker.
func (t *MemoryReplayTracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.markers = nil
	return nil
}

// BadgerReplayTracker is a BadgerDB-backed replay tracker.
// Markers survive restarts; the DB handle is shared and not closed here.
type BadgerReplayTracker struct {
	db     *badger.DB
	prefix []byte

	mu     sync.RWMutex
	closed bool
}

// NewBadgerReplayTracker creates a BadgerDB-backed tracker. An empty
// prefix defaults to "replay:".
func NewBadgerReplayTracker(db *badger.DB, prefix string) *BadgerReplayTracker {
	if prefix == "" {
		prefix = "replay:"
	}
	return &BadgerReplayTracker{db: db, prefix: []byte(prefix)}
}

func (t *BadgerReplayTracker) makeKey(jti string, iat int64) []byte {
	return append(append([]byte{}, t.prefix...), []byte(markerKey(jti, iat))...)
}

func (t *BadgerReplayTracker) isClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

// CheckAndStore atomically checks and records a marker in one transaction.
func (t *BadgerReplayTracker) CheckAndStore(_ context.Context, marker *ReplayMarker, ttl time.Duration) error {
	if t.isClosed() {
		ReplayStoreOperationsTotal.WithLabelValues("check", "failure").Inc()
		return ErrReplayStoreClosed
	}

	key := t.makeKey(marker.JTI, marker.IssuedAt)

	err := t.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == nil {
			var existing ReplayMarker
			if valErr := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &existing)
			}); valErr == nil && time.Now().Before(existing.ExpiresAt) {
				ReplayStoreOperationsTotal.WithLabelValues("check", "replay_detected").Inc()
				ReplayAttemptsTotal.Inc()
				logging.Warn().
					Str("jti", marker.JTI).
					Str("subject", marker.Subject).
					Time("first_seen", existing.FirstSeen).
					Msg("token replay detected")
				return fmt.Errorf("%w: jti already used", auth.ErrReplay)
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		marker.FirstSeen = time.Now()
		marker.ExpiresAt = time.Now().Add(ttl)

		data, err := json.Marshal(marker)
		if err != nil {
			return err
		}
		return txn.SetEntry(badger.NewEntry(key, data).WithTTL(ttl))
	})

	if err != nil {
		if errors.Is(err, auth.ErrReplay) {
			return err
		}
		ReplayStoreOperationsTotal.WithLabelValues("store", "failure").Inc()
		return err
	}

	ReplayStoreOperationsTotal.WithLabelValues("store", "success").Inc()
	return nil
}

// IsSeen reports whether the pair is recorded and unexpired.
func (t *BadgerReplayTracker) IsSeen(_ context.Context, jti string, iat int64) (bool, error) {
	if t.isClosed() {
		return false, ErrReplayStoreClosed
	}

	var seen bool
	err := t.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(t.makeKey(jti, iat))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var marker ReplayMarker
		return item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, &marker); err != nil {
				return err
			}
			seen = time.Now().Before(marker.ExpiresAt)
			return nil
		})
	})
	return seen, err
}

// CleanupExpired scans for expired markers Badger has not yet reclaimed.
func (t *BadgerReplayTracker) CleanupExpired(_ context.Context) (int, error) {
	if t.isClosed() {
		return 0, ErrReplayStoreClosed
	}

	count := 0
	now := time.Now()

	err := t.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = t.prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		var stale [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var marker ReplayMarker
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &marker)
			}); err != nil {
				continue
			}
			if now.After(marker.ExpiresAt) {
				stale = append(stale, item.KeyCopy(nil))
			}
		}

		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
			count++
		}
		return nil
	})

	if err != nil {
		ReplayStoreOperationsTotal.WithLabelValues("cleanup", "failure").Inc()
		return count, err
	}
	ReplayStoreOperationsTotal.WithLabelValues("cleanup", "success").Inc()
	return count, nil
}

// Size counts stored markers by key iteration.
func (t *BadgerReplayTracker) Size(_ context.Context) (int, error) {
	if t.isClosed() {
		return 0, ErrReplayStoreClosed
	}

	count := 0
	err := t.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = t.prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})

	ReplayStoreSize.Set(float64(count))
	return count, err
}

// Close marks the tracker closed. The shared DB stays open.
func (t *BadgerReplayTracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// StartReplayCleanup runs CleanupExpired on a fixed interval until the
// returned channel is closed.
func StartReplayCleanup(tracker ReplayTracker, interval time.Duration) chan struct{} {
	done := make(chan struct{})

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				count, err := tracker.CleanupExpired(ctx)
				cancel()

				if err != nil {
					logging.Error().Err(err).Msg("replay marker cleanup failed")
				} else if count > 0 {
					logging.Debug().Int("count", count).Msg("replay marker cleanup completed")
				}
			case <-done:
				return
			}
		}
	}()

	return done
}
