// Castellan - Keycloak Authentication and API-Key Management for Go Services
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

// Package cache defines the key-value cache capability consumed by the
// Castellan core and three interchangeable backends: an in-process LRU, an
// embedded BadgerDB store, and Redis.
//
// Values are opaque blobs. Components that cache structured data wrap it in
// the integrity envelope (Seal/Open) so a tampered or corrupted entry is
// detected on read and treated as a miss.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/castellan-io/castellan/auth"
)

// Cache metrics.
var (
	// OperationsTotal counts cache operations by backend, operation and outcome.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_operations_total",
			Help: "Total number of cache operations",
		},
		[]string{"backend", "operation", "outcome"}, // outcome: hit, miss, success, error
	)

	// IntegrityViolationsTotal counts envelope checksum mismatches.
	// A non-zero value means a cache entry was tampered with or corrupted.
	IntegrityViolationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_integrity_violations_total",
			Help: "Total number of cache entries rejected by the integrity envelope",
		},
	)
)

// Service is the key-value cache capability consumed by the core.
// All implementations are safe for concurrent use.
type Service interface {
	// Get returns the blob stored under key. The second result is false
	// on a miss (absent or expired entry).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key for ttl. A non-positive ttl uses the
	// backend default.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Invalidate removes the entry under key. Removing an absent key is
	// not an error.
	Invalidate(ctx context.Context, key string) error

	// InvalidatePattern removes all entries whose key starts with prefix.
	InvalidatePattern(ctx context.Context, prefix string) error

	// Close releases backend resources.
	Close() error
}

// integritySuffix versions the envelope checksum input.
const integritySuffix = "integrity_check_v1"

// envelope is the integrity wrapper around every structured cache entry.
type envelope struct {
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	Checksum  string          `json:"checksum"`
}

// checksum computes SHA256(JSON(data) || timestamp || integritySuffix).
func checksum(data []byte, timestamp int64) string {
	h := sha256.New()
	h.Write(data)
	h.Write([]byte(strconv.FormatInt(timestamp, 10)))
	h.Write([]byte(integritySuffix))
	return hex.EncodeToString(h.Sum(nil))
}

// Seal wraps v in an integrity envelope and returns the blob to store.
func Seal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cache seal: %w", err)
	}

	env := envelope{
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
	env.Checksum = checksum(env.Data, env.Timestamp)

	return json.Marshal(env)
}

// Open verifies the integrity envelope around blob and unmarshals the
// payload into v. A checksum mismatch returns auth.ErrIntegrity; callers
// treat that as a miss and invalidate the entry.
func Open(blob []byte, v any) error {
	var env envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		IntegrityViolationsTotal.Inc()
		return fmt.Errorf("%w: malformed envelope", auth.ErrIntegrity)
	}

	if env.Checksum != checksum(env.Data, env.Timestamp) {
		IntegrityViolationsTotal.Inc()
		return fmt.Errorf("%w: checksum mismatch", auth.ErrIntegrity)
	}

	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("cache open: %w", err)
	}
	return nil
}

// GetSealed reads key from svc, verifies the envelope, and unmarshals into v.
// Returns false on a miss. An integrity violation invalidates the entry and
// reports a miss.
func GetSealed(ctx context.Context, svc Service, key string, v any) (bool, error) {
	blob, hit, err := svc.Get(ctx, key)
	if err != nil || !hit {
		return false, err
	}

	if err := Open(blob, v); err != nil {
		// Poisoned entry: drop it and treat as a miss.
		_ = svc.Invalidate(ctx, key)
		return false, nil
	}
	return true, nil
}

// SetSealed seals v in an integrity envelope and stores it under key.
func SetSealed(ctx context.Context, svc Service, key string, v any, ttl time.Duration) error {
	blob, err := Seal(v)
	if err != nil {
		return err
	}
	return svc.Set(ctx, key, blob, ttl)
}
