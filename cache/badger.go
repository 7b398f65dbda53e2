// Castellan - Keycloak Authentication and API-Key Management for Go Services
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

package cache

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Badger is a persistent cache backend on an embedded BadgerDB instance.
// Entries expire via BadgerDB's native TTL support and survive restarts.
// The DB handle may be shared with other components; Close does not close it.
type Badger struct {
	db         *badger.DB
	prefix     []byte
	defaultTTL time.Duration
}

// NewBadger creates a BadgerDB-backed cache.
//
// Parameters:
//   - db: BadgerDB instance (shared with other components)
//   - prefix: key prefix isolating this cache's entries (default "cache:")
//   - defaultTTL: TTL applied when Set receives a non-positive ttl
func NewBadger(db *badger.DB, prefix string, defaultTTL time.Duration) *Badger {
	if prefix == "" {
		prefix = "cache:"
	}
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	return &Badger{
		db:         db,
		prefix:     []byte(prefix),
		defaultTTL: defaultTTL,
	}
}

// makeKey namespaces a cache key under the configured prefix.
func (b *Badger) makeKey(key string) []byte {
	return append(append([]byte{}, b.prefix...), []byte(key)...)
}

// Get returns the blob stored under key.
func (b *Badger) Get(_ context.Context, key string) ([]byte, bool, error) {
	var value []byte

	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(b.makeKey(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		OperationsTotal.WithLabelValues("badger", "get", "miss").Inc()
		return nil, false, nil
	}
	if err != nil {
		OperationsTotal.WithLabelValues("badger", "get", "error").Inc()
		return nil, false, err
	}

	OperationsTotal.WithLabelValues("badger", "get", "hit").Inc()
	return value, true, nil
}

// Set stores value under key with the given TTL.
func (b *Badger) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = b.defaultTTL
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(b.makeKey(key), value).WithTTL(ttl)
		return txn.SetEntry(entry)
	})

	if err != nil {
		OperationsTotal.WithLabelValues("badger", "set", "error").Inc()
		return err
	}
	OperationsTotal.WithLabelValues("badger", "set", "success").Inc()
	return nil
}

// Invalidate removes the entry under key.
func (b *Badger) Invalidate(_ context.Context, key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(b.makeKey(key))
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		OperationsTotal.WithLabelValues("badger", "invalidate", "error").Inc()
		return err
	}
	OperationsTotal.WithLabelValues("badger", "invalidate", "success").Inc()
	return nil
}

// InvalidatePattern removes all entries whose key starts with prefix.
func (b *Badger) InvalidatePattern(_ context.Context, prefix string) error {
	scanPrefix := b.makeKey(prefix)

	err := b.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = scanPrefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		var keysToDelete [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			key := make([]byte, len(it.Item().Key()))
			copy(key, it.Item().Key())
			keysToDelete = append(keysToDelete, key)
		}

		for _, key := range keysToDelete {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})

	if err != nil {
		OperationsTotal.WithLabelValues("badger", "invalidate_pattern", "error").Inc()
		return err
	}
	OperationsTotal.WithLabelValues("badger", "invalidate_pattern", "success").Inc()
	return nil
}

// Close is a no-op; the BadgerDB handle is owned by the caller.
func (b *Badger) Close() error {
	return nil
}
