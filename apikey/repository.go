// Castellan - Keycloak Authentication and API-Key Management for Go Services
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

package apikey

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/castellan-io/castellan/auth"
)

// Repository is the persistent API-key store capability.
// All implementations are safe for concurrent use and offer linearizable
// single-row semantics, which revocation depends on.
type Repository interface {
	// Create persists a new row. A duplicate ID or key identifier
	// returns an error wrapping auth.ErrConflict.
	Create(ctx context.Context, key *Key) error

	// GetByID returns the row, or an error wrapping auth.ErrNotFound.
	GetByID(ctx context.Context, id string) (*Key, error)

	// FindByKeyIdentifier returns the row indexed under the identifier,
	// or nil without error when no row matches.
	FindByKeyIdentifier(ctx context.Context, identifier string) (*Key, error)

	// FindByUser returns all rows owned by the user.
	FindByUser(ctx context.Context, userID string) ([]*Key, error)

	// FindActiveByUser returns the user's unrevoked, unexpired rows.
	FindActiveByUser(ctx context.Context, userID string) ([]*Key, error)

	// Update replaces an existing row. The key identifier is immutable.
	Update(ctx context.Context, key *Key) error

	// RevokeByID marks the row revoked. Revoking a revoked or missing
	// row returns an error wrapping auth.ErrAlreadyRevoked.
	RevokeByID(ctx context.Context, id, revokedBy string) error

	// UpdateLastUsed stamps the row's last-used time.
	UpdateLastUsed(ctx context.Context, id string, at time.Time) error

	// IncrementUsageCount adds n uses to the row and stamps last-used.
	IncrementUsageCount(ctx context.Context, id string, n int64) error

	// BatchIncrementUsageCount applies one atomic increment per key.
	// Unknown IDs are skipped, not errors; the owning keys may have been
	// deleted between enqueue and flush.
	BatchIncrementUsageCount(ctx context.Context, increments map[string]int64) error

	// GetStats summarizes the key population.
	GetStats(ctx context.Context) (*Stats, error)

	// GetUsageAnalyticsSummary aggregates usage analytics.
	GetUsageAnalyticsSummary(ctx context.Context) (*UsageSummary, error)

	// GetMostUsedKeys ranks keys by descending usage.
	GetMostUsedKeys(ctx context.Context, limit int) ([]*KeyUsage, error)

	// GetLeastUsedKeys ranks keys by ascending usage.
	GetLeastUsedKeys(ctx context.Context, limit int) ([]*KeyUsage, error)

	// Count returns the total number of rows. Doubles as the liveness
	// probe for health checks.
	Count(ctx context.Context) (int64, error)

	// Close releases resources.
	Close() error
}

// Badger key layout. Rows live under the row prefix; the identifier and
// user prefixes hold index entries pointing at row IDs.
const (
	rowPrefix   = "ak:row:"
	identPrefix = "ak:ident:"
	userPrefix  = "ak:user:"
)

// BadgerRepository is a BadgerDB-backed Repository. The DB handle is
// shared with other components and not closed here.
type BadgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository creates a BadgerDB-backed repository.
func NewBadgerRepository(db *badger.DB) *BadgerRepository {
	return &BadgerRepository{db: db}
}

func rowKey(id string) []byte      { return []byte(rowPrefix + id) }
func identKey(ident string) []byte { return []byte(identPrefix + ident) }

func userKey(userID, id string) []byte {
	return []byte(userPrefix + userID + ":" + id)
}

func putRow(txn *badger.Txn, key *Key) error {
	data, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("marshal api key row: %w", err)
	}
	return txn.Set(rowKey(key.ID), data)
}

func getRow(txn *badger.Txn, id string) (*Key, error) {
	item, err := txn.Get(rowKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: api key %s", auth.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	var key Key
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &key)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal api key row: %w", err)
	}
	return &key, nil
}

// Create persists the row and its index entries in one transaction.
func (r *BadgerRepository) Create(_ context.Context, key *Key) error {
	return r.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(rowKey(key.ID)); err == nil {
			return fmt.Errorf("%w: id %s", auth.ErrConflict, key.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if _, err := txn.Get(identKey(key.KeyIdentifier)); err == nil {
			return fmt.Errorf("%w: identifier %s", auth.ErrConflict, key.KeyIdentifier)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if err := putRow(txn, key); err != nil {
			return err
		}
		if err := txn.Set(identKey(key.KeyIdentifier), []byte(key.ID)); err != nil {
			return err
		}
		return txn.Set(userKey(key.UserID, key.ID), nil)
	})
}

// GetByID returns the row by primary key.
func (r *BadgerRepository) GetByID(_ context.Context, id string) (*Key, error) {
	var key *Key
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		key, err = getRow(txn, id)
		return err
	})
	return key, err
}

// FindByKeyIdentifier resolves the identifier index to a row.
func (r *BadgerRepository) FindByKeyIdentifier(_ context.Context, identifier string) (*Key, error) {
	var key *Key
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(identKey(identifier))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		var id string
		if err := item.Value(func(val []byte) error {
			id = string(val)
			return nil
		}); err != nil {
			return err
		}

		key, err = getRow(txn, id)
		if errors.Is(err, auth.ErrNotFound) {
			// Dangling index entry; treat as no match.
			key = nil
			return nil
		}
		return err
	})
	return key, err
}

// FindByUser returns all rows owned by the user, newest first.
func (r *BadgerRepository) FindByUser(_ context.Context, userID string) ([]*Key, error) {
	var keys []*Key
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(userPrefix + userID + ":")
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			id := string(it.Item().Key()[len(opts.Prefix):])
			key, err := getRow(txn, id)
			if errors.Is(err, auth.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(keys, func(i, j int) bool {
		return keys[i].CreatedAt.After(keys[j].CreatedAt)
	})
	return keys, nil
}

// FindActiveByUser returns the user's unrevoked, unexpired rows.
func (r *BadgerRepository) FindActiveByUser(ctx context.Context, userID string) ([]*Key, error) {
	all, err := r.FindByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	active := make([]*Key, 0, len(all))
	for _, key := range all {
		if !key.Revoked() && !key.Expired(now) {
			active = append(active, key)
		}
	}
	return active, nil
}

// Update replaces the row. The identifier and owner indexes are keyed by
// immutable fields, so only the row blob changes.
func (r *BadgerRepository) Update(_ context.Context, key *Key) error {
	return r.db.Update(func(txn *badger.Txn) error {
		existing, err := getRow(txn, key.ID)
		if err != nil {
			return err
		}
		if existing.KeyIdentifier != key.KeyIdentifier {
			return fmt.Errorf("%w: key identifier is immutable", auth.ErrMalformed)
		}
		key.UpdatedAt = time.Now()
		return putRow(txn, key)
	})
}

// RevokeByID marks the row revoked in one transaction.
func (r *BadgerRepository) RevokeByID(_ context.Context, id, revokedBy string) error {
	return r.db.Update(func(txn *badger.Txn) error {
		key, err := getRow(txn, id)
		if errors.Is(err, auth.ErrNotFound) {
			return fmt.Errorf("%w: api key %s", auth.ErrAlreadyRevoked, id)
		}
		if err != nil {
			return err
		}
		if key.Revoked() {
			return fmt.Errorf("%w: api key %s", auth.ErrAlreadyRevoked, id)
		}

		now := time.Now()
		key.IsActive = false
		key.RevokedAt = &now
		key.RevokedBy = revokedBy
		key.UpdatedAt = now
		return putRow(txn, key)
	})
}

// UpdateLastUsed stamps the last-used time.
func (r *BadgerRepository) UpdateLastUsed(_ context.Context, id string, at time.Time) error {
	return r.db.Update(func(txn *badger.Txn) error {
		key, err := getRow(txn, id)
		if err != nil {
			return err
		}
		key.LastUsedAt = &at
		key.UpdatedAt = time.Now()
		return putRow(txn, key)
	})
}

// IncrementUsageCount adds n uses and stamps last-used.
func (r *BadgerRepository) IncrementUsageCount(ctx context.Context, id string, n int64) error {
	return r.BatchIncrementUsageCount(ctx, map[string]int64{id: n})
}

// BatchIncrementUsageCount applies one increment per key in a single
// transaction, so a flush is all-or-nothing.
func (r *BadgerRepository) BatchIncrementUsageCount(_ context.Context, increments map[string]int64) error {
	if len(increments) == 0 {
		return nil
	}

	now := time.Now()
	return r.db.Update(func(txn *badger.Txn) error {
		for id, n := range increments {
			key, err := getRow(txn, id)
			if errors.Is(err, auth.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}

			key.UsageCount += n
			key.LastUsedAt = &now
			key.UpdatedAt = now
			if err := putRow(txn, key); err != nil {
				return err
			}
		}
		return nil
	})
}

// forEachRow streams every row through fn.
func (r *BadgerRepository) forEachRow(fn func(*Key) error) error {
	return r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(rowPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var key Key
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &key)
			}); err != nil {
				return err
			}
			if err := fn(&key); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetStats summarizes the key population in one scan.
func (r *BadgerRepository) GetStats(_ context.Context) (*Stats, error) {
	stats := &Stats{}
	now := time.Now()

	err := r.forEachRow(func(key *Key) error {
		stats.TotalKeys++
		stats.TotalUsage += key.UsageCount
		switch {
		case key.Revoked():
			stats.RevokedKeys++
		case key.Expired(now):
			stats.ExpiredKeys++
		default:
			stats.ActiveKeys++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// GetUsageAnalyticsSummary aggregates usage analytics in one scan.
func (r *BadgerRepository) GetUsageAnalyticsSummary(_ context.Context) (*UsageSummary, error) {
	summary := &UsageSummary{}
	now := time.Now()
	recentCutoff := now.Add(-24 * time.Hour)

	err := r.forEachRow(func(key *Key) error {
		summary.TotalKeys++
		summary.TotalUsage += key.UsageCount
		if !key.Revoked() && !key.Expired(now) {
			summary.ActiveKeys++
		}
		if key.LastUsedAt != nil {
			if key.LastUsedAt.After(recentCutoff) {
				summary.UsedRecently++
			}
			if summary.MostRecentUse == nil || key.LastUsedAt.After(*summary.MostRecentUse) {
				t := *key.LastUsedAt
				summary.MostRecentUse = &t
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return summary, nil
}

func (r *BadgerRepository) rankedUsage(limit int, desc bool) ([]*KeyUsage, error) {
	var entries []*KeyUsage
	err := r.forEachRow(func(key *Key) error {
		entries = append(entries, &KeyUsage{
			KeyID:      key.ID,
			Name:       key.Name,
			UsageCount: key.UsageCount,
			LastUsedAt: key.LastUsedAt,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		if desc {
			return entries[i].UsageCount > entries[j].UsageCount
		}
		return entries[i].UsageCount < entries[j].UsageCount
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// GetMostUsedKeys ranks keys by descending usage.
func (r *BadgerRepository) GetMostUsedKeys(_ context.Context, limit int) ([]*KeyUsage, error) {
	return r.rankedUsage(limit, true)
}

// GetLeastUsedKeys ranks keys by ascending usage.
func (r *BadgerRepository) GetLeastUsedKeys(_ context.Context, limit int) ([]*KeyUsage, error) {
	return r.rankedUsage(limit, false)
}

// Count returns the number of rows by key iteration.
func (r *BadgerRepository) Count(_ context.Context) (int64, error) {
	var count int64
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(rowPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Close is a no-op; the shared DB handle stays open.
func (r *BadgerRepository) Close() error { return nil }
