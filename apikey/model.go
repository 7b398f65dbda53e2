// Castellan - Keycloak Authentication and API-Key Management for Go Services
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

// Package apikey implements Castellan's first-party API-key credential
// system: key generation and hashing, a persistent repository with a
// write-through cache, the validation and revocation operations, and the
// usage-tracking and health-monitoring facade.
//
// The raw key is never stored. A row carries the bcrypt hash for the
// comparison and a deterministic key identifier for the index lookup; the
// preview is the only fragment ever shown to operators.
package apikey

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/castellan-io/castellan/auth"
)

// Key is one persisted API-key row.
type Key struct {
	// ID is the row's UUID primary key.
	ID string `json:"id" validate:"required,uuid4"`

	// Name is the operator-facing label.
	Name string `json:"name" validate:"required,max=255"`

	// KeyHash is the bcrypt hash of SHA-256(raw key).
	KeyHash string `json:"key_hash" validate:"required"`

	// KeyIdentifier is the deterministic index value derived from the raw
	// key. Unique across rows.
	KeyIdentifier string `json:"key_identifier" validate:"required,len=32,hexadecimal"`

	// KeyPreview is the first characters of the raw key, for display.
	KeyPreview string `json:"key_preview" validate:"required,max=16"`

	// UserID is the owning user.
	UserID string `json:"user_id" validate:"required"`

	// StoreID optionally scopes the key to a tenant store.
	StoreID string `json:"store_id,omitempty"`

	// Permissions are granted as-is to validations with this key.
	Permissions []string `json:"permissions"`

	// Scopes become the roles of validations with this key.
	Scopes []string `json:"scopes"`

	// LastUsedAt is the time of the last recorded use.
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`

	// UsageCount is the number of recorded uses.
	UsageCount int64 `json:"usage_count" validate:"gte=0"`

	// IsActive is false once the key is revoked.
	IsActive bool `json:"is_active"`

	// ExpiresAt optionally bounds the key's lifetime.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// RevokedAt and RevokedBy are set together on revocation.
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	RevokedBy string     `json:"revoked_by,omitempty"`

	// Metadata carries free-form audit context.
	Metadata map[string]string `json:"metadata,omitempty"`
}

var (
	validateOnce sync.Once
	rowValidator *validator.Validate
)

// Validate checks the row against the schema. A failure wraps
// auth.ErrMalformed.
func (k *Key) Validate() error {
	validateOnce.Do(func() {
		rowValidator = validator.New(validator.WithRequiredStructEnabled())
	})

	if err := rowValidator.Struct(k); err != nil {
		return fmt.Errorf("%w: %v", auth.ErrMalformed, err)
	}

	// Revocation state is consistent: an inactive row carries the
	// revocation timestamp, an active row does not.
	if !k.IsActive && k.RevokedAt == nil {
		return fmt.Errorf("%w: inactive row without revoked_at", auth.ErrMalformed)
	}
	if k.IsActive && k.RevokedAt != nil {
		return fmt.Errorf("%w: active row with revoked_at", auth.ErrMalformed)
	}
	return nil
}

// Revoked reports whether the key has been revoked.
func (k *Key) Revoked() bool {
	return !k.IsActive || k.RevokedAt != nil
}

// Expired reports whether the key is past its expiry at the given time.
func (k *Key) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// Clone returns a deep copy of the row.
func (k *Key) Clone() *Key {
	dup := *k
	dup.Permissions = append([]string(nil), k.Permissions...)
	dup.Scopes = append([]string(nil), k.Scopes...)
	if k.Metadata != nil {
		dup.Metadata = make(map[string]string, len(k.Metadata))
		for key, value := range k.Metadata {
			dup.Metadata[key] = value
		}
	}
	if k.LastUsedAt != nil {
		t := *k.LastUsedAt
		dup.LastUsedAt = &t
	}
	if k.ExpiresAt != nil {
		t := *k.ExpiresAt
		dup.ExpiresAt = &t
	}
	if k.RevokedAt != nil {
		t := *k.RevokedAt
		dup.RevokedAt = &t
	}
	return &dup
}

// Stats summarizes the key population.
type Stats struct {
	TotalKeys   int64 `json:"total_keys"`
	ActiveKeys  int64 `json:"active_keys"`
	RevokedKeys int64 `json:"revoked_keys"`
	ExpiredKeys int64 `json:"expired_keys"`
	TotalUsage  int64 `json:"total_usage"`
}

// UsageSummary aggregates usage analytics over the key population.
type UsageSummary struct {
	TotalKeys  int64 `json:"total_keys"`
	ActiveKeys int64 `json:"active_keys"`
	TotalUsage int64 `json:"total_usage"`

	// UsedRecently counts keys used within the last 24 hours.
	UsedRecently int64 `json:"used_recently"`

	// MostRecentUse is the latest recorded use across all keys.
	MostRecentUse *time.Time `json:"most_recent_use,omitempty"`
}

// KeyUsage is one entry in a most/least-used ranking.
type KeyUsage struct {
	KeyID      string     `json:"key_id"`
	Name       string     `json:"name"`
	UsageCount int64      `json:"usage_count"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}
