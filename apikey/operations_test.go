// Castellan - Keycloak Authentication and API-Key Management for Go Services
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

package apikey

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/castellan-io/castellan/auth"
)

func newTestOperations(t *testing.T, repo Repository) (*Operations, *Storage) {
	t.Helper()

	storage := newTestStorage(t, repo)
	ops := NewOperations(storage, nil, OperationsOptions{})
	return ops, storage
}

func TestValidateKeyLifecycle(t *testing.T) {
	t.Parallel()

	repo := &countingRepo{Repository: newTestRepo(t)}
	ops, storage := newTestOperations(t, repo)
	ctx := context.Background()

	key, raw := newTestKey(t, "u1")
	if err := storage.Create(ctx, key); err != nil {
		t.Fatal(err)
	}

	result := ops.Validate(ctx, raw)
	if !result.Success {
		t.Fatalf("Validate() failed: %s", result.Error)
	}
	if result.User.ID != "u1" {
		t.Errorf("user ID = %q, want u1", result.User.ID)
	}
	if len(result.User.Roles) != 2 || result.User.Roles[0] != "read" || result.User.Roles[1] != "write" {
		t.Errorf("roles = %v, want scopes [read write]", result.User.Roles)
	}
	if len(result.User.Permissions) != 1 || result.User.Permissions[0] != "orders:read" {
		t.Errorf("permissions = %v", result.User.Permissions)
	}
	if result.FromCache {
		t.Error("first validation must not come from cache")
	}

	// Second validation is served from the result cache.
	cached := ops.Validate(ctx, raw)
	if !cached.Success || !cached.FromCache {
		t.Errorf("second validation = success %v, fromCache %v", cached.Success, cached.FromCache)
	}
	if repo.finds.Load() != 1 {
		t.Errorf("identifier lookups = %d, want 1", repo.finds.Load())
	}

	// Revocation invalidates the cached result immediately.
	if err := ops.Revoke(ctx, RevocationRequest{KeyID: key.ID, RevokedBy: "admin", Reason: "compromised"}); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}

	revoked := ops.Validate(ctx, raw)
	if revoked.Success {
		t.Fatal("revoked key must not validate")
	}
	if revoked.Error != auth.ErrRevoked.Error() {
		t.Errorf("error = %q, want %q", revoked.Error, auth.ErrRevoked.Error())
	}

	// Second revocation reports the key as already revoked.
	if err := ops.Revoke(ctx, RevocationRequest{KeyID: key.ID, RevokedBy: "admin"}); !errors.Is(err, auth.ErrAlreadyRevoked) {
		t.Errorf("second Revoke() error = %v, want ErrAlreadyRevoked", err)
	}
}

func TestValidateFormatBounds(t *testing.T) {
	t.Parallel()

	ops, _ := newTestOperations(t, newTestRepo(t))
	ctx := context.Background()

	tests := []struct {
		name string
		key  string
		ok   bool
	}{
		{"nine chars", strings.Repeat("a", 9), false},
		{"ten chars", strings.Repeat("a", 10), true},
		{"two hundred chars", strings.Repeat("a", 200), true},
		{"two hundred one chars", strings.Repeat("a", 201), false},
		{"empty", "", false},
		{"illegal characters", "ak_abc+def==", false},
		{"whitespace", "ak_abc def1", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			result := ops.Validate(ctx, tt.key)
			if result.Success {
				t.Fatal("unknown key must never validate")
			}
			isFormat := result.Error == auth.ErrMalformed.Error()
			if tt.ok && isFormat {
				t.Errorf("key %q rejected as malformed", tt.key)
			}
			if !tt.ok && !isFormat {
				t.Errorf("key %q error = %q, want format rejection", tt.key, result.Error)
			}
		})
	}
}

func TestValidateUnknownKeyIsGeneric(t *testing.T) {
	t.Parallel()

	ops, _ := newTestOperations(t, newTestRepo(t))

	result := ops.Validate(context.Background(), Generate(""))
	if result.Success {
		t.Fatal("unknown key must not validate")
	}
	// Unknown keys and wrong keys collapse to the same opaque message.
	if result.Error != "authentication failed" {
		t.Errorf("error = %q, want generic failure", result.Error)
	}
}

func TestValidateWrongKeySameIdentifier(t *testing.T) {
	t.Parallel()

	ops, storage := newTestOperations(t, newTestRepo(t))
	ctx := context.Background()

	key, raw := newTestKey(t, "u1")
	if err := storage.Create(ctx, key); err != nil {
		t.Fatal(err)
	}

	// Same first 16 chars, different tail: identifier matches, hash does not.
	wrong := raw[:16] + strings.Repeat("x", len(raw)-16)
	result := ops.Validate(ctx, wrong)
	if result.Success {
		t.Fatal("wrong key must not validate")
	}
	if result.Error != "authentication failed" {
		t.Errorf("error = %q, want generic failure", result.Error)
	}
}

func TestValidateExpiredKey(t *testing.T) {
	t.Parallel()

	ops, storage := newTestOperations(t, newTestRepo(t))
	ctx := context.Background()

	key, raw := newTestKey(t, "u1")
	past := time.Now().Add(-time.Minute)
	key.ExpiresAt = &past
	if err := storage.Create(ctx, key); err != nil {
		t.Fatal(err)
	}

	result := ops.Validate(ctx, raw)
	if result.Success {
		t.Fatal("expired key must not validate")
	}
	if result.Error != auth.ErrExpired.Error() {
		t.Errorf("error = %q, want %q", result.Error, auth.ErrExpired.Error())
	}
}

func TestValidateLookupTimeout(t *testing.T) {
	t.Parallel()

	ops, _ := newTestOperations(t, &stalledRepo{Repository: newTestRepo(t)})
	ops.opts.LookupTimeout = 20 * time.Millisecond

	result := ops.Validate(context.Background(), Generate(""))
	if result.Success {
		t.Fatal("timed-out lookup must not validate")
	}
	if result.Error != auth.ErrUpstreamTimeout.Error() {
		t.Errorf("error = %q, want %q", result.Error, auth.ErrUpstreamTimeout.Error())
	}
}

// stalledRepo blocks identifier lookups until the context expires.
type stalledRepo struct {
	Repository
}

func (r *stalledRepo) FindByKeyIdentifier(ctx context.Context, _ string) (*Key, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRevokeMergesMetadata(t *testing.T) {
	t.Parallel()

	ops, storage := newTestOperations(t, newTestRepo(t))
	ctx := context.Background()

	key, _ := newTestKey(t, "u1")
	key.Metadata = map[string]string{"env": "prod"}
	if err := storage.Create(ctx, key); err != nil {
		t.Fatal(err)
	}

	err := ops.Revoke(ctx, RevocationRequest{
		KeyID:     key.ID,
		RevokedBy: "secops",
		Reason:    "rotation",
		Metadata:  map[string]string{"ticket": "SEC-42"},
	})
	if err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}

	got, err := storage.GetByID(ctx, key.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.IsActive || got.RevokedAt == nil || got.RevokedBy != "secops" {
		t.Errorf("row after revoke = %+v", got)
	}
	if got.Metadata["env"] != "prod" || got.Metadata["ticket"] != "SEC-42" {
		t.Errorf("metadata = %v, existing entries must survive the merge", got.Metadata)
	}
	if got.Metadata["revocation_reason"] != "rotation" {
		t.Errorf("metadata = %v, reason must be recorded", got.Metadata)
	}
}

func TestRevokeMissingKey(t *testing.T) {
	t.Parallel()

	ops, _ := newTestOperations(t, newTestRepo(t))

	err := ops.Revoke(context.Background(), RevocationRequest{KeyID: "2b1e8a1c-0000-4000-8000-000000000000"})
	if !errors.Is(err, auth.ErrAlreadyRevoked) {
		t.Errorf("error = %v, want ErrAlreadyRevoked", err)
	}
}

func TestAnalyzeKeySecurity(t *testing.T) {
	t.Parallel()

	ops, storage := newTestOperations(t, newTestRepo(t))
	ctx := context.Background()
	now := time.Now()

	tests := []struct {
		name       string
		age        time.Duration
		usage      int64
		lastUsed   time.Duration // zero means never used
		wantScore  int
		wantThreat string
	}{
		{"fresh key", 24 * time.Hour, 5, time.Hour, 0, ThreatLow},
		{"aging key", 200 * 24 * time.Hour, 5, time.Hour, 1, ThreatLow},
		{"old dormant key", 400 * 24 * time.Hour, 5, 100 * 24 * time.Hour, 3, ThreatHigh},
		{"old busy dormant key", 400 * 24 * time.Hour, 500, 100 * 24 * time.Hour, 5, ThreatCritical},
		{"busy key", 30 * 24 * time.Hour, 500, time.Hour, 2, ThreatMedium},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, _ := newTestKey(t, "u1")
			key.CreatedAt = now.Add(-tt.age)
			key.UsageCount = tt.usage
			if tt.lastUsed > 0 {
				used := now.Add(-tt.lastUsed)
				key.LastUsedAt = &used
			}
			if err := storage.Create(ctx, key); err != nil {
				t.Fatal(err)
			}

			analysis, err := ops.AnalyzeKeySecurity(ctx, key.ID)
			if err != nil {
				t.Fatalf("AnalyzeKeySecurity() error = %v", err)
			}
			if analysis.RiskScore != tt.wantScore {
				t.Errorf("risk score = %d, want %d", analysis.RiskScore, tt.wantScore)
			}
			if analysis.ThreatLevel != tt.wantThreat {
				t.Errorf("threat level = %q, want %q", analysis.ThreatLevel, tt.wantThreat)
			}
		})
	}
}

func TestAnalyzeKeySecurityRecommendations(t *testing.T) {
	t.Parallel()

	ops, storage := newTestOperations(t, newTestRepo(t))
	ctx := context.Background()

	key, _ := newTestKey(t, "u1")
	key.CreatedAt = time.Now().Add(-400 * 24 * time.Hour)
	key.UsageCount = 500
	used := time.Now().Add(-100 * 24 * time.Hour)
	key.LastUsedAt = &used
	if err := storage.Create(ctx, key); err != nil {
		t.Fatal(err)
	}

	analysis, err := ops.AnalyzeKeySecurity(ctx, key.ID)
	if err != nil {
		t.Fatal(err)
	}
	if analysis.ThreatLevel != ThreatCritical {
		t.Fatalf("threat level = %q", analysis.ThreatLevel)
	}

	joined := strings.Join(analysis.Recommendations, "\n")
	for _, want := range []string{"revoke this key immediately", "rotate this key", "dormant"} {
		if !strings.Contains(joined, want) {
			t.Errorf("recommendations %v missing %q", analysis.Recommendations, want)
		}
	}
	if analysis.DaysSinceLastUse != 100 {
		t.Errorf("days since last use = %d, want 100", analysis.DaysSinceLastUse)
	}
}
