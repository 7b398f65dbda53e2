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
	"fmt"
	"sort"
	"time"

	"github.com/castellan-io/castellan/auth"
	"github.com/castellan-io/castellan/cache"
	"github.com/castellan-io/castellan/internal/logging"
)

const (
	// Raw key format bounds. Both bounds are inclusive.
	minKeyLength = 10
	maxKeyLength = 200

	// validationCachePrefix namespaces positive validation results. The
	// identifier segment lets revocation invalidate by prefix without
	// knowing the raw key.
	validationCachePrefix = "apikey:validation:"

	// defaultLookupTimeout bounds the identifier lookup on the hot path.
	defaultLookupTimeout = 5 * time.Second

	// defaultResultTTL bounds cached positive validation results.
	defaultResultTTL = 5 * time.Minute
)

// Security-analysis thresholds.
const (
	defaultUsageThreshold = 100
	defaultRotationAge    = 90 * 24 * time.Hour
	dormancyThreshold     = 90 * 24 * time.Hour
	ageRiskThreshold      = 180 * 24 * time.Hour
	ageHighRiskThreshold  = 365 * 24 * time.Hour
)

// Threat levels in ascending severity.
const (
	ThreatLow      = "low"
	ThreatMedium   = "medium"
	ThreatHigh     = "high"
	ThreatCritical = "critical"
)

// OperationsOptions tunes the operations layer. Zero values select
// defaults.
type OperationsOptions struct {
	// LookupTimeout bounds the storage lookup during validation.
	LookupTimeout time.Duration

	// ResultTTL bounds cached positive validation results.
	ResultTTL time.Duration

	// UsageThreshold is the recent-usage count above which a key is
	// considered high-risk.
	UsageThreshold int64

	// RotationAge is the key age above which rotation is recommended.
	RotationAge time.Duration
}

func (o *OperationsOptions) withDefaults() {
	if o.LookupTimeout <= 0 {
		o.LookupTimeout = defaultLookupTimeout
	}
	if o.ResultTTL <= 0 {
		o.ResultTTL = defaultResultTTL
	}
	if o.UsageThreshold <= 0 {
		o.UsageThreshold = defaultUsageThreshold
	}
	if o.RotationAge <= 0 {
		o.RotationAge = defaultRotationAge
	}
}

// Operations implements API-key validation, revocation and security
// analysis over the storage layer.
type Operations struct {
	storage  *Storage
	usage    *Monitor
	security *logging.SecurityLogger
	opts     OperationsOptions
}

// NewOperations creates the operations layer. The monitor is optional;
// without one validations are not usage-tracked.
func NewOperations(storage *Storage, usage *Monitor, opts OperationsOptions) *Operations {
	opts.withDefaults()
	return &Operations{
		storage:  storage,
		usage:    usage,
		security: logging.NewSecurityLogger(),
		opts:     opts,
	}
}

// checkKeyFormat enforces the raw key format: 10 to 200 characters from
// the base64url alphabet plus underscore and hyphen.
func checkKeyFormat(key string) bool {
	if len(key) < minKeyLength || len(key) > maxKeyLength {
		return false
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}

// validationCacheKey binds a cached result to both the identifier (for
// prefix invalidation) and a digest of the full raw key (so a different
// key with the same first 16 characters never hits).
func validationCacheKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return validationCachePrefix + KeyIdentifier(key) + ":" + hex.EncodeToString(sum[:])[:16]
}

// Validate authenticates a raw API key.
//
// The comparison always costs one bcrypt call, dummy-hashed when no row
// matched, so response time never reveals whether the identifier exists.
func (o *Operations) Validate(ctx context.Context, key string) *auth.Result {
	if !checkKeyFormat(key) {
		ValidationsTotal.WithLabelValues("malformed").Inc()
		return auth.FailErr(fmt.Errorf("%w: api key format", auth.ErrMalformed))
	}

	cacheKey := validationCacheKey(key)
	if cached := o.cachedResult(ctx, cacheKey); cached != nil {
		ValidationsTotal.WithLabelValues("success").Inc()
		return cached
	}

	lookupCtx, cancel := context.WithTimeout(ctx, o.opts.LookupTimeout)
	row, err := o.storage.FindByKeyIdentifier(lookupCtx, KeyIdentifier(key))
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(lookupCtx.Err(), context.DeadlineExceeded) {
			ValidationsTotal.WithLabelValues("timeout").Inc()
			return auth.FailErr(fmt.Errorf("%w: api key lookup", auth.ErrUpstreamTimeout))
		}
		ValidationsTotal.WithLabelValues("error").Inc()
		return auth.FailErr(fmt.Errorf("%w: api key lookup: %v", auth.ErrUpstream, err))
	}

	if row == nil {
		CompareDummy(key)
		ValidationsTotal.WithLabelValues("unknown").Inc()
		return auth.FailErr(errors.New("unknown api key"))
	}
	if !CompareKey(row.KeyHash, key) {
		ValidationsTotal.WithLabelValues("mismatch").Inc()
		return auth.FailErr(errors.New("api key mismatch"))
	}

	now := time.Now()
	if row.Revoked() {
		ValidationsTotal.WithLabelValues("revoked").Inc()
		return auth.FailErr(fmt.Errorf("%w: api key %s", auth.ErrRevoked, row.ID))
	}
	if row.Expired(now) {
		ValidationsTotal.WithLabelValues("expired").Inc()
		return auth.FailErr(fmt.Errorf("%w: api key %s", auth.ErrExpired, row.ID))
	}

	if o.usage != nil {
		o.usage.TrackUsage(row.ID)
	}

	result := o.buildResult(row)
	o.cacheResult(ctx, cacheKey, result, row)
	ValidationsTotal.WithLabelValues("success").Inc()
	return result
}

// buildResult maps a row to the normalized authentication result: the
// owner is the subject, scopes become roles, permissions pass through.
func (o *Operations) buildResult(row *Key) *auth.Result {
	user := &auth.UserInfo{
		ID:          row.UserID,
		Roles:       normalizeSet(row.Scopes),
		Permissions: normalizeSet(row.Permissions),
	}
	if row.StoreID != "" {
		user.Metadata = map[string]string{"store_id": row.StoreID}
	}

	var expiresAt time.Time
	if row.ExpiresAt != nil {
		expiresAt = *row.ExpiresAt
	}

	result := auth.Succeed(user, "", expiresAt)
	result.Scopes = normalizeSet(row.Scopes)
	return result
}

func normalizeSet(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item == "" {
			continue
		}
		if _, dup := seen[item]; dup {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	sort.Strings(out)
	return out
}

func (o *Operations) cachedResult(ctx context.Context, cacheKey string) *auth.Result {
	svc := o.storage.Cache()
	if svc == nil {
		return nil
	}

	blob, ok, err := svc.Get(ctx, cacheKey)
	if err != nil {
		ValidationCacheTotal.WithLabelValues("error").Inc()
		return nil
	}
	if !ok {
		ValidationCacheTotal.WithLabelValues("miss").Inc()
		return nil
	}

	var result auth.Result
	if err := cache.Open(blob, &result); err != nil {
		ValidationCacheTotal.WithLabelValues("error").Inc()
		_ = svc.Invalidate(ctx, cacheKey)
		return nil
	}
	if !result.Success {
		return nil
	}
	if !result.ExpiresAt.IsZero() && !time.Now().Before(result.ExpiresAt) {
		ValidationCacheTotal.WithLabelValues("miss").Inc()
		_ = svc.Invalidate(ctx, cacheKey)
		return nil
	}

	ValidationCacheTotal.WithLabelValues("hit").Inc()
	result.FromCache = true
	return &result
}

func (o *Operations) cacheResult(ctx context.Context, cacheKey string, result *auth.Result, row *Key) {
	svc := o.storage.Cache()
	if svc == nil {
		return
	}

	ttl := o.opts.ResultTTL
	if row.ExpiresAt != nil {
		if until := time.Until(*row.ExpiresAt); until < ttl {
			ttl = until
		}
	}
	if ttl <= 0 {
		return
	}

	blob, err := cache.Seal(result)
	if err != nil {
		return
	}
	if err := svc.Set(ctx, cacheKey, blob, ttl); err != nil {
		ValidationCacheTotal.WithLabelValues("error").Inc()
	}
}

// RevocationRequest describes one key revocation.
type RevocationRequest struct {
	KeyID     string
	RevokedBy string
	Reason    string
	Metadata  map[string]string
}

// Revoke marks the key revoked and invalidates every cache entry that
// could still serve it. Revoking a missing or already-revoked key
// returns auth.ErrAlreadyRevoked.
func (o *Operations) Revoke(ctx context.Context, req RevocationRequest) error {
	row, err := o.storage.GetByID(ctx, req.KeyID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			RevocationsTotal.WithLabelValues("already_revoked").Inc()
			return fmt.Errorf("%w: api key %s", auth.ErrAlreadyRevoked, req.KeyID)
		}
		RevocationsTotal.WithLabelValues("error").Inc()
		return err
	}
	if row.Revoked() {
		RevocationsTotal.WithLabelValues("already_revoked").Inc()
		return fmt.Errorf("%w: api key %s", auth.ErrAlreadyRevoked, req.KeyID)
	}

	now := time.Now()
	updated := row.Clone()
	updated.IsActive = false
	updated.RevokedAt = &now
	updated.RevokedBy = req.RevokedBy
	if len(req.Metadata) > 0 || req.Reason != "" {
		if updated.Metadata == nil {
			updated.Metadata = make(map[string]string, len(req.Metadata)+1)
		}
		for k, v := range req.Metadata {
			updated.Metadata[k] = v
		}
		if req.Reason != "" {
			updated.Metadata["revocation_reason"] = req.Reason
		}
	}

	if err := o.storage.Update(ctx, updated); err != nil {
		RevocationsTotal.WithLabelValues("error").Inc()
		return err
	}

	o.storage.InvalidateValidation(ctx, row.KeyIdentifier)

	RevocationsTotal.WithLabelValues("success").Inc()
	o.security.LogEvent(&logging.SecurityEvent{
		Event:    "key_revocation",
		Severity: "medium",
		UserID:   row.UserID,
		Subject:  row.ID,
		Provider: "apikey",
		Success:  true,
		Details:  map[string]string{"revoked_by": req.RevokedBy, "reason": req.Reason},
	})
	return nil
}

// SecurityAnalysis grades one key's risk posture.
type SecurityAnalysis struct {
	KeyID string `json:"key_id"`

	// AgeDays is the key's age in whole days.
	AgeDays int `json:"age_days"`

	// UsageCount is the recorded usage.
	UsageCount int64 `json:"usage_count"`

	// DaysSinceLastUse is -1 for a never-used key.
	DaysSinceLastUse int `json:"days_since_last_use"`

	// RiskScore is the weighted sum behind the threat level.
	RiskScore int `json:"risk_score"`

	// ThreatLevel is low, medium, high or critical.
	ThreatLevel string `json:"threat_level"`

	Recommendations []string `json:"recommendations"`
}

// AnalyzeKeySecurity grades the key's risk from its age, usage volume
// and dormancy, and produces deterministic recommendations.
func (o *Operations) AnalyzeKeySecurity(ctx context.Context, keyID string) (*SecurityAnalysis, error) {
	row, err := o.storage.GetByID(ctx, keyID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	age := now.Sub(row.CreatedAt)

	analysis := &SecurityAnalysis{
		KeyID:            row.ID,
		AgeDays:          int(age.Hours() / 24),
		UsageCount:       row.UsageCount,
		DaysSinceLastUse: -1,
	}

	var dormancy time.Duration
	if row.LastUsedAt != nil {
		dormancy = now.Sub(*row.LastUsedAt)
		analysis.DaysSinceLastUse = int(dormancy.Hours() / 24)
	}

	score := 0
	switch {
	case age > ageHighRiskThreshold:
		score += 2
	case age > ageRiskThreshold:
		score++
	}
	if row.UsageCount > o.opts.UsageThreshold {
		score += 2
	}
	if row.LastUsedAt != nil && dormancy > dormancyThreshold {
		score++
	}
	analysis.RiskScore = score

	switch {
	case score >= 4:
		analysis.ThreatLevel = ThreatCritical
	case score >= 3:
		analysis.ThreatLevel = ThreatHigh
	case score >= 2:
		analysis.ThreatLevel = ThreatMedium
	default:
		analysis.ThreatLevel = ThreatLow
	}

	if analysis.ThreatLevel == ThreatHigh || analysis.ThreatLevel == ThreatCritical {
		analysis.Recommendations = append(analysis.Recommendations,
			"revoke this key immediately and issue a replacement")
	}
	if age > o.opts.RotationAge {
		analysis.Recommendations = append(analysis.Recommendations,
			"rotate this key; it exceeds the rotation window")
	}
	if row.UsageCount > o.opts.UsageThreshold {
		analysis.Recommendations = append(analysis.Recommendations,
			"usage is unusually high; review the key's consumers")
	}
	if row.LastUsedAt != nil && dormancy > dormancyThreshold {
		analysis.Recommendations = append(analysis.Recommendations,
			"key is dormant; revoke it if no longer needed")
	}

	return analysis, nil
}
