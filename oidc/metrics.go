// Castellan - Keycloak Authentication and API-Key Management for Go Services
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

package oidc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// OIDC client metrics.
var (
	// DiscoveryFetchesTotal counts discovery-document fetches.
	DiscoveryFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oidc_discovery_fetches_total",
			Help: "Total number of OIDC discovery document fetches",
		},
		[]string{"outcome"}, // success, failure
	)

	// IssuerMismatchTotal counts discovery documents whose issuer differs
	// from the configured server URL + realm. A non-zero value usually
	// means a reverse proxy is rewriting the IdP's public URL.
	IssuerMismatchTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "oidc_discovery_issuer_mismatch_total",
			Help: "Total number of discovery documents with an unexpected issuer",
		},
	)

	// JWKSRefreshesTotal counts JWKS key-set refreshes.
	JWKSRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oidc_jwks_refreshes_total",
			Help: "Total number of JWKS refreshes",
		},
		[]string{"outcome"}, // success, failure, cooldown
	)

	// TokenValidationsTotal counts local token validations by outcome.
	TokenValidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oidc_token_validations_total",
			Help: "Total number of local JWT validations",
		},
		[]string{"outcome"}, // success, malformed, expired, replay, invalid
	)

	// TokenValidationCacheHitsTotal counts validations served from cache.
	TokenValidationCacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "oidc_token_validation_cache_hits_total",
			Help: "Total number of token validations served from the result cache",
		},
	)

	// GrantRequestsTotal counts token-endpoint requests by grant type.
	GrantRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oidc_grant_requests_total",
			Help: "Total number of token endpoint requests",
		},
		[]string{"grant", "outcome"},
	)

	// IntrospectionsTotal counts remote introspection calls.
	IntrospectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oidc_introspections_total",
			Help: "Total number of token introspection calls",
		},
		[]string{"outcome"}, // active, inactive, failure
	)

	// UserinfoRequestsTotal counts userinfo endpoint calls.
	UserinfoRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oidc_userinfo_requests_total",
			Help: "Total number of userinfo endpoint calls",
		},
		[]string{"outcome"}, // success, failure, cache_hit
	)

	// AdminTokenRefreshesTotal counts admin-token refreshes.
	AdminTokenRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oidc_admin_token_refreshes_total",
			Help: "Total number of admin service-token refreshes",
		},
		[]string{"outcome"}, // success, failure
	)

	// OfflineFallbacksTotal counts validations served by the resilience
	// wrapper while the IdP was considered offline.
	OfflineFallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oidc_offline_fallbacks_total",
			Help: "Total number of validations served from the offline cache",
		},
		[]string{"kind"}, // cached, anonymous
	)
)
