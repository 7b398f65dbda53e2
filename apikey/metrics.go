// Castellan - Keycloak Authentication and API-Key Management for Go Services
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

package apikey

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// API-key metrics.
var (
	// KeysGeneratedTotal counts key generations by entropy source.
	// Any fallback or emergency generation warrants investigation.
	KeysGeneratedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apikey_keys_generated_total",
			Help: "Total number of API keys generated",
		},
		[]string{"source"}, // secure, fallback, emergency
	)

	// ValidationsTotal counts key validations by outcome.
	ValidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apikey_validations_total",
			Help: "Total number of API key validations",
		},
		[]string{"outcome"}, // success, malformed, unknown, mismatch, revoked, expired, timeout, error
	)

	// ValidationCacheTotal counts validation-result cache lookups.
	ValidationCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apikey_validation_cache_total",
			Help: "Total number of validation cache lookups",
		},
		[]string{"outcome"}, // hit, miss, error
	)

	// StorageCacheTotal counts row-cache lookups on the storage read path.
	StorageCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apikey_storage_cache_total",
			Help: "Total number of API key storage cache lookups",
		},
		[]string{"outcome"}, // hit, miss, error
	)

	// StorageRetriesTotal counts retried persistence attempts by operation.
	StorageRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apikey_storage_retries_total",
			Help: "Total number of retried API key persistence attempts",
		},
		[]string{"operation"},
	)

	// CacheCleanupsScheduledTotal counts cleanup hooks fired when the row
	// cache passes its occupancy threshold.
	CacheCleanupsScheduledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "apikey_cache_cleanups_scheduled_total",
			Help: "Total number of API key cache cleanups scheduled",
		},
	)

	// RevocationsTotal counts revocations by outcome.
	RevocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apikey_revocations_total",
			Help: "Total number of API key revocations",
		},
		[]string{"outcome"}, // success, already_revoked, error
	)

	// UsageFlushesTotal counts usage batch flushes by outcome.
	UsageFlushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apikey_usage_flushes_total",
			Help: "Total number of API key usage batch flushes",
		},
		[]string{"outcome"}, // success, failure
	)

	// UsageUpdatesDroppedTotal counts usage updates lost after a failed
	// flush exceeded the bounded requeue.
	UsageUpdatesDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "apikey_usage_updates_dropped_total",
			Help: "Total number of API key usage updates dropped",
		},
	)

	// PendingUsageUpdates tracks the current size of the pending usage map.
	PendingUsageUpdates = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "apikey_pending_usage_updates",
			Help: "Current number of pending API key usage updates",
		},
	)

	// HealthChecksTotal counts system health checks by resulting status.
	HealthChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apikey_health_checks_total",
			Help: "Total number of API key subsystem health checks",
		},
		[]string{"status"}, // healthy, degraded, unhealthy, critical
	)
)
