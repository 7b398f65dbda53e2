// Castellan - Keycloak Authentication and API-Key Management for Go Services
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

package entropy

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SelfTestsTotal counts entropy self-test executions by resulting status.
var SelfTestsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "entropy_self_tests_total",
		Help: "Total number of entropy self-test runs",
	},
	[]string{"status"},
)

// Self-test status values.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusFailed   = "failed"
)

// SelfTestConfig tunes the entropy self-test.
type SelfTestConfig struct {
	// TestCount is the number of independent generations. Default 5.
	TestCount int

	// SampleSize is the bytes per generation. Default 32.
	SampleSize int

	// QualityThreshold is the minimum quality score percentage below
	// which the source is graded degraded. Default 80.
	QualityThreshold float64

	// MaxGenerationTime is the average generation time above which the
	// source is graded degraded. Default 100ms.
	MaxGenerationTime time.Duration
}

// DefaultSelfTestConfig returns the default self-test configuration.
func DefaultSelfTestConfig() SelfTestConfig {
	return SelfTestConfig{
		TestCount:         5,
		SampleSize:        32,
		QualityThreshold:  80,
		MaxGenerationTime: 100 * time.Millisecond,
	}
}

// SelfTestResult reports the outcome of an entropy self-test.
type SelfTestResult struct {
	// Status is healthy, degraded, or failed.
	Status string `json:"status"`

	// TestRuns is the number of generations attempted.
	TestRuns int `json:"test_runs"`

	// SuccessfulRuns is the number of generations that produced bytes.
	SuccessfulRuns int `json:"successful_runs"`

	// QualityScore is the percentage of successful runs that also passed
	// the statistical quality checks.
	QualityScore float64 `json:"quality_score"`

	// AverageGenerationTime is the mean wall time per generation.
	AverageGenerationTime time.Duration `json:"average_generation_time"`

	// Recommendations lists human-readable follow-ups.
	Recommendations []string `json:"recommendations,omitempty"`
}

// SelfTest runs timed generations and grades the entropy source.
//
// Status mapping: zero successful runs is failed; a quality score below the
// threshold or an average generation time above the limit is degraded;
// anything else is healthy. The threshold itself passes (80% at a threshold
// of 80 is healthy).
func SelfTest(cfg SelfTestConfig) *SelfTestResult {
	if cfg.TestCount <= 0 {
		cfg.TestCount = 5
	}
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = 32
	}
	if cfg.QualityThreshold <= 0 {
		cfg.QualityThreshold = 80
	}
	if cfg.MaxGenerationTime <= 0 {
		cfg.MaxGenerationTime = 100 * time.Millisecond
	}

	result := &SelfTestResult{TestRuns: cfg.TestCount}

	var totalTime time.Duration
	qualityPasses := 0

	for i := 0; i < cfg.TestCount; i++ {
		start := time.Now()
		sample, err := Generate(cfg.SampleSize)
		totalTime += time.Since(start)

		if err != nil {
			continue
		}
		result.SuccessfulRuns++
		if Grade(sample).Passed() {
			qualityPasses++
		}
	}

	result.AverageGenerationTime = totalTime / time.Duration(cfg.TestCount)

	if result.SuccessfulRuns > 0 {
		result.QualityScore = float64(qualityPasses) / float64(result.SuccessfulRuns) * 100
	}

	switch {
	case result.SuccessfulRuns == 0:
		result.Status = StatusFailed
		result.Recommendations = append(result.Recommendations,
			"Secure entropy source is unavailable; check the host RNG (/dev/urandom)")
	case result.QualityScore < cfg.QualityThreshold:
		result.Status = StatusDegraded
		result.Recommendations = append(result.Recommendations,
			"Entropy quality below threshold; investigate RNG health before issuing new keys")
	case result.AverageGenerationTime > cfg.MaxGenerationTime:
		result.Status = StatusDegraded
		result.Recommendations = append(result.Recommendations,
			"Entropy generation is slow; check for entropy pool exhaustion or CPU starvation")
	default:
		result.Status = StatusHealthy
	}

	SelfTestsTotal.WithLabelValues(result.Status).Inc()
	return result
}
