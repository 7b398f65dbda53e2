// Castellan - Keycloak Authentication and API-Key Management for Go Services
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

// Package entropy generates and statistically qualifies random bytes.
//
// Generate applies hard sanity checks (all-zero, all-identical, long runs)
// to every sample and refuses to return bytes that fail them. Soft checks
// (unique-byte ratio, chi-square distribution) are graded and reported but
// do not fail generation. SelfTest runs periodic timed generations and maps
// the results to a health status for the monitoring subsystem.
package entropy

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	mathrand "math/rand"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/castellan-io/castellan/auth"
	"github.com/castellan-io/castellan/internal/logging"
)

// Entropy metrics.
var (
	// GenerationsTotal counts entropy generations by outcome.
	GenerationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entropy_generations_total",
			Help: "Total number of entropy generation attempts",
		},
		[]string{"outcome"}, // success, hard_check_failed, read_failed
	)

	// FallbacksTotal counts uses of the degraded fallback path.
	// Any non-zero value warrants investigation of the host's RNG.
	FallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "entropy_fallbacks_total",
			Help: "Total number of degraded entropy fallback generations",
		},
	)

	// QualityWarningsTotal counts soft-check failures on otherwise
	// accepted samples.
	QualityWarningsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entropy_quality_warnings_total",
			Help: "Total number of entropy quality warnings",
		},
		[]string{"check"}, // unique_bytes, chi_square
	)
)

const (
	// maxIdenticalRun is the longest tolerated run of identical bytes.
	maxIdenticalRun = 4

	// chiSquareLower and chiSquareUpper bound acceptable chi-square values
	// for 32-byte samples. The bounds are exclusive.
	chiSquareLower = 100.0
	chiSquareUpper = 400.0

	// chiSquareSampleSize is the sample size the chi-square bounds apply to.
	chiSquareSampleSize = 32

	// fallbackKeyLength matches base64url(32 bytes).
	fallbackKeyLength = 43
)

// startTime anchors the uptime component of the fallback mix.
var startTime = time.Now()

// Quality describes the statistical grading of one random sample.
type Quality struct {
	// Length is the sample length in bytes.
	Length int

	// AllZero is true when every byte is zero.
	AllZero bool

	// AllIdentical is true when every byte has the same value.
	AllIdentical bool

	// LongestRun is the longest run of identical consecutive bytes.
	LongestRun int

	// UniqueBytes is the count of distinct byte values.
	UniqueBytes int

	// UniqueOK is false when UniqueBytes < min(Length, 128) * 0.5.
	// A failure is a warning, not a rejection.
	UniqueOK bool

	// ChiSquare is the chi-square statistic over the byte distribution.
	ChiSquare float64

	// ChiSquareOK is false when ChiSquare falls outside (100, 400) for
	// 32-byte samples. A failure is a warning, not a rejection.
	ChiSquareOK bool
}

// HardOK reports whether the sample passes all hard checks.
func (q *Quality) HardOK() bool {
	return !q.AllZero && !q.AllIdentical && q.LongestRun <= maxIdenticalRun
}

// Passed reports whether the sample passes hard and soft checks.
func (q *Quality) Passed() bool {
	return q.HardOK() && q.UniqueOK && q.ChiSquareOK
}

// Grade computes the quality of a random sample.
func Grade(sample []byte) *Quality {
	q := &Quality{
		Length:       len(sample),
		AllZero:      true,
		AllIdentical: len(sample) > 0,
		UniqueOK:     true,
		ChiSquareOK:  true,
	}
	if len(sample) == 0 {
		q.AllIdentical = false
		return q
	}

	var counts [256]int
	run := 1
	for i, b := range sample {
		counts[b]++
		if b != 0 {
			q.AllZero = false
		}
		if b != sample[0] {
			q.AllIdentical = false
		}
		if i > 0 {
			if b == sample[i-1] {
				run++
			} else {
				run = 1
			}
		}
		if run > q.LongestRun {
			q.LongestRun = run
		}
	}

	for _, c := range counts {
		if c > 0 {
			q.UniqueBytes++
		}
	}

	minUnique := min(len(sample), 128)
	q.UniqueOK = float64(q.UniqueBytes) >= float64(minUnique)*0.5

	// Chi-square over the byte distribution. The documented bounds were
	// calibrated for 32-byte samples; other sizes skip the check.
	expected := float64(len(sample)) / 256.0
	var chi float64
	for _, c := range counts {
		diff := float64(c) - expected
		chi += diff * diff / expected
	}
	q.ChiSquare = chi

	if len(sample) == chiSquareSampleSize {
		q.ChiSquareOK = chi > chiSquareLower && chi < chiSquareUpper
	}

	return q
}

// Generate returns n secure-random bytes after hard quality checks.
// Soft-check failures are logged and counted but do not fail generation.
// A hard-check failure or an unreadable RNG returns ErrEntropyFailure.
func Generate(n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: invalid length %d", auth.ErrEntropyFailure, n)
	}

	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		GenerationsTotal.WithLabelValues("read_failed").Inc()
		return nil, fmt.Errorf("%w: %v", auth.ErrEntropyFailure, err)
	}

	q := Grade(buf)
	if !q.HardOK() {
		GenerationsTotal.WithLabelValues("hard_check_failed").Inc()
		logging.Warn().
			Bool("all_zero", q.AllZero).
			Bool("all_identical", q.AllIdentical).
			Int("longest_run", q.LongestRun).
			Msg("Entropy sample failed hard quality check")
		return nil, fmt.Errorf("%w: hard quality check failed", auth.ErrEntropyFailure)
	}

	if !q.UniqueOK {
		QualityWarningsTotal.WithLabelValues("unique_bytes").Inc()
		logging.Warn().
			Int("unique_bytes", q.UniqueBytes).
			Int("length", q.Length).
			Msg("Entropy sample has low unique-byte count")
	}
	if !q.ChiSquareOK {
		QualityWarningsTotal.WithLabelValues("chi_square").Inc()
		logging.Warn().
			Float64("chi_square", q.ChiSquare).
			Msg("Entropy sample chi-square outside expected range")
	}

	GenerationsTotal.WithLabelValues("success").Inc()
	return buf, nil
}

// FallbackKeyMaterial derives 43 characters of key material from a mix of
// clock, pid, uptime and pseudo-random inputs. It is used only when the
// primary entropy source fails hard checks; every use is counted.
func FallbackKeyMaterial() string {
	FallbacksTotal.Inc()
	logging.Error().Msg("Secure entropy unavailable, using degraded fallback key material")

	mix := fmt.Sprintf("%d|%d|%d|%d|%d",
		time.Now().UnixNano(),
		os.Getpid(),
		time.Since(startTime).Nanoseconds(),
		mathrand.Int63(), //nolint:gosec // degraded path by definition
		time.Now().UnixMicro(),
	)
	sum := sha256.Sum256([]byte(mix))
	encoded := base64.RawURLEncoding.EncodeToString(sum[:])
	if len(encoded) > fallbackKeyLength {
		encoded = encoded[:fallbackKeyLength]
	}
	return encoded
}
