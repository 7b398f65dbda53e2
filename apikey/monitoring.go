// Castellan - Keycloak Authentication and API-Key Management for Go Services
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

package apikey

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/castellan-io/castellan/cache"
	"github.com/castellan-io/castellan/entropy"
	"github.com/castellan-io/castellan/internal/logging"
)

// System health statuses in ascending severity.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
	HealthCritical  = "critical"
)

// MonitorOptions tunes the monitoring facade. Zero values select
// defaults.
type MonitorOptions struct {
	// MaxBatchSize triggers an immediate flush when the pending map
	// reaches it. Default 100.
	MaxBatchSize int

	// FlushInterval is the periodic flush cadence. Default 5s.
	FlushInterval time.Duration

	// HealthInterval is the continuous health check cadence. Default 30s.
	HealthInterval time.Duration

	// MaxRequeued bounds how many pending uses survive a failed flush.
	// Default 10.
	MaxRequeued int64

	// HandleSignals makes Start register a SIGINT/SIGTERM handler that
	// runs a final flush. Off by default; embedding applications usually
	// own signal handling and call Stop themselves.
	HandleSignals bool
}

func (o *MonitorOptions) withDefaults() {
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = 100
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 5 * time.Second
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 30 * time.Second
	}
	if o.MaxRequeued <= 0 {
		o.MaxRequeued = 10
	}
}

// Monitor coalesces usage updates into periodic batch increments and
// runs the subsystem health checks.
//
// TrackUsage is the validation hot path and never blocks on I/O: it
// bumps a counter in the pending map and returns. Flushes apply one
// atomic increment-by-N per key.
type Monitor struct {
	repo  Repository
	cache cache.Service
	opts  MonitorOptions

	mu       sync.Mutex
	pending  map[string]int64
	flushing atomic.Bool

	healthMu   sync.RWMutex
	lastHealth *SystemHealth

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMonitor creates the monitoring facade. The cache is optional and
// only probed by health checks.
func NewMonitor(repo Repository, cacheSvc cache.Service, opts MonitorOptions) *Monitor {
	opts.withDefaults()
	return &Monitor{
		repo:    repo,
		cache:   cacheSvc,
		opts:    opts,
		pending: make(map[string]int64),
		stop:    make(chan struct{}),
	}
}

// TrackUsage records one use of the key. Reaching the batch size
// triggers an asynchronous flush.
func (m *Monitor) TrackUsage(keyID string) {
	m.mu.Lock()
	m.pending[keyID]++
	size := len(m.pending)
	m.mu.Unlock()

	PendingUsageUpdates.Set(float64(size))

	if size >= m.opts.MaxBatchSize && m.flushing.CompareAndSwap(false, true) {
		go func() {
			defer m.flushing.Store(false)
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			m.Flush(ctx)
		}()
	}
}

// Pending returns the current number of keys with queued updates.
func (m *Monitor) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Flush applies the pending updates as one batch increment per key.
// On failure a bounded number of uses is re-queued; the rest is dropped
// and counted.
func (m *Monitor) Flush(ctx context.Context) {
	m.mu.Lock()
	if len(m.pending) == 0 {
		m.mu.Unlock()
		return
	}
	batch := m.pending
	m.pending = make(map[string]int64)
	m.mu.Unlock()

	err := m.repo.BatchIncrementUsageCount(ctx, batch)
	if err == nil {
		UsageFlushesTotal.WithLabelValues("success").Inc()
		PendingUsageUpdates.Set(float64(m.Pending()))
		return
	}

	UsageFlushesTotal.WithLabelValues("failure").Inc()
	logging.Error().Err(err).Int("keys", len(batch)).Msg("api key usage flush failed")

	// Re-queue a bounded slice of the failed batch so a persistent
	// outage cannot grow the pending map without limit.
	var requeued, dropped int64
	m.mu.Lock()
	for id, n := range batch {
		for i := int64(0); i < n; i++ {
			if requeued < m.opts.MaxRequeued {
				m.pending[id]++
				requeued++
			} else {
				dropped++
			}
		}
	}
	m.mu.Unlock()

	if dropped > 0 {
		UsageUpdatesDroppedTotal.Add(float64(dropped))
	}
	PendingUsageUpdates.Set(float64(m.Pending()))
}

// Start launches the flush and health tickers. Call Stop to shut them
// down and run the final flush.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
}

func (m *Monitor) run() {
	defer m.wg.Done()

	flush := time.NewTicker(m.opts.FlushInterval)
	defer flush.Stop()
	health := time.NewTicker(m.opts.HealthInterval)
	defer health.Stop()

	var signals chan os.Signal
	if m.opts.HandleSignals {
		signals = make(chan os.Signal, 1)
		signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(signals)
	}

	for {
		select {
		case <-flush.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			m.Flush(ctx)
			cancel()

		case <-health.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			m.storeHealth(m.PerformHealthCheck(ctx))
			cancel()

		case <-signals:
			logging.Info().Msg("shutdown signal received, flushing pending api key usage")
			m.finalFlush()
			return

		case <-m.stop:
			m.finalFlush()
			return
		}
	}
}

// finalFlush is the best-effort shutdown flush.
func (m *Monitor) finalFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m.Flush(ctx)
}

// Stop shuts the tickers down and runs the final flush. Safe to call
// more than once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
	m.wg.Wait()
}

// ComponentHealth is the outcome of one component check.
type ComponentHealth struct {
	Name    string        `json:"name"`
	Status  string        `json:"status"`
	Message string        `json:"message,omitempty"`
	Latency time.Duration `json:"latency"`
}

// SystemHealth aggregates the component checks.
type SystemHealth struct {
	Status          string            `json:"status"`
	Components      []ComponentHealth `json:"components"`
	Recommendations []string          `json:"recommendations,omitempty"`
	CheckedAt       time.Time         `json:"checked_at"`
}

// PerformHealthCheck runs the component checks in parallel and
// aggregates them.
//
// Aggregation: critical when the database or entropy source is
// unavailable; unhealthy when more than half the components are;
// degraded when any component is unhealthy, more than 30% are degraded,
// or database/entropy are not fully healthy; healthy otherwise.
func (m *Monitor) PerformHealthCheck(ctx context.Context) *SystemHealth {
	checks := []struct {
		name string
		fn   func(context.Context) ComponentHealth
	}{
		{"database", m.checkDatabase},
		{"entropy", m.checkEntropy},
		{"cache", m.checkCache},
	}

	components := make([]ComponentHealth, len(checks))
	var wg sync.WaitGroup
	for i, check := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			components[i] = check.fn(ctx)
		}()
	}
	wg.Wait()

	health := &SystemHealth{
		Components: components,
		CheckedAt:  time.Now(),
	}
	health.Status = aggregateHealth(components)
	health.Recommendations = healthRecommendations(components)

	HealthChecksTotal.WithLabelValues(health.Status).Inc()
	if health.Status != HealthHealthy {
		logging.Warn().Str("status", health.Status).Msg("api key subsystem health degraded")
	}
	return health
}

func (m *Monitor) checkDatabase(ctx context.Context) ComponentHealth {
	start := time.Now()
	_, err := m.repo.Count(ctx)
	component := ComponentHealth{Name: "database", Latency: time.Since(start)}
	if err != nil {
		component.Status = HealthUnhealthy
		component.Message = logging.SanitizeError(err.Error())
		return component
	}
	component.Status = HealthHealthy
	return component
}

func (m *Monitor) checkEntropy(_ context.Context) ComponentHealth {
	start := time.Now()
	result := entropy.SelfTest(entropy.DefaultSelfTestConfig())
	component := ComponentHealth{Name: "entropy", Latency: time.Since(start)}

	switch result.Status {
	case entropy.StatusHealthy:
		component.Status = HealthHealthy
	case entropy.StatusDegraded:
		component.Status = HealthDegraded
		component.Message = "entropy source degraded"
	default:
		component.Status = HealthUnhealthy
		component.Message = "entropy source failed self-test"
	}
	return component
}

// checkCache probes the cache with a write-read round trip. A missing
// cache is reported healthy; caching is optional.
func (m *Monitor) checkCache(ctx context.Context) ComponentHealth {
	start := time.Now()
	component := ComponentHealth{Name: "cache", Status: HealthHealthy}
	if m.cache == nil {
		component.Message = "no cache configured"
		component.Latency = time.Since(start)
		return component
	}

	const probeKey = "apikey:health:probe"
	if err := m.cache.Set(ctx, probeKey, []byte("ok"), time.Minute); err != nil {
		component.Status = HealthUnhealthy
		component.Message = logging.SanitizeError(err.Error())
		component.Latency = time.Since(start)
		return component
	}
	if _, ok, err := m.cache.Get(ctx, probeKey); err != nil || !ok {
		component.Status = HealthDegraded
		component.Message = "cache probe read back empty"
	}
	component.Latency = time.Since(start)
	return component
}

func aggregateHealth(components []ComponentHealth) string {
	var unhealthy, degraded int
	coreImpaired := false
	coreDown := false

	for _, component := range components {
		switch component.Status {
		case HealthUnhealthy:
			unhealthy++
		case HealthDegraded:
			degraded++
		}
		if component.Name == "database" || component.Name == "entropy" {
			if component.Status == HealthUnhealthy {
				coreDown = true
			}
			if component.Status != HealthHealthy {
				coreImpaired = true
			}
		}
	}

	total := len(components)
	switch {
	case coreDown:
		return HealthCritical
	case unhealthy*2 > total:
		return HealthUnhealthy
	case unhealthy > 0 || degraded*10 > total*3 || coreImpaired:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

func healthRecommendations(components []ComponentHealth) []string {
	var recommendations []string
	for _, component := range components {
		switch {
		case component.Name == "database" && component.Status != HealthHealthy:
			recommendations = append(recommendations,
				"verify the api key store is reachable and not overloaded")
		case component.Name == "entropy" && component.Status != HealthHealthy:
			recommendations = append(recommendations,
				"inspect the host RNG; key generation may be degraded")
		case component.Name == "cache" && component.Status != HealthHealthy:
			recommendations = append(recommendations,
				"validation latency will rise until the cache recovers")
		}
	}
	return recommendations
}

// storeHealth records the latest continuous check result.
func (m *Monitor) storeHealth(health *SystemHealth) {
	m.healthMu.Lock()
	m.lastHealth = health
	m.healthMu.Unlock()
}

// LastHealth returns the most recent continuous check result, nil before
// the first tick.
func (m *Monitor) LastHealth() *SystemHealth {
	m.healthMu.RLock()
	defer m.healthMu.RUnlock()
	return m.lastHealth
}
