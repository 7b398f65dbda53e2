// Castellan - Keycloak Authentication and API-Key Management for Go Services
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

// Package httpx defines the outbound HTTP capability consumed by the OIDC
// and admin clients, and a default implementation carrying a timeout,
// bounded retries, and a circuit breaker.
//
// Components accept the Doer interface so hosts can substitute their own
// instrumented client; the default is good enough for production use
// against a single IdP.
package httpx

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/castellan-io/castellan/internal/logging"
)

// Doer is the outbound HTTP capability.
// Implementations must not mutate the request body.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config tunes the default client.
type Config struct {
	// Timeout bounds each attempt. Default 10s.
	Timeout time.Duration

	// Retries is the number of re-attempts after a transport error.
	// Responses, including 5xx, are never retried here; retry-on-status
	// policy belongs to the caller. Default 2.
	Retries int

	// RetryDelay is the linear backoff base between attempts. Default 250ms.
	RetryDelay time.Duration

	// BreakerName labels the circuit breaker in logs.
	BreakerName string
}

// Client is the default Doer: per-attempt timeout, bounded retries on
// transport errors, and a circuit breaker that opens after consecutive
// failures so a dead IdP fails fast instead of tying up callers.
type Client struct {
	inner      *http.Client
	retries    int
	retryDelay time.Duration
	breaker    *gobreaker.CircuitBreaker[*http.Response]
}

// New creates a default HTTP client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	} else if cfg.Retries == 0 {
		cfg.Retries = 2
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 250 * time.Millisecond
	}
	if cfg.BreakerName == "" {
		cfg.BreakerName = "castellan-http"
	}

	breaker := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        cfg.BreakerName,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("HTTP circuit breaker state change")
		},
	})

	return &Client{
		inner:      &http.Client{Timeout: cfg.Timeout},
		retries:    cfg.Retries,
		retryDelay: cfg.RetryDelay,
		breaker:    breaker,
	}
}

// Do executes the request through the circuit breaker, retrying transport
// errors with linear backoff. Requests with a consumed, non-replayable body
// are attempted exactly once.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var lastErr error

	attempts := c.retries + 1
	if req.Body != nil && req.GetBody == nil {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		attemptReq := req
		if attempt > 1 {
			select {
			case <-req.Context().Done():
				return nil, req.Context().Err()
			case <-time.After(c.retryDelay * time.Duration(attempt-1)):
			}
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, err
				}
				attemptReq = req.Clone(req.Context())
				attemptReq.Body = body
			}
		}

		resp, err := c.breaker.Execute(func() (*http.Response, error) {
			return c.inner.Do(attemptReq)
		})
		if err == nil {
			return resp, nil
		}
		lastErr = err

		// An open breaker will not recover within this call's retries.
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}
		if req.Context().Err() != nil {
			break
		}

		logging.Debug().
			Err(err).
			Int("attempt", attempt).
			Str("url", req.URL.String()).
			Msg("HTTP attempt failed")
	}

	return nil, lastErr
}

// IsTimeout reports whether err represents a deadline or timeout condition.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
