// Castellan - Keycloak Authentication and API-Key Management for Go Services
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

package oidc

import (
	"context"
	"sync"
	"time"

	"github.com/castellan-io/castellan/internal/logging"
)

// adminTokenMargin is how long before expiry a cached admin token stops
// being served, so in-flight admin calls never carry a token that expires
// mid-request.
const adminTokenMargin = 30 * time.Second

// DefaultAdminScopes are the Keycloak admin scopes requested for the
// service token backing the admin API client.
var DefaultAdminScopes = []string{"manage-users", "manage-realm", "view-users", "view-realm"}

// AdminTokenProvider caches one client-credentials token and refreshes it
// before expiry. Concurrent callers during a refresh share the in-flight
// request. Safe for concurrent use.
type AdminTokenProvider struct {
	client *Client
	scopes []string

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// NewAdminTokenProvider creates a provider over the given confidential
// client. Nil scopes use DefaultAdminScopes.
func NewAdminTokenProvider(client *Client, scopes []string) *AdminTokenProvider {
	if scopes == nil {
		scopes = DefaultAdminScopes
	}
	return &AdminTokenProvider{client: client, scopes: scopes}
}

// GetValidToken returns a token guaranteed to be valid for at least the
// safety margin, refreshing if needed.
func (p *AdminTokenProvider) GetValidToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && time.Now().Before(p.expiry.Add(-adminTokenMargin)) {
		return p.token, nil
	}

	tok, err := p.client.AuthenticateClientCredentials(ctx, p.scopes...)
	if err != nil {
		AdminTokenRefreshesTotal.WithLabelValues("failure").Inc()
		return "", err
	}

	p.token = tok.AccessToken
	p.expiry = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)

	AdminTokenRefreshesTotal.WithLabelValues("success").Inc()
	logging.Debug().
		Time("expiry", p.expiry).
		Msg("admin service token refreshed")
	return p.token, nil
}

// Invalidate drops the cached token so the next call refreshes.
func (p *AdminTokenProvider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = ""
	p.expiry = time.Time{}
}
