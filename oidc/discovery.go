// Castellan - Keycloak Authentication and API-Key Management for Go Services
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

package oidc

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/castellan-io/castellan/auth"
	"github.com/castellan-io/castellan/httpx"
	"github.com/castellan-io/castellan/internal/logging"
)

// DiscoveryDocument is the OIDC discovery metadata for a realm.
// Immutable once fetched.
type DiscoveryDocument struct {
	Issuer                string   `json:"issuer"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	UserinfoEndpoint      string   `json:"userinfo_endpoint"`
	IntrospectionEndpoint string   `json:"introspection_endpoint"`
	EndSessionEndpoint    string   `json:"end_session_endpoint"`
	JWKSURI               string   `json:"jwks_uri"`
	GrantTypesSupported   []string `json:"grant_types_supported"`
	ScopesSupported       []string `json:"scopes_supported"`
	SigningAlgsSupported  []string `json:"id_token_signing_alg_values_supported"`
}

// discoveryPath is the well-known configuration path under a realm.
const discoveryPath = "/.well-known/openid-configuration"

// fetchDiscovery retrieves and validates the discovery document for the
// given server URL and realm. The expected issuer is checked against the
// document's issuer; a mismatch is logged and counted but not fatal.
func fetchDiscovery(ctx context.Context, doer httpx.Doer, serverURL, realm string) (*DiscoveryDocument, error) {
	base := strings.TrimSuffix(serverURL, "/")
	url := base + "/realms/" + realm + discoveryPath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		DiscoveryFetchesTotal.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("%w: discovery request: %v", auth.ErrMisconfigured, err)
	}

	resp, err := doer.Do(req)
	if err != nil {
		DiscoveryFetchesTotal.WithLabelValues("failure").Inc()
		if httpx.IsTimeout(err) {
			return nil, fmt.Errorf("%w: discovery: %v", auth.ErrUpstreamTimeout, err)
		}
		return nil, fmt.Errorf("%w: discovery: %v", auth.ErrUpstream, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		DiscoveryFetchesTotal.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("%w: discovery returned status %d", auth.ErrUpstream, resp.StatusCode)
	}

	var doc DiscoveryDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		DiscoveryFetchesTotal.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("%w: discovery decode: %v", auth.ErrUpstream, err)
	}

	if err := doc.validate(); err != nil {
		DiscoveryFetchesTotal.WithLabelValues("failure").Inc()
		return nil, err
	}

	expected := base + "/realms/" + realm
	if doc.Issuer != expected {
		IssuerMismatchTotal.Inc()
		logging.Warn().
			Str("expected", expected).
			Str("actual", doc.Issuer).
			Msg("discovery issuer does not match configured server URL and realm")
	}

	DiscoveryFetchesTotal.WithLabelValues("success").Inc()
	return &doc, nil
}

// validate checks the fields the client cannot operate without.
func (d *DiscoveryDocument) validate() error {
	missing := []string{}
	if d.Issuer == "" {
		missing = append(missing, "issuer")
	}
	if d.AuthorizationEndpoint == "" {
		missing = append(missing, "authorization_endpoint")
	}
	if d.TokenEndpoint == "" {
		missing = append(missing, "token_endpoint")
	}
	if d.JWKSURI == "" {
		missing = append(missing, "jwks_uri")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: discovery document missing %s",
			auth.ErrMisconfigured, strings.Join(missing, ", "))
	}
	return nil
}

// LogoutEndpoint derives the direct logout endpoint from the token endpoint.
// Keycloak serves both under the same protocol path.
func (d *DiscoveryDocument) LogoutEndpoint() string {
	return strings.TrimSuffix(d.TokenEndpoint, "/token") + "/logout"
}
