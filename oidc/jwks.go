// Castellan - Keycloak Authentication and API-Key Management for Go Services
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

package oidc

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"

	"github.com/castellan-io/castellan/auth"
	"github.com/castellan-io/castellan/httpx"
	"github.com/castellan-io/castellan/internal/logging"
)

// jwksRefreshCooldown bounds how often an unknown kid may force a refresh,
// so a flood of bad tokens cannot hammer the JWKS endpoint.
const jwksRefreshCooldown = 30 * time.Second

// jwksResolver lazily fetches and caches the realm's RSA public keys.
// Safe for concurrent use.
type jwksResolver struct {
	uri  string
	doer httpx.Doer

	mu          sync.RWMutex
	keys        map[string]*rsa.PublicKey
	lastRefresh time.Time
}

func newJWKSResolver(uri string, doer httpx.Doer) *jwksResolver {
	return &jwksResolver{
		uri:  uri,
		doer: doer,
		keys: make(map[string]*rsa.PublicKey),
	}
}

// Key returns the public key for kid, refreshing the key set at most once
// per cooldown window when the kid is unknown.
func (r *jwksResolver) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	r.mu.RLock()
	key, ok := r.keys[kid]
	r.mu.RUnlock()
	if ok {
		return key, nil
	}

	if err := r.refresh(ctx); err != nil {
		return nil, err
	}

	r.mu.RLock()
	key, ok = r.keys[kid]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown signing key %q", auth.ErrMalformed, kid)
	}
	return key, nil
}

// Keyfunc adapts the resolver to golang-jwt's verification callback.
func (r *jwksResolver) Keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("%w: token has no kid header", auth.ErrMalformed)
		}
		return r.Key(ctx, kid)
	}
}

// refresh fetches the key set unless a refresh ran within the cooldown.
func (r *jwksResolver) refresh(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if time.Since(r.lastRefresh) < jwksRefreshCooldown {
		JWKSRefreshesTotal.WithLabelValues("cooldown").Inc()
		return nil
	}
	r.lastRefresh = time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.uri, http.NoBody)
	if err != nil {
		JWKSRefreshesTotal.WithLabelValues("failure").Inc()
		return fmt.Errorf("%w: jwks request: %v", auth.ErrUpstream, err)
	}

	resp, err := r.doer.Do(req)
	if err != nil {
		JWKSRefreshesTotal.WithLabelValues("failure").Inc()
		if httpx.IsTimeout(err) {
			return fmt.Errorf("%w: jwks: %v", auth.ErrUpstreamTimeout, err)
		}
		return fmt.Errorf("%w: jwks: %v", auth.ErrUpstream, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		JWKSRefreshesTotal.WithLabelValues("failure").Inc()
		return fmt.Errorf("%w: jwks returned status %d", auth.ErrUpstream, resp.StatusCode)
	}

	var keySet struct {
		Keys []struct {
			Kty string `json:"kty"`
			Kid string `json:"kid"`
			Use string `json:"use"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&keySet); err != nil {
		JWKSRefreshesTotal.WithLabelValues("failure").Inc()
		return fmt.Errorf("%w: jwks decode: %v", auth.ErrUpstream, err)
	}

	keys := make(map[string]*rsa.PublicKey, len(keySet.Keys))
	for _, k := range keySet.Keys {
		if k.Kty != "RSA" {
			continue
		}
		nBytes, err := base64URLDecode(k.N)
		if err != nil {
			logging.Debug().Str("kid", k.Kid).Msg("skipping JWKS key with bad modulus")
			continue
		}
		eBytes, err := base64URLDecode(k.E)
		if err != nil {
			logging.Debug().Str("kid", k.Kid).Msg("skipping JWKS key with bad exponent")
			continue
		}

		e := 0
		for _, b := range eBytes {
			e = e<<8 + int(b)
		}
		keys[k.Kid] = &rsa.PublicKey{
			N: new(big.Int).SetBytes(nBytes),
			E: e,
		}
	}

	r.keys = keys
	JWKSRefreshesTotal.WithLabelValues("success").Inc()
	return nil
}

// reset clears cached keys so the next lookup refetches.
func (r *jwksResolver) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = make(map[string]*rsa.PublicKey)
	r.lastRefresh = time.Time{}
}

// base64URLDecode decodes a base64url string, tolerating missing padding.
func base64URLDecode(s string) ([]byte, error) {
	switch len(s) % 4 {
	case 2:
		s += "=="
	case 3:
		s += "="
	}
	return base64.URLEncoding.DecodeString(s)
}
