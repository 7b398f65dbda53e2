// Castellan - Keycloak Authentication and API-Key Management for Go Services
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

package oidc

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
)

// fakeIdP is a Keycloak-shaped test server: discovery, JWKS, token,
// userinfo, introspection and logout endpoints under a realm path.
type fakeIdP struct {
	t     *testing.T
	srv   *httptest.Server
	realm string

	key *rsa.PrivateKey
	kid string

	mu               sync.Mutex
	issuerOverride   string
	discoveryCalls   int
	jwksCalls        int
	userinfoCalls    int
	introspectCalls  int
	lastTokenForm    url.Values
	tokensIssued     int
	introspectActive bool
	introspectClaims map[string]any
}

func newFakeIdP(t *testing.T) *fakeIdP {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}

	f := &fakeIdP{
		t:                t,
		realm:            "r",
		key:              key,
		kid:              "test-key-1",
		introspectActive: true,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/realms/r/.well-known/openid-configuration", f.handleDiscovery)
	mux.HandleFunc("/realms/r/protocol/openid-connect/certs", f.handleJWKS)
	mux.HandleFunc("/realms/r/protocol/openid-connect/token", f.handleToken)
	mux.HandleFunc("/realms/r/protocol/openid-connect/token/introspect", f.handleIntrospect)
	mux.HandleFunc("/realms/r/protocol/openid-connect/userinfo", f.handleUserinfo)
	mux.HandleFunc("/realms/r/protocol/openid-connect/logout", f.handleLogout)

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeIdP) issuer() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.issuerOverride != "" {
		return f.issuerOverride
	}
	return f.srv.URL + "/realms/" + f.realm
}

func (f *fakeIdP) setIssuer(issuer string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issuerOverride = issuer
}

func (f *fakeIdP) base() string {
	return f.srv.URL + "/realms/" + f.realm + "/protocol/openid-connect"
}

// sign issues an RS256 token with the server's key and kid.
func (f *fakeIdP) sign(claims jwt.MapClaims) string {
	f.t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = f.kid
	signed, err := token.SignedString(f.key)
	if err != nil {
		f.t.Fatalf("sign token: %v", err)
	}
	return signed
}

// signWithKid issues a token under an arbitrary kid, for unknown-key tests.
func (f *fakeIdP) signWithKid(claims jwt.MapClaims, kid string) string {
	f.t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(f.key)
	if err != nil {
		f.t.Fatalf("sign token: %v", err)
	}
	return signed
}

// defaultClaims builds claims accepted by a client configured for
// audience "svc" against this server.
func (f *fakeIdP) defaultClaims() jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss": f.issuer(),
		"sub": "u1",
		"aud": "svc",
		"exp": now.Add(10 * time.Minute).Unix(),
		"iat": now.Unix(),
		"realm_access": map[string]any{
			"roles": []any{"admin"},
		},
	}
}

func (f *fakeIdP) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	f.discoveryCalls++
	f.mu.Unlock()

	doc := map[string]any{
		"issuer":                 f.issuer(),
		"authorization_endpoint": f.base() + "/auth",
		"token_endpoint":         f.base() + "/token",
		"userinfo_endpoint":      f.base() + "/userinfo",
		"introspection_endpoint": f.base() + "/token/introspect",
		"end_session_endpoint":   f.base() + "/logout",
		"jwks_uri":               f.base() + "/certs",
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

func (f *fakeIdP) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	f.jwksCalls++
	f.mu.Unlock()

	pub := &f.key.PublicKey
	doc := map[string]any{
		"keys": []map[string]any{{
			"kty": "RSA",
			"kid": f.kid,
			"use": "sig",
			"alg": "RS256",
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   "AQAB",
		}},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

func (f *fakeIdP) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.lastTokenForm = r.PostForm
	f.tokensIssued++
	serial := f.tokensIssued
	f.mu.Unlock()

	if r.PostForm.Get("grant_type") == "password" && r.PostForm.Get("password") == "wrong" {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
		return
	}

	claims := f.defaultClaims()
	claims["sid"] = strconv.Itoa(serial) // distinct token per issuance
	resp := map[string]any{
		"access_token":       f.sign(claims),
		"refresh_token":      "refresh-abc",
		"token_type":         "Bearer",
		"expires_in":         300,
		"refresh_expires_in": 1800,
		"scope":              "openid profile",
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (f *fakeIdP) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()

	f.mu.Lock()
	f.introspectCalls++
	active := f.introspectActive
	claims := f.introspectClaims
	f.mu.Unlock()

	resp := map[string]any{"active": active}
	for k, v := range claims {
		resp[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (f *fakeIdP) handleUserinfo(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.userinfoCalls++
	f.mu.Unlock()

	if r.Header.Get("Authorization") == "" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	resp := map[string]any{
		"sub":                "u1",
		"preferred_username": "alice",
		"email":              "alice@example.com",
		"name":               "Alice Example",
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (f *fakeIdP) handleLogout(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	if r.PostForm.Get("refresh_token") == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// newTestClient builds a client against the fake IdP for audience "svc".
func newTestClient(t *testing.T, idp *fakeIdP, mutate func(*Options)) *Client {
	t.Helper()

	opts := Options{
		ServerURL:    idp.srv.URL,
		Realm:        idp.realm,
		ClientID:     "svc",
		ClientSecret: "secret",
		RedirectURI:  "https://app.test/callback",
		Scopes:       []string{"openid"},
	}
	if mutate != nil {
		mutate(&opts)
	}

	client, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(client.Dispose)
	return client
}
