// Castellan - Keycloak Authentication and API-Key Management for Go Services
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

package oidc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/castellan-io/castellan/auth"
	"github.com/castellan-io/castellan/cache"
)

func TestInitializeIdempotent(t *testing.T) {
	t.Parallel()

	idp := newFakeIdP(t)
	client := newTestClient(t, idp, nil)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := client.Initialize(ctx); err != nil {
			t.Fatalf("Initialize() call %d error = %v", i, err)
		}
	}

	idp.mu.Lock()
	calls := idp.discoveryCalls
	idp.mu.Unlock()
	if calls != 1 {
		t.Errorf("discovery fetched %d times, want 1", calls)
	}

	doc, err := client.Discovery(ctx)
	if err != nil {
		t.Fatalf("Discovery() error = %v", err)
	}
	if doc.Issuer != idp.issuer() {
		t.Errorf("issuer = %q, want %q", doc.Issuer, idp.issuer())
	}
	if !strings.HasSuffix(doc.TokenEndpoint, "/token") {
		t.Errorf("token endpoint = %q", doc.TokenEndpoint)
	}
}

func TestInitializeFailureIsTerminal(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, err := New(Options{ServerURL: srv.URL, Realm: "r", ClientID: "svc"})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := client.Initialize(ctx); err == nil {
		t.Fatal("Initialize() should fail against a 500 server")
	}
	if err := client.Initialize(ctx); err == nil {
		t.Fatal("second Initialize() must return the stored failure")
	}
	if calls.Load() != 1 {
		t.Errorf("discovery attempted %d times, want 1 (failed state is terminal)", calls.Load())
	}
}

func TestValidateTokenSuccessThenCacheHit(t *testing.T) {
	t.Parallel()

	idp := newFakeIdP(t)
	resultCache := cache.NewMemory(100, time.Minute)
	client := newTestClient(t, idp, func(o *Options) {
		o.ResultCache = resultCache
	})

	token := idp.sign(idp.defaultClaims())
	ctx := context.Background()

	first := client.ValidateToken(ctx, token)
	if !first.Success {
		t.Fatalf("ValidateToken() failed: %s", first.Error)
	}
	if first.FromCache {
		t.Error("first validation must not come from cache")
	}
	if first.User.ID != "u1" {
		t.Errorf("user ID = %q, want u1", first.User.ID)
	}
	wantRoles := []string{"realm:admin"}
	if len(first.User.Roles) != 1 || first.User.Roles[0] != wantRoles[0] {
		t.Errorf("roles = %v, want %v", first.User.Roles, wantRoles)
	}
	if !first.ExpiresAt.After(time.Now()) {
		t.Error("ExpiresAt must be in the future")
	}

	second := client.ValidateToken(ctx, token)
	if !second.Success {
		t.Fatalf("second ValidateToken() failed: %s", second.Error)
	}
	if !second.FromCache {
		t.Error("second validation must be served from cache")
	}
	if second.User.ID != first.User.ID {
		t.Errorf("cached user ID = %q, want %q", second.User.ID, first.User.ID)
	}
}

func TestValidateTokenReplayDetection(t *testing.T) {
	t.Parallel()

	idp := newFakeIdP(t)
	tracker := NewMemoryReplayTracker()
	defer tracker.Close()
	client := newTestClient(t, idp, func(o *Options) {
		o.Replay = tracker
	})

	now := time.Now()
	claims := idp.defaultClaims()
	claims["jti"] = "j1"
	claims["iat"] = now.Unix()

	first := client.ValidateToken(context.Background(), idp.sign(claims))
	if !first.Success {
		t.Fatalf("first validation failed: %s", first.Error)
	}

	// A distinct token reusing the same (jti, iat) pair is a replay.
	claims["exp"] = now.Add(9 * time.Minute).Unix()
	replayed := client.ValidateToken(context.Background(), idp.sign(claims))
	if replayed.Success {
		t.Fatal("replayed (jti, iat) must be rejected")
	}
	if replayed.Error != auth.ErrReplay.Error() {
		t.Errorf("error = %q, want %q", replayed.Error, auth.ErrReplay.Error())
	}
}

func TestValidateTokenShapeBounds(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("a", 4000)
	pad := func(n int) string {
		// Three-segment token of exactly n characters.
		rest := n - 2 // two dots
		third := rest / 3
		return strings.Repeat("a", third) + "." + strings.Repeat("b", third) + "." + strings.Repeat("c", rest-2*third)
	}

	tests := []struct {
		name  string
		token string
		valid bool
	}{
		{"empty", "", false},
		{"single char", "a", false},
		{"two segments", "aa.bb", false},
		{"four segments", "a.b.c.d", false},
		{"empty segment", "a..c", false},
		{"non base64url", "a!b.cd.ef", false},
		{"at 8191", pad(8191), true},
		{"at 8192", pad(8192), true},
		{"at 8193", pad(8193), false},
		{"well formed", long + "." + long + ".sig", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := checkTokenShape(tt.token)
			if tt.valid && err != nil {
				t.Errorf("checkTokenShape() = %v, want nil", err)
			}
			if !tt.valid && !errors.Is(err, auth.ErrMalformed) {
				t.Errorf("checkTokenShape() = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestValidateTokenExpired(t *testing.T) {
	t.Parallel()

	idp := newFakeIdP(t)
	client := newTestClient(t, idp, nil)

	claims := idp.defaultClaims()
	claims["exp"] = time.Now().Add(-5 * time.Minute).Unix()
	claims["iat"] = time.Now().Add(-15 * time.Minute).Unix()

	result := client.ValidateToken(context.Background(), idp.sign(claims))
	if result.Success {
		t.Fatal("expired token must be rejected")
	}
	if result.Error != auth.ErrExpired.Error() {
		t.Errorf("error = %q, want %q", result.Error, auth.ErrExpired.Error())
	}
}

func TestValidateTokenClockSkew(t *testing.T) {
	t.Parallel()

	idp := newFakeIdP(t)
	client := newTestClient(t, idp, func(o *Options) {
		o.ClockSkew = 30 * time.Second
	})

	// Expired 10s ago: inside the 30s tolerance.
	claims := idp.defaultClaims()
	claims["exp"] = time.Now().Add(-10 * time.Second).Unix()
	if result := client.ValidateToken(context.Background(), idp.sign(claims)); !result.Success {
		t.Errorf("token inside clock skew rejected: %s", result.Error)
	}

	// Expired 40s ago: beyond the tolerance.
	claims["exp"] = time.Now().Add(-40 * time.Second).Unix()
	if result := client.ValidateToken(context.Background(), idp.sign(claims)); result.Success {
		t.Error("token beyond clock skew must be rejected")
	}
}

func TestValidateTokenWrongAudience(t *testing.T) {
	t.Parallel()

	idp := newFakeIdP(t)
	client := newTestClient(t, idp, nil)

	claims := idp.defaultClaims()
	claims["aud"] = "someone-else"

	result := client.ValidateToken(context.Background(), idp.sign(claims))
	if result.Success {
		t.Fatal("token for another audience must be rejected")
	}
}

func TestValidateTokenUnknownKid(t *testing.T) {
	t.Parallel()

	idp := newFakeIdP(t)
	client := newTestClient(t, idp, nil)

	result := client.ValidateToken(context.Background(), idp.signWithKid(idp.defaultClaims(), "rogue"))
	if result.Success {
		t.Fatal("token under an unknown kid must be rejected")
	}
}

func TestIssuerMismatchWarnsButInitializes(t *testing.T) {
	t.Parallel()

	idp := newFakeIdP(t)
	idp.setIssuer("https://other.example/realms/r")
	client := newTestClient(t, idp, func(o *Options) {
		o.ValidateIssuer = true
	})

	// Initialization tolerates the mismatch.
	if err := client.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	// Strict issuer validation then rejects tokens carrying the rogue issuer.
	result := client.ValidateToken(context.Background(), idp.sign(idp.defaultClaims()))
	if result.Success {
		t.Fatal("token with mismatched issuer must be rejected when ValidateIssuer is on")
	}
	if result.Error != auth.ErrMalformed.Error() {
		t.Errorf("error = %q, want %q", result.Error, auth.ErrMalformed.Error())
	}
}

func TestClientCredentialsGrant(t *testing.T) {
	t.Parallel()

	idp := newFakeIdP(t)
	client := newTestClient(t, idp, nil)

	tok, err := client.AuthenticateClientCredentials(context.Background(), "manage-users")
	if err != nil {
		t.Fatalf("AuthenticateClientCredentials() error = %v", err)
	}
	if tok.AccessToken == "" || tok.ExpiresIn != 300 {
		t.Errorf("unexpected token response: %+v", tok)
	}

	idp.mu.Lock()
	form := idp.lastTokenForm
	idp.mu.Unlock()
	if form.Get("grant_type") != "client_credentials" {
		t.Errorf("grant_type = %q", form.Get("grant_type"))
	}
	if form.Get("client_secret") != "secret" {
		t.Errorf("client_secret = %q", form.Get("client_secret"))
	}
	if form.Get("scope") != "manage-users" {
		t.Errorf("scope = %q", form.Get("scope"))
	}
}

func TestClientCredentialsRequiresSecret(t *testing.T) {
	t.Parallel()

	idp := newFakeIdP(t)
	client := newTestClient(t, idp, func(o *Options) {
		o.ClientSecret = ""
	})

	_, err := client.AuthenticateClientCredentials(context.Background())
	if !errors.Is(err, auth.ErrMisconfigured) {
		t.Errorf("error = %v, want ErrMisconfigured", err)
	}
}

func TestAuthorizationCodeExchangeWithPKCE(t *testing.T) {
	t.Parallel()

	idp := newFakeIdP(t)
	client := newTestClient(t, idp, nil)

	if _, err := client.ExchangeAuthorizationCode(context.Background(), "code-1", "verifier-1"); err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}

	idp.mu.Lock()
	form := idp.lastTokenForm
	idp.mu.Unlock()
	if form.Get("grant_type") != "authorization_code" {
		t.Errorf("grant_type = %q", form.Get("grant_type"))
	}
	if form.Get("code") != "code-1" {
		t.Errorf("code = %q", form.Get("code"))
	}
	if form.Get("code_verifier") != "verifier-1" {
		t.Errorf("code_verifier = %q", form.Get("code_verifier"))
	}
	if form.Get("redirect_uri") != "https://app.test/callback" {
		t.Errorf("redirect_uri = %q", form.Get("redirect_uri"))
	}
}

func TestRefreshTokenGrant(t *testing.T) {
	t.Parallel()

	idp := newFakeIdP(t)
	client := newTestClient(t, idp, nil)

	if _, err := client.RefreshToken(context.Background(), "refresh-abc"); err != nil {
		t.Fatalf("RefreshToken() error = %v", err)
	}

	idp.mu.Lock()
	form := idp.lastTokenForm
	idp.mu.Unlock()
	if form.Get("grant_type") != "refresh_token" || form.Get("refresh_token") != "refresh-abc" {
		t.Errorf("unexpected form: %v", form)
	}
}

func TestPasswordGrantMintsSessionID(t *testing.T) {
	t.Parallel()

	idp := newFakeIdP(t)
	client := newTestClient(t, idp, nil)

	tok, err := client.AuthenticateWithPassword(context.Background(), "alice", "pw", "")
	if err != nil {
		t.Fatalf("AuthenticateWithPassword() error = %v", err)
	}
	if tok.SessionID == "" {
		t.Error("password grant must mint a session ID")
	}

	if _, err := client.AuthenticateWithPassword(context.Background(), "alice", "wrong", ""); !errors.Is(err, auth.ErrUpstream) {
		t.Errorf("bad password error = %v, want ErrUpstream", err)
	}
}

func TestIntrospectTokenActive(t *testing.T) {
	t.Parallel()

	idp := newFakeIdP(t)
	idp.mu.Lock()
	idp.introspectClaims = map[string]any{
		"sub":                "u7",
		"preferred_username": "bob",
		"exp":                float64(time.Now().Add(time.Hour).Unix()),
		"scope":              "openid svc:read",
	}
	idp.mu.Unlock()

	client := newTestClient(t, idp, nil)

	result := client.IntrospectToken(context.Background(), "opaque-token")
	if !result.Success {
		t.Fatalf("IntrospectToken() failed: %s", result.Error)
	}
	if result.User.ID != "u7" {
		t.Errorf("user ID = %q, want u7", result.User.ID)
	}
}

func TestIntrospectTokenInactiveCached(t *testing.T) {
	t.Parallel()

	idp := newFakeIdP(t)
	idp.mu.Lock()
	idp.introspectActive = false
	idp.mu.Unlock()

	resultCache := cache.NewMemory(100, time.Minute)
	client := newTestClient(t, idp, func(o *Options) {
		o.ResultCache = resultCache
	})

	first := client.IntrospectToken(context.Background(), "dead-token")
	if first.Success {
		t.Fatal("inactive token must fail")
	}

	second := client.IntrospectToken(context.Background(), "dead-token")
	if second.Success {
		t.Fatal("inactive token must fail on second call")
	}
	if !second.FromCache {
		t.Error("second inactive result must come from the negative cache")
	}

	idp.mu.Lock()
	calls := idp.introspectCalls
	idp.mu.Unlock()
	if calls != 1 {
		t.Errorf("introspection endpoint called %d times, want 1", calls)
	}
}

func TestGetUserInfoCaches(t *testing.T) {
	t.Parallel()

	idp := newFakeIdP(t)
	client := newTestClient(t, idp, nil)

	ctx := context.Background()
	first, err := client.GetUserInfo(ctx, "access-1")
	if err != nil {
		t.Fatalf("GetUserInfo() error = %v", err)
	}
	if first.Username != "alice" {
		t.Errorf("username = %q, want alice", first.Username)
	}

	if _, err := client.GetUserInfo(ctx, "access-1"); err != nil {
		t.Fatalf("second GetUserInfo() error = %v", err)
	}

	idp.mu.Lock()
	calls := idp.userinfoCalls
	idp.mu.Unlock()
	if calls != 1 {
		t.Errorf("userinfo endpoint called %d times, want 1", calls)
	}
}

func TestGetAuthorizationURL(t *testing.T) {
	t.Parallel()

	idp := newFakeIdP(t)
	client := newTestClient(t, idp, nil)

	raw, err := client.GetAuthorizationURL(context.Background(), "st-1", "n-1", "challenge-1", "email")
	if err != nil {
		t.Fatalf("GetAuthorizationURL() error = %v", err)
	}

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()
	if q.Get("response_type") != "code" {
		t.Errorf("response_type = %q", q.Get("response_type"))
	}
	if q.Get("state") != "st-1" || q.Get("nonce") != "n-1" {
		t.Errorf("state/nonce = %q/%q", q.Get("state"), q.Get("nonce"))
	}
	if q.Get("code_challenge") != "challenge-1" || q.Get("code_challenge_method") != "S256" {
		t.Errorf("PKCE params = %q/%q", q.Get("code_challenge"), q.Get("code_challenge_method"))
	}
	if q.Get("scope") != "openid email" {
		t.Errorf("scope = %q", q.Get("scope"))
	}
}

func TestGetLogoutURLAndLogout(t *testing.T) {
	t.Parallel()

	idp := newFakeIdP(t)
	client := newTestClient(t, idp, nil)

	raw, err := client.GetLogoutURL(context.Background(), "id-token", "https://app.test/")
	if err != nil {
		t.Fatalf("GetLogoutURL() error = %v", err)
	}
	u, _ := url.Parse(raw)
	if u.Query().Get("id_token_hint") != "id-token" {
		t.Errorf("id_token_hint = %q", u.Query().Get("id_token_hint"))
	}

	if err := client.Logout(context.Background(), "refresh-abc"); err != nil {
		t.Errorf("Logout() error = %v", err)
	}
}

func TestDiscoveryRefreshesAfterTTL(t *testing.T) {
	t.Parallel()

	idp := newFakeIdP(t)
	client := newTestClient(t, idp, func(o *Options) {
		o.DiscoveryTTL = 30 * time.Millisecond
	})

	ctx := context.Background()
	if err := client.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if _, err := client.Discovery(ctx); err != nil {
		t.Fatal(err)
	}

	idp.mu.Lock()
	calls := idp.discoveryCalls
	idp.mu.Unlock()
	if calls != 1 {
		t.Fatalf("discovery fetched %d times within the TTL, want 1", calls)
	}

	time.Sleep(50 * time.Millisecond)
	if _, err := client.Discovery(ctx); err != nil {
		t.Fatalf("Discovery() after TTL error = %v", err)
	}

	idp.mu.Lock()
	calls = idp.discoveryCalls
	idp.mu.Unlock()
	if calls != 2 {
		t.Errorf("discovery fetched %d times after the TTL lapsed, want 2", calls)
	}
}

func TestDiscoveryRefreshFailureKeepsStaleDocument(t *testing.T) {
	t.Parallel()

	// Serves a valid document once, then only errors.
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) > 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		base := "http://" + r.Host + "/realms/r"
		fmt.Fprintf(w, `{"issuer":%q,"authorization_endpoint":%q,"token_endpoint":%q,"jwks_uri":%q}`,
			base, base+"/auth", base+"/token", base+"/certs")
	}))
	defer srv.Close()

	client, err := New(Options{
		ServerURL:    srv.URL,
		Realm:        "r",
		ClientID:     "svc",
		DiscoveryTTL: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := client.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	doc, err := client.Discovery(ctx)
	if err != nil {
		t.Fatalf("Discovery() after failed refresh error = %v", err)
	}
	if doc == nil || !strings.HasSuffix(doc.TokenEndpoint, "/token") {
		t.Errorf("stale document must survive a failed refresh, got %+v", doc)
	}
	if calls.Load() != 2 {
		t.Errorf("discovery attempted %d times, want 2", calls.Load())
	}
}

func TestDisposeClearsState(t *testing.T) {
	t.Parallel()

	idp := newFakeIdP(t)
	client, err := New(Options{
		ServerURL: idp.srv.URL,
		Realm:     idp.realm,
		ClientID:  "svc",
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := client.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	client.Dispose()

	// Disposed client re-initializes from scratch.
	if err := client.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() after Dispose error = %v", err)
	}

	idp.mu.Lock()
	calls := idp.discoveryCalls
	idp.mu.Unlock()
	if calls != 2 {
		t.Errorf("discovery fetched %d times, want 2", calls)
	}
}

func TestDisposeOfFailedClientStaysFailed(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, err := New(Options{ServerURL: srv.URL, Realm: "r", ClientID: "svc"})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := client.Initialize(ctx); err == nil {
		t.Fatal("Initialize() should fail against a 500 server")
	}
	client.Dispose()

	// Failure is terminal; Dispose must not open a path back to pending.
	if err := client.Initialize(ctx); err == nil {
		t.Fatal("Initialize() after Dispose must still return the stored failure")
	}
	if calls.Load() != 1 {
		t.Errorf("discovery attempted %d times, want 1", calls.Load())
	}
}
