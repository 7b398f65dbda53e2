// Castellan - Keycloak Authentication and API-Key Management for Go Services
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

// Package oidc implements the OpenID Connect / OAuth2 client core:
// discovery, JWKS-based local JWT validation with replay protection, all
// grant flows, token introspection, userinfo, logout, plus the admin-token
// provider, the offline resilience wrapper, and the multi-client factory.
package oidc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"github.com/castellan-io/castellan/auth"
	"github.com/castellan-io/castellan/cache"
	"github.com/castellan-io/castellan/httpx"
	"github.com/castellan-io/castellan/internal/logging"
)

const (
	// maxTokenLength bounds accepted bearer tokens (inclusive).
	maxTokenLength = 8192

	// defaultClockSkew is the JWT time-claim tolerance.
	defaultClockSkew = 30 * time.Second

	// minReplayTTL is the floor for replay-marker lifetimes.
	minReplayTTL = 60 * time.Second

	// introspectionNegativeTTL caches active:false introspection results.
	introspectionNegativeTTL = 60 * time.Second

	// defaultUserinfoTTL caches userinfo responses.
	defaultUserinfoTTL = 5 * time.Minute

	// defaultDiscoveryTTL bounds the cached discovery document.
	defaultDiscoveryTTL = time.Hour

	// tokenCachePrefix namespaces validation-result cache keys.
	tokenCachePrefix = "oidc:token:"

	// introspectCachePrefix namespaces negative introspection cache keys.
	introspectCachePrefix = "oidc:introspect:"
)

// signingMethods are the JWT algorithms accepted from the IdP.
var signingMethods = []string{"RS256", "RS384", "RS512"}

// clientState tracks the initialization state machine.
type clientState int

const (
	statePending clientState = iota
	stateInitialized
	stateFailed
)

// Options configures one OIDC client.
type Options struct {
	// ServerURL is the IdP base URL, without the realm suffix. Required.
	ServerURL string

	// Realm is the IdP realm. Required.
	Realm string

	// ClientID identifies this client; it is also the expected audience
	// for local token validation. Required.
	ClientID string

	// ClientSecret is required for confidential flows (client credentials,
	// introspection). Empty for public clients.
	ClientSecret string

	// RedirectURI is used by the authorization-code flow.
	RedirectURI string

	// Scopes are the default scopes requested by this client.
	Scopes []string

	// ValidateIssuer enables strict issuer matching during local validation.
	ValidateIssuer bool

	// ClockSkew is the JWT time-claim tolerance. Default 30s.
	ClockSkew time.Duration

	// HTTP is the outbound HTTP capability. Defaults to httpx.New.
	HTTP httpx.Doer

	// ResultCache stores integrity-sealed validation results keyed by
	// token hash. Nil disables result caching.
	ResultCache cache.Service

	// Replay is the replay-protection store. Nil disables replay checks.
	Replay ReplayTracker

	// UserinfoTTL bounds the in-process userinfo cache. Default 5m.
	UserinfoTTL time.Duration

	// DiscoveryTTL bounds the cached discovery document. After it lapses
	// the next use re-fetches; a failed re-fetch keeps the stale document.
	// Default 1h.
	DiscoveryTTL time.Duration
}

// Client is one OIDC client bound to a single (server, realm, clientID).
// Safe for concurrent use. A client whose first discovery fetch fails is
// terminally failed; create a new instance to retry.
type Client struct {
	opts Options

	mu        sync.Mutex
	state     clientState
	initErr   error
	discovery *DiscoveryDocument
	fetchedAt time.Time
	jwks      *jwksResolver

	userinfo     *ttlcache.Cache[string, *auth.UserInfo]
	stopUserinfo sync.Once
}

// New creates an OIDC client. Initialization is lazy: the first operation
// that needs the discovery document triggers the fetch, or call Initialize
// eagerly.
func New(opts Options) (*Client, error) {
	if opts.ServerURL == "" || opts.Realm == "" || opts.ClientID == "" {
		return nil, fmt.Errorf("%w: server URL, realm and client ID are required", auth.ErrMisconfigured)
	}
	if opts.ClockSkew <= 0 {
		opts.ClockSkew = defaultClockSkew
	}
	if opts.UserinfoTTL <= 0 {
		opts.UserinfoTTL = defaultUserinfoTTL
	}
	if opts.DiscoveryTTL <= 0 {
		opts.DiscoveryTTL = defaultDiscoveryTTL
	}
	if opts.HTTP == nil {
		opts.HTTP = httpx.New(httpx.Config{BreakerName: "oidc-" + opts.ClientID})
	}

	userinfo := ttlcache.New(
		ttlcache.WithTTL[string, *auth.UserInfo](opts.UserinfoTTL),
		ttlcache.WithCapacity[string, *auth.UserInfo](1000),
	)
	go userinfo.Start()

	return &Client{
		opts:     opts,
		userinfo: userinfo,
	}, nil
}

// ClientID returns the configured client identifier.
func (c *Client) ClientID() string { return c.opts.ClientID }

// Issuer returns the issuer expected for the configured server and realm.
func (c *Client) Issuer() string {
	return strings.TrimSuffix(c.opts.ServerURL, "/") + "/realms/" + c.opts.Realm
}

// Initialize fetches and caches the discovery document. Concurrent calls
// share one in-flight fetch; within the discovery TTL calls after the
// first success are no-ops. A failed first fetch is terminal for this
// instance.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case stateInitialized:
		if time.Since(c.fetchedAt) < c.opts.DiscoveryTTL {
			return nil
		}
		return c.refreshDiscovery(ctx)
	case stateFailed:
		return c.initErr
	}

	doc, err := fetchDiscovery(ctx, c.opts.HTTP, c.opts.ServerURL, c.opts.Realm)
	if err != nil {
		c.state = stateFailed
		c.initErr = err
		return err
	}

	c.setDiscovery(doc)
	c.state = stateInitialized

	logging.Info().
		Str("issuer", doc.Issuer).
		Str("client_id", c.opts.ClientID).
		Msg("OIDC client initialized")
	return nil
}

// refreshDiscovery re-fetches an expired discovery document best-effort.
// On failure the stale document stays in place for another TTL window.
// Caller holds c.mu.
func (c *Client) refreshDiscovery(ctx context.Context) error {
	doc, err := fetchDiscovery(ctx, c.opts.HTTP, c.opts.ServerURL, c.opts.Realm)
	if err != nil {
		c.fetchedAt = time.Now()
		logging.Warn().
			Err(err).
			Str("client_id", c.opts.ClientID).
			Msg("discovery refresh failed, keeping stale document")
		return nil
	}
	c.setDiscovery(doc)
	return nil
}

// setDiscovery installs a discovery document, rebuilding the JWKS resolver
// only when the JWKS URI moved. Caller holds c.mu.
func (c *Client) setDiscovery(doc *DiscoveryDocument) {
	c.discovery = doc
	c.fetchedAt = time.Now()
	if c.jwks == nil || c.jwks.uri != doc.JWKSURI {
		c.jwks = newJWKSResolver(doc.JWKSURI, c.opts.HTTP)
	}
}

// Discovery returns the cached discovery document, initializing if needed.
func (c *Client) Discovery(ctx context.Context) (*DiscoveryDocument, error) {
	if err := c.Initialize(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.discovery, nil
}

// HealthCheck succeeds iff a discovery document is loaded, initializing
// if needed.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.Discovery(ctx)
	return err
}

// Ping performs a live discovery fetch without touching client state.
// Used by the resilience wrapper to probe IdP reachability.
func (c *Client) Ping(ctx context.Context) error {
	_, err := fetchDiscovery(ctx, c.opts.HTTP, c.opts.ServerURL, c.opts.Realm)
	return err
}

// Dispose clears the discovery document, JWKS keys and in-process caches.
// An initialized instance returns to the uninitialized state; a failed
// instance stays failed.
func (c *Client) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.discovery = nil
	c.fetchedAt = time.Time{}
	if c.jwks != nil {
		c.jwks.reset()
		c.jwks = nil
	}
	if c.state == stateInitialized {
		c.state = statePending
	}
	c.userinfo.DeleteAll()
	c.stopUserinfo.Do(c.userinfo.Stop)
}

// TokenResponse is the token-endpoint response for any grant.
type TokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	IDToken          string `json:"id_token,omitempty"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int    `json:"expires_in"`
	RefreshExpiresIn int    `json:"refresh_expires_in,omitempty"`
	Scope            string `json:"scope,omitempty"`

	// SessionID is a random identifier minted for password-grant logins.
	SessionID string `json:"-"`
}

// tokenRequest posts a form to the token endpoint and decodes the response.
func (c *Client) tokenRequest(ctx context.Context, grant string, form url.Values) (*TokenResponse, error) {
	doc, err := c.Discovery(ctx)
	if err != nil {
		GrantRequestsTotal.WithLabelValues(grant, "failure").Inc()
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		doc.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		GrantRequestsTotal.WithLabelValues(grant, "failure").Inc()
		return nil, fmt.Errorf("%w: token request: %v", auth.ErrUpstream, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.opts.HTTP.Do(req)
	if err != nil {
		GrantRequestsTotal.WithLabelValues(grant, "failure").Inc()
		if httpx.IsTimeout(err) {
			return nil, fmt.Errorf("%w: token endpoint: %v", auth.ErrUpstreamTimeout, err)
		}
		return nil, fmt.Errorf("%w: token endpoint: %v", auth.ErrUpstream, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		GrantRequestsTotal.WithLabelValues(grant, "failure").Inc()

		var oauthErr struct {
			Error       string `json:"error"`
			Description string `json:"error_description"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&oauthErr)
		logging.Warn().
			Str("grant", grant).
			Int("status", resp.StatusCode).
			Str("oauth_error", oauthErr.Error).
			Msg("token endpoint rejected grant")
		return nil, fmt.Errorf("%w: token endpoint returned status %d", auth.ErrUpstream, resp.StatusCode)
	}

	var tok TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		GrantRequestsTotal.WithLabelValues(grant, "failure").Inc()
		return nil, fmt.Errorf("%w: token decode: %v", auth.ErrUpstream, err)
	}

	GrantRequestsTotal.WithLabelValues(grant, "success").Inc()
	return &tok, nil
}

// AuthenticateClientCredentials obtains a service token via the
// client-credentials grant. The client secret is required.
func (c *Client) AuthenticateClientCredentials(ctx context.Context, scopes ...string) (*TokenResponse, error) {
	if c.opts.ClientSecret == "" {
		return nil, fmt.Errorf("%w: client credentials grant requires a client secret", auth.ErrMisconfigured)
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.opts.ClientID},
		"client_secret": {c.opts.ClientSecret},
	}
	if len(scopes) > 0 {
		form.Set("scope", strings.Join(scopes, " "))
	}
	return c.tokenRequest(ctx, "client_credentials", form)
}

// ExchangeAuthorizationCode exchanges an authorization code, with the PKCE
// verifier when the flow used one.
func (c *Client) ExchangeAuthorizationCode(ctx context.Context, code, codeVerifier string) (*TokenResponse, error) {
	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"client_id":    {c.opts.ClientID},
		"redirect_uri": {c.opts.RedirectURI},
	}
	if c.opts.ClientSecret != "" {
		form.Set("client_secret", c.opts.ClientSecret)
	}
	if codeVerifier != "" {
		form.Set("code_verifier", codeVerifier)
	}
	return c.tokenRequest(ctx, "authorization_code", form)
}

// RefreshToken exchanges a refresh token for a fresh token pair.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.opts.ClientID},
	}
	if c.opts.ClientSecret != "" {
		form.Set("client_secret", c.opts.ClientSecret)
	}
	return c.tokenRequest(ctx, "refresh_token", form)
}

// AuthenticateWithPassword runs the resource-owner password grant and
// mints a random session ID for the caller. An empty clientID uses the
// configured one.
func (c *Client) AuthenticateWithPassword(ctx context.Context, username, password, clientID string) (*TokenResponse, error) {
	if clientID == "" {
		clientID = c.opts.ClientID
	}

	form := url.Values{
		"grant_type": {"password"},
		"client_id":  {clientID},
		"username":   {username},
		"password":   {password},
	}
	if c.opts.ClientSecret != "" {
		form.Set("client_secret", c.opts.ClientSecret)
	}
	if len(c.opts.Scopes) > 0 {
		form.Set("scope", strings.Join(c.opts.Scopes, " "))
	}

	tok, err := c.tokenRequest(ctx, "password", form)
	if err != nil {
		return nil, err
	}
	tok.SessionID = uuid.NewString()
	return tok, nil
}

// tokenCacheKey derives the result-cache key for a raw token.
func tokenCacheKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return tokenCachePrefix + hex.EncodeToString(sum[:])
}

// checkTokenShape enforces the structural bounds before any crypto work:
// length 1..8192 and three non-empty base64url segments.
func checkTokenShape(token string) error {
	if len(token) == 0 || len(token) > maxTokenLength {
		return fmt.Errorf("%w: token length out of bounds", auth.ErrMalformed)
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return fmt.Errorf("%w: token must have three segments", auth.ErrMalformed)
	}
	for _, part := range parts {
		if part == "" {
			return fmt.Errorf("%w: empty token segment", auth.ErrMalformed)
		}
		for i := 0; i < len(part); i++ {
			ch := part[i]
			if (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') ||
				(ch >= '0' && ch <= '9') || ch == '-' || ch == '_' {
				continue
			}
			return fmt.Errorf("%w: token segment is not base64url", auth.ErrMalformed)
		}
	}
	return nil
}

// ValidateToken verifies a JWT locally: shape check, result cache, JWKS
// signature and claim verification, replay check, claim extraction. A
// successful result is cached until the token expires.
func (c *Client) ValidateToken(ctx context.Context, token string) *auth.Result {
	if err := checkTokenShape(token); err != nil {
		TokenValidationsTotal.WithLabelValues("malformed").Inc()
		return auth.FailErr(err)
	}

	cacheKey := tokenCacheKey(token)
	if c.opts.ResultCache != nil {
		var cached auth.Result
		hit, err := cache.GetSealed(ctx, c.opts.ResultCache, cacheKey, &cached)
		if err != nil {
			logging.Warn().Err(err).Msg("token result cache read failed")
		}
		if hit && time.Now().Before(cached.ExpiresAt) {
			TokenValidationCacheHitsTotal.Inc()
			TokenValidationsTotal.WithLabelValues("success").Inc()
			cached.FromCache = true
			return &cached
		}
	}

	if err := c.Initialize(ctx); err != nil {
		TokenValidationsTotal.WithLabelValues("invalid").Inc()
		return auth.FailErr(err)
	}
	c.mu.Lock()
	jwks := c.jwks
	c.mu.Unlock()

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods(signingMethods),
		jwt.WithLeeway(c.opts.ClockSkew),
		jwt.WithAudience(c.opts.ClientID),
		jwt.WithExpirationRequired(),
	}
	if c.opts.ValidateIssuer {
		parserOpts = append(parserOpts, jwt.WithIssuer(c.Issuer()))
	}

	parsed, err := jwt.Parse(token, jwks.Keyfunc(ctx), parserOpts...)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			TokenValidationsTotal.WithLabelValues("expired").Inc()
			return auth.FailErr(fmt.Errorf("%w: %v", auth.ErrExpired, err))
		case errors.Is(err, auth.ErrUpstream), errors.Is(err, auth.ErrUpstreamTimeout):
			// Keyfunc could not reach the JWKS endpoint.
			TokenValidationsTotal.WithLabelValues("invalid").Inc()
			return auth.FailErr(err)
		default:
			TokenValidationsTotal.WithLabelValues("invalid").Inc()
			return auth.FailErr(fmt.Errorf("%w: %v", auth.ErrMalformed, err))
		}
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		TokenValidationsTotal.WithLabelValues("invalid").Inc()
		return auth.FailErr(fmt.Errorf("%w: unexpected claims type", auth.ErrMalformed))
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		TokenValidationsTotal.WithLabelValues("invalid").Inc()
		return auth.FailErr(fmt.Errorf("%w: missing exp claim", auth.ErrMalformed))
	}
	expiresAt := exp.Time

	if c.opts.Replay != nil {
		jti, _ := claims["jti"].(string)
		iat, iatErr := claims.GetIssuedAt()
		if jti != "" && iatErr == nil && iat != nil {
			ttl := time.Until(expiresAt)
			if ttl < minReplayTTL {
				ttl = minReplayTTL
			}
			marker := &ReplayMarker{
				JTI:      jti,
				IssuedAt: iat.Unix(),
				Subject:  fmt.Sprint(claims["sub"]),
			}
			if err := c.opts.Replay.CheckAndStore(ctx, marker, ttl); err != nil {
				if errors.Is(err, auth.ErrReplay) {
					TokenValidationsTotal.WithLabelValues("replay").Inc()
					return auth.FailErr(err)
				}
				// Store trouble degrades to no replay protection for
				// this call; the validation itself still stands.
				logging.Warn().Err(err).Msg("replay store unavailable")
			}
		}
	}

	user := auth.ExtractUserInfo(claims)
	result := auth.Succeed(user, "", expiresAt)
	result.Scopes = auth.ExtractScopes(claims)

	if c.opts.ResultCache != nil {
		if err := cache.SetSealed(ctx, c.opts.ResultCache, cacheKey, result, time.Until(expiresAt)); err != nil {
			logging.Warn().Err(err).Msg("token result cache write failed")
		}
	}

	TokenValidationsTotal.WithLabelValues("success").Inc()
	return result
}

// IntrospectToken asks the IdP whether a token is active. Inactive results
// are cached for 60 seconds to absorb rejected-token floods.
func (c *Client) IntrospectToken(ctx context.Context, token string) *auth.Result {
	if token == "" || len(token) > maxTokenLength {
		IntrospectionsTotal.WithLabelValues("failure").Inc()
		return auth.FailErr(fmt.Errorf("%w: token length out of bounds", auth.ErrMalformed))
	}

	sum := sha256.Sum256([]byte(token))
	cacheKey := introspectCachePrefix + hex.EncodeToString(sum[:])

	if c.opts.ResultCache != nil {
		var cached auth.Result
		hit, _ := cache.GetSealed(ctx, c.opts.ResultCache, cacheKey, &cached)
		if hit && !cached.Success {
			IntrospectionsTotal.WithLabelValues("inactive").Inc()
			cached.FromCache = true
			return &cached
		}
	}

	doc, err := c.Discovery(ctx)
	if err != nil {
		IntrospectionsTotal.WithLabelValues("failure").Inc()
		return auth.FailErr(err)
	}
	if doc.IntrospectionEndpoint == "" {
		IntrospectionsTotal.WithLabelValues("failure").Inc()
		return auth.FailErr(fmt.Errorf("%w: no introspection endpoint", auth.ErrMisconfigured))
	}

	form := url.Values{
		"token":         {token},
		"client_id":     {c.opts.ClientID},
		"client_secret": {c.opts.ClientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		doc.IntrospectionEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		IntrospectionsTotal.WithLabelValues("failure").Inc()
		return auth.FailErr(fmt.Errorf("%w: introspection request: %v", auth.ErrUpstream, err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.opts.HTTP.Do(req)
	if err != nil {
		IntrospectionsTotal.WithLabelValues("failure").Inc()
		if httpx.IsTimeout(err) {
			return auth.FailErr(fmt.Errorf("%w: introspection: %v", auth.ErrUpstreamTimeout, err))
		}
		return auth.FailErr(fmt.Errorf("%w: introspection: %v", auth.ErrUpstream, err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		IntrospectionsTotal.WithLabelValues("failure").Inc()
		return auth.FailErr(fmt.Errorf("%w: introspection returned status %d", auth.ErrUpstream, resp.StatusCode))
	}

	var claims map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		IntrospectionsTotal.WithLabelValues("failure").Inc()
		return auth.FailErr(fmt.Errorf("%w: introspection decode: %v", auth.ErrUpstream, err))
	}

	active, _ := claims["active"].(bool)
	if !active {
		IntrospectionsTotal.WithLabelValues("inactive").Inc()
		result := auth.FailErr(auth.ErrInactive)
		if c.opts.ResultCache != nil {
			_ = cache.SetSealed(ctx, c.opts.ResultCache, cacheKey, result, introspectionNegativeTTL)
		}
		return result
	}

	user := auth.ExtractUserInfo(claims)
	var expiresAt time.Time
	if exp, ok := claims["exp"].(float64); ok {
		expiresAt = time.Unix(int64(exp), 0)
	}

	IntrospectionsTotal.WithLabelValues("active").Inc()
	result := auth.Succeed(user, "", expiresAt)
	result.Scopes = auth.ExtractScopes(claims)
	return result
}

// GetUserInfo fetches the userinfo claims for an access token, with an
// in-process cache keyed by token hash.
func (c *Client) GetUserInfo(ctx context.Context, accessToken string) (*auth.UserInfo, error) {
	sum := sha256.Sum256([]byte(accessToken))
	key := hex.EncodeToString(sum[:16])

	if item := c.userinfo.Get(key); item != nil {
		UserinfoRequestsTotal.WithLabelValues("cache_hit").Inc()
		return item.Value(), nil
	}

	doc, err := c.Discovery(ctx)
	if err != nil {
		UserinfoRequestsTotal.WithLabelValues("failure").Inc()
		return nil, err
	}
	if doc.UserinfoEndpoint == "" {
		UserinfoRequestsTotal.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("%w: no userinfo endpoint", auth.ErrMisconfigured)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, doc.UserinfoEndpoint, http.NoBody)
	if err != nil {
		UserinfoRequestsTotal.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("%w: userinfo request: %v", auth.ErrUpstream, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.opts.HTTP.Do(req)
	if err != nil {
		UserinfoRequestsTotal.WithLabelValues("failure").Inc()
		if httpx.IsTimeout(err) {
			return nil, fmt.Errorf("%w: userinfo: %v", auth.ErrUpstreamTimeout, err)
		}
		return nil, fmt.Errorf("%w: userinfo: %v", auth.ErrUpstream, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		UserinfoRequestsTotal.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("%w: userinfo returned status %d", auth.ErrUpstream, resp.StatusCode)
	}

	var claims map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		UserinfoRequestsTotal.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("%w: userinfo decode: %v", auth.ErrUpstream, err)
	}

	user := auth.ExtractUserInfo(claims)
	c.userinfo.Set(key, user, ttlcache.DefaultTTL)

	UserinfoRequestsTotal.WithLabelValues("success").Inc()
	return user, nil
}

// GetAuthorizationURL builds the authorization-code URL. A non-empty
// codeChallenge enables PKCE with the S256 method. Pure once initialized.
func (c *Client) GetAuthorizationURL(ctx context.Context, state, nonce, codeChallenge string, extraScopes ...string) (string, error) {
	doc, err := c.Discovery(ctx)
	if err != nil {
		return "", err
	}

	scopes := append(append([]string{}, c.opts.Scopes...), extraScopes...)
	if len(scopes) == 0 {
		scopes = []string{"openid"}
	}

	q := url.Values{
		"response_type": {"code"},
		"client_id":     {c.opts.ClientID},
		"redirect_uri":  {c.opts.RedirectURI},
		"scope":         {strings.Join(scopes, " ")},
		"state":         {state},
	}
	if nonce != "" {
		q.Set("nonce", nonce)
	}
	if codeChallenge != "" {
		q.Set("code_challenge", codeChallenge)
		q.Set("code_challenge_method", "S256")
	}

	return doc.AuthorizationEndpoint + "?" + q.Encode(), nil
}

// GetLogoutURL builds the end-session URL for a browser-driven logout.
func (c *Client) GetLogoutURL(ctx context.Context, idTokenHint, postLogoutRedirectURI string) (string, error) {
	doc, err := c.Discovery(ctx)
	if err != nil {
		return "", err
	}
	if doc.EndSessionEndpoint == "" {
		return "", fmt.Errorf("%w: no end-session endpoint", auth.ErrMisconfigured)
	}

	q := url.Values{"client_id": {c.opts.ClientID}}
	if idTokenHint != "" {
		q.Set("id_token_hint", idTokenHint)
	}
	if postLogoutRedirectURI != "" {
		q.Set("post_logout_redirect_uri", postLogoutRedirectURI)
	}

	return doc.EndSessionEndpoint + "?" + q.Encode(), nil
}

// Logout revokes a refresh token at the IdP's direct logout endpoint.
func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	doc, err := c.Discovery(ctx)
	if err != nil {
		return err
	}

	form := url.Values{
		"refresh_token": {refreshToken},
		"client_id":     {c.opts.ClientID},
	}
	if c.opts.ClientSecret != "" {
		form.Set("client_secret", c.opts.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		doc.LogoutEndpoint(), strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: logout request: %v", auth.ErrUpstream, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.opts.HTTP.Do(req)
	if err != nil {
		if httpx.IsTimeout(err) {
			return fmt.Errorf("%w: logout: %v", auth.ErrUpstreamTimeout, err)
		}
		return fmt.Errorf("%w: logout: %v", auth.ErrUpstream, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: logout returned status %d", auth.ErrUpstream, resp.StatusCode)
	}
	return nil
}
