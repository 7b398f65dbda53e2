// Castellan - Keycloak Authentication and API-Key Management for Go Services
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

// Package admin wraps the Keycloak Admin REST API: typed user, role and
// credential operations authenticated with a cached service token, plus a
// user service that orchestrates CRUD and role assignment.
package admin

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/castellan-io/castellan/auth"
	"github.com/castellan-io/castellan/httpx"
	"github.com/castellan-io/castellan/internal/logging"
	"github.com/castellan-io/castellan/oidc"
)

// RequestsTotal counts admin API requests by operation and outcome.
var RequestsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "admin_api_requests_total",
		Help: "Total number of Keycloak admin API requests",
	},
	[]string{"operation", "outcome"},
)

// User is the Keycloak admin user representation.
type User struct {
	ID            string              `json:"id,omitempty"`
	Username      string              `json:"username,omitempty"`
	Email         string              `json:"email,omitempty"`
	FirstName     string              `json:"firstName,omitempty"`
	LastName      string              `json:"lastName,omitempty"`
	Enabled       bool                `json:"enabled"`
	EmailVerified bool                `json:"emailVerified,omitempty"`
	Attributes    map[string][]string `json:"attributes,omitempty"`
}

// Role is the Keycloak role representation.
type Role struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ClientRole  bool   `json:"clientRole,omitempty"`
	ContainerID string `json:"containerId,omitempty"`
}

// credential is the admin API password-reset payload.
type credential struct {
	Type      string `json:"type"`
	Value     string `json:"value"`
	Temporary bool   `json:"temporary"`
}

// Client is a typed wrapper over `<base>/admin/realms/<realm>`.
// Every call acquires a bearer token from the admin-token provider.
// Safe for concurrent use.
type Client struct {
	oidc   *oidc.Client
	tokens *oidc.AdminTokenProvider
	http   httpx.Doer
	realm  string

	mu      sync.Mutex
	baseURL string
}

// NewClient creates an admin client over an initialized confidential OIDC
// client. The base URL is derived lazily from the discovery issuer.
func NewClient(oidcClient *oidc.Client, tokens *oidc.AdminTokenProvider, doer httpx.Doer, realm string) *Client {
	if doer == nil {
		doer = httpx.New(httpx.Config{BreakerName: "keycloak-admin"})
	}
	return &Client{
		oidc:   oidcClient,
		tokens: tokens,
		http:   doer,
		realm:  realm,
	}
}

// base derives and caches the admin base URL from the discovery issuer:
// the issuer minus its realm suffix, plus /admin/realms/<realm>.
func (c *Client) base(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.baseURL != "" {
		return c.baseURL, nil
	}

	doc, err := c.oidc.Discovery(ctx)
	if err != nil {
		return "", err
	}

	root := strings.TrimSuffix(doc.Issuer, "/realms/"+c.realm)
	c.baseURL = root + "/admin/realms/" + c.realm
	return c.baseURL, nil
}

// do issues an authenticated admin request and enforces a 2xx status.
// A non-nil body is JSON-encoded. The response body is returned raw.
func (c *Client) do(ctx context.Context, operation, method, path string, body any) (*http.Response, []byte, error) {
	base, err := c.base(ctx)
	if err != nil {
		RequestsTotal.WithLabelValues(operation, "failure").Inc()
		return nil, nil, err
	}

	token, err := c.tokens.GetValidToken(ctx)
	if err != nil {
		RequestsTotal.WithLabelValues(operation, "failure").Inc()
		return nil, nil, err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			RequestsTotal.WithLabelValues(operation, "failure").Inc()
			return nil, nil, fmt.Errorf("%w: encode %s body: %v", auth.ErrMalformed, operation, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, base+path, reader)
	if err != nil {
		RequestsTotal.WithLabelValues(operation, "failure").Inc()
		return nil, nil, fmt.Errorf("%w: %s request: %v", auth.ErrUpstream, operation, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		RequestsTotal.WithLabelValues(operation, "failure").Inc()
		if httpx.IsTimeout(err) {
			return nil, nil, fmt.Errorf("%w: %s: %v", auth.ErrUpstreamTimeout, operation, err)
		}
		return nil, nil, fmt.Errorf("%w: %s: %v", auth.ErrUpstream, operation, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		RequestsTotal.WithLabelValues(operation, "failure").Inc()
		return resp, nil, fmt.Errorf("%w: %s read: %v", auth.ErrUpstream, operation, err)
	}

	RequestsTotal.WithLabelValues(operation, strconv.Itoa(resp.StatusCode)).Inc()
	return resp, data, nil
}

// statusError maps a non-2xx admin response to the error taxonomy.
func statusError(operation string, resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", auth.ErrNotFound, operation)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", auth.ErrConflict, operation)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s returned status %d", auth.ErrMisconfigured, operation, resp.StatusCode)
	default:
		return fmt.Errorf("%w: %s returned status %d", auth.ErrUpstream, operation, resp.StatusCode)
	}
}

// SearchUsers searches users by username, email or name fragment.
func (c *Client) SearchUsers(ctx context.Context, query string, max int) ([]*User, error) {
	if max <= 0 {
		max = 100
	}
	q := url.Values{"search": {query}, "max": {strconv.Itoa(max)}}

	resp, data, err := c.do(ctx, "search_users", http.MethodGet, "/users?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("search_users", resp)
	}

	var users []*User
	if err := json.Unmarshal(data, &users); err != nil {
		return nil, fmt.Errorf("%w: decode users: %v", auth.ErrUpstream, err)
	}
	return users, nil
}

// GetUserByID fetches one user. A 404 returns (nil, nil).
func (c *Client) GetUserByID(ctx context.Context, id string) (*User, error) {
	resp, data, err := c.do(ctx, "get_user", http.MethodGet, "/users/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("get_user", resp)
	}

	var user User
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("%w: decode user: %v", auth.ErrUpstream, err)
	}
	return &user, nil
}

// CreateUser creates a user and returns the new ID, parsed from the last
// segment of the Location response header.
func (c *Client) CreateUser(ctx context.Context, user *User) (string, error) {
	resp, _, err := c.do(ctx, "create_user", http.MethodPost, "/users", user)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusCreated {
		return "", statusError("create_user", resp)
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return "", fmt.Errorf("%w: create_user response missing Location header", auth.ErrUpstream)
	}
	segments := strings.Split(strings.TrimSuffix(location, "/"), "/")
	return segments[len(segments)-1], nil
}

// UpdateUser replaces the user representation.
func (c *Client) UpdateUser(ctx context.Context, id string, user *User) error {
	resp, _, err := c.do(ctx, "update_user", http.MethodPut, "/users/"+url.PathEscape(id), user)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return statusError("update_user", resp)
	}
	return nil
}

// DeleteUser removes a user. A 404 is treated as success with a warning,
// so deletes are idempotent.
func (c *Client) DeleteUser(ctx context.Context, id string) error {
	resp, _, err := c.do(ctx, "delete_user", http.MethodDelete, "/users/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusNotFound {
		logging.Warn().Str("user_id", id).Msg("deleting a user that does not exist")
		return nil
	}
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return statusError("delete_user", resp)
	}
	return nil
}

// ResetPassword sets a user's password.
func (c *Client) ResetPassword(ctx context.Context, id, password string, temporary bool) error {
	payload := credential{Type: "password", Value: password, Temporary: temporary}
	resp, _, err := c.do(ctx, "reset_password", http.MethodPut,
		"/users/"+url.PathEscape(id)+"/reset-password", payload)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return statusError("reset_password", resp)
	}
	return nil
}

// GetRealmRoles lists the realm's roles.
func (c *Client) GetRealmRoles(ctx context.Context) ([]*Role, error) {
	return c.getRoles(ctx, "get_realm_roles", "/roles")
}

// GetUserRealmRoles lists the realm roles mapped to a user.
func (c *Client) GetUserRealmRoles(ctx context.Context, id string) ([]*Role, error) {
	return c.getRoles(ctx, "get_user_realm_roles",
		"/users/"+url.PathEscape(id)+"/role-mappings/realm")
}

// AssignRealmRoles maps realm roles onto a user.
func (c *Client) AssignRealmRoles(ctx context.Context, id string, roles []*Role) error {
	return c.mutateRoles(ctx, "assign_realm_roles", http.MethodPost,
		"/users/"+url.PathEscape(id)+"/role-mappings/realm", roles)
}

// RemoveRealmRoles unmaps realm roles from a user.
func (c *Client) RemoveRealmRoles(ctx context.Context, id string, roles []*Role) error {
	return c.mutateRoles(ctx, "remove_realm_roles", http.MethodDelete,
		"/users/"+url.PathEscape(id)+"/role-mappings/realm", roles)
}

// GetClientRoles lists a client's roles by the client's internal ID.
func (c *Client) GetClientRoles(ctx context.Context, clientInternalID string) ([]*Role, error) {
	return c.getRoles(ctx, "get_client_roles",
		"/clients/"+url.PathEscape(clientInternalID)+"/roles")
}

// AssignClientRoles maps client roles onto a user.
func (c *Client) AssignClientRoles(ctx context.Context, userID, clientInternalID string, roles []*Role) error {
	return c.mutateRoles(ctx, "assign_client_roles", http.MethodPost,
		"/users/"+url.PathEscape(userID)+"/role-mappings/clients/"+url.PathEscape(clientInternalID), roles)
}

// RemoveClientRoles unmaps client roles from a user.
func (c *Client) RemoveClientRoles(ctx context.Context, userID, clientInternalID string, roles []*Role) error {
	return c.mutateRoles(ctx, "remove_client_roles", http.MethodDelete,
		"/users/"+url.PathEscape(userID)+"/role-mappings/clients/"+url.PathEscape(clientInternalID), roles)
}

// GetClientInternalID resolves a clientId to Keycloak's internal UUID.
func (c *Client) GetClientInternalID(ctx context.Context, clientID string) (string, error) {
	q := url.Values{"clientId": {clientID}}
	resp, data, err := c.do(ctx, "get_client_internal_id", http.MethodGet, "/clients?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", statusError("get_client_internal_id", resp)
	}

	var clients []struct {
		ID       string `json:"id"`
		ClientID string `json:"clientId"`
	}
	if err := json.Unmarshal(data, &clients); err != nil {
		return "", fmt.Errorf("%w: decode clients: %v", auth.ErrUpstream, err)
	}
	for _, client := range clients {
		if client.ClientID == clientID {
			return client.ID, nil
		}
	}
	return "", fmt.Errorf("%w: client %q", auth.ErrNotFound, clientID)
}

func (c *Client) getRoles(ctx context.Context, operation, path string) ([]*Role, error) {
	resp, data, err := c.do(ctx, operation, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(operation, resp)
	}

	var roles []*Role
	if err := json.Unmarshal(data, &roles); err != nil {
		return nil, fmt.Errorf("%w: decode roles: %v", auth.ErrUpstream, err)
	}
	return roles, nil
}

func (c *Client) mutateRoles(ctx context.Context, operation, method, path string, roles []*Role) error {
	resp, _, err := c.do(ctx, operation, method, path, roles)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return statusError(operation, resp)
	}
	return nil
}
