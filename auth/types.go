// Castellan - Keycloak Authentication and API-Key Management for Go Services
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

// Package auth defines the shared authentication vocabulary for Castellan:
// the normalized user identity, the authentication result returned by every
// validation path (JWT and API key), the error taxonomy, and the pure
// claim-extraction and role-checking functions.
package auth

import "time"

// UserInfo is the normalized identity produced by every validation path.
//
// Roles are normalized to "realm:<name>" or "<client>:<name>". Roles and
// Permissions are always deduplicated, sorted, and free of empty strings.
type UserInfo struct {
	// ID is the subject identifier (JWT sub, or the API-key owner's user ID).
	ID string `json:"id"`

	// Username is the preferred username if available.
	Username string `json:"username,omitempty"`

	// Email is the user's email address if available.
	Email string `json:"email,omitempty"`

	// Name is the user's display name if available.
	Name string `json:"name,omitempty"`

	// Roles are the normalized roles ("realm:admin", "svc:viewer").
	Roles []string `json:"roles"`

	// Permissions are the normalized permissions ("realm:read", "orders:write").
	Permissions []string `json:"permissions"`

	// Metadata carries optional provider-specific attributes.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Result is the outcome of validating a bearer credential.
//
// Invariant: Success implies User is non-nil; !Success implies Error is set.
type Result struct {
	// Success reports whether the credential was accepted.
	Success bool `json:"success"`

	// User is the authenticated identity. Set iff Success.
	User *UserInfo `json:"user,omitempty"`

	// Token echoes the validated credential when useful to the caller.
	Token string `json:"token,omitempty"`

	// Scopes are the OAuth2 scopes attached to the credential.
	Scopes []string `json:"scopes,omitempty"`

	// ExpiresAt is when the credential stops being valid.
	ExpiresAt time.Time `json:"expires_at,omitempty"`

	// Error is the sanitized failure reason. Set iff !Success.
	Error string `json:"error,omitempty"`

	// FromCache reports whether the result was served from cache.
	FromCache bool `json:"-"`
}

// Succeed builds a successful Result.
func Succeed(user *UserInfo, token string, expiresAt time.Time) *Result {
	return &Result{
		Success:   true,
		User:      user,
		Token:     token,
		ExpiresAt: expiresAt,
	}
}

// Fail builds a failed Result with the given sanitized error message.
func Fail(msg string) *Result {
	return &Result{Success: false, Error: msg}
}

// FailErr builds a failed Result from an error, sanitizing the message.
func FailErr(err error) *Result {
	if err == nil {
		return Fail("authentication failed")
	}
	return Fail(SanitizedMessage(err))
}
