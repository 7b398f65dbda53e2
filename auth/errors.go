// Castellan - Keycloak Authentication and API-Key Management for Go Services
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

package auth

import "errors"

// Error taxonomy shared by every Castellan component. Components wrap these
// sentinels with fmt.Errorf("...: %w", ...) so callers can branch with
// errors.Is while log messages stay specific.
var (
	// ErrMalformed indicates input that fails a structural check
	// (token shape, API-key format, schema).
	ErrMalformed = errors.New("invalid token format")

	// ErrMisconfigured indicates a required option is missing
	// (client secret, redirect URI, endpoint). Caller fix required.
	ErrMisconfigured = errors.New("configuration invalid")

	// ErrUpstream indicates a non-2xx response from the IdP or store.
	ErrUpstream = errors.New("upstream error")

	// ErrUpstreamTimeout indicates a deadline was exceeded talking upstream.
	ErrUpstreamTimeout = errors.New("upstream timeout")

	// ErrRevoked indicates the credential exists but has been revoked.
	ErrRevoked = errors.New("key revoked")

	// ErrExpired indicates the credential exists but has expired.
	ErrExpired = errors.New("token expired")

	// ErrInactive indicates the credential exists but is not active.
	ErrInactive = errors.New("key inactive")

	// ErrReplay indicates a JWT (jti, iat) pair was already seen.
	ErrReplay = errors.New("token replay")

	// ErrIntegrity indicates a cache envelope checksum mismatch.
	ErrIntegrity = errors.New("cache integrity violation")

	// ErrEntropyFailure indicates secure randomness is unusable.
	ErrEntropyFailure = errors.New("entropy source failure")

	// ErrConflict indicates a duplicate key identifier or unique violation.
	ErrConflict = errors.New("duplicate key identifier")

	// ErrAlreadyRevoked indicates a revocation of an already-revoked key.
	ErrAlreadyRevoked = errors.New("already revoked")

	// ErrNotFound indicates the referenced entity does not exist.
	ErrNotFound = errors.New("not found")
)

// safeSentinels lists the errors whose messages may cross the API boundary.
var safeSentinels = []error{
	ErrMalformed,
	ErrMisconfigured,
	ErrUpstream,
	ErrUpstreamTimeout,
	ErrRevoked,
	ErrExpired,
	ErrInactive,
	ErrReplay,
	ErrAlreadyRevoked,
}

// SanitizedMessage maps an error to a message safe to return to callers.
// Errors wrapping a taxonomy sentinel surface the sentinel's message; all
// other errors collapse to a generic phrase so internals never leak.
func SanitizedMessage(err error) string {
	for _, sentinel := range safeSentinels {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return "authentication failed"
}
