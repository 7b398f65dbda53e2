// Castellan - Keycloak Authentication and API-Key Management for Go Services
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

package logging

import (
	"strings"

	"github.com/rs/zerolog"
)

// SecurityEvent represents a security-relevant event for audit logging.
type SecurityEvent struct {
	// Event is the type of event (e.g., "key_revocation", "token_replay", "entropy_fallback").
	Event string
	// Severity is the event severity: low, medium, high, critical.
	Severity string
	// UserID is the user's identifier (if known).
	UserID string
	// Subject identifies the credential involved (key ID, token hash prefix).
	Subject string
	// Provider is the credential type (oidc, apikey).
	Provider string
	// Success indicates if the operation was successful.
	Success bool
	// Error is the error message if the operation failed.
	Error string
	// Details contains additional sanitized details.
	Details map[string]string
}

// SecurityLogger provides secure logging for authentication events.
// It automatically sanitizes sensitive data before logging.
type SecurityLogger struct {
	logger zerolog.Logger
}

// NewSecurityLogger creates a new security logger.
func NewSecurityLogger() *SecurityLogger {
	return &SecurityLogger{
		logger: With().Str("component", "security").Logger(),
	}
}

// NewSecurityLoggerWithLogger creates a security logger with a custom zerolog logger.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func NewSecurityLoggerWithLogger(logger zerolog.Logger) *SecurityLogger {
	return &SecurityLogger{
		logger: logger.With().Str("component", "security").Logger(),
	}
}

// LogEvent logs a security event with automatic sanitization.
func (l *SecurityLogger) LogEvent(event *SecurityEvent) {
	e := l.logger.Info().
		Str("event", event.Event)

	if event.Severity != "" {
		e = e.Str("severity", event.Severity)
	}

	if event.Success {
		e = e.Str("status", "success")
	} else {
		e = e.Str("status", "failed")
	}

	if event.UserID != "" {
		e = e.Str("user_id", SanitizeUserID(event.UserID))
	}

	if event.Subject != "" {
		e = e.Str("subject", truncateString(event.Subject, 16))
	}

	if event.Provider != "" {
		e = e.Str("provider", event.Provider)
	}

	if event.Error != "" && !event.Success {
		e = e.Str("error", SanitizeError(event.Error))
	}

	for k, v := range event.Details {
		e = e.Str(k, truncateString(v, 200))
	}

	e.Msg("security event")
}

// safeErrorPhrases is the allow-list of error fragments that may cross the
// API boundary unmodified. Anything else is replaced by a generic message so
// internal details (hosts, SQL, stack frames) never leak to callers.
var safeErrorPhrases = []string{
	"token expired",
	"token revoked",
	"token replay",
	"invalid token format",
	"invalid api key format",
	"key revoked",
	"key expired",
	"key inactive",
	"authentication failed",
	"authorization failed",
	"upstream timeout",
	"upstream error",
	"configuration invalid",
	"already revoked",
}

// SanitizeError reduces an error message to an allow-listed phrase.
// Messages that do not contain a safe phrase are replaced wholesale.
func SanitizeError(msg string) string {
	lower := strings.ToLower(msg)
	for _, phrase := range safeErrorPhrases {
		if strings.Contains(lower, phrase) {
			return phrase
		}
	}
	return "authentication failed"
}

// SanitizeUserID truncates user IDs to a safe length for logging.
func SanitizeUserID(id string) string {
	return truncateString(id, 64)
}

// truncateString shortens s to max characters, appending "..." when cut.
func truncateString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
