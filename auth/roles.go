// Castellan - Keycloak Authentication and API-Key Management for Go Services
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

// Authorization predicates over a normalized UserInfo. These are pure
// functions; policy storage and enforcement beyond role/permission checks
// is out of scope.
package auth

import (
	"fmt"
	"strings"
)

// HasRole reports whether the user carries the exact normalized role.
func HasRole(user *UserInfo, role string) bool {
	if user == nil {
		return false
	}
	for _, r := range user.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasRealmRole reports whether the user carries the realm role <name>.
func HasRealmRole(user *UserInfo, name string) bool {
	return HasRole(user, "realm:"+name)
}

// HasClientRole reports whether the user carries <client>:<name>.
func HasClientRole(user *UserInfo, client, name string) bool {
	return HasRole(user, client+":"+name)
}

// HasAnyRole reports whether the user carries at least one of the roles.
func HasAnyRole(user *UserInfo, roles ...string) bool {
	for _, role := range roles {
		if HasRole(user, role) {
			return true
		}
	}
	return false
}

// HasAllRoles reports whether the user carries every one of the roles.
func HasAllRoles(user *UserInfo, roles ...string) bool {
	for _, role := range roles {
		if !HasRole(user, role) {
			return false
		}
	}
	return true
}

// HasPermission reports whether the user carries the exact permission.
func HasPermission(user *UserInfo, permission string) bool {
	if user == nil {
		return false
	}
	for _, p := range user.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the user carries an admin role in any prefix
// (realm:admin, or any "<client>:admin").
func IsAdmin(user *UserInfo) bool {
	if user == nil {
		return false
	}
	for _, r := range user.Roles {
		if _, name, found := strings.Cut(r, ":"); found && name == "admin" {
			return true
		}
	}
	return false
}

// RequireRole returns an error unless the user carries the role.
func RequireRole(user *UserInfo, role string) error {
	if !HasRole(user, role) {
		return fmt.Errorf("authorization failed: missing role %s", role)
	}
	return nil
}

// RequirePermission returns an error unless the user carries the permission.
func RequirePermission(user *UserInfo, permission string) error {
	if !HasPermission(user, permission) {
		return fmt.Errorf("authorization failed: missing permission %s", permission)
	}
	return nil
}
