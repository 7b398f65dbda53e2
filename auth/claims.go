// Castellan - Keycloak Authentication and API-Key Management for Go Services
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

// This file implements pure claim extraction: mapping Keycloak JWT claims
// (realm_access, resource_access, authorization, scope) to the normalized
// UserInfo shape. No I/O, no state.
package auth

import (
	"sort"
	"strings"
)

// adminPermissionScopes are implied for every "*admin*" role's prefix.
var adminPermissionScopes = []string{"access", "read", "write", "delete"}

// ExtractUserInfo builds a normalized UserInfo from raw token claims.
// Roles and permissions come out deduplicated, sorted, and without empties.
func ExtractUserInfo(claims map[string]any) *UserInfo {
	user := &UserInfo{}

	if sub, ok := claims["sub"].(string); ok {
		user.ID = sub
	}
	if v, ok := claims["preferred_username"].(string); ok {
		user.Username = v
	}
	if v, ok := claims["email"].(string); ok {
		user.Email = v
	}
	if v, ok := claims["name"].(string); ok {
		user.Name = v
	}

	user.Roles = ExtractRoles(claims)
	user.Permissions = ExtractPermissions(claims, user.Roles)

	return user
}

// ExtractRoles maps Keycloak role claims to normalized role names.
//
// Realm roles become "realm:<name>"; client roles from resource_access
// become "<client>:<name>".
func ExtractRoles(claims map[string]any) []string {
	var roles []string

	if realmAccess, ok := claims["realm_access"].(map[string]any); ok {
		for _, name := range stringList(realmAccess["roles"]) {
			roles = append(roles, "realm:"+name)
		}
	}

	if resourceAccess, ok := claims["resource_access"].(map[string]any); ok {
		for client, access := range resourceAccess {
			accessMap, ok := access.(map[string]any)
			if !ok {
				continue
			}
			for _, name := range stringList(accessMap["roles"]) {
				roles = append(roles, client+":"+name)
			}
		}
	}

	return normalizeList(roles)
}

// ExtractPermissions derives the permission set from claims and roles.
//
// The set is the union of:
//   - authorization.permissions entries (strings, or objects with "rsname")
//   - scope tokens containing ":"
//   - permissions implied by admin roles: a role "<prefix>:<name>" where
//     name contains "admin" implies "<prefix>:{access,read,write,delete}"
func ExtractPermissions(claims map[string]any, roles []string) []string {
	var perms []string

	if authz, ok := claims["authorization"].(map[string]any); ok {
		if rawPerms, ok := authz["permissions"].([]any); ok {
			for _, p := range rawPerms {
				switch v := p.(type) {
				case string:
					perms = append(perms, v)
				case map[string]any:
					if rsname, ok := v["rsname"].(string); ok {
						perms = append(perms, rsname)
					}
				}
			}
		}
	}

	if scope, ok := claims["scope"].(string); ok {
		for _, token := range strings.Fields(scope) {
			if strings.Contains(token, ":") {
				perms = append(perms, token)
			}
		}
	}

	for _, role := range roles {
		prefix, name, found := strings.Cut(role, ":")
		if !found {
			continue
		}
		if strings.Contains(strings.ToLower(name), "admin") {
			for _, scope := range adminPermissionScopes {
				perms = append(perms, prefix+":"+scope)
			}
		}
	}

	return normalizeList(perms)
}

// ExtractScopes splits the space-delimited scope claim.
func ExtractScopes(claims map[string]any) []string {
	scope, ok := claims["scope"].(string)
	if !ok {
		return nil
	}
	return strings.Fields(scope)
}

// stringList coerces a claim value into a string slice.
func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// normalizeList deduplicates, sorts, and removes empty strings.
func normalizeList(items []string) []string {
	if len(items) == 0 {
		return []string{}
	}

	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item == "" {
			continue
		}
		if _, dup := seen[item]; dup {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}

	sort.Strings(out)
	return out
}
