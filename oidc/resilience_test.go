// Castellan - Keycloak Authentication and API-Key Management for Go Services
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

package oidc

import (
	"context"
	"testing"
	"time"
)

func TestResilientClientServesCachedResultWhileOffline(t *testing.T) {
	t.Parallel()

	idp := newFakeIdP(t)
	inner := newTestClient(t, idp, nil)
	wrapper := NewResilientClient(inner, ResilienceOptions{
		ProbeInterval: time.Millisecond,
	})
	defer wrapper.Close()

	token := idp.sign(idp.defaultClaims())
	ctx := context.Background()

	online := wrapper.ValidateToken(ctx, token)
	if !online.Success {
		t.Fatalf("online validation failed: %s", online.Error)
	}

	// Take the IdP down and force the client to need it again.
	idp.srv.Close()
	inner.Dispose()

	offline := wrapper.ValidateToken(ctx, token)
	if !offline.Success {
		t.Fatalf("offline validation failed: %s", offline.Error)
	}
	if !offline.FromCache {
		t.Error("offline result must come from the fallback cache")
	}
	if offline.User.ID != online.User.ID {
		t.Errorf("offline user = %q, want %q", offline.User.ID, online.User.ID)
	}
	if !wrapper.Offline() {
		t.Error("wrapper must report offline after a failed probe")
	}
}

func TestResilientClientAnonymousFallback(t *testing.T) {
	t.Parallel()

	idp := newFakeIdP(t)
	inner := newTestClient(t, idp, nil)
	wrapper := NewResilientClient(inner, ResilienceOptions{
		ProbeInterval:        time.Millisecond,
		AllowAnonymous:       true,
		AnonymousPermissions: []string{"read:public"},
	})
	defer wrapper.Close()

	// Warm the client, then go dark.
	if err := inner.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	unknown := idp.sign(idp.defaultClaims())
	idp.srv.Close()
	inner.Dispose()

	result := wrapper.ValidateToken(context.Background(), unknown)
	if !result.Success {
		t.Fatalf("anonymous fallback failed: %s", result.Error)
	}
	if result.User.ID != "anonymous" {
		t.Errorf("user = %q, want anonymous", result.User.ID)
	}
	if len(result.User.Permissions) != 1 || result.User.Permissions[0] != "read:public" {
		t.Errorf("permissions = %v", result.User.Permissions)
	}
}

func TestResilientClientPropagatesFailureWithoutAnonymous(t *testing.T) {
	t.Parallel()

	idp := newFakeIdP(t)
	inner := newTestClient(t, idp, nil)
	wrapper := NewResilientClient(inner, ResilienceOptions{
		ProbeInterval: time.Millisecond,
	})
	defer wrapper.Close()

	if err := inner.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	unknown := idp.sign(idp.defaultClaims())
	idp.srv.Close()
	inner.Dispose()

	result := wrapper.ValidateToken(context.Background(), unknown)
	if result.Success {
		t.Fatal("unknown token without anonymous mode must fail")
	}
}

func TestResilientClientDefinitiveRejectionsStand(t *testing.T) {
	t.Parallel()

	idp := newFakeIdP(t)
	inner := newTestClient(t, idp, nil)
	wrapper := NewResilientClient(inner, ResilienceOptions{
		AllowAnonymous: true,
	})
	defer wrapper.Close()

	// A malformed token is rejected outright, online or not.
	result := wrapper.ValidateToken(context.Background(), "not-a-jwt")
	if result.Success {
		t.Fatal("malformed token must be rejected even with fallback enabled")
	}
	if wrapper.Offline() {
		t.Error("a malformed token must not flip the wrapper offline")
	}
}

func TestResilientClientRecovers(t *testing.T) {
	t.Parallel()

	idp := newFakeIdP(t)
	inner := newTestClient(t, idp, nil)
	wrapper := NewResilientClient(inner, ResilienceOptions{
		ProbeInterval: time.Millisecond,
	})
	defer wrapper.Close()

	token := idp.sign(idp.defaultClaims())
	if result := wrapper.ValidateToken(context.Background(), token); !result.Success {
		t.Fatal(result.Error)
	}

	// Simulate an outage marker, then validate successfully again.
	wrapper.offline.Store(true)
	if result := wrapper.ValidateToken(context.Background(), token); !result.Success {
		t.Fatal(result.Error)
	}
	if wrapper.Offline() {
		t.Error("a successful validation must clear the offline flag")
	}
}
