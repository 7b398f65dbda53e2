// Castellan - Keycloak Authentication and API-Key Management for Go Services
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

package cache

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestMemorySetGet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory(8, time.Minute)

	if err := m.Set(ctx, "a", []byte("1"), 0); err != nil {
		t.Fatal(err)
	}

	value, hit, err := m.Get(ctx, "a")
	if err != nil || !hit {
		t.Fatalf("Get(a) = %v %v, want hit", hit, err)
	}
	if string(value) != "1" {
		t.Errorf("value = %q, want 1", value)
	}

	if _, hit, _ := m.Get(ctx, "absent"); hit {
		t.Error("Get(absent) must miss")
	}
}

func TestMemoryTTLExpiry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory(8, time.Minute)

	if err := m.Set(ctx, "a", []byte("1"), 10*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	time.Sleep(25 * time.Millisecond)
	if _, hit, _ := m.Get(ctx, "a"); hit {
		t.Error("expired entry must miss")
	}
	if m.Len() != 0 {
		t.Errorf("expired entry should be reclaimed, Len = %d", m.Len())
	}
}

func TestMemoryLRUEviction(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory(3, time.Minute)

	for i := 0; i < 3; i++ {
		if err := m.Set(ctx, fmt.Sprintf("k%d", i), []byte{byte(i)}, 0); err != nil {
			t.Fatal(err)
		}
	}

	// Touch k0 so k1 becomes least recently used.
	if _, hit, _ := m.Get(ctx, "k0"); !hit {
		t.Fatal("expected k0 hit")
	}

	if err := m.Set(ctx, "k3", []byte{3}, 0); err != nil {
		t.Fatal(err)
	}

	if _, hit, _ := m.Get(ctx, "k1"); hit {
		t.Error("k1 should have been evicted")
	}
	if _, hit, _ := m.Get(ctx, "k0"); !hit {
		t.Error("k0 should have survived eviction")
	}
	if m.Len() != 3 {
		t.Errorf("Len = %d, want 3", m.Len())
	}
}

func TestMemoryInvalidatePattern(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory(16, time.Minute)

	keys := []string{"apikey:user:u1", "apikey:user:u2", "apikey:key:k1"}
	for _, k := range keys {
		if err := m.Set(ctx, k, []byte("x"), 0); err != nil {
			t.Fatal(err)
		}
	}

	if err := m.InvalidatePattern(ctx, "apikey:user:"); err != nil {
		t.Fatal(err)
	}

	if _, hit, _ := m.Get(ctx, "apikey:user:u1"); hit {
		t.Error("apikey:user:u1 should be invalidated")
	}
	if _, hit, _ := m.Get(ctx, "apikey:key:k1"); !hit {
		t.Error("apikey:key:k1 should survive")
	}
}

func TestMemoryUpdateExisting(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory(2, time.Minute)

	_ = m.Set(ctx, "a", []byte("1"), 0)
	_ = m.Set(ctx, "a", []byte("2"), 0)

	value, hit, _ := m.Get(ctx, "a")
	if !hit || string(value) != "2" {
		t.Errorf("Get(a) = %v %q, want hit 2", hit, value)
	}
	if m.Len() != 1 {
		t.Errorf("Len = %d, want 1", m.Len())
	}
}

func TestMemoryConcurrentAccess(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory(128, time.Minute)

	done := make(chan struct{})
	for g := 0; g < 8; g++ {
		go func(g int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 100; i++ {
				key := fmt.Sprintf("k%d", i%32)
				_ = m.Set(ctx, key, []byte{byte(g)}, 0)
				_, _, _ = m.Get(ctx, key)
			}
		}(g)
	}
	for g := 0; g < 8; g++ {
		<-done
	}
}
