// Castellan - Keycloak Authentication and API-Key Management for Go Services
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// memoryEntry is a node in the LRU list.
type memoryEntry struct {
	key       string
	value     []byte
	prev      *memoryEntry
	next      *memoryEntry
	expiresAt time.Time
}

// Memory is a thread-safe in-process LRU cache with TTL support.
//
// It uses a doubly-linked list for ordering and a hashmap for lookups,
// giving O(1) Get, Set, and eviction. Expired entries are reclaimed lazily
// on access and proactively when capacity pressure forces eviction.
type Memory struct {
	mu sync.Mutex

	capacity   int
	defaultTTL time.Duration

	items map[string]*memoryEntry

	// head.next is most recently used, tail.prev least recently used.
	head *memoryEntry
	tail *memoryEntry
}

// NewMemory creates an in-process LRU cache.
// Capacity defaults to 10000 entries, TTL to 5 minutes.
func NewMemory(capacity int, defaultTTL time.Duration) *Memory {
	if capacity <= 0 {
		capacity = 10000
	}
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}

	m := &Memory{
		capacity:   capacity,
		defaultTTL: defaultTTL,
		items:      make(map[string]*memoryEntry, capacity),
		head:       &memoryEntry{},
		tail:       &memoryEntry{},
	}
	m.head.next = m.tail
	m.tail.prev = m.head
	return m
}

// Get returns the blob stored under key.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.items[key]
	if !ok {
		OperationsTotal.WithLabelValues("memory", "get", "miss").Inc()
		return nil, false, nil
	}

	if time.Now().After(entry.expiresAt) {
		m.remove(entry)
		OperationsTotal.WithLabelValues("memory", "get", "miss").Inc()
		return nil, false, nil
	}

	m.moveToFront(entry)
	OperationsTotal.WithLabelValues("memory", "get", "hit").Inc()
	return entry.value, true, nil
}

// Set stores value under key, evicting the least recently used entry when
// the cache is full.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.items[key]; ok {
		entry.value = value
		entry.expiresAt = time.Now().Add(ttl)
		m.moveToFront(entry)
		OperationsTotal.WithLabelValues("memory", "set", "success").Inc()
		return nil
	}

	if len(m.items) >= m.capacity {
		if lru := m.tail.prev; lru != m.head {
			m.remove(lru)
		}
	}

	entry := &memoryEntry{
		key:       key,
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
	m.items[key] = entry
	m.insertFront(entry)

	OperationsTotal.WithLabelValues("memory", "set", "success").Inc()
	return nil
}

// Invalidate removes the entry under key.
func (m *Memory) Invalidate(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.items[key]; ok {
		m.remove(entry)
	}
	OperationsTotal.WithLabelValues("memory", "invalidate", "success").Inc()
	return nil
}

// InvalidatePattern removes all entries whose key starts with prefix.
func (m *Memory) InvalidatePattern(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, entry := range m.items {
		if strings.HasPrefix(key, prefix) {
			m.remove(entry)
		}
	}
	OperationsTotal.WithLabelValues("memory", "invalidate_pattern", "success").Inc()
	return nil
}

// Len returns the current entry count.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Close releases the cache contents.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[string]*memoryEntry)
	m.head.next = m.tail
	m.tail.prev = m.head
	return nil
}

// remove unlinks an entry (must hold mu).
func (m *Memory) remove(entry *memoryEntry) {
	entry.prev.next = entry.next
	entry.next.prev = entry.prev
	delete(m.items, entry.key)
}

// insertFront links an entry as most recently used (must hold mu).
func (m *Memory) insertFront(entry *memoryEntry) {
	entry.next = m.head.next
	entry.prev = m.head
	m.head.next.prev = entry
	m.head.next = entry
}

// moveToFront promotes an entry to most recently used (must hold mu).
func (m *Memory) moveToFront(entry *memoryEntry) {
	entry.prev.next = entry.next
	entry.next.prev = entry.prev
	m.insertFront(entry)
}
