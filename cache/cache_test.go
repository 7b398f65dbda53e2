// Castellan - Keycloak Authentication and API-Key Management for Go Services
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

package cache

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/castellan-io/castellan/auth"
)

type payload struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestEnvelopeRoundTrip(t *testing.T) {
	t.Parallel()

	in := payload{Name: "svc", Count: 7}
	blob, err := Seal(in)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	var out payload
	if err := Open(blob, &out); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if out != in {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
}

func TestEnvelopeDetectsTampering(t *testing.T) {
	t.Parallel()

	blob, err := Seal(payload{Name: "svc", Count: 7})
	if err != nil {
		t.Fatal(err)
	}

	// Flip the payload without recomputing the checksum.
	tampered := []byte(strings.Replace(string(blob), `"count":7`, `"count":8`, 1))
	if string(tampered) == string(blob) {
		t.Fatal("tampering did not change the blob")
	}

	var out payload
	err = Open(tampered, &out)
	if !errors.Is(err, auth.ErrIntegrity) {
		t.Errorf("Open(tampered) error = %v, want ErrIntegrity", err)
	}
}

func TestEnvelopeDetectsTimestampTampering(t *testing.T) {
	t.Parallel()

	blob, err := Seal(payload{Name: "svc"})
	if err != nil {
		t.Fatal(err)
	}

	var env map[string]any
	if err := json.Unmarshal(blob, &env); err != nil {
		t.Fatal(err)
	}
	env["timestamp"] = float64(1)
	tampered, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}

	var out payload
	if err := Open(tampered, &out); !errors.Is(err, auth.ErrIntegrity) {
		t.Errorf("Open() error = %v, want ErrIntegrity", err)
	}
}

func TestEnvelopeRejectsGarbage(t *testing.T) {
	t.Parallel()

	var out payload
	if err := Open([]byte("not json"), &out); !errors.Is(err, auth.ErrIntegrity) {
		t.Errorf("Open(garbage) error = %v, want ErrIntegrity", err)
	}
}

func TestGetSealedTreatsPoisonedEntryAsMiss(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mem := NewMemory(16, time.Minute)

	// Store a blob that is valid JSON but has a wrong checksum.
	if err := mem.Set(ctx, "k", []byte(`{"data":{"name":"x"},"timestamp":1,"checksum":"bad"}`), time.Minute); err != nil {
		t.Fatal(err)
	}

	var out payload
	hit, err := GetSealed(ctx, mem, "k", &out)
	if err != nil {
		t.Fatalf("GetSealed() error = %v", err)
	}
	if hit {
		t.Error("poisoned entry must read as a miss")
	}

	// The poisoned entry must have been invalidated.
	if _, present, _ := mem.Get(ctx, "k"); present {
		t.Error("poisoned entry was not invalidated")
	}
}

func TestSetSealedGetSealed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mem := NewMemory(16, time.Minute)

	in := payload{Name: "alice", Count: 3}
	if err := SetSealed(ctx, mem, "user", in, time.Minute); err != nil {
		t.Fatal(err)
	}

	var out payload
	hit, err := GetSealed(ctx, mem, "user", &out)
	if err != nil {
		t.Fatal(err)
	}
	if !hit || out != in {
		t.Errorf("GetSealed() = %v %+v, want hit %+v", hit, out, in)
	}
}
