// Castellan - Keycloak Authentication and API-Key Management for Go Services
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

package apikey

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/castellan-io/castellan/entropy"
	"github.com/castellan-io/castellan/internal/logging"
)

const (
	// DefaultPrefix labels keys generated without an explicit prefix.
	DefaultPrefix = "ak"

	// keyRandomBytes is the secure-random payload size of a generated key.
	keyRandomBytes = 32

	// keyPayloadChars is the encoded payload length, base64url of 32 bytes.
	keyPayloadChars = 43

	// identifierChars is the length of the hex key identifier.
	identifierChars = 32

	// identifierInputChars is how much of the raw key feeds the identifier.
	identifierInputChars = 16

	// previewChars is how much of the raw key the preview exposes.
	previewChars = 8

	// bcryptCost is deliberately above the library default. Raising it
	// requires rehashing on next use, which API keys never get, so pick
	// the cost at introduction time.
	bcryptCost = 12
)

// Generate returns a new API key "<prefix>_<base64url(32 secure bytes)>".
// An empty prefix defaults to DefaultPrefix.
//
// When the secure entropy source fails its hard quality checks the key is
// derived from degraded fallback material instead, and when even that
// yields unusable material an emergency time-mixed key is produced. Both
// degraded paths are counted and logged; neither fails the call.
func Generate(prefix string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}

	raw, err := entropy.Generate(keyRandomBytes)
	if err == nil {
		KeysGeneratedTotal.WithLabelValues("secure").Inc()
		return prefix + "_" + base64.RawURLEncoding.EncodeToString(raw)
	}

	return degradedKey(prefix, entropy.FallbackKeyMaterial())
}

// degradedKey builds a key from fallback material. Material shorter than
// a full payload is unusable; in that case an emergency time-mixed key is
// emitted so callers are never left without a credential, under a name
// that cannot be mistaken for a healthy one.
func degradedKey(prefix, material string) string {
	if len(material) >= keyPayloadChars {
		KeysGeneratedTotal.WithLabelValues("fallback").Inc()
		return prefix + "_" + material
	}

	KeysGeneratedTotal.WithLabelValues("emergency").Inc()
	logging.Error().Msg("entropy fallback unusable, issuing emergency key")
	mix := sha256.Sum256(fmt.Appendf(nil, "%d|%d|%d",
		time.Now().UnixNano(), os.Getpid(), time.Now().UnixMicro()))
	return "emergency_" + hex.EncodeToString(mix[:])[:keyRandomBytes]
}

// KeyIdentifier derives the deterministic storage index value for a raw
// key: the first 32 hex characters of SHA-256 over the key's first 16
// characters. Only the identifier is indexed; finding the row never
// requires the hash of the full key.
func KeyIdentifier(key string) string {
	input := key
	if len(input) > identifierInputChars {
		input = input[:identifierInputChars]
	}
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])[:identifierChars]
}

// Preview returns the display fragment of a raw key.
func Preview(key string) string {
	if len(key) <= previewChars {
		return key
	}
	return key[:previewChars] + "..."
}

// HashKey hashes a raw key for storage. The key is SHA-256'd first
// because bcrypt only reads 72 bytes and generated keys can be longer;
// hashing the digest keeps the whole key significant. Same construction
// GitHub uses for its tokens.
func HashKey(key string) (string, error) {
	return hashKeyCost(key, bcryptCost)
}

func hashKeyCost(key string, cost int) (string, error) {
	sum := sha256.Sum256([]byte(key))
	hash, err := bcrypt.GenerateFromPassword(sum[:], cost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

// CompareKey reports whether the raw key matches the stored hash.
func CompareKey(hash, key string) bool {
	sum := sha256.Sum256([]byte(key))
	return bcrypt.CompareHashAndPassword([]byte(hash), sum[:]) == nil
}

var (
	dummyOnce sync.Once
	dummyHash string
)

// CompareDummy burns one bcrypt comparison against a fixed hash. The
// validation path calls it when no row matched the identifier, so the
// response time never distinguishes an unknown key from a wrong one.
func CompareDummy(key string) {
	dummyOnce.Do(func() {
		h, err := hashKeyCost("castellan.timing.equalizer", bcryptCost)
		if err != nil {
			return
		}
		dummyHash = h
	})
	if dummyHash == "" {
		return
	}

	sum := sha256.Sum256([]byte(key))
	_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), sum[:])
}
