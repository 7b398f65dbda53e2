// Castellan - Keycloak Authentication and API-Key Management for Go Services
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

// Package config loads and validates the Castellan configuration.
//
// Configuration is layered with koanf: struct defaults first, then an
// optional YAML file, then environment variables. The environment surface
// follows the deployment convention:
//
//	KEYCLOAK_SERVER_URL, KEYCLOAK_REALM
//	KEYCLOAK_{FRONTEND|SERVICE|WEBSOCKET|ADMIN|TRACKER}_CLIENT_ID
//	KEYCLOAK_{...}_CLIENT_SECRET (required for confidential clients)
//	KEYCLOAK_{...}_REDIRECT_URI
//	FRONTEND_URL, API_BASE_URL
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/castellan-io/castellan/auth"
)

// Audiences enumerates the named client audiences the factory builds.
var Audiences = []string{"frontend", "service", "websocket", "admin", "tracker"}

// confidentialAudiences must carry a client secret.
var confidentialAudiences = map[string]bool{
	"service": true,
	"admin":   true,
}

// ClientConfig configures one named OIDC client.
type ClientConfig struct {
	// ClientID is the OAuth2 client identifier.
	ClientID string `koanf:"client_id"`

	// ClientSecret is the OAuth2 client secret (empty for public clients).
	ClientSecret string `koanf:"client_secret"`

	// RedirectURI is the authorization-code callback URI.
	RedirectURI string `koanf:"redirect_uri" validate:"omitempty,url"`

	// Scopes are the default scopes requested by this client.
	Scopes []string `koanf:"scopes"`
}

// Config is the root Castellan configuration.
type Config struct {
	// ServerURL is the Keycloak base URL (without the realm suffix).
	ServerURL string `koanf:"server_url" validate:"required,url"`

	// Realm is the Keycloak realm name.
	Realm string `koanf:"realm" validate:"required"`

	// FrontendURL is the public frontend origin (used for redirects).
	FrontendURL string `koanf:"frontend_url" validate:"omitempty,url"`

	// APIBaseURL is the public API origin.
	APIBaseURL string `koanf:"api_base_url" validate:"omitempty,url"`

	// Clients maps audience names to client configurations.
	Clients map[string]ClientConfig `koanf:"clients"`

	// HTTPTimeout bounds outbound IdP calls. Default 10s.
	HTTPTimeout time.Duration `koanf:"http_timeout"`

	// ClockSkew is the JWT validation clock-skew tolerance. Default 30s.
	ClockSkew time.Duration `koanf:"clock_skew"`

	// DiscoveryTTL is the discovery-document cache TTL. Default 1h.
	DiscoveryTTL time.Duration `koanf:"discovery_ttl"`
}

// Issuer returns the expected issuer for the configured realm.
func (c *Config) Issuer() string {
	return strings.TrimSuffix(c.ServerURL, "/") + "/realms/" + c.Realm
}

// defaultConfig returns a Config with all defaults applied.
func defaultConfig() *Config {
	return &Config{
		Clients:      map[string]ClientConfig{},
		HTTPTimeout:  10 * time.Second,
		ClockSkew:    30 * time.Second,
		DiscoveryTTL: time.Hour,
	}
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CASTELLAN_CONFIG"

// envTransform maps deployment environment variables to koanf paths.
// Unknown variables are dropped.
func envTransform(key string) string {
	switch key {
	case "KEYCLOAK_SERVER_URL":
		return "server_url"
	case "KEYCLOAK_REALM":
		return "realm"
	case "FRONTEND_URL":
		return "frontend_url"
	case "API_BASE_URL":
		return "api_base_url"
	}

	rest, ok := strings.CutPrefix(key, "KEYCLOAK_")
	if !ok {
		return ""
	}
	for _, audience := range Audiences {
		prefix := strings.ToUpper(audience) + "_"
		if field, ok := strings.CutPrefix(rest, prefix); ok {
			return "clients." + audience + "." + strings.ToLower(field)
		}
	}
	return ""
}

// Load builds the configuration from defaults, an optional YAML file, and
// the environment, then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("%w: defaults: %v", auth.ErrMisconfigured, err)
	}

	if path := os.Getenv(ConfigPathEnvVar); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: config file %s: %v", auth.ErrMisconfigured, path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("%w: environment: %v", auth.ErrMisconfigured, err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("%w: unmarshal: %v", auth.ErrMisconfigured, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate is the shared struct validator (caches struct metadata).
var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration against the deployment rules: server
// URL and realm present, at least one client ID, and a secret on every
// confidential client.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", auth.ErrMisconfigured, err)
	}

	configured := 0
	for audience, client := range c.Clients {
		if client.ClientID == "" {
			continue
		}
		configured++
		if confidentialAudiences[audience] && client.ClientSecret == "" {
			return fmt.Errorf("%w: confidential client %q requires a secret",
				auth.ErrMisconfigured, audience)
		}
	}
	if configured == 0 {
		return fmt.Errorf("%w: at least one client ID is required", auth.ErrMisconfigured)
	}

	return nil
}
