// Castellan - Keycloak Authentication and API-Key Management for Go Services
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

package oidc

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/castellan-io/castellan/auth"
	"github.com/castellan-io/castellan/cache"
	"github.com/castellan-io/castellan/config"
	"github.com/castellan-io/castellan/httpx"
	"github.com/castellan-io/castellan/internal/logging"
)

// FactoryOptions carries the collaborators shared by every client the
// factory builds.
type FactoryOptions struct {
	// HTTP is the shared outbound HTTP capability. Defaults to httpx.New.
	HTTP httpx.Doer

	// ResultCache is the shared validation-result cache. Optional.
	ResultCache cache.Service

	// Replay is the shared replay-protection store. Optional.
	Replay ReplayTracker

	// ValidateIssuer enables strict issuer matching on every client.
	ValidateIssuer bool
}

// Factory builds and owns one OIDC client per configured audience.
type Factory struct {
	cfg  *config.Config
	opts FactoryOptions

	mu      sync.Mutex
	clients map[string]*Client
	failed  map[string]error
}

// NewFactory creates a factory from validated configuration. Clients are
// constructed immediately; network initialization happens in Initialize.
func NewFactory(cfg *config.Config, opts FactoryOptions) (*Factory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.HTTP == nil {
		opts.HTTP = httpx.New(httpx.Config{
			Timeout:     cfg.HTTPTimeout,
			BreakerName: "oidc-factory",
		})
	}

	f := &Factory{
		cfg:     cfg,
		opts:    opts,
		clients: make(map[string]*Client),
		failed:  make(map[string]error),
	}

	for _, audience := range config.Audiences {
		cc, ok := cfg.Clients[audience]
		if !ok || cc.ClientID == "" {
			continue
		}

		client, err := New(Options{
			ServerURL:      cfg.ServerURL,
			Realm:          cfg.Realm,
			ClientID:       cc.ClientID,
			ClientSecret:   cc.ClientSecret,
			RedirectURI:    cc.RedirectURI,
			Scopes:         cc.Scopes,
			ValidateIssuer: opts.ValidateIssuer,
			ClockSkew:      cfg.ClockSkew,
			DiscoveryTTL:   cfg.DiscoveryTTL,
			HTTP:           opts.HTTP,
			ResultCache:    opts.ResultCache,
			Replay:         opts.Replay,
		})
		if err != nil {
			return nil, fmt.Errorf("client %q: %w", audience, err)
		}
		f.clients[audience] = client
	}

	if len(f.clients) == 0 {
		return nil, fmt.Errorf("%w: no clients configured", auth.ErrMisconfigured)
	}
	return f, nil
}

// Initialize runs discovery for every client in parallel. A client whose
// discovery fails is dropped from the factory and recorded; the factory
// succeeds as long as at least one client initialized.
func (f *Factory) Initialize(ctx context.Context) error {
	f.mu.Lock()
	audiences := make([]string, 0, len(f.clients))
	for audience := range f.clients {
		audiences = append(audiences, audience)
	}
	f.mu.Unlock()

	var wg sync.WaitGroup
	type outcome struct {
		audience string
		err      error
	}
	outcomes := make(chan outcome, len(audiences))

	for _, audience := range audiences {
		wg.Add(1)
		go func(audience string) {
			defer wg.Done()
			f.mu.Lock()
			client := f.clients[audience]
			f.mu.Unlock()
			outcomes <- outcome{audience, client.Initialize(ctx)}
		}(audience)
	}
	wg.Wait()
	close(outcomes)

	initialized := 0
	for o := range outcomes {
		if o.err != nil {
			logging.Warn().
				Err(o.err).
				Str("audience", o.audience).
				Msg("OIDC client failed to initialize, omitting")
			f.mu.Lock()
			f.failed[o.audience] = o.err
			delete(f.clients, o.audience)
			f.mu.Unlock()
			continue
		}
		initialized++
	}

	if initialized == 0 {
		return fmt.Errorf("%w: every configured client failed discovery", auth.ErrUpstream)
	}
	return nil
}

// Client returns the initialized client for an audience.
func (f *Factory) Client(audience string) (*Client, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	client, ok := f.clients[audience]
	return client, ok
}

// Audiences lists the audiences with a live client, sorted.
func (f *Factory) Audiences() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	audiences := make([]string, 0, len(f.clients))
	for audience := range f.clients {
		audiences = append(audiences, audience)
	}
	sort.Strings(audiences)
	return audiences
}

// FailedAudiences reports the audiences whose initialization failed.
func (f *Factory) FailedAudiences() map[string]error {
	f.mu.Lock()
	defer f.mu.Unlock()

	failed := make(map[string]error, len(f.failed))
	for audience, err := range f.failed {
		failed[audience] = err
	}
	return failed
}

// Shutdown disposes every client.
func (f *Factory) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for audience, client := range f.clients {
		client.Dispose()
		delete(f.clients, audience)
	}
}
