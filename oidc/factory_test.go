// Castellan - Keycloak Authentication and API-Key Management for Go Services
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

package oidc

import (
	"context"
	"testing"

	"github.com/castellan-io/castellan/config"
)

func factoryConfig(serverURL string) *config.Config {
	return &config.Config{
		ServerURL: serverURL,
		Realm:     "r",
		Clients: map[string]config.ClientConfig{
			"service":  {ClientID: "svc", ClientSecret: "secret"},
			"frontend": {ClientID: "web", RedirectURI: "https://app.test/callback"},
		},
	}
}

func TestFactoryBuildsConfiguredClients(t *testing.T) {
	t.Parallel()

	idp := newFakeIdP(t)
	factory, err := NewFactory(factoryConfig(idp.srv.URL), FactoryOptions{})
	if err != nil {
		t.Fatalf("NewFactory() error = %v", err)
	}
	defer factory.Shutdown()

	if err := factory.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	audiences := factory.Audiences()
	if len(audiences) != 2 || audiences[0] != "frontend" || audiences[1] != "service" {
		t.Errorf("audiences = %v, want [frontend service]", audiences)
	}

	svc, ok := factory.Client("service")
	if !ok {
		t.Fatal("service client missing")
	}
	if svc.ClientID() != "svc" {
		t.Errorf("service client ID = %q", svc.ClientID())
	}

	if _, ok := factory.Client("websocket"); ok {
		t.Error("unconfigured audience must have no client")
	}
}

func TestFactoryToleratesPartialFailure(t *testing.T) {
	t.Parallel()

	idp := newFakeIdP(t)
	factory, err := NewFactory(factoryConfig(idp.srv.URL), FactoryOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer factory.Shutdown()

	// Point one client at a dead endpoint.
	broken, err := New(Options{ServerURL: "http://127.0.0.1:1", Realm: "r", ClientID: "web"})
	if err != nil {
		t.Fatal(err)
	}
	factory.mu.Lock()
	factory.clients["frontend"] = broken
	factory.mu.Unlock()

	if err := factory.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v, partial failure must be tolerated", err)
	}

	if _, ok := factory.Client("frontend"); ok {
		t.Error("failed client must be omitted")
	}
	if _, ok := factory.Client("service"); !ok {
		t.Error("healthy client must survive")
	}
	if _, failed := factory.FailedAudiences()["frontend"]; !failed {
		t.Error("failed audience must be recorded")
	}
}

func TestFactoryAllClientsFailing(t *testing.T) {
	t.Parallel()

	factory, err := NewFactory(factoryConfig("http://127.0.0.1:1"), FactoryOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer factory.Shutdown()

	if err := factory.Initialize(context.Background()); err == nil {
		t.Fatal("Initialize() must fail when every client fails discovery")
	}
	if len(factory.Audiences()) != 0 {
		t.Errorf("audiences = %v, want none", factory.Audiences())
	}
}

func TestFactoryRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{ServerURL: "https://iam.test", Realm: "r",
		Clients: map[string]config.ClientConfig{}}
	if _, err := NewFactory(cfg, FactoryOptions{}); err == nil {
		t.Fatal("NewFactory() must reject a config with no clients")
	}
}
