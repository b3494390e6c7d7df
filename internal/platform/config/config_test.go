package config

import (
	"context"
	"errors"
	"testing"
	"time"
)

func baseEnv() map[string]string {
	return map[string]string{
		"API_FIRESTORE_PROJECT_ID": "parts-project",
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(context.Background(),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithEnvMap(baseEnv()),
	)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Port != defaultPort {
		t.Fatalf("expected default port %s, got %s", defaultPort, cfg.Server.Port)
	}
	if cfg.RateLimit.Capacity != defaultRateLimitCapacity {
		t.Fatalf("expected default rate limit capacity %d, got %d", defaultRateLimitCapacity, cfg.RateLimit.Capacity)
	}
	if cfg.RateLimit.RefillInterval != time.Minute {
		t.Fatalf("expected per-minute refill, got %s", cfg.RateLimit.RefillInterval)
	}
	if cfg.Sync.DeactivationThreshold != defaultDeactivateThreshold {
		t.Fatalf("expected default deactivation threshold %d, got %d", defaultDeactivateThreshold, cfg.Sync.DeactivationThreshold)
	}
	if cfg.Sync.TickInterval != time.Hour {
		t.Fatalf("expected hourly tick, got %s", cfg.Sync.TickInterval)
	}
	if cfg.Events.ProjectID != "parts-project" {
		t.Fatalf("expected events project to default to firestore project, got %s", cfg.Events.ProjectID)
	}
}

func TestLoadTestingModeShortensTick(t *testing.T) {
	env := baseEnv()
	env["API_SYNC_TESTING_MODE"] = "true"
	env["API_SYNC_TESTING_INTERVAL"] = "90s"

	cfg, err := Load(context.Background(), WithoutSystemEnv(), WithEnvFile(""), WithEnvMap(env))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Sync.TickInterval != 90*time.Second {
		t.Fatalf("expected testing interval to drive tick, got %s", cfg.Sync.TickInterval)
	}
}

func TestLoadValidatesRequiredFields(t *testing.T) {
	env := baseEnv()
	env["API_RATELIMIT_CAPACITY"] = "0"

	_, err := Load(context.Background(), WithoutSystemEnv(), WithEnvFile(""), WithEnvMap(env))
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	found := false
	for _, field := range validation.Fields() {
		if field == "RateLimit.Capacity" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected RateLimit.Capacity in %v", validation.Fields())
	}
}

func TestLoadResolvesSecretReferences(t *testing.T) {
	env := baseEnv()
	env["API_CATALOG_API_KEY"] = "sm://projects/p/secrets/catalog-key/versions/latest"

	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if ref != "secret://projects/p/secrets/catalog-key/versions/latest" {
			return "", errors.New("unexpected ref " + ref)
		}
		return "resolved-key", nil
	})

	cfg, err := Load(context.Background(),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithEnvMap(env),
		WithSecretResolver(resolver),
		WithRequiredSecrets("Catalog.APIKey"),
	)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Catalog.APIKey != "resolved-key" {
		t.Fatalf("expected resolved secret, got %q", cfg.Catalog.APIKey)
	}
}

func TestLoadReportsMissingRequiredSecrets(t *testing.T) {
	_, err := Load(context.Background(),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithEnvMap(baseEnv()),
		WithRequiredSecrets("Commerce.AccessToken"),
	)
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected missing secrets error, got %v", err)
	}
	if len(missing.RedactedNames()) != 1 {
		t.Fatalf("expected one missing secret, got %v", missing.RedactedNames())
	}
}
