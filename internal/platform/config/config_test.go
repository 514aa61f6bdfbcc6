package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), WithEnvMap(map[string]string{}), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != defaultPort {
		t.Errorf("expected default port %s, got %s", defaultPort, cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != defaultReadTimeout {
		t.Errorf("expected read timeout %s, got %s", defaultReadTimeout, cfg.Server.ReadTimeout)
	}
	if cfg.Store.Currency != "USD" {
		t.Errorf("expected USD currency, got %s", cfg.Store.Currency)
	}
	if !cfg.Store.TaxRate.IsZero() {
		t.Errorf("expected zero tax rate, got %s", cfg.Store.TaxRate)
	}
	if cfg.Storage.Backend != StorageBackendMemory {
		t.Errorf("expected memory backend, got %s", cfg.Storage.Backend)
	}
	if cfg.Events.Backend != EventsBackendNone {
		t.Errorf("expected no event bus, got %s", cfg.Events.Backend)
	}
	if !cfg.Checkout.EnforceStock {
		t.Errorf("expected stock enforcement on by default")
	}
	if cfg.Checkout.LockTimeout != defaultLockTimeout {
		t.Errorf("expected lock timeout %s, got %s", defaultLockTimeout, cfg.Checkout.LockTimeout)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"POS_SERVER_PORT":                "9090",
		"POS_STORE_NAME":                 "Harbour Street",
		"POS_STORE_CURRENCY":             "eur",
		"POS_STORE_TAX_RATE":             "0.08",
		"POS_STORAGE_BACKEND":            "firestore",
		"POS_FIRESTORE_PROJECT_ID":       "till-dev",
		"POS_FIRESTORE_EMULATOR_HOST":    "localhost:8081",
		"POS_CHECKOUT_ENFORCE_STOCK":     "false",
		"POS_CHECKOUT_LOCK_TIMEOUT":      "500ms",
		"POS_EVENTS_BACKEND":             "kafka",
		"POS_EVENTS_KAFKA_BROKERS":       "kafka-1:9092, kafka-2:9092",
		"POS_EVENTS_KAFKA_TOPIC":         "register",
		"POS_PAYMENTS_STRIPE_API_KEY":    "secret://stripe/api-key",
		"POS_PAYMENTS_STRIPE_ACCOUNT_ID": "acct_123",
	}

	resolver := SecretResolverFunc(func(ctx context.Context, ref string) (string, error) {
		if ref != "secret://stripe/api-key" {
			t.Fatalf("unexpected ref %s", ref)
		}
		return "sk_test_resolved", nil
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Store.Name != "Harbour Street" || cfg.Store.Currency != "EUR" {
		t.Errorf("unexpected store settings %+v", cfg.Store)
	}
	if cfg.Store.TaxRate.String() != "0.08" {
		t.Errorf("expected tax rate 0.08, got %s", cfg.Store.TaxRate)
	}
	if cfg.Firestore.ProjectID != "till-dev" || cfg.Firestore.EmulatorHost != "localhost:8081" {
		t.Errorf("unexpected firestore config %+v", cfg.Firestore)
	}
	if cfg.Checkout.EnforceStock {
		t.Errorf("expected stock enforcement disabled")
	}
	if cfg.Checkout.LockTimeout != 500*time.Millisecond {
		t.Errorf("expected 500ms lock timeout, got %s", cfg.Checkout.LockTimeout)
	}
	if len(cfg.Events.KafkaBrokers) != 2 || cfg.Events.KafkaBrokers[1] != "kafka-2:9092" {
		t.Errorf("unexpected brokers %v", cfg.Events.KafkaBrokers)
	}
	if cfg.Payments.StripeAPIKey != "sk_test_resolved" {
		t.Errorf("expected resolved stripe key, got %s", cfg.Payments.StripeAPIKey)
	}
	if cfg.Events.ProjectID != "till-dev" {
		t.Errorf("expected events project to default to firestore project, got %s", cfg.Events.ProjectID)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	env := map[string]string{
		"POS_STORE_TAX_RATE":  "-0.1",
		"POS_STORAGE_BACKEND": "firestore",
		"POS_EVENTS_BACKEND":  "carrier-pigeon",
	}
	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	want := map[string]bool{"Store.TaxRate": false, "Firestore.ProjectID": false, "Events.Backend": false}
	for _, field := range validationErr.Fields() {
		if _, ok := want[field]; ok {
			want[field] = true
		}
	}
	for field, seen := range want {
		if !seen {
			t.Errorf("expected %s in validation fields %v", field, validationErr.Fields())
		}
	}
}

func TestLoadUnparseableTaxRate(t *testing.T) {
	_, err := Load(context.Background(), WithEnvMap(map[string]string{"POS_STORE_TAX_RATE": "eight percent"}), WithoutSystemEnv(), WithEnvFile(""))
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestLoadSecretWithoutResolver(t *testing.T) {
	env := map[string]string{"POS_PAYMENTS_STRIPE_API_KEY": "sm://stripe/api-key"}
	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected secret error, got %v", err)
	}
	if secretErr.Ref != "secret://stripe/api-key" {
		t.Errorf("expected normalized ref, got %s", secretErr.Ref)
	}
	if !errors.Is(err, errSecretResolverNotConfigured) {
		t.Errorf("expected resolver not configured, got %v", err)
	}
}

func TestHasSecretReferences(t *testing.T) {
	found, err := HasSecretReferences(WithEnvMap(map[string]string{"POS_PAYMENTS_STRIPE_API_KEY": "secret://stripe/api-key"}), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !found {
		t.Errorf("expected secret reference to be detected")
	}

	found, err = HasSecretReferences(WithEnvMap(map[string]string{"POS_PAYMENTS_STRIPE_API_KEY": "sk_test_plain"}), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Errorf("plain key must not be treated as a reference")
	}
}

func TestLoadDotEnvFallback(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	content := "export POS_SERVER_PORT=7070\nPOS_STORE_NAME=\"Dotenv Store\"\n# comment\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(envPath), WithoutSystemEnv())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != "7070" {
		t.Errorf("expected port from dotenv, got %s", cfg.Server.Port)
	}
	if cfg.Store.Name != "Dotenv Store" {
		t.Errorf("expected store name from dotenv, got %s", cfg.Store.Name)
	}
}

func TestLoadStoreSettingsFileWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.yaml")
	content := "name: Corner Shop\ncurrency: GBP\ntaxRate: \"0.20\"\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write settings: %v", err)
	}

	env := map[string]string{
		"POS_STORE_SETTINGS_FILE": path,
		"POS_STORE_NAME":          "Override",
	}
	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Store.Name != "Override" {
		t.Errorf("expected env to override file name, got %s", cfg.Store.Name)
	}
	if cfg.Store.Currency != "GBP" {
		t.Errorf("expected currency from file, got %s", cfg.Store.Currency)
	}
	if cfg.Store.TaxRate.String() != "0.2" {
		t.Errorf("expected tax rate from file, got %s", cfg.Store.TaxRate)
	}
}

func TestLoadStoreSettingsFileMissing(t *testing.T) {
	_, err := LoadStoreSettingsFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatalf("expected error for missing settings file")
	}
}
