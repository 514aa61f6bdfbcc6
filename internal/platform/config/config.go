package config

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	defaultEnvFile           = ".env"
	defaultPort              = "8080"
	defaultReadTimeout       = 15 * time.Second
	defaultWriteTimeout      = 30 * time.Second
	defaultIdleTimeout       = 120 * time.Second
	defaultStoreName         = "Register"
	defaultStoreCurrency     = "USD"
	defaultStoreTaxRate      = "0"
	defaultStorageBackend    = StorageBackendMemory
	defaultEventsBackend     = EventsBackendNone
	defaultEventsTopic       = "pos-events"
	defaultLockTimeout       = 2 * time.Second
	defaultIdempotencyHeader = "Idempotency-Key"
)

// Storage backends.
const (
	StorageBackendMemory    = "memory"
	StorageBackendFirestore = "firestore"
)

// Event bus backends.
const (
	EventsBackendNone   = "none"
	EventsBackendPubSub = "pubsub"
	EventsBackendKafka  = "kafka"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server    ServerConfig
	Store     StoreConfig
	Storage   StorageConfig
	Firestore FirestoreConfig
	Checkout  CheckoutConfig
	Events    EventsConfig
	Payments  PaymentsConfig
	Secrets   SecretsConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port              string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	IdempotencyHeader string
}

// StoreConfig holds the store-wide pricing settings.
type StoreConfig struct {
	Name         string
	Currency     string
	TaxRate      decimal.Decimal
	SettingsFile string
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Backend string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// CheckoutConfig tunes commit behaviour.
type CheckoutConfig struct {
	EnforceStock         bool
	LockTimeout          time.Duration
	LoyaltyPointsPerUnit int
}

// EventsConfig selects and configures the event bus.
type EventsConfig struct {
	Backend      string
	ProjectID    string
	PubSubTopic  string
	KafkaBrokers []string
	KafkaTopic   string
}

// PaymentsConfig collects card processor credentials.
type PaymentsConfig struct {
	StripeAPIKey    string
	StripeAccountID string
}

// SecretsConfig controls secret:// reference resolution.
type SecretsConfig struct {
	ProjectID string
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option mutates loader behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
	secret       SecretResolver
}

// WithEnvFile overrides the dotenv path. An empty path disables dotenv loading.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap supplies explicit values that take precedence over every other source.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv ignores the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver resolves secret:// references found in secret-bearing fields.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// Load reads configuration from defaults, an optional YAML store settings
// file, dotenv, the system environment, and explicit overrides, in increasing
// order of precedence.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if dotEnvValues != nil {
			if value, ok := dotEnvValues[key]; ok {
				return value, true
			}
		}
		return "", false
	}

	var invalid []string

	settingsFile := stringWithDefault(lookup, "POS_STORE_SETTINGS_FILE", "")
	fileSettings := StoreSettingsFile{}
	if settingsFile != "" {
		fileSettings, err = LoadStoreSettingsFile(settingsFile)
		if err != nil {
			return Config{}, err
		}
	}

	storeName := firstNonEmpty(fileSettings.Name, defaultStoreName)
	storeCurrency := firstNonEmpty(fileSettings.Currency, defaultStoreCurrency)
	storeTaxRate := firstNonEmpty(fileSettings.TaxRate, defaultStoreTaxRate)

	taxRate, err := decimal.NewFromString(stringWithDefault(lookup, "POS_STORE_TAX_RATE", storeTaxRate))
	if err != nil {
		invalid = append(invalid, "Store.TaxRate")
		taxRate = decimal.Zero
	}

	cfg := Config{
		Server: ServerConfig{
			Port:              stringWithDefault(lookup, "POS_SERVER_PORT", defaultPort),
			ReadTimeout:       durationWithDefault(lookup, "POS_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:      durationWithDefault(lookup, "POS_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:       durationWithDefault(lookup, "POS_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			IdempotencyHeader: stringWithDefault(lookup, "POS_SERVER_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
		},
		Store: StoreConfig{
			Name:         stringWithDefault(lookup, "POS_STORE_NAME", storeName),
			Currency:     strings.ToUpper(stringWithDefault(lookup, "POS_STORE_CURRENCY", storeCurrency)),
			TaxRate:      taxRate,
			SettingsFile: settingsFile,
		},
		Storage: StorageConfig{
			Backend: strings.ToLower(stringWithDefault(lookup, "POS_STORAGE_BACKEND", defaultStorageBackend)),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "POS_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "POS_FIRESTORE_EMULATOR_HOST", ""),
		},
		Checkout: CheckoutConfig{
			EnforceStock:         boolWithDefault(lookup, "POS_CHECKOUT_ENFORCE_STOCK", true),
			LockTimeout:          durationWithDefault(lookup, "POS_CHECKOUT_LOCK_TIMEOUT", defaultLockTimeout),
			LoyaltyPointsPerUnit: intWithDefault(lookup, "POS_CHECKOUT_LOYALTY_POINTS_PER_UNIT", 0),
		},
		Events: EventsConfig{
			Backend:      strings.ToLower(stringWithDefault(lookup, "POS_EVENTS_BACKEND", defaultEventsBackend)),
			ProjectID:    stringWithDefault(lookup, "POS_EVENTS_PROJECT_ID", ""),
			PubSubTopic:  stringWithDefault(lookup, "POS_EVENTS_PUBSUB_TOPIC", defaultEventsTopic),
			KafkaBrokers: csvWithDefault(lookup, "POS_EVENTS_KAFKA_BROKERS"),
			KafkaTopic:   stringWithDefault(lookup, "POS_EVENTS_KAFKA_TOPIC", defaultEventsTopic),
		},
		Payments: PaymentsConfig{
			StripeAPIKey:    stringWithDefault(lookup, "POS_PAYMENTS_STRIPE_API_KEY", ""),
			StripeAccountID: stringWithDefault(lookup, "POS_PAYMENTS_STRIPE_ACCOUNT_ID", ""),
		},
		Secrets: SecretsConfig{
			ProjectID: stringWithDefault(lookup, "POS_SECRETS_PROJECT_ID", ""),
		},
	}

	if cfg.Events.ProjectID == "" {
		cfg.Events.ProjectID = cfg.Firestore.ProjectID
	}
	if cfg.Secrets.ProjectID == "" {
		cfg.Secrets.ProjectID = cfg.Firestore.ProjectID
	}

	secretFields := []*string{&cfg.Payments.StripeAPIKey}
	for _, field := range secretFields {
		resolved, err := resolveSecret(ctx, *field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*field = resolved
	}

	if err := validateConfig(cfg, invalid); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// HasSecretReferences reports whether any secret-bearing value in the
// environment is a secret:// reference that requires a resolver.
func HasSecretReferences(opts ...Option) (bool, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}
	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return false, err
	}
	for _, key := range []string{"POS_PAYMENTS_STRIPE_API_KEY"} {
		if value, ok := options.envMap[key]; ok && isSecretReference(value) {
			return true, nil
		}
		if options.useSystemEnv && isSecretReference(os.Getenv(key)) {
			return true, nil
		}
		if isSecretReference(dotEnvValues[key]) {
			return true, nil
		}
	}
	return false, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" || !isSecretReference(value) {
		return value, nil
	}
	normalized := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config, invalid []string) error {
	fields := append([]string(nil), invalid...)

	if cfg.Server.Port == "" {
		fields = append(fields, "Server.Port")
	}
	if strings.TrimSpace(cfg.Server.IdempotencyHeader) == "" {
		fields = append(fields, "Server.IdempotencyHeader")
	}
	if cfg.Store.TaxRate.IsNegative() {
		fields = append(fields, "Store.TaxRate")
	}
	if len(strings.TrimSpace(cfg.Store.Currency)) != 3 {
		fields = append(fields, "Store.Currency")
	}
	switch cfg.Storage.Backend {
	case StorageBackendMemory:
	case StorageBackendFirestore:
		if cfg.Firestore.ProjectID == "" {
			fields = append(fields, "Firestore.ProjectID")
		}
	default:
		fields = append(fields, "Storage.Backend")
	}
	if cfg.Checkout.LockTimeout <= 0 {
		fields = append(fields, "Checkout.LockTimeout")
	}
	if cfg.Checkout.LoyaltyPointsPerUnit < 0 {
		fields = append(fields, "Checkout.LoyaltyPointsPerUnit")
	}
	switch cfg.Events.Backend {
	case EventsBackendNone:
	case EventsBackendPubSub:
		if cfg.Events.ProjectID == "" {
			fields = append(fields, "Events.ProjectID")
		}
		if cfg.Events.PubSubTopic == "" {
			fields = append(fields, "Events.PubSubTopic")
		}
	case EventsBackendKafka:
		if len(cfg.Events.KafkaBrokers) == 0 {
			fields = append(fields, "Events.KafkaBrokers")
		}
		if cfg.Events.KafkaTopic == "" {
			fields = append(fields, "Events.KafkaTopic")
		}
	default:
		fields = append(fields, "Events.Backend")
	}

	if len(fields) > 0 {
		return &ValidationError{fields: fields}
	}
	return nil
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	values := make(map[string]string)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}

func csvWithDefault(lookup func(string) (string, bool), key string) []string {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
