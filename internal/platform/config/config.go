package config

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultCatalogBaseURL      = "https://api.boeingdistribution.com"
	defaultCatalogTimeout      = 30 * time.Second
	defaultCommerceAPIVersion  = "2024-07"
	defaultCommerceTimeout     = 30 * time.Second
	defaultMaxBatchSize        = 500
	defaultStageWorkers        = 4
	defaultItemTimeout         = 45 * time.Second
	defaultRateLimitCapacity   = 2
	defaultRateLimitRefill     = time.Minute
	defaultSyncBucketCount     = 24
	defaultSyncTickInterval    = time.Hour
	defaultSyncTestingInterval = 2 * time.Minute
	defaultSyncWorkers         = 4
	defaultDeactivateThreshold = 5
	defaultEventsTopic         = "record-changes"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server    ServerConfig
	Firestore FirestoreConfig
	Catalog   CatalogConfig
	Commerce  CommerceConfig
	Pipeline  PipelineConfig
	RateLimit RateLimitConfig
	Sync      SyncConfig
	Storage   StorageConfig
	Events    EventsConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// CatalogConfig points at the aviation-parts catalog API.
type CatalogConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// CommerceConfig points at the commerce platform's admin API.
type CommerceConfig struct {
	ShopDomain  string
	AccessToken string
	APIVersion  string
	LocationID  string
	Timeout     time.Duration
}

// PipelineConfig tunes batch processing behaviour.
type PipelineConfig struct {
	MaxBatchSize int
	StageWorkers int
	ItemTimeout  time.Duration
}

// RateLimitConfig bounds calls against the external catalog quota.
type RateLimitConfig struct {
	Capacity       int
	RefillInterval time.Duration
}

// SyncConfig drives the bucketed auto-sync scheduler.
type SyncConfig struct {
	BucketCount           int
	TickInterval          time.Duration
	TestingMode           bool
	TestingInterval       time.Duration
	Workers               int
	DeactivationThreshold int
}

// StorageConfig lists bucket names used for mirrored product imagery.
type StorageConfig struct {
	ImagesBucket string
}

// EventsConfig controls the record-change notification topic.
type EventsConfig struct {
	ProjectID string
	Topic     string
	Disabled  bool
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

// MissingSecretsError indicates that one or more required secrets failed to resolve.
type MissingSecretsError struct {
	secrets []missingSecret
}

type missingSecret struct {
	name     string
	redacted string
}

// Error implements the error interface.
func (e *MissingSecretsError) Error() string {
	if e == nil || len(e.secrets) == 0 {
		return "missing required secrets"
	}
	names := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		names = append(names, secret.redacted)
	}
	sort.Strings(names)
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(names, ", "))
}

// RedactedNames returns a copy of the redacted secret identifiers.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil || len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, secret.redacted)
	}
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

// EnvironmentValues returns the effective key/value environment map after applying the same precedence
// rules as Load (dotenv < OS env < explicit env map). Callers can use the result to initialise
// dependencies before invoking Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}

	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string)
	merge := func(source map[string]string) {
		for key, value := range source {
			values[key] = value
		}
	}

	merge(dotEnvValues)

	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			parts := strings.SplitN(entry, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			if key == "" {
				continue
			}
			values[key] = parts[1]
		}
	}

	merge(options.envMap)

	return values, nil
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.Getenv, relying only on provided maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets a custom secret resolver used for sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks the provided secret identifiers as mandatory.
// Identifiers match the config field names recorded by the loader
// (e.g. "Catalog.APIKey" or "Commerce.AccessToken").
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
		secret: SecretResolverFunc(func(ctx context.Context, ref string) (string, error) {
			return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
		}),
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

	cfg := Config{
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "API_SERVER_PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Catalog: CatalogConfig{
			BaseURL: stringWithDefault(lookup, "API_CATALOG_BASE_URL", defaultCatalogBaseURL),
			APIKey:  stringWithDefault(lookup, "API_CATALOG_API_KEY", ""),
			Timeout: durationWithDefault(lookup, "API_CATALOG_TIMEOUT", defaultCatalogTimeout),
		},
		Commerce: CommerceConfig{
			ShopDomain:  stringWithDefault(lookup, "API_COMMERCE_SHOP_DOMAIN", ""),
			AccessToken: stringWithDefault(lookup, "API_COMMERCE_ACCESS_TOKEN", ""),
			APIVersion:  stringWithDefault(lookup, "API_COMMERCE_API_VERSION", defaultCommerceAPIVersion),
			LocationID:  stringWithDefault(lookup, "API_COMMERCE_LOCATION_ID", ""),
			Timeout:     durationWithDefault(lookup, "API_COMMERCE_TIMEOUT", defaultCommerceTimeout),
		},
		Pipeline: PipelineConfig{
			MaxBatchSize: intWithDefault(lookup, "API_PIPELINE_MAX_BATCH_SIZE", defaultMaxBatchSize),
			StageWorkers: intWithDefault(lookup, "API_PIPELINE_STAGE_WORKERS", defaultStageWorkers),
			ItemTimeout:  durationWithDefault(lookup, "API_PIPELINE_ITEM_TIMEOUT", defaultItemTimeout),
		},
		RateLimit: RateLimitConfig{
			Capacity:       intWithDefault(lookup, "API_RATELIMIT_CAPACITY", defaultRateLimitCapacity),
			RefillInterval: durationWithDefault(lookup, "API_RATELIMIT_REFILL_INTERVAL", defaultRateLimitRefill),
		},
		Sync: SyncConfig{
			BucketCount:           intWithDefault(lookup, "API_SYNC_BUCKET_COUNT", defaultSyncBucketCount),
			TickInterval:          durationWithDefault(lookup, "API_SYNC_TICK_INTERVAL", defaultSyncTickInterval),
			TestingMode:           boolWithDefault(lookup, "API_SYNC_TESTING_MODE", false),
			TestingInterval:       durationWithDefault(lookup, "API_SYNC_TESTING_INTERVAL", defaultSyncTestingInterval),
			Workers:               intWithDefault(lookup, "API_SYNC_WORKERS", defaultSyncWorkers),
			DeactivationThreshold: intWithDefault(lookup, "API_SYNC_DEACTIVATION_THRESHOLD", defaultDeactivateThreshold),
		},
		Storage: StorageConfig{
			ImagesBucket: stringWithDefault(lookup, "API_STORAGE_IMAGES_BUCKET", ""),
		},
		Events: EventsConfig{
			ProjectID: stringWithDefault(lookup, "API_EVENTS_PROJECT_ID", ""),
			Topic:     stringWithDefault(lookup, "API_EVENTS_TOPIC", defaultEventsTopic),
			Disabled:  boolWithDefault(lookup, "API_EVENTS_DISABLED", false),
		},
	}

	// Events project defaults to the Firestore project when unspecified.
	if cfg.Events.ProjectID == "" {
		cfg.Events.ProjectID = cfg.Firestore.ProjectID
	}
	if cfg.Sync.TestingMode {
		cfg.Sync.TickInterval = cfg.Sync.TestingInterval
	}

	resolvedSecrets := make(map[string]string)
	resolveField := func(name string, field *string) error {
		resolved, err := resolveSecret(ctx, *field, options.secret)
		if err != nil {
			return err
		}
		*field = resolved
		resolvedSecrets[name] = strings.TrimSpace(resolved)
		return nil
	}

	secretFields := []struct {
		name  string
		field *string
	}{
		{"Catalog.APIKey", &cfg.Catalog.APIKey},
		{"Commerce.AccessToken", &cfg.Commerce.AccessToken},
	}
	for _, target := range secretFields {
		if err := resolveField(target.name, target.field); err != nil {
			return Config{}, err
		}
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	if missing := findMissingSecrets(options.requiredSecrets, resolvedSecrets); missing != nil {
		return Config{}, missing
	}

	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" {
		return value, nil
	}
	if !isSecretReference(value) {
		return value, nil
	}
	if resolver == nil {
		normalized := normalizeSecretReference(value)
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	normalized := normalizeSecretReference(value)
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if cfg.Firestore.ProjectID == "" {
		missing = append(missing, "Firestore.ProjectID")
	}
	if strings.TrimSpace(cfg.Catalog.BaseURL) == "" {
		missing = append(missing, "Catalog.BaseURL")
	}
	if cfg.Pipeline.MaxBatchSize <= 0 {
		missing = append(missing, "Pipeline.MaxBatchSize")
	}
	if cfg.Pipeline.StageWorkers <= 0 {
		missing = append(missing, "Pipeline.StageWorkers")
	}
	if cfg.RateLimit.Capacity <= 0 {
		missing = append(missing, "RateLimit.Capacity")
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		missing = append(missing, "RateLimit.RefillInterval")
	}
	if cfg.Sync.BucketCount <= 0 {
		missing = append(missing, "Sync.BucketCount")
	}
	if cfg.Sync.TickInterval <= 0 {
		missing = append(missing, "Sync.TickInterval")
	}
	if cfg.Sync.DeactivationThreshold <= 0 {
		missing = append(missing, "Sync.DeactivationThreshold")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	if len(required) == 0 {
		return nil
	}
	missing := make([]missingSecret, 0, len(required))
	seen := make(map[string]struct{})
	for _, name := range required {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		if value := strings.TrimSpace(resolved[trimmed]); value != "" {
			continue
		}
		missing = append(missing, missingSecret{
			name:     trimmed,
			redacted: redactSecretName(trimmed),
		})
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{secrets: missing}
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

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
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
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		value = strings.Trim(value, "\"'")
		values[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && value != "" {
		return value
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
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return n
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return fallback
}
