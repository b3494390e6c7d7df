package secrets

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultEnvironment  = "local"
	defaultFallbackPath = ".secrets.local"
	metricNamespace     = "github.com/partstream/api/internal/platform/secrets"
	secretScheme        = "secret://"
)

// ErrSecretNotFound indicates the referenced secret does not exist in any source.
var ErrSecretNotFound = errors.New("secrets: not found")

var secretManagerClientFactory = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret:// references using Google Secret Manager with caching and a local fallback file.
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool

	logger *zap.Logger

	env           string
	defaultProjID string
	fallbackPath  string

	fallbackOnce sync.Once
	fallbackVals map[string]string
	fallbackErr  error

	mu    sync.RWMutex
	cache map[string]cacheEntry

	latency        metric.Float64Histogram
	latencyEnabled bool
}

type cacheEntry struct {
	value     string
	fetchedAt time.Time
	source    string
}

type fetcherConfig struct {
	logger       *zap.Logger
	env          string
	defaultProj  string
	fallbackPath string
	meter        metric.Meter
	client       secretManagerClient
	clientOpts   []option.ClientOption
}

// Option customises Fetcher construction.
type Option func(*fetcherConfig)

// WithLogger sets the logger used for diagnostic output.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *fetcherConfig) {
		cfg.logger = logger
	}
}

// WithEnvironment selects the deployment environment (local environments use the fallback file).
func WithEnvironment(env string) Option {
	return func(cfg *fetcherConfig) {
		cfg.env = strings.ToLower(strings.TrimSpace(env))
	}
}

// WithDefaultProject configures the project ID used for short secret references.
func WithDefaultProject(projectID string) Option {
	return func(cfg *fetcherConfig) {
		cfg.defaultProj = strings.TrimSpace(projectID)
	}
}

// WithFallbackFile overrides the path to the local fallback secrets file.
func WithFallbackFile(path string) Option {
	return func(cfg *fetcherConfig) {
		cfg.fallbackPath = strings.TrimSpace(path)
	}
}

// WithMeter injects a custom OpenTelemetry meter.
func WithMeter(m metric.Meter) Option {
	return func(cfg *fetcherConfig) {
		cfg.meter = m
	}
}

// WithSecretManagerClient injects a preconfigured Secret Manager client (primarily for tests).
func WithSecretManagerClient(client secretManagerClient) Option {
	return func(cfg *fetcherConfig) {
		cfg.client = client
	}
}

// WithClientOptions forwards Cloud client options when constructing the Secret Manager client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(cfg *fetcherConfig) {
		cfg.clientOpts = append(cfg.clientOpts, opts...)
	}
}

// NewFetcher builds a Fetcher with secret caching, metrics, and local fallback support.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	cfg := fetcherConfig{}
	cfg.logger = zap.NewNop()
	cfg.env = strings.ToLower(strings.TrimSpace(os.Getenv("API_ENVIRONMENT")))
	if cfg.env == "" {
		cfg.env = defaultEnvironment
	}
	cfg.fallbackPath = defaultFallbackPath

	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}

	meter := cfg.meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(metricNamespace)
	}

	latency, latencyErr := meter.Float64Histogram(
		"secrets.fetch.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency in milliseconds for secret fetch attempts"),
	)
	if latencyErr != nil {
		cfg.logger.Warn("secrets: unable to register latency metric", zap.Error(latencyErr))
	}

	fetcher := &Fetcher{
		client:         cfg.client,
		logger:         cfg.logger,
		env:            cfg.env,
		defaultProjID:  cfg.defaultProj,
		fallbackPath:   cfg.fallbackPath,
		cache:          make(map[string]cacheEntry),
		latency:        latency,
		latencyEnabled: latencyErr == nil,
	}

	if fetcher.client == nil && fetcher.env != defaultEnvironment {
		client, err := secretManagerClientFactory(ctx, cfg.clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("secrets: create secret manager client: %w", err)
		}
		fetcher.client = client
		fetcher.ownsClient = true
	}

	return fetcher, nil
}

// Resolve fetches the value behind a secret:// reference, consulting the cache first.
func (f *Fetcher) Resolve(ctx context.Context, ref string) (string, error) {
	if f == nil {
		return "", errors.New("secrets: fetcher is nil")
	}
	canonical, err := canonicalRef(ref, f.defaultProjID)
	if err != nil {
		return "", err
	}

	f.mu.RLock()
	if entry, ok := f.cache[canonical]; ok {
		f.mu.RUnlock()
		return entry.value, nil
	}
	f.mu.RUnlock()

	start := time.Now()
	value, source, err := f.fetch(ctx, canonical)
	if f.latencyEnabled {
		f.latency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(
				attribute.String("source", source),
				attribute.Bool("success", err == nil),
			))
	}
	if err != nil {
		return "", err
	}

	f.mu.Lock()
	f.cache[canonical] = cacheEntry{value: value, fetchedAt: time.Now().UTC(), source: source}
	f.mu.Unlock()
	return value, nil
}

// Close releases the underlying Secret Manager client when owned by the fetcher.
func (f *Fetcher) Close() error {
	if f == nil || f.client == nil || !f.ownsClient {
		return nil
	}
	return f.client.Close()
}

func (f *Fetcher) fetch(ctx context.Context, canonical string) (string, string, error) {
	if f.client != nil {
		name := strings.TrimPrefix(canonical, secretScheme)
		resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
		if err == nil {
			return string(resp.GetPayload().GetData()), "secret-manager", nil
		}
		if status.Code(err) != codes.NotFound {
			return "", "secret-manager", fmt.Errorf("secrets: access %s: %w", name, err)
		}
		f.logger.Warn("secrets: secret not found in secret manager, trying fallback", zap.String("ref", canonical))
	}

	value, err := f.fallbackLookup(canonical)
	if err != nil {
		return "", "fallback", err
	}
	return value, "fallback", nil
}

func (f *Fetcher) fallbackLookup(canonical string) (string, error) {
	f.fallbackOnce.Do(func() {
		f.fallbackVals, f.fallbackErr = loadFallbackFile(f.fallbackPath)
	})
	if f.fallbackErr != nil {
		return "", f.fallbackErr
	}
	if value, ok := f.fallbackVals[canonical]; ok {
		return value, nil
	}
	// Short name lookup allows .secrets.local entries keyed by bare secret name.
	shortName := canonical
	if idx := strings.LastIndex(canonical, "/secrets/"); idx >= 0 {
		rest := canonical[idx+len("/secrets/"):]
		if v := strings.Index(rest, "/"); v >= 0 {
			rest = rest[:v]
		}
		shortName = rest
	}
	if value, ok := f.fallbackVals[shortName]; ok {
		return value, nil
	}
	return "", fmt.Errorf("%w: %s", ErrSecretNotFound, canonical)
}

func canonicalRef(ref string, defaultProject string) (string, error) {
	trimmed := strings.TrimSpace(ref)
	if strings.HasPrefix(trimmed, "sm://") {
		trimmed = secretScheme + strings.TrimPrefix(trimmed, "sm://")
	}
	if !strings.HasPrefix(trimmed, secretScheme) {
		return "", fmt.Errorf("secrets: unsupported reference %q", ref)
	}
	body := strings.TrimPrefix(trimmed, secretScheme)
	if body == "" {
		return "", fmt.Errorf("secrets: empty reference %q", ref)
	}
	if strings.HasPrefix(body, "projects/") {
		if !strings.Contains(body, "/versions/") {
			body += "/versions/latest"
		}
		return secretScheme + body, nil
	}
	if defaultProject == "" {
		return "", fmt.Errorf("secrets: short reference %q requires a default project", ref)
	}
	return fmt.Sprintf("%sprojects/%s/secrets/%s/versions/latest", secretScheme, defaultProject, body), nil
}

func loadFallbackFile(path string) (map[string]string, error) {
	values := make(map[string]string)
	if path == "" {
		return values, nil
	}
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return values, nil
	}
	if err != nil {
		return nil, fmt.Errorf("secrets: unable to read fallback file %s: %w", path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(parts[1]), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("secrets: failed parsing fallback file %s: %w", path, err)
	}
	return values, nil
}
