// Package secrets resolves secret:// references against Google Secret Manager.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"net/url"
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

const metricNamespace = "github.com/tillpoint/pos/internal/platform/secrets"

// ErrSecretNotFound is returned when Secret Manager has no such secret version.
var ErrSecretNotFound = errors.New("secrets: secret not found")

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Resolver fetches secret payloads once per reference and caches them for
// the process lifetime.
type Resolver struct {
	client     secretManagerClient
	ownsClient bool
	projectID  string
	logger     *zap.Logger

	mu    sync.Mutex
	cache map[string]string

	latency metric.Float64Histogram
	lookups metric.Int64Counter
}

type resolverConfig struct {
	logger     *zap.Logger
	client     secretManagerClient
	clientOpts []option.ClientOption
	meter      metric.Meter
}

// Option customises Resolver construction.
type Option func(*resolverConfig)

// WithLogger sets the logger used for diagnostic output.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *resolverConfig) {
		cfg.logger = logger
	}
}

// WithMeter injects a custom OpenTelemetry meter.
func WithMeter(m metric.Meter) Option {
	return func(cfg *resolverConfig) {
		cfg.meter = m
	}
}

// WithClientOptions forwards Cloud client options when constructing the Secret Manager client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(cfg *resolverConfig) {
		cfg.clientOpts = append(cfg.clientOpts, opts...)
	}
}

func withClient(client secretManagerClient) Option {
	return func(cfg *resolverConfig) {
		cfg.client = client
	}
}

// NewResolver connects to Secret Manager for projectID. References may
// override the project with ?project= and pin a version with ?version=.
func NewResolver(ctx context.Context, projectID string, opts ...Option) (*Resolver, error) {
	cfg := resolverConfig{logger: zap.NewNop()}
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

	r := &Resolver{
		projectID: strings.TrimSpace(projectID),
		logger:    cfg.logger,
		cache:     make(map[string]string),
	}

	var err error
	if r.latency, err = meter.Float64Histogram("secrets.resolve.latency", metric.WithUnit("ms"), metric.WithDescription("Latency of Secret Manager lookups")); err != nil {
		cfg.logger.Warn("secrets: unable to register latency metric", zap.Error(err))
	}
	if r.lookups, err = meter.Int64Counter("secrets.resolve.count", metric.WithDescription("Secret resolutions by source")); err != nil {
		cfg.logger.Warn("secrets: unable to register lookup metric", zap.Error(err))
	}

	if cfg.client != nil {
		r.client = cfg.client
		return r, nil
	}
	client, err := secretmanager.NewClient(ctx, cfg.clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("secrets: create secret manager client: %w", err)
	}
	r.client = client
	r.ownsClient = true
	return r, nil
}

// Close releases the Secret Manager client when the Resolver created it.
func (r *Resolver) Close() error {
	if r == nil || !r.ownsClient || r.client == nil {
		return nil
	}
	return r.client.Close()
}

// ResolveSecret returns the payload for a secret://name reference.
func (r *Resolver) ResolveSecret(ctx context.Context, ref string) (string, error) {
	parsed, err := parseReference(ref)
	if err != nil {
		return "", err
	}
	project := parsed.project
	if project == "" {
		project = r.projectID
	}
	if project == "" {
		return "", fmt.Errorf("secrets: no project configured for %s", parsed.secret)
	}
	resource := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, parsed.secret, parsed.version)

	r.mu.Lock()
	value, ok := r.cache[resource]
	r.mu.Unlock()
	if ok {
		r.record(ctx, "cache", 0)
		return value, nil
	}

	start := time.Now()
	resp, err := r.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: resource})
	if err != nil {
		r.record(ctx, "error", time.Since(start))
		if status.Code(err) == codes.NotFound {
			return "", fmt.Errorf("%w: %s", ErrSecretNotFound, resource)
		}
		return "", fmt.Errorf("secrets: access %s: %w", resource, err)
	}
	if resp.GetPayload() == nil {
		return "", fmt.Errorf("secrets: empty payload for %s", resource)
	}
	value = string(resp.GetPayload().GetData())
	r.record(ctx, "remote", time.Since(start))

	r.mu.Lock()
	r.cache[resource] = value
	r.mu.Unlock()
	r.logger.Debug("secret resolved", zap.String("secret", parsed.secret), zap.String("version", parsed.version))
	return value, nil
}

func (r *Resolver) record(ctx context.Context, source string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("source", source))
	if r.lookups != nil {
		r.lookups.Add(ctx, 1, attrs)
	}
	if r.latency != nil && source != "cache" {
		r.latency.Record(ctx, float64(d)/float64(time.Millisecond), attrs)
	}
}

type reference struct {
	secret  string
	version string
	project string
}

func parseReference(ref string) (reference, error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return reference{}, fmt.Errorf("secrets: invalid reference %q: %w", ref, err)
	}
	if u.Scheme != "secret" {
		return reference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return reference{}, fmt.Errorf("secrets: missing secret name in %q", ref)
	}
	// Secret Manager ids cannot contain slashes.
	name = strings.ReplaceAll(name, "/", "_")

	values := u.Query()
	version := strings.TrimSpace(values.Get("version"))
	if version == "" {
		version = "latest"
	}
	return reference{
		secret:  name,
		version: version,
		project: strings.TrimSpace(values.Get("project")),
	}, nil
}
