// Package telemetry exports server metrics over OTLP.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	meterName      = "github.com/yuuki/rdmakv/server"
	serviceName    = "rdmakv-server"
	serviceVersion = "0.1.0"
	exportInterval = 10 * time.Second
)

// Connection outcomes recorded by RecordConnection.
const (
	OutcomeServed   = "served"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// Metrics holds the server's instruments. A nil *Metrics records nothing.
type Metrics struct {
	provider *sdkmetric.MeterProvider

	requests         metric.Int64Counter
	lookupMisses     metric.Int64Counter
	exchangeLatency  metric.Float64Histogram
	completionErrors metric.Int64Counter
	connections      metric.Int64Counter
}

// NewMetrics exports to collectorAddr. The scheme picks the exporter:
// grpc (default), grpcs, http or https.
func NewMetrics(ctx context.Context, instanceID, collectorAddr string) (*Metrics, error) {
	exporter, err := newExporter(ctx, collectorAddr)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
			semconv.ServiceInstanceID(instanceID),
		),
	)
	if err != nil {
		return nil, err
	}

	m, err := NewMetricsWithReader(
		sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(exportInterval)),
		sdkmetric.WithResource(res),
	)
	if err != nil {
		return nil, err
	}
	otel.SetMeterProvider(m.provider)
	return m, nil
}

// NewMetricsWithReader builds the instruments on a provider that reads
// through reader.
func NewMetricsWithReader(reader sdkmetric.Reader, opts ...sdkmetric.Option) (*Metrics, error) {
	provider := sdkmetric.NewMeterProvider(append(opts, sdkmetric.WithReader(reader))...)
	meter := provider.Meter(meterName)

	requests, err := meter.Int64Counter(
		"rdmakv.requests",
		metric.WithDescription("Number of handled requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}
	lookupMisses, err := meter.Int64Counter(
		"rdmakv.lookup.misses",
		metric.WithDescription("Number of GET requests for absent keys"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}
	exchangeLatency, err := meter.Float64Histogram(
		"rdmakv.exchange.latency",
		metric.WithDescription("Time from request arrival to response completion in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	completionErrors, err := meter.Int64Counter(
		"rdmakv.completion.errors",
		metric.WithDescription("Number of failed work completions"),
		metric.WithUnit("{count}"),
	)
	if err != nil {
		return nil, err
	}
	connections, err := meter.Int64Counter(
		"rdmakv.connections",
		metric.WithDescription("Number of connections by outcome"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		provider:         provider,
		requests:         requests,
		lookupMisses:     lookupMisses,
		exchangeLatency:  exchangeLatency,
		completionErrors: completionErrors,
		connections:      connections,
	}, nil
}

func newExporter(ctx context.Context, collectorAddr string) (sdkmetric.Exporter, error) {
	scheme, endpoint, err := parseCollectorAddr(collectorAddr)
	if err != nil {
		return nil, err
	}

	var exporter sdkmetric.Exporter
	switch scheme {
	case "grpc":
		exporter, err = otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
	case "grpcs":
		exporter, err = otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(endpoint))
	case "http", "https":
		options := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(endpoint)}
		if scheme == "http" {
			options = append(options, otlpmetrichttp.WithInsecure())
		}
		exporter, err = otlpmetrichttp.New(ctx, options...)
	default:
		return nil, fmt.Errorf("unsupported OTLP exporter protocol scheme: '%s' in %s. Use 'grpc', 'grpcs', 'http', or 'https'", scheme, collectorAddr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter (%s://%s): %w", scheme, endpoint, err)
	}
	return exporter, nil
}

// parseCollectorAddr splits collectorAddr into an exporter scheme and a
// host:port endpoint. A schemeless address uses grpc.
func parseCollectorAddr(collectorAddr string) (string, string, error) {
	if !strings.Contains(collectorAddr, "://") {
		if !strings.Contains(collectorAddr, ":") || strings.Contains(collectorAddr, "/") {
			return "", "", fmt.Errorf("otel-collector-addr '%s' is not a valid schemeless address (e.g. localhost:4317)", collectorAddr)
		}
		return "grpc", collectorAddr, nil
	}
	parsedURL, err := url.Parse(collectorAddr)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse otel-collector-addr '%s': %w", collectorAddr, err)
	}
	if parsedURL.Host == "" {
		return "", "", fmt.Errorf("otel-collector-addr '%s' is missing a host", collectorAddr)
	}
	return strings.ToLower(parsedURL.Scheme), parsedURL.Host, nil
}

// RecordRequest counts a handled request of the given operation.
func (m *Metrics) RecordRequest(ctx context.Context, op string) {
	if m == nil {
		return
	}
	m.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordMiss counts a GET for an absent key.
func (m *Metrics) RecordMiss(ctx context.Context) {
	if m == nil {
		return
	}
	m.lookupMisses.Add(ctx, 1)
}

// RecordLatency records one request/response exchange.
func (m *Metrics) RecordLatency(ctx context.Context, d time.Duration, op string) {
	if m == nil {
		return
	}
	ms := float64(d.Nanoseconds()) / 1_000_000.0
	m.exchangeLatency.Record(ctx, ms, metric.WithAttributes(attribute.String("op", op)))
}

// RecordCompletionError counts a failed work completion.
func (m *Metrics) RecordCompletionError(ctx context.Context) {
	if m == nil {
		return
	}
	m.completionErrors.Add(ctx, 1)
}

// RecordConnection counts a finished connection.
func (m *Metrics) RecordConnection(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.connections.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// Shutdown flushes and stops the provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
