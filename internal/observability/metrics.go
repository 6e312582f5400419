// Package observability exports service metrics through OpenTelemetry.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/manthysbr/clinisandbox/internal/core/domain"
)

const meterName = "github.com/manthysbr/clinisandbox"

// Config configures the metric provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // host:port of an OTLP/gRPC collector; empty disables export
	Insecure       bool
	ExportInterval time.Duration
}

// Provider owns the meter provider and the service instruments. It
// implements ports.Metrics.
type Provider struct {
	meterProvider *sdkmetric.MeterProvider
	logger        *slog.Logger

	admissions      metric.Int64Counter
	jobs            metric.Int64Counter
	jobDuration     metric.Float64Histogram
	webhookAttempts metric.Int64Counter
}

// New builds a provider that pushes to cfg.OTLPEndpoint. Without an endpoint
// instruments are still live but nothing is exported.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, error) {
	opts := []sdkmetric.Option{sdkmetric.WithResource(newResource(cfg))}

	if cfg.OTLPEndpoint != "" {
		exporterOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.Insecure {
			exporterOpts = append(exporterOpts, otlpmetricgrpc.WithInsecure())
		}
		exporter, err := otlpmetricgrpc.New(ctx, exporterOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create metric exporter: %w", err)
		}
		interval := cfg.ExportInterval
		if interval <= 0 {
			interval = 15 * time.Second
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))))
	}

	p, err := newProvider(sdkmetric.NewMeterProvider(opts...), logger)
	if err != nil {
		return nil, err
	}
	logger.InfoContext(ctx, "metrics initialized", "endpoint", cfg.OTLPEndpoint, "exporting", cfg.OTLPEndpoint != "")
	return p, nil
}

// NewWithReader wires the instruments to reader. Used by tests with a
// sdkmetric.ManualReader.
func NewWithReader(reader sdkmetric.Reader, logger *slog.Logger) (*Provider, error) {
	return newProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)), logger)
}

func newResource(cfg Config) *resource.Resource {
	name := cfg.ServiceName
	if name == "" {
		name = "clinisandbox"
	}
	attrs := resource.NewSchemaless(
		attribute.String("service.name", name),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	)
	res, err := resource.Merge(resource.Default(), attrs)
	if err != nil {
		return attrs
	}
	return res
}

func newProvider(mp *sdkmetric.MeterProvider, logger *slog.Logger) (*Provider, error) {
	meter := mp.Meter(meterName)
	p := &Provider{meterProvider: mp, logger: logger.With("component", "observability")}

	var err error
	if p.admissions, err = meter.Int64Counter("clinisandbox.admissions",
		metric.WithDescription("Diagnose requests by admission outcome"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}
	if p.jobs, err = meter.Int64Counter("clinisandbox.jobs.completed",
		metric.WithDescription("Jobs that reached a terminal status"),
		metric.WithUnit("{job}"),
	); err != nil {
		return nil, err
	}
	if p.jobDuration, err = meter.Float64Histogram("clinisandbox.job.duration",
		metric.WithDescription("Backend execution time per job"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300),
	); err != nil {
		return nil, err
	}
	if p.webhookAttempts, err = meter.Int64Counter("clinisandbox.webhook.attempts",
		metric.WithDescription("Outbound webhook delivery attempts"),
		metric.WithUnit("{attempt}"),
	); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) RecordAdmission(ctx context.Context, outcome string) {
	p.admissions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (p *Provider) RecordJob(ctx context.Context, status domain.JobStatus, backend string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("status", string(status)),
		attribute.String("backend", backend),
	)
	p.jobs.Add(ctx, 1, attrs)
	p.jobDuration.Record(ctx, elapsed.Seconds(), attrs)
}

func (p *Provider) RecordWebhookAttempt(ctx context.Context, ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	p.webhookAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// Shutdown flushes pending exports.
func (p *Provider) Shutdown(ctx context.Context) error {
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		return err
	}
	return nil
}
