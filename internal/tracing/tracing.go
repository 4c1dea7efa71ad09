// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tracing owns the OpenTelemetry SDK wiring: one Provider per
// process carrying the tracer provider, the meter provider bridged to
// Prometheus, and the W3C propagators. Components that emit spans take
// a trace.Tracer; they never touch the SDK directly.
package tracing

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/foreman/pkg/errors"
)

// Config selects the span exporter and sampling for the process.
type Config struct {
	// Enabled turns span collection on. Off, Tracer returns nil and
	// components skip span creation entirely.
	Enabled bool `yaml:"enabled"`

	// Exporter is where spans go: none, stdout, otlp-grpc, or
	// otlp-http. none keeps the SDK active (sampling, propagation)
	// without exporting anywhere.
	Exporter string `yaml:"exporter"`

	// Endpoint is the OTLP collector address, e.g. "localhost:4317"
	// for gRPC or "collector:4318" for HTTP.
	Endpoint string `yaml:"endpoint"`

	// Insecure disables TLS on OTLP connections. Development only.
	Insecure bool `yaml:"insecure"`

	// Headers are added to every OTLP export request, typically an
	// auth token for a hosted collector.
	Headers map[string]string `yaml:"headers,omitempty"`

	// SampleRatio is the fraction of new traces kept, 0 to 1. Zero
	// means unset and samples everything.
	SampleRatio float64 `yaml:"sample_ratio"`

	// ServiceName and ServiceVersion identify the process in span
	// resources.
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
}

func (c Config) withDefaults() Config {
	if c.Exporter == "" {
		c.Exporter = ExporterNone
	}
	if c.SampleRatio <= 0 {
		c.SampleRatio = 1
	}
	if c.ServiceName == "" {
		c.ServiceName = "foreman"
	}
	return c
}

// Provider holds the process-wide OpenTelemetry state. Build one in the
// daemon, hand its Tracer to the components that emit spans, and shut
// it down last so in-flight spans flush.
type Provider struct {
	cfg Config
	tp  *sdktrace.TracerProvider
	mp  *sdkmetric.MeterProvider
}

// New builds a provider. The tracer side is only constructed when
// cfg.Enabled; the meter side always is, so Prometheus metrics work
// with tracing off. Both are installed as the OTel globals. Extra
// options land after the config-derived ones; tests use this to
// inject a synchronous exporter.
func New(ctx context.Context, cfg Config, extra ...sdktrace.TracerProviderOption) (*Provider, error) {
	cfg = cfg.withDefaults()
	p := &Provider{cfg: cfg}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"", // merging schema URLs conflicts across semconv versions
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, &errors.ConfigError{Key: "tracing.service_name", Reason: "building resource", Cause: err}
	}

	if cfg.Enabled {
		exporter, err := newSpanExporter(ctx, cfg)
		if err != nil {
			return nil, err
		}
		opts := []sdktrace.TracerProviderOption{
			sdktrace.WithResource(res),
			sdktrace.WithSampler(newSampler(cfg.SampleRatio)),
		}
		if exporter != nil {
			opts = append(opts, sdktrace.WithBatcher(exporter))
		}
		opts = append(opts, extra...)
		p.tp = sdktrace.NewTracerProvider(opts...)
		otel.SetTracerProvider(p.tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
	}

	promExporter, err := otelprom.New()
	if err != nil {
		return nil, &errors.ConfigError{Key: "tracing", Reason: "creating prometheus bridge", Cause: err}
	}
	p.mp = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)
	otel.SetMeterProvider(p.mp)

	return p, nil
}

// Tracer returns a tracer for the instrumentation scope, or nil when
// tracing is disabled. Components treat a nil tracer as "no spans".
func (p *Provider) Tracer(name string) trace.Tracer {
	if p.tp == nil {
		return nil
	}
	return p.tp.Tracer(name)
}

// Meter returns a meter for the instrumentation scope. Metrics recorded
// through it surface on the Prometheus endpoint via the bridge.
func (p *Provider) Meter(name string) metric.Meter {
	return p.mp.Meter(name)
}

// MetricsHandler serves the Prometheus scrape endpoint. The OTel bridge
// registers with the default registry, the same place the promauto
// collectors live, so one handler covers both.
func (p *Provider) MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// ForceFlush exports pending spans and metrics synchronously.
func (p *Provider) ForceFlush(ctx context.Context) error {
	if p.tp != nil {
		if err := p.tp.ForceFlush(ctx); err != nil {
			return err
		}
	}
	return p.mp.ForceFlush(ctx)
}

// Shutdown flushes and releases the SDK. Call it after every span
// emitter has stopped.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp != nil {
		if err := p.tp.Shutdown(ctx); err != nil {
			return err
		}
	}
	return p.mp.Shutdown(ctx)
}

// newSampler maps a keep ratio onto an SDK sampler. Children follow
// their parent's decision so traces stay whole.
func newSampler(ratio float64) sdktrace.Sampler {
	if ratio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}
