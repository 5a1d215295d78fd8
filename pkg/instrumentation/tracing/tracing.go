// Copyright The NRI Plugins Authors. All Rights Reserved.
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

// Package tracing exports spans of block allocation and lifecycle
// operations to stdout or to an OTLP collector over gRPC.
package tracing

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	logger "github.com/torusched/bgblock/pkg/log"
	"github.com/torusched/bgblock/pkg/version"
)

const (
	// DefaultServiceName is reported unless WithServiceName is given.
	DefaultServiceName = "bgblock"
	// flushTimeout bounds flushing spans on Stop.
	flushTimeout = 5 * time.Second
)

var (
	log = logger.Get("tracing")

	lock     sync.RWMutex
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
)

// Option configures tracing in Start.
type Option func(*options) error

type options struct {
	service  string
	endpoint string
	ratio    float64
	identity []attribute.KeyValue
}

// WithCollectorEndpoint sets where spans go: "stdout", "otlp-grpc" for
// the default local collector, or "otlp-grpc://host:port".
func WithCollectorEndpoint(endpoint string) Option {
	return func(o *options) error {
		o.endpoint = endpoint
		return nil
	}
}

// WithSamplingRatio sets the ratio of traces sampled, 0 disables tracing.
func WithSamplingRatio(ratio float64) Option {
	return func(o *options) error {
		if ratio < 0 || ratio > 1 {
			return fmt.Errorf("sampling ratio %v not between 0 and 1", ratio)
		}
		o.ratio = ratio
		return nil
	}
}

// WithServiceName sets the service name of exported spans.
func WithServiceName(name string) Option {
	return func(o *options) error {
		if name != "" {
			o.service = name
		}
		return nil
	}
}

// WithIdentity adds attributes identifying this process.
func WithIdentity(attrs ...KeyValue) Option {
	return func(o *options) error {
		o.identity = append(o.identity, attrs...)
		return nil
	}
}

// Start (re)starts tracing. Without an endpoint or with a zero sampling
// ratio spans are not recorded.
func Start(opts ...Option) error {
	o := &options{service: DefaultServiceName}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return fmt.Errorf("invalid tracing option: %w", err)
		}
	}

	Stop()

	if o.endpoint == "" || o.ratio == 0 {
		log.Info("tracing disabled (endpoint %q, sampling ratio %v)", o.endpoint, o.ratio)
		return nil
	}

	exporter, err := newExporter(o.endpoint)
	if err != nil {
		return err
	}

	hostname, _ := os.Hostname()
	attrs := append([]attribute.KeyValue{
		semconv.ServiceName(o.service),
		semconv.ServiceVersion(version.Version),
		semconv.HostNameKey.String(hostname),
		semconv.ProcessPIDKey.Int(os.Getpid()),
		attribute.String("build", version.Build),
	}, o.identity...)

	p := sdktrace.NewTracerProvider(
		sdktrace.WithResource(resource.NewWithAttributes(semconv.SchemaURL, attrs...)),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(o.ratio))),
	)

	otel.SetTracerProvider(p)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	lock.Lock()
	provider = p
	tracer = p.Tracer(o.service, trace.WithSchemaURL(semconv.SchemaURL))
	lock.Unlock()

	log.Info("tracing to %s, sampling ratio %v", o.endpoint, o.ratio)
	return nil
}

// Stop flushes pending spans and stops tracing.
func Stop() {
	lock.Lock()
	p := provider
	provider, tracer = nil, nil
	lock.Unlock()

	if p == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		log.Error("failed to shut down tracing: %v", err)
	}
}

// Enabled returns true if spans are being recorded.
func Enabled() bool {
	lock.RLock()
	defer lock.RUnlock()
	return provider != nil
}

func activeTracer() trace.Tracer {
	lock.RLock()
	defer lock.RUnlock()
	return tracer
}

func newExporter(endpoint string) (sdktrace.SpanExporter, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid tracing endpoint %q: %w", endpoint, err)
	}

	scheme := u.Scheme
	if scheme == "" {
		scheme = u.Path
	}

	switch scheme {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp-grpc", "grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithInsecure()}
		if u.Host != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(u.Host))
		}
		return otlptracegrpc.New(context.Background(), opts...)
	}

	return nil, fmt.Errorf("unsupported tracing endpoint %q", endpoint)
}
