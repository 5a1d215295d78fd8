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

// Package instrumentation runs the HTTP endpoint for metrics and health
// checks, and sets up tracing.
package instrumentation

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	cfgapi "github.com/torusched/bgblock/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/torusched/bgblock/pkg/healthz"
	"github.com/torusched/bgblock/pkg/instrumentation/tracing"
	logger "github.com/torusched/bgblock/pkg/log"
	"github.com/torusched/bgblock/pkg/metrics"
	"github.com/torusched/bgblock/pkg/metrics/collectors"
)

const (
	// ServiceName is our service name in external tracing and metrics services.
	ServiceName = "bgblock"
	// Namespace prefixes our metrics.
	Namespace = "bgblock"
)

// KeyValue aliases tracing.KeyValue, for SetIdentity().
type KeyValue = tracing.KeyValue

var (
	// Our runtime configuration.
	cfg = &cfgapi.Config{}
	// Lock to protect against reconfiguration.
	lock sync.Mutex
	// Our HTTP server instance.
	srv = newServer()
	// Our metrics gatherer, if exporting to Prometheus.
	gatherer *metrics.Gatherer
	// Our logger instance.
	log = logger.NewLogger("instrumentation")

	identity     []KeyValue
	standardOnce sync.Once

	// Attribute aliases tracing.Attribute(), for SetIdentity().
	Attribute = tracing.Attribute
)

// HTTPServer returns our HTTP server.
func HTTPServer() *Server {
	return srv
}

// SetIdentity sets extra process identity attributes for tracing.
func SetIdentity(attrs ...KeyValue) {
	identity = attrs
}

// Start our instrumentation services.
func Start(c *cfgapi.Config) error {
	log.Info("starting instrumentation services...")

	lock.Lock()
	defer lock.Unlock()

	if c != nil {
		cfg = c
	}
	return start()
}

// Stop our instrumentation services.
func Stop() {
	lock.Lock()
	defer lock.Unlock()

	stop()
}

// Reconfigure our instrumentation services.
func Reconfigure(c *cfgapi.Config) error {
	lock.Lock()
	defer lock.Unlock()

	stop()
	cfg = c

	err := start()
	if err != nil {
		log.Error("failed to restart instrumentation: %v", err)
	}
	return err
}

func start() error {
	standardOnce.Do(func() { collectors.Register(metrics.Default()) })

	if err := tracing.Start(
		tracing.WithServiceName(ServiceName),
		tracing.WithCollectorEndpoint(cfg.TracingCollector),
		tracing.WithSamplingRatio(cfg.SamplingRatio),
		tracing.WithIdentity(identity...),
	); err != nil {
		return fmt.Errorf("failed to start tracing: %w", err)
	}

	extra := map[string]http.Handler{}
	if cfg.PrometheusExport {
		var enabled, polled []string
		if cfg.Metrics != nil {
			enabled, polled = cfg.Metrics.Enabled, cfg.Metrics.Polled
		}
		if len(enabled) == 0 && len(polled) == 0 {
			enabled = []string{"*"}
		}

		g, err := metrics.NewGatherer(
			metrics.WithNamespace(Namespace),
			metrics.WithMetrics(enabled, polled),
			metrics.WithPollInterval(cfg.ReportPeriod.Duration),
		)
		if err != nil {
			return fmt.Errorf("failed to start metrics: %w", err)
		}
		gatherer = g

		extra["/metrics"] = promhttp.HandlerFor(g, promhttp.HandlerOpts{
			ErrorHandling: promhttp.ContinueOnError,
		})
	}

	if err := srv.start(cfg.HTTPEndpoint, extra, healthz.Setup); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	return nil
}

func stop() {
	srv.stop()
	if gatherer != nil {
		gatherer.Stop()
		gatherer = nil
	}
	tracing.Stop()
}
