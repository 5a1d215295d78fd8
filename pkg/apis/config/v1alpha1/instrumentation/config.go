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

package instrumentation

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Config provides runtime configuration for instrumentation.
type Config struct {
	// SamplingRatio is the ratio of traces sampled, 0.0 disables tracing.
	// +optional
	SamplingRatio float64 `json:"samplingRatio,omitempty"`
	// TracingCollector defines the external endpoint for tracing data
	// collection. The supported values are:
	//   - stdout: pretty-print spans to standard output
	//   - otlp-grpc://host:port: OTLP over gRPC
	// +optional
	TracingCollector string `json:"tracingCollector,omitempty"`
	// ReportPeriod is the interval between collecting polled metrics.
	// +optional
	ReportPeriod metav1.Duration `json:"reportPeriod,omitempty"`
	// HTTPEndpoint is the address our HTTP server listens on. This endpoint
	// is used to expose Prometheus metrics and health checks.
	// +optional
	HTTPEndpoint string `json:"httpEndpoint,omitempty"`
	// PrometheusExport enables exporting /metrics for Prometheus.
	// +optional
	PrometheusExport bool `json:"prometheusExport,omitempty"`
	// Metrics defines which metrics to collect.
	// +optional
	Metrics *MetricsConfig `json:"metrics,omitempty"`
}

// MetricsConfig selects metrics collectors by name or glob.
type MetricsConfig struct {
	// Enabled collectors.
	// +optional
	Enabled []string `json:"enabled,omitempty"`
	// Polled collectors, collected periodically instead of on demand.
	// +optional
	Polled []string `json:"polled,omitempty"`
}
