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

package metrics_test

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/require"

	"github.com/torusched/bgblock/pkg/metrics"
)

func TestMetricsDescriptors(t *testing.T) {
	r := metrics.NewRegistry()
	for _, name := range []string{"blocks", "midplanes", "jobs"} {
		newTestGauge(t, r, name, metrics.WithPrefix(metrics.PrefixNamespace))
	}

	srv := newTestServer(t, r, []string{"*"}, nil, 0)
	defer srv.stop()

	described, _ := srv.collect(t)
	require.True(t, described.HasEntry("blocks", "gauge"))
	require.True(t, described.HasEntry("midplanes", "gauge"))
	require.True(t, described.HasEntry("jobs", "gauge"))
}

func TestDuplicateRegistration(t *testing.T) {
	r := metrics.NewRegistry()
	newTestGauge(t, r, "blocks")
	require.Error(t, r.Register("blocks", prometheus.NewGauge(prometheus.GaugeOpts{Name: "blocks", Help: "dup"})))
	require.NoError(t, r.Register("blocks", prometheus.NewGauge(prometheus.GaugeOpts{Name: "blocks", Help: "other"}),
		metrics.WithGroup("other")))
}

func TestPrefixedCollection(t *testing.T) {
	type testCase struct {
		name     string
		options  []metrics.RegisterOption
		expected string
	}
	for _, tc := range []*testCase{
		{
			name:     "blocks",
			options:  []metrics.RegisterOption{metrics.WithGroup("bluegene")},
			expected: "bgblock_bluegene_blocks",
		},
		{
			name: "free",
			options: []metrics.RegisterOption{
				metrics.WithGroup("bluegene"),
				metrics.WithPrefix(metrics.PrefixNamespace),
			},
			expected: "bgblock_free",
		},
		{
			name: "plain",
			options: []metrics.RegisterOption{
				metrics.WithPrefix(metrics.PrefixNone),
			},
			expected: "plain",
		},
		{
			name:     "grouped",
			expected: "bgblock_default_grouped",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := metrics.NewRegistry()
			g := newTestGauge(t, r, tc.name, tc.options...)

			srv := newTestServer(t, r, []string{"*"}, nil, 0, metrics.WithNamespace("bgblock"))
			defer srv.stop()

			_, collected := srv.collect(t)
			require.Equal(t, "0", collected.GetValue(tc.expected))

			g.gauge.Set(4)
			_, collected = srv.collect(t)
			require.Equal(t, "4", collected.GetValue(tc.expected))
		})
	}
}

func TestMetricsConfiguration(t *testing.T) {
	r := metrics.NewRegistry()
	newTestGauge(t, r, "blocks", metrics.WithGroup("bluegene"))
	newTestGauge(t, r, "midplanes", metrics.WithGroup("bluegene"),
		metrics.WithPrefix(metrics.PrefixNamespace))
	newTestGauge(t, r, "goroutines", metrics.WithGroup("standard"),
		metrics.WithPrefix(metrics.PrefixNamespace))
	newTestGauge(t, r, "threads", metrics.WithGroup("standard"))

	srv := newTestServer(t, r, []string{"blocks", "standard"}, nil, 0)
	defer srv.stop()

	described, collected := srv.collect(t)
	require.True(t, described.HasEntry("bluegene_blocks", "gauge"))
	require.True(t, collected.HasEntry("bluegene_blocks"))
	require.False(t, collected.HasEntry("midplanes"))
	require.True(t, collected.HasEntry("goroutines"))
	require.True(t, collected.HasEntry("standard_threads"))

	_, err := r.Configure([]string{"nonexistent*"}, nil)
	require.Error(t, err)
}

func TestConfigurePolling(t *testing.T) {
	r := metrics.NewRegistry()
	newTestGauge(t, r, "blocks", metrics.WithGroup("bluegene"))
	newTestPolled(t, r, "midplanes")

	polling, err := r.Configure([]string{"bluegene"}, nil)
	require.NoError(t, err)
	require.False(t, polling, "polled collector is disabled")

	polling, err = r.Configure([]string{"*"}, nil)
	require.NoError(t, err)
	require.True(t, polling)

	polling, err = r.Configure(nil, []string{"bluegene/blocks"})
	require.NoError(t, err)
	require.True(t, polling)

	// polled for good
	polling, err = r.Configure([]string{"bluegene"}, nil)
	require.NoError(t, err)
	require.True(t, polling)
}

func TestMetricsPolling(t *testing.T) {
	r := metrics.NewRegistry()
	p1 := newTestPolled(t, r, "test1")
	p2 := newTestPolled(t, r, "test2")

	srv := newTestServer(t, r, nil, []string{"*"}, metrics.MinPollInterval)
	defer srv.stop()

	_, collected := srv.collect(t)
	require.Equal(t, "0", collected.GetValue("test1"))
	require.Equal(t, "0", collected.GetValue("test2"))

	p1.Set(1)
	p2.Set(2)

	_, collected = srv.collect(t)
	require.Equal(t, "0", collected.GetValue("test1"))
	require.Equal(t, "0", collected.GetValue("test2"))

	srv.g.Poll()

	_, collected = srv.collect(t)
	require.Equal(t, "1", collected.GetValue("test1"))
	require.Equal(t, "2", collected.GetValue("test2"))
}

type testGauge struct {
	name  string
	gauge prometheus.Gauge
}

func newTestGauge(t *testing.T, r *metrics.Registry, name string, options ...metrics.RegisterOption) *testGauge {
	g := &testGauge{
		name: name,
		gauge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: name,
				Help: "Test gauge " + name,
			},
		),
	}
	require.NoError(t, r.Register(g.name, g.gauge, options...))
	return g
}

type testPolled struct {
	desc  *prometheus.Desc
	value int
}

func newTestPolled(t *testing.T, r *metrics.Registry, name string) *testPolled {
	p := &testPolled{
		desc: prometheus.NewDesc(name, "Help for metric "+name, nil, nil),
	}
	require.NoError(t, r.Register(name, p,
		metrics.WithPrefix(metrics.PrefixNamespace), metrics.WithPolled()))
	return p
}

func (p *testPolled) Describe(ch chan<- *prometheus.Desc) {
	ch <- p.desc
}

func (p *testPolled) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(p.desc, prometheus.GaugeValue, float64(p.value))
}

func (p *testPolled) Set(v int) {
	p.value = v
}

type described []string

func (d described) HasEntry(name, kind string) bool {
	for _, e := range d {
		split := strings.Split(e, " ")
		if len(split) >= 2 && split[0] == name && split[1] == kind {
			return true
		}
	}
	return false
}

type collected []string

func (c collected) HasEntry(name string) bool {
	return c.GetValue(name) != ""
}

func (c collected) GetValue(name string) string {
	for _, e := range c {
		split := strings.SplitN(e, " ", 2)
		if len(split) == 2 && split[0] == name {
			return split[1]
		}
	}
	return ""
}

type testServer struct {
	srv *httptest.Server
	g   *metrics.Gatherer
}

func newTestServer(t *testing.T, r *metrics.Registry, enabled, polled []string, poll time.Duration, opts ...metrics.GathererOption) *testServer {
	g, err := r.NewGatherer(
		append([]metrics.GathererOption{
			metrics.WithMetrics(enabled, polled),
			metrics.WithPollInterval(poll),
		}, opts...)...,
	)
	require.NoError(t, err)
	require.NotNil(t, g)

	handlerOpts := promhttp.HandlerOpts{
		ErrorHandling: promhttp.PanicOnError,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, handlerOpts))

	return &testServer{
		srv: httptest.NewServer(mux),
		g:   g,
	}
}

func (srv *testServer) stop() {
	srv.srv.Close()
	srv.g.Stop()
}

func (srv *testServer) collect(t *testing.T) (described, collected) {
	resp, err := http.Get(srv.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	var (
		types   described
		metrics collected
		scanner = bufio.NewScanner(resp.Body)
	)
	for scanner.Scan() {
		e := scanner.Text()
		switch {
		case strings.HasPrefix(e, "# TYPE "):
			types = append(types, strings.TrimPrefix(e, "# TYPE "))
		case strings.HasPrefix(e, "#"):
		default:
			metrics = append(metrics, e)
		}
	}
	require.NoError(t, scanner.Err())

	return types, metrics
}
