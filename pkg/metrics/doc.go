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

// Package metrics is a thin layer over prometheus collectors. Collectors
// are registered by name in groups, which end up as a prefix of their
// metrics. Which collectors are collected can be changed at runtime by
// name or glob. Collectors which are expensive to collect can be polled
// periodically instead of being collected on every scrape.
//
// The allocator registers its block and midplane collectors in the
// "bluegene" group, the Go runtime and process collectors are in the
// "standard" group:
//
//	err := metrics.Default().Register("blocks", blockCollector, metrics.WithGroup("bluegene"))
//
//	g, err := metrics.NewGatherer(
//	    metrics.WithNamespace("bgblock"),
//	    metrics.WithMetrics([]string{"bluegene", "standard"}, nil),
//	)
//	if err != nil {
//	    ...
//	}
//	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
package metrics
