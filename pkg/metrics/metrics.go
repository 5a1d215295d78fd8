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


package metrics

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	model "github.com/prometheus/client_model/go"

	logger "github.com/torusched/bgblock/pkg/log"
)

var log = logger.Get("metrics")

// Prefix selects the prefixes put in front of the metrics of a collector.
type Prefix int

const (
	// PrefixGroup prefixes metrics with the namespace and the group.
	PrefixGroup Prefix = iota
	// PrefixNamespace prefixes metrics with the namespace only.
	PrefixNamespace
	// PrefixNone leaves metric names as they are.
	PrefixNone
)

const (
	// DefaultGroup is the group of collectors registered without one.
	DefaultGroup = "default"
	// MinPollInterval is the shortest allowed polling interval.
	MinPollInterval = 5 * time.Second
	// DefaultPollInterval is the polling interval unless one is given.
	DefaultPollInterval = 30 * time.Second
)

// collector wraps a registered prometheus.Collector. Polled collectors
// hand out the metrics of their last poll instead of collecting.
type collector struct {
	prometheus.Collector
	name   string
	group  string
	prefix Prefix

	mu      sync.Mutex
	enabled bool
	polled  bool
	last    []prometheus.Metric
}

func (c *collector) qualified() string {
	return c.group + "/" + c.name
}

// matches checks the glob against the name, the group and the qualified
// name of the collector.
func (c *collector) matches(glob string) bool {
	for _, name := range []string{c.group, c.name, c.qualified()} {
		ok, err := path.Match(glob, name)
		if err != nil {
			log.Warn("invalid collector glob %q: %v", glob, err)
			return false
		}
		if ok {
			return true
		}
	}
	return false
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	enabled, polled, last := c.enabled, c.polled, c.last
	c.mu.Unlock()

	switch {
	case !enabled:
	case polled:
		for _, m := range last {
			ch <- m
		}
	default:
		c.Collector.Collect(ch)
	}
}

func (c *collector) poll() {
	c.mu.Lock()
	active := c.enabled && c.polled
	c.mu.Unlock()
	if !active {
		return
	}

	log.Debug("polling %s", c.qualified())

	ch := make(chan prometheus.Metric, 32)
	go func() {
		c.Collector.Collect(ch)
		close(ch)
	}()
	var last []prometheus.Metric
	for m := range ch {
		last = append(last, m)
	}

	c.mu.Lock()
	c.last = last
	c.mu.Unlock()
}

// Registry is a set of named collectors.
type Registry struct {
	mu         sync.Mutex
	collectors map[string]*collector
}

// RegisterOption is an option for registering a collector.
type RegisterOption func(*collector)

// WithGroup puts a collector in the named group.
func WithGroup(name string) RegisterOption {
	return func(c *collector) {
		if name == "" {
			name = DefaultGroup
		}
		c.group = name
	}
}

// WithPrefix sets how the metrics of a collector are prefixed.
func WithPrefix(p Prefix) RegisterOption {
	return func(c *collector) {
		c.prefix = p
	}
}

// WithPolled makes a collector polled.
func WithPolled() RegisterOption {
	return func(c *collector) {
		c.polled = true
	}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		collectors: make(map[string]*collector),
	}
}

// Register adds a collector to the registry. Collectors are enabled until
// configured otherwise.
func (r *Registry) Register(name string, c prometheus.Collector, opts ...RegisterOption) error {
	col := &collector{
		Collector: c,
		name:      name,
		group:     DefaultGroup,
		enabled:   true,
	}
	for _, o := range opts {
		o(col)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := col.qualified()
	if _, ok := r.collectors[key]; ok {
		return fmt.Errorf("metrics: collector %q already registered", key)
	}
	r.collectors[key] = col
	log.Info("registered collector %q", key)

	return nil
}

func (r *Registry) list() []*collector {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := make([]*collector, 0, len(r.collectors))
	for _, c := range r.collectors {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].qualified() < list[j].qualified() })
	return list
}

// Configure enables the collectors matching a glob in enabled or polled
// and disables the rest. Collectors matching a glob in polled stay polled.
// It returns whether any enabled collector is polled, and an error for
// globs matching no collector.
func (r *Registry) Configure(enabled, polled []string) (bool, error) {
	log.Info("configuring collectors enabled=[%s], polled=[%s]",
		strings.Join(enabled, ","), strings.Join(polled, ","))

	matched := map[string]bool{}
	match := func(c *collector, globs []string) bool {
		hit := false
		for _, glob := range globs {
			if c.matches(glob) {
				matched[glob] = true
				hit = true
			}
		}
		return hit
	}

	polling := false
	for _, c := range r.list() {
		en, po := match(c, enabled), match(c, polled)

		c.mu.Lock()
		c.enabled = en || po
		c.polled = c.polled || po
		if c.enabled && c.polled {
			polling = true
		}
		log.Debug("collector %q enabled=%v polled=%v", c.qualified(), c.enabled, c.polled)
		c.mu.Unlock()
	}

	var unmatched []string
	for _, glob := range append(append([]string{}, enabled...), polled...) {
		if !matched[glob] {
			unmatched = append(unmatched, glob)
		}
	}
	if len(unmatched) > 0 {
		return polling, fmt.Errorf("metrics: no collectors match %s", strings.Join(unmatched, ", "))
	}

	return polling, nil
}

// Poll refreshes the metrics of all enabled polled collectors.
func (r *Registry) Poll() {
	var wg sync.WaitGroup
	for _, c := range r.list() {
		wg.Add(1)
		go func(c *collector) {
			defer wg.Done()
			c.poll()
		}(c)
	}
	wg.Wait()
}

// Gatherer gathers the metrics of a registry, polling its polled
// collectors periodically.
type Gatherer struct {
	*prometheus.Registry
	reg       *Registry
	namespace string
	interval  time.Duration
	enabled   []string
	polled    []string

	gather sync.Mutex
	stop   chan struct{}
	wg     sync.WaitGroup
}

// GathererOption is an option for a Gatherer.
type GathererOption func(*Gatherer)

// WithNamespace sets the namespace prefix of gathered metrics.
func WithNamespace(namespace string) GathererOption {
	return func(g *Gatherer) {
		g.namespace = namespace
	}
}

// WithPollInterval sets the polling interval, at least MinPollInterval.
func WithPollInterval(interval time.Duration) GathererOption {
	return func(g *Gatherer) {
		g.interval = max(interval, MinPollInterval)
	}
}

// WithoutPolling disables periodic polling.
func WithoutPolling() GathererOption {
	return func(g *Gatherer) {
		g.interval = 0
	}
}

// WithMetrics sets the enabled and polled collectors by name or glob.
func WithMetrics(enabled, polled []string) GathererOption {
	return func(g *Gatherer) {
		g.enabled = enabled
		g.polled = polled
	}
}

// NewGatherer configures the registry and creates a gatherer for it.
func (r *Registry) NewGatherer(opts ...GathererOption) (*Gatherer, error) {
	g := &Gatherer{
		Registry: prometheus.NewPedanticRegistry(),
		reg:      r,
		interval: DefaultPollInterval,
	}
	for _, o := range opts {
		o(g)
	}

	polling, err := r.Configure(g.enabled, g.polled)
	if err != nil {
		return nil, err
	}

	for _, c := range r.list() {
		reg := prometheus.WrapRegistererWithPrefix(g.prefix(c), g.Registry)
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("metrics: failed to register collector %q: %w", c.qualified(), err)
		}
	}

	switch {
	case !polling:
		log.Info("no polled collectors")
	case g.interval == 0:
		log.Info("periodic polling disabled")
	default:
		log.Info("polling collectors every %s", g.interval)
		g.Poll()
		g.stop = make(chan struct{})
		g.wg.Add(1)
		go g.poller()
	}

	return g, nil
}

func (g *Gatherer) prefix(c *collector) string {
	var parts []string
	if c.prefix != PrefixNone && g.namespace != "" {
		parts = append(parts, g.namespace)
	}
	if c.prefix == PrefixGroup {
		parts = append(parts, c.group)
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, "_") + "_"
}

// Gather implements prometheus.Gatherer.
func (g *Gatherer) Gather() ([]*model.MetricFamily, error) {
	g.gather.Lock()
	defer g.gather.Unlock()
	return g.Registry.Gather()
}

// Poll polls the polled collectors.
func (g *Gatherer) Poll() {
	g.gather.Lock()
	defer g.gather.Unlock()
	g.reg.Poll()
}

func (g *Gatherer) poller() {
	defer g.wg.Done()

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			g.Poll()
		}
	}
}

// Stop stops periodic polling.
func (g *Gatherer) Stop() {
	if g.stop == nil {
		return
	}
	close(g.stop)
	g.wg.Wait()
	g.stop = nil
}

var defaultRegistry = NewRegistry()

// Default returns the registry of the process.
func Default() *Registry {
	return defaultRegistry
}

// NewGatherer creates a gatherer for the default registry.
func NewGatherer(opts ...GathererOption) (*Gatherer, error) {
	return Default().NewGatherer(opts...)
}
