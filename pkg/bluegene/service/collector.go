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

package service

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/torusched/bgblock/pkg/bluegene/block"
	"github.com/torusched/bgblock/pkg/bluegene/dynamic"
)

const (
	descBlocks = iota
	descAllocatedNodes
	descMidplane
	descAllocations
)

var (
	descriptors = []*prometheus.Desc{
		descBlocks: prometheus.NewDesc(
			"blocks",
			"Number of blocks by state and connection type.",
			[]string{
				"state",
				"conn",
			},
			nil,
		),
		descAllocatedNodes: prometheus.NewDesc(
			"allocated_nodes",
			"Number of compute nodes in blocks running jobs.",
			nil,
			nil,
		),
		descMidplane: prometheus.NewDesc(
			"midplane_status",
			"Health of a midplane, 1 for the status it is in.",
			[]string{
				"midplane",
				"status",
			},
			nil,
		),
		descAllocations: prometheus.NewDesc(
			"allocations_total",
			"Number of job placements by the step which satisfied them.",
			[]string{
				"pass",
			},
			nil,
		),
	}
)

// Midplane status label values.
const (
	MidplaneUp      = "up"
	MidplanePartial = "partial"
	MidplaneDown    = "down"
)

type outcomes struct {
	sync.Mutex
	count map[dynamic.Pass]int
}

func newOutcomes() *outcomes {
	return &outcomes{count: make(map[dynamic.Pass]int)}
}

func (o *outcomes) add(p dynamic.Pass) {
	o.Lock()
	defer o.Unlock()
	o.count[p]++
}

func (o *outcomes) get(p dynamic.Pass) int {
	o.Lock()
	defer o.Unlock()
	return o.count[p]
}

type collector struct {
	s *Service
}

func newCollector(s *Service) *collector {
	return &collector{s: s}
}

// Collector returns a prometheus collector for the blocks of the service.
func (s *Service) Collector() prometheus.Collector {
	return newCollector(s)
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range descriptors {
		ch <- d
	}
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	type blockKey struct {
		state block.State
		conn  string
	}

	var (
		s         = c.s
		p         = s.params
		blocks    = map[blockKey]int{}
		allocated = 0
	)

	s.reg.Lock()
	for _, rec := range s.reg.Main() {
		blocks[blockKey{rec.State, rec.Conn.String()}]++
		if rec.JobRunning > block.JobNone {
			allocated += rec.NodeCnt
		}
	}
	midplanes := s.mgr.Midplanes()
	s.reg.Unlock()

	for key, count := range blocks {
		ch <- prometheus.MustNewConstMetric(
			descriptors[descBlocks],
			prometheus.GaugeValue,
			float64(count),
			key.state.String(),
			key.conn,
		)
	}

	ch <- prometheus.MustNewConstMetric(
		descriptors[descAllocatedNodes],
		prometheus.GaugeValue,
		float64(allocated),
	)

	for _, mp := range midplanes {
		status := MidplaneUp
		switch {
		case mp.Drained || mp.ErrorCPUs >= p.CPUsPerMidplane:
			status = MidplaneDown
		case mp.ErrorCPUs > 0:
			status = MidplanePartial
		}
		ch <- prometheus.MustNewConstMetric(
			descriptors[descMidplane],
			prometheus.GaugeValue,
			1,
			mp.Name,
			status,
		)
	}

	for _, pass := range append([]dynamic.Pass{dynamic.PassNone}, dynamic.Passes()...) {
		name := pass.String()
		if pass == dynamic.PassNone {
			name = "failed"
		}
		ch <- prometheus.MustNewConstMetric(
			descriptors[descAllocations],
			prometheus.CounterValue,
			float64(s.stats.get(pass)),
			name,
		)
	}
}
