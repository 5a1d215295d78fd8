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

package block

import (
	"fmt"

	"github.com/torusched/bgblock/pkg/apis/config/v1alpha1/bluegene"
	"github.com/torusched/bgblock/pkg/bluegene/geometry"
	"github.com/torusched/bgblock/pkg/config"
)

// ErrInvalidConfig is returned for configuration the allocator can't use.
var ErrInvalidConfig = config.ErrInvalidConfig

// Params are the machine parameters shared by every allocator component.
type Params struct {
	Family         bluegene.Family
	Layout         bluegene.LayoutMode
	Dims           geometry.Dims
	NodePrefix     string
	SystemUser     string
	Images         bluegene.Images
	Simulated      bool
	TrackDownNodes bool

	// BPNodeCnt is the number of compute nodes in a midplane.
	BPNodeCnt int
	// NodecardNodeCnt is the number of compute nodes on a node card.
	NodecardNodeCnt int
	// NodecardsPerMidplane is BPNodeCnt / NodecardNodeCnt.
	NodecardsPerMidplane int
	// QuarterNodeCnt is the number of compute nodes in a quarter midplane.
	QuarterNodeCnt int
	// Numpsets is the number of I/O nodes in a midplane.
	Numpsets int
	// IORatio is the number of I/O nodes per node card.
	IORatio float64
	// NCRatio is the number of node cards per I/O node.
	NCRatio float64
	// NodecardIonodeCnt is the whole number of I/O nodes per node card.
	NodecardIonodeCnt int
	// QuarterIonodeCnt is the number of I/O nodes in a quarter midplane.
	QuarterIonodeCnt int
	// SmallestBlock is the smallest block size in compute nodes.
	SmallestBlock int
	// CPURatio is the number of cpus per compute node.
	CPURatio int
	// CPUsPerMidplane is the number of cpus in a midplane.
	CPUsPerMidplane int
}

// NewParams derives the machine parameters from the configuration.
func NewParams(cfg *bluegene.Config) (*Params, error) {
	dims, err := geometry.NewDims(cfg.Dimensions...)
	if err != nil {
		return nil, paramError("%v", err)
	}
	if cfg.NodeCardNodeCount < 1 || cfg.BasePartitionNodeCount < cfg.NodeCardNodeCount ||
		cfg.BasePartitionNodeCount%cfg.NodeCardNodeCount != 0 {
		return nil, paramError("node card size %d does not divide midplane size %d",
			cfg.NodeCardNodeCount, cfg.BasePartitionNodeCount)
	}
	if cfg.IonodesPerMidplane < 1 {
		return nil, paramError("invalid I/O node count %d", cfg.IonodesPerMidplane)
	}
	if cfg.CPUsPerNode < 1 {
		return nil, paramError("invalid cpus per node %d", cfg.CPUsPerNode)
	}

	p := &Params{
		Family:          cfg.Family,
		Layout:          cfg.LayoutMode,
		Dims:            dims,
		NodePrefix:      cfg.NodePrefix,
		SystemUser:      cfg.SystemUser,
		Images:          cfg.Images,
		Simulated:       cfg.Backend != bluegene.BackendBridge,
		TrackDownNodes:  cfg.TrackDownNodes,
		BPNodeCnt:       cfg.BasePartitionNodeCount,
		NodecardNodeCnt: cfg.NodeCardNodeCount,
		Numpsets:        cfg.IonodesPerMidplane,
		CPURatio:        cfg.CPUsPerNode,
	}

	p.NodecardsPerMidplane = p.BPNodeCnt / p.NodecardNodeCnt
	p.QuarterNodeCnt = p.BPNodeCnt / 4
	p.IORatio = float64(p.Numpsets) / float64(p.NodecardsPerMidplane)
	p.NCRatio = 1.0 / p.IORatio
	p.NodecardIonodeCnt = int(p.IORatio)
	p.QuarterIonodeCnt = p.Numpsets / 4
	p.CPUsPerMidplane = p.CPURatio * p.BPNodeCnt

	if p.IsBGL() {
		if p.Numpsets >= 16 {
			p.SmallestBlock = 32
		} else {
			p.SmallestBlock = 128
		}
	} else {
		switch {
		case p.Numpsets >= 32:
			p.SmallestBlock = 16
		case p.Numpsets >= 16:
			p.SmallestBlock = 32
		case p.Numpsets >= 8:
			p.SmallestBlock = 64
		default:
			p.SmallestBlock = 128
		}
	}

	return p, nil
}

// IsBGL returns true for the older hardware family.
func (p *Params) IsBGL() bool {
	return p.Family == bluegene.FamilyL
}

// Dynamic returns true if blocks are created on demand.
func (p *Params) Dynamic() bool {
	return p.Layout == bluegene.LayoutDynamic
}

// SmallSizes returns the small block sizes supported by the hardware.
func (p *Params) SmallSizes() []int {
	if p.IsBGL() {
		return []int{32, 128}
	}
	return []int{16, 32, 64, 128, 256}
}

// IonodeWidth returns the number of I/O nodes in a small block of the
// given size in compute nodes.
func (p *Params) IonodeWidth(size int) int {
	width := 0
	switch size {
	case 16:
		width = 1
	case 32:
		width = p.NodecardIonodeCnt
	case 64:
		width = 2 * p.NodecardIonodeCnt
	case 128:
		width = p.QuarterIonodeCnt
	case 256:
		width = 2 * p.QuarterIonodeCnt
	}
	if width < 1 {
		width = 1
	}
	return width
}

// NodeName returns the node name of the midplane at the given coordinate.
func (p *Params) NodeName(c geometry.Coord) string {
	return p.Dims.Name(p.NodePrefix, c)
}

func paramError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalidConfig}, args...)...)
}
