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

// Package bridge defines the interface to the hardware control system
// and an in-memory simulation of it.
package bridge

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/torusched/bgblock/pkg/apis/config/v1alpha1/bluegene"
	"github.com/torusched/bgblock/pkg/bluegene/block"
	"github.com/torusched/bgblock/pkg/bluegene/geometry"
	"github.com/torusched/bgblock/pkg/utils/bitmap"
)

var (
	// ErrUnknownBlock is returned for block IDs the control system doesn't know.
	ErrUnknownBlock = errors.New("unknown block")
	// ErrUnavailable is returned when the control system can't be reached.
	ErrUnavailable = errors.New("control system unavailable")
)

// HardwareBridge is the interface to the hardware control system.
type HardwareBridge interface {
	// Configure creates a block in the control system, returning its ID.
	Configure(ctx context.Context, spec *BlockSpec) (string, error)
	// Free frees and removes the block with the given ID.
	Free(ctx context.Context, id string) error
	// QueryTopology returns a health snapshot of the machine.
	QueryTopology(ctx context.Context) (*Topology, error)
}

// BlockSpec is what the control system needs to know to create a block.
type BlockSpec struct {
	Nodes     string
	Bitmap    bitmap.Bitmap
	Ionodes   bitmap.Bitmap
	Conn      geometry.ConnType
	NodeCnt   int
	Owner     string
	Images    bluegene.Images
	MeshNodes []geometry.MeshNode
}

// SpecFor returns the block spec of a record.
func SpecFor(r *block.Record) *BlockSpec {
	spec := &BlockSpec{
		Nodes:   r.Nodes,
		Bitmap:  r.Bitmap,
		Ionodes: r.Ionodes,
		Conn:    r.Conn,
		NodeCnt: r.NodeCnt,
		Owner:   r.UserName,
		Images:  r.Images,
	}
	if r.MeshNodes != nil {
		spec.MeshNodes = make([]geometry.MeshNode, len(r.MeshNodes))
		copy(spec.MeshNodes, r.MeshNodes)
	}
	return spec
}

// MidplaneHealth is the health of a single midplane.
type MidplaneHealth struct {
	Coord geometry.Coord
	// Down is true if the whole midplane is unusable.
	Down bool
	// DownNodecards are the indices of the node cards which are down.
	DownNodecards []int
}

// Topology is a health snapshot of the machine.
type Topology struct {
	Time      time.Time
	Midplanes []MidplaneHealth
	// Blocks are the states of the blocks known to the control system.
	Blocks map[string]block.State
}

// DownMidplanes returns the midplanes reported down.
func (t *Topology) DownMidplanes(dims geometry.Dims) bitmap.Bitmap {
	var bits []int
	for _, m := range t.Midplanes {
		if m.Down {
			bits = append(bits, dims.Index(m.Coord))
		}
	}
	return bitmap.New(bits...)
}

// Midplane returns the health of the midplane at the given coordinate.
func (t *Topology) Midplane(c geometry.Coord) (MidplaneHealth, bool) {
	for _, m := range t.Midplanes {
		if m.Coord.Equal(c) {
			return m, true
		}
	}
	return MidplaneHealth{Coord: c}, false
}

func sortedNodecards(set map[int]bool) []int {
	var cards []int
	for nc, down := range set {
		if down {
			cards = append(cards, nc)
		}
	}
	sort.Ints(cards)
	return cards
}
