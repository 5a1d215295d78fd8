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

// Package mesh implements the mesh model used for placing blocks: which
// midplanes are in use, how their axis switches are wired, and the search
// for a free box that can be wired with the requested connection type.
//
// A System is not safe for concurrent use. Callers serialize access,
// usually by holding the block registry lock for the whole placement.
package mesh

import (
	"errors"
	"fmt"
	"strings"

	"github.com/torusched/bgblock/pkg/bluegene/geometry"
	logger "github.com/torusched/bgblock/pkg/log"
	"github.com/torusched/bgblock/pkg/utils/bitmap"
)

var (
	// ErrNoMatchingShape is returned when no shape matches a request.
	ErrNoMatchingShape = errors.New("no matching shape")
	// ErrNoPlacement is returned when a request cannot be placed.
	ErrNoPlacement = errors.New("no free placement")
	// ErrConflict is returned when loading a node list conflicts with
	// the current state of the system.
	ErrConflict = errors.New("node list conflict")
)

var log = logger.Get("mesh")

// System is the mesh model of the whole machine.
type System struct {
	dims     geometry.Dims
	prefix   string
	nodes    []geometry.MeshNode
	down     bitmap.Bitmap
	unusable bitmap.Bitmap
}

// New creates a system for a machine of the given dimensions.
func New(dims geometry.Dims, prefix string) *System {
	s := &System{
		dims:   dims,
		prefix: prefix,
		nodes:  make([]geometry.MeshNode, dims.Count()),
	}
	for inx := range s.nodes {
		s.nodes[inx] = geometry.NewMeshNode(dims, dims.Coord(inx))
	}
	return s
}

// Dims returns the dimensions of the machine.
func (s *System) Dims() geometry.Dims {
	return s.dims
}

// Prefix returns the node name prefix.
func (s *System) Prefix() string {
	return s.prefix
}

// Node returns a copy of the node with the given index.
func (s *System) Node(inx int) geometry.MeshNode {
	return s.nodes[inx].Copy()
}

// SetDown records the midplanes last reported down by the hardware.
func (s *System) SetDown(down bitmap.Bitmap) {
	s.down = down
}

// Down returns the midplanes last reported down.
func (s *System) Down() bitmap.Bitmap {
	return s.down
}

// Reset clears all used flags and wiring. With trackDown, midplanes
// reported down stay in use.
func (s *System) Reset(trackDown bool) {
	for inx := range s.nodes {
		s.nodes[inx].Reset()
		if trackDown && s.down.Test(inx) {
			s.nodes[inx].Used = true
		}
	}
	s.unusable = bitmap.New()
}

// Used returns the midplanes currently in use.
func (s *System) Used() bitmap.Bitmap {
	var bits []int
	for inx := range s.nodes {
		if s.nodes[inx].Used {
			bits = append(bits, inx)
		}
	}
	return bitmap.New(bits...)
}

// IsFree returns true if the midplane can be included in a new block.
func (s *System) IsFree(inx int) bool {
	return !s.nodes[inx].Used && !s.unusable.Test(inx)
}

// SetUnusable marks every midplane outside avail unusable for placement.
func (s *System) SetUnusable(avail bitmap.Bitmap) {
	s.unusable = avail.Complement(s.dims.Count())
}

// ClearUnusable makes all midplanes usable again.
func (s *System) ClearUnusable() {
	s.unusable = bitmap.New()
}

// LoadNodeList marks the nodes of a block used and copies their wiring
// into the system. Nothing is changed if the node list conflicts with
// the current state.
func (s *System) LoadNodeList(nodes []geometry.MeshNode) error {
	for i := range nodes {
		n := &nodes[i]
		if n.Index < 0 || n.Index >= len(s.nodes) {
			return fmt.Errorf("%w: node %s outside machine", ErrConflict, n.Coord)
		}
		sn := &s.nodes[n.Index]
		if n.Used && sn.Used {
			return fmt.Errorf("%w: node %s already in use", ErrConflict, n.Coord)
		}
		for d := 0; d < s.dims.Rank(); d++ {
			for p, w := range n.Switches[d].IntWire {
				if w.Used && sn.Switches[d].IntWire[p].Used {
					return fmt.Errorf("%w: node %s dim %d port %d already wired",
						ErrConflict, n.Coord, d, p)
				}
			}
		}
	}

	for i := range nodes {
		n := &nodes[i]
		sn := &s.nodes[n.Index]
		if n.Used {
			sn.Used = true
		}
		for d := 0; d < s.dims.Rank(); d++ {
			for p, w := range n.Switches[d].IntWire {
				if w.Used {
					sn.Switches[d].IntWire[p] = w
				}
			}
		}
	}
	return nil
}

// RemoveBlock releases the nodes and wiring of a block.
func (s *System) RemoveBlock(nodes []geometry.MeshNode) {
	for i := range nodes {
		n := &nodes[i]
		if n.Index < 0 || n.Index >= len(s.nodes) {
			continue
		}
		sn := &s.nodes[n.Index]
		if n.Used {
			sn.Used = false
		}
		for d := 0; d < s.dims.Rank(); d++ {
			for p, w := range n.Switches[d].IntWire {
				if w.Used {
					sn.Switches[d].IntWire[p] = geometry.Wire{PortTar: p}
				}
			}
		}
	}
}

// Dump returns a human readable dump of the system state.
func (s *System) Dump() string {
	var sb strings.Builder
	for inx := range s.nodes {
		n := &s.nodes[inx]
		state := "free"
		switch {
		case n.Used:
			state = "used"
		case s.unusable.Test(inx):
			state = "unusable"
		}
		fmt.Fprintf(&sb, "%s%s %s", s.prefix, n.Coord, state)
		for d := 0; d < s.dims.Rank(); d++ {
			if w := n.Switches[d].String(); w != "" {
				fmt.Fprintf(&sb, " d%d[%s]", d, w)
			}
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
