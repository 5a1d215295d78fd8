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

package mesh

import (
	"fmt"
	"sort"

	"github.com/torusched/bgblock/pkg/bluegene/geometry"
)

// AllocateBlock places the request on free midplanes. Candidate shapes
// are tried in order of preference, start coordinates in index order.
// On success the wiring is committed to the system and the node list
// of the block is returned together with its name. The node list holds
// the members of the block, with Used set, and any midplanes the block
// passes through.
func (s *System) AllocateBlock(r *Request) ([]geometry.MeshNode, string, error) {
	if len(r.shapes) == 0 {
		if err := NewRequest(s.dims, r); err != nil {
			return nil, "", err
		}
	}

	for _, shape := range r.shapes {
		for inx := 0; inx < s.dims.Count(); inx++ {
			start := s.dims.Coord(inx)
			if !s.dims.FitsAt(start, shape) {
				continue
			}
			members := s.dims.Box(start, shape)
			if !s.allFree(members) {
				continue
			}
			p := s.newPlacement(members)
			if !p.wire(start, shape, r.Conn) {
				if log.DebugEnabled() {
					log.Debug("can't wire %s at %s for %s", shape.Format(s.dims.Rank()), start, r.Conn)
				}
				continue
			}

			nodes := p.nodes()
			if err := s.LoadNodeList(nodes); err != nil {
				// wire() checked against the system already
				log.Error("internal error: failed to commit placement: %v", err)
				continue
			}
			name := s.dims.FormatNodeList(s.prefix, members)
			r.Start, r.Shape = start, shape
			log.Debug("placed %d midplanes as %s at %s: %s",
				r.Size, shape.Format(s.dims.Rank()), start, name)
			return nodes, name, nil
		}
	}

	return nil, "", fmt.Errorf("%w: %d midplanes (%s)", ErrNoPlacement, r.Size, r.Conn)
}

func (s *System) allFree(coords []geometry.Coord) bool {
	for _, c := range coords {
		if !s.IsFree(s.dims.Index(c)) {
			return false
		}
	}
	return true
}

// placement collects the wiring of a candidate block before it is
// committed to the system.
type placement struct {
	sys     *System
	members map[int]bool
	wires   map[int]*[geometry.MaxDims]geometry.AxisSwitch
}

func (s *System) newPlacement(members []geometry.Coord) *placement {
	p := &placement{
		sys:     s,
		members: make(map[int]bool, len(members)),
		wires:   make(map[int]*[geometry.MaxDims]geometry.AxisSwitch),
	}
	for _, c := range members {
		p.members[s.dims.Index(c)] = true
	}
	return p
}

// connect wires src to tar on the switch of node inx in dimension d,
// failing if either port is already in use.
func (p *placement) connect(inx, d, src, tar int) bool {
	sw := &p.sys.nodes[inx].Switches[d]
	if !sw.Free(src, tar) {
		return false
	}
	w, ok := p.wires[inx]
	if !ok {
		w = &[geometry.MaxDims]geometry.AxisSwitch{}
		for i := range w {
			w[i].Reset()
		}
		p.wires[inx] = w
	}
	if !w[d].Free(src, tar) {
		return false
	}
	w[d].Connect(src, tar)
	return true
}

// wire lays out the wiring of a box in every dimension.
func (p *placement) wire(start geometry.Coord, shape geometry.Shape, conn geometry.ConnType) bool {
	dims := p.sys.dims
	for d := 0; d < dims.Rank(); d++ {
		// one line of midplanes along d for every member at the start of d
		lineShape := shape
		lineShape[d] = 1
		for _, head := range dims.Box(start, lineShape) {
			if !p.wireLine(head, d, shape[d], conn) {
				return false
			}
		}
	}
	return true
}

func (p *placement) wireLine(head geometry.Coord, d, extent int, conn geometry.ConnType) bool {
	dims := p.sys.dims
	at := func(pos int) int {
		return dims.Index(head.With(d, pos%dims.Size(d)))
	}
	first := head.At(d)

	if extent == 1 {
		return p.connect(at(first), d, geometry.PortMidplaneOut, geometry.PortMidplaneIn)
	}

	for i := 0; i < extent-1; i++ {
		if !p.connect(at(first+i), d, geometry.PortMidplaneOut, geometry.PortCableOut) {
			return false
		}
		if !p.connect(at(first+i+1), d, geometry.PortCableIn, geometry.PortMidplaneIn) {
			return false
		}
	}

	if conn == geometry.ConnMesh {
		return true
	}

	// close the torus, passing through the rest of the line if needed
	if !p.connect(at(first+extent-1), d, geometry.PortMidplaneOut, geometry.PortCableOut) {
		return false
	}
	for pos := first + extent; pos < first+dims.Size(d); pos++ {
		if !p.connect(at(pos), d, geometry.PortCableIn, geometry.PortCableOut) {
			return false
		}
	}
	return p.connect(at(first), d, geometry.PortCableIn, geometry.PortMidplaneIn)
}

// nodes returns the node list of the placement in index order.
func (p *placement) nodes() []geometry.MeshNode {
	idx := make([]int, 0, len(p.wires))
	for inx := range p.wires {
		idx = append(idx, inx)
	}
	for inx := range p.members {
		if _, ok := p.wires[inx]; !ok {
			idx = append(idx, inx)
		}
	}
	sort.Ints(idx)

	nodes := make([]geometry.MeshNode, 0, len(idx))
	for _, inx := range idx {
		n := geometry.NewMeshNode(p.sys.dims, p.sys.dims.Coord(inx))
		n.Used = p.members[inx]
		if w, ok := p.wires[inx]; ok {
			n.Switches = *w
		}
		nodes = append(nodes, n)
	}
	return nodes
}
