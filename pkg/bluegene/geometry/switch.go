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

package geometry

import (
	"fmt"
	"strings"
)

// Switch ports. Source ports feed a wire into the switch, target ports
// carry it out.
const (
	// PortMidplaneIn is the target port into the midplane.
	PortMidplaneIn = 0
	// PortMidplaneOut is the source port out of the midplane.
	PortMidplaneOut = 1
	// PortCableIn is the source port of the incoming cable.
	PortCableIn = 2
	// PortCableOut is the target port of the outgoing cable.
	PortCableOut = 3
	// PortPassIn is the source port of the pass-through cable.
	PortPassIn = 4
	// PortPassOut is the target port of the pass-through cable.
	PortPassOut = 5

	// NumPorts is the number of ports on an axis switch.
	NumPorts = 6
)

var sourcePorts = [...]int{PortMidplaneOut, PortCableIn, PortPassIn}

// Wire is the state of one port of an axis switch.
type Wire struct {
	Used    bool `json:"used,omitempty"`
	PortTar int  `json:"portTar"`
}

// AxisSwitch is the wiring state of a midplane in one dimension.
type AxisSwitch struct {
	IntWire [NumPorts]Wire `json:"intWire"`
}

// NewAxisSwitch returns an unwired switch.
func NewAxisSwitch() AxisSwitch {
	s := AxisSwitch{}
	s.Reset()
	return s
}

// Reset clears all wiring of the switch.
func (s *AxisSwitch) Reset() {
	for p := range s.IntWire {
		s.IntWire[p] = Wire{PortTar: p}
	}
}

// Connect wires port src to port tar, marking both ends used.
func (s *AxisSwitch) Connect(src, tar int) {
	s.IntWire[src] = Wire{Used: true, PortTar: tar}
	s.IntWire[tar] = Wire{Used: true, PortTar: src}
}

// Free returns true if none of the given ports is in use.
func (s *AxisSwitch) Free(ports ...int) bool {
	for _, p := range ports {
		if s.IntWire[p].Used {
			return false
		}
	}
	return true
}

// Used returns true if any source port is wired to another port.
func (s *AxisSwitch) Used() bool {
	for _, p := range sourcePorts {
		w := s.IntWire[p]
		if w.Used && w.PortTar != p {
			return true
		}
	}
	return false
}

// String returns the wires of the switch, for instance "1->3 2->0".
func (s *AxisSwitch) String() string {
	var wires []string
	for _, p := range sourcePorts {
		if w := s.IntWire[p]; w.Used && w.PortTar != p {
			wires = append(wires, fmt.Sprintf("%d->%d", p, w.PortTar))
		}
	}
	return strings.Join(wires, " ")
}

// MeshNode is a midplane with its per-dimension wiring.
type MeshNode struct {
	Coord    Coord                `json:"coord"`
	Index    int                  `json:"index"`
	Used     bool                 `json:"used,omitempty"`
	Switches [MaxDims]AxisSwitch `json:"switches"`
}

// NewMeshNode returns an unused, unwired node at the given coordinate.
func NewMeshNode(dims Dims, c Coord) MeshNode {
	n := MeshNode{Coord: c, Index: dims.Index(c)}
	n.Reset()
	return n
}

// Reset clears the used flag and all wiring of the node.
func (n *MeshNode) Reset() {
	n.Used = false
	for d := range n.Switches {
		n.Switches[d].Reset()
	}
}

// Copy returns a deep copy of the node.
func (n *MeshNode) Copy() MeshNode {
	return *n
}

// SwitchCount returns the number of used switches of the node.
func (n *MeshNode) SwitchCount(rank int) int {
	cnt := 0
	for d := 0; d < rank; d++ {
		if n.Switches[d].Used() {
			cnt++
		}
	}
	return cnt
}

// ConnType is the wiring topology of a block.
type ConnType int

const (
	// ConnMesh blocks do not wrap around.
	ConnMesh ConnType = iota
	// ConnTorus blocks wrap around in every dimension.
	ConnTorus
	// ConnNav leaves the choice to the allocator.
	ConnNav
	// ConnSmall blocks are a fraction of one midplane.
	ConnSmall
)

var connNames = map[ConnType]string{
	ConnMesh:  "MESH",
	ConnTorus: "TORUS",
	ConnNav:   "NAV",
	ConnSmall: "SMALL",
}

// String returns the name of the connection type.
func (c ConnType) String() string {
	if name, ok := connNames[c]; ok {
		return name
	}
	return fmt.Sprintf("<conn type %d>", int(c))
}

// ParseConnType parses a connection type name, case-insensitively.
func ParseConnType(s string) (ConnType, error) {
	for c, name := range connNames {
		if strings.EqualFold(s, name) {
			return c, nil
		}
	}
	return ConnNav, fmt.Errorf("invalid connection type %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (c ConnType) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *ConnType) UnmarshalText(data []byte) error {
	parsed, err := ParseConnType(string(data))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
