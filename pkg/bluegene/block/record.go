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
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/torusched/bgblock/pkg/apis/config/v1alpha1/bluegene"
	"github.com/torusched/bgblock/pkg/bluegene/geometry"
	"github.com/torusched/bgblock/pkg/utils/bitmap"
)

// State is the hardware state of a block.
type State int

const (
	// StateFree blocks are not booted.
	StateFree State = iota
	// StateConfiguring blocks are being booted.
	StateConfiguring
	// StateReady blocks are booted and can run jobs.
	StateReady
	// StateBusy blocks are in use by the control system.
	StateBusy
	// StateDeallocating blocks are being freed.
	StateDeallocating
	// StateError blocks are excluded from allocation until resumed.
	StateError
	// StateNAV blocks have an unknown state which is yet to be polled.
	StateNAV
)

var stateNames = map[State]string{
	StateFree:         "FREE",
	StateConfiguring:  "CONFIGURING",
	StateReady:        "READY",
	StateBusy:         "BUSY",
	StateDeallocating: "DEALLOCATING",
	StateError:        "ERROR",
	StateNAV:          "NAV",
}

// String returns the name of the state.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("<state %d>", int(s))
}

// ParseState parses a state name, case-insensitively.
func ParseState(s string) (State, error) {
	for state, name := range stateNames {
		if strings.EqualFold(s, name) {
			return state, nil
		}
	}
	return StateNAV, fmt.Errorf("%w: %q", ErrInvalidState, s)
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(data []byte) error {
	parsed, err := ParseState(string(data))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

const (
	// JobNone means no job is running on the block.
	JobNone = -1
	// JobError means the block is in error and must not run jobs.
	JobError = -3
)

var (
	// ErrInvalidState is returned for unknown or disallowed block states.
	ErrInvalidState = errors.New("invalid block state")
	// ErrInvalidRecord is returned for records which violate invariants.
	ErrInvalidRecord = errors.New("invalid block record")
)

// Handle identifies a record in the registry.
type Handle uint64

// NoHandle is the handle of records not in the registry.
const NoHandle Handle = 0

// Job is the job attached to a block.
type Job struct {
	ID      int       `json:"id"`
	User    string    `json:"user,omitempty"`
	EndTime time.Time `json:"endTime,omitempty"`
}

// Record is one block, committed or candidate.
type Record struct {
	ID          string              `json:"id,omitempty"`
	Nodes       string              `json:"nodes"`
	Bitmap      bitmap.Bitmap       `json:"bitmap"`
	Ionodes     bitmap.Bitmap       `json:"ionodeBitmap"`
	IonodeStr   string              `json:"ionodes,omitempty"`
	Start       geometry.Coord      `json:"start"`
	Geo         geometry.Shape      `json:"geo"`
	BPCount     int                 `json:"bpCount"`
	NodeCnt     int                 `json:"nodeCnt"`
	CPUCnt      int                 `json:"cpuCnt"`
	SwitchCount int                 `json:"switchCount,omitempty"`
	Conn        geometry.ConnType   `json:"conn"`
	MeshNodes   []geometry.MeshNode `json:"meshNodes,omitempty"`
	FullBlock   bool                `json:"fullBlock,omitempty"`
	State       State               `json:"state"`
	JobRunning  int                 `json:"jobRunning"`
	Job         *Job                `json:"job,omitempty"`
	FreeCnt     int                 `json:"freeCnt,omitempty"`
	Modifying   bool                `json:"modifying,omitempty"`
	Reason      string              `json:"reason,omitempty"`
	UserName    string              `json:"userName,omitempty"`
	TargetName  string              `json:"targetName,omitempty"`
	UserUID     int                 `json:"userUID,omitempty"`
	Images      bluegene.Images     `json:"images,omitempty"`
	BootCount   int                 `json:"bootCount,omitempty"`

	// Original is the registry handle of the record this one was copied from.
	Original Handle `json:"-"`

	handle Handle
}

// NewRecord creates a whole-midplane record for placed mesh nodes, the
// way blocks created by the allocator and from configuration are set up.
// Nodes with Used set are the members of the block.
func NewRecord(p *Params, nodes []geometry.MeshNode, name string, conn geometry.ConnType) *Record {
	r := &Record{
		Nodes:      name,
		Conn:       conn,
		JobRunning: JobNone,
		UserName:   p.SystemUser,
		TargetName: p.SystemUser,
		Images:     p.Images,
		MeshNodes:  make([]geometry.MeshNode, len(nodes)),
	}
	copy(r.MeshNodes, nodes)
	r.processNodes(p)
	r.NodeCnt = p.BPNodeCnt * r.BPCount
	r.CPUCnt = p.CPUsPerMidplane * r.BPCount
	return r
}

// NewRecordFromNodeList creates a whole-midplane record for a node list
// without wiring, as for blocks listed in the configuration.
func NewRecordFromNodeList(p *Params, nodes string, conn geometry.ConnType) (*Record, error) {
	coords, err := p.Dims.ParseNodeList(p.NodePrefix, nodes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	meshNodes := make([]geometry.MeshNode, 0, len(coords))
	for _, c := range coords {
		n := geometry.NewMeshNode(p.Dims, c)
		n.Used = true
		meshNodes = append(meshNodes, n)
	}
	return NewRecord(p, meshNodes, p.Dims.FormatNodeList(p.NodePrefix, coords), conn), nil
}

// processNodes derives the start, geometry, midplane bitmap and counts
// of the record from its mesh nodes.
func (r *Record) processNodes(p *Params) {
	rank := p.Dims.Rank()
	var (
		members []geometry.Coord
		lo, hi  geometry.Coord
	)
	for _, n := range r.MeshNodes {
		r.SwitchCount += n.SwitchCount(rank)
		if !n.Used {
			continue
		}
		if len(members) == 0 {
			lo, hi = n.Coord, n.Coord
		}
		for d := 0; d < rank; d++ {
			if v := n.Coord.At(d); v < lo.At(d) {
				lo = lo.With(d, v)
			} else if v > hi.At(d) {
				hi = hi.With(d, v)
			}
		}
		members = append(members, n.Coord)
	}

	r.BPCount = len(members)
	r.Bitmap = p.Dims.Bitmap(members)
	r.Start = lo
	r.Geo = geometry.Shape{}
	if len(members) > 0 {
		for d := 0; d < rank; d++ {
			r.Geo[d] = hi.At(d) - lo.At(d) + 1
		}
	}

	if p.Dims.Count() > 1 {
		r.FullBlock = r.Geo == p.Dims.Shape()
	} else {
		r.FullBlock = r.BPCount == 1
	}
}

// Handle returns the registry handle of the record.
func (r *Record) Handle() Handle {
	return r.handle
}

// IsSmall returns true if the record is smaller than a midplane.
func (r *Record) IsSmall(p *Params) bool {
	return r.NodeCnt < p.BPNodeCnt
}

// IsWholeMidplane returns true if the record covers whole midplanes.
func (r *Record) IsWholeMidplane() bool {
	return r.Ionodes.IsEmpty()
}

// HasJob returns true if a job, or the error marker, is attached.
func (r *Record) HasJob() bool {
	return r.JobRunning != JobNone
}

// NodeName returns the node list of the record with the I/O nodes of a
// small block appended, for instance "bg000[0-3]".
func (r *Record) NodeName() string {
	if r.IonodeStr != "" {
		return r.Nodes + "[" + r.IonodeStr + "]"
	}
	return r.Nodes
}

// Name returns the block ID, or the node name for uncommitted records.
func (r *Record) Name() string {
	if r.ID != "" {
		return r.ID
	}
	return r.NodeName()
}

// Copy returns a deep copy of the record. The copy is not in any registry.
func (r *Record) Copy() *Record {
	c := *r
	c.handle = NoHandle
	c.Original = NoHandle
	if r.MeshNodes != nil {
		c.MeshNodes = make([]geometry.MeshNode, len(r.MeshNodes))
		copy(c.MeshNodes, r.MeshNodes)
	}
	if r.Job != nil {
		job := *r.Job
		c.Job = &job
	}
	return &c
}

// Validate checks that the node count of the record agrees with its
// midplane and I/O node bitmaps.
func (r *Record) Validate(p *Params) error {
	if r == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidRecord)
	}
	if r.Bitmap.Size() != r.BPCount {
		return fmt.Errorf("%w: %s: %d midplanes in bitmap, midplane count %d",
			ErrInvalidRecord, r.Name(), r.Bitmap.Size(), r.BPCount)
	}
	if r.IsWholeMidplane() {
		if r.NodeCnt != r.BPCount*p.BPNodeCnt {
			return fmt.Errorf("%w: %s: node count %d for %d midplanes",
				ErrInvalidRecord, r.Name(), r.NodeCnt, r.BPCount)
		}
		return nil
	}
	if r.BPCount != 1 {
		return fmt.Errorf("%w: %s: small block spans %d midplanes",
			ErrInvalidRecord, r.Name(), r.BPCount)
	}
	if r.NodeCnt >= p.BPNodeCnt {
		return fmt.Errorf("%w: %s: small block with %d nodes",
			ErrInvalidRecord, r.Name(), r.NodeCnt)
	}
	if width := p.IonodeWidth(r.NodeCnt); r.Ionodes.Size() != width {
		return fmt.Errorf("%w: %s: %d I/O nodes for %d nodes, expected %d",
			ErrInvalidRecord, r.Name(), r.Ionodes.Size(), r.NodeCnt, width)
	}
	return nil
}

// Overlaps returns true if the two blocks share any hardware.
func Overlaps(a, b *Record) bool {
	if !a.Bitmap.Overlaps(b.Bitmap) {
		return false
	}
	if a.IsWholeMidplane() || b.IsWholeMidplane() {
		return true
	}
	return a.Ionodes.Overlaps(b.Ionodes)
}

// Dump returns a multi-line description of the record.
func (r *Record) Dump() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "block %s\n", r.Name())
	fmt.Fprintf(&sb, "nodes: %s\n", r.NodeName())
	fmt.Fprintf(&sb, "start: %s geo: %v\n", r.Start, r.Geo)
	fmt.Fprintf(&sb, "midplanes: %d nodes: %d cpus: %d switches: %d\n",
		r.BPCount, r.NodeCnt, r.CPUCnt, r.SwitchCount)
	fmt.Fprintf(&sb, "conn: %s state: %s job: %d free_cnt: %d\n",
		r.Conn, r.State, r.JobRunning, r.FreeCnt)
	fmt.Fprintf(&sb, "user: %s target: %s", r.UserName, r.TargetName)
	if r.Reason != "" {
		fmt.Fprintf(&sb, "\nreason: %s", r.Reason)
	}
	return sb.String()
}
