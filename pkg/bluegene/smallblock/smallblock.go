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

// Package smallblock splits midplanes into small blocks. A small block
// is identified by the contiguous run of I/O nodes it owns within its
// midplane.
package smallblock

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/torusched/bgblock/pkg/apis/config/v1alpha1/bluegene"
	"github.com/torusched/bgblock/pkg/bluegene/block"
	"github.com/torusched/bgblock/pkg/bluegene/geometry"
	logger "github.com/torusched/bgblock/pkg/log"
	"github.com/torusched/bgblock/pkg/utils/bitmap"
)

var log = logger.Get("smallblock")

// Request describes the blocks to create on a set of midplanes.
type Request struct {
	// Nodes is the node list of the block.
	Nodes string
	// Conn is the connection type, ConnSmall for split midplanes.
	Conn geometry.ConnType
	// Number of small blocks per size, in compute nodes.
	Small16  int
	Small32  int
	Small64  int
	Small128 int
	Small256 int
	// Images override the configured default images.
	Images bluegene.Images
}

// String returns a description of the request.
func (r *Request) String() string {
	return fmt.Sprintf("%s %s 16x%d 32x%d 64x%d 128x%d 256x%d", r.Nodes, r.Conn,
		r.Small16, r.Small32, r.Small64, r.Small128, r.Small256)
}

// counts returns the requested small blocks in creation order.
func (r *Request) counts() []struct{ size, count int } {
	return []struct{ size, count int }{
		{16, r.Small16},
		{32, r.Small32},
		{64, r.Small64},
		{128, r.Small128},
		{256, r.Small256},
	}
}

func (r *Request) empty() bool {
	return r.Small16 == 0 && r.Small32 == 0 && r.Small64 == 0 && r.Small128 == 0 && r.Small256 == 0
}

// Normalize checks a small block request against the hardware, filling
// in the default split if no sizes were given. All errors are
// configuration errors.
func Normalize(p *block.Params, r *Request) error {
	if p.NodecardIonodeCnt < 2 {
		if p.NodecardIonodeCnt == 0 && r.Small32 > 0 {
			return configError("can't create a 32 node block with %d I/O nodes per midplane", p.Numpsets)
		}
		if !p.IsBGL() {
			if r.Small16 > 0 {
				return configError("can't create a 16 node block with %d I/O nodes per midplane", p.Numpsets)
			}
			if p.IORatio < 0.5 && r.Small64 > 0 {
				return configError("can't create a 64 node block with %d I/O nodes per midplane", p.Numpsets)
			}
		}
	}

	if p.IsBGL() {
		if r.Small16 > 0 || r.Small64 > 0 || r.Small256 > 0 {
			return configError("only 32 and 128 node small blocks are supported")
		}
		if r.empty() {
			log.Info("no sizes given for small block %s, splitting into 4 128 node blocks", r.Nodes)
			r.Small128 = 4
		}
		if sum := r.Small32*p.NodecardNodeCnt + r.Small128*p.QuarterNodeCnt; sum != p.BPNodeCnt {
			return configError("%d 32 and %d 128 node blocks make %d nodes, a midplane has %d",
				r.Small32, r.Small128, sum, p.BPNodeCnt)
		}
		return nil
	}

	if r.empty() {
		log.Info("no sizes given for small block %s, splitting into 2 256 node blocks", r.Nodes)
		r.Small256 = 2
	}
	sum := 0
	for _, c := range r.counts() {
		sum += c.size * c.count
	}
	if sum != p.BPNodeCnt {
		return configError("small blocks %s make %d nodes, a midplane has %d", r, sum, p.BPNodeCnt)
	}
	return nil
}

// HandleRequest splits the midplane of parent into the requested small
// blocks, assigning I/O nodes sequentially from start.
func HandleRequest(p *block.Params, parent *block.Record, r *Request, start int) ([]*block.Record, error) {
	if start < 0 || start >= p.Numpsets {
		return nil, configError("I/O node %d outside midplane with %d I/O nodes", start, p.Numpsets)
	}

	var records []*block.Record
	for _, c := range r.counts() {
		width := p.IonodeWidth(c.size)
		for i := 0; i < c.count; i++ {
			if start+width > p.Numpsets {
				return nil, configError("%d node block at I/O node %d exceeds %d I/O nodes",
					c.size, start, p.Numpsets)
			}
			records = append(records, CreateSmallRecord(p, parent, bitmap.Range(start, start+width-1), c.size))
			start += width
		}
	}
	return records, nil
}

// CreateSmallRecord creates a small block of size compute nodes owning
// the given I/O nodes on the first midplane of parent.
func CreateSmallRecord(p *block.Params, parent *block.Record, ionodes bitmap.Bitmap, size int) *block.Record {
	r := &block.Record{
		JobRunning: block.JobNone,
		UserName:   parent.UserName,
		TargetName: parent.UserName,
		UserUID:    parent.UserUID,
		Images:     parent.Images,
	}

	var node geometry.MeshNode
	if first := firstMember(parent); first != nil {
		node = first.Copy()
	} else {
		// no mesh nodes, fall back to the node list or the start
		c := parent.Start
		if coords, err := p.Dims.ParseNodeList(p.NodePrefix, parent.Nodes); err == nil && len(coords) > 0 {
			c = coords[0]
		}
		log.Error("creating small block from %s without mesh nodes, using %s",
			parent.Name(), p.NodeName(c))
		node = geometry.NewMeshNode(p.Dims, c)
	}
	for d := 0; d < geometry.MaxDims; d++ {
		node.Switches[d].Reset()
		if d != geometry.X && d < p.Dims.Rank() {
			node.Switches[d].IntWire[geometry.PortCableOut].Used = true
			node.Switches[d].IntWire[geometry.PortPassIn].Used = true
		}
	}
	node.Used = true

	r.MeshNodes = []geometry.MeshNode{node}
	r.BPCount = 1
	r.Nodes = p.NodeName(node.Coord)
	r.Bitmap = bitmap.New(node.Index)
	r.Start = node.Coord
	r.Geo = geometry.Shape{}
	for d := 0; d < p.Dims.Rank(); d++ {
		r.Geo[d] = 1
	}
	r.FullBlock = p.Dims.Count() == 1 && size == p.BPNodeCnt

	r.Conn = geometry.ConnSmall
	r.CPUCnt = p.CPURatio * size
	r.NodeCnt = size
	r.Ionodes = ionodes
	r.IonodeStr = ionodes.String()

	log.Debug("made small block of %s", r.NodeName())
	return r
}

func firstMember(r *block.Record) *geometry.MeshNode {
	for i := range r.MeshNodes {
		if r.MeshNodes[i].Used {
			return &r.MeshNodes[i]
		}
	}
	return nil
}

// AddRecords creates the records for a request. Whole midplane requests
// yield a single record. Small requests are split on every midplane of
// the request, starting at I/O node ioStart. If usedNodes is given it is
// the placed node list of the block, otherwise the node list of the
// request is used. With noCheck the request is not normalized.
func AddRecords(p *block.Params, usedNodes []geometry.MeshNode, r *Request, noCheck bool, ioStart int) ([]*block.Record, error) {
	var (
		parent *block.Record
		err    error
	)

	if usedNodes != nil {
		name := r.Nodes
		if !strings.HasPrefix(name, p.NodePrefix) {
			name = p.NodePrefix + name
		}
		parent = block.NewRecord(p, usedNodes, name, r.Conn)
	} else {
		if parent, err = block.NewRecordFromNodeList(p, r.Nodes, r.Conn); err != nil {
			return nil, err
		}
	}
	parent.Images = mergeImages(p.Images, r.Images)

	log.Debug("adding block for %s", r)

	if r.Conn != geometry.ConnSmall {
		return []*block.Record{parent}, nil
	}

	if !noCheck {
		if err := Normalize(p, r); err != nil {
			return nil, err
		}
	}

	var records []*block.Record
	for i := range parent.MeshNodes {
		n := parent.MeshNodes[i]
		if !n.Used {
			continue
		}
		single := parent.Copy()
		single.MeshNodes = []geometry.MeshNode{n}
		single.Nodes = p.NodeName(n.Coord)
		small, err := HandleRequest(p, single, r, ioStart)
		if err != nil {
			return nil, err
		}
		records = append(records, small...)
	}
	return records, nil
}

func mergeImages(defaults, override bluegene.Images) bluegene.Images {
	img := defaults
	if override.Linux != "" {
		img.Linux = override.Linux
	}
	if override.Mloader != "" {
		img.Mloader = override.Mloader
	}
	if override.Ramdisk != "" {
		img.Ramdisk = override.Ramdisk
	}
	if override.Blrts != "" {
		img.Blrts = override.Blrts
	}
	return img
}

// BuildStaticBlocks creates the records of the configured blocks. In the
// static layout mode configured blocks may not overlap.
func BuildStaticBlocks(p *block.Params, blocks []bluegene.BlockConfig) ([]*block.Record, error) {
	var (
		records []*block.Record
		errs    *multierror.Error
	)

	for i, b := range blocks {
		conn, err := geometry.ParseConnType(b.Connection)
		if err != nil {
			errs = multierror.Append(errs, configError("block #%d: %v", i, err))
			continue
		}
		req := &Request{
			Nodes:    b.Nodes,
			Conn:     conn,
			Small16:  b.Small16,
			Small32:  b.Small32,
			Small64:  b.Small64,
			Small128: b.Small128,
			Small256: b.Small256,
			Images:   b.Images,
		}
		recs, err := AddRecords(p, nil, req, false, 0)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("block #%d (%s): %w", i, b.Nodes, err))
			continue
		}
		records = append(records, recs...)
	}

	if p.Layout == bluegene.LayoutStatic {
		for i, a := range records {
			for _, b := range records[i+1:] {
				if block.Overlaps(a, b) {
					errs = multierror.Append(errs, configError("blocks %s and %s overlap in static layout",
						a.NodeName(), b.NodeName()))
				}
			}
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	block.SortRecordsBySize(p, records)
	return records, nil
}

func configError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{block.ErrInvalidConfig}, args...)...)
}
