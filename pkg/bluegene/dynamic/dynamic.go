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

// Package dynamic creates blocks on demand. A request is satisfied, in
// order of preference, by reusing or combining existing small blocks,
// by splitting a bigger block, by placing a new block on free midplanes
// or by placing it over idle blocks which get superseded.
package dynamic

import (
	"errors"
	"fmt"

	"github.com/torusched/bgblock/pkg/bluegene/block"
	"github.com/torusched/bgblock/pkg/bluegene/geometry"
	"github.com/torusched/bgblock/pkg/bluegene/mesh"
	"github.com/torusched/bgblock/pkg/bluegene/smallblock"
	logger "github.com/torusched/bgblock/pkg/log"
	"github.com/torusched/bgblock/pkg/utils/bitmap"
)

var log = logger.Get("dynamic")

var (
	// ErrInvalidConfig is returned for requests the machine can't serve
	// by configuration.
	ErrInvalidConfig = block.ErrInvalidConfig
	// ErrInterconnect is returned when no block can be wired for a request.
	ErrInterconnect = errors.New("interconnect failure")
	// ErrTooSmall is returned for requests below the smallest block size.
	ErrTooSmall = errors.New("request smaller than smallest block")
)

// FailureKind classifies allocation failures.
type FailureKind int

const (
	// FailureConfig is a request the configuration can't serve.
	FailureConfig FailureKind = iota
	// FailureInterconnect is a request which could not be placed.
	FailureInterconnect
	// FailureTooSmall is a request below the smallest block size.
	FailureTooSmall
)

func (k FailureKind) String() string {
	switch k {
	case FailureConfig:
		return "config"
	case FailureInterconnect:
		return "interconnect"
	case FailureTooSmall:
		return "too-small"
	}
	return fmt.Sprintf("<failure %d>", int(k))
}

func (k FailureKind) sentinel() error {
	switch k {
	case FailureInterconnect:
		return ErrInterconnect
	case FailureTooSmall:
		return ErrTooSmall
	}
	return ErrInvalidConfig
}

// AllocationFailure is the error returned by Allocate. It unwraps to the
// sentinel error of its kind and to its cause.
type AllocationFailure struct {
	Kind FailureKind
	Err  error
}

func (f *AllocationFailure) Error() string {
	return fmt.Sprintf("allocation failed (%s): %v", f.Kind, f.Err)
}

// Unwrap returns the sentinel error of the failure kind and the cause.
func (f *AllocationFailure) Unwrap() []error {
	return []error{f.Kind.sentinel(), f.Err}
}

func failure(kind FailureKind, format string, args ...interface{}) *AllocationFailure {
	return &AllocationFailure{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Pass is the step of the allocation which satisfied a request.
type Pass int

const (
	// PassNone means the request was not satisfied.
	PassNone Pass = iota
	// PassReuse means an existing block matched the request exactly.
	PassReuse
	// PassCombine means adjacent small blocks were combined.
	PassCombine
	// PassSplit means a bigger block was split.
	PassSplit
	// PassFresh means a new block was placed on free midplanes.
	PassFresh
	// PassCarve means a new block was placed over idle blocks.
	PassCarve
)

var passNames = []string{"none", "reuse", "combine", "split", "fresh", "carve"}

func (p Pass) String() string {
	if int(p) < len(passNames) {
		return passNames[p]
	}
	return fmt.Sprintf("<pass %d>", int(p))
}

// Passes returns all passes which can satisfy a request.
func Passes() []Pass {
	return []Pass{PassReuse, PassCombine, PassSplit, PassFresh, PassCarve}
}

// Result is the outcome of a successful allocation.
type Result struct {
	// Blocks are new records, not yet in any registry.
	Blocks []*block.Record
	// Reused is the candidate which satisfies the request as it is.
	Reused *block.Record
	// StartName is the midplane the request was satisfied on.
	StartName string
	// Pass is the step which satisfied the request.
	Pass Pass
}

// ValidCombinations provides the legal I/O node sets of small blocks.
type ValidCombinations interface {
	ValidSmall(size int) []bitmap.Bitmap
}

// Allocator creates blocks on demand.
type Allocator struct {
	params *block.Params
	sys    *mesh.System
	valid  ValidCombinations
}

// New creates an allocator which places blocks in the given system.
func New(p *block.Params, sys *mesh.System, valid ValidCombinations) *Allocator {
	return &Allocator{
		params: p,
		sys:    sys,
		valid:  valid,
	}
}

// Allocate finds or creates blocks for a request. The mesh is reset and
// loaded with the blocks in loaded, which are usually copies of every
// block in the registry. Existing blocks are picked from candidates.
// Neither list nor any record in them is modified: new blocks are only
// returned, committing them is up to the caller. The caller serializes
// calls, since they share the mesh system.
func (a *Allocator) Allocate(req *mesh.Request, loaded, candidates []*block.Record, trackDown bool) (*Result, error) {
	p := a.params

	cnodes := a.requestedNodes(req)
	if cnodes < p.SmallestBlock {
		return nil, failure(FailureTooSmall, "%d nodes requested, smallest block is %d with %d I/O nodes per midplane",
			cnodes, p.SmallestBlock, p.Numpsets)
	}
	if req.Size == 0 && req.Geometry == nil {
		req.Size = (cnodes + p.BPNodeCnt - 1) / p.BPNodeCnt
	}

	defer a.sys.ClearUnusable()

	if err := a.loadSystem(loaded, trackDown); err != nil {
		return nil, failure(FailureInterconnect, "%w", err)
	}
	if !req.Avail.IsEmpty() {
		a.sys.SetUnusable(req.Avail)
	}

	order := candidates
	var smallReq *smallblock.Request

	if req.Size == 1 && cnodes < p.BPNodeCnt {
		var err error
		if smallReq, _, err = splitRequest(p, p.BPNodeCnt, cnodes); err != nil {
			return nil, failure(FailureConfig, "%w", err)
		}

		sorted := make([]*block.Record, len(candidates))
		copy(sorted, candidates)
		block.SortRecordsBySize(p, sorted)

		req.Conn = geometry.ConnSmall
		for _, bp := range breakupPasses {
			res, err := a.breakup(sorted, req, cnodes, bp)
			if err != nil {
				return nil, failure(FailureConfig, "%w", err)
			}
			if res != nil {
				log.Debug("%d node request satisfied by %s on %s", cnodes, res.Pass, res.StartName)
				return res, nil
			}
		}

		block.SortRecordsByAvailability(p, sorted)
		order = sorted
		log.Debug("small block not able to be placed inside others")
	}

	if req.Conn == geometry.ConnNav {
		req.Conn = geometry.ConnTorus
	}

	if err := mesh.NewRequest(p.Dims, req); err != nil {
		if req.Geometry != nil {
			log.Error("problems with request for size %d geo %s", req.Size, req.Geometry.Format(p.Dims.Rank()))
		} else {
			log.Error("problems with request for size %d, no geo given", req.Size)
		}
		return nil, failure(FailureConfig, "%w", err)
	}

	pass := PassFresh
	nodes, name, err := a.sys.AllocateBlock(req)
	if err != nil {
		log.Debug("allocate failure for size %d midplanes of free midplanes", req.Size)
		pass = PassCarve
		if nodes, name, err = a.carve(req, order); err != nil {
			return nil, failure(FailureInterconnect, "%w", err)
		}
	}

	br := &smallblock.Request{
		Nodes:  name,
		Conn:   req.Conn,
		Images: req.Images,
	}
	if smallReq != nil && req.Conn == geometry.ConnSmall {
		br.Small16, br.Small32, br.Small64 = smallReq.Small16, smallReq.Small32, smallReq.Small64
		br.Small128, br.Small256 = smallReq.Small128, smallReq.Small256
	}
	records, err := smallblock.AddRecords(p, nodes, br, false, 0)
	if err != nil {
		return nil, failure(FailureConfig, "%w", err)
	}

	res := &Result{
		Blocks:    records,
		StartName: p.NodeName(req.Start),
		Pass:      pass,
	}
	log.Debug("%d node request satisfied by %s on %s with %d new blocks",
		cnodes, res.Pass, name, len(records))
	return res, nil
}

// requestedNodes returns the number of compute nodes of a request.
func (a *Allocator) requestedNodes(req *mesh.Request) int {
	p := a.params
	if req.Procs > 0 {
		return req.Procs / p.CPURatio
	}
	size := req.Size
	if req.Geometry != nil {
		size = req.Geometry.Volume(p.Dims.Rank())
	}
	return size * p.BPNodeCnt
}

// loadSystem resets the mesh and loads the node lists of blocks. Blocks
// being freed and blocks on midplanes already loaded are skipped.
func (a *Allocator) loadSystem(records []*block.Record, trackDown bool) error {
	if records == nil {
		a.sys.Reset(false)
		log.Debug("no block list given")
		return nil
	}

	a.sys.Reset(trackDown)
	loaded := bitmap.New()
	for _, rec := range records {
		if rec.FreeCnt > 0 {
			log.Debug("not adding %s, being freed", rec.Name())
			continue
		}
		if rec.Bitmap.IsSubsetOf(loaded) {
			log.Debug("not adding %s, midplanes already loaded", rec.Name())
			continue
		}
		loaded = loaded.Union(rec.Bitmap)
		log.Debug("adding %s %s %s %d nodes", rec.Name(), rec.State, rec.Start, rec.NodeCnt)
		if err := a.sys.LoadNodeList(rec.MeshNodes); err != nil {
			return fmt.Errorf("loading %s: %w", rec.Name(), err)
		}
	}
	return nil
}

// carve retries placement after taking idle blocks out of the mesh one
// at a time, in the given order. Blocks taken out stay out.
func (a *Allocator) carve(req *mesh.Request, order []*block.Record) ([]geometry.MeshNode, string, error) {
	p := a.params
	for _, rec := range order {
		if rec.FreeCnt > 0 || rec.JobRunning != block.JobNone {
			continue
		}
		// only the first small block of a midplane, without busy siblings
		if rec.NodeCnt < p.BPNodeCnt {
			if rec.Ionodes.First() != 0 || siblingBusy(order, rec) {
				continue
			}
		}

		log.Debug("removing %s for request of %d midplanes", rec.NodeName(), req.Size)
		a.sys.RemoveBlock(rec.MeshNodes)

		nodes, name, err := a.sys.AllocateBlock(req)
		if err == nil {
			return nodes, name, nil
		}
		log.Debug("allocate failure for size %d midplanes", req.Size)
	}
	return nil, "", fmt.Errorf("%w: %d midplanes (%s), no idle block to take over",
		mesh.ErrNoPlacement, req.Size, req.Conn)
}

func siblingBusy(records []*block.Record, rec *block.Record) bool {
	for _, other := range records {
		if other.JobRunning != block.JobNone && other.Bitmap.Overlaps(rec.Bitmap) {
			return true
		}
	}
	return false
}
