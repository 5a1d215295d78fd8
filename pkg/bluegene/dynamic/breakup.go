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

package dynamic

import (
	"fmt"

	"github.com/torusched/bgblock/pkg/bluegene/block"
	"github.com/torusched/bgblock/pkg/bluegene/mesh"
	"github.com/torusched/bgblock/pkg/bluegene/smallblock"
	"github.com/torusched/bgblock/pkg/utils/bitmap"
)

type breakupPass struct {
	onlyFree  bool
	onlySmall bool
}

// Small requests first look at free small blocks, then free blocks of
// any size, then small blocks in any state, then any block.
var breakupPasses = []breakupPass{
	{onlyFree: true, onlySmall: true},
	{onlyFree: true, onlySmall: false},
	{onlyFree: false, onlySmall: true},
	{onlyFree: false, onlySmall: false},
}

// breakup tries to satisfy a small request from existing blocks, sorted
// by size. A block of the requested size is reused. Smaller blocks on
// the same midplane are combined while their I/O nodes form a legal
// set, otherwise combining restarts from the last block. The first
// bigger block is split. It returns nil if no block can be used.
func (a *Allocator) breakup(records []*block.Record, req *mesh.Request, cnodes int, bp breakupPass) (*Result, error) {
	p := a.params

	var valid []bitmap.Bitmap
	if cnodes != 16 {
		// a 16 can go anywhere
		valid = a.valid.ValidSmall(cnodes)
	}

	log.Debug("breaking up for %d nodes, only free %v, only small %v", cnodes, bp.onlyFree, bp.onlySmall)

	var (
		ionodes = bitmap.New()
		total   = 0
		currBit = -1
	)
	for _, rec := range records {
		if rec.FreeCnt > 0 {
			log.Debug("%s being freed for other jobs, skipping", rec.Name())
			continue
		}
		if rec.JobRunning != block.JobNone {
			continue
		}
		if bp.onlyFree && rec.State != block.StateFree {
			continue
		}
		if bp.onlySmall && rec.NodeCnt > p.BPNodeCnt {
			continue
		}
		if !req.Avail.IsEmpty() && !rec.Bitmap.IsSubsetOf(req.Avail) {
			log.Debug("%s has midplanes not usable by this request", rec.Name())
			continue
		}

		startName := p.NodeName(rec.Start)

		if rec.NodeCnt == cnodes {
			log.Debug("found it here %s, %s", rec.Name(), rec.NodeName())
			return &Result{Reused: rec, StartName: startName, Pass: PassReuse}, nil
		}

		if rec.NodeCnt < cnodes {
			num := rec.NodeCnt
			if bit := rec.Bitmap.First(); bit != currBit {
				// small blocks are sorted by midplane, nothing more on the last one
				currBit = bit
				ionodes = bitmap.New()
				total = 0
			}

			// only count what doesn't overlap what we have already
			if over := ionodes.Overlap(rec.Ionodes); over > 0 {
				if num -= over * p.SmallestBlock; num <= 0 {
					continue
				}
			}
			ionodes = ionodes.Union(rec.Ionodes)

			legal := false
			for _, v := range valid {
				if ionodes.IsSubsetOf(v) {
					legal = true
					break
				}
			}
			if !legal {
				ionodes = rec.Ionodes
				total = rec.NodeCnt
			} else {
				total += num
			}

			log.Debug("combine adding %s %d got %d set ionodes %s", rec.NodeName(), num, total, ionodes)

			if total == cnodes {
				small := smallblock.CreateSmallRecord(p, rec, ionodes, cnodes)
				return &Result{Blocks: []*block.Record{small}, StartName: startName, Pass: PassCombine}, nil
			}
			continue
		}

		log.Debug("going to split %s, %s", rec.Name(), rec.NodeName())
		blocks, err := a.split(rec, cnodes)
		if err != nil {
			return nil, err
		}
		return &Result{Blocks: blocks, StartName: startName, Pass: PassSplit}, nil
	}

	return nil, nil
}

// split breaks the first midplane of a bigger block into small blocks,
// one of them of the requested size.
func (a *Allocator) split(parent *block.Record, cnodes int) ([]*block.Record, error) {
	p := a.params
	req, whole, err := splitRequest(p, parent.NodeCnt, cnodes)
	if err != nil {
		return nil, err
	}

	start := 0
	if !whole {
		if start = parent.Ionodes.First(); start < 0 {
			start = 0
		}
	}

	log.Info("asking for %s from a %d node block, starting at ionode %d",
		req, parent.NodeCnt, start)

	return smallblock.HandleRequest(p, parent, req, start)
}

type splitKey struct {
	parent int
	size   int
}

// wholeMidplane is the parent size for splitting whole midplanes.
const wholeMidplane = 0

var (
	bgpSplits = map[splitKey]smallblock.Request{
		{32, 16}: {Small16: 2},

		{64, 16}: {Small16: 2, Small32: 1},
		{64, 32}: {Small32: 2},

		{128, 16}: {Small16: 2, Small32: 1, Small64: 1},
		{128, 32}: {Small32: 2, Small64: 1},
		{128, 64}: {Small64: 2},

		{256, 16}:  {Small16: 2, Small32: 1, Small64: 1, Small128: 1},
		{256, 32}:  {Small32: 2, Small64: 1, Small128: 1},
		{256, 64}:  {Small64: 2, Small128: 1},
		{256, 128}: {Small128: 2},

		{wholeMidplane, 16}:  {Small16: 2, Small32: 1, Small64: 1, Small128: 1, Small256: 1},
		{wholeMidplane, 32}:  {Small32: 2, Small64: 1, Small128: 1, Small256: 1},
		{wholeMidplane, 64}:  {Small64: 2, Small128: 1, Small256: 1},
		{wholeMidplane, 128}: {Small128: 2, Small256: 1},
		{wholeMidplane, 256}: {Small256: 2},
	}
	bglSplits = map[splitKey]smallblock.Request{
		{128, 32}: {Small32: 4},

		{wholeMidplane, 32}:  {Small32: 4, Small128: 3},
		{wholeMidplane, 128}: {Small128: 4},
	}
)

// splitRequest returns the small blocks to split a parent of the given
// size into for a request of cnodes, and whether the parent is split as
// a whole midplane.
func splitRequest(p *block.Params, parentCnt, cnodes int) (*smallblock.Request, bool, error) {
	table := bgpSplits
	if p.IsBGL() {
		table = bglSplits
	}

	parent, whole := parentCnt, false
	if parentCnt >= p.BPNodeCnt {
		parent, whole = wholeMidplane, true
	}

	r, ok := table[splitKey{parent: parent, size: cnodes}]
	if !ok {
		return nil, false, fmt.Errorf("%w: can't make a %d node block from a %d node block",
			ErrInvalidConfig, cnodes, parentCnt)
	}
	return &r, whole, nil
}
