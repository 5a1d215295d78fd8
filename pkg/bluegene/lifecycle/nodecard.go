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

package lifecycle

import (
	"context"
	"fmt"
	"strings"

	"github.com/torusched/bgblock/pkg/bluegene/block"
	"github.com/torusched/bgblock/pkg/bluegene/geometry"
	"github.com/torusched/bgblock/pkg/bluegene/smallblock"
	"github.com/torusched/bgblock/pkg/instrumentation/tracing"
	"github.com/torusched/bgblock/pkg/utils/bitmap"
)

// DownNodecard handles a node card going down in a midplane. ioStart is
// the first I/O node of the node card. Jobs on blocks using the node card
// are failed. In the dynamic layout the midplane is carved up so that
// the smallest possible block covers the node card, and that block is
// put in error. Blocks smaller than that on the node card are replaced
// by a single one instead. Otherwise the smallest existing block covering the node
// card is put in error, or the whole midplane drained if there is none.
func (m *Manager) DownNodecard(ctx context.Context, name string, ioStart int, reason string) (retErr error) {
	ctx, span := tracing.StartSpan(ctx, "DownNodecard",
		tracing.WithAttributes(
			tracing.Attribute("midplane", name),
			tracing.Attribute("ionode", ioStart),
		),
	)
	defer func() { span.End(tracing.WithStatus(retErr)) }()

	p := m.params
	if reason == "" {
		reason = "select_bluegene: nodecard down"
	}

	ioCnt := int(p.IORatio)
	if ioCnt > 0 {
		ioCnt--
	}
	createSize := p.NodecardNodeCnt
	if p.SmallestBlock > createSize {
		createSize = p.SmallestBlock
	}

	c, err := p.Dims.ParseName(p.NodePrefix, name)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidBlockName, name, err)
	}
	if ioStart < 0 || ioStart >= p.Numpsets || ioStart+ioCnt >= p.Numpsets {
		return fmt.Errorf("%w: %d-%d on %s, only %d I/O nodes",
			ErrInvalidIonodes, ioStart, ioStart+ioCnt, name, p.Numpsets)
	}
	bp := p.Dims.Index(c)

	down := &block.Record{
		Nodes:   p.NodeName(c),
		Bitmap:  bitmap.New(bp),
		BPCount: 1,
		NodeCnt: p.NodecardNodeCnt,
		Ionodes: bitmap.Range(ioStart, ioStart+ioCnt),
	}
	log.Info("node card with I/O nodes %s of %s went down", down.Ionodes, name)

	var (
		deleteList []*block.Record
		smallest   *block.Record
	)

	m.reg.Lock()
	for _, rec := range m.reg.Main() {
		if !rec.Bitmap.Test(bp) || !block.Overlaps(rec, down) {
			continue
		}
		if rec.JobRunning > block.JobNone {
			m.notify.FailJob(rec.JobRunning, reason)
		}
		// small blocks are recreated anyway
		if p.Dynamic() && rec.NodeCnt < createSize {
			deleteList = append(deleteList, rec)
			continue
		}
		if smallest == nil || rec.NodeCnt < smallest.NodeCnt {
			smallest = rec
		}
	}

	if !p.Dynamic() {
		if smallest != nil && smallest.NodeCnt < p.BPNodeCnt {
			isError := smallest.State == block.StateError
			m.reg.Unlock()
			if isError {
				log.Debug("block %s is already in an error state", smallest.Name())
				return nil
			}
			return m.PutInError(ctx, smallest, reason)
		}
		m.DrainMidplane(bp, reason)
		m.reg.Unlock()
		return nil
	}
	m.reg.Unlock()

	for _, rec := range deleteList {
		if err := m.waitJob(ctx, rec); err != nil {
			return err
		}
	}

	req := &smallblock.Request{
		Nodes: name,
		Conn:  geometry.ConnSmall,
	}

	switch {
	case len(deleteList) > 0:
		// the small blocks on the node card are combined into one
		ionodes := bitmap.New()
		for _, rec := range deleteList {
			ionodes = ionodes.Union(rec.Ionodes)
		}
		count := 1
		if ioStart = ionodes.First(); ioStart < 0 {
			ioStart, count = 0, p.BPNodeCnt/createSize
		} else {
			ioStart -= ioStart % p.IonodeWidth(createSize)
		}
		if !setCount(req, createSize, count) {
			return fmt.Errorf("%w: unknown block size %d to cover node card",
				ErrInvalidState, createSize)
		}

	case smallest != nil:
		m.reg.Lock()
		isError := smallest.State == block.StateError
		m.reg.Unlock()
		if isError {
			log.Debug("block %s is already in an error state", smallest.Name())
			return nil
		}
		if err := m.waitJob(ctx, smallest); err != nil {
			return err
		}

		if createSize >= smallest.NodeCnt {
			return m.PutInError(ctx, smallest, reason)
		}

		// split the smallest block into the smallest blocks possible,
		// only the midplane of the node card for bigger blocks
		count := smallest.NodeCnt / createSize
		if smallest.NodeCnt >= p.BPNodeCnt {
			count = p.BPNodeCnt / createSize
		}
		if !setCount(req, createSize, count) {
			return fmt.Errorf("%w: can't split block %s of %d nodes",
				ErrInvalidState, smallest.Name(), smallest.NodeCnt)
		}
		if first := smallest.Ionodes.First(); first > 0 {
			ioStart = first
		} else {
			ioStart = 0
		}

	default:
		if createSize >= p.BPNodeCnt {
			m.reg.Lock()
			m.DrainMidplane(bp, reason)
			m.reg.Unlock()
			return nil
		}
		if !setCount(req, createSize, p.BPNodeCnt/createSize) {
			return fmt.Errorf("%w: unknown block size %d to cover node card",
				ErrInvalidState, createSize)
		}
		ioStart = 0
	}

	created, err := smallblock.AddRecords(p, nil, req, true, ioStart)
	if err != nil {
		return fmt.Errorf("failed to split %s: %w", name, err)
	}

	// blocks in the way of the new ones go
	m.reg.Lock()
	for _, rec := range created {
		for _, found := range m.reg.Main() {
			if !block.Overlaps(rec, found) {
				continue
			}
			log.Info("going to remove block %s, bad node card %s", found.Name(), down.NodeName())
			m.reg.Remove(found)
			deleteList = appendUnique(deleteList, found)
		}
	}
	m.reg.Unlock()

	if err := m.FreeBlocks(ctx, deleteList, reason); err != nil {
		log.Error("freeing blocks on %s: %v", name, err)
	}

	added, err := m.Configure(ctx, created)
	if err != nil {
		log.Error("creating blocks on %s: %v", name, err)
	}

	var errored []*block.Record
	for _, rec := range added {
		if block.Overlaps(rec, down) {
			errored = append(errored, rec)
		}
	}
	for _, rec := range errored {
		if err := m.PutInError(ctx, rec, reason); err != nil {
			return err
		}
	}

	return nil
}

// UpNodecard handles node cards coming back up in a midplane. Blocks
// put in error on the given I/O nodes are resumed.
func (m *Manager) UpNodecard(name string, ionodes bitmap.Bitmap) error {
	p := m.params
	c, err := p.Dims.ParseName(p.NodePrefix, name)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidBlockName, name, err)
	}
	bp := p.Dims.Index(c)

	m.reg.Lock()
	defer m.reg.Unlock()

	for _, rec := range m.reg.Main() {
		if rec.JobRunning != block.JobError {
			continue
		}
		if !rec.Bitmap.Test(bp) || !rec.Ionodes.Overlaps(ionodes) {
			continue
		}
		m.Resume(rec)
	}

	m.UndrainMidplane(bp)

	return nil
}

// UpdateSubNode changes the state of the node cards behind a set of I/O
// nodes of a midplane, given as "bg000[4-7]". Only error and free are
// possible, and only in the dynamic layout.
func (m *Manager) UpdateSubNode(ctx context.Context, subNode string, state block.State, reason string) error {
	p := m.params
	if !p.Dynamic() {
		return fmt.Errorf("%w: can't update sub-node %s", ErrNotDynamic, subNode)
	}

	name, ionodes, err := m.parseSubNode(subNode)
	if err != nil {
		return err
	}

	switch state {
	case block.StateError:
		var (
			ncPos  float64
			lastNC = -1
		)
		for i := 0; i < p.Numpsets; i++ {
			if i > 0 {
				ncPos += p.NCRatio
			}
			if !ionodes.Test(i) || int(ncPos) == lastNC {
				continue
			}
			lastNC = int(ncPos)
			ioStart := int(float64(lastNC) * p.IORatio)
			if err := m.DownNodecard(ctx, name, ioStart, reason); err != nil {
				return err
			}
		}
		return nil

	case block.StateFree:
		return m.UpNodecard(name, ionodes)
	}

	return fmt.Errorf("%w: can't set sub-node %s to %s", ErrInvalidState, subNode, state)
}

func (m *Manager) parseSubNode(subNode string) (string, bitmap.Bitmap, error) {
	p := m.params
	open := strings.IndexByte(subNode, '[')
	if open < 0 || !strings.HasSuffix(subNode, "]") {
		return "", bitmap.Bitmap{}, fmt.Errorf("%w: %q, no I/O nodes given", ErrInvalidBlockName, subNode)
	}

	c, err := p.Dims.ParseName(p.NodePrefix, subNode[:open])
	if err != nil {
		return "", bitmap.Bitmap{}, fmt.Errorf("%w: %q: %v", ErrInvalidBlockName, subNode, err)
	}

	ionodes, err := bitmap.Parse(subNode[open+1 : len(subNode)-1])
	if err != nil || ionodes.IsEmpty() {
		return "", bitmap.Bitmap{}, fmt.Errorf("%w: %q, bad I/O nodes", ErrInvalidIonodes, subNode)
	}
	if ionodes.Last() >= p.Numpsets {
		return "", bitmap.Bitmap{}, fmt.Errorf("%w: %q, only %d I/O nodes", ErrInvalidIonodes, subNode, p.Numpsets)
	}

	return p.NodeName(c), ionodes, nil
}

// setCount sets the number of small blocks of a size in a request.
func setCount(req *smallblock.Request, size, count int) bool {
	switch size {
	case 16:
		req.Small16 = count
	case 32:
		req.Small32 = count
	case 64:
		req.Small64 = count
	case 128:
		req.Small128 = count
	case 256:
		req.Small256 = count
	default:
		return false
	}
	return true
}

func appendUnique(list []*block.Record, rec *block.Record) []*block.Record {
	for _, r := range list {
		if r == rec {
			return list
		}
	}
	return append(list, rec)
}
