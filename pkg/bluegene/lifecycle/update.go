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
	"errors"
	"fmt"

	"github.com/torusched/bgblock/pkg/bluegene/block"
	"github.com/torusched/bgblock/pkg/bluegene/bridge"
	"github.com/torusched/bgblock/pkg/instrumentation/tracing"
)

var defaultReasons = map[block.State]string{
	block.StateError:        "update_block: Admin set block to ERROR",
	block.StateFree:         "update_block: Admin set block to FREE",
	block.StateDeallocating: "update_block: Admin set block to DEALLOCATING",
	block.StateNAV:          "update_block: Admin removed block",
	block.StateConfiguring:  "update_block: Admin recreated block",
}

// UpdateBlock is the administrative state change of the block with the
// given ID. A job running on the block is requeued first.
//   - ERROR frees every other block sharing hardware with the block and
//     puts it in error.
//   - FREE takes the block out of error and frees it.
//   - DEALLOCATING takes the block out of error.
//   - NAV removes the block in the dynamic layout, together with every
//     other small block on the same midplane.
//   - CONFIGURING recreates the block in the hardware.
func (m *Manager) UpdateBlock(ctx context.Context, id string, state block.State, reason string) (retErr error) {
	ctx, span := tracing.StartSpan(ctx, "UpdateBlock",
		tracing.WithAttributes(
			tracing.Attribute("block", id),
			tracing.Attribute("state", state.String()),
		),
	)
	defer func() { span.End(tracing.WithStatus(retErr)) }()

	if reason == "" {
		reason = defaultReasons[state]
	}

	m.reg.Lock()
	rec := m.reg.FindByID(id)
	if rec == nil {
		m.reg.Unlock()
		return fmt.Errorf("%w: unknown block %q", ErrInvalidBlockName, id)
	}

	if rec.JobRunning > block.JobNone {
		log.Info("requeueing job %d running on block %s", rec.JobRunning, id)
		m.notify.RequeueJob(rec.JobRunning, reason)
		m.DetachJob(rec)
	}

	switch state {
	case block.StateError:
		var others []*block.Record
		for _, found := range m.reg.Main() {
			if found != rec && block.Overlaps(rec, found) {
				others = append(others, found)
			}
		}
		m.reg.Unlock()

		if err := m.FreeBlocks(ctx, others, reason); err != nil {
			log.Error("freeing blocks overlapping %s: %v", id, err)
		}
		return m.PutInError(ctx, rec, reason)

	case block.StateFree:
		if rec.State != block.StateError {
			rec.State = block.StateFree
		}
		m.Resume(rec)
		m.reg.RemoveBooted(rec)
		m.reg.Touch()
		m.reg.Unlock()
		return nil

	case block.StateDeallocating:
		m.Resume(rec)
		m.reg.Unlock()
		return nil

	case block.StateNAV:
		if !m.params.Dynamic() {
			m.reg.Unlock()
			return fmt.Errorf("%w: can't remove block %s in %s layout",
				ErrNotDynamic, id, m.params.Layout)
		}

		deleteList := []*block.Record{rec}
		if rec.IsSmall(m.params) {
			for _, found := range m.reg.Main() {
				if found != rec && found.IsSmall(m.params) && found.Bitmap.Equals(rec.Bitmap) {
					deleteList = append(deleteList, found)
				}
			}
		}
		for _, found := range deleteList {
			if found.JobRunning > block.JobNone {
				m.notify.RequeueJob(found.JobRunning, reason)
				m.DetachJob(found)
			}
			if found.State == block.StateError {
				m.Resume(found)
			}
		}
		m.reg.Unlock()

		return m.FreeBlocks(ctx, deleteList, reason)

	case block.StateConfiguring:
		if rec.State == block.StateError {
			m.Resume(rec)
		}
		m.reg.Remove(rec)
		oldID := rec.ID
		m.reg.Unlock()

		if err := m.hw.Free(ctx, oldID); err != nil && !errors.Is(err, bridge.ErrUnknownBlock) {
			log.Warn("freeing block %s before recreating it: %v", oldID, err)
		}

		rec.ID = ""
		rec.State = block.StateFree
		rec.Reason = ""
		if _, err := m.Configure(ctx, []*block.Record{rec}); err != nil {
			return fmt.Errorf("failed to recreate block %s: %w", oldID, err)
		}
		log.Info("block %s recreated as %s", oldID, rec.ID)
		return nil
	}

	m.reg.Unlock()
	return fmt.Errorf("%w: can't set block %s to %s", ErrInvalidState, id, state)
}
