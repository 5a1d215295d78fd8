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

// Package lifecycle drives the state changes of blocks: putting blocks
// in error and resuming them, handling node cards going down and up,
// freeing blocks and administrative updates.
//
// Unless documented otherwise, functions of this package must be called
// with the registry unlocked.
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/torusched/bgblock/pkg/bluegene/block"
	"github.com/torusched/bgblock/pkg/bluegene/bridge"
	logger "github.com/torusched/bgblock/pkg/log"
)

var log = logger.Get("lifecycle")

var (
	// ErrBlockGone is returned when a block disappears from the registry
	// while it is being worked on.
	ErrBlockGone = errors.New("block disappeared")
	// ErrInvalidBlockName is returned for unknown blocks and bad names.
	ErrInvalidBlockName = errors.New("invalid block name")
	// ErrInvalidState is returned for state changes which are not possible.
	ErrInvalidState = block.ErrInvalidState
	// ErrNotDynamic is returned for operations needing the dynamic layout.
	ErrNotDynamic = errors.New("only possible in dynamic layout mode")
	// ErrNoChange is returned when a request would not change anything.
	ErrNoChange = errors.New("no change")
	// ErrInvalidIonodes is returned for I/O nodes outside a midplane.
	ErrInvalidIonodes = errors.New("invalid I/O nodes")
)

// Notifier receives the events the rest of the system needs to act on.
// It is called with the registry locked and must not call back into
// the registry or the manager.
type Notifier interface {
	// RequeueJob asks the scheduler to requeue a job.
	RequeueJob(jobID int, reason string)
	// FailJob asks the scheduler to fail a job.
	FailJob(jobID int, reason string)
	// DrainMidplane takes a whole midplane out of service.
	DrainMidplane(name, reason string)
	// MidplaneDown reports cpus of a midplane unusable because of blocks
	// in error. All cpus unusable means the whole midplane is down.
	MidplaneDown(name string, cpus int, reason string)
	// MidplaneUp reports a midplane fully usable again.
	MidplaneUp(name string)
	// BlockError is triggered whenever a block is put in error.
	BlockError(id string)
}

// NopNotifier ignores all events.
type NopNotifier struct{}

func (NopNotifier) RequeueJob(int, string) {}
func (NopNotifier) FailJob(int, string) {}
func (NopNotifier) DrainMidplane(string, string) {}
func (NopNotifier) MidplaneDown(string, int, string) {}
func (NopNotifier) MidplaneUp(string) {}
func (NopNotifier) BlockError(string) {}

// MidplaneStatus is the health of a midplane as seen by the manager.
type MidplaneStatus struct {
	Name string
	// ErrorCPUs is the number of cpus in blocks in error.
	ErrorCPUs int
	// Drained is true if the whole midplane was taken out of service.
	Drained bool
}

// Manager drives block state changes.
type Manager struct {
	params *block.Params
	reg    *block.Registry
	hw     bridge.HardwareBridge
	notify Notifier

	// protected by the registry lock
	errCPUs map[int]int
	drained map[int]string
}

// New creates a manager for the blocks of the registry.
func New(reg *block.Registry, hw bridge.HardwareBridge, notify Notifier) *Manager {
	if notify == nil {
		notify = NopNotifier{}
	}
	return &Manager{
		params:  reg.Params(),
		reg:     reg,
		hw:      hw,
		notify:  notify,
		errCPUs: make(map[int]int),
		drained: make(map[int]string),
	}
}

// PutInError puts a block in error. If a job is running on the block,
// it waits for the job to leave first.
func (m *Manager) PutInError(ctx context.Context, rec *block.Record, reason string) error {
	if rec == nil {
		log.Error("internal error: nil block to put in error")
		return block.ErrInvalidRecord
	}

	m.reg.Lock()
	if !m.reg.Exists(rec) {
		m.reg.Unlock()
		log.Error("while trying to put block %s in error state it disappeared", rec.Name())
		return fmt.Errorf("%w: %s", ErrBlockGone, rec.Name())
	}
	if err := m.reg.WaitJobDetached(ctx, rec); err != nil {
		m.reg.Unlock()
		return fmt.Errorf("putting block %s in error: %w", rec.Name(), err)
	}
	if !m.reg.Exists(rec) {
		m.reg.Unlock()
		log.Error("while putting block %s in error state it was destroyed", rec.Name())
		return fmt.Errorf("%w: %s", ErrBlockGone, rec.Name())
	}

	m.setError(rec, reason)
	id := rec.ID
	m.reg.Unlock()

	m.notify.BlockError(id)
	return nil
}

// setError puts a block in error. Must be called with the registry locked.
func (m *Manager) setError(rec *block.Record, reason string) {
	log.Info("setting block %s to ERROR state (reason: '%s')", rec.Name(), reason)

	// keep the block on these lists so nothing gets scheduled on it
	m.reg.AddJobRunning(rec)
	m.reg.AddBooted(rec)

	rec.JobRunning = block.JobError
	rec.Job = nil
	rec.State = block.StateError
	rec.UserName = m.params.SystemUser
	rec.TargetName = m.params.SystemUser
	rec.UserUID = 0
	rec.Reason = reason
	m.reg.Touch()

	if reason != "" {
		m.updateMidplanes(rec, reason)
	}
}

// Resume takes a block out of error. It does nothing if a job is running
// on the block or if the block isn't in error. On real hardware the block
// state is left for the poller to find out. Must be called with the
// registry locked.
func (m *Manager) Resume(rec *block.Record) {
	if rec == nil {
		log.Error("internal error: nil block to resume")
		return
	}
	if rec.JobRunning > block.JobNone {
		return
	}
	if rec.State != block.StateError && rec.JobRunning != block.JobError && !m.reg.InJobRunning(rec) {
		return
	}

	if rec.State == block.StateError {
		if m.params.Simulated {
			rec.State = block.StateFree
		} else {
			rec.State = block.StateNAV
		}
		log.Info("block %s put back into service after being in an error state", rec.Name())
	}

	m.reg.RemoveJobRunning(rec)
	if rec.State != block.StateReady {
		m.reg.RemoveBooted(rec)
	}
	rec.JobRunning = block.JobNone
	rec.Reason = ""
	m.reg.Touch()

	m.updateMidplanes(rec, "")
}

// RequeueAndError requeues the job running on a block, then puts the
// block in error.
func (m *Manager) RequeueAndError(ctx context.Context, rec *block.Record, reason string) error {
	m.reg.Lock()
	if rec.JobRunning > block.JobNone {
		m.notify.RequeueJob(rec.JobRunning, reason)
	}
	exists := m.reg.Exists(rec)
	m.reg.Unlock()

	if !exists {
		log.Error("requeue and error: block %s disappeared", rec.Name())
		return fmt.Errorf("%w: %s", ErrBlockGone, rec.Name())
	}
	return m.PutInError(ctx, rec, reason)
}

// AttachJob puts a job on a block. Must be called with the registry locked.
func (m *Manager) AttachJob(rec *block.Record, job *block.Job) {
	rec.JobRunning = job.ID
	rec.Job = job
	if job.User != "" {
		rec.UserName = job.User
		rec.TargetName = job.User
	}
	m.reg.AddJobRunning(rec)
	m.reg.AddBooted(rec)
	m.reg.Touch()
}

// DetachJob takes the job off a block and wakes up anyone waiting for
// that. Must be called with the registry locked.
func (m *Manager) DetachJob(rec *block.Record) {
	if rec.JobRunning <= block.JobNone {
		return
	}
	log.Debug("job %d left block %s", rec.JobRunning, rec.Name())
	rec.JobRunning = block.JobNone
	rec.Job = nil
	m.reg.RemoveJobRunning(rec)
	m.reg.JobDetached()
	m.reg.Touch()
}

// FreeBlocks frees blocks in the hardware and removes them from the
// registry. Jobs still running on them are requeued. The hardware calls
// are made without holding the registry lock.
func (m *Manager) FreeBlocks(ctx context.Context, records []*block.Record, reason string) error {
	if len(records) == 0 {
		return nil
	}

	m.reg.Lock()
	for _, rec := range records {
		rec.FreeCnt++
		if rec.JobRunning > block.JobNone {
			log.Info("requeueing job %d of block %s being freed", rec.JobRunning, rec.Name())
			m.notify.RequeueJob(rec.JobRunning, reason)
			m.DetachJob(rec)
		}
		if rec.State == block.StateError {
			m.Resume(rec)
		}
		rec.State = block.StateDeallocating
	}
	m.reg.Unlock()

	var errs *multierror.Error
	for _, rec := range records {
		if rec.ID == "" {
			continue
		}
		if err := m.hw.Free(ctx, rec.ID); err != nil && !errors.Is(err, bridge.ErrUnknownBlock) {
			errs = multierror.Append(errs, fmt.Errorf("failed to free block %s: %w", rec.Name(), err))
		}
	}

	m.reg.Lock()
	for _, rec := range records {
		rec.FreeCnt--
		rec.State = block.StateFree
		if m.reg.Remove(rec) {
			log.Info("removed block %s (%s)", rec.Name(), rec.NodeName())
		}
	}
	m.reg.Unlock()

	return errs.ErrorOrNil()
}

// Configure creates blocks in the hardware and adds them to the registry.
// Blocks which can't be created are dropped.
func (m *Manager) Configure(ctx context.Context, records []*block.Record) ([]*block.Record, error) {
	var (
		added []*block.Record
		errs  *multierror.Error
	)
	for _, rec := range records {
		id, err := m.hw.Configure(ctx, bridge.SpecFor(rec))
		if err != nil {
			log.Error("unable to configure block %s: %v", rec.NodeName(), err)
			errs = multierror.Append(errs, fmt.Errorf("failed to configure block %s: %w", rec.NodeName(), err))
			continue
		}
		rec.ID = id
		added = append(added, rec)
	}

	m.reg.Lock()
	for _, rec := range added {
		m.reg.Insert(rec)
		if rec.State == block.StateError {
			m.setError(rec, rec.Reason)
		}
		log.Debug("added block %s on %s", rec.ID, rec.NodeName())
	}
	m.reg.SortBySize()
	m.reg.Unlock()

	return added, errs.ErrorOrNil()
}

// DrainMidplane takes a whole midplane out of service, unless it already
// is. Must be called with the registry locked.
func (m *Manager) DrainMidplane(inx int, reason string) {
	if _, ok := m.drained[inx]; ok {
		return
	}
	name := m.params.NodeName(m.params.Dims.Coord(inx))
	log.Warn("draining midplane %s: %s", name, reason)
	m.drained[inx] = reason
	m.notify.DrainMidplane(name, reason)
}

// UndrainMidplane puts a drained midplane back in service. Must be called
// with the registry locked.
func (m *Manager) UndrainMidplane(inx int) {
	if _, ok := m.drained[inx]; !ok {
		return
	}
	name := m.params.NodeName(m.params.Dims.Coord(inx))
	log.Info("midplane %s back in service", name)
	delete(m.drained, inx)
	m.recountMidplane(inx, "")
	if m.errCPUs[inx] == 0 {
		m.notify.MidplaneUp(name)
	}
}

// Midplanes returns the status of every midplane. Must be called with the
// registry locked.
func (m *Manager) Midplanes() []MidplaneStatus {
	status := make([]MidplaneStatus, 0, m.params.Dims.Count())
	for inx := 0; inx < m.params.Dims.Count(); inx++ {
		_, drained := m.drained[inx]
		status = append(status, MidplaneStatus{
			Name:      m.params.NodeName(m.params.Dims.Coord(inx)),
			ErrorCPUs: m.errCPUs[inx],
			Drained:   drained,
		})
	}
	return status
}

// updateMidplanes recounts the cpus in error on every midplane of the
// block and reports the result.
func (m *Manager) updateMidplanes(rec *block.Record, reason string) {
	for _, inx := range rec.Bitmap.List() {
		m.recountMidplane(inx, reason)
	}
}

func (m *Manager) recountMidplane(inx int, reason string) {
	// drained midplanes are down already
	if _, ok := m.drained[inx]; ok {
		return
	}

	total := 0
	for _, rec := range m.reg.Main() {
		if rec.State != block.StateError || !rec.Bitmap.Test(inx) {
			continue
		}
		if rec.CPUCnt >= m.params.CPUsPerMidplane {
			total = m.params.CPUsPerMidplane
			break
		}
		total += rec.CPUCnt
	}
	if total > m.params.CPUsPerMidplane {
		total = m.params.CPUsPerMidplane
	}

	name := m.params.NodeName(m.params.Dims.Coord(inx))
	prev := m.errCPUs[inx]
	m.errCPUs[inx] = total

	switch {
	case total > 0:
		if reason == "" {
			reason = "update block: setting partial node down."
		}
		m.notify.MidplaneDown(name, total, reason)
	case prev > 0:
		m.notify.MidplaneUp(name)
	}
}

// waitJob waits for the job on a block to leave, giving up after the
// context is done.
func (m *Manager) waitJob(ctx context.Context, rec *block.Record) error {
	m.reg.Lock()
	defer m.reg.Unlock()
	return m.reg.WaitJobDetached(ctx, rec)
}
