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
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	logger "github.com/torusched/bgblock/pkg/log"
	"github.com/torusched/bgblock/pkg/utils/bitmap"
)

var log = logger.Get("block")

// Registry is the authoritative collection of blocks. Records live in an
// arena and are referenced by handle from the main, job-running and
// booted lists.
//
// A single lock guards the registry and every record in it. Unless
// stated otherwise, methods must be called with the registry locked.
// The lock is not reentrant, so a function holding it must never call
// another one which takes it.
type Registry struct {
	sync.Mutex
	detached *sync.Cond

	params     *Params
	next       Handle
	arena      map[Handle]*Record
	main       []Handle
	jobRunning []Handle
	booted     []Handle
	validSmall map[int][]bitmap.Bitmap
	lastUpdate time.Time
}

// NewRegistry creates an empty registry for the given machine.
func NewRegistry(p *Params) *Registry {
	r := &Registry{
		params:     p,
		arena:      make(map[Handle]*Record),
		validSmall: make(map[int][]bitmap.Bitmap),
		lastUpdate: time.Now(),
	}
	r.detached = sync.NewCond(&r.Mutex)

	for _, size := range p.SmallSizes() {
		if size == 16 {
			// a 16 can go anywhere
			continue
		}
		width := p.IonodeWidth(size)
		for start := 0; start+width <= p.Numpsets; start += width {
			r.validSmall[size] = append(r.validSmall[size], bitmap.Range(start, start+width-1))
		}
	}

	return r
}

// Params returns the machine parameters of the registry.
func (r *Registry) Params() *Params {
	return r.params
}

// ValidSmall returns the legal I/O node sets of small blocks of the
// given size. There is no table for the smallest size since those can
// go anywhere.
func (r *Registry) ValidSmall(size int) []bitmap.Bitmap {
	return r.validSmall[size]
}

// Insert adds the record to the main list.
func (r *Registry) Insert(rec *Record) Handle {
	if rec.handle != NoHandle && r.arena[rec.handle] == rec {
		log.Warn("block %s is already in the registry", rec.Name())
		return rec.handle
	}
	r.next++
	rec.handle = r.next
	r.arena[rec.handle] = rec
	r.main = append(r.main, rec.handle)
	r.touch()
	return rec.handle
}

// Remove drops the record from every list of the registry.
func (r *Registry) Remove(rec *Record) bool {
	if !r.Exists(rec) {
		return false
	}
	h := rec.handle
	r.main = removeHandle(r.main, h)
	r.jobRunning = removeHandle(r.jobRunning, h)
	r.booted = removeHandle(r.booted, h)
	delete(r.arena, h)
	rec.handle = NoHandle
	r.touch()
	return true
}

// Get returns the record for the handle, or nil.
func (r *Registry) Get(h Handle) *Record {
	return r.arena[h]
}

// Main returns the records of the main list in list order.
func (r *Registry) Main() []*Record {
	return r.records(r.main)
}

// Len returns the number of records in the main list.
func (r *Registry) Len() int {
	return len(r.main)
}

// JobRunning returns the records on the job-running list.
func (r *Registry) JobRunning() []*Record {
	return r.records(r.jobRunning)
}

// Booted returns the records on the booted list.
func (r *Registry) Booted() []*Record {
	return r.records(r.booted)
}

// FindByID returns the record with the given block ID, compared
// case-insensitively, or nil.
func (r *Registry) FindByID(id string) *Record {
	if id == "" {
		return nil
	}
	for _, h := range r.main {
		if rec := r.arena[h]; strings.EqualFold(rec.ID, id) {
			return rec
		}
	}
	return nil
}

// Exists returns true if this very record is in the main list.
func (r *Registry) Exists(rec *Record) bool {
	if rec == nil || rec.handle == NoHandle {
		return false
	}
	return r.arena[rec.handle] == rec
}

// FindByContent returns a record, not pending teardown, covering the
// same hardware as the given one. Connection types must also agree for
// blocks of at least a midplane.
func (r *Registry) FindByContent(rec *Record) *Record {
	for _, h := range r.main {
		found := r.arena[h]
		if found.FreeCnt > 0 {
			continue
		}
		if !found.Bitmap.Equals(rec.Bitmap) || !found.Ionodes.Equals(rec.Ionodes) {
			continue
		}
		if rec.NodeCnt >= r.params.BPNodeCnt && rec.Conn != found.Conn {
			continue
		}
		log.Debug("block %s is already in the registry as %s", rec.NodeName(), found.Name())
		return found
	}
	return nil
}

// ExistsByContent returns true if FindByContent finds a record.
func (r *Registry) ExistsByContent(rec *Record) bool {
	return r.FindByContent(rec) != nil
}

// SortBySize orders the main list smallest first.
func (r *Registry) SortBySize() {
	sortHandles(r.main, r.arena, func(a, b *Record) int { return CompareSize(r.params, a, b) })
}

// SortByAvailability orders the main list earliest available first.
func (r *Registry) SortByAvailability() {
	sortHandles(r.main, r.arena, func(a, b *Record) int { return CompareAvailability(r.params, a, b) })
}

// Copy returns deep copies of the main list records for use without the
// lock. Each copy refers back to its original.
func (r *Registry) Copy() []*Record {
	out := make([]*Record, 0, len(r.main))
	for _, h := range r.main {
		c := r.arena[h].Copy()
		c.Original = h
		out = append(out, c)
	}
	return out
}

// Original returns the registry record a copy was made from, or nil if
// that record has since been removed.
func (r *Registry) Original(c *Record) *Record {
	if c == nil || c.Original == NoHandle {
		return nil
	}
	return r.arena[c.Original]
}

// AddJobRunning puts the record on the job-running list.
func (r *Registry) AddJobRunning(rec *Record) {
	if r.Exists(rec) && !containsHandle(r.jobRunning, rec.handle) {
		r.jobRunning = append(r.jobRunning, rec.handle)
	}
}

// RemoveJobRunning takes the record off the job-running list.
func (r *Registry) RemoveJobRunning(rec *Record) {
	r.jobRunning = removeHandle(r.jobRunning, rec.handle)
}

// InJobRunning returns true if the record is on the job-running list.
func (r *Registry) InJobRunning(rec *Record) bool {
	return rec.handle != NoHandle && containsHandle(r.jobRunning, rec.handle)
}

// AddBooted puts the record on the booted list.
func (r *Registry) AddBooted(rec *Record) {
	if r.Exists(rec) && !containsHandle(r.booted, rec.handle) {
		r.booted = append(r.booted, rec.handle)
	}
}

// RemoveBooted takes the record off the booted list.
func (r *Registry) RemoveBooted(rec *Record) {
	r.booted = removeHandle(r.booted, rec.handle)
}

// InBooted returns true if the record is on the booted list.
func (r *Registry) InBooted(rec *Record) bool {
	return rec.handle != NoHandle && containsHandle(r.booted, rec.handle)
}

// JobDetached wakes up everyone waiting for a job to leave a block.
func (r *Registry) JobDetached() {
	r.detached.Broadcast()
}

// WaitJobDetached waits until no job is running on the record, or the
// context is done. The registry lock is released while waiting.
func (r *Registry) WaitJobDetached(ctx context.Context, rec *Record) error {
	if rec.JobRunning <= JobNone {
		return nil
	}

	stop := context.AfterFunc(ctx, func() {
		r.Lock()
		defer r.Unlock()
		r.detached.Broadcast()
	})
	defer stop()

	for rec.JobRunning > JobNone {
		if err := ctx.Err(); err != nil {
			return err
		}
		log.Debug("waiting for job %d to leave block %s", rec.JobRunning, rec.Name())
		r.detached.Wait()
	}
	return nil
}

// LastUpdate returns the time of the last change to the registry.
func (r *Registry) LastUpdate() time.Time {
	return r.lastUpdate
}

// Touch marks the registry changed.
func (r *Registry) Touch() {
	r.touch()
}

func (r *Registry) touch() {
	r.lastUpdate = time.Now()
}

func (r *Registry) records(handles []Handle) []*Record {
	out := make([]*Record, 0, len(handles))
	for _, h := range handles {
		out = append(out, r.arena[h])
	}
	return out
}

func removeHandle(handles []Handle, h Handle) []Handle {
	for i, o := range handles {
		if o == h {
			return append(handles[:i], handles[i+1:]...)
		}
	}
	return handles
}

func containsHandle(handles []Handle, h Handle) bool {
	for _, o := range handles {
		if o == h {
			return true
		}
	}
	return false
}

// CompareSize orders blocks smallest first. Blocks of at least a
// midplane are ordered by node count, then all blocks by node list and
// by first I/O node.
func CompareSize(p *Params, a, b *Record) int {
	if a.NodeCnt >= p.BPNodeCnt || b.NodeCnt >= p.BPNodeCnt {
		if a.NodeCnt < b.NodeCnt {
			return -1
		}
		if a.NodeCnt > b.NodeCnt {
			return 1
		}
	}
	if c := strings.Compare(a.Nodes, b.Nodes); c != 0 {
		return c
	}
	fa, fb := a.Ionodes.First(), b.Ionodes.First()
	switch {
	case fa < fb:
		return -1
	case fa > fb:
		return 1
	}
	return 0
}

// CompareAvailability orders blocks earliest available first. Blocks in
// error go last, idle blocks before those running jobs, which are ordered
// by job end time.
func CompareAvailability(p *Params, a, b *Record) int {
	ea, eb := a.JobRunning == JobError, b.JobRunning == JobError
	switch {
	case ea && !eb:
		return 1
	case !ea && eb:
		return -1
	case a.Job == nil && b.Job != nil:
		return -1
	case a.Job != nil && b.Job == nil:
		return 1
	case a.Job != nil && b.Job != nil:
		if a.Job.EndTime.After(b.Job.EndTime) {
			return 1
		}
		if a.Job.EndTime.Before(b.Job.EndTime) {
			return -1
		}
	}
	return CompareSize(p, a, b)
}

func sortHandles(handles []Handle, arena map[Handle]*Record, cmp func(a, b *Record) int) {
	sort.SliceStable(handles, func(i, j int) bool {
		return cmp(arena[handles[i]], arena[handles[j]]) < 0
	})
}

// SortRecordsBySize orders a slice of records smallest first.
func SortRecordsBySize(p *Params, records []*Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return CompareSize(p, records[i], records[j]) < 0
	})
}

// SortRecordsByAvailability orders a slice of records earliest
// available first.
func SortRecordsByAvailability(p *Params, records []*Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return CompareAvailability(p, records[i], records[j]) < 0
	})
}
