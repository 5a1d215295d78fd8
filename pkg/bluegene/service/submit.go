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

package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/torusched/bgblock/pkg/apis/config/v1alpha1/bluegene"
	"github.com/torusched/bgblock/pkg/bluegene/block"
	"github.com/torusched/bgblock/pkg/bluegene/dynamic"
	"github.com/torusched/bgblock/pkg/bluegene/geometry"
	"github.com/torusched/bgblock/pkg/bluegene/mesh"
	"github.com/torusched/bgblock/pkg/instrumentation/tracing"
	"github.com/torusched/bgblock/pkg/utils/bitmap"
)

// Mode tells Submit what to do with a placement.
type Mode int

const (
	// RunNow places the job and attaches it to its block.
	RunNow Mode = iota
	// TestOnly checks if the job could be placed now.
	TestOnly
	// WillRun estimates when the job could be placed.
	WillRun
)

func (m Mode) String() string {
	switch m {
	case RunNow:
		return "run-now"
	case TestOnly:
		return "test-only"
	case WillRun:
		return "will-run"
	}
	return fmt.Sprintf("<mode %d>", int(m))
}

// JobRequest is what the scheduler asks for.
type JobRequest struct {
	JobID int
	User  string
	// Nodes is the minimum number of compute nodes.
	Nodes int
	// MaxNodes, if set, is the maximum number of compute nodes.
	MaxNodes int
	// Procs, if set, is the number of cpus.
	Procs int
	// Geometry, if set, is the exact shape in midplanes.
	Geometry *geometry.Shape
	// Conn is the connection type, ConnNav leaves it to us.
	Conn     geometry.ConnType
	Rotate   bool
	Elongate bool
	// Avail, if not empty, are the midplanes the job may use.
	Avail  bitmap.Bitmap
	Images bluegene.Images
	// TimeLimit is the expected run time of the job.
	TimeLimit time.Duration
}

// Placement is where, and for WillRun when, a job runs.
type Placement struct {
	// BlockID is empty for blocks which would be created.
	BlockID   string
	Nodes     string
	Ionodes   string
	NodeCnt   int
	Conn      geometry.ConnType
	StartTime time.Time
}

func newPlacement(rec *block.Record, start time.Time) *Placement {
	return &Placement{
		BlockID:   rec.ID,
		Nodes:     rec.Nodes,
		Ionodes:   rec.IonodeStr,
		NodeCnt:   rec.NodeCnt,
		Conn:      rec.Conn,
		StartTime: start,
	}
}

// Submit places a job. Jobs which don't fit right now fail with
// ErrCannotPlaceNow, jobs which never fit with ErrNeverPlaceable.
func (s *Service) Submit(ctx context.Context, req *JobRequest, mode Mode) (pl *Placement, retErr error) {
	ctx, span := tracing.StartSpan(ctx, "Submit",
		tracing.WithAttributes(
			tracing.Attribute("job", req.JobID),
			tracing.Attribute("mode", mode.String()),
		),
	)
	defer func() { span.End(tracing.WithStatus(retErr)) }()

	cnodes, err := s.requestSize(req)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(tracing.Attribute("nodes", cnodes))

	s.Lock()
	defer s.Unlock()

	switch mode {
	case RunNow:
		pl, err = s.placeNow(ctx, req, cnodes, true)
	case TestOnly:
		pl, err = s.placeNow(ctx, req, cnodes, false)
	case WillRun:
		pl, err = s.willRun(ctx, req, cnodes)
	default:
		return nil, fmt.Errorf("%w: unknown mode %d", ErrInvalidRequest, mode)
	}

	if err != nil {
		log.Debug("job %d (%d nodes, %s): %v", req.JobID, cnodes, mode, err)
		return nil, err
	}

	log.Info("job %d (%d nodes, %s): block %s on %s, start %s", req.JobID, cnodes, mode,
		pl.BlockID, pl.Nodes, pl.StartTime.Format(time.RFC3339))
	return pl, nil
}

// requestSize returns the size of the block a job needs, rounded up to
// a size blocks can have.
func (s *Service) requestSize(req *JobRequest) (int, error) {
	p := s.params
	rank := p.Dims.Rank()

	cnodes := req.Nodes
	if req.Procs > 0 {
		if n := (req.Procs + p.CPURatio - 1) / p.CPURatio; n > cnodes {
			cnodes = n
		}
	}
	if req.Geometry != nil {
		mreq := &mesh.Request{Geometry: req.Geometry, Rotate: req.Rotate}
		if err := mesh.NewRequest(p.Dims, mreq); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrNeverPlaceable, err)
		}
		if n := req.Geometry.Volume(rank) * p.BPNodeCnt; n > cnodes {
			cnodes = n
		}
	}
	if cnodes <= 0 {
		return 0, fmt.Errorf("%w: no nodes requested", ErrInvalidRequest)
	}

	if total := p.Dims.Count() * p.BPNodeCnt; cnodes > total {
		return 0, fmt.Errorf("%w: %d nodes requested, the machine has %d", ErrNeverPlaceable, cnodes, total)
	}

	size := 0
	if cnodes < p.BPNodeCnt {
		for _, small := range p.SmallSizes() {
			if small >= p.SmallestBlock && small >= cnodes {
				size = small
				break
			}
		}
	}
	if size == 0 {
		size = (cnodes + p.BPNodeCnt - 1) / p.BPNodeCnt * p.BPNodeCnt
	}

	if req.MaxNodes > 0 && size > req.MaxNodes {
		return 0, fmt.Errorf("%w: no block between %d and %d nodes", ErrNeverPlaceable, cnodes, req.MaxNodes)
	}
	return size, nil
}

// placeNow places a job on an idle block, or in the dynamic layout on a
// block created for it. Blocks are only created, and the job attached,
// if commit is set.
func (s *Service) placeNow(ctx context.Context, req *JobRequest, cnodes int, commit bool) (*Placement, error) {
	now := time.Now()

	s.reg.Lock()
	avail := s.eligible(req)
	records := s.reg.Main()
	for _, rec := range records {
		if !idle(rec) || !s.matches(rec, req, cnodes, avail) {
			continue
		}
		if commit {
			s.mgr.AttachJob(rec, s.newJob(req, now))
			s.stats.add(dynamic.PassReuse)
		}
		pl := newPlacement(rec, now)
		s.reg.Unlock()
		return pl, nil
	}

	if !s.params.Dynamic() {
		fits := false
		for _, rec := range records {
			if s.matches(rec, req, cnodes, bitmap.New()) {
				fits = true
				break
			}
		}
		s.reg.Unlock()
		if !fits {
			return nil, fmt.Errorf("%w: no configured block of %d nodes", ErrNeverPlaceable, cnodes)
		}
		return nil, fmt.Errorf("%w: no idle block of %d nodes", ErrCannotPlaceNow, cnodes)
	}

	copies := s.reg.Copy()
	s.reg.Unlock()

	res, err := s.allocate(ctx, req, cnodes, avail, copies)
	if err != nil {
		if commit {
			s.stats.add(dynamic.PassNone)
		}
		return nil, err
	}

	if !commit {
		if res.Reused != nil {
			return newPlacement(res.Reused, now), nil
		}
		target := sizedBlock(res.Blocks, cnodes)
		if target == nil {
			return nil, fmt.Errorf("%w: no %d node block in allocation", ErrCannotPlaceNow, cnodes)
		}
		return newPlacement(target, now), nil
	}

	pl, err := s.commit(ctx, req, cnodes, res, now)
	if err != nil {
		s.stats.add(dynamic.PassNone)
		return nil, err
	}
	s.stats.add(res.Pass)
	return pl, nil
}

// allocate runs the dynamic allocator on copies of the blocks.
func (s *Service) allocate(ctx context.Context, req *JobRequest, cnodes int, avail bitmap.Bitmap, copies []*block.Record) (res *dynamic.Result, retErr error) {
	p := s.params

	_, span := tracing.StartSpan(ctx, "Allocate", tracing.WithAttributes(tracing.Attribute("nodes", cnodes)))
	defer func() {
		if res != nil {
			span.SetAttributes(tracing.Attribute("pass", res.Pass.String()))
		}
		span.End(tracing.WithStatus(retErr))
	}()

	mreq := &mesh.Request{
		Geometry: req.Geometry,
		Conn:     req.Conn,
		Rotate:   req.Rotate,
		Elongate: req.Elongate,
		Avail:    avail,
		Images:   req.Images,
	}
	switch {
	case cnodes < p.BPNodeCnt:
		mreq.Size = 1
		mreq.Procs = cnodes * p.CPURatio
	case req.Geometry == nil:
		mreq.Size = cnodes / p.BPNodeCnt
	}

	res, err := s.alloc.Allocate(mreq, copies, copies, p.TrackDownNodes)
	if err != nil {
		if errors.Is(err, dynamic.ErrInterconnect) {
			return nil, fmt.Errorf("%w: %v", ErrCannotPlaceNow, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrNeverPlaceable, err)
	}
	return res, nil
}

// commit creates the blocks of an allocation and attaches the job to
// the one of the requested size. Idle blocks in the way are freed.
// Blocks which already exist are used as they are.
func (s *Service) commit(ctx context.Context, req *JobRequest, cnodes int, res *dynamic.Result, now time.Time) (*Placement, error) {
	if res.Reused != nil {
		s.reg.Lock()
		defer s.reg.Unlock()
		rec := s.reg.Original(res.Reused)
		if rec == nil || !idle(rec) {
			return nil, fmt.Errorf("%w: block %s changed during allocation", ErrCannotPlaceNow, res.Reused.Name())
		}
		s.mgr.AttachJob(rec, s.newJob(req, now))
		return newPlacement(rec, now), nil
	}

	var (
		target = sizedBlock(res.Blocks, cnodes)
		create []*block.Record
		free   []*block.Record
	)
	if target == nil {
		return nil, fmt.Errorf("%w: no %d node block in allocation", ErrCannotPlaceNow, cnodes)
	}

	s.reg.Lock()
	existing := s.reg.Main()
	for _, nb := range res.Blocks {
		if dup := s.reg.FindByContent(nb); dup != nil {
			if nb == target {
				if !idle(dup) {
					s.reg.Unlock()
					return nil, fmt.Errorf("%w: block %s is busy", ErrCannotPlaceNow, dup.Name())
				}
				target = dup
			}
			continue
		}

		var (
			overlaps []*block.Record
			busy     *block.Record
		)
		for _, rec := range existing {
			if !block.Overlaps(rec, nb) {
				continue
			}
			if rec.JobRunning != block.JobNone || rec.FreeCnt > 0 {
				busy = rec
				break
			}
			overlaps = append(overlaps, rec)
		}
		if busy != nil {
			if nb == target {
				s.reg.Unlock()
				return nil, fmt.Errorf("%w: block %s is in the way", ErrCannotPlaceNow, busy.Name())
			}
			log.Debug("not creating %s, %s is in the way", nb.NodeName(), busy.Name())
			continue
		}
		create = append(create, nb)
		for _, rec := range overlaps {
			free = appendUnique(free, rec)
		}
	}
	s.reg.Unlock()

	if len(free) > 0 {
		log.Info("freeing %d blocks superseded by %s", len(free), target.NodeName())
		if err := s.mgr.FreeBlocks(ctx, free, "superseded by a new block"); err != nil {
			log.Warn("failed to free superseded blocks: %v", err)
		}
	}
	if len(create) > 0 {
		if _, err := s.mgr.Configure(ctx, create); err != nil {
			log.Error("failed to create blocks: %v", err)
		}
	}

	s.reg.Lock()
	defer s.reg.Unlock()
	if !s.reg.Exists(target) || !idle(target) {
		return nil, fmt.Errorf("%w: block %s could not be created", ErrCannotPlaceNow, target.NodeName())
	}
	s.mgr.AttachJob(target, s.newJob(req, now))
	return newPlacement(target, now), nil
}

// willRun estimates the earliest start of a job, assuming running jobs
// end in time.
func (s *Service) willRun(ctx context.Context, req *JobRequest, cnodes int) (*Placement, error) {
	pl, err := s.placeNow(ctx, req, cnodes, false)
	if err == nil || !errors.Is(err, ErrCannotPlaceNow) {
		return pl, err
	}

	s.reg.Lock()
	avail := s.eligible(req)
	copies := s.reg.Copy()
	s.reg.Unlock()

	var ends []time.Time
	for _, c := range copies {
		if c.JobRunning > block.JobNone && c.Job != nil && !c.Job.EndTime.IsZero() {
			ends = append(ends, c.Job.EndTime)
		}
	}
	sort.Slice(ends, func(i, j int) bool { return ends[i].Before(ends[j]) })

	for _, end := range ends {
		for _, c := range copies {
			if c.JobRunning > block.JobNone && c.Job != nil && !c.Job.EndTime.After(end) {
				c.JobRunning = block.JobNone
				c.Job = nil
			}
		}

		if !s.params.Dynamic() {
			for _, c := range copies {
				if idle(c) && s.matches(c, req, cnodes, avail) {
					return newPlacement(c, end), nil
				}
			}
			continue
		}

		res, err := s.allocate(ctx, req, cnodes, avail, copies)
		if err != nil {
			if errors.Is(err, ErrNeverPlaceable) {
				return nil, err
			}
			continue
		}
		target := res.Reused
		if target == nil {
			target = sizedBlock(res.Blocks, cnodes)
		}
		if target != nil {
			return newPlacement(target, end), nil
		}
	}

	return nil, fmt.Errorf("%w: not even after running jobs end", ErrCannotPlaceNow)
}

// JobBegin marks the block of a job booted.
func (s *Service) JobBegin(_ context.Context, jobID int) error {
	s.reg.Lock()
	defer s.reg.Unlock()

	rec := s.findJob(jobID)
	if rec == nil {
		return fmt.Errorf("%w: %d", ErrUnknownJob, jobID)
	}
	if rec.State == block.StateError {
		return fmt.Errorf("%w: block %s of job %d is in error", block.ErrInvalidState, rec.Name(), jobID)
	}

	rec.State = block.StateReady
	rec.BootCount++
	s.reg.AddBooted(rec)
	s.reg.Touch()
	log.Info("job %d started on block %s", jobID, rec.Name())
	return nil
}

// OnJobTerminate takes a finished job off its block. The block stays
// booted for the next job.
func (s *Service) OnJobTerminate(_ context.Context, jobID int) error {
	s.reg.Lock()
	defer s.reg.Unlock()

	rec := s.findJob(jobID)
	if rec == nil {
		return fmt.Errorf("%w: %d", ErrUnknownJob, jobID)
	}
	s.mgr.DetachJob(rec)
	rec.UserName = s.params.SystemUser
	rec.TargetName = s.params.SystemUser
	log.Info("job %d finished on block %s", jobID, rec.Name())
	return nil
}

// OnJobSuspend is not possible on this hardware.
func (s *Service) OnJobSuspend(_ context.Context, jobID int) error {
	return fmt.Errorf("%w: suspending job %d", ErrNotSupported, jobID)
}

// OnJobResume is not possible on this hardware.
func (s *Service) OnJobResume(_ context.Context, jobID int) error {
	return fmt.Errorf("%w: resuming job %d", ErrNotSupported, jobID)
}

// findJob returns the block running a job. Must be called with the
// registry locked.
func (s *Service) findJob(jobID int) *block.Record {
	if jobID <= block.JobNone {
		return nil
	}
	for _, rec := range s.reg.JobRunning() {
		if rec.JobRunning == jobID {
			return rec
		}
	}
	return nil
}

func (s *Service) newJob(req *JobRequest, now time.Time) *block.Job {
	job := &block.Job{ID: req.JobID, User: req.User}
	if req.TimeLimit > 0 {
		job.EndTime = now.Add(req.TimeLimit)
	}
	return job
}

// eligible returns the midplanes a job may use, leaving out drained
// ones. Must be called with the registry locked.
func (s *Service) eligible(req *JobRequest) bitmap.Bitmap {
	var drained []int
	for inx, mp := range s.mgr.Midplanes() {
		if mp.Drained {
			drained = append(drained, inx)
		}
	}
	if len(drained) == 0 {
		return req.Avail
	}

	avail := req.Avail
	if avail.IsEmpty() {
		avail = bitmap.New().Complement(s.params.Dims.Count())
	}
	return avail.Difference(bitmap.New(drained...))
}

// matches returns true if a block is what a job asks for.
func (s *Service) matches(rec *block.Record, req *JobRequest, cnodes int, avail bitmap.Bitmap) bool {
	p := s.params
	if rec.NodeCnt != cnodes {
		return false
	}
	if !avail.IsEmpty() && !rec.Bitmap.IsSubsetOf(avail) {
		return false
	}
	if cnodes < p.BPNodeCnt {
		return true
	}
	if req.Conn != geometry.ConnNav && rec.Conn != req.Conn {
		return false
	}
	if req.Geometry != nil && !sameShape(rec.Geo, *req.Geometry, p.Dims.Rank(), req.Rotate) {
		return false
	}
	return true
}

// idle returns true if a job could be started on a block right away.
func idle(rec *block.Record) bool {
	if rec.FreeCnt > 0 || rec.JobRunning != block.JobNone {
		return false
	}
	switch rec.State {
	case block.StateError, block.StateDeallocating, block.StateNAV:
		return false
	}
	return true
}

func sameShape(a, b geometry.Shape, rank int, rotate bool) bool {
	if !rotate {
		for d := 0; d < rank; d++ {
			if a[d] != b[d] {
				return false
			}
		}
		return true
	}
	as, bs := make([]int, rank), make([]int, rank)
	for d := 0; d < rank; d++ {
		as[d], bs[d] = a[d], b[d]
	}
	sort.Ints(as)
	sort.Ints(bs)
	for d := range as {
		if as[d] != bs[d] {
			return false
		}
	}
	return true
}

// sizedBlock returns the first block of the given size.
func sizedBlock(records []*block.Record, cnodes int) *block.Record {
	for _, rec := range records {
		if rec.NodeCnt == cnodes {
			return rec
		}
	}
	return nil
}

func appendUnique(list []*block.Record, rec *block.Record) []*block.Record {
	for _, r := range list {
		if r == rec {
			return list
		}
	}
	return append(list, rec)
}
