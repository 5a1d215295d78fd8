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
	"fmt"
	"time"

	"github.com/torusched/bgblock/pkg/bluegene/block"
	"github.com/torusched/bgblock/pkg/healthz"
	"github.com/torusched/bgblock/pkg/utils/bitmap"
)

// Start starts polling the hardware for block states and health.
func (s *Service) Start() error {
	if s.stop != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.stop = make(chan struct{})
	s.cancel = cancel

	healthz.RegisterHealthChecker(healthCheckerName, s.checkHealth)

	s.wg.Add(2)
	go s.poller("block status", s.pollInterval, s.stop, func() { s.PollBlocks(ctx) })
	go s.poller("health", s.healthInterval, s.stop, func() { s.PollHealth(ctx) })

	log.Info("polling block status every %s, health every %s", s.pollInterval, s.healthInterval)
	return nil
}

// Stop stops polling, waits for the pollers to finish and saves state.
func (s *Service) Stop() {
	if s.stop == nil {
		return
	}

	close(s.stop)
	s.cancel()
	s.wg.Wait()
	s.stop = nil
	s.cancel = nil

	healthz.UnregisterHealthChecker(healthCheckerName)

	if err := s.Save(context.Background()); err != nil {
		log.Error("failed to save state: %v", err)
	}
	log.Info("stopped")
}

func (s *Service) poller(name string, interval time.Duration, stop <-chan struct{}, poll func()) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			log.Debug("%s poller stopped", name)
			return
		case <-ticker.C:
			poll()
		}
	}
}

// PollBlocks brings the blocks in line with the control system. Blocks
// the control system lost are dropped, blocks it reports deallocating
// are freed and blocks it reports in error are put in error. With real
// hardware the state of idle blocks is taken over as reported. Changes
// are saved.
func (s *Service) PollBlocks(ctx context.Context) error {
	topo, err := s.hw.QueryTopology(ctx)
	s.noteQuery(err)
	if err != nil {
		log.Warn("failed to query block states: %v", err)
		return err
	}

	s.Lock()
	var (
		lost    []*block.Record
		dealloc []*block.Record
		failed  []*block.Record
	)
	s.reg.Lock()
	for _, rec := range s.reg.Main() {
		if rec.ID == "" || rec.FreeCnt > 0 {
			continue
		}
		hwState, ok := topo.Blocks[rec.ID]
		switch {
		case !ok:
			lost = append(lost, rec)
		case hwState == rec.State:
		case rec.State == block.StateError:
			// stays in error until resumed
		case hwState == block.StateError:
			failed = append(failed, rec)
		case hwState == block.StateDeallocating && rec.JobRunning == block.JobNone:
			dealloc = append(dealloc, rec)
		case !s.params.Simulated && rec.JobRunning == block.JobNone:
			log.Debug("block %s changed from %s to %s", rec.Name(), rec.State, hwState)
			rec.State = hwState
			if hwState == block.StateFree {
				s.reg.RemoveBooted(rec)
			}
			s.reg.Touch()
		}
	}
	s.reg.Unlock()

	if len(lost) > 0 {
		log.Warn("%d blocks are gone from the control system", len(lost))
		if err := s.mgr.FreeBlocks(ctx, lost, "block gone from the control system"); err != nil {
			log.Error("failed to drop lost blocks: %v", err)
		}
	}
	if err := s.mgr.FreeBlocks(ctx, dealloc, "block deallocated"); err != nil {
		log.Error("failed to free deallocating blocks: %v", err)
	}
	s.Unlock()

	for _, rec := range failed {
		if err := s.mgr.RequeueAndError(ctx, rec, "block failed in the control system"); err != nil {
			log.Error("failed to put block %s in error: %v", rec.Name(), err)
		}
	}

	s.saveIfChanged(ctx)
	return nil
}

// PollHealth takes midplanes reported down out of service and puts them
// back when they come up. Node cards going down or up are passed on to
// the lifecycle manager.
func (s *Service) PollHealth(ctx context.Context) error {
	topo, err := s.hw.QueryTopology(ctx)
	s.noteQuery(err)
	if err != nil {
		log.Warn("failed to query hardware health: %v", err)
		return err
	}

	s.Lock()
	defer s.Unlock()

	p := s.params
	down := topo.DownMidplanes(p.Dims)

	s.reg.Lock()
	for inx := 0; inx < p.Dims.Count(); inx++ {
		was, is := s.down.Test(inx), down.Test(inx)
		switch {
		case is && !was:
			s.mgr.DrainMidplane(inx, "midplane down")
		case was && !is:
			s.mgr.UndrainMidplane(inx)
		}
	}
	s.down = down
	if p.TrackDownNodes {
		s.sys.SetDown(down)
	}
	s.reg.Unlock()

	ioCnt := p.NodecardIonodeCnt
	if ioCnt < 1 {
		ioCnt = 1
	}

	for _, mp := range topo.Midplanes {
		if mp.Down {
			continue
		}
		var (
			inx     = p.Dims.Index(mp.Coord)
			name    = p.NodeName(mp.Coord)
			now     = bitmap.New(mp.DownNodecards...)
			prev    = s.nodecards[inx]
			handled = prev
		)
		// node cards which failed to be handled are retried on the next poll
		for _, nc := range now.Difference(prev).List() {
			ioStart := int(float64(nc) * p.IORatio)
			if err := s.mgr.DownNodecard(ctx, name, ioStart, fmt.Sprintf("nodecard %d down", nc)); err != nil {
				log.Error("failed to handle node card %d of %s going down: %v", nc, name, err)
				continue
			}
			handled = handled.Set(nc)
		}
		for _, nc := range prev.Difference(now).List() {
			ioStart := int(float64(nc) * p.IORatio)
			if err := s.mgr.UpNodecard(name, bitmap.Range(ioStart, ioStart+ioCnt-1)); err != nil {
				log.Error("failed to handle node card %d of %s coming up: %v", nc, name, err)
				continue
			}
			handled = handled.Clear(nc)
		}
		s.nodecards[inx] = handled
	}

	return nil
}

func (s *Service) noteQuery(err error) {
	s.health.Lock()
	defer s.health.Unlock()
	if err != nil {
		s.failures++
	} else {
		s.failures = 0
	}
}

// checkHealth reports degraded service with blocks in error or drained
// midplanes, and no service without the control system.
func (s *Service) checkHealth() (healthz.Status, error) {
	s.health.Lock()
	failures := s.failures
	s.health.Unlock()

	if failures >= maxQueryFailures {
		return healthz.NonFunctional, fmt.Errorf("control system unreachable, %d failed queries", failures)
	}

	s.reg.Lock()
	inError := 0
	for _, rec := range s.reg.Main() {
		if rec.State == block.StateError {
			inError++
		}
	}
	drained := 0
	for _, mp := range s.mgr.Midplanes() {
		if mp.Drained {
			drained++
		}
	}
	s.reg.Unlock()

	if inError > 0 || drained > 0 {
		return healthz.Degraded, fmt.Errorf("%d blocks in error, %d midplanes drained", inError, drained)
	}
	return healthz.Healthy, nil
}
