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

// Package service is the boundary between the block allocator and the
// scheduler. It owns the registry, the mesh and the lifecycle manager,
// places jobs on blocks and keeps the registry in sync with the hardware.
package service

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/torusched/bgblock/pkg/apis/config/v1alpha1/bluegene"
	"github.com/torusched/bgblock/pkg/bluegene/block"
	"github.com/torusched/bgblock/pkg/bluegene/bridge"
	"github.com/torusched/bgblock/pkg/bluegene/dynamic"
	"github.com/torusched/bgblock/pkg/bluegene/lifecycle"
	"github.com/torusched/bgblock/pkg/bluegene/mesh"
	"github.com/torusched/bgblock/pkg/bluegene/smallblock"
	"github.com/torusched/bgblock/pkg/bluegene/state"
	"github.com/torusched/bgblock/pkg/config"
	logger "github.com/torusched/bgblock/pkg/log"
	"github.com/torusched/bgblock/pkg/metrics"
	"github.com/torusched/bgblock/pkg/utils/bitmap"
)

var log = logger.Get("service")

var (
	// ErrCannotPlaceNow is returned for jobs which may fit later.
	ErrCannotPlaceNow = errors.New("cannot place job now")
	// ErrNeverPlaceable is returned for jobs no block can ever fit.
	ErrNeverPlaceable = errors.New("job can never be placed")
	// ErrNotSupported is returned for operations the hardware can't do.
	ErrNotSupported = errors.New("not supported")
	// ErrUnknownJob is returned for jobs not running on any block.
	ErrUnknownJob = errors.New("unknown job")
	// ErrInvalidRequest is returned for malformed job requests.
	ErrInvalidRequest = errors.New("invalid job request")
)

const (
	// MetricsGroup is the metrics group of the block collector.
	MetricsGroup = "bluegene"
	// healthCheckerName is the name of our health checker.
	healthCheckerName = "bluegene"
	// maxQueryFailures is the number of failed topology queries in a
	// row after which we consider ourselves non-functional.
	maxQueryFailures = 3
)

// Service places jobs on blocks.
type Service struct {
	// serializes allocation, commits and hardware reconciliation
	sync.Mutex

	params   *block.Params
	reg      *block.Registry
	sys      *mesh.System
	alloc    *dynamic.Allocator
	mgr      *lifecycle.Manager
	hw       bridge.HardwareBridge
	stateDir string
	metrics  *metrics.Registry

	pollInterval   time.Duration
	healthInterval time.Duration

	// protected by the service lock
	down      bitmap.Bitmap
	nodecards map[int]bitmap.Bitmap

	stats *outcomes

	// protected by the health lock
	health   sync.Mutex
	failures int
	lastSave time.Time

	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option is an option for New.
type Option func(*Service)

// WithStateDir overrides the configured state directory. An empty
// directory disables saving and restoring state.
func WithStateDir(dir string) Option {
	return func(s *Service) {
		s.stateDir = dir
	}
}

// WithPollIntervals overrides the configured polling intervals.
func WithPollIntervals(blocks, health time.Duration) Option {
	return func(s *Service) {
		s.pollInterval = blocks
		s.healthInterval = health
	}
}

// WithMetrics registers the block collector in the given registry.
func WithMetrics(r *metrics.Registry) Option {
	return func(s *Service) {
		s.metrics = r
	}
}

// New creates the service for the given machine. In the static and
// overlap layouts the configured blocks are created. Saved state is
// restored if there is any.
func New(ctx context.Context, cfg *bluegene.Config, hw bridge.HardwareBridge, notify lifecycle.Notifier, opts ...Option) (*Service, error) {
	p, err := block.NewParams(cfg)
	if err != nil {
		return nil, err
	}

	s := &Service{
		params:         p,
		reg:            block.NewRegistry(p),
		sys:            mesh.New(p.Dims, p.NodePrefix),
		hw:             hw,
		stateDir:       cfg.StateDir,
		pollInterval:   cfg.PollInterval.Duration,
		healthInterval: cfg.HealthPollInterval.Duration,
		down:           bitmap.New(),
		nodecards:      make(map[int]bitmap.Bitmap),
		stats:          newOutcomes(),
	}
	s.alloc = dynamic.New(p, s.sys, s.reg)
	s.mgr = lifecycle.New(s.reg, hw, notify)

	for _, o := range opts {
		o(s)
	}
	if s.pollInterval <= 0 {
		s.pollInterval = config.DefaultPollInterval
	}
	if s.healthInterval <= 0 {
		s.healthInterval = config.DefaultHealthPollInterval
	}

	if !p.Dynamic() {
		records, err := smallblock.BuildStaticBlocks(p, cfg.Blocks)
		if err != nil {
			return nil, err
		}
		if _, err := s.mgr.Configure(ctx, records); err != nil {
			return nil, err
		}
		log.Info("created %d configured blocks", len(records))
	}

	if err := s.restore(ctx); err != nil {
		return nil, err
	}

	if s.metrics != nil {
		if err := s.metrics.Register("blocks", newCollector(s), metrics.WithGroup(MetricsGroup)); err != nil {
			return nil, err
		}
	}

	return s, nil
}

func (s *Service) restore(ctx context.Context) error {
	if s.stateDir == "" {
		return nil
	}

	snap, err := state.Load(s.stateDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Info("no saved state in %s", s.stateDir)
			return nil
		}
		log.Warn("ignoring saved state: %v", err)
		return nil
	}

	return state.Apply(ctx, s.mgr, s.reg, snap)
}

// Params returns the machine parameters.
func (s *Service) Params() *block.Params {
	return s.params
}

// Manager returns the lifecycle manager, for administrative block
// state changes.
func (s *Service) Manager() *lifecycle.Manager {
	return s.mgr
}

// Blocks returns copies of all blocks.
func (s *Service) Blocks() []*block.Record {
	s.reg.Lock()
	defer s.reg.Unlock()
	return s.reg.Copy()
}

// Midplanes returns the status of every midplane.
func (s *Service) Midplanes() []lifecycle.MidplaneStatus {
	s.reg.Lock()
	defer s.reg.Unlock()
	return s.mgr.Midplanes()
}

// Save writes the blocks worth keeping to the state directory.
func (s *Service) Save(ctx context.Context) error {
	if s.stateDir == "" {
		return nil
	}

	s.reg.Lock()
	records := state.Select(s.reg)
	saved := s.reg.LastUpdate()
	s.reg.Unlock()

	if err := state.Save(ctx, s.stateDir, records); err != nil {
		return err
	}

	s.health.Lock()
	s.lastSave = saved
	s.health.Unlock()
	return nil
}

// saveIfChanged saves state if the registry changed since the last save.
func (s *Service) saveIfChanged(ctx context.Context) {
	if s.stateDir == "" {
		return
	}

	s.reg.Lock()
	changed := s.reg.LastUpdate()
	s.reg.Unlock()

	s.health.Lock()
	last := s.lastSave
	s.health.Unlock()

	if !changed.After(last) {
		return
	}
	if err := s.Save(ctx); err != nil {
		log.Error("failed to save state: %v", err)
	}
}
