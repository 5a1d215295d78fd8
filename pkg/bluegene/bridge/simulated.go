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

package bridge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/torusched/bgblock/pkg/bluegene/block"
	"github.com/torusched/bgblock/pkg/bluegene/geometry"
	logger "github.com/torusched/bgblock/pkg/log"
)

var log = logger.Get("bridge")

// Simulated is an in-memory control system. Faults can be injected for
// testing.
type Simulated struct {
	sync.Mutex
	dims      geometry.Dims
	blocks    map[string]*simBlock
	down      map[int]bool
	nodecards map[int]map[int]bool
	failNext  map[string]error
}

type simBlock struct {
	spec  *BlockSpec
	state block.State
}

var _ HardwareBridge = &Simulated{}

// NewSimulated creates a simulated control system for a machine.
func NewSimulated(dims geometry.Dims) *Simulated {
	return &Simulated{
		dims:      dims,
		blocks:    make(map[string]*simBlock),
		down:      make(map[int]bool),
		nodecards: make(map[int]map[int]bool),
		failNext:  make(map[string]error),
	}
}

// Configure implements HardwareBridge. Blocks are created free.
func (s *Simulated) Configure(_ context.Context, spec *BlockSpec) (string, error) {
	s.Lock()
	defer s.Unlock()

	if err := s.injected("configure"); err != nil {
		return "", err
	}

	id := newBlockID()
	s.blocks[id] = &simBlock{spec: spec, state: block.StateFree}
	log.Debug("configured block %s on %s", id, spec.Nodes)
	return id, nil
}

// Free implements HardwareBridge.
func (s *Simulated) Free(_ context.Context, id string) error {
	s.Lock()
	defer s.Unlock()

	if err := s.injected("free"); err != nil {
		return err
	}
	if _, ok := s.blocks[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBlock, id)
	}
	delete(s.blocks, id)
	log.Debug("freed block %s", id)
	return nil
}

// QueryTopology implements HardwareBridge.
func (s *Simulated) QueryTopology(_ context.Context) (*Topology, error) {
	s.Lock()
	defer s.Unlock()

	if err := s.injected("query"); err != nil {
		return nil, err
	}

	t := &Topology{
		Time:   time.Now(),
		Blocks: make(map[string]block.State, len(s.blocks)),
	}
	for inx := 0; inx < s.dims.Count(); inx++ {
		t.Midplanes = append(t.Midplanes, MidplaneHealth{
			Coord:         s.dims.Coord(inx),
			Down:          s.down[inx],
			DownNodecards: sortedNodecards(s.nodecards[inx]),
		})
	}
	for id, b := range s.blocks {
		t.Blocks[id] = b.state
	}
	return t, nil
}

// SetMidplaneDown marks a midplane down or up.
func (s *Simulated) SetMidplaneDown(c geometry.Coord, down bool) {
	s.Lock()
	defer s.Unlock()
	s.down[s.dims.Index(c)] = down
}

// SetNodecardDown marks a node card of a midplane down or up.
func (s *Simulated) SetNodecardDown(c geometry.Coord, nodecard int, down bool) {
	s.Lock()
	defer s.Unlock()
	inx := s.dims.Index(c)
	if s.nodecards[inx] == nil {
		s.nodecards[inx] = make(map[int]bool)
	}
	s.nodecards[inx][nodecard] = down
}

// SetBlockState changes the state of a block as the hardware would.
func (s *Simulated) SetBlockState(id string, state block.State) error {
	s.Lock()
	defer s.Unlock()
	b, ok := s.blocks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBlock, id)
	}
	b.state = state
	return nil
}

// FailNext makes the next call of the given operation ("configure",
// "free" or "query") fail with err.
func (s *Simulated) FailNext(op string, err error) {
	s.Lock()
	defer s.Unlock()
	s.failNext[op] = err
}

// BlockIDs returns the IDs of the blocks in the control system.
func (s *Simulated) BlockIDs() []string {
	s.Lock()
	defer s.Unlock()
	ids := make([]string, 0, len(s.blocks))
	for id := range s.blocks {
		ids = append(ids, id)
	}
	return ids
}

// Spec returns the spec a block was configured with.
func (s *Simulated) Spec(id string) (*BlockSpec, bool) {
	s.Lock()
	defer s.Unlock()
	b, ok := s.blocks[id]
	if !ok {
		return nil, false
	}
	return b.spec, true
}

func (s *Simulated) injected(op string) error {
	err, ok := s.failNext[op]
	if !ok {
		return nil
	}
	delete(s.failNext, op)
	return err
}

func newBlockID() string {
	u := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return "RMP" + u[:12]
}
