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

package lifecycle_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/torusched/bgblock/pkg/apis/config/v1alpha1/bluegene"
	"github.com/torusched/bgblock/pkg/bluegene/block"
)

// splitBG000 returns the blocks of bg000 split into node cards, with
// the node card at I/O nodes 6-7 in error.
func splitBG000() map[string]block.State {
	blocks := map[string]block.State{}
	for i := 0; i < 32; i += 2 {
		blocks[fmt.Sprintf("bg000[%d-%d]", i, i+1)] = block.StateFree
	}
	blocks["bg000[6-7]"] = block.StateError
	return blocks
}

func TestDownNodecardCoveringBlocks(t *testing.T) {
	type testCase struct {
		name    string
		layout  bluegene.LayoutMode
		records func(*testSetup) []*block.Record
		blocks  map[string]block.State
		events  []string
	}
	for _, tc := range []*testCase{
		{
			name:   "dynamic block over two midplanes",
			layout: bluegene.LayoutDynamic,
			records: func(s *testSetup) []*block.Record {
				return []*block.Record{s.whole(t, "bg[000x100]")}
			},
			blocks: splitBG000(),
			events: []string{"down bg000 128"},
		},
		{
			name:   "dynamic block over two midplanes next to a midplane block",
			layout: bluegene.LayoutDynamic,
			records: func(s *testSetup) []*block.Record {
				return []*block.Record{s.whole(t, "bg[000x100]"), s.whole(t, "bg100")}
			},
			blocks: func() map[string]block.State {
				blocks := splitBG000()
				blocks["bg100"] = block.StateFree
				return blocks
			}(),
			events: []string{"down bg000 128"},
		},
		{
			name:   "small blocks on the node card are combined",
			layout: bluegene.LayoutDynamic,
			records: func(s *testSetup) []*block.Record {
				return []*block.Record{
					s.small(t, "bg000", 16, 0),
					s.small(t, "bg000", 16, 7),
					s.small(t, "bg000", 32, 8),
				}
			},
			blocks: map[string]block.State{
				"bg000[0]":   block.StateFree,
				"bg000[6-7]": block.StateError,
				"bg000[8-9]": block.StateFree,
			},
			events: []string{"down bg000 128"},
		},
		{
			name:   "static block over two midplanes drains the midplane",
			layout: bluegene.LayoutStatic,
			records: func(s *testSetup) []*block.Record {
				return []*block.Record{s.whole(t, "bg[000x100]")}
			},
			blocks: map[string]block.State{
				"bg[000x100]": block.StateFree,
			},
			events: []string{"drain bg000"},
		},
		{
			name:   "overlap layout puts the smallest covering block in error",
			layout: bluegene.LayoutOverlap,
			records: func(s *testSetup) []*block.Record {
				return []*block.Record{
					s.whole(t, "bg[000x100]"),
					s.whole(t, "bg000"),
					s.small(t, "bg000", 128, 0),
				}
			},
			blocks: map[string]block.State{
				"bg[000x100]": block.StateFree,
				"bg000":       block.StateFree,
				"bg000[0-7]":  block.StateError,
			},
			events: []string{"down bg000 512"},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestSetup(t, tc.layout)
			s.configure(t, tc.records(s)...)

			require.NoError(t, s.mgr.DownNodecard(context.Background(), "bg000", 6, ""))

			require.Equal(t, tc.blocks, s.blocks())
			require.Len(t, s.hw.BlockIDs(), len(tc.blocks))

			events := s.events.get()
			require.Len(t, events, len(tc.events)+countErrors(tc.blocks))
			for _, e := range tc.events {
				require.Contains(t, events, e)
			}

			s.reg.Lock()
			for _, r := range s.reg.Main() {
				require.NoError(t, r.Validate(s.params), r.NodeName())
			}
			s.reg.Unlock()
		})
	}
}

func countErrors(blocks map[string]block.State) int {
	cnt := 0
	for _, state := range blocks {
		if state == block.StateError {
			cnt++
		}
	}
	return cnt
}
