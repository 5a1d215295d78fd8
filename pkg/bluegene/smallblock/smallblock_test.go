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

package smallblock_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/torusched/bgblock/pkg/apis/config/v1alpha1/bluegene"
	"github.com/torusched/bgblock/pkg/bluegene/block"
	"github.com/torusched/bgblock/pkg/bluegene/geometry"
	. "github.com/torusched/bgblock/pkg/bluegene/smallblock"
	"github.com/torusched/bgblock/pkg/utils/bitmap"
)

func testConfig(family bluegene.Family, numpsets int) *bluegene.Config {
	return &bluegene.Config{
		Family:                 family,
		LayoutMode:             bluegene.LayoutDynamic,
		Backend:                bluegene.BackendSimulated,
		Dimensions:             []int{4, 4, 4},
		NodePrefix:             "bg",
		BasePartitionNodeCount: 512,
		NodeCardNodeCount:      32,
		IonodesPerMidplane:     numpsets,
		CPUsPerNode:            4,
		SystemUser:             "slurm",
		Images:                 bluegene.Images{Linux: "linux.img", Mloader: "mloader.img"},
	}
}

func testParams(t *testing.T, family bluegene.Family, numpsets int) *block.Params {
	p, err := block.NewParams(testConfig(family, numpsets))
	require.NoError(t, err)
	return p
}

func TestNormalize(t *testing.T) {
	type testCase struct {
		name     string
		family   bluegene.Family
		numpsets int
		req      Request
		expect   Request
		fail     bool
	}
	for _, tc := range []*testCase{
		{
			name:     "default split",
			family:   bluegene.FamilyP,
			numpsets: 32,
			expect:   Request{Small256: 2},
		},
		{
			name:     "mixed sizes",
			family:   bluegene.FamilyP,
			numpsets: 32,
			req:      Request{Small16: 2, Small32: 1, Small64: 1, Small128: 1, Small256: 1},
			expect:   Request{Small16: 2, Small32: 1, Small64: 1, Small128: 1, Small256: 1},
		},
		{
			name:     "sizes don't add up",
			family:   bluegene.FamilyP,
			numpsets: 32,
			req:      Request{Small128: 3},
			fail:     true,
		},
		{
			name:     "no I/O node per node card",
			family:   bluegene.FamilyP,
			numpsets: 8,
			req:      Request{Small32: 16},
			fail:     true,
		},
		{
			name:     "16 node blocks need 2 I/O nodes per node card",
			family:   bluegene.FamilyP,
			numpsets: 16,
			req:      Request{Small16: 32},
			fail:     true,
		},
		{
			name:     "64 node blocks need an I/O node per 2 node cards",
			family:   bluegene.FamilyP,
			numpsets: 4,
			req:      Request{Small64: 8},
			fail:     true,
		},
		{
			name:     "bgl default split",
			family:   bluegene.FamilyL,
			numpsets: 32,
			expect:   Request{Small128: 4},
		},
		{
			name:     "bgl mixed",
			family:   bluegene.FamilyL,
			numpsets: 32,
			req:      Request{Small32: 4, Small128: 3},
			expect:   Request{Small32: 4, Small128: 3},
		},
		{
			name:     "bgl rejects 256 node blocks",
			family:   bluegene.FamilyL,
			numpsets: 32,
			req:      Request{Small256: 2},
			fail:     true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p := testParams(t, tc.family, tc.numpsets)
			req := tc.req
			err := Normalize(p, &req)
			if tc.fail {
				require.Error(t, err)
				require.True(t, errors.Is(err, block.ErrInvalidConfig))
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expect, req)
		})
	}
}

func TestHandleRequest(t *testing.T) {
	p := testParams(t, bluegene.FamilyP, 32)
	parent, err := block.NewRecordFromNodeList(p, "bg123", geometry.ConnSmall)
	require.NoError(t, err)

	req := &Request{Small16: 2, Small32: 1, Small64: 1, Small128: 1, Small256: 1}
	records, err := HandleRequest(p, parent, req, 0)
	require.NoError(t, err)

	var names []string
	total := 0
	for _, r := range records {
		require.NoError(t, r.Validate(p))
		require.Equal(t, geometry.ConnSmall, r.Conn)
		require.Equal(t, r.NodeCnt*p.CPURatio, r.CPUCnt)
		names = append(names, r.NodeName())
		total += r.NodeCnt
	}
	require.Equal(t, p.BPNodeCnt, total)
	require.Equal(t, []string{
		"bg123[0]", "bg123[1]", "bg123[2-3]", "bg123[4-7]", "bg123[8-15]", "bg123[16-31]",
	}, names)

	_, err = HandleRequest(p, parent, &Request{Small256: 2}, 8)
	require.Error(t, err)
	require.True(t, errors.Is(err, block.ErrInvalidConfig))
}

func TestCreateSmallRecord(t *testing.T) {
	p := testParams(t, bluegene.FamilyP, 32)
	parent, err := block.NewRecordFromNodeList(p, "bg010", geometry.ConnSmall)
	require.NoError(t, err)
	parent.MeshNodes[0].Switches[geometry.X].Connect(geometry.PortMidplaneOut, geometry.PortCableOut)

	r := CreateSmallRecord(p, parent, bitmap.New(3), 16)
	require.Equal(t, "bg010", r.Nodes)
	require.Equal(t, "3", r.IonodeStr)
	require.Equal(t, 16, r.NodeCnt)
	require.Equal(t, 1, r.BPCount)
	require.Equal(t, block.JobNone, r.JobRunning)
	require.Equal(t, parent.Images, r.Images)
	require.Len(t, r.MeshNodes, 1)

	n := r.MeshNodes[0]
	require.True(t, n.Used)
	require.False(t, n.Switches[geometry.X].Used())
	require.False(t, n.Switches[geometry.X].IntWire[geometry.PortCableOut].Used)
	for _, d := range []int{geometry.Y, geometry.Z} {
		require.True(t, n.Switches[d].IntWire[geometry.PortCableOut].Used)
		require.True(t, n.Switches[d].IntWire[geometry.PortPassIn].Used)
	}
	// the parent is left alone
	require.True(t, parent.MeshNodes[0].Switches[geometry.X].Used())
}

func TestAddRecords(t *testing.T) {
	p := testParams(t, bluegene.FamilyP, 32)

	records, err := AddRecords(p, nil, &Request{Nodes: "bg[000x011]", Conn: geometry.ConnTorus}, false, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, 4, records[0].BPCount)
	require.Equal(t, "linux.img", records[0].Images.Linux)

	req := &Request{
		Nodes:  "bg[000x001]",
		Conn:   geometry.ConnSmall,
		Images: bluegene.Images{Linux: "custom.img"},
	}
	records, err = AddRecords(p, nil, req, false, 0)
	require.NoError(t, err)
	require.Len(t, records, 4)
	for i, r := range records {
		require.Equal(t, 256, r.NodeCnt)
		require.Equal(t, "custom.img", r.Images.Linux)
		require.Equal(t, "mloader.img", r.Images.Mloader)
		if i < 2 {
			require.Equal(t, "bg000", r.Nodes)
		} else {
			require.Equal(t, "bg001", r.Nodes)
		}
	}

	// unchecked requests start at the given I/O node
	records, err = AddRecords(p, nil, &Request{Nodes: "bg002", Conn: geometry.ConnSmall, Small32: 2}, true, 8)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "bg002[8-9]", records[0].NodeName())
	require.Equal(t, "bg002[10-11]", records[1].NodeName())

	_, err = AddRecords(p, nil, &Request{Nodes: "bg002", Conn: geometry.ConnSmall, Small32: 2}, false, 0)
	require.Error(t, err)
}

func TestBuildStaticBlocks(t *testing.T) {
	type testCase struct {
		name   string
		layout bluegene.LayoutMode
		blocks []bluegene.BlockConfig
		count  int
		fail   bool
	}
	for _, tc := range []*testCase{
		{
			name:   "whole and small",
			layout: bluegene.LayoutStatic,
			blocks: []bluegene.BlockConfig{
				{Nodes: "bg[000x111]", Connection: "torus"},
				{Nodes: "bg200", Connection: "small", Small128: 4},
			},
			count: 5,
		},
		{
			name:   "overlap in static layout",
			layout: bluegene.LayoutStatic,
			blocks: []bluegene.BlockConfig{
				{Nodes: "bg[000x111]", Connection: "torus"},
				{Nodes: "bg000", Connection: "torus"},
			},
			fail: true,
		},
		{
			name:   "overlap allowed in overlap layout",
			layout: bluegene.LayoutOverlap,
			blocks: []bluegene.BlockConfig{
				{Nodes: "bg[000x111]", Connection: "torus"},
				{Nodes: "bg000", Connection: "torus"},
			},
			count: 2,
		},
		{
			name:   "bad connection",
			layout: bluegene.LayoutStatic,
			blocks: []bluegene.BlockConfig{
				{Nodes: "bg000", Connection: "hypercube"},
			},
			fail: true,
		},
		{
			name:   "bad node list",
			layout: bluegene.LayoutStatic,
			blocks: []bluegene.BlockConfig{
				{Nodes: "bg009", Connection: "torus"},
			},
			fail: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(bluegene.FamilyP, 32)
			cfg.LayoutMode = tc.layout
			p, err := block.NewParams(cfg)
			require.NoError(t, err)

			records, err := BuildStaticBlocks(p, tc.blocks)
			if tc.fail {
				require.Error(t, err)
				require.True(t, errors.Is(err, block.ErrInvalidConfig))
				return
			}
			require.NoError(t, err)
			require.Len(t, records, tc.count)
			for _, r := range records {
				require.NoError(t, r.Validate(p))
			}
		})
	}
}
