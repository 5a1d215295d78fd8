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

package bridge_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/torusched/bgblock/pkg/bluegene/block"
	. "github.com/torusched/bgblock/pkg/bluegene/bridge"
	"github.com/torusched/bgblock/pkg/bluegene/geometry"
	"github.com/torusched/bgblock/pkg/utils/bitmap"
)

func TestSimulatedBlocks(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulated(geometry.MustDims(2, 2, 2))

	spec := &BlockSpec{Nodes: "bg000", Bitmap: bitmap.New(0), Conn: geometry.ConnTorus, NodeCnt: 512}
	id, err := sim.Configure(ctx, spec)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(id, "RMP"))
	require.Len(t, id, 15)

	other, err := sim.Configure(ctx, spec)
	require.NoError(t, err)
	require.NotEqual(t, id, other)

	got, ok := sim.Spec(id)
	require.True(t, ok)
	require.Same(t, spec, got)

	topo, err := sim.QueryTopology(ctx)
	require.NoError(t, err)
	require.Equal(t, block.StateFree, topo.Blocks[id])
	require.Len(t, topo.Midplanes, 8)

	require.NoError(t, sim.SetBlockState(id, block.StateReady))
	topo, err = sim.QueryTopology(ctx)
	require.NoError(t, err)
	require.Equal(t, block.StateReady, topo.Blocks[id])

	require.NoError(t, sim.Free(ctx, id))
	err = sim.Free(ctx, id)
	require.True(t, errors.Is(err, ErrUnknownBlock))
	require.Equal(t, []string{other}, sim.BlockIDs())
}

func TestSimulatedHealth(t *testing.T) {
	ctx := context.Background()
	dims := geometry.MustDims(2, 2, 2)
	sim := NewSimulated(dims)

	sim.SetMidplaneDown(geometry.NewCoord(1, 0, 1), true)
	sim.SetNodecardDown(geometry.NewCoord(0, 1, 0), 3, true)
	sim.SetNodecardDown(geometry.NewCoord(0, 1, 0), 1, true)
	sim.SetNodecardDown(geometry.NewCoord(0, 1, 0), 5, false)

	topo, err := sim.QueryTopology(ctx)
	require.NoError(t, err)
	require.Equal(t, bitmap.New(5), topo.DownMidplanes(dims))

	m, ok := topo.Midplane(geometry.NewCoord(0, 1, 0))
	require.True(t, ok)
	require.False(t, m.Down)
	require.Equal(t, []int{1, 3}, m.DownNodecards)

	sim.SetMidplaneDown(geometry.NewCoord(1, 0, 1), false)
	topo, err = sim.QueryTopology(ctx)
	require.NoError(t, err)
	require.True(t, topo.DownMidplanes(dims).IsEmpty())
}

func TestSimulatedFaults(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulated(geometry.MustDims(1, 1, 2))

	sim.FailNext("configure", ErrUnavailable)
	_, err := sim.Configure(ctx, &BlockSpec{Nodes: "bg000"})
	require.True(t, errors.Is(err, ErrUnavailable))
	_, err = sim.Configure(ctx, &BlockSpec{Nodes: "bg000"})
	require.NoError(t, err)

	sim.FailNext("query", ErrUnavailable)
	_, err = sim.QueryTopology(ctx)
	require.True(t, errors.Is(err, ErrUnavailable))
	_, err = sim.QueryTopology(ctx)
	require.NoError(t, err)
}

func TestSpecFor(t *testing.T) {
	r := &block.Record{
		Nodes:     "bg000",
		Bitmap:    bitmap.New(0),
		Ionodes:   bitmap.Range(0, 1),
		Conn:      geometry.ConnSmall,
		NodeCnt:   32,
		UserName:  "alice",
		MeshNodes: []geometry.MeshNode{geometry.NewMeshNode(geometry.MustDims(1, 1, 1), geometry.NewCoord(0, 0, 0))},
	}
	spec := SpecFor(r)
	require.Equal(t, "alice", spec.Owner)
	require.Equal(t, 32, spec.NodeCnt)
	spec.MeshNodes[0].Used = true
	require.False(t, r.MeshNodes[0].Used)
}
