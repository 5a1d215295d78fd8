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

package geometry_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	. "github.com/torusched/bgblock/pkg/bluegene/geometry"
)

func TestIndexRoundTrip(t *testing.T) {
	dims := MustDims(4, 3, 2)
	require.Equal(t, 24, dims.Count())
	require.Equal(t, "4x3x2", dims.String())

	for inx := 0; inx < dims.Count(); inx++ {
		c := dims.Coord(inx)
		require.True(t, dims.Contains(c))
		require.Equal(t, inx, dims.Index(c))
	}

	// x varies slowest
	require.Equal(t, ((1*3)+2)*2+1, dims.Index(NewCoord(1, 2, 1)))

	dims4 := MustDims(2, 2, 2, 2)
	require.Equal(t, 16, dims4.Count())
	require.Equal(t, 15, dims4.Index(NewCoord(1, 1, 1, 1)))
}

func TestCoordNames(t *testing.T) {
	c, err := ParseCoord("1a2")
	require.NoError(t, err)
	require.Equal(t, NewCoord(1, 10, 2), c)
	require.Equal(t, "1A2", c.String())

	_, err = ParseCoord("1_2")
	require.True(t, errors.Is(err, ErrInvalidCoord))

	dims := MustDims(2, 2, 2)
	_, err = dims.ParseName("bg", "bg300")
	require.True(t, errors.Is(err, ErrInvalidCoord))
	c, err = dims.ParseName("bg", "bg101")
	require.NoError(t, err)
	require.Equal(t, NewCoord(1, 0, 1), c)

	require.True(t, NewCoord(0, 1, 1).Less(NewCoord(1, 0, 0)))
	require.False(t, NewCoord(1, 0, 0).Less(NewCoord(1, 0, 0)))
}

func TestNodeLists(t *testing.T) {
	dims := MustDims(4, 4, 4)

	type testCase struct {
		name    string
		list    string
		count   int
		format  string
		invalid bool
	}
	for _, tc := range []*testCase{
		{name: "single", list: "bg132", count: 1, format: "bg132"},
		{name: "box", list: "bg[000x133]", count: 2 * 4 * 4, format: "bg[000x133]"},
		{name: "box without prefix", list: "000x011", count: 4, format: "bg[000x011]"},
		{name: "box and single", list: "bg[000x011,200]", count: 5, format: "bg[000,001,010,011,200]"},
		{name: "dash box", list: "bg[100-101]", count: 2, format: "bg[100x101]"},
		{name: "out of bounds", list: "bg[000x144]", invalid: true},
		{name: "inverted", list: "bg[111x000]", invalid: true},
		{name: "bad character", list: "bg[0#0]", invalid: true},
		{name: "unterminated", list: "bg[000", invalid: true},
		{name: "wrong rank", list: "bg[00]", invalid: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			coords, err := dims.ParseNodeList("bg", tc.list)
			if tc.invalid {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Len(t, coords, tc.count)
			require.Equal(t, tc.format, dims.FormatNodeList("bg", coords))
			require.Equal(t, tc.count, dims.Bitmap(coords).Size())
		})
	}
}

func TestBox(t *testing.T) {
	dims := MustDims(4, 4, 4)
	shape := Shape{2, 1, 3}
	require.True(t, dims.FitsAt(NewCoord(2, 3, 1), shape))
	require.False(t, dims.FitsAt(NewCoord(3, 0, 0), shape))

	coords := dims.Box(NewCoord(1, 1, 0), shape)
	require.Len(t, coords, 6)
	require.Equal(t, NewCoord(1, 1, 0), coords[0])
	require.Equal(t, NewCoord(2, 1, 2), coords[5])
	require.Equal(t, "2x1x3", shape.Format(3))
}

func TestAxisSwitch(t *testing.T) {
	s := NewAxisSwitch()
	require.False(t, s.Used())
	require.True(t, s.Free(PortMidplaneIn, PortMidplaneOut))

	s.Connect(PortMidplaneOut, PortMidplaneIn)
	require.True(t, s.Used())
	require.False(t, s.Free(PortMidplaneIn))
	require.True(t, s.Free(PortCableIn, PortCableOut))
	require.Equal(t, "1->0", s.String())

	s.Reset()
	require.False(t, s.Used())
	for p := 0; p < NumPorts; p++ {
		require.Equal(t, p, s.IntWire[p].PortTar)
	}
}

func TestMeshNodeCopy(t *testing.T) {
	dims := MustDims(2, 2, 2)
	n := NewMeshNode(dims, NewCoord(1, 1, 0))
	require.Equal(t, 6, n.Index)

	n.Used = true
	n.Switches[X].Connect(PortCableIn, PortCableOut)
	c := n.Copy()
	c.Switches[X].Reset()
	c.Used = false

	require.True(t, n.Used)
	require.True(t, n.Switches[X].Used())
	require.Equal(t, 1, n.SwitchCount(dims.Rank()))
}

func TestJSON(t *testing.T) {
	dims := MustDims(2, 2, 2)
	n := NewMeshNode(dims, NewCoord(1, 0, 1))
	n.Used = true
	n.Switches[Y].Connect(PortMidplaneOut, PortMidplaneIn)

	data, err := json.Marshal(n)
	require.NoError(t, err)
	var out MeshNode
	require.NoError(t, json.Unmarshal(data, &out))
	require.Equal(t, n, out)

	conn := ConnSmall
	data, err = json.Marshal(conn)
	require.NoError(t, err)
	require.Equal(t, `"SMALL"`, string(data))
	require.NoError(t, json.Unmarshal([]byte(`"torus"`), &conn))
	require.Equal(t, ConnTorus, conn)
}
