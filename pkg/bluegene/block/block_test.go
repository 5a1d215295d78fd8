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

package block_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/torusched/bgblock/pkg/apis/config/v1alpha1/bluegene"
	. "github.com/torusched/bgblock/pkg/bluegene/block"
	"github.com/torusched/bgblock/pkg/bluegene/geometry"
	"github.com/torusched/bgblock/pkg/utils/bitmap"
)

func testConfig(numpsets int) *bluegene.Config {
	return &bluegene.Config{
		Family:                 bluegene.FamilyP,
		LayoutMode:             bluegene.LayoutDynamic,
		Backend:                bluegene.BackendSimulated,
		Dimensions:             []int{4, 4, 4},
		NodePrefix:             "bg",
		BasePartitionNodeCount: 512,
		NodeCardNodeCount:      32,
		IonodesPerMidplane:     numpsets,
		CPUsPerNode:            4,
		SystemUser:             "slurm",
	}
}

func testParams(t *testing.T) *Params {
	p, err := NewParams(testConfig(32))
	require.NoError(t, err)
	return p
}

func wholeRecord(t *testing.T, p *Params, nodes string) *Record {
	r, err := NewRecordFromNodeList(p, nodes, geometry.ConnTorus)
	require.NoError(t, err)
	return r
}

func smallRecord(t *testing.T, p *Params, node string, size, first int) *Record {
	r := wholeRecord(t, p, node)
	r.Conn = geometry.ConnSmall
	r.NodeCnt = size
	r.CPUCnt = size * p.CPURatio
	r.Ionodes = bitmap.Range(first, first+p.IonodeWidth(size)-1)
	r.IonodeStr = r.Ionodes.String()
	return r
}

func TestParams(t *testing.T) {
	type testCase struct {
		name     string
		family   bluegene.Family
		numpsets int
		smallest int
		ncIonode int
		quarter  int
		ioRatio  float64
	}
	for _, tc := range []*testCase{
		{name: "bgp 32 ionodes", family: bluegene.FamilyP, numpsets: 32, smallest: 16, ncIonode: 2, quarter: 8, ioRatio: 2},
		{name: "bgp 16 ionodes", family: bluegene.FamilyP, numpsets: 16, smallest: 32, ncIonode: 1, quarter: 4, ioRatio: 1},
		{name: "bgp 8 ionodes", family: bluegene.FamilyP, numpsets: 8, smallest: 64, ncIonode: 0, quarter: 2, ioRatio: 0.5},
		{name: "bgp 4 ionodes", family: bluegene.FamilyP, numpsets: 4, smallest: 128, ncIonode: 0, quarter: 1, ioRatio: 0.25},
		{name: "bgl 16 ionodes", family: bluegene.FamilyL, numpsets: 16, smallest: 32, ncIonode: 1, quarter: 4, ioRatio: 1},
		{name: "bgl 8 ionodes", family: bluegene.FamilyL, numpsets: 8, smallest: 128, ncIonode: 0, quarter: 2, ioRatio: 0.5},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(tc.numpsets)
			cfg.Family = tc.family
			p, err := NewParams(cfg)
			require.NoError(t, err)
			require.Equal(t, tc.smallest, p.SmallestBlock)
			require.Equal(t, tc.ncIonode, p.NodecardIonodeCnt)
			require.Equal(t, tc.quarter, p.QuarterIonodeCnt)
			require.Equal(t, tc.ioRatio, p.IORatio)
			require.Equal(t, 16, p.NodecardsPerMidplane)
			require.Equal(t, 2048, p.CPUsPerMidplane)
			require.True(t, p.Dynamic())
			require.True(t, p.Simulated)
		})
	}

	cfg := testConfig(32)
	cfg.NodeCardNodeCount = 30
	_, err := NewParams(cfg)
	require.True(t, errors.Is(err, ErrInvalidConfig))

	cfg = testConfig(32)
	cfg.Dimensions = []int{4, 4}
	_, err = NewParams(cfg)
	require.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestNewRecord(t *testing.T) {
	p := testParams(t)

	r := wholeRecord(t, p, "bg[000x011]")
	require.Equal(t, "bg[000x011]", r.Nodes)
	require.Equal(t, 4, r.BPCount)
	require.Equal(t, 4*512, r.NodeCnt)
	require.Equal(t, 4*2048, r.CPUCnt)
	require.Equal(t, geometry.NewCoord(0, 0, 0), r.Start)
	require.Equal(t, geometry.Shape{1, 2, 2}, r.Geo)
	require.Equal(t, bitmap.New(0, 1, 4, 5), r.Bitmap)
	require.False(t, r.FullBlock)
	require.Equal(t, JobNone, r.JobRunning)
	require.Equal(t, "slurm", r.UserName)
	require.NoError(t, r.Validate(p))

	full := wholeRecord(t, p, "bg[000x333]")
	require.True(t, full.FullBlock)

	_, err := NewRecordFromNodeList(p, "bg[000x444]", geometry.ConnTorus)
	require.True(t, errors.Is(err, ErrInvalidConfig))

	s := smallRecord(t, p, "bg123", 64, 4)
	require.Equal(t, "bg123[4-7]", s.NodeName())
	require.NoError(t, s.Validate(p))
	require.True(t, s.IsSmall(p))

	s.Ionodes = bitmap.Range(4, 5)
	require.True(t, errors.Is(s.Validate(p), ErrInvalidRecord))
	r.NodeCnt = 100
	require.True(t, errors.Is(r.Validate(p), ErrInvalidRecord))
	var nilRecord *Record
	require.True(t, errors.Is(nilRecord.Validate(p), ErrInvalidRecord))
}

func TestRecordJSON(t *testing.T) {
	p := testParams(t)
	r := smallRecord(t, p, "bg123", 32, 2)
	r.ID = "RMP0001"
	r.State = StateError
	r.JobRunning = JobError
	r.Reason = "nodecard down"

	data, err := json.Marshal(r)
	require.NoError(t, err)
	out := &Record{}
	require.NoError(t, json.Unmarshal(data, out))
	require.True(t, r.Bitmap.Equals(out.Bitmap))
	require.True(t, r.Ionodes.Equals(out.Ionodes))
	require.Equal(t, r.State, out.State)
	require.Equal(t, r.Reason, out.Reason)
	require.Equal(t, r.Start, out.Start)
	require.Equal(t, r.Conn, out.Conn)
}

func TestOverlaps(t *testing.T) {
	p := testParams(t)

	a := wholeRecord(t, p, "bg[000x011]")
	b := wholeRecord(t, p, "bg[011x022]")
	c := wholeRecord(t, p, "bg[200x211]")
	s1 := smallRecord(t, p, "bg011", 32, 0)
	s2 := smallRecord(t, p, "bg011", 32, 2)
	s3 := smallRecord(t, p, "bg011", 64, 0)

	require.True(t, Overlaps(a, b))
	require.False(t, Overlaps(a, c))
	require.True(t, Overlaps(a, s1), "whole midplane overlaps any part of it")
	require.False(t, Overlaps(s1, s2))
	require.True(t, Overlaps(s2, s3))
	require.False(t, Overlaps(c, s3))
}

func TestRegistry(t *testing.T) {
	p := testParams(t)
	reg := NewRegistry(p)
	reg.Lock()
	defer reg.Unlock()

	a := wholeRecord(t, p, "bg[000x011]")
	a.ID = "RMP001"
	b := smallRecord(t, p, "bg100", 32, 0)
	b.ID = "RMP002"

	ha := reg.Insert(a)
	hb := reg.Insert(b)
	require.NotEqual(t, NoHandle, ha)
	require.NotEqual(t, ha, hb)
	require.Equal(t, 2, reg.Len())
	require.Same(t, a, reg.Get(ha))

	require.Same(t, a, reg.FindByID("rmp001"))
	require.Nil(t, reg.FindByID("RMP003"))
	require.Nil(t, reg.FindByID(""))

	require.True(t, reg.Exists(a))
	dup := a.Copy()
	require.False(t, reg.Exists(dup), "existence is by identity")
	require.Same(t, a, reg.FindByContent(dup))

	dup.Conn = geometry.ConnMesh
	require.False(t, reg.ExistsByContent(dup), "conn type matters for whole midplanes")

	smallDup := b.Copy()
	smallDup.Conn = geometry.ConnMesh
	require.True(t, reg.ExistsByContent(smallDup), "conn type is ignored for small blocks")

	b.FreeCnt = 1
	require.False(t, reg.ExistsByContent(smallDup), "blocks pending teardown are skipped")
	b.FreeCnt = 0

	reg.AddJobRunning(a)
	reg.AddJobRunning(a)
	reg.AddBooted(a)
	require.Len(t, reg.JobRunning(), 1)
	require.True(t, reg.InJobRunning(a))
	require.True(t, reg.InBooted(a))

	copies := reg.Copy()
	require.Len(t, copies, 2)
	require.NotSame(t, a, copies[0])
	require.Same(t, a, reg.Original(copies[0]))
	require.Equal(t, NoHandle, copies[0].Handle())

	require.True(t, reg.Remove(a))
	require.False(t, reg.Remove(a))
	require.False(t, reg.InJobRunning(a))
	require.Empty(t, reg.Booted())
	require.Nil(t, reg.Original(copies[0]))
	require.Equal(t, []*Record{b}, reg.Main())
}

func TestValidSmall(t *testing.T) {
	p := testParams(t)
	reg := NewRegistry(p)

	require.Nil(t, reg.ValidSmall(16))
	require.Len(t, reg.ValidSmall(32), 16)
	require.Len(t, reg.ValidSmall(64), 8)
	require.Len(t, reg.ValidSmall(128), 4)
	require.Len(t, reg.ValidSmall(256), 2)
	require.Equal(t, bitmap.Range(4, 7), reg.ValidSmall(64)[1])
	require.Equal(t, bitmap.Range(16, 31), reg.ValidSmall(256)[1])
}

func TestSorting(t *testing.T) {
	p := testParams(t)
	reg := NewRegistry(p)
	reg.Lock()
	defer reg.Unlock()

	big := wholeRecord(t, p, "bg[000x011]")
	mid := wholeRecord(t, p, "bg001")
	s2 := smallRecord(t, p, "bg000", 32, 2)
	s0 := smallRecord(t, p, "bg000", 64, 4)
	s1 := smallRecord(t, p, "bg000", 32, 0)
	for _, r := range []*Record{big, mid, s2, s0, s1} {
		reg.Insert(r)
	}

	reg.SortBySize()
	require.Equal(t, []*Record{s1, s2, s0, mid, big}, reg.Main())

	s1.JobRunning = JobError
	s2.JobRunning = 42
	s2.Job = &Job{ID: 42, EndTime: time.Now().Add(time.Hour)}
	mid.JobRunning = 43
	mid.Job = &Job{ID: 43, EndTime: time.Now().Add(time.Minute)}

	reg.SortByAvailability()
	require.Equal(t, []*Record{s0, big, mid, s2, s1}, reg.Main())
}

func TestWaitJobDetached(t *testing.T) {
	p := testParams(t)
	reg := NewRegistry(p)
	r := wholeRecord(t, p, "bg000")

	reg.Lock()
	reg.Insert(r)
	r.JobRunning = 7
	reg.Unlock()

	go func() {
		time.Sleep(10 * time.Millisecond)
		reg.Lock()
		r.JobRunning = JobNone
		reg.JobDetached()
		reg.Unlock()
	}()

	reg.Lock()
	err := reg.WaitJobDetached(context.Background(), r)
	require.NoError(t, err)
	require.Equal(t, JobNone, r.JobRunning)

	r.JobRunning = 8
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err = reg.WaitJobDetached(ctx, r)
	reg.Unlock()
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
