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

package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/torusched/bgblock/pkg/apis/config/v1alpha1/bluegene"
	"github.com/torusched/bgblock/pkg/bluegene/block"
	"github.com/torusched/bgblock/pkg/bluegene/geometry"
	"github.com/torusched/bgblock/pkg/bluegene/state"
	"github.com/torusched/bgblock/pkg/utils/bitmap"
)

func testParams(t *testing.T, dims ...int) *block.Params {
	p, err := block.NewParams(&bluegene.Config{
		Family:                 bluegene.FamilyP,
		LayoutMode:             bluegene.LayoutDynamic,
		Backend:                bluegene.BackendSimulated,
		Dimensions:             dims,
		NodePrefix:             "bg",
		BasePartitionNodeCount: 512,
		NodeCardNodeCount:      32,
		IonodesPerMidplane:     32,
		CPUsPerNode:            4,
		SystemUser:             "slurm",
	})
	require.NoError(t, err)
	return p
}

func testRecord(t *testing.T, p *block.Params, nodes string, st block.State, job int) *block.Record {
	rec, err := block.NewRecordFromNodeList(p, nodes, geometry.ConnTorus)
	require.NoError(t, err)
	rec.ID = "RMP" + strings.ToUpper(strings.Trim(nodes, "bg[]x"))
	rec.State = st
	rec.JobRunning = job
	return rec
}

func TestRenderGrid(t *testing.T) {
	p := testParams(t, 2, 1, 2)
	records := []*block.Record{
		testRecord(t, p, "bg000", block.StateReady, 5),
		testRecord(t, p, "bg001", block.StateFree, block.JobNone),
		testRecord(t, p, "bg101", block.StateError, block.JobError),
	}

	out := &bytes.Buffer{}
	require.NoError(t, renderGrid(out, p, records))

	lines := strings.Split(out.String(), "\n")
	require.Equal(t, " .#", lines[0])
	require.Equal(t, "A.", lines[1])
	require.Equal(t, "", lines[2])
	require.Equal(t, []string{"A", "bg000", "READY", "TORUS", "job", "5"}, strings.Fields(lines[3]))
}

func TestRenderGridRows(t *testing.T) {
	p := testParams(t, 1, 2, 1)
	records := []*block.Record{
		testRecord(t, p, "bg010", block.StateFree, 7),
		testRecord(t, p, "bg000", block.StateConfiguring, block.JobNone),
	}

	out := &bytes.Buffer{}
	require.NoError(t, renderGrid(out, p, records))

	lines := strings.Split(out.String(), "\n")
	require.Equal(t, []string{"A", "B", ""}, lines[:3])
	require.Equal(t, "A", strings.Fields(lines[3])[0])
	require.Equal(t, "bg010", strings.Fields(lines[3])[1])
	require.Equal(t, "B", strings.Fields(lines[4])[0])
}

func TestPrintBlocks(t *testing.T) {
	p := testParams(t, 2, 1, 2)
	records := []*block.Record{
		testRecord(t, p, "bg000", block.StateReady, 5),
		testRecord(t, p, "bg[000x001]", block.StateFree, block.JobNone),
		testRecord(t, p, "bg101", block.StateError, block.JobError),
	}
	records[2].Reason = "nodecard down"

	type testCase struct {
		name   string
		states []string
		nodes  string
		expect []string
		err    bool
	}
	for _, tc := range []*testCase{
		{
			name:   "all blocks",
			expect: []string{"bg000", "bg[000x001]", "bg101"},
		},
		{
			name:   "by state",
			states: []string{"free", "ERROR"},
			expect: []string{"bg[000x001]", "bg101"},
		},
		{
			name:   "by nodes",
			nodes:  "bg001",
			expect: []string{"bg[000x001]"},
		},
		{
			name:   "by state and nodes",
			states: []string{"ready"},
			nodes:  "bg[000x101]",
			expect: []string{"bg000"},
		},
		{
			name:   "bad state",
			states: []string{"sleeping"},
			err:    true,
		},
		{
			name:  "bad nodes",
			nodes: "bg300",
			err:   true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f, err := parseFilter(p, tc.states, tc.nodes)
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)

			out := &bytes.Buffer{}
			require.NoError(t, printBlocks(out, records, f))

			lines := strings.Split(strings.TrimSpace(out.String()), "\n")
			require.Equal(t, "ID", strings.Fields(lines[0])[0])
			var names []string
			for _, line := range lines[1:] {
				names = append(names, strings.Fields(line)[1])
			}
			require.Equal(t, tc.expect, names)
		})
	}

	out := &bytes.Buffer{}
	require.NoError(t, printBlocks(out, records[2:], &blockFilter{nodes: bitmap.New()}))
	fields := strings.Fields(strings.Split(out.String(), "\n")[1])
	require.Equal(t, []string{"RMP101", "bg101", "TORUS", "ERROR", "512", "error", "slurm", "nodecard", "down"}, fields)
}

func writeConfig(t *testing.T, stateDir string) string {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := fmt.Sprintf(`apiVersion: config.bgblock.io/v1alpha1
kind: BlockAllocator
spec:
  bluegene:
    dimensions: [2, 1, 2]
    stateDir: %s
`, stateDir)
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func saveBlocks(t *testing.T, dir string, records ...*block.Record) {
	require.NoError(t, state.Save(context.Background(), dir, records))
}

func run(t *testing.T, args ...string) (string, error) {
	cmd := newRootCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCommands(t *testing.T) {
	var (
		p        = testParams(t, 2, 1, 2)
		stateDir = t.TempDir()
		cfgFile  = writeConfig(t, stateDir)
	)
	saveBlocks(t, stateDir,
		testRecord(t, p, "bg000", block.StateReady, 5),
		testRecord(t, p, "bg100", block.StateFree, block.JobNone),
	)

	out, err := run(t, "--config", cfgFile, "blocks")
	require.NoError(t, err)
	require.Contains(t, out, "bg000")
	require.Contains(t, out, "bg100")

	out, err = run(t, "--config", cfgFile, "blocks", "--state", "free")
	require.NoError(t, err)
	require.NotContains(t, out, "bg000")
	require.Contains(t, out, "bg100")

	out, err = run(t, "--config", cfgFile, "grid")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, " ..\nA.\n"), out)

	_, err = run(t, "--config", cfgFile, "--state-dir", t.TempDir(), "grid")
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestStateDirFromEnvironment(t *testing.T) {
	var (
		p        = testParams(t, 2, 1, 2)
		stateDir = t.TempDir()
		cfgFile  = writeConfig(t, t.TempDir())
	)
	saveBlocks(t, stateDir, testRecord(t, p, "bg001", block.StateBusy, 9))

	t.Setenv("BGBLOCK_CONFIG", cfgFile)
	t.Setenv("BGBLOCK_STATE_DIR", stateDir)

	out, err := run(t, "blocks")
	require.NoError(t, err)
	require.Contains(t, out, "bg001")
}
