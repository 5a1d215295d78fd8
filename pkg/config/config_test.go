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

package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/torusched/bgblock/pkg/apis/config/v1alpha1/bluegene"
	. "github.com/torusched/bgblock/pkg/config"
)

func TestParse(t *testing.T) {
	type testCase struct {
		name    string
		yaml    string
		invalid bool
	}
	for _, tc := range []*testCase{
		{
			name: "minimal dynamic",
			yaml: `
spec:
  bluegene:
    dimensions: [4, 4, 4]
`,
		},
		{
			name: "static with blocks",
			yaml: `
apiVersion: config.bgblock.io/v1alpha1
kind: BlockAllocator
spec:
  bluegene:
    layoutMode: static
    dimensions: [2, 1, 1]
    blocks:
      - nodes: "000"
        connection: small
        small128: 4
      - nodes: "100"
`,
		},
		{
			name:    "static without blocks",
			yaml:    "spec:\n  bluegene:\n    layoutMode: static\n    dimensions: [1,1,1]\n",
			invalid: true,
		},
		{
			name:    "bad dimensions",
			yaml:    "spec:\n  bluegene:\n    dimensions: [1,1]\n",
			invalid: true,
		},
		{
			name:    "unknown field",
			yaml:    "spec:\n  bluegene:\n    dimensions: [1,1,1]\n    bogus: 1\n",
			invalid: true,
		},
		{
			name:    "bad family",
			yaml:    "spec:\n  bluegene:\n    family: bgq\n    dimensions: [1,1,1]\n",
			invalid: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tc.yaml))
			if tc.invalid {
				require.Error(t, err)
				require.True(t, errors.Is(err, ErrInvalidConfig))
				return
			}
			require.NoError(t, err)
			require.NotNil(t, cfg)
		})
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := Parse([]byte("spec:\n  bluegene:\n    dimensions: [4,4,4]\n"))
	require.NoError(t, err)

	bg := cfg.Spec.BlueGene
	require.Equal(t, bluegene.FamilyP, bg.Family)
	require.Equal(t, bluegene.LayoutDynamic, bg.LayoutMode)
	require.Equal(t, bluegene.BackendSimulated, bg.Backend)
	require.Equal(t, DefaultBasePartitionNodeCount, bg.BasePartitionNodeCount)
	require.Equal(t, DefaultNodeCardNodeCount, bg.NodeCardNodeCount)
	require.Equal(t, DefaultIonodesPerMidplane, bg.IonodesPerMidplane)
	require.Equal(t, DefaultPollInterval, bg.PollInterval.Duration)
	require.Equal(t, "bg", bg.NodePrefix)
	require.Equal(t, 30*time.Second, cfg.Spec.Instrumentation.ReportPeriod.Duration)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
spec:
  bluegene:
    dimensions: [2, 2, 2]
    pollInterval: 1s
  log:
    debug: ["on:dynamic"]
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, time.Second, cfg.Spec.BlueGene.PollInterval.Duration)
	require.Equal(t, []string{"on:dynamic"}, cfg.Spec.Log.Debug)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}
