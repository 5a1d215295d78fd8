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
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cfgapi "github.com/torusched/bgblock/pkg/apis/config/v1alpha1"
	"github.com/torusched/bgblock/pkg/bluegene/block"
	"github.com/torusched/bgblock/pkg/bluegene/state"
	"github.com/torusched/bgblock/pkg/config"
	logger "github.com/torusched/bgblock/pkg/log"
	"github.com/torusched/bgblock/pkg/version"
)

const (
	envPrefix     = "BGBLOCK"
	defaultConfig = "/etc/bgblock/config.yaml"
)

var log = logger.Get("bgblockctl")

// loader finds the machine configuration and the saved blocks, from
// flags, BGBLOCK_* environment variables or the configuration file.
type loader struct {
	v *viper.Viper
}

func newLoader() *loader {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.SetDefault("config", defaultConfig)
	return &loader{v: v}
}

func (l *loader) bindFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("config", defaultConfig, "configuration file of the block allocator")
	flags.String("state-dir", "", "directory of the saved block state, overrides the configuration")
	_ = l.v.BindPFlag("config", flags.Lookup("config"))
	_ = l.v.BindPFlag("state-dir", flags.Lookup("state-dir"))
}

// load returns the machine parameters and the saved blocks.
func (l *loader) load() (*block.Params, *state.Snapshot, error) {
	cfg, err := config.Load(l.v.GetString("config"))
	if err != nil {
		return nil, nil, err
	}
	return l.loadWith(cfg)
}

func (l *loader) loadWith(cfg *cfgapi.BlockAllocator) (*block.Params, *state.Snapshot, error) {
	p, err := block.NewParams(&cfg.Spec.BlueGene)
	if err != nil {
		return nil, nil, err
	}

	dir := l.v.GetString("state-dir")
	if dir == "" {
		dir = cfg.Spec.BlueGene.StateDir
	}
	snap, err := state.Load(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read saved blocks from %s: %w", dir, err)
	}
	if snap.Count != len(snap.Records) {
		log.Warn("state file claims %d blocks, found %d", snap.Count, len(snap.Records))
	}
	return p, snap, nil
}

func newRootCmd() *cobra.Command {
	l := newLoader()
	root := &cobra.Command{
		Use:   "bgblockctl",
		Short: "Inspect the blocks of a torus-mesh machine",
		Long: `bgblockctl shows the blocks saved by the block allocator agent,
as a list or as a grid of midplanes.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	l.bindFlags(root)
	root.AddCommand(
		newBlocksCmd(l),
		newGridCmd(l),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
