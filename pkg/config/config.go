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

// Package config loads and validates the block allocator configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	cfgapi "github.com/torusched/bgblock/pkg/apis/config/v1alpha1"
	"github.com/torusched/bgblock/pkg/apis/config/v1alpha1/bluegene"
	logger "github.com/torusched/bgblock/pkg/log"
)

// ErrInvalidConfig is returned for configuration which fails validation.
var ErrInvalidConfig = errors.New("invalid configuration")

const (
	// DefaultBasePartitionNodeCount is the number of compute nodes in a midplane.
	DefaultBasePartitionNodeCount = 512
	// DefaultNodeCardNodeCount is the number of compute nodes on a node card.
	DefaultNodeCardNodeCount = 32
	// DefaultIonodesPerMidplane is the default number of I/O nodes per midplane.
	DefaultIonodesPerMidplane = 32
	// DefaultCPUsPerNode is the default cpu ratio.
	DefaultCPUsPerNode = 4
	// DefaultNodePrefix is the default node name prefix.
	DefaultNodePrefix = "bg"
	// DefaultSystemUser owns idle blocks.
	DefaultSystemUser = "slurm"
	// DefaultStateDir is where block state is saved by default.
	DefaultStateDir = "/var/lib/bgblock"
	// DefaultPollInterval is the default block status polling interval.
	DefaultPollInterval = 5 * time.Second
	// DefaultHealthPollInterval is the default hardware health polling interval.
	DefaultHealthPollInterval = 10 * time.Second
	// DefaultHTTPEndpoint is the default instrumentation HTTP endpoint.
	DefaultHTTPEndpoint = ":8891"
)

var log = logger.Get("config")

// Load reads, defaults and validates the configuration in the given file.
func Load(path string) (*cfgapi.BlockAllocator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration %q: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration %q: %w", path, err)
	}
	log.Info("loaded configuration from %s", path)
	return cfg, nil
}

// Parse parses, defaults and validates the given YAML configuration.
func Parse(data []byte) (*cfgapi.BlockAllocator, error) {
	cfg := &cfgapi.BlockAllocator{}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, configError("failed to parse: %v", err)
	}
	SetDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SetDefaults fills in defaults for any unset configuration.
func SetDefaults(cfg *cfgapi.BlockAllocator) {
	if cfg.APIVersion == "" {
		cfg.APIVersion = cfgapi.APIVersion
	}
	if cfg.Kind == "" {
		cfg.Kind = cfgapi.Kind
	}

	bg := &cfg.Spec.BlueGene
	if bg.Family == "" {
		bg.Family = bluegene.FamilyP
	}
	if bg.LayoutMode == "" {
		bg.LayoutMode = bluegene.LayoutDynamic
	}
	if bg.Backend == "" {
		bg.Backend = bluegene.BackendSimulated
	}
	if bg.NodePrefix == "" {
		bg.NodePrefix = DefaultNodePrefix
	}
	if bg.BasePartitionNodeCount == 0 {
		bg.BasePartitionNodeCount = DefaultBasePartitionNodeCount
	}
	if bg.NodeCardNodeCount == 0 {
		bg.NodeCardNodeCount = DefaultNodeCardNodeCount
	}
	if bg.IonodesPerMidplane == 0 {
		bg.IonodesPerMidplane = DefaultIonodesPerMidplane
	}
	if bg.CPUsPerNode == 0 {
		bg.CPUsPerNode = DefaultCPUsPerNode
	}
	if bg.SystemUser == "" {
		bg.SystemUser = DefaultSystemUser
	}
	if bg.StateDir == "" {
		bg.StateDir = DefaultStateDir
	}
	if bg.PollInterval.Duration == 0 {
		bg.PollInterval = metav1.Duration{Duration: DefaultPollInterval}
	}
	if bg.HealthPollInterval.Duration == 0 {
		bg.HealthPollInterval = metav1.Duration{Duration: DefaultHealthPollInterval}
	}
	for i := range bg.Blocks {
		if bg.Blocks[i].Connection == "" {
			bg.Blocks[i].Connection = "torus"
		}
	}

	instr := &cfg.Spec.Instrumentation
	if instr.HTTPEndpoint == "" {
		instr.HTTPEndpoint = DefaultHTTPEndpoint
	}
	if instr.ReportPeriod.Duration == 0 {
		instr.ReportPeriod = metav1.Duration{Duration: 30 * time.Second}
	}
}

// Validate checks the configuration, collecting all problems found.
func Validate(cfg *cfgapi.BlockAllocator) error {
	var errs *multierror.Error

	if cfg.APIVersion != cfgapi.APIVersion {
		errs = multierror.Append(errs, configError("unsupported apiVersion %q", cfg.APIVersion))
	}
	if cfg.Kind != cfgapi.Kind {
		errs = multierror.Append(errs, configError("unsupported kind %q", cfg.Kind))
	}

	bg := &cfg.Spec.BlueGene
	switch bg.Family {
	case bluegene.FamilyP, bluegene.FamilyL:
	default:
		errs = multierror.Append(errs, configError("unknown family %q", bg.Family))
	}
	switch bg.LayoutMode {
	case bluegene.LayoutStatic, bluegene.LayoutOverlap, bluegene.LayoutDynamic:
	default:
		errs = multierror.Append(errs, configError("unknown layout mode %q", bg.LayoutMode))
	}
	switch bg.Backend {
	case bluegene.BackendSimulated, bluegene.BackendBridge:
	default:
		errs = multierror.Append(errs, configError("unknown backend %q", bg.Backend))
	}

	if n := len(bg.Dimensions); n != 3 && n != 4 {
		errs = multierror.Append(errs, configError("expected 3 or 4 dimensions, got %d", n))
	}
	for i, d := range bg.Dimensions {
		if d < 1 || d > 36 {
			errs = multierror.Append(errs, configError("dimension #%d: invalid size %d", i, d))
		}
	}

	if bg.NodeCardNodeCount > bg.BasePartitionNodeCount ||
		bg.BasePartitionNodeCount%bg.NodeCardNodeCount != 0 {
		errs = multierror.Append(errs, configError("node card size %d does not divide midplane size %d",
			bg.NodeCardNodeCount, bg.BasePartitionNodeCount))
	}
	if bg.IonodesPerMidplane < 1 {
		errs = multierror.Append(errs, configError("invalid I/O node count %d", bg.IonodesPerMidplane))
	}
	if bg.CPUsPerNode < 1 {
		errs = multierror.Append(errs, configError("invalid cpus per node %d", bg.CPUsPerNode))
	}

	if bg.LayoutMode != bluegene.LayoutDynamic && len(bg.Blocks) == 0 {
		errs = multierror.Append(errs, configError("%s layout mode needs configured blocks", bg.LayoutMode))
	}
	for i, b := range bg.Blocks {
		if strings.TrimSpace(b.Nodes) == "" {
			errs = multierror.Append(errs, configError("block #%d: no nodes", i))
		}
		switch strings.ToLower(b.Connection) {
		case "torus", "mesh", "small":
		default:
			errs = multierror.Append(errs, configError("block #%d: invalid connection %q", i, b.Connection))
		}
	}

	instr := &cfg.Spec.Instrumentation
	if instr.SamplingRatio < 0 || instr.SamplingRatio > 1 {
		errs = multierror.Append(errs, configError("invalid sampling ratio %v", instr.SamplingRatio))
	}

	return errs.ErrorOrNil()
}

func configError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalidConfig}, args...)...)
}
