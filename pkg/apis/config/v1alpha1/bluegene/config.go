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

package bluegene

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Family is the hardware family, which decides the available small
// block sizes.
type Family string

const (
	// FamilyP supports 16, 32, 64, 128 and 256 compute node small blocks.
	FamilyP Family = "bgp"
	// FamilyL supports 32 and 128 compute node small blocks.
	FamilyL Family = "bgl"
)

// LayoutMode controls how blocks are created.
type LayoutMode string

const (
	// LayoutStatic uses only the configured, non-overlapping blocks.
	LayoutStatic LayoutMode = "static"
	// LayoutOverlap uses only the configured blocks, which may overlap.
	LayoutOverlap LayoutMode = "overlap"
	// LayoutDynamic creates blocks on demand.
	LayoutDynamic LayoutMode = "dynamic"
)

// Backend selects the hardware control system implementation.
type Backend string

const (
	// BackendSimulated runs without hardware.
	BackendSimulated Backend = "simulated"
	// BackendBridge talks to the vendor control system.
	BackendBridge Backend = "bridge"
)

// Config is the configuration of the block allocator.
type Config struct {
	// Family of the hardware.
	// +optional
	// +kubebuilder:validation:Enum=bgp;bgl
	// +kubebuilder:default="bgp"
	Family Family `json:"family,omitempty"`
	// LayoutMode is one of static, overlap or dynamic.
	// +optional
	// +kubebuilder:default="dynamic"
	LayoutMode LayoutMode `json:"layoutMode,omitempty"`
	// Backend is one of simulated or bridge.
	// +optional
	// +kubebuilder:default="simulated"
	Backend Backend `json:"backend,omitempty"`
	// Dimensions is the size of the machine in midplanes per dimension.
	// Either 3 or 4 dimensions are supported.
	Dimensions []int `json:"dimensions"`
	// NodePrefix is prepended to midplane coordinates to form node names.
	// +optional
	// +kubebuilder:default="bg"
	NodePrefix string `json:"nodePrefix,omitempty"`
	// BasePartitionNodeCount is the number of compute nodes in a midplane.
	// +optional
	// +kubebuilder:default=512
	BasePartitionNodeCount int `json:"basePartitionNodeCount,omitempty"`
	// NodeCardNodeCount is the number of compute nodes on a node card.
	// +optional
	// +kubebuilder:default=32
	NodeCardNodeCount int `json:"nodeCardNodeCount,omitempty"`
	// IonodesPerMidplane is the number of I/O nodes in a midplane.
	// +optional
	// +kubebuilder:default=32
	IonodesPerMidplane int `json:"ionodesPerMidplane,omitempty"`
	// CPUsPerNode is the number of cpus on a compute node.
	// +optional
	// +kubebuilder:default=4
	CPUsPerNode int `json:"cpusPerNode,omitempty"`
	// SystemUser owns blocks that are not running jobs.
	// +optional
	// +kubebuilder:default="slurm"
	SystemUser string `json:"systemUser,omitempty"`
	// Images are the default boot images for new blocks.
	// +optional
	Images Images `json:"images,omitempty"`
	// Blocks are the statically configured blocks.
	// +optional
	Blocks []BlockConfig `json:"blocks,omitempty"`
	// StateDir is where block state is saved.
	// +optional
	StateDir string `json:"stateDir,omitempty"`
	// PollInterval is the interval of block status polling.
	// +optional
	// +kubebuilder:default="5s"
	PollInterval metav1.Duration `json:"pollInterval,omitempty"`
	// HealthPollInterval is the interval of hardware health polling.
	// +optional
	// +kubebuilder:default="10s"
	HealthPollInterval metav1.Duration `json:"healthPollInterval,omitempty"`
	// TrackDownNodes keeps midplanes reported down out of new blocks.
	// +optional
	TrackDownNodes bool `json:"trackDownNodes,omitempty"`
}

// Images are the boot images of a block.
type Images struct {
	// +optional
	Linux string `json:"linux,omitempty"`
	// +optional
	Mloader string `json:"mloader,omitempty"`
	// +optional
	Ramdisk string `json:"ramdisk,omitempty"`
	// Blrts is only used on bgl.
	// +optional
	Blrts string `json:"blrts,omitempty"`
}

// BlockConfig describes one statically configured block.
type BlockConfig struct {
	// Nodes is the midplane list of the block, for instance "000x133".
	Nodes string `json:"nodes"`
	// Connection is one of mesh, torus or small.
	// +optional
	// +kubebuilder:default="torus"
	Connection string `json:"connection,omitempty"`
	// Small block counts per size, only used for small connections.
	// +optional
	Small16 int `json:"small16,omitempty"`
	// +optional
	Small32 int `json:"small32,omitempty"`
	// +optional
	Small64 int `json:"small64,omitempty"`
	// +optional
	Small128 int `json:"small128,omitempty"`
	// +optional
	Small256 int `json:"small256,omitempty"`
	// Images overrides the default images for this block.
	// +optional
	Images Images `json:"images,omitempty"`
}
