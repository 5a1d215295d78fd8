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

package mesh

import (
	"fmt"
	"sort"

	"github.com/torusched/bgblock/pkg/apis/config/v1alpha1/bluegene"
	"github.com/torusched/bgblock/pkg/bluegene/geometry"
	"github.com/torusched/bgblock/pkg/utils/bitmap"
)

// Request describes a block to place in the mesh.
type Request struct {
	// Size is the number of midplanes requested.
	Size int
	// Geometry, if set, is the exact shape requested.
	Geometry *geometry.Shape
	// Conn is the requested connection type.
	Conn geometry.ConnType
	// Rotate allows any rotation of Geometry.
	Rotate bool
	// Elongate prefers stretched shapes over compact ones.
	Elongate bool
	// Procs is the number of cpus requested.
	Procs int
	// Avail, if not empty, is the set of eligible midplanes.
	Avail bitmap.Bitmap
	// Images are the boot images requested, empty ones default.
	Images bluegene.Images

	// Start is the start coordinate of the last successful placement.
	Start geometry.Coord
	// Shape is the shape of the last successful placement.
	Shape geometry.Shape

	shapes []geometry.Shape
}

// Shapes returns the candidate shapes of the request, in order of
// preference. It is only valid after NewRequest.
func (r *Request) Shapes() []geometry.Shape {
	return r.shapes
}

// NewRequest validates the request and derives its candidate shapes.
func NewRequest(dims geometry.Dims, r *Request) error {
	rank := dims.Rank()
	r.shapes = nil

	if r.Geometry != nil {
		size := r.Geometry.Volume(rank)
		if r.Size != 0 && r.Size != size {
			return fmt.Errorf("%w: geometry %s does not have size %d",
				ErrNoMatchingShape, r.Geometry.Format(rank), r.Size)
		}
		r.Size = size
		cands := []geometry.Shape{*r.Geometry}
		if r.Rotate {
			cands = rotations(*r.Geometry, rank)
		}
		for _, s := range cands {
			if fits(dims, s) {
				r.shapes = append(r.shapes, s)
			}
		}
	} else {
		if r.Size < 1 || r.Size > dims.Count() {
			return fmt.Errorf("%w: size %d on a %s machine", ErrNoMatchingShape, r.Size, dims)
		}
		r.shapes = factorizations(dims, r.Size)
		sort.SliceStable(r.shapes, func(i, j int) bool {
			ci, cj := compactness(r.shapes[i], rank), compactness(r.shapes[j], rank)
			if ci != cj {
				if r.Elongate {
					return ci > cj
				}
				return ci < cj
			}
			return lessShape(r.shapes[i], r.shapes[j], rank)
		})
	}

	if len(r.shapes) == 0 {
		return fmt.Errorf("%w: size %d on a %s machine", ErrNoMatchingShape, r.Size, dims)
	}

	log.Debug("request for %d midplanes (%s): %d candidate shapes",
		r.Size, r.Conn, len(r.shapes))
	return nil
}

func fits(dims geometry.Dims, s geometry.Shape) bool {
	for d := 0; d < dims.Rank(); d++ {
		if s[d] < 1 || s[d] > dims.Size(d) {
			return false
		}
	}
	return true
}

// compactness is the sum of extents, smaller is more compact.
func compactness(s geometry.Shape, rank int) int {
	sum := 0
	for d := 0; d < rank; d++ {
		sum += s[d]
	}
	return sum
}

func lessShape(a, b geometry.Shape, rank int) bool {
	for d := 0; d < rank; d++ {
		if a[d] != b[d] {
			return a[d] < b[d]
		}
	}
	return false
}

// factorizations returns every shape of the given volume which fits
// the machine.
func factorizations(dims geometry.Dims, size int) []geometry.Shape {
	var (
		shapes []geometry.Shape
		walk   func(d, left int, s geometry.Shape)
	)
	walk = func(d, left int, s geometry.Shape) {
		if d == dims.Rank()-1 {
			if left <= dims.Size(d) {
				s[d] = left
				shapes = append(shapes, s)
			}
			return
		}
		for e := 1; e <= dims.Size(d) && e <= left; e++ {
			if left%e != 0 {
				continue
			}
			s[d] = e
			walk(d+1, left/e, s)
		}
	}
	walk(0, size, geometry.Shape{})
	return shapes
}

// rotations returns the distinct permutations of a shape.
func rotations(s geometry.Shape, rank int) []geometry.Shape {
	var (
		out  []geometry.Shape
		seen = map[geometry.Shape]bool{}
		perm func(k int, cur geometry.Shape)
	)
	perm = func(k int, cur geometry.Shape) {
		if k == rank {
			if !seen[cur] {
				seen[cur] = true
				out = append(out, cur)
			}
			return
		}
		for i := k; i < rank; i++ {
			cur[k], cur[i] = cur[i], cur[k]
			perm(k+1, cur)
			cur[k], cur[i] = cur[i], cur[k]
		}
	}
	perm(0, s)
	return out
}
