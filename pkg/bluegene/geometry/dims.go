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

package geometry

import (
	"fmt"
	"sort"
	"strings"

	"github.com/torusched/bgblock/pkg/utils/bitmap"
)

// Dims describes the size of the machine in midplanes per dimension.
type Dims struct {
	size Coord
}

// NewDims returns machine dimensions for the given sizes.
func NewDims(sizes ...int) (Dims, error) {
	if len(sizes) != 3 && len(sizes) != MaxDims {
		return Dims{}, fmt.Errorf("%w: unsupported rank %d", ErrInvalidCoord, len(sizes))
	}
	for d, s := range sizes {
		if s < 1 || s > len(alphaNum) {
			return Dims{}, fmt.Errorf("%w: dimension #%d has invalid size %d",
				ErrInvalidCoord, d, s)
		}
	}
	return Dims{size: NewCoord(sizes...)}, nil
}

// MustDims panics if creating the given dimensions fails.
func MustDims(sizes ...int) Dims {
	d, err := NewDims(sizes...)
	if err != nil {
		panic(err)
	}
	return d
}

// Rank returns the number of dimensions.
func (d Dims) Rank() int {
	return d.size.rank
}

// Size returns the number of midplanes in dimension dim.
func (d Dims) Size(dim int) int {
	return d.size.v[dim]
}

// Shape returns the shape of the whole machine.
func (d Dims) Shape() Shape {
	return Shape(d.size.v)
}

// Count returns the number of midplanes in the machine.
func (d Dims) Count() int {
	return d.Shape().Volume(d.Rank())
}

// String returns the machine size in AxBxC form.
func (d Dims) String() string {
	return d.Shape().Format(d.Rank())
}

// Contains returns true if the coordinate is within the machine.
func (d Dims) Contains(c Coord) bool {
	if c.rank != d.size.rank {
		return false
	}
	for dim := 0; dim < c.rank; dim++ {
		if c.v[dim] < 0 || c.v[dim] >= d.size.v[dim] {
			return false
		}
	}
	return true
}

// Index returns the row-major index of a coordinate, the first
// dimension varying slowest.
func (d Dims) Index(c Coord) int {
	inx := 0
	for dim := 0; dim < d.Rank(); dim++ {
		inx = inx*d.size.v[dim] + c.v[dim]
	}
	return inx
}

// Coord returns the coordinate for a row-major index.
func (d Dims) Coord(inx int) Coord {
	c := Coord{rank: d.Rank()}
	for dim := d.Rank() - 1; dim >= 0; dim-- {
		c.v[dim] = inx % d.size.v[dim]
		inx /= d.size.v[dim]
	}
	return c
}

// Box returns the coordinates of the box with the given start and
// shape in index order. The box must not wrap around.
func (d Dims) Box(start Coord, shape Shape) []Coord {
	var (
		coords []Coord
		walk   func(dim int, c Coord)
	)
	walk = func(dim int, c Coord) {
		if dim == d.Rank() {
			coords = append(coords, c)
			return
		}
		for i := 0; i < shape[dim]; i++ {
			walk(dim+1, c.With(dim, start.v[dim]+i))
		}
	}
	walk(0, start)
	return coords
}

// FitsAt returns true if a box of the given shape starting at start
// stays within the machine.
func (d Dims) FitsAt(start Coord, shape Shape) bool {
	for dim := 0; dim < d.Rank(); dim++ {
		if shape[dim] < 1 || start.v[dim]+shape[dim] > d.size.v[dim] {
			return false
		}
	}
	return true
}

// Name returns the node name of the midplane at the given coordinate.
func (d Dims) Name(prefix string, c Coord) string {
	return prefix + c.String()
}

// ParseName parses a node name such as "bg132" into a coordinate.
func (d Dims) ParseName(prefix, name string) (Coord, error) {
	s := strings.TrimPrefix(name, prefix)
	c, err := ParseCoord(s)
	if err != nil {
		return Coord{}, err
	}
	if !d.Contains(c) {
		return Coord{}, fmt.Errorf("%w: %q outside machine %s", ErrInvalidCoord, name, d)
	}
	return c, nil
}

// ParseNodeList parses a node list into coordinates in index order. A
// node list is a single name, "bg000", or a bracketed list of names and
// boxes, "bg[000x133,200]". The prefix and the brackets are optional.
func (d Dims) ParseNodeList(prefix, list string) ([]Coord, error) {
	s := strings.TrimSpace(list)
	s = strings.TrimPrefix(s, prefix)
	if strings.HasPrefix(s, "[") {
		if !strings.HasSuffix(s, "]") {
			return nil, fmt.Errorf("%w: %q, unterminated bracket", ErrInvalidNodeList, list)
		}
		s = s[1 : len(s)-1]
	}
	if s == "" {
		return nil, fmt.Errorf("%w: %q, no nodes", ErrInvalidNodeList, list)
	}

	seen := map[int]Coord{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimPrefix(strings.TrimSpace(part), prefix)
		ends := strings.FieldsFunc(part, func(r rune) bool { return r == 'x' || r == '-' })
		if len(ends) == 0 || len(ends) > 2 {
			return nil, fmt.Errorf("%w: %q, bad entry %q", ErrInvalidNodeList, list, part)
		}
		start, err := d.parseListCoord(ends[0])
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidNodeList, list, err)
		}
		end := start
		if len(ends) == 2 {
			if end, err = d.parseListCoord(ends[1]); err != nil {
				return nil, fmt.Errorf("%w: %q: %v", ErrInvalidNodeList, list, err)
			}
		}
		var shape Shape
		for dim := 0; dim < d.Rank(); dim++ {
			if end.v[dim] < start.v[dim] {
				return nil, fmt.Errorf("%w: %q, box %s ends before it starts",
					ErrInvalidNodeList, list, part)
			}
			shape[dim] = end.v[dim] - start.v[dim] + 1
		}
		for _, c := range d.Box(start, shape) {
			seen[d.Index(c)] = c
		}
	}

	coords := make([]Coord, 0, len(seen))
	for _, c := range seen {
		coords = append(coords, c)
	}
	sort.Slice(coords, func(i, j int) bool { return coords[i].Less(coords[j]) })
	return coords, nil
}

func (d Dims) parseListCoord(s string) (Coord, error) {
	if len(s) != d.Rank() {
		return Coord{}, fmt.Errorf("%w: %q does not have %d dimensions", ErrInvalidCoord, s, d.Rank())
	}
	c, err := ParseCoord(s)
	if err != nil {
		return Coord{}, err
	}
	if !d.Contains(c) {
		return Coord{}, fmt.Errorf("%w: %q outside machine %s", ErrInvalidCoord, s, d)
	}
	return c, nil
}

// FormatNodeList formats coordinates as a node list. Coordinates filling
// their bounding box are collapsed into a single box.
func (d Dims) FormatNodeList(prefix string, coords []Coord) string {
	switch len(coords) {
	case 0:
		return ""
	case 1:
		return prefix + coords[0].String()
	}

	sorted := append([]Coord(nil), coords...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })

	lo, hi := sorted[0], sorted[0]
	for _, c := range sorted[1:] {
		for dim := 0; dim < d.Rank(); dim++ {
			if c.v[dim] < lo.v[dim] {
				lo.v[dim] = c.v[dim]
			}
			if c.v[dim] > hi.v[dim] {
				hi.v[dim] = c.v[dim]
			}
		}
	}
	var shape Shape
	for dim := 0; dim < d.Rank(); dim++ {
		shape[dim] = hi.v[dim] - lo.v[dim] + 1
	}
	if shape.Volume(d.Rank()) == len(uniq(d, sorted)) {
		return prefix + "[" + lo.String() + "x" + hi.String() + "]"
	}

	names := make([]string, 0, len(sorted))
	for _, c := range uniq(d, sorted) {
		names = append(names, c.String())
	}
	return prefix + "[" + strings.Join(names, ",") + "]"
}

func uniq(d Dims, sorted []Coord) []Coord {
	out := sorted[:0:0]
	for i, c := range sorted {
		if i == 0 || !c.Equal(sorted[i-1]) {
			out = append(out, c)
		}
	}
	return out
}

// Bitmap returns the midplane bitmap of the given coordinates.
func (d Dims) Bitmap(coords []Coord) bitmap.Bitmap {
	bits := make([]int, 0, len(coords))
	for _, c := range coords {
		bits = append(bits, d.Index(c))
	}
	return bitmap.New(bits...)
}

// Coords returns the coordinates of the midplanes in a bitmap.
func (d Dims) Coords(b bitmap.Bitmap) []Coord {
	coords := make([]Coord, 0, b.Size())
	for _, inx := range b.List() {
		coords = append(coords, d.Coord(inx))
	}
	return coords
}
