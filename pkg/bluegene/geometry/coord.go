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

// Package geometry implements the coordinate model of a torus-mesh
// machine: midplane coordinates, their names and indices, node lists,
// axis switches and mesh nodes.
package geometry

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	// MaxDims is the highest supported number of dimensions.
	MaxDims = 4
	// X is the index of the X dimension in a 3-dimensional machine.
	X = 0
	// Y is the index of the Y dimension in a 3-dimensional machine.
	Y = 1
	// Z is the index of the Z dimension in a 3-dimensional machine.
	Z = 2

	alphaNum = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

var (
	// ErrInvalidCoord is returned for unparseable or out of bounds coordinates.
	ErrInvalidCoord = errors.New("invalid coordinate")
	// ErrInvalidNodeList is returned for unparseable node lists.
	ErrInvalidNodeList = errors.New("invalid node list")
)

// Coord is a fixed-rank coordinate of a midplane.
type Coord struct {
	rank int
	v    [MaxDims]int
}

// NewCoord returns a coordinate with the given values.
func NewCoord(values ...int) Coord {
	if len(values) > MaxDims {
		panic(fmt.Sprintf("coordinate rank %d exceeds %d", len(values), MaxDims))
	}
	c := Coord{rank: len(values)}
	copy(c.v[:], values)
	return c
}

// Rank returns the number of dimensions of the coordinate.
func (c Coord) Rank() int {
	return c.rank
}

// At returns the value of the coordinate in dimension d.
func (c Coord) At(d int) int {
	return c.v[d]
}

// With returns a copy of the coordinate with dimension d set to value.
func (c Coord) With(d, value int) Coord {
	c.v[d] = value
	return c
}

// Values returns the coordinate values as a slice.
func (c Coord) Values() []int {
	return append([]int(nil), c.v[:c.rank]...)
}

// Equal returns true if the two coordinates are identical.
func (c Coord) Equal(o Coord) bool {
	return c == o
}

// Less orders coordinates by dimension, the first dimension slowest.
func (c Coord) Less(o Coord) bool {
	for d := 0; d < MaxDims; d++ {
		if c.v[d] != o.v[d] {
			return c.v[d] < o.v[d]
		}
	}
	return c.rank < o.rank
}

// String returns the coordinate in name form, one base-36 character
// per dimension.
func (c Coord) String() string {
	b := make([]byte, c.rank)
	for d := 0; d < c.rank; d++ {
		v := c.v[d]
		if v < 0 || v >= len(alphaNum) {
			return fmt.Sprintf("<invalid coordinate %v>", c.v[:c.rank])
		}
		b[d] = alphaNum[v]
	}
	return string(b)
}

// ParseCoord parses the name form of a coordinate.
func ParseCoord(s string) (Coord, error) {
	if len(s) == 0 || len(s) > MaxDims {
		return Coord{}, fmt.Errorf("%w: %q", ErrInvalidCoord, s)
	}
	c := Coord{rank: len(s)}
	for d := 0; d < len(s); d++ {
		v := strings.IndexByte(alphaNum, upper(s[d]))
		if v < 0 {
			return Coord{}, fmt.Errorf("%w: %q, bad character %q", ErrInvalidCoord, s, s[d])
		}
		c.v[d] = v
	}
	return c, nil
}

// MarshalJSON implements json.Marshaler.
func (c Coord) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Coord) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*c = Coord{}
		return nil
	}
	parsed, err := ParseCoord(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

func upper(b byte) byte {
	if b >= 'a' && b <= 'z' {
		return b - 'a' + 'A'
	}
	return b
}

// Shape is the extent of a box in midplanes per dimension.
type Shape [MaxDims]int

// Volume returns the number of midplanes in a box of the given rank.
func (s Shape) Volume(rank int) int {
	v := 1
	for d := 0; d < rank; d++ {
		v *= s[d]
	}
	return v
}

// Format returns the shape in the usual AxBxC form.
func (s Shape) Format(rank int) string {
	parts := make([]string, rank)
	for d := 0; d < rank; d++ {
		parts[d] = fmt.Sprintf("%d", s[d])
	}
	return strings.Join(parts, "x")
}
