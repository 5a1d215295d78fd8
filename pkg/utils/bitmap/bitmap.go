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

// Package bitmap implements immutable bitmaps over small non-negative
// integer indices, such as midplane indices or I/O node indices within
// a midplane. The string form is the usual range list, "0-3,8,10-11".
package bitmap

import (
	"encoding/json"
	"fmt"

	"k8s.io/utils/cpuset"
)

// Bitmap is an immutable set of bit indices.
type Bitmap struct {
	set cpuset.CPUSet
}

// New returns a bitmap with the given bits set.
func New(bits ...int) Bitmap {
	return Bitmap{set: cpuset.New(bits...)}
}

// Range returns a bitmap with bits start through end (inclusive) set.
func Range(start, end int) Bitmap {
	if end < start {
		return New()
	}
	bits := make([]int, 0, end-start+1)
	for i := start; i <= end; i++ {
		bits = append(bits, i)
	}
	return New(bits...)
}

// Parse parses a range list into a bitmap.
func Parse(s string) (Bitmap, error) {
	set, err := cpuset.Parse(s)
	if err != nil {
		return Bitmap{}, fmt.Errorf("invalid bitmap %q: %w", s, err)
	}
	return Bitmap{set: set}, nil
}

// MustParse panics if parsing the given range list fails.
func MustParse(s string) Bitmap {
	b, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return b
}

// Size returns the number of bits set.
func (b Bitmap) Size() int {
	return b.set.Size()
}

// IsEmpty returns true if no bits are set.
func (b Bitmap) IsEmpty() bool {
	return b.set.Size() == 0
}

// Test returns true if bit i is set.
func (b Bitmap) Test(i int) bool {
	return b.set.Contains(i)
}

// First returns the lowest set bit, or -1 for an empty bitmap.
func (b Bitmap) First() int {
	if b.IsEmpty() {
		return -1
	}
	return b.set.List()[0]
}

// Last returns the highest set bit, or -1 for an empty bitmap.
func (b Bitmap) Last() int {
	if b.IsEmpty() {
		return -1
	}
	l := b.set.List()
	return l[len(l)-1]
}

// Set returns a copy of the bitmap with the given bits also set.
func (b Bitmap) Set(bits ...int) Bitmap {
	return Bitmap{set: b.set.Union(cpuset.New(bits...))}
}

// Clear returns a copy of the bitmap with the given bits cleared.
func (b Bitmap) Clear(bits ...int) Bitmap {
	return Bitmap{set: b.set.Difference(cpuset.New(bits...))}
}

// Union returns the union of the bitmaps.
func (b Bitmap) Union(others ...Bitmap) Bitmap {
	sets := make([]cpuset.CPUSet, 0, len(others))
	for _, o := range others {
		sets = append(sets, o.set)
	}
	return Bitmap{set: b.set.Union(sets...)}
}

// Intersection returns the bits set in both bitmaps.
func (b Bitmap) Intersection(o Bitmap) Bitmap {
	return Bitmap{set: b.set.Intersection(o.set)}
}

// Difference returns the bits set in b but not in o.
func (b Bitmap) Difference(o Bitmap) Bitmap {
	return Bitmap{set: b.set.Difference(o.set)}
}

// Complement returns the bits in [0, n) which are not set in b.
func (b Bitmap) Complement(n int) Bitmap {
	return Range(0, n-1).Difference(b)
}

// Overlap returns the number of bits set in both bitmaps.
func (b Bitmap) Overlap(o Bitmap) int {
	return b.set.Intersection(o.set).Size()
}

// Overlaps returns true if the bitmaps have any bits in common.
func (b Bitmap) Overlaps(o Bitmap) bool {
	return b.Overlap(o) > 0
}

// IsSubsetOf returns true if every bit set in b is also set in o.
func (b Bitmap) IsSubsetOf(o Bitmap) bool {
	return b.set.IsSubsetOf(o.set)
}

// Equals returns true if the bitmaps have identical bits set.
func (b Bitmap) Equals(o Bitmap) bool {
	return b.Size() == o.Size() && b.IsSubsetOf(o)
}

// List returns the set bits in increasing order.
func (b Bitmap) List() []int {
	return b.set.List()
}

// String returns the bitmap as a range list.
func (b Bitmap) String() string {
	return b.set.String()
}

// MarshalJSON implements json.Marshaler.
func (b Bitmap) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *Bitmap) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}
