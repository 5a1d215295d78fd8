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
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/torusched/bgblock/pkg/bluegene/block"
	"github.com/torusched/bgblock/pkg/bluegene/geometry"
)

const (
	gridFree  = '.'
	gridDown  = '#'
	gridLabel = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
)

func newGridCmd(l *loader) *cobra.Command {
	return &cobra.Command{
		Use:   "grid",
		Short: "Show blocks on a grid of midplanes",
		Long: `grid prints one character per midplane: the letter of the block
using it, '.' if no block is in use there and '#' if a block there is in
error. Rows go from the highest y down, z planes are staggered.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, snap, err := l.load()
			if err != nil {
				return err
			}
			return renderGrid(cmd.OutOrStdout(), p, snap.Records)
		},
	}
}

// inUse returns true if a block shows up on the grid with a letter.
func inUse(rec *block.Record) bool {
	return rec.JobRunning > block.JobNone || rec.State == block.StateReady ||
		rec.State == block.StateConfiguring || rec.State == block.StateBusy
}

// renderGrid draws the midplanes of the machine. The last dimension is
// staggered, the one before it runs top-down and all others are laid out
// left to right.
func renderGrid(w io.Writer, p *block.Params, records []*block.Record) error {
	var (
		dims   = p.Dims
		rank   = dims.Rank()
		cells  = make([]byte, dims.Count())
		legend []string
		next   = 0
	)
	for i := range cells {
		cells[i] = gridFree
	}

	for _, rec := range records {
		switch {
		case rec.State == block.StateError:
			for _, inx := range rec.Bitmap.List() {
				cells[inx] = gridDown
			}
		case inUse(rec):
			label := gridLabel[next%len(gridLabel)]
			next++
			for _, inx := range rec.Bitmap.List() {
				if cells[inx] == gridFree {
					cells[inx] = label
				}
			}
			legend = append(legend, fmt.Sprintf("%c %-20s %-8s %-6s job %s",
				label, rec.NodeName(), rec.State, rec.Conn, jobString(rec.JobRunning)))
		}
	}

	zDim, yDim := rank-1, rank-2
	columns := columnCoords(dims, yDim)

	var b strings.Builder
	for y := dims.Size(yDim) - 1; y >= 0; y-- {
		for z := dims.Size(zDim) - 1; z >= 0; z-- {
			b.WriteString(strings.Repeat(" ", z))
			for i, col := range columns {
				if i > 0 && rank > 3 && col.At(1) == 0 {
					b.WriteByte(' ')
				}
				c := col.With(yDim, y).With(zDim, z)
				b.WriteByte(cells[dims.Index(c)])
			}
			b.WriteByte('\n')
		}
	}
	if len(legend) > 0 {
		b.WriteByte('\n')
		for _, line := range legend {
			b.WriteString(strings.TrimRight(line, " "))
			b.WriteByte('\n')
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// columnCoords returns the coordinates of the grid columns, every
// combination of the dimensions before yDim with y and z at 0.
func columnCoords(dims geometry.Dims, yDim int) []geometry.Coord {
	var (
		values = make([]int, dims.Rank())
		cols   []geometry.Coord
	)
	for {
		cols = append(cols, geometry.NewCoord(values...))
		d := yDim - 1
		for ; d >= 0; d-- {
			values[d]++
			if values[d] < dims.Size(d) {
				break
			}
			values[d] = 0
		}
		if d < 0 {
			return cols
		}
	}
}
