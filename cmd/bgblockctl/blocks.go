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
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/torusched/bgblock/pkg/bluegene/block"
	"github.com/torusched/bgblock/pkg/utils/bitmap"
)

// blockFilter selects the blocks to list.
type blockFilter struct {
	states []block.State
	nodes  bitmap.Bitmap
}

func newBlocksCmd(l *loader) *cobra.Command {
	var (
		stateNames []string
		nodes      string
	)
	cmd := &cobra.Command{
		Use:   "blocks",
		Short: "List blocks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, snap, err := l.load()
			if err != nil {
				return err
			}
			f, err := parseFilter(p, stateNames, nodes)
			if err != nil {
				return err
			}
			return printBlocks(cmd.OutOrStdout(), snap.Records, f)
		},
	}
	cmd.Flags().StringSliceVar(&stateNames, "state", nil, "only list blocks in these states")
	cmd.Flags().StringVar(&nodes, "nodes", "", "only list blocks using these midplanes, for instance bg[000x011]")
	return cmd
}

func parseFilter(p *block.Params, stateNames []string, nodes string) (*blockFilter, error) {
	f := &blockFilter{nodes: bitmap.New()}
	for _, name := range stateNames {
		st, err := block.ParseState(name)
		if err != nil {
			return nil, err
		}
		f.states = append(f.states, st)
	}
	if nodes != "" {
		coords, err := p.Dims.ParseNodeList(p.NodePrefix, nodes)
		if err != nil {
			return nil, err
		}
		for _, c := range coords {
			f.nodes = f.nodes.Set(p.Dims.Index(c))
		}
	}
	return f, nil
}

func (f *blockFilter) matches(rec *block.Record) bool {
	if len(f.states) > 0 {
		found := false
		for _, st := range f.states {
			if rec.State == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.nodes.IsEmpty() && !rec.Bitmap.Overlaps(f.nodes) {
		return false
	}
	return true
}

func printBlocks(w io.Writer, records []*block.Record, f *blockFilter) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNODES\tCONN\tSTATE\tNODECNT\tJOB\tUSER\tREASON")
	for _, rec := range records {
		if !f.matches(rec) {
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			orDash(rec.ID), rec.NodeName(), rec.Conn, rec.State, rec.NodeCnt,
			jobString(rec.JobRunning), orDash(rec.UserName), orDash(rec.Reason))
	}
	return tw.Flush()
}

func jobString(job int) string {
	switch {
	case job == block.JobError:
		return "error"
	case job <= block.JobNone:
		return "-"
	}
	return fmt.Sprintf("%d", job)
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
