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

package state

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/torusched/bgblock/pkg/bluegene/block"
	"github.com/torusched/bgblock/pkg/bluegene/lifecycle"
	"github.com/torusched/bgblock/pkg/instrumentation/tracing"
)

const (
	// FileName is the name of the state file in the state directory.
	FileName = "block_state"
)

// Select returns copies of the records worth saving. Without real
// hardware all blocks are saved, otherwise only the ones in error, as the
// control system remembers the rest. Must be called with the registry
// locked.
func Select(reg *block.Registry) []*block.Record {
	p := reg.Params()
	var records []*block.Record
	for _, rec := range reg.Main() {
		if !p.Simulated && rec.State != block.StateError {
			continue
		}
		records = append(records, rec.Copy())
	}
	return records
}

// Save writes the state file in dir, keeping the previous one as a
// backup.
func Save(ctx context.Context, dir string, records []*block.Record) (retErr error) {
	_, span := tracing.StartSpan(ctx, "SaveState",
		tracing.WithAttributes(tracing.Attribute("records", len(records))),
	)
	defer func() { span.End(tracing.WithStatus(retErr)) }()

	var buf bytes.Buffer
	if err := Encode(&buf, records, time.Now()); err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create state directory %s", dir)
	}

	var (
		path    = filepath.Join(dir, FileName)
		newPath = path + ".new"
		oldPath = path + ".old"
	)

	if err := os.WriteFile(newPath, buf.Bytes(), 0o600); err != nil {
		return errors.Wrapf(err, "failed to write %s", newPath)
	}

	if err := os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
		log.Warn("failed to remove %s: %v", oldPath, err)
	}
	if err := os.Link(path, oldPath); err != nil && !os.IsNotExist(err) {
		log.Warn("failed to keep %s as %s: %v", path, oldPath, err)
	}
	if err := os.Rename(newPath, path); err != nil {
		return errors.Wrapf(err, "failed to rename %s to %s", newPath, path)
	}

	log.Debug("saved %d blocks to %s", len(records), path)
	return nil
}

// Load reads the state file in dir. A missing file is reported with an
// error matching os.ErrNotExist.
func Load(dir string) (*Snapshot, error) {
	path := filepath.Join(dir, FileName)
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open state file")
	}
	defer f.Close()

	snap, err := Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load %s", path)
	}

	log.Info("loaded %d blocks saved at %s from %s", len(snap.Records),
		snap.Time.Format(time.RFC3339), path)
	return snap, nil
}

// Apply restores saved blocks. Without real hardware the blocks are
// created anew, keeping their saved state when it is an error. With
// real hardware the blocks are already there, and the ones found are put
// back in error with the saved reason.
func Apply(ctx context.Context, mgr *lifecycle.Manager, reg *block.Registry, snap *Snapshot) error {
	if snap == nil {
		return nil
	}
	p := reg.Params()

	if p.Simulated {
		var records []*block.Record
		reg.Lock()
		for _, saved := range snap.Records {
			if reg.ExistsByContent(saved) {
				continue
			}
			rec := saved.Copy()
			rec.ID = ""
			rec.JobRunning = block.JobNone
			rec.Job = nil
			rec.FreeCnt = 0
			rec.Modifying = false
			if rec.State != block.StateError {
				rec.State = block.StateFree
				rec.Reason = ""
			}
			records = append(records, rec)
		}
		reg.Unlock()

		added, err := mgr.Configure(ctx, records)
		log.Info("restored %d of %d saved blocks", len(added), len(snap.Records))
		return err
	}

	for _, saved := range snap.Records {
		if saved.State != block.StateError {
			continue
		}
		reg.Lock()
		found := reg.FindByID(saved.ID)
		if found == nil {
			found = reg.FindByContent(saved)
		}
		reg.Unlock()

		if found == nil {
			log.Warn("saved block %s in error not found, ignoring it", saved.Name())
			continue
		}
		if err := mgr.PutInError(ctx, found, saved.Reason); err != nil {
			log.Error("failed to restore error state of block %s: %v", found.Name(), err)
		}
	}

	return nil
}
