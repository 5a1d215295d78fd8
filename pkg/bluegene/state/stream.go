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

// Package state saves and restores blocks across restarts.
//
// The state is a stream of a length-prefixed version string, the number
// of records, the time of saving as unix seconds, then one length-prefixed
// JSON encoded record per block. Integers are big-endian.
package state

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/torusched/bgblock/pkg/bluegene/block"
	logger "github.com/torusched/bgblock/pkg/log"
)

const (
	// Version is the version of the stream format.
	Version = "VER002"
	// maxRecordSize is the size of the largest record we accept.
	maxRecordSize = 16 << 20
)

var (
	log = logger.Get("state")

	// ErrUnknownVersion is returned for streams of an unsupported version.
	ErrUnknownVersion = errors.New("unknown state version")
	// ErrCorrupt is returned for streams which can't be decoded.
	ErrCorrupt = errors.New("corrupt state")
)

// Snapshot is a decoded state stream.
type Snapshot struct {
	// Time is when the state was saved.
	Time time.Time
	// Count is the number of records the stream claims to have.
	Count int
	// Records are the records found in the stream.
	Records []*block.Record
}

// Encode writes the records as a state stream.
func Encode(w io.Writer, records []*block.Record, now time.Time) error {
	var buf bytes.Buffer

	writeBytes(&buf, []byte(Version))

	// reserve room for the count, written once all records are in
	countAt := buf.Len()
	writeUint32(&buf, 0)
	writeUint64(&buf, uint64(now.Unix()))

	count := 0
	for _, rec := range records {
		if rec == nil {
			continue
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return errors.Wrapf(err, "failed to encode block %s", rec.Name())
		}
		writeBytes(&buf, data)
		count++
	}

	binary.BigEndian.PutUint32(buf.Bytes()[countAt:], uint32(count))

	if _, err := w.Write(buf.Bytes()); err != nil {
		return errors.Wrap(err, "failed to write state")
	}
	return nil
}

// Decode reads a state stream. A stream with fewer or more records than
// it claims is accepted, as is one cut short in the middle of a record.
// In both cases the records which could be read are returned.
func Decode(r io.Reader) (*Snapshot, error) {
	version, err := readBytes(r)
	if err != nil {
		return nil, errors.Wrapf(ErrCorrupt, "failed to read version: %v", err)
	}
	if string(version) != Version {
		return nil, errors.Wrapf(ErrUnknownVersion, "%q, expected %q", string(version), Version)
	}

	count, err := readUint32(r)
	if err != nil {
		return nil, errors.Wrapf(ErrCorrupt, "failed to read record count: %v", err)
	}
	secs, err := readUint64(r)
	if err != nil {
		return nil, errors.Wrapf(ErrCorrupt, "failed to read time: %v", err)
	}

	snap := &Snapshot{
		Time:  time.Unix(int64(secs), 0),
		Count: int(count),
	}

	for {
		data, err := readBytes(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Error("state cut short after %d records: %v", len(snap.Records), err)
			break
		}
		rec := &block.Record{}
		if err := json.Unmarshal(data, rec); err != nil {
			log.Error("skipping undecodable record #%d: %v", len(snap.Records), err)
			continue
		}
		snap.Records = append(snap.Records, rec)
	}

	if len(snap.Records) != snap.Count {
		log.Warn("state claims %d records, found %d", snap.Count, len(snap.Records))
	}

	return snap, nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeBytes(buf *bytes.Buffer, data []byte) {
	writeUint32(buf, uint32(len(data)))
	buf.Write(data)
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

// readBytes reads a length-prefixed byte slice. It returns io.EOF only
// if the stream ends cleanly before the length.
func readBytes(r io.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if n > maxRecordSize {
		return nil, errors.Errorf("record of %d bytes too large", n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return data, nil
}
