// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package segment

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/corfudb/logunit/types"
)

// Filer implements types.SegmentFiler against a directory of
// "<segment_id>.log" files, per spec.md §6's filesystem layout.
type Filer struct {
	dir string
}

// NewFiler returns a Filer rooted at dir. The caller is responsible for
// ensuring dir exists and is writable (see package quota).
func NewFiler(dir string) *Filer {
	return &Filer{dir: dir}
}

func (f *Filer) pathFor(id uint64) string {
	return filepath.Join(f.dir, strconv.FormatUint(id, 10)+".log")
}

func (f *Filer) Create(info types.SegmentInfo) (types.SegmentWriter, error) {
	return CreateFile(f.pathFor(info.ID), info)
}

func (f *Filer) RecoverTail(info types.SegmentInfo) (types.SegmentWriter, error) {
	path := f.pathFor(info.ID)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s", os.ErrNotExist, path)
	}
	return OpenForRecovery(path, info)
}

func (f *Filer) Open(info types.SegmentInfo) (types.SegmentReader, error) {
	return OpenReader(f.pathFor(info.ID), info)
}

// List returns every segment id found on disk. Filenames that don't parse
// as decimal integers are ignored, per spec.md §6.
func (f *Filer) List() ([]uint64, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, err
	}
	var out []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".log") {
			continue
		}
		idStr := strings.TrimSuffix(name, ".log")
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

func (f *Filer) Delete(id uint64) error {
	path := f.pathFor(id)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return syncDir(f.dir)
}

// Size returns the on-disk size of segment id, or 0 if it doesn't exist.
// Used by the quota agent to account for deletions.
func (f *Filer) Size(id uint64) int64 {
	fi, err := os.Stat(f.pathFor(id))
	if err != nil {
		return 0
	}
	return fi.Size()
}

var _ types.SegmentFiler = (*Filer)(nil)
