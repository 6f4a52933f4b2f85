// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package logunit

import (
	"sort"

	"github.com/go-kit/log/level"

	"github.com/corfudb/logunit/types"
)

// recover implements spec.md §4.5's startup recovery protocol. It is called
// once from Open, before the engine is handed back to the caller.
//
//  1. the log directory and metadata store are already open by the time
//     recover runs (Open's job, not this one's).
//  2. load the last persisted snapshot and compute highest_loaded, the
//     highest address any stream already reflects.
//  3. scan every segment file on disk, address by address, skipping
//     anything at or below highest_loaded or below the trim mark, folding
//     everything else into the metadata index.
//  4. throw away the temporary read-only handles the scan opened; live
//     operation opens its own handles lazily through segmentMap.
func (e *Engine) recover() error {
	ps := types.PersistentState{}
	var err error
	if ps.StartingAddress, err = e.store.GetStartingAddress(); err != nil {
		return err
	}
	if ps.CommittedTail, err = e.store.GetCommittedTail(); err != nil {
		return err
	}
	if ps.TailSegment, err = e.store.GetTailSegment(); err != nil {
		return err
	}
	blobs, err := e.store.GetLogUnitMetadata()
	if err != nil {
		return err
	}
	ps.StreamAddressSpaces = blobsToSpaces(blobs)

	if err := e.meta.LoadSnapshot(ps); err != nil {
		return err
	}

	highestLoaded := e.meta.HighestStreamTail()
	startingAddress := e.meta.StartingAddress()

	ids, err := e.segFiler.List()
	if err != nil {
		return err
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var maxSegID uint64
	var sawAny bool
	for _, id := range ids {
		if id > maxSegID || !sawAny {
			maxSegID = id
			sawAny = true
		}
		e.quota.Add(e.segFiler.Size(id))

		info := e.segmentInfo(id)
		r, err := e.segFiler.Open(info)
		if err != nil {
			level.Warn(e.cfg.logger).Log("msg", "recovery: skipping unreadable segment", "segment", id, "err", err)
			continue
		}
		e.recoverSegment(r, highestLoaded, startingAddress)
		r.Close()
	}

	if sawAny && maxSegID > e.meta.TailSegment() {
		e.meta.SyncTailSegment(maxSegID*e.cfg.recordsPerSegment, e.cfg.recordsPerSegment, true)
	}

	// spec.md §4.5's edge case: if the persisted global tail trails the
	// trim mark (the log was trimmed past everything ever written), the
	// tail segment must still advance to cover the trim mark itself so the
	// next append opens the right file instead of reusing a deleted one.
	if startingAddress > 0 {
		trimSeg := (startingAddress - 1) / e.cfg.recordsPerSegment
		if trimSeg > e.meta.TailSegment() {
			e.meta.SyncTailSegment(startingAddress-1, e.cfg.recordsPerSegment, true)
		}
	}

	return nil
}

// recoverSegment folds one segment's on-disk addresses into the metadata
// index, in ascending order, skipping anything already reflected or
// logically trimmed.
func (e *Engine) recoverSegment(r types.SegmentReader, highestLoaded, startingAddress types.Address) {
	addrs := r.Addresses()
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	for _, addr := range addrs {
		if addr < startingAddress {
			continue
		}
		if highestLoaded != types.NonAddress && addr <= highestLoaded {
			continue
		}
		entry, err := r.GetEntry(addr)
		if err != nil {
			e.metrics.corruptions.Inc()
			level.Warn(e.cfg.logger).Log("msg", "recovery: corrupt record, continuing", "address", addr, "err", err)
			continue
		}
		e.meta.RecordAppend(addr, entry.StreamIDs)
	}
}

