// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package metadata implements the log-unit's in-memory metadata index:
// global tail, per-stream tails, per-stream address spaces, committed tail
// and trim mark. Updates are atomic per operation, following the same
// commit-then-swap discipline wal.go uses for its segment map (here via a
// single RWMutex rather than a lock-free swap, since the per-stream address
// spaces are mutated in place and aren't cheap to deep-copy on every
// append).
package metadata

import (
	"sync"

	"github.com/benbjohnson/immutable"

	"github.com/corfudb/logunit/addrspace"
	"github.com/corfudb/logunit/types"
)

// Index is the metadata index described in spec.md §4.2. The zero value is
// not usable; construct with New.
type Index struct {
	mu sync.RWMutex

	globalTail      types.Address
	startingAddress types.Address
	committedTail   types.Address
	tailSegment     uint64

	streamTails *immutable.SortedMap[types.StreamID, types.Address]
	streams     map[types.StreamID]*addrspace.Set
}

// New returns an Index initialized to the empty log: global tail
// NonAddress, starting address 0, committed tail NonAddress, tail segment 0.
func New() *Index {
	return &Index{
		globalTail:      types.NonAddress,
		committedTail:   types.NonAddress,
		streamTails:     immutable.NewSortedMap[types.StreamID, types.Address](uuidComparer{}),
		streams:         make(map[types.StreamID]*addrspace.Set),
	}
}

type uuidComparer struct{}

func (uuidComparer) Compare(a, b types.StreamID) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// RecordAppend updates global tail, per-stream tails and per-stream address
// spaces for a single successfully-written entry. It is the single place
// spec.md §4.2's "update rules" are applied.
func (idx *Index) RecordAppend(addr types.Address, streamIDs []types.StreamID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.recordAppendLocked(addr, streamIDs)
}

func (idx *Index) recordAppendLocked(addr types.Address, streamIDs []types.StreamID) {
	if idx.globalTail == types.NonAddress || addr > idx.globalTail {
		idx.globalTail = addr
	}
	for _, sid := range streamIDs {
		set, ok := idx.streams[sid]
		if !ok {
			set = addrspace.NewSet()
			idx.streams[sid] = set
		}
		set.Add(addr)
		tail, _ := set.Tail()
		cur, ok := idx.streamTails.Get(sid)
		if !ok || tail > cur {
			idx.streamTails = idx.streamTails.Set(sid, tail)
		}
	}
}

// RecordAppendBatch applies RecordAppend for every entry, holding the lock
// once for the whole batch.
func (idx *Index) RecordAppendBatch(entries []types.Entry) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, e := range entries {
		idx.recordAppendLocked(e.Address, e.StreamIDs)
	}
}

// GlobalTail returns the highest address ever successfully appended.
func (idx *Index) GlobalTail() types.Address {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.globalTail
}

// SetGlobalTail forcibly sets the global tail; used only by Reset.
func (idx *Index) SetGlobalTail(addr types.Address) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.globalTail = addr
}

// HighestStreamTail returns the maximum tail across every stream, or
// types.NonAddress if no stream has ever been written. Recovery (spec.md
// §4.5 step 2) uses this as "highest_loaded" to know which already-loaded
// addresses the forward segment scan can skip.
func (idx *Index) HighestStreamTail() types.Address {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	max := types.NonAddress
	itr := idx.streamTails.Iterator()
	for !itr.Done() {
		_, tail, _ := itr.Next()
		if max == types.NonAddress || tail > max {
			max = tail
		}
	}
	return max
}

// StreamTail returns the highest address written for sid, and whether sid
// has ever been written.
func (idx *Index) StreamTail(sid types.StreamID) (types.Address, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.streamTails.Get(sid)
}

// GetTails returns the global tail plus the per-stream tail for each
// requested stream id (spec.md §4.3 get_tails).
func (idx *Index) GetTails(streams []types.StreamID) (types.Address, map[types.StreamID]types.Address) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make(map[types.StreamID]types.Address, len(streams))
	for _, sid := range streams {
		if t, ok := idx.streamTails.Get(sid); ok {
			out[sid] = t
		}
	}
	return idx.globalTail, out
}

// StreamRange returns a snapshot range query over one stream's
// address space.
func (idx *Index) StreamRange(sid types.StreamID, lo, hi types.Address) []types.Address {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	set, ok := idx.streams[sid]
	if !ok {
		return nil
	}
	return set.Range(lo, hi)
}

// GetStreamsAddressSpace returns the global tail plus every stream's full
// address-space snapshot (spec.md §4.3 get_streams_address_space).
func (idx *Index) GetStreamsAddressSpace() (types.Address, map[types.StreamID][]types.Address) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make(map[types.StreamID][]types.Address, len(idx.streams))
	for sid, set := range idx.streams {
		if min, ok := set.Min(); ok {
			if tail, ok2 := set.Tail(); ok2 {
				out[sid] = set.Range(min, tail)
			}
		}
	}
	return idx.globalTail, out
}

// StartingAddress is the trim mark: addresses strictly below it are
// logically trimmed.
func (idx *Index) StartingAddress() types.Address {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.startingAddress
}

// PrefixTrim advances the trim mark to addr+1 and drops addr and everything
// below it from every stream's address space. Idempotent: a lower or equal
// addr is a no-op, matching spec.md §4.2/§8.
func (idx *Index) PrefixTrim(addr types.Address) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	newMark := addr + 1
	if newMark <= idx.startingAddress {
		return
	}
	idx.startingAddress = newMark
	for _, set := range idx.streams {
		set.TrimPrefix(addr)
	}
}

// CommittedTail returns the highest address the cluster considers durably
// replicated. It is a policy input set by the layer above, persisted here
// verbatim.
func (idx *Index) CommittedTail() types.Address {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.committedTail
}

// SetCommittedTail updates the committed tail.
func (idx *Index) SetCommittedTail(addr types.Address) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.committedTail = addr
}

// TailSegment returns the highest segment id ever opened for write.
func (idx *Index) TailSegment() uint64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.tailSegment
}

// SyncTailSegment implements spec.md §4.2's sync_tail_segment: it sets
// tailSegment = max(tailSegment, addr/N), unless force is set, in which case
// regression is permitted (used by Reset).
func (idx *Index) SyncTailSegment(addr types.Address, recordsPerSegment uint64, force bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	seg := segmentFor(addr, recordsPerSegment)
	if force {
		idx.tailSegment = seg
		return
	}
	if seg > idx.tailSegment {
		idx.tailSegment = seg
	}
}

func segmentFor(addr types.Address, recordsPerSegment uint64) uint64 {
	if addr == types.NonAddress {
		return 0
	}
	return addr / recordsPerSegment
}

// Reset clears the global tail and every stream's tail and address space;
// the trim mark, committed tail and tail segment are kept. Used by the
// engine's Reset protocol before rescanning surviving segments.
func (idx *Index) Reset() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.globalTail = types.NonAddress
	idx.streamTails = immutable.NewSortedMap[types.StreamID, types.Address](uuidComparer{})
	idx.streams = make(map[types.StreamID]*addrspace.Set)
}

// Snapshot returns a types.PersistentState suitable for persisting via
// types.MetaStore — the advisory snapshot spec.md §4.2 describes.
func (idx *Index) Snapshot() types.PersistentState {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	spaces := make(map[string][]byte, len(idx.streams))
	for sid, set := range idx.streams {
		spaces[sid.String()] = set.Marshal()
	}
	return types.PersistentState{
		StartingAddress:     idx.startingAddress,
		CommittedTail:       idx.committedTail,
		TailSegment:         idx.tailSegment,
		StreamAddressSpaces: spaces,
	}
}

// LoadSnapshot seeds the index from a previously-persisted, possibly-stale
// snapshot. Recovery is responsible for scanning forward from here.
func (idx *Index) LoadSnapshot(ps types.PersistentState) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.startingAddress = ps.StartingAddress
	idx.committedTail = ps.CommittedTail
	idx.tailSegment = ps.TailSegment

	for sidStr, enc := range ps.StreamAddressSpaces {
		sid, err := types.ParseStreamID(sidStr)
		if err != nil {
			continue
		}
		set := addrspace.Unmarshal(enc)
		idx.streams[sid] = set
		if tail, ok := set.Tail(); ok {
			idx.streamTails = idx.streamTails.Set(sid, tail)
			if idx.globalTail == types.NonAddress || tail > idx.globalTail {
				idx.globalTail = tail
			}
		}
	}
	return nil
}
