// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package logunit implements the CorfuDB-style log-unit persistent storage
// engine: a single node's durable, globally-addressed, stream-indexed
// append-only log. See Open for the entry point.
package logunit

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/go-kit/log/level"

	"github.com/corfudb/logunit/datastore"
	"github.com/corfudb/logunit/metadata"
	"github.com/corfudb/logunit/quota"
	"github.com/corfudb/logunit/segment"
	"github.com/corfudb/logunit/types"
)

// Engine is the public contract from spec.md §4.3: append, read, contains,
// get-tails, get-stream-address-space, prefix-trim, compact, reset, sync,
// close. The zero value is not usable; construct with Open.
type Engine struct {
	dir    string
	logDir string
	cfg    *config

	store    types.MetaStore
	segFiler types.SegmentFiler
	meta     *metadata.Index
	quota    *quota.Agent
	metrics  *engineMetrics
	segments *segmentMap

	// resetLock is spec.md §5's reset_lock: normal I/O takes the read
	// side, reset() and compact() take the write side.
	resetLock sync.RWMutex

	closed int32 // atomic
}

// Open opens (creating if absent) a log-unit rooted at dir, running
// recovery before returning, per spec.md §4.5.
func Open(dir string, opts ...Option) (*Engine, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	logDir := filepath.Join(dir, "log")
	if err := quota.EnsureLogDirectory(logDir); err != nil {
		return nil, fmt.Errorf("%w: %s", types.ErrLogUnit, err)
	}

	store, err := datastore.Open(filepath.Join(dir, "log_metadata"))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", types.ErrLogUnit, err)
	}

	e := &Engine{
		dir:      dir,
		logDir:   logDir,
		cfg:      cfg,
		store:    store,
		segFiler: segment.NewFiler(logDir),
		meta:     metadata.New(),
		quota:    quota.New(logDir, cfg.quotaLimitBytes),
		metrics:  newEngineMetrics(cfg.registerer),
		segments: newSegmentMap(),
	}

	if err := e.recover(); err != nil {
		store.Close()
		return nil, fmt.Errorf("%w: recovery: %s", types.ErrLogUnit, err)
	}

	level.Info(cfg.logger).Log("msg", "log-unit opened", "dir", dir,
		"global_tail", e.meta.GlobalTail(), "starting_address", e.meta.StartingAddress(),
		"tail_segment", e.meta.TailSegment())

	return e, nil
}

func (e *Engine) isClosed() bool {
	return atomic.LoadInt32(&e.closed) != 0
}

// segmentInfo builds the SegmentInfo for id under the engine's configured
// segment width.
func (e *Engine) segmentInfo(id uint64) types.SegmentInfo {
	return types.SegmentInfo{
		ID:                id,
		BaseAddress:       id * e.cfg.recordsPerSegment,
		RecordsPerSegment: e.cfg.recordsPerSegment,
	}
}

func (e *Engine) segmentFor(addr types.Address) uint64 {
	return addr / e.cfg.recordsPerSegment
}

// acquireSegment returns a retained handle for segID, opening it (recovering
// an existing file, or creating a new one) on first reference. There is no
// sealed/unsealed distinction in this engine (unlike the teacher's
// raft-wal): any segment, however old, may still receive an append, so
// every live handle is write-capable. segment.Reader is used only by the
// one-time recovery scan in recovery.go and by Reset's segment scans in
// reset.go.
func (e *Engine) acquireSegment(segID uint64) (*segHandle, error) {
	h, err := e.segments.getOrOpen(segID, func() (*segHandle, error) {
		info := e.segmentInfo(segID)
		w, err := e.segFiler.RecoverTail(info)
		if errors.Is(err, os.ErrNotExist) {
			w, err = e.segFiler.Create(info)
		}
		if err != nil {
			return nil, err
		}
		e.metrics.segmentsOpened.Inc()
		return &segHandle{info: info, writer: w}, nil
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (e *Engine) releaseSegment(h *segHandle) {
	h.release()
}

// Append writes entry at addr. See spec.md §4.3.
func (e *Engine) Append(addr types.Address, entry types.Entry) error {
	e.resetLock.RLock()
	defer e.resetLock.RUnlock()
	if e.isClosed() {
		return types.ErrClosed
	}
	e.metrics.appends.Inc()

	entry.Address = addr
	return e.appendOneLocked(entry)
}

// AppendHole is a convenience wrapper writing a HOLE marker at addr — the
// supplemented operation from SPEC_FULL.md §12 covering spec.md §3's HOLE
// entry type.
func (e *Engine) AppendHole(addr types.Address, streamIDs []types.StreamID, epoch uint64) error {
	return e.Append(addr, types.Entry{
		Type:      types.HoleEntry,
		StreamIDs: streamIDs,
		Epoch:     epoch,
	})
}

func (e *Engine) appendOneLocked(entry types.Entry) error {
	addr := entry.Address
	starting := e.meta.StartingAddress()
	if addr < starting {
		return &types.ErrTrimmed{Address: addr}
	}
	if e.quota.QuotaExceeded() {
		e.metrics.quotaRejections.Inc()
		return types.ErrQuotaExceeded
	}

	h, err := e.acquireSegment(e.segmentFor(addr))
	if err != nil {
		return err
	}
	defer e.releaseSegment(h)

	n, err := h.writer.Append(entry)
	if err != nil {
		return e.classifyCollision(h, entry, starting)
	}

	e.quota.Add(int64(n))
	e.meta.RecordAppend(addr, entry.StreamIDs)
	e.meta.SyncTailSegment(addr, e.cfg.recordsPerSegment, false)
	e.metrics.entriesWritten.Inc()
	e.metrics.bytesWritten.Add(float64(n))
	return nil
}

// classifyCollision reads back the stored entry at entry.Address to resolve
// the OVERWRITE cause, per spec.md §4.1 step 2 / §4.3 "Overwrite cause
// resolution".
func (e *Engine) classifyCollision(h *segHandle, entry types.Entry, starting types.Address) error {
	existing, err := h.writer.GetEntry(entry.Address)
	if err != nil {
		return err
	}
	cause := classifyOverwrite(existing, entry, entry.Address, starting)
	e.metrics.overwrites.WithLabelValues(cause.String()).Inc()
	return &types.ErrOverwrite{Address: entry.Address, Cause: cause}
}

// classifyOverwrite implements spec.md §4.3's overwrite-cause resolution.
// The engine's classification of a hole collision is unconditional — it
// always signals OVERWRITE{HOLE} when a DATA write collides with a HOLE.
// HolePolicy governs a different decision that lives entirely above the
// engine: whether a caller is *allowed* to retry and actually supersede
// that hole once it has seen the tagged error. It plays no part in, and
// is not consulted by, this classification.
func classifyOverwrite(existing, incoming types.Entry, addr, starting types.Address) types.OverwriteCause {
	if addr < starting {
		return types.Trimmed
	}
	if existing.Type == types.HoleEntry && incoming.Type == types.DataEntry {
		return types.HoleSuperseded
	}
	if incoming.HasRank && existing.HasRank && incoming.Rank <= existing.Rank {
		return types.Rank
	}
	if existing.Type == incoming.Type && bytes.Equal(existing.Payload, incoming.Payload) {
		return types.SameData
	}
	return types.DifferentData
}

// AppendRange writes a contiguous, gap-free run of entries spanning at most
// two segments, atomically per segment. See spec.md §4.3.
func (e *Engine) AppendRange(entries []types.Entry) error {
	e.resetLock.RLock()
	defer e.resetLock.RUnlock()
	if e.isClosed() {
		return types.ErrClosed
	}
	e.metrics.appends.Inc()

	if len(entries) == 0 {
		return types.ErrIllegalArgument
	}
	starting := e.meta.StartingAddress()
	for i, ent := range entries {
		if i > 0 && ent.Address != entries[i-1].Address+1 {
			return types.ErrIllegalArgument
		}
		if ent.Address < starting {
			return &types.ErrTrimmed{Address: ent.Address}
		}
	}
	firstSeg := e.segmentFor(entries[0].Address)
	lastSeg := e.segmentFor(entries[len(entries)-1].Address)
	if lastSeg-firstSeg > 1 {
		return types.ErrIllegalArgument
	}

	groups := make(map[uint64][]types.Entry, 2)
	var order []uint64
	for _, ent := range entries {
		seg := e.segmentFor(ent.Address)
		if _, ok := groups[seg]; !ok {
			order = append(order, seg)
		}
		groups[seg] = append(groups[seg], ent)
	}

	for _, seg := range order {
		group := groups[seg]
		h, err := e.acquireSegment(seg)
		if err != nil {
			return err
		}
		n, err := h.writer.AppendBatch(group)
		if err != nil {
			cause := e.classifyRangeFailure(h, group, starting)
			e.releaseSegment(h)
			return cause
		}
		e.releaseSegment(h)

		e.quota.Add(int64(n))
		for _, ent := range group {
			e.meta.RecordAppend(ent.Address, ent.StreamIDs)
		}
		last := group[len(group)-1]
		e.meta.SyncTailSegment(last.Address, e.cfg.recordsPerSegment, false)
		e.metrics.entriesWritten.Add(float64(len(group)))
		e.metrics.bytesWritten.Add(float64(n))
	}
	return nil
}

// classifyRangeFailure finds which entry in group collided (AppendBatch
// validates the whole group before writing anything, so a failure means
// every address in group is untouched by this call) and classifies it the
// same way a single Append would.
func (e *Engine) classifyRangeFailure(h *segHandle, group []types.Entry, starting types.Address) error {
	for _, ent := range group {
		if h.writer.Contains(ent.Address) {
			existing, err := h.writer.GetEntry(ent.Address)
			if err != nil {
				return err
			}
			cause := classifyOverwrite(existing, ent, ent.Address, starting)
			e.metrics.overwrites.WithLabelValues(cause.String()).Inc()
			return &types.ErrOverwrite{Address: ent.Address, Cause: cause}
		}
	}
	return fmt.Errorf("logunit: range append failed for an unknown reason")
}

// Read returns the entry at addr: TRIMMED if below the trim mark,
// ErrNotFound if the address was never written, or the entry itself.
func (e *Engine) Read(addr types.Address) (types.Entry, error) {
	e.resetLock.RLock()
	defer e.resetLock.RUnlock()
	if e.isClosed() {
		return types.Entry{}, types.ErrClosed
	}

	if addr < e.meta.StartingAddress() {
		return types.Entry{Address: addr, Type: types.TrimmedEntry}, nil
	}

	h, err := e.acquireSegment(e.segmentFor(addr))
	if err != nil {
		return types.Entry{}, err
	}
	defer e.releaseSegment(h)

	entry, err := h.writer.GetEntry(addr)
	if err != nil {
		if types.IsCorrupt(err) {
			e.metrics.corruptions.Inc()
		}
		return types.Entry{}, err
	}
	e.metrics.entriesRead.Inc()
	e.metrics.entryBytesRead.Add(float64(len(entry.Payload)))
	return entry, nil
}

// Contains reports whether the engine has a record at addr. Per spec.md
// §4.3 and the documented open question in §9, any address at or below the
// committed tail is reported present without consulting the segment index —
// this shortcut is load-bearing, not an optimization that can be dropped.
func (e *Engine) Contains(addr types.Address) (bool, error) {
	e.resetLock.RLock()
	defer e.resetLock.RUnlock()
	if e.isClosed() {
		return false, types.ErrClosed
	}
	if addr < e.meta.StartingAddress() {
		return false, &types.ErrTrimmed{Address: addr}
	}
	if committed := e.meta.CommittedTail(); committed != types.NonAddress && addr <= committed {
		return true, nil
	}

	h, err := e.acquireSegment(e.segmentFor(addr))
	if err != nil {
		return false, err
	}
	defer e.releaseSegment(h)
	return h.writer.Contains(addr), nil
}

// GetTails returns the global tail plus the per-stream tail for each
// requested stream.
func (e *Engine) GetTails(streams []types.StreamID) (types.Address, map[types.StreamID]types.Address) {
	return e.meta.GetTails(streams)
}

// GetStreamsAddressSpace returns the global tail plus every stream's full
// address-space snapshot.
func (e *Engine) GetStreamsAddressSpace() (types.Address, map[types.StreamID][]types.Address) {
	return e.meta.GetStreamsAddressSpace()
}

// PrefixTrim advances the trim mark. Repeated trims at or below the current
// mark are no-ops.
func (e *Engine) PrefixTrim(addr types.Address) error {
	e.resetLock.RLock()
	defer e.resetLock.RUnlock()
	if e.isClosed() {
		return types.ErrClosed
	}
	before := e.meta.StartingAddress()
	e.meta.PrefixTrim(addr)
	after := e.meta.StartingAddress()
	if after > before {
		e.metrics.trims.Inc()
		if err := e.store.UpdateStartingAddress(after); err != nil {
			level.Error(e.cfg.logger).Log("msg", "persist starting address failed", "err", err)
			return err
		}
	}
	return nil
}

// KnownAddressesInRange returns every address in [lo, hi] that appears in
// some stream's address space, in no particular order. It does not consult
// the segments: an address written with no stream id is not returned.
func (e *Engine) KnownAddressesInRange(lo, hi types.Address) []types.Address {
	_, spaces := e.meta.GetStreamsAddressSpace()
	seen := make(map[types.Address]struct{})
	var out []types.Address
	for _, addrs := range spaces {
		for _, a := range addrs {
			if a < lo || a > hi {
				continue
			}
			if _, ok := seen[a]; ok {
				continue
			}
			seen[a] = struct{}{}
			out = append(out, a)
		}
	}
	return out
}

// Compact deletes whole segments entirely below the trim mark. See
// spec.md §4.3/§3: "Trim deletes whole segments whose id ≤
// (starting_address / N) − 1."
func (e *Engine) Compact() error {
	e.resetLock.Lock()
	defer e.resetLock.Unlock()
	if e.isClosed() {
		return types.ErrClosed
	}
	e.metrics.compactions.Inc()

	starting := e.meta.StartingAddress()
	if starting < e.cfg.recordsPerSegment {
		return nil
	}
	lastDeletable := starting/e.cfg.recordsPerSegment - 1

	ids, err := e.segFiler.List()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id > lastDeletable {
			continue
		}
		if h, ok := e.segments.remove(id); ok {
			if !h.idle() {
				level.Warn(e.cfg.logger).Log("msg", "compact: segment still referenced, deleting anyway", "segment", id)
			}
			if err := h.close(); err != nil {
				level.Error(e.cfg.logger).Log("msg", "compact: error closing segment", "segment", id, "err", err)
			}
		}
		size := e.segFiler.Size(id)
		if err := e.segFiler.Delete(id); err != nil {
			level.Error(e.cfg.logger).Log("msg", "compact: error deleting segment", "segment", id, "err", err)
			continue
		}
		e.quota.Subtract(size)
		e.metrics.segmentsDeleted.Inc()
	}
	return nil
}

// Sync fsyncs every currently-open segment. If force is false this is a
// no-op — the engine never fsyncs implicitly outside of force-sync, per
// spec.md §4.1's flush semantics.
func (e *Engine) Sync(force bool) error {
	e.resetLock.RLock()
	defer e.resetLock.RUnlock()
	if e.isClosed() {
		return types.ErrClosed
	}
	if !force {
		return nil
	}
	for _, id := range e.segments.ids() {
		h, ok := e.segments.peek(id)
		if !ok {
			continue
		}
		if err := h.writer.Flush(); err != nil {
			return err
		}
	}
	return e.persistSnapshot()
}

// persistSnapshot writes the metadata index's current snapshot through to
// the datastore. It is write-through per call, matching spec.md §6's
// datastore contract.
func (e *Engine) persistSnapshot() error {
	snap := e.meta.Snapshot()
	if err := e.store.UpdateStartingAddress(snap.StartingAddress); err != nil {
		return err
	}
	if err := e.store.UpdateCommittedTail(snap.CommittedTail); err != nil {
		return err
	}
	if err := e.store.UpdateTailSegment(snap.TailSegment); err != nil {
		return err
	}
	return e.store.SetLogUnitMetadata(spacesToBlobs(snap.StreamAddressSpaces))
}

// SetCommittedTail updates the externally-supplied committed-tail policy
// input that reset() and contains() consult (spec.md §3, §4.4).
func (e *Engine) SetCommittedTail(addr types.Address) error {
	e.resetLock.RLock()
	defer e.resetLock.RUnlock()
	if e.isClosed() {
		return types.ErrClosed
	}
	e.meta.SetCommittedTail(addr)
	return e.store.UpdateCommittedTail(addr)
}

// Stats is the supplemented read-only introspection snapshot from
// SPEC_FULL.md §12.
type Stats struct {
	GlobalTail      types.Address
	StartingAddress types.Address
	CommittedTail   types.Address
	TailSegment     uint64
	OpenSegments    int
	UsedBytes       int64
	QuotaLimitBytes int64
}

// Stats returns a point-in-time snapshot of engine-wide metadata, for
// layers above that want a cheap introspection call without reading data.
func (e *Engine) Stats() Stats {
	return Stats{
		GlobalTail:      e.meta.GlobalTail(),
		StartingAddress: e.meta.StartingAddress(),
		CommittedTail:   e.meta.CommittedTail(),
		TailSegment:     e.meta.TailSegment(),
		OpenSegments:    len(e.segments.ids()),
		UsedBytes:       e.quota.UsedBytes(),
		QuotaLimitBytes: e.quota.Limit(),
	}
}

// Close flushes, persists metadata and closes every open handle.
func (e *Engine) Close() error {
	e.resetLock.Lock()
	defer e.resetLock.Unlock()
	if !atomic.CompareAndSwapInt32(&e.closed, 0, 1) {
		return nil
	}

	var firstErr error
	for _, id := range e.segments.ids() {
		h, ok := e.segments.peek(id)
		if !ok {
			continue
		}
		if err := h.writer.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := h.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.segments.clear()

	if err := e.persistSnapshot(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	level.Info(e.cfg.logger).Log("msg", "log-unit closed", "dir", e.dir)
	return firstErr
}
