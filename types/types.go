// Package types defines the shared data model and storage interfaces used
// across the log-unit engine: the on-disk/in-memory entry representation,
// the segment-store contract and the metadata-persistence contract. Keeping
// these in their own package lets the engine, the segment store and tests
// depend on a common vocabulary without import cycles.
package types

import (
	"time"

	"github.com/google/uuid"
)

// Address is a global, monotonically-assigned log address.
type Address = uint64

// NonAddress is the sentinel value for "no address has ever been written".
const NonAddress Address = ^uint64(0)

// StreamID is the 128-bit identifier of a stream. An Entry may belong to
// more than one.
type StreamID = uuid.UUID

// ParseStreamID parses the canonical string form of a StreamID, as produced
// by StreamID.String().
func ParseStreamID(s string) (StreamID, error) {
	return uuid.Parse(s)
}

// EntryType distinguishes a real record from an explicit gap marker.
// TRIMMED is never persisted; it is synthesized on read for addresses below
// the trim mark.
type EntryType uint8

const (
	// DataEntry is a normal client-written record.
	DataEntry EntryType = 1
	// HoleEntry marks an address explicitly skipped by the layer above.
	HoleEntry EntryType = 2
	// TrimmedEntry is synthetic; it is never written to disk.
	TrimmedEntry EntryType = 0xFF
)

func (t EntryType) String() string {
	switch t {
	case DataEntry:
		return "DATA"
	case HoleEntry:
		return "HOLE"
	case TrimmedEntry:
		return "TRIMMED"
	default:
		return "UNKNOWN"
	}
}

// Entry is the log record the engine stores and returns, on-disk and
// in-memory.
type Entry struct {
	Address   Address
	Type      EntryType
	StreamIDs []StreamID
	Epoch     uint64
	// HasRank reports whether Rank should be considered. Rank is only
	// meaningful for single-address (Paxos-style) consensus writes; the
	// engine persists it and uses it purely to resolve overwrite cause.
	HasRank bool
	Rank    uint64
	Payload []byte
}

// SegmentInfo describes one on-disk segment file. ID and the address range
// it covers are derived from RECORDS_PER_SEGMENT and are immutable once
// assigned; the rest of the fields describe its lifecycle state.
type SegmentInfo struct {
	ID          uint64
	BaseAddress Address
	// RecordsPerSegment is the segment width (N in spec.md); kept per-info
	// rather than global so historical segments remain self-describing if
	// the configured width ever changes between process restarts.
	RecordsPerSegment uint64
	SealTime          time.Time
	CreateTime        time.Time
}

// MaxAddress returns the last address this segment can hold.
func (si SegmentInfo) MaxAddress() Address {
	return si.BaseAddress + si.RecordsPerSegment - 1
}

// OverwriteCause classifies why a write-once violation occurred.
type OverwriteCause uint8

const (
	// SameData: the incoming bytes are identical to what's stored; the
	// write is rejected anyway (idempotence is not silently granted).
	SameData OverwriteCause = iota + 1
	DifferentData
	Trimmed
	Rank
	HoleSuperseded
)

func (c OverwriteCause) String() string {
	switch c {
	case SameData:
		return "SAME_DATA"
	case DifferentData:
		return "DIFFERENT_DATA"
	case Trimmed:
		return "TRIMMED"
	case Rank:
		return "RANK"
	case HoleSuperseded:
		return "HOLE"
	default:
		return "UNKNOWN"
	}
}

// WriterFile is the subset of *os.File the segment writer needs.
type WriterFile interface {
	WriteAt(p []byte, off int64) (int, error)
	ReadAt(p []byte, off int64) (int, error)
	Sync() error
	Close() error
	Truncate(size int64) error
	Name() string
	Stat() (FileInfo, error)
}

// FileInfo is the subset of os.FileInfo the engine consults.
type FileInfo interface {
	Size() int64
}

// ReadableFile is the subset of *os.File a sealed-segment reader needs.
type ReadableFile interface {
	ReadAt(p []byte, off int64) (int, error)
	Close() error
}

// SegmentWriter is implemented by an open, appendable segment.
type SegmentWriter interface {
	SegmentReader

	// Append writes entry at its Address. Returns bytes written (for
	// quota accounting) or an error describing why it was refused.
	Append(e Entry) (int, error)

	// AppendBatch writes every entry under one write critical section,
	// after checking that none of them collides, so a collision leaves the
	// segment unchanged. Readers are not excluded while the batch is
	// written and may see some of its entries before the rest land.
	// Entries must already belong to this segment and be pre-validated by
	// the caller.
	AppendBatch(entries []Entry) (int, error)

	// Flush fsyncs the segment's file descriptor.
	Flush() error

	// Dirty reports whether there are unflushed appends.
	Dirty() bool
}

// SegmentReader is implemented by both open (unsealed) and sealed segments.
type SegmentReader interface {
	// GetEntry returns the entry at addr, or ErrNotFound if this segment
	// holds no record there.
	GetEntry(addr Address) (Entry, error)

	// Contains reports whether this segment's index has addr.
	Contains(addr Address) bool

	// Addresses returns every address recorded in this segment's index,
	// in no particular order.
	Addresses() []Address

	Info() SegmentInfo
	Close() error
}

// SegmentFiler is the segment-file lifecycle manager: create, recover,
// open, list, delete. Implementations must make Create/Open/RecoverTail
// safe to call concurrently for distinct segment ids.
type SegmentFiler interface {
	// Create makes a brand new segment file for writing.
	Create(info SegmentInfo) (SegmentWriter, error)

	// RecoverTail reopens (and replays) an existing unsealed segment file
	// for further appends.
	RecoverTail(info SegmentInfo) (SegmentWriter, error)

	// Open opens an existing sealed segment file read-only.
	Open(info SegmentInfo) (SegmentReader, error)

	// List returns the set of segment ids present on disk.
	List() ([]uint64, error)

	// Delete removes a segment file entirely.
	Delete(id uint64) error

	// Size returns the on-disk size of segment id, or 0 if absent. Used to
	// seed quota accounting at startup and to account deletions.
	Size(id uint64) int64
}

// PersistentState is the metadata snapshot persisted to the datastore.
// It is advisory: recovery scans forward from it.
type PersistentState struct {
	StartingAddress Address
	CommittedTail   Address
	TailSegment     uint64
	// StreamAddressSpaces holds each stream's serialized address-space
	// form (see addrspace.Set.Marshal), keyed by stream id string.
	StreamAddressSpaces map[string][]byte
}

// MetaStore is the "external datastore abstraction" from spec.md §6: a
// small durable key-value collaborator the engine treats as write-through.
// It is consumed here, not owned: the concrete bbolt-backed implementation
// lives in package datastore.
type MetaStore interface {
	GetStartingAddress() (Address, error)
	UpdateStartingAddress(Address) error

	GetTailSegment() (uint64, error)
	UpdateTailSegment(uint64) error

	GetCommittedTail() (Address, error)
	UpdateCommittedTail(Address) error

	// GetLogUnitMetadata/SetLogUnitMetadata persist the per-stream
	// address-space snapshot and any other opaque small metadata, base64
	// string values keyed by an opaque key (matches spec.md §6 verbatim).
	GetLogUnitMetadata() (map[string]string, error)
	SetLogUnitMetadata(map[string]string) error

	Close() error
}
