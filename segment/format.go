// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package segment

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/corfudb/logunit/types"
)

const (
	// fileMagic identifies a log-unit segment file.
	fileMagic uint16 = 0xC0F1
	// formatVersion is bumped whenever the on-disk record layout changes.
	formatVersion uint16 = 1

	// fileHeaderLen is magic(2) + version(2) + segment id(8).
	fileHeaderLen = 2 + 2 + 8

	// flagHasRank is bit 0 of the record flags byte.
	flagHasRank uint8 = 1 << 0

	streamIDLen = 16

	// MaxEntrySize bounds payload_length to guard against reading garbage
	// as an enormous allocation request when a record is torn or corrupt.
	MaxEntrySize = 256 * 1024 * 1024
)

var byteOrder = binary.LittleEndian

func writeFileHeader(buf []byte, segmentID uint64) {
	byteOrder.PutUint16(buf[0:2], fileMagic)
	byteOrder.PutUint16(buf[2:4], formatVersion)
	byteOrder.PutUint64(buf[4:12], segmentID)
}

func readFileHeader(buf []byte) (segmentID uint64, err error) {
	if len(buf) < fileHeaderLen {
		return 0, fmt.Errorf("logunit: truncated segment file header")
	}
	magic := byteOrder.Uint16(buf[0:2])
	if magic != fileMagic {
		return 0, fmt.Errorf("logunit: bad segment file magic %#x", magic)
	}
	version := byteOrder.Uint16(buf[2:4])
	if version != formatVersion {
		return 0, fmt.Errorf("%w: got version %d, want %d", types.ErrUnknownVersion, version, formatVersion)
	}
	return byteOrder.Uint64(buf[4:12]), nil
}

// recordHeader is everything in a record block before the variable-length
// stream-id list and payload.
type recordHeader struct {
	address    uint64
	typ        uint8
	hasRank    bool
	epoch      uint64
	rank       uint64
	streamIDs  []types.StreamID
	payloadLen uint32
}

// bodyLen returns the number of bytes the record (excluding the leading
// record_length field and the trailing checksum) will occupy.
func (h recordHeader) bodyLen() int {
	n := 8 + 1 + 1 + 8 // address + type + flags + epoch
	if h.hasRank {
		n += 8
	}
	n += 2 + len(h.streamIDs)*streamIDLen
	n += 4 + int(h.payloadLen)
	return n
}

// encodeRecord serializes a full record block (record_length through
// checksum) into buf, which must have at least encodedRecordLen(h) bytes.
func encodeRecord(h recordHeader, payload []byte, buf []byte) []byte {
	body := h.bodyLen()
	total := 4 + body + 4 // record_length + body + checksum
	if cap(buf) < total {
		buf = make([]byte, total)
	}
	buf = buf[:total]

	byteOrder.PutUint32(buf[0:4], uint32(body))
	off := 4
	byteOrder.PutUint64(buf[off:off+8], h.address)
	off += 8
	buf[off] = h.typ
	off++
	flags := uint8(0)
	if h.hasRank {
		flags |= flagHasRank
	}
	buf[off] = flags
	off++
	byteOrder.PutUint64(buf[off:off+8], h.epoch)
	off += 8
	if h.hasRank {
		byteOrder.PutUint64(buf[off:off+8], h.rank)
		off += 8
	}
	byteOrder.PutUint16(buf[off:off+2], uint16(len(h.streamIDs)))
	off += 2
	for _, sid := range h.streamIDs {
		copy(buf[off:off+streamIDLen], sid[:])
		off += streamIDLen
	}
	byteOrder.PutUint32(buf[off:off+4], h.payloadLen)
	off += 4
	copy(buf[off:off+len(payload)], payload)
	off += len(payload)

	sum := crc32.ChecksumIEEE(buf[:off])
	byteOrder.PutUint32(buf[off:off+4], sum)
	off += 4
	return buf[:off]
}

func encodedRecordLen(h recordHeader) int {
	return 4 + h.bodyLen() + 4
}

// frameLength reads just the record_length prefix so the caller knows how
// many more bytes to fetch.
func frameLength(b []byte) (uint32, error) {
	if len(b) < 4 {
		return 0, fmt.Errorf("logunit: short record length prefix")
	}
	return byteOrder.Uint32(b[0:4]), nil
}

// decodeRecord parses a full record block (as produced by encodeRecord) and
// verifies its checksum. b must contain exactly the bytes from
// record_length through checksum.
func decodeRecord(b []byte) (recordHeader, []byte, error) {
	if len(b) < 4 {
		return recordHeader{}, nil, fmt.Errorf("logunit: record too short")
	}
	body := byteOrder.Uint32(b[0:4])
	want := 4 + int(body) + 4
	if len(b) < want {
		return recordHeader{}, nil, fmt.Errorf("logunit: truncated record, have %d want %d", len(b), want)
	}
	b = b[:want]

	gotSum := byteOrder.Uint32(b[want-4 : want])
	calcSum := crc32.ChecksumIEEE(b[:want-4])
	if gotSum != calcSum {
		return recordHeader{}, nil, errChecksumMismatch
	}

	off := 4
	h := recordHeader{}
	h.address = byteOrder.Uint64(b[off : off+8])
	off += 8
	h.typ = b[off]
	off++
	flags := b[off]
	off++
	h.hasRank = flags&flagHasRank != 0
	h.epoch = byteOrder.Uint64(b[off : off+8])
	off += 8
	if h.hasRank {
		h.rank = byteOrder.Uint64(b[off : off+8])
		off += 8
	}
	count := byteOrder.Uint16(b[off : off+2])
	off += 2
	h.streamIDs = make([]types.StreamID, count)
	for i := 0; i < int(count); i++ {
		copy(h.streamIDs[i][:], b[off:off+streamIDLen])
		off += streamIDLen
	}
	h.payloadLen = byteOrder.Uint32(b[off : off+4])
	off += 4
	if int(h.payloadLen) > MaxEntrySize {
		return recordHeader{}, nil, fmt.Errorf("logunit: record payload %d exceeds MaxEntrySize", h.payloadLen)
	}
	payload := make([]byte, h.payloadLen)
	copy(payload, b[off:off+int(h.payloadLen)])
	off += int(h.payloadLen)

	return h, payload, nil
}

var errChecksumMismatch = fmt.Errorf("logunit: checksum mismatch")

// peekAddress reads just the address field out of a full record block,
// without validating its checksum. Scanning to build a segment's address
// index must not treat a mid-log checksum failure the same as a torn
// trailing write: the record's framing (its length prefix) is still
// trustworthy even if its payload was corrupted in place, so the scan can
// keep walking past it and let GetEntry surface the corruption lazily, on
// read of that one address, per spec.md §7.
func peekAddress(b []byte) (uint64, error) {
	if len(b) < 12 {
		return 0, fmt.Errorf("logunit: record too short to contain address")
	}
	return byteOrder.Uint64(b[4:12]), nil
}

func entryToHeader(e types.Entry) recordHeader {
	return recordHeader{
		address:    e.Address,
		typ:        uint8(e.Type),
		hasRank:    e.HasRank,
		epoch:      e.Epoch,
		rank:       e.Rank,
		streamIDs:  e.StreamIDs,
		payloadLen: uint32(len(e.Payload)),
	}
}

func headerToEntry(h recordHeader, payload []byte) types.Entry {
	return types.Entry{
		Address:   h.address,
		Type:      types.EntryType(h.typ),
		StreamIDs: h.streamIDs,
		Epoch:     h.epoch,
		HasRank:   h.hasRank,
		Rank:      h.rank,
		Payload:   payload,
	}
}
