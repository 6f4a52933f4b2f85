// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package logunit

import (
	"errors"

	"github.com/corfudb/logunit/types"
)

// Re-exported so callers of package logunit never need to import
// logunit/types directly for error comparison, the same way wal.go
// re-exports its types package's sentinel errors at the top of the file.
var (
	ErrNotFound        = types.ErrNotFound
	ErrClosed          = types.ErrClosed
	ErrQuotaExceeded   = types.ErrQuotaExceeded
	ErrOutOfSpace      = types.ErrOutOfSpace
	ErrIllegalArgument = types.ErrIllegalArgument
	ErrLogUnit         = types.ErrLogUnit
	ErrUnknownVersion  = types.ErrUnknownVersion
	ErrDataOutranked   = types.ErrDataOutranked
)

// IsTrimmed, IsCorrupt and IsOverwrite re-export the types package's
// errors.As helpers so callers don't need to reach past the façade.
var (
	IsTrimmed   = types.IsTrimmed
	IsCorrupt   = types.IsCorrupt
	IsOverwrite = types.IsOverwrite
)

var errRecordsPerSegmentZero = errors.New("logunit: records per segment must be > 0")
