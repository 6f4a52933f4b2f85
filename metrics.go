// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package logunit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// engineMetrics is the engine's local instrumentation, injected via a
// prometheus.Registerer at construction rather than a package-level
// registry (spec.md §9: "the engine receives a metrics sink handle...no
// hidden globals"). Cluster-wide telemetry sinks are an explicit
// out-of-scope collaborator per spec.md §1; this is strictly the engine's
// own counters.
type engineMetrics struct {
	appends         prometheus.Counter
	entriesWritten  prometheus.Counter
	bytesWritten    prometheus.Counter
	entriesRead     prometheus.Counter
	entryBytesRead  prometheus.Counter
	overwrites      *prometheus.CounterVec
	corruptions     prometheus.Counter
	trims           prometheus.Counter
	compactions     prometheus.Counter
	resets          prometheus.Counter
	segmentsOpened  prometheus.Counter
	segmentsDeleted prometheus.Counter
	quotaRejections prometheus.Counter
}

func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	return &engineMetrics{
		appends: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "logunit_appends_total",
			Help: "Number of append/append-range calls, successful or not.",
		}),
		entriesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "logunit_entries_written_total",
			Help: "Number of entries successfully written.",
		}),
		bytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "logunit_bytes_written_total",
			Help: "Bytes of encoded record written to segment files.",
		}),
		entriesRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "logunit_entries_read_total",
			Help: "Number of entries successfully read from segment files by read().",
		}),
		entryBytesRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "logunit_entry_bytes_read_total",
			Help: "Payload bytes returned by read().",
		}),
		overwrites: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "logunit_overwrites_total",
			Help: "Write-once violations, labeled by cause.",
		}, []string{"cause"}),
		corruptions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "logunit_corruptions_total",
			Help: "Checksum or decode failures detected on read or recovery.",
		}),
		trims: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "logunit_trims_total",
			Help: "Number of prefix_trim calls that advanced the trim mark.",
		}),
		compactions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "logunit_compactions_total",
			Help: "Number of compact() calls.",
		}),
		resets: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "logunit_resets_total",
			Help: "Number of reset() calls.",
		}),
		segmentsOpened: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "logunit_segments_opened_total",
			Help: "Segment files created or opened for the first time.",
		}),
		segmentsDeleted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "logunit_segments_deleted_total",
			Help: "Segment files deleted by compact() or reset().",
		}),
		quotaRejections: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "logunit_quota_rejections_total",
			Help: "Appends refused with QUOTA_EXCEEDED.",
		}),
	}
}
