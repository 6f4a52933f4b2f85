// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
	hdrwriter "github.com/benmathews/hdrhistogram-writer"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	logunit "github.com/corfudb/logunit"
	"github.com/corfudb/logunit/types"
)

// BenchmarkAppend measures append latency at several payload sizes and
// batch sizes, histogrammed with HdrHistogram-go rather than just
// testing.B's mean — the same shape of comparison the teacher's
// bench_test.go ran between raft-wal and raft-boltdb, here run against the
// log-unit engine's own segment store at different entry shapes instead of
// against a competing implementation.
func BenchmarkAppend(b *testing.B) {
	sizes := []int{10, 1024, 100 * 1024}
	sizeNames := []string{"10", "1k", "100k"}
	batchSizes := []int{1, 10}

	for i, s := range sizes {
		for _, batchSize := range batchSizes {
			b.Run(fmt.Sprintf("entrySize=%s/batchSize=%d", sizeNames[i], batchSize), func(b *testing.B) {
				e, done := openEngine(b)
				defer done()
				runAppendBench(b, e, s, batchSize)
			})
		}
	}
}

// BenchmarkRead measures read latency against logs pre-populated with a
// fixed number of small entries, the read-side counterpart to
// BenchmarkAppend.
func BenchmarkRead(b *testing.B) {
	counts := []int{1_000, 100_000}
	countNames := []string{"1k", "100k"}

	for i, n := range counts {
		e, done := openEngine(b)
		populateEntries(b, e, n, 128)

		b.Run(fmt.Sprintf("numEntries=%s", countNames[i]), func(b *testing.B) {
			runReadBench(b, e, n)
		})
		done()
	}
}

func openEngine(b *testing.B) (*logunit.Engine, func()) {
	b.Helper()
	tmpDir, err := os.MkdirTemp("", "logunit-bench-*")
	require.NoError(b, err)

	e, err := logunit.Open(tmpDir,
		logunit.WithRecordsPerSegment(1000),
		logunit.WithRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(b, err)

	return e, func() {
		e.Close()
		os.RemoveAll(tmpDir)
	}
}

func runAppendBench(b *testing.B, e *logunit.Engine, entrySize, batchSize int) {
	hist := hdrhistogram.New(1, 10*time.Second.Nanoseconds(), 3)
	payload := randomPayload(entrySize)
	streamID := uuid.New()

	addr := types.Address(0)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		entries := make([]types.Entry, batchSize)
		for j := range entries {
			entries[j] = types.Entry{
				Address:   addr,
				Type:      types.DataEntry,
				StreamIDs: []types.StreamID{streamID},
				Payload:   payload,
			}
			addr++
		}

		start := time.Now()
		var err error
		if batchSize == 1 {
			err = e.Append(entries[0].Address, entries[0])
		} else {
			err = e.AppendRange(entries)
		}
		elapsed := time.Since(start)
		require.NoError(b, err)
		require.NoError(b, hist.RecordValue(elapsed.Nanoseconds()))
	}
	b.StopTimer()

	writeHistogram(b, hist)
}

func populateEntries(b *testing.B, e *logunit.Engine, n, size int) {
	b.Helper()
	streamID := uuid.New()
	payload := randomPayload(size)
	start := time.Now()
	for i := 0; i < n; i++ {
		err := e.Append(types.Address(i), types.Entry{
			Address:   types.Address(i),
			Type:      types.DataEntry,
			StreamIDs: []types.StreamID{streamID},
			Payload:   payload,
		})
		require.NoError(b, err)
	}
	require.NoError(b, e.Sync(true))
	b.Logf("populateTime=%s", time.Since(start))
}

func runReadBench(b *testing.B, e *logunit.Engine, n int) {
	hist := hdrhistogram.New(1, 10*time.Second.Nanoseconds(), 3)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		addr := types.Address(i % n)
		start := time.Now()
		_, err := e.Read(addr)
		elapsed := time.Since(start)
		require.NoError(b, err)
		require.NoError(b, hist.RecordValue(elapsed.Nanoseconds()))
	}
	b.StopTimer()

	writeHistogram(b, hist)
}

func writeHistogram(b *testing.B, hist *hdrhistogram.Histogram) {
	b.Helper()
	path := filepath.Join(b.TempDir(), "latencies.hgrm")
	percentiles := []float64{50, 75, 90, 95, 99, 99.9, 100}
	if err := hdrwriter.WriteDistributionFile(hist, &percentiles, 1.0, path); err != nil {
		b.Logf("could not write histogram distribution: %s", err)
	}
}

func randomPayload(size int) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}
