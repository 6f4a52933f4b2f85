// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package logunit

import (
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultRecordsPerSegment is RECORDS_PER_SEGMENT from spec.md §2.
const DefaultRecordsPerSegment = 10000

// HolePolicy decides whether a DATA write may supersede an existing HOLE at
// the same address. spec.md §4.3 says this decision "lives above" the
// engine; the engine only signals OVERWRITE{HOLE}. The engine stores the
// configured policy but never calls it: a DATA append over a HOLE always
// fails with OVERWRITE{HOLE}. The default policy never allows it.
type HolePolicy func(existingIsHole bool) bool

type config struct {
	recordsPerSegment uint64
	quotaLimitBytes   int64
	logger            log.Logger
	registerer        prometheus.Registerer
	holePolicy        HolePolicy
}

// Option configures Open.
type Option func(*config)

// WithRecordsPerSegment overrides DefaultRecordsPerSegment.
func WithRecordsPerSegment(n uint64) Option {
	return func(c *config) { c.recordsPerSegment = n }
}

// WithQuotaLimitBytes sets the quota agent's byte limit (0 = unlimited).
func WithQuotaLimitBytes(n int64) Option {
	return func(c *config) { c.quotaLimitBytes = n }
}

// WithLogger overrides the default no-op logger.
func WithLogger(l log.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithRegisterer sets the prometheus.Registerer the engine's metrics are
// registered against. Passing nil disables metrics registration (metrics
// objects are still created but never exposed) — this is the "metrics sink
// handle passed at construction, no hidden globals" requirement from
// spec.md §9.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *config) { c.registerer = reg }
}

// WithHolePolicy overrides the default (never supersede) hole-write policy.
func WithHolePolicy(allow HolePolicy) Option {
	return func(c *config) { c.holePolicy = allow }
}

func defaultConfig() *config {
	return &config{
		recordsPerSegment: DefaultRecordsPerSegment,
		logger:            log.NewNopLogger(),
		registerer:        prometheus.NewRegistry(),
		holePolicy:        HolePolicy(func(existingIsHole bool) bool { return false }),
	}
}

func (c *config) validate() error {
	if c.recordsPerSegment == 0 {
		return errRecordsPerSegmentZero
	}
	return nil
}
