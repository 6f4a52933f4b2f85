// Package quota implements the log-unit's quota & filesystem agent:
// directory bootstrap and a bytes-used-vs-limit counter that backs the
// engine's QUOTA_EXCEEDED back-pressure signal (spec.md §2, §4.3, §5).
package quota

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	units "github.com/docker/go-units"
)

// Agent tracks bytes used against a configured limit and ensures the log
// directory exists and is writable. The zero value is not usable;
// construct with New.
type Agent struct {
	dir       string
	limit     int64
	usedBytes int64 // atomic
}

// New returns an Agent rooted at dir with the given byte limit. A limit of
// 0 means unlimited.
func New(dir string, limitBytes int64) *Agent {
	return &Agent{dir: dir, limit: limitBytes}
}

// ParseLimit parses a human quota string ("10GB", "500MiB") into bytes,
// using the same size-string conventions launix-de-memcp's storage layer
// vendors docker/go-units for.
func ParseLimit(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := units.FromHumanSize(s)
	if err != nil {
		return 0, fmt.Errorf("logunit: invalid quota %q: %w", s, err)
	}
	return n, nil
}

// EnsureLogDirectory creates the directory if absent and probes
// writability with a throwaway temp file. Failure here is fatal
// (types.ErrLogUnit) per spec.md §4.5 step 1.
func EnsureLogDirectory(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("logunit: create log directory %s: %w", dir, err)
	}
	probe := filepath.Join(dir, ".write-probe")
	f, err := os.OpenFile(probe, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("logunit: log directory %s is not writable: %w", dir, err)
	}
	f.Close()
	return os.Remove(probe)
}

// Add increments used bytes on a successful write. Called by the engine
// after a segment append returns its written byte count.
func (a *Agent) Add(n int64) {
	atomic.AddInt64(&a.usedBytes, n)
}

// Subtract decrements used bytes on a file deletion, by the deleted file's
// length at deletion time. Never allowed to go negative (a defensive floor,
// not something spec.md relies on, but accounting should never go negative
// under normal operation since we only add what was actually written).
func (a *Agent) Subtract(n int64) {
	for {
		cur := atomic.LoadInt64(&a.usedBytes)
		next := cur - n
		if next < 0 {
			next = 0
		}
		if atomic.CompareAndSwapInt64(&a.usedBytes, cur, next) {
			return
		}
	}
}

// UsedBytes returns current usage.
func (a *Agent) UsedBytes() int64 {
	return atomic.LoadInt64(&a.usedBytes)
}

// Limit returns the configured limit (0 = unlimited).
func (a *Agent) Limit() int64 {
	return a.limit
}

// QuotaExceeded reports whether used bytes has reached the configured
// limit. Always false when the limit is 0.
func (a *Agent) QuotaExceeded() bool {
	if a.limit <= 0 {
		return false
	}
	return atomic.LoadInt64(&a.usedBytes) >= a.limit
}
