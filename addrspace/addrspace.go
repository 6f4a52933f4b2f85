// Package addrspace implements a stream's sparse address set: a compact,
// ordered collection of the global addresses belonging to one stream,
// supporting add, contains, range query, prefix trim and a tail lookup.
// spec.md §4.2 recommends a run-length-encoded bitmap and explicitly treats
// it as a black box with those operations; this implementation represents
// the set as an ordered B-tree of half-open [lo, hi) runs, adjacent runs
// merging automatically on insert.
package addrspace

import (
	"encoding/binary"

	"github.com/google/btree"
)

// run is a half-open address interval [Lo, Hi).
type run struct {
	Lo, Hi uint64
}

func (r run) Less(than btree.Item) bool {
	return r.Lo < than.(run).Lo
}

// Set is one stream's sparse address set. The zero value is an empty, ready
// to use set. Not safe for concurrent use without external synchronization
// (the metadata index guards every Set with its single index lock).
type Set struct {
	tree *btree.BTree
	tail uint64
	// hasTail tracks whether tail is meaningful; a freshly-trimmed-to-empty
	// set must not report a stale tail.
	hasTail bool
}

// NewSet returns an empty set.
func NewSet() *Set {
	return &Set{tree: btree.New(8)}
}

func (s *Set) ensure() {
	if s.tree == nil {
		s.tree = btree.New(8)
	}
}

// Add inserts a single address.
func (s *Set) Add(addr uint64) {
	s.ensure()
	s.merge(run{Lo: addr, Hi: addr + 1})
	if !s.hasTail || addr > s.tail {
		s.tail = addr
		s.hasTail = true
	}
}

// AddMany inserts every address in addrs.
func (s *Set) AddMany(addrs []uint64) {
	for _, a := range addrs {
		s.Add(a)
	}
}

// merge inserts r into the tree, coalescing with any overlapping or
// adjacent existing runs.
func (s *Set) merge(r run) {
	lo, hi := r.Lo, r.Hi

	var toDelete []run
	// Find runs that overlap or touch [lo, hi): scan from the run
	// starting at or before lo, forward.
	var candidate *run
	s.tree.DescendLessOrEqual(run{Lo: lo}, func(item btree.Item) bool {
		c := item.(run)
		candidate = &c
		return false
	})
	if candidate != nil && candidate.Hi >= lo {
		if candidate.Lo < lo {
			lo = candidate.Lo
		}
		if candidate.Hi > hi {
			hi = candidate.Hi
		}
		toDelete = append(toDelete, *candidate)
	}

	s.tree.AscendGreaterOrEqual(run{Lo: r.Lo}, func(item btree.Item) bool {
		c := item.(run)
		if c.Lo > hi {
			return false
		}
		if c.Hi > hi {
			hi = c.Hi
		}
		toDelete = append(toDelete, c)
		return true
	})

	for _, d := range toDelete {
		s.tree.Delete(d)
	}
	s.tree.ReplaceOrInsert(run{Lo: lo, Hi: hi})
}

// Contains reports whether addr has been added.
func (s *Set) Contains(addr uint64) bool {
	if s.tree == nil {
		return false
	}
	found := false
	s.tree.DescendLessOrEqual(run{Lo: addr}, func(item btree.Item) bool {
		c := item.(run)
		found = addr >= c.Lo && addr < c.Hi
		return false
	})
	return found
}

// Range returns every address in [lo, hi], ascending.
func (s *Set) Range(lo, hi uint64) []uint64 {
	if s.tree == nil {
		return nil
	}
	var out []uint64
	s.tree.Ascend(func(item btree.Item) bool {
		c := item.(run)
		if c.Hi <= lo {
			return true
		}
		if c.Lo > hi {
			return false
		}
		start := c.Lo
		if start < lo {
			start = lo
		}
		end := c.Hi - 1
		if end > hi {
			end = hi
		}
		for a := start; a <= end; a++ {
			out = append(out, a)
		}
		return true
	})
	return out
}

// TrimPrefix drops every address <= x from the set.
func (s *Set) TrimPrefix(x uint64) {
	if s.tree == nil {
		return
	}
	bound := x + 1

	var toDelete []run
	var toInsert []run
	s.tree.Ascend(func(item btree.Item) bool {
		c := item.(run)
		if c.Hi <= bound {
			toDelete = append(toDelete, c)
			return true
		}
		if c.Lo < bound {
			toDelete = append(toDelete, c)
			toInsert = append(toInsert, run{Lo: bound, Hi: c.Hi})
		}
		return true
	})
	for _, d := range toDelete {
		s.tree.Delete(d)
	}
	for _, ins := range toInsert {
		s.tree.ReplaceOrInsert(ins)
	}

	if s.tree.Len() == 0 {
		s.hasTail = false
		s.tail = 0
	}
}

// Tail returns the maximum address in the set and whether the set is
// non-empty.
func (s *Set) Tail() (uint64, bool) {
	return s.tail, s.hasTail
}

// Min returns the minimum address in the set and whether the set is
// non-empty.
func (s *Set) Min() (uint64, bool) {
	if s.tree == nil || s.tree.Len() == 0 {
		return 0, false
	}
	min := s.tree.Min().(run)
	return min.Lo, true
}

// Len returns the number of addresses represented (not the number of
// runs).
func (s *Set) Len() int {
	if s.tree == nil {
		return 0
	}
	n := 0
	s.tree.Ascend(func(item btree.Item) bool {
		c := item.(run)
		n += int(c.Hi - c.Lo)
		return true
	})
	return n
}

// Marshal serializes the set to a compact run-length form: a sequence of
// (lo, hi) uint64 pairs, ascending.
func (s *Set) Marshal() []byte {
	if s.tree == nil || s.tree.Len() == 0 {
		return nil
	}
	buf := make([]byte, 0, s.tree.Len()*16)
	s.tree.Ascend(func(item btree.Item) bool {
		c := item.(run)
		var pair [16]byte
		binary.LittleEndian.PutUint64(pair[0:8], c.Lo)
		binary.LittleEndian.PutUint64(pair[8:16], c.Hi)
		buf = append(buf, pair[:]...)
		return true
	})
	return buf
}

// Unmarshal rebuilds a set from the form Marshal produces.
func Unmarshal(b []byte) *Set {
	s := NewSet()
	for i := 0; i+16 <= len(b); i += 16 {
		lo := binary.LittleEndian.Uint64(b[i : i+8])
		hi := binary.LittleEndian.Uint64(b[i+8 : i+16])
		s.tree.ReplaceOrInsert(run{Lo: lo, Hi: hi})
		if hi > 0 && (!s.hasTail || hi-1 > s.tail) {
			s.tail = hi - 1
			s.hasTail = true
		}
	}
	return s
}
