// Package datastore is the concrete, bbolt-backed implementation of the
// "external datastore abstraction" spec.md §6 describes as consumed, not
// defined, by the engine: get/update starting address, tail segment,
// committed tail, and the per-stream address-space metadata blob. Every
// call is write-through — one bbolt transaction per call, no batching —
// matching the abstraction's durability contract.
package datastore

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/corfudb/logunit/types"
)

var bucketName = []byte("log_unit_metadata")

const (
	keyStartingAddress = "starting_address"
	keyTailSegment     = "tail_segment"
	keyCommittedTail   = "committed_tail"
)

// Store is a types.MetaStore backed by a single bbolt file, matching
// spec.md §6's "a single log_metadata snapshot" sidecar file.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bbolt-backed metadata store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("logunit: open metadata store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) getUint64(key string) (uint64, error) {
	var v uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName).Get([]byte(key))
		if len(b) == 8 {
			v = binary.LittleEndian.Uint64(b)
		}
		return nil
	})
	return v, err
}

func (s *Store) setUint64(key string, v uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], v)
		return tx.Bucket(bucketName).Put([]byte(key), buf[:])
	})
}

func (s *Store) GetStartingAddress() (types.Address, error) {
	return s.getUint64(keyStartingAddress)
}

func (s *Store) UpdateStartingAddress(addr types.Address) error {
	return s.setUint64(keyStartingAddress, addr)
}

func (s *Store) GetTailSegment() (uint64, error) {
	return s.getUint64(keyTailSegment)
}

func (s *Store) UpdateTailSegment(id uint64) error {
	return s.setUint64(keyTailSegment, id)
}

func (s *Store) GetCommittedTail() (types.Address, error) {
	v, err := s.getUint64(keyCommittedTail)
	if err != nil {
		return 0, err
	}
	if v == 0 {
		return types.NonAddress, nil
	}
	return v - 1, nil
}

func (s *Store) UpdateCommittedTail(addr types.Address) error {
	// Stored as addr+1 so the zero value ("never set") is distinguishable
	// from a real committed tail of 0.
	return s.setUint64(keyCommittedTail, addr+1)
}

// GetLogUnitMetadata returns every key stored under the "meta:" key prefix
// (with the prefix stripped) as base64-ish opaque strings (bbolt values decoded as strings directly;
// callers that stored base64 get base64 back, matching spec.md §6's
// "map<stream_id, base64 string>" shape).
func (s *Store) GetLogUnitMetadata() (map[string]string, error) {
	out := make(map[string]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		prefix := []byte("meta:")
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			out[string(k[len(prefix):])] = string(v)
		}
		return nil
	})
	return out, err
}

func (s *Store) SetLogUnitMetadata(m map[string]string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		for k, v := range m {
			if err := b.Put([]byte("meta:"+k), []byte(v)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

var _ types.MetaStore = (*Store)(nil)
