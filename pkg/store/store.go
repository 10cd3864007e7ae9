// Package store persists region metadata across manager restarts.
//
// The store is an embedded BadgerDB at the manager's database_path. It
// holds one record per identifier (last-known backing path, size, ttl,
// cleanup flag, file id) plus the id allocator's high-water mark, so file
// ids stay monotone across restarts. Records are CBOR documents; decoding
// ignores unrecognized fields, so newer writers stay readable.
package store

import (
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"

	"github.com/marmos91/meshfile/pkg/meshfile"
)

// Key prefixes. Region records are keyed by identifier.
var (
	regionPrefix = []byte("region/")
	highWaterKey = []byte("meta/high_water")
)

// Record is the durable metadata for one region.
type Record struct {
	Identifier  string    `cbor:"identifier"`
	FileID      uint64    `cbor:"file_id"`
	FilePath    string    `cbor:"file_path"`
	SizeBytes   uint64    `cbor:"size_bytes"`
	TTLSeconds  uint64    `cbor:"ttl_seconds,omitempty"`
	AutoCleanup bool      `cbor:"auto_cleanup,omitempty"`
	CreatedAt   time.Time `cbor:"created_at"`
}

// MetaStore is the durable metadata store.
type MetaStore struct {
	db *badger.DB
}

// Open opens (or creates) the store at path.
func Open(path string) (*MetaStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // badger's own logger is too chatty for a sidecar store

	db, err := badger.Open(opts)
	if err != nil {
		return nil, meshfile.WrapIO("open metadata store", path, err)
	}
	return &MetaStore{db: db}, nil
}

// Close releases the underlying database.
func (s *MetaStore) Close() error {
	return s.db.Close()
}

func regionKey(identifier string) []byte {
	return append(append([]byte{}, regionPrefix...), identifier...)
}

// Put writes or replaces the record for its identifier.
func (s *MetaStore) Put(rec *Record) error {
	if rec.Identifier == "" {
		return meshfile.NewError(meshfile.KindInvalidRequest, "record requires an identifier")
	}
	data, err := cbor.Marshal(rec)
	if err != nil {
		return meshfile.Errorf(meshfile.KindSerialization, "encode record: %v", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(regionKey(rec.Identifier), data)
	})
	if err != nil {
		return meshfile.WrapIO("put record", rec.Identifier, err)
	}
	return nil
}

// Get returns the record for identifier, or KindNotFound.
func (s *MetaStore) Get(identifier string) (*Record, error) {
	var rec Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(regionKey(identifier))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return cbor.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, &meshfile.Error{Kind: meshfile.KindNotFound, Message: "no durable record", Identifier: identifier}
	}
	if err != nil {
		return nil, meshfile.WrapIO("get record", identifier, err)
	}
	return &rec, nil
}

// Delete removes the record for identifier. Deleting an absent record is
// not an error.
func (s *MetaStore) Delete(identifier string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(regionKey(identifier))
	})
	if err != nil {
		return meshfile.WrapIO("delete record", identifier, err)
	}
	return nil
}

// List returns all persisted records.
func (s *MetaStore) List() ([]*Record, error) {
	var out []*Record
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(regionPrefix); it.ValidForPrefix(regionPrefix); it.Next() {
			var rec Record
			err := it.Item().Value(func(val []byte) error {
				return cbor.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			out = append(out, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, meshfile.WrapIO("list records", "", err)
	}
	return out, nil
}

// HighWater returns the persisted id allocator high-water mark, or 0.
func (s *MetaStore) HighWater() (uint64, error) {
	var hw uint64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(highWaterKey)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return cbor.Unmarshal(val, &hw)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, meshfile.WrapIO("read high-water mark", "", err)
	}
	return hw, nil
}

// SetHighWater persists the id allocator high-water mark. Values below
// the stored mark are ignored so the mark stays monotone.
func (s *MetaStore) SetHighWater(hw uint64) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(highWaterKey)
		if err == nil {
			var cur uint64
			if verr := item.Value(func(val []byte) error {
				return cbor.Unmarshal(val, &cur)
			}); verr == nil && cur >= hw {
				return nil
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		data, err := cbor.Marshal(hw)
		if err != nil {
			return err
		}
		return txn.Set(highWaterKey, data)
	})
	if err != nil {
		return meshfile.WrapIO("write high-water mark", "", err)
	}
	return nil
}
