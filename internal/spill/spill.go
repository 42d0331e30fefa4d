// Package spill implements the Disk Spill Store of spec.md §4.6: a
// persistent, crash-durable, strictly-ordered queue the Ingest Pipeline
// drains into before any in-memory entry, backed by an embedded Badger
// database rather than a hand-rolled on-disk log format.
package spill

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/marmos91/canbridge/internal/logger"
)

// ErrFull is returned by Append when the store is at or above its
// configured byte capacity.
var ErrFull = errors.New("spill: store is full")

// ErrClosed is returned by any operation on a closed Store.
var ErrClosed = errors.New("spill: store is closed")

const (
	prefixEntry     = "e:"
	keyNextID       = "meta:next_id"
	keySizeBytes    = "meta:size_bytes"
	defaultMaxBytes = 1 << 30 // 1 GiB
)

// Record is one Queue Entry as defined in spec.md §3: a CAN frame already
// shaped for the SQL store's 9-argument stored procedure call.
type Record struct {
	Timestamp     time.Time
	Extended      bool
	FD            bool
	ArbitrationID uint32
	DLC           uint8
	Payload       []byte
	Bus           int
	Direction     string
}

// Entry is a Record plus the strictly-increasing identifier it was given
// on append, used for ordering and for Delete after a successful commit.
type Entry struct {
	ID     uint64
	Record Record
}

// Store is a Badger-backed, size-bounded, append/drain queue. The zero
// value is not usable; construct with Open.
type Store struct {
	mu       sync.Mutex
	db       *badger.DB
	maxBytes int64
	path     string
	closed   bool
}

// Open opens (or creates) a spill store at path with the given maximum
// size in bytes. A maxBytes of 0 uses the spec's default of 1 GiB.
func Open(path string, maxBytes int64) (*Store, error) {
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}

	opts := badger.DefaultOptions(path).
		WithLogger(nil).
		WithSyncWrites(true)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("spill: open %s: %w", path, err)
	}

	return &Store{db: db, maxBytes: maxBytes, path: path}, nil
}

func entryKey(id uint64) []byte {
	key := make([]byte, len(prefixEntry)+8)
	copy(key, prefixEntry)
	binary.BigEndian.PutUint64(key[len(prefixEntry):], id)
	return key
}

func idFromEntryKey(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(prefixEntry):])
}

func encodeRecord(r Record) ([]byte, error) {
	return json.Marshal(r)
}

func decodeRecord(data []byte) (Record, error) {
	var r Record
	err := json.Unmarshal(data, &r)
	return r, err
}

func readUint64(txn *badger.Txn, key string, def uint64) (uint64, error) {
	item, err := txn.Get([]byte(key))
	if err == badger.ErrKeyNotFound {
		return def, nil
	}
	if err != nil {
		return 0, err
	}
	var v uint64
	err = item.Value(func(val []byte) error {
		v = binary.BigEndian.Uint64(val)
		return nil
	})
	return v, err
}

func putUint64(txn *badger.Txn, key string, v uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return txn.Set([]byte(key), buf)
}

// Append atomically persists batch, assigning each Record a new
// strictly-increasing identifier, and returns those identifiers in order.
// It fails with ErrFull without writing anything if the store is already
// at or above its configured capacity; a batch accepted below capacity may
// take the store past it.
func (s *Store) Append(batch []Record) ([]uint64, error) {
	if len(batch) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	full, err := s.isFullLocked()
	if err != nil {
		return nil, err
	}
	if full {
		return nil, ErrFull
	}

	ids := make([]uint64, len(batch))
	err = s.db.Update(func(txn *badger.Txn) error {
		nextID, err := readUint64(txn, keyNextID, 1)
		if err != nil {
			return err
		}
		size, err := readUint64(txn, keySizeBytes, 0)
		if err != nil {
			return err
		}

		for i, rec := range batch {
			encoded, err := encodeRecord(rec)
			if err != nil {
				return fmt.Errorf("encode record: %w", err)
			}
			id := nextID
			ids[i] = id
			if err := txn.Set(entryKey(id), encoded); err != nil {
				return err
			}
			nextID++
			size += uint64(len(encoded))
		}

		if err := putUint64(txn, keyNextID, nextID); err != nil {
			return err
		}
		return putUint64(txn, keySizeBytes, size)
	})
	if err != nil {
		return nil, fmt.Errorf("spill: append: %w", err)
	}

	return ids, nil
}

// ReadOldest returns up to limit entries in identifier (append) order.
func (s *Store) ReadOldest(limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if limit <= 0 {
		return nil, nil
	}

	var entries []Entry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixEntry)
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixEntry)
		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(entries) < limit; it.Next() {
			item := it.Item()
			id := idFromEntryKey(item.KeyCopy(nil))
			var rec Record
			err := item.Value(func(val []byte) error {
				r, err := decodeRecord(val)
				rec = r
				return err
			})
			if err != nil {
				return fmt.Errorf("decode entry %d: %w", id, err)
			}
			entries = append(entries, Entry{ID: id, Record: rec})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("spill: read oldest: %w", err)
	}

	return entries, nil
}

// Delete removes the entries named by ids, typically called after they
// have been committed to the SQL store in the same logical transaction.
func (s *Store) Delete(ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		size, err := readUint64(txn, keySizeBytes, 0)
		if err != nil {
			return err
		}

		for _, id := range ids {
			key := entryKey(id)
			item, err := txn.Get(key)
			if err == badger.ErrKeyNotFound {
				continue
			}
			if err != nil {
				return err
			}
			itemSize := uint64(item.ValueSize())
			if itemSize > size {
				size = 0
			} else {
				size -= itemSize
			}
			if err := txn.Delete(key); err != nil {
				return err
			}
		}

		return putUint64(txn, keySizeBytes, size)
	})
	if err != nil {
		return fmt.Errorf("spill: delete: %w", err)
	}
	return nil
}

// SizeBytes returns the current tracked byte size of stored entries.
func (s *Store) SizeBytes() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.sizeBytesLocked()
}

func (s *Store) sizeBytesLocked() (int64, error) {
	var size uint64
	err := s.db.View(func(txn *badger.Txn) error {
		v, err := readUint64(txn, keySizeBytes, 0)
		size = v
		return err
	})
	if err != nil {
		return 0, err
	}
	return int64(size), nil
}

// IsFull reports whether the store is at or above its configured maximum
// size in bytes.
func (s *Store) IsFull() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	return s.isFullLocked()
}

func (s *Store) isFullLocked() (bool, error) {
	size, err := s.sizeBytesLocked()
	if err != nil {
		return false, err
	}
	return size >= s.maxBytes, nil
}

// Reset deletes every entry and compacts the underlying file, reclaiming
// space. The next-identifier counter is left untouched so identifiers
// remain strictly increasing for the lifetime of the store.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	err := s.db.DropPrefix([]byte(prefixEntry))
	if err != nil {
		return fmt.Errorf("spill: reset: drop entries: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return putUint64(txn, keySizeBytes, 0)
	})
	if err != nil {
		return fmt.Errorf("spill: reset: clear size counter: %w", err)
	}

	if err := s.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		logger.Warn("spill store value log GC failed", logger.Err(err))
	}

	return nil
}

// Close releases the underlying database handle. Safe to call once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// IsEmpty reports whether the store currently holds no entries.
func (s *Store) IsEmpty() (bool, error) {
	entries, err := s.ReadOldest(1)
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}
