package store

import (
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

const logPrefix = "log:"

// DefaultCapacity is the retained-record bound used when none is configured.
const DefaultCapacity = 1000

// Store is a bounded FIFO buffer of normalized records backed by an in-memory
// Badger instance. Keys are zero-padded monotonic sequence numbers, so prefix
// iteration order is arrival order. Once the store holds capacity records,
// every append evicts the oldest record.
type Store struct {
	db       *badger.DB
	capacity int

	mu         sync.RWMutex
	seq        uint64
	count      int
	kindCounts map[Kind]int
	lastTS     string
}

// NewStore opens an in-memory store retaining at most capacity records.
// A capacity <= 0 falls back to DefaultCapacity.
func NewStore(capacity int) (*Store, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil // Disable badger logging

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	return &Store{
		db:         db,
		capacity:   capacity,
		kindCounts: make(map[Kind]int),
	}, nil
}

// Capacity returns the configured retention bound.
func (s *Store) Capacity() int {
	return s.capacity
}

// Add appends one record, evicting the oldest if the store is full. The
// record's arrival position is independent of its own timestamp.
func (s *Store) Add(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		return s.appendLocked(txn, rec)
	})
}

// AddMany appends records preserving input order.
func (s *Store) AddMany(recs []*Record) error {
	if len(recs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		for _, rec := range recs {
			if err := s.appendLocked(txn, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// appendLocked writes one record and enforces the capacity bound. Caller must
// hold s.mu and run inside txn.
func (s *Store) appendLocked(txn *badger.Txn, rec *Record) error {
	if rec.ID == "" {
		rec.ID = NewID()
	}

	data, err := rec.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize record: %w", err)
	}

	s.seq++
	if err := txn.Set(seqKey(s.seq), data); err != nil {
		return err
	}

	s.count++
	s.kindCounts[rec.Kind]++
	s.lastTS = rec.Timestamp

	for s.count > s.capacity {
		if err := s.evictOldestLocked(txn); err != nil {
			return err
		}
	}

	return nil
}

// evictOldestLocked removes the record with the lowest sequence number.
func (s *Store) evictOldestLocked(txn *badger.Txn) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = true
	it := txn.NewIterator(opts)
	defer it.Close()

	prefix := []byte(logPrefix)
	it.Seek(prefix)
	if !it.ValidForPrefix(prefix) {
		return nil
	}

	item := it.Item()
	key := item.KeyCopy(nil)

	err := item.Value(func(val []byte) error {
		rec, err := FromJSON(val)
		if err != nil {
			return nil // Skip invalid entries
		}
		s.kindCounts[rec.Kind]--
		if s.kindCounts[rec.Kind] <= 0 {
			delete(s.kindCounts, rec.Kind)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := txn.Delete(key); err != nil {
		return err
	}
	s.count--
	return nil
}

// Get returns the records matching every predicate of the filter, in arrival
// order. Limit applies last: it keeps the suffix of most recent matches.
func (s *Store) Get(filter Filter) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Record

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(logPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				rec, err := FromJSON(val)
				if err != nil {
					return nil // Skip invalid entries
				}
				if filter.Match(rec) {
					out = append(out, rec)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}

	return out, nil
}

// GetErrors returns the most recent error and warning records.
func (s *Store) GetErrors(limit int) ([]*Record, error) {
	return s.Get(Filter{Kinds: []Kind{KindError, KindWarn}, Limit: limit})
}

// Since returns records appended after the given sequence cursor, in arrival
// order, along with the current cursor. A zero cursor returns everything.
func (s *Store) Since(seq uint64) ([]*Record, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Record

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(logPrefix)
		for it.Seek(seqKey(seq + 1)); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				rec, err := FromJSON(val)
				if err != nil {
					return nil
				}
				out = append(out, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, seq, err
	}

	return out, s.seq, nil
}

// Seq returns the arrival sequence number of the most recently appended
// record, usable as a cursor for Since.
func (s *Store) Seq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

// Count returns the current number of stored records.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// CountByKind returns how many stored records have the given kind.
func (s *Store) CountByKind(kind Kind) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.kindCounts[kind]
}

// CountWhere returns how many stored records satisfy the predicate.
func (s *Store) CountWhere(match func(*Record) bool) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(logPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				rec, err := FromJSON(val)
				if err != nil {
					return nil
				}
				if match(rec) {
					count++
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})

	return count, err
}

// LastTimestamp returns the timestamp of the most recently appended record.
// The boolean is false when the store is empty.
func (s *Store) LastTimestamp() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.count == 0 {
		return "", false
	}
	return s.lastTS, true
}

// Clear removes all records. Callers wanting the consumed count read Count
// before clearing.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keysToDelete [][]byte

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(logPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keysToDelete = append(keysToDelete, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		for _, key := range keysToDelete {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.count = 0
	s.kindCounts = make(map[Kind]int)
	s.lastTS = ""
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func seqKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", logPrefix, seq))
}
