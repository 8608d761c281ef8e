// Package storage is the durable store under both aggregator roles: a thin
// Pebble wrapper holding tasks, report reservations, batch buckets,
// collection jobs, helper preparation state and the leader's upload queue.
package storage

import (
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

const (
	// defaultSyncInterval is the default interval between WAL syncs.
	defaultSyncInterval = 100 * time.Millisecond
)

// Key prefixes. Every durable record lives under exactly one of these.
const (
	PrefixTask        = "t:"  // signed task documents, keyed by task ID
	PrefixReservation = "r:"  // report reservations, keyed by task ID + report ID
	PrefixBatch       = "b:"  // batch buckets, keyed by task ID + selector
	PrefixCollection  = "c:"  // collection jobs, keyed by collection ID
	PrefixPrepJob     = "j:"  // helper preparation jobs, keyed by task ID + job ID
	PrefixQueue       = "q:"  // leader upload queue, keyed by task ID + arrival
	PrefixOpenBatch   = "bq:" // open leader-selected batch pointer, keyed by task ID
)

// Key assembles a storage key from a prefix and fixed-width parts.
func Key(prefix string, parts ...[]byte) []byte {
	n := len(prefix)
	for _, p := range parts {
		n += len(p)
	}

	key := make([]byte, 0, n)
	key = append(key, prefix...)
	for _, p := range parts {
		key = append(key, p...)
	}

	return key
}

// KeyValue represents a key-value pair for batch operations.
type KeyValue struct {
	Key   []byte // Key is the key to store
	Value []byte // Value is the value to store
}

// Store provides a key-value store backed by Pebble.
// Writes are non-blocking (NoSync) and a background goroutine
// periodically syncs the WAL to disk for durability.
type Store struct {
	db        *pebble.DB    // db is the underlying Pebble database
	reserveMu sync.Mutex    // reserveMu serializes conditional inserts
	stopSync  chan struct{} // stopSync signals the sync goroutine to stop
	wg        sync.WaitGroup
}

// New creates a new Store at the given path.
// It starts a background goroutine that syncs the WAL periodically.
func New(path string) (*Store, error) {
	opts := &pebble.Options{
		Cache:                       pebble.NewCache(32 << 20), // 32 MB cache
		MemTableSize:                16 << 20,                  // 16 MB memtable
		MemTableStopWritesThreshold: 2,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:       db,
		stopSync: make(chan struct{}),
	}

	s.startSyncLoop()

	return s, nil
}

// Get retrieves the value for the given key.
// Returns nil if the key does not exist.
func (s *Store) Get(key []byte) ([]byte, error) {
	value, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	// Copy the value since it's invalid after closer.Close()
	result := make([]byte, len(value))
	copy(result, value)

	return result, nil
}

// Set stores a key-value pair.
// The write is buffered and synced periodically by the background goroutine.
func (s *Store) Set(key, value []byte) error {
	return s.db.Set(key, value, pebble.NoSync)
}

// Delete removes a key from the store.
// The write is buffered and synced periodically by the background goroutine.
func (s *Store) Delete(key []byte) error {
	return s.db.Delete(key, pebble.NoSync)
}

// SetIfNotExists stores the pair only if the key is absent and reports
// whether this call inserted it. The store handle is the process's single
// gateway to the database, so the reservation lock makes the check-and-set
// atomic for concurrent callers: exactly one wins.
func (s *Store) SetIfNotExists(key, value []byte) (bool, error) {
	s.reserveMu.Lock()
	defer s.reserveMu.Unlock()

	_, closer, err := s.db.Get(key)
	if err == nil {
		closer.Close()
		return false, nil
	}
	if err != pebble.ErrNotFound {
		return false, err
	}

	if err := s.db.Set(key, value, pebble.NoSync); err != nil {
		return false, err
	}

	return true, nil
}

// SetBatch atomically stores multiple key-value pairs.
// Either all pairs are written or none.
func (s *Store) SetBatch(pairs []KeyValue) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, kv := range pairs {
		if err := batch.Set(kv.Key, kv.Value, nil); err != nil {
			return err
		}
	}

	return batch.Commit(pebble.NoSync)
}

// IteratePrefix calls fn for each key-value pair with the given prefix,
// in lexicographic key order. If fn returns an error, iteration stops and
// the error is returned.
func (s *Store) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	upperBound := prefixUpperBound(prefix)

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound,
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		value, err := iter.ValueAndErr()
		if err != nil {
			return err
		}

		if err := fn(key, value); err != nil {
			return err
		}
	}

	return iter.Error()
}

// prefixUpperBound computes the exclusive upper bound for a prefix scan.
// Increments the last byte; returns nil if prefix is all 0xFF (full range).
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)

	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper
		}
	}

	return nil // all 0xFF → unbounded
}

// Close stops the sync goroutine and closes the database.
// It performs a final sync before closing to ensure durability.
func (s *Store) Close() error {
	close(s.stopSync)
	s.wg.Wait()

	// Final sync before closing
	if err := s.sync(); err != nil {
		return err
	}

	return s.db.Close()
}

// startSyncLoop starts the background goroutine that periodically syncs the WAL.
func (s *Store) startSyncLoop() {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(defaultSyncInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.sync()
			case <-s.stopSync:
				return
			}
		}
	}()
}

// sync forces a WAL sync to disk.
func (s *Store) sync() error {
	return s.db.LogData(nil, pebble.Sync)
}
