package task

import (
	"fmt"
	"sync"

	"TwinTally/internal/logger"
	"TwinTally/internal/protocol"
	"TwinTally/internal/storage"
)

// Store holds activated tasks in memory with the signed documents persisted
// underneath, so a restarted aggregator recovers its task set.
type Store struct {
	store        *storage.Store
	authorityKey []byte
	secret       [32]byte

	mu    sync.RWMutex
	tasks map[protocol.TaskID]*Task
}

// NewStore builds the task store and reloads previously activated tasks.
// Signatures are re-verified on reload, so a corrupted record cannot
// resurrect as a live task.
func NewStore(store *storage.Store, authorityKey []byte, secret [32]byte) (*Store, error) {
	if len(authorityKey) != BLSPublicKeySize {
		return nil, fmt.Errorf("authority key length %d, want %d", len(authorityKey), BLSPublicKeySize)
	}

	s := &Store{
		store:        store,
		authorityKey: authorityKey,
		secret:       secret,
		tasks:        make(map[protocol.TaskID]*Task),
	}

	err := store.IteratePrefix([]byte(storage.PrefixTask), func(key, value []byte) error {
		adv, err := protocol.DecodeTaskAdvertise(value)
		if err != nil {
			return fmt.Errorf("decode stored task %x: %w", key, err)
		}

		t, err := build(adv.Document, adv.Signature, s.authorityKey, s.secret)
		if err != nil {
			return fmt.Errorf("rebuild stored task %x: %w", key, err)
		}

		s.tasks[t.ID] = t
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reload tasks:\n%w", err)
	}

	if len(s.tasks) > 0 {
		logger.Info("reloaded tasks", "count", len(s.tasks))
	}

	return s, nil
}

// Activate verifies and installs a signed task document. Re-activating an
// already known task is a no-op returning the existing task: the identifier
// is the document hash, so equal IDs mean equal parameters.
func (s *Store) Activate(doc, sig []byte, now uint64) (*Task, error) {
	t, err := build(doc, sig, s.authorityKey, s.secret)
	if err != nil {
		return nil, err
	}

	if now >= t.Config.Expiration {
		return nil, protocol.Errf(protocol.KindMalformedInput, "task expired before activation")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.tasks[t.ID]; ok {
		return existing, nil
	}

	key := storage.Key(storage.PrefixTask, t.ID[:])
	if err := s.store.Set(key, t.Advertise().Encode()); err != nil {
		return nil, fmt.Errorf("persist task: %w", err)
	}

	s.tasks[t.ID] = t

	logger.Info("activated task",
		"task", t.ID,
		"scheme", t.Scheme.Name(),
		"min_batch_size", t.Config.MinBatchSize,
	)

	return t, nil
}

// Get returns an activated task by identifier.
func (s *Store) Get(id protocol.TaskID) (*Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	return t, ok
}

// All returns every activated task, for advertising to a freshly connected
// peer.
func (s *Store) All() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}

	return out
}
