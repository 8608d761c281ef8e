// Package batch folds verified output shares into per-batch accumulators and
// runs the collection lifecycle that reveals them. A batch is revealed whole
// or not at all: contributions stop the moment it is collected, and a
// collected batch never changes again.
package batch

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"TwinTally/internal/logger"
	"TwinTally/internal/protocol"
	"TwinTally/internal/storage"
	"TwinTally/internal/task"
	"TwinTally/internal/vdaf"
)

// Manager owns batch accumulation and collection for every local task.
// Batch state lives in the store; the manager serializes access per task.
type Manager struct {
	db          *storage.Store
	tasks       *task.Store
	buckets     *bucketStore
	collections *collectionStore

	mu sync.Mutex
	// locks holds one mutex per activated task. The task store keeps every
	// activated task resident to serve late collections, so this map shares
	// that cardinality.
	locks map[protocol.TaskID]*sync.Mutex
}

// NewManager creates a batch manager over the given store.
func NewManager(db *storage.Store, tasks *task.Store) *Manager {
	return &Manager{
		db:          db,
		tasks:       tasks,
		buckets:     &bucketStore{db: db},
		collections: &collectionStore{db: db},
		locks:       make(map[protocol.TaskID]*sync.Mutex),
	}
}

// taskLock returns the mutex serializing batch mutations for one task.
func (m *Manager) taskLock(id protocol.TaskID) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}

	return l
}

// Contribution is one finished report's output share, with the metadata
// that places it in a batch.
type Contribution struct {
	ReportID protocol.ReportID // ReportID feeds the batch checksum
	Time     uint64            // Time selects the bucket for interval tasks
	Output   []uint64          // Output is the report's output share
}

// Commit folds finished output shares into their batches. Interval tasks
// bucket each contribution by its truncated timestamp; leader-selected tasks
// put the whole set into the job's bound batch. Contributions to collected
// buckets are refused individually, never failing their siblings; the
// returned map carries their failure codes.
func (m *Manager) Commit(t *task.Task, batchID protocol.BatchID, contribs []Contribution) (map[protocol.ReportID]protocol.TransitionFailure, error) {
	if len(contribs) == 0 {
		return nil, nil
	}

	lock := m.taskLock(t.ID)
	lock.Lock()
	defer lock.Unlock()

	failed := make(map[protocol.ReportID]protocol.TransitionFailure)
	loaded := make(map[string]*bucket)
	dirty := make(map[string]*bucket)

	for i := range contribs {
		c := &contribs[i]

		if len(c.Output) != t.Scheme.AggregateLen() {
			return nil, fmt.Errorf("output share length %d, want %d", len(c.Output), t.Scheme.AggregateLen())
		}

		key := m.contributionKey(t, batchID, c.Time)
		b, ok := loaded[string(key)]
		if !ok {
			var err error
			if b, err = m.buckets.load(key); err != nil {
				return nil, err
			}
			if b == nil {
				b = newBucket(key, t.Scheme.AggregateLen())
			}
			loaded[string(key)] = b
		}

		if b.collected {
			failed[c.ReportID] = protocol.FailureBatchCollected
			continue
		}

		if err := vdaf.Combine(b.accumulator, c.Output); err != nil {
			return nil, fmt.Errorf("merge output share:\n%w", err)
		}
		b.count++
		foldChecksum(&b.checksum, c.ReportID)
		dirty[string(key)] = b
	}

	for _, b := range dirty {
		if err := m.buckets.save(b); err != nil {
			return nil, err
		}
	}

	if len(failed) == 0 {
		return nil, nil
	}

	return failed, nil
}

// contributionKey places one contribution in its batch.
func (m *Manager) contributionKey(t *task.Task, batchID protocol.BatchID, ts uint64) []byte {
	if t.Config.BatchPolicy == protocol.PolicyLeaderSelected {
		return batchKey(t.ID, batchID)
	}

	return bucketKey(t.ID, ts-ts%t.Config.BatchDuration)
}

// BucketCollected reports whether the interval bucket covering ts has been
// collected. Uploads landing in a collected bucket must be refused, or the
// revealed aggregate would silently go stale.
func (m *Manager) BucketCollected(t *task.Task, ts uint64) (bool, error) {
	lock := m.taskLock(t.ID)
	lock.Lock()
	defer lock.Unlock()

	b, err := m.buckets.load(bucketKey(t.ID, ts-ts%t.Config.BatchDuration))
	if err != nil {
		return false, err
	}

	return b != nil && b.collected, nil
}

// OpenBatch returns the batch new aggregation jobs should bind to, rotating
// to a fresh one once the open batch has reached the minimum batch size.
// Jobs already bound to the previous batch keep landing there.
func (m *Manager) OpenBatch(t *task.Task) (protocol.BatchID, error) {
	lock := m.taskLock(t.ID)
	lock.Lock()
	defer lock.Unlock()

	ptrKey := storage.Key(storage.PrefixOpenBatch, t.ID[:])

	cur, err := m.db.Get(ptrKey)
	if err != nil {
		return protocol.BatchID{}, fmt.Errorf("load open batch pointer: %w", err)
	}

	if len(cur) == 16 {
		var id protocol.BatchID
		copy(id[:], cur)

		b, err := m.buckets.load(batchKey(t.ID, id))
		if err != nil {
			return protocol.BatchID{}, err
		}

		if b == nil || (!b.collected && b.count < uint64(t.Config.MinBatchSize)) {
			return id, nil
		}
	}

	id, err := newBatchID()
	if err != nil {
		return protocol.BatchID{}, err
	}

	if err := m.db.Set(ptrKey, id[:]); err != nil {
		return protocol.BatchID{}, fmt.Errorf("save open batch pointer: %w", err)
	}

	logger.Debug("opened batch", "task", t.ID, "batch", id)

	return id, nil
}

// newBatchID builds a batch identifier led by a timestamp, so key order
// matches creation order and a current-batch collection resolves to the
// oldest ready batch.
func newBatchID() (protocol.BatchID, error) {
	var id protocol.BatchID
	binary.BigEndian.PutUint64(id[:8], uint64(time.Now().UnixNano()))

	if _, err := rand.Read(id[8:]); err != nil {
		return id, fmt.Errorf("generate batch id: %w", err)
	}

	return id, nil
}

// foldChecksum xors the report id digest into the running batch checksum.
// Xor keeps the fold order-independent, so both aggregators reach the same
// value regardless of commit interleaving.
func foldChecksum(sum *[32]byte, id protocol.ReportID) {
	h := blake3.Sum256(id[:])
	for i := range sum {
		sum[i] ^= h[i]
	}
}

// errStop ends a prefix scan early without reporting a failure.
var errStop = errors.New("stop iteration")

// batchView is the combined state of every bucket a selector targets.
type batchView struct {
	buckets      []*bucket
	accumulator  []uint64
	count        uint64
	checksum     [32]byte
	anyCollected bool
	allCollected bool
}

// gather loads and combines the buckets a resolved selector targets.
// The caller must hold the task lock.
func (m *Manager) gather(t *task.Task, sel protocol.BatchSelector) (*batchView, error) {
	view := &batchView{
		accumulator:  make([]uint64, t.Scheme.AggregateLen()),
		allCollected: true,
	}

	add := func(b *bucket) error {
		if len(b.accumulator) != len(view.accumulator) {
			return fmt.Errorf("batch record length %d, want %d", len(b.accumulator), len(view.accumulator))
		}

		if err := vdaf.Combine(view.accumulator, b.accumulator); err != nil {
			return err
		}

		view.count += b.count
		for i := range view.checksum {
			view.checksum[i] ^= b.checksum[i]
		}

		if b.collected {
			view.anyCollected = true
		} else {
			view.allCollected = false
		}

		view.buckets = append(view.buckets, b)

		return nil
	}

	switch sel.Kind {
	case protocol.SelectorBatchID:
		b, err := m.buckets.load(batchKey(t.ID, sel.BatchID))
		if err != nil {
			return nil, err
		}
		if b != nil {
			if err := add(b); err != nil {
				return nil, err
			}
		}

	case protocol.SelectorInterval:
		prefix := storage.Key(storage.PrefixBatch, t.ID[:])
		err := m.db.IteratePrefix(prefix, func(key, value []byte) error {
			suffix := key[len(prefix):]
			if len(suffix) != 8 {
				return nil
			}

			if !sel.Interval.Contains(binary.BigEndian.Uint64(suffix)) {
				return nil
			}

			return add(decodeBucket(key, value))
		})
		if err != nil {
			return nil, fmt.Errorf("scan interval buckets:\n%w", err)
		}

	default:
		return nil, protocol.Errf(protocol.KindMalformedInput, "unresolved selector kind %d", sel.Kind)
	}

	if len(view.buckets) == 0 {
		view.allCollected = false
	}

	return view, nil
}

// markCollected freezes every bucket in the view at its gathered state.
// The caller must hold the task lock.
func (m *Manager) markCollected(view *batchView) error {
	for _, b := range view.buckets {
		b.collected = true
		if err := m.buckets.save(b); err != nil {
			return err
		}
	}

	return nil
}
