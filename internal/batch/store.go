package batch

import (
	"encoding/binary"
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"

	"TwinTally/internal/protocol"
	"TwinTally/internal/storage"
	"TwinTally/internal/types"
)

// bucket is the in-memory form of one batch accumulator record.
type bucket struct {
	key         []byte
	accumulator []uint64
	count       uint64
	checksum    [32]byte
	collected   bool
}

func newBucket(key []byte, aggLen int) *bucket {
	return &bucket{key: key, accumulator: make([]uint64, aggLen)}
}

// bucketKey keys an interval bucket by its aligned start time.
func bucketKey(taskID protocol.TaskID, start uint64) []byte {
	var suffix [8]byte
	binary.BigEndian.PutUint64(suffix[:], start)

	return storage.Key(storage.PrefixBatch, taskID[:], suffix[:])
}

// batchKey keys a leader-selected batch by its identifier.
func batchKey(taskID protocol.TaskID, batchID protocol.BatchID) []byte {
	return storage.Key(storage.PrefixBatch, taskID[:], batchID[:])
}

// bucketStore reads and writes batch accumulator records.
type bucketStore struct {
	db *storage.Store
}

// load retrieves a bucket by key. Returns nil if it does not exist yet.
func (s *bucketStore) load(key []byte) (*bucket, error) {
	data, err := s.db.Get(key)
	if err != nil {
		return nil, fmt.Errorf("load batch record: %w", err)
	}
	if data == nil {
		return nil, nil
	}

	return decodeBucket(key, data), nil
}

// save persists a bucket.
func (s *bucketStore) save(b *bucket) error {
	if err := s.db.Set(b.key, encodeBucket(b)); err != nil {
		return fmt.Errorf("save batch record: %w", err)
	}

	return nil
}

func encodeBucket(b *bucket) []byte {
	builder := flatbuffers.NewBuilder(256)

	types.BatchRecordStartAccumulatorVector(builder, len(b.accumulator))
	for i := len(b.accumulator) - 1; i >= 0; i-- {
		builder.PrependUint64(b.accumulator[i])
	}
	accVec := builder.EndVector(len(b.accumulator))

	sumVec := builder.CreateByteVector(b.checksum[:])

	types.BatchRecordStart(builder)
	types.BatchRecordAddAccumulator(builder, accVec)
	types.BatchRecordAddCount(builder, b.count)
	types.BatchRecordAddChecksum(builder, sumVec)
	types.BatchRecordAddCollected(builder, b.collected)
	recOffset := types.BatchRecordEnd(builder)

	builder.Finish(recOffset)

	return builder.FinishedBytes()
}

func decodeBucket(key, data []byte) *bucket {
	rec := types.GetRootAsBatchRecord(data, 0)

	b := &bucket{
		key:       append([]byte(nil), key...),
		count:     rec.Count(),
		collected: rec.Collected(),
	}

	b.accumulator = make([]uint64, rec.AccumulatorLength())
	for i := range b.accumulator {
		b.accumulator[i] = rec.Accumulator(i)
	}

	copy(b.checksum[:], rec.ChecksumBytes())

	return b
}

// collection is the in-memory form of one collection job record.
type collection struct {
	state     types.CollectionState
	taskID    protocol.TaskID
	selector  protocol.BatchSelector
	aggregate []uint64
	count     uint64
	failure   protocol.ErrorKind
	message   string
}

// fail moves the job to its terminal failed state.
func (c *collection) fail(kind protocol.ErrorKind, message string) {
	c.state = types.CollectionStateFailed
	c.failure = kind
	c.message = message
}

// collectionStore reads and writes collection job records.
type collectionStore struct {
	db *storage.Store
}

// load retrieves a collection job by ID. Returns nil if not found.
func (s *collectionStore) load(id protocol.CollectionID) (*collection, error) {
	data, err := s.db.Get(storage.Key(storage.PrefixCollection, id[:]))
	if err != nil {
		return nil, fmt.Errorf("load collection record: %w", err)
	}
	if data == nil {
		return nil, nil
	}

	return decodeCollection(data)
}

// save persists a collection job.
func (s *collectionStore) save(id protocol.CollectionID, c *collection) error {
	key := storage.Key(storage.PrefixCollection, id[:])
	if err := s.db.Set(key, encodeCollection(c)); err != nil {
		return fmt.Errorf("save collection record: %w", err)
	}

	return nil
}

func encodeCollection(c *collection) []byte {
	builder := flatbuffers.NewBuilder(256)

	taskVec := builder.CreateByteVector(c.taskID[:])
	selVec := builder.CreateByteVector(protocol.EncodeBatchSelector(&c.selector))

	var aggVec flatbuffers.UOffsetT
	if len(c.aggregate) > 0 {
		types.CollectionRecordStartAggregateVector(builder, len(c.aggregate))
		for i := len(c.aggregate) - 1; i >= 0; i-- {
			builder.PrependUint64(c.aggregate[i])
		}
		aggVec = builder.EndVector(len(c.aggregate))
	}

	var msgOffset flatbuffers.UOffsetT
	if c.message != "" {
		msgOffset = builder.CreateString(c.message)
	}

	types.CollectionRecordStart(builder)
	types.CollectionRecordAddState(builder, c.state)
	types.CollectionRecordAddTaskId(builder, taskVec)
	types.CollectionRecordAddSelector(builder, selVec)
	if len(c.aggregate) > 0 {
		types.CollectionRecordAddAggregate(builder, aggVec)
	}
	types.CollectionRecordAddCount(builder, c.count)
	types.CollectionRecordAddFailure(builder, byte(c.failure))
	if c.message != "" {
		types.CollectionRecordAddMessage(builder, msgOffset)
	}
	recOffset := types.CollectionRecordEnd(builder)

	builder.Finish(recOffset)

	return builder.FinishedBytes()
}

func decodeCollection(data []byte) (*collection, error) {
	rec := types.GetRootAsCollectionRecord(data, 0)

	c := &collection{
		state:   rec.State(),
		count:   rec.Count(),
		failure: protocol.ErrorKind(rec.Failure()),
		message: string(rec.Message()),
	}

	copy(c.taskID[:], rec.TaskIdBytes())

	sel, err := protocol.DecodeBatchSelector(rec.SelectorBytes())
	if err != nil {
		return nil, fmt.Errorf("decode stored selector: %w", err)
	}
	c.selector = sel

	if n := rec.AggregateLength(); n > 0 {
		c.aggregate = make([]uint64, n)
		for i := range c.aggregate {
			c.aggregate[i] = rec.Aggregate(i)
		}
	}

	return c, nil
}
