// Package aggregation runs the two-party aggregation job protocol. The
// leader pulls uploaded reports off its durable queue, opens jobs against
// the helper, and commits surviving output shares; the helper answers job
// requests, persisting its preparation state between rounds so retried
// requests replay instead of recomputing side effects.
package aggregation

import (
	"encoding/binary"
	"fmt"
	"time"

	"TwinTally/internal/protocol"
	"TwinTally/internal/storage"
)

// Queue is the leader's durable upload queue. Reports wait here between
// upload acceptance and job creation, keyed so iteration order is arrival
// order.
type Queue struct {
	db *storage.Store
}

// NewQueue builds a queue over the store.
func NewQueue(db *storage.Store) *Queue {
	return &Queue{db: db}
}

// Entry is one queued report plus the key to consume it with.
type Entry struct {
	Key    []byte           // Key removes the entry once the report is driven
	Report *protocol.Report // Report is the decoded upload
}

// entryKey orders entries by arrival time, report ID breaking ties.
func entryKey(taskID protocol.TaskID, reportID protocol.ReportID) []byte {
	var arrival [8]byte
	binary.BigEndian.PutUint64(arrival[:], uint64(time.Now().UnixNano()))

	return storage.Key(storage.PrefixQueue, taskID[:], arrival[:], reportID[:])
}

// Push appends an uploaded report to its task's queue.
func (q *Queue) Push(r *protocol.Report) error {
	if err := q.db.Set(entryKey(r.TaskID, r.ReportID), r.Encode()); err != nil {
		return fmt.Errorf("enqueue report: %w", err)
	}

	return nil
}

// errStop ends a prefix scan early without reporting a failure.
var errStop = fmt.Errorf("stop iteration")

// Pull returns up to max entries from the front of a task's queue without
// consuming them. Remove consumes entries once their job is in flight.
func (q *Queue) Pull(taskID protocol.TaskID, max int) ([]Entry, error) {
	prefix := storage.Key(storage.PrefixQueue, taskID[:])
	entries := make([]Entry, 0, max)

	err := q.db.IteratePrefix(prefix, func(key, value []byte) error {
		r, err := protocol.DecodeReport(value)
		if err != nil {
			return fmt.Errorf("decode queued report %x: %w", key, err)
		}

		k := make([]byte, len(key))
		copy(k, key)

		entries = append(entries, Entry{Key: k, Report: r})
		if len(entries) >= max {
			return errStop
		}

		return nil
	})
	if err != nil && err != errStop {
		return nil, fmt.Errorf("scan queue:\n%w", err)
	}

	return entries, nil
}

// Remove consumes queue entries.
func (q *Queue) Remove(entries []Entry) error {
	for _, e := range entries {
		if err := q.db.Delete(e.Key); err != nil {
			return fmt.Errorf("dequeue %x: %w", e.Key, err)
		}
	}

	return nil
}

// ReserveReport claims a report identifier for a task, atomically: of any
// number of concurrent claims exactly one gets true. Reservations are never
// released, so a consumed identifier stays consumed.
func ReserveReport(db *storage.Store, taskID protocol.TaskID, reportID protocol.ReportID) (bool, error) {
	key := storage.Key(storage.PrefixReservation, taskID[:], reportID[:])

	return db.SetIfNotExists(key, []byte{1})
}
