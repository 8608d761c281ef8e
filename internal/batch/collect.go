package batch

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"

	"TwinTally/internal/logger"
	"TwinTally/internal/protocol"
	"TwinTally/internal/storage"
	"TwinTally/internal/task"
	"TwinTally/internal/types"
	"TwinTally/internal/vdaf"
)

// SharePeer releases the peer aggregator's share of a collected batch.
type SharePeer interface {
	AggregateShare(ctx context.Context, req *protocol.AggregateShareReq) (*protocol.AggregateShareResp, error)
}

// Status is the outcome of one collection poll.
type Status struct {
	State     types.CollectionState // State is pending, done, or failed
	Aggregate []uint64              // Aggregate is the plaintext result when done
	Count     uint64                // Count is the contributing report count when done
	Failure   protocol.ErrorKind    // Failure classifies a terminal failure
	Message   string                // Message describes a terminal failure
}

func (c *collection) status() *Status {
	return &Status{
		State:     c.state,
		Aggregate: c.aggregate,
		Count:     c.count,
		Failure:   c.failure,
		Message:   c.message,
	}
}

// StartCollection validates a collection request and stores a pending job.
// Current-batch selectors resolve to a concrete batch here, so later polls
// all target the same batch.
func (m *Manager) StartCollection(taskID protocol.TaskID, sel protocol.BatchSelector, aggParam []byte) (protocol.CollectionID, error) {
	var id protocol.CollectionID

	t, ok := m.tasks.Get(taskID)
	if !ok {
		return id, protocol.Errf(protocol.KindUnknownTaskOrConfig, "unknown task %s", taskID)
	}

	if len(aggParam) != 0 {
		return id, protocol.Errf(protocol.KindMalformedInput, "unexpected aggregation parameter")
	}

	resolved, err := m.resolveSelector(t, sel)
	if err != nil {
		return id, err
	}

	if _, err := rand.Read(id[:]); err != nil {
		return id, fmt.Errorf("generate collection id: %w", err)
	}

	rec := &collection{
		state:    types.CollectionStatePending,
		taskID:   taskID,
		selector: resolved,
	}

	if err := m.collections.save(id, rec); err != nil {
		return id, err
	}

	logger.Info("collection started", "collection", id, "task", taskID)

	return id, nil
}

// resolveSelector checks a selector against the task's batch policy and pins
// current-batch requests to the oldest ready batch.
func (m *Manager) resolveSelector(t *task.Task, sel protocol.BatchSelector) (protocol.BatchSelector, error) {
	switch t.Config.BatchPolicy {
	case protocol.PolicyTimeInterval:
		if sel.Kind != protocol.SelectorInterval {
			return sel, protocol.Errf(protocol.KindMalformedInput, "task batches by interval, got selector kind %d", sel.Kind)
		}

		if err := sel.Interval.Validate(t.Config.BatchDuration); err != nil {
			return sel, protocol.WrapErr(protocol.KindMalformedInput, err, "invalid collection interval")
		}

		return sel, nil

	case protocol.PolicyLeaderSelected:
		switch sel.Kind {
		case protocol.SelectorBatchID:
			return sel, nil
		case protocol.SelectorCurrentBatch:
			id, err := m.oldestReadyBatch(t)
			if err != nil {
				return sel, err
			}

			return protocol.BatchSelector{Kind: protocol.SelectorBatchID, BatchID: id}, nil
		default:
			return sel, protocol.Errf(protocol.KindMalformedInput, "task uses leader-selected batches, got selector kind %d", sel.Kind)
		}
	}

	return sel, protocol.Errf(protocol.KindMalformedInput, "unknown batch policy %d", t.Config.BatchPolicy)
}

// oldestReadyBatch scans the task's batches in creation order for the first
// one at minimum size and not yet collected.
func (m *Manager) oldestReadyBatch(t *task.Task) (protocol.BatchID, error) {
	lock := m.taskLock(t.ID)
	lock.Lock()
	defer lock.Unlock()

	var id protocol.BatchID
	found := false

	prefix := storage.Key(storage.PrefixBatch, t.ID[:])
	err := m.db.IteratePrefix(prefix, func(key, value []byte) error {
		if len(key) != len(prefix)+16 {
			return nil
		}

		rec := types.GetRootAsBatchRecord(value, 0)
		if rec.Collected() || rec.Count() < uint64(t.Config.MinBatchSize) {
			return nil
		}

		copy(id[:], key[len(prefix):])
		found = true

		return errStop
	})
	if err != nil && !errors.Is(err, errStop) {
		return id, fmt.Errorf("scan batches:\n%w", err)
	}

	if !found {
		return id, protocol.Errf(protocol.KindBatchNotReady, "no batch ready for collection")
	}

	return id, nil
}

// PollCollection advances a collection job one step. Terminal jobs return
// their stored outcome. A pending job is checked for readiness; once ready
// the helper's share is fetched, both sides' batches are frozen, and the
// plaintext aggregate is stored on the job. Peer transport failures leave
// the job pending for the next poll.
func (m *Manager) PollCollection(ctx context.Context, id protocol.CollectionID, peer SharePeer) (*Status, error) {
	rec, err := m.collections.load(id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, protocol.Errf(protocol.KindMalformedInput, "unknown collection %s", id)
	}

	if rec.state != types.CollectionStatePending {
		return rec.status(), nil
	}

	t, ok := m.tasks.Get(rec.taskID)
	if !ok {
		return nil, protocol.Errf(protocol.KindUnknownTaskOrConfig, "task %s no longer active", rec.taskID)
	}

	lock := m.taskLock(t.ID)
	lock.Lock()
	view, err := m.gather(t, rec.selector)
	lock.Unlock()
	if err != nil {
		return nil, err
	}

	if view.anyCollected {
		// Another collection already consumed part of the target. Single-use
		// batches stay sealed forever.
		rec.fail(protocol.KindBatchExhausted, "batch already collected")
		if err := m.collections.save(id, rec); err != nil {
			return nil, err
		}

		logger.Warn("collection exhausted", "collection", id, "task", t.ID)

		return rec.status(), nil
	}

	if view.count < uint64(t.Config.MinBatchSize) {
		return rec.status(), nil
	}

	req := &protocol.AggregateShareReq{
		TaskID:      t.ID,
		Selector:    rec.selector,
		ReportCount: view.count,
		Checksum:    view.checksum,
	}

	resp, err := peer.AggregateShare(ctx, req)
	if err != nil {
		kind := protocol.KindOf(err)
		if kind == 0 || kind == protocol.KindPeerUnavailable {
			return nil, protocol.WrapErr(protocol.KindPeerUnavailable, err, "fetch aggregate share")
		}

		// The helper refused outright; nothing was marked on either side.
		rec.fail(kind, err.Error())
		if err := m.collections.save(id, rec); err != nil {
			return nil, err
		}

		logger.Warn("collection refused by peer", "collection", id, "kind", kind)

		return rec.status(), nil
	}

	// The helper has sealed its side at the gathered report set. Freeze the
	// same snapshot here: contributions that raced the reveal are dropped
	// exactly as if they had arrived after it.
	lock.Lock()
	err = m.markCollected(view)
	lock.Unlock()
	if err != nil {
		return nil, err
	}

	aggregate, err := vdaf.Unshard(view.accumulator, resp.Share)
	if err != nil {
		rec.fail(protocol.KindMalformedInput, fmt.Sprintf("combine aggregate shares: %v", err))
		if err := m.collections.save(id, rec); err != nil {
			return nil, err
		}

		return rec.status(), nil
	}

	rec.state = types.CollectionStateDone
	rec.aggregate = aggregate
	rec.count = view.count

	if err := m.collections.save(id, rec); err != nil {
		return nil, err
	}

	logger.Info("collection done", "collection", id, "task", t.ID, "count", view.count)

	return rec.status(), nil
}

// AggregateShare serves the helper's side of a collection: it recomputes
// count and checksum over its own batches and releases its aggregate share
// only on exact agreement. The request is idempotent; repeating it against
// already-collected batches re-serves the same share.
func (m *Manager) AggregateShare(req *protocol.AggregateShareReq) (*protocol.AggregateShareResp, error) {
	t, ok := m.tasks.Get(req.TaskID)
	if !ok {
		return nil, protocol.Errf(protocol.KindUnknownTaskOrConfig, "unknown task %s", req.TaskID)
	}

	if len(req.AggParam) != 0 {
		return nil, protocol.Errf(protocol.KindMalformedInput, "unexpected aggregation parameter")
	}

	if err := m.checkShareSelector(t, req.Selector); err != nil {
		return nil, err
	}

	if req.ReportCount < uint64(t.Config.MinBatchSize) {
		return nil, protocol.Errf(protocol.KindBatchNotReady, "requested count %d below minimum %d", req.ReportCount, t.Config.MinBatchSize)
	}

	lock := m.taskLock(t.ID)
	lock.Lock()
	defer lock.Unlock()

	view, err := m.gather(t, req.Selector)
	if err != nil {
		return nil, err
	}

	if view.count != req.ReportCount {
		return nil, protocol.Errf(protocol.KindMalformedInput, "report count %d, local batches hold %d", req.ReportCount, view.count)
	}

	if subtle.ConstantTimeCompare(view.checksum[:], req.Checksum[:]) != 1 {
		return nil, protocol.Errf(protocol.KindMalformedInput, "batch checksum mismatch")
	}

	if view.anyCollected && !view.allCollected {
		return nil, protocol.Errf(protocol.KindBatchExhausted, "batch partially collected")
	}

	if !view.allCollected {
		if err := m.markCollected(view); err != nil {
			return nil, err
		}

		logger.Info("released aggregate share", "task", t.ID, "count", view.count)
	}

	return &protocol.AggregateShareResp{Share: view.accumulator}, nil
}

// checkShareSelector validates an aggregate share selector against the task
// policy. Current-batch markers are a collector-side convenience and never
// appear on the peer wire.
func (m *Manager) checkShareSelector(t *task.Task, sel protocol.BatchSelector) error {
	switch t.Config.BatchPolicy {
	case protocol.PolicyTimeInterval:
		if sel.Kind != protocol.SelectorInterval {
			return protocol.Errf(protocol.KindMalformedInput, "task batches by interval, got selector kind %d", sel.Kind)
		}

		if err := sel.Interval.Validate(t.Config.BatchDuration); err != nil {
			return protocol.WrapErr(protocol.KindMalformedInput, err, "invalid share interval")
		}

	case protocol.PolicyLeaderSelected:
		if sel.Kind != protocol.SelectorBatchID {
			return protocol.Errf(protocol.KindMalformedInput, "task uses leader-selected batches, got selector kind %d", sel.Kind)
		}
	}

	return nil
}
