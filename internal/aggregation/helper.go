package aggregation

import (
	"fmt"
	"sync"

	flatbuffers "github.com/google/flatbuffers/go"

	"TwinTally/internal/batch"
	"TwinTally/internal/logger"
	"TwinTally/internal/protocol"
	"TwinTally/internal/report"
	"TwinTally/internal/storage"
	"TwinTally/internal/task"
	"TwinTally/internal/types"
	"TwinTally/internal/vdaf"
)

// Helper answers the leader's aggregation job requests. All processing up
// to output commit is deterministic and side-effect free, so a job request
// can be recomputed or replayed safely; commits are guarded by report
// reservations and the cached round response.
type Helper struct {
	db        *storage.Store
	tasks     *task.Store
	processor *report.Processor
	batches   *batch.Manager

	mu       sync.Mutex
	jobLocks map[string]*sync.Mutex
}

// NewHelper builds the helper engine.
func NewHelper(db *storage.Store, tasks *task.Store, processor *report.Processor, batches *batch.Manager) *Helper {
	return &Helper{
		db:        db,
		tasks:     tasks,
		processor: processor,
		batches:   batches,
		jobLocks:  make(map[string]*sync.Mutex),
	}
}

func jobKey(taskID protocol.TaskID, jobID protocol.JobID) []byte {
	return storage.Key(storage.PrefixPrepJob, taskID[:], jobID[:])
}

// jobLock returns the mutex serializing continuation rounds of one job.
func (h *Helper) jobLock(key []byte) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()

	l, ok := h.jobLocks[string(key)]
	if !ok {
		l = &sync.Mutex{}
		h.jobLocks[string(key)] = l
	}

	return l
}

// releaseJobLock drops a terminal job's lock entry. Retries against a
// terminal job only replay the cached response, which is read-only, so a
// recreated lock changes nothing.
func (h *Helper) releaseJobLock(key []byte) {
	h.mu.Lock()
	delete(h.jobLocks, string(key))
	h.mu.Unlock()
}

// anyContinued reports whether a job still has unresolved reports.
func anyContinued(entries []prepEntry) bool {
	for i := range entries {
		if entries[i].status == types.EntryStatusContinued {
			return true
		}
	}

	return false
}

// prepEntry is the in-memory form of one report's state inside a job.
type prepEntry struct {
	reportID protocol.ReportID
	time     uint64
	status   types.EntryStatus
	failure  protocol.TransitionFailure
	verifier []uint64
	output   []uint64
}

// HandleJobInit starts an aggregation job: every report share is checked,
// decrypted and prepared, and the helper's first-round messages go back as
// transitions. The job record is stored put-if-not-exists, so a retried
// init returns the original response no matter what the retry carries.
func (h *Helper) HandleJobInit(req *protocol.AggregationJobInitReq, now uint64) (*protocol.AggregationJobResp, error) {
	t, ok := h.tasks.Get(req.TaskID)
	if !ok {
		return nil, protocol.Errf(protocol.KindUnknownTaskOrConfig, "task %s not active", req.TaskID)
	}

	if len(req.AggParam) != 0 {
		return nil, protocol.Errf(protocol.KindMalformedInput, "unexpected aggregation parameter")
	}

	if err := checkJobSelector(t, req.BatchSelector); err != nil {
		return nil, err
	}

	entries := make([]prepEntry, len(req.ReportShares))
	transitions := make([]protocol.Transition, len(req.ReportShares))

	for i := range req.ReportShares {
		share := &req.ReportShares[i]

		e := prepEntry{reportID: share.ReportID, time: share.Time}

		p, rej := h.processor.Prepare(t, vdaf.RoleHelper, share, now)
		if rej != nil {
			e.status = types.EntryStatusFailed
			e.failure = rej.Failure

			transitions[i] = protocol.Transition{
				ReportID: share.ReportID,
				Variant:  protocol.TransitionFailed,
				Failure:  rej.Failure,
			}

			logger.Debug("report share rejected",
				"task", req.TaskID,
				"job", req.JobID,
				"report", share.ReportID,
				"failure", rej.Failure,
				"error", rej.Err,
			)
		} else {
			e.status = types.EntryStatusContinued
			e.verifier = p.State.Verifier
			e.output = p.State.Output

			transitions[i] = protocol.Transition{
				ReportID: share.ReportID,
				Variant:  protocol.TransitionContinued,
				Payload:  p.Outbound,
			}
		}

		entries[i] = e
	}

	resp := &protocol.AggregationJobResp{Transitions: transitions}
	selector := protocol.EncodePartialBatchSelector(&req.BatchSelector)
	record := encodePrepJob(t.Scheme.ID(), 0, entries, resp.Encode(), selector)

	key := jobKey(req.TaskID, req.JobID)

	inserted, err := h.db.SetIfNotExists(key, record)
	if err != nil {
		return nil, fmt.Errorf("persist job state: %w", err)
	}

	if !inserted {
		// The job already ran. Serve the recorded response so the job stays
		// pinned to the contents of the first init, whatever the retry says.
		return h.storedResponse(key)
	}

	logger.Debug("aggregation job opened",
		"task", req.TaskID,
		"job", req.JobID,
		"reports", len(req.ReportShares),
	)

	return resp, nil
}

// HandleJobContinue advances a job one round: the leader's verifier shares
// resolve each report, finished output shares are reserved and committed,
// and the final transitions go back. The response is cached on the job
// record; a retried round replays it without recommitting.
func (h *Helper) HandleJobContinue(req *protocol.AggregationJobContinueReq, now uint64) (*protocol.AggregationJobResp, error) {
	t, ok := h.tasks.Get(req.TaskID)
	if !ok {
		return nil, protocol.Errf(protocol.KindUnknownTaskOrConfig, "task %s not active", req.TaskID)
	}

	if req.Round == 0 || int(req.Round) > t.Scheme.Rounds() {
		return nil, protocol.Errf(protocol.KindMalformedInput, "round %d out of range", req.Round)
	}

	key := jobKey(req.TaskID, req.JobID)

	lock := h.jobLock(key)
	lock.Lock()
	defer lock.Unlock()

	raw, err := h.db.Get(key)
	if err != nil {
		return nil, fmt.Errorf("load job state: %w", err)
	}
	if raw == nil {
		return nil, protocol.Errf(protocol.KindMalformedInput, "unknown aggregation job %s", req.JobID)
	}

	rec := types.GetRootAsPrepJobRecord(raw, 0)

	switch {
	case rec.Round() == req.Round:
		// Retried round: replay the cached response.
		if !anyContinued(decodePrepEntries(rec)) {
			h.releaseJobLock(key)
		}

		return decodeStoredResponse(rec)
	case rec.Round()+1 != req.Round:
		return nil, protocol.Errf(protocol.KindMalformedInput, "round %d does not follow round %d", req.Round, rec.Round())
	}

	if rec.SchemeId() != t.Scheme.ID() {
		return nil, protocol.Errf(protocol.KindMalformedInput, "job belongs to scheme %d", rec.SchemeId())
	}

	sel, err := protocol.DecodePartialBatchSelector(rec.SelectorBytes())
	if err != nil {
		return nil, fmt.Errorf("corrupt job selector: %w", err)
	}

	entries := decodePrepEntries(rec)

	byID := make(map[protocol.ReportID]int, len(entries))
	for i := range entries {
		byID[entries[i].reportID] = i
	}

	transitions := make([]protocol.Transition, len(req.Messages))

	var contribs []batch.Contribution
	var contribAt []int // transition index per contribution, for commit failures

	for i := range req.Messages {
		msg := &req.Messages[i]

		idx, ok := byID[msg.ReportID]
		if !ok {
			return nil, protocol.Errf(protocol.KindMalformedInput, "report %s not in job", msg.ReportID)
		}

		e := &entries[idx]
		if e.status != types.EntryStatusContinued {
			return nil, protocol.Errf(protocol.KindMalformedInput, "report %s already resolved", msg.ReportID)
		}

		transitions[i] = h.finishReport(t, req.TaskID, e, msg.Payload)

		if transitions[i].Variant == protocol.TransitionFinished {
			contribs = append(contribs, batch.Contribution{
				ReportID: e.reportID,
				Time:     e.time,
				Output:   e.output,
			})
			contribAt = append(contribAt, i)
		}
	}

	if len(contribs) > 0 {
		failures, err := h.batches.Commit(t, sel.BatchID, contribs)
		if err != nil {
			return nil, fmt.Errorf("commit output shares:\n%w", err)
		}

		for n, i := range contribAt {
			f, ok := failures[contribs[n].ReportID]
			if !ok {
				continue
			}

			transitions[i].Variant = protocol.TransitionFailed
			transitions[i].Failure = f
			entries[byID[contribs[n].ReportID]].status = types.EntryStatusFailed
			entries[byID[contribs[n].ReportID]].failure = f
		}
	}

	resp := &protocol.AggregationJobResp{Transitions: transitions}
	record := encodePrepJob(rec.SchemeId(), req.Round, entries, resp.Encode(), rec.SelectorBytes())

	if err := h.db.Set(key, record); err != nil {
		return nil, fmt.Errorf("persist job state: %w", err)
	}

	// Every report resolved means the job is terminal; its lock entry goes.
	if !anyContinued(entries) {
		h.releaseJobLock(key)
	}

	logger.Debug("aggregation job advanced",
		"task", req.TaskID,
		"job", req.JobID,
		"round", req.Round,
		"committed", len(contribs),
	)

	return resp, nil
}

// finishReport consumes the leader's message for one report and resolves
// it: verification decides, then the replay guard has the final word.
func (h *Helper) finishReport(t *task.Task, taskID protocol.TaskID, e *prepEntry, payload []byte) protocol.Transition {
	failed := func(f protocol.TransitionFailure) protocol.Transition {
		e.status = types.EntryStatusFailed
		e.failure = f

		return protocol.Transition{ReportID: e.reportID, Variant: protocol.TransitionFailed, Failure: f}
	}

	state := &vdaf.PrepState{SchemeID: t.Scheme.ID(), Verifier: e.verifier, Output: e.output}

	res, err := t.Scheme.PrepNext(state, payload)
	if err != nil {
		logger.Debug("prep message rejected", "task", taskID, "report", e.reportID, "error", err)
		return failed(protocol.FailureVdafPrepError)
	}

	switch res.Status {
	case vdaf.PrepFinished:
		inserted, err := ReserveReport(h.db, taskID, e.reportID)
		if err != nil {
			logger.Error("report reservation failed", "task", taskID, "report", e.reportID, "error", err)
			return failed(protocol.FailureReportDropped)
		}

		if !inserted {
			return failed(protocol.FailureReportReplayed)
		}

		e.status = types.EntryStatusFinished
		e.output = res.Output

		return protocol.Transition{ReportID: e.reportID, Variant: protocol.TransitionFinished}

	case vdaf.PrepRejected:
		logger.Debug("report failed verification", "task", taskID, "report", e.reportID, "reason", res.Reason)
		return failed(protocol.FailureVdafPrepError)

	default:
		// The scheme wants more rounds than the job allows.
		return failed(protocol.FailureVdafPrepError)
	}
}

// storedResponse loads a job record and returns its cached response.
func (h *Helper) storedResponse(key []byte) (*protocol.AggregationJobResp, error) {
	raw, err := h.db.Get(key)
	if err != nil {
		return nil, fmt.Errorf("load job state: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("job record vanished")
	}

	return decodeStoredResponse(types.GetRootAsPrepJobRecord(raw, 0))
}

func decodeStoredResponse(rec *types.PrepJobRecord) (*protocol.AggregationJobResp, error) {
	resp, err := protocol.DecodeAggregationJobResp(rec.ResponseBytes())
	if err != nil {
		return nil, fmt.Errorf("corrupt cached response: %w", err)
	}

	return resp, nil
}

// checkJobSelector matches the job's batch binding against the task policy.
func checkJobSelector(t *task.Task, sel protocol.PartialBatchSelector) error {
	leaderSelected := t.Config.BatchPolicy == protocol.PolicyLeaderSelected

	if sel.LeaderSelected != leaderSelected {
		return protocol.Errf(protocol.KindMalformedInput, "batch selector does not match task policy")
	}

	return nil
}

// encodePrepJob serializes a job record.
func encodePrepJob(schemeID uint32, round uint16, entries []prepEntry, response, selector []byte) []byte {
	builder := flatbuffers.NewBuilder(256 + len(entries)*128)

	entryOffsets := make([]flatbuffers.UOffsetT, len(entries))
	for i := range entries {
		entryOffsets[i] = encodePrepEntry(builder, &entries[i])
	}

	types.PrepJobRecordStartEntriesVector(builder, len(entryOffsets))
	for i := len(entryOffsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(entryOffsets[i])
	}
	entriesVec := builder.EndVector(len(entryOffsets))

	responseVec := builder.CreateByteVector(response)
	selectorVec := builder.CreateByteVector(selector)

	types.PrepJobRecordStart(builder)
	types.PrepJobRecordAddSchemeId(builder, schemeID)
	types.PrepJobRecordAddRound(builder, round)
	types.PrepJobRecordAddEntries(builder, entriesVec)
	types.PrepJobRecordAddResponse(builder, responseVec)
	types.PrepJobRecordAddSelector(builder, selectorVec)
	offset := types.PrepJobRecordEnd(builder)

	builder.Finish(offset)

	return builder.FinishedBytes()
}

func encodePrepEntry(builder *flatbuffers.Builder, e *prepEntry) flatbuffers.UOffsetT {
	idVec := builder.CreateByteVector(e.reportID[:])

	var verifierVec flatbuffers.UOffsetT
	if len(e.verifier) > 0 {
		types.PrepEntryRecordStartVerifierVector(builder, len(e.verifier))
		for i := len(e.verifier) - 1; i >= 0; i-- {
			builder.PrependUint64(e.verifier[i])
		}
		verifierVec = builder.EndVector(len(e.verifier))
	}

	var outputVec flatbuffers.UOffsetT
	if len(e.output) > 0 {
		types.PrepEntryRecordStartOutputVector(builder, len(e.output))
		for i := len(e.output) - 1; i >= 0; i-- {
			builder.PrependUint64(e.output[i])
		}
		outputVec = builder.EndVector(len(e.output))
	}

	types.PrepEntryRecordStart(builder)
	types.PrepEntryRecordAddReportId(builder, idVec)
	types.PrepEntryRecordAddStatus(builder, e.status)
	types.PrepEntryRecordAddFailure(builder, byte(e.failure))

	if verifierVec != 0 {
		types.PrepEntryRecordAddVerifier(builder, verifierVec)
	}

	if outputVec != 0 {
		types.PrepEntryRecordAddOutput(builder, outputVec)
	}

	types.PrepEntryRecordAddTime(builder, e.time)

	return types.PrepEntryRecordEnd(builder)
}

// decodePrepEntries rebuilds the in-memory entries from a job record.
func decodePrepEntries(rec *types.PrepJobRecord) []prepEntry {
	entries := make([]prepEntry, rec.EntriesLength())

	var fb types.PrepEntryRecord
	for i := range entries {
		if !rec.Entries(&fb, i) {
			continue
		}

		e := &entries[i]
		copy(e.reportID[:], fb.ReportIdBytes())
		e.time = fb.Time()
		e.status = fb.Status()
		e.failure = protocol.TransitionFailure(fb.Failure())

		if n := fb.VerifierLength(); n > 0 {
			e.verifier = make([]uint64, n)
			for j := range e.verifier {
				e.verifier[j] = fb.Verifier(j)
			}
		}

		if n := fb.OutputLength(); n > 0 {
			e.output = make([]uint64, n)
			for j := range e.output {
				e.output[j] = fb.Output(j)
			}
		}
	}

	return entries
}
