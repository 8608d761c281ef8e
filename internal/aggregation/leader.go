package aggregation

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"TwinTally/internal/batch"
	"TwinTally/internal/logger"
	"TwinTally/internal/protocol"
	"TwinTally/internal/report"
	"TwinTally/internal/storage"
	"TwinTally/internal/task"
	"TwinTally/internal/vdaf"
)

// Peer is the leader's view of the helper: every sub-protocol request the
// leader can issue. Implementations classify transport failures as
// KindPeerUnavailable so callers can tell a dead peer from a refusal.
type Peer interface {
	JobInit(ctx context.Context, req *protocol.AggregationJobInitReq) (*protocol.AggregationJobResp, error)
	JobContinue(ctx context.Context, req *protocol.AggregationJobContinueReq) (*protocol.AggregationJobResp, error)
	AggregateShare(ctx context.Context, req *protocol.AggregateShareReq) (*protocol.AggregateShareResp, error)
	AdvertiseTask(ctx context.Context, adv *protocol.TaskAdvertise) error
}

const (
	// defaultMaxReportsPerJob bounds how many queued reports one job drives.
	defaultMaxReportsPerJob = 256

	// defaultContinuationRounds is how many continuation rounds a job allows
	// after init before unresolved reports are given up on.
	defaultContinuationRounds = 1

	// defaultDriveInterval is the pause between drive passes over the tasks.
	defaultDriveInterval = time.Second
)

// LeaderConfig tunes the leader's job driver. Zero values take defaults.
type LeaderConfig struct {
	MaxReportsPerJob   int           // MaxReportsPerJob caps reports per aggregation job
	ContinuationRounds int           // ContinuationRounds is the round limit after init
	DriveInterval      time.Duration // DriveInterval paces the background drive loop
}

// Leader owns the leader half of the protocol: it accepts uploads, drives
// aggregation jobs against the helper, and runs collections.
type Leader struct {
	db        *storage.Store
	tasks     *task.Store
	processor *report.Processor
	batches   *batch.Manager
	queue     *Queue
	peer      Peer
	cfg       LeaderConfig
}

// NewLeader builds the leader engine.
func NewLeader(db *storage.Store, tasks *task.Store, processor *report.Processor, batches *batch.Manager, peer Peer, cfg LeaderConfig) *Leader {
	if cfg.MaxReportsPerJob <= 0 {
		cfg.MaxReportsPerJob = defaultMaxReportsPerJob
	}
	if cfg.ContinuationRounds <= 0 {
		cfg.ContinuationRounds = defaultContinuationRounds
	}
	if cfg.DriveInterval <= 0 {
		cfg.DriveInterval = defaultDriveInterval
	}

	return &Leader{
		db:        db,
		tasks:     tasks,
		processor: processor,
		batches:   batches,
		queue:     NewQueue(db),
		peer:      peer,
		cfg:       cfg,
	}
}

// rejectionKind maps a per-report failure code onto the error taxonomy for
// the upload surface.
func rejectionKind(f protocol.TransitionFailure) protocol.ErrorKind {
	switch f {
	case protocol.FailureHpkeUnknownConfigID:
		return protocol.KindUnknownTaskOrConfig
	case protocol.FailureHpkeDecryptError:
		return protocol.KindDecryptionFailure
	case protocol.FailureReportReplayed, protocol.FailureBatchCollected:
		return protocol.KindReplayOrOverlap
	default:
		return protocol.KindMalformedInput
	}
}

// Upload accepts one client report: task lookup (provisioning it in-band if
// the report carries a signed document), upload checks, the replay
// reservation, and the durable queue. The reservation happens here, before
// any job exists, so a finalized report can never re-enter preparation.
func (l *Leader) Upload(ctx context.Context, r *protocol.Report, now uint64) error {
	t, ok := l.tasks.Get(r.TaskID)
	if !ok {
		var err error
		if t, err = l.provisionInBand(ctx, r, now); err != nil {
			return err
		}
	}

	if rej := l.processor.ValidateUpload(t, r, now); rej != nil {
		return protocol.WrapErr(rejectionKind(rej.Failure), rej.Err, "report refused")
	}

	if t.Config.BatchPolicy == protocol.PolicyTimeInterval {
		collected, err := l.batches.BucketCollected(t, r.Time)
		if err != nil {
			return fmt.Errorf("check bucket state: %w", err)
		}
		if collected {
			return protocol.Errf(protocol.KindReplayOrOverlap, "report time %d falls in a collected batch", r.Time)
		}
	}

	inserted, err := ReserveReport(l.db, t.ID, r.ReportID)
	if err != nil {
		return fmt.Errorf("reserve report: %w", err)
	}
	if !inserted {
		return protocol.Errf(protocol.KindReplayOrOverlap, "report %s already seen", r.ReportID)
	}

	if err := l.queue.Push(r); err != nil {
		return err
	}

	logger.Debug("report queued", "task", t.ID, "report", r.ReportID)

	return nil
}

// provisionInBand activates a task from a signed document attached to the
// report and pushes it to the helper so both sides know it before the first
// aggregation job.
func (l *Leader) provisionInBand(ctx context.Context, r *protocol.Report, now uint64) (*task.Task, error) {
	doc, sig, ok := report.TaskDocument(r.Extensions)
	if !ok {
		return nil, protocol.Errf(protocol.KindUnknownTaskOrConfig, "unknown task %s", r.TaskID)
	}

	t, err := l.tasks.Activate(doc, sig, now)
	if err != nil {
		return nil, err
	}

	if t.ID != r.TaskID {
		return nil, protocol.Errf(protocol.KindUnknownTaskOrConfig, "in-band document names task %s, report claims %s", t.ID, r.TaskID)
	}

	if err := l.peer.AdvertiseTask(ctx, t.Advertise()); err != nil {
		// The helper re-verifies documents itself; it can also learn the task
		// from a later advertise, so the upload still stands.
		logger.Warn("task advertise failed", "task", t.ID, "error", err)
	}

	return t, nil
}

// ProvisionTask activates an operator-submitted signed document and pushes
// it to the helper. Re-submitting an already active document returns its
// identifier again.
func (l *Leader) ProvisionTask(ctx context.Context, adv *protocol.TaskAdvertise, now uint64) (protocol.TaskID, error) {
	t, err := l.tasks.Activate(adv.Document, adv.Signature, now)
	if err != nil {
		return protocol.TaskID{}, err
	}

	if err := l.peer.AdvertiseTask(ctx, t.Advertise()); err != nil {
		// The helper can still learn the task from a later advertise, so the
		// activation stands.
		logger.Warn("task advertise failed", "task", t.ID, "error", err)
	}

	return t.ID, nil
}

// AdvertiseTasks pushes every activated task to the helper. Called when the
// peer connection (re)establishes.
func (l *Leader) AdvertiseTasks(ctx context.Context) {
	for _, t := range l.tasks.All() {
		if err := l.peer.AdvertiseTask(ctx, t.Advertise()); err != nil {
			logger.Warn("task advertise failed", "task", t.ID, "error", err)
			return
		}
	}
}

// StartCollection opens a collection job against a batch selector.
func (l *Leader) StartCollection(taskID protocol.TaskID, sel protocol.BatchSelector, aggParam []byte) (protocol.CollectionID, error) {
	return l.batches.StartCollection(taskID, sel, aggParam)
}

// PollCollection advances a collection job, fetching the helper's aggregate
// share once the batch is ready.
func (l *Leader) PollCollection(ctx context.Context, id protocol.CollectionID) (*batch.Status, error) {
	return l.batches.PollCollection(ctx, id, l.peer)
}

// Run drives queued reports through aggregation jobs until the context ends.
func (l *Leader) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.DriveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, t := range l.tasks.All() {
			if _, err := l.DriveTask(ctx, t); err != nil {
				logger.Warn("aggregation job failed", "task", t.ID, "error", err)
			}
		}
	}
}

// jobEntry tracks one report through a leader-side aggregation job.
type jobEntry struct {
	queued   Entry
	state    *vdaf.PrepState
	outbound []byte // next message for the helper, seeded by PrepInit
	share    protocol.ReportShare
	resolved bool
	output   []uint64 // set when this side finished
}

// DriveTask runs one aggregation job over the task's queued reports and
// returns how many output shares were committed. An empty queue is a no-op.
// A peer failure aborts the job with the entries left queued; the next drive
// pass re-runs them under a fresh job identifier. Per-report rejections are
// terminal: the report is consumed without contributing.
func (l *Leader) DriveTask(ctx context.Context, t *task.Task) (int, error) {
	queued, err := l.queue.Pull(t.ID, l.cfg.MaxReportsPerJob)
	if err != nil {
		return 0, err
	}
	if len(queued) == 0 {
		return 0, nil
	}

	var jobID protocol.JobID
	if _, err := rand.Read(jobID[:]); err != nil {
		return 0, fmt.Errorf("generate job id: %w", err)
	}

	selector, batchID, err := l.jobSelector(t)
	if err != nil {
		return 0, err
	}

	now := uint64(time.Now().Unix())

	// Local preparation. Reports the leader itself cannot open or verify are
	// consumed without ever reaching the helper.
	entries := make([]*jobEntry, 0, len(queued))

	for _, q := range queued {
		e := &jobEntry{queued: q}
		r := q.Report

		e.share = protocol.ReportShare{
			ReportID:   r.ReportID,
			Time:       r.Time,
			Extensions: r.Extensions,
			Share:      r.Shares[0],
		}

		p, rej := l.processor.Prepare(t, vdaf.RoleLeader, &e.share, now)
		if rej != nil {
			e.resolved = true
			logger.Debug("report rejected locally",
				"task", t.ID,
				"report", r.ReportID,
				"failure", rej.Failure,
				"error", rej.Err,
			)
		} else {
			e.state = p.State
			e.outbound = p.Outbound
		}

		entries = append(entries, e)
	}

	live := unresolved(entries)

	if len(live) > 0 {
		if err := l.runJob(ctx, t, jobID, selector, live, now); err != nil {
			return 0, err
		}
	}

	committed, err := l.commit(t, batchID, entries)
	if err != nil {
		return 0, err
	}

	if err := l.queue.Remove(queued); err != nil {
		return committed, err
	}

	logger.Info("aggregation job finished",
		"task", t.ID,
		"job", jobID,
		"reports", len(queued),
		"committed", committed,
	)

	return committed, nil
}

// jobSelector binds the job to a batch per the task policy.
func (l *Leader) jobSelector(t *task.Task) (protocol.PartialBatchSelector, protocol.BatchID, error) {
	var sel protocol.PartialBatchSelector
	var batchID protocol.BatchID

	if t.Config.BatchPolicy == protocol.PolicyLeaderSelected {
		id, err := l.batches.OpenBatch(t)
		if err != nil {
			return sel, batchID, err
		}

		sel = protocol.PartialBatchSelector{LeaderSelected: true, BatchID: id}
		batchID = id
	}

	return sel, batchID, nil
}

// unresolved filters the entries still in play.
func unresolved(entries []*jobEntry) []*jobEntry {
	live := make([]*jobEntry, 0, len(entries))
	for _, e := range entries {
		if !e.resolved {
			live = append(live, e)
		}
	}

	return live
}

// runJob exchanges the init and continue rounds with the helper for the
// unresolved entries. Every entry is resolved on return: finished with an
// output share, or rejected.
func (l *Leader) runJob(ctx context.Context, t *task.Task, jobID protocol.JobID, selector protocol.PartialBatchSelector, live []*jobEntry, now uint64) error {
	shares := make([]protocol.ReportShare, len(live))
	for i, e := range live {
		shares[i] = protocol.ReportShare{
			ReportID:   e.queued.Report.ReportID,
			Time:       e.queued.Report.Time,
			Extensions: e.queued.Report.Extensions,
			Share:      e.queued.Report.Shares[1],
		}
	}

	initResp, err := l.peer.JobInit(ctx, &protocol.AggregationJobInitReq{
		TaskID:        t.ID,
		JobID:         jobID,
		BatchSelector: selector,
		ReportShares:  shares,
	})
	if err != nil {
		return err
	}

	if len(initResp.Transitions) != len(live) {
		return protocol.Errf(protocol.KindMalformedInput, "init response carries %d transitions for %d reports", len(initResp.Transitions), len(live))
	}

	// Resolve this side against the helper's verifier shares.
	var inFlight []*jobEntry

	for i, e := range live {
		tr := &initResp.Transitions[i]
		if tr.ReportID != e.queued.Report.ReportID {
			return protocol.Errf(protocol.KindMalformedInput, "init response out of order at %d", i)
		}

		if tr.Variant != protocol.TransitionContinued {
			e.resolved = true
			logger.Debug("report rejected by helper", "task", t.ID, "report", tr.ReportID, "failure", tr.Failure)
			continue
		}

		if l.advance(t, e, tr.Payload) {
			inFlight = append(inFlight, e)
		}
	}

	// Drive the continuation rounds. The limit comes from configuration,
	// capped by what the scheme can use; entries still unresolved past it are
	// rejected.
	rounds := l.cfg.ContinuationRounds
	if schemeRounds := t.Scheme.Rounds(); rounds > schemeRounds {
		rounds = schemeRounds
	}

	for round := 1; len(inFlight) > 0; round++ {
		if round > rounds {
			for _, e := range inFlight {
				e.output = nil
				logger.Debug("report unresolved at round limit", "task", t.ID, "report", e.queued.Report.ReportID, "rounds", rounds)
			}
			break
		}

		messages := make([]protocol.PrepMessage, len(inFlight))
		for i, e := range inFlight {
			messages[i] = protocol.PrepMessage{ReportID: e.queued.Report.ReportID, Payload: e.outbound}
		}

		contResp, err := l.peer.JobContinue(ctx, &protocol.AggregationJobContinueReq{
			TaskID:   t.ID,
			JobID:    jobID,
			Round:    uint16(round),
			Messages: messages,
		})
		if err != nil {
			return err
		}

		if len(contResp.Transitions) != len(inFlight) {
			return protocol.Errf(protocol.KindMalformedInput, "continue response carries %d transitions for %d reports", len(contResp.Transitions), len(inFlight))
		}

		var still []*jobEntry

		for i, e := range inFlight {
			tr := &contResp.Transitions[i]
			if tr.ReportID != e.queued.Report.ReportID {
				return protocol.Errf(protocol.KindMalformedInput, "continue response out of order at %d", i)
			}

			switch tr.Variant {
			case protocol.TransitionFinished:
				e.resolved = true
			case protocol.TransitionContinued:
				if l.advance(t, e, tr.Payload) {
					still = append(still, e)
				}
			default:
				// The helper dropped it (failed verification there, or its
				// replay guard fired). This side must not contribute either.
				e.output = nil
				e.resolved = true
				logger.Debug("report dropped by helper", "task", t.ID, "report", tr.ReportID, "failure", tr.Failure)
			}
		}

		inFlight = still
	}

	markResolved(live)

	return nil
}

// advance feeds the helper's message into this side's preparation and records
// the outcome on the entry: a released output share, or the state and message
// for the next round. Returns false when the report resolved as rejected.
func (l *Leader) advance(t *task.Task, e *jobEntry, inbound []byte) bool {
	res, err := t.Scheme.PrepNext(e.state, inbound)
	if err != nil || res.Status == vdaf.PrepRejected {
		e.resolved = true
		logger.Debug("report failed verification", "task", t.ID, "report", e.queued.Report.ReportID, "error", err)

		return false
	}

	if res.Status == vdaf.PrepFinished {
		e.output = res.Output

		return true
	}

	e.state = res.State
	e.outbound = res.Outbound

	return true
}

func markResolved(entries []*jobEntry) {
	for _, e := range entries {
		e.resolved = true
	}
}

// commit folds the finished entries into their batches.
func (l *Leader) commit(t *task.Task, batchID protocol.BatchID, entries []*jobEntry) (int, error) {
	var contribs []batch.Contribution

	for _, e := range entries {
		if e.output == nil {
			continue
		}

		contribs = append(contribs, batch.Contribution{
			ReportID: e.queued.Report.ReportID,
			Time:     e.queued.Report.Time,
			Output:   e.output,
		})
	}

	if len(contribs) == 0 {
		return 0, nil
	}

	failures, err := l.batches.Commit(t, batchID, contribs)
	if err != nil {
		return 0, fmt.Errorf("commit output shares:\n%w", err)
	}

	for id, f := range failures {
		logger.Debug("contribution refused", "task", t.ID, "report", id, "failure", f)
	}

	return len(contribs) - len(failures), nil
}
