package batch

import (
	"context"
	"math/rand"
	"testing"

	"TwinTally/internal/protocol"
	"TwinTally/internal/task"
	"TwinTally/internal/types"
)

// localPeer serves aggregate share requests from an in-process helper.
type localPeer struct {
	helper *Manager
}

func (p localPeer) AggregateShare(_ context.Context, req *protocol.AggregateShareReq) (*protocol.AggregateShareResp, error) {
	return p.helper.AggregateShare(req)
}

// downPeer always fails with a transport error.
type downPeer struct{}

func (downPeer) AggregateShare(context.Context, *protocol.AggregateShareReq) (*protocol.AggregateShareResp, error) {
	return nil, protocol.Errf(protocol.KindPeerUnavailable, "peer down")
}

// pair is a leader and a helper sharing one activated task.
type pair struct {
	leader *testEnv
	helper *testEnv
	task   *task.Task
	peer   localPeer
}

func newPair(t *testing.T, policy uint8, minBatch uint32) *pair {
	t.Helper()

	authority, err := task.GenerateAuthorityKey()
	if err != nil {
		t.Fatalf("authority key: %v", err)
	}

	leader := newTestEnv(t, authority)
	helper := newTestEnv(t, authority)
	tk := activateTask(t, authority, []*testEnv{leader, helper}, policy, minBatch)

	return &pair{leader: leader, helper: helper, task: tk, peer: localPeer{helper: helper.manager}}
}

// commitBoth lands matched contributions on both aggregators.
func (p *pair) commitBoth(t *testing.T, batchID protocol.BatchID, leader, helper []Contribution) {
	t.Helper()

	if _, err := p.leader.manager.Commit(p.task, batchID, leader); err != nil {
		t.Fatalf("leader commit: %v", err)
	}
	if _, err := p.helper.manager.Commit(p.task, batchID, helper); err != nil {
		t.Fatalf("helper commit: %v", err)
	}
}

func TestCollectionLifecycle(t *testing.T) {
	p := newPair(t, protocol.PolicyTimeInterval, 10)
	rng := rand.New(rand.NewSource(10))

	l, h := makeContribs(rng, 9, testNow)
	p.commitBoth(t, protocol.BatchID{}, l, h)

	sel := protocol.BatchSelector{
		Kind:     protocol.SelectorInterval,
		Interval: protocol.Interval{Start: testNow - testNow%3600, Duration: 3600},
	}

	id, err := p.leader.manager.StartCollection(p.task.ID, sel, nil)
	if err != nil {
		t.Fatalf("start collection: %v", err)
	}

	status, err := p.leader.manager.PollCollection(context.Background(), id, p.peer)
	if err != nil {
		t.Fatalf("poll below minimum: %v", err)
	}
	if status.State != types.CollectionStatePending {
		t.Fatalf("state %v below minimum, want pending", status.State)
	}

	l, h = makeContribs(rng, 1, testNow)
	p.commitBoth(t, protocol.BatchID{}, l, h)

	status, err = p.leader.manager.PollCollection(context.Background(), id, p.peer)
	if err != nil {
		t.Fatalf("poll at minimum: %v", err)
	}
	if status.State != types.CollectionStateDone {
		t.Fatalf("state %v at minimum, want done: %s", status.State, status.Message)
	}
	if status.Count != 10 {
		t.Errorf("count %d, want 10", status.Count)
	}
	if len(status.Aggregate) != 1 || status.Aggregate[0] != 10 {
		t.Errorf("aggregate %v, want [10]", status.Aggregate)
	}

	// Later polls re-serve the stored result without touching the peer.
	status, err = p.leader.manager.PollCollection(context.Background(), id, downPeer{})
	if err != nil || status.State != types.CollectionStateDone {
		t.Fatalf("finished collection not re-served: %v", err)
	}

	// The revealed buckets are sealed on both sides.
	l, h = makeContribs(rng, 1, testNow)

	failed, err := p.leader.manager.Commit(p.task, protocol.BatchID{}, l)
	if err != nil {
		t.Fatalf("late leader commit: %v", err)
	}
	if failed[l[0].ReportID] != protocol.FailureBatchCollected {
		t.Error("late leader contribution accepted into revealed bucket")
	}

	failed, err = p.helper.manager.Commit(p.task, protocol.BatchID{}, h)
	if err != nil {
		t.Fatalf("late helper commit: %v", err)
	}
	if failed[h[0].ReportID] != protocol.FailureBatchCollected {
		t.Error("late helper contribution accepted into revealed bucket")
	}

	// Overlapping collection attempts terminate as exhausted.
	second, err := p.leader.manager.StartCollection(p.task.ID, sel, nil)
	if err != nil {
		t.Fatalf("second collection: %v", err)
	}

	status, err = p.leader.manager.PollCollection(context.Background(), second, p.peer)
	if err != nil {
		t.Fatalf("poll second: %v", err)
	}
	if status.State != types.CollectionStateFailed || status.Failure != protocol.KindBatchExhausted {
		t.Errorf("overlapping collection state %v failure %v, want exhausted", status.State, status.Failure)
	}
}

func TestCollectionLeaderSelected(t *testing.T) {
	p := newPair(t, protocol.PolicyLeaderSelected, 3)
	rng := rand.New(rand.NewSource(11))

	batchID, err := p.leader.manager.OpenBatch(p.task)
	if err != nil {
		t.Fatalf("open batch: %v", err)
	}

	l, h := makeContribs(rng, 3, testNow)
	p.commitBoth(t, batchID, l, h)

	sel := protocol.BatchSelector{Kind: protocol.SelectorCurrentBatch}
	id, err := p.leader.manager.StartCollection(p.task.ID, sel, nil)
	if err != nil {
		t.Fatalf("start collection: %v", err)
	}

	status, err := p.leader.manager.PollCollection(context.Background(), id, p.peer)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if status.State != types.CollectionStateDone {
		t.Fatalf("state %v, want done: %s", status.State, status.Message)
	}
	if status.Count != 3 || status.Aggregate[0] != 3 {
		t.Errorf("count %d aggregate %v, want 3/[3]", status.Count, status.Aggregate)
	}

	// No batch is ready anymore, so a current-batch collection is refused.
	if _, err := p.leader.manager.StartCollection(p.task.ID, sel, nil); protocol.KindOf(err) != protocol.KindBatchNotReady {
		t.Errorf("second current-batch collection: %v", err)
	}

	// Naming the collected batch directly is terminally exhausted.
	direct := protocol.BatchSelector{Kind: protocol.SelectorBatchID, BatchID: batchID}
	again, err := p.leader.manager.StartCollection(p.task.ID, direct, nil)
	if err != nil {
		t.Fatalf("direct collection: %v", err)
	}

	status, err = p.leader.manager.PollCollection(context.Background(), again, p.peer)
	if err != nil {
		t.Fatalf("poll direct: %v", err)
	}
	if status.State != types.CollectionStateFailed || status.Failure != protocol.KindBatchExhausted {
		t.Errorf("re-collection state %v failure %v, want exhausted", status.State, status.Failure)
	}
}

func TestAggregateShareGuards(t *testing.T) {
	p := newPair(t, protocol.PolicyTimeInterval, 2)
	rng := rand.New(rand.NewSource(12))

	_, h := makeContribs(rng, 3, testNow)
	if _, err := p.helper.manager.Commit(p.task, protocol.BatchID{}, h); err != nil {
		t.Fatalf("helper commit: %v", err)
	}

	var checksum [32]byte
	for i := range h {
		foldChecksum(&checksum, h[i].ReportID)
	}

	req := &protocol.AggregateShareReq{
		TaskID: p.task.ID,
		Selector: protocol.BatchSelector{
			Kind:     protocol.SelectorInterval,
			Interval: protocol.Interval{Start: testNow - testNow%3600, Duration: 3600},
		},
		ReportCount: 3,
		Checksum:    checksum,
	}

	resp, err := p.helper.manager.AggregateShare(req)
	if err != nil {
		t.Fatalf("valid share request refused: %v", err)
	}
	if len(resp.Share) != 1 {
		t.Fatalf("share length %d, want 1", len(resp.Share))
	}

	// An identical repeat re-serves the same share.
	again, err := p.helper.manager.AggregateShare(req)
	if err != nil {
		t.Fatalf("repeat refused: %v", err)
	}
	if again.Share[0] != resp.Share[0] {
		t.Error("repeat served a different share")
	}

	bad := *req
	bad.ReportCount = 4
	if _, err := p.helper.manager.AggregateShare(&bad); protocol.KindOf(err) != protocol.KindMalformedInput {
		t.Errorf("count mismatch: %v", err)
	}

	bad = *req
	bad.Checksum[0] ^= 1
	if _, err := p.helper.manager.AggregateShare(&bad); protocol.KindOf(err) != protocol.KindMalformedInput {
		t.Errorf("checksum mismatch: %v", err)
	}

	bad = *req
	bad.ReportCount = 1
	if _, err := p.helper.manager.AggregateShare(&bad); protocol.KindOf(err) != protocol.KindBatchNotReady {
		t.Errorf("below-minimum count: %v", err)
	}

	bad = *req
	bad.TaskID[0] ^= 1
	if _, err := p.helper.manager.AggregateShare(&bad); protocol.KindOf(err) != protocol.KindUnknownTaskOrConfig {
		t.Errorf("unknown task: %v", err)
	}

	bad = *req
	bad.AggParam = []byte{1}
	if _, err := p.helper.manager.AggregateShare(&bad); protocol.KindOf(err) != protocol.KindMalformedInput {
		t.Errorf("nonempty agg param: %v", err)
	}
}

func TestCollectionSurvivesPeerOutage(t *testing.T) {
	p := newPair(t, protocol.PolicyTimeInterval, 2)
	rng := rand.New(rand.NewSource(13))

	l, h := makeContribs(rng, 2, testNow)
	p.commitBoth(t, protocol.BatchID{}, l, h)

	sel := protocol.BatchSelector{
		Kind:     protocol.SelectorInterval,
		Interval: protocol.Interval{Start: testNow - testNow%3600, Duration: 3600},
	}

	id, err := p.leader.manager.StartCollection(p.task.ID, sel, nil)
	if err != nil {
		t.Fatalf("start collection: %v", err)
	}

	if _, err := p.leader.manager.PollCollection(context.Background(), id, downPeer{}); protocol.KindOf(err) != protocol.KindPeerUnavailable {
		t.Fatalf("poll with peer down: %v", err)
	}

	// Nothing was frozen; the next poll completes normally.
	status, err := p.leader.manager.PollCollection(context.Background(), id, p.peer)
	if err != nil {
		t.Fatalf("poll after recovery: %v", err)
	}
	if status.State != types.CollectionStateDone || status.Count != 2 {
		t.Errorf("state %v count %d after recovery", status.State, status.Count)
	}
}

func TestCollectionPeerRefusalIsTerminal(t *testing.T) {
	p := newPair(t, protocol.PolicyTimeInterval, 2)
	rng := rand.New(rand.NewSource(14))

	// The helper saw only one of the leader's two reports.
	l, h := makeContribs(rng, 2, testNow)
	if _, err := p.leader.manager.Commit(p.task, protocol.BatchID{}, l); err != nil {
		t.Fatalf("leader commit: %v", err)
	}
	if _, err := p.helper.manager.Commit(p.task, protocol.BatchID{}, h[:1]); err != nil {
		t.Fatalf("helper commit: %v", err)
	}

	id, err := p.leader.manager.StartCollection(p.task.ID, protocol.BatchSelector{
		Kind:     protocol.SelectorInterval,
		Interval: protocol.Interval{Start: testNow - testNow%3600, Duration: 3600},
	}, nil)
	if err != nil {
		t.Fatalf("start collection: %v", err)
	}

	status, err := p.leader.manager.PollCollection(context.Background(), id, p.peer)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if status.State != types.CollectionStateFailed || status.Failure != protocol.KindMalformedInput {
		t.Errorf("state %v failure %v, want failed/malformed", status.State, status.Failure)
	}

	// Terminal state is sticky.
	status, err = p.leader.manager.PollCollection(context.Background(), id, p.peer)
	if err != nil || status.State != types.CollectionStateFailed {
		t.Errorf("refused collection did not stay failed: %v", err)
	}
}

func TestStartCollectionValidation(t *testing.T) {
	p := newPair(t, protocol.PolicyTimeInterval, 2)

	aligned := protocol.Interval{Start: testNow - testNow%3600, Duration: 3600}

	cases := []struct {
		name     string
		taskID   protocol.TaskID
		sel      protocol.BatchSelector
		aggParam []byte
		kind     protocol.ErrorKind
	}{
		{
			name:   "wrong selector kind",
			taskID: p.task.ID,
			sel:    protocol.BatchSelector{Kind: protocol.SelectorBatchID},
			kind:   protocol.KindMalformedInput,
		},
		{
			name:   "misaligned interval",
			taskID: p.task.ID,
			sel: protocol.BatchSelector{
				Kind:     protocol.SelectorInterval,
				Interval: protocol.Interval{Start: aligned.Start + 1, Duration: 3600},
			},
			kind: protocol.KindMalformedInput,
		},
		{
			name:   "short interval",
			taskID: p.task.ID,
			sel: protocol.BatchSelector{
				Kind:     protocol.SelectorInterval,
				Interval: protocol.Interval{Start: aligned.Start, Duration: 1800},
			},
			kind: protocol.KindMalformedInput,
		},
		{
			name:   "unknown task",
			taskID: protocol.TaskID{0xde, 0xad},
			sel:    protocol.BatchSelector{Kind: protocol.SelectorInterval, Interval: aligned},
			kind:   protocol.KindUnknownTaskOrConfig,
		},
		{
			name:     "aggregation parameter",
			taskID:   p.task.ID,
			sel:      protocol.BatchSelector{Kind: protocol.SelectorInterval, Interval: aligned},
			aggParam: []byte{1},
			kind:     protocol.KindMalformedInput,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := p.leader.manager.StartCollection(tc.taskID, tc.sel, tc.aggParam)
			if protocol.KindOf(err) != tc.kind {
				t.Errorf("got %v, want kind %v", err, tc.kind)
			}
		})
	}
}

func TestPollUnknownCollection(t *testing.T) {
	p := newPair(t, protocol.PolicyTimeInterval, 2)

	var id protocol.CollectionID
	id[0] = 0xaa

	if _, err := p.leader.manager.PollCollection(context.Background(), id, p.peer); protocol.KindOf(err) != protocol.KindMalformedInput {
		t.Errorf("unknown collection: %v", err)
	}
}
