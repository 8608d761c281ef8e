package batch

import (
	"bytes"
	"math/rand"
	"testing"

	"TwinTally/internal/hpke"
	"TwinTally/internal/protocol"
	"TwinTally/internal/storage"
	"TwinTally/internal/task"
	"TwinTally/internal/vdaf"
)

const testNow = uint64(1_700_000_000)

// testEnv is one aggregator's local stack: store, tasks, and batch manager.
type testEnv struct {
	db      *storage.Store
	tasks   *task.Store
	manager *Manager
}

func newTestEnv(t *testing.T, authority *task.AuthorityKey) *testEnv {
	t.Helper()

	db, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	var secret [32]byte
	secret[0] = 7

	tasks, err := task.NewStore(db, authority.PublicKeyBytes(), secret)
	if err != nil {
		t.Fatalf("task store: %v", err)
	}

	return &testEnv{db: db, tasks: tasks, manager: NewManager(db, tasks)}
}

// activateTask signs one count task and activates it on every env.
func activateTask(t *testing.T, authority *task.AuthorityKey, envs []*testEnv, policy uint8, minBatch uint32) *task.Task {
	t.Helper()

	leaderKey, err := hpke.GenerateKeypair(1)
	if err != nil {
		t.Fatalf("leader keypair: %v", err)
	}

	helperKey, err := hpke.GenerateKeypair(2)
	if err != nil {
		t.Fatalf("helper keypair: %v", err)
	}

	cfg := &protocol.TaskConfig{
		Version:        protocol.TaskConfigVersion,
		SchemeID:       vdaf.SchemeCount,
		MinBatchSize:   minBatch,
		BatchPolicy:    policy,
		BatchDuration:  3600,
		Expiration:     testNow + 86_400,
		LeaderEndpoint: "http://127.0.0.1:9000",
		HelperEndpoint: "127.0.0.1:9001",
		LeaderConfigs:  []protocol.HpkeConfig{leaderKey.Config},
		HelperConfigs:  []protocol.HpkeConfig{helperKey.Config},
	}

	doc := cfg.Encode()
	sig := authority.Sign(doc)

	var activated *task.Task
	for _, env := range envs {
		tk, err := env.tasks.Activate(doc, sig, testNow)
		if err != nil {
			t.Fatalf("activate task: %v", err)
		}
		activated = tk
	}

	return activated
}

// splitOutput makes a two-party additive sharing of one count increment.
func splitOutput(rng *rand.Rand, m uint64) (leader, helper []uint64) {
	r := rng.Uint64() >> 2

	return []uint64{r}, []uint64{vdaf.Sub(m, r)}
}

// makeContribs builds matched leader and helper contributions for n reports
// of count 1, all at the given timestamp.
func makeContribs(rng *rand.Rand, n int, ts uint64) (leader, helper []Contribution) {
	for i := 0; i < n; i++ {
		var id protocol.ReportID
		rng.Read(id[:])

		l, h := splitOutput(rng, 1)
		leader = append(leader, Contribution{ReportID: id, Time: ts, Output: l})
		helper = append(helper, Contribution{ReportID: id, Time: ts, Output: h})
	}

	return leader, helper
}

func TestCommitIntervalBuckets(t *testing.T) {
	authority, err := task.GenerateAuthorityKey()
	if err != nil {
		t.Fatalf("authority key: %v", err)
	}

	env := newTestEnv(t, authority)
	tk := activateTask(t, authority, []*testEnv{env}, protocol.PolicyTimeInterval, 10)

	rng := rand.New(rand.NewSource(1))
	first, _ := makeContribs(rng, 3, testNow)
	second, _ := makeContribs(rng, 2, testNow+3600)

	failed, err := env.manager.Commit(tk, protocol.BatchID{}, append(first, second...))
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(failed) != 0 {
		t.Fatalf("%d contributions failed", len(failed))
	}

	b, err := env.manager.buckets.load(bucketKey(tk.ID, testNow-testNow%3600))
	if err != nil || b == nil {
		t.Fatalf("load first bucket: %v", err)
	}
	if b.count != 3 {
		t.Errorf("first bucket count %d, want 3", b.count)
	}

	b, err = env.manager.buckets.load(bucketKey(tk.ID, (testNow+3600)-(testNow+3600)%3600))
	if err != nil || b == nil {
		t.Fatalf("load second bucket: %v", err)
	}
	if b.count != 2 {
		t.Errorf("second bucket count %d, want 2", b.count)
	}
}

func TestCommitRejectsCollectedBucket(t *testing.T) {
	authority, err := task.GenerateAuthorityKey()
	if err != nil {
		t.Fatalf("authority key: %v", err)
	}

	env := newTestEnv(t, authority)
	tk := activateTask(t, authority, []*testEnv{env}, protocol.PolicyTimeInterval, 10)

	rng := rand.New(rand.NewSource(2))
	seed, _ := makeContribs(rng, 1, testNow)
	if _, err := env.manager.Commit(tk, protocol.BatchID{}, seed); err != nil {
		t.Fatalf("seed commit: %v", err)
	}

	key := bucketKey(tk.ID, testNow-testNow%3600)
	b, err := env.manager.buckets.load(key)
	if err != nil || b == nil {
		t.Fatalf("load bucket: %v", err)
	}
	b.collected = true
	if err := env.manager.buckets.save(b); err != nil {
		t.Fatalf("seal bucket: %v", err)
	}

	blocked, _ := makeContribs(rng, 1, testNow)
	open, _ := makeContribs(rng, 1, testNow+3600)

	failed, err := env.manager.Commit(tk, protocol.BatchID{}, append(blocked, open...))
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	if failed[blocked[0].ReportID] != protocol.FailureBatchCollected {
		t.Error("contribution to sealed bucket not refused")
	}
	if _, ok := failed[open[0].ReportID]; ok {
		t.Error("sibling in open bucket was refused too")
	}

	// The sealed bucket must be untouched.
	b, err = env.manager.buckets.load(key)
	if err != nil || b == nil {
		t.Fatalf("reload bucket: %v", err)
	}
	if b.count != 1 {
		t.Errorf("sealed bucket count %d, want 1", b.count)
	}
}

func TestCommitChecksumOrderIndependent(t *testing.T) {
	authority, err := task.GenerateAuthorityKey()
	if err != nil {
		t.Fatalf("authority key: %v", err)
	}

	a := newTestEnv(t, authority)
	b := newTestEnv(t, authority)
	tk := activateTask(t, authority, []*testEnv{a, b}, protocol.PolicyTimeInterval, 10)

	rng := rand.New(rand.NewSource(3))
	contribs, _ := makeContribs(rng, 8, testNow)

	if _, err := a.manager.Commit(tk, protocol.BatchID{}, contribs); err != nil {
		t.Fatalf("commit forward: %v", err)
	}

	reversed := make([]Contribution, len(contribs))
	for i := range contribs {
		reversed[len(contribs)-1-i] = contribs[i]
	}
	for i := range reversed {
		if _, err := b.manager.Commit(tk, protocol.BatchID{}, reversed[i:i+1]); err != nil {
			t.Fatalf("commit reversed: %v", err)
		}
	}

	key := bucketKey(tk.ID, testNow-testNow%3600)

	ba, err := a.manager.buckets.load(key)
	if err != nil || ba == nil {
		t.Fatalf("load bucket a: %v", err)
	}
	bb, err := b.manager.buckets.load(key)
	if err != nil || bb == nil {
		t.Fatalf("load bucket b: %v", err)
	}

	if !bytes.Equal(ba.checksum[:], bb.checksum[:]) {
		t.Error("checksums differ across commit orders")
	}
	if ba.count != bb.count {
		t.Errorf("counts differ: %d vs %d", ba.count, bb.count)
	}
}

func TestOpenBatchRotation(t *testing.T) {
	authority, err := task.GenerateAuthorityKey()
	if err != nil {
		t.Fatalf("authority key: %v", err)
	}

	env := newTestEnv(t, authority)
	tk := activateTask(t, authority, []*testEnv{env}, protocol.PolicyLeaderSelected, 2)

	first, err := env.manager.OpenBatch(tk)
	if err != nil {
		t.Fatalf("open batch: %v", err)
	}

	again, err := env.manager.OpenBatch(tk)
	if err != nil {
		t.Fatalf("reopen batch: %v", err)
	}
	if again != first {
		t.Fatal("open batch changed without contributions")
	}

	rng := rand.New(rand.NewSource(4))
	contribs, _ := makeContribs(rng, 2, testNow)
	if _, err := env.manager.Commit(tk, first, contribs); err != nil {
		t.Fatalf("commit: %v", err)
	}

	second, err := env.manager.OpenBatch(tk)
	if err != nil {
		t.Fatalf("open after fill: %v", err)
	}
	if second == first {
		t.Fatal("full batch was not rotated out")
	}

	// Jobs bound to the old batch still land there.
	late, _ := makeContribs(rng, 1, testNow)
	if _, err := env.manager.Commit(tk, first, late); err != nil {
		t.Fatalf("late commit: %v", err)
	}

	b, err := env.manager.buckets.load(batchKey(tk.ID, first))
	if err != nil || b == nil {
		t.Fatalf("load first batch: %v", err)
	}
	if b.count != 3 {
		t.Errorf("first batch count %d, want 3", b.count)
	}
}

func TestCommitRejectsBadOutputLength(t *testing.T) {
	authority, err := task.GenerateAuthorityKey()
	if err != nil {
		t.Fatalf("authority key: %v", err)
	}

	env := newTestEnv(t, authority)
	tk := activateTask(t, authority, []*testEnv{env}, protocol.PolicyTimeInterval, 10)

	bad := []Contribution{{Time: testNow, Output: []uint64{1, 2, 3}}}
	if _, err := env.manager.Commit(tk, protocol.BatchID{}, bad); err == nil {
		t.Fatal("oversized output share accepted")
	}
}
