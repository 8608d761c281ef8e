package report

import (
	"crypto/rand"
	"testing"

	"TwinTally/internal/hpke"
	"TwinTally/internal/protocol"
	"TwinTally/internal/task"
	"TwinTally/internal/vdaf"
)

const (
	testNow  = uint64(1_700_000_000)
	testSkew = uint64(300)
)

// fixture bundles a task with both aggregators' keyrings and processors.
type fixture struct {
	task   *task.Task
	leader *Processor
	helper *Processor
}

func newFixture(t *testing.T, schemeID, param uint32) *fixture {
	t.Helper()

	scheme, err := vdaf.FromConfig(schemeID, param)
	if err != nil {
		t.Fatalf("instantiate scheme: %v", err)
	}

	leaderKey, err := hpke.GenerateKeypair(1)
	if err != nil {
		t.Fatalf("generate leader keypair: %v", err)
	}

	helperKey, err := hpke.GenerateKeypair(2)
	if err != nil {
		t.Fatalf("generate helper keypair: %v", err)
	}

	cfg := &protocol.TaskConfig{
		Version:        protocol.TaskConfigVersion,
		SchemeID:       schemeID,
		SchemeParam:    param,
		MinBatchSize:   10,
		BatchPolicy:    protocol.PolicyTimeInterval,
		BatchDuration:  3600,
		Expiration:     testNow + 86_400,
		LeaderEndpoint: "http://127.0.0.1:9000",
		HelperEndpoint: "127.0.0.1:9001",
		LeaderConfigs:  []protocol.HpkeConfig{leaderKey.Config},
		HelperConfigs:  []protocol.HpkeConfig{helperKey.Config},
	}

	doc := cfg.Encode()
	id := task.ComputeID(doc)

	var secret [32]byte
	secret[0] = 0x42

	verifyKey, err := task.DeriveVerifyKey(secret, id)
	if err != nil {
		t.Fatalf("derive verify key: %v", err)
	}

	tk := &task.Task{ID: id, Config: cfg, Scheme: scheme, VerifyKey: verifyKey}

	leaderRing, err := hpke.NewKeyring(leaderKey)
	if err != nil {
		t.Fatalf("leader keyring: %v", err)
	}

	helperRing, err := hpke.NewKeyring(helperKey)
	if err != nil {
		t.Fatalf("helper keyring: %v", err)
	}

	return &fixture{
		task:   tk,
		leader: NewProcessor(leaderRing, testSkew),
		helper: NewProcessor(helperRing, testSkew),
	}
}

// sealReport builds a client report the way an honest client would.
func (f *fixture) sealReport(t *testing.T, measurement, ts uint64) *protocol.Report {
	t.Helper()

	shares, err := f.task.Scheme.Shard(measurement)
	if err != nil {
		t.Fatalf("shard measurement: %v", err)
	}

	var rid protocol.ReportID
	if _, err := rand.Read(rid[:]); err != nil {
		t.Fatalf("report id: %v", err)
	}

	aad := protocol.HpkeAAD(f.task.ID, rid, ts, nil)

	leaderCt, err := hpke.Seal(&f.task.Config.LeaderConfigs[0], protocol.HpkeInfo(0), aad, shares[0])
	if err != nil {
		t.Fatalf("seal leader share: %v", err)
	}

	helperCt, err := hpke.Seal(&f.task.Config.HelperConfigs[0], protocol.HpkeInfo(1), aad, shares[1])
	if err != nil {
		t.Fatalf("seal helper share: %v", err)
	}

	return &protocol.Report{
		TaskID:   f.task.ID,
		ReportID: rid,
		Time:     ts,
		Shares:   []protocol.HpkeCiphertext{*leaderCt, *helperCt},
	}
}

func shareFor(r *protocol.Report, role vdaf.Role) *protocol.ReportShare {
	return &protocol.ReportShare{
		ReportID:   r.ReportID,
		Time:       r.Time,
		Extensions: r.Extensions,
		Share:      r.Shares[int(role)],
	}
}

func TestPrepareFinishes(t *testing.T) {
	f := newFixture(t, vdaf.SchemeCount, 0)
	r := f.sealReport(t, 1, testNow)

	leaderPrep, rej := f.leader.Prepare(f.task, vdaf.RoleLeader, shareFor(r, vdaf.RoleLeader), testNow)
	if rej != nil {
		t.Fatalf("leader prepare rejected: %v", rej.Err)
	}

	helperPrep, rej := f.helper.Prepare(f.task, vdaf.RoleHelper, shareFor(r, vdaf.RoleHelper), testNow)
	if rej != nil {
		t.Fatalf("helper prepare rejected: %v", rej.Err)
	}

	lRes, err := f.task.Scheme.PrepNext(leaderPrep.State, helperPrep.Outbound)
	if err != nil {
		t.Fatalf("leader prep next: %v", err)
	}

	hRes, err := f.task.Scheme.PrepNext(helperPrep.State, leaderPrep.Outbound)
	if err != nil {
		t.Fatalf("helper prep next: %v", err)
	}

	if lRes.Status != vdaf.PrepFinished || hRes.Status != vdaf.PrepFinished {
		t.Fatalf("statuses %d/%d, want finished", lRes.Status, hRes.Status)
	}

	agg, err := vdaf.Unshard(lRes.Output, hRes.Output)
	if err != nil {
		t.Fatalf("unshard: %v", err)
	}
	if agg[0] != 1 {
		t.Errorf("aggregate %d, want 1", agg[0])
	}
}

func TestPrepareTimeWindow(t *testing.T) {
	f := newFixture(t, vdaf.SchemeCount, 0)

	expired := f.sealReport(t, 1, f.task.Config.Expiration)
	_, rej := f.leader.Prepare(f.task, vdaf.RoleLeader, shareFor(expired, vdaf.RoleLeader), testNow)
	if rej == nil || rej.Failure != protocol.FailureReportDropped {
		t.Error("expired report not dropped")
	}

	future := f.sealReport(t, 1, testNow+testSkew+1)
	_, rej = f.leader.Prepare(f.task, vdaf.RoleLeader, shareFor(future, vdaf.RoleLeader), testNow)
	if rej == nil || rej.Failure != protocol.FailureReportDropped {
		t.Error("far-future report not dropped")
	}

	// Right at the skew bound is still acceptable.
	edge := f.sealReport(t, 1, testNow+testSkew)
	if _, rej := f.leader.Prepare(f.task, vdaf.RoleLeader, shareFor(edge, vdaf.RoleLeader), testNow); rej != nil {
		t.Errorf("report at skew bound rejected: %v", rej.Err)
	}
}

func TestPrepareUnknownConfig(t *testing.T) {
	f := newFixture(t, vdaf.SchemeCount, 0)
	r := f.sealReport(t, 1, testNow)

	// Config ID the task never advertised.
	share := shareFor(r, vdaf.RoleLeader)
	share.Share.ConfigID = 9
	_, rej := f.leader.Prepare(f.task, vdaf.RoleLeader, share, testNow)
	if rej == nil || rej.Failure != protocol.FailureHpkeUnknownConfigID {
		t.Error("unadvertised config not rejected as unknown")
	}

	// Config the task advertises but the keyring does not hold.
	phantom, err := hpke.GenerateKeypair(7)
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	f.task.Config.LeaderConfigs = append(f.task.Config.LeaderConfigs, phantom.Config)

	aad := protocol.HpkeAAD(f.task.ID, r.ReportID, r.Time, nil)
	ct, err := hpke.Seal(&phantom.Config, protocol.HpkeInfo(0), aad, []byte("x"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	share = shareFor(r, vdaf.RoleLeader)
	share.Share = *ct
	_, rej = f.leader.Prepare(f.task, vdaf.RoleLeader, share, testNow)
	if rej == nil || rej.Failure != protocol.FailureHpkeUnknownConfigID {
		t.Error("unheld config not rejected as unknown")
	}
}

func TestPrepareDecryptFailure(t *testing.T) {
	f := newFixture(t, vdaf.SchemeCount, 0)

	r := f.sealReport(t, 1, testNow)
	share := shareFor(r, vdaf.RoleLeader)
	share.Share.Payload = append([]byte(nil), share.Share.Payload...)
	share.Share.Payload[0] ^= 0x01

	_, rej := f.leader.Prepare(f.task, vdaf.RoleLeader, share, testNow)
	if rej == nil || rej.Failure != protocol.FailureHpkeDecryptError {
		t.Error("tampered payload not rejected as decrypt error")
	}

	// Header tamper breaks the AAD binding.
	r = f.sealReport(t, 1, testNow)
	share = shareFor(r, vdaf.RoleLeader)
	share.Time++

	_, rej = f.leader.Prepare(f.task, vdaf.RoleLeader, share, testNow)
	if rej == nil || rej.Failure != protocol.FailureHpkeDecryptError {
		t.Error("retimed report not rejected as decrypt error")
	}
}

func TestPrepareBadShare(t *testing.T) {
	f := newFixture(t, vdaf.SchemeCount, 0)

	var rid protocol.ReportID
	rid[0] = 1

	aad := protocol.HpkeAAD(f.task.ID, rid, testNow, nil)
	ct, err := hpke.Seal(&f.task.Config.LeaderConfigs[0], protocol.HpkeInfo(0), aad, []byte("not a share"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	share := &protocol.ReportShare{ReportID: rid, Time: testNow, Share: *ct}
	_, rej := f.leader.Prepare(f.task, vdaf.RoleLeader, share, testNow)
	if rej == nil || rej.Failure != protocol.FailureVdafPrepError {
		t.Error("undecodable share not rejected as prep error")
	}
}

func TestValidateUpload(t *testing.T) {
	f := newFixture(t, vdaf.SchemeCount, 0)

	r := f.sealReport(t, 1, testNow)
	if rej := f.leader.ValidateUpload(f.task, r, testNow); rej != nil {
		t.Fatalf("valid upload rejected: %v", rej.Err)
	}

	bad := f.sealReport(t, 1, testNow)
	bad.Shares[1].ConfigID = 9
	rej := f.leader.ValidateUpload(f.task, bad, testNow)
	if rej == nil || rej.Failure != protocol.FailureHpkeUnknownConfigID {
		t.Error("unknown helper config not rejected")
	}

	late := f.sealReport(t, 1, f.task.Config.Expiration+10)
	rej = f.leader.ValidateUpload(f.task, late, testNow)
	if rej == nil || rej.Failure != protocol.FailureReportDropped {
		t.Error("expired upload not rejected")
	}
}

func TestTaskDocument(t *testing.T) {
	env := &protocol.TaskAdvertise{Document: []byte("doc"), Signature: []byte("sig")}

	exts := []protocol.Extension{
		{Type: 0x0001, Payload: []byte("unrelated")},
		{Type: protocol.ExtensionTaskConfig, Payload: env.Encode()},
	}

	doc, sig, ok := TaskDocument(exts)
	if !ok {
		t.Fatal("document extension not found")
	}
	if string(doc) != "doc" || string(sig) != "sig" {
		t.Errorf("extracted %q/%q", doc, sig)
	}

	if _, _, ok := TaskDocument(exts[:1]); ok {
		t.Error("found a document in unrelated extensions")
	}

	broken := []protocol.Extension{{Type: protocol.ExtensionTaskConfig, Payload: []byte{0xff}}}
	if _, _, ok := TaskDocument(broken); ok {
		t.Error("malformed envelope reported ok")
	}
}
