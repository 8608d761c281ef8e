package client

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"TwinTally/internal/hpke"
	"TwinTally/internal/protocol"
	"TwinTally/internal/task"
	"TwinTally/internal/vdaf"
)

// testDeployment is everything a client-side test needs: the loaded task and
// the aggregators' private keyrings to open what the client sealed.
type testDeployment struct {
	task          *Task
	leaderKeyring *hpke.Keyring
	helperKeyring *hpke.Keyring
	secret        [32]byte
}

// newTestDeployment builds a signed count task over fresh HPKE keypairs.
func newTestDeployment(t *testing.T) *testDeployment {
	t.Helper()

	leaderPair, err := hpke.GenerateKeypair(1)
	if err != nil {
		t.Fatalf("leader keypair: %v", err)
	}

	helperPair, err := hpke.GenerateKeypair(2)
	if err != nil {
		t.Fatalf("helper keypair: %v", err)
	}

	cfg := &protocol.TaskConfig{
		Version:        protocol.TaskConfigVersion,
		SchemeID:       vdaf.SchemeCount,
		MinBatchSize:   1,
		BatchPolicy:    protocol.PolicyTimeInterval,
		BatchDuration:  3600,
		Expiration:     uint64(time.Now().Unix()) + 86_400,
		LeaderEndpoint: "leader.test:8080",
		HelperEndpoint: "helper.test:9000",
		LeaderConfigs:  []protocol.HpkeConfig{leaderPair.Config},
		HelperConfigs:  []protocol.HpkeConfig{helperPair.Config},
	}

	authority, err := task.GenerateAuthorityKey()
	if err != nil {
		t.Fatalf("authority key: %v", err)
	}

	doc := cfg.Encode()

	tk, err := LoadTask(doc, authority.Sign(doc))
	if err != nil {
		t.Fatalf("load task: %v", err)
	}

	d := &testDeployment{task: tk}
	d.secret[0] = 7

	if d.leaderKeyring, err = hpke.NewKeyring(leaderPair); err != nil {
		t.Fatalf("leader keyring: %v", err)
	}
	if d.helperKeyring, err = hpke.NewKeyring(helperPair); err != nil {
		t.Fatalf("helper keyring: %v", err)
	}

	return d
}

// hostOf strips the scheme from an httptest server URL.
func hostOf(ts *httptest.Server) string {
	return strings.TrimPrefix(ts.URL, "http://")
}

// TestBuildReportVerifies runs the full two-party preparation over a
// client-built report: both shares open under the right keyring and the
// verifier shares accept the measurement.
func TestBuildReportVerifies(t *testing.T) {
	d := newTestDeployment(t)
	ts := uint64(time.Now().Unix())

	report, err := BuildReport(d.task, 1, ts, nil)
	if err != nil {
		t.Fatalf("build report: %v", err)
	}

	if len(report.Shares) != 2 {
		t.Fatalf("expected 2 shares, got %d", len(report.Shares))
	}

	verifyKey, err := task.DeriveVerifyKey(d.secret, d.task.ID)
	if err != nil {
		t.Fatalf("derive verify key: %v", err)
	}

	aad := protocol.HpkeAAD(d.task.ID, report.ReportID, ts, nil)

	open := func(keyring *hpke.Keyring, role vdaf.Role, ct *protocol.HpkeCiphertext) []byte {
		t.Helper()

		pt, err := keyring.Open(ct, protocol.HpkeInfo(uint8(role)), aad)
		if err != nil {
			t.Fatalf("open %s share: %v", role, err)
		}

		return pt
	}

	leaderIn := open(d.leaderKeyring, vdaf.RoleLeader, &report.Shares[0])
	helperIn := open(d.helperKeyring, vdaf.RoleHelper, &report.Shares[1])

	scheme := d.task.scheme

	leaderState, leaderOut, err := scheme.PrepInit(verifyKey, vdaf.RoleLeader, report.ReportID, nil, leaderIn)
	if err != nil {
		t.Fatalf("leader prep init: %v", err)
	}

	helperState, helperOut, err := scheme.PrepInit(verifyKey, vdaf.RoleHelper, report.ReportID, nil, helperIn)
	if err != nil {
		t.Fatalf("helper prep init: %v", err)
	}

	leaderRes, err := scheme.PrepNext(leaderState, helperOut)
	if err != nil {
		t.Fatalf("leader prep next: %v", err)
	}

	helperRes, err := scheme.PrepNext(helperState, leaderOut)
	if err != nil {
		t.Fatalf("helper prep next: %v", err)
	}

	if leaderRes.Status != vdaf.PrepFinished || helperRes.Status != vdaf.PrepFinished {
		t.Fatalf("preparation did not finish: leader %v helper %v", leaderRes.Status, helperRes.Status)
	}

	sum, err := vdaf.Unshard(leaderRes.Output, helperRes.Output)
	if err != nil {
		t.Fatalf("unshard: %v", err)
	}

	if len(sum) != 1 || sum[0] != 1 {
		t.Errorf("unsharded measurement %v, want [1]", sum)
	}
}

func TestSubmitPostsReport(t *testing.T) {
	d := newTestDeployment(t)

	var uploaded *protocol.Report

	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		report, err := protocol.DecodeReport(body)
		if err != nil {
			t.Errorf("decode uploaded report: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		uploaded = report
		w.WriteHeader(http.StatusAccepted)
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	c := NewClient(hostOf(server))

	ts := uint64(time.Now().Unix())
	reportID, err := c.Submit(d.task, 1, ts)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if uploaded == nil {
		t.Fatal("no report reached the server")
	}

	if uploaded.TaskID != d.task.ID {
		t.Error("uploaded report names the wrong task")
	}

	if uploaded.ReportID != reportID {
		t.Error("returned report id does not match upload")
	}

	if len(uploaded.Extensions) != 0 {
		t.Errorf("plain submit carried %d extensions", len(uploaded.Extensions))
	}
}

func TestSubmitProvisioningAttachesDocument(t *testing.T) {
	d := newTestDeployment(t)

	var uploaded *protocol.Report

	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		uploaded, _ = protocol.DecodeReport(body)
		w.WriteHeader(http.StatusAccepted)
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	c := NewClient(hostOf(server))

	if _, err := c.SubmitProvisioning(d.task, 0, uint64(time.Now().Unix())); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if uploaded == nil || len(uploaded.Extensions) != 1 {
		t.Fatal("provisioning submit did not attach an extension")
	}

	ext := uploaded.Extensions[0]
	if ext.Type != protocol.ExtensionTaskConfig {
		t.Fatalf("extension type 0x%04x", ext.Type)
	}

	adv, err := protocol.DecodeTaskAdvertise(ext.Payload)
	if err != nil {
		t.Fatalf("decode advertised document: %v", err)
	}

	if task.ComputeID(adv.Document) != d.task.ID {
		t.Error("advertised document hashes to a different task")
	}
}

func TestSubmitSurfacesRefusal(t *testing.T) {
	d := newTestDeployment(t)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{
			"error":  "replay_or_overlap",
			"detail": "duplicate report id",
		})
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	c := NewClient(hostOf(server))

	_, err := c.Submit(d.task, 1, uint64(time.Now().Unix()))
	if err == nil {
		t.Fatal("expected an error")
	}

	if !strings.Contains(err.Error(), "replay_or_overlap") {
		t.Errorf("error %q does not carry the refusal reason", err)
	}
}

func TestProvisionPutsDocument(t *testing.T) {
	d := newTestDeployment(t)

	var received *protocol.TaskAdvertise

	mux := http.NewServeMux()
	mux.HandleFunc("PUT /task", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		adv, err := protocol.DecodeTaskAdvertise(body)
		if err != nil {
			t.Errorf("decode task document: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		received = adv
		id := task.ComputeID(adv.Document)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{
			"task": hex.EncodeToString(id[:]),
		})
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	id, err := NewClient(hostOf(server)).Provision(d.task)
	if err != nil {
		t.Fatalf("provision: %v", err)
	}

	if id != d.task.ID {
		t.Errorf("provisioned task %s, want %s", id, d.task.ID)
	}

	if received == nil || len(received.Signature) == 0 {
		t.Error("signature did not reach the server")
	}
}

func TestCollectAndWait(t *testing.T) {
	d := newTestDeployment(t)

	var id protocol.CollectionID
	id[0] = 9

	polls := 0

	mux := http.NewServeMux()
	mux.HandleFunc("POST /collect", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		req, err := protocol.DecodeCollectReq(body)
		if err != nil {
			t.Errorf("decode collect request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		if req.TaskID != d.task.ID {
			t.Error("collect request names the wrong task")
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{
			"collection": hex.EncodeToString(id[:]),
		})
	})
	mux.HandleFunc("GET /collect/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != hex.EncodeToString(id[:]) {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")

		polls++
		if polls == 1 {
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(map[string]string{"state": "pending"})
			return
		}

		json.NewEncoder(w).Encode(map[string]any{
			"state":     "done",
			"aggregate": []uint64{5},
			"count":     5,
		})
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	c := NewClient(hostOf(server))

	got, err := c.Collect(d.task, protocol.BatchSelector{
		Kind:     protocol.SelectorInterval,
		Interval: protocol.Interval{Start: 0, Duration: 3600},
	})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}

	if got != id {
		t.Fatalf("collection id %s, want %s", got, id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := c.WaitCollection(ctx, got, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait collection: %v", err)
	}

	if result.State != "done" || result.Count != 5 || len(result.Aggregate) != 1 || result.Aggregate[0] != 5 {
		t.Errorf("collection result %+v", result)
	}

	if polls < 2 {
		t.Errorf("expected at least 2 polls, got %d", polls)
	}
}

func TestFetchHpkeConfigs(t *testing.T) {
	d := newTestDeployment(t)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /hpke_config", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(protocol.EncodeHpkeConfigList(d.leaderKeyring.Configs()))
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	configs, err := NewClient(hostOf(server)).FetchHpkeConfigs()
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	if len(configs) != 1 || configs[0].ID != 1 {
		t.Errorf("configs %v", configs)
	}
}
