package integration

import (
	"bytes"
	"net/http"
	"testing"
	"time"

	"TwinTally/client"
	"TwinTally/internal/protocol"
	"TwinTally/internal/vdaf"
)

// TestCountOverInterval runs the full pipeline over real QUIC and HTTP: a
// count task provisioned in-band through the first upload, three reports
// aggregated across both processes, and a collection revealing the sum.
func TestCountOverInterval(t *testing.T) {
	d := NewDeployment(t)
	tk := d.CreateTask(t, vdaf.SchemeCount, 0, protocol.PolicyTimeInterval, 3)

	c := d.Client()
	now := uint64(time.Now().Unix())

	if _, err := c.SubmitProvisioning(tk, 1, now); err != nil {
		t.Fatalf("provisioning submit: %v", err)
	}

	for _, m := range []uint64{0, 1} {
		if _, err := c.Submit(tk, m, now); err != nil {
			t.Fatalf("submit %d: %v", m, err)
		}
	}

	result := d.CollectWhenReady(t, tk, protocol.BatchSelector{
		Kind: protocol.SelectorInterval,
		Interval: protocol.Interval{
			Start:    bucketStart(now, tk.Config.BatchDuration),
			Duration: tk.Config.BatchDuration,
		},
	})

	if result.State != "done" {
		t.Fatalf("collection state %q: %s", result.State, result.Message)
	}

	if result.Count != 3 {
		t.Errorf("collected %d reports, want 3", result.Count)
	}

	if len(result.Aggregate) != 1 || result.Aggregate[0] != 2 {
		t.Errorf("aggregate %v, want [2]", result.Aggregate)
	}
}

// TestOperatorProvisioning registers a task over PUT /task and checks that
// plain uploads work from then on, with the helper learning the task from
// the provisioning push.
func TestOperatorProvisioning(t *testing.T) {
	d := NewDeployment(t)
	tk := d.CreateTask(t, vdaf.SchemeCount, 0, protocol.PolicyTimeInterval, 2)

	c := d.Client()

	id, err := c.Provision(tk)
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if id != tk.ID {
		t.Fatalf("provisioned task %s, want %s", id, tk.ID)
	}

	if _, ok := d.Helper.Tasks.Get(tk.ID); !ok {
		t.Error("helper did not learn the provisioned task")
	}

	// Re-provisioning the same document is idempotent.
	if id, err = c.Provision(tk); err != nil || id != tk.ID {
		t.Fatalf("re-provision: id %s, err %v", id, err)
	}

	now := uint64(time.Now().Unix())
	for _, m := range []uint64{1, 1} {
		if _, err := c.Submit(tk, m, now); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	result := d.CollectWhenReady(t, tk, protocol.BatchSelector{
		Kind: protocol.SelectorInterval,
		Interval: protocol.Interval{
			Start:    bucketStart(now, tk.Config.BatchDuration),
			Duration: tk.Config.BatchDuration,
		},
	})

	if result.State != "done" {
		t.Fatalf("collection state %q: %s", result.State, result.Message)
	}

	if result.Count != 2 || len(result.Aggregate) != 1 || result.Aggregate[0] != 2 {
		t.Errorf("collected %d reports, aggregate %v, want 2 and [2]", result.Count, result.Aggregate)
	}
}

// TestHistogramLeaderSelected covers the leader-selected batch policy end to
// end, collecting through the current-batch selector.
func TestHistogramLeaderSelected(t *testing.T) {
	d := NewDeployment(t)
	tk := d.CreateTask(t, vdaf.SchemeHistogram, 4, protocol.PolicyLeaderSelected, 2)

	c := d.Client()
	now := uint64(time.Now().Unix())

	if _, err := c.SubmitProvisioning(tk, 2, now); err != nil {
		t.Fatalf("provisioning submit: %v", err)
	}

	if _, err := c.Submit(tk, 0, now); err != nil {
		t.Fatalf("submit: %v", err)
	}

	result := d.CollectWhenReady(t, tk, protocol.BatchSelector{
		Kind: protocol.SelectorCurrentBatch,
	})

	if result.State != "done" {
		t.Fatalf("collection state %q: %s", result.State, result.Message)
	}

	want := []uint64{1, 0, 1, 0}
	if len(result.Aggregate) != len(want) {
		t.Fatalf("aggregate %v, want %v", result.Aggregate, want)
	}

	for i, v := range want {
		if result.Aggregate[i] != v {
			t.Fatalf("aggregate %v, want %v", result.Aggregate, want)
		}
	}
}

// TestReplayedUploadRefused re-posts the identical report and expects the
// leader's replay guard to answer 409.
func TestReplayedUploadRefused(t *testing.T) {
	d := NewDeployment(t)
	tk := d.CreateTask(t, vdaf.SchemeCount, 0, protocol.PolicyTimeInterval, 100)

	c := d.Client()
	now := uint64(time.Now().Unix())

	// First upload provisions the task.
	if _, err := c.SubmitProvisioning(tk, 1, now); err != nil {
		t.Fatalf("provisioning submit: %v", err)
	}

	report, err := client.BuildReport(tk, 1, now, nil)
	if err != nil {
		t.Fatalf("build report: %v", err)
	}

	if status := postReport(t, d.Leader.HTTPAddr, report); status != http.StatusAccepted {
		t.Fatalf("first upload: status %d", status)
	}

	if status := postReport(t, d.Leader.HTTPAddr, report); status != http.StatusConflict {
		t.Errorf("replayed upload: status %d, want 409", status)
	}
}

// TestSecondCollectionExhausted collects the same single-use batch twice.
func TestSecondCollectionExhausted(t *testing.T) {
	d := NewDeployment(t)
	tk := d.CreateTask(t, vdaf.SchemeCount, 0, protocol.PolicyTimeInterval, 2)

	c := d.Client()
	now := uint64(time.Now().Unix())

	if _, err := c.SubmitProvisioning(tk, 1, now); err != nil {
		t.Fatalf("provisioning submit: %v", err)
	}
	if _, err := c.Submit(tk, 1, now); err != nil {
		t.Fatalf("submit: %v", err)
	}

	sel := protocol.BatchSelector{
		Kind: protocol.SelectorInterval,
		Interval: protocol.Interval{
			Start:    bucketStart(now, tk.Config.BatchDuration),
			Duration: tk.Config.BatchDuration,
		},
	}

	first := d.CollectWhenReady(t, tk, sel)
	if first.State != "done" || first.Aggregate[0] != 2 {
		t.Fatalf("first collection %+v", first)
	}

	second := d.CollectWhenReady(t, tk, sel)
	if second.State != "failed" || second.Failure != "batch_exhausted" {
		t.Errorf("second collection %+v, want batch_exhausted failure", second)
	}
}

// TestHelperSurface checks the helper's reduced HTTP API: config discovery
// works, report upload does not exist.
func TestHelperSurface(t *testing.T) {
	d := NewDeployment(t)

	configs, err := client.NewClient(d.Helper.HTTPAddr).FetchHpkeConfigs()
	if err != nil {
		t.Fatalf("fetch helper configs: %v", err)
	}

	if len(configs) != 1 || configs[0].ID != d.Helper.Pair.Config.ID {
		t.Errorf("helper configs %v", configs)
	}

	resp, err := http.Post("http://"+d.Helper.HTTPAddr+"/upload", "application/octet-stream", bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("helper /upload answered %d, want 404", resp.StatusCode)
	}
}

// postReport uploads an encoded report and returns the HTTP status.
func postReport(t *testing.T, addr string, r *protocol.Report) int {
	t.Helper()

	resp, err := http.Post("http://"+addr+"/upload", "application/octet-stream", bytes.NewReader(r.Encode()))
	if err != nil {
		t.Fatalf("post report: %v", err)
	}
	defer resp.Body.Close()

	return resp.StatusCode
}
