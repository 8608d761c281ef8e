// Package client submits measurements to a TwinTally deployment and drives
// collections against the leader. Each measurement is split into two secret
// shares, sealed to one aggregator each; no party ever sees the plaintext
// value alongside its peer's share.
package client

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"TwinTally/internal/hpke"
	"TwinTally/internal/protocol"
	"TwinTally/internal/task"
	"TwinTally/internal/vdaf"
)

// Client connects to the leader aggregator via HTTP.
type Client struct {
	leaderAddr string // leaderAddr is the leader's HTTP address (e.g. "127.0.0.1:8080")
}

// NewClient creates a client submitting to the given leader.
func NewClient(leaderAddr string) *Client {
	return &Client{leaderAddr: leaderAddr}
}

// Task is a client-side view of one aggregation task: the signed document
// plus the scheme used to shard measurements. Clients receive the document
// out of band from the task authority.
type Task struct {
	ID     protocol.TaskID      // ID is the self-certifying document hash
	Config *protocol.TaskConfig // Config is the decoded document

	scheme vdaf.Scheme
	doc    []byte
	sig    []byte
}

// LoadTask decodes a signed task document into a submittable task. The
// signature is carried along for in-band provisioning; clients cannot verify
// it without the authority key and do not need to.
func LoadTask(doc, sig []byte) (*Task, error) {
	cfg, err := protocol.DecodeTaskConfig(doc)
	if err != nil {
		return nil, fmt.Errorf("decode task document:\n%w", err)
	}

	scheme, err := vdaf.FromConfig(cfg.SchemeID, cfg.SchemeParam)
	if err != nil {
		return nil, fmt.Errorf("instantiate scheme:\n%w", err)
	}

	if len(cfg.LeaderConfigs) == 0 || len(cfg.HelperConfigs) == 0 {
		return nil, fmt.Errorf("task document missing aggregator hpke configs")
	}

	return &Task{
		ID:     task.ComputeID(doc),
		Config: cfg,
		scheme: scheme,
		doc:    doc,
		sig:    sig,
	}, nil
}

// Submit uploads one measurement under the task.
// Returns the report ID chosen for the submission.
func (c *Client) Submit(t *Task, measurement, ts uint64) (protocol.ReportID, error) {
	return c.submit(t, measurement, ts, nil)
}

// SubmitProvisioning uploads one measurement with the signed task document
// attached as an extension, so a leader that has not seen the task yet
// activates it from the upload itself.
func (c *Client) SubmitProvisioning(t *Task, measurement, ts uint64) (protocol.ReportID, error) {
	adv := protocol.TaskAdvertise{Document: t.doc, Signature: t.sig}

	exts := []protocol.Extension{{
		Type:    protocol.ExtensionTaskConfig,
		Payload: adv.Encode(),
	}}

	return c.submit(t, measurement, ts, exts)
}

func (c *Client) submit(t *Task, measurement, ts uint64, exts []protocol.Extension) (protocol.ReportID, error) {
	report, err := BuildReport(t, measurement, ts, exts)
	if err != nil {
		return protocol.ReportID{}, err
	}

	url := "http://" + c.leaderAddr + "/upload"
	if err := httpPostBytes(url, report.Encode(), 202, nil); err != nil {
		return protocol.ReportID{}, fmt.Errorf("upload report:\n%w", err)
	}

	return report.ReportID, nil
}

// Provision registers the task with the leader ahead of any uploads. The
// leader verifies the signature against its authority key, activates the
// task, and pushes it to the helper.
func (c *Client) Provision(t *Task) (protocol.TaskID, error) {
	adv := protocol.TaskAdvertise{Document: t.doc, Signature: t.sig}

	var resp struct {
		Task string `json:"task"`
	}

	url := "http://" + c.leaderAddr + "/task"
	if err := httpPutBytes(url, adv.Encode(), 201, &resp); err != nil {
		return protocol.TaskID{}, fmt.Errorf("provision task:\n%w", err)
	}

	raw, err := hex.DecodeString(resp.Task)
	if err != nil || len(raw) != len(protocol.TaskID{}) {
		return protocol.TaskID{}, fmt.Errorf("invalid task id: %q", resp.Task)
	}

	var id protocol.TaskID
	copy(id[:], raw)

	return id, nil
}

// BuildReport shards a measurement and seals one share to each aggregator.
// Exposed so callers can batch uploads or submit through their own transport.
func BuildReport(t *Task, measurement, ts uint64, exts []protocol.Extension) (*protocol.Report, error) {
	shares, err := t.scheme.Shard(measurement)
	if err != nil {
		return nil, fmt.Errorf("shard measurement:\n%w", err)
	}

	var reportID protocol.ReportID
	if _, err := rand.Read(reportID[:]); err != nil {
		return nil, fmt.Errorf("generate report id:\n%w", err)
	}

	aad := protocol.HpkeAAD(t.ID, reportID, ts, exts)
	recipients := []struct {
		role    vdaf.Role
		configs []protocol.HpkeConfig
	}{
		{vdaf.RoleLeader, t.Config.LeaderConfigs},
		{vdaf.RoleHelper, t.Config.HelperConfigs},
	}

	report := &protocol.Report{
		TaskID:     t.ID,
		ReportID:   reportID,
		Time:       ts,
		Extensions: exts,
	}

	for i, r := range recipients {
		cfg := &r.configs[len(r.configs)-1] // newest advertised config

		ct, err := hpke.Seal(cfg, protocol.HpkeInfo(uint8(r.role)), aad, shares[i])
		if err != nil {
			return nil, fmt.Errorf("seal %s share:\n%w", r.role, err)
		}

		report.Shares = append(report.Shares, *ct)
	}

	return report, nil
}

// FetchHpkeConfigs retrieves the leader's advertised encryption configs.
func (c *Client) FetchHpkeConfigs() ([]protocol.HpkeConfig, error) {
	raw, err := httpGetBytes("http://" + c.leaderAddr + "/hpke_config")
	if err != nil {
		return nil, fmt.Errorf("fetch hpke configs:\n%w", err)
	}

	configs, err := protocol.DecodeHpkeConfigList(raw)
	if err != nil {
		return nil, fmt.Errorf("decode hpke configs:\n%w", err)
	}

	return configs, nil
}

// CollectionResult is one poll of a collection job.
type CollectionResult struct {
	State     string   `json:"state"`     // State is pending, done, or failed
	Aggregate []uint64 `json:"aggregate"` // Aggregate is the revealed sum, done only
	Count     uint64   `json:"count"`     // Count is the number of contributing reports
	Failure   string   `json:"failure"`   // Failure classifies a failed collection
	Message   string   `json:"message"`   // Message is the failure detail
}

// Done reports whether the collection reached a terminal state.
func (r *CollectionResult) Done() bool {
	return r.State != "pending"
}

// Collect asks the leader to reveal a batch aggregate.
// Returns the collection job ID to poll.
func (c *Client) Collect(t *Task, sel protocol.BatchSelector) (protocol.CollectionID, error) {
	req := protocol.CollectReq{TaskID: t.ID, Selector: sel}

	var resp struct {
		Collection string `json:"collection"`
	}

	url := "http://" + c.leaderAddr + "/collect"
	if err := httpPostBytes(url, req.Encode(), 201, &resp); err != nil {
		return protocol.CollectionID{}, fmt.Errorf("start collection:\n%w", err)
	}

	raw, err := hex.DecodeString(resp.Collection)
	if err != nil || len(raw) != len(protocol.CollectionID{}) {
		return protocol.CollectionID{}, fmt.Errorf("invalid collection id: %q", resp.Collection)
	}

	var id protocol.CollectionID
	copy(id[:], raw)

	return id, nil
}

// Poll checks a collection job once.
func (c *Client) Poll(id protocol.CollectionID) (*CollectionResult, error) {
	result := &CollectionResult{}

	url := "http://" + c.leaderAddr + "/collect/" + hex.EncodeToString(id[:])
	if err := httpGetJSON(url, result); err != nil {
		return nil, fmt.Errorf("poll collection:\n%w", err)
	}

	return result, nil
}

// WaitCollection polls until the collection reaches a terminal state or the
// context expires.
func (c *Client) WaitCollection(ctx context.Context, id protocol.CollectionID, interval time.Duration) (*CollectionResult, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		result, err := c.Poll(id)
		if err != nil {
			return nil, err
		}

		if result.Done() {
			return result, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
