// Package integration assembles full two-aggregator deployments in-process:
// real Pebble storage, real QUIC between the peers, and the public HTTP API
// on loopback. Tests drive them exactly like external clients would.
package integration

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"path/filepath"
	"testing"
	"time"

	"TwinTally/client"
	"TwinTally/internal/aggregation"
	"TwinTally/internal/api"
	"TwinTally/internal/batch"
	"TwinTally/internal/hpke"
	"TwinTally/internal/network"
	"TwinTally/internal/protocol"
	"TwinTally/internal/report"
	"TwinTally/internal/storage"
	"TwinTally/internal/task"
)

// testSkew is the upload clock tolerance used by both sides.
const testSkew = 300

// Side is one running aggregator: the shared stack plus the role engine.
type Side struct {
	DB       *storage.Store
	Pair     *hpke.Keypair
	Keyring  *hpke.Keyring
	Tasks    *task.Store
	Batches  *batch.Manager
	Net      *network.Node
	Leader   *aggregation.Leader
	Helper   *aggregation.Helper
	API      *api.Server
	HTTPAddr string
}

// Deployment is a complete leader/helper pair sharing one authority and one
// deployment secret.
type Deployment struct {
	Leader    *Side
	Helper    *Side
	Authority *task.AuthorityKey
	Secret    [32]byte

	cancel context.CancelFunc
}

// newSide builds the role-independent stack: storage, keyring, task store,
// batch manager, and a QUIC node listening on loopback.
func newSide(t *testing.T, d *Deployment, hpkeID uint8) *Side {
	t.Helper()

	db, err := storage.New(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	pair, err := hpke.GenerateKeypair(hpkeID)
	if err != nil {
		t.Fatalf("hpke keypair: %v", err)
	}

	keyring, err := hpke.NewKeyring(pair)
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}

	tasks, err := task.NewStore(db, d.Authority.PublicKeyBytes(), d.Secret)
	if err != nil {
		t.Fatalf("task store: %v", err)
	}

	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("transport key: %v", err)
	}

	node, err := network.NewNode(network.Config{
		PrivateKey: key,
		ListenAddr: "127.0.0.1:0",
	})
	if err != nil {
		t.Fatalf("network node: %v", err)
	}

	if err := node.Start(); err != nil {
		t.Fatalf("start network: %v", err)
	}
	t.Cleanup(func() { node.Close() })

	return &Side{
		DB:      db,
		Pair:    pair,
		Keyring: keyring,
		Tasks:   tasks,
		Batches: batch.NewManager(db, tasks),
		Net:     node,
	}
}

// startAPI brings up the side's HTTP surface on a free loopback port.
func (s *Side) startAPI(t *testing.T, uploader api.ReportUploader, collector api.Collector, provisioner api.TaskProvisioner) {
	t.Helper()

	s.HTTPAddr = freeAddr(t)
	s.API = api.New(s.HTTPAddr, uploader, collector, provisioner, s.Keyring, s.Tasks)

	if err := s.API.Start(); err != nil {
		t.Fatalf("start api: %v", err)
	}
	t.Cleanup(func() { s.API.Stop() })

	waitReachable(t, s.HTTPAddr)
}

// NewDeployment builds and starts a connected leader/helper pair.
func NewDeployment(t *testing.T) *Deployment {
	t.Helper()

	authority, err := task.GenerateAuthorityKey()
	if err != nil {
		t.Fatalf("authority key: %v", err)
	}

	d := &Deployment{Authority: authority}
	d.Secret[0] = 7

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	t.Cleanup(cancel)

	d.Helper = newSide(t, d, 2)
	helperProc := report.NewProcessor(d.Helper.Keyring, testSkew)
	d.Helper.Helper = aggregation.NewHelper(d.Helper.DB, d.Helper.Tasks, helperProc, d.Helper.Batches)
	dispatcher := aggregation.NewDispatcher(d.Helper.Helper, d.Helper.Batches, d.Helper.Tasks)
	d.Helper.Net.OnRequest(dispatcher.Handle)
	d.Helper.startAPI(t, nil, nil, nil)

	d.Leader = newSide(t, d, 1)
	leaderProc := report.NewProcessor(d.Leader.Keyring, testSkew)
	peer := aggregation.NewPeerClient(d.Leader.Net, d.Helper.Net.Addr())
	d.Leader.Leader = aggregation.NewLeader(
		d.Leader.DB, d.Leader.Tasks, leaderProc, d.Leader.Batches, peer,
		aggregation.LeaderConfig{DriveInterval: 50 * time.Millisecond},
	)

	if _, err := d.Leader.Net.Connect(d.Helper.Net.Addr()); err != nil {
		t.Fatalf("connect to helper: %v", err)
	}

	go d.Leader.Leader.Run(ctx)

	d.Leader.startAPI(t, d.Leader.Leader, d.Leader.Leader, d.Leader.Leader)

	return d
}

// CreateTask builds and signs a task document over the deployment's keys.
// The task is not activated anywhere; tests provision it in-band through the
// first upload or over PUT /task.
func (d *Deployment) CreateTask(t *testing.T, schemeID, schemeParam uint32, policy uint8, minBatch uint32) *client.Task {
	t.Helper()

	cfg := &protocol.TaskConfig{
		Version:        protocol.TaskConfigVersion,
		SchemeID:       schemeID,
		SchemeParam:    schemeParam,
		MinBatchSize:   minBatch,
		BatchPolicy:    policy,
		Expiration:     uint64(time.Now().Unix()) + 86_400,
		LeaderEndpoint: d.Leader.HTTPAddr,
		HelperEndpoint: d.Helper.Net.Addr(),
		LeaderConfigs:  []protocol.HpkeConfig{d.Leader.Pair.Config},
		HelperConfigs:  []protocol.HpkeConfig{d.Helper.Pair.Config},
	}

	if policy == protocol.PolicyTimeInterval {
		cfg.BatchDuration = 3600
	}

	doc := cfg.Encode()

	tk, err := client.LoadTask(doc, d.Authority.Sign(doc))
	if err != nil {
		t.Fatalf("load task: %v", err)
	}

	return tk
}

// Client returns an HTTP client against the leader.
func (d *Deployment) Client() *client.Client {
	return client.NewClient(d.Leader.HTTPAddr)
}

// CollectWhenReady retries collection start until the leader has a ready
// batch, then waits for the terminal result.
func (d *Deployment) CollectWhenReady(t *testing.T, tk *client.Task, sel protocol.BatchSelector) *client.CollectionResult {
	t.Helper()

	c := d.Client()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var id protocol.CollectionID

	for {
		var err error
		if id, err = c.Collect(tk, sel); err == nil {
			break
		}

		select {
		case <-ctx.Done():
			t.Fatalf("no batch became collectable: %v", err)
		case <-time.After(50 * time.Millisecond):
		}
	}

	result, err := c.WaitCollection(ctx, id, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("wait collection: %v", err)
	}

	return result
}

// bucketStart aligns a timestamp down to its interval bucket.
func bucketStart(ts, duration uint64) uint64 {
	return ts - ts%duration
}

// freeAddr reserves a loopback port and releases it for the caller.
func freeAddr(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	defer l.Close()

	return l.Addr().String()
}

// waitReachable blocks until the address accepts TCP connections.
func waitReachable(t *testing.T, addr string) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}

		time.Sleep(20 * time.Millisecond)
	}

	t.Fatalf("server at %s never came up", addr)
}
