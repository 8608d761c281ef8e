package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"TwinTally/internal/aggregation"
	"TwinTally/internal/api"
	"TwinTally/internal/batch"
	"TwinTally/internal/hpke"
	"TwinTally/internal/logger"
	"TwinTally/internal/network"
	"TwinTally/internal/report"
	"TwinTally/internal/storage"
	"TwinTally/internal/task"
)

// Aggregator is one running aggregator process, leader or helper.
type Aggregator struct {
	cfg     *Config
	storage *storage.Store
	keyring *hpke.Keyring
	tasks   *task.Store
	batches *batch.Manager
	network *network.Node
	leader  *aggregation.Leader
	helper  *aggregation.Helper
	api     *api.Server

	cancel context.CancelFunc
}

// NewAggregator creates and initializes the process.
func NewAggregator(cfg *Config) (*Aggregator, error) {
	a := &Aggregator{cfg: cfg}

	if err := a.initStorage(); err != nil {
		return nil, err
	}

	if err := a.initKeyring(); err != nil {
		a.Close()
		return nil, err
	}

	if err := a.initTasks(); err != nil {
		a.Close()
		return nil, err
	}

	if err := a.initNetwork(); err != nil {
		a.Close()
		return nil, err
	}

	a.initEngines()

	return a, nil
}

// initStorage initializes the Pebble storage.
func (a *Aggregator) initStorage() error {
	if err := os.MkdirAll(a.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.New(a.cfg.DataPath + "/db")
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	a.storage = db

	return nil
}

// initKeyring loads the process's HPKE decryption configs.
func (a *Aggregator) initKeyring() error {
	pair, err := loadOrGenerateHpkeKey(a.cfg.HpkeKeyPath, uint8(a.cfg.HpkeConfigID))
	if err != nil {
		return fmt.Errorf("init hpke key:\n%w", err)
	}

	keyring, err := hpke.NewKeyring(pair)
	if err != nil {
		return fmt.Errorf("init keyring:\n%w", err)
	}

	a.keyring = keyring

	return nil
}

// initTasks reloads activated tasks and the batch manager over them.
func (a *Aggregator) initTasks() error {
	tasks, err := task.NewStore(a.storage, a.cfg.AuthorityKey, a.cfg.Secret)
	if err != nil {
		return fmt.Errorf("init task store:\n%w", err)
	}

	a.tasks = tasks
	a.batches = batch.NewManager(a.storage, tasks)

	return nil
}

// initNetwork initializes the QUIC peer node.
func (a *Aggregator) initNetwork() error {
	node, err := network.NewNode(network.Config{
		PrivateKey:  a.cfg.PrivateKey,
		ListenAddr:  a.cfg.QUICAddress,
		AllowedPeer: a.cfg.PeerKey,
	})
	if err != nil {
		return fmt.Errorf("init network:\n%w", err)
	}

	a.network = node

	return nil
}

// initEngines wires the role's protocol engines over the shared stack.
func (a *Aggregator) initEngines() {
	processor := report.NewProcessor(a.keyring, a.cfg.Skew)

	if a.cfg.Role == RoleHelper {
		a.helper = aggregation.NewHelper(a.storage, a.tasks, processor, a.batches)
		dispatcher := aggregation.NewDispatcher(a.helper, a.batches, a.tasks)
		a.network.OnRequest(dispatcher.Handle)
		return
	}

	peer := aggregation.NewPeerClient(a.network, a.cfg.PeerAddress)
	a.leader = aggregation.NewLeader(a.storage, a.tasks, processor, a.batches, peer, aggregation.LeaderConfig{
		ContinuationRounds: a.cfg.Rounds,
	})
}

// Run starts the process and blocks until shutdown signal.
func (a *Aggregator) Run() error {
	if err := a.network.Start(); err != nil {
		return fmt.Errorf("start network:\n%w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if a.cfg.Role == RoleLeader {
		a.runLeader(ctx)
		a.api = api.New(a.cfg.HTTPAddress, a.leader, a.leader, a.leader, a.keyring, a.tasks)
	} else {
		a.api = api.New(a.cfg.HTTPAddress, nil, nil, nil, a.keyring, a.tasks)
	}

	if err := a.api.Start(); err != nil {
		return fmt.Errorf("start api:\n%w", err)
	}

	return a.waitForShutdown()
}

// runLeader connects to the helper and starts the job driver. The dial is
// best effort; the peer client reconnects per request and the node retries
// lost connections in the background.
func (a *Aggregator) runLeader(ctx context.Context) {
	a.network.OnConnect(func(p *network.Peer) {
		logger.Info("helper connected", "addr", p.Address())
		go a.leader.AdvertiseTasks(ctx)
	})

	if _, err := a.network.Connect(a.cfg.PeerAddress); err != nil {
		logger.Warn("helper not reachable yet", "addr", a.cfg.PeerAddress, "error", err)
	} else {
		go a.leader.AdvertiseTasks(ctx)
	}

	go a.leader.Run(ctx)
}

// waitForShutdown blocks until SIGINT or SIGTERM is received.
func (a *Aggregator) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return a.Close()
}

// Close shuts down all components gracefully.
func (a *Aggregator) Close() error {
	if a.cancel != nil {
		a.cancel()
	}

	if a.api != nil {
		a.api.Stop()
	}

	if a.network != nil {
		a.network.Close()
	}

	if a.storage != nil {
		a.storage.Close()
	}

	return nil
}
