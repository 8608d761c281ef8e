package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"TwinTally/internal/hpke"
	"TwinTally/internal/task"
)

// Aggregator roles.
const (
	RoleLeader = "leader"
	RoleHelper = "helper"
)

// Config holds the aggregator process configuration.
type Config struct {
	// Role selects leader or helper behavior.
	Role string

	// DataPath is the directory for persistent storage.
	DataPath string

	// HTTPAddress is the HTTP API listen address.
	HTTPAddress string

	// QUICAddress is the QUIC peer listen address.
	QUICAddress string

	// PeerAddress is the peer aggregator's QUIC address, leader only.
	PeerAddress string

	// PeerKey pins the peer's ed25519 public key when non-nil.
	PeerKey ed25519.PublicKey

	// KeyPath is the path to the ed25519 private key file.
	KeyPath string

	// PrivateKey is the process's ed25519 transport key.
	PrivateKey ed25519.PrivateKey

	// HpkeKeyPath is the path to the HPKE private key file.
	HpkeKeyPath string

	// HpkeConfigID distinguishes this process's HPKE config.
	HpkeConfigID uint

	// AuthorityKey is the task authority's BLS public key.
	AuthorityKey []byte

	// Secret is the pre-shared deployment secret verify keys derive from.
	Secret [32]byte

	// Skew is the max seconds a report may lead the local clock.
	Skew uint64

	// Rounds caps the continuation rounds per aggregation job, leader only.
	Rounds int
}

// parseFlags parses command-line flags into Config.
func parseFlags() (*Config, error) {
	cfg := &Config{}
	var authorityHex, secretHex, peerKeyHex string

	flag.StringVar(&cfg.Role, "role", "", "Aggregator role: leader or helper")
	flag.StringVar(&cfg.DataPath, "data", "./data", "Data directory path")
	flag.StringVar(&cfg.HTTPAddress, "http", ":8080", "HTTP API address")
	flag.StringVar(&cfg.QUICAddress, "quic", ":9000", "QUIC peer address")
	flag.StringVar(&cfg.PeerAddress, "peer", "", "Peer aggregator QUIC address (leader only)")
	flag.StringVar(&peerKeyHex, "peer-key", "", "Peer ed25519 public key, hex (pins the connection)")
	flag.StringVar(&cfg.KeyPath, "key", "", "ed25519 private key path (generates new if missing)")
	flag.StringVar(&cfg.HpkeKeyPath, "hpke-key", "", "HPKE private key path (generates new if missing)")
	flag.UintVar(&cfg.HpkeConfigID, "hpke-id", 1, "HPKE config identifier (0-255)")
	flag.StringVar(&authorityHex, "authority", "", "Task authority BLS public key, hex")
	flag.StringVar(&secretHex, "secret", "", "Pre-shared deployment secret, 32 bytes hex")
	flag.Uint64Var(&cfg.Skew, "skew", 300, "Max seconds a report may lead the clock")
	flag.IntVar(&cfg.Rounds, "rounds", 1, "Continuation rounds allowed per aggregation job (leader only)")
	flag.Parse()

	if cfg.Role != RoleLeader && cfg.Role != RoleHelper {
		return nil, fmt.Errorf("role must be %q or %q", RoleLeader, RoleHelper)
	}

	if cfg.Role == RoleLeader && cfg.PeerAddress == "" {
		return nil, fmt.Errorf("leader requires -peer")
	}

	if cfg.HpkeConfigID > 255 {
		return nil, fmt.Errorf("hpke config id %d out of range", cfg.HpkeConfigID)
	}

	if cfg.Rounds < 1 {
		return nil, fmt.Errorf("-rounds must be at least 1")
	}

	authority, err := hex.DecodeString(authorityHex)
	if err != nil || len(authority) != task.BLSPublicKeySize {
		return nil, fmt.Errorf("-authority must be %d bytes hex", task.BLSPublicKeySize)
	}
	cfg.AuthorityKey = authority

	secret, err := hex.DecodeString(secretHex)
	if err != nil || len(secret) != len(cfg.Secret) {
		return nil, fmt.Errorf("-secret must be %d bytes hex", len(cfg.Secret))
	}
	copy(cfg.Secret[:], secret)

	if peerKeyHex != "" {
		key, err := hex.DecodeString(peerKeyHex)
		if err != nil || len(key) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("-peer-key must be %d bytes hex", ed25519.PublicKeySize)
		}
		cfg.PeerKey = ed25519.PublicKey(key)
	}

	return cfg, nil
}

// loadOrGenerateKey loads the private key from file or generates a new one.
func loadOrGenerateKey(keyPath string) (ed25519.PrivateKey, error) {
	if keyPath == "" {
		return generateNewKey()
	}

	data, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		return generateAndSaveKey(keyPath)
	}

	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), ed25519.PrivateKeySize)
	}

	return ed25519.PrivateKey(data), nil
}

// generateNewKey creates a new ed25519 private key.
func generateNewKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	return priv, nil
}

// generateAndSaveKey creates a new key and saves it to the given path.
func generateAndSaveKey(path string) (ed25519.PrivateKey, error) {
	priv, err := generateNewKey()
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, priv, 0600); err != nil {
		return nil, fmt.Errorf("save key to %s:\n%w", path, err)
	}

	return priv, nil
}

// loadOrGenerateHpkeKey loads the HPKE keypair from file or generates a new
// one under the configured config ID.
func loadOrGenerateHpkeKey(path string, id uint8) (*hpke.Keypair, error) {
	if path == "" {
		return hpke.GenerateKeypair(id)
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		pair, err := hpke.GenerateKeypair(id)
		if err != nil {
			return nil, err
		}

		priv, err := pair.PrivateBytes()
		if err != nil {
			return nil, err
		}

		if err := os.WriteFile(path, priv, 0600); err != nil {
			return nil, fmt.Errorf("save hpke key to %s:\n%w", path, err)
		}

		return pair, nil
	}

	if err != nil {
		return nil, fmt.Errorf("read hpke key file:\n%w", err)
	}

	return hpke.LoadKeypair(id, data)
}
