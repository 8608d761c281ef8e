package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"

	"TwinTally/internal/logger"
)

func main() {
	logger.Init()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run() error {
	cfg, err := parseFlags()
	if err != nil {
		return err
	}

	cfg.PrivateKey, err = loadOrGenerateKey(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	agg, err := NewAggregator(cfg)
	if err != nil {
		return fmt.Errorf("create aggregator:\n%w", err)
	}

	printStartupInfo(cfg)

	return agg.Run()
}

// printStartupInfo displays the process configuration at startup.
func printStartupInfo(cfg *Config) {
	pubKey := cfg.PrivateKey.Public().(ed25519.PublicKey)

	logger.Info("starting TwinTally aggregator",
		"role", cfg.Role,
		"pubkey", hex.EncodeToString(pubKey),
		"http", cfg.HTTPAddress,
		"quic", cfg.QUICAddress,
		"data", cfg.DataPath,
	)

	if cfg.Role == RoleLeader {
		logger.Info("helper endpoint", "addr", cfg.PeerAddress)
	}
}
