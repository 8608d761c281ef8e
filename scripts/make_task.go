//go:build ignore

// make_task builds and signs a task configuration document. It fetches each
// aggregator's advertised HPKE configs over HTTP, assembles the document,
// signs it with the authority key, and prints everything a deployment needs:
// the authority public key, the task ID, and the signed document.
//
// Usage:
//
//	go run scripts/make_task.go -leader 127.0.0.1:8080 -helper 127.0.0.1:8081 \
//	    -scheme histogram -param 10 -min-batch 100 -seed <32B hex>
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"time"

	"TwinTally/client"
	"TwinTally/internal/protocol"
	"TwinTally/internal/task"
	"TwinTally/internal/vdaf"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		leaderAddr = flag.String("leader", "127.0.0.1:8080", "Leader HTTP address")
		helperAddr = flag.String("helper", "127.0.0.1:8081", "Helper HTTP address")
		helperQUIC = flag.String("helper-quic", "127.0.0.1:9001", "Helper QUIC peer address, written into the document")
		schemeName = flag.String("scheme", "count", "Scheme: count, sum, or histogram")
		param      = flag.Uint("param", 0, "Scheme parameter: bit width for sum, length for histogram")
		minBatch   = flag.Uint("min-batch", 10, "Minimum reports per collectable batch")
		policy     = flag.String("policy", "interval", "Batch policy: interval or leader")
		duration   = flag.Uint64("duration", 3600, "Batch duration in seconds, interval policy")
		lifetime   = flag.Uint64("lifetime", 30, "Task lifetime in days")
		seedHex    = flag.String("seed", "", "Authority key seed, 32 bytes hex (random key if empty)")
	)
	flag.Parse()

	schemeID, err := schemeByName(*schemeName)
	if err != nil {
		return err
	}

	cfg := &protocol.TaskConfig{
		Version:        protocol.TaskConfigVersion,
		SchemeID:       schemeID,
		SchemeParam:    uint32(*param),
		MinBatchSize:   uint32(*minBatch),
		BatchDuration:  *duration,
		Expiration:     uint64(time.Now().Unix()) + *lifetime*86_400,
		LeaderEndpoint: *leaderAddr,
		HelperEndpoint: *helperQUIC,
	}

	switch *policy {
	case "interval":
		cfg.BatchPolicy = protocol.PolicyTimeInterval
	case "leader":
		cfg.BatchPolicy = protocol.PolicyLeaderSelected
		cfg.BatchDuration = 0
	default:
		return fmt.Errorf("unknown policy %q", *policy)
	}

	if cfg.LeaderConfigs, err = client.NewClient(*leaderAddr).FetchHpkeConfigs(); err != nil {
		return fmt.Errorf("leader hpke configs:\n%w", err)
	}

	if cfg.HelperConfigs, err = client.NewClient(*helperAddr).FetchHpkeConfigs(); err != nil {
		return fmt.Errorf("helper hpke configs:\n%w", err)
	}

	authority, err := loadAuthority(*seedHex)
	if err != nil {
		return err
	}

	doc := cfg.Encode()

	if err := task.ValidateConfig(cfg); err != nil {
		return fmt.Errorf("document invalid:\n%w", err)
	}

	sig := authority.Sign(doc)
	id := task.ComputeID(doc)

	fmt.Printf("authority: %s\n", hex.EncodeToString(authority.PublicKeyBytes()))
	fmt.Printf("task:      %s\n", hex.EncodeToString(id[:]))
	fmt.Printf("document:  %s\n", hex.EncodeToString(doc))
	fmt.Printf("signature: %s\n", hex.EncodeToString(sig))

	return nil
}

func schemeByName(name string) (uint32, error) {
	switch name {
	case "count":
		return vdaf.SchemeCount, nil
	case "sum":
		return vdaf.SchemeSum, nil
	case "histogram":
		return vdaf.SchemeHistogram, nil
	default:
		return 0, fmt.Errorf("unknown scheme %q", name)
	}
}

func loadAuthority(seedHex string) (*task.AuthorityKey, error) {
	if seedHex == "" {
		return task.GenerateAuthorityKey()
	}

	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("decode seed:\n%w", err)
	}

	return task.AuthorityKeyFromSeed(seed)
}
