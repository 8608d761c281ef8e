// Package task models aggregation tasks: signed configuration documents,
// their self-certifying identifiers, the per-task verification key shared by
// the two aggregators, and the durable store of activated tasks.
package task

import (
	"fmt"

	"github.com/zeebo/blake3"

	"TwinTally/internal/hpke"
	"TwinTally/internal/protocol"
	"TwinTally/internal/vdaf"
)

// Task is one activated aggregation task: the signed configuration document
// plus everything derived from it. Immutable once activated.
type Task struct {
	ID        protocol.TaskID      // ID is the self-certifying document hash
	Config    *protocol.TaskConfig // Config is the decoded document
	Scheme    vdaf.Scheme          // Scheme validates and aggregates measurements
	VerifyKey [32]byte             // VerifyKey is shared by the two aggregators only

	doc []byte // raw document bytes, kept for re-advertising
	sig []byte
}

// ComputeID hashes an encoded document into its task identifier. The
// encoding is deterministic, so equal parameters always name the same task.
func ComputeID(doc []byte) protocol.TaskID {
	return protocol.TaskID(blake3.Sum256(doc))
}

// DeriveVerifyKey expands the pre-shared deployment secret into the per-task
// preparation key. The document stays public; the key never leaves the two
// aggregators.
func DeriveVerifyKey(secret [32]byte, id protocol.TaskID) ([32]byte, error) {
	h, err := blake3.NewKeyed(secret[:])
	if err != nil {
		return [32]byte{}, fmt.Errorf("keyed hasher: %w", err)
	}

	h.Write([]byte("verify key v1"))
	h.Write(id[:])

	var key [32]byte
	if _, err := h.Digest().Read(key[:]); err != nil {
		return [32]byte{}, fmt.Errorf("read xof: %w", err)
	}

	return key, nil
}

// ValidateConfig checks the document's parameters for activation.
func ValidateConfig(c *protocol.TaskConfig) error {
	if _, err := vdaf.FromConfig(c.SchemeID, c.SchemeParam); err != nil {
		return err
	}

	if c.MinBatchSize == 0 {
		return fmt.Errorf("min batch size must be positive")
	}

	switch c.BatchPolicy {
	case protocol.PolicyTimeInterval:
		if c.BatchDuration == 0 {
			return fmt.Errorf("time interval policy requires a batch duration")
		}
	case protocol.PolicyLeaderSelected:
	default:
		return fmt.Errorf("unknown batch policy: %d", c.BatchPolicy)
	}

	if c.LeaderEndpoint == "" || c.HelperEndpoint == "" {
		return fmt.Errorf("both aggregator endpoints must be set")
	}

	if len(c.LeaderConfigs) == 0 || len(c.HelperConfigs) == 0 {
		return fmt.Errorf("both aggregators need at least one hpke config")
	}

	for _, cfgs := range [][]protocol.HpkeConfig{c.LeaderConfigs, c.HelperConfigs} {
		for i := range cfgs {
			if err := hpke.CheckConfig(&cfgs[i]); err != nil {
				return fmt.Errorf("hpke config %d: %w", cfgs[i].ID, err)
			}
		}
	}

	return nil
}

// build verifies the signature, decodes and validates the document, and
// derives the task's crypto material. Expiration is checked by the caller,
// so tasks reloaded after their end date still serve collections.
func build(doc, sig, authorityKey []byte, secret [32]byte) (*Task, error) {
	if !VerifySignature(sig, doc, authorityKey) {
		return nil, protocol.Errf(protocol.KindMalformedInput, "task document signature invalid")
	}

	cfg, err := protocol.DecodeTaskConfig(doc)
	if err != nil {
		return nil, protocol.WrapErr(protocol.KindMalformedInput, err, "decode task document")
	}

	if err := ValidateConfig(cfg); err != nil {
		return nil, protocol.WrapErr(protocol.KindMalformedInput, err, "validate task document")
	}

	scheme, err := vdaf.FromConfig(cfg.SchemeID, cfg.SchemeParam)
	if err != nil {
		return nil, protocol.WrapErr(protocol.KindMalformedInput, err, "instantiate scheme")
	}

	id := ComputeID(doc)

	verifyKey, err := DeriveVerifyKey(secret, id)
	if err != nil {
		return nil, fmt.Errorf("derive verify key: %w", err)
	}

	return &Task{
		ID:        id,
		Config:    cfg,
		Scheme:    scheme,
		VerifyKey: verifyKey,
		doc:       doc,
		sig:       sig,
	}, nil
}

// ExpiredAt reports whether the task no longer accepts reports stamped ts.
func (t *Task) ExpiredAt(ts uint64) bool {
	return ts >= t.Config.Expiration
}

// ConfigsFor returns the HPKE configs clients seal to for one recipient.
func (t *Task) ConfigsFor(role vdaf.Role) []protocol.HpkeConfig {
	if role == vdaf.RoleLeader {
		return t.Config.LeaderConfigs
	}

	return t.Config.HelperConfigs
}

// HoldsConfig reports whether the recipient role advertises the config ID.
func (t *Task) HoldsConfig(role vdaf.Role, id uint8) bool {
	for _, c := range t.ConfigsFor(role) {
		if c.ID == id {
			return true
		}
	}

	return false
}

// Advertise returns the signed document envelope for peer push and storage.
func (t *Task) Advertise() *protocol.TaskAdvertise {
	return &protocol.TaskAdvertise{Document: t.doc, Signature: t.sig}
}
