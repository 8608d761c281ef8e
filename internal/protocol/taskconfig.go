package protocol

import "fmt"

// TaskConfigVersion is the current document layout version.
const TaskConfigVersion = 1

// Batch policies.
const (
	PolicyTimeInterval   = 0 // Buckets derived from report timestamps
	PolicyLeaderSelected = 1 // Explicit single-use batches chosen by the leader
)

// TaskConfig is the wire form of a task configuration document. Its encoding
// is deterministic: the task identifier is the hash of these bytes, so two
// documents with the same parameters always produce the same task.
type TaskConfig struct {
	Version        uint8        // Version is the document layout version
	SchemeID       uint32       // SchemeID selects the verification scheme
	SchemeParam    uint32       // SchemeParam is scheme-specific (length, bit width)
	MinBatchSize   uint32       // MinBatchSize gates collection
	BatchPolicy    uint8        // BatchPolicy is interval or leader-selected
	BatchDuration  uint64       // BatchDuration is the interval quantization, seconds
	Expiration     uint64       // Expiration is the task end, unix seconds
	LeaderEndpoint string       // LeaderEndpoint is the leader's client-facing address
	HelperEndpoint string       // HelperEndpoint is the helper's peer address
	LeaderConfigs  []HpkeConfig // LeaderConfigs are the leader's public key configs
	HelperConfigs  []HpkeConfig // HelperConfigs are the helper's public key configs
}

// Encode serializes the document deterministically.
// Format: [1B version] [4B scheme] [4B param] [4B minBatch] [1B policy]
// [8B duration] [8B expiration] [u16 leaderEndpoint] [u16 helperEndpoint]
// [leaderConfigs] [helperConfigs]
func (c *TaskConfig) Encode() []byte {
	buf := make([]byte, 0, 96)
	buf = append(buf, c.Version)
	buf = appendU32(buf, c.SchemeID)
	buf = appendU32(buf, c.SchemeParam)
	buf = appendU32(buf, c.MinBatchSize)
	buf = append(buf, c.BatchPolicy)
	buf = appendU64(buf, c.BatchDuration)
	buf = appendU64(buf, c.Expiration)
	buf = appendBytes16(buf, []byte(c.LeaderEndpoint))
	buf = appendBytes16(buf, []byte(c.HelperEndpoint))
	buf = append(buf, EncodeHpkeConfigList(c.LeaderConfigs)...)
	buf = append(buf, EncodeHpkeConfigList(c.HelperConfigs)...)

	return buf
}

// DecodeTaskConfig decodes a task configuration document.
func DecodeTaskConfig(data []byte) (*TaskConfig, error) {
	d := newDecoder(data)
	c := &TaskConfig{}
	var err error

	if c.Version, err = d.u8(); err != nil {
		return nil, err
	}
	if c.Version != TaskConfigVersion {
		return nil, fmt.Errorf("unsupported task config version: %d", c.Version)
	}

	if c.SchemeID, err = d.u32(); err != nil {
		return nil, err
	}
	if c.SchemeParam, err = d.u32(); err != nil {
		return nil, err
	}
	if c.MinBatchSize, err = d.u32(); err != nil {
		return nil, err
	}
	if c.BatchPolicy, err = d.u8(); err != nil {
		return nil, err
	}
	if c.BatchDuration, err = d.u64(); err != nil {
		return nil, err
	}
	if c.Expiration, err = d.u64(); err != nil {
		return nil, err
	}

	leader, err := d.bytes16()
	if err != nil {
		return nil, err
	}
	c.LeaderEndpoint = string(leader)

	helper, err := d.bytes16()
	if err != nil {
		return nil, err
	}
	c.HelperEndpoint = string(helper)

	if c.LeaderConfigs, err = decodeHpkeConfigList(d); err != nil {
		return nil, err
	}
	if c.HelperConfigs, err = decodeHpkeConfigList(d); err != nil {
		return nil, err
	}

	if err := d.done(); err != nil {
		return nil, err
	}

	return c, nil
}
