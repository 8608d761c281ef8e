package protocol

import (
	"encoding/hex"
	"fmt"
)

// Fixed-length identifiers shared across the protocol.
type (
	// TaskID is the self-certifying hash of a task configuration document.
	TaskID [32]byte
	// ReportID is a client-chosen random identifier, unique within a task.
	ReportID [16]byte
	// BatchID identifies one leader-selected batch.
	BatchID [16]byte
	// JobID identifies one aggregation job between the aggregators.
	JobID [16]byte
	// CollectionID identifies one collection job on the leader.
	CollectionID [16]byte
)

// Abbreviated hex forms for logs.

func (id TaskID) String() string       { return hex.EncodeToString(id[:8]) }
func (id ReportID) String() string     { return hex.EncodeToString(id[:8]) }
func (id BatchID) String() string      { return hex.EncodeToString(id[:8]) }
func (id JobID) String() string        { return hex.EncodeToString(id[:8]) }
func (id CollectionID) String() string { return hex.EncodeToString(id[:8]) }

// HPKE algorithm codepoints pinned by this deployment (RFC 9180 registry).
const (
	KemX25519HkdfSha256 = 0x0020
	KdfHkdfSha256       = 0x0001
	AeadAes128Gcm       = 0x0001
)

// Extension types carried on reports.
const (
	// ExtensionTaskConfig carries a signed task configuration document for
	// in-band provisioning.
	ExtensionTaskConfig = 0xff00
)

// Decode guards against hostile length fields.
const (
	maxPayloadLen    = 1 << 20 // single ciphertext or prep payload
	maxExtensions    = 16
	maxReportShares  = 1 << 16 // reports per aggregation job message
	reportShareCount = 2       // leader share + helper share
)

// HpkeConfig is one hybrid-encryption public key configuration:
// a key identifier, the algorithm suite, and the public key.
type HpkeConfig struct {
	ID        uint8  // ID distinguishes configs within one aggregator
	KemID     uint16 // KemID is the key encapsulation mechanism codepoint
	KdfID     uint16 // KdfID is the key derivation function codepoint
	AeadID    uint16 // AeadID is the AEAD codepoint
	PublicKey []byte // PublicKey is the serialized KEM public key
}

// Encode serializes the config.
// Format: [1B id] [2B kem] [2B kdf] [2B aead] [u16 publicKey]
func (c *HpkeConfig) Encode() []byte {
	buf := make([]byte, 0, 7+2+len(c.PublicKey))
	buf = append(buf, c.ID)
	buf = appendU16(buf, c.KemID)
	buf = appendU16(buf, c.KdfID)
	buf = appendU16(buf, c.AeadID)
	buf = appendBytes16(buf, c.PublicKey)

	return buf
}

func decodeHpkeConfig(d *decoder) (HpkeConfig, error) {
	var c HpkeConfig
	var err error

	if c.ID, err = d.u8(); err != nil {
		return c, err
	}
	if c.KemID, err = d.u16(); err != nil {
		return c, err
	}
	if c.KdfID, err = d.u16(); err != nil {
		return c, err
	}
	if c.AeadID, err = d.u16(); err != nil {
		return c, err
	}
	if c.PublicKey, err = d.bytes16(); err != nil {
		return c, err
	}

	return c, nil
}

// DecodeHpkeConfig decodes a standalone config.
func DecodeHpkeConfig(data []byte) (*HpkeConfig, error) {
	d := newDecoder(data)

	c, err := decodeHpkeConfig(d)
	if err != nil {
		return nil, err
	}

	if err := d.done(); err != nil {
		return nil, err
	}

	return &c, nil
}

// EncodeHpkeConfigList serializes a list of configs with a u16 count.
func EncodeHpkeConfigList(configs []HpkeConfig) []byte {
	buf := appendU16(nil, uint16(len(configs)))
	for i := range configs {
		buf = append(buf, configs[i].Encode()...)
	}

	return buf
}

// DecodeHpkeConfigList decodes a u16-count-prefixed list of configs.
func DecodeHpkeConfigList(data []byte) ([]HpkeConfig, error) {
	d := newDecoder(data)

	configs, err := decodeHpkeConfigList(d)
	if err != nil {
		return nil, err
	}

	if err := d.done(); err != nil {
		return nil, err
	}

	return configs, nil
}

func decodeHpkeConfigList(d *decoder) ([]HpkeConfig, error) {
	n, err := d.u16()
	if err != nil {
		return nil, err
	}

	configs := make([]HpkeConfig, n)
	for i := range configs {
		configs[i], err = decodeHpkeConfig(d)
		if err != nil {
			return nil, err
		}
	}

	return configs, nil
}

// HpkeCiphertext is one encrypted report share: the config ID it was sealed
// under, the encapsulated key, and the ciphertext.
type HpkeCiphertext struct {
	ConfigID uint8  // ConfigID names the recipient's key configuration
	Enc      []byte // Enc is the encapsulated KEM shared secret
	Payload  []byte // Payload is the AEAD ciphertext
}

func (c *HpkeCiphertext) encode(buf []byte) []byte {
	buf = append(buf, c.ConfigID)
	buf = appendBytes16(buf, c.Enc)
	buf = appendBytes32(buf, c.Payload)

	return buf
}

func decodeHpkeCiphertext(d *decoder) (HpkeCiphertext, error) {
	var c HpkeCiphertext
	var err error

	if c.ConfigID, err = d.u8(); err != nil {
		return c, err
	}
	if c.Enc, err = d.bytes16(); err != nil {
		return c, err
	}
	if c.Payload, err = d.bytes32(); err != nil {
		return c, err
	}

	if len(c.Payload) > maxPayloadLen {
		return c, fmt.Errorf("ciphertext payload too large: %d", len(c.Payload))
	}

	return c, nil
}

// Extension is an opaque typed blob attached to a report.
type Extension struct {
	Type    uint16 // Type selects the extension semantics
	Payload []byte // Payload is interpreted per type
}

func encodeExtensions(buf []byte, exts []Extension) []byte {
	buf = appendU16(buf, uint16(len(exts)))
	for i := range exts {
		buf = appendU16(buf, exts[i].Type)
		buf = appendBytes16(buf, exts[i].Payload)
	}

	return buf
}

func decodeExtensions(d *decoder) ([]Extension, error) {
	n, err := d.u16()
	if err != nil {
		return nil, err
	}

	if n > maxExtensions {
		return nil, fmt.Errorf("too many extensions: %d", n)
	}

	if n == 0 {
		return nil, nil
	}

	exts := make([]Extension, n)
	for i := range exts {
		if exts[i].Type, err = d.u16(); err != nil {
			return nil, err
		}
		if exts[i].Payload, err = d.bytes16(); err != nil {
			return nil, err
		}
	}

	return exts, nil
}

// Report is one client submission: a share encrypted to each aggregator.
// Shares are ordered leader first, helper second.
type Report struct {
	TaskID     TaskID           // TaskID names the task this report feeds
	ReportID   ReportID         // ReportID is unique within the task
	Time       uint64           // Time is the measurement timestamp, unix seconds
	Extensions []Extension      // Extensions are opaque typed blobs
	Shares     []HpkeCiphertext // Shares holds one ciphertext per aggregator
}

// Encode serializes a report for upload.
// Format: [32B taskID] [16B reportID] [8B time] [extensions] [1B count] [shares]
func (r *Report) Encode() []byte {
	buf := make([]byte, 0, 64+len(r.Shares)*64)
	buf = append(buf, r.TaskID[:]...)
	buf = append(buf, r.ReportID[:]...)
	buf = appendU64(buf, r.Time)
	buf = encodeExtensions(buf, r.Extensions)
	buf = append(buf, byte(len(r.Shares)))

	for i := range r.Shares {
		buf = r.Shares[i].encode(buf)
	}

	return buf
}

// DecodeReport decodes an uploaded report, requiring exactly one share per
// aggregator.
func DecodeReport(data []byte) (*Report, error) {
	d := newDecoder(data)
	r := &Report{}

	raw, err := d.fixed(32)
	if err != nil {
		return nil, err
	}
	copy(r.TaskID[:], raw)

	if raw, err = d.fixed(16); err != nil {
		return nil, err
	}
	copy(r.ReportID[:], raw)

	if r.Time, err = d.u64(); err != nil {
		return nil, err
	}

	if r.Extensions, err = decodeExtensions(d); err != nil {
		return nil, err
	}

	n, err := d.u8()
	if err != nil {
		return nil, err
	}

	if int(n) != reportShareCount {
		return nil, fmt.Errorf("report has %d shares, want %d", n, reportShareCount)
	}

	r.Shares = make([]HpkeCiphertext, n)
	for i := range r.Shares {
		if r.Shares[i], err = decodeHpkeCiphertext(d); err != nil {
			return nil, err
		}
	}

	if err := d.done(); err != nil {
		return nil, err
	}

	return r, nil
}

// ReportShare is the helper-bound slice of a report, forwarded by the leader
// inside an aggregation job.
type ReportShare struct {
	ReportID   ReportID       // ReportID matches the uploaded report
	Time       uint64         // Time is the measurement timestamp
	Extensions []Extension    // Extensions are forwarded verbatim
	Share      HpkeCiphertext // Share is the recipient's encrypted input share
}

func (s *ReportShare) encode(buf []byte) []byte {
	buf = append(buf, s.ReportID[:]...)
	buf = appendU64(buf, s.Time)
	buf = encodeExtensions(buf, s.Extensions)
	buf = s.Share.encode(buf)

	return buf
}

func decodeReportShare(d *decoder) (ReportShare, error) {
	var s ReportShare

	raw, err := d.fixed(16)
	if err != nil {
		return s, err
	}
	copy(s.ReportID[:], raw)

	if s.Time, err = d.u64(); err != nil {
		return s, err
	}

	if s.Extensions, err = decodeExtensions(d); err != nil {
		return s, err
	}

	if s.Share, err = decodeHpkeCiphertext(d); err != nil {
		return s, err
	}

	return s, nil
}

// HpkeInfo binds a share ciphertext to its recipient: the protocol label
// followed by the recipient's share index (0 leader, 1 helper).
func HpkeInfo(recipient uint8) []byte {
	return append([]byte("twintally input share v1"), recipient)
}

// HpkeAAD binds a share ciphertext to the report header it travels under.
// Any header tamper breaks decryption on both aggregators.
func HpkeAAD(taskID TaskID, reportID ReportID, time uint64, exts []Extension) []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, taskID[:]...)
	buf = append(buf, reportID[:]...)
	buf = appendU64(buf, time)
	buf = encodeExtensions(buf, exts)

	return buf
}
