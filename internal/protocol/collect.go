package protocol

import "fmt"

// Batch selector kinds.
const (
	SelectorInterval     = 0 // Time interval, aligned to the task batch duration
	SelectorBatchID      = 1 // Explicit leader-selected batch
	SelectorCurrentBatch = 2 // Leader picks the oldest ready batch
)

// Interval is a half-open time range [Start, Start+Duration).
type Interval struct {
	Start    uint64 // Start is inclusive, unix seconds
	Duration uint64 // Duration is the range length in seconds
}

// End returns the exclusive end of the interval.
func (iv Interval) End() uint64 {
	return iv.Start + iv.Duration
}

// Contains reports whether t falls inside the interval.
func (iv Interval) Contains(t uint64) bool {
	return t >= iv.Start && t < iv.End()
}

// Validate checks alignment against the task's batch duration: start and
// duration must be multiples of it and duration at least one unit.
func (iv Interval) Validate(batchDuration uint64) error {
	if batchDuration == 0 {
		return fmt.Errorf("zero batch duration")
	}

	if iv.Start%batchDuration != 0 {
		return fmt.Errorf("interval start %d not aligned to %d", iv.Start, batchDuration)
	}

	if iv.Duration%batchDuration != 0 || iv.Duration < batchDuration {
		return fmt.Errorf("interval duration %d not a positive multiple of %d", iv.Duration, batchDuration)
	}

	return nil
}

// BatchSelector names the batch (or batches) targeted by a collection or an
// aggregate share request.
type BatchSelector struct {
	Kind     uint8    // Kind is one of the Selector constants
	Interval Interval // Interval is set for SelectorInterval
	BatchID  BatchID  // BatchID is set for SelectorBatchID
}

func (s *BatchSelector) encode(buf []byte) []byte {
	buf = append(buf, s.Kind)

	switch s.Kind {
	case SelectorInterval:
		buf = appendU64(buf, s.Interval.Start)
		buf = appendU64(buf, s.Interval.Duration)
	case SelectorBatchID:
		buf = append(buf, s.BatchID[:]...)
	}

	return buf
}

func decodeBatchSelector(d *decoder) (BatchSelector, error) {
	var s BatchSelector
	var err error

	if s.Kind, err = d.u8(); err != nil {
		return s, err
	}

	switch s.Kind {
	case SelectorInterval:
		if s.Interval.Start, err = d.u64(); err != nil {
			return s, err
		}
		if s.Interval.Duration, err = d.u64(); err != nil {
			return s, err
		}
	case SelectorBatchID:
		raw, err := d.fixed(16)
		if err != nil {
			return s, err
		}
		copy(s.BatchID[:], raw)
	case SelectorCurrentBatch:
	default:
		return s, fmt.Errorf("invalid batch selector kind: %d", s.Kind)
	}

	return s, nil
}

// EncodeBatchSelector serializes a selector standalone, for storage.
func EncodeBatchSelector(s *BatchSelector) []byte {
	return s.encode(nil)
}

// DecodeBatchSelector decodes a standalone selector.
func DecodeBatchSelector(data []byte) (BatchSelector, error) {
	d := newDecoder(data)

	s, err := decodeBatchSelector(d)
	if err != nil {
		return s, err
	}

	if err := d.done(); err != nil {
		return s, err
	}

	return s, nil
}

// CollectReq asks the leader to reveal a batch aggregate.
type CollectReq struct {
	TaskID   TaskID        // TaskID names the task
	Selector BatchSelector // Selector names the target batch or interval
	AggParam []byte        // AggParam is the opaque aggregation parameter
}

// Encode serializes the request.
// Format: [32B taskID] [selector] [u16 aggParam]
func (r *CollectReq) Encode() []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, r.TaskID[:]...)
	buf = r.Selector.encode(buf)
	buf = appendBytes16(buf, r.AggParam)

	return buf
}

// DecodeCollectReq decodes a collection request.
func DecodeCollectReq(data []byte) (*CollectReq, error) {
	d := newDecoder(data)
	r := &CollectReq{}

	raw, err := d.fixed(32)
	if err != nil {
		return nil, err
	}
	copy(r.TaskID[:], raw)

	if r.Selector, err = decodeBatchSelector(d); err != nil {
		return nil, err
	}

	if r.AggParam, err = d.bytes16(); err != nil {
		return nil, err
	}

	if err := d.done(); err != nil {
		return nil, err
	}

	return r, nil
}

// AggregateShareReq asks the helper to release its aggregate share for a
// batch. Count and checksum pin both parties to the same report set.
type AggregateShareReq struct {
	TaskID      TaskID        // TaskID names the task
	Selector    BatchSelector // Selector names the collected batch or interval
	AggParam    []byte        // AggParam is the opaque aggregation parameter
	ReportCount uint64        // ReportCount is the leader's contributing-report count
	Checksum    [32]byte      // Checksum is the leader's report-id checksum
}

// Encode serializes the request.
// Format: [1B type] [32B taskID] [selector] [u16 aggParam] [8B count] [32B checksum]
func (r *AggregateShareReq) Encode() []byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, MsgAggregateShare)
	buf = append(buf, r.TaskID[:]...)
	buf = r.Selector.encode(buf)
	buf = appendBytes16(buf, r.AggParam)
	buf = appendU64(buf, r.ReportCount)
	buf = append(buf, r.Checksum[:]...)

	return buf
}

// DecodeAggregateShareReq decodes an aggregate share request.
func DecodeAggregateShareReq(data []byte) (*AggregateShareReq, error) {
	d := newDecoder(data)

	typ, err := d.u8()
	if err != nil {
		return nil, err
	}
	if typ != MsgAggregateShare {
		return nil, fmt.Errorf("invalid message type: 0x%02x", typ)
	}

	r := &AggregateShareReq{}

	raw, err := d.fixed(32)
	if err != nil {
		return nil, err
	}
	copy(r.TaskID[:], raw)

	if r.Selector, err = decodeBatchSelector(d); err != nil {
		return nil, err
	}

	if r.AggParam, err = d.bytes16(); err != nil {
		return nil, err
	}

	if r.ReportCount, err = d.u64(); err != nil {
		return nil, err
	}

	if raw, err = d.fixed(32); err != nil {
		return nil, err
	}
	copy(r.Checksum[:], raw)

	if err := d.done(); err != nil {
		return nil, err
	}

	return r, nil
}

// AggregateShareResp carries the helper's aggregate share for a batch.
type AggregateShareResp struct {
	Share []uint64 // Share is the helper's field-element aggregate share
}

// Encode serializes the response.
// Format: [1B type] [field vector]
func (r *AggregateShareResp) Encode() []byte {
	buf := make([]byte, 0, 8+len(r.Share)*8)
	buf = append(buf, MsgAggregateShareResp)
	buf = AppendFieldVec(buf, r.Share)

	return buf
}

// DecodeAggregateShareResp decodes an aggregate share response.
func DecodeAggregateShareResp(data []byte) (*AggregateShareResp, error) {
	d := newDecoder(data)

	typ, err := d.u8()
	if err != nil {
		return nil, err
	}
	if typ != MsgAggregateShareResp {
		return nil, fmt.Errorf("invalid message type: 0x%02x", typ)
	}

	share, err := d.readFieldVec()
	if err != nil {
		return nil, err
	}

	if err := d.done(); err != nil {
		return nil, err
	}

	return &AggregateShareResp{Share: share}, nil
}

// TaskAdvertise pushes a signed task configuration document to the peer.
type TaskAdvertise struct {
	Document  []byte // Document is the encoded task configuration
	Signature []byte // Signature is the authority's BLS signature (96 bytes)
}

// Encode serializes the advertisement.
// Format: [1B type] [u32 document] [u16 signature]
func (r *TaskAdvertise) Encode() []byte {
	buf := make([]byte, 0, 8+len(r.Document)+len(r.Signature))
	buf = append(buf, MsgTaskAdvertise)
	buf = appendBytes32(buf, r.Document)
	buf = appendBytes16(buf, r.Signature)

	return buf
}

// DecodeTaskAdvertise decodes a task advertisement.
func DecodeTaskAdvertise(data []byte) (*TaskAdvertise, error) {
	d := newDecoder(data)

	typ, err := d.u8()
	if err != nil {
		return nil, err
	}
	if typ != MsgTaskAdvertise {
		return nil, fmt.Errorf("invalid message type: 0x%02x", typ)
	}

	r := &TaskAdvertise{}

	if r.Document, err = d.bytes32(); err != nil {
		return nil, err
	}
	if len(r.Document) > maxPayloadLen {
		return nil, fmt.Errorf("task document too large: %d", len(r.Document))
	}

	if r.Signature, err = d.bytes16(); err != nil {
		return nil, err
	}

	if err := d.done(); err != nil {
		return nil, err
	}

	return r, nil
}

// EncodeAck builds a bare acknowledgement.
func EncodeAck() []byte {
	return []byte{MsgAck}
}

// EncodeError builds a classified peer failure response.
// Format: [1B type] [1B kind] [u16 message]
func EncodeError(kind ErrorKind, msg string) []byte {
	buf := make([]byte, 0, 4+len(msg))
	buf = append(buf, MsgError)
	buf = append(buf, byte(kind))
	buf = appendBytes16(buf, []byte(msg))

	return buf
}

// DecodeError decodes a peer failure response into a classified error.
func DecodeError(data []byte) (*Error, error) {
	d := newDecoder(data)

	typ, err := d.u8()
	if err != nil {
		return nil, err
	}
	if typ != MsgError {
		return nil, fmt.Errorf("invalid message type: 0x%02x", typ)
	}

	kind, err := d.u8()
	if err != nil {
		return nil, err
	}

	msg, err := d.bytes16()
	if err != nil {
		return nil, err
	}

	if err := d.done(); err != nil {
		return nil, err
	}

	return Errf(ErrorKind(kind), "peer: %s", string(msg)), nil
}
