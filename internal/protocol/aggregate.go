package protocol

import "fmt"

// Message types for the aggregator peer protocol. Requests flow leader to
// helper; responses carry the high bit.
const (
	MsgAggregationJobInit     = 0x01 // Start an aggregation job
	MsgAggregationJobContinue = 0x02 // Advance a job one round
	MsgAggregateShare         = 0x03 // Release a batch aggregate share
	MsgTaskAdvertise          = 0x04 // Push a signed task document
	MsgAggregationJobResp     = 0x81 // Per-report transitions
	MsgAggregateShareResp     = 0x83 // Helper aggregate share
	MsgAck                    = 0x84 // Bare acknowledgement
	MsgError                  = 0xff // Classified failure
)

// MessageType returns the type byte of an encoded peer message.
func MessageType(data []byte) (byte, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("empty message")
	}

	return data[0], nil
}

// TransitionFailure is a wire-stable per-report rejection code.
type TransitionFailure uint8

const (
	FailureBatchCollected      TransitionFailure = 0 // Report's batch already collected
	FailureReportReplayed      TransitionFailure = 1 // Report identifier already consumed
	FailureReportDropped       TransitionFailure = 2 // Report expired or evicted
	FailureHpkeUnknownConfigID TransitionFailure = 3 // Unknown crypto config id
	FailureHpkeDecryptError    TransitionFailure = 4 // Share failed to open
	FailureVdafPrepError       TransitionFailure = 5 // Verification rejected the share
)

// String returns the stable name used in logs.
func (f TransitionFailure) String() string {
	switch f {
	case FailureBatchCollected:
		return "batch_collected"
	case FailureReportReplayed:
		return "report_replayed"
	case FailureReportDropped:
		return "report_dropped"
	case FailureHpkeUnknownConfigID:
		return "hpke_unknown_config_id"
	case FailureHpkeDecryptError:
		return "hpke_decrypt_error"
	case FailureVdafPrepError:
		return "vdaf_prep_error"
	default:
		return fmt.Sprintf("failure(%d)", uint8(f))
	}
}

// Transition variants.
const (
	TransitionContinued = 0 // Carries the next round's payload
	TransitionFinished  = 1 // Report produced an output share
	TransitionFailed    = 2 // Report rejected with a failure code
)

// Transition reports one report's state change after a protocol round.
type Transition struct {
	ReportID ReportID          // ReportID names the report
	Variant  uint8             // Variant is one of the Transition constants
	Payload  []byte            // Payload is set for Continued transitions
	Failure  TransitionFailure // Failure is set for Failed transitions
}

func (t *Transition) encode(buf []byte) []byte {
	buf = append(buf, t.ReportID[:]...)
	buf = append(buf, t.Variant)

	switch t.Variant {
	case TransitionContinued:
		buf = appendBytes32(buf, t.Payload)
	case TransitionFailed:
		buf = append(buf, byte(t.Failure))
	}

	return buf
}

func decodeTransition(d *decoder) (Transition, error) {
	var t Transition

	raw, err := d.fixed(16)
	if err != nil {
		return t, err
	}
	copy(t.ReportID[:], raw)

	if t.Variant, err = d.u8(); err != nil {
		return t, err
	}

	switch t.Variant {
	case TransitionContinued:
		if t.Payload, err = d.bytes32(); err != nil {
			return t, err
		}
		if len(t.Payload) > maxPayloadLen {
			return t, fmt.Errorf("transition payload too large: %d", len(t.Payload))
		}
	case TransitionFinished:
	case TransitionFailed:
		code, err := d.u8()
		if err != nil {
			return t, err
		}
		t.Failure = TransitionFailure(code)
	default:
		return t, fmt.Errorf("invalid transition variant: %d", t.Variant)
	}

	return t, nil
}

// PartialBatchSelector tells the helper which batch a job's reports join.
// Interval tasks derive buckets from report timestamps; leader-selected
// tasks name the batch explicitly.
type PartialBatchSelector struct {
	LeaderSelected bool    // LeaderSelected marks an explicit batch binding
	BatchID        BatchID // BatchID is set when LeaderSelected
}

func (s *PartialBatchSelector) encode(buf []byte) []byte {
	if !s.LeaderSelected {
		return append(buf, 0)
	}

	buf = append(buf, 1)
	return append(buf, s.BatchID[:]...)
}

func decodePartialBatchSelector(d *decoder) (PartialBatchSelector, error) {
	var s PartialBatchSelector

	kind, err := d.u8()
	if err != nil {
		return s, err
	}

	switch kind {
	case 0:
	case 1:
		s.LeaderSelected = true
		raw, err := d.fixed(16)
		if err != nil {
			return s, err
		}
		copy(s.BatchID[:], raw)
	default:
		return s, fmt.Errorf("invalid partial batch selector kind: %d", kind)
	}

	return s, nil
}

// EncodePartialBatchSelector serializes a selector standalone, for storage.
func EncodePartialBatchSelector(s *PartialBatchSelector) []byte {
	return s.encode(nil)
}

// DecodePartialBatchSelector decodes a standalone selector.
func DecodePartialBatchSelector(data []byte) (PartialBatchSelector, error) {
	d := newDecoder(data)

	s, err := decodePartialBatchSelector(d)
	if err != nil {
		return s, err
	}

	if err := d.done(); err != nil {
		return s, err
	}

	return s, nil
}

// AggregationJobInitReq opens an aggregation job: the helper-bound report
// shares plus the batch binding, sent by the leader.
type AggregationJobInitReq struct {
	TaskID        TaskID               // TaskID names the task
	JobID         JobID                // JobID is fresh per job attempt
	AggParam      []byte               // AggParam is the opaque aggregation parameter
	BatchSelector PartialBatchSelector // BatchSelector binds leader-selected jobs to a batch
	ReportShares  []ReportShare        // ReportShares is the ordered report list
}

// Encode serializes the request.
// Format: [1B type] [32B taskID] [16B jobID] [u16 aggParam] [selector] [u32 count shares]
func (r *AggregationJobInitReq) Encode() []byte {
	buf := make([]byte, 0, 64+len(r.ReportShares)*96)
	buf = append(buf, MsgAggregationJobInit)
	buf = append(buf, r.TaskID[:]...)
	buf = append(buf, r.JobID[:]...)
	buf = appendBytes16(buf, r.AggParam)
	buf = r.BatchSelector.encode(buf)
	buf = appendU32(buf, uint32(len(r.ReportShares)))

	for i := range r.ReportShares {
		buf = r.ReportShares[i].encode(buf)
	}

	return buf
}

// DecodeAggregationJobInitReq decodes an init request.
func DecodeAggregationJobInitReq(data []byte) (*AggregationJobInitReq, error) {
	d := newDecoder(data)

	typ, err := d.u8()
	if err != nil {
		return nil, err
	}
	if typ != MsgAggregationJobInit {
		return nil, fmt.Errorf("invalid message type: 0x%02x", typ)
	}

	r := &AggregationJobInitReq{}

	raw, err := d.fixed(32)
	if err != nil {
		return nil, err
	}
	copy(r.TaskID[:], raw)

	if raw, err = d.fixed(16); err != nil {
		return nil, err
	}
	copy(r.JobID[:], raw)

	if r.AggParam, err = d.bytes16(); err != nil {
		return nil, err
	}

	if r.BatchSelector, err = decodePartialBatchSelector(d); err != nil {
		return nil, err
	}

	n, err := d.count(25)
	if err != nil {
		return nil, err
	}
	if n > maxReportShares {
		return nil, fmt.Errorf("too many report shares: %d", n)
	}

	r.ReportShares = make([]ReportShare, n)
	for i := range r.ReportShares {
		if r.ReportShares[i], err = decodeReportShare(d); err != nil {
			return nil, err
		}
	}

	if err := d.done(); err != nil {
		return nil, err
	}

	return r, nil
}

// PrepMessage carries one report's continuation payload.
type PrepMessage struct {
	ReportID ReportID // ReportID names the report
	Payload  []byte   // Payload is the sender's round message
}

// AggregationJobContinueReq advances a job one round with the leader's
// per-report payloads.
type AggregationJobContinueReq struct {
	TaskID   TaskID        // TaskID names the task
	JobID    JobID         // JobID matches the init request
	Round    uint16        // Round is the continuation round, starting at 1
	Messages []PrepMessage // Messages is the surviving report list
}

// Encode serializes the request.
// Format: [1B type] [32B taskID] [16B jobID] [2B round] [u32 count messages]
func (r *AggregationJobContinueReq) Encode() []byte {
	buf := make([]byte, 0, 64+len(r.Messages)*64)
	buf = append(buf, MsgAggregationJobContinue)
	buf = append(buf, r.TaskID[:]...)
	buf = append(buf, r.JobID[:]...)
	buf = appendU16(buf, r.Round)
	buf = appendU32(buf, uint32(len(r.Messages)))

	for i := range r.Messages {
		buf = append(buf, r.Messages[i].ReportID[:]...)
		buf = appendBytes32(buf, r.Messages[i].Payload)
	}

	return buf
}

// DecodeAggregationJobContinueReq decodes a continue request.
func DecodeAggregationJobContinueReq(data []byte) (*AggregationJobContinueReq, error) {
	d := newDecoder(data)

	typ, err := d.u8()
	if err != nil {
		return nil, err
	}
	if typ != MsgAggregationJobContinue {
		return nil, fmt.Errorf("invalid message type: 0x%02x", typ)
	}

	r := &AggregationJobContinueReq{}

	raw, err := d.fixed(32)
	if err != nil {
		return nil, err
	}
	copy(r.TaskID[:], raw)

	if raw, err = d.fixed(16); err != nil {
		return nil, err
	}
	copy(r.JobID[:], raw)

	if r.Round, err = d.u16(); err != nil {
		return nil, err
	}

	n, err := d.count(20)
	if err != nil {
		return nil, err
	}
	if n > maxReportShares {
		return nil, fmt.Errorf("too many prep messages: %d", n)
	}

	r.Messages = make([]PrepMessage, n)
	for i := range r.Messages {
		if raw, err = d.fixed(16); err != nil {
			return nil, err
		}
		copy(r.Messages[i].ReportID[:], raw)

		if r.Messages[i].Payload, err = d.bytes32(); err != nil {
			return nil, err
		}
		if len(r.Messages[i].Payload) > maxPayloadLen {
			return nil, fmt.Errorf("prep payload too large: %d", len(r.Messages[i].Payload))
		}
	}

	if err := d.done(); err != nil {
		return nil, err
	}

	return r, nil
}

// AggregationJobResp is the helper's per-report answer to an init or
// continue request, in request order.
type AggregationJobResp struct {
	Transitions []Transition // Transitions mirrors the request's report order
}

// Encode serializes the response.
// Format: [1B type] [u32 count transitions]
func (r *AggregationJobResp) Encode() []byte {
	buf := make([]byte, 0, 8+len(r.Transitions)*64)
	buf = append(buf, MsgAggregationJobResp)
	buf = appendU32(buf, uint32(len(r.Transitions)))

	for i := range r.Transitions {
		buf = r.Transitions[i].encode(buf)
	}

	return buf
}

// DecodeAggregationJobResp decodes a job response.
func DecodeAggregationJobResp(data []byte) (*AggregationJobResp, error) {
	d := newDecoder(data)

	typ, err := d.u8()
	if err != nil {
		return nil, err
	}
	if typ != MsgAggregationJobResp {
		return nil, fmt.Errorf("invalid message type: 0x%02x", typ)
	}

	n, err := d.count(17)
	if err != nil {
		return nil, err
	}
	if n > maxReportShares {
		return nil, fmt.Errorf("too many transitions: %d", n)
	}

	r := &AggregationJobResp{Transitions: make([]Transition, n)}
	for i := range r.Transitions {
		if r.Transitions[i], err = decodeTransition(d); err != nil {
			return nil, err
		}
	}

	if err := d.done(); err != nil {
		return nil, err
	}

	return r, nil
}
