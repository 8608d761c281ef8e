// Package vdaf implements the verifiable aggregation primitive: pluggable
// schemes that let the two aggregators validate secret-shared measurements
// without reconstructing them, and combine the surviving shares into batch
// aggregates. All schemes here run over the 64-bit prime field and finish
// after one continuation round.
package vdaf

import (
	"encoding/binary"
	"fmt"
)

// Role selects which half of the protocol a party runs. The leader carries
// the circuit's constant terms so they enter the computation exactly once.
type Role uint8

const (
	RoleLeader Role = iota
	RoleHelper
)

// String returns the role name for logs.
func (r Role) String() string {
	switch r {
	case RoleLeader:
		return "leader"
	case RoleHelper:
		return "helper"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// Peer returns the opposite role.
func (r Role) Peer() Role {
	if r == RoleLeader {
		return RoleHelper
	}

	return RoleLeader
}

// PrepStatus is the outcome of one preparation step.
type PrepStatus uint8

const (
	PrepContinued PrepStatus = iota // More rounds needed
	PrepFinished                    // Output share released
	PrepRejected                    // Share failed verification
)

// PrepState is one party's preparation state for one report between rounds.
// It is serialized as-is by the helper, which persists states across the
// round trip to the leader.
type PrepState struct {
	SchemeID uint32   // SchemeID guards against cross-scheme reuse
	Verifier []uint64 // Verifier is this party's verifier share
	Output   []uint64 // Output is the output share released on acceptance
}

// PrepResult is the outcome of PrepNext.
type PrepResult struct {
	Status   PrepStatus // Status selects which fields are set
	State    *PrepState // State is set for Continued
	Outbound []byte     // Outbound is the next message for Continued
	Output   []uint64   // Output is the output share for Finished
	Reason   string     // Reason describes a Rejected outcome
}

// Scheme is a verifiable aggregation scheme. One concrete implementation
// exists per supported measurement type; task configurations select among
// them by identifier.
type Scheme interface {
	// ID returns the wire-stable scheme identifier.
	ID() uint32
	// Name returns the scheme name used in logs.
	Name() string
	// Rounds returns the number of continuation rounds after init.
	Rounds() int
	// AggregateLen returns the length of output and aggregate shares.
	AggregateLen() int
	// Shard splits a measurement into one encoded input share per
	// aggregator, leader first.
	Shard(measurement uint64) ([][]byte, error)
	// PrepInit starts preparing one report share. It returns the party's
	// state and its first outbound message.
	PrepInit(verifyKey [32]byte, role Role, reportID [16]byte, aggParam, inputShare []byte) (*PrepState, []byte, error)
	// PrepNext consumes the peer's message and advances one round.
	PrepNext(state *PrepState, inbound []byte) (*PrepResult, error)
}

// Combine folds an output share into a batch accumulator in place.
// Element-wise field addition: associative and commutative, so the order in
// which concurrent finalizations land cannot change the result.
func Combine(acc, out []uint64) error {
	return AddVec(acc, out)
}

// Unshard reconstructs the plaintext aggregate from both parties' aggregate
// shares.
func Unshard(leader, helper []uint64) ([]uint64, error) {
	if len(leader) != len(helper) {
		return nil, fmt.Errorf("aggregate share length mismatch: %d != %d", len(leader), len(helper))
	}

	out := make([]uint64, len(leader))
	for i := range out {
		out[i] = Add(leader[i], helper[i])
	}

	return out, nil
}

// flpBase carries the shared preparation logic for all range-check schemes.
// proj selects the output share: nil releases the measurement share as-is,
// otherwise the single dot product with proj.
type flpBase struct {
	id     uint32
	name   string
	params flpParams
	proj   []uint64
}

func (b *flpBase) ID() uint32 {
	return b.id
}

func (b *flpBase) Name() string {
	return b.name
}

func (b *flpBase) Rounds() int {
	return 1
}

func (b *flpBase) AggregateLen() int {
	if b.proj != nil {
		return 1
	}

	return b.params.n
}

// shard proves the full measurement vector and splits input and proof
// additively between the aggregators.
func (b *flpBase) shard(u []uint64) ([][]byte, error) {
	proof, err := b.params.prove(u)
	if err != nil {
		return nil, err
	}

	leaderInput, err := randVector(len(u))
	if err != nil {
		return nil, err
	}

	leaderProof, err := randVector(len(proof))
	if err != nil {
		return nil, err
	}

	helperInput := make([]uint64, len(u))
	for i := range u {
		helperInput[i] = Sub(u[i], leaderInput[i])
	}

	helperProof := make([]uint64, len(proof))
	for i := range proof {
		helperProof[i] = Sub(proof[i], leaderProof[i])
	}

	return [][]byte{
		encodeInputShare(leaderInput, leaderProof),
		encodeInputShare(helperInput, helperProof),
	}, nil
}

func (b *flpBase) PrepInit(verifyKey [32]byte, role Role, reportID [16]byte, aggParam, inputShare []byte) (*PrepState, []byte, error) {
	if len(aggParam) != 0 {
		return nil, nil, fmt.Errorf("unexpected aggregation parameter (%d bytes)", len(aggParam))
	}

	input, proof, err := decodeInputShare(inputShare, b.params.n, b.params.proofLen())
	if err != nil {
		return nil, nil, fmt.Errorf("decode input share: %w", err)
	}

	qr, err := deriveQueryRand(verifyKey, reportID, b.params.n)
	if err != nil {
		return nil, nil, err
	}

	verifier := b.params.queryShare(role, qr, input, proof)

	state := &PrepState{
		SchemeID: b.id,
		Verifier: verifier,
		Output:   b.outputShare(input),
	}

	return state, EncodeVerifierShare(verifier), nil
}

func (b *flpBase) PrepNext(state *PrepState, inbound []byte) (*PrepResult, error) {
	if state == nil || state.SchemeID != b.id {
		return nil, fmt.Errorf("prep state does not belong to scheme %d", b.id)
	}
	if len(state.Verifier) != verifierLen {
		return nil, fmt.Errorf("corrupt prep state: verifier length %d", len(state.Verifier))
	}

	peer, err := DecodeVerifierShare(inbound)
	if err != nil {
		return nil, fmt.Errorf("decode peer verifier: %w", err)
	}

	combined := make([]uint64, verifierLen)
	for i := range combined {
		combined[i] = Add(state.Verifier[i], peer[i])
	}

	if !decide(combined) {
		return &PrepResult{Status: PrepRejected, Reason: "proof verification failed"}, nil
	}

	return &PrepResult{Status: PrepFinished, Output: state.Output}, nil
}

func (b *flpBase) outputShare(input []uint64) []uint64 {
	if b.proj == nil {
		out := make([]uint64, len(input))
		copy(out, input)

		return out
	}

	acc := uint64(0)
	for i := range input {
		acc = Add(acc, Mul(b.proj[i], input[i]))
	}

	return []uint64{acc}
}

// Input shares carry the measurement share and the proof share.
// Format: [u32 n] [n*8B] [u32 m] [m*8B], big-endian, canonical elements.

func encodeInputShare(input, proof []uint64) []byte {
	buf := make([]byte, 0, 8+(len(input)+len(proof))*8)
	buf = appendVec(buf, input)
	buf = appendVec(buf, proof)

	return buf
}

func decodeInputShare(data []byte, wantInput, wantProof int) ([]uint64, []uint64, error) {
	input, rest, err := readVec(data, wantInput)
	if err != nil {
		return nil, nil, err
	}

	proof, rest, err := readVec(rest, wantProof)
	if err != nil {
		return nil, nil, err
	}

	if len(rest) != 0 {
		return nil, nil, fmt.Errorf("trailing bytes: %d", len(rest))
	}

	return input, proof, nil
}

// EncodeVerifierShare serializes a verifier share as 32 fixed bytes.
func EncodeVerifierShare(v []uint64) []byte {
	buf := make([]byte, verifierLen*8)
	for i, e := range v {
		binary.BigEndian.PutUint64(buf[i*8:], e)
	}

	return buf
}

// DecodeVerifierShare parses and validates a peer verifier share.
func DecodeVerifierShare(data []byte) ([]uint64, error) {
	if len(data) != verifierLen*8 {
		return nil, fmt.Errorf("verifier share length %d, want %d", len(data), verifierLen*8)
	}

	out := make([]uint64, verifierLen)
	for i := range out {
		e := binary.BigEndian.Uint64(data[i*8:])
		if e >= Modulus {
			return nil, fmt.Errorf("element %d not canonical", i)
		}
		out[i] = e
	}

	return out, nil
}

func appendVec(buf []byte, v []uint64) []byte {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(v)))
	buf = append(buf, n[:]...)

	var e [8]byte
	for _, x := range v {
		binary.BigEndian.PutUint64(e[:], x)
		buf = append(buf, e[:]...)
	}

	return buf
}

func readVec(data []byte, want int) ([]uint64, []byte, error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("truncated vector header")
	}

	n := int(binary.BigEndian.Uint32(data))
	if n != want {
		return nil, nil, fmt.Errorf("vector length %d, want %d", n, want)
	}

	data = data[4:]
	if len(data) < n*8 {
		return nil, nil, fmt.Errorf("truncated vector: need %d bytes, have %d", n*8, len(data))
	}

	out := make([]uint64, n)
	for i := range out {
		e := binary.BigEndian.Uint64(data[i*8:])
		if e >= Modulus {
			return nil, nil, fmt.Errorf("element %d not canonical", i)
		}
		out[i] = e
	}

	return out, data[n*8:], nil
}
