package vdaf

import (
	"encoding/binary"
	"fmt"

	"github.com/zeebo/blake3"
)

// queryRand is the verifier-side randomness for one report: the evaluation
// point for the proof polynomials and the base of the fold coefficients.
// Both aggregators derive identical values from the task verify key and the
// report identifier, so neither the client nor one aggregator alone can
// steer them.
type queryRand struct {
	point uint64 // point is outside the wire interpolation points 0..n
	fold  uint64 // fold is nonzero
}

// deriveQueryRand expands the per-task verify key into query randomness
// bound to one report. n is the number of wire interpolation calls.
func deriveQueryRand(verifyKey [32]byte, reportID [16]byte, n int) (queryRand, error) {
	h, err := blake3.NewKeyed(verifyKey[:])
	if err != nil {
		return queryRand{}, fmt.Errorf("keyed hasher: %w", err)
	}

	h.Write([]byte("query rand v1"))
	h.Write(reportID[:])
	d := h.Digest()

	var qr queryRand

	// The evaluation point must miss the interpolation points, otherwise
	// the gadget identity holds trivially and the check proves nothing.
	qr.point, err = sampleField(d, func(v uint64) bool { return v > uint64(n) })
	if err != nil {
		return queryRand{}, err
	}

	qr.fold, err = sampleField(d, func(v uint64) bool { return v != 0 })
	if err != nil {
		return queryRand{}, err
	}

	return qr, nil
}

// sampleField draws canonical field elements from the XOF until accept holds.
func sampleField(d *blake3.Digest, accept func(uint64) bool) (uint64, error) {
	var buf [8]byte

	for {
		if _, err := d.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("read xof: %w", err)
		}

		v := binary.BigEndian.Uint64(buf[:])
		if v < Modulus && accept(v) {
			return v, nil
		}
	}
}
