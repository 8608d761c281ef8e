package vdaf

import "fmt"

// Scheme identifiers (wire-stable).
const (
	SchemeCount     uint32 = 1
	SchemeSum       uint32 = 2
	SchemeHistogram uint32 = 3
)

// Parameter bounds. Proof size and preparation cost grow with the checked
// element count, so task validation rejects configurations past these.
const (
	MaxSumBits      = 63
	MaxHistogramLen = 1024
)

// FromConfig instantiates the scheme named by a task configuration.
func FromConfig(schemeID, param uint32) (Scheme, error) {
	switch schemeID {
	case SchemeCount:
		return NewCount(), nil
	case SchemeSum:
		return NewSum(param)
	case SchemeHistogram:
		return NewHistogram(param)
	default:
		return nil, fmt.Errorf("unknown scheme id: %d", schemeID)
	}
}

type countScheme struct {
	flpBase
}

// NewCount builds the scheme for boolean measurements: each report
// contributes 0 or 1 and the aggregate is the number of ones.
func NewCount() Scheme {
	return &countScheme{flpBase{
		id:     SchemeCount,
		name:   "count",
		params: flpParams{n: 1},
	}}
}

func (s *countScheme) Shard(m uint64) ([][]byte, error) {
	if m > 1 {
		return nil, fmt.Errorf("count measurement must be 0 or 1, got %d", m)
	}

	return s.shard([]uint64{m})
}

type sumScheme struct {
	flpBase
	bits int
}

// NewSum builds the scheme for integer measurements in [0, 2^bits); the
// aggregate is their sum in the field.
func NewSum(bits uint32) (Scheme, error) {
	if bits == 0 || bits > MaxSumBits {
		return nil, fmt.Errorf("sum bits %d out of range [1, %d]", bits, MaxSumBits)
	}

	// Bits are checked individually; the output share recombines them.
	proj := make([]uint64, bits)
	for i := range proj {
		proj[i] = 1 << uint(i)
	}

	return &sumScheme{
		flpBase: flpBase{
			id:     SchemeSum,
			name:   "sum",
			params: flpParams{n: int(bits)},
			proj:   proj,
		},
		bits: int(bits),
	}, nil
}

func (s *sumScheme) Shard(m uint64) ([][]byte, error) {
	if s.bits < 64 && m >= uint64(1)<<uint(s.bits) {
		return nil, fmt.Errorf("sum measurement %d out of range [0, 2^%d)", m, s.bits)
	}

	u := make([]uint64, s.bits)
	for i := range u {
		u[i] = (m >> uint(i)) & 1
	}

	return s.shard(u)
}

type histogramScheme struct {
	flpBase
	length int
}

// NewHistogram builds the scheme for categorical measurements: each report
// contributes a one-hot vector and the aggregate is the per-bucket counts.
func NewHistogram(length uint32) (Scheme, error) {
	if length == 0 || length > MaxHistogramLen {
		return nil, fmt.Errorf("histogram length %d out of range [1, %d]", length, MaxHistogramLen)
	}

	return &histogramScheme{
		flpBase: flpBase{
			id:     SchemeHistogram,
			name:   "histogram",
			params: flpParams{n: int(length), sumCheck: true},
		},
		length: int(length),
	}, nil
}

func (s *histogramScheme) Shard(m uint64) ([][]byte, error) {
	if m >= uint64(s.length) {
		return nil, fmt.Errorf("histogram bucket %d out of range [0, %d)", m, s.length)
	}

	u := make([]uint64, s.length)
	u[m] = 1

	return s.shard(u)
}
