package vdaf

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math/bits"
)

// Modulus is the prime 2^64 - 2^32 + 1. All share arithmetic happens in the
// field of integers mod this prime; its structure makes reduction a handful
// of shifts and adds on 64-bit words.
const Modulus uint64 = 0xFFFFFFFF00000001

// epsilon is 2^64 mod Modulus.
const epsilon uint64 = 0xFFFFFFFF

// Add returns a + b mod Modulus. Inputs must be canonical (< Modulus).
func Add(a, b uint64) uint64 {
	s, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		s += epsilon
	}

	if s >= Modulus {
		s -= Modulus
	}

	return s
}

// Sub returns a - b mod Modulus.
func Sub(a, b uint64) uint64 {
	d, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		d -= epsilon
	}

	return d
}

// Neg returns -a mod Modulus.
func Neg(a uint64) uint64 {
	if a == 0 {
		return 0
	}

	return Modulus - a
}

// Mul returns a * b mod Modulus.
func Mul(a, b uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	return reduce128(hi, lo)
}

// reduce128 folds a 128-bit value into the field using
// 2^64 ≡ 2^32 - 1 and 2^96 ≡ -1 (mod Modulus).
func reduce128(hi, lo uint64) uint64 {
	hiHi := hi >> 32
	hiLo := hi & epsilon

	r, borrow := bits.Sub64(lo, hiHi, 0)
	if borrow != 0 {
		r -= epsilon
	}

	t := hiLo*(1<<32) - hiLo

	r, carry := bits.Add64(r, t, 0)
	if carry != 0 {
		r += epsilon
	}

	if r >= Modulus {
		r -= Modulus
	}

	return r
}

// Pow returns a^e mod Modulus by square-and-multiply.
func Pow(a, e uint64) uint64 {
	result := uint64(1)
	base := a

	for e > 0 {
		if e&1 == 1 {
			result = Mul(result, base)
		}
		base = Mul(base, base)
		e >>= 1
	}

	return result
}

// Inv returns the multiplicative inverse of a. Inv(0) is 0.
func Inv(a uint64) uint64 {
	return Pow(a, Modulus-2)
}

// AddVec adds src into dst element-wise. Lengths must match.
func AddVec(dst, src []uint64) error {
	if len(dst) != len(src) {
		return fmt.Errorf("vector length mismatch: %d != %d", len(dst), len(src))
	}

	for i := range dst {
		dst[i] = Add(dst[i], src[i])
	}

	return nil
}

// randElement samples a uniform field element from crypto/rand.
func randElement() (uint64, error) {
	var buf [8]byte

	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("read random: %w", err)
		}

		v := binary.BigEndian.Uint64(buf[:])
		if v < Modulus {
			return v, nil
		}
	}
}

// randVector samples a uniform vector of n field elements.
func randVector(n int) ([]uint64, error) {
	v := make([]uint64, n)

	for i := range v {
		e, err := randElement()
		if err != nil {
			return nil, err
		}
		v[i] = e
	}

	return v, nil
}
