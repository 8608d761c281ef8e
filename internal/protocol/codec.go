// Package protocol defines the wire messages exchanged between clients,
// the leader and the helper, and the error taxonomy shared by the engine.
// All encodings are hand-rolled: integers big-endian, short byte strings
// u16-length-prefixed, payload-sized byte strings u32-length-prefixed,
// lists u32-count-prefixed. The layout must stay bit-stable across both
// aggregator deployments.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// decoder walks an encoded message, validating lengths before every read.
type decoder struct {
	data []byte
	off  int
}

func newDecoder(data []byte) *decoder {
	return &decoder{data: data}
}

func (d *decoder) remaining() int {
	return len(d.data) - d.off
}

func (d *decoder) u8() (byte, error) {
	if d.remaining() < 1 {
		return 0, fmt.Errorf("truncated at %d: need 1, have 0", d.off)
	}

	b := d.data[d.off]
	d.off++

	return b, nil
}

func (d *decoder) u16() (uint16, error) {
	if d.remaining() < 2 {
		return 0, fmt.Errorf("truncated at %d: need 2, have %d", d.off, d.remaining())
	}

	v := binary.BigEndian.Uint16(d.data[d.off:])
	d.off += 2

	return v, nil
}

func (d *decoder) u32() (uint32, error) {
	if d.remaining() < 4 {
		return 0, fmt.Errorf("truncated at %d: need 4, have %d", d.off, d.remaining())
	}

	v := binary.BigEndian.Uint32(d.data[d.off:])
	d.off += 4

	return v, nil
}

func (d *decoder) u64() (uint64, error) {
	if d.remaining() < 8 {
		return 0, fmt.Errorf("truncated at %d: need 8, have %d", d.off, d.remaining())
	}

	v := binary.BigEndian.Uint64(d.data[d.off:])
	d.off += 8

	return v, nil
}

// fixed returns the next n bytes without copying.
func (d *decoder) fixed(n int) ([]byte, error) {
	if d.remaining() < n {
		return nil, fmt.Errorf("truncated at %d: need %d, have %d", d.off, n, d.remaining())
	}

	b := d.data[d.off : d.off+n]
	d.off += n

	return b, nil
}

// bytes16 reads a u16-length-prefixed byte string into a fresh slice.
func (d *decoder) bytes16() ([]byte, error) {
	n, err := d.u16()
	if err != nil {
		return nil, err
	}

	raw, err := d.fixed(int(n))
	if err != nil {
		return nil, err
	}

	out := make([]byte, n)
	copy(out, raw)

	return out, nil
}

// bytes32 reads a u32-length-prefixed byte string into a fresh slice.
func (d *decoder) bytes32() ([]byte, error) {
	n, err := d.u32()
	if err != nil {
		return nil, err
	}

	if int(n) > d.remaining() {
		return nil, fmt.Errorf("truncated at %d: need %d, have %d", d.off, n, d.remaining())
	}

	raw, err := d.fixed(int(n))
	if err != nil {
		return nil, err
	}

	out := make([]byte, n)
	copy(out, raw)

	return out, nil
}

// count reads a u32 list length and bounds it against the remaining bytes,
// assuming each element occupies at least minElem bytes.
func (d *decoder) count(minElem int) (int, error) {
	n, err := d.u32()
	if err != nil {
		return 0, err
	}

	if minElem > 0 && int(n) > d.remaining()/minElem {
		return 0, fmt.Errorf("count %d exceeds remaining %d bytes", n, d.remaining())
	}

	return int(n), nil
}

// done verifies the whole message was consumed.
func (d *decoder) done() error {
	if d.remaining() != 0 {
		return fmt.Errorf("trailing garbage: %d bytes at %d", d.remaining(), d.off)
	}

	return nil
}

// Encoding helpers. Append-based so callers can size buffers up front
// where the layout is fixed.

func appendU16(buf []byte, v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)

	return append(buf, b[:]...)
}

func appendU32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)

	return append(buf, b[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)

	return append(buf, b[:]...)
}

func appendBytes16(buf, b []byte) []byte {
	buf = appendU16(buf, uint16(len(b)))
	return append(buf, b...)
}

func appendBytes32(buf, b []byte) []byte {
	buf = appendU32(buf, uint32(len(b)))
	return append(buf, b...)
}

// AppendFieldVec appends a u32-count-prefixed vector of field elements.
func AppendFieldVec(buf []byte, v []uint64) []byte {
	buf = appendU32(buf, uint32(len(v)))
	for _, e := range v {
		buf = appendU64(buf, e)
	}

	return buf
}

// readFieldVec reads a u32-count-prefixed vector of field elements.
func (d *decoder) readFieldVec() ([]uint64, error) {
	n, err := d.count(8)
	if err != nil {
		return nil, err
	}

	out := make([]uint64, n)
	for i := range out {
		out[i], err = d.u64()
		if err != nil {
			return nil, err
		}
	}

	return out, nil
}

// DecodeFieldVec decodes a standalone encoded field vector.
func DecodeFieldVec(data []byte) ([]uint64, error) {
	d := newDecoder(data)

	v, err := d.readFieldVec()
	if err != nil {
		return nil, err
	}

	if err := d.done(); err != nil {
		return nil, err
	}

	return v, nil
}
