package network

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

const (
	// maxFrameSize is the maximum allowed frame body size (16 MB).
	maxFrameSize = 16 << 20

	// compressThreshold is the body size above which frames are
	// zstd-compressed before sending.
	compressThreshold = 4 << 10
)

// Frame compression flags.
const (
	flagRaw  = 0x00
	flagZstd = 0x01
)

// writeFrame writes one length-prefixed frame to the writer.
// Format: [4 bytes big-endian length] [1 byte flag] [body], where the length
// covers the flag byte and the body. Bodies at or above the compression
// threshold are zstd-compressed when that actually shrinks them.
func writeFrame(w io.Writer, data []byte) error {
	flag := byte(flagRaw)
	body := data

	if len(body) >= compressThreshold {
		compressed, err := compress(body)
		if err != nil {
			return fmt.Errorf("compress frame:\n%w", err)
		}

		if len(compressed) < len(body) {
			flag = flagZstd
			body = compressed
		}
	}

	if len(body) > maxFrameSize {
		return fmt.Errorf("frame too large: %d > %d", len(body), maxFrameSize)
	}

	var header [5]byte
	binary.BigEndian.PutUint32(header[:4], uint32(len(body)+1))
	header[4] = flag

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write body: %w", err)
	}

	return nil
}

// readFrame reads one length-prefixed frame from the reader.
func readFrame(r io.Reader) ([]byte, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, fmt.Errorf("read length: %w", err)
	}

	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	if length > maxFrameSize+1 {
		return nil, fmt.Errorf("frame too large: %d > %d", length, maxFrameSize)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	body := buf[1:]

	switch buf[0] {
	case flagRaw:
		return body, nil
	case flagZstd:
		data, err := decompress(body)
		if err != nil {
			return nil, fmt.Errorf("decompress frame:\n%w", err)
		}

		return data, nil
	default:
		return nil, fmt.Errorf("unknown compression flag: 0x%02x", buf[0])
	}
}

// compress compresses a frame body using zstd.
func compress(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create encoder:\n%w", err)
	}
	defer encoder.Close()

	return encoder.EncodeAll(data, nil), nil
}

// decompress decompresses a zstd-compressed frame body. Decoded output is
// capped at the frame size limit.
func decompress(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxFrameSize))
	if err != nil {
		return nil, fmt.Errorf("create decoder:\n%w", err)
	}
	defer decoder.Close()

	return decoder.DecodeAll(data, nil)
}
