// Package wire implements the iqcast UDP transport: a frame is one
// fixed-size header datagram followed by the payload datagrams carrying
// the raw interleaved I/Q samples of a single capture batch.
//
// Header datagram layout (little-endian, 42 bytes, remainder of the
// datagram is zero padding up to the session block size):
//
//	Offset | Size | Field
//	-------|------|--------------------------------------------------
//	0      | 8    | center frequency, Hz
//	8      | 4    | sample rate, Hz
//	12     | 1    | low nibble: bytes per sample component
//	       |      | high nibble: indicator flags (0x1 = compressed)
//	13     | 1    | effective sample resolution, bits
//	14     | 2    | block size (UDP payload bytes, fixed per session)
//	16     | 4    | number of samples in the frame's batch
//	20     | 2    | number of hardware blocks (always 1, reserved)
//	22     | 2    | samples in the final partial payload datagram
//	24     | 2    | number of completely filled payload datagrams
//	26     | 4    | capture timestamp, seconds
//	30     | 4    | capture timestamp, microseconds
//	34     | 8    | CRC-64/ECMA over bytes [0, 34)
//
// Payload datagrams are block-size bytes of interleaved I/Q components
// with no header of their own; their position in the frame is implicit
// in arrival order. When the compressed flag is set the payload is one
// zstd stream sliced into blocks, and the two block-count fields count
// compressed bytes (complete blocks, then leftover bytes) instead of
// samples.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc64"
)

// HeaderLen is the wire size of an encoded header in bytes.
const HeaderLen = 42

// checksumLen covers the trailing CRC field.
const checksumLen = 8

// FlagCompressed marks a frame whose payload bytes are one zstd stream.
const FlagCompressed = 0x1

var (
	ErrShortHeader  = errors.New("buffer shorter than header")
	ErrBadChecksum  = errors.New("header checksum mismatch")
	ErrInconsistent = errors.New("header block counts inconsistent")
	ErrBadBlockSize = errors.New("header block size invalid")
)

var crcTable = crc64.MakeTable(crc64.ECMA)

// Checksum is the header integrity function: CRC-64/ECMA over the given
// bytes. It detects corruption and desynchronization, nothing more.
func Checksum(b []byte) uint64 {
	return crc64.Checksum(b, crcTable)
}

// Header describes one frame. Two headers with equal field values
// describe the same capture configuration.
type Header struct {
	CenterFrequency  uint64
	SampleRate       uint32
	SampleBytes      uint8 // low nibble only; flags live in Flags
	SampleBits       uint8
	BlockSize        uint16
	NbSamples        uint32
	NbBlocks         uint16
	RemainderSamples uint16
	NbCompleteBlocks uint16
	TvSec            uint32
	TvUsec           uint32
	CRC              uint64

	Flags uint8 // high nibble of the sampleBytes octet
}

// SamplesPerBlock returns how many samples fit one payload datagram.
func SamplesPerBlock(blockSize int, sampleBytes uint8) int {
	if sampleBytes == 0 {
		return 0
	}
	return blockSize / (2 * int(sampleBytes))
}

// Compressed reports whether the frame's payload is a zstd stream.
func (h *Header) Compressed() bool {
	return h.Flags&FlagCompressed != 0
}

// PayloadBlocks is the number of payload datagrams the frame carries.
func (h *Header) PayloadBlocks() int {
	n := int(h.NbCompleteBlocks)
	if h.RemainderSamples > 0 {
		n++
	}
	return n
}

// SameConfig reports whether the capture configuration fields match.
// Timestamps and block counts are per-frame and do not participate.
func (h *Header) SameConfig(o *Header) bool {
	return h.CenterFrequency == o.CenterFrequency &&
		h.SampleRate == o.SampleRate &&
		h.SampleBytes == o.SampleBytes &&
		h.SampleBits == o.SampleBits &&
		h.BlockSize == o.BlockSize &&
		h.Flags == o.Flags
}

// EncodeTo writes the header into buf, computing and storing the CRC.
// buf must hold at least HeaderLen bytes; bytes beyond it are left
// untouched (the caller zero-pads the datagram).
func (h *Header) EncodeTo(buf []byte) error {
	if len(buf) < HeaderLen {
		return ErrShortHeader
	}
	binary.LittleEndian.PutUint64(buf[0:8], h.CenterFrequency)
	binary.LittleEndian.PutUint32(buf[8:12], h.SampleRate)
	buf[12] = h.SampleBytes&0x0F | h.Flags<<4
	buf[13] = h.SampleBits
	binary.LittleEndian.PutUint16(buf[14:16], h.BlockSize)
	binary.LittleEndian.PutUint32(buf[16:20], h.NbSamples)
	binary.LittleEndian.PutUint16(buf[20:22], h.NbBlocks)
	binary.LittleEndian.PutUint16(buf[22:24], h.RemainderSamples)
	binary.LittleEndian.PutUint16(buf[24:26], h.NbCompleteBlocks)
	binary.LittleEndian.PutUint32(buf[26:30], h.TvSec)
	binary.LittleEndian.PutUint32(buf[30:34], h.TvUsec)
	h.CRC = Checksum(buf[:HeaderLen-checksumLen])
	binary.LittleEndian.PutUint64(buf[34:42], h.CRC)
	return nil
}

// DecodeHeader parses buf as a header datagram, verifying the CRC.
func DecodeHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) < HeaderLen {
		return h, ErrShortHeader
	}
	h.CRC = binary.LittleEndian.Uint64(buf[34:42])
	if Checksum(buf[:HeaderLen-checksumLen]) != h.CRC {
		return h, ErrBadChecksum
	}
	h.CenterFrequency = binary.LittleEndian.Uint64(buf[0:8])
	h.SampleRate = binary.LittleEndian.Uint32(buf[8:12])
	h.SampleBytes = buf[12] & 0x0F
	h.Flags = buf[12] >> 4
	h.SampleBits = buf[13]
	h.BlockSize = binary.LittleEndian.Uint16(buf[14:16])
	h.NbSamples = binary.LittleEndian.Uint32(buf[16:20])
	h.NbBlocks = binary.LittleEndian.Uint16(buf[20:22])
	h.RemainderSamples = binary.LittleEndian.Uint16(buf[22:24])
	h.NbCompleteBlocks = binary.LittleEndian.Uint16(buf[24:26])
	h.TvSec = binary.LittleEndian.Uint32(buf[26:30])
	h.TvUsec = binary.LittleEndian.Uint32(buf[30:34])
	return h, nil
}

// Validate checks the arithmetic a decoded header must satisfy before it
// is accepted as the current frame description.
func (h *Header) Validate() error {
	if h.BlockSize == 0 {
		return ErrBadBlockSize
	}
	if h.SampleBytes == 0 || h.SampleBytes > 4 {
		return fmt.Errorf("%w: %d bytes per component", ErrInconsistent, h.SampleBytes)
	}
	if h.Compressed() {
		// Block counts are in compressed bytes: complete blocks plus
		// leftover bytes of the final datagram.
		if int(h.RemainderSamples) >= int(h.BlockSize) {
			return fmt.Errorf("%w: compressed remainder %d >= block size %d",
				ErrInconsistent, h.RemainderSamples, h.BlockSize)
		}
		return nil
	}
	spb := SamplesPerBlock(int(h.BlockSize), h.SampleBytes)
	if spb == 0 {
		return ErrBadBlockSize
	}
	if int(h.RemainderSamples) >= spb {
		return fmt.Errorf("%w: remainder %d >= samples per block %d",
			ErrInconsistent, h.RemainderSamples, spb)
	}
	if uint32(h.NbCompleteBlocks)*uint32(spb)+uint32(h.RemainderSamples) != h.NbSamples {
		return fmt.Errorf("%w: %d*%d+%d != %d",
			ErrInconsistent, h.NbCompleteBlocks, spb, h.RemainderSamples, h.NbSamples)
	}
	return nil
}

func (h *Header) String() string {
	return fmt.Sprintf("%d:%d:%d:%d:%d:%d|%d:%d:%d",
		h.CenterFrequency, h.SampleRate, h.SampleBytes, h.SampleBits,
		h.BlockSize, h.NbSamples, h.NbBlocks, h.RemainderSamples, h.NbCompleteBlocks)
}
