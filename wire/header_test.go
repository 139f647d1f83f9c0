package wire

import (
	"errors"
	"testing"
)

func testHeader() Header {
	return Header{
		CenterFrequency:  435000000,
		SampleRate:       2500000,
		SampleBytes:      2,
		SampleBits:       12,
		BlockSize:        1472,
		NbSamples:        1000,
		NbBlocks:         1,
		RemainderSamples: 264,
		NbCompleteBlocks: 2,
		TvSec:            1700000000,
		TvUsec:           123456,
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	hdr := testHeader()
	buf := make([]byte, HeaderLen)
	if err := hdr.EncodeTo(buf); err != nil {
		t.Fatalf("EncodeTo: %v", err)
	}
	if got := Checksum(buf[:HeaderLen-8]); got != hdr.CRC {
		t.Errorf("stored CRC %#x does not cover header prefix (recompute %#x)", hdr.CRC, got)
	}

	got, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if got != hdr {
		t.Errorf("DecodeHeader = %+v, want %+v", got, hdr)
	}
	if err := got.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestHeaderChecksumSensitivity(t *testing.T) {
	hdr := testHeader()
	buf := make([]byte, HeaderLen)
	if err := hdr.EncodeTo(buf); err != nil {
		t.Fatalf("EncodeTo: %v", err)
	}

	for byteIdx := 0; byteIdx < HeaderLen; byteIdx++ {
		for bit := 0; bit < 8; bit++ {
			flipped := make([]byte, HeaderLen)
			copy(flipped, buf)
			flipped[byteIdx] ^= 1 << bit
			if _, err := DecodeHeader(flipped); !errors.Is(err, ErrBadChecksum) {
				t.Fatalf("bit flip at byte %d bit %d: got err %v, want ErrBadChecksum", byteIdx, bit, err)
			}
		}
	}
}

func TestHeaderDecodeShort(t *testing.T) {
	if _, err := DecodeHeader(make([]byte, HeaderLen-1)); !errors.Is(err, ErrShortHeader) {
		t.Errorf("DecodeHeader(short) = %v, want ErrShortHeader", err)
	}
}

func TestHeaderFlagsNibble(t *testing.T) {
	hdr := testHeader()
	hdr.Flags = FlagCompressed
	// Compressed headers count bytes: 1000 samples * 4 bytes fits well
	// under two blocks once compressed, pick arbitrary consistent values.
	hdr.NbCompleteBlocks = 1
	hdr.RemainderSamples = 212

	buf := make([]byte, HeaderLen)
	if err := hdr.EncodeTo(buf); err != nil {
		t.Fatalf("EncodeTo: %v", err)
	}
	if buf[12] != 2|FlagCompressed<<4 {
		t.Errorf("sampleBytes octet = %#x, want low nibble 2, high nibble compressed", buf[12])
	}
	got, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if !got.Compressed() || got.SampleBytes != 2 {
		t.Errorf("decoded flags/bytes = %#x/%d, want compressed with 2 byte components", got.Flags, got.SampleBytes)
	}
}

func TestBlockArithmetic(t *testing.T) {
	for _, tc := range []struct {
		name        string
		blockSize   int
		sampleBytes uint8
		nbSamples   int
		wantSPB     int
		wantFull    int
		wantRem     int
	}{
		{"mtu 1472 with 1000 samples", 1472, 2, 1000, 368, 2, 264},
		{"exact multiple", 1472, 2, 736, 368, 2, 0},
		{"single partial block", 1472, 2, 100, 368, 0, 100},
		{"empty batch", 1472, 2, 0, 368, 0, 0},
		{"one byte components", 512, 1, 1000, 256, 3, 232},
	} {
		t.Run(tc.name, func(t *testing.T) {
			spb := SamplesPerBlock(tc.blockSize, tc.sampleBytes)
			if spb != tc.wantSPB {
				t.Fatalf("SamplesPerBlock = %d, want %d", spb, tc.wantSPB)
			}
			full := tc.nbSamples / spb
			rem := tc.nbSamples % spb
			if full != tc.wantFull || rem != tc.wantRem {
				t.Errorf("blocks = %d rem %d, want %d rem %d", full, rem, tc.wantFull, tc.wantRem)
			}
			if full*spb+rem != tc.nbSamples {
				t.Errorf("invariant broken: %d*%d+%d != %d", full, spb, rem, tc.nbSamples)
			}
			if rem >= spb {
				t.Errorf("remainder %d not smaller than samples per block %d", rem, spb)
			}
		})
	}
}

func TestHeaderValidate(t *testing.T) {
	for _, tc := range []struct {
		name    string
		mutate  func(*Header)
		wantErr error
	}{
		{"valid", func(h *Header) {}, nil},
		{"zero block size", func(h *Header) { h.BlockSize = 0 }, ErrBadBlockSize},
		{"zero sample bytes", func(h *Header) { h.SampleBytes = 0 }, ErrInconsistent},
		{"oversized sample bytes", func(h *Header) { h.SampleBytes = 9 }, ErrInconsistent},
		{"remainder too large", func(h *Header) { h.RemainderSamples = 368 }, ErrInconsistent},
		{"count mismatch", func(h *Header) { h.NbCompleteBlocks = 3 }, ErrInconsistent},
	} {
		t.Run(tc.name, func(t *testing.T) {
			hdr := testHeader()
			tc.mutate(&hdr)
			err := hdr.Validate()
			if tc.wantErr == nil {
				if err != nil {
					t.Errorf("Validate = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("Validate = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestSameConfigIgnoresPerFrameFields(t *testing.T) {
	a := testHeader()
	b := a
	b.NbSamples = 500
	b.NbCompleteBlocks = 1
	b.RemainderSamples = 132
	b.TvSec++
	b.TvUsec += 100
	if !a.SameConfig(&b) {
		t.Error("SameConfig = false for headers differing only in per-frame fields")
	}
	b.CenterFrequency++
	if a.SameConfig(&b) {
		t.Error("SameConfig = true for headers with different center frequency")
	}
}
