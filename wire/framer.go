package wire

import (
	"fmt"
	"math"
	"net"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/klauspost/compress/zstd"

	"github.com/iqcast/iqcast/sdr"
)

// DatagramWriter is the transport side of the framer. Sends are
// best-effort; the framer never retries.
type DatagramWriter interface {
	WriteDatagram(p []byte) error
}

// UDPWriter sends datagrams to a fixed remote address.
type UDPWriter struct {
	Conn *net.UDPConn
}

func DialUDP(addr string) (*UDPWriter, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}
	return &UDPWriter{Conn: conn}, nil
}

func (w *UDPWriter) WriteDatagram(p []byte) error {
	_, err := w.Conn.Write(p)
	return err
}

func (w *UDPWriter) Close() error {
	return w.Conn.Close()
}

// FramerStats are cumulative send-side counters, safe for concurrent
// reads while the framer is running.
type FramerStats struct {
	Frames     uint64
	Datagrams  uint64
	Bytes      uint64
	SendErrors uint64
}

// Framer packs capture batches into datagram sequences: one header
// datagram, the complete payload blocks in batch order, then a
// zero-padded remainder block.
type Framer struct {
	w         DatagramWriter
	blockSize int

	// compressMin enables compression for frames of at least that many
	// payload bytes; zero disables it.
	compressMin int
	enc         *zstd.Encoder
	zbuf        []byte

	hdrBuf []byte
	padBuf []byte
	rawBuf []byte

	lastHeader    Header
	haveLast      bool
	lastNbSamples uint32

	frames     atomic.Uint64
	datagrams  atomic.Uint64
	bytes      atomic.Uint64
	sendErrors atomic.Uint64
}

// NewFramer creates a framer sending blockSize-byte datagrams through w.
// compressMin > 0 turns on zstd compression for frames of at least that
// many raw payload bytes.
func NewFramer(w DatagramWriter, blockSize int, compressMin int) (*Framer, error) {
	if blockSize < HeaderLen {
		return nil, fmt.Errorf("block size %d smaller than header length %d", blockSize, HeaderLen)
	}
	// The header stores the block size as uint16.
	if blockSize > math.MaxUint16 {
		return nil, fmt.Errorf("block size %d exceeds %d", blockSize, math.MaxUint16)
	}
	f := &Framer{
		w:           w,
		blockSize:   blockSize,
		compressMin: compressMin,
		hdrBuf:      make([]byte, blockSize),
		padBuf:      make([]byte, blockSize),
	}
	if compressMin > 0 {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, err
		}
		f.enc = enc
	}
	return f, nil
}

// Stats returns a snapshot of the send counters.
func (f *Framer) Stats() FramerStats {
	return FramerStats{
		Frames:     f.frames.Load(),
		Datagrams:  f.datagrams.Load(),
		Bytes:      f.bytes.Load(),
		SendErrors: f.sendErrors.Load(),
	}
}

// Emit frames and sends one batch. Send failures on individual
// datagrams are logged and counted but do not abort the rest of the
// frame; the first such error is returned once all sends were tried.
func (f *Framer) Emit(batch sdr.Batch, cfg sdr.Config, ts time.Time) error {
	if cfg.SampleBytes != 2 {
		return fmt.Errorf("unsupported sample width: %d bytes per component", cfg.SampleBytes)
	}

	raw := f.pack(batch)
	payload := raw
	var flags uint8
	if f.enc != nil && len(raw) >= f.compressMin {
		f.zbuf = f.enc.EncodeAll(raw, f.zbuf[:0])
		payload = f.zbuf
		flags = FlagCompressed
	}

	hdr := Header{
		CenterFrequency: cfg.CenterFrequency,
		SampleRate:      cfg.SampleRate,
		SampleBytes:     cfg.SampleBytes,
		SampleBits:      cfg.SampleBits,
		BlockSize:       uint16(f.blockSize),
		NbSamples:       uint32(len(batch)),
		NbBlocks:        1,
		TvSec:           uint32(ts.Unix()),
		TvUsec:          uint32(ts.Nanosecond() / 1000),
		Flags:           flags,
	}

	// The stride is the number of meaningful bytes per payload
	// datagram. Compressed frames count raw bytes, uncompressed frames
	// count whole samples.
	var stride int
	if flags&FlagCompressed != 0 {
		stride = f.blockSize
		hdr.NbCompleteBlocks = uint16(len(payload) / stride)
		hdr.RemainderSamples = uint16(len(payload) % stride)
	} else {
		spb := SamplesPerBlock(f.blockSize, cfg.SampleBytes)
		stride = spb * 2 * int(cfg.SampleBytes)
		hdr.NbCompleteBlocks = uint16(len(batch) / spb)
		hdr.RemainderSamples = uint16(len(batch) % spb)
	}

	if hdr.NbSamples != f.lastNbSamples {
		glog.Infof("frame size now %d samples, %d bytes per frame\n",
			hdr.NbSamples, int(hdr.NbSamples)*2*int(cfg.SampleBytes))
		f.lastNbSamples = hdr.NbSamples
	}
	if !f.haveLast || !hdr.SameConfig(&f.lastHeader) {
		glog.Infof("meta: %s\n", hdr.String())
	}
	f.lastHeader = hdr
	f.haveLast = true

	clear(f.hdrBuf)
	if err := hdr.EncodeTo(f.hdrBuf); err != nil {
		return err
	}

	var firstErr error
	send := func(p []byte) {
		if err := f.w.WriteDatagram(p); err != nil {
			f.sendErrors.Add(1)
			glog.Warningf("datagram send failed: %s\n", err)
			if firstErr == nil {
				firstErr = err
			}
			return
		}
		f.datagrams.Add(1)
		f.bytes.Add(uint64(len(p)))
	}

	send(f.hdrBuf)
	for i := 0; i < int(hdr.NbCompleteBlocks); i++ {
		block := payload[i*stride : (i+1)*stride]
		if stride == f.blockSize {
			send(block)
			continue
		}
		// Narrow samples leave a tail; pad deterministically.
		clear(f.padBuf)
		copy(f.padBuf, block)
		send(f.padBuf)
	}
	if hdr.RemainderSamples > 0 {
		rem := payload[int(hdr.NbCompleteBlocks)*stride:]
		clear(f.padBuf)
		copy(f.padBuf, rem)
		send(f.padBuf)
	}

	f.frames.Add(1)
	return firstErr
}

// pack interleaves the batch into little-endian int16 component pairs,
// reusing the framer's scratch buffer.
func (f *Framer) pack(batch sdr.Batch) []byte {
	need := len(batch) * 4
	if cap(f.rawBuf) < need {
		f.rawBuf = make([]byte, need)
	}
	f.rawBuf = f.rawBuf[:need]
	for i, s := range batch {
		f.rawBuf[i*4] = byte(s.I)
		f.rawBuf[i*4+1] = byte(uint16(s.I) >> 8)
		f.rawBuf[i*4+2] = byte(s.Q)
		f.rawBuf[i*4+3] = byte(uint16(s.Q) >> 8)
	}
	return f.rawBuf
}
