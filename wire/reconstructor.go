package wire

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/golang/glog"
	"github.com/klauspost/compress/zstd"

	"github.com/iqcast/iqcast/sdr"
)

// EventKind classifies the outcome of ingesting one datagram.
type EventKind int

const (
	// EventContinue: the datagram was consumed with no externally
	// visible effect yet.
	EventContinue EventKind = iota
	// EventHeaderChanged: a header with a new capture configuration
	// was accepted.
	EventHeaderChanged
	// EventSamplesReady: a full frame was reassembled.
	EventSamplesReady
	// EventChecksumMismatch: an expected header failed its checksum.
	EventChecksumMismatch
	// EventOutOfSync: framing was lost; the reconstructor is searching
	// for the next valid header.
	EventOutOfSync
)

func (k EventKind) String() string {
	switch k {
	case EventContinue:
		return "continue"
	case EventHeaderChanged:
		return "header-changed"
	case EventSamplesReady:
		return "samples-ready"
	case EventChecksumMismatch:
		return "checksum-mismatch"
	case EventOutOfSync:
		return "out-of-sync"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is what one ingested datagram produced. Header is meaningful
// for EventHeaderChanged, Samples for EventSamplesReady, Err carries
// detail for the two failure kinds.
type Event struct {
	Kind    EventKind
	Header  Header
	Samples sdr.Batch
	Err     error
}

// ReconstructorStats are cumulative receive-side counters.
type ReconstructorStats struct {
	Frames        uint64
	Datagrams     uint64
	Resyncs       uint64
	CRCFailures   uint64
	HeaderEvents  uint64
	DroppedFrames uint64
}

const (
	stateSearching = iota // no valid header accepted, every datagram is a header candidate
	stateHeader           // in sync, next datagram must be a header
	statePayload          // in sync, accumulating payload blocks
)

// Reconstructor turns a lossy, order-preserving datagram stream back
// into sample batches. Loss costs the affected frame, never the stream:
// because datagram boundaries survive UDP, resynchronization is just
// checksum-testing each datagram as a header candidate until one
// validates.
//
// Payload blocks carry no index; they are placed by arrival order.
// Reordering within a frame corrupts that frame silently.
type Reconstructor struct {
	state int

	current Header
	spb     int // samples per block for the current header
	buf     []byte
	cursor  int
	blocks  int // payload datagrams consumed for the current frame

	lastAccepted Header
	haveAccepted bool

	dec *zstd.Decoder

	frames      atomic.Uint64
	datagrams   atomic.Uint64
	resyncs     atomic.Uint64
	crcFailures atomic.Uint64
	headers     atomic.Uint64
	dropped     atomic.Uint64
}

func NewReconstructor() (*Reconstructor, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	return &Reconstructor{state: stateSearching, dec: dec}, nil
}

// Stats returns a snapshot of the receive counters.
func (r *Reconstructor) Stats() ReconstructorStats {
	return ReconstructorStats{
		Frames:        r.frames.Load(),
		Datagrams:     r.datagrams.Load(),
		Resyncs:       r.resyncs.Load(),
		CRCFailures:   r.crcFailures.Load(),
		HeaderEvents:  r.headers.Load(),
		DroppedFrames: r.dropped.Load(),
	}
}

// Synced reports whether a valid header is currently accepted.
func (r *Reconstructor) Synced() bool {
	return r.state != stateSearching
}

// CurrentHeader returns the last accepted header.
func (r *Reconstructor) CurrentHeader() (Header, bool) {
	return r.lastAccepted, r.haveAccepted
}

// Ingest consumes one datagram and advances the state machine.
//
// Every datagram is first checksum-tested as a header candidate: a
// payload block passing a CRC-64 by accident is vanishingly unlikely,
// and testing unconditionally is what lets a header found mid-frame
// abandon the incomplete frame instead of being absorbed into it.
func (r *Reconstructor) Ingest(datagram []byte) Event {
	r.datagrams.Add(1)

	hdr, hdrErr := DecodeHeader(datagram)
	if hdrErr == nil {
		hdrErr = hdr.Validate()
	}
	if hdrErr == nil {
		if r.state == statePayload {
			glog.Warningf("frame dropped: header arrived after %d of %d payload blocks\n",
				r.blocks, r.current.PayloadBlocks())
			r.dropped.Add(1)
		}
		return r.accept(hdr)
	}

	switch r.state {
	case stateSearching:
		return Event{Kind: EventContinue}

	case stateHeader:
		// A header was due and this datagram is not one.
		r.desync()
		if errors.Is(hdrErr, ErrBadChecksum) {
			r.crcFailures.Add(1)
			return Event{Kind: EventChecksumMismatch, Err: hdrErr}
		}
		return Event{Kind: EventOutOfSync, Err: hdrErr}

	default: // statePayload
		if len(datagram) != int(r.current.BlockSize) {
			r.desync()
			return Event{Kind: EventOutOfSync,
				Err: fmt.Errorf("payload datagram length %d, want %d", len(datagram), r.current.BlockSize)}
		}
		n := r.blockBytes(r.blocks)
		copy(r.buf[r.cursor:r.cursor+n], datagram[:n])
		r.cursor += n
		r.blocks++
		if r.blocks < r.current.PayloadBlocks() {
			return Event{Kind: EventContinue}
		}
		return r.finish()
	}
}

// accept installs hdr as the current frame description. The caller has
// already validated it.
func (r *Reconstructor) accept(hdr Header) Event {
	changed := !r.haveAccepted || !hdr.SameConfig(&r.lastAccepted)
	r.current = hdr
	r.lastAccepted = hdr
	r.haveAccepted = true
	r.spb = SamplesPerBlock(int(hdr.BlockSize), hdr.SampleBytes)
	r.cursor = 0
	r.blocks = 0

	need := r.frameBytes()
	if cap(r.buf) < need {
		r.buf = make([]byte, need)
	}
	r.buf = r.buf[:need]

	empty := hdr.PayloadBlocks() == 0
	if empty {
		// Nothing to accumulate; stay ready for the next header.
		r.state = stateHeader
		r.frames.Add(1)
	} else {
		r.state = statePayload
	}

	if changed {
		r.headers.Add(1)
		glog.V(1).Infof("meta: %s\n", hdr.String())
		return Event{Kind: EventHeaderChanged, Header: hdr}
	}
	if empty {
		// Report zero-sample frames too, so every completed frame
		// surfaces as a batch.
		return Event{Kind: EventSamplesReady, Header: hdr, Samples: sdr.Batch{}}
	}
	return Event{Kind: EventContinue}
}

// finish reassembles the completed frame and re-arms for the next
// header.
func (r *Reconstructor) finish() Event {
	r.state = stateHeader

	raw := r.buf
	if r.current.Compressed() {
		out, err := r.dec.DecodeAll(raw, nil)
		if err != nil {
			r.desync()
			return Event{Kind: EventOutOfSync, Err: fmt.Errorf("decompress: %w", err)}
		}
		raw = out
	}
	want := int(r.current.NbSamples) * 2 * int(r.current.SampleBytes)
	if len(raw) != want {
		r.desync()
		return Event{Kind: EventOutOfSync,
			Err: fmt.Errorf("frame payload %d bytes, want %d", len(raw), want)}
	}

	batch, err := unpack(raw, r.current.SampleBytes)
	if err != nil {
		r.desync()
		return Event{Kind: EventOutOfSync, Err: err}
	}
	r.frames.Add(1)
	return Event{Kind: EventSamplesReady, Samples: batch}
}

// blockBytes is how many bytes of payload datagram i are meaningful.
func (r *Reconstructor) blockBytes(i int) int {
	if r.current.Compressed() {
		if i < int(r.current.NbCompleteBlocks) {
			return int(r.current.BlockSize)
		}
		return int(r.current.RemainderSamples) // leftover bytes
	}
	if i < int(r.current.NbCompleteBlocks) {
		return r.spb * 2 * int(r.current.SampleBytes)
	}
	return int(r.current.RemainderSamples) * 2 * int(r.current.SampleBytes)
}

// frameBytes is the assembled payload size for the current header.
func (r *Reconstructor) frameBytes() int {
	if r.current.Compressed() {
		return int(r.current.NbCompleteBlocks)*int(r.current.BlockSize) +
			int(r.current.RemainderSamples)
	}
	return int(r.current.NbSamples) * 2 * int(r.current.SampleBytes)
}

func (r *Reconstructor) desync() {
	r.state = stateSearching
	r.resyncs.Add(1)
}

// unpack decodes interleaved little-endian component pairs. Components
// narrower than 16 bits arrive sign-extended by the sender, so only the
// 1- and 2-byte encodings occur in practice.
func unpack(raw []byte, sampleBytes uint8) (sdr.Batch, error) {
	switch sampleBytes {
	case 1:
		batch := make(sdr.Batch, len(raw)/2)
		for i := range batch {
			batch[i] = sdr.Sample{I: int16(int8(raw[i*2])), Q: int16(int8(raw[i*2+1]))}
		}
		return batch, nil
	case 2:
		batch := make(sdr.Batch, len(raw)/4)
		for i := range batch {
			batch[i] = sdr.Sample{
				I: int16(uint16(raw[i*4]) | uint16(raw[i*4+1])<<8),
				Q: int16(uint16(raw[i*4+2]) | uint16(raw[i*4+3])<<8),
			}
		}
		return batch, nil
	}
	return nil, fmt.Errorf("unsupported sample width: %d bytes per component", sampleBytes)
}
