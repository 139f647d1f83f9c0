package wire

import (
	"testing"
	"time"

	"github.com/iqcast/iqcast/sdr"
)

// emitFrame runs one batch through a framer and returns the datagrams.
func emitFrame(t *testing.T, batch sdr.Batch, blockSize, compressMin int) [][]byte {
	t.Helper()
	w := &captureWriter{}
	f, err := NewFramer(w, blockSize, compressMin)
	if err != nil {
		t.Fatalf("NewFramer: %v", err)
	}
	if err := f.Emit(batch, testConfig(), time.Now()); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	return w.datagrams
}

func newTestReconstructor(t *testing.T) *Reconstructor {
	t.Helper()
	r, err := NewReconstructor()
	if err != nil {
		t.Fatalf("NewReconstructor: %v", err)
	}
	return r
}

func sameBatch(a, b sdr.Batch) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestReassemblyRoundTrip(t *testing.T) {
	batch := testBatch(1000)
	datagrams := emitFrame(t, batch, 1472, 0)
	r := newTestReconstructor(t)

	var got sdr.Batch
	for i, d := range datagrams {
		ev := r.Ingest(d)
		switch {
		case i == 0 && ev.Kind != EventHeaderChanged:
			t.Fatalf("datagram 0: event %s, want header-changed", ev.Kind)
		case i > 0 && i < len(datagrams)-1 && ev.Kind != EventContinue:
			t.Fatalf("datagram %d: event %s, want continue", i, ev.Kind)
		case i == len(datagrams)-1:
			if ev.Kind != EventSamplesReady {
				t.Fatalf("final datagram: event %s (err %v), want samples-ready", ev.Kind, ev.Err)
			}
			got = ev.Samples
		}
	}
	if !sameBatch(got, batch) {
		t.Errorf("reconstructed %d samples, mismatch with original %d", len(got), len(batch))
	}
	if got := r.Stats().Frames; got != 1 {
		t.Errorf("Frames = %d, want 1", got)
	}
}

func TestCompressedRoundTrip(t *testing.T) {
	// A compressible batch: long constant runs.
	batch := make(sdr.Batch, 4096)
	for i := range batch {
		batch[i] = sdr.Sample{I: 1000, Q: -1000}
	}
	datagrams := emitFrame(t, batch, 1472, 1)

	hdr, err := DecodeHeader(datagrams[0])
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if !hdr.Compressed() {
		t.Fatal("frame above the compression threshold was not flagged compressed")
	}
	if len(datagrams) >= 1+4096*4/1472 {
		t.Errorf("compressed frame used %d datagrams, expected fewer than uncompressed %d",
			len(datagrams), 1+4096*4/1472)
	}

	r := newTestReconstructor(t)
	var got sdr.Batch
	for _, d := range datagrams {
		if ev := r.Ingest(d); ev.Kind == EventSamplesReady {
			got = ev.Samples
		}
	}
	if !sameBatch(got, batch) {
		t.Errorf("compressed round trip mismatch: got %d samples, want %d", len(got), len(batch))
	}
}

func TestResyncAfterPayloadLoss(t *testing.T) {
	first := testBatch(1000)
	second := make(sdr.Batch, 1000)
	for i := range second {
		second[i] = sdr.Sample{I: int16(i * 3), Q: int16(i * 5)}
	}
	frame1 := emitFrame(t, first, 1472, 0)
	frame2 := emitFrame(t, second, 1472, 0)

	r := newTestReconstructor(t)
	// Header of frame one arrives, all its payload datagrams are lost.
	if ev := r.Ingest(frame1[0]); ev.Kind != EventHeaderChanged {
		t.Fatalf("frame1 header: event %s, want header-changed", ev.Kind)
	}

	var ready []sdr.Batch
	for _, d := range frame2 {
		ev := r.Ingest(d)
		if ev.Kind == EventSamplesReady {
			ready = append(ready, ev.Samples)
		}
	}
	if len(ready) != 1 {
		t.Fatalf("got %d completed frames after loss, want exactly 1", len(ready))
	}
	if !sameBatch(ready[0], second) {
		t.Error("frame reconstructed after loss does not match the second batch")
	}
	if got := r.Stats().DroppedFrames; got != 1 {
		t.Errorf("DroppedFrames = %d, want 1", got)
	}
}

func TestCorruptHeaderRejected(t *testing.T) {
	frame := emitFrame(t, testBatch(1000), 1472, 0)
	corrupt := make([]byte, len(frame[0]))
	copy(corrupt, frame[0])
	corrupt[3] ^= 0x40

	r := newTestReconstructor(t)
	if ev := r.Ingest(corrupt); ev.Kind != EventContinue {
		t.Fatalf("corrupt header while searching: event %s, want continue", ev.Kind)
	}
	if r.Synced() {
		t.Fatal("reconstructor accepted a corrupted header")
	}

	// The clean header must still be accepted afterwards.
	if ev := r.Ingest(frame[0]); ev.Kind != EventHeaderChanged {
		t.Errorf("clean header after corruption: event %s, want header-changed", ev.Kind)
	}
}

func TestChecksumMismatchWhenSynced(t *testing.T) {
	frame := emitFrame(t, testBatch(1000), 1472, 0)
	r := newTestReconstructor(t)
	for _, d := range frame {
		r.Ingest(d)
	}
	// Next datagram should be a header; feed garbage of block size.
	garbage := make([]byte, 1472)
	for i := range garbage {
		garbage[i] = byte(i * 7)
	}
	ev := r.Ingest(garbage)
	if ev.Kind != EventChecksumMismatch {
		t.Fatalf("garbage expected-header: event %s, want checksum-mismatch", ev.Kind)
	}
	if r.Synced() {
		t.Error("reconstructor still synced after checksum mismatch")
	}
}

func TestLengthMismatchDesyncsMidFrame(t *testing.T) {
	frame := emitFrame(t, testBatch(1000), 1472, 0)
	r := newTestReconstructor(t)
	r.Ingest(frame[0])
	r.Ingest(frame[1])
	ev := r.Ingest(frame[2][:1000]) // truncated payload datagram
	if ev.Kind != EventOutOfSync {
		t.Fatalf("truncated payload: event %s, want out-of-sync", ev.Kind)
	}
	if r.Synced() {
		t.Error("reconstructor still synced after length mismatch")
	}
	if got := r.Stats().Resyncs; got != 1 {
		t.Errorf("Resyncs = %d, want 1", got)
	}
}

func TestRepeatedHeaderDoesNotReportChange(t *testing.T) {
	frame := emitFrame(t, testBatch(1000), 1472, 0)
	r := newTestReconstructor(t)
	for _, d := range frame {
		r.Ingest(d)
	}
	// Same configuration again: the header is accepted silently.
	if ev := r.Ingest(frame[0]); ev.Kind != EventContinue {
		t.Errorf("repeat header: event %s, want continue", ev.Kind)
	}
	if got := r.Stats().HeaderEvents; got != 1 {
		t.Errorf("HeaderEvents = %d, want 1", got)
	}
}

func TestEmptyBatchFrame(t *testing.T) {
	frame := emitFrame(t, sdr.Batch{}, 1472, 0)
	if len(frame) != 1 {
		t.Fatalf("empty batch produced %d datagrams, want header only", len(frame))
	}
	r := newTestReconstructor(t)
	if ev := r.Ingest(frame[0]); ev.Kind != EventHeaderChanged {
		t.Fatalf("empty frame header: event %s, want header-changed", ev.Kind)
	}
	// Once the configuration is known, an empty frame still completes
	// and surfaces as a zero-sample batch.
	if ev := r.Ingest(frame[0]); ev.Kind != EventSamplesReady || len(ev.Samples) != 0 {
		t.Fatalf("repeated empty frame: event %s with %d samples, want empty samples-ready",
			ev.Kind, len(ev.Samples))
	}
	if got := r.Stats().Frames; got != 2 {
		t.Errorf("Frames = %d, want 2", got)
	}
	// A following normal frame still works.
	for _, d := range emitFrame(t, testBatch(500), 1472, 0) {
		ev := r.Ingest(d)
		if ev.Kind == EventSamplesReady && len(ev.Samples) != 500 {
			t.Errorf("reconstructed %d samples, want 500", len(ev.Samples))
		}
	}
}
