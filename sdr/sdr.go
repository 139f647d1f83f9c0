package sdr

// Sample is one complex baseband sample as delivered by the capture
// hardware: signed 16 bit I (in-phase) and Q (quadrature) components.
type Sample struct {
	I int16
	Q int16
}

// Batch is an ordered run of samples produced by a single capture
// callback. Ownership moves with the value: the producer hands it to the
// queue and never touches it again.
type Batch []Sample

// Config describes the capture parameters a frame is stamped with.
type Config struct {
	// CenterFrequency is the tuned center frequency in Hz.
	CenterFrequency uint64
	// SampleRate is the device sample rate in Hz.
	SampleRate uint32
	// SampleBytes is the number of bytes per sample component (1..4).
	SampleBytes uint8
	// SampleBits is the effective resolution in bits.
	SampleBits uint8
}

// Source is a capture backend. One concrete implementation exists per
// device family; everything downstream of the queue only sees this
// interface.
type Source interface {
	Name() string

	// Start begins capture and pushes batches into q until Stop is
	// called or the device fails. It blocks for the lifetime of the
	// capture session and is usually run on its own goroutine.
	Start(q *Queue) error

	// Stop asks the capture loop to wind down. It returns once the stop
	// request is visible to the loop; Start returning is the signal
	// that capture has actually ended.
	Stop() error

	// Configure applies a parsed key=value update. Validation failures
	// reject the whole update and leave the capture unchanged; the
	// returned error carries the human-readable reason (including
	// "list" query responses).
	Configure(kv map[string]string) error

	SampleRate() uint32
	Frequency() uint64
	SampleBits() uint8
}
