// Package export records session events: configuration changes, frame
// statistics and resynchronizations, written to a pluggable store for
// after-the-fact inspection of a capture session.
package export

import (
	"context"
	"time"
)

// Event is one session log record.
type Event struct {
	// Session is the capture session identifier (a UUID).
	Session string
	// Source names the capture backend (airspy, airspyhf).
	Source string
	// Type is one of the Event* constants.
	Type string

	CenterFrequency uint64
	SampleRate      uint32

	// Cumulative transfer counters at event time.
	Frames    uint64
	Datagrams uint64
	Bytes     uint64

	// Detail carries free text: the applied config update, the
	// rejection reason, the desync cause.
	Detail string

	Time time.Time
}

// Event types.
const (
	EventStart        = "start"
	EventStop         = "stop"
	EventConfigChange = "config-change"
	EventConfigReject = "config-reject"
	EventFrameStats   = "frame-stats"
	EventResync       = "resync"
)

type Exporter interface {
	Write(context.Context, <-chan Event) error
}
