package export

import "sync"

// Log fans session events into the channel an Exporter drains. Emit
// never blocks: events are dropped when the exporter falls behind, and
// become no-ops once Close is called, so late emitters (tickers, HTTP
// handlers) cannot hit a closed channel during shutdown.
type Log struct {
	mu     sync.Mutex
	closed bool
	ch     chan Event
}

func NewLog(depth int) *Log {
	return &Log{ch: make(chan Event, depth)}
}

// Events is the channel to hand to an Exporter's Write.
func (l *Log) Events() <-chan Event {
	return l.ch
}

func (l *Log) Emit(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.ch <- e:
	default:
	}
}

// Close ends the event stream. Safe to call more than once.
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.ch)
}
