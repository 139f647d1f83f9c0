package export

import (
	"sync"
	"testing"
)

func TestLogDeliversInOrder(t *testing.T) {
	l := NewLog(3)
	l.Emit(Event{Type: EventStart})
	l.Emit(Event{Type: EventFrameStats})
	l.Close()
	var got []string
	for e := range l.Events() {
		got = append(got, e.Type)
	}
	if len(got) != 2 || got[0] != EventStart || got[1] != EventFrameStats {
		t.Errorf("drained %v, want [start frame-stats]", got)
	}
}

func TestLogDropsWhenFull(t *testing.T) {
	l := NewLog(1)
	l.Emit(Event{Type: EventStart})
	l.Emit(Event{Type: EventStop}) // no exporter draining; must not block
	l.Close()
	n := 0
	for range l.Events() {
		n++
	}
	if n != 1 {
		t.Errorf("drained %d events, want 1", n)
	}
}

func TestLogEmitAfterClose(t *testing.T) {
	l := NewLog(1)
	l.Close()
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("Emit after Close panicked: %v", r)
		}
	}()
	l.Emit(Event{Type: EventStop})
	if _, ok := <-l.Events(); ok {
		t.Error("event delivered after Close")
	}
}

func TestLogConcurrentEmitAndClose(t *testing.T) {
	l := NewLog(4)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				l.Emit(Event{Type: EventFrameStats})
			}
		}()
	}
	l.Close()
	l.Close() // idempotent
	for range l.Events() {
	}
	wg.Wait()
}
