package status

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/iqcast/iqcast/wire"
)

func testServer(applyErr error) (*Server, *int) {
	applied := 0
	s := &Server{
		Snapshot: func() Info {
			return Info{
				Session:         "abc",
				Source:          "airspy",
				CenterFrequency: 435000000,
				SampleRate:      2500000,
				BlockSize:       1472,
				QueueDepth:      3,
				Stats:           wire.FramerStats{Frames: 7, Datagrams: 29, Bytes: 42688},
			}
		},
		Apply: func(msg string) error {
			applied++
			return applyErr
		},
	}
	return s, &applied
}

func TestStatusEndpoint(t *testing.T) {
	s, _ := testServer(nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/iqcast/v1/status", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("GET status = %d, want 200", w.Code)
	}
	for _, want := range []string{`"session":"abc"`, `"centerFrequency":435000000`} {
		if !strings.Contains(w.Body.String(), want) {
			t.Errorf("status body %q missing %q", w.Body.String(), want)
		}
	}
}

func TestConfigEndpoint(t *testing.T) {
	s, applied := testServer(nil)
	r := s.Router()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/iqcast/v1/config", strings.NewReader("freq=435000000")))
	if w.Code != http.StatusOK {
		t.Fatalf("POST config = %d, want 200", w.Code)
	}
	if *applied != 1 {
		t.Errorf("apply called %d times, want 1", *applied)
	}
}

func TestConfigEndpointRejection(t *testing.T) {
	s, _ := testServer(errors.New("invalid frequency"))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/iqcast/v1/config", strings.NewReader("freq=1")))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("rejected POST config = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "invalid frequency") {
		t.Errorf("rejection body %q missing reason", w.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := testServer(nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("GET metrics = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "iqcast_frames_sent_total 7") {
		t.Errorf("metrics body missing frames counter:\n%s", w.Body.String())
	}
}
