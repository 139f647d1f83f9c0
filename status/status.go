// Package status serves the daemon's HTTP surface: a JSON status
// endpoint, a config entry point sharing the control channel's
// key=value syntax, and prometheus metrics.
package status

import (
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iqcast/iqcast/wire"
)

// Info is one consistent view of the running session.
type Info struct {
	Session         string `json:"session"`
	Source          string `json:"source"`
	CenterFrequency uint64 `json:"centerFrequency"`
	SampleRate      uint32 `json:"sampleRate"`
	BlockSize       int    `json:"blockSize"`
	QueueDepth      int    `json:"queueDepth"`

	Stats wire.FramerStats `json:"stats"`
}

// Server exposes the session over HTTP. Snapshot must be safe to call
// from any goroutine; Apply feeds a key=value update into the same
// path as control channel messages and returns the rejection reason.
type Server struct {
	Listen   string
	Snapshot func() Info
	Apply    func(msg string) error

	// ConfigUpdates and ConfigRejects count key=value updates taken in
	// over HTTP; control channel updates are counted by their source.
	ConfigUpdates atomic.Uint64
	ConfigRejects atomic.Uint64

	registry *prometheus.Registry
}

func (s *Server) setupMetrics() {
	s.registry = prometheus.NewRegistry()
	counter := func(name, help string, value func(wire.FramerStats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "iqcast",
			Name:      name,
			Help:      help,
		}, func() float64 {
			return float64(value(s.Snapshot().Stats))
		})
	}
	s.registry.MustRegister(
		counter("frames_sent_total", "Frames emitted to the network.",
			func(st wire.FramerStats) uint64 { return st.Frames }),
		counter("datagrams_sent_total", "UDP datagrams sent.",
			func(st wire.FramerStats) uint64 { return st.Datagrams }),
		counter("bytes_sent_total", "Payload and header bytes sent.",
			func(st wire.FramerStats) uint64 { return st.Bytes }),
		counter("send_errors_total", "Datagram sends that failed.",
			func(st wire.FramerStats) uint64 { return st.SendErrors }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "iqcast",
			Name:      "config_updates_total",
			Help:      "Configuration updates accepted over HTTP.",
		}, func() float64 {
			return float64(s.ConfigUpdates.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "iqcast",
			Name:      "config_rejects_total",
			Help:      "Configuration updates rejected over HTTP.",
		}, func() float64 {
			return float64(s.ConfigRejects.Load())
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "iqcast",
			Name:      "queue_depth",
			Help:      "Batches waiting between capture and framer.",
		}, func() float64 {
			return float64(s.Snapshot().QueueDepth)
		}),
	)
}

// Router builds the gin handler; split from Run for tests.
func (s *Server) Router() *gin.Engine {
	if s.registry == nil {
		s.setupMetrics()
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/iqcast/v1/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.Snapshot())
	})
	r.POST("/iqcast/v1/config", func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil {
			c.String(http.StatusBadRequest, "unable to read body: %s", err)
			return
		}
		if err := s.Apply(string(body)); err != nil {
			s.ConfigRejects.Add(1)
			c.String(http.StatusBadRequest, "%s", err)
			return
		}
		s.ConfigUpdates.Add(1)
		c.String(http.StatusOK, "OK %s", body)
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	return r
}

// Run serves until the listener fails. Meant for its own goroutine.
func (s *Server) Run() {
	if err := s.Router().Run(s.Listen); err != nil {
		glog.Errorf("status server exited: %s\n", err)
	}
}
