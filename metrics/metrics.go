// Package metrics exports capture and transport counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"scribe/capture"
	"scribe/transport"
)

const namespace = "scribe"

// Source is read on every scrape.
type Source struct {
	Capture   func() capture.Stats
	Recording func() bool
	Transport func() transport.Stats
	State     func() transport.State
	Attempts  func() int
}

// NewRegistry returns a registry holding the scribe collectors plus the Go
// runtime and process collectors.
func NewRegistry(src Source) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	cs := append(scribeCollectors(src),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

func scribeCollectors(src Source) []prometheus.Collector {
	var cs []prometheus.Collector

	// Capture counters restart with every recording session.
	if src.Capture != nil {
		capGauge := func(name, help string, v func(capture.Stats) uint64) prometheus.Collector {
			return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace, Subsystem: "capture", Name: name, Help: help,
			}, func() float64 { return float64(v(src.Capture())) })
		}
		cs = append(cs,
			capGauge("session_frames", "Device frames delivered in the current recording session.",
				func(s capture.Stats) uint64 { return s.Frames }),
			capGauge("session_chunks", "Encoded chunks emitted in the current recording session.",
				func(s capture.Stats) uint64 { return s.Chunks }),
			capGauge("session_dropped_frames", "Frames dropped by a saturated processing stage in the current session.",
				func(s capture.Stats) uint64 { return s.DroppedFrames }),
		)
	}
	if src.Recording != nil {
		cs = append(cs, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "capture", Name: "recording",
			Help: "1 while the microphone is being captured.",
		}, func() float64 { return boolFloat(src.Recording()) }))
	}

	if src.Transport != nil {
		counter := func(name, help string, v func(transport.Stats) uint64) prometheus.Collector {
			return prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: namespace, Subsystem: "transport", Name: name, Help: help,
			}, func() float64 { return float64(v(src.Transport())) })
		}
		cs = append(cs,
			counter("sent_frames_total", "Audio frames written to the backend.",
				func(s transport.Stats) uint64 { return s.Sent }),
			counter("sent_bytes_total", "Bytes written to the backend.",
				func(s transport.Stats) uint64 { return s.SentBytes }),
			counter("dropped_chunks_total", "Chunks dropped because the connection was not open.",
				func(s transport.Stats) uint64 { return s.Dropped }),
			counter("received_messages_total", "Messages read from the backend.",
				func(s transport.Stats) uint64 { return s.Received }),
			counter("malformed_messages_total", "Inbound messages that could not be parsed.",
				func(s transport.Stats) uint64 { return s.Malformed }),
			counter("reconnects_total", "Reconnection attempts scheduled after a failure.",
				func(s transport.Stats) uint64 { return s.Reconnects }),
		)
	}
	if src.State != nil {
		cs = append(cs, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "transport", Name: "connected",
			Help: "1 while the backend connection is open.",
		}, func() float64 { return boolFloat(src.State() == transport.StateOpen) }))
	}
	if src.Attempts != nil {
		cs = append(cs, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "transport", Name: "retry_attempts",
			Help: "Consecutive failed dials since the last successful connection.",
		}, func() float64 { return float64(src.Attempts()) }))
	}
	return cs
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
