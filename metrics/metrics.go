// Package metrics exports prometheus instrumentation for the capture pipeline
// and the recorder.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons.
const (
	DropLate       = "late"
	DropConversion = "conversion"
	DropEncoding   = "encoding"
)

var (
	FramesCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peercam_frames_captured_total",
		Help: "Raw frames delivered by the camera.",
	})
	FramesThrottled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peercam_frames_throttled_total",
		Help: "Raw frames skipped by the frame throttler.",
	})
	FramesForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peercam_frames_forwarded_total",
		Help: "Encoded frames handed to the transport.",
	})
	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peercam_frames_dropped_total",
		Help: "Frames dropped before reaching the transport, by reason.",
	}, []string{"reason"})
	EncodedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peercam_encoded_bytes_total",
		Help: "Bytes of JPEG data produced by the frame encoder.",
	})
	Recordings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peercam_recordings_total",
		Help: "Completed recordings, by result.",
	}, []string{"result"})
	RecordingState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "peercam_recording_state",
		Help: "Current recording state (0 idle, 1 recording, 2 finished).",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
