// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ascend

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics of the sessions opened through a ContextRegistry.
// See ContextRegistry.SetMetrics.
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	forwards      *prometheus.CounterVec
	forwardTime   *prometheus.HistogramVec
	sessions      prometheus.Gauge
	deviceBytes   prometheus.Gauge
	shapeSelected *prometheus.CounterVec
}

// MetricsNamespace is the namespace of the metrics names.
const MetricsNamespace = "mmdeploy"

// NewMetrics creates the metrics and registers them with reg.
// It panics if they are already registered with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		forwards: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: MetricsNamespace,
				Subsystem: "ascend",
				Name:      "forwards_total",
				Help:      "Number of forward calls, by shape mode and result (ok or the error kind).",
			},
			[]string{"mode", "result"},
		),
		forwardTime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: MetricsNamespace,
				Subsystem: "ascend",
				Name:      "forward_duration_seconds",
				Help:      "Duration of successful forward calls in seconds.",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"mode"},
		),
		sessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Subsystem: "ascend",
			Name:      "sessions_open",
			Help:      "Number of open sessions.",
		}),
		deviceBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Subsystem: "ascend",
			Name:      "device_buffer_bytes",
			Help:      "Device memory held by the input and output buffers of open sessions.",
		}),
		shapeSelected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: MetricsNamespace,
				Subsystem: "ascend",
				Name:      "shape_selections_total",
				Help:      "Number of dynamic shape selections issued, by shape mode and selected shape.",
			},
			[]string{"mode", "shape"},
		),
	}
}

func (m *Metrics) sessionOpened(bufferBytes int) {
	if m == nil {
		return
	}
	m.sessions.Inc()
	m.deviceBytes.Add(float64(bufferBytes))
}

func (m *Metrics) sessionClosed(bufferBytes int) {
	if m == nil {
		return
	}
	m.sessions.Dec()
	m.deviceBytes.Sub(float64(bufferBytes))
}

func (m *Metrics) shapeSelection(sel ShapeSelection) {
	if m == nil || sel.Mode == Static {
		return
	}
	m.shapeSelected.WithLabelValues(sel.Mode.String(), sel.String()).Inc()
}

// forward records the result of a forward call: elapsed is only recorded for successful calls.
func (m *Metrics) forward(mode ShapeMode, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	if err != nil {
		m.forwards.WithLabelValues(mode.String(), errorKindLabel(err)).Inc()
		return
	}
	m.forwards.WithLabelValues(mode.String(), "ok").Inc()
	m.forwardTime.WithLabelValues(mode.String()).Observe(elapsed.Seconds())
}
