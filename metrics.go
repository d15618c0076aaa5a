// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcwire

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts transport activity. A nil *Metrics records nothing.
type Metrics struct {
	sessionsAccepted prometheus.Counter
	sessionsActive   prometheus.Gauge
	frames           *prometheus.CounterVec
	bytes            *prometheus.CounterVec
	rejected         *prometheus.CounterVec
	negotiations     *prometheus.CounterVec
	calls            *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg, if reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		sessionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rpcwire",
			Subsystem: "server",
			Name:      "sessions_accepted_total",
			Help:      "Connections accepted by servers.",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rpcwire",
			Subsystem: "server",
			Name:      "sessions_active",
			Help:      "Live server sessions.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rpcwire",
			Name:      "frames_total",
			Help:      "Messages framed, by direction.",
		}, []string{"direction"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rpcwire",
			Name:      "payload_bytes_total",
			Help:      "Message payload bytes, by direction.",
		}, []string{"direction"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rpcwire",
			Name:      "frames_rejected_total",
			Help:      "Frames answered with an error frame, by code.",
		}, []string{"code"}),
		negotiations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rpcwire",
			Name:      "negotiations_total",
			Help:      "Transport filter negotiations, by status.",
		}, []string{"status"}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rpcwire",
			Subsystem: "channel",
			Name:      "calls_total",
			Help:      "Channel calls, by outcome.",
		}, []string{"outcome"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.sessionsAccepted, m.sessionsActive, m.frames, m.bytes,
		m.rejected, m.negotiations, m.calls,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

var (
	defaultMetricsOnce sync.Once
	defaultMetrics     *Metrics
	defaultMetricsErr  error
)

// DefaultMetrics returns collectors registered with the default prometheus
// registry. Registration happens on the first call only.
func DefaultMetrics() (*Metrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = NewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics, defaultMetricsErr
}

func (m *Metrics) sessionOpened() {
	if m == nil {
		return
	}
	m.sessionsAccepted.Inc()
	m.sessionsActive.Inc()
}

func (m *Metrics) sessionClosed() {
	if m != nil {
		m.sessionsActive.Dec()
	}
}

func (m *Metrics) frame(direction string, n int) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(direction).Inc()
	m.bytes.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) reject(code Code) {
	if m != nil {
		m.rejected.WithLabelValues(code.String()).Inc()
	}
}

func (m *Metrics) negotiation(status string) {
	if m != nil {
		m.negotiations.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) call(err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if e, ok := err.(*Error); ok {
			outcome = e.Code.String()
		}
	}
	m.calls.WithLabelValues(outcome).Inc()
}
