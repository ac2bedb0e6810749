package ota

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts what the firmware server did during one run. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Requests    *prometheus.CounterVec
	BytesServed prometheus.Counter
	Completed   prometheus.Gauge
}

// NewMetrics registers the transfer metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "myrtio_ota",
			Name:      "http_requests_total",
			Help:      "HTTP requests handled by the firmware server, by status code.",
		}, []string{"code"}),
		BytesServed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "myrtio_ota",
			Name:      "firmware_bytes_served_total",
			Help:      "Firmware bytes written to the device.",
		}),
		Completed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "myrtio_ota",
			Name:      "firmware_download_completed",
			Help:      "1 once the device downloaded the full image.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Requests, m.BytesServed, m.Completed)
	}
	return m
}

func (m *Metrics) observe(code int) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(strconv.Itoa(code)).Inc()
}

func (m *Metrics) addBytes(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesServed.Add(float64(n))
}

func (m *Metrics) markCompleted() {
	if m == nil {
		return
	}
	m.Completed.Set(1)
}
