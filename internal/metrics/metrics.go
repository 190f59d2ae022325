// Package metrics exports ingest counters to Prometheus so the pit-wall
// Grafana can alarm on link health (loss, bad lines, reconnect churn).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Ingest implements ingest.Observer on top of Prometheus collectors.
type Ingest struct {
	packets    prometheus.Counter
	dropped    prometheus.Counter
	badLines   prometheus.Counter
	reconnects prometheus.Counter
	rateHz     prometheus.Gauge
	lastAgeS   prometheus.Gauge
}

// NewIngest builds and registers the collectors on reg. Pass a fresh
// registry in tests to avoid duplicate-registration panics.
func NewIngest(reg prometheus.Registerer) *Ingest {
	m := &Ingest{
		packets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pitlink_packets_total",
			Help: "Telemetry packets decoded and merged into the buffer.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pitlink_packets_dropped_total",
			Help: "Packets inferred lost from gaps in the firmware sequence counter.",
		}),
		badLines: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pitlink_bad_lines_total",
			Help: "Serial lines that could not be classified or parsed.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pitlink_serial_reconnects_total",
			Help: "Serial port reopen attempts after read failures.",
		}),
		rateHz: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pitlink_packet_rate_hz",
			Help: "Recent packet throughput over the rolling rate window.",
		}),
		lastAgeS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pitlink_last_packet_age_seconds",
			Help: "Seconds since the most recent packet arrived.",
		}),
	}
	reg.MustRegister(m.packets, m.dropped, m.badLines, m.reconnects, m.rateHz, m.lastAgeS)
	return m
}

func (m *Ingest) PacketIngested()        { m.packets.Inc() }
func (m *Ingest) PacketsDropped(n int64) { m.dropped.Add(float64(n)) }
func (m *Ingest) BadLine()               { m.badLines.Inc() }
func (m *Ingest) Reconnect()             { m.reconnects.Inc() }

// SetRate refreshes the throughput gauges; the server calls this when it
// serves a scrape or health request.
func (m *Ingest) SetRate(rateHz float64, lastAgeS float64, haveAge bool) {
	m.rateHz.Set(rateHz)
	if haveAge {
		m.lastAgeS.Set(lastAgeS)
	}
}
