// Package metrics exposes gofpvlink's operational state as Prometheus
// metrics: per-channel SecureFecChannel counters, per-stream
// StreamDispatcher counters, and the LinkController's signal-quality
// gauges.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "gofpvlink"
	subsystem = "link"
)

// Label names.
const (
	labelChannel = "channel"
	labelStream  = "stream"
)

// -------------------------------------------------------------------------
// Collector — Prometheus link metrics
// -------------------------------------------------------------------------

// Collector holds all gofpvlink Prometheus metrics.
//
//   - Fec* counters mirror SecureFecChannel's per-channel counter set
//     (spec.md §4.B): p_all, p_dec_err, p_lost, p_fec_recovered, p_bad,
//     p_outgoing, p_override.
//   - Dispatch* counters mirror StreamDispatcher's per-stream delivery
//     counters (spec.md §4.D).
//   - Quality/ReportQ/FecLevel/TXPower gauges mirror LinkController's
//     latest 1-second-window results (spec.md §4.E).
type Collector struct {
	FecAll       *prometheus.CounterVec
	FecDecErr    *prometheus.CounterVec
	FecLost      *prometheus.CounterVec
	FecRecovered *prometheus.CounterVec
	FecBad       *prometheus.CounterVec
	FecOutgoing  *prometheus.CounterVec
	FecOverride  *prometheus.CounterVec

	DispatchDelivered *prometheus.CounterVec
	DispatchDropped   *prometheus.CounterVec

	Quality  prometheus.Gauge
	ReportQ  prometheus.Gauge
	FecLevel prometheus.Gauge
	TXPower  prometheus.Gauge
}

// NewCollector creates a Collector with all metrics registered against the
// provided prometheus.Registerer. If reg is nil, prometheus.DefaultRegisterer
// is used.
//
// All counters/gauges are created with the "gofpvlink_" prefix
// (namespace_subsystem) to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.FecAll,
		c.FecDecErr,
		c.FecLost,
		c.FecRecovered,
		c.FecBad,
		c.FecOutgoing,
		c.FecOverride,
		c.DispatchDelivered,
		c.DispatchDropped,
		c.Quality,
		c.ReportQ,
		c.FecLevel,
		c.TXPower,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	channelLabels := []string{labelChannel}
	streamLabels := []string{labelStream}

	fecCounter := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, channelLabels)
	}

	dispatchCounter := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      name,
			Help:      help,
		}, streamLabels)
	}

	return &Collector{
		FecAll:       fecCounter("fec_packets_all_total", "Total DATA fragments received, per channel."),
		FecDecErr:    fecCounter("fec_decrypt_errors_total", "Total AEAD authentication failures, per channel."),
		FecLost:      fecCounter("fec_packets_lost_total", "Total primary fragments lost to uncompletable blocks, per channel."),
		FecRecovered: fecCounter("fec_packets_recovered_total", "Total primary fragments recovered by Reed-Solomon decode, per channel."),
		FecBad:       fecCounter("fec_packets_bad_total", "Total malformed or out-of-window fragments discarded, per channel."),
		FecOutgoing:  fecCounter("fec_packets_outgoing_total", "Total UserPackets delivered to the stream dispatcher, per channel."),
		FecOverride:  fecCounter("fec_session_overrides_total", "Total session-key rotations accepted, per channel."),

		DispatchDelivered: dispatchCounter("packets_delivered_total", "Total UserPackets forwarded to a stream's UDP sink."),
		DispatchDropped:   dispatchCounter("packets_dropped_total", "Total UserPackets dropped due to an unknown channel_id or a sink send error."),

		Quality: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "adaptive",
			Name:      "quality",
			Help:      "Latest LinkController quality score in [-1024, 1024].",
		}),
		ReportQ: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "adaptive",
			Name:      "report_q",
			Help:      "Latest report_q value sent to the remote transmitter, in [1000, 2000].",
		}),
		FecLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "adaptive",
			Name:      "fec_level",
			Help:      "Current FEC ladder level in [0, 5].",
		}),
		TXPower: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "adaptive",
			Name:      "tx_power",
			Help:      "Current transmit power setting propagated to the driver.",
		}),
	}
}

// -------------------------------------------------------------------------
// SecureFecChannel counters
// -------------------------------------------------------------------------

// RecordFecCounters adds the deltas observed since the last call to the
// per-channel Fec* counters. Counters are monotonic on the SecureFecChannel
// side, so callers pass deltas (this turn minus last turn), not cumulative
// totals, to avoid Prometheus counter resets on channel restart.
func (c *Collector) RecordFecCounters(channel string, all, decErr, lost, recovered, bad, outgoing, override uint64) {
	c.FecAll.WithLabelValues(channel).Add(float64(all))
	c.FecDecErr.WithLabelValues(channel).Add(float64(decErr))
	c.FecLost.WithLabelValues(channel).Add(float64(lost))
	c.FecRecovered.WithLabelValues(channel).Add(float64(recovered))
	c.FecBad.WithLabelValues(channel).Add(float64(bad))
	c.FecOutgoing.WithLabelValues(channel).Add(float64(outgoing))
	c.FecOverride.WithLabelValues(channel).Add(float64(override))
}

// -------------------------------------------------------------------------
// StreamDispatcher counters
// -------------------------------------------------------------------------

// IncDispatchDelivered increments the delivered-packet counter for stream.
func (c *Collector) IncDispatchDelivered(stream string) {
	c.DispatchDelivered.WithLabelValues(stream).Inc()
}

// IncDispatchDropped increments the dropped-packet counter for stream.
func (c *Collector) IncDispatchDropped(stream string) {
	c.DispatchDropped.WithLabelValues(stream).Inc()
}

// -------------------------------------------------------------------------
// LinkController gauges
// -------------------------------------------------------------------------

// SetLinkStats updates the adaptive-link gauges from one quality-formula
// tick (spec.md §4.E).
func (c *Collector) SetLinkStats(quality, reportQ, fecLevel, txPower int) {
	c.Quality.Set(float64(quality))
	c.ReportQ.Set(float64(reportQ))
	c.FecLevel.Set(float64(fecLevel))
	c.TXPower.Set(float64(txPower))
}
