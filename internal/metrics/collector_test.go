package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/wfb-go/gofpvlink/internal/metrics"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	if c.FecAll == nil {
		t.Error("FecAll is nil")
	}
	if c.FecRecovered == nil {
		t.Error("FecRecovered is nil")
	}
	if c.DispatchDelivered == nil {
		t.Error("DispatchDelivered is nil")
	}
	if c.Quality == nil {
		t.Error("Quality is nil")
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	_ = families
}

func TestRecordFecCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.RecordFecCounters("video", 10, 1, 2, 1, 0, 8, 0)
	c.RecordFecCounters("video", 5, 0, 0, 0, 1, 5, 1)

	if got := counterValue(t, c.FecAll, "video"); got != 15 {
		t.Errorf("FecAll = %v, want 15", got)
	}
	if got := counterValue(t, c.FecDecErr, "video"); got != 1 {
		t.Errorf("FecDecErr = %v, want 1", got)
	}
	if got := counterValue(t, c.FecLost, "video"); got != 2 {
		t.Errorf("FecLost = %v, want 2", got)
	}
	if got := counterValue(t, c.FecRecovered, "video"); got != 1 {
		t.Errorf("FecRecovered = %v, want 1", got)
	}
	if got := counterValue(t, c.FecBad, "video"); got != 1 {
		t.Errorf("FecBad = %v, want 1", got)
	}
	if got := counterValue(t, c.FecOutgoing, "video"); got != 13 {
		t.Errorf("FecOutgoing = %v, want 13", got)
	}
	if got := counterValue(t, c.FecOverride, "video"); got != 1 {
		t.Errorf("FecOverride = %v, want 1", got)
	}
}

func TestDispatchCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.IncDispatchDelivered("mavlink")
	c.IncDispatchDelivered("mavlink")
	c.IncDispatchDropped("mavlink")

	if got := counterValue(t, c.DispatchDelivered, "mavlink"); got != 2 {
		t.Errorf("DispatchDelivered = %v, want 2", got)
	}
	if got := counterValue(t, c.DispatchDropped, "mavlink"); got != 1 {
		t.Errorf("DispatchDropped = %v, want 1", got)
	}
}

func TestSetLinkStats(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.SetLinkStats(512, 1750, 3, 30)

	if got := gaugeValue(t, c.Quality); got != 512 {
		t.Errorf("Quality = %v, want 512", got)
	}
	if got := gaugeValue(t, c.ReportQ); got != 1750 {
		t.Errorf("ReportQ = %v, want 1750", got)
	}
	if got := gaugeValue(t, c.FecLevel); got != 3 {
		t.Errorf("FecLevel = %v, want 3", got)
	}
	if got := gaugeValue(t, c.TXPower); got != 30 {
		t.Errorf("TXPower = %v, want 30", got)
	}
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()

	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()

	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}
