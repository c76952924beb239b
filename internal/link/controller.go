package link

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/wfb-go/gofpvlink/internal/metrics"
)

// PowerSink propagates a TX power change to the driver. The controller
// borrows one at construction time rather than holding a back-reference to
// a device manager, avoiding the cyclic construction the original design
// note (spec.md §9) flags (controller <-> device manager).
type PowerSink interface {
	SetTXPower(level int) error
}

// ReportSink transmits one already-encoded adaptive-link report. Production
// callers pass a UDP *net.Conn-backed sink; tests can substitute an
// in-memory recorder.
type ReportSink interface {
	SendReport(raw []byte) error
}

// udpReportSink is the production ReportSink, a connected UDP socket.
type udpReportSink struct {
	conn *net.UDPConn
}

// NewUDPReportSink dials a connected UDP socket to addr (spec.md §4.E:
// "sends it via UDP to the configured target").
func NewUDPReportSink(addr string) (ReportSink, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("new udp report sink: %w", err)
	}

	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("new udp report sink: %w", err)
	}

	return &udpReportSink{conn: conn}, nil
}

func (s *udpReportSink) SendReport(raw []byte) error {
	_, err := s.conn.Write(raw)
	if err != nil {
		return fmt.Errorf("send report: %w", err)
	}
	return nil
}

// Controller owns the three rolling windows, the FEC ladder, and the
// TX-power knob, and runs the signal-quality formula on a fixed cadence
// (spec.md §4.E). Its windows are guarded by a single mutex; Tick releases
// it before handing the report to the power and report sinks.
type Controller struct {
	mu sync.Mutex

	rssi rssiWindow
	snr  snrWindow
	fec  fecWindow
	ladder FecLadder

	thresholds Thresholds
	txPower    int

	power  PowerSink
	report ReportSink
	clock  func() time.Time

	collector *metrics.Collector

	lastLost   int
	idrCode    string
	lastReport Report
}

// NewController creates a Controller bound to power and report sinks, with
// the given FEC ladder thresholds and initial TX power.
func NewController(power PowerSink, report ReportSink, thresholds Thresholds, initialTXPower int, collector *metrics.Collector) *Controller {
	return &Controller{
		thresholds: thresholds,
		txPower:    initialTXPower,
		power:      power,
		report:     report,
		clock:      time.Now,
		collector:  collector,
		idrCode:    "aaaa",
	}
}

// ObserveRSSI appends one RSSI sample to the rolling window.
func (c *Controller) ObserveRSSI(ant1, ant2 uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rssi.add(ant1, ant2, c.clock())
}

// ObserveSNR appends one SNR sample to the rolling window.
func (c *Controller) ObserveSNR(ant1, ant2 int8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snr.add(ant1, ant2, c.clock())
}

// ObserveFEC appends one tick's SecureFecChannel counters to the rolling
// window.
func (c *Controller) ObserveFEC(all, recovered, lost int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fec.add(all, recovered, lost, c.clock())
}

// SetTXPower changes the controller's TX power and propagates it to the
// driver immediately (spec.md §4.E).
func (c *Controller) SetTXPower(level int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.power.SetTXPower(level); err != nil {
		return fmt.Errorf("set tx power: %w", err)
	}
	c.txPower = level
	return nil
}

// Tick runs one quality-formula evaluation, advances the FEC ladder, and
// sends the resulting report (spec.md §4.E, executed every 100ms by the
// adaptive loop). epoch is the report's monotonic sequence field.
func (c *Controller) Tick(epoch uint64) error {
	c.mu.Lock()

	now := c.clock()
	avgRSSI := c.rssi.avg(now)
	avgSNR := c.snr.avg(now)
	all, recovered, lost := c.fec.accumulated(now)
	_ = all

	quality := Quality(avgRSSI, recovered, lost)
	reportQ := ReportQ(quality)
	fecLevel := c.ladder.Tick(recovered, lost, c.thresholds, now)

	if lost > 0 && lost != c.lastLost {
		code, err := newIDRCode()
		if err == nil {
			c.idrCode = code
		}
	}
	c.lastLost = lost

	rpt := Report{
		Epoch:     epoch,
		Quality:   quality,
		ReportQ:   reportQ,
		Recovered: recovered,
		Lost:      lost,
		SNR:       avgSNR,
		FecLevel:  fecLevel,
		IDRCode:   c.idrCode,
	}
	txPower := c.txPower
	c.lastReport = rpt

	c.mu.Unlock()

	if c.collector != nil {
		c.collector.SetLinkStats(quality, reportQ, fecLevel, txPower)
	}

	if err := c.report.SendReport(rpt.Encode()); err != nil {
		return fmt.Errorf("tick: %w", err)
	}
	return nil
}

// Stats reports the most recent tick's quality formula results and current
// TX power, for the control surface's Status/StreamStats procedures. Before
// the first Tick it reports the zero Report and the initial TX power.
func (c *Controller) Stats() (quality, reportQ, fecLevel, txPower int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReport.Quality, c.lastReport.ReportQ, c.lastReport.FecLevel, c.txPower
}

// Run drives Tick on interval until stop is closed, incrementing epoch each
// tick. Run returns when stop is closed or a Tick call returns a non-nil
// error.
func (c *Controller) Run(interval time.Duration, stop <-chan struct{}) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var epoch uint64
	for {
		select {
		case <-stop:
			return nil
		case <-ticker.C:
			epoch++
			if err := c.Tick(epoch); err != nil {
				return err
			}
		}
	}
}
