package link_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wfb-go/gofpvlink/internal/link"
)

type fakePowerSink struct {
	mu    sync.Mutex
	level int
	calls int
}

func (s *fakePowerSink) SetTXPower(level int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.level = level
	s.calls++
	return nil
}

func (s *fakePowerSink) snapshot() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level, s.calls
}

type recordingReportSink struct {
	mu     sync.Mutex
	raw    [][]byte
}

func (s *recordingReportSink) SendReport(raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(raw))
	copy(cp, raw)
	s.raw = append(s.raw, cp)
	return nil
}

func (s *recordingReportSink) last() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.raw) == 0 {
		return nil
	}
	return s.raw[len(s.raw)-1]
}

func (s *recordingReportSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.raw)
}

func testThresholds() link.Thresholds {
	return link.Thresholds{
		LostTo5:      2,
		RecoveredTo4: 30,
		RecoveredTo3: 24,
		RecoveredTo2: 14,
		RecoveredTo1: 8,
	}
}

func TestControllerTickSendsReport(t *testing.T) {
	power := &fakePowerSink{}
	reports := &recordingReportSink{}
	c := link.NewController(power, reports, testThresholds(), 30, nil)

	c.ObserveRSSI(60, 55)
	c.ObserveSNR(24, 20)

	require.NoError(t, c.Tick(1))

	assert.Equal(t, 1, reports.count())
	body := reports.last()
	require.NotEmpty(t, body)
	assert.Greater(t, len(body), 4)
}

func TestControllerStatsReflectsLastTick(t *testing.T) {
	power := &fakePowerSink{}
	reports := &recordingReportSink{}
	c := link.NewController(power, reports, testThresholds(), 30, nil)

	quality, reportQ, fecLevel, txPower := c.Stats()
	assert.Zero(t, quality)
	assert.Zero(t, reportQ)
	assert.Zero(t, fecLevel)
	assert.Equal(t, 30, txPower)

	c.ObserveRSSI(60, 55)
	c.ObserveSNR(24, 20)
	require.NoError(t, c.Tick(1))

	quality, _, _, txPower = c.Stats()
	assert.NotZero(t, quality)
	assert.Equal(t, 30, txPower)
}

func TestControllerSetTXPowerPropagates(t *testing.T) {
	power := &fakePowerSink{}
	reports := &recordingReportSink{}
	c := link.NewController(power, reports, testThresholds(), 30, nil)

	require.NoError(t, c.SetTXPower(40))

	level, calls := power.snapshot()
	assert.Equal(t, 40, level)
	assert.Equal(t, 1, calls)
}

func TestControllerFecLossBumpsLadderAndReport(t *testing.T) {
	power := &fakePowerSink{}
	reports := &recordingReportSink{}
	c := link.NewController(power, reports, testThresholds(), 30, nil)

	c.ObserveRSSI(60, 60)
	c.ObserveFEC(10, 0, 3)

	require.NoError(t, c.Tick(1))

	body := string(reports.last())
	assert.Contains(t, body, ":5:")
}

func TestControllerNoSamplesStillTicks(t *testing.T) {
	power := &fakePowerSink{}
	reports := &recordingReportSink{}
	c := link.NewController(power, reports, testThresholds(), 30, nil)

	require.NoError(t, c.Tick(1))
	assert.Equal(t, 1, reports.count())
}

func TestControllerRunStopsOnSignal(t *testing.T) {
	power := &fakePowerSink{}
	reports := &recordingReportSink{}
	c := link.NewController(power, reports, testThresholds(), 30, nil)

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- c.Run(5*time.Millisecond, stop)
	}()

	time.Sleep(30 * time.Millisecond)
	close(stop)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after stop was closed")
	}

	assert.GreaterOrEqual(t, reports.count(), 1)
}
