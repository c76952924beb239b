// Package link implements the adaptive-link control loop: rolling
// 1-second RSSI/SNR/FEC windows, the signal-quality formula, the FEC-bump
// ladder, and the ASCII report sent to the remote transmitter (spec.md
// §4.E).
package link

import "time"

// WindowHorizon is the trailing duration every rolling window retains.
const WindowHorizon = time.Second

type rssiSample struct {
	ant1, ant2 uint8
	at         time.Time
}

type snrSample struct {
	ant1, ant2 int8
	at         time.Time
}

type fecSample struct {
	all, recovered, lost int
	at                    time.Time
}

// rssiWindow is a 1-second trailing window of per-antenna RSSI samples.
type rssiWindow struct {
	samples []rssiSample
}

func (w *rssiWindow) add(ant1, ant2 uint8, at time.Time) {
	w.samples = append(w.samples, rssiSample{ant1: ant1, ant2: ant2, at: at})
	w.trim(at)
}

func (w *rssiWindow) trim(now time.Time) {
	cutoff := now.Add(-WindowHorizon)
	i := 0
	for ; i < len(w.samples); i++ {
		if !w.samples[i].at.Before(cutoff) {
			break
		}
	}
	w.samples = w.samples[i:]
}

// avg averages each antenna independently over the window and returns the
// maximum of the two (spec.md §4.E: "averages each antenna independently
// and takes the maximum").
func (w *rssiWindow) avg(now time.Time) float64 {
	w.trim(now)
	if len(w.samples) == 0 {
		return 0
	}

	var sum1, sum2 float64
	for _, s := range w.samples {
		sum1 += float64(s.ant1)
		sum2 += float64(s.ant2)
	}
	n := float64(len(w.samples))
	avg1, avg2 := sum1/n, sum2/n
	if avg1 > avg2 {
		return avg1
	}
	return avg2
}

// snrWindow is a 1-second trailing window of per-antenna SNR samples.
type snrWindow struct {
	samples []snrSample
}

func (w *snrWindow) add(ant1, ant2 int8, at time.Time) {
	w.samples = append(w.samples, snrSample{ant1: ant1, ant2: ant2, at: at})
	w.trim(at)
}

func (w *snrWindow) trim(now time.Time) {
	cutoff := now.Add(-WindowHorizon)
	i := 0
	for ; i < len(w.samples); i++ {
		if !w.samples[i].at.Before(cutoff) {
			break
		}
	}
	w.samples = w.samples[i:]
}

func (w *snrWindow) avg(now time.Time) float64 {
	w.trim(now)
	if len(w.samples) == 0 {
		return 0
	}

	var sum1, sum2 float64
	for _, s := range w.samples {
		sum1 += float64(s.ant1)
		sum2 += float64(s.ant2)
	}
	n := float64(len(w.samples))
	avg1, avg2 := sum1/n, sum2/n
	if avg1 > avg2 {
		return avg1
	}
	return avg2
}

// fecWindow is a 1-second trailing window of per-tick FEC counters.
type fecWindow struct {
	samples []fecSample
}

func (w *fecWindow) add(all, recovered, lost int, at time.Time) {
	w.samples = append(w.samples, fecSample{all: all, recovered: recovered, lost: lost, at: at})
	w.trim(at)
}

func (w *fecWindow) trim(now time.Time) {
	cutoff := now.Add(-WindowHorizon)
	i := 0
	for ; i < len(w.samples); i++ {
		if !w.samples[i].at.Before(cutoff) {
			break
		}
	}
	w.samples = w.samples[i:]
}

// degradedSentinel is the (recovered, lost) pair get_accumulated_fec
// substitutes when the window has seen zero fragments this horizon — no
// samples means no telemetry, which is treated as worse than any observed
// loss rate (spec.md §4.E: "no data, assume degraded").
const degradedSentinel = 300

// accumulated sums all/recovered/lost across the window. If no fragments
// were observed at all (sum(all) == 0), recovered and lost are both
// replaced by the degraded sentinel.
func (w *fecWindow) accumulated(now time.Time) (all, recovered, lost int) {
	w.trim(now)
	for _, s := range w.samples {
		all += s.all
		recovered += s.recovered
		lost += s.lost
	}
	if all == 0 {
		return all, degradedSentinel, degradedSentinel
	}
	return all, recovered, lost
}
