package link

import "time"

// MaxFecLevel is the FEC ladder's top level (spec.md §4.E).
const MaxFecLevel = 5

// LadderHold is how long a level is held after a bump before decay begins.
const LadderHold = time.Second

// Thresholds pins the FEC-bump ladder's per-level thresholds. spec.md §9
// notes two source variants disagree on the canonical values; this
// implementation pins one set and exposes it as configuration
// (internal/config.FecConfig) rather than a hard-coded constant.
type Thresholds struct {
	// LostTo5 bumps straight to level 5 when lost exceeds this count.
	LostTo5 int
	// RecoveredTo4..RecoveredTo1 bump to the matching level when recovered
	// exceeds the threshold, checked in descending order.
	RecoveredTo4 int
	RecoveredTo3 int
	RecoveredTo2 int
	RecoveredTo1 int
}

// FecLadder is an integer level in [0, MaxFecLevel] with a hold-then-decay
// policy: bump(v) raises the level only when v exceeds it (bumps never
// decrease the level); a hold of LadderHold applies after every bump, after
// which the level decays by one per elapsed second until zero (spec.md
// §4.E).
type FecLadder struct {
	level     int
	heldUntil time.Time
}

// Level reports the ladder's current level.
func (l *FecLadder) Level() int { return l.level }

// Tick evaluates one FEC sample against thresholds and advances the
// ladder's hold/decay state. now must be monotonically non-decreasing
// across calls.
func (l *FecLadder) Tick(recovered, lost int, thresholds Thresholds, now time.Time) int {
	target := l.bumpTarget(recovered, lost, thresholds)
	if target > l.level {
		l.level = target
		l.heldUntil = now.Add(LadderHold)
	} else {
		l.decay(now)
	}
	return l.level
}

func (l *FecLadder) bumpTarget(recovered, lost int, t Thresholds) int {
	switch {
	case lost > t.LostTo5:
		return MaxFecLevel
	case recovered > t.RecoveredTo4:
		return 4
	case recovered > t.RecoveredTo3:
		return 3
	case recovered > t.RecoveredTo2:
		return 2
	case recovered > t.RecoveredTo1:
		return 1
	default:
		return 0
	}
}

func (l *FecLadder) decay(now time.Time) {
	for l.level > 0 && !now.Before(l.heldUntil) {
		l.level--
		l.heldUntil = l.heldUntil.Add(time.Second)
	}
}
