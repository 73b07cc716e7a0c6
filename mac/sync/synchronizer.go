// Package sync implements the FLOPSYNC-style clock-skew and receive-window
// estimator described in spec.md §4.3: each synchronization period it takes
// the signed error between a predicted and measured beacon arrival and
// returns a correction and a receiver window to apply to the next period.
package sync

import "github.com/fedetft/tdmh-sub002/core/log"

var logger = log.New("mac/sync")

// Config holds the tunable constants of the controller.
type Config struct {
	// Alpha and Beta are the proportional and integral gains of the
	// two-term error tracker (a minimal FLOPSYNC-2-style controller).
	Alpha, Beta float64
	// MinWindow is the smallest receiver window ever returned, in ns.
	MinWindow int64
	// MaxWindow bounds the window growth after consecutive misses.
	MaxWindow int64
	// MissWindowGrowth multiplies the window on each consecutive miss.
	MissWindowGrowth float64
	// MaxMissedTimesyncs is the number of consecutive misses after which
	// the caller should declare DESYNCHRONIZED (spec.md §4.3).
	MaxMissedTimesyncs int
}

// DefaultConfig returns reasonable defaults for a low-power 802.15.4-class
// radio with microsecond-scale clock drift.
func DefaultConfig() Config {
	return Config{
		Alpha:              0.5,
		Beta:               0.25,
		MinWindow:          50_000,      // 50us
		MaxWindow:          5_000_000,   // 5ms
		MissWindowGrowth:   2.0,
		MaxMissedTimesyncs: 3,
	}
}

// Synchronizer is a per-node, per-period clock-skew and receive-window
// estimator. It is not safe for concurrent use; it is driven exclusively by
// the MAC thread's timesync phase.
type Synchronizer struct {
	cfg Config

	integral      float64
	window        int64
	missedInARow  int
	totalMissed   int
	lastCorrection int64
}

// New builds a Synchronizer with the given configuration.
func New(cfg Config) *Synchronizer {
	return &Synchronizer{cfg: cfg, window: cfg.MinWindow}
}

// Update feeds the signed error e = measured - computed (in ns) observed
// this period and returns the correction to apply and the receiver window
// to size next period's receive deadline.
func (s *Synchronizer) Update(e int64) (correction int64, window int64) {
	s.missedInARow = 0

	s.integral += float64(e) * s.cfg.Beta
	correction = int64(float64(e)*s.cfg.Alpha + s.integral)
	s.lastCorrection = correction

	// Window shrinks back toward the floor geometrically after a run of
	// successful receptions, the mirror image of the miss-growth path.
	if s.window > s.cfg.MinWindow {
		s.window = s.cfg.MinWindow + (s.window-s.cfg.MinWindow)/2
	} else {
		s.window = s.cfg.MinWindow
	}
	window = s.window
	logger.Debugf("update e=%d correction=%d window=%d", e, correction, window)
	return correction, window
}

// LostPacket records a missed beacon: the synchronizer degrades by widening
// the window geometrically (bounded by MaxWindow) and returns the last
// known correction unchanged, per spec.md §4.3 ("degraded correction,
// larger window"). It returns desynchronized=true once MaxMissedTimesyncs
// consecutive misses have accumulated.
func (s *Synchronizer) LostPacket() (correction int64, window int64, desynchronized bool) {
	s.missedInARow++
	s.totalMissed++

	grown := int64(float64(s.window) * s.cfg.MissWindowGrowth)
	if grown > s.cfg.MaxWindow {
		grown = s.cfg.MaxWindow
	}
	if grown < s.cfg.MinWindow {
		grown = s.cfg.MinWindow
	}
	s.window = grown

	logger.Warningf("lost packet (missed_in_row=%d window=%d)", s.missedInARow, s.window)
	return s.lastCorrection, s.window, s.missedInARow >= s.cfg.MaxMissedTimesyncs
}

// Reset clears the miss streak, used when a node re-hooks after a desync.
func (s *Synchronizer) Reset() {
	s.missedInARow = 0
	s.integral = 0
	s.window = s.cfg.MinWindow
	s.lastCorrection = 0
}

// Window returns the current receiver window without consuming an
// Update/LostPacket observation, for callers that need to size a receive
// deadline before the next beacon has arrived.
func (s *Synchronizer) Window() int64 {
	return s.window
}

// MissedInARow returns the current consecutive-miss count.
func (s *Synchronizer) MissedInARow() int {
	return s.missedInARow
}

// TotalMissed returns the lifetime miss count, for diagnostics.
func (s *Synchronizer) TotalMissed() int {
	return s.totalMissed
}
