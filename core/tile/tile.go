// Package tile implements the MAC's time grid: NetworkTime, tile-index
// arithmetic, and the virtual clock that maps uncorrected hardware ticks to
// corrected network time.
package tile

import "time"

// NetworkTime is signed 64-bit nanoseconds from the network epoch (the
// master's first beacon). It totally orders events across the network
// modulo the current synchronization error.
type NetworkTime int64

// Duration returns d as a NetworkTime delta.
func Duration(d time.Duration) NetworkTime {
	return NetworkTime(d.Nanoseconds())
}

// Add returns t+d.
func (t NetworkTime) Add(d NetworkTime) NetworkTime {
	return t + d
}

// Sub returns t-u as a time.Duration.
func (t NetworkTime) Sub(u NetworkTime) time.Duration {
	return time.Duration(t - u)
}

// Index is a tile number, monotonically increasing from the epoch.
type Index uint64

// Grid maps between tile indices and NetworkTime given a fixed tile
// duration. It holds no mutable state; callers combine it with a virtual
// clock's correction to get a node's locally-corrected notion of tile
// origin.
type Grid struct {
	TileDuration NetworkTime
}

// NewGrid builds a Grid from a tile duration.
func NewGrid(tileDuration time.Duration) Grid {
	return Grid{TileDuration: Duration(tileDuration)}
}

// Origin returns the network-time origin of tile i.
func (g Grid) Origin(i Index) NetworkTime {
	return NetworkTime(uint64(i)) * g.TileDuration
}

// IndexAt returns the tile index containing network time t, and the time
// t - Origin(index) into the tile.
func (g Grid) IndexAt(t NetworkTime) (Index, NetworkTime) {
	if g.TileDuration <= 0 {
		return 0, 0
	}
	i := int64(t) / int64(g.TileDuration)
	if int64(t)%int64(g.TileDuration) < 0 {
		i--
	}
	origin := NetworkTime(i) * g.TileDuration
	return Index(i), t - origin
}

// VirtualClock maps uncorrected local hardware ticks to corrected network
// time, per spec.md §4.3: it is updated once per synchronization period
// from the synchronizer's (correction, window) output.
type VirtualClock struct {
	// TheoreticalFrameStart is this node's uncorrected prediction for the
	// start of the current synchronization period, in local ticks.
	TheoreticalFrameStart int64
	// MeasuredFrameStart is the last observed (corrected) start of a
	// synchronization period, in local ticks.
	MeasuredFrameStart int64
	// ClockCorrection is the signed number of ticks to add to a raw
	// hardware reading to obtain the corrected value, valid until the next
	// Update.
	ClockCorrection int64
	// TicksPerSecond converts local ticks to nanoseconds.
	TicksPerSecond int64
}

// NewVirtualClock builds a clock with zero initial correction.
func NewVirtualClock(ticksPerSecond int64) *VirtualClock {
	return &VirtualClock{TicksPerSecond: ticksPerSecond}
}

// Update installs a new theoretical/measured pair and correction, as
// computed once per synchronization period by the synchronizer.
func (c *VirtualClock) Update(theoretical, measured, correction int64) {
	c.TheoreticalFrameStart = theoretical
	c.MeasuredFrameStart = measured
	c.ClockCorrection = correction
}

// UncorrectedToCorrected maps a raw hardware tick reading to the
// corrected tick value using the current linear correction.
func (c *VirtualClock) UncorrectedToCorrected(uncorrected int64) int64 {
	return uncorrected + c.ClockCorrection
}

// CorrectedToUncorrected inverts UncorrectedToCorrected.
func (c *VirtualClock) CorrectedToUncorrected(corrected int64) int64 {
	return corrected - c.ClockCorrection
}

// TicksToNetworkTime converts a corrected tick count to NetworkTime.
func (c *VirtualClock) TicksToNetworkTime(correctedTicks int64) NetworkTime {
	if c.TicksPerSecond == 0 {
		return NetworkTime(correctedTicks)
	}
	return NetworkTime(correctedTicks * int64(time.Second) / c.TicksPerSecond)
}

// NetworkTimeToTicks converts NetworkTime to a corrected tick count.
func (c *VirtualClock) NetworkTimeToTicks(t NetworkTime) int64 {
	if c.TicksPerSecond == 0 {
		return int64(t)
	}
	return int64(t) * c.TicksPerSecond / int64(time.Second)
}
