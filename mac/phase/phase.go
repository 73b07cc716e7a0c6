// Package phase implements the four tile phases of spec.md §2/§4.4-§4.7 as
// a common tagged-interface family (spec.md DESIGN NOTES §9): MasterTimesync,
// DynamicTimesync, HookingTimesync, Uplink, ScheduleDistribution, and Data
// each implement Phase's single Execute method, and the MAC context selects
// one per tile from the control-superframe bitmask. Grounded on
// client2/connection.go's single-worker-loop dispatch and
// server/internal/decoy/decoy.go's OnPacket/OnNewDocument callback shape,
// adapted from event callbacks to a synchronous per-tile call.
package phase

import (
	"github.com/fedetft/tdmh-sub002/core/log"
	"github.com/fedetft/tdmh-sub002/core/tile"
)

var logger = log.New("mac/phase")

// Phase is the common operation every tile-phase object exposes: run this
// phase's activity for the tile whose origin is slotStart, returning once
// the tile's radio activity is complete or the deadline has passed. A phase
// that cannot complete logs and returns so the next phase can run (spec.md
// §7: "never propagates exceptions past a phase boundary").
type Phase interface {
	Execute(slotStart tile.NetworkTime)
}
