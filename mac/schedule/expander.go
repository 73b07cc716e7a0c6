package schedule

// Expand turns compact schedule Elements into a per-slot action vector for
// nodeID, per spec.md §4.8. The output has length scheduleTiles*slotsPerTile
// and is indexed by (tile mod scheduleTiles)*slotsPerTile + slotIndex. The
// expander is deterministic and side-effect-free: it never consults network
// state beyond nodeID.
func Expand(elements []Element, nodeID NodeID, scheduleTiles uint16, slotsPerTile uint16) []ExplicitElement {
	total := int(scheduleTiles) * int(slotsPerTile)
	out := make([]ExplicitElement, total)

	for _, e := range elements {
		if e.Period == 0 || scheduleTiles%e.Period != 0 || len(e.HopPath) == 0 {
			continue // malformed element; leave the affected slots SLEEP
		}
		repeats := int(scheduleTiles / e.Period)

		for k := 0; k < repeats; k++ {
			baseTile := int(e.Offset) + k*int(e.Period)

			if e.Redundancy.Spatial() {
				// Spatial-reuse redundancy: one SEND/RECV pair per disjoint
				// path the master already chose, each on its own sub-slot
				// (schedule Open Question (c); DESIGN.md).
				for pathIdx, path := range e.HopPath {
					placeHopPath(out, path, nodeID, baseTile, pathIdx, slotsPerTile, total, e.Stream)
				}
			} else {
				// Non-spatial redundancy repeats the same path on
				// successive sub-slots within the tile, one per
				// redundancy count.
				path := e.HopPath[0]
				for r := 0; r < e.Redundancy.Count(); r++ {
					placeHopPath(out, path, nodeID, baseTile, r, slotsPerTile, total, e.Stream)
				}
			}
		}
	}
	return out
}

// placeHopPath places one SEND (at the transmitting hop) and one RECV (at
// the receiving hop) for each hop of path, landing in slot
// (baseTile mod scheduleTiles)*slotsPerTile + ((hop+subSlotOffset) mod
// slotsPerTile), so repeated transmissions of the same flow within one tile
// occupy distinct sub-slots.
func placeHopPath(out []ExplicitElement, path []NodeID, nodeID NodeID, baseTile int, subSlotOffset int, slotsPerTile uint16, total int, stream StreamID) {
	for hop := 0; hop+1 < len(path); hop++ {
		slot := (hop + subSlotOffset) % int(slotsPerTile)
		idx := (baseTile*int(slotsPerTile) + slot) % total
		if idx < 0 {
			idx += total
		}
		switch nodeID {
		case path[hop]:
			out[idx] = ExplicitElement{Action: ActionSend, Stream: stream}
		case path[hop+1]:
			out[idx] = ExplicitElement{Action: ActionRecv, Stream: stream}
		}
	}
}
