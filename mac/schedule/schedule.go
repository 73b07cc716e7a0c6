// Package schedule implements the distributed schedule data model of
// spec.md §3/§4.8: compact ScheduleElements as carried on the wire, and the
// deterministic expander that turns them into a per-slot action vector for
// one node.
package schedule

import "github.com/fedetft/tdmh-sub002/mac/codec"

// Redundancy mirrors spec.md §3's StreamParameters.redundancy enumeration.
type Redundancy uint8

const (
	RedundancyNone Redundancy = iota
	RedundancyDouble
	RedundancyTriple
	RedundancyDoubleSpatial
	RedundancyTripleSpatial
)

// Count returns how many transmit/receive opportunities this redundancy
// class grants per period (spec.md I4).
func (r Redundancy) Count() int {
	switch r {
	case RedundancyDouble, RedundancyDoubleSpatial:
		return 2
	case RedundancyTriple, RedundancyTripleSpatial:
		return 3
	default:
		return 1
	}
}

// Spatial reports whether this redundancy class uses disjoint hop paths
// rather than repeated transmissions on the same path.
func (r Redundancy) Spatial() bool {
	return r == RedundancyDoubleSpatial || r == RedundancyTripleSpatial
}

// NodeID mirrors topology.NodeID without introducing a package dependency
// (schedule elements are a pure data-interchange format).
type NodeID = uint16

// StreamID mirrors spec.md §3's four-tuple.
type StreamID struct {
	SrcNode, DstNode NodeID
	SrcPort, DstPort uint8
}

// Element is a compact schedule entry (spec.md §3's ScheduleElement, case
// (a)): an installed flow's (streamId, offset, period, redundancy) plus the
// hop path the master assigned it.
type Element struct {
	Stream     StreamID
	Offset     uint16 // first tile index within one period
	Period     uint16 // in tiles; must divide ScheduleTiles
	Redundancy Redundancy
	// HopPath lists, in transmitter-then-receiver order per hop, the nodes
	// that relay this flow. HopPath[0] is the source, HopPath[len-1] the
	// destination; entries between them are forwarding hops. Spatial
	// redundancy classes list extra disjoint paths the master has already
	// chosen (schedule Open Question (c); see DESIGN.md).
	HopPath [][]NodeID
}

// ToWire converts Element to its codec TLV representation.
func (e Element) ToWire() codec.ScheduleElementTLV {
	flat := make([]uint16, 0, len(e.HopPath))
	for _, path := range e.HopPath {
		flat = append(flat, uint16(len(path)))
		flat = append(flat, path...)
	}
	return codec.ScheduleElementTLV{
		SrcNode: e.Stream.SrcNode, DstNode: e.Stream.DstNode,
		SrcPort: e.Stream.SrcPort, DstPort: e.Stream.DstPort,
		Offset: e.Offset, Period: e.Period,
		Redundancy: uint8(e.Redundancy),
		HopPath:    flat,
	}
}

// FromWire reverses ToWire.
func FromWire(w codec.ScheduleElementTLV) Element {
	e := Element{
		Stream: StreamID{
			SrcNode: w.SrcNode, DstNode: w.DstNode,
			SrcPort: w.SrcPort, DstPort: w.DstPort,
		},
		Offset: w.Offset, Period: w.Period,
		Redundancy: Redundancy(w.Redundancy),
	}
	rest := w.HopPath
	for len(rest) > 0 {
		n := int(rest[0])
		rest = rest[1:]
		if n > len(rest) {
			break
		}
		e.HopPath = append(e.HopPath, append([]NodeID{}, rest[:n]...))
		rest = rest[n:]
	}
	return e
}

// Header mirrors spec.md §3's ScheduleHeader.
type Header struct {
	ScheduleID     uint32
	ActivationTile uint32
	ScheduleTiles  uint16
	TotalPacket    uint8
	CurrentPacket  uint8
	Repetition     uint8
}

func (h Header) ToWire() codec.ScheduleHeader {
	return codec.ScheduleHeader{
		TotalPackets: h.TotalPacket, CurrentPacket: h.CurrentPacket,
		ScheduleID: h.ScheduleID, Repetition: h.Repetition,
		ScheduleTiles: h.ScheduleTiles, ActivationTile: h.ActivationTile,
	}
}

func HeaderFromWire(w codec.ScheduleHeader) Header {
	return Header{
		ScheduleID: w.ScheduleID, ActivationTile: w.ActivationTile,
		ScheduleTiles: w.ScheduleTiles, TotalPacket: w.TotalPackets,
		CurrentPacket: w.CurrentPacket, Repetition: w.Repetition,
	}
}

// Action is a per-slot action, spec.md §3's ExplicitScheduleElement.
type Action uint8

const (
	ActionSleep Action = iota
	ActionSend
	ActionRecv
)

// ExplicitElement is one entry of the per-slot action vector produced by
// the expander.
type ExplicitElement struct {
	Action Action
	Stream StreamID // meaningful only when Action != ActionSleep
}
