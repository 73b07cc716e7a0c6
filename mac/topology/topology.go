// Package topology implements NetworkTopology/NeighborTable accounting
// (spec.md §3): per-node bitmasks of one-hop neighbors, aged by an
// unavailable/weak rounds-to-dead counter, styled after the validated,
// map-keyed node-metadata shape of core/pki's MixDescriptor.
package topology

import "github.com/fedetft/tdmh-sub002/core/config"

// NodeID is a small unsigned integer, zero reserved for the master
// (spec.md §3).
type NodeID uint16

// Link describes one observed edge, with an age counter toward eviction.
type Link struct {
	Weak          bool
	RoundsUnseen  uint16
}

// NeighborTable is this node's view of its one-hop neighbors.
type NeighborTable struct {
	cfg   *config.NetworkConfiguration
	links map[NodeID]*Link
}

// New builds an empty table for the given configuration.
func New(cfg *config.NetworkConfiguration) *NeighborTable {
	return &NeighborTable{cfg: cfg, links: make(map[NodeID]*Link)}
}

// Observe records (or refreshes) a neighbor seen this round, optionally as
// weak (below MinNeighborRSSI but above MinWeakNeighborRSSI).
func (t *NeighborTable) Observe(n NodeID, weak bool) {
	l, ok := t.links[n]
	if !ok {
		l = &Link{}
		t.links[n] = l
	}
	l.Weak = weak
	l.RoundsUnseen = 0
}

// AgeRound increments every link's unseen-round counter by one and evicts
// links that have crossed their dead threshold, per spec.md §6
// (MaxRoundsUnavailableBecomesDead / MaxRoundsWeakLinkBecomesDead).
func (t *NeighborTable) AgeRound() {
	for id, l := range t.links {
		l.RoundsUnseen++
		threshold := t.cfg.MaxRoundsUnavailableBecomesDead
		if l.Weak {
			threshold = t.cfg.MaxRoundsWeakLinkBecomesDead
		}
		if l.RoundsUnseen >= threshold {
			delete(t.links, id)
		}
	}
}

// Bitmask renders the table as a bitmask of width NeighborBitmaskBytes();
// when UseWeakTopologies is set the first half of the mask carries strong
// neighbors and the second half weak ones, doubling the width per
// spec.md §6.
func (t *NeighborTable) Bitmask() []byte {
	width := t.cfg.NeighborBitmaskBytes()
	buf := make([]byte, width)
	half := width
	if t.cfg.UseWeakTopologies {
		half = width / 2
	}
	for id, l := range t.links {
		byteOff := int(id) / 8
		bit := byte(1) << (uint(id) % 8)
		if l.Weak && t.cfg.UseWeakTopologies {
			if half+byteOff < width {
				buf[half+byteOff] |= bit
			}
			continue
		}
		if byteOff < half {
			buf[byteOff] |= bit
		}
	}
	return buf
}

// FromBitmask parses a bitmask produced by Bitmask for a remote node,
// returning the set of strong and weak neighbor IDs it claims.
func FromBitmask(buf []byte, useWeak bool) (strong, weak []NodeID) {
	width := len(buf)
	half := width
	if useWeak {
		half = width / 2
	}
	for i := 0; i < half; i++ {
		for b := 0; b < 8; b++ {
			if buf[i]&(1<<uint(b)) != 0 {
				strong = append(strong, NodeID(i*8+b))
			}
		}
	}
	if useWeak {
		for i := half; i < width; i++ {
			for b := 0; b < 8; b++ {
				if buf[i]&(1<<uint(b)) != 0 {
					weak = append(weak, NodeID((i-half)*8+b))
				}
			}
		}
	}
	return strong, weak
}

// Neighbors returns the currently live neighbor IDs.
func (t *NeighborTable) Neighbors() []NodeID {
	out := make([]NodeID, 0, len(t.links))
	for id := range t.links {
		out = append(out, id)
	}
	return out
}

// Has reports whether n is a currently-tracked neighbor.
func (t *NeighborTable) Has(n NodeID) bool {
	_, ok := t.links[n]
	return ok
}

// NetworkTopology is the master's aggregate view: one
// NeighborTable's bitmask per known node, built up from forwarded uplink
// TopologyTLV entries (spec.md §4.5).
type NetworkTopology struct {
	cfg     *config.NetworkConfiguration
	entries map[NodeID][]byte
}

// NewNetworkTopology builds an empty aggregate topology view.
func NewNetworkTopology(cfg *config.NetworkConfiguration) *NetworkTopology {
	return &NetworkTopology{cfg: cfg, entries: make(map[NodeID][]byte)}
}

// Update installs the latest bitmask reported for node n.
func (nt *NetworkTopology) Update(n NodeID, bitmask []byte) {
	nt.entries[n] = append([]byte{}, bitmask...)
}

// Bitmask returns the last reported bitmask for node n, or nil if unknown.
func (nt *NetworkTopology) Bitmask(n NodeID) []byte {
	return nt.entries[n]
}

// Nodes returns every node this topology view currently has an entry for.
func (nt *NetworkTopology) Nodes() []NodeID {
	out := make([]NodeID, 0, len(nt.entries))
	for id := range nt.entries {
		out = append(out, id)
	}
	return out
}
