package phase

import (
	"github.com/fedetft/tdmh-sub002/core/config"
	"github.com/fedetft/tdmh-sub002/core/tile"
	"github.com/fedetft/tdmh-sub002/mac/codec"
	"github.com/fedetft/tdmh-sub002/mac/stream"
	"github.com/fedetft/tdmh-sub002/mac/topology"
	"github.com/fedetft/tdmh-sub002/mac/transceiver"
)

// Rotor tracks whose turn the uplink phase is on, continuing round-robin
// across uplink tiles without resetting (spec.md §4.5; Open Question (a),
// decided in DESIGN.md: the number of forwarded topology elements that ride
// along is capped by TopologySMERatio, and nothing resets or reshapes the
// slot rotation; GuaranteedTopologies is not consulted).
type Rotor struct {
	maxNodes uint16
	next     topology.NodeID
}

// NewRotor builds a rotor that starts assigning at NodeID 1 (0 is the
// master and never holds an uplink slot).
func NewRotor(maxNodes uint16) *Rotor {
	return &Rotor{maxNodes: maxNodes, next: 1}
}

// Advance returns the next assignee and advances the rotor, wrapping from
// maxNodes-1 back to 1.
func (r *Rotor) Advance() topology.NodeID {
	assigned := r.next
	r.next++
	if uint16(r.next) >= r.maxNodes {
		r.next = 1
	}
	return assigned
}

// forwardQueueCapacity bounds how many topology entries this node holds for
// onward relay before the oldest is dropped, keeping uplink packet assembly
// O(1) regardless of mesh size.
const forwardQueueCapacity = 32

// Uplink implements spec.md §4.5: on its assigned tile, a node sends its
// own neighbor bitmask, any forwarded topology it has accumulated, and its
// drained SMEs; on others it listens and, if the packet names this node as
// its assignee (the forwarding target), enqueues the heard content for its
// own next turn.
type Uplink struct {
	Radio transceiver.Transceiver
	Cfg   *config.NetworkConfiguration
	PanID uint16

	Self       topology.NodeID
	AssigneeOf topology.NodeID // next hop toward the master from this node
	Neighbors  *topology.NeighborTable
	Rotor      *Rotor

	SMEs SMESource

	// Topology, set only on the master, is the aggregate mesh view
	// spec.md §4.5 builds from forwarded uplink TopologyTLV entries; a
	// non-master node leaves this nil and relays into forwardQueue instead,
	// since it has a further hop to forward through.
	Topology *topology.NetworkTopology

	forwardQueue []codec.TopologyTLV
}

// SMESource is the narrow capability the uplink phase needs from the
// stream manager: drain queued SMEs for the outbound packet (spec.md
// DESIGN NOTES §9).
type SMESource interface {
	DrainSMEs(max int) []stream.SME
	EnqueueSME(sme stream.SME)
}

func (p *Uplink) Execute(slotStart tile.NetworkTime) {
	assignee := p.Rotor.Advance()
	if assignee == p.Self {
		p.send(slotStart)
		return
	}
	p.listen(slotStart)
}

func (p *Uplink) send(slotStart tile.NetworkTime) {
	// Each time this node's own uplink turn comes back around is one full
	// rotor cycle, the natural "round" boundary for link aging (spec.md §3,
	// §6's MaxRoundsUnavailableBecomesDead/MaxRoundsWeakLinkBecomesDead).
	p.Neighbors.AgeRound()

	maxTopology := int(float64(255) * p.Cfg.TopologySMERatio)
	if maxTopology <= 0 || maxTopology > len(p.forwardQueue) {
		maxTopology = len(p.forwardQueue)
	}
	forwarded := append([]codec.TopologyTLV{}, p.forwardQueue[:maxTopology]...)
	p.forwardQueue = p.forwardQueue[maxTopology:]

	smes := p.SMEs.DrainSMEs(255)
	wireSMEs := make([]codec.SMETLV, 0, len(smes))
	for _, sme := range smes {
		w, err := sme.ToWire()
		if err != nil {
			logger.Warningf("uplink: dropping unmarshalable SME: %v", err)
			continue
		}
		wireSMEs = append(wireSMEs, w)
	}

	payload := &codec.UplinkPayload{
		Hop:             0,
		Assignee:        uint8(p.AssigneeOf),
		NeighborBitmask: p.Neighbors.Bitmask(),
		Forwarded:       forwarded,
		SMEs:            wireSMEs,
	}
	body, err := codec.MarshalUplinkPayload(payload)
	if err != nil {
		logger.Warningf("uplink: marshal failed: %v", err)
		return
	}
	buf := make([]byte, codec.HeaderLen+len(body))
	codec.EncodeHeader(buf, uint8(p.Self), p.PanID)
	copy(buf[codec.HeaderLen:], body)

	if err := p.Radio.SendAt(buf, slotStart); err != nil {
		logger.Warningf("uplink send failed: %v", err)
	}
}

func (p *Uplink) listen(slotStart tile.NetworkTime) {
	deadline := slotStart.Add(tile.Duration(defaultSlotListenWindow))
	buf, res, err := p.Radio.Recv(125, deadline)
	if err != nil || res.Status != transceiver.StatusOK {
		return
	}
	sender, err := codec.DecodeHeader(buf, p.PanID, 0, 0, false)
	if err != nil {
		return
	}
	// Hearing any uplink packet at all means its sender is a live one-hop
	// neighbor, independent of whether this node is its designated relay
	// (spec.md §3's one-hop neighbor discovery).
	p.Neighbors.Observe(topology.NodeID(sender), false)

	bitmaskLen := p.Cfg.NeighborBitmaskBytes()
	up, err := codec.UnmarshalUplinkPayload(codec.Payload(buf), bitmaskLen)
	if err != nil {
		return
	}
	if topology.NodeID(up.Assignee) != p.Self {
		// This node is not the designated relay for the overheard packet;
		// nothing to forward.
		return
	}
	if p.Topology != nil {
		// The master has no further hop to relay through: fold the
		// observation straight into the aggregate view (spec.md §4.5).
		p.Topology.Update(topology.NodeID(sender), up.NeighborBitmask)
		for _, f := range up.Forwarded {
			p.Topology.Update(topology.NodeID(f.NodeID), f.Bitmask)
		}
	} else {
		p.forwardQueue = append(p.forwardQueue, codec.TopologyTLV{
			NodeID:  uint16(sender),
			Bitmask: up.NeighborBitmask,
		})
		p.forwardQueue = append(p.forwardQueue, up.Forwarded...)
		if len(p.forwardQueue) > forwardQueueCapacity {
			p.forwardQueue = p.forwardQueue[len(p.forwardQueue)-forwardQueueCapacity:]
		}
	}
	for _, w := range up.SMEs {
		sme, err := stream.SMEFromWire(w)
		if err != nil {
			continue
		}
		p.SMEs.EnqueueSME(sme)
	}
}

const defaultSlotListenWindow = 4_000_000 // 4ms, one uplink sub-slot
