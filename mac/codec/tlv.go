package codec

import (
	"encoding/binary"
	"errors"

	"github.com/fxamacker/cbor/v2"
)

// ErrTruncated is returned when a packet is shorter than its fixed-width
// fields (the uplink prefix and neighbor bitmask, or the schedule header).
// A count prefix that claims more elements than the packet carries is not
// an error: parsing stops at the end of the packet, and lists longer than
// their count are cut to it.
var ErrTruncated = errors.New("codec: truncated TLV list")

// SMEKind mirrors spec.md §3's SME kind enumeration.
type SMEKind uint8

const (
	SMEConnect SMEKind = iota
	SMEListen
	SMEClosed
	SMEResend
)

// SMETLV is the wire representation of a Stream-Management Element.
type SMETLV struct {
	Kind     SMEKind
	SrcNode  uint16
	DstNode  uint16
	SrcPort  uint8
	DstPort  uint8
	Params   []byte // cbor-encoded StreamParameters, empty for CLOSED/RESEND
}

// TopologyTLV is one forwarded neighbor-table entry in an uplink packet.
type TopologyTLV struct {
	NodeID  uint16
	Bitmask []byte
}

// UplinkPayload is the wire representation of one uplink packet
// (spec.md §6).
type UplinkPayload struct {
	Hop             uint8
	Assignee        uint8
	NeighborBitmask []byte
	Forwarded       []TopologyTLV
	SMEs            []SMETLV
}

// MarshalUplinkPayload serializes an UplinkPayload: a 1-byte hop, 1-byte
// assignee, 1-byte count of forwarded topology entries, 1-byte count of
// SMEs, the neighbor bitmask, then the cbor-encoded TLV lists, matching the
// field order of spec.md §6.
func MarshalUplinkPayload(p *UplinkPayload) ([]byte, error) {
	if len(p.Forwarded) > 255 || len(p.SMEs) > 255 {
		return nil, errors.New("codec: too many TLV entries for a single uplink packet")
	}
	body, err := cbor.Marshal(struct {
		Forwarded []TopologyTLV
		SMEs      []SMETLV
	}{p.Forwarded, p.SMEs})
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 4+len(p.NeighborBitmask)+len(body))
	out = append(out, p.Hop, p.Assignee, uint8(len(p.Forwarded)), uint8(len(p.SMEs)))
	out = append(out, p.NeighborBitmask...)
	out = append(out, body...)
	return out, nil
}

// UnmarshalUplinkPayload parses the result of MarshalUplinkPayload.
// bitmaskLen must equal the configured NeighborBitmaskBytes().
func UnmarshalUplinkPayload(buf []byte, bitmaskLen int) (*UplinkPayload, error) {
	if len(buf) < 4+bitmaskLen {
		return nil, ErrTruncated
	}
	p := &UplinkPayload{
		Hop:      buf[0],
		Assignee: buf[1],
	}
	numTopology := int(buf[2])
	numSME := int(buf[3])
	p.NeighborBitmask = append([]byte{}, buf[4:4+bitmaskLen]...)

	rest := buf[4+bitmaskLen:]
	var body struct {
		Forwarded []TopologyTLV
		SMEs      []SMETLV
	}
	if len(rest) > 0 {
		if err := cbor.Unmarshal(rest, &body); err != nil {
			return nil, err
		}
	}
	if len(body.Forwarded) > numTopology {
		body.Forwarded = body.Forwarded[:numTopology]
	}
	if len(body.SMEs) > numSME {
		body.SMEs = body.SMEs[:numSME]
	}
	p.Forwarded = body.Forwarded
	p.SMEs = body.SMEs
	return p, nil
}

// ScheduleElementKind distinguishes the three element kinds packed into a
// schedule-downlink packet, in the fixed order spec.md §4.6 requires:
// schedule elements, then response elements, then info elements.
type ScheduleElementKind uint8

const (
	ElementSchedule ScheduleElementKind = iota
	ElementResponse
	ElementInfo
)

// ScheduleElementTLV carries an installed-flow schedule entry.
type ScheduleElementTLV struct {
	SrcNode, DstNode uint16
	SrcPort, DstPort uint8
	Offset           uint16
	Period           uint16
	Redundancy       uint8
	HopPath          []uint16
}

// ResponseElementTLV carries a master-challenge authentication response.
type ResponseElementTLV struct {
	MasterIndex uint64
	Response    []byte
}

// InfoKind enumerates spec.md §3's info-element kinds.
type InfoKind uint8

const (
	InfoAccepted InfoKind = iota
	InfoRejected
	InfoReopened
	InfoRemoved
)

// InfoElementTLV carries an immediate stream/server lifecycle notification,
// applied through the stream manager regardless of schedule state
// (spec.md §4.6).
type InfoElementTLV struct {
	Kind             InfoKind
	SrcNode, DstNode uint16
	SrcPort, DstPort uint8
}

// ScheduleHeader is the fixed-width prefix of a schedule-downlink packet
// (spec.md §6): totalPkts, currentPkt, scheduleID, repetition,
// scheduleTiles, activationTile, flags.
type ScheduleHeader struct {
	TotalPackets   uint8
	CurrentPacket  uint8
	ScheduleID     uint32
	Repetition     uint8
	ScheduleTiles  uint16
	ActivationTile uint32
	Flags          uint8
}

const scheduleHeaderWireLen = 1 + 1 + 4 + 1 + 2 + 4 + 1

// MarshalScheduleHeader writes the fixed-width header fields, byte-exact
// per spec.md §6.
func MarshalScheduleHeader(h *ScheduleHeader) []byte {
	buf := make([]byte, scheduleHeaderWireLen)
	buf[0] = h.TotalPackets
	buf[1] = h.CurrentPacket
	binary.BigEndian.PutUint32(buf[2:6], h.ScheduleID)
	buf[6] = h.Repetition
	binary.BigEndian.PutUint16(buf[7:9], h.ScheduleTiles)
	binary.BigEndian.PutUint32(buf[9:13], h.ActivationTile)
	buf[13] = h.Flags
	return buf
}

// UnmarshalScheduleHeader parses the output of MarshalScheduleHeader and
// returns the remaining bytes (the element lists).
func UnmarshalScheduleHeader(buf []byte) (*ScheduleHeader, []byte, error) {
	if len(buf) < scheduleHeaderWireLen {
		return nil, nil, ErrTruncated
	}
	h := &ScheduleHeader{
		TotalPackets:  buf[0],
		CurrentPacket: buf[1],
		ScheduleID:    binary.BigEndian.Uint32(buf[2:6]),
		Repetition:    buf[6],
		ScheduleTiles: binary.BigEndian.Uint16(buf[7:9]),
		ActivationTile: binary.BigEndian.Uint32(buf[9:13]),
		Flags:         buf[13],
	}
	return h, buf[scheduleHeaderWireLen:], nil
}

// ScheduleBody is the count-prefixed element list following a
// ScheduleHeader, in the fixed order [ScheduleElements][ResponseElements][InfoElements].
type ScheduleBody struct {
	Elements  []ScheduleElementTLV
	Responses []ResponseElementTLV
	Info      []InfoElementTLV
}

// MarshalScheduleBody cbor-encodes the three element lists.
func MarshalScheduleBody(b *ScheduleBody) ([]byte, error) {
	return cbor.Marshal(b)
}

// UnmarshalScheduleBody decodes a ScheduleBody. Receivers must peel
// InfoElements, then ResponseElements, then treat the rest as the schedule
// body (spec.md §4.6); this function returns all three already split so
// callers can apply that order themselves.
func UnmarshalScheduleBody(buf []byte) (*ScheduleBody, error) {
	if len(buf) == 0 {
		return &ScheduleBody{}, nil
	}
	var b ScheduleBody
	if err := cbor.Unmarshal(buf, &b); err != nil {
		return nil, err
	}
	return &b, nil
}
