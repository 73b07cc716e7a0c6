package phase

import (
	"encoding/binary"

	"github.com/fedetft/tdmh-sub002/core/config"
	"github.com/fedetft/tdmh-sub002/core/rand"
	"github.com/fedetft/tdmh-sub002/core/tile"
	"github.com/fedetft/tdmh-sub002/mac/codec"
	"github.com/fedetft/tdmh-sub002/mac/schedule"
	"github.com/fedetft/tdmh-sub002/mac/stream"
	"github.com/fedetft/tdmh-sub002/mac/transceiver"
)

// relayJitterMax bounds the random delay core/rand draws before a relayed
// schedule-downlink retransmission, so nodes at the same hop depth don't
// all key up at the identical instant.
const relayJitterMax = 50_000 // 50us

// relayJitter draws a uniform delay in [0, relayJitterMax) from the shared
// cryptographic random source.
func relayJitter() tile.NetworkTime {
	b := rand.Bytes(8)
	n := binary.BigEndian.Uint64(b)
	return tile.NetworkTime(n % relayJitterMax)
}

// DistState is the per-receiver state machine of spec.md §4.6.
type DistState uint8

const (
	StateAppliedSchedule DistState = iota
	StateSendingSchedule
	StateProcessing
	StateAwaitingActivation
	StateIncompleteSchedule
)

// ScheduleSink receives the fully-assembled, activated schedule data a
// data phase will later consume, and the info/response elements the
// stream manager and key manager must apply immediately (spec.md §4.6's
// "InfoElements apply immediately ... regardless of schedule state").
type ScheduleSink interface {
	ApplyInfo(e stream.InfoElement)
	ApplyScheduleNames(names map[stream.ID]stream.Parameters)
	// Activate installs a freshly-expanded explicit schedule as the
	// applied schedule at the current tile (spec.md I2/I3).
	Activate(header schedule.Header, explicit []schedule.ExplicitElement)
}

// KeySink lets the schedule-distribution phase drive a key manager's
// resync/commit/rollback without a cyclic reference to it (spec.md §4.10,
// §4.6's "Rekeying").
type KeySink interface {
	BeginResync(newIndex uint64) error
	Commit()
	Rollback()
	// Verify reports whether response authenticates challenge under the
	// pending key (spec.md §4.10's challenge/response gate).
	Verify(challenge, response []byte) bool
}

// controlSeq folds a schedule header's packet/repetition counters into the
// per-packet sequence number AuthCodec mixes into its nonce, so repeated
// copies of the same logical packet (spec.md §4.6's scheduleRepetitions)
// never reuse a nonce.
func controlSeq(h schedule.Header) uint32 {
	return uint32(h.CurrentPacket) | uint32(h.Repetition)<<8
}

// ChallengeBytes derives the §4.10 challenge deterministically from a
// schedule round's own header, so the master's proof-of-possession tag can
// ride in the same broadcast that announces a new masterIndex instead of
// needing a separate issuance round-trip over a one-way downlink flood.
func ChallengeBytes(h schedule.Header) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], h.ScheduleID)
	binary.BigEndian.PutUint32(buf[4:8], h.ActivationTile)
	return buf
}

// ScheduleDistribution implements spec.md §4.6: master broadcast (Master
// true) or non-master receive/relay/activate, grounded on
// server/internal/decoy/decoy.go's OnNewDocument-driven document-swap
// idiom (a new artifact is staged, validated, then atomically substituted
// for the active one).
type ScheduleDistribution struct {
	Radio   transceiver.Transceiver
	Cfg     *config.NetworkConfiguration
	PanID   uint16
	MaxHops uint8
	Hop     uint8

	Sink ScheduleSink
	Keys KeySink
	// Auth, when set, drives spec.md §4.2/§4.12's optional
	// authenticate/encrypt pipeline over each packet's TLV body, gated by
	// Cfg.AuthenticateControl/EncryptControl.
	Auth *codec.AuthCodec
	// SMEs, when set, receives a RESEND SME (stream.ID zero value, since a
	// resend request targets the whole schedule rather than one stream)
	// once INCOMPLETE_SCHEDULE has persisted past its timeout.
	SMEs SMESource

	Master bool
	// Master-only: the next schedule to broadcast. nil when nothing new.
	Pending *PendingSchedule

	state          DistState
	header         schedule.Header
	elements       []schedule.Element
	receivedCounts []int
	nodeID         uint16

	resendTimeout int

	// Master-only pacing state: one schedule packet is emitted per
	// schedule-downlink tile, cycling through Pending's packets
	// Repetitions times before Pending is cleared (spec.md §4.6).
	activePending *PendingSchedule
	packetIdx     int
	repetitionIdx uint8

	// Receiver-only challenge/response tracking (spec.md §4.10).
	resyncResponse []byte
	resyncDeadline int
}

// PendingSchedule is a master-assembled schedule awaiting distribution.
type PendingSchedule struct {
	Header   schedule.Header
	Elements []schedule.Element
	Packets  [][]schedule.Element // pre-split into totalPacket groups

	// Responses and Info are carried only on the round's first packet
	// (spec.md §4.10/§4.6: InfoElements and the key challenge/response
	// ride inside the next schedule, not every repeated packet of it).
	Responses []codec.ResponseElementTLV
	Info      []codec.InfoElementTLV

	// Repetitions is how many times the full packet set is repeated
	// across successive schedule-downlink tiles; 0 means 1 (spec.md §4.6
	// "scheduleRepetitions").
	Repetitions uint8
}

// NewScheduleDistribution builds a receiver-side phase in APPLIED_SCHEDULE
// with an empty applied schedule.
func NewScheduleDistribution(nodeID uint16, cfg *config.NetworkConfiguration, panID uint16, maxHops uint8, sink ScheduleSink, keys KeySink) *ScheduleDistribution {
	return &ScheduleDistribution{
		Cfg: cfg, PanID: panID, MaxHops: maxHops,
		Sink: sink, Keys: keys,
		nodeID: nodeID,
		state:  StateAppliedSchedule,
	}
}

func (p *ScheduleDistribution) Execute(slotStart tile.NetworkTime) {
	if p.Master {
		p.executeMaster(slotStart)
		return
	}
	p.executeReceiver(slotStart)
}

// executeMaster emits exactly one schedule packet per schedule-downlink
// tile occurrence, cycling through totalPacket*scheduleRepetitions
// emissions across successive tiles before clearing Pending (spec.md §4.6:
// "totalPacket packets, each repeated scheduleRepetitions times").
func (p *ScheduleDistribution) executeMaster(slotStart tile.NetworkTime) {
	if p.Pending == nil {
		return
	}
	if p.activePending != p.Pending {
		p.activePending = p.Pending
		p.packetIdx = 0
		p.repetitionIdx = 0
	}
	if len(p.Pending.Packets) == 0 {
		p.Pending = nil
		p.activePending = nil
		return
	}

	pktIdx := p.packetIdx
	elems := p.Pending.Packets[pktIdx]

	h := p.Pending.Header
	h.TotalPacket = uint8(len(p.Pending.Packets))
	h.CurrentPacket = uint8(pktIdx)
	h.Repetition = p.repetitionIdx
	wireElems := make([]codec.ScheduleElementTLV, 0, len(elems))
	for _, e := range elems {
		wireElems = append(wireElems, e.ToWire())
	}
	body := &codec.ScheduleBody{Elements: wireElems}
	if pktIdx == 0 {
		body.Responses = p.Pending.Responses
		body.Info = p.Pending.Info
	}
	bodyBuf, err := codec.MarshalScheduleBody(body)
	if err != nil {
		logger.Warningf("schedule dist: marshal body failed: %v", err)
	} else {
		if p.Auth != nil {
			bodyBuf, err = p.Auth.SealControl(uint64(slotStart), controlSeq(h), bodyBuf)
		}
		if err != nil {
			logger.Warningf("schedule dist: seal body failed: %v", err)
		} else {
			headerWire := h.ToWire()
			headerBuf := codec.MarshalScheduleHeader(&headerWire)
			buf := make([]byte, codec.HeaderLen+len(headerBuf)+len(bodyBuf))
			codec.EncodeHeader(buf, 0, p.PanID)
			copy(buf[codec.HeaderLen:], headerBuf)
			copy(buf[codec.HeaderLen+len(headerBuf):], bodyBuf)
			if err := p.Radio.SendAt(buf, slotStart); err != nil {
				logger.Warningf("schedule dist: send failed: %v", err)
			}
		}
	}

	p.packetIdx++
	if p.packetIdx >= len(p.Pending.Packets) {
		p.packetIdx = 0
		p.repetitionIdx++
		reps := p.Pending.Repetitions
		if reps == 0 {
			reps = 1
		}
		if p.repetitionIdx >= reps {
			p.Pending = nil
			p.activePending = nil
		}
	}
}

func (p *ScheduleDistribution) executeReceiver(slotStart tile.NetworkTime) {
	p.tickResyncTimeout()

	deadline := slotStart.Add(tile.Duration(defaultSlotListenWindow))
	buf, res, err := p.Radio.Recv(127, deadline)
	if err != nil || res.Status != transceiver.StatusOK {
		p.onMiss(slotStart)
		return
	}
	hop, err := codec.DecodeHeader(buf, p.PanID, 0, 0, false)
	if err != nil {
		return
	}

	rest := codec.Payload(buf)
	h, rest, err := codec.UnmarshalScheduleHeader(rest)
	if err != nil {
		return
	}
	if p.Auth != nil {
		rest, err = p.Auth.OpenControl(uint64(slotStart), controlSeq(schedule.HeaderFromWire(*h)), rest)
		if err != nil {
			logger.Warningf("schedule dist: open body failed: %v", err)
			return
		}
	}
	body, err := codec.UnmarshalScheduleBody(rest)
	if err != nil {
		return
	}

	for _, info := range body.Info {
		p.Sink.ApplyInfo(stream.InfoFromWire(info))
	}
	for _, r := range body.Responses {
		// A response element carries the master's claimed key index and
		// its proof-of-possession tag; BeginResync stages the candidate
		// key, and the tag is checked against it at activation (spec.md
		// §4.10). The pending resync must commit or roll back within
		// MasterChallengeAuthenticationTimeout of being staged.
		if err := p.Keys.BeginResync(r.MasterIndex); err != nil {
			logger.Warningf("schedule dist: key resync rejected: %v", err)
			continue
		}
		p.resyncResponse = append([]byte{}, r.Response...)
		p.resyncDeadline = p.challengeTimeoutTiles()
	}

	newHeader := schedule.HeaderFromWire(*h)
	if p.state == StateAppliedSchedule || p.state == StateIncompleteSchedule || newHeader.ScheduleID != p.header.ScheduleID {
		p.beginNewSchedule(newHeader)
	}

	if int(newHeader.CurrentPacket) < len(p.receivedCounts) {
		p.receivedCounts[newHeader.CurrentPacket]++
		for _, e := range body.Elements {
			p.elements = append(p.elements, schedule.FromWire(e))
		}
	}

	if hop < p.MaxHops {
		relay := make([]byte, len(buf))
		copy(relay, buf)
		relay[2] = hop + 1
		// Jitter desynchronizes same-hop relays that all heard the same
		// flooded packet from keying up at the identical instant.
		when := res.RxTimestamp.Add(rebroadcastInterval()).Add(relayJitter())
		if err := p.Radio.SendAt(relay, when); err != nil {
			logger.Warningf("schedule dist: relay failed: %v", err)
		}
	}

	p.advanceState(slotStart)
}

// challengeTimeoutTiles converts MasterChallengeAuthenticationTimeout into a
// tile count, floored to 1 so a configured-but-sub-tile timeout still bounds
// the pending window rather than disabling it.
func (p *ScheduleDistribution) challengeTimeoutTiles() int {
	if p.Cfg.TileDuration <= 0 || p.Cfg.MasterChallengeAuthenticationTimeout <= 0 {
		return 1
	}
	n := int(p.Cfg.MasterChallengeAuthenticationTimeout / p.Cfg.TileDuration)
	if n <= 0 {
		n = 1
	}
	return n
}

// tickResyncTimeout rolls back a pending key resync that has outlived
// MasterChallengeAuthenticationTimeout without reaching activation (spec.md
// §4.10).
func (p *ScheduleDistribution) tickResyncTimeout() {
	if p.resyncDeadline <= 0 {
		return
	}
	p.resyncDeadline--
	if p.resyncDeadline == 0 {
		p.Keys.Rollback()
		p.resyncResponse = nil
	}
}

func (p *ScheduleDistribution) beginNewSchedule(h schedule.Header) {
	p.header = h
	p.elements = nil
	p.receivedCounts = make([]int, h.TotalPacket)
	p.state = StateSendingSchedule
}

func (p *ScheduleDistribution) complete() bool {
	for _, c := range p.receivedCounts {
		if c == 0 {
			return false
		}
	}
	return len(p.receivedCounts) > 0
}

// advanceState handles the transitions that depend only on whether the
// current packet round completed (spec.md §4.6); activation-tile-dependent
// transitions are handled separately by TileActivate, since activation must
// fire even on a tile where no schedule packet arrived.
func (p *ScheduleDistribution) advanceState(_ tile.NetworkTime) {
	switch p.state {
	case StateSendingSchedule:
		if p.complete() {
			p.state = StateProcessing
		}
	case StateProcessing:
		p.state = StateAwaitingActivation
	}
}

// TileActivate is called by the MAC context once per tile, regardless of
// which control phase ran, since activation must happen at the exact
// activationTile even on a tile that carried no schedule packet (spec.md
// I2/§4.6).
func (p *ScheduleDistribution) TileActivate(currentTile tile.Index) {
	if p.state != StateAwaitingActivation && p.state != StateProcessing {
		return
	}
	if uint64(currentTile) < uint64(p.header.ActivationTile) {
		return
	}
	if p.complete() {
		names := make(map[stream.ID]stream.Parameters, len(p.elements))
		for _, e := range p.elements {
			id := stream.ID{
				SrcNode: stream.NodeID(e.Stream.SrcNode), DstNode: stream.NodeID(e.Stream.DstNode),
				SrcPort: e.Stream.SrcPort, DstPort: e.Stream.DstPort,
			}
			names[id] = stream.Parameters{
				Redundancy:  stream.Redundancy(e.Redundancy),
				Period:      e.Period,
				PayloadSize: 0,
			}
		}
		p.Sink.ApplyScheduleNames(names)

		explicit := schedule.Expand(p.elements, schedule.NodeID(p.nodeID), p.header.ScheduleTiles, p.Cfg.SlotsPerTile)
		p.Sink.Activate(p.header, explicit)
		if p.resyncResponse != nil && !p.Keys.Verify(ChallengeBytes(p.header), p.resyncResponse) {
			p.Keys.Rollback()
		} else {
			p.Keys.Commit()
		}
		p.resyncResponse = nil
		p.resyncDeadline = 0
		p.state = StateAppliedSchedule
		return
	}
	// Incomplete at activation: install the empty schedule and ask for a
	// resend (spec.md §4.6 "installs the empty schedule and enqueues a
	// RESEND SME").
	p.Sink.Activate(p.header, nil)
	p.Keys.Rollback()
	p.resyncResponse = nil
	p.resyncDeadline = 0
	p.state = StateIncompleteSchedule
	p.resendTimeout = 2 * int(p.Cfg.MaxNodes)
}

// onMiss is called on a receiver's tile with no valid schedule packet
// heard; it only drives the INCOMPLETE_SCHEDULE resend timeout (spec.md
// §4.6: "INCOMPLETE_SCHEDULE --(timeout Nmax)--> enqueue ResendSME").
func (p *ScheduleDistribution) onMiss(_ tile.NetworkTime) {
	if p.state != StateIncompleteSchedule {
		return
	}
	p.resendTimeout--
	if p.resendTimeout <= 0 && p.SMEs != nil {
		p.SMEs.EnqueueSME(stream.SME{Kind: stream.SMEResend})
		p.resendTimeout = 2 * int(p.Cfg.MaxNodes)
	}
}

// State returns the current DistState, for tests and diagnostics.
func (p *ScheduleDistribution) State() DistState {
	return p.state
}
