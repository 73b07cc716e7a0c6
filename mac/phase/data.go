package phase

import (
	"github.com/fedetft/tdmh-sub002/core/config"
	"github.com/fedetft/tdmh-sub002/core/tile"
	"github.com/fedetft/tdmh-sub002/mac/codec"
	"github.com/fedetft/tdmh-sub002/mac/schedule"
	"github.com/fedetft/tdmh-sub002/mac/stream"
	"github.com/fedetft/tdmh-sub002/mac/transceiver"
)

// StreamLookup is the narrow capability the data phase needs from the
// stream manager: resolve a StreamId to its Stream object (spec.md §4.7).
type StreamLookup interface {
	LookupStream(id stream.ID) (*stream.Stream, bool)
}

// Data implements spec.md §4.7: it walks the applied explicit schedule's
// per-slot action vector for the current tile and dispatches
// SEND/RECV/SLEEP, never running past its slot budget for the tile.
type Data struct {
	Radio transceiver.Transceiver
	Cfg   *config.NetworkConfiguration
	Grid  tile.Grid
	Self  StreamLookup
	// Auth, when set, drives spec.md §4.2/§4.12's optional
	// authenticate/encrypt pipeline over each stream packet, gated by
	// Cfg.AuthenticateData/EncryptData.
	Auth *codec.AuthCodec

	// explicit is swapped in by Activate and scheduleTiles by
	// SetScheduleTiles, both reached from ScheduleDistribution.TileActivate
	// at the activation tile, satisfying I2/I3 (no data slot before
	// activationTile observes the new schedule). Neither is guarded by a
	// lock; both run on the MAC thread.
	explicit      []schedule.ExplicitElement
	scheduleTiles uint16
}

// Activate installs a freshly expanded schedule as the one the data phase
// dispatches from. Called only at the exact activation tile (spec.md I2).
func (p *Data) Activate(_ schedule.Header, explicit []schedule.ExplicitElement) {
	p.explicit = explicit
}

// SetScheduleTiles records the period length (in tiles) the installed
// schedule repeats over, used to index the per-slot action vector modulo
// scheduleTiles*slotsPerTile.
func (p *Data) SetScheduleTiles(scheduleTiles uint16) {
	p.scheduleTiles = scheduleTiles
}

// Execute dispatches every data sub-slot of the tile whose origin is
// slotStart, looking up actions at (tileIndex mod scheduleTiles)*slotsPerTile
// + subSlot (spec.md §4.7).
func (p *Data) Execute(slotStart tile.NetworkTime) {
	if len(p.explicit) == 0 || p.scheduleTiles == 0 || p.Cfg.SlotsPerTile == 0 {
		return
	}
	tileIdx, _ := p.Grid.IndexAt(slotStart)
	tileInSchedule := uint64(tileIdx) % uint64(p.scheduleTiles)
	base := tileInSchedule * uint64(p.Cfg.SlotsPerTile)

	slotDuration := tile.Duration(p.Cfg.SlotDuration)
	for sub := uint16(0); sub < p.Cfg.SlotsPerTile; sub++ {
		idx := base + uint64(sub)
		if idx >= uint64(len(p.explicit)) {
			break
		}
		action := p.explicit[idx]
		slotOrigin := slotStart.Add(slotDuration * tile.NetworkTime(sub))
		p.dispatchSlot(action, slotOrigin, slotDuration)
	}
}

func (p *Data) dispatchSlot(action schedule.ExplicitElement, slotOrigin, slotDuration tile.NetworkTime) {
	switch action.Action {
	case schedule.ActionSleep:
		return
	case schedule.ActionSend:
		p.dispatchSend(action.Stream, slotOrigin)
	case schedule.ActionRecv:
		p.dispatchRecv(action.Stream, slotOrigin, slotDuration)
	}
}

func (p *Data) dispatchSend(streamID schedule.StreamID, slotOrigin tile.NetworkTime) {
	s, ok := p.Self.LookupStream(toStreamID(streamID))
	if !ok {
		return
	}
	payload, ok := s.SendPacket()
	if !ok {
		return
	}
	if p.Auth != nil {
		sealed, err := p.Auth.SealData(uint64(slotOrigin), streamSeq(streamID), payload)
		if err != nil {
			logger.Warningf("data phase: seal failed: %v", err)
			return
		}
		payload = sealed
	}
	if err := p.Radio.SendAt(payload, slotOrigin); err != nil {
		logger.Warningf("data phase: send failed: %v", err)
	}
}

// streamSeq folds a stream's port pair into the sequence number AuthCodec
// mixes into its nonce, so concurrent streams sharing a tile never collide.
func streamSeq(id schedule.StreamID) uint32 {
	return uint32(id.SrcPort)<<8 | uint32(id.DstPort)
}

func (p *Data) dispatchRecv(streamID schedule.StreamID, slotOrigin, slotDuration tile.NetworkTime) {
	s, ok := p.Self.LookupStream(toStreamID(streamID))
	if !ok {
		return
	}
	deadline := slotOrigin.Add(slotDuration)
	maxLen := 127
	if s.Params().PayloadSize > 0 {
		maxLen = int(s.Params().PayloadSize)
	}
	buf, res, err := p.Radio.Recv(maxLen, deadline)
	if err != nil || res.Status != transceiver.StatusOK {
		s.MissPacket()
		return
	}
	if p.Auth != nil {
		opened, err := p.Auth.OpenData(uint64(slotOrigin), streamSeq(streamID), buf)
		if err != nil {
			s.MissPacket()
			return
		}
		buf = opened
	}
	s.ReceivePacket(buf)
}

func toStreamID(id schedule.StreamID) stream.ID {
	return stream.ID{
		SrcNode: stream.NodeID(id.SrcNode), DstNode: stream.NodeID(id.DstNode),
		SrcPort: id.SrcPort, DstPort: id.DstPort,
	}
}
