package phase

import (
	"time"

	"github.com/fedetft/tdmh-sub002/core/tile"
	"github.com/fedetft/tdmh-sub002/mac/codec"
	"github.com/fedetft/tdmh-sub002/mac/sync"
	"github.com/fedetft/tdmh-sub002/mac/transceiver"
)

// rebroadcastInterval approximates spec.md §4.4's "~32us*packetBytes +
// 600us" for the fixed 7-byte timesync frame (empty payload).
func rebroadcastInterval() tile.NetworkTime {
	const perByte = 32 * time.Microsecond
	const base = 600 * time.Microsecond
	return tile.Duration(base + time.Duration(codec.HeaderLen)*perByte)
}

const (
	// preambleTime and maxPropagationDelay pad the receive deadline per
	// spec.md §4.4's recv contract.
	preambleTime        = tile.NetworkTime(160_000) // 160us, 802.15.4-class
	maxPropagationDelay = tile.NetworkTime(10_000)   // 10us, single-hop radio range
	wakeupAdvance       = tile.NetworkTime(1_000_000)
)

// SyncSink is the narrow capability a timesync phase needs from the MAC
// context (spec.md DESIGN NOTES §9: pass capability traits into phases
// rather than a cyclic back-reference).
type SyncSink interface {
	// OnSync installs this node's new hop count and the measured frame
	// start observed from a beacon.
	OnSync(hop uint8, measuredFrameStart tile.NetworkTime)
	// OnDesync is called once MaxMissedTimesyncs consecutive beacons are
	// missed.
	OnDesync()
	// ApplyClockCorrection installs the synchronizer's latest per-period
	// correction (spec.md §4.3) into this node's virtual clock, so every
	// future tile origin this node computes is adjusted by it.
	ApplyClockCorrection(correction tile.NetworkTime)
}

// MasterTimesync is the root's timesync phase (spec.md §4.4): it never
// listens, only broadcasts hop=0 at exactly the tile origin.
type MasterTimesync struct {
	Radio  transceiver.Transceiver
	PanID  uint16
}

func (p *MasterTimesync) Execute(slotStart tile.NetworkTime) {
	buf := make([]byte, codec.HeaderLen)
	codec.EncodeHeader(buf, 0, p.PanID)
	if err := p.Radio.SendAt(buf, slotStart); err != nil {
		logger.Warningf("master timesync send failed: %v", err)
	}
}

// HookingTimesync is the desynchronized node's timesync phase (spec.md
// §4.4): on each call it listens for a beacon with any hop until one second
// past slotStart, and on receipt resyncs and forwards the flood one hop
// further. A call that hears nothing returns; listening does not continue
// past that deadline.
type HookingTimesync struct {
	Radio   transceiver.Transceiver
	PanID   uint16
	MaxHops uint8
	Sink    SyncSink
}

func (p *HookingTimesync) Execute(slotStart tile.NetworkTime) {
	// A hooking node has no predicted origin yet; it listens with a
	// deliberately generous fixed deadline of one second.
	deadline := slotStart.Add(tile.Duration(time.Second))
	buf, res, err := p.Radio.Recv(codec.HeaderLen, deadline)
	if err != nil || res.Status != transceiver.StatusOK {
		return
	}
	hop, err := codec.DecodeHeader(buf, p.PanID, codec.HeaderLen, 0, false)
	if err != nil {
		return
	}
	if hop >= p.MaxHops {
		// Still resync off a too-deep flood, just don't forward it.
		p.Sink.OnSync(hop, res.RxTimestamp)
		return
	}
	newHop := hop + 1
	retransmit := make([]byte, codec.HeaderLen)
	codec.EncodeHeader(retransmit, newHop, p.PanID)
	when := res.RxTimestamp.Add(rebroadcastInterval())
	if err := p.Radio.SendAt(retransmit, when); err != nil {
		logger.Warningf("hooking retransmit failed: %v", err)
	}
	p.Sink.OnSync(newHop, res.RxTimestamp)
}

// DynamicTimesync is the in-sync, non-master node's periodic timesync
// phase (spec.md §4.4): it predicts the next beacon arrival from the
// virtual clock, listens within the synchronizer's window, and updates or
// degrades synchronization on success/miss.
type DynamicTimesync struct {
	Radio   transceiver.Transceiver
	PanID   uint16
	MaxHops uint8
	Hop     uint8
	Synchronizer *sync.Synchronizer
	Sink         SyncSink
}

func (p *DynamicTimesync) Execute(slotStart tile.NetworkTime) {
	window := tile.NetworkTime(p.Synchronizer.Window())
	deadline := slotStart.Add(window).Add(preambleTime).Add(maxPropagationDelay)

	buf, res, err := p.Radio.Recv(codec.HeaderLen, deadline)
	if err != nil || res.Status != transceiver.StatusOK {
		_, _, desync := p.Synchronizer.LostPacket()
		if desync {
			p.Sink.OnDesync()
		}
		return
	}
	hop, err := codec.DecodeHeader(buf, p.PanID, codec.HeaderLen, 0, false)
	if err != nil {
		return
	}
	e := int64(res.RxTimestamp - slotStart)
	correction, _ := p.Synchronizer.Update(e)
	p.Sink.ApplyClockCorrection(tile.NetworkTime(correction))
	p.Sink.OnSync(hop, res.RxTimestamp)

	if hop < p.MaxHops {
		retransmit := make([]byte, codec.HeaderLen)
		codec.EncodeHeader(retransmit, hop+1, p.PanID)
		when := res.RxTimestamp.Add(rebroadcastInterval())
		if err := p.Radio.SendAt(retransmit, when); err != nil {
			logger.Warningf("periodic retransmit failed: %v", err)
		}
	}
}
