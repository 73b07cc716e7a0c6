package phase

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fedetft/tdmh-sub002/core/tile"
	"github.com/fedetft/tdmh-sub002/mac/codec"
	"github.com/fedetft/tdmh-sub002/mac/sync"
	"github.com/fedetft/tdmh-sub002/mac/transceiver"
)

type fakeSyncSink struct {
	syncedHop    []uint8
	syncedStart  []tile.NetworkTime
	desyncCalled int
	corrections  []tile.NetworkTime
}

func (f *fakeSyncSink) ApplyClockCorrection(correction tile.NetworkTime) {
	f.corrections = append(f.corrections, correction)
}

func (f *fakeSyncSink) OnSync(hop uint8, measuredFrameStart tile.NetworkTime) {
	f.syncedHop = append(f.syncedHop, hop)
	f.syncedStart = append(f.syncedStart, measuredFrameStart)
}

func (f *fakeSyncSink) OnDesync() {
	f.desyncCalled++
}

func TestMasterTimesyncSendsHopZeroAtSlotStart(t *testing.T) {
	radio := &fakeRadio{}
	p := &MasterTimesync{Radio: radio, PanID: 0x1234}

	p.Execute(tile.NetworkTime(5000))
	require.Len(t, radio.sent, 1)
	require.Equal(t, tile.NetworkTime(5000), radio.sentAt[0])

	hop, err := codec.DecodeHeader(radio.sent[0], 0x1234, codec.HeaderLen, 0, true)
	require.NoError(t, err)
	require.Equal(t, uint8(0), hop)
}

func TestHookingTimesyncForwardsAndResyncsWithinMaxHops(t *testing.T) {
	buf := make([]byte, codec.HeaderLen)
	codec.EncodeHeader(buf, 2, 0x1234)
	radio := &fakeRadio{recvQ: []fakeRecv{{
		buf: buf,
		res: transceiver.RecvResult{Status: transceiver.StatusOK, RxTimestamp: 10_000},
	}}}
	sink := &fakeSyncSink{}
	p := &HookingTimesync{Radio: radio, PanID: 0x1234, MaxHops: 5, Sink: sink}

	p.Execute(tile.NetworkTime(0))

	require.Equal(t, []uint8{3}, sink.syncedHop)
	require.Len(t, radio.sent, 1)
	hop, err := codec.DecodeHeader(radio.sent[0], 0x1234, codec.HeaderLen, 0, false)
	require.NoError(t, err)
	require.Equal(t, uint8(3), hop)
	require.Equal(t, tile.NetworkTime(10_000).Add(rebroadcastInterval()), radio.sentAt[0])
}

func TestHookingTimesyncDoesNotForwardPastMaxHops(t *testing.T) {
	buf := make([]byte, codec.HeaderLen)
	codec.EncodeHeader(buf, 5, 0x1234)
	radio := &fakeRadio{recvQ: []fakeRecv{{
		buf: buf,
		res: transceiver.RecvResult{Status: transceiver.StatusOK, RxTimestamp: 10_000},
	}}}
	sink := &fakeSyncSink{}
	p := &HookingTimesync{Radio: radio, PanID: 0x1234, MaxHops: 5, Sink: sink}

	p.Execute(tile.NetworkTime(0))

	require.Equal(t, []uint8{5}, sink.syncedHop)
	require.Empty(t, radio.sent)
}

func TestDynamicTimesyncUpdatesOnReceiptAndRetransmits(t *testing.T) {
	buf := make([]byte, codec.HeaderLen)
	codec.EncodeHeader(buf, 1, 0x1234)
	radio := &fakeRadio{recvQ: []fakeRecv{{
		buf: buf,
		res: transceiver.RecvResult{Status: transceiver.StatusOK, RxTimestamp: 1_000_000},
	}}}
	sink := &fakeSyncSink{}
	synchronizer := sync.New(sync.DefaultConfig())
	p := &DynamicTimesync{
		Radio: radio, PanID: 0x1234, MaxHops: 5, Hop: 2,
		Synchronizer: synchronizer, Sink: sink,
	}

	p.Execute(tile.NetworkTime(1_000_000))

	require.Equal(t, []uint8{1}, sink.syncedHop)
	require.Len(t, sink.corrections, 1)
	require.Equal(t, 0, synchronizer.MissedInARow())
	require.Len(t, radio.sent, 1)
	hop, err := codec.DecodeHeader(radio.sent[0], 0x1234, codec.HeaderLen, 0, false)
	require.NoError(t, err)
	require.Equal(t, uint8(2), hop)
}

func TestDynamicTimesyncDesyncsAfterMaxMissedTimesyncs(t *testing.T) {
	radio := &fakeRadio{} // recvQ empty: every Recv times out
	sink := &fakeSyncSink{}
	cfg := sync.DefaultConfig()
	cfg.MaxMissedTimesyncs = 2
	synchronizer := sync.New(cfg)
	p := &DynamicTimesync{Radio: radio, PanID: 0x1234, MaxHops: 5, Synchronizer: synchronizer, Sink: sink}

	p.Execute(tile.NetworkTime(0))
	require.Equal(t, 0, sink.desyncCalled)

	p.Execute(tile.NetworkTime(0))
	require.Equal(t, 1, sink.desyncCalled)
}
