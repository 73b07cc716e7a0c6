package phase

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fedetft/tdmh-sub002/core/config"
	"github.com/fedetft/tdmh-sub002/core/tile"
	"github.com/fedetft/tdmh-sub002/mac/codec"
	"github.com/fedetft/tdmh-sub002/mac/schedule"
	"github.com/fedetft/tdmh-sub002/mac/stream"
	"github.com/fedetft/tdmh-sub002/mac/transceiver"
)

type fakeScheduleSink struct {
	infos       []stream.InfoElement
	names       map[stream.ID]stream.Parameters
	activations int
	lastHeader  schedule.Header
	lastExplicit []schedule.ExplicitElement
}

func (f *fakeScheduleSink) ApplyInfo(e stream.InfoElement) { f.infos = append(f.infos, e) }

func (f *fakeScheduleSink) ApplyScheduleNames(names map[stream.ID]stream.Parameters) {
	f.names = names
}

func (f *fakeScheduleSink) Activate(header schedule.Header, explicit []schedule.ExplicitElement) {
	f.activations++
	f.lastHeader = header
	f.lastExplicit = explicit
}

type fakeKeySink struct {
	resyncIndex uint64
	committed   int
	rolledBack  int
	verify      func(challenge, response []byte) bool
}

func (f *fakeKeySink) BeginResync(newIndex uint64) error {
	f.resyncIndex = newIndex
	return nil
}
func (f *fakeKeySink) Commit()   { f.committed++ }
func (f *fakeKeySink) Rollback() { f.rolledBack++ }

// Verify defaults to true when unset, so existing tests that never
// populate a ResponseElementTLV (and thus never arm resyncResponse) are
// unaffected by the added challenge/response gate.
func (f *fakeKeySink) Verify(challenge, response []byte) bool {
	if f.verify != nil {
		return f.verify(challenge, response)
	}
	return true
}

func oneHopElement() schedule.Element {
	return schedule.Element{
		Stream:     schedule.StreamID{SrcNode: 1, DstNode: 2, SrcPort: 1, DstPort: 2},
		Offset:     0,
		Period:     1,
		Redundancy: schedule.RedundancyNone,
		HopPath:    [][]schedule.NodeID{{1, 2}},
	}
}

func TestScheduleDistributionMasterBroadcastsPendingPackets(t *testing.T) {
	radio := &fakeRadio{}
	p := &ScheduleDistribution{
		Radio: radio, PanID: 0x1234, Master: true,
		Pending: &PendingSchedule{
			Header:   schedule.Header{ScheduleID: 7, ActivationTile: 0, ScheduleTiles: 1},
			Elements: []schedule.Element{oneHopElement()},
			Packets:  [][]schedule.Element{{oneHopElement()}},
		},
	}

	p.Execute(tile.NetworkTime(0))
	require.Len(t, radio.sent, 1)

	_, err := codec.DecodeHeader(radio.sent[0], 0x1234, 0, 0, false)
	require.NoError(t, err)
	rest := codec.Payload(radio.sent[0])
	h, rest, err := codec.UnmarshalScheduleHeader(rest)
	require.NoError(t, err)
	require.Equal(t, uint32(7), h.ScheduleID)
	require.Equal(t, uint8(1), h.TotalPackets)

	body, err := codec.UnmarshalScheduleBody(rest)
	require.NoError(t, err)
	require.Len(t, body.Elements, 1)
}

func TestScheduleDistributionReceiverCompletesAndActivates(t *testing.T) {
	masterRadio := &fakeRadio{}
	master := &ScheduleDistribution{
		Radio: masterRadio, PanID: 0x1234, Master: true,
		Pending: &PendingSchedule{
			Header:   schedule.Header{ScheduleID: 7, ActivationTile: 0, ScheduleTiles: 1},
			Packets:  [][]schedule.Element{{oneHopElement()}},
		},
	}
	master.Execute(tile.NetworkTime(0))
	require.Len(t, masterRadio.sent, 1)
	wire := masterRadio.sent[0]

	sink := &fakeScheduleSink{}
	keys := &fakeKeySink{}
	cfg := &config.NetworkConfiguration{SlotsPerTile: 1}
	recv := NewScheduleDistribution(1, cfg, 0x1234, 3, sink, keys)

	radio := &fakeRadio{recvQ: []fakeRecv{
		{buf: wire, res: transceiver.RecvResult{Status: transceiver.StatusOK, RxTimestamp: 1000}},
		{buf: wire, res: transceiver.RecvResult{Status: transceiver.StatusOK, RxTimestamp: 2000}},
	}}
	recv.Radio = radio

	recv.Execute(tile.NetworkTime(0))
	require.Equal(t, StateProcessing, recv.State())

	recv.Execute(tile.NetworkTime(0))
	require.Equal(t, StateAwaitingActivation, recv.State())

	recv.TileActivate(tile.Index(0))
	require.Equal(t, StateAppliedSchedule, recv.State())
	require.Equal(t, 1, sink.activations)
	require.Len(t, sink.names, 1)
	require.Equal(t, 1, keys.committed)

	require.Len(t, sink.lastExplicit, 1)
	require.Equal(t, schedule.ActionSend, sink.lastExplicit[0].Action)
}

func TestScheduleDistributionFailedChallengeResponseRollsBack(t *testing.T) {
	sink := &fakeScheduleSink{}
	keys := &fakeKeySink{verify: func(challenge, response []byte) bool { return false }}
	cfg := &config.NetworkConfiguration{SlotsPerTile: 1}
	recv := NewScheduleDistribution(1, cfg, 0x1234, 3, sink, keys)
	recv.header = schedule.Header{ScheduleID: 7, ActivationTile: 0, ScheduleTiles: 1, TotalPacket: 1}
	recv.receivedCounts = []int{1}
	recv.state = StateAwaitingActivation
	recv.resyncResponse = []byte("bogus")

	recv.TileActivate(tile.Index(0))

	require.Equal(t, StateAppliedSchedule, recv.State())
	require.Equal(t, 1, sink.activations)
	require.Equal(t, 0, keys.committed)
	require.Equal(t, 1, keys.rolledBack)
	require.Nil(t, recv.resyncResponse)
}

func TestScheduleDistributionSuccessfulChallengeResponseCommits(t *testing.T) {
	sink := &fakeScheduleSink{}
	keys := &fakeKeySink{verify: func(challenge, response []byte) bool { return true }}
	cfg := &config.NetworkConfiguration{SlotsPerTile: 1}
	recv := NewScheduleDistribution(1, cfg, 0x1234, 3, sink, keys)
	recv.header = schedule.Header{ScheduleID: 7, ActivationTile: 0, ScheduleTiles: 1, TotalPacket: 1}
	recv.receivedCounts = []int{1}
	recv.state = StateAwaitingActivation
	recv.resyncResponse = []byte("good")

	recv.TileActivate(tile.Index(0))

	require.Equal(t, StateAppliedSchedule, recv.State())
	require.Equal(t, 1, keys.committed)
	require.Equal(t, 0, keys.rolledBack)
}

func TestScheduleDistributionMasterPacesOnePacketPerTileAndRepeats(t *testing.T) {
	radio := &fakeRadio{}
	p := &ScheduleDistribution{
		Radio: radio, PanID: 0x1234, Master: true,
		Pending: &PendingSchedule{
			Header:      schedule.Header{ScheduleID: 3, ActivationTile: 4, ScheduleTiles: 1},
			Packets:     [][]schedule.Element{{oneHopElement()}, {oneHopElement()}},
			Repetitions: 2,
		},
	}

	for i := 0; i < 3; i++ {
		p.Execute(tile.NetworkTime(0))
		require.Len(t, radio.sent, i+1, "one packet per Execute call")
		require.NotNil(t, p.Pending, "round not finished yet")
	}
	// 4th emission completes packet*repetition = 2*2 = 4 and clears Pending.
	p.Execute(tile.NetworkTime(0))
	require.Len(t, radio.sent, 4)
	require.Nil(t, p.Pending)

	_, rest, err := codec.UnmarshalScheduleHeader(codec.Payload(radio.sent[3]))
	require.NoError(t, err)
	_ = rest
}

func TestScheduleDistributionIncompleteAtActivationRollsBack(t *testing.T) {
	sink := &fakeScheduleSink{}
	keys := &fakeKeySink{}
	cfg := &config.NetworkConfiguration{SlotsPerTile: 1, MaxNodes: 4}
	recv := NewScheduleDistribution(1, cfg, 0x1234, 3, sink, keys)
	recv.header = schedule.Header{ScheduleID: 9, ActivationTile: 0, ScheduleTiles: 1, TotalPacket: 2}
	recv.receivedCounts = []int{1, 0} // one of two packets never arrived
	recv.state = StateAwaitingActivation

	recv.TileActivate(tile.Index(5))

	require.Equal(t, StateIncompleteSchedule, recv.State())
	require.Equal(t, 1, keys.rolledBack)
	require.Equal(t, 1, sink.activations)
	require.Nil(t, sink.lastExplicit)
}
