package phase

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fedetft/tdmh-sub002/core/config"
	"github.com/fedetft/tdmh-sub002/core/tile"
	"github.com/fedetft/tdmh-sub002/mac/codec"
	"github.com/fedetft/tdmh-sub002/mac/schedule"
	"github.com/fedetft/tdmh-sub002/mac/stream"
	"github.com/fedetft/tdmh-sub002/mac/topology"
	"github.com/fedetft/tdmh-sub002/mac/transceiver"
)

// fakeRadio is a hand-wound transceiver.Transceiver stub for tests that
// need deterministic, non-blocking control over send/recv, rather than the
// wall-clock-derived timing SimRadio uses.
type fakeRadio struct {
	sent     [][]byte
	sentAt   []tile.NetworkTime
	recvQ    []fakeRecv
}

type fakeRecv struct {
	buf []byte
	res transceiver.RecvResult
}

func (f *fakeRadio) Configure(float64, int8, bool, bool) error { return nil }
func (f *fakeRadio) TurnOn() error                             { return nil }
func (f *fakeRadio) TurnOff() error                            { return nil }
func (f *fakeRadio) Idle() error                               { return nil }

func (f *fakeRadio) SendAt(buf []byte, when tile.NetworkTime) error {
	cp := append([]byte{}, buf...)
	f.sent = append(f.sent, cp)
	f.sentAt = append(f.sentAt, when)
	return nil
}

func (f *fakeRadio) Recv(maxLen int, deadline tile.NetworkTime) ([]byte, transceiver.RecvResult, error) {
	if len(f.recvQ) == 0 {
		return nil, transceiver.RecvResult{Status: transceiver.StatusTimeout}, nil
	}
	next := f.recvQ[0]
	f.recvQ = f.recvQ[1:]
	return next.buf, next.res, nil
}

var _ transceiver.Transceiver = (*fakeRadio)(nil)

func TestRotorRoundRobinSkipsMasterAndWraps(t *testing.T) {
	r := NewRotor(4) // nodes 1,2,3 hold slots
	require.Equal(t, topology.NodeID(1), r.Advance())
	require.Equal(t, topology.NodeID(2), r.Advance())
	require.Equal(t, topology.NodeID(3), r.Advance())
	require.Equal(t, topology.NodeID(1), r.Advance())
}

type fakeSMESource struct {
	drained  []stream.SME
	enqueued []stream.SME
}

func (f *fakeSMESource) DrainSMEs(max int) []stream.SME {
	out := f.drained
	f.drained = nil
	return out
}

func (f *fakeSMESource) EnqueueSME(sme stream.SME) {
	f.enqueued = append(f.enqueued, sme)
}

func testNetworkConfig() *config.NetworkConfiguration {
	return &config.NetworkConfiguration{
		MaxNodes:         8,
		TopologySMERatio: 1.0,
		SlotsPerTile:     4,
	}
}

func TestUplinkSendEncodesAssignedPacket(t *testing.T) {
	cfg := testNetworkConfig()
	neighbors := topology.New(cfg)
	neighbors.Observe(2, false)

	radio := &fakeRadio{}
	smes := &fakeSMESource{drained: []stream.SME{{Stream: stream.ID{SrcNode: 1, SrcPort: 5, DstPort: 6}, Kind: stream.SMEConnect}}}

	p := &Uplink{
		Radio: radio, Cfg: cfg, PanID: 0x1234,
		Self: 1, AssigneeOf: 0,
		Neighbors: neighbors,
		Rotor:     NewRotor(cfg.MaxNodes),
		SMEs:      smes,
	}

	p.Execute(tile.NetworkTime(1000))
	require.Len(t, radio.sent, 1)

	hop, err := codec.DecodeHeader(radio.sent[0], 0x1234, 0, 0, false)
	require.NoError(t, err)
	require.Equal(t, uint8(1), hop) // byte 2 carries the sender's own NodeID

	up, err := codec.UnmarshalUplinkPayload(codec.Payload(radio.sent[0]), cfg.NeighborBitmaskBytes())
	require.NoError(t, err)
	require.Equal(t, uint8(0), up.Assignee)
	require.Len(t, up.SMEs, 1)
	require.Equal(t, codec.SMEConnect, up.SMEs[0].Kind)
}

func TestUplinkListenOnlyRelaysPacketsAddressedToSelf(t *testing.T) {
	cfg := testNetworkConfig()
	neighbors := topology.New(cfg)

	// Build a wire packet from node 3, addressed through assignee=2.
	body, err := codec.MarshalUplinkPayload(&codec.UplinkPayload{
		Assignee:        2,
		NeighborBitmask: make([]byte, cfg.NeighborBitmaskBytes()),
		Forwarded:       []codec.TopologyTLV{{NodeID: 9, Bitmask: make([]byte, cfg.NeighborBitmaskBytes())}},
	})
	require.NoError(t, err)
	buf := make([]byte, codec.HeaderLen+len(body))
	codec.EncodeHeader(buf, 3, 0x1234)
	copy(buf[codec.HeaderLen:], body)

	radio := &fakeRadio{recvQ: []fakeRecv{{buf: buf, res: transceiver.RecvResult{Status: transceiver.StatusOK}}}}
	smes := &fakeSMESource{}

	pNotAddressed := &Uplink{
		Radio: radio, Cfg: cfg, PanID: 0x1234,
		Self: 5, Neighbors: neighbors, Rotor: NewRotor(cfg.MaxNodes), SMEs: smes,
	}
	pNotAddressed.listen(tile.NetworkTime(0))
	require.Empty(t, pNotAddressed.forwardQueue)

	radio.recvQ = []fakeRecv{{buf: buf, res: transceiver.RecvResult{Status: transceiver.StatusOK}}}
	pAddressed := &Uplink{
		Radio: radio, Cfg: cfg, PanID: 0x1234,
		Self: 2, Neighbors: neighbors, Rotor: NewRotor(cfg.MaxNodes), SMEs: smes,
	}
	pAddressed.listen(tile.NetworkTime(0))
	require.Len(t, pAddressed.forwardQueue, 2) // sender's own entry + the one it forwarded
}

func TestDataPhaseDispatchesSend(t *testing.T) {
	cfg := testNetworkConfig()
	cfg.SlotsPerTile = 1
	cfg.SlotDuration = 0

	streamID := stream.ID{SrcNode: 1, DstNode: 2, SrcPort: 1, DstPort: 2}
	s, ok := newTestStream(t, streamID)
	require.True(t, ok)
	_, err := s.Write([]byte("hi"))
	require.NoError(t, err)

	explicit := []schedule.ExplicitElement{
		{Action: schedule.ActionSend, Stream: schedule.StreamID{SrcNode: 1, DstNode: 2, SrcPort: 1, DstPort: 2}},
	}

	lookup := &fakeStreamLookup{streams: map[stream.ID]*stream.Stream{streamID: s}}
	radio := &fakeRadio{}
	data := &Data{Radio: radio, Cfg: cfg, Grid: tile.Grid{TileDuration: 1}, Self: lookup}
	data.SetScheduleTiles(1)
	data.Activate(schedule.Header{}, explicit)

	data.Execute(tile.NetworkTime(0))
	require.Len(t, radio.sent, 1)
	require.Equal(t, "hi", string(radio.sent[0]))
}

type fakeStreamLookup struct {
	streams map[stream.ID]*stream.Stream
}

func (f *fakeStreamLookup) LookupStream(id stream.ID) (*stream.Stream, bool) {
	s, ok := f.streams[id]
	return s, ok
}

func newTestStream(t *testing.T, id stream.ID) (*stream.Stream, bool) {
	t.Helper()
	m := stream.NewManager(stream.Config{Node: id.SrcNode, SMETimeoutReset: 5, FailTimeoutMax: 10, SMEQueueCapacity: 8})
	m.ApplyScheduleNames(map[stream.ID]stream.Parameters{id: {Redundancy: stream.RedundancyNone, PayloadSize: 16}})
	return m.LookupStream(id)
}
