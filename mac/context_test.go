package mac

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fedetft/tdmh-sub002/core/config"
	"github.com/fedetft/tdmh-sub002/core/crypto/keychain"
	"github.com/fedetft/tdmh-sub002/core/tile"
	"github.com/fedetft/tdmh-sub002/mac/schedule"
	"github.com/fedetft/tdmh-sub002/mac/stream"
	"github.com/fedetft/tdmh-sub002/mac/transceiver"
)

// fakeRadio is a minimal non-blocking transceiver.Transceiver stub, used
// here only so NewContext has something to wire in; these tests never run
// the blocking MAC loop.
type fakeRadio struct{}

func (f *fakeRadio) Configure(float64, int8, bool, bool) error { return nil }
func (f *fakeRadio) TurnOn() error                             { return nil }
func (f *fakeRadio) TurnOff() error                            { return nil }
func (f *fakeRadio) Idle() error                               { return nil }
func (f *fakeRadio) SendAt(buf []byte, when tile.NetworkTime) error {
	return nil
}
func (f *fakeRadio) Recv(maxLen int, deadline tile.NetworkTime) ([]byte, transceiver.RecvResult, error) {
	return nil, transceiver.RecvResult{Status: transceiver.StatusTimeout}, nil
}

var _ transceiver.Transceiver = (*fakeRadio)(nil)

func testConfig() *config.NetworkConfiguration {
	return &config.NetworkConfiguration{
		MaxNodes:                 8,
		MaxHops:                  5,
		PanID:                    0x1234,
		TileDuration:             time.Millisecond,
		ControlSuperframeBitmask: 0x2, // bit0=downlink(timesync), bit1=uplink
		ControlSuperframeSize:    2,
		SlotsPerTile:             1,
	}
}

func newTestContext(t *testing.T, master bool) *Context {
	t.Helper()
	cfg := testConfig()
	keys := keychain.New([keychain.KeySize]byte{})
	return NewContext(cfg, &fakeRadio{}, NewWallClockPower(), 1, 0, master, keys)
}

func TestTileKindFollowsControlSuperframeBitmaskThenData(t *testing.T) {
	c := newTestContext(t, false)
	// scheduleTiles defaults to controlSuperframeSize (2) until a schedule
	// is activated, so every tile is a control tile.
	require.Equal(t, TileTimesync, c.tileKind(0))
	require.Equal(t, TileUplink, c.tileKind(1))
	require.Equal(t, TileTimesync, c.tileKind(2))
	require.Equal(t, TileUplink, c.tileKind(3))
}

func TestTileKindAddsDataTilesAfterScheduleActivates(t *testing.T) {
	c := newTestContext(t, false)
	c.Activate(schedule.Header{ScheduleTiles: 4}, nil)

	require.Equal(t, TileTimesync, c.tileKind(0))
	require.Equal(t, TileUplink, c.tileKind(1))
	require.Equal(t, TileData, c.tileKind(2))
	require.Equal(t, TileData, c.tileKind(3))
	require.Equal(t, TileTimesync, c.tileKind(4))
}

func TestMasterStartsInSyncAndNeverDesyncsItself(t *testing.T) {
	c := newTestContext(t, true)
	require.Equal(t, StatusInSync, c.Status())
}

func TestOnSyncThenOnDesyncTransitionsStatus(t *testing.T) {
	c := newTestContext(t, false)
	require.Equal(t, StatusDesynchronized, c.Status())

	c.OnSync(3, tile.NetworkTime(1000))
	require.Equal(t, StatusInSync, c.Status())
	require.Equal(t, uint8(3), c.Hop())

	c.OnDesync()
	require.Equal(t, StatusDesynchronized, c.Status())
	require.Equal(t, uint8(0), c.Hop())
}

func TestActivateAdoptsSchedulePeriod(t *testing.T) {
	c := newTestContext(t, false)
	explicit := []schedule.ExplicitElement{{Action: schedule.ActionSend}}
	c.Activate(schedule.Header{ScheduleTiles: 4}, explicit)

	require.Equal(t, uint16(4), c.currentScheduleTiles())
}

func TestApplyScheduleNamesDelegatesToManager(t *testing.T) {
	c := newTestContext(t, false)
	id := stream.ID{SrcNode: 1, DstNode: 2, SrcPort: 1, DstPort: 2}
	c.ApplyScheduleNames(map[stream.ID]stream.Parameters{id: {Redundancy: stream.RedundancyNone, PayloadSize: 8}})

	s, ok := c.Manager.LookupStream(id)
	require.True(t, ok)
	require.Equal(t, stream.Parameters{Redundancy: stream.RedundancyNone, PayloadSize: 8}, s.Params())
}
